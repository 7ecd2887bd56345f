// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/deploygate/cmd/deploygate/config"
	"github.com/AleutianAI/deploygate/pkg/ux"
	"github.com/AleutianAI/deploygate/services/gate/manifest"
	"github.com/AleutianAI/deploygate/services/gate/outcome"
	policy "github.com/AleutianAI/deploygate/services/policy_engine"
)

const (
	outputAuto = "auto"
	outputText = "text"
	outputJSON = "json"
)

func newPolicyCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the security policy",
	}
	cmd.AddCommand(newPolicyCheckCmd(flags), newPolicyRulesCmd())
	return cmd
}

type policyCheckOptions struct {
	env      string
	name     string
	version  string
	override string
	output   string
}

// policyReport is the JSON form of a policy check.
type policyReport struct {
	Manifest    string           `json:"manifest"`
	Environment string           `json:"environment"`
	Workload    string           `json:"workload"`
	Version     string           `json:"version"`
	Override    string           `json:"override,omitempty"`
	Accepted    bool             `json:"accepted"`
	RuleIDs     []string         `json:"rule_ids,omitempty"`
	Violations  []policy.Finding `json:"violations,omitempty"`
	Warnings    []policy.Finding `json:"warnings,omitempty"`
}

func newPolicyCheckCmd(flags *globalFlags) *cobra.Command {
	opts := policyCheckOptions{}
	cmd := &cobra.Command{
		Use:   "check <compose.yaml>",
		Short: "Evaluate a manifest exactly as a deployment would",
		Long: `check parses a manifest and evaluates it against the policy and the
override for --env. It runs nothing and takes no locks.

Exit status is 0 when the manifest would be admitted and 65 when it
would be rejected.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPolicyCheck(cmd, flags, opts, args[0])
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.env, "env", "", "environment the manifest would be deployed to")
	f.StringVar(&opts.name, "name", "", "workload name (default: the manifest's directory name)")
	f.StringVar(&opts.version, "version", "local", "release version to report")
	f.StringVar(&opts.override, "override", "", "override file (default: policy_override from the configuration)")
	f.StringVarP(&opts.output, "output", "o", outputAuto, "output format: auto, text or json")
	_ = cmd.MarkFlagRequired("env")
	return cmd
}

func runPolicyCheck(cmd *cobra.Command, flags *globalFlags, opts policyCheckOptions, path string) error {
	if !policy.ValidEnvironment(opts.env) {
		return exitWith(outcome.ExitUsage, fmt.Errorf("unknown environment %q", opts.env))
	}
	switch opts.output {
	case outputAuto, outputText, outputJSON:
	default:
		return exitWith(outcome.ExitUsage, fmt.Errorf("unknown output format %q", opts.output))
	}

	overridePath := opts.override
	if overridePath == "" {
		cfg, err := config.Load(flags.configPath)
		if err != nil {
			return exitWith(outcome.ExitInternal, err)
		}
		overridePath = cfg.Paths.PolicyFile
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return exitWith(outcome.ExitUsage, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return exitWith(outcome.ExitUsage, err)
	}
	src := manifest.Source{
		Environment: opts.env,
		Name:        opts.name,
		Version:     opts.version,
		Dir:         filepath.Dir(abs),
	}
	if src.Name == "" {
		src.Name = filepath.Base(src.Dir)
	}

	engine, err := policy.NewPolicyEngine()
	if err != nil {
		return exitWith(outcome.ExitInternal, err)
	}
	report := policyReport{
		Manifest:    path,
		Environment: src.Environment,
		Workload:    src.Name,
		Version:     src.Version,
	}

	var decision policy.Decision
	override, err := policy.LoadOverride(overridePath, opts.env, nil)
	if err != nil {
		decision = engine.OverrideRejected(err)
	} else if w, perr := manifest.Parse(data, src); perr != nil {
		report.Override = override.Source
		decision = engine.Unparseable(perr)
	} else {
		report.Override = override.Source
		decision = engine.Evaluate(w, override)
	}
	report.Accepted = decision.Accepted
	report.RuleIDs = decision.RuleIDs()
	report.Violations = decision.Violations
	report.Warnings = decision.Warnings

	out := cmd.OutOrStdout()
	mode := ux.DetectMode(out)
	if opts.output == outputJSON || (opts.output == outputAuto && mode != ux.ModeRich) {
		if err := writeJSON(out, report); err != nil {
			return exitWith(outcome.ExitInternal, err)
		}
	} else {
		printPolicyReport(ux.NewPrinter(out, mode), report)
	}

	if !decision.Accepted {
		return exitWith(outcome.ExitRejected, nil)
	}
	return nil
}

func printPolicyReport(p *ux.Printer, r policyReport) {
	p.Title("policy check %s/%s@%s", r.Environment, r.Workload, r.Version)
	if r.Override != "" {
		p.Info("override: " + r.Override)
	}
	for _, v := range r.Violations {
		p.Status(ux.IconError, findingText(v), "")
		p.Info(v.Rationale)
	}
	for _, w := range r.Warnings {
		detail := ""
		if w.PermittedBy != "" {
			detail = "permitted by " + w.PermittedBy
		}
		p.Status(ux.IconWarning, findingText(w), detail)
	}

	verdict, text := ux.IconSuccess, "accepted"
	if !r.Accepted {
		verdict, text = ux.IconError, "rejected"
	}
	p.Summary(verdict, text, ux.Count{Label: "violations", N: len(r.Violations)}, ux.Count{Label: "warnings", N: len(r.Warnings)})
}

func findingText(f policy.Finding) string {
	where := f.Service
	if where == "" {
		where = "manifest"
	}
	return fmt.Sprintf("[%s] %s: %s", f.RuleID, where, f.Detail)
}

func newPolicyRulesCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "List the policy rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			engine, err := policy.NewPolicyEngine()
			if err != nil {
				return exitWith(outcome.ExitInternal, err)
			}
			rules := engine.Rules()
			out := cmd.OutOrStdout()
			if output == outputJSON {
				return writeJSON(out, rules)
			}

			rows := make([][]string, 0, len(rules))
			for _, r := range rules {
				rows = append(rows, []string{r.ID, string(r.Severity), orDash(r.Override), orDash(r.Escalate)})
			}
			return ux.NewPrinter(out, ux.DetectMode(out)).Table([]string{"rule", "severity", "override", "escalate"}, rows)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", outputText, "output format: text or json")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
