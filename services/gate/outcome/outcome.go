// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package outcome defines the enumerated results of a gateway invocation
// and the error taxonomy that maps onto them.
//
// Every component reports failures as one of a handful of typed errors. The
// dispatcher turns whichever error reached it into exactly one Outcome and
// one exit code, so the caller never has to interpret free-form text.
package outcome

import (
	"errors"
	"fmt"
	"strings"
)

// Outcome is the terminal result of a deployment.
type Outcome string

const (
	Succeeded  Outcome = "succeeded"
	Rejected   Outcome = "rejected"
	Failed     Outcome = "failed"
	RolledBack Outcome = "rolled_back"
)

// Stage names the phase of a deployment in which something happened.
type Stage string

const (
	StagePending    Stage = "pending"
	StageValidating Stage = "validating"
	StageExecuting  Stage = "executing"
	StageVerifying  Stage = "verifying"
	StageRouting    Stage = "routing"
	StageRollback   Stage = "rollback"
)

// Exit codes relayed to the caller. Values follow sysexits(3).
const (
	ExitOK         = 0
	ExitUsage      = 64 // EX_USAGE: unrecognized command line
	ExitRejected   = 65 // EX_DATAERR: policy violation or missing secret
	ExitExecution  = 70 // EX_SOFTWARE: apply or verification failed
	ExitInternal   = 71 // EX_OSERR: gateway could not run at all
	ExitBusy       = 75 // EX_TEMPFAIL: lock contention, retry later
	ExitValidation = 78 // EX_CONFIG: routing configuration rejected
)

// Sentinel errors. Every typed error below unwraps to exactly one of these.
var (
	ErrPolicyViolation     = errors.New("policy violation")
	ErrLockContention      = errors.New("lock contention")
	ErrValidationFailure   = errors.New("validation failure")
	ErrSecretMissing       = errors.New("secret missing")
	ErrExecutionFailure    = errors.New("execution failure")
	ErrVerificationFailure = errors.New("verification failure")
)

// PolicyViolationError carries the ids of every deny rule that fired.
type PolicyViolationError struct {
	RuleIDs []string
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("policy violation: %s", strings.Join(e.RuleIDs, ","))
}

func (e *PolicyViolationError) Unwrap() error { return ErrPolicyViolation }

// SecretMissingError names the secrets that could not be resolved.
type SecretMissingError struct {
	Names []string
	Err   error
}

func (e *SecretMissingError) Error() string {
	msg := fmt.Sprintf("secret missing: %s", strings.Join(e.Names, ","))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SecretMissingError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrSecretMissing}
	}
	return []error{ErrSecretMissing, e.Err}
}

// StageError attaches a stage to an execution, verification, validation or
// contention failure.
type StageError struct {
	Kind  error // one of the sentinels above
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s at %s", e.Kind, e.Stage)
	}
	return fmt.Sprintf("%s at %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *StageError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Execution wraps err as an execution failure in stage.
func Execution(stage Stage, err error) error {
	return &StageError{Kind: ErrExecutionFailure, Stage: stage, Err: err}
}

// Verification wraps err as a verification failure.
func Verification(err error) error {
	return &StageError{Kind: ErrVerificationFailure, Stage: StageVerifying, Err: err}
}

// Validation wraps err as a routing validation failure.
func Validation(err error) error {
	return &StageError{Kind: ErrValidationFailure, Stage: StageRouting, Err: err}
}

// Contention wraps err as lock contention in stage.
func Contention(stage Stage, err error) error {
	return &StageError{Kind: ErrLockContention, Stage: stage, Err: err}
}

// StageOf returns the stage recorded in err, or "" when none is attached.
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// RuleIDsOf returns the violated rule ids carried by err.
func RuleIDsOf(err error) []string {
	var pv *PolicyViolationError
	if errors.As(err, &pv) {
		return pv.RuleIDs
	}
	return nil
}

// ExitCodeFor maps an outcome and the error that produced it to the exit
// code relayed to the caller.
//
// # Description
//
// A nil error with Succeeded is ExitOK. Rejected outcomes split by cause so
// CI can tell "fix your manifest" (65) from "retry later" (75) and "your
// routes are invalid" (78). Failed and RolledBack are both execution
// failures (70). Errors outside the taxonomy are internal (71).
func ExitCodeFor(o Outcome, err error) int {
	switch {
	case o == Succeeded && err == nil:
		return ExitOK
	case errors.Is(err, ErrLockContention):
		return ExitBusy
	case errors.Is(err, ErrValidationFailure):
		return ExitValidation
	case errors.Is(err, ErrPolicyViolation), errors.Is(err, ErrSecretMissing):
		return ExitRejected
	case o == Failed || o == RolledBack,
		errors.Is(err, ErrExecutionFailure), errors.Is(err, ErrVerificationFailure):
		return ExitExecution
	default:
		return ExitInternal
	}
}

// Severity orders exit codes for aggregation across workloads of one sync.
// Higher is worse.
func Severity(code int) int {
	switch code {
	case ExitOK:
		return 0
	case ExitBusy:
		return 1
	case ExitRejected:
		return 2
	case ExitValidation:
		return 3
	case ExitExecution:
		return 4
	case ExitUsage:
		return 5
	default:
		return 6
	}
}
