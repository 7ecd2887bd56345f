// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux styles operator-facing terminal output for the deploygate CLI.
//
// Output is rich (colors and icons) on a terminal and plain text
// everywhere else, so the same command reads well interactively and
// parses cleanly in scripts.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Palette.
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorSlate       = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Mode selects how a Printer renders.
type Mode string

const (
	// ModeRich uses colors and icons.
	ModeRich Mode = "rich"

	// ModePlain writes unstyled text with stable prefixes.
	ModePlain Mode = "plain"
)

// Icon is a status marker.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
)

var plainPrefix = map[Icon]string{
	IconSuccess: "OK",
	IconWarning: "WARN",
	IconError:   "DENY",
	IconPending: "-",
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// DetectMode returns ModeRich for a terminal unless NO_COLOR is set.
func DetectMode(w io.Writer) Mode {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return ModePlain
	}
	if IsTerminal(w) {
		return ModeRich
	}
	return ModePlain
}

type styles struct {
	title   lipgloss.Style
	muted   lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	err     lipgloss.Style
	bold    lipgloss.Style
}

// Printer writes styled lines to one writer.
//
// # Thread Safety
//
// Not safe for concurrent use.
type Printer struct {
	w      io.Writer
	mode   Mode
	styles styles
}

// NewPrinter returns a Printer for w in mode.
func NewPrinter(w io.Writer, mode Mode) *Printer {
	r := lipgloss.NewRenderer(w)
	return &Printer{
		w:    w,
		mode: mode,
		styles: styles{
			title:   r.NewStyle().Bold(true).Foreground(ColorTealBright),
			muted:   r.NewStyle().Foreground(ColorSlate),
			success: r.NewStyle().Foreground(ColorSuccess),
			warning: r.NewStyle().Foreground(ColorWarning),
			err:     r.NewStyle().Foreground(ColorError),
			bold:    r.NewStyle().Bold(true).Foreground(ColorTealPrimary),
		},
	}
}

// Mode returns the printer's mode.
func (p *Printer) Mode() Mode { return p.mode }

func (p *Printer) icon(i Icon) string {
	switch i {
	case IconSuccess:
		return p.styles.success.Render(string(i))
	case IconWarning:
		return p.styles.warning.Render(string(i))
	case IconError:
		return p.styles.err.Render(string(i))
	default:
		return p.styles.muted.Render(string(i))
	}
}

// Title prints a heading. Plain mode omits it.
func (p *Printer) Title(format string, args ...any) {
	if p.mode == ModePlain {
		return
	}
	fmt.Fprintln(p.w, p.styles.title.Render(fmt.Sprintf(format, args...)))
}

// Status prints one marked line with an optional muted detail.
func (p *Printer) Status(i Icon, text, detail string) {
	if p.mode == ModePlain {
		line := plainPrefix[i] + ": " + text
		if detail != "" {
			line += " (" + detail + ")"
		}
		fmt.Fprintln(p.w, line)
		return
	}
	line := p.icon(i) + " " + text
	if detail != "" {
		line += " " + p.styles.muted.Render("("+detail+")")
	}
	fmt.Fprintln(p.w, line)
}

// Info prints an indented note.
func (p *Printer) Info(text string) {
	if p.mode == ModePlain {
		fmt.Fprintln(p.w, "  "+text)
		return
	}
	fmt.Fprintln(p.w, p.styles.muted.Render("│")+" "+text)
}

// Summary prints a closing line with labeled counts in order.
func (p *Printer) Summary(verdict Icon, text string, counts ...Count) {
	parts := make([]string, 0, len(counts))
	for _, c := range counts {
		if p.mode == ModePlain {
			parts = append(parts, fmt.Sprintf("%s=%d", c.Label, c.N))
			continue
		}
		parts = append(parts, p.styles.bold.Render(fmt.Sprint(c.N))+" "+p.styles.muted.Render(c.Label))
	}
	if p.mode == ModePlain {
		fmt.Fprintf(p.w, "SUMMARY: %s %s\n", text, strings.Join(parts, " "))
		return
	}
	fmt.Fprintf(p.w, "\n%s %s  %s\n", p.icon(verdict), p.styles.bold.Render(text), strings.Join(parts, "  "))
}

// Count is one labeled number in a summary.
type Count struct {
	Label string
	N     int
}

// Table prints rows aligned under an upper-cased header. Cells stay
// unstyled so column widths hold.
func (p *Printer) Table(header []string, rows [][]string) error {
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.ToUpper(strings.Join(header, "\t")))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}
