// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package audit appends the two gateway audit trails: one line per
// dispatched command line and one line per terminal deployment outcome.
//
// Both logs are JSON Lines files opened with O_APPEND. Each event is written
// with a single write call, so lines from concurrent invocations never
// interleave.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/AleutianAI/deploygate/services/gate/outcome"
)

// maxCommandLen bounds the command text kept in a dispatch event.
const maxCommandLen = 512

// DispatchEvent is written once per invocation, including rejected input.
type DispatchEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Caller    string    `json:"caller"`

	// Command is the raw command line, quoted so control bytes are visible.
	Command  string `json:"command"`
	Outcome  string `json:"outcome"`
	ExitCode int    `json:"exit_code"`
}

// DeployEvent is written once per terminal deployment outcome.
type DeployEvent struct {
	Timestamp    time.Time       `json:"timestamp"`
	DeploymentID string          `json:"deployment_id"`
	Caller       string          `json:"caller"`
	Environment  string          `json:"environment"`
	Workload     string          `json:"workload"`
	Ref          string          `json:"ref"`
	Outcome      outcome.Outcome `json:"outcome"`
	RuleIDs      []string        `json:"rule_ids,omitempty"`
	Stage        outcome.Stage   `json:"stage,omitempty"`
	NoOp         bool            `json:"no_op,omitempty"`
}

// Logger records audit events.
//
// Implementations must be safe for concurrent use.
type Logger interface {
	Dispatch(ctx context.Context, event DispatchEvent) error
	Deploy(ctx context.Context, event DeployEvent) error
}

// FileLogger appends events to two JSONL files.
type FileLogger struct {
	dispatchPath string
	deployPath   string
	now          func() time.Time
	mu           sync.Mutex
}

var _ Logger = (*FileLogger)(nil)

// NewFileLogger returns a logger writing dispatch.jsonl and deploy.jsonl in
// dir. The directory is created with mode 0750.
func NewFileLogger(dir string) (*FileLogger, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	return &FileLogger{
		dispatchPath: filepath.Join(dir, "dispatch.jsonl"),
		deployPath:   filepath.Join(dir, "deploy.jsonl"),
		now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

// Dispatch implements Logger.
func (l *FileLogger) Dispatch(_ context.Context, event DispatchEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now()
	}
	if len(event.Command) > maxCommandLen {
		event.Command = event.Command[:maxCommandLen]
	}
	event.Command = fmt.Sprintf("%q", event.Command)
	return l.append(l.dispatchPath, event)
}

// Deploy implements Logger.
func (l *FileLogger) Deploy(_ context.Context, event DeployEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now()
	}
	return l.append(l.deployPath, event)
}

func (l *FileLogger) append(path string, event any) error {
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("write audit log: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync audit log: %w", err)
	}
	return f.Close()
}

// NopLogger discards every event.
type NopLogger struct{}

func (NopLogger) Dispatch(context.Context, DispatchEvent) error { return nil }
func (NopLogger) Deploy(context.Context, DeployEvent) error     { return nil }
