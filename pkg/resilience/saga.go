// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resilience provides the step/compensate pattern used by every
// mutating sequence of the gateway: a deployment converge and a routing
// reload are both sagas whose compensations restore the previous state.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// =============================================================================
// Saga Executor Interface
// =============================================================================

// SagaExecutor defines the interface for saga-based execution.
//
// # Description
//
// When any step fails, previously completed steps are compensated in
// reverse order and the result names the failed step, so callers can
// report the stage precisely.
type SagaExecutor interface {
	// AddStep adds a step to the saga.
	AddStep(step SagaStep)

	// Execute runs all steps. If one fails, compensates completed steps.
	Execute(ctx context.Context) (SagaResult, error)
}

// =============================================================================
// Saga Step
// =============================================================================

// SagaStep represents one step in a saga with its rollback action.
//
// # Example
//
//	step := SagaStep{
//	    Name: "write config",
//	    Execute: func(ctx context.Context) error {
//	        return atomicWrite(live, candidate)
//	    },
//	    Compensate: func(ctx context.Context) error {
//	        return restore(snapshot, live)
//	    },
//	}
//
// # Assumptions
//
//   - Compensate is idempotent.
//   - Execute returns once its context is done.
type SagaStep struct {
	// Name identifies the step for logging and in SagaResult.FailedStep.
	Name string

	// Execute performs the forward action.
	Execute func(ctx context.Context) error

	// Compensate undoes Execute. May be nil if nothing needs undoing.
	Compensate func(ctx context.Context) error

	// Timeout overrides the default step timeout. Zero uses the saga default.
	Timeout time.Duration
}

// =============================================================================
// Saga Configuration
// =============================================================================

// SagaConfig configures saga behavior.
type SagaConfig struct {
	// StepTimeout is the default timeout for each step.
	// Default: 60 seconds
	StepTimeout time.Duration

	// CompensationTimeout is the timeout for each compensation.
	// Default: 30 seconds
	CompensationTimeout time.Duration

	// Logger is used for step execution and compensation events.
	// Default: slog.Default()
	Logger *slog.Logger

	// OnStepComplete is called after each step completes successfully.
	OnStepComplete func(step SagaStep, duration time.Duration)

	// OnCompensate is called when a compensation finishes.
	OnCompensate func(step SagaStep, err error)
}

func defaultSagaConfig() SagaConfig {
	return SagaConfig{
		StepTimeout:         60 * time.Second,
		CompensationTimeout: 30 * time.Second,
		Logger:              slog.Default(),
	}
}

// =============================================================================
// Saga Result Types
// =============================================================================

// SagaResult contains the outcome of a saga execution.
type SagaResult struct {
	// Success indicates all steps completed.
	Success bool

	// CompletedSteps lists steps that executed successfully, in order.
	CompletedSteps []string

	// FailedStep is the step that failed (empty on success).
	FailedStep string

	// Error is the error from the failed step.
	Error error

	// Compensated is true when every completed step with a Compensate
	// function was undone without error.
	Compensated bool

	// CompensationErrors lists failures during compensation.
	CompensationErrors []CompensationError

	// Duration is the total execution time.
	Duration time.Duration
}

// CompensationError records a failure during compensation.
type CompensationError struct {
	StepName string
	Error    error
}

// =============================================================================
// Saga
// =============================================================================

// Saga runs steps in order and compensates on failure.
//
// # Description
//
// A step is never abandoned: Execute waits for the step function to return
// even after its timeout, because a step that is still mutating the host
// while its compensation runs would leave the host in an unknown state.
// Steps must therefore honor their context.
//
// Compensations run on a context detached from the caller's, so a
// cancelled caller still gets a complete rollback.
//
// # Thread Safety
//
// Safe for concurrent use; concurrent Execute calls on one instance are
// serialized.
type Saga struct {
	config    SagaConfig
	steps     []SagaStep
	completed []SagaStep
	mu        sync.Mutex
}

// Compile-time interface satisfaction check
var _ SagaExecutor = (*Saga)(nil)

// NewSaga creates a new saga. Zero values in config take defaults.
func NewSaga(config SagaConfig) *Saga {
	defaults := defaultSagaConfig()
	if config.StepTimeout <= 0 {
		config.StepTimeout = defaults.StepTimeout
	}
	if config.CompensationTimeout <= 0 {
		config.CompensationTimeout = defaults.CompensationTimeout
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	return &Saga{config: config}
}

// AddStep adds a step. Steps execute in the order they are added.
func (s *Saga) AddStep(step SagaStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step)
}

// Execute runs all steps.
//
// # Description
//
// On the first failure the completed steps are compensated in reverse
// order. The returned error wraps the step's error; the result carries
// the failed step name and any compensation failures.
//
// # Outputs
//
//   - SagaResult: Always populated.
//   - error: nil if all steps succeed.
func (s *Saga) Execute(ctx context.Context) (SagaResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	s.completed = s.completed[:0]
	result := SagaResult{}

	for _, step := range s.steps {
		var err error
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("saga cancelled: %w", ctxErr)
		} else {
			err = s.executeStep(ctx, step)
		}
		if err != nil {
			result.FailedStep = step.Name
			result.Error = err
			result.CompletedSteps = s.names()
			result.CompensationErrors = s.compensate()
			result.Compensated = len(result.CompensationErrors) == 0
			result.Duration = time.Since(start)
			return result, fmt.Errorf("saga failed at step %q: %w", step.Name, err)
		}
		s.completed = append(s.completed, step)
	}

	result.Success = true
	result.CompletedSteps = s.names()
	result.Duration = time.Since(start)
	return result, nil
}

func (s *Saga) executeStep(ctx context.Context, step SagaStep) error {
	if step.Execute == nil {
		return errors.New("step has no execute function")
	}
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = s.config.StepTimeout
	}

	s.config.Logger.Info("Executing step", "step", step.Name)
	begin := time.Now()

	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := step.Execute(stepCtx)
	duration := time.Since(begin)
	if err == nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) && duration >= timeout {
		err = fmt.Errorf("step timed out after %v", timeout)
	}
	if err != nil {
		s.config.Logger.Error("Step failed", "step", step.Name, "duration", duration, "error", err)
		return err
	}
	s.config.Logger.Info("Step completed", "step", step.Name, "duration", duration)
	if s.config.OnStepComplete != nil {
		s.config.OnStepComplete(step, duration)
	}
	return nil
}

// compensate undoes completed steps in reverse order. Failures are
// collected and do not stop the remaining compensations.
func (s *Saga) compensate() []CompensationError {
	if len(s.completed) == 0 {
		return nil
	}
	s.config.Logger.Info("Compensating completed steps", "count", len(s.completed))

	var errs []CompensationError
	for i := len(s.completed) - 1; i >= 0; i-- {
		step := s.completed[i]
		if step.Compensate == nil {
			continue
		}
		s.config.Logger.Info("Compensating step", "step", step.Name)

		ctx, cancel := context.WithTimeout(context.Background(), s.config.CompensationTimeout)
		err := step.Compensate(ctx)
		cancel()

		if err != nil {
			s.config.Logger.Warn("Compensation failed", "step", step.Name, "error", err)
			errs = append(errs, CompensationError{StepName: step.Name, Error: err})
		} else {
			s.config.Logger.Info("Compensated step", "step", step.Name)
		}
		if s.config.OnCompensate != nil {
			s.config.OnCompensate(step, err)
		}
	}
	return errs
}

func (s *Saga) names() []string {
	names := make([]string, len(s.completed))
	for i, step := range s.completed {
		names[i] = step.Name
	}
	return names
}
