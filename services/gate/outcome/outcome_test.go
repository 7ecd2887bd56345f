// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package outcome

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCodeFor(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name    string
		outcome Outcome
		err     error
		want    int
	}{
		{"success", Succeeded, nil, ExitOK},
		{"policy", Rejected, &PolicyViolationError{RuleIDs: []string{"privileged-container"}}, ExitRejected},
		{"secret", Rejected, &SecretMissingError{Names: []string{"db"}}, ExitRejected},
		{"contention", Rejected, Contention(StagePending, boom), ExitBusy},
		{"routing invalid", Failed, Validation(boom), ExitValidation},
		{"rolled back", RolledBack, Verification(boom), ExitExecution},
		{"failed", Failed, Execution(StageExecuting, boom), ExitExecution},
		{"internal", "", boom, ExitInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCodeFor(tt.outcome, tt.err))
		})
	}
}

func TestStageError_Unwrap(t *testing.T) {
	cause := errors.New("engine exited 1")
	err := Execution(StageExecuting, cause)

	assert.ErrorIs(t, err, ErrExecutionFailure)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrVerificationFailure)
	assert.Equal(t, StageExecuting, StageOf(err))
	assert.Contains(t, err.Error(), "engine exited 1")
}

func TestRuleIDsOf(t *testing.T) {
	err := &PolicyViolationError{RuleIDs: []string{"a", "b"}}
	assert.Equal(t, []string{"a", "b"}, RuleIDsOf(err))
	assert.ErrorIs(t, err, ErrPolicyViolation)
	assert.Nil(t, RuleIDsOf(errors.New("x")))
}

func TestSecretMissingError(t *testing.T) {
	inner := errors.New("insecure permissions")
	err := &SecretMissingError{Names: []string{"db"}, Err: inner}
	assert.ErrorIs(t, err, ErrSecretMissing)
	assert.ErrorIs(t, err, inner)
}

func TestSeverity_Ordering(t *testing.T) {
	assert.Less(t, Severity(ExitOK), Severity(ExitBusy))
	assert.Less(t, Severity(ExitRejected), Severity(ExitExecution))
	assert.Less(t, Severity(ExitExecution), Severity(ExitInternal))
}
