// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routing

import (
	"fmt"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/sourcegraph/go-diff/diff"
)

// Change describes how a candidate routing config differs from the live one.
type Change struct {
	// Unified is the unified diff, empty when nothing differs.
	Unified string

	Added   int
	Removed int
}

// Empty reports whether the two configs were identical.
func (c Change) Empty() bool { return c.Unified == "" }

// Compare diffs from against to. Replaced lines count once as added and once
// as removed.
func Compare(fromName, toName string, from, to []byte) (Change, error) {
	unified, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(from)),
		B:        difflib.SplitLines(string(to)),
		FromFile: fromName,
		ToFile:   toName,
		Context:  3,
	})
	if err != nil {
		return Change{}, fmt.Errorf("diff routing config: %w", err)
	}
	if unified == "" {
		return Change{}, nil
	}

	fd, err := diff.ParseFileDiff([]byte(unified))
	if err != nil {
		return Change{}, fmt.Errorf("parse routing diff: %w", err)
	}
	st := fd.Stat()
	return Change{
		Unified: unified,
		Added:   int(st.Added + st.Changed),
		Removed: int(st.Deleted + st.Changed),
	}, nil
}
