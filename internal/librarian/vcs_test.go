// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package librarian

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCommitMessage(t *testing.T) {
	assert.Equal(t, "librarian(conv-1): captured the fix",
		commitMessage("conv-1", "  captured the fix \n"))
}

func TestCommitMessageTruncatesSummary(t *testing.T) {
	long := strings.Repeat("x", 150)
	msg := commitMessage("conv-9", long)

	assert.Equal(t, "librarian(conv-9): "+strings.Repeat("x", 100), msg)
}

func TestCommitMessageTruncatesByRunes(t *testing.T) {
	long := strings.Repeat("ü", 150)
	msg := commitMessage("c", long)

	assert.Equal(t, "librarian(c): "+strings.Repeat("ü", 100), msg)
}

func TestSplitNameOnly(t *testing.T) {
	out := "notes/project.md\nindex.md\n\n"
	assert.Equal(t, []string{"notes/project.md", "index.md"}, splitNameOnly(out))
}

func TestSplitNameOnlyEmpty(t *testing.T) {
	assert.Nil(t, splitNameOnly(""))
	assert.Nil(t, splitNameOnly("\n\n"))
}
