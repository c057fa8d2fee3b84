// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package librarian

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Archiver commits library changes after a successful job and reports
// which files the commit touched.
type Archiver interface {
	Commit(ctx context.Context, conversationID, summary string) ([]string, error)
}

// GitArchiver runs real git against the library directory. Commits are
// authored as the librarian so automated writes stand out in history.
type GitArchiver struct {
	dir string
}

// NewGitArchiver creates an archiver for the given library directory.
func NewGitArchiver(dir string) *GitArchiver {
	return &GitArchiver{dir: dir}
}

// EnsureRepo initializes the library directory as a git repository when
// it is not one already.
func (g *GitArchiver) EnsureRepo(ctx context.Context) error {
	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		return fmt.Errorf("librarian: create library dir: %w", err)
	}
	if _, err := os.Stat(filepath.Join(g.dir, ".git")); err == nil {
		return nil
	}
	if out, err := runGit(ctx, g.dir, "init"); err != nil {
		return fmt.Errorf("librarian: git init: %v: %s", err, strings.TrimSpace(out))
	}
	return nil
}

// Commit stages everything in the library and commits it, returning the
// files the commit touched. A clean tree means the agent wrote nothing;
// no commit is made and no files are returned.
func (g *GitArchiver) Commit(ctx context.Context, conversationID, summary string) ([]string, error) {
	if out, err := runGit(ctx, g.dir, "add", "-A"); err != nil {
		return nil, fmt.Errorf("git add: %v: %s", err, strings.TrimSpace(out))
	}

	status, err := runGit(ctx, g.dir, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("git status: %v: %s", err, strings.TrimSpace(status))
	}
	if strings.TrimSpace(status) == "" {
		return nil, nil
	}

	msg := commitMessage(conversationID, summary)
	if out, err := runGit(ctx, g.dir,
		"-c", "user.name=claudia librarian",
		"-c", "user.email=librarian@localhost",
		"commit", "-m", msg); err != nil {
		return nil, fmt.Errorf("git commit: %v: %s", err, strings.TrimSpace(out))
	}

	changed, err := runGit(ctx, g.dir, "diff", "--name-only", "HEAD~1")
	if err != nil {
		// The first commit in a repository has no parent to diff against.
		changed, err = runGit(ctx, g.dir, "show", "--name-only", "--format=", "HEAD")
		if err != nil {
			return nil, fmt.Errorf("git diff: %v: %s", err, strings.TrimSpace(changed))
		}
	}
	return splitNameOnly(changed), nil
}

// commitMessage builds the librarian commit subject, truncating the
// summary to its first 100 characters.
func commitMessage(conversationID, summary string) string {
	const maxSummary = 100
	summary = strings.TrimSpace(summary)
	if r := []rune(summary); len(r) > maxSummary {
		summary = string(r[:maxSummary])
	}
	return fmt.Sprintf("librarian(%s): %s", conversationID, summary)
}

// splitNameOnly parses `git diff --name-only` output into a path list.
func splitNameOnly(out string) []string {
	var files []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			files = append(files, line)
		}
	}
	return files
}

// runGit executes git -C dir with the given arguments, returning stdout
// on success and stderr text alongside the error on failure.
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stderr.String(), err
	}
	return stdout.String(), nil
}
