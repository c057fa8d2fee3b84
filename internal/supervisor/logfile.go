// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	// maxLogSize is the rotation threshold per service log file.
	maxLogSize = 10 * 1024 * 1024
	// logBackups is how many rotated files are kept per service.
	logBackups = 2
	// tailWindow bounds how many trailing bytes tailLines examines.
	tailWindow = 1 << 20
)

// openLogFile opens (creating if needed) a service log file for appending.
func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// rotateIfNeeded rotates path once it reaches maxBytes: older backups shift
// up, the current content is copied to path.1, and the live file is
// truncated in place. Copy-then-truncate keeps the inode stable, which
// matters because supervised children hold inherited O_APPEND descriptors
// that a rename would silently redirect into the backup file.
func rotateIfNeeded(path string, maxBytes int64, backups int) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Size() < maxBytes {
		return nil
	}

	for i := backups - 1; i >= 1; i-- {
		os.Rename(backupName(path, i), backupName(path, i+1))
	}
	if backups >= 1 {
		if err := copyFile(path, backupName(path, 1)); err != nil {
			return err
		}
	}
	return os.Truncate(path, 0)
}

func backupName(path string, i int) string {
	return fmt.Sprintf("%s.%d", path, i)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// tailLines returns the last n lines of the file at path. Only the final
// tailWindow bytes are examined; a missing file yields no lines.
func tailLines(path string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	size := info.Size()
	var offset int64
	if size > tailWindow {
		offset = size - tailWindow
	}

	buf := make([]byte, size-offset)
	if _, err := f.ReadAt(buf, offset); err != nil && err != io.EOF {
		return nil, err
	}

	text := strings.TrimRight(string(buf), "\n")
	if text == "" {
		return nil, nil
	}

	lines := strings.Split(text, "\n")
	if offset > 0 && len(lines) > 1 {
		// The first line in the window is likely clipped
		lines = lines[1:]
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
