// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fsutil has file system helpers for the log and configuration paths.
package fsutil

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// ExpandHome replaces a leading "~" or "~/" in path by the home directory of the current user.
// Other paths are returned unchanged. The "~user" form is not supported.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		if strings.HasPrefix(path, "~") {
			return "", errors.Errorf("path %q: only the home directory of the current user can be expanded", path)
		}
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrapf(err, "expanding %q", path)
	}
	return filepath.Join(home, path[1:]), nil
}

// EnsureDir expands dir with ExpandHome and creates it, with its parents, if needed.
// It returns the expanded directory.
func EnsureDir(dir string) (string, error) {
	dir, err := ExpandHome(dir)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(dir)
	switch {
	case err == nil:
		if !info.IsDir() {
			return "", errors.Errorf("%q exists and is not a directory", dir)
		}
		return dir, nil
	case !errors.Is(err, os.ErrNotExist):
		return "", errors.Wrapf(err, "checking directory %q", dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "creating directory %q", dir)
	}
	return dir, nil
}
