// Copyright 2026 The Cordon Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"fmt"
	"os"
	"path/filepath"
)

// SandboxDir is the restrictive-permission directory tree owned by one
// Executor instance. It is created at construction, never shared
// between instances, and removed by Cleanup.
//
// Layout:
//
//	<root>/          0700, uniquely named
//	  work/          child working directory
//	  tmp/           child TMPDIR
//	  output/        declared output files
type SandboxDir struct {
	Root   string
	Work   string
	Tmp    string
	Output string
}

// newSandboxDir creates a uniquely named sandbox tree under parent
// (os.TempDir() when empty). The root and every subdirectory are mode
// 0700 so other users on the host cannot inspect sandbox contents.
func newSandboxDir(parent string) (*SandboxDir, error) {
	if parent == "" {
		parent = os.TempDir()
	}

	root, err := os.MkdirTemp(parent, "cordon-sandbox-")
	if err != nil {
		return nil, fmt.Errorf("creating sandbox root: %w", err)
	}
	// MkdirTemp honors umask; force the restrictive mode explicitly.
	if err := os.Chmod(root, 0o700); err != nil {
		os.RemoveAll(root)
		return nil, fmt.Errorf("restricting sandbox root permissions: %w", err)
	}

	dir := &SandboxDir{
		Root:   root,
		Work:   filepath.Join(root, "work"),
		Tmp:    filepath.Join(root, "tmp"),
		Output: filepath.Join(root, "output"),
	}

	for _, subdirectory := range []string{dir.Work, dir.Tmp, dir.Output} {
		if err := os.Mkdir(subdirectory, 0o700); err != nil {
			os.RemoveAll(root)
			return nil, fmt.Errorf("creating sandbox subdirectory %s: %w", filepath.Base(subdirectory), err)
		}
	}

	// When the executor runs as root the child is started under the
	// nobody identity, so the tree must be owned by that identity or
	// the child cannot chdir into its own working directory.
	if os.Geteuid() == 0 {
		if err := dir.chown(nobodyUID, nobodyGID); err != nil {
			os.RemoveAll(root)
			return nil, err
		}
	}

	return dir, nil
}

// chown transfers ownership of the whole tree to uid:gid.
func (d *SandboxDir) chown(uid, gid int) error {
	for _, directory := range []string{d.Root, d.Work, d.Tmp, d.Output} {
		if err := os.Chown(directory, uid, gid); err != nil {
			return fmt.Errorf("transferring sandbox ownership of %s: %w", filepath.Base(directory), err)
		}
	}
	return nil
}

// remove deletes the entire sandbox tree. Safe to call more than once.
func (d *SandboxDir) remove() error {
	if d == nil || d.Root == "" {
		return nil
	}
	if err := os.RemoveAll(d.Root); err != nil {
		return fmt.Errorf("removing sandbox directory: %w", err)
	}
	return nil
}
