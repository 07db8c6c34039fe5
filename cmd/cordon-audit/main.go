// Copyright 2026 The Cordon Authors
// SPDX-License-Identifier: Apache-2.0

// cordon-audit decrypts and verifies encrypted audit log files,
// printing the recovered events as JSON lines.
//
// Usage:
//
//	cordon-audit --key-file <path> [flags] <file-or-directory>...
//
// Records that fail the integrity check or decryption are reported on
// stderr and skipped; the remaining records still print. The exit code
// is non-zero when any record was skipped, so the tool doubles as a
// tamper check.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/pflag"

	"github.com/cordon-systems/cordon/auditlog"
	"github.com/cordon-systems/cordon/lib/process"
	"github.com/cordon-systems/cordon/lib/secret"
	"github.com/cordon-systems/cordon/lib/version"
)

const exitIntegrity = 2

func main() {
	failures, err := run()
	if err != nil {
		process.Fatal(err)
	}
	if failures > 0 {
		fmt.Fprintf(os.Stderr, "%d record(s) failed verification\n", failures)
		os.Exit(exitIntegrity)
	}
}

func run() (int, error) {
	flags := pflag.NewFlagSet("cordon-audit", pflag.ContinueOnError)
	keyFile := flags.String("key-file", "", "master key file (64 hex chars, or age-encrypted with --identity)")
	identityFile := flags.String("identity", "", "age identity file for an encrypted key file")
	statsOnly := flags.Bool("stats", false, "print per-file summaries instead of events")
	showVersion := flags.Bool("version", false, "print version and exit")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: cordon-audit --key-file <path> [flags] <file-or-directory>...\n\n")
		flags.PrintDefaults()
	}
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0, nil
		}
		return 0, err
	}
	if *showVersion {
		fmt.Printf("cordon-audit %s\n", version.Info())
		return 0, nil
	}
	paths := flags.Args()
	if len(paths) == 0 {
		flags.Usage()
		return 0, fmt.Errorf("no audit files given")
	}
	if *keyFile == "" {
		return 0, fmt.Errorf("--key-file is required")
	}

	masterKey, err := loadKey(*keyFile, *identityFile)
	if err != nil {
		return 0, err
	}
	defer masterKey.Close()

	files, err := expandPaths(paths)
	if err != nil {
		return 0, err
	}
	if len(files) == 0 {
		return 0, fmt.Errorf("no audit files found under %s", strings.Join(paths, ", "))
	}

	encoder := json.NewEncoder(os.Stdout)
	totalFailures := 0
	for _, file := range files {
		result, err := auditlog.Read(file, masterKey)
		if err != nil {
			return totalFailures, fmt.Errorf("reading %s: %w", file, err)
		}
		totalFailures += len(result.Failures)

		for _, failure := range result.Failures {
			fmt.Fprintf(os.Stderr, "%s: %s\n", file, failure)
		}

		if *statsOnly {
			fmt.Printf("%s: %d events, %d failures, codec=%s, created=%s\n",
				file, len(result.Events), len(result.Failures),
				result.Header.Codec, result.Header.Created.Format("2006-01-02T15:04:05Z07:00"))
			continue
		}
		for _, event := range result.Events {
			if err := encoder.Encode(event); err != nil {
				return totalFailures, fmt.Errorf("encoding event: %w", err)
			}
		}
	}
	return totalFailures, nil
}

// expandPaths resolves directories to their contained audit files,
// sorted by name (chronological, since names embed the creation
// timestamp). Plain file arguments pass through untouched.
func expandPaths(paths []string) ([]string, error) {
	var files []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		if !info.IsDir() {
			files = append(files, path)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(path, "audit-*.audit"))
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", path, err)
		}
		sort.Strings(matches)
		files = append(files, matches...)
	}
	return files, nil
}

func loadKey(keyFile, identityFile string) (*secret.Buffer, error) {
	if identityFile != "" {
		return auditlog.LoadMasterKeyAge(keyFile, identityFile)
	}
	return auditlog.LoadMasterKey(keyFile)
}
