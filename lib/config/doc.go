// Copyright 2026 The Cordon Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the file-based configuration used by the
// Cordon command-line tools.
//
// Configuration comes from a single file named by the CORDON_CONFIG
// environment variable or a --config flag. There is no automatic
// discovery and environment variables never override file values, so
// a config file fully determines behavior.
//
// YAML is the primary format; files ending in .json or .jsonc are
// parsed as JSON with comments. The package is plain data: it does
// not import the policy, executor, or auditlog packages. The cmd
// layer converts loaded values into those packages' option structs.
package config
