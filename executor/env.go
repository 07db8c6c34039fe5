// Copyright 2026 The Cordon Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"os"
	"sort"
	"strings"
)

// allowedEnvNames are the ambient environment variables that pass
// through to the child unchanged. Everything else is dropped so
// secrets in the parent's environment (tokens, credentials, cloud
// keys) never reach sandboxed code.
var allowedEnvNames = map[string]bool{
	"PATH":    true,
	"HOME":    true,
	"USER":    true,
	"LOGNAME": true,
	"SHELL":   true,
	"LANG":    true,
	"TERM":    true,
}

// allowedEnvPrefixes admit variable families rather than single names.
// LC_* covers the locale variables; CORDON_DEBUG_* lets operators pass
// explicit debug toggles through to sandboxed tooling.
var allowedEnvPrefixes = []string{"LC_", "CORDON_DEBUG_"}

// buildEnvironment assembles the child environment: allow-listed
// ambient variables, then the sandbox overrides (which win over the
// ambient values), then per-request overrides (which win over
// everything). The result is sorted for deterministic process
// environments.
func buildEnvironment(sandbox *SandboxDir, extraAllowed []string, requestOverrides map[string]string) []string {
	merged := make(map[string]string)

	extra := make(map[string]bool, len(extraAllowed))
	for _, name := range extraAllowed {
		extra[name] = true
	}

	for _, entry := range os.Environ() {
		name, value, found := strings.Cut(entry, "=")
		if !found {
			continue
		}
		if allowedEnvNames[name] || extra[name] || hasAllowedPrefix(name) {
			merged[name] = value
		}
	}

	// Sandbox overrides: the child's view of HOME and TMPDIR lives
	// inside the sandbox tree, and SANDBOX=true lets tooling detect
	// containment.
	merged["SANDBOX"] = "true"
	merged["SANDBOX_DIR"] = sandbox.Root
	merged["HOME"] = sandbox.Root
	merged["TMPDIR"] = sandbox.Tmp

	for name, value := range requestOverrides {
		merged[name] = value
	}

	environment := make([]string, 0, len(merged))
	for name, value := range merged {
		environment = append(environment, name+"="+value)
	}
	sort.Strings(environment)
	return environment
}

func hasAllowedPrefix(name string) bool {
	for _, prefix := range allowedEnvPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}
