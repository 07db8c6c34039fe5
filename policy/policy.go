// Copyright 2026 The Cordon Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import "regexp"

// ResourceLimits bound what an executed command may consume. Zero
// values mean "use the default" when merged by executor.New.
type ResourceLimits struct {
	// MaxMemoryMB is the advisory memory ceiling for the child
	// process, in mebibytes.
	MaxMemoryMB int64 `yaml:"max_memory_mb"`

	// MaxCPUSeconds is the wall-clock execution budget in seconds.
	// When it elapses the child receives SIGTERM, escalating to
	// SIGKILL if it does not exit.
	MaxCPUSeconds int64 `yaml:"max_cpu_seconds"`

	// MaxOutputBytes caps accumulated stdout. Stderr is capped at a
	// tenth of this value — error streams are expected to be small.
	MaxOutputBytes int64 `yaml:"max_output_bytes"`

	// MaxOpenFiles is the RLIMIT_NOFILE applied to the child.
	MaxOpenFiles uint64 `yaml:"max_open_files"`

	// MaxChildProcesses is the RLIMIT_NPROC applied to the child.
	MaxChildProcesses uint64 `yaml:"max_child_processes"`
}

// NetworkLimits describe what network access the command is entitled
// to. The core executor records these for policy introspection and
// audit trails; enforcement requires an external containment layer.
type NetworkLimits struct {
	AllowNetwork bool     `yaml:"allow_network"`
	AllowedHosts []string `yaml:"allowed_hosts"`
	AllowedPorts []int    `yaml:"allowed_ports"`
}

// Policy is the process-wide execution policy. It is read-only after
// construction: build it once (Default, or the cmd-layer config
// loader) and share it freely across executor instances.
type Policy struct {
	// Limits are the per-execution resource bounds.
	Limits ResourceLimits

	// AllowedBasePaths is the allow-list of path prefixes. Absolute
	// path arguments must fall under one of these.
	AllowedBasePaths []string

	// BlockedCommands is the exact-match (case-sensitive) deny-list
	// of command names.
	BlockedCommands []string

	// DeniedPatterns are regular expressions matched against the
	// space-joined command line.
	DeniedPatterns []*regexp.Regexp

	// Network describes permitted network access.
	Network NetworkLimits
}

// Default resource limits applied when the caller leaves a field zero.
const (
	DefaultMaxMemoryMB       = 512
	DefaultMaxCPUSeconds     = 30
	DefaultMaxOutputBytes    = 10 * 1024 * 1024
	DefaultMaxOpenFiles      = 256
	DefaultMaxChildProcesses = 16
)

// defaultBlockedCommands are command names that are never allowed, no
// matter the arguments. Exact, case-sensitive matches.
var defaultBlockedCommands = []string{
	"rm", "rmdir", "dd", "mkfs", "fdisk", "mount", "umount",
	"shutdown", "reboot", "halt", "poweroff",
	"sudo", "su", "passwd", "chown", "chmod",
	"kill", "killall", "pkill",
	"iptables", "ifconfig", "ip",
}

// defaultDeniedPatterns reject command lines containing shell
// metacharacters, path traversal, raw device access, and system
// configuration paths.
var defaultDeniedPatterns = []*regexp.Regexp{
	regexp.MustCompile("[;&|`$]"),
	regexp.MustCompile(`\.\./`),
	regexp.MustCompile(`/dev/(sd[a-z]|hd[a-z]|nvme|loop|mem|kmem|port)`),
	regexp.MustCompile(`/etc/`),
	regexp.MustCompile(`/proc/`),
	regexp.MustCompile(`/sys/`),
}

// Default returns the built-in policy: conservative resource limits,
// the standard deny-lists, no network access, and no allowed base
// paths (callers add their sandbox and workspace roots).
func Default() *Policy {
	return &Policy{
		Limits: ResourceLimits{
			MaxMemoryMB:       DefaultMaxMemoryMB,
			MaxCPUSeconds:     DefaultMaxCPUSeconds,
			MaxOutputBytes:    DefaultMaxOutputBytes,
			MaxOpenFiles:      DefaultMaxOpenFiles,
			MaxChildProcesses: DefaultMaxChildProcesses,
		},
		BlockedCommands: append([]string(nil), defaultBlockedCommands...),
		DeniedPatterns:  append([]*regexp.Regexp(nil), defaultDeniedPatterns...),
	}
}
