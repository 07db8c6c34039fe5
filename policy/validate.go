// Copyright 2026 The Cordon Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Rule identifies which class of policy check a command violated.
type Rule string

const (
	// RuleBlockedCommand: the command name is on the deny-list.
	RuleBlockedCommand Rule = "blocked-command"

	// RuleDangerousPattern: the command line matched a deny-pattern
	// (shell metacharacters, traversal, device or system paths).
	RuleDangerousPattern Rule = "dangerous-pattern"

	// RuleUnsafePath: an argument referenced a path outside the
	// allowed base paths, or contained a traversal sequence.
	RuleUnsafePath Rule = "unsafe-path"
)

// Violation reports why a command was rejected. It carries enough
// context to reconstruct the decision without leaking unrelated
// sandbox internals.
type Violation struct {
	// Rule is the violated rule class.
	Rule Rule

	// Command is the command name as submitted.
	Command string

	// Pattern is the deny-pattern that matched, for
	// RuleDangerousPattern.
	Pattern string

	// Argument is the offending argument, for RuleUnsafePath.
	Argument string
}

func (v *Violation) Error() string {
	switch v.Rule {
	case RuleBlockedCommand:
		return fmt.Sprintf("security violation: command %q is blocked", v.Command)
	case RuleDangerousPattern:
		return fmt.Sprintf("security violation: command line matches denied pattern %q", v.Pattern)
	case RuleUnsafePath:
		return fmt.Sprintf("security violation: argument %q references a path outside the allowed base paths", v.Argument)
	default:
		return fmt.Sprintf("security violation: %s", v.Rule)
	}
}

// Validate decides whether command and arguments are permitted under
// the policy. It returns nil when permitted and a *Violation
// otherwise. Validate is pure: it performs no I/O and never inspects
// the filesystem, so it is safe to call before any process exists.
//
// Checks run in order: deny-list exact match, deny-patterns over the
// space-joined command line, then per-argument path containment.
func (p *Policy) Validate(command string, arguments []string) error {
	for _, blocked := range p.BlockedCommands {
		if command == blocked {
			return &Violation{Rule: RuleBlockedCommand, Command: command}
		}
	}

	commandLine := command
	if len(arguments) > 0 {
		commandLine += " " + strings.Join(arguments, " ")
	}
	for _, pattern := range p.DeniedPatterns {
		if pattern.MatchString(commandLine) {
			return &Violation{
				Rule:    RuleDangerousPattern,
				Command: command,
				Pattern: pattern.String(),
			}
		}
	}

	for _, argument := range arguments {
		if violation := p.checkPathArgument(command, argument); violation != nil {
			return violation
		}
	}

	return nil
}

// checkPathArgument rejects traversal sequences in any form and
// absolute paths outside the allowed base paths. Relative paths
// without traversal are left to the executor's working-directory
// containment.
func (p *Policy) checkPathArgument(command, argument string) *Violation {
	// Traversal is rejected unconditionally, absolute or relative,
	// forward or backslash form.
	if strings.Contains(argument, "../") || strings.Contains(argument, `..\`) {
		return &Violation{Rule: RuleUnsafePath, Command: command, Argument: argument}
	}

	if !filepath.IsAbs(argument) {
		return nil
	}

	for _, base := range p.AllowedBasePaths {
		if base == "" {
			continue
		}
		if argument == base || strings.HasPrefix(argument, strings.TrimSuffix(base, "/")+"/") {
			return nil
		}
	}
	return &Violation{Rule: RuleUnsafePath, Command: command, Argument: argument}
}
