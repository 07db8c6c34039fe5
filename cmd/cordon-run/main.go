// Copyright 2026 The Cordon Authors
// SPDX-License-Identifier: Apache-2.0

// cordon-run validates a command against the execution policy, runs
// it in a sandbox directory, and prints the result as JSON. When an
// audit log is configured, every lifecycle event of the execution is
// written to the encrypted audit trail.
//
// Usage:
//
//	cordon-run [flags] -- <command> [args...]
//
// Configuration comes from --config or the CORDON_CONFIG environment
// variable; with neither set the built-in policy defaults apply and
// auditing is disabled.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/cordon-systems/cordon/auditlog"
	"github.com/cordon-systems/cordon/executor"
	"github.com/cordon-systems/cordon/lib/config"
	"github.com/cordon-systems/cordon/lib/process"
	"github.com/cordon-systems/cordon/lib/secret"
	"github.com/cordon-systems/cordon/lib/version"
	"github.com/cordon-systems/cordon/policy"
)

// Exit codes beyond the child's own: policy rejections and resource
// kills get distinct codes so callers can tell them apart without
// parsing stderr.
const (
	exitViolation = 3
	exitResource  = 4
)

// exitError carries a child exit code up through run() so deferred
// cleanup (sandbox removal, audit log close) still happens before the
// process exits with it.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("command exited with code %d", e.code) }

func main() {
	if err := run(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		var violation *policy.Violation
		if errors.As(err, &violation) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(exitViolation)
		}
		var exhausted *executor.ResourceExhaustedError
		if errors.As(err, &exhausted) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(exitResource)
		}
		process.Fatal(err)
	}
}

func run() error {
	flags := pflag.NewFlagSet("cordon-run", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to the cordon config file (default: $CORDON_CONFIG)")
	workDir := flags.String("dir", "", "working directory relative to the sandbox work tree")
	timeout := flags.Duration("timeout", 0, "execution timeout override")
	envVars := flags.StringArray("env", nil, "extra NAME=VALUE pairs for the command environment")
	noAudit := flags.Bool("no-audit", false, "skip audit logging even when configured")
	showVersion := flags.Bool("version", false, "print version and exit")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: cordon-run [flags] -- <command> [args...]\n\n")
		flags.PrintDefaults()
	}
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Printf("cordon-run %s\n", version.Info())
		return nil
	}
	arguments := flags.Args()
	if len(arguments) == 0 {
		flags.Usage()
		return fmt.Errorf("no command given")
	}

	logLevel := slog.LevelInfo
	if os.Getenv("CORDON_DEBUG") != "" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	pol, err := buildPolicy(cfg)
	if err != nil {
		return err
	}

	auditLogger, masterKey, err := openAuditLog(cfg, logger, *noAudit)
	if err != nil {
		return err
	}
	if auditLogger != nil {
		defer masterKey.Close()
		defer auditLogger.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var events executor.EventSink
	if auditLogger != nil {
		events = func(event executor.Event) {
			if err := auditLogger.Log(ctx, auditEvent(event)); err != nil {
				logger.Error("audit logging failed", "kind", event.Kind, "error", err)
			}
		}
	}

	grace, err := cfg.GracePeriod()
	if err != nil {
		return err
	}
	exec, err := executor.New(executor.Config{
		Policy:      pol,
		Root:        cfg.Sandbox.Root,
		Logger:      logger,
		Events:      events,
		AllowedEnv:  cfg.Sandbox.AllowedEnv,
		GracePeriod: grace,
	})
	if err != nil {
		return err
	}
	defer exec.Cleanup()

	request := executor.Request{
		Command:   arguments[0],
		Arguments: arguments[1:],
		Dir:       *workDir,
		Timeout:   *timeout,
	}
	if len(*envVars) > 0 {
		request.Env = make(map[string]string, len(*envVars))
		for _, pair := range *envVars {
			name, value, found := cutEnvPair(pair)
			if !found {
				return fmt.Errorf("malformed --env value %q, want NAME=VALUE", pair)
			}
			request.Env[name] = value
		}
	}

	result, err := exec.Execute(ctx, request)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(result); err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	if !result.Success {
		return &exitError{code: result.ExitCode}
	}
	return nil
}

// loadConfig loads the file named by --config or CORDON_CONFIG,
// falling back to an empty config (built-in defaults, no audit) when
// neither names a file.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	if os.Getenv("CORDON_CONFIG") != "" {
		return config.Load()
	}
	return &config.Config{}, nil
}

// buildPolicy converts the file-level sandbox settings into a Policy,
// starting from the built-in defaults.
func buildPolicy(cfg *config.Config) (*policy.Policy, error) {
	pol := policy.Default()

	limits := cfg.Sandbox.Limits
	if limits.MaxMemoryMB > 0 {
		pol.Limits.MaxMemoryMB = limits.MaxMemoryMB
	}
	if limits.MaxCPUSeconds > 0 {
		pol.Limits.MaxCPUSeconds = limits.MaxCPUSeconds
	}
	if limits.MaxOutputBytes > 0 {
		pol.Limits.MaxOutputBytes = limits.MaxOutputBytes
	}
	if limits.MaxOpenFiles > 0 {
		pol.Limits.MaxOpenFiles = limits.MaxOpenFiles
	}
	if limits.MaxChildProcesses > 0 {
		pol.Limits.MaxChildProcesses = limits.MaxChildProcesses
	}

	pol.AllowedBasePaths = append(pol.AllowedBasePaths, cfg.Sandbox.AllowedBasePaths...)
	if len(cfg.Sandbox.BlockedCommands) > 0 {
		pol.BlockedCommands = cfg.Sandbox.BlockedCommands
	}
	if len(cfg.Sandbox.DeniedPatterns) > 0 {
		patterns, err := cfg.CompiledDeniedPatterns()
		if err != nil {
			return nil, err
		}
		pol.DeniedPatterns = patterns
	}
	return pol, nil
}

// openAuditLog builds the audit logger from config. Returns nils when
// auditing is not configured or suppressed. The caller closes the
// logger before closing the returned key.
func openAuditLog(cfg *config.Config, logger *slog.Logger, suppress bool) (*auditlog.Logger, *secret.Buffer, error) {
	if suppress || cfg.Audit.Directory == "" {
		return nil, nil, nil
	}
	if cfg.Audit.KeyFile == "" {
		return nil, nil, fmt.Errorf("audit.directory is set but audit.key_file is empty")
	}

	masterKey, err := loadKey(cfg.Audit.KeyFile, cfg.Audit.KeyIdentityFile)
	if err != nil {
		return nil, nil, err
	}

	interval, err := cfg.CheckInterval()
	if err != nil {
		masterKey.Close()
		return nil, nil, err
	}
	auditLogger, err := auditlog.New(auditlog.Options{
		Directory:     cfg.Audit.Directory,
		MasterKey:     masterKey,
		MaxFileSize:   cfg.Audit.MaxFileSize,
		MaxFiles:      cfg.Audit.MaxFiles,
		CheckInterval: interval,
		Compression: auditlog.CompressionOptions{
			Enabled:   cfg.Audit.Compression.Enabled,
			Threshold: cfg.Audit.Compression.Threshold,
			Algorithm: auditlog.Algorithm(cfg.Audit.Compression.Algorithm),
		},
		Codec:      cfg.Audit.Codec,
		Iterations: cfg.Audit.Iterations,
		Logger:     logger,
	})
	if err != nil {
		masterKey.Close()
		return nil, nil, err
	}
	return auditLogger, masterKey, nil
}

// loadKey reads the master key, decrypting with an age identity when
// one is configured.
func loadKey(keyFile, identityFile string) (*secret.Buffer, error) {
	if identityFile != "" {
		return auditlog.LoadMasterKeyAge(keyFile, identityFile)
	}
	return auditlog.LoadMasterKey(keyFile)
}

// auditEvent maps an executor lifecycle event onto an audit record.
func auditEvent(event executor.Event) auditlog.Event {
	details := map[string]any{
		"command":   event.Command,
		"arguments": event.Arguments,
	}
	if event.PID > 0 {
		details["pid"] = event.PID
	}
	if event.Rule != "" {
		details["rule"] = event.Rule
	}
	if event.Detail != "" {
		details["detail"] = event.Detail
	}
	if event.Duration > 0 {
		details["duration_ms"] = event.Duration.Milliseconds()
	}

	level := auditlog.LevelInfo
	switch event.Kind {
	case executor.EventSecurityViolation:
		level = auditlog.LevelWarning
	case executor.EventResourceLimit:
		level = auditlog.LevelError
	case executor.EventComplete:
		if event.ExitCode != 0 {
			level = auditlog.LevelWarning
		}
		details["exit_code"] = event.ExitCode
	}

	return auditlog.Event{
		Timestamp: event.Time,
		Level:     level,
		Category:  "execution",
		Action:    string(event.Kind),
		Details:   details,
	}
}

func cutEnvPair(pair string) (name, value string, found bool) {
	for index := 0; index < len(pair); index++ {
		if pair[index] == '=' {
			return pair[:index], pair[index+1:], index > 0
		}
	}
	return "", "", false
}
