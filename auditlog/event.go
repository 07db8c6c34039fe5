// Copyright 2026 The Cordon Authors
// SPDX-License-Identifier: Apache-2.0

package auditlog

import (
	"os"
	"runtime"
	"time"
)

// Level is the severity of an audit event.
type Level string

const (
	LevelDebug    Level = "debug"
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

// DefaultCategory is assigned to events submitted without a category.
const DefaultCategory = "general"

// DefaultSource is assigned to events submitted without a source.
const DefaultSource = "cordon"

// Metadata records where an event originated.
type Metadata struct {
	PID       int    `json:"pid"`
	Hostname  string `json:"hostname"`
	Platform  string `json:"platform"`
	GoVersion string `json:"go_version"`
}

// Event is one structured audit record. Callers fill what they know;
// Log fills the rest (timestamp, level, category, metadata) with
// defaults. An Event is immutable once submitted.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Category  string         `json:"category"`
	Action    string         `json:"action"`
	Source    string         `json:"source"`
	UserID    string         `json:"user_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Metadata  Metadata       `json:"metadata"`
}

// normalize returns a copy of the event with defaults filled in. The
// submitted value is never mutated.
func normalize(event Event, now time.Time) Event {
	if event.Timestamp.IsZero() {
		event.Timestamp = now
	}
	event.Timestamp = event.Timestamp.UTC()
	if event.Level == "" {
		event.Level = LevelInfo
	}
	if event.Category == "" {
		event.Category = DefaultCategory
	}
	if event.Source == "" {
		event.Source = DefaultSource
	}
	if event.Metadata == (Metadata{}) {
		hostname, _ := os.Hostname()
		event.Metadata = Metadata{
			PID:       os.Getpid(),
			Hostname:  hostname,
			Platform:  runtime.GOOS,
			GoVersion: runtime.Version(),
		}
	}
	return event
}
