// Copyright 2026 The Cordon Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

func TestMarshalIsDeterministic(t *testing.T) {
	value := map[string]any{
		"zebra":  "last",
		"alpha":  "first",
		"middle": 42,
	}

	first, err := Marshal(value)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Marshal(value)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(first, second) {
		t.Error("same logical map should encode to identical bytes")
	}
}

func TestUnmarshalAnyTargetsUseStringKeyedMaps(t *testing.T) {
	encoded, err := Marshal(map[string]any{"outer": map[string]any{"inner": "value"}})
	if err != nil {
		t.Fatal(err)
	}

	var decoded map[string]any
	if err := Unmarshal(encoded, &decoded); err != nil {
		t.Fatal(err)
	}

	inner, ok := decoded["outer"].(map[string]any)
	if !ok {
		t.Fatalf("nested map decoded as %T, want map[string]any", decoded["outer"])
	}
	if inner["inner"] != "value" {
		t.Errorf("inner value = %v, want %q", inner["inner"], "value")
	}
}
