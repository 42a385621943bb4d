package util

import (
	"strings"
	"testing"
	"time"
)

func TestGenerateRandomID(t *testing.T) {
	id := GenerateRandomID("flow_", 16)
	if !strings.HasPrefix(id, "flow_") {
		t.Errorf("expected flow_ prefix, got %q", id)
	}
	if len(id) != len("flow_")+16 {
		t.Errorf("unexpected length %d for %q", len(id), id)
	}

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := GenerateRandomID("x_", 32)
		if seen[id] {
			t.Fatalf("duplicate random ID %q", id)
		}
		seen[id] = true
	}
}

func TestParseBoolEnv(t *testing.T) {
	t.Setenv("RF_TEST_BOOL", "true")
	if !ParseBoolEnv("RF_TEST_BOOL", false) {
		t.Error("expected true")
	}
	t.Setenv("RF_TEST_BOOL", "not-a-bool")
	if !ParseBoolEnv("RF_TEST_BOOL", true) {
		t.Error("expected default on invalid value")
	}
	if ParseBoolEnv("RF_TEST_UNSET", false) {
		t.Error("expected default for unset variable")
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("RF_TEST_INT", "42")
	if got := ParseIntEnv("RF_TEST_INT", 7); got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
	t.Setenv("RF_TEST_INT", "nope")
	if got := ParseIntEnv("RF_TEST_INT", 7); got != 7 {
		t.Errorf("expected default, got %d", got)
	}
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("RF_TEST_DUR", "90s")
	if got := ParseDurationEnv("RF_TEST_DUR", time.Minute); got != 90*time.Second {
		t.Errorf("expected 90s, got %v", got)
	}
	t.Setenv("RF_TEST_DUR", "eventually")
	if got := ParseDurationEnv("RF_TEST_DUR", time.Minute); got != time.Minute {
		t.Errorf("expected default, got %v", got)
	}
}
