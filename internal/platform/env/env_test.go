package env

import (
	"testing"
	"time"
)

func TestStringDefault(t *testing.T) {
	if got := String("SCANPLANE_TEST_UNSET", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
	t.Setenv("SCANPLANE_TEST_SET", "value")
	if got := String("SCANPLANE_TEST_SET", "fallback"); got != "value" {
		t.Fatalf("expected value, got %q", got)
	}
}

func TestRequired(t *testing.T) {
	if _, err := Required("SCANPLANE_TEST_REQUIRED"); err == nil {
		t.Fatal("expected error for unset key")
	}
	t.Setenv("SCANPLANE_TEST_REQUIRED", "  padded  ")
	v, err := Required("SCANPLANE_TEST_REQUIRED")
	if err != nil {
		t.Fatalf("required: %v", err)
	}
	if v != "padded" {
		t.Fatalf("expected trimmed value, got %q", v)
	}
}

func TestDuration(t *testing.T) {
	d, err := Duration("SCANPLANE_TEST_DURATION", 5*time.Second)
	if err != nil || d != 5*time.Second {
		t.Fatalf("expected default, got %v err %v", d, err)
	}
	t.Setenv("SCANPLANE_TEST_DURATION", "90s")
	d, err = Duration("SCANPLANE_TEST_DURATION", 5*time.Second)
	if err != nil || d != 90*time.Second {
		t.Fatalf("expected 90s, got %v err %v", d, err)
	}
	t.Setenv("SCANPLANE_TEST_DURATION", "not-a-duration")
	if _, err := Duration("SCANPLANE_TEST_DURATION", 5*time.Second); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestIntAndBool(t *testing.T) {
	t.Setenv("SCANPLANE_TEST_INT", "42")
	i, err := Int("SCANPLANE_TEST_INT", 1)
	if err != nil || i != 42 {
		t.Fatalf("expected 42, got %d err %v", i, err)
	}
	t.Setenv("SCANPLANE_TEST_BOOL", "true")
	b, err := Bool("SCANPLANE_TEST_BOOL", false)
	if err != nil || !b {
		t.Fatalf("expected true, got %v err %v", b, err)
	}
}
