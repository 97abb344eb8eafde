package runner

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/scanplane-labs/scanplane-go/internal/domain"
)

func writeTimeoutsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "timeouts.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write timeouts file: %v", err)
	}
	return path
}

func TestRunningTimeoutLayering(t *testing.T) {
	path := writeTimeoutsFile(t, `
tenants:
  tenant-1:
    jobs:
      static-code-analysis: 45m
`)
	timeouts, err := LoadTimeouts(path)
	if err != nil {
		t.Fatalf("load timeouts: %v", err)
	}
	strategy := &GitHubActions{}

	base := domain.Execution{
		TenantID:     "tenant-1",
		JitEventID:   "jit-1",
		ExecutionID:  "exec-1",
		JitEventName: "pull-request-created",
		JobName:      "static-code-analysis",
	}

	t.Run("user override wins", func(t *testing.T) {
		e := base
		e.TimeoutOverride = 2 * time.Hour
		if got := timeouts.RunningTimeout(e, strategy); got != 2*time.Hour {
			t.Fatalf("expected user override 2h, got %s", got)
		}
	})

	t.Run("tenant job config beats runner default", func(t *testing.T) {
		if got := timeouts.RunningTimeout(base, strategy); got != 45*time.Minute {
			t.Fatalf("expected tenant config 45m, got %s", got)
		}
	})

	t.Run("pull request event takes the short default", func(t *testing.T) {
		e := base
		e.JobName = "secrets-detection"
		if got := timeouts.RunningTimeout(e, strategy); got != githubRunningTimeout {
			t.Fatalf("expected %s, got %s", githubRunningTimeout, got)
		}
	})

	t.Run("full scan event doubles the default", func(t *testing.T) {
		e := base
		e.JobName = "secrets-detection"
		e.JitEventName = "full-scan"
		if got := timeouts.RunningTimeout(e, strategy); got != 2*githubRunningTimeout {
			t.Fatalf("expected %s, got %s", 2*githubRunningTimeout, got)
		}
	})
}

func TestDispatchedTimeoutDefaults(t *testing.T) {
	timeouts, err := LoadTimeouts("")
	if err != nil {
		t.Fatalf("load timeouts: %v", err)
	}
	e := domain.Execution{TenantID: "tenant-1", JobRunner: domain.RunnerGithubActions}
	if got := timeouts.DispatchedTimeout(e, &GitHubActions{}); got != 5*time.Minute {
		t.Fatalf("expected 5m dispatched deadline, got %s", got)
	}
}

func TestLoadTimeoutsEmptyPath(t *testing.T) {
	timeouts, err := LoadTimeouts("")
	if err != nil {
		t.Fatalf("load timeouts: %v", err)
	}
	e := domain.Execution{TenantID: "t", JitEventName: "full-scan"}
	if got := timeouts.RunningTimeout(e, &GitHubActions{}); got != 2*githubRunningTimeout {
		t.Fatalf("expected doubled default, got %s", got)
	}
}

func TestIsPullRequestEvent(t *testing.T) {
	cases := map[string]bool{
		"pull-request-created": true,
		"PullRequestUpdated":   true,
		"merge_request_opened": true,
		"full-scan":            false,
		"item-activated":       false,
		"":                     false,
	}
	for name, want := range cases {
		if got := IsPullRequestEvent(name); got != want {
			t.Fatalf("IsPullRequestEvent(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestLoadTimeoutsRejectsBadDuration(t *testing.T) {
	path := writeTimeoutsFile(t, `
tenants:
  tenant-1:
    jobs:
      sast: forever
`)
	if _, err := LoadTimeouts(path); err == nil {
		t.Fatal("expected error for unparsable duration")
	}
}
