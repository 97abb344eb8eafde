package runner

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/scanplane-labs/scanplane-go/internal/domain"
)

// Duration is a time.Duration that unmarshals from YAML strings like "45m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// TenantTimeouts is the per-tenant timeout section of the configuration
// file, keyed by job name.
type TenantTimeouts struct {
	Jobs map[string]Duration `yaml:"jobs"`
}

// TimeoutConfig is the operator-maintained timeout mapping.
type TimeoutConfig struct {
	Tenants map[string]TenantTimeouts `yaml:"tenants"`
}

// Timeouts layers running-timeout sources: per-execution user override, then
// per-job tenant configuration, then the runner default. Events that are not
// pull-request-like get double the runner default, since full scans cover
// far more surface than a diff.
type Timeouts struct {
	cfg TimeoutConfig
}

// LoadTimeouts reads the timeout mapping. An empty path yields defaults
// only.
func LoadTimeouts(path string) (*Timeouts, error) {
	t := &Timeouts{}
	if strings.TrimSpace(path) == "" {
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read timeouts config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &t.cfg); err != nil {
		return nil, fmt.Errorf("parse timeouts config: %w", err)
	}
	return t, nil
}

// IsPullRequestEvent classifies the triggering event. Matching is lenient
// about separators since event names have drifted between producers.
func IsPullRequestEvent(jitEventName string) bool {
	normalized := strings.ToLower(jitEventName)
	normalized = strings.NewReplacer("-", "", "_", "", " ", "").Replace(normalized)
	return strings.Contains(normalized, "pullrequest") || strings.Contains(normalized, "mergerequest")
}

// RunningTimeout resolves the running timeout for one execution.
func (t *Timeouts) RunningTimeout(e domain.Execution, s Strategy) time.Duration {
	if e.TimeoutOverride > 0 {
		return e.TimeoutOverride
	}
	if t != nil {
		if tenant, ok := t.cfg.Tenants[e.TenantID]; ok {
			if d, ok := tenant.Jobs[e.JobName]; ok && d > 0 {
				return time.Duration(d)
			}
		}
	}
	base := s.DefaultRunningTimeout()
	if !IsPullRequestEvent(e.JitEventName) {
		base *= 2
	}
	return base
}

// DispatchedTimeout resolves the deadline for the vendor to pick a
// dispatched execution up.
func (t *Timeouts) DispatchedTimeout(e domain.Execution, s Strategy) time.Duration {
	return s.DefaultDispatchedTimeout()
}
