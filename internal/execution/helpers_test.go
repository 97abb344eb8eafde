package execution

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/scanplane-labs/scanplane-go/internal/domain"
	"github.com/scanplane-labs/scanplane-go/internal/notify"
	"github.com/scanplane-labs/scanplane-go/internal/platform/clock"
	"github.com/scanplane-labs/scanplane-go/internal/platform/ratelimit"
	"github.com/scanplane-labs/scanplane-go/internal/platform/stream"
	"github.com/scanplane-labs/scanplane-go/internal/repo/memory"
	"github.com/scanplane-labs/scanplane-go/internal/runner"
)

func testTime() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

type publishedEvent struct {
	Topic      string
	DetailType string
	Detail     any
}

type capturePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *capturePublisher) Publish(ctx context.Context, topic, detailType string, detail any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{Topic: topic, DetailType: detailType, Detail: detail})
	return nil
}

func (p *capturePublisher) byTopic(topic string) []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publishedEvent
	for _, event := range p.events {
		if event.Topic == topic {
			out = append(out, event)
		}
	}
	return out
}

type captureSender struct {
	mu     sync.Mutex
	groups []string
	bodies []any
}

func (s *captureSender) Send(ctx context.Context, groupID string, body any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups = append(s.groups, groupID)
	s.bodies = append(s.bodies, body)
	return "msg-1", nil
}

type fakeStrategy struct {
	kind        domain.Runner
	runID       string
	dispatchErr error
	reason      string

	mu         sync.Mutex
	dispatched []domain.DispatchExecutionEvent
	terminated []string
}

func (f *fakeStrategy) Kind() domain.Runner { return f.kind }

func (f *fakeStrategy) Dispatch(ctx context.Context, events []domain.DispatchExecutionEvent) ([]runner.DispatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dispatchErr != nil {
		return nil, &domain.DispatchError{Runner: f.kind, Err: f.dispatchErr}
	}
	f.dispatched = append(f.dispatched, events...)
	results := make([]runner.DispatchResult, len(events))
	for i, event := range events {
		results[i] = runner.DispatchResult{Identifiers: event.Execution.Identifiers(), RunID: f.runID}
	}
	return results, nil
}

func (f *fakeStrategy) Terminate(ctx context.Context, e domain.Execution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, e.ExecutionID)
	return nil
}

func (f *fakeStrategy) CanTerminate(e domain.Execution) bool { return e.CanTerminate() }

func (f *fakeStrategy) GetFailureReason(ctx context.Context, e domain.Execution) (string, bool) {
	return f.reason, f.reason != ""
}

func (f *fakeStrategy) LogsURL(e domain.Execution) string { return "" }

func (f *fakeStrategy) DefaultDispatchedTimeout() time.Duration { return 10 * time.Minute }
func (f *fakeStrategy) DefaultRunningTimeout() time.Duration    { return 30 * time.Minute }

func testRegistry(t *testing.T, github *fakeStrategy) *runner.Registry {
	t.Helper()
	registry, err := runner.NewRegistry(github, nil, nil, nil, runner.StaticFlags{})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return registry
}

func testNotifier(t *testing.T, pub *capturePublisher) *notify.Notifier {
	t.Helper()
	notifier, err := notify.NewNotifier(slog.Default(), pub, ratelimit.NewHourlyLimiter(0))
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}
	return notifier
}

func pendingExecution(executionID string, createdAt time.Time) domain.Execution {
	return domain.Execution{
		TenantID:     "tenant-1",
		JitEventID:   "jit-1",
		ExecutionID:  executionID,
		JitEventName: "pull-request-created",
		JobName:      "static-code-analysis",
		ControlName:  "semgrep",
		ControlImage: "registry.example.com/semgrep:latest",
		JobRunner:    domain.RunnerGithubActions,
		ResourceType: domain.ResourceGithubActions,
		Priority:     domain.PriorityLow,
		Status:       domain.StatusPending,
		CreatedAt:    createdAt,
	}
}

func changeRecord(t *testing.T, eventName stream.EventName, e domain.Execution) stream.Record {
	t.Helper()
	image, err := stream.EncodeImage(e)
	if err != nil {
		t.Fatalf("encode image: %v", err)
	}
	return stream.Record{Seq: 1, Source: stream.SourceExecutions, Shard: e.TenantID, EventName: eventName, NewImage: image}
}

func newAdmission(t *testing.T, store *memory.Store, pub *capturePublisher, clk clock.Clock) *AdmissionCore {
	t.Helper()
	timeouts, err := runner.LoadTimeouts("")
	if err != nil {
		t.Fatalf("load timeouts: %v", err)
	}
	core, err := NewAdmissionCore(
		slog.Default(),
		store.Executions(),
		store.Resources(),
		testRegistry(t, &fakeStrategy{kind: domain.RunnerGithubActions}),
		timeouts,
		pub,
		clk,
	)
	if err != nil {
		t.Fatalf("new admission core: %v", err)
	}
	return core
}

func seedResource(t *testing.T, store *memory.Store, resourceType domain.ResourceType, max int) {
	t.Helper()
	err := store.CreateResource(context.Background(), domain.Resource{
		TenantID:          "tenant-1",
		ResourceType:      resourceType,
		MaxResourcesInUse: max,
		CreatedAt:         testTime(),
	})
	if err != nil {
		t.Fatalf("seed resource: %v", err)
	}
}
