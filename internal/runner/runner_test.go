package runner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/scanplane-labs/scanplane-go/internal/domain"
)

type fakeWorkflowClient struct {
	mu        sync.Mutex
	triggered []string
	failFor   map[string]error
	reasons   map[string]string

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (f *fakeWorkflowClient) TriggerWorkflow(ctx context.Context, event domain.DispatchExecutionEvent) error {
	current := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		max := f.maxInFlight.Load()
		if current <= max || f.maxInFlight.CompareAndSwap(max, current) {
			break
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	id := event.Execution.ExecutionID
	if err, ok := f.failFor[id]; ok {
		return err
	}
	f.triggered = append(f.triggered, id)
	return nil
}

func (f *fakeWorkflowClient) RunFailureReason(ctx context.Context, e domain.Execution) (string, error) {
	if f.reasons == nil {
		return "", nil
	}
	return f.reasons[e.ExecutionID], nil
}

type fakePublisher struct {
	mu        sync.Mutex
	published []string
}

func (f *fakePublisher) Publish(ctx context.Context, topic, detailType string, detail any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, topic+"/"+detailType)
	return nil
}

func dispatchEvent(executionID string) domain.DispatchExecutionEvent {
	return domain.DispatchExecutionEvent{
		Execution: domain.Execution{
			TenantID:    "tenant-1",
			JitEventID:  "jit-1",
			ExecutionID: executionID,
			JobRunner:   domain.RunnerGithubActions,
			Status:      domain.StatusDispatching,
		},
		CallbackToken: "token",
	}
}

func TestGitHubDispatchFansOutWithBoundedConcurrency(t *testing.T) {
	client := &fakeWorkflowClient{}
	strategy, err := NewGitHubActions(client, &fakePublisher{})
	if err != nil {
		t.Fatalf("new strategy: %v", err)
	}

	events := make([]domain.DispatchExecutionEvent, 20)
	for i := range events {
		events[i] = dispatchEvent(string(rune('a' + i)))
	}
	results, err := strategy.Dispatch(context.Background(), events)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(results) != len(events) {
		t.Fatalf("expected %d results, got %d", len(events), len(results))
	}
	if len(client.triggered) != len(events) {
		t.Fatalf("expected %d triggers, got %d", len(events), len(client.triggered))
	}
	if max := client.maxInFlight.Load(); max > githubDispatchConcurrency {
		t.Fatalf("concurrency %d exceeded limit %d", max, githubDispatchConcurrency)
	}
	for _, result := range results {
		if result.RunID != "" {
			t.Fatal("github dispatch must not assign a run id")
		}
	}
}

func TestGitHubDispatchSurfacesDispatchError(t *testing.T) {
	client := &fakeWorkflowClient{failFor: map[string]error{"b": errors.New("workflow not found")}}
	strategy, err := NewGitHubActions(client, &fakePublisher{})
	if err != nil {
		t.Fatalf("new strategy: %v", err)
	}

	_, err = strategy.Dispatch(context.Background(), []domain.DispatchExecutionEvent{
		dispatchEvent("a"), dispatchEvent("b"),
	})
	var de *domain.DispatchError
	if !errors.As(err, &de) {
		t.Fatalf("expected DispatchError, got %v", err)
	}
	if de.Runner != domain.RunnerGithubActions {
		t.Fatalf("expected runner github_actions, got %s", de.Runner)
	}
}

func TestGitHubTerminatePublishesCancelAndFetchLogs(t *testing.T) {
	publisher := &fakePublisher{}
	strategy, err := NewGitHubActions(&fakeWorkflowClient{}, publisher)
	if err != nil {
		t.Fatalf("new strategy: %v", err)
	}

	e := domain.Execution{TenantID: "tenant-1", JitEventID: "jit-1", ExecutionID: "exec-1", RunID: "12345"}
	if err := strategy.Terminate(context.Background(), e); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	want := []string{
		domain.TopicExecution + "/" + domain.DetailCancelExecution,
		domain.TopicExecution + "/" + domain.DetailFetchLogs,
	}
	if len(publisher.published) != len(want) {
		t.Fatalf("expected %d events, got %v", len(want), publisher.published)
	}
	for i, topic := range want {
		if publisher.published[i] != topic {
			t.Fatalf("event %d: expected %s, got %s", i, topic, publisher.published[i])
		}
	}
}

func TestRegistryResolvesByRunnerVendorAndFlags(t *testing.T) {
	github, _ := NewGitHubActions(&fakeWorkflowClient{}, &fakePublisher{})
	registry, err := NewRegistry(github, &GitLab{}, &CloudAWS{}, &CloudGCP{}, StaticFlags{GCP: false})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	ctx := context.Background()

	cases := []struct {
		name   string
		e      domain.Execution
		expect domain.Runner
	}{
		{"github actions", domain.Execution{JobRunner: domain.RunnerGithubActions}, domain.RunnerGithubActions},
		{"legacy ci maps to github", domain.Execution{JobRunner: domain.RunnerCI}, domain.RunnerGithubActions},
		{"ci with gitlab vendor", domain.Execution{JobRunner: domain.RunnerCI, Vendor: "gitlab"}, domain.RunnerGitlab},
		{"jit cloud defaults to aws", domain.Execution{JobRunner: domain.RunnerJit}, domain.RunnerJit},
		{"explicit gcp", domain.Execution{JobRunner: domain.RunnerGCP}, domain.RunnerGCP},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := registry.For(ctx, tc.e)
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if s.Kind() != tc.expect {
				t.Fatalf("expected %s, got %s", tc.expect, s.Kind())
			}
		})
	}

	t.Run("gcp flag flips jit cloud", func(t *testing.T) {
		flagged, err := NewRegistry(github, &GitLab{}, &CloudAWS{}, &CloudGCP{}, StaticFlags{GCP: true})
		if err != nil {
			t.Fatalf("new registry: %v", err)
		}
		s, err := flagged.For(ctx, domain.Execution{JobRunner: domain.RunnerJit})
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if s.Kind() != domain.RunnerGCP {
			t.Fatalf("expected gcp strategy, got %s", s.Kind())
		}
	})

	t.Run("unknown runner is rejected", func(t *testing.T) {
		if _, err := registry.For(ctx, domain.Execution{JobRunner: "fargate"}); err == nil {
			t.Fatal("expected error for unknown runner")
		}
	})
}
