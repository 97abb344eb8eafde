package execution

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/scanplane-labs/scanplane-go/internal/domain"
	"github.com/scanplane-labs/scanplane-go/internal/platform/callbacktoken"
	"github.com/scanplane-labs/scanplane-go/internal/platform/clock"
	"github.com/scanplane-labs/scanplane-go/internal/repo"
	"github.com/scanplane-labs/scanplane-go/internal/repo/memory"
	"github.com/scanplane-labs/scanplane-go/internal/runner"
)

const testTokenSecret = "unit-test-secret"

func newDispatch(t *testing.T, store *memory.Store, strategy *fakeStrategy, clk clock.Clock) *DispatchCore {
	t.Helper()
	timeouts, err := runner.LoadTimeouts("")
	if err != nil {
		t.Fatalf("load timeouts: %v", err)
	}
	core, err := NewDispatchCore(
		slog.Default(),
		store.Executions(),
		store.Data(),
		testRegistry(t, strategy),
		timeouts,
		DispatchConfig{
			CallbackBaseURL:     "https://callbacks.example.com",
			CallbackTokenSecret: testTokenSecret,
		},
		clk,
	)
	if err != nil {
		t.Fatalf("new dispatch core: %v", err)
	}
	return core
}

// dispatchingExecution creates an execution already promoted to
// DISPATCHING, as the admission core leaves it.
func dispatchingExecution(t *testing.T, store *memory.Store) domain.Execution {
	t.Helper()
	ctx := context.Background()
	e := pendingExecution("exec-1", testTime())
	if err := store.Create(ctx, e); err != nil {
		t.Fatalf("create execution: %v", err)
	}
	deadline := testTime().Add(10 * time.Minute)
	promoted, err := store.UpdateStatus(ctx, repo.UpdateStatusRequest{
		Identifiers:      e.Identifiers(),
		Status:           domain.StatusDispatching,
		ExecutionTimeout: &deadline,
	})
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	return promoted
}

func TestDispatchSuccess(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	clk := &clock.Fixed{Instant: testTime()}
	store.Now = clk.Now
	strategy := &fakeStrategy{kind: domain.RunnerGithubActions, runID: "pipeline-7"}
	core := newDispatch(t, store, strategy, clk)

	e := dispatchingExecution(t, store)
	if err := core.HandleReadyToDispatch(ctx, e); err != nil {
		t.Fatalf("handle ready to dispatch: %v", err)
	}

	got, err := store.Get(ctx, e.Identifiers())
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if got.Status != domain.StatusDispatched {
		t.Fatalf("expected DISPATCHED, got %s", got.Status)
	}
	if got.RunID != "pipeline-7" {
		t.Fatalf("expected run id recorded, got %q", got.RunID)
	}
	// PR event: running timeout is the 30m default, plus grace.
	wantDeadline := testTime().Add(30*time.Minute + dispatchedGrace)
	if got.ExecutionTimeout == nil || !got.ExecutionTimeout.Equal(wantDeadline) {
		t.Fatalf("expected deadline %s, got %v", wantDeadline, got.ExecutionTimeout)
	}
	if got.DispatchedAt == nil {
		t.Fatal("expected dispatched_at set")
	}

	if len(strategy.dispatched) != 1 {
		t.Fatalf("expected one vendor dispatch, got %d", len(strategy.dispatched))
	}
	event := strategy.dispatched[0]
	if event.RegisterURL != "https://callbacks.example.com/execution/jit-1/exec-1/register" {
		t.Fatalf("unexpected register url %s", event.RegisterURL)
	}
	claims, err := callbacktoken.Verify(testTokenSecret, event.CallbackToken, testTime())
	if err != nil {
		t.Fatalf("verify minted token: %v", err)
	}
	if claims.ExecutionID != "exec-1" || claims.TenantID != "tenant-1" {
		t.Fatalf("token bound to wrong execution: %+v", claims)
	}

	data, err := store.GetData(ctx, e.Identifiers())
	if err != nil {
		t.Fatalf("get execution data: %v", err)
	}
	if data.CallbackToken != event.CallbackToken {
		t.Fatal("persisted payload must carry the dispatched token")
	}
}

func TestDispatchFailureMarksFailed(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	clk := &clock.Fixed{Instant: testTime()}
	store.Now = clk.Now
	strategy := &fakeStrategy{kind: domain.RunnerGithubActions, dispatchErr: errors.New("vendor unavailable")}
	core := newDispatch(t, store, strategy, clk)

	e := dispatchingExecution(t, store)
	if err := core.HandleReadyToDispatch(ctx, e); err != nil {
		t.Fatalf("handle ready to dispatch: %v", err)
	}

	got, err := store.Get(ctx, e.Identifiers())
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if got.Status != domain.StatusFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
	if len(got.Errors) != 1 || got.Errors[0].Kind != domain.ErrorKindDispatch {
		t.Fatalf("expected one DISPATCH_ERROR, got %+v", got.Errors)
	}
}

func TestDispatchRedeliveryIsBenign(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	clk := &clock.Fixed{Instant: testTime()}
	store.Now = clk.Now
	strategy := &fakeStrategy{kind: domain.RunnerGithubActions, runID: "run-1"}
	core := newDispatch(t, store, strategy, clk)

	e := dispatchingExecution(t, store)
	if err := core.HandleReadyToDispatch(ctx, e); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	if err := core.HandleReadyToDispatch(ctx, e); err != nil {
		t.Fatalf("redelivered dispatch must not error: %v", err)
	}
	got, err := store.Get(ctx, e.Identifiers())
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if got.Status != domain.StatusDispatched {
		t.Fatalf("expected DISPATCHED after redelivery, got %s", got.Status)
	}
}
