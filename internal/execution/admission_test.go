package execution

import (
	"context"
	"testing"
	"time"

	"github.com/scanplane-labs/scanplane-go/internal/domain"
	"github.com/scanplane-labs/scanplane-go/internal/platform/clock"
	"github.com/scanplane-labs/scanplane-go/internal/platform/stream"
	"github.com/scanplane-labs/scanplane-go/internal/repo"
	"github.com/scanplane-labs/scanplane-go/internal/repo/memory"
)

func TestAdmissionAllocatesAndPromotes(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	clk := &clock.Fixed{Instant: testTime()}
	store.Now = clk.Now
	pub := &capturePublisher{}
	core := newAdmission(t, store, pub, clk)

	seedResource(t, store, domain.ResourceGithubActions, 2)
	e := pendingExecution("exec-1", testTime())
	if err := store.Create(ctx, e); err != nil {
		t.Fatalf("create execution: %v", err)
	}

	if err := core.HandleChange(ctx, changeRecord(t, stream.EventInsert, e)); err != nil {
		t.Fatalf("handle change: %v", err)
	}

	got, err := store.Get(ctx, e.Identifiers())
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if got.Status != domain.StatusDispatching {
		t.Fatalf("expected DISPATCHING, got %s", got.Status)
	}
	if got.ExecutionTimeout == nil || !got.ExecutionTimeout.Equal(testTime().Add(10*time.Minute)) {
		t.Fatalf("expected dispatched deadline at +10m, got %v", got.ExecutionTimeout)
	}
	r, err := store.GetResource(ctx, "tenant-1", domain.ResourceGithubActions)
	if err != nil {
		t.Fatalf("get resource: %v", err)
	}
	if r.ResourcesInUse != 1 {
		t.Fatalf("expected counter 1, got %d", r.ResourcesInUse)
	}
	ready := pub.byTopic(domain.TopicDispatch)
	if len(ready) != 1 || ready[0].DetailType != domain.DetailReadyToDispatch {
		t.Fatalf("expected one ready-to-dispatch event, got %+v", ready)
	}
}

func TestAdmissionLeavesPendingWhenCapacityExhausted(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	clk := &clock.Fixed{Instant: testTime()}
	store.Now = clk.Now
	pub := &capturePublisher{}
	core := newAdmission(t, store, pub, clk)

	seedResource(t, store, domain.ResourceGithubActions, 1)
	first := pendingExecution("exec-1", testTime())
	second := pendingExecution("exec-2", testTime().Add(time.Minute))
	for _, e := range []domain.Execution{first, second} {
		if err := store.Create(ctx, e); err != nil {
			t.Fatalf("create execution: %v", err)
		}
	}

	if err := core.HandleChange(ctx, changeRecord(t, stream.EventInsert, first)); err != nil {
		t.Fatalf("admit first: %v", err)
	}
	if err := core.HandleChange(ctx, changeRecord(t, stream.EventInsert, second)); err != nil {
		t.Fatalf("admit second: %v", err)
	}

	got, err := store.Get(ctx, second.Identifiers())
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if got.Status != domain.StatusPending {
		t.Fatalf("expected second execution to stay PENDING, got %s", got.Status)
	}
	if ready := pub.byTopic(domain.TopicDispatch); len(ready) != 1 {
		t.Fatalf("expected one ready-to-dispatch event, got %d", len(ready))
	}
}

func TestAdmissionHighPriorityBypassesCounter(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	clk := &clock.Fixed{Instant: testTime()}
	store.Now = clk.Now
	pub := &capturePublisher{}
	core := newAdmission(t, store, pub, clk)

	e := pendingExecution("exec-hp", testTime())
	e.ResourceType = domain.ResourceCIHighPriority
	if err := store.Create(ctx, e); err != nil {
		t.Fatalf("create execution: %v", err)
	}

	// No counter row exists at all; the bypass must not need one.
	if err := core.HandleChange(ctx, changeRecord(t, stream.EventInsert, e)); err != nil {
		t.Fatalf("handle change: %v", err)
	}
	got, err := store.Get(ctx, e.Identifiers())
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if got.Status != domain.StatusDispatching {
		t.Fatalf("expected DISPATCHING, got %s", got.Status)
	}
}

func TestTerminalChangeFreesAndPromotesOldestPending(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	clk := &clock.Fixed{Instant: testTime()}
	store.Now = clk.Now
	pub := &capturePublisher{}
	core := newAdmission(t, store, pub, clk)

	seedResource(t, store, domain.ResourceGithubActions, 1)
	first := pendingExecution("exec-1", testTime())
	waitingOld := pendingExecution("exec-2", testTime().Add(time.Minute))
	waitingNew := pendingExecution("exec-3", testTime().Add(2*time.Minute))
	for _, e := range []domain.Execution{first, waitingOld, waitingNew} {
		if err := store.Create(ctx, e); err != nil {
			t.Fatalf("create execution: %v", err)
		}
	}

	if err := core.HandleChange(ctx, changeRecord(t, stream.EventInsert, first)); err != nil {
		t.Fatalf("admit first: %v", err)
	}

	// Walk the first execution to COMPLETED through legal transitions.
	deadline := testTime().Add(time.Hour)
	steps := []domain.Status{domain.StatusDispatched, domain.StatusRunning, domain.StatusCompleted}
	var completed domain.Execution
	for _, status := range steps {
		var err error
		req := repo.UpdateStatusRequest{Identifiers: first.Identifiers(), Status: status}
		if status.RequiresTimeout() {
			req.ExecutionTimeout = &deadline
		}
		completed, err = store.UpdateStatus(ctx, req)
		if err != nil {
			t.Fatalf("transition to %s: %v", status, err)
		}
	}

	if err := core.HandleChange(ctx, changeRecord(t, stream.EventModify, completed)); err != nil {
		t.Fatalf("handle terminal change: %v", err)
	}

	promoted, err := store.Get(ctx, waitingOld.Identifiers())
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if promoted.Status != domain.StatusDispatching {
		t.Fatalf("expected oldest waiting execution promoted, got %s", promoted.Status)
	}
	untouched, err := store.Get(ctx, waitingNew.Identifiers())
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if untouched.Status != domain.StatusPending {
		t.Fatalf("expected newest waiting execution to stay PENDING, got %s", untouched.Status)
	}
	r, err := store.GetResource(ctx, "tenant-1", domain.ResourceGithubActions)
	if err != nil {
		t.Fatalf("get resource: %v", err)
	}
	if r.ResourcesInUse != 1 {
		t.Fatalf("expected counter back at 1 after free+promote, got %d", r.ResourcesInUse)
	}
}

func TestAdmissionIgnoresRemoveRecords(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	pub := &capturePublisher{}
	core := newAdmission(t, store, pub, &clock.Fixed{Instant: testTime()})

	e := pendingExecution("exec-1", testTime())
	if err := core.HandleChange(ctx, changeRecord(t, stream.EventRemove, e)); err != nil {
		t.Fatalf("handle change: %v", err)
	}
	if len(pub.byTopic(domain.TopicDispatch)) != 0 {
		t.Fatal("REMOVE records must not trigger admission")
	}
}
