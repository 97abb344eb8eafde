package execution

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/scanplane-labs/scanplane-go/internal/domain"
	"github.com/scanplane-labs/scanplane-go/internal/platform/clock"
	"github.com/scanplane-labs/scanplane-go/internal/repo"
	"github.com/scanplane-labs/scanplane-go/internal/repo/memory"
)

func newRetry(t *testing.T, store *memory.Store, pub *capturePublisher) *RetryController {
	t.Helper()
	controller, err := NewRetryController(slog.Default(), store.Executions(), pub, testNotifier(t, pub), "test", DefaultRetryLimit)
	if err != nil {
		t.Fatalf("new retry controller: %v", err)
	}
	return controller
}

// failedExecution creates an execution in FAILED, the usual retry subject.
func failedExecution(t *testing.T, store *memory.Store) domain.Execution {
	t.Helper()
	ctx := context.Background()
	e := pendingExecution("exec-1", testTime())
	if err := store.Create(ctx, e); err != nil {
		t.Fatalf("create execution: %v", err)
	}
	deadline := testTime().Add(10 * time.Minute)
	for _, status := range []domain.Status{domain.StatusDispatching, domain.StatusFailed} {
		req := repo.UpdateStatusRequest{Identifiers: e.Identifiers(), Status: status}
		if status.RequiresTimeout() {
			req.ExecutionTimeout = &deadline
		}
		var err error
		e, err = store.UpdateStatus(ctx, req)
		if err != nil {
			t.Fatalf("transition to %s: %v", status, err)
		}
	}
	return e
}

func TestRetryPublishesTrigger(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	store.Now = (&clock.Fixed{Instant: testTime()}).Now
	pub := &capturePublisher{}
	controller := newRetry(t, store, pub)

	e := failedExecution(t, store)
	if err := controller.HandleRetry(ctx, e.Identifiers()); err != nil {
		t.Fatalf("handle retry: %v", err)
	}

	got, err := store.Get(ctx, e.Identifiers())
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if got.Status != domain.StatusRetry {
		t.Fatalf("expected RETRY, got %s", got.Status)
	}
	if got.RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", got.RetryCount)
	}
	triggers := pub.byTopic(domain.TopicTriggerExecution)
	if len(triggers) != 1 || triggers[0].DetailType != domain.DetailRetryExecution {
		t.Fatalf("expected one retry trigger, got %+v", triggers)
	}
	event := triggers[0].Detail.(domain.RetryExecutionEvent)
	if event.RetryCount != 1 {
		t.Fatalf("expected trigger to carry retry count 1, got %d", event.RetryCount)
	}
}

func TestRetryLimitNotifiesOperators(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	store.Now = (&clock.Fixed{Instant: testTime()}).Now
	pub := &capturePublisher{}
	controller := newRetry(t, store, pub)

	e := pendingExecution("exec-1", testTime())
	e.RetryCount = DefaultRetryLimit
	if err := store.Create(ctx, e); err != nil {
		t.Fatalf("create execution: %v", err)
	}
	deadline := testTime().Add(10 * time.Minute)
	ids := e.Identifiers()
	for _, status := range []domain.Status{domain.StatusDispatching, domain.StatusFailed} {
		req := repo.UpdateStatusRequest{Identifiers: ids, Status: status}
		if status.RequiresTimeout() {
			req.ExecutionTimeout = &deadline
		}
		if _, err := store.UpdateStatus(ctx, req); err != nil {
			t.Fatalf("transition to %s: %v", status, err)
		}
	}

	if err := controller.HandleRetry(ctx, ids); err != nil {
		t.Fatalf("handle retry: %v", err)
	}
	if triggers := pub.byTopic(domain.TopicTriggerExecution); len(triggers) != 0 {
		t.Fatalf("expected no trigger past the limit, got %d", len(triggers))
	}
	notifications := pub.byTopic(domain.TopicNotifications)
	if len(notifications) != 1 {
		t.Fatalf("expected one operator notification, got %d", len(notifications))
	}
	if notifications[0].Detail.(domain.OperatorNotification).Title != "MAX_RETRIES reached" {
		t.Fatalf("unexpected notification %+v", notifications[0].Detail)
	}
}

func TestRetryUnknownExecutionNotifies(t *testing.T) {
	store := memory.NewStore()
	pub := &capturePublisher{}
	controller := newRetry(t, store, pub)

	ids := domain.Identifiers{TenantID: "tenant-1", JitEventID: "jit-1", ExecutionID: "gone"}
	if err := controller.HandleRetry(context.Background(), ids); err != nil {
		t.Fatalf("handle retry: %v", err)
	}
	notifications := pub.byTopic(domain.TopicNotifications)
	if len(notifications) != 1 {
		t.Fatalf("expected one operator notification, got %d", len(notifications))
	}
	if notifications[0].Detail.(domain.OperatorNotification).Title != "EXECUTION_NOT_FOUND on retry" {
		t.Fatalf("unexpected notification %+v", notifications[0].Detail)
	}
}

func TestRetryOfPendingExecutionIsRejectedQuietly(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	store.Now = (&clock.Fixed{Instant: testTime()}).Now
	pub := &capturePublisher{}
	controller := newRetry(t, store, pub)

	e := pendingExecution("exec-1", testTime())
	if err := store.Create(ctx, e); err != nil {
		t.Fatalf("create execution: %v", err)
	}
	if err := controller.HandleRetry(ctx, e.Identifiers()); err != nil {
		t.Fatalf("retry of pending row must be benign: %v", err)
	}
	if triggers := pub.byTopic(domain.TopicTriggerExecution); len(triggers) != 0 {
		t.Fatalf("expected no trigger for pending row, got %d", len(triggers))
	}
	got, err := store.Get(ctx, e.Identifiers())
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if got.Status != domain.StatusPending {
		t.Fatalf("expected PENDING untouched, got %s", got.Status)
	}
}
