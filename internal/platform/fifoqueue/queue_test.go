package fifoqueue

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/scanplane-labs/scanplane-go/internal/platform/postgres"
)

func TestNewValidation(t *testing.T) {
	if _, err := New(nil, "watchdog"); err == nil {
		t.Fatal("expected error for nil db")
	}
	if _, err := New(&sql.DB{}, "  "); err == nil {
		t.Fatal("expected error for blank queue name")
	}
}

func TestBatchResultFail(t *testing.T) {
	var result BatchResult
	result.Fail("m-1")
	result.Fail("m-2")
	if len(result.FailedIDs) != 2 || result.FailedIDs[0] != "m-1" {
		t.Fatalf("unexpected failed ids %v", result.FailedIDs)
	}
}

// testQueue opens the database named by SCANPLANE_TEST_DATABASE_URL and
// returns a queue with a unique name so tests do not see each other's rows.
func testQueue(t *testing.T) (*Queue, *sql.DB) {
	t.Helper()

	url := strings.TrimSpace(os.Getenv("SCANPLANE_TEST_DATABASE_URL"))
	if url == "" {
		t.Skip("SCANPLANE_TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("pgx", url)
	if err != nil {
		t.Fatalf("sql open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := postgres.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	q, err := New(db, "test-"+uuid.NewString())
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q, db
}

func TestReceiveSerializesGroups(t *testing.T) {
	ctx := context.Background()
	q, _ := testQueue(t)

	first, err := q.Send(ctx, "group-a", map[string]string{"n": "1"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := q.Send(ctx, "group-a", map[string]string{"n": "2"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	other, err := q.Send(ctx, "group-b", map[string]string{"n": "3"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	claimed, err := q.Receive(ctx, 10)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("expected one message per group, got %d", len(claimed))
	}
	got := map[string]string{}
	for _, m := range claimed {
		got[m.GroupID] = m.ID
	}
	if got["group-a"] != first || got["group-b"] != other {
		t.Fatalf("expected oldest message per group, got %v", got)
	}

	// Both groups have a live claim; nothing else is deliverable.
	blocked, err := q.Receive(ctx, 10)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(blocked) != 0 {
		t.Fatalf("expected no messages while groups are in flight, got %d", len(blocked))
	}

	// Fail group-b, delete group-a's head.
	if err := q.Resolve(ctx, claimed, BatchResult{FailedIDs: []string{other}}); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	next, err := q.Receive(ctx, 10)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(next) != 2 {
		t.Fatalf("expected group-a successor and group-b redelivery, got %d", len(next))
	}
	for _, m := range next {
		if m.GroupID == "group-b" {
			if m.ID != other {
				t.Fatalf("expected failed message redelivered, got %s", m.ID)
			}
			if m.ReceiveCount != 2 {
				t.Fatalf("expected receive count 2 on redelivery, got %d", m.ReceiveCount)
			}
		}
		if m.GroupID == "group-a" && m.ID == first {
			t.Fatal("resolved message must not be redelivered")
		}
	}
}

func TestReceiveReclaimsLapsedClaim(t *testing.T) {
	ctx := context.Background()
	q, db := testQueue(t)

	id, err := q.Send(ctx, "group-a", map[string]string{"n": "1"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	claimed, err := q.Receive(ctx, 1)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != id {
		t.Fatalf("expected the sent message claimed, got %v", claimed)
	}

	// Age the claim past its visibility window, as if the worker crashed
	// without resolving.
	if _, err := db.ExecContext(
		ctx,
		`UPDATE queue_messages SET visible_after = now() - INTERVAL '1 second' WHERE id = $1`,
		id,
	); err != nil {
		t.Fatalf("age claim: %v", err)
	}

	reclaimed, err := q.Receive(ctx, 1)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].ID != id {
		t.Fatalf("expected lapsed claim redelivered, got %v", reclaimed)
	}
	if reclaimed[0].ReceiveCount != 2 {
		t.Fatalf("expected receive count 2, got %d", reclaimed[0].ReceiveCount)
	}

	// The reclaim re-armed visibility; the group is blocked again.
	blocked, err := q.Receive(ctx, 1)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(blocked) != 0 {
		t.Fatalf("expected no redelivery of a live claim, got %d", len(blocked))
	}

	if err := q.Resolve(ctx, reclaimed, BatchResult{}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if remaining, err := q.Receive(ctx, 1); err != nil || len(remaining) != 0 {
		t.Fatalf("expected empty queue after resolve, got %v err %v", remaining, err)
	}
}
