// Package fifoqueue is a database-backed FIFO queue with message-group
// serialization: at most one message per group is in flight at a time, and
// messages within a group are delivered in send order.
package fifoqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultVisibilityTimeout re-arms a claimed message that was neither
// deleted nor failed, covering worker crashes.
const DefaultVisibilityTimeout = 5 * time.Minute

// Message is one queued item.
type Message struct {
	ID           string
	GroupID      string
	Body         json.RawMessage
	ReceiveCount int
}

// BatchResult reports per-item failures the way a partial-batch handler
// does: failed ids are retried, everything else is deleted.
type BatchResult struct {
	FailedIDs []string
}

func (r *BatchResult) Fail(id string) {
	r.FailedIDs = append(r.FailedIDs, id)
}

type Queue struct {
	db         *sql.DB
	name       string
	visibility time.Duration
}

func New(db *sql.DB, name string) (*Queue, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("queue name is required")
	}
	return &Queue{db: db, name: name, visibility: DefaultVisibilityTimeout}, nil
}

// Send enqueues one message into a group.
func (q *Queue) Send(ctx context.Context, groupID string, body any) (string, error) {
	if q == nil || q.db == nil {
		return "", errors.New("queue not initialized")
	}
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return "", errors.New("group id is required")
	}
	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal body: %w", err)
	}
	id := uuid.NewString()
	_, err = q.db.ExecContext(
		ctx,
		`INSERT INTO queue_messages (id, queue, group_id, body, visible_after, created_at)
		 VALUES ($1, $2, $3, $4, now(), now())`,
		id,
		q.name,
		groupID,
		bodyJSON,
	)
	if err != nil {
		return "", fmt.Errorf("send: %w", err)
	}
	return id, nil
}

// Receive claims up to limit messages, at most one per group, oldest first
// within each group. Claimed messages become invisible until deleted,
// failed, or the visibility timeout lapses.
func (q *Queue) Receive(ctx context.Context, limit int) ([]Message, error) {
	if q == nil || q.db == nil {
		return nil, errors.New("queue not initialized")
	}
	if limit <= 0 {
		limit = 1
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// One claim per group: skip groups with a live claim, then take the
	// oldest visible message of each remaining group. A claim whose
	// visibility lapsed no longer counts as live, so a crashed worker's
	// message is claimed again here.
	rows, err := tx.QueryContext(
		ctx,
		`SELECT id, group_id, body, receive_count
		 FROM queue_messages
		 WHERE id IN (
		   SELECT DISTINCT ON (group_id) id
		   FROM queue_messages
		   WHERE queue = $1
		     AND visible_after <= now()
		     AND group_id NOT IN (
		       SELECT group_id FROM queue_messages
		       WHERE queue = $1 AND in_flight AND visible_after > now()
		     )
		   ORDER BY group_id, seq ASC
		   LIMIT $2
		 )
		 FOR UPDATE SKIP LOCKED`,
		q.name,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim query: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0, limit)
	ids := make([]string, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.GroupID, &m.Body, &m.ReceiveCount); err != nil {
			return nil, fmt.Errorf("claim scan: %w", err)
		}
		m.ReceiveCount++
		messages = append(messages, m)
		ids = append(ids, m.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim rows: %w", err)
	}
	if len(messages) == 0 {
		return nil, nil
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(
			ctx,
			`UPDATE queue_messages
			 SET in_flight = TRUE,
			     receive_count = receive_count + 1,
			     visible_after = now() + ($2 * INTERVAL '1 second')
			 WHERE id = $1`,
			id,
			q.visibility.Seconds(),
		); err != nil {
			return nil, fmt.Errorf("claim update: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return messages, nil
}

// Resolve applies a batch result: failed ids are released for redelivery,
// all other claimed ids are deleted.
func (q *Queue) Resolve(ctx context.Context, received []Message, result BatchResult) error {
	if q == nil || q.db == nil {
		return errors.New("queue not initialized")
	}
	failed := make(map[string]bool, len(result.FailedIDs))
	for _, id := range result.FailedIDs {
		failed[id] = true
	}
	for _, m := range received {
		if failed[m.ID] {
			if _, err := q.db.ExecContext(
				ctx,
				`UPDATE queue_messages SET in_flight = FALSE, visible_after = now() WHERE id = $1`,
				m.ID,
			); err != nil {
				return fmt.Errorf("release %s: %w", m.ID, err)
			}
			continue
		}
		if _, err := q.db.ExecContext(
			ctx,
			`DELETE FROM queue_messages WHERE id = $1`,
			m.ID,
		); err != nil {
			return fmt.Errorf("delete %s: %w", m.ID, err)
		}
	}
	return nil
}
