// Package bus is an at-least-once event bus over the control plane
// database: publishers append topic-keyed rows, subscribers tail them with
// a durable cursor.
package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event is one published bus event.
type Event struct {
	Seq        int64
	EventID    string
	Topic      string
	DetailType string
	Detail     json.RawMessage
	CreatedAt  time.Time
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Publisher appends events to the bus.
type Publisher struct {
	db execer
}

func NewPublisher(db execer) *Publisher {
	if db == nil {
		return nil
	}
	return &Publisher{db: db}
}

// Publish appends one event. detail is marshaled to JSON.
func (p *Publisher) Publish(ctx context.Context, topic, detailType string, detail any) error {
	if p == nil || p.db == nil {
		return errors.New("publisher not initialized")
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return errors.New("topic is required")
	}
	if strings.TrimSpace(detailType) == "" {
		return errors.New("detail type is required")
	}
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("marshal detail: %w", err)
	}
	_, err = p.db.ExecContext(
		ctx,
		`INSERT INTO bus_events (event_id, topic, detail_type, detail, created_at)
		 VALUES ($1, $2, $3, $4, now())`,
		uuid.NewString(),
		topic,
		detailType,
		detailJSON,
	)
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Handler processes one event. An error re-delivers the event on the next
// poll.
type Handler func(ctx context.Context, event Event) error

// Subscriber tails one topic with a named durable cursor. Distinct consumer
// names each see every event; a shared name splits the work.
type Subscriber struct {
	logger   *slog.Logger
	db       *sql.DB
	consumer string
	topic    string
	handler  Handler
	interval time.Duration
	batch    int
}

func NewSubscriber(logger *slog.Logger, db *sql.DB, consumer, topic string, interval time.Duration, handler Handler) (*Subscriber, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if strings.TrimSpace(consumer) == "" {
		return nil, errors.New("consumer name is required")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, errors.New("topic is required")
	}
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Subscriber{
		logger:   logger,
		db:       db,
		consumer: strings.TrimSpace(consumer),
		topic:    strings.TrimSpace(topic),
		handler:  handler,
		interval: interval,
		batch:    100,
	}, nil
}

func (s *Subscriber) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.pollOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("bus poll failed", "consumer", s.consumer, "topic", s.topic, "error", err)
			}
		}
	}
}

func (s *Subscriber) pollOnce(ctx context.Context) error {
	cursor, err := s.loadCursor(ctx)
	if err != nil {
		return err
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT seq, event_id, topic, detail_type, detail, created_at
		 FROM bus_events
		 WHERE topic = $1 AND seq > $2
		 ORDER BY seq ASC
		 LIMIT $3`,
		s.topic,
		cursor,
		s.batch,
	)
	if err != nil {
		return fmt.Errorf("poll query: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, s.batch)
	for rows.Next() {
		var event Event
		if err := rows.Scan(&event.Seq, &event.EventID, &event.Topic, &event.DetailType, &event.Detail, &event.CreatedAt); err != nil {
			return fmt.Errorf("scan event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("poll rows: %w", err)
	}

	for _, event := range events {
		if err := s.handler(ctx, event); err != nil {
			return fmt.Errorf("handle event %s: %w", event.EventID, err)
		}
		if err := s.saveCursor(ctx, event.Seq); err != nil {
			return err
		}
	}
	return nil
}

func (s *Subscriber) loadCursor(ctx context.Context) (int64, error) {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO bus_cursors (consumer, topic, last_seq)
		 VALUES ($1, $2, 0)
		 ON CONFLICT (consumer, topic) DO NOTHING`,
		s.consumer,
		s.topic,
	)
	if err != nil {
		return 0, fmt.Errorf("init cursor: %w", err)
	}
	var cursor int64
	err = s.db.QueryRowContext(
		ctx,
		`SELECT last_seq FROM bus_cursors WHERE consumer = $1 AND topic = $2`,
		s.consumer,
		s.topic,
	).Scan(&cursor)
	if err != nil {
		return 0, fmt.Errorf("load cursor: %w", err)
	}
	return cursor, nil
}

func (s *Subscriber) saveCursor(ctx context.Context, seq int64) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE bus_cursors SET last_seq = $3 WHERE consumer = $1 AND topic = $2`,
		s.consumer,
		s.topic,
		seq,
	)
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}
