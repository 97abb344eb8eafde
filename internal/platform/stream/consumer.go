package stream

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// EventName classifies a change record.
type EventName string

const (
	EventInsert EventName = "INSERT"
	EventModify EventName = "MODIFY"
	EventRemove EventName = "REMOVE"
)

// Sources written by the stores.
const (
	SourceExecutions = "executions"
	SourceResources  = "resources"
)

// Record is one ordered change emitted by a store.
type Record struct {
	Seq       int64
	Source    string
	Shard     string
	EventName EventName
	NewImage  map[string]AttributeValue
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Append writes a change record in the caller's transaction so the record
// commits atomically with the entity mutation it describes.
func Append(ctx context.Context, q execer, source, shard string, eventName EventName, entity any) error {
	if q == nil {
		return errors.New("queryer is required")
	}
	source = strings.TrimSpace(source)
	shard = strings.TrimSpace(shard)
	if source == "" || shard == "" {
		return errors.New("source and shard are required")
	}
	image, err := EncodeImage(entity)
	if err != nil {
		return err
	}
	imageJSON, err := json.Marshal(image)
	if err != nil {
		return fmt.Errorf("marshal image: %w", err)
	}
	_, err = q.ExecContext(
		ctx,
		`INSERT INTO change_log (source, shard, event_name, new_image, created_at)
		 VALUES ($1, $2, $3, $4, now())`,
		source,
		shard,
		string(eventName),
		imageJSON,
	)
	if err != nil {
		return fmt.Errorf("append change: %w", err)
	}
	return nil
}

// Handler processes one change record. Returning an error re-delivers the
// record on the next poll; all store mutations are conditional, so
// re-delivery is safe.
type Handler func(ctx context.Context, record Record) error

// Consumer tails the change log for one source in sequence order.
type Consumer struct {
	logger   *slog.Logger
	db       *sql.DB
	name     string
	source   string
	handler  Handler
	interval time.Duration
	batch    int
}

func NewConsumer(logger *slog.Logger, db *sql.DB, name, source string, interval time.Duration, handler Handler) (*Consumer, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("consumer name is required")
	}
	if strings.TrimSpace(source) == "" {
		return nil, errors.New("source is required")
	}
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Consumer{
		logger:   logger,
		db:       db,
		name:     strings.TrimSpace(name),
		source:   strings.TrimSpace(source),
		handler:  handler,
		interval: interval,
		batch:    100,
	}, nil
}

// Run polls until the context is canceled.
func (c *Consumer) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.pollOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Error("stream poll failed", "consumer", c.name, "source", c.source, "error", err)
			}
		}
	}
}

func (c *Consumer) pollOnce(ctx context.Context) error {
	cursor, err := c.loadCursor(ctx)
	if err != nil {
		return err
	}

	rows, err := c.db.QueryContext(
		ctx,
		`SELECT seq, shard, event_name, new_image
		 FROM change_log
		 WHERE source = $1 AND seq > $2
		 ORDER BY seq ASC
		 LIMIT $3`,
		c.source,
		cursor,
		c.batch,
	)
	if err != nil {
		return fmt.Errorf("poll query: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0, c.batch)
	for rows.Next() {
		var record Record
		var imageJSON []byte
		var eventName string
		if err := rows.Scan(&record.Seq, &record.Shard, &eventName, &imageJSON); err != nil {
			return fmt.Errorf("scan record: %w", err)
		}
		record.Source = c.source
		record.EventName = EventName(eventName)
		if err := json.Unmarshal(imageJSON, &record.NewImage); err != nil {
			return fmt.Errorf("unmarshal image seq %d: %w", record.Seq, err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("poll rows: %w", err)
	}

	for _, record := range records {
		if err := c.handler(ctx, record); err != nil {
			// Stop the batch so ordering holds; the record is retried on
			// the next poll.
			return fmt.Errorf("handle seq %d: %w", record.Seq, err)
		}
		if err := c.saveCursor(ctx, record.Seq); err != nil {
			return err
		}
	}
	return nil
}

func (c *Consumer) loadCursor(ctx context.Context) (int64, error) {
	_, err := c.db.ExecContext(
		ctx,
		`INSERT INTO stream_cursors (consumer, source, last_seq)
		 VALUES ($1, $2, 0)
		 ON CONFLICT (consumer, source) DO NOTHING`,
		c.name,
		c.source,
	)
	if err != nil {
		return 0, fmt.Errorf("init cursor: %w", err)
	}
	var cursor int64
	err = c.db.QueryRowContext(
		ctx,
		`SELECT last_seq FROM stream_cursors WHERE consumer = $1 AND source = $2`,
		c.name,
		c.source,
	).Scan(&cursor)
	if err != nil {
		return 0, fmt.Errorf("load cursor: %w", err)
	}
	return cursor, nil
}

func (c *Consumer) saveCursor(ctx context.Context, seq int64) error {
	_, err := c.db.ExecContext(
		ctx,
		`UPDATE stream_cursors SET last_seq = $3 WHERE consumer = $1 AND source = $2`,
		c.name,
		c.source,
		seq,
	)
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}
