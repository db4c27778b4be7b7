package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/reliefmesh/reliefmesh/pkg/pipeline"
)

// SQLiteBus implements Bus on the same SQLite file as the state store, so a
// publish that follows a record write shares the store's durability without
// requiring a second system. The triggers and dead_letters tables come from
// the store's migration set.
type SQLiteBus struct {
	db     *sql.DB
	opts   Options
	logger zerolog.Logger
}

// NewSQLiteBus creates a bus over an initialized, migrated database handle.
func NewSQLiteBus(db *sql.DB, opts Options) (*SQLiteBus, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	opts = opts.withDefaults()
	return &SQLiteBus{
		db:     db,
		opts:   opts,
		logger: opts.Logger.With().Str("component", "trigger-bus").Logger(),
	}, nil
}

// Publish durably enqueues a trigger message. The message becomes available
// to subscribers immediately; publish does not wait for consumption.
func (b *SQLiteBus) Publish(ctx context.Context, topic string, msg *pipeline.TriggerMessage) error {
	if msg.RequestID == "" {
		return fmt.Errorf("trigger message missing request id")
	}
	if msg.PublishedAt.IsZero() {
		msg.PublishedAt = time.Now()
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode trigger message: %w", err)
	}

	now := time.Now().UTC()
	query := `
		INSERT INTO triggers (topic, msg_key, payload, attempts, available_at, created_at)
		VALUES (?, ?, ?, 0, ?, ?)
	`

	if _, err := b.db.ExecContext(ctx, query, topic, msg.RequestID, string(payload), now, now); err != nil {
		return fmt.Errorf("failed to publish trigger: %w", err)
	}

	return nil
}

// Subscribe polls the topic and hands due triggers to the handler until ctx
// is cancelled. Leasing keeps a trigger invisible to competing subscribers
// for the lease duration; a crashed consumer's trigger reappears when the
// lease expires, which is where at-least-once (and duplicate) delivery
// comes from.
func (b *SQLiteBus) Subscribe(ctx context.Context, topic string, h Handler) error {
	ticker := time.NewTicker(b.opts.PollInterval)
	defer ticker.Stop()

	for {
		// Drain everything due before going back to sleep. A lease error
		// is almost always contention; the subscription must survive it,
		// so log and wait for the next tick instead of returning.
		for {
			delivery, err := b.lease(ctx, topic)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				b.logger.Warn().Err(err).Str("topic", topic).Msg("Failed to lease trigger, retrying")
				break
			}
			if delivery == nil {
				break
			}
			b.deliver(ctx, delivery, h)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// lease atomically picks the oldest due trigger on the topic and marks it
// leased. Returns nil when nothing is due.
func (b *SQLiteBus) lease(ctx context.Context, topic string) (*Delivery, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	var (
		id       int64
		payload  string
		attempts int
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, payload, attempts
		FROM triggers
		WHERE topic = ?
		  AND available_at <= ?
		  AND (leased_until IS NULL OR leased_until <= ?)
		ORDER BY id ASC
		LIMIT 1
	`, topic, now, now).Scan(&id, &payload, &attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	leasedUntil := now.Add(b.opts.LeaseDuration)
	if _, err := tx.ExecContext(ctx, `
		UPDATE triggers SET leased_until = ?, attempts = attempts + 1 WHERE id = ?
	`, leasedUntil, id); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	var msg pipeline.TriggerMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		// Undecodable payload can never succeed; park it immediately.
		_ = b.deadLetter(ctx, id, fmt.Sprintf("undecodable payload: %v", err))
		return nil, nil
	}

	attempt := attempts + 1
	return &Delivery{
		ID:           id,
		Topic:        topic,
		Message:      msg,
		Attempt:      attempt,
		FinalAttempt: attempt >= b.opts.MaxAttempts,
	}, nil
}

// deliver runs the handler and settles the trigger: ack, redeliver with
// backoff, or dead-letter. A failed settlement leaves the lease in place;
// expiry redelivers, so the failure only costs latency.
func (b *SQLiteBus) deliver(ctx context.Context, d *Delivery, h Handler) {
	var settleErr error
	err := h(ctx, d)
	switch {
	case err == nil:
		settleErr = b.ack(ctx, d.ID)
	case pipeline.IsRetryable(err):
		if d.FinalAttempt {
			settleErr = b.deadLetter(ctx, d.ID, err.Error())
		} else {
			settleErr = b.nack(ctx, d.ID, d.Attempt)
		}
	default:
		// The stage recorded the failure as data; nothing left for the bus.
		settleErr = b.ack(ctx, d.ID)
	}
	if settleErr != nil {
		b.logger.Warn().Err(settleErr).
			Str("topic", d.Topic).
			Str("request_id", d.Message.RequestID).
			Msg("Failed to settle trigger, lease expiry will redeliver")
	}
}

func (b *SQLiteBus) ack(ctx context.Context, id int64) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM triggers WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to ack trigger: %w", err)
	}
	return nil
}

func (b *SQLiteBus) nack(ctx context.Context, id int64, attempt int) error {
	availableAt := time.Now().UTC().Add(b.backoff(attempt))
	if _, err := b.db.ExecContext(ctx, `
		UPDATE triggers SET leased_until = NULL, available_at = ? WHERE id = ?
	`, availableAt, id); err != nil {
		return fmt.Errorf("failed to nack trigger: %w", err)
	}
	return nil
}

// deadLetter moves a trigger out of the live queue, preserving it for
// operator inspection and replay.
func (b *SQLiteBus) deadLetter(ctx context.Context, id int64, reason string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin dead-letter tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dead_letters (trigger_id, topic, msg_key, payload, attempts, reason, created_at)
		SELECT id, topic, msg_key, payload, attempts, ?, ? FROM triggers WHERE id = ?
	`, reason, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to copy trigger to dead letters: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM triggers WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove dead-lettered trigger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit dead-letter tx: %w", err)
	}
	return nil
}

// backoff computes the redelivery delay for the given attempt: exponential
// from BaseBackoff, capped at MaxBackoff, with up to 25% jitter.
func (b *SQLiteBus) backoff(attempt int) time.Duration {
	delay := time.Duration(float64(b.opts.BaseBackoff) * math.Pow(2, float64(attempt-1)))
	if delay > b.opts.MaxBackoff {
		delay = b.opts.MaxBackoff
	}

	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}

// HasPending reports whether a live trigger exists for the topic and request id.
func (b *SQLiteBus) HasPending(ctx context.Context, topic, requestID string) (bool, error) {
	var count int
	err := b.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM triggers WHERE topic = ? AND msg_key = ?
	`, topic, requestID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to count pending triggers: %w", err)
	}
	return count > 0, nil
}

// Depth returns the number of live triggers queued on the topic.
func (b *SQLiteBus) Depth(ctx context.Context, topic string) (int, error) {
	var count int
	err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM triggers WHERE topic = ?`, topic).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count triggers: %w", err)
	}
	return count, nil
}

// DeadLetters returns dead-lettered triggers for a topic, newest first.
func (b *SQLiteBus) DeadLetters(ctx context.Context, topic string, limit int) ([]DeadLetter, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, trigger_id, topic, msg_key, attempts, reason, created_at
		FROM dead_letters
		WHERE topic = ?
		ORDER BY id DESC
		LIMIT ?
	`, topic, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	letters := []DeadLetter{}
	for rows.Next() {
		var dl DeadLetter
		if err := rows.Scan(&dl.ID, &dl.TriggerID, &dl.Topic, &dl.RequestID, &dl.Attempts, &dl.Reason, &dl.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		letters = append(letters, dl)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dead letters: %w", err)
	}

	return letters, nil
}
