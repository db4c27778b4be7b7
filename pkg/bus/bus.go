// Package bus provides the asynchronous trigger bus between pipeline stages:
// durable publish, at-least-once delivery, no ordering guarantee, bounded
// redelivery with exponential backoff, and a dead-letter table for triggers
// that exhaust their attempts.
package bus

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/reliefmesh/reliefmesh/pkg/pipeline"
)

// Delivery is one attempt to hand a trigger message to a handler. The same
// message may be delivered more than once, concurrently, and out of order
// with respect to the store writes that caused it.
type Delivery struct {
	// ID identifies the queued trigger, not the attempt.
	ID int64

	Topic   string
	Message pipeline.TriggerMessage

	// Attempt is 1-based. FinalAttempt is true when a failed handler run
	// will dead-letter the trigger instead of scheduling redelivery.
	Attempt      int
	FinalAttempt bool
}

// Handler processes one delivery. A nil return acknowledges the trigger. An
// error for which pipeline.IsRetryable holds schedules redelivery with
// backoff (or dead-letters on the final attempt); any other error is treated
// as handled-and-recorded and acknowledges the trigger, because stage
// failures are represented as record status, not as bus state.
type Handler func(ctx context.Context, d *Delivery) error

// Publisher enqueues trigger messages. Publish returns once the message is
// durably enqueued; consumption happens later and elsewhere.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg *pipeline.TriggerMessage) error
}

// Bus is the full trigger bus boundary.
type Bus interface {
	Publisher

	// Subscribe consumes the topic with the handler until ctx is cancelled.
	// Multiple subscribers on the same topic compete for messages.
	Subscribe(ctx context.Context, topic string, h Handler) error

	// HasPending reports whether a live (not dead-lettered) trigger exists
	// for the topic and request id. Used by reconciliation to avoid
	// republishing a trigger that is still queued.
	HasPending(ctx context.Context, topic, requestID string) (bool, error)

	// Depth returns the number of live triggers queued on the topic.
	Depth(ctx context.Context, topic string) (int, error)

	// DeadLetters returns dead-lettered triggers for a topic, newest first.
	DeadLetters(ctx context.Context, topic string, limit int) ([]DeadLetter, error)
}

// DeadLetter is a trigger that exhausted its delivery attempts.
type DeadLetter struct {
	ID        int64     `json:"id"`
	TriggerID int64     `json:"trigger_id"`
	Topic     string    `json:"topic"`
	RequestID string    `json:"request_id"`
	Attempts  int       `json:"attempts"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// Options tune delivery behavior.
type Options struct {
	// PollInterval is how often an idle subscriber checks for due triggers.
	PollInterval time.Duration

	// LeaseDuration is how long a delivery keeps a trigger invisible to
	// other subscribers. A handler that outlives its lease risks a
	// concurrent duplicate delivery; the idempotency guard makes that safe.
	LeaseDuration time.Duration

	// MaxAttempts bounds deliveries per trigger before dead-lettering.
	MaxAttempts int

	// BaseBackoff seeds the exponential redelivery delay.
	BaseBackoff time.Duration

	// MaxBackoff caps the redelivery delay.
	MaxBackoff time.Duration

	// Logger receives poll and settlement failures. The zero value is
	// disabled.
	Logger zerolog.Logger
}

// DefaultOptions returns the delivery tuning used when a field is zero.
func DefaultOptions() Options {
	return Options{
		PollInterval:  250 * time.Millisecond,
		LeaseDuration: 5 * time.Minute,
		MaxAttempts:   5,
		BaseBackoff:   2 * time.Second,
		MaxBackoff:    time.Minute,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.PollInterval <= 0 {
		o.PollInterval = def.PollInterval
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = def.LeaseDuration
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = def.MaxAttempts
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = def.BaseBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = def.MaxBackoff
	}
	return o
}
