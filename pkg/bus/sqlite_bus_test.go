package bus

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/reliefmesh/reliefmesh/pkg/pipeline"
	"github.com/reliefmesh/reliefmesh/pkg/stores"
)

func setupTestBus(t *testing.T, opts Options) (*SQLiteBus, *sql.DB) {
	t.Helper()
	ctx := context.Background()

	store, err := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to init store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	b, err := NewSQLiteBus(store.DB(), opts)
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	return b, store.DB()
}

// fastOptions keeps polling and backoff short so redelivery happens within
// the test's patience.
func fastOptions() Options {
	return Options{
		PollInterval:  10 * time.Millisecond,
		LeaseDuration: time.Minute,
		MaxAttempts:   5,
		BaseBackoff:   10 * time.Millisecond,
		MaxBackoff:    50 * time.Millisecond,
	}
}

func publish(t *testing.T, b *SQLiteBus, topic, requestID string) {
	t.Helper()
	msg := &pipeline.TriggerMessage{RequestID: requestID, PublishedAt: time.Now().UTC()}
	if err := b.Publish(context.Background(), topic, msg); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
}

// runSubscriber consumes the topic in the background until the test ends.
func runSubscriber(t *testing.T, b *SQLiteBus, topic string, h Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Subscribe(ctx, topic, h)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestSubscribeSurvivesLeaseErrors(t *testing.T) {
	b, db := setupTestBus(t, fastOptions())
	topic := "damage-analysis-trigger"

	// Every lease now fails; the subscription must keep polling rather
	// than return and take the coordinator down with it.
	db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, topic, func(context.Context, *Delivery) error { return nil })
	}()

	select {
	case err := <-done:
		t.Fatalf("Subscribe returned on a lease error: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Subscribe returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Subscribe did not return after cancellation")
	}
}

func TestPublishRequiresRequestID(t *testing.T) {
	b, _ := setupTestBus(t, fastOptions())

	err := b.Publish(context.Background(), "damage-analysis-trigger", &pipeline.TriggerMessage{})
	if err == nil {
		t.Error("publish without request id must fail")
	}
}

func TestPublishAndDeliver(t *testing.T) {
	b, _ := setupTestBus(t, fastOptions())
	topic := "damage-analysis-trigger"

	publish(t, b, topic, "req-0001")

	depth, err := b.Depth(context.Background(), topic)
	if err != nil {
		t.Fatalf("Depth failed: %v", err)
	}
	if depth != 1 {
		t.Errorf("depth before consumption = %d, want 1", depth)
	}
	pending, err := b.HasPending(context.Background(), topic, "req-0001")
	if err != nil {
		t.Fatalf("HasPending failed: %v", err)
	}
	if !pending {
		t.Error("published trigger not reported pending")
	}

	deliveries := make(chan *Delivery, 1)
	runSubscriber(t, b, topic, func(_ context.Context, d *Delivery) error {
		deliveries <- d
		return nil
	})

	var d *Delivery
	select {
	case d = <-deliveries:
	case <-time.After(5 * time.Second):
		t.Fatal("trigger never delivered")
	}

	if d.Message.RequestID != "req-0001" {
		t.Errorf("delivered request id = %q", d.Message.RequestID)
	}
	if d.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", d.Attempt)
	}
	if d.FinalAttempt {
		t.Error("first of five attempts marked final")
	}

	// Acked triggers leave the queue.
	waitForDepth(t, b, topic, 0)
}

func TestRetryableErrorRedelivers(t *testing.T) {
	b, _ := setupTestBus(t, fastOptions())
	topic := "logistics-plan-trigger"

	var mu sync.Mutex
	var attempts []int
	done := make(chan struct{})

	runSubscriber(t, b, topic, func(_ context.Context, d *Delivery) error {
		mu.Lock()
		attempts = append(attempts, d.Attempt)
		n := len(attempts)
		mu.Unlock()
		if n < 3 {
			return pipeline.NewPreconditionError("report not ready", nil)
		}
		close(done)
		return nil
	})

	publish(t, b, topic, "req-0001")

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("trigger was not redelivered to success")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != 3 {
		t.Fatalf("got %d deliveries, want 3: %v", len(attempts), attempts)
	}
	for i, a := range attempts {
		if a != i+1 {
			t.Errorf("delivery %d carried attempt %d", i, a)
		}
	}
}

func TestExhaustedRetriesDeadLetter(t *testing.T) {
	opts := fastOptions()
	opts.MaxAttempts = 2
	b, _ := setupTestBus(t, opts)
	topic := "damage-analysis-trigger"

	var mu sync.Mutex
	deliveries := 0
	sawFinal := false

	runSubscriber(t, b, topic, func(_ context.Context, d *Delivery) error {
		mu.Lock()
		deliveries++
		if d.FinalAttempt {
			sawFinal = true
		}
		mu.Unlock()
		return pipeline.NewTransientError("store unavailable", nil)
	})

	publish(t, b, topic, "req-0001")

	waitForDepth(t, b, topic, 0)

	mu.Lock()
	if deliveries != 2 {
		t.Errorf("got %d deliveries, want MaxAttempts=2", deliveries)
	}
	if !sawFinal {
		t.Error("last delivery not marked FinalAttempt")
	}
	mu.Unlock()

	letters, err := b.DeadLetters(context.Background(), topic, 10)
	if err != nil {
		t.Fatalf("DeadLetters failed: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("got %d dead letters, want 1", len(letters))
	}
	if letters[0].RequestID != "req-0001" || letters[0].Attempts != 2 {
		t.Errorf("unexpected dead letter: %+v", letters[0])
	}

	pending, err := b.HasPending(context.Background(), topic, "req-0001")
	if err != nil {
		t.Fatalf("HasPending failed: %v", err)
	}
	if pending {
		t.Error("dead-lettered trigger still reported pending")
	}
}

func TestNonRetryableErrorAcks(t *testing.T) {
	b, _ := setupTestBus(t, fastOptions())
	topic := "damage-analysis-trigger"

	var mu sync.Mutex
	deliveries := 0

	runSubscriber(t, b, topic, func(_ context.Context, d *Delivery) error {
		mu.Lock()
		deliveries++
		mu.Unlock()
		// The stage recorded the failure; the bus has nothing to retry.
		return pipeline.NewExternalError("analyzer failed", nil)
	})

	publish(t, b, topic, "req-0001")

	waitForDepth(t, b, topic, 0)
	// Allow time for a wrong redelivery to show up.
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	if deliveries != 1 {
		t.Errorf("got %d deliveries, want 1", deliveries)
	}
	mu.Unlock()

	letters, err := b.DeadLetters(context.Background(), topic, 10)
	if err != nil {
		t.Fatalf("DeadLetters failed: %v", err)
	}
	if len(letters) != 0 {
		t.Errorf("non-retryable error produced %d dead letters", len(letters))
	}
}

func TestTopicsAreIndependent(t *testing.T) {
	b, _ := setupTestBus(t, fastOptions())

	publish(t, b, "damage-analysis-trigger", "req-0001")
	publish(t, b, "logistics-plan-trigger", "req-0002")

	deliveries := make(chan *Delivery, 1)
	runSubscriber(t, b, "logistics-plan-trigger", func(_ context.Context, d *Delivery) error {
		deliveries <- d
		return nil
	})

	select {
	case d := <-deliveries:
		if d.Message.RequestID != "req-0002" {
			t.Errorf("subscriber received %q from the wrong topic", d.Message.RequestID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("trigger never delivered")
	}

	// The other topic's trigger stays queued.
	depth, err := b.Depth(context.Background(), "damage-analysis-trigger")
	if err != nil {
		t.Fatalf("Depth failed: %v", err)
	}
	if depth != 1 {
		t.Errorf("unsubscribed topic depth = %d, want 1", depth)
	}
}

func waitForDepth(t *testing.T, b *SQLiteBus, topic string, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		depth, err := b.Depth(context.Background(), topic)
		if err != nil {
			t.Fatalf("Depth failed: %v", err)
		}
		if depth == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("queue depth never reached %d", want)
}
