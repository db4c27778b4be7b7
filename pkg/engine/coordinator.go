package engine

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/reliefmesh/reliefmesh/pkg/bus"
	"github.com/reliefmesh/reliefmesh/pkg/pipeline"
	"github.com/reliefmesh/reliefmesh/pkg/telemetry"
)

// Coordinator binds the stage handlers to their trigger topics and runs the
// subscriptions. Handlers are instrumented here so the stages themselves stay
// focused on pipeline semantics.
type Coordinator struct {
	bus       bus.Bus
	damage    *DamageStage
	logistics *LogisticsStage
	tel       *telemetry.Telemetry
}

// NewCoordinator creates a coordinator over the given stages.
func NewCoordinator(b bus.Bus, damage *DamageStage, logistics *LogisticsStage, tel *telemetry.Telemetry) *Coordinator {
	return &Coordinator{
		bus:       b,
		damage:    damage,
		logistics: logistics,
		tel:       tel,
	}
}

// Run consumes both topics until the context is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	ctx = c.tel.WithContext(ctx)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.bus.Subscribe(ctx, pipeline.TopicDamageAnalysis, c.instrument(StageAnalysis, c.damage.Handle))
	})
	g.Go(func() error {
		return c.bus.Subscribe(ctx, pipeline.TopicLogisticsPlan, c.instrument(StagePlanning, c.logistics.Handle))
	})
	g.Go(func() error {
		return c.observeQueueDepth(ctx)
	})

	return g.Wait()
}

// instrument wraps a stage handler with tracing, metrics, and settle logging.
func (c *Coordinator) instrument(stage string, h bus.Handler) bus.Handler {
	return func(ctx context.Context, d *bus.Delivery) error {
		if d.Attempt > 1 {
			c.tel.Metrics.RecordTriggerRedelivery(d.Topic)
		}

		ctx = telemetry.WithStageContext(ctx, stage, d.Message.RequestID, d.Attempt)
		err := h(ctx, d)
		telemetry.EndStageContext(ctx, stage, settleOutcome(err), err)

		if err != nil {
			if class, ok := pipeline.ClassOf(err); ok {
				c.tel.Metrics.RecordError(string(class))
			}
			if pipeline.IsRetryable(err) && d.FinalAttempt {
				c.tel.Metrics.RecordDeadLetter(d.Topic)
				c.tel.Logger.NewComponentLogger(stage).
					WithRequestID(d.Message.RequestID).
					WithError(err).
					Error("Trigger exhausted delivery attempts")
			}
		}
		return err
	}
}

// settleOutcome names the handler result for metrics.
func settleOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case pipeline.IsPrecondition(err):
		return "precondition"
	case pipeline.IsTransient(err):
		return "transient"
	case pipeline.IsExternal(err):
		return "external_failure"
	default:
		return "error"
	}
}

// observeQueueDepth keeps the per-topic depth gauges current.
func (c *Coordinator) observeQueueDepth(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	topics := []string{pipeline.TopicDamageAnalysis, pipeline.TopicLogisticsPlan}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, topic := range topics {
				depth, err := c.bus.Depth(ctx, topic)
				if err != nil {
					continue
				}
				c.tel.Metrics.SetQueueDepth(topic, float64(depth))
			}
		}
	}
}
