package engine

import (
	"context"
	"errors"
	"time"

	"github.com/reliefmesh/reliefmesh/pkg/bus"
	"github.com/reliefmesh/reliefmesh/pkg/pipeline"
	"github.com/reliefmesh/reliefmesh/pkg/stores"
	"github.com/reliefmesh/reliefmesh/pkg/telemetry"
)

// DamageStage consumes analysis triggers: it claims the damage report for the
// request id, invokes the imagery analyzer, and writes the terminal report
// state. Every step tolerates duplicate and out-of-order deliveries; only the
// claim winner's terminal write takes effect.
type DamageStage struct {
	store      stores.Store
	bus        bus.Bus
	analyzer   ImageryAnalyzer
	timeout    time.Duration
	staleAfter time.Duration
	tel        *telemetry.Telemetry
}

// NewDamageStage creates the damage-analysis stage handler. staleAfter is
// how old an in-progress report must be before a redelivered trigger treats
// it as orphaned; the bus lease duration is the natural value.
func NewDamageStage(store stores.Store, b bus.Bus, analyzer ImageryAnalyzer, timeout, staleAfter time.Duration, tel *telemetry.Telemetry) *DamageStage {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	return &DamageStage{
		store:      store,
		bus:        b,
		analyzer:   analyzer,
		timeout:    timeout,
		staleAfter: staleAfter,
		tel:        tel,
	}
}

// Handle processes one analysis trigger delivery.
func (s *DamageStage) Handle(ctx context.Context, d *bus.Delivery) error {
	requestID := d.Message.RequestID
	logger := s.tel.Logger.NewComponentLogger(StageAnalysis).WithRequestID(requestID).WithAttempt(d.Attempt)

	// Idempotency: a terminal report means an earlier delivery finished the
	// work. A complete report still owes the downstream trigger, since the
	// crash window between terminal write and publish is real.
	report, err := s.store.GetDamageReport(ctx, requestID)
	switch {
	case err == nil:
		if report.Status == pipeline.AnalysisStatusComplete {
			logger.Debug("Report already complete, ensuring planning trigger")
			return s.ensurePlanningTrigger(ctx, requestID)
		}
		if report.Status == pipeline.AnalysisStatusFailed {
			logger.Debug("Report already failed, dropping duplicate trigger")
			return nil
		}
		// An "analyzing" report means the claim winner is mid-flight;
		// re-running here would invoke the analyzer twice. Only a
		// record older than the lease is an orphan from a dead worker.
		if time.Since(report.UpdatedAt) < s.staleAfter {
			logger.Debug("Report is being analyzed elsewhere, dropping duplicate trigger")
			return nil
		}
		logger.Warn("Recovering orphaned analysis claim")
	case errors.Is(err, stores.ErrNotFound):
		// First delivery for this request id.
	default:
		return pipeline.NewTransientError("failed to read damage report", err).
			WithStage(StageAnalysis).WithRequest(requestID)
	}

	req, err := s.store.GetRequest(ctx, requestID)
	if errors.Is(err, stores.ErrNotFound) {
		// The trigger outran the request record. Redelivery gives the
		// record time to land.
		return pipeline.NewPreconditionError("request record not yet visible", err).
			WithStage(StageAnalysis).WithRequest(requestID)
	}
	if err != nil {
		return pipeline.NewTransientError("failed to read request", err).
			WithStage(StageAnalysis).WithRequest(requestID)
	}

	if report == nil {
		result, err := s.store.ClaimDamageReport(ctx, requestID)
		if err != nil {
			return pipeline.NewTransientError("failed to claim damage report", err).
				WithStage(StageAnalysis).WithRequest(requestID)
		}
		if result == stores.ClaimAlreadyHeld {
			s.tel.Metrics.RecordClaim(StageAnalysis, "lost")
			return s.settleLostClaim(ctx, requestID, logger)
		}
		s.tel.Metrics.RecordClaim(StageAnalysis, "acquired")

		if err := s.store.UpdateRequestStatus(ctx, requestID, pipeline.RequestStatusAnalyzing); err != nil {
			logger.WithError(err).Warn("Failed to mark request analyzing")
		}
	}

	logger.Info("Analyzing imagery")
	findings, err := s.invokeAnalyzer(ctx, req)
	if err != nil {
		// Shutdown or lease-context cancellation is not an analysis
		// verdict; redeliver instead of failing the record.
		if ctx.Err() != nil {
			return pipeline.NewTransientError("analysis interrupted", ctx.Err()).
				WithStage(StageAnalysis).WithRequest(requestID)
		}

		logger.WithError(err).Error("Analysis failed")
		if failErr := s.store.FailDamageReport(ctx, requestID, err.Error()); failErr != nil {
			// Another worker finalized the report first.
			logger.WithError(failErr).Debug("Report already finalized")
			return nil
		}
		if stErr := s.store.UpdateRequestStatus(ctx, requestID, pipeline.RequestStatusFailed); stErr != nil {
			logger.WithError(stErr).Warn("Failed to mark request failed")
		}
		return pipeline.NewExternalError("damage analysis failed", err).
			WithStage(StageAnalysis).WithRequest(requestID)
	}

	if err := s.store.CompleteDamageReport(ctx, requestID, findings); err != nil {
		// The guard refused the transition: a concurrent worker already
		// wrote the terminal state. Benign.
		logger.WithError(err).Debug("Report already finalized")
		return nil
	}
	logger.WithField("findings", len(findings)).Info("Analysis complete")

	if err := s.store.UpdateRequestStatus(ctx, requestID, pipeline.RequestStatusPlanning); err != nil {
		logger.WithError(err).Warn("Failed to mark request planning")
	}

	// A failed publish redelivers this trigger; the idempotent path above
	// then republishes without re-running the analysis.
	if err := s.ensurePlanningTrigger(ctx, requestID); err != nil {
		return err
	}
	return nil
}

// invokeAnalyzer runs the external function under the stage timeout.
func (s *DamageStage) invokeAnalyzer(ctx context.Context, req *pipeline.Request) ([]pipeline.Finding, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var findings []pipeline.Finding
	err := telemetry.RecordExternalCall(ctx, "analyze-imagery", req.RequestID, func(spanCtx context.Context) error {
		var callErr error
		findings, callErr = s.analyzer.Analyze(callCtx, req)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return findings, nil
}

// settleLostClaim decides what a lost claim race means: if the winner already
// completed, the downstream trigger still needs to exist; otherwise the
// winner owns the rest.
func (s *DamageStage) settleLostClaim(ctx context.Context, requestID string, logger *telemetry.Logger) error {
	report, err := s.store.GetDamageReport(ctx, requestID)
	if err != nil {
		logger.WithError(err).Debug("Lost claim race, report not readable")
		return nil
	}
	if report.Status == pipeline.AnalysisStatusComplete {
		return s.ensurePlanningTrigger(ctx, requestID)
	}
	logger.Debug("Lost claim race, another worker owns the analysis")
	return nil
}

// ensurePlanningTrigger publishes the logistics trigger unless the next stage
// already has a record or a queued trigger for the request id. The pending
// check and the publish are not atomic: concurrent repair can queue a
// duplicate trigger, which the planning stage's idempotency guard absorbs.
func (s *DamageStage) ensurePlanningTrigger(ctx context.Context, requestID string) error {
	if _, err := s.store.GetLogisticsPlan(ctx, requestID); err == nil {
		return nil
	} else if !errors.Is(err, stores.ErrNotFound) {
		return pipeline.NewTransientError("failed to check logistics plan", err).
			WithStage(StageAnalysis).WithRequest(requestID)
	}

	pending, err := s.bus.HasPending(ctx, pipeline.TopicLogisticsPlan, requestID)
	if err != nil {
		return pipeline.NewTransientError("failed to check pending triggers", err).
			WithStage(StageAnalysis).WithRequest(requestID)
	}
	if pending {
		return nil
	}

	msg := &pipeline.TriggerMessage{RequestID: requestID, PublishedAt: time.Now().UTC()}
	if err := s.bus.Publish(ctx, pipeline.TopicLogisticsPlan, msg); err != nil {
		return pipeline.NewTransientError("failed to publish planning trigger", err).
			WithStage(StageAnalysis).WithRequest(requestID)
	}
	s.tel.Metrics.RecordTriggerPublished(pipeline.TopicLogisticsPlan)
	return nil
}
