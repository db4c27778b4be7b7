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

// LogisticsStage consumes planning triggers: it verifies the damage report is
// complete, claims the logistics plan, and invokes the plan generator. The
// precondition check runs before the claim, so a premature trigger leaves no
// placeholder behind; bounded redelivery gives the report time to complete.
type LogisticsStage struct {
	store      stores.Store
	generator  PlanGenerator
	inventory  InventorySource
	timeout    time.Duration
	staleAfter time.Duration
	tel        *telemetry.Telemetry
}

// NewLogisticsStage creates the logistics-planning stage handler. staleAfter
// has the same meaning as in NewDamageStage.
func NewLogisticsStage(store stores.Store, generator PlanGenerator, inventory InventorySource, timeout, staleAfter time.Duration, tel *telemetry.Telemetry) *LogisticsStage {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	return &LogisticsStage{
		store:      store,
		generator:  generator,
		inventory:  inventory,
		timeout:    timeout,
		staleAfter: staleAfter,
		tel:        tel,
	}
}

// Handle processes one planning trigger delivery.
func (s *LogisticsStage) Handle(ctx context.Context, d *bus.Delivery) error {
	requestID := d.Message.RequestID
	logger := s.tel.Logger.NewComponentLogger(StagePlanning).WithRequestID(requestID).WithAttempt(d.Attempt)

	// Idempotency: a terminal plan means the work is done.
	plan, err := s.store.GetLogisticsPlan(ctx, requestID)
	switch {
	case err == nil:
		if plan.Status.IsTerminal() {
			logger.Debug("Plan already terminal, dropping duplicate trigger")
			return nil
		}
		// A "planning" placeholder means the claim winner is mid-flight;
		// only a record older than the lease is an orphan worth rerunning.
		if time.Since(plan.UpdatedAt) < s.staleAfter {
			logger.Debug("Plan is being generated elsewhere, dropping duplicate trigger")
			return nil
		}
		logger.Warn("Recovering orphaned planning claim")
	case errors.Is(err, stores.ErrNotFound):
		// Normal path.
	default:
		return pipeline.NewTransientError("failed to read logistics plan", err).
			WithStage(StagePlanning).WithRequest(requestID)
	}

	// Precondition: the damage report must be complete. This runs before the
	// claim so a premature or misrouted trigger never creates a plan record.
	report, err := s.store.GetDamageReport(ctx, requestID)
	if errors.Is(err, stores.ErrNotFound) {
		return pipeline.NewPreconditionError("damage report does not exist", err).
			WithStage(StagePlanning).WithRequest(requestID)
	}
	if err != nil {
		return pipeline.NewTransientError("failed to read damage report", err).
			WithStage(StagePlanning).WithRequest(requestID)
	}
	switch report.Status {
	case pipeline.AnalysisStatusComplete:
		// Proceed.
	case pipeline.AnalysisStatusAnalyzing:
		return pipeline.NewPreconditionError("damage report is not complete", nil).
			WithStage(StagePlanning).WithRequest(requestID)
	case pipeline.AnalysisStatusFailed:
		// Nothing to plan from; the request already carries the failure.
		logger.Debug("Damage report failed, dropping planning trigger")
		return nil
	}

	req, err := s.store.GetRequest(ctx, requestID)
	if errors.Is(err, stores.ErrNotFound) {
		return pipeline.NewPreconditionError("request record not yet visible", err).
			WithStage(StagePlanning).WithRequest(requestID)
	}
	if err != nil {
		return pipeline.NewTransientError("failed to read request", err).
			WithStage(StagePlanning).WithRequest(requestID)
	}

	if plan == nil {
		result, err := s.store.ClaimLogisticsPlan(ctx, requestID)
		if err != nil {
			return pipeline.NewTransientError("failed to claim logistics plan", err).
				WithStage(StagePlanning).WithRequest(requestID)
		}
		if result == stores.ClaimAlreadyHeld {
			s.tel.Metrics.RecordClaim(StagePlanning, "lost")
			logger.Debug("Lost claim race, another worker owns the planning")
			return nil
		}
		s.tel.Metrics.RecordClaim(StagePlanning, "acquired")
	}

	inv, err := s.inventory.Snapshot(ctx)
	if err != nil {
		return pipeline.NewTransientError("failed to read inventory", err).
			WithStage(StagePlanning).WithRequest(requestID)
	}

	logger.WithField("resource_types", len(inv.Stock)).Info("Generating logistics plan")
	actions, err := s.invokeGenerator(ctx, req, report, inv)
	if err != nil {
		if ctx.Err() != nil {
			return pipeline.NewTransientError("planning interrupted", ctx.Err()).
				WithStage(StagePlanning).WithRequest(requestID)
		}

		logger.WithError(err).Error("Plan generation failed")
		if failErr := s.store.FailLogisticsPlan(ctx, requestID, err.Error()); failErr != nil {
			logger.WithError(failErr).Debug("Plan already finalized")
			return nil
		}
		if stErr := s.store.UpdateRequestStatus(ctx, requestID, pipeline.RequestStatusFailed); stErr != nil {
			logger.WithError(stErr).Warn("Failed to mark request failed")
		}
		return pipeline.NewExternalError("logistics planning failed", err).
			WithStage(StagePlanning).WithRequest(requestID)
	}

	if err := s.store.CompleteLogisticsPlan(ctx, requestID, actions); err != nil {
		logger.WithError(err).Debug("Plan already finalized")
		return nil
	}
	logger.WithField("actions", len(actions)).Info("Logistics plan complete")

	if err := s.store.UpdateRequestStatus(ctx, requestID, pipeline.RequestStatusCompleted); err != nil {
		logger.WithError(err).Warn("Failed to mark request completed")
	}
	return nil
}

// invokeGenerator runs the external function under the stage timeout.
func (s *LogisticsStage) invokeGenerator(ctx context.Context, req *pipeline.Request, report *pipeline.DamageReport, inv *pipeline.InventorySnapshot) ([]pipeline.DeploymentAction, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var actions []pipeline.DeploymentAction
	err := telemetry.RecordExternalCall(ctx, "generate-plan", req.RequestID, func(spanCtx context.Context) error {
		var callErr error
		actions, callErr = s.generator.GeneratePlan(callCtx, req, report, inv)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return actions, nil
}
