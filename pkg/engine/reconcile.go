package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/reliefmesh/reliefmesh/pkg/bus"
	"github.com/reliefmesh/reliefmesh/pkg/pipeline"
	"github.com/reliefmesh/reliefmesh/pkg/stores"
	"github.com/reliefmesh/reliefmesh/pkg/telemetry"
)

// Reconciler repairs the gaps the pipeline's crash windows can leave behind:
// requests whose trigger publish failed, terminal reports whose request
// status write was lost, and completed analyses waiting on a planning
// trigger that never made it out.
type Reconciler struct {
	store stores.Store
	bus   bus.Bus
	tel   *telemetry.Telemetry

	// minAge protects in-flight work: a record younger than this is assumed
	// to still be moving on its own.
	minAge time.Duration
}

// NewReconciler creates a reconciler. minAge <= 0 defaults to one minute.
func NewReconciler(store stores.Store, b bus.Bus, tel *telemetry.Telemetry, minAge time.Duration) *Reconciler {
	if minAge <= 0 {
		minAge = time.Minute
	}
	return &Reconciler{store: store, bus: b, tel: tel, minAge: minAge}
}

// Report summarizes one reconciliation pass.
type Report struct {
	// AnalysisRepublished lists request ids whose analysis trigger was
	// republished.
	AnalysisRepublished []string `json:"analysis_republished,omitempty"`

	// PlanningRepublished lists request ids whose planning trigger was
	// republished.
	PlanningRepublished []string `json:"planning_republished,omitempty"`

	// StatusRepairs lists request ids whose request status was realigned
	// with its stage records.
	StatusRepairs []string `json:"status_repairs,omitempty"`

	// Examined is the number of requests inspected.
	Examined int `json:"examined"`
}

// Run performs one reconciliation pass over all non-terminal requests.
func (r *Reconciler) Run(ctx context.Context) (*Report, error) {
	logger := r.tel.Logger.NewComponentLogger(StageReconcile)
	report := &Report{}
	cutoff := time.Now().Add(-r.minAge)

	for _, status := range []pipeline.RequestStatus{
		pipeline.RequestStatusSubmitted,
		pipeline.RequestStatusAnalyzing,
		pipeline.RequestStatusPlanning,
	} {
		status := status
		requests, err := r.store.ListRequests(ctx, &status, 1000, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s requests: %w", status, err)
		}

		for _, req := range requests {
			if req.UpdatedAt.After(cutoff) {
				continue
			}
			report.Examined++
			if err := r.reconcileRequest(ctx, req, report, logger); err != nil {
				logger.WithRequestID(req.RequestID).WithError(err).Error("Reconciliation failed for request")
			}
		}
	}

	logger.WithFields(map[string]interface{}{
		"examined":             report.Examined,
		"analysis_republished": len(report.AnalysisRepublished),
		"planning_republished": len(report.PlanningRepublished),
		"status_repairs":       len(report.StatusRepairs),
	}).Info("Reconciliation pass complete")

	return report, nil
}

// reconcileRequest realigns a single stalled request with its stage records.
func (r *Reconciler) reconcileRequest(ctx context.Context, req *pipeline.Request, report *Report, logger *telemetry.Logger) error {
	dmg, err := r.store.GetDamageReport(ctx, req.RequestID)
	if err != nil && !errors.Is(err, stores.ErrNotFound) {
		return err
	}

	// No report yet: the analysis trigger must exist or be republished.
	if dmg == nil {
		republished, err := r.ensureTrigger(ctx, pipeline.TopicDamageAnalysis, req.RequestID)
		if err != nil {
			return err
		}
		if republished {
			logger.WithRequestID(req.RequestID).Info("Republished analysis trigger")
			report.AnalysisRepublished = append(report.AnalysisRepublished, req.RequestID)
		}
		return nil
	}

	switch dmg.Status {
	case pipeline.AnalysisStatusAnalyzing:
		// A stale analyzing report with no queued trigger is a worker that
		// died mid-claim; redelivery recovers it.
		if dmg.UpdatedAt.After(time.Now().Add(-r.minAge)) {
			return nil
		}
		republished, err := r.ensureTrigger(ctx, pipeline.TopicDamageAnalysis, req.RequestID)
		if err != nil {
			return err
		}
		if republished {
			logger.WithRequestID(req.RequestID).Info("Republished analysis trigger for orphaned claim")
			report.AnalysisRepublished = append(report.AnalysisRepublished, req.RequestID)
		}
		return nil

	case pipeline.AnalysisStatusFailed:
		if req.Status != pipeline.RequestStatusFailed {
			if err := r.store.UpdateRequestStatus(ctx, req.RequestID, pipeline.RequestStatusFailed); err != nil {
				return err
			}
			report.StatusRepairs = append(report.StatusRepairs, req.RequestID)
		}
		return nil
	}

	// Report complete from here on.
	plan, err := r.store.GetLogisticsPlan(ctx, req.RequestID)
	if err != nil && !errors.Is(err, stores.ErrNotFound) {
		return err
	}

	if plan == nil || plan.Status == pipeline.PlanStatusPlanning {
		if req.Status != pipeline.RequestStatusPlanning {
			if err := r.store.UpdateRequestStatus(ctx, req.RequestID, pipeline.RequestStatusPlanning); err != nil {
				return err
			}
			report.StatusRepairs = append(report.StatusRepairs, req.RequestID)
		}
		republished, err := r.ensureTrigger(ctx, pipeline.TopicLogisticsPlan, req.RequestID)
		if err != nil {
			return err
		}
		if republished {
			logger.WithRequestID(req.RequestID).Info("Republished planning trigger")
			report.PlanningRepublished = append(report.PlanningRepublished, req.RequestID)
		}
		return nil
	}

	// Plan terminal: realign the request status if the final write was lost.
	want := pipeline.RequestStatusCompleted
	if plan.Status == pipeline.PlanStatusFailed {
		want = pipeline.RequestStatusFailed
	}
	if req.Status != want {
		if err := r.store.UpdateRequestStatus(ctx, req.RequestID, want); err != nil {
			return err
		}
		report.StatusRepairs = append(report.StatusRepairs, req.RequestID)
	}
	return nil
}

// ensureTrigger publishes a trigger unless one is already queued. The check
// and the publish are not atomic: a concurrent repair can queue a duplicate
// trigger, which the consuming stage's idempotency guard absorbs.
func (r *Reconciler) ensureTrigger(ctx context.Context, topic, requestID string) (bool, error) {
	pending, err := r.bus.HasPending(ctx, topic, requestID)
	if err != nil {
		return false, err
	}
	if pending {
		return false, nil
	}

	msg := &pipeline.TriggerMessage{RequestID: requestID, PublishedAt: time.Now().UTC()}
	if err := r.bus.Publish(ctx, topic, msg); err != nil {
		return false, err
	}
	r.tel.Metrics.RecordTriggerPublished(topic)
	return true, nil
}

// Reprocess resets a failed stage record for the request id and republishes
// the trigger that drives it. Only failed records can be reset; everything
// else is refused so reprocessing can never disturb work in flight.
func (r *Reconciler) Reprocess(ctx context.Context, requestID string) error {
	logger := r.tel.Logger.NewComponentLogger(StageReconcile).WithRequestID(requestID)

	req, err := r.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status != pipeline.RequestStatusFailed {
		return fmt.Errorf("request %s is %q, only failed requests can be reprocessed", requestID, req.Status)
	}

	// A failed plan resets back to the planning stage; a failed report
	// resets the whole request. Plan rows reference report rows, so the
	// plan reset must come first either way.
	plan, err := r.store.GetLogisticsPlan(ctx, requestID)
	if err != nil && !errors.Is(err, stores.ErrNotFound) {
		return err
	}
	if plan != nil && plan.Status == pipeline.PlanStatusFailed {
		if err := r.store.ResetLogisticsPlan(ctx, requestID); err != nil {
			return err
		}
		if err := r.store.UpdateRequestStatus(ctx, requestID, pipeline.RequestStatusPlanning); err != nil {
			return err
		}
		if _, err := r.ensureTrigger(ctx, pipeline.TopicLogisticsPlan, requestID); err != nil {
			return err
		}
		logger.Info("Failed plan reset, planning trigger republished")
		return nil
	}

	dmg, err := r.store.GetDamageReport(ctx, requestID)
	if err != nil && !errors.Is(err, stores.ErrNotFound) {
		return err
	}
	if dmg != nil && dmg.Status == pipeline.AnalysisStatusFailed {
		if err := r.store.ResetDamageReport(ctx, requestID); err != nil {
			return err
		}
		if err := r.store.UpdateRequestStatus(ctx, requestID, pipeline.RequestStatusSubmitted); err != nil {
			return err
		}
		if _, err := r.ensureTrigger(ctx, pipeline.TopicDamageAnalysis, requestID); err != nil {
			return err
		}
		logger.Info("Failed report reset, analysis trigger republished")
		return nil
	}

	return fmt.Errorf("request %s has no failed stage record to reset", requestID)
}
