package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/reliefmesh/reliefmesh/pkg/bus"
	"github.com/reliefmesh/reliefmesh/pkg/pipeline"
	"github.com/reliefmesh/reliefmesh/pkg/policy"
	"github.com/reliefmesh/reliefmesh/pkg/stores"
	"github.com/reliefmesh/reliefmesh/pkg/telemetry"
)

// Router is the intake boundary. It validates and admits submissions, writes
// the Request record, and publishes the first-stage trigger. The record is
// durable before the trigger goes out; a failed publish is repaired by
// reconciliation, never by dropping the record.
type Router struct {
	store     stores.Store
	publisher bus.Publisher
	policies  *policy.Engine
	resolver  AOIResolver
	validate  *validator.Validate
	tel       *telemetry.Telemetry

	// publishRetries bounds immediate retries of the first-stage publish
	// before intake gives up and leaves the repair to reconciliation.
	publishRetries int
}

// RouterOptions configures a Router.
type RouterOptions struct {
	// Resolver is optional; without it requests carry no AOI.
	Resolver AOIResolver

	// PublishRetries defaults to 3.
	PublishRetries int
}

// NewRouter creates the intake router.
func NewRouter(store stores.Store, publisher bus.Publisher, policies *policy.Engine, tel *telemetry.Telemetry, opts RouterOptions) *Router {
	retries := opts.PublishRetries
	if retries <= 0 {
		retries = 3
	}
	return &Router{
		store:          store,
		publisher:      publisher,
		policies:       policies,
		resolver:       opts.Resolver,
		validate:       validator.New(),
		tel:            tel,
		publishRetries: retries,
	}
}

// Submit admits one submission. Validation and policy rejections return a
// validation-class error and leave no trace in the store.
func (r *Router) Submit(ctx context.Context, sub *pipeline.IntakeSubmission) (*pipeline.Request, error) {
	ctx, span := r.tel.Tracer.StartIntakeSpan(ctx, sub.Region)
	defer span.End()

	logger := r.tel.Logger.NewComponentLogger("intake")

	if err := r.validate.Struct(sub); err != nil {
		r.tel.Metrics.RecordRequestRejected("validation")
		r.tel.Metrics.RecordError(string(pipeline.ErrorClassValidation))
		return nil, pipeline.NewValidationError("submission failed validation", err).WithStage(StageIntake)
	}

	admission, err := r.policies.Evaluate(ctx, sub)
	if err != nil {
		return nil, pipeline.NewTransientError("admission policy evaluation failed", err).WithStage(StageIntake)
	}
	for _, w := range admission.Warnings {
		logger.WithField("policy", w.Policy).Warn(w.Message)
	}
	if !admission.Allowed {
		r.tel.Metrics.RecordRequestRejected("policy")
		r.tel.Metrics.RecordError(string(pipeline.ErrorClassValidation))
		return nil, pipeline.NewValidationError(
			fmt.Sprintf("submission rejected by policy: %s", strings.Join(admission.Reasons(), "; ")),
			nil,
		).WithStage(StageIntake)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, pipeline.NewTransientError("failed to generate request id", err).WithStage(StageIntake)
	}
	requestID := id.String()
	logger = logger.WithRequestID(requestID)

	var aoi string
	if r.resolver != nil {
		aoi, err = r.resolver.ResolveAOI(ctx, sub.Region)
		if err != nil {
			logger.WithError(err).Warn("AOI resolution failed, continuing without AOI")
			aoi = ""
		}
	}

	now := time.Now().UTC()
	req := &pipeline.Request{
		RequestID:        requestID,
		Region:           sub.Region,
		EventName:        sub.EventName,
		AOI:              aoi,
		PreEventImagery:  sub.PreEventImagery,
		PostEventImagery: sub.PostEventImagery,
		Status:           pipeline.RequestStatusSubmitted,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := r.store.CreateRequest(ctx, req); err != nil {
		r.tel.Metrics.RecordError(string(pipeline.ErrorClassTransient))
		return nil, pipeline.NewTransientError("failed to persist request", err).
			WithStage(StageIntake).WithRequest(requestID)
	}

	r.tel.Metrics.RecordRequestSubmitted(sub.Region)
	logger.WithField("region", sub.Region).Info("Request admitted")

	// The record is durable now; the trigger publish is best-effort with
	// bounded retries. Reconciliation republishes for any submitted request
	// left without a queued trigger.
	msg := &pipeline.TriggerMessage{RequestID: requestID, PublishedAt: now}
	if err := r.publishWithRetry(ctx, pipeline.TopicDamageAnalysis, msg); err != nil {
		logger.WithError(err).Error("Failed to publish analysis trigger; request awaits reconciliation")
	} else {
		r.tel.Metrics.RecordTriggerPublished(pipeline.TopicDamageAnalysis)
	}

	return req, nil
}

// publishWithRetry retries the publish a bounded number of times with a short
// linear backoff.
func (r *Router) publishWithRetry(ctx context.Context, topic string, msg *pipeline.TriggerMessage) error {
	var lastErr error
	for attempt := 1; attempt <= r.publishRetries; attempt++ {
		lastErr = r.publisher.Publish(ctx, topic, msg)
		if lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		}
	}
	return lastErr
}
