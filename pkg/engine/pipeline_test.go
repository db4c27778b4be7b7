package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/reliefmesh/reliefmesh/pkg/bus"
	"github.com/reliefmesh/reliefmesh/pkg/pipeline"
	"github.com/reliefmesh/reliefmesh/pkg/policy"
	"github.com/reliefmesh/reliefmesh/pkg/stores"
	"github.com/reliefmesh/reliefmesh/pkg/telemetry"
)

// stubAnalyzer counts invocations and returns fixed findings, or an injected
// error.
type stubAnalyzer struct {
	mu       sync.Mutex
	calls    int
	fail     error
	findings []pipeline.Finding
}

func (a *stubAnalyzer) Analyze(_ context.Context, _ *pipeline.Request) ([]pipeline.Finding, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.fail != nil {
		return nil, a.fail
	}
	return a.findings, nil
}

func (a *stubAnalyzer) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// stubPlanner mirrors stubAnalyzer for the planning function.
type stubPlanner struct {
	mu      sync.Mutex
	calls   int
	fail    error
	actions []pipeline.DeploymentAction
}

func (p *stubPlanner) GeneratePlan(_ context.Context, _ *pipeline.Request, _ *pipeline.DamageReport, _ *pipeline.InventorySnapshot) ([]pipeline.DeploymentAction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.fail != nil {
		return nil, p.fail
	}
	return p.actions, nil
}

func (p *stubPlanner) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type stubInventory struct{}

func (stubInventory) Snapshot(_ context.Context) (*pipeline.InventorySnapshot, error) {
	return &pipeline.InventorySnapshot{
		Stock:   map[string]int{"Meals": 1000, "Water Filters": 100},
		TakenAt: time.Now().UTC(),
	}, nil
}

type testEnv struct {
	store      stores.Store
	bus        *bus.SQLiteBus
	tel        *telemetry.Telemetry
	router     *Router
	damage     *DamageStage
	logistics  *LogisticsStage
	reconciler *Reconciler
	analyzer   *stubAnalyzer
	planner    *stubPlanner
}

func newTestEnv(t *testing.T) *testEnv {
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

	trigBus, err := bus.NewSQLiteBus(store.DB(), bus.Options{
		PollInterval:  10 * time.Millisecond,
		LeaseDuration: time.Minute,
		MaxAttempts:   5,
		BaseBackoff:   10 * time.Millisecond,
		MaxBackoff:    50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}

	policies, err := policy.NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create policy engine: %v", err)
	}

	cfg := telemetry.DefaultConfig()
	cfg.Metrics.Enabled = false
	cfg.Logging.Level = "error"
	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("failed to create telemetry: %v", err)
	}

	analyzer := &stubAnalyzer{findings: []pipeline.Finding{
		{Location: "sector 1", Category: "flooding", Confidence: 0.9},
	}}
	planner := &stubPlanner{actions: []pipeline.DeploymentAction{
		{Sequence: 1, ResourceType: "Meals", Quantity: 100, Destination: "sector 1", Priority: 1},
	}}

	return &testEnv{
		store:      store,
		bus:        trigBus,
		tel:        tel,
		router:     NewRouter(store, trigBus, policies, tel, RouterOptions{}),
		damage:     NewDamageStage(store, trigBus, analyzer, time.Minute, time.Minute, tel),
		logistics:  NewLogisticsStage(store, planner, stubInventory{}, time.Minute, time.Minute, tel),
		reconciler: NewReconciler(store, trigBus, tel, time.Nanosecond),
		analyzer:   analyzer,
		planner:    planner,
	}
}

func (e *testEnv) submit(t *testing.T) *pipeline.Request {
	t.Helper()
	req, err := e.router.Submit(context.Background(), &pipeline.IntakeSubmission{
		Region:           "Cebu Province, Philippines",
		EventName:        "Typhoon Kalmaegi",
		PostEventImagery: []string{"gs://imagery/cebu/post-01.tif"},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	return req
}

func delivery(topic, requestID string, attempt int) *bus.Delivery {
	return &bus.Delivery{
		ID:      1,
		Topic:   topic,
		Message: pipeline.TriggerMessage{RequestID: requestID, PublishedAt: time.Now().UTC()},
		Attempt: attempt,
	}
}

func analysisDelivery(requestID string) *bus.Delivery {
	return delivery(pipeline.TopicDamageAnalysis, requestID, 1)
}

func planningDelivery(requestID string) *bus.Delivery {
	return delivery(pipeline.TopicLogisticsPlan, requestID, 1)
}

func TestSubmitCreatesRecordAndTrigger(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req := env.submit(t)

	stored, err := env.store.GetRequest(ctx, req.RequestID)
	if err != nil {
		t.Fatalf("request not persisted: %v", err)
	}
	if stored.Status != pipeline.RequestStatusSubmitted {
		t.Errorf("status = %q, want submitted", stored.Status)
	}

	pending, err := env.bus.HasPending(ctx, pipeline.TopicDamageAnalysis, req.RequestID)
	if err != nil {
		t.Fatalf("HasPending failed: %v", err)
	}
	if !pending {
		t.Error("analysis trigger not queued after submit")
	}
}

func TestSubmitRejectsInvalidInput(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.router.Submit(ctx, &pipeline.IntakeSubmission{
		Region:    "Cebu Province, Philippines",
		EventName: "Typhoon Kalmaegi",
		// No post-event imagery.
	})
	if !pipeline.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}

	// A rejected submission leaves no trace.
	all, err := env.store.ListRequests(ctx, nil, 10, 0)
	if err != nil {
		t.Fatalf("ListRequests failed: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("rejected submission persisted %d records", len(all))
	}
}

func TestSubmitRejectsByPolicy(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.router.Submit(context.Background(), &pipeline.IntakeSubmission{
		Region:           "Cebu Province, Philippines",
		EventName:        "Typhoon Kalmaegi",
		PostEventImagery: []string{"ftp://imagery/cebu/post-01.tif"},
	})
	if !pipeline.IsValidation(err) {
		t.Fatalf("expected validation error for policy rejection, got %v", err)
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coordinator := NewCoordinator(env.bus, env.damage, env.logistics, env.tel)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = coordinator.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	req := env.submit(t)

	waitForStatus(t, env.store, req.RequestID, pipeline.RequestStatusCompleted)

	report, err := env.store.GetDamageReport(context.Background(), req.RequestID)
	if err != nil {
		t.Fatalf("GetDamageReport failed: %v", err)
	}
	if report.Status != pipeline.AnalysisStatusComplete || len(report.Findings) != 1 {
		t.Errorf("unexpected report: %+v", report)
	}

	plan, err := env.store.GetLogisticsPlan(context.Background(), req.RequestID)
	if err != nil {
		t.Fatalf("GetLogisticsPlan failed: %v", err)
	}
	if plan.Status != pipeline.PlanStatusComplete || len(plan.Actions) != 1 {
		t.Errorf("unexpected plan: %+v", plan)
	}

	if env.analyzer.callCount() != 1 {
		t.Errorf("analyzer ran %d times, want 1", env.analyzer.callCount())
	}
	if env.planner.callCount() != 1 {
		t.Errorf("planner ran %d times, want 1", env.planner.callCount())
	}
}

func TestDuplicateAnalysisTriggersRunOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	req := env.submit(t)

	if err := env.damage.Handle(ctx, analysisDelivery(req.RequestID)); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	// Redelivery of the same trigger is a no-op for the analysis itself.
	if err := env.damage.Handle(ctx, delivery(pipeline.TopicDamageAnalysis, req.RequestID, 2)); err != nil {
		t.Fatalf("duplicate delivery errored: %v", err)
	}

	if env.analyzer.callCount() != 1 {
		t.Errorf("analyzer ran %d times across duplicate deliveries, want 1", env.analyzer.callCount())
	}

	// Exactly one planning trigger exists despite the duplicate.
	depth, err := env.bus.Depth(ctx, pipeline.TopicLogisticsPlan)
	if err != nil {
		t.Fatalf("Depth failed: %v", err)
	}
	if depth != 1 {
		t.Errorf("planning queue depth = %d, want 1", depth)
	}
}

func TestPlanningTriggerBeforeReport(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	req := env.submit(t)

	// The planning trigger arrives before any analysis ran.
	err := env.logistics.Handle(ctx, planningDelivery(req.RequestID))
	if !pipeline.IsPrecondition(err) {
		t.Fatalf("expected precondition error, got %v", err)
	}

	// The premature trigger must not create a plan record.
	if _, err := env.store.GetLogisticsPlan(ctx, req.RequestID); !errors.Is(err, stores.ErrNotFound) {
		t.Fatalf("premature trigger left a plan record: %v", err)
	}

	// Analysis catches up; the redelivered trigger now succeeds.
	if err := env.damage.Handle(ctx, analysisDelivery(req.RequestID)); err != nil {
		t.Fatalf("analysis delivery failed: %v", err)
	}
	if err := env.logistics.Handle(ctx, delivery(pipeline.TopicLogisticsPlan, req.RequestID, 2)); err != nil {
		t.Fatalf("redelivered planning trigger failed: %v", err)
	}

	plan, err := env.store.GetLogisticsPlan(ctx, req.RequestID)
	if err != nil {
		t.Fatalf("GetLogisticsPlan failed: %v", err)
	}
	if plan.Status != pipeline.PlanStatusComplete {
		t.Errorf("plan status = %q, want complete", plan.Status)
	}
	if env.planner.callCount() != 1 {
		t.Errorf("planner ran %d times, want 1", env.planner.callCount())
	}
}

func TestAnalyzerFailureFailsRequest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	req := env.submit(t)
	env.analyzer.fail = errors.New("model crashed")

	err := env.damage.Handle(ctx, analysisDelivery(req.RequestID))
	if !pipeline.IsExternal(err) {
		t.Fatalf("expected external error, got %v", err)
	}

	report, err := env.store.GetDamageReport(ctx, req.RequestID)
	if err != nil {
		t.Fatalf("GetDamageReport failed: %v", err)
	}
	if report.Status != pipeline.AnalysisStatusFailed {
		t.Errorf("report status = %q, want failed", report.Status)
	}
	if report.Error == "" {
		t.Error("failure reason not recorded")
	}

	stored, err := env.store.GetRequest(ctx, req.RequestID)
	if err != nil {
		t.Fatalf("GetRequest failed: %v", err)
	}
	if stored.Status != pipeline.RequestStatusFailed {
		t.Errorf("request status = %q, want failed", stored.Status)
	}

	// A planning trigger against the failed report is dropped without
	// creating a plan record.
	if err := env.logistics.Handle(ctx, planningDelivery(req.RequestID)); err != nil {
		t.Fatalf("planning delivery against failed report errored: %v", err)
	}
	if _, err := env.store.GetLogisticsPlan(ctx, req.RequestID); !errors.Is(err, stores.ErrNotFound) {
		t.Errorf("failed analysis still produced a plan record: %v", err)
	}
}

func TestInFlightAnalysisNotRerun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	req := env.submit(t)

	// Another worker holds a fresh claim and is mid-analysis.
	if _, err := env.store.ClaimDamageReport(ctx, req.RequestID); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	if err := env.damage.Handle(ctx, delivery(pipeline.TopicDamageAnalysis, req.RequestID, 2)); err != nil {
		t.Fatalf("duplicate delivery errored: %v", err)
	}

	if env.analyzer.callCount() != 0 {
		t.Errorf("analyzer ran %d times while another worker held the claim, want 0", env.analyzer.callCount())
	}
	report, err := env.store.GetDamageReport(ctx, req.RequestID)
	if err != nil {
		t.Fatalf("GetDamageReport failed: %v", err)
	}
	if report.Status != pipeline.AnalysisStatusAnalyzing {
		t.Errorf("report status = %q, want analyzing", report.Status)
	}
}

func TestInFlightPlanningNotRerun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	req := env.submit(t)

	if _, err := env.store.ClaimDamageReport(ctx, req.RequestID); err != nil {
		t.Fatalf("claim report failed: %v", err)
	}
	if err := env.store.CompleteDamageReport(ctx, req.RequestID, []pipeline.Finding{
		{Location: "sector 1", Category: "flooding", Confidence: 0.9},
	}); err != nil {
		t.Fatalf("complete report failed: %v", err)
	}
	if _, err := env.store.ClaimLogisticsPlan(ctx, req.RequestID); err != nil {
		t.Fatalf("claim plan failed: %v", err)
	}

	if err := env.logistics.Handle(ctx, delivery(pipeline.TopicLogisticsPlan, req.RequestID, 2)); err != nil {
		t.Fatalf("duplicate delivery errored: %v", err)
	}

	if env.planner.callCount() != 0 {
		t.Errorf("planner ran %d times while another worker held the claim, want 0", env.planner.callCount())
	}
}

func TestOrphanedAnalysisClaimRecovered(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	req := env.submit(t)

	// A worker claimed the report and died before writing the terminal
	// state; the record has aged past the lease.
	if _, err := env.store.ClaimDamageReport(ctx, req.RequestID); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	backdate(t, env, "damage_reports", req.RequestID, 2*time.Minute)

	// The redelivered trigger re-runs the analysis on the orphaned claim.
	if err := env.damage.Handle(ctx, delivery(pipeline.TopicDamageAnalysis, req.RequestID, 2)); err != nil {
		t.Fatalf("recovery delivery failed: %v", err)
	}

	report, err := env.store.GetDamageReport(ctx, req.RequestID)
	if err != nil {
		t.Fatalf("GetDamageReport failed: %v", err)
	}
	if report.Status != pipeline.AnalysisStatusComplete {
		t.Errorf("report status = %q, want complete", report.Status)
	}
	if env.analyzer.callCount() != 1 {
		t.Errorf("analyzer ran %d times, want 1", env.analyzer.callCount())
	}
}

func TestCompleteReportRedeliveryRepairsLostTrigger(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	req := env.submit(t)

	if err := env.damage.Handle(ctx, analysisDelivery(req.RequestID)); err != nil {
		t.Fatalf("analysis delivery failed: %v", err)
	}

	// Simulate the crash window: the planning trigger vanished after the
	// report was completed.
	drainTopic(t, env, pipeline.TopicLogisticsPlan)

	// A redelivered analysis trigger republishes without re-running.
	if err := env.damage.Handle(ctx, delivery(pipeline.TopicDamageAnalysis, req.RequestID, 2)); err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}

	pending, err := env.bus.HasPending(ctx, pipeline.TopicLogisticsPlan, req.RequestID)
	if err != nil {
		t.Fatalf("HasPending failed: %v", err)
	}
	if !pending {
		t.Error("lost planning trigger was not republished")
	}
	if env.analyzer.callCount() != 1 {
		t.Errorf("analyzer ran %d times, want 1", env.analyzer.callCount())
	}
}

func TestReconcilerRepublishesLostAnalysisTrigger(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// A request record whose intake publish never made it out.
	now := time.Now().UTC().Add(-time.Minute)
	if err := env.store.CreateRequest(ctx, &pipeline.Request{
		RequestID:        "req-lost",
		Region:           "Cebu Province, Philippines",
		EventName:        "Typhoon Kalmaegi",
		PostEventImagery: []string{"gs://imagery/cebu/post-01.tif"},
		Status:           pipeline.RequestStatusSubmitted,
		CreatedAt:        now,
		UpdatedAt:        now,
	}); err != nil {
		t.Fatalf("CreateRequest failed: %v", err)
	}

	report, err := env.reconciler.Run(ctx)
	if err != nil {
		t.Fatalf("reconciliation failed: %v", err)
	}
	if len(report.AnalysisRepublished) != 1 || report.AnalysisRepublished[0] != "req-lost" {
		t.Fatalf("unexpected report: %+v", report)
	}

	pending, err := env.bus.HasPending(ctx, pipeline.TopicDamageAnalysis, "req-lost")
	if err != nil {
		t.Fatalf("HasPending failed: %v", err)
	}
	if !pending {
		t.Error("analysis trigger not republished")
	}

	// A second pass finds the trigger queued and does not duplicate it.
	report, err = env.reconciler.Run(ctx)
	if err != nil {
		t.Fatalf("second reconciliation failed: %v", err)
	}
	if len(report.AnalysisRepublished) != 0 {
		t.Errorf("second pass republished again: %+v", report)
	}
}

func TestReconcilerRepairsCompletedAnalysis(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	req := env.submit(t)

	if err := env.damage.Handle(ctx, analysisDelivery(req.RequestID)); err != nil {
		t.Fatalf("analysis delivery failed: %v", err)
	}
	// Both remaining triggers vanish before consumption.
	drainTopic(t, env, pipeline.TopicDamageAnalysis)
	drainTopic(t, env, pipeline.TopicLogisticsPlan)

	report, err := env.reconciler.Run(ctx)
	if err != nil {
		t.Fatalf("reconciliation failed: %v", err)
	}
	if len(report.PlanningRepublished) != 1 {
		t.Fatalf("planning trigger not republished: %+v", report)
	}

	// The republished trigger completes the pipeline.
	if err := env.logistics.Handle(ctx, planningDelivery(req.RequestID)); err != nil {
		t.Fatalf("planning delivery failed: %v", err)
	}
	stored, err := env.store.GetRequest(ctx, req.RequestID)
	if err != nil {
		t.Fatalf("GetRequest failed: %v", err)
	}
	if stored.Status != pipeline.RequestStatusCompleted {
		t.Errorf("request status = %q, want completed", stored.Status)
	}
}

func TestReconcilerRealignsFailedStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	req := env.submit(t)

	// The report failed but the request status write was lost.
	if _, err := env.store.ClaimDamageReport(ctx, req.RequestID); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if err := env.store.FailDamageReport(ctx, req.RequestID, "broken"); err != nil {
		t.Fatalf("FailDamageReport failed: %v", err)
	}
	if err := env.store.UpdateRequestStatus(ctx, req.RequestID, pipeline.RequestStatusAnalyzing); err != nil {
		t.Fatalf("UpdateRequestStatus failed: %v", err)
	}

	report, err := env.reconciler.Run(ctx)
	if err != nil {
		t.Fatalf("reconciliation failed: %v", err)
	}
	if len(report.StatusRepairs) != 1 {
		t.Fatalf("status not repaired: %+v", report)
	}

	stored, err := env.store.GetRequest(ctx, req.RequestID)
	if err != nil {
		t.Fatalf("GetRequest failed: %v", err)
	}
	if stored.Status != pipeline.RequestStatusFailed {
		t.Errorf("request status = %q, want failed", stored.Status)
	}
}

func TestReprocessFailedAnalysis(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	req := env.submit(t)
	env.analyzer.fail = errors.New("model crashed")

	if err := env.damage.Handle(ctx, analysisDelivery(req.RequestID)); err == nil {
		t.Fatal("expected analysis to fail")
	}

	// Operator fixes the analyzer and reprocesses.
	env.analyzer.fail = nil
	if err := env.reconciler.Reprocess(ctx, req.RequestID); err != nil {
		t.Fatalf("Reprocess failed: %v", err)
	}

	stored, err := env.store.GetRequest(ctx, req.RequestID)
	if err != nil {
		t.Fatalf("GetRequest failed: %v", err)
	}
	if stored.Status != pipeline.RequestStatusSubmitted {
		t.Errorf("request status = %q, want submitted", stored.Status)
	}
	if _, err := env.store.GetDamageReport(ctx, req.RequestID); !errors.Is(err, stores.ErrNotFound) {
		t.Errorf("failed report not cleared: %v", err)
	}
	pending, err := env.bus.HasPending(ctx, pipeline.TopicDamageAnalysis, req.RequestID)
	if err != nil {
		t.Fatalf("HasPending failed: %v", err)
	}
	if !pending {
		t.Error("analysis trigger not republished")
	}

	// The re-run completes normally.
	if err := env.damage.Handle(ctx, analysisDelivery(req.RequestID)); err != nil {
		t.Fatalf("re-run failed: %v", err)
	}
	dmg, err := env.store.GetDamageReport(ctx, req.RequestID)
	if err != nil {
		t.Fatalf("GetDamageReport failed: %v", err)
	}
	if dmg.Status != pipeline.AnalysisStatusComplete {
		t.Errorf("re-run report status = %q, want complete", dmg.Status)
	}
}

func TestReprocessRefusesNonFailedRequest(t *testing.T) {
	env := newTestEnv(t)
	req := env.submit(t)

	if err := env.reconciler.Reprocess(context.Background(), req.RequestID); err == nil {
		t.Error("reprocess of a non-failed request must be refused")
	}
}

func TestBuildRequestView(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	req := env.submit(t)

	view, err := BuildRequestView(ctx, env.store, req.RequestID)
	if err != nil {
		t.Fatalf("BuildRequestView failed: %v", err)
	}
	if view.Request == nil || view.Report != nil || view.Plan != nil {
		t.Errorf("fresh view wrong: %+v", view)
	}

	if err := env.damage.Handle(ctx, analysisDelivery(req.RequestID)); err != nil {
		t.Fatalf("analysis delivery failed: %v", err)
	}
	view, err = BuildRequestView(ctx, env.store, req.RequestID)
	if err != nil {
		t.Fatalf("BuildRequestView failed: %v", err)
	}
	if view.Report == nil || view.Report.Status != pipeline.AnalysisStatusComplete {
		t.Errorf("view missing completed report: %+v", view)
	}

	if _, err := BuildRequestView(ctx, env.store, "absent"); !errors.Is(err, stores.ErrNotFound) {
		t.Errorf("missing request should surface ErrNotFound, got %v", err)
	}
}

// drainTopic deletes queued triggers to simulate a lost publish or a crash
// between the record write and trigger consumption.
func backdate(t *testing.T, env *testEnv, table, requestID string, age time.Duration) {
	t.Helper()
	past := time.Now().UTC().Add(-age)
	if _, err := env.store.DB().Exec(
		`UPDATE `+table+` SET updated_at = ? WHERE request_id = ?`, past, requestID); err != nil {
		t.Fatalf("failed to backdate %s: %v", table, err)
	}
}

func drainTopic(t *testing.T, env *testEnv, topic string) {
	t.Helper()
	if _, err := env.store.DB().Exec(`DELETE FROM triggers WHERE topic = ?`, topic); err != nil {
		t.Fatalf("failed to drain topic: %v", err)
	}
}

func waitForStatus(t *testing.T, store stores.Store, requestID string, want pipeline.RequestStatus) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		req, err := store.GetRequest(context.Background(), requestID)
		if err == nil && req.Status == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	req, err := store.GetRequest(context.Background(), requestID)
	t.Fatalf("request never reached %q; last: %+v, err: %v", want, req, err)
}
