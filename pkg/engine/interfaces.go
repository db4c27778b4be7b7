package engine

import (
	"context"

	"github.com/reliefmesh/reliefmesh/pkg/pipeline"
)

// Stage names used in logs, metrics, and error context.
const (
	StageIntake    = "intake"
	StageAnalysis  = "damage-analysis"
	StagePlanning  = "logistics-planning"
	StageReconcile = "reconcile"
)

// ImageryAnalyzer is the external damage-analysis function. Implementations
// must treat calls as at-least-once: the pipeline may invoke it again for a
// request id whose earlier invocation was cut short.
type ImageryAnalyzer interface {
	// Analyze inspects the request's imagery and returns structured damage
	// findings. The context carries the stage deadline.
	Analyze(ctx context.Context, req *pipeline.Request) ([]pipeline.Finding, error)
}

// PlanGenerator is the external logistics-planning function.
type PlanGenerator interface {
	// GeneratePlan produces an ordered deployment sequence from the damage
	// findings and the current inventory snapshot.
	GeneratePlan(ctx context.Context, req *pipeline.Request, report *pipeline.DamageReport, inv *pipeline.InventorySnapshot) ([]pipeline.DeploymentAction, error)
}

// InventorySource supplies point-in-time views of available relief resources.
type InventorySource interface {
	Snapshot(ctx context.Context) (*pipeline.InventorySnapshot, error)
}

// AOIResolver maps a region name to an area-of-interest descriptor at intake
// time. Resolution failures are non-fatal; the request proceeds without an
// AOI and the analysis function falls back to the imagery footprint.
type AOIResolver interface {
	ResolveAOI(ctx context.Context, region string) (string, error)
}
