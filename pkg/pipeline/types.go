// Package pipeline defines the domain records, status machines, and trigger
// message types shared by every stage of the ReliefMesh coordinator:
// intake -> damage analysis -> logistics planning.
package pipeline

import (
	"time"
)

// RequestStatus tracks the overall progress of a rescue request through the
// pipeline. Downstream stages mutate only this field on the Request record.
type RequestStatus string

const (
	RequestStatusSubmitted RequestStatus = "submitted"
	RequestStatusAnalyzing RequestStatus = "analyzing"
	RequestStatusPlanning  RequestStatus = "planning"
	RequestStatusCompleted RequestStatus = "completed"
	RequestStatusFailed    RequestStatus = "failed"
)

// AnalysisStatus is the per-report state machine of the damage stage:
// the placeholder claim is written as "analyzing" and transitions exactly
// once to "complete" or "failed".
type AnalysisStatus string

const (
	AnalysisStatusAnalyzing AnalysisStatus = "analyzing"
	AnalysisStatusComplete  AnalysisStatus = "complete"
	AnalysisStatusFailed    AnalysisStatus = "failed"
)

// IsTerminal reports whether the analysis reached a final state.
func (s AnalysisStatus) IsTerminal() bool {
	return s == AnalysisStatusComplete || s == AnalysisStatusFailed
}

// PlanStatus is the per-plan state machine of the logistics stage.
type PlanStatus string

const (
	PlanStatusPlanning PlanStatus = "planning"
	PlanStatusComplete PlanStatus = "complete"
	PlanStatusFailed   PlanStatus = "failed"
)

// IsTerminal reports whether planning reached a final state.
func (s PlanStatus) IsTerminal() bool {
	return s == PlanStatusComplete || s == PlanStatusFailed
}

// Request is the initial unit of work submitted for a disaster area.
// It is created exactly once by the intake router and never deleted.
type Request struct {
	RequestID string `json:"request_id"`

	// Region is the human-readable target area (e.g. "Cebu Province, Philippines").
	Region string `json:"region"`

	// EventName names the disaster event (e.g. "Typhoon Kalmaegi").
	EventName string `json:"event_name"`

	// AOI is an opaque area-of-interest descriptor (GeoJSON or similar)
	// resolved at intake time.
	AOI string `json:"aoi,omitempty"`

	// PreEventImagery and PostEventImagery hold references (URIs) to the
	// imagery consumed by the analysis function. The pipeline never
	// dereferences them itself.
	PreEventImagery  []string `json:"pre_event_imagery"`
	PostEventImagery []string `json:"post_event_imagery"`

	Status    RequestStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Finding is a single detected damage observation.
type Finding struct {
	// Location is a point or region descriptor (lat/lon pair or named place).
	Location string `json:"location"`

	// Category classifies the damage (e.g. "flooding", "road_cut",
	// "building_collapse").
	Category string `json:"category"`

	// Confidence is the classifier confidence in [0,1].
	Confidence float64 `json:"confidence"`

	// Summary is an optional free-text note attached by the analysis function.
	Summary string `json:"summary,omitempty"`
}

// DamageReport holds the structured findings produced by analyzing imagery
// for a Request. There is at most one per request_id; the "analyzing"
// placeholder write doubles as the stage claim.
type DamageReport struct {
	RequestID string         `json:"request_id"`
	Findings  []Finding      `json:"findings,omitempty"`
	Status    AnalysisStatus `json:"analysis_status"`

	// Error carries a failure summary when Status is "failed".
	Error string `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// DeploymentAction is a single ordered step of a logistics plan.
type DeploymentAction struct {
	// Sequence orders actions within a plan, starting at 1.
	Sequence int `json:"sequence"`

	ResourceType string `json:"resource_type"`
	Quantity     int    `json:"quantity"`

	// Destination names the relief zone or staging point.
	Destination string `json:"destination"`

	// Priority ranks the action; lower is more urgent.
	Priority int `json:"priority"`
}

// LogisticsPlan is the ordered resource-deployment sequence produced from a
// complete DamageReport. At most one exists per request_id.
type LogisticsPlan struct {
	RequestID string             `json:"request_id"`
	Actions   []DeploymentAction `json:"actions,omitempty"`
	Status    PlanStatus         `json:"plan_status"`
	Error     string             `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// InventorySnapshot is a point-in-time view of available relief resources,
// fed to the plan-generation function alongside the damage findings.
type InventorySnapshot struct {
	// Stock maps resource type to available quantity.
	Stock map[string]int `json:"stock"`

	// TakenAt is when the snapshot was read from the inventory source.
	TakenAt time.Time `json:"taken_at"`
}

// Trigger topics. Messages for distinct request ids are independent; the bus
// guarantees at-least-once delivery with no ordering.
const (
	TopicDamageAnalysis = "damage-analysis-trigger"
	TopicLogisticsPlan  = "logistics-plan-trigger"
)

// TriggerMessage advances the pipeline to the next stage. The request id is
// the only routing information a stage needs; everything else is read from
// the state store.
type TriggerMessage struct {
	RequestID   string    `json:"request_id"`
	PublishedAt time.Time `json:"published_at"`
}

// IntakeSubmission is the payload accepted at the intake boundary.
type IntakeSubmission struct {
	Region           string   `json:"region" validate:"required,min=2"`
	EventName        string   `json:"event_name" validate:"required,min=2"`
	PreEventImagery  []string `json:"pre_event_imagery" validate:"omitempty,dive,uri"`
	PostEventImagery []string `json:"post_event_imagery" validate:"required,min=1,dive,uri"`
}
