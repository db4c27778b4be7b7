package stores

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/reliefmesh/reliefmesh/pkg/pipeline"
)

// Collection names the three record collections visible to observers.
type Collection string

const (
	CollectionRequests Collection = "rescue_requests"
	CollectionReports  Collection = "damage_reports"
	CollectionPlans    Collection = "logistics_plans"
)

// Change is a single record mutation observed on a collection.
type Change struct {
	Collection Collection `json:"collection"`
	RequestID  string     `json:"request_id"`

	// Status is the record's status after the mutation, as stored.
	Status string `json:"status"`

	ObservedAt time.Time `json:"observed_at"`
}

// ClaimResult is the outcome of the conditional-create claim primitive.
type ClaimResult int

const (
	// ClaimAcquired means this caller created the placeholder record and
	// owns the stage execution for the key.
	ClaimAcquired ClaimResult = iota

	// ClaimAlreadyHeld means a record already exists for the key: another
	// worker owns it, or the stage already reached a terminal state. Either
	// way the caller must treat the trigger as a no-op.
	ClaimAlreadyHeld
)

// Store is the persistence boundary of the pipeline. All coordination between
// stages goes through it; there is no delete operation because the pipeline
// lifecycle is strictly append-then-terminal-update.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Request operations
	CreateRequest(ctx context.Context, req *pipeline.Request) error
	GetRequest(ctx context.Context, requestID string) (*pipeline.Request, error)
	UpdateRequestStatus(ctx context.Context, requestID string, status pipeline.RequestStatus) error
	ListRequests(ctx context.Context, status *pipeline.RequestStatus, limit, offset int) ([]*pipeline.Request, error)

	// DamageReport operations. ClaimDamageReport is the conditional create:
	// exactly one concurrent caller per request id observes ClaimAcquired.
	ClaimDamageReport(ctx context.Context, requestID string) (ClaimResult, error)
	GetDamageReport(ctx context.Context, requestID string) (*pipeline.DamageReport, error)
	CompleteDamageReport(ctx context.Context, requestID string, findings []pipeline.Finding) error
	FailDamageReport(ctx context.Context, requestID, reason string) error

	// LogisticsPlan operations, symmetric to the report operations.
	ClaimLogisticsPlan(ctx context.Context, requestID string) (ClaimResult, error)
	GetLogisticsPlan(ctx context.Context, requestID string) (*pipeline.LogisticsPlan, error)
	CompleteLogisticsPlan(ctx context.Context, requestID string, actions []pipeline.DeploymentAction) error
	FailLogisticsPlan(ctx context.Context, requestID, reason string) error

	// Operator reset: clears a failed stage record so the request id can be
	// reprocessed. Never called by pipeline code.
	ResetDamageReport(ctx context.Context, requestID string) error
	ResetLogisticsPlan(ctx context.Context, requestID string) error

	// Change subscription. Watch delivers in-process notifications for every
	// committed write; ListChangedSince serves cross-process observers that
	// poll with an updated_at cursor.
	Watch(ctx context.Context) (<-chan Change, func())
	ListChangedSince(ctx context.Context, since time.Time) ([]Change, error)

	// DB exposes the underlying handle so the trigger bus can share the
	// database file and its migration set.
	DB() *sql.DB
}

// ErrNotFound is returned by point reads when no record exists for the key.
// It is a sentinel, not a pipeline error class: absence is often an expected
// answer (idempotency checks, precondition probes).
var ErrNotFound = errors.New("stores: record not found")
