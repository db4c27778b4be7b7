package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/reliefmesh/reliefmesh/pkg/pipeline"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite. A single file
// holds the three record collections plus the trigger queue tables, so one
// transaction boundary covers everything a node persists.
type SQLiteStore struct {
	db      *sql.DB
	path    string
	changes *changeHub
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	return &SQLiteStore{
		path:    cfg.Path,
		changes: newChangeHub(),
	}, nil
}

// Init initializes the database connection and enables WAL mode. The
// _pragma DSN parameters apply to every pooled connection, which matters
// for busy_timeout and foreign_keys: both are connection-level settings.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.changes.close()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// DB exposes the underlying database handle for the trigger bus.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// CreateRequest writes the initial Request record. The request id must be
// fresh; a duplicate id is a caller bug, not a claim race.
func (s *SQLiteStore) CreateRequest(ctx context.Context, req *pipeline.Request) error {
	pre, err := json.Marshal(req.PreEventImagery)
	if err != nil {
		return fmt.Errorf("failed to encode pre-event imagery: %w", err)
	}
	post, err := json.Marshal(req.PostEventImagery)
	if err != nil {
		return fmt.Errorf("failed to encode post-event imagery: %w", err)
	}

	query := `
		INSERT INTO rescue_requests (request_id, region, event_name, aoi, pre_event_imagery, post_event_imagery, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		req.RequestID,
		req.Region,
		req.EventName,
		req.AOI,
		string(pre),
		string(post),
		req.Status,
		req.CreatedAt.UTC(),
		req.UpdatedAt.UTC(),
	)

	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	s.changes.publish(Change{
		Collection: CollectionRequests,
		RequestID:  req.RequestID,
		Status:     string(req.Status),
		ObservedAt: time.Now(),
	})
	return nil
}

// GetRequest retrieves a request by id.
func (s *SQLiteStore) GetRequest(ctx context.Context, requestID string) (*pipeline.Request, error) {
	query := `
		SELECT request_id, region, event_name, aoi, pre_event_imagery, post_event_imagery, status, created_at, updated_at
		FROM rescue_requests
		WHERE request_id = ?
	`

	req := &pipeline.Request{}
	var pre, post string
	err := s.db.QueryRowContext(ctx, query, requestID).Scan(
		&req.RequestID,
		&req.Region,
		&req.EventName,
		&req.AOI,
		&pre,
		&post,
		&req.Status,
		&req.CreatedAt,
		&req.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("request %s: %w", requestID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}

	if err := json.Unmarshal([]byte(pre), &req.PreEventImagery); err != nil {
		return nil, fmt.Errorf("failed to decode pre-event imagery: %w", err)
	}
	if err := json.Unmarshal([]byte(post), &req.PostEventImagery); err != nil {
		return nil, fmt.Errorf("failed to decode post-event imagery: %w", err)
	}

	return req, nil
}

// UpdateRequestStatus updates the status field of a request. Status is the
// only field downstream stages may touch on a Request.
func (s *SQLiteStore) UpdateRequestStatus(ctx context.Context, requestID string, status pipeline.RequestStatus) error {
	query := `
		UPDATE rescue_requests
		SET status = ?, updated_at = ?
		WHERE request_id = ?
	`

	result, err := s.db.ExecContext(ctx, query, status, time.Now().UTC(), requestID)
	if err != nil {
		return fmt.Errorf("failed to update request status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("request %s: %w", requestID, ErrNotFound)
	}

	s.changes.publish(Change{
		Collection: CollectionRequests,
		RequestID:  requestID,
		Status:     string(status),
		ObservedAt: time.Now(),
	})
	return nil
}

// ListRequests lists requests, optionally filtered by status, newest first.
func (s *SQLiteStore) ListRequests(ctx context.Context, status *pipeline.RequestStatus, limit, offset int) ([]*pipeline.Request, error) {
	query := `
		SELECT request_id, region, event_name, aoi, pre_event_imagery, post_event_imagery, status, created_at, updated_at
		FROM rescue_requests
		WHERE (? IS NULL OR status = ?)
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, status, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	defer rows.Close()

	requests := []*pipeline.Request{}
	for rows.Next() {
		req := &pipeline.Request{}
		var pre, post string
		err := rows.Scan(
			&req.RequestID,
			&req.Region,
			&req.EventName,
			&req.AOI,
			&pre,
			&post,
			&req.Status,
			&req.CreatedAt,
			&req.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		if err := json.Unmarshal([]byte(pre), &req.PreEventImagery); err != nil {
			return nil, fmt.Errorf("failed to decode pre-event imagery: %w", err)
		}
		if err := json.Unmarshal([]byte(post), &req.PostEventImagery); err != nil {
			return nil, fmt.Errorf("failed to decode post-event imagery: %w", err)
		}
		requests = append(requests, req)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating requests: %w", err)
	}

	return requests, nil
}

// claimRow is the shared conditional-create primitive. INSERT OR IGNORE on a
// primary-keyed table is atomic in SQLite: exactly one concurrent caller per
// key inserts a row, everyone else sees zero rows affected.
func (s *SQLiteStore) claimRow(ctx context.Context, table string, requestID string, status string) (ClaimResult, error) {
	now := time.Now().UTC()
	query := fmt.Sprintf(`
		INSERT OR IGNORE INTO %s (request_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?)
	`, table)

	result, err := s.db.ExecContext(ctx, query, requestID, status, now, now)
	if err != nil {
		return ClaimAlreadyHeld, fmt.Errorf("failed to claim %s row: %w", table, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return ClaimAlreadyHeld, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ClaimAlreadyHeld, nil
	}

	s.changes.publish(Change{
		Collection: Collection(table),
		RequestID:  requestID,
		Status:     status,
		ObservedAt: time.Now(),
	})
	return ClaimAcquired, nil
}

// ClaimDamageReport creates the "analyzing" placeholder report if and only if
// no report exists for the request id.
func (s *SQLiteStore) ClaimDamageReport(ctx context.Context, requestID string) (ClaimResult, error) {
	return s.claimRow(ctx, string(CollectionReports), requestID, string(pipeline.AnalysisStatusAnalyzing))
}

// GetDamageReport retrieves the damage report for a request id.
func (s *SQLiteStore) GetDamageReport(ctx context.Context, requestID string) (*pipeline.DamageReport, error) {
	query := `
		SELECT request_id, findings, status, error, created_at, updated_at, completed_at
		FROM damage_reports
		WHERE request_id = ?
	`

	report := &pipeline.DamageReport{}
	var findings string
	err := s.db.QueryRowContext(ctx, query, requestID).Scan(
		&report.RequestID,
		&findings,
		&report.Status,
		&report.Error,
		&report.CreatedAt,
		&report.UpdatedAt,
		&report.CompletedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("damage report %s: %w", requestID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get damage report: %w", err)
	}

	if err := json.Unmarshal([]byte(findings), &report.Findings); err != nil {
		return nil, fmt.Errorf("failed to decode findings: %w", err)
	}

	return report, nil
}

// completeRow performs the guarded terminal update shared by both stages.
// The WHERE clause restricts the transition to the in-progress status, so a
// report or plan can reach a terminal state at most once.
func (s *SQLiteStore) completeRow(ctx context.Context, table, payloadColumn, requestID, payload, fromStatus, toStatus string) error {
	now := time.Now().UTC()
	query := fmt.Sprintf(`
		UPDATE %s
		SET %s = ?, status = ?, updated_at = ?, completed_at = ?
		WHERE request_id = ? AND status = ?
	`, table, payloadColumn)

	result, err := s.db.ExecContext(ctx, query, payload, toStatus, now, now, requestID, fromStatus)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", table, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %s not in status %q", table, requestID, fromStatus)
	}

	s.changes.publish(Change{
		Collection: Collection(table),
		RequestID:  requestID,
		Status:     toStatus,
		ObservedAt: time.Now(),
	})
	return nil
}

// CompleteDamageReport records the findings and moves the report from
// "analyzing" to "complete".
func (s *SQLiteStore) CompleteDamageReport(ctx context.Context, requestID string, findings []pipeline.Finding) error {
	encoded, err := json.Marshal(findings)
	if err != nil {
		return fmt.Errorf("failed to encode findings: %w", err)
	}
	return s.completeRow(ctx, string(CollectionReports), "findings", requestID, string(encoded),
		string(pipeline.AnalysisStatusAnalyzing), string(pipeline.AnalysisStatusComplete))
}

// FailDamageReport records a failure summary and moves the report from
// "analyzing" to "failed".
func (s *SQLiteStore) FailDamageReport(ctx context.Context, requestID, reason string) error {
	now := time.Now().UTC()
	query := `
		UPDATE damage_reports
		SET status = ?, error = ?, updated_at = ?, completed_at = ?
		WHERE request_id = ? AND status = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		pipeline.AnalysisStatusFailed, reason, now, now,
		requestID, pipeline.AnalysisStatusAnalyzing,
	)
	if err != nil {
		return fmt.Errorf("failed to fail damage report: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("damage report %s not in status %q", requestID, pipeline.AnalysisStatusAnalyzing)
	}

	s.changes.publish(Change{
		Collection: CollectionReports,
		RequestID:  requestID,
		Status:     string(pipeline.AnalysisStatusFailed),
		ObservedAt: time.Now(),
	})
	return nil
}

// ClaimLogisticsPlan creates the "planning" placeholder plan if and only if
// no plan exists for the request id.
func (s *SQLiteStore) ClaimLogisticsPlan(ctx context.Context, requestID string) (ClaimResult, error) {
	return s.claimRow(ctx, string(CollectionPlans), requestID, string(pipeline.PlanStatusPlanning))
}

// GetLogisticsPlan retrieves the logistics plan for a request id.
func (s *SQLiteStore) GetLogisticsPlan(ctx context.Context, requestID string) (*pipeline.LogisticsPlan, error) {
	query := `
		SELECT request_id, actions, status, error, created_at, updated_at, completed_at
		FROM logistics_plans
		WHERE request_id = ?
	`

	plan := &pipeline.LogisticsPlan{}
	var actions string
	err := s.db.QueryRowContext(ctx, query, requestID).Scan(
		&plan.RequestID,
		&actions,
		&plan.Status,
		&plan.Error,
		&plan.CreatedAt,
		&plan.UpdatedAt,
		&plan.CompletedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("logistics plan %s: %w", requestID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get logistics plan: %w", err)
	}

	if err := json.Unmarshal([]byte(actions), &plan.Actions); err != nil {
		return nil, fmt.Errorf("failed to decode actions: %w", err)
	}

	return plan, nil
}

// CompleteLogisticsPlan records the action sequence and moves the plan from
// "planning" to "complete".
func (s *SQLiteStore) CompleteLogisticsPlan(ctx context.Context, requestID string, actions []pipeline.DeploymentAction) error {
	encoded, err := json.Marshal(actions)
	if err != nil {
		return fmt.Errorf("failed to encode actions: %w", err)
	}
	return s.completeRow(ctx, string(CollectionPlans), "actions", requestID, string(encoded),
		string(pipeline.PlanStatusPlanning), string(pipeline.PlanStatusComplete))
}

// FailLogisticsPlan records a failure summary and moves the plan from
// "planning" to "failed".
func (s *SQLiteStore) FailLogisticsPlan(ctx context.Context, requestID, reason string) error {
	now := time.Now().UTC()
	query := `
		UPDATE logistics_plans
		SET status = ?, error = ?, updated_at = ?, completed_at = ?
		WHERE request_id = ? AND status = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		pipeline.PlanStatusFailed, reason, now, now,
		requestID, pipeline.PlanStatusPlanning,
	)
	if err != nil {
		return fmt.Errorf("failed to fail logistics plan: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("logistics plan %s not in status %q", requestID, pipeline.PlanStatusPlanning)
	}

	s.changes.publish(Change{
		Collection: CollectionPlans,
		RequestID:  requestID,
		Status:     string(pipeline.PlanStatusFailed),
		ObservedAt: time.Now(),
	})
	return nil
}

// ResetDamageReport deletes a failed report so the request id can be
// reprocessed. Operator tooling only; refuses anything not in "failed".
func (s *SQLiteStore) ResetDamageReport(ctx context.Context, requestID string) error {
	return s.resetRow(ctx, string(CollectionReports), requestID, string(pipeline.AnalysisStatusFailed))
}

// ResetLogisticsPlan deletes a failed plan so the request id can be
// reprocessed. Operator tooling only; refuses anything not in "failed".
func (s *SQLiteStore) ResetLogisticsPlan(ctx context.Context, requestID string) error {
	return s.resetRow(ctx, string(CollectionPlans), requestID, string(pipeline.PlanStatusFailed))
}

func (s *SQLiteStore) resetRow(ctx context.Context, table, requestID, failedStatus string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE request_id = ? AND status = ?`, table)

	result, err := s.db.ExecContext(ctx, query, requestID, failedStatus)
	if err != nil {
		return fmt.Errorf("failed to reset %s row: %w", table, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %s not in status %q", table, requestID, failedStatus)
	}

	return nil
}

// ListChangedSince returns every record across the three collections whose
// updated_at is strictly after the cursor, oldest first. Cross-process
// observers poll this with their last-seen timestamp.
func (s *SQLiteStore) ListChangedSince(ctx context.Context, since time.Time) ([]Change, error) {
	query := `
		SELECT collection, request_id, status, updated_at FROM (
			SELECT 'rescue_requests' AS collection, request_id, status, updated_at FROM rescue_requests WHERE updated_at > ?
			UNION ALL
			SELECT 'damage_reports', request_id, status, updated_at FROM damage_reports WHERE updated_at > ?
			UNION ALL
			SELECT 'logistics_plans', request_id, status, updated_at FROM logistics_plans WHERE updated_at > ?
		)
		ORDER BY updated_at ASC
	`

	cursor := since.UTC()
	rows, err := s.db.QueryContext(ctx, query, cursor, cursor, cursor)
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}
	defer rows.Close()

	changes := []Change{}
	for rows.Next() {
		var c Change
		if err := rows.Scan(&c.Collection, &c.RequestID, &c.Status, &c.ObservedAt); err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		changes = append(changes, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating changes: %w", err)
	}

	return changes, nil
}
