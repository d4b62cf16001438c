package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/flock"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/rangekeeper/rangekeeper/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is wrapped by lookups that match no row.
var ErrNotFound = errors.New("not found")

// ErrLocked is returned by Init when another process holds the database.
// Save replaces the whole resource set, so only one writer may hold it.
var ErrLocked = errors.New("database is in use by another process")

const memoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	cfg  Config
	lock *flock.Flock
}

// Config holds SQLite store configuration
type Config struct {
	Path            string        `yaml:"path" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: opens a separate database.
	if cfg.Path == memoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	if s.cfg.Path != memoryPath {
		lock := flock.New(s.cfg.Path + ".lock")
		locked, err := lock.TryLock()
		if err != nil {
			return fmt.Errorf("failed to lock database: %w", err)
		}
		if !locked {
			return fmt.Errorf("%w: %s", ErrLocked, s.cfg.Path)
		}
		s.lock = lock
	}

	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_time_format=sqlite&_txlock=immediate"
	if s.cfg.Path != memoryPath {
		dsn = "file:" + dsn + "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		_ = s.unlock()
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		_ = s.unlock()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection and releases the database lock.
func (s *SQLiteStore) Close() error {
	var err error
	if s.db != nil {
		err = s.db.Close()
		s.db = nil
	}
	if uerr := s.unlock(); uerr != nil && err == nil {
		err = uerr
	}
	return err
}

func (s *SQLiteStore) unlock() error {
	if s.lock == nil {
		return nil
	}
	err := s.lock.Unlock()
	s.lock = nil
	return err
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

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Load returns every stored resource, deleted ones included, ordered by id.
// It implements engine.Persister.
func (s *SQLiteStore) Load(ctx context.Context) ([]*engine.Resource, error) {
	query := `
		SELECT id, name, description, type, form, level, sequence, parent_id, children,
			   status, status_changed_at, last_error, exception_cause, labels, attributes,
			   deleted, deleted_at, version, created_at, updated_at
		FROM resources
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load resources: %w", err)
	}
	defer rows.Close()

	resources := []*engine.Resource{}
	for rows.Next() {
		res := &engine.Resource{}
		var children, labels, attributes string
		err := rows.Scan(
			&res.ID,
			&res.Name,
			&res.Description,
			&res.Type,
			&res.Form,
			&res.Level,
			&res.Sequence,
			&res.ParentID,
			&children,
			&res.Status,
			&res.StatusChangedAt,
			&res.LastError,
			&res.ExceptionCause,
			&labels,
			&attributes,
			&res.Deleted,
			&res.DeletedAt,
			&res.Version,
			&res.CreatedAt,
			&res.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		if err := decodeJSON(children, &res.Children); err != nil {
			return nil, fmt.Errorf("resource %d children: %w", res.ID, err)
		}
		if err := decodeJSON(labels, &res.Labels); err != nil {
			return nil, fmt.Errorf("resource %d labels: %w", res.ID, err)
		}
		if err := decodeJSON(attributes, &res.Attributes); err != nil {
			return nil, fmt.Errorf("resource %d attributes: %w", res.ID, err)
		}
		if len(res.Children) == 0 {
			res.Children = nil
		}
		if len(res.Labels) == 0 {
			res.Labels = nil
		}
		if len(res.Attributes) == 0 {
			res.Attributes = nil
		}
		resources = append(resources, res)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resources: %w", err)
	}

	return resources, nil
}

// Save replaces the stored resource set with the given snapshot in one
// transaction. It implements engine.Persister.
func (s *SQLiteStore) Save(ctx context.Context, resources []*engine.Resource) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM resources`); err != nil {
		return fmt.Errorf("failed to clear resources: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO resources (
			id, name, description, type, form, level, sequence, parent_id, children,
			status, status_changed_at, last_error, exception_cause, labels, attributes,
			deleted, deleted_at, version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, res := range resources {
		children, labels, attributes, encErr := encodeResourceBlobs(res)
		if encErr != nil {
			err = encErr
			return err
		}
		_, err = stmt.ExecContext(ctx,
			int64(res.ID),
			res.Name,
			res.Description,
			string(res.Type),
			string(res.Form),
			res.Level,
			res.Sequence,
			int64(res.ParentID),
			children,
			string(res.Status),
			res.StatusChangedAt,
			res.LastError,
			string(res.ExceptionCause),
			labels,
			attributes,
			res.Deleted,
			res.DeletedAt,
			res.Version,
			res.CreatedAt,
			res.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to save resource %d: %w", res.ID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit resources: %w", err)
	}
	return nil
}

// SaveReport stores a finished run and its per-resource results. Saving the
// same run id again replaces it. It implements engine.RunRecorder.
func (s *SQLiteStore) SaveReport(ctx context.Context, report *engine.Report) (err error) {
	blob, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	var planID string
	if report.Plan != nil {
		planID = report.Plan.ID
	}
	var completedAt *time.Time
	if !report.CompletedAt.IsZero() {
		completedAt = &report.CompletedAt
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (
			id, operation, status, plan_id, total, succeeded, unchanged, failed, skipped, cancelled,
			report, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			total = excluded.total,
			succeeded = excluded.succeeded,
			unchanged = excluded.unchanged,
			failed = excluded.failed,
			skipped = excluded.skipped,
			cancelled = excluded.cancelled,
			report = excluded.report,
			completed_at = excluded.completed_at
	`,
		report.RunID,
		string(report.Operation),
		string(report.Status),
		planID,
		report.Summary.Total,
		report.Summary.Succeeded,
		report.Summary.Unchanged,
		report.Summary.Failed,
		report.Summary.Skipped,
		report.Summary.Cancelled,
		string(blob),
		report.StartedAt,
		completedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM run_results WHERE run_id = ?`, report.RunID); err != nil {
		return fmt.Errorf("failed to clear run results: %w", err)
	}

	for _, res := range report.Results {
		var code, message *string
		if res.Error != nil {
			c, m := res.Error.Code, res.Error.Error()
			code, message = &c, &m
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_results (
				run_id, resource_id, name, stage, outcome, status,
				error_code, error_message, attempts, duration_ns
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			report.RunID,
			int64(res.ResourceID),
			res.Name,
			res.Stage,
			string(res.Outcome),
			string(res.Status),
			code,
			message,
			res.Attempts,
			int64(res.Duration),
		)
		if err != nil {
			return fmt.Errorf("failed to save result for resource %d: %w", res.ResourceID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

// GetReport retrieves the full report of a run.
func (s *SQLiteStore) GetReport(ctx context.Context, runID string) (*engine.Report, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, `SELECT report FROM runs WHERE id = ?`, runID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	report := &engine.Report{}
	if err := json.Unmarshal([]byte(blob), report); err != nil {
		return nil, fmt.Errorf("failed to decode report: %w", err)
	}
	return report, nil
}

// ListRuns lists runs with pagination, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	query := `
		SELECT id, operation, status, plan_id, total, succeeded, unchanged, failed, skipped, cancelled,
			   started_at, completed_at
		FROM runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run := &Run{}
		err := rows.Scan(
			&run.ID,
			&run.Operation,
			&run.Status,
			&run.PlanID,
			&run.Summary.Total,
			&run.Summary.Succeeded,
			&run.Summary.Unchanged,
			&run.Summary.Failed,
			&run.Summary.Skipped,
			&run.Summary.Cancelled,
			&run.StartedAt,
			&run.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// ListRunResults lists the per-resource results of a run in plan order.
func (s *SQLiteStore) ListRunResults(ctx context.Context, runID string) ([]*RunResult, error) {
	return s.queryResults(ctx, `
		SELECT run_id, resource_id, name, stage, outcome, status,
			   error_code, error_message, attempts, duration_ns
		FROM run_results
		WHERE run_id = ?
		ORDER BY rowid ASC
	`, runID)
}

// ListResourceHistory lists the most recent run results for one resource.
func (s *SQLiteStore) ListResourceHistory(ctx context.Context, id engine.ResourceID, limit int) ([]*RunResult, error) {
	return s.queryResults(ctx, `
		SELECT r.run_id, r.resource_id, r.name, r.stage, r.outcome, r.status,
			   r.error_code, r.error_message, r.attempts, r.duration_ns
		FROM run_results r
		JOIN runs ON runs.id = r.run_id
		WHERE r.resource_id = ?
		ORDER BY runs.started_at DESC
		LIMIT ?
	`, int64(id), limit)
}

func (s *SQLiteStore) queryResults(ctx context.Context, query string, args ...interface{}) ([]*RunResult, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list run results: %w", err)
	}
	defer rows.Close()

	results := []*RunResult{}
	for rows.Next() {
		res := &RunResult{}
		var durationNS int64
		err := rows.Scan(
			&res.RunID,
			&res.ResourceID,
			&res.Name,
			&res.Stage,
			&res.Outcome,
			&res.Status,
			&res.ErrorCode,
			&res.ErrorMessage,
			&res.Attempts,
			&durationNS,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run result: %w", err)
		}
		res.Duration = time.Duration(durationNS)
		results = append(results, res)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run results: %w", err)
	}

	return results, nil
}

// DeleteRun deletes a run and its results.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}

	return nil
}

// Publish appends an event to the timeline. It implements
// engine.EventPublisher.
func (s *SQLiteStore) Publish(ctx context.Context, event *engine.Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = event.Type.Severity()
	}

	var details *string
	if len(event.Details) > 0 {
		blob, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("failed to encode event details: %w", err)
		}
		d := string(blob)
		details = &d
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, type, run_id, resource_id, from_status, to_status, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID,
		string(event.Type),
		nullString(event.RunID),
		nullResourceID(event.ResourceID),
		nullString(string(event.From)),
		nullString(string(event.To)),
		event.Level,
		event.Message,
		details,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

// ListEvents retrieves events in timeline order with optional filters and
// pagination.
func (s *SQLiteStore) ListEvents(ctx context.Context, filter EventFilter, limit, offset int) ([]*engine.Event, error) {
	query := `
		SELECT id, type, run_id, resource_id, from_status, to_status, level, message, details, timestamp
		FROM events
		WHERE (? IS NULL OR run_id = ?)
		  AND (? IS NULL OR resource_id = ?)
		  AND (? IS NULL OR type = ?)
		ORDER BY seq ASC
		LIMIT ? OFFSET ?
	`

	var runID, eventType interface{}
	var resourceID interface{}
	if filter.RunID != nil {
		runID = *filter.RunID
	}
	if filter.ResourceID != nil {
		resourceID = int64(*filter.ResourceID)
	}
	if filter.Type != nil {
		eventType = string(*filter.Type)
	}

	rows, err := s.db.QueryContext(ctx, query,
		runID, runID, resourceID, resourceID, eventType, eventType, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*engine.Event{}
	for rows.Next() {
		event := &engine.Event{}
		var (
			run, from, to, details sql.NullString
			resource               sql.NullInt64
		)
		err := rows.Scan(
			&event.ID,
			&event.Type,
			&run,
			&resource,
			&from,
			&to,
			&event.Level,
			&event.Message,
			&details,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.RunID = run.String
		event.ResourceID = engine.ResourceID(resource.Int64)
		event.From = engine.ResourceStatus(from.String)
		event.To = engine.ResourceStatus(to.String)
		if details.Valid {
			if err := json.Unmarshal([]byte(details.String), &event.Details); err != nil {
				return nil, fmt.Errorf("failed to decode event details: %w", err)
			}
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// CreateAuditEntry creates a new audit log entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	query := `
		INSERT INTO audit (action, actor, target_id, details, ip_address, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	result, err := s.db.ExecContext(ctx, query,
		entry.Action,
		entry.Actor,
		entry.TargetID,
		entry.Details,
		entry.IPAddress,
		entry.Timestamp,
	)

	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}

	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries with optional filters and pagination
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error) {
	query := `
		SELECT id, action, actor, target_id, details, ip_address, timestamp
		FROM audit
		WHERE (? IS NULL OR action = ?)
		  AND (? IS NULL OR actor = ?)
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, action, action, actor, actor, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Actor,
			&entry.TargetID,
			&entry.Details,
			&entry.IPAddress,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func encodeResourceBlobs(res *engine.Resource) (children, labels, attributes string, err error) {
	ids := res.Children
	if ids == nil {
		ids = []engine.ResourceID{}
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "", "", "", fmt.Errorf("resource %d children: %w", res.ID, err)
	}
	children = string(b)

	if b, err = json.Marshal(orEmpty(res.Labels)); err != nil {
		return "", "", "", fmt.Errorf("resource %d labels: %w", res.ID, err)
	}
	labels = string(b)

	if b, err = json.Marshal(orEmpty(res.Attributes)); err != nil {
		return "", "", "", fmt.Errorf("resource %d attributes: %w", res.ID, err)
	}
	attributes = string(b)
	return children, labels, attributes, nil
}

func decodeJSON(blob string, v interface{}) error {
	if blob == "" {
		return nil
	}
	return json.Unmarshal([]byte(blob), v)
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullResourceID(id engine.ResourceID) *int64 {
	if id == 0 {
		return nil
	}
	v := int64(id)
	return &v
}
