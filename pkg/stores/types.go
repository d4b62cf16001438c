package stores

import (
	"context"
	"time"

	"github.com/rangekeeper/rangekeeper/pkg/engine"
)

// Run is the summary row of a deploy or revoke run.
type Run struct {
	ID          string            `json:"id"`
	Operation   engine.Operation  `json:"operation"`
	Status      engine.RunStatus  `json:"status"`
	PlanID      string            `json:"plan_id"`
	Summary     engine.RunSummary `json:"summary"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// RunResult is one resource's entry in a stored run.
type RunResult struct {
	RunID        string                `json:"run_id"`
	ResourceID   engine.ResourceID     `json:"resource_id"`
	Name         string                `json:"name"`
	Stage        int                   `json:"stage"`
	Outcome      engine.Outcome        `json:"outcome"`
	Status       engine.ResourceStatus `json:"status"`
	ErrorCode    *string               `json:"error_code,omitempty"`
	ErrorMessage *string               `json:"error_message,omitempty"`
	Attempts     int                   `json:"attempts"`
	Duration     time.Duration         `json:"duration"`
}

// EventFilter narrows ListEvents. Nil fields match everything.
type EventFilter struct {
	RunID      *string
	ResourceID *engine.ResourceID
	Type       *engine.EventType
}

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`              // e.g., "resource.created", "resource.deleted", "run.deploy"
	Actor     string    `json:"actor"`               // user or system identifier
	TargetID  *string   `json:"target_id,omitempty"` // resource or run id
	Details   *string   `json:"details,omitempty"`   // JSON blob
	IPAddress *string   `json:"ip_address,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the interface for the persistence layer. It backs the
// registry (engine.Persister), run reports (engine.RunRecorder) and the
// event timeline (engine.EventPublisher).
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Resource snapshot operations
	Load(ctx context.Context) ([]*engine.Resource, error)
	Save(ctx context.Context, resources []*engine.Resource) error

	// Run operations
	SaveReport(ctx context.Context, report *engine.Report) error
	GetReport(ctx context.Context, runID string) (*engine.Report, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	ListRunResults(ctx context.Context, runID string) ([]*RunResult, error)
	ListResourceHistory(ctx context.Context, id engine.ResourceID, limit int) ([]*RunResult, error)
	DeleteRun(ctx context.Context, id string) error

	// Event operations
	Publish(ctx context.Context, event *engine.Event) error
	ListEvents(ctx context.Context, filter EventFilter, limit, offset int) ([]*engine.Event, error)

	// Audit operations
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

var (
	_ Store                 = (*SQLiteStore)(nil)
	_ engine.Persister      = (*SQLiteStore)(nil)
	_ engine.RunRecorder    = (*SQLiteStore)(nil)
	_ engine.EventPublisher = (*SQLiteStore)(nil)
)
