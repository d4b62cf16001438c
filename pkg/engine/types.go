package engine

import (
	"fmt"
	"sort"
	"strconv"
	"time"
)

// ResourceID identifies a resource. Ids are assigned by the registry from 1
// upward and never reused; zero means "no resource".
type ResourceID int64

// String returns the decimal form of the id.
func (id ResourceID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ParseResourceID parses a decimal resource id.
func ParseResourceID(s string) (ResourceID, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 {
		return 0, invalidSpec("invalid resource id %q", s)
	}
	return ResourceID(v), nil
}

// ResourceType tags what a resource provisions.
type ResourceType string

const (
	// ResourceTypeOS is an operating system image.
	ResourceTypeOS ResourceType = "os"

	// ResourceTypeDB is a database installed on an OS.
	ResourceTypeDB ResourceType = "db"

	// ResourceTypeApp is an application installed on an OS.
	ResourceTypeApp ResourceType = "app"

	// ResourceTypeProfiler is a probe that profiles the host it runs on.
	ResourceTypeProfiler ResourceType = "profiler"
)

// Validate checks if the resource type is valid.
func (t ResourceType) Validate() error {
	switch t {
	case ResourceTypeOS, ResourceTypeDB, ResourceTypeApp, ResourceTypeProfiler:
		return nil
	default:
		return fmt.Errorf("invalid resource type: %s", t)
	}
}

// ResourceForm says whether a resource contains other resources.
type ResourceForm string

const (
	// FormSingle resources have no children.
	FormSingle ResourceForm = "single"

	// FormComposite resources own an ordered list of children.
	FormComposite ResourceForm = "composite"
)

// Validate checks if the resource form is valid.
func (f ResourceForm) Validate() error {
	switch f {
	case FormSingle, FormComposite:
		return nil
	default:
		return fmt.Errorf("invalid resource form: %s", f)
	}
}

// Resource is a deployable unit tracked by the registry.
type Resource struct {
	// ID is immutable after creation.
	ID ResourceID `json:"id"`

	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Type        ResourceType `json:"type"`
	Form        ResourceForm `json:"form"`

	// Level is the hierarchy depth; smaller is higher (0 is usually the OS).
	Level int `json:"level"`

	// Sequence orders the resource within its sibling group. Equal values
	// may be deployed concurrently.
	Sequence int `json:"sequence"`

	// ParentID is the containing composite, zero for roots.
	ParentID ResourceID `json:"parent_id,omitempty"`

	// Children is the ordered containment list of a composite resource.
	Children []ResourceID `json:"children,omitempty"`

	Status          ResourceStatus `json:"status"`
	StatusChangedAt time.Time      `json:"status_changed_at"`

	// LastError holds the detail of the most recent failure, if any.
	LastError string `json:"last_error,omitempty"`

	// ExceptionCause is the trigger that moved the resource into EXCEPTION.
	// Only an anomaly can be recovered back to USING.
	ExceptionCause Trigger `json:"exception_cause,omitempty"`

	// Labels are key-value pairs for organizing and selecting resources.
	Labels map[string]string `json:"labels,omitempty"`

	// Attributes carry driver settings such as host or artifact path.
	Attributes map[string]string `json:"attributes,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	Deleted   bool       `json:"deleted"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`

	// Version is incremented on every mutation.
	Version int64 `json:"version"`
}

// Clone returns a deep copy of the resource.
func (r *Resource) Clone() *Resource {
	if r == nil {
		return nil
	}
	c := *r
	if r.Children != nil {
		c.Children = append([]ResourceID(nil), r.Children...)
	}
	c.Labels = cloneStringMap(r.Labels)
	c.Attributes = cloneStringMap(r.Attributes)
	if r.DeletedAt != nil {
		t := *r.DeletedAt
		c.DeletedAt = &t
	}
	return &c
}

// Recoverable reports whether the resource is in EXCEPTION because of an
// anomaly seen while in use. Failed deployments must be revoked instead.
func (r *Resource) Recoverable() bool {
	return r.Status == StatusException && r.ExceptionCause == TriggerAnomaly
}

// IsRoot returns true if the resource has no parent.
func (r *Resource) IsRoot() bool {
	return r.ParentID == 0
}

// Attribute returns a driver attribute or the fallback when unset.
func (r *Resource) Attribute(key, fallback string) string {
	if v, ok := r.Attributes[key]; ok && v != "" {
		return v
	}
	return fallback
}

// ResourceSpec is the input to Registry.Create.
type ResourceSpec struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Type        ResourceType      `json:"type"`
	Form        ResourceForm      `json:"form"`
	Level       int               `json:"level"`
	Sequence    int               `json:"sequence"`
	ParentID    ResourceID        `json:"parent_id,omitempty"`
	Children    []ResourceID      `json:"children,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// ListFilter narrows Registry.List. The zero value lists every active resource.
type ListFilter struct {
	IncludeDeleted bool           `json:"include_deleted,omitempty"`
	Type           ResourceType   `json:"type,omitempty"`
	Status         ResourceStatus `json:"status,omitempty"`

	// ParentID restricts to children of the given resource when non-zero.
	ParentID ResourceID `json:"parent_id,omitempty"`

	// Roots restricts to resources without a parent.
	Roots bool `json:"roots,omitempty"`
}

// Matches reports whether the resource passes the filter.
func (f ListFilter) Matches(r *Resource) bool {
	if r.Deleted && !f.IncludeDeleted {
		return false
	}
	if f.Type != "" && r.Type != f.Type {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.ParentID != 0 && r.ParentID != f.ParentID {
		return false
	}
	if f.Roots && r.ParentID != 0 {
		return false
	}
	return true
}

// ResourceResult is the per-resource entry of a run report.
type ResourceResult struct {
	ResourceID ResourceID     `json:"resource_id"`
	Name       string         `json:"name"`
	Stage      int            `json:"stage"`
	Outcome    Outcome        `json:"outcome"`
	Status     ResourceStatus `json:"status"`
	Error      *EngineError   `json:"error,omitempty"`
	Attempts   int            `json:"attempts,omitempty"`
	StartedAt  time.Time      `json:"started_at,omitempty"`
	Duration   time.Duration  `json:"duration,omitempty"`
}

// RunSummary contains aggregate counts for a run.
type RunSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Unchanged int `json:"unchanged"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Cancelled int `json:"cancelled"`
}

// Report is the result of a deploy or revoke run.
type Report struct {
	RunID       string            `json:"run_id"`
	Operation   Operation         `json:"operation"`
	Status      RunStatus         `json:"status"`
	Plan        *Plan             `json:"plan"`
	Results     []*ResourceResult `json:"results"`
	Summary     RunSummary        `json:"summary"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt time.Time         `json:"completed_at"`
	Duration    time.Duration     `json:"duration"`
}

// DeployReport is the report of a deploy run.
type DeployReport = Report

// RevokeReport is the report of a revoke run.
type RevokeReport = Report

// Result returns the entry for a resource.
func (r *Report) Result(id ResourceID) (*ResourceResult, bool) {
	for _, res := range r.Results {
		if res.ResourceID == id {
			return res, true
		}
	}
	return nil, false
}

// Failed returns the entries whose outcome is failed, ordered by resource id.
func (r *Report) Failed() []*ResourceResult {
	var out []*ResourceResult
	for _, res := range r.Results {
		if res.Outcome == OutcomeFailed {
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID < out[j].ResourceID })
	return out
}

// Event represents a timeline event emitted by the orchestrator and health intake.
type Event struct {
	ID         string                 `json:"id"`
	Type       EventType              `json:"type"`
	Timestamp  time.Time              `json:"timestamp"`
	RunID      string                 `json:"run_id,omitempty"`
	ResourceID ResourceID             `json:"resource_id,omitempty"`
	From       ResourceStatus         `json:"from,omitempty"`
	To         ResourceStatus         `json:"to,omitempty"`
	Message    string                 `json:"message"`
	Level      string                 `json:"level"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
