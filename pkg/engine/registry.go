package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TransitionHook observes committed status transitions. Hooks run after the
// registry lock is released but while the resource lease is still held.
type TransitionHook func(resource *Resource, from ResourceStatus, trigger Trigger)

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithPersister sets the persister used by Open, Flush and Close.
func WithPersister(p Persister) RegistryOption {
	return func(r *Registry) { r.persister = p }
}

// WithRegistryLogger sets the registry logger.
func WithRegistryLogger(logger zerolog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger.With().Str("component", "registry").Logger() }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

type entry struct {
	// lock is the per-resource transition lock. It is only ever TryLock'ed.
	lock sync.Mutex
	res  *Resource
}

// Registry is the authoritative store of resource records. Reads take the
// shared lock; every status change requires the resource's exclusive lease.
type Registry struct {
	mu        sync.RWMutex
	entries   map[ResourceID]*entry
	nextID    ResourceID
	open      bool
	persister Persister
	hooks     []TransitionHook
	logger    zerolog.Logger
	now       func() time.Time
}

// NewRegistry creates a closed registry. Call Open before use.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		entries: make(map[ResourceID]*entry),
		nextID:  1,
		logger:  zerolog.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnTransition registers a hook invoked for every committed transition.
func (r *Registry) OnTransition(hook TransitionHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// Open loads the persisted resource set and makes the registry usable.
func (r *Registry) Open(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.open {
		return nil
	}

	if r.persister != nil {
		resources, err := r.persister.Load(ctx)
		if err != nil {
			return fmt.Errorf("failed to load resources: %w", err)
		}
		for _, res := range resources {
			if _, exists := r.entries[res.ID]; exists {
				return NewPermanentError("duplicate resource id in persisted state", nil).
					WithCode(ErrCodeDuplicateID).
					WithResource(res.ID)
			}
			if res.ID <= 0 {
				return invalidSpec("persisted resource has invalid id %d", res.ID)
			}
			if err := res.Status.Validate(); err != nil {
				return NewPermanentError("persisted resource has invalid status", err).
					WithCode(ErrCodeInvalidSpec).
					WithResource(res.ID)
			}
			r.entries[res.ID] = &entry{res: res.Clone()}
			if res.ID >= r.nextID {
				r.nextID = res.ID + 1
			}
		}
	}

	r.open = true
	r.logger.Info().
		Int("resources", len(r.entries)).
		Int64("next_id", int64(r.nextID)).
		Msg("Registry opened")
	return nil
}

// Flush saves the full resource set through the persister.
func (r *Registry) Flush(ctx context.Context) error {
	if r.persister == nil {
		return nil
	}
	snapshot, err := r.snapshot(true)
	if err != nil {
		return err
	}
	if err := r.persister.Save(ctx, snapshot); err != nil {
		return fmt.Errorf("failed to save resources: %w", err)
	}
	return nil
}

// Close flushes the registry and rejects further operations.
func (r *Registry) Close(ctx context.Context) error {
	if err := r.Flush(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	r.open = false
	r.mu.Unlock()
	r.logger.Info().Msg("Registry closed")
	return nil
}

// Create validates the spec and registers a new resource in CREATED status.
func (r *Registry) Create(_ context.Context, spec ResourceSpec) (*Resource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.open {
		return nil, errClosed()
	}
	if err := r.validateSpec(spec); err != nil {
		return nil, err
	}

	// The parent and adopted children change too; take their leases.
	related := append([]ResourceID(nil), spec.Children...)
	if spec.ParentID != 0 {
		related = append(related, spec.ParentID)
	}
	var held []*entry
	defer func() {
		for _, e := range held {
			e.lock.Unlock()
		}
	}()
	for _, relID := range related {
		e := r.entries[relID]
		if !e.lock.TryLock() {
			return nil, NewConflictError("related resource has a transition in flight", nil).WithResource(relID)
		}
		held = append(held, e)
	}

	id := r.nextID
	r.nextID++
	now := r.now()

	res := &Resource{
		ID:              id,
		Name:            spec.Name,
		Description:     spec.Description,
		Type:            spec.Type,
		Form:            spec.Form,
		Level:           spec.Level,
		Sequence:        spec.Sequence,
		ParentID:        spec.ParentID,
		Children:        append([]ResourceID(nil), spec.Children...),
		Status:          StatusCreated,
		StatusChangedAt: now,
		Labels:          cloneStringMap(spec.Labels),
		Attributes:      cloneStringMap(spec.Attributes),
		CreatedAt:       now,
		UpdatedAt:       now,
		Version:         1,
	}

	for _, childID := range spec.Children {
		child := r.entries[childID].res
		child.ParentID = id
		child.UpdatedAt = now
		child.Version++
	}
	if spec.ParentID != 0 {
		parent := r.entries[spec.ParentID].res
		parent.Children = append(parent.Children, id)
		parent.UpdatedAt = now
		parent.Version++
	}

	r.entries[id] = &entry{res: res}

	r.logger.Debug().
		Int64("resource_id", int64(id)).
		Str("name", res.Name).
		Str("type", string(res.Type)).
		Int("level", res.Level).
		Msg("Resource created")

	return res.Clone(), nil
}

// validateSpec must be called with r.mu held.
func (r *Registry) validateSpec(spec ResourceSpec) error {
	if spec.Name == "" {
		return invalidSpec("resource name is required")
	}
	if err := spec.Type.Validate(); err != nil {
		return NewPermanentError("invalid resource spec", err).WithCode(ErrCodeInvalidSpec)
	}
	if err := spec.Form.Validate(); err != nil {
		return NewPermanentError("invalid resource spec", err).WithCode(ErrCodeInvalidSpec)
	}
	if spec.Level < 0 {
		return invalidSpec("level must be non-negative, got %d", spec.Level)
	}
	if spec.Sequence < 0 {
		return invalidSpec("sequence must be non-negative, got %d", spec.Sequence)
	}
	if spec.Form == FormSingle && len(spec.Children) > 0 {
		return invalidSpec("single form resource %q cannot carry children", spec.Name)
	}

	if spec.ParentID != 0 {
		e, ok := r.entries[spec.ParentID]
		if !ok {
			return invalidSpec("parent %d does not exist", spec.ParentID).WithResource(spec.ParentID)
		}
		parent := e.res
		switch {
		case parent.Deleted:
			return invalidSpec("parent %d is deleted", parent.ID).WithResource(parent.ID)
		case parent.Form != FormComposite:
			return invalidSpec("parent %d is not a composite resource", parent.ID).WithResource(parent.ID)
		case parent.Level >= spec.Level:
			return invalidSpec("parent level %d must be lower than child level %d",
				parent.Level, spec.Level).WithResource(parent.ID)
		}
	}

	seen := make(map[ResourceID]bool, len(spec.Children))
	for _, childID := range spec.Children {
		if seen[childID] {
			return invalidSpec("child %d listed twice", childID).WithResource(childID)
		}
		seen[childID] = true

		e, ok := r.entries[childID]
		if !ok {
			return invalidSpec("child %d does not exist", childID).WithResource(childID)
		}
		child := e.res
		switch {
		case child.Deleted:
			return invalidSpec("child %d is deleted", childID).WithResource(childID)
		case child.ParentID != 0:
			return invalidSpec("child %d already belongs to %d", childID, child.ParentID).WithResource(childID)
		case child.Level <= spec.Level:
			return invalidSpec("child level %d must be higher than parent level %d",
				child.Level, spec.Level).WithResource(childID)
		}
	}
	return nil
}

// Get returns a copy of the resource, including soft-deleted ones.
func (r *Registry) Get(_ context.Context, id ResourceID) (*Resource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.open {
		return nil, errClosed()
	}
	e, ok := r.entries[id]
	if !ok {
		return nil, notFound(id)
	}
	return e.res.Clone(), nil
}

// List returns copies of the matching resources ordered by id.
func (r *Registry) List(_ context.Context, filter ListFilter) ([]*Resource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.open {
		return nil, errClosed()
	}
	out := make([]*Resource, 0, len(r.entries))
	for _, e := range r.entries {
		if filter.Matches(e.res) {
			out = append(out, e.res.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *Registry) snapshot(includeDeleted bool) ([]*Resource, error) {
	return r.List(context.Background(), ListFilter{IncludeDeleted: includeDeleted})
}

// Acquire takes the exclusive transition lock of a resource. It never waits:
// when another caller holds the lock it fails with ErrCodeConflict.
func (r *Registry) Acquire(id ResourceID) (*Lease, error) {
	r.mu.RLock()
	open := r.open
	e, ok := r.entries[id]
	r.mu.RUnlock()

	if !open {
		return nil, errClosed()
	}
	if !ok {
		return nil, notFound(id)
	}
	if !e.lock.TryLock() {
		return nil, NewConflictError("resource has a transition in flight", nil).WithResource(id)
	}
	return &Lease{registry: r, entry: e, id: id}, nil
}

// Transition fires a trigger on a resource under its exclusive lease.
// It returns the resulting resource and whether the status changed.
func (r *Registry) Transition(_ context.Context, id ResourceID, trigger Trigger, detail string) (*Resource, bool, error) {
	lease, err := r.Acquire(id)
	if err != nil {
		return nil, false, err
	}
	defer lease.Release()
	return lease.Transition(trigger, detail)
}

// Update applies a mutator to a copy of the resource under its exclusive
// lease and commits the result. Status and structural fields are owned by
// the registry; status changes go through Transition.
func (r *Registry) Update(_ context.Context, id ResourceID, mutator func(*Resource) error) (*Resource, error) {
	lease, err := r.Acquire(id)
	if err != nil {
		return nil, err
	}
	defer lease.Release()
	return lease.Mutate(mutator)
}

// SoftDelete marks an UNAVAILABLE resource as deleted. The record stays
// retrievable by id and in listings that include deleted resources.
func (r *Registry) SoftDelete(_ context.Context, id ResourceID) (*Resource, error) {
	lease, err := r.Acquire(id)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	current := lease.Resource()
	if current.Deleted {
		return nil, NewPermanentError("resource is already deleted", nil).
			WithCode(ErrCodeAlreadyDeleted).
			WithResource(id)
	}
	if current.Status != StatusUnavailable {
		return nil, NewPermanentError(
			fmt.Sprintf("only UNAVAILABLE resources can be deleted, status is %s", current.Status), nil).
			WithCode(ErrCodeInvalidTransition).
			WithResource(id).
			WithDetail("from", string(current.Status))
	}
	res, _, err := lease.Transition(TriggerDelete, "")
	return res, err
}

// Lease is exclusive ownership of one resource's transition lock.
type Lease struct {
	registry *Registry
	entry    *entry
	id       ResourceID
	once     sync.Once
	released bool
}

// ID returns the leased resource id.
func (l *Lease) ID() ResourceID {
	return l.id
}

// Resource returns a copy of the leased resource.
func (l *Lease) Resource() *Resource {
	l.registry.mu.RLock()
	defer l.registry.mu.RUnlock()
	return l.entry.res.Clone()
}

// Transition fires a trigger on the leased resource. A non-empty detail is
// stored as LastError when the resource enters EXCEPTION or stays in
// REVOKING; reaching a healthy status clears it.
func (l *Lease) Transition(trigger Trigger, detail string) (*Resource, bool, error) {
	if l.released {
		return nil, false, NewPermanentError("lease already released", nil).
			WithCode(ErrCodeInternal).WithResource(l.id)
	}

	r := l.registry
	r.mu.Lock()
	res := l.entry.res
	from := res.Status
	to, changed, err := NextStatus(from, trigger)
	if err != nil {
		r.mu.Unlock()
		return nil, false, AsEngineError(err, ErrCodeInvalidTransition).WithResource(l.id)
	}
	if changed && trigger == TriggerRecover && !res.Recoverable() {
		r.mu.Unlock()
		return nil, false, NewPermanentError(
			fmt.Sprintf("cannot recover a resource that entered EXCEPTION on %s; revoke it instead", res.ExceptionCause), nil).
			WithCode(ErrCodeInvalidTransition).
			WithResource(l.id).
			WithDetail("cause", string(res.ExceptionCause))
	}
	if !changed {
		snap := res.Clone()
		r.mu.Unlock()
		return snap, false, nil
	}

	now := r.now()
	res.Status = to
	res.StatusChangedAt = now
	res.UpdatedAt = now
	res.Version++
	switch to {
	case StatusException:
		res.LastError = detail
	case StatusPrepared, StatusUsing, StatusUnavailable:
		res.LastError = ""
	}
	if to == StatusException {
		res.ExceptionCause = trigger
	} else {
		res.ExceptionCause = ""
	}
	if to == StatusDeleted {
		res.Deleted = true
		deletedAt := now
		res.DeletedAt = &deletedAt
	}
	snap := res.Clone()
	hooks := r.hooks
	r.mu.Unlock()

	r.logger.Debug().
		Int64("resource_id", int64(l.id)).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("trigger", string(trigger)).
		Msg("Resource transitioned")

	for _, hook := range hooks {
		hook(snap.Clone(), from, trigger)
	}
	return snap, true, nil
}

// Mutate applies a mutator to a copy of the leased resource and commits the
// descriptive fields it changed.
func (l *Lease) Mutate(mutator func(*Resource) error) (*Resource, error) {
	if l.released {
		return nil, NewPermanentError("lease already released", nil).
			WithCode(ErrCodeInternal).WithResource(l.id)
	}

	current := l.Resource()
	if current.Deleted {
		return nil, NewPermanentError("resource is deleted", nil).
			WithCode(ErrCodeAlreadyDeleted).
			WithResource(l.id)
	}

	draft := current.Clone()
	if err := mutator(draft); err != nil {
		return nil, err
	}
	if err := checkMutation(current, draft); err != nil {
		return nil, err.WithResource(l.id)
	}

	r := l.registry
	r.mu.Lock()
	res := l.entry.res
	res.Name = draft.Name
	res.Description = draft.Description
	res.Sequence = draft.Sequence
	res.LastError = draft.LastError
	res.Labels = cloneStringMap(draft.Labels)
	res.Attributes = cloneStringMap(draft.Attributes)
	res.UpdatedAt = r.now()
	res.Version++
	snap := res.Clone()
	r.mu.Unlock()

	return snap, nil
}

// Release gives the transition lock back. It is safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.released = true
		l.entry.lock.Unlock()
	})
}

func checkMutation(before, after *Resource) *EngineError {
	if after.Status != before.Status || after.Deleted != before.Deleted {
		return NewPermanentError("status changes must go through a transition", nil).
			WithCode(ErrCodeInvalidTransition)
	}
	switch {
	case after.ID != before.ID:
		return invalidSpec("id is immutable")
	case after.Type != before.Type, after.Form != before.Form:
		return invalidSpec("type and form are immutable")
	case after.Level != before.Level:
		return invalidSpec("level is immutable")
	case after.ParentID != before.ParentID || !sameIDs(after.Children, before.Children):
		return invalidSpec("containment is immutable")
	case after.Name == "":
		return invalidSpec("resource name is required")
	case after.Sequence < 0:
		return invalidSpec("sequence must be non-negative, got %d", after.Sequence)
	}
	return nil
}

func sameIDs(a, b []ResourceID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func errClosed() *EngineError {
	return NewPermanentError("registry is not open", nil).WithCode(ErrCodeRegistryClosed)
}
