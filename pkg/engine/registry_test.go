package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T, opts ...RegistryOption) *Registry {
	t.Helper()
	reg := NewRegistry(opts...)
	if err := reg.Open(context.Background()); err != nil {
		t.Fatalf("Failed to open registry: %v", err)
	}
	return reg
}

func mustCreate(t *testing.T, reg *Registry, spec ResourceSpec) *Resource {
	t.Helper()
	res, err := reg.Create(context.Background(), spec)
	if err != nil {
		t.Fatalf("Failed to create %q: %v", spec.Name, err)
	}
	return res
}

func osSpec(name string, seq int) ResourceSpec {
	return ResourceSpec{Name: name, Type: ResourceTypeOS, Form: FormComposite, Level: 0, Sequence: seq}
}

func appSpec(name string, parent ResourceID, seq int) ResourceSpec {
	return ResourceSpec{Name: name, Type: ResourceTypeApp, Form: FormSingle, Level: 1, Sequence: seq, ParentID: parent}
}

// scenarioTree creates OS1 (level 0, seq 1) containing App1 (seq 1) and App2 (seq 2).
func scenarioTree(t *testing.T, reg *Registry) (os1, app1, app2 *Resource) {
	t.Helper()
	os1 = mustCreate(t, reg, osSpec("OS1", 1))
	app1 = mustCreate(t, reg, appSpec("App1", os1.ID, 1))
	app2 = mustCreate(t, reg, appSpec("App2", os1.ID, 2))
	return os1, app1, app2
}

// driveTo fires the triggers that move a CREATED resource to the target status.
func driveTo(t *testing.T, reg *Registry, id ResourceID, target ResourceStatus) {
	t.Helper()
	paths := map[ResourceStatus][]Trigger{
		StatusDeployed:    {TriggerDeploy},
		StatusPrepared:    {TriggerDeploy, TriggerVerifySucceeded},
		StatusUsing:       {TriggerDeploy, TriggerVerifySucceeded, TriggerUse},
		StatusException:   {TriggerDeploy, TriggerVerifySucceeded, TriggerUse, TriggerAnomaly},
		StatusRevoking:    {TriggerDeploy, TriggerVerifySucceeded, TriggerRevoke},
		StatusUnavailable: {TriggerDeploy, TriggerVerifySucceeded, TriggerRevoke, TriggerPreDelete},
	}
	for _, trigger := range paths[target] {
		if _, _, err := reg.Transition(context.Background(), id, trigger, ""); err != nil {
			t.Fatalf("Failed to fire %s on %d: %v", trigger, id, err)
		}
	}
}

func TestRegistry_CreateAssignsMonotonicIDs(t *testing.T) {
	reg := newTestRegistry(t)

	os1, app1, app2 := scenarioTree(t, reg)
	if os1.ID != 1 || app1.ID != 2 || app2.ID != 3 {
		t.Errorf("expected ids 1,2,3, got %d,%d,%d", os1.ID, app1.ID, app2.ID)
	}
	if os1.Status != StatusCreated {
		t.Errorf("expected CREATED, got %s", os1.Status)
	}
	if os1.CreatedAt.IsZero() || os1.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}

	parent, err := reg.Get(context.Background(), os1.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(parent.Children) != 2 || parent.Children[0] != app1.ID || parent.Children[1] != app2.ID {
		t.Errorf("expected children [%d %d], got %v", app1.ID, app2.ID, parent.Children)
	}
}

func TestRegistry_CreateRejectsInconsistentSpecs(t *testing.T) {
	reg := newTestRegistry(t)
	os1 := mustCreate(t, reg, osSpec("OS1", 1))
	single := mustCreate(t, reg, ResourceSpec{Name: "probe", Type: ResourceTypeProfiler, Form: FormSingle, Level: 2, Sequence: 0})

	tests := []struct {
		name string
		spec ResourceSpec
	}{
		{"empty name", ResourceSpec{Type: ResourceTypeOS, Form: FormComposite}},
		{"unknown type", ResourceSpec{Name: "x", Type: "vm", Form: FormSingle}},
		{"unknown form", ResourceSpec{Name: "x", Type: ResourceTypeOS, Form: "tree"}},
		{"negative level", ResourceSpec{Name: "x", Type: ResourceTypeOS, Form: FormSingle, Level: -1}},
		{"negative sequence", ResourceSpec{Name: "x", Type: ResourceTypeOS, Form: FormSingle, Sequence: -1}},
		{"single with children", ResourceSpec{Name: "x", Type: ResourceTypeOS, Form: FormSingle, Children: []ResourceID{single.ID}}},
		{"missing parent", appSpec("x", 99, 1)},
		{"parent not composite", ResourceSpec{Name: "x", Type: ResourceTypeApp, Form: FormSingle, Level: 3, ParentID: single.ID}},
		{"parent level not lower", ResourceSpec{Name: "x", Type: ResourceTypeApp, Form: FormSingle, Level: 0, ParentID: os1.ID}},
		{"missing child", ResourceSpec{Name: "x", Type: ResourceTypeOS, Form: FormComposite, Children: []ResourceID{42}}},
		{"child level not higher", ResourceSpec{Name: "x", Type: ResourceTypeOS, Form: FormComposite, Level: 2, Children: []ResourceID{single.ID}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Create(context.Background(), tt.spec)
			if !errors.Is(err, ErrInvalidSpec) {
				t.Errorf("expected INVALID_SPEC, got %v", err)
			}
		})
	}
}

func TestRegistry_CreateAdoptsExistingChildren(t *testing.T) {
	reg := newTestRegistry(t)
	app := mustCreate(t, reg, ResourceSpec{Name: "db", Type: ResourceTypeDB, Form: FormSingle, Level: 1})

	host := mustCreate(t, reg, ResourceSpec{
		Name: "host", Type: ResourceTypeOS, Form: FormComposite, Level: 0,
		Children: []ResourceID{app.ID},
	})

	got, _ := reg.Get(context.Background(), app.ID)
	if got.ParentID != host.ID {
		t.Errorf("expected parent %d, got %d", host.ID, got.ParentID)
	}

	// A child cannot be adopted twice.
	_, err := reg.Create(context.Background(), ResourceSpec{
		Name: "other", Type: ResourceTypeOS, Form: FormComposite, Children: []ResourceID{app.ID},
	})
	if !errors.Is(err, ErrInvalidSpec) {
		t.Errorf("expected INVALID_SPEC, got %v", err)
	}
}

func TestRegistry_GetNotFound(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.Get(context.Background(), 7)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
	var engErr *EngineError
	if !errors.As(err, &engErr) || engErr.Resource != 7 {
		t.Errorf("expected error to carry resource 7, got %v", err)
	}
}

func TestRegistry_ClosedRejectsOperations(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Create(context.Background(), osSpec("OS1", 0)); !HasCode(err, ErrCodeRegistryClosed) {
		t.Errorf("expected REGISTRY_CLOSED, got %v", err)
	}
}

func TestRegistry_SoftDelete(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	os1, app1, _ := scenarioTree(t, reg)

	if _, err := reg.SoftDelete(ctx, app1.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected INVALID_TRANSITION for CREATED resource, got %v", err)
	}

	driveTo(t, reg, app1.ID, StatusUnavailable)
	deleted, err := reg.SoftDelete(ctx, app1.ID)
	if err != nil {
		t.Fatalf("SoftDelete failed: %v", err)
	}
	if !deleted.Deleted || deleted.DeletedAt == nil || deleted.Status != StatusDeleted {
		t.Errorf("expected deleted record, got %+v", deleted)
	}

	active, _ := reg.List(ctx, ListFilter{})
	for _, r := range active {
		if r.ID == app1.ID {
			t.Error("deleted resource appears in active listing")
		}
	}
	all, _ := reg.List(ctx, ListFilter{IncludeDeleted: true})
	found := false
	for _, r := range all {
		if r.ID == app1.ID {
			found = true
		}
	}
	if !found {
		t.Error("deleted resource missing from include-deleted listing")
	}
	if got, err := reg.Get(ctx, app1.ID); err != nil || !got.Deleted {
		t.Errorf("deleted resource not retrievable by id: %v", err)
	}

	if _, err := reg.SoftDelete(ctx, app1.ID); !errors.Is(err, ErrAlreadyDeleted) {
		t.Errorf("expected ALREADY_DELETED, got %v", err)
	}
	if _, _, err := reg.Transition(ctx, app1.ID, TriggerRevoke, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected DELETED to reject transitions, got %v", err)
	}

	// Parent is untouched: no implicit cascade.
	parent, _ := reg.Get(ctx, os1.ID)
	if parent.Deleted {
		t.Error("parent deleted implicitly")
	}
}

func TestRegistry_ListFilter(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	os1, app1, app2 := scenarioTree(t, reg)
	driveTo(t, reg, app2.ID, StatusPrepared)

	roots, _ := reg.List(ctx, ListFilter{Roots: true})
	if len(roots) != 1 || roots[0].ID != os1.ID {
		t.Errorf("expected only OS1 as root, got %d resources", len(roots))
	}

	apps, _ := reg.List(ctx, ListFilter{Type: ResourceTypeApp})
	if len(apps) != 2 || apps[0].ID != app1.ID {
		t.Errorf("expected two apps ordered by id, got %v", apps)
	}

	prepared, _ := reg.List(ctx, ListFilter{Status: StatusPrepared})
	if len(prepared) != 1 || prepared[0].ID != app2.ID {
		t.Errorf("expected App2 as the only PREPARED resource")
	}

	children, _ := reg.List(ctx, ListFilter{ParentID: os1.ID})
	if len(children) != 2 {
		t.Errorf("expected 2 children, got %d", len(children))
	}
}

func TestRegistry_TransitionUpdatesTimestamps(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	reg := newTestRegistry(t, WithClock(func() time.Time { return now }))
	os1 := mustCreate(t, reg, osSpec("OS1", 0))

	now = now.Add(time.Minute)
	res, changed, err := reg.Transition(context.Background(), os1.ID, TriggerDeploy, "")
	if err != nil || !changed {
		t.Fatalf("transition failed: changed=%v err=%v", changed, err)
	}
	if !res.UpdatedAt.Equal(now) || !res.StatusChangedAt.Equal(now) {
		t.Errorf("expected timestamps %v, got updated=%v changed=%v", now, res.UpdatedAt, res.StatusChangedAt)
	}
	if res.Version != os1.Version+1 {
		t.Errorf("expected version %d, got %d", os1.Version+1, res.Version)
	}
}

func TestRegistry_TransitionHooks(t *testing.T) {
	reg := newTestRegistry(t)
	var mu sync.Mutex
	var seen []Transition
	reg.OnTransition(func(res *Resource, from ResourceStatus, trigger Trigger) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, Transition{From: from, Trigger: trigger, To: res.Status})
	})

	os1 := mustCreate(t, reg, osSpec("OS1", 0))
	driveTo(t, reg, os1.ID, StatusPrepared)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("expected 2 hook calls, got %d", len(seen))
	}
	if seen[1].From != StatusDeployed || seen[1].To != StatusPrepared {
		t.Errorf("unexpected second transition %+v", seen[1])
	}
}

func TestRegistry_UpdateProtectsOwnedFields(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	os1 := mustCreate(t, reg, osSpec("OS1", 0))

	res, err := reg.Update(ctx, os1.ID, func(r *Resource) error {
		r.Description = "ubuntu 22.04"
		r.Sequence = 3
		r.Attributes = map[string]string{"host": "10.0.0.5"}
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if res.Description != "ubuntu 22.04" || res.Sequence != 3 || res.Attribute("host", "") != "10.0.0.5" {
		t.Errorf("update not applied: %+v", res)
	}

	_, err = reg.Update(ctx, os1.ID, func(r *Resource) error {
		r.Status = StatusUsing
		return nil
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected INVALID_TRANSITION for status change, got %v", err)
	}

	_, err = reg.Update(ctx, os1.ID, func(r *Resource) error {
		r.Level = 4
		return nil
	})
	if !errors.Is(err, ErrInvalidSpec) {
		t.Errorf("expected INVALID_SPEC for level change, got %v", err)
	}
}

func TestRegistry_ConcurrentTransitionConflict(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	os1 := mustCreate(t, reg, osSpec("OS1", 0))

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		_, err := reg.Update(ctx, os1.ID, func(r *Resource) error {
			close(started)
			<-release
			r.Description = "held"
			return nil
		})
		done <- err
	}()

	<-started
	_, _, err := reg.Transition(ctx, os1.ID, TriggerDeploy, "")
	if !errors.Is(err, ErrConflict) {
		t.Errorf("expected CONFLICT while lease is held, got %v", err)
	}
	if !IsConflict(err) {
		t.Error("conflict should be classified as conflict")
	}
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("holder failed: %v", err)
	}

	got, _ := reg.Get(ctx, os1.ID)
	if got.Status != StatusCreated || got.Description != "held" {
		t.Errorf("expected holder's write only, got status=%s description=%q", got.Status, got.Description)
	}
}

func TestRegistry_RacingTransitionsExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	os1 := mustCreate(t, reg, osSpec("OS1", 0))
	driveTo(t, reg, os1.ID, StatusUsing)

	const racers = 8
	var wg sync.WaitGroup
	start := make(chan struct{})
	results := make(chan error, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			trigger := TriggerAnomaly
			if i%2 == 1 {
				trigger = TriggerRevoke
			}
			_, changed, err := reg.Transition(ctx, os1.ID, trigger, "")
			if err == nil && !changed {
				err = errNoop
			}
			results <- err
		}(i)
	}
	close(start)
	wg.Wait()
	close(results)

	winners := 0
	for err := range results {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, ErrConflict), errors.Is(err, ErrInvalidTransition), err == errNoop:
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}

	got, _ := reg.Get(ctx, os1.ID)
	if got.Status != StatusException && got.Status != StatusRevoking {
		t.Errorf("unexpected final status %s", got.Status)
	}
	// USING -> EXCEPTION -> REVOKING is a legal pair of wins; anything else is one.
	if winners < 1 || winners > 2 {
		t.Errorf("expected one or two successful transitions, got %d", winners)
	}
	if int64(winners) != got.Version-4 {
		t.Errorf("version %d does not match %d committed transitions", got.Version, winners)
	}
}

var errNoop = errors.New("no-op")

type memoryPersister struct {
	mu        sync.Mutex
	resources []*Resource
	saves     int
}

func (p *memoryPersister) Load(_ context.Context) ([]*Resource, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Resource, len(p.resources))
	for i, r := range p.resources {
		out[i] = r.Clone()
	}
	return out, nil
}

func (p *memoryPersister) Save(_ context.Context, resources []*Resource) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resources = resources
	p.saves++
	return nil
}

func TestRegistry_PersistenceRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := &memoryPersister{}

	reg := newTestRegistry(t, WithPersister(store))
	scenarioTree(t, reg)
	if err := reg.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := reg.Get(ctx, 1); !HasCode(err, ErrCodeRegistryClosed) {
		t.Errorf("expected closed registry, got %v", err)
	}

	reopened := newTestRegistry(t, WithPersister(store))
	all, _ := reopened.List(ctx, ListFilter{})
	if len(all) != 3 {
		t.Fatalf("expected 3 resources after reload, got %d", len(all))
	}

	next := mustCreate(t, reopened, osSpec("OS2", 0))
	if next.ID != 4 {
		t.Errorf("ids must not be reused, got %d", next.ID)
	}
}

func TestRegistry_OpenRejectsDuplicateIDs(t *testing.T) {
	store := &memoryPersister{resources: []*Resource{
		{ID: 1, Name: "a", Type: ResourceTypeOS, Form: FormSingle, Status: StatusCreated},
		{ID: 1, Name: "b", Type: ResourceTypeOS, Form: FormSingle, Status: StatusCreated},
	}}
	reg := NewRegistry(WithPersister(store))
	if err := reg.Open(context.Background()); !errors.Is(err, ErrDuplicateID) {
		t.Errorf("expected DUPLICATE_ID, got %v", err)
	}
}

func TestRegistry_CreateTakesRelatedLeases(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	os1 := mustCreate(t, reg, osSpec("OS1", 1))
	orphan := mustCreate(t, reg, ResourceSpec{Name: "db", Type: ResourceTypeDB, Form: FormSingle, Level: 1})

	lease, err := reg.Acquire(os1.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Create(ctx, appSpec("App1", os1.ID, 1)); !errors.Is(err, ErrConflict) {
		t.Errorf("expected conflict while the parent is leased, got %v", err)
	}
	lease.Release()

	lease, err = reg.Acquire(orphan.ID)
	if err != nil {
		t.Fatal(err)
	}
	adopt := ResourceSpec{Name: "OS2", Type: ResourceTypeOS, Form: FormComposite, Children: []ResourceID{orphan.ID}}
	if _, err := reg.Create(ctx, adopt); !errors.Is(err, ErrConflict) {
		t.Errorf("expected conflict while the adopted child is leased, got %v", err)
	}
	lease.Release()

	// nothing changed and the leases were released
	parent, _ := reg.Get(ctx, os1.ID)
	if len(parent.Children) != 0 || parent.Version != os1.Version {
		t.Errorf("conflicting create must not touch the parent, got %+v", parent)
	}
	mustCreate(t, reg, appSpec("App1", os1.ID, 1))
	os2 := mustCreate(t, reg, adopt)
	child, _ := reg.Get(ctx, orphan.ID)
	if child.ParentID != os2.ID {
		t.Errorf("expected %d to adopt %d, got parent %d", os2.ID, orphan.ID, child.ParentID)
	}
	if _, err := reg.Acquire(os1.ID); err != nil {
		t.Errorf("parent lease must be free after create: %v", err)
	}
}
