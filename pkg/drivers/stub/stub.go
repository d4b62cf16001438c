// Package stub provides an in-memory driver for development and tests. It
// deploys nothing; resources fail on request through their attributes or at
// a configured random rate.
package stub

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rangekeeper/rangekeeper/pkg/engine"
	"github.com/rangekeeper/rangekeeper/pkg/telemetry"
)

// Attributes that steer the stub.
const (
	// AttrFail lists the steps that fail, comma separated: deploy, verify,
	// probe, teardown.
	AttrFail = "stub.fail"

	// AttrNotReady is the number of verify polls answered not ready.
	AttrNotReady = "stub.not_ready"
)

// Name identifies the driver in metrics and traces.
const Name = "stub"

// Driver implements engine.Deployer, engine.Verifier and engine.HealthChecker.
type Driver struct {
	delay       time.Duration
	failPercent int

	mu       sync.Mutex
	rand     *rand.Rand
	deployed map[engine.ResourceID]time.Time
	polls    map[engine.ResourceID]int
}

var (
	_ engine.Deployer      = (*Driver)(nil)
	_ engine.Verifier      = (*Driver)(nil)
	_ engine.HealthChecker = (*Driver)(nil)
)

// Option configures a Driver.
type Option func(*Driver)

// WithFailPercent makes every step fail transiently that percent of the time.
func WithFailPercent(p int) Option {
	return func(d *Driver) { d.failPercent = p }
}

// WithSeed fixes the random source.
func WithSeed(seed int64) Option {
	return func(d *Driver) { d.rand = rand.New(rand.NewSource(seed)) }
}

// New creates a stub driver whose deploy and teardown take delay.
func New(delay time.Duration, opts ...Option) *Driver {
	d := &Driver{
		delay:    delay,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
		deployed: make(map[engine.ResourceID]time.Time),
		polls:    make(map[engine.ResourceID]int),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Deploy marks the resource deployed.
func (d *Driver) Deploy(ctx context.Context, res *engine.Resource) error {
	return telemetry.ObserveDriverCall(ctx, Name, "deploy", res, func(ctx context.Context) error {
		if err := d.step(ctx, res, "deploy"); err != nil {
			return err
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		d.deployed[res.ID] = time.Now()
		delete(d.polls, res.ID)
		return nil
	})
}

// Teardown forgets the resource.
func (d *Driver) Teardown(ctx context.Context, res *engine.Resource) error {
	return telemetry.ObserveDriverCall(ctx, Name, "teardown", res, func(ctx context.Context) error {
		if err := d.step(ctx, res, "teardown"); err != nil {
			return err
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.deployed, res.ID)
		delete(d.polls, res.ID)
		return nil
	})
}

// Verify reports ready once the resource is deployed and its not-ready
// polls are used up.
func (d *Driver) Verify(ctx context.Context, res *engine.Resource) (engine.VerifyResult, error) {
	if failing(res, "verify") {
		return engine.VerifyResult{}, fmt.Errorf("stub: verify of %s failed", res.Name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.deployed[res.ID]; !ok {
		return engine.NotReady("not deployed"), nil
	}
	d.polls[res.ID]++
	if n, _ := strconv.Atoi(res.Attribute(AttrNotReady, "0")); d.polls[res.ID] <= n {
		return engine.NotReady(fmt.Sprintf("poll %d of %d", d.polls[res.ID], n)), nil
	}
	return engine.Ready(), nil
}

// Check reports deployed resources healthy.
func (d *Driver) Check(_ context.Context, res *engine.Resource) (engine.HealthSignal, error) {
	signal := engine.Healthy()
	if failing(res, "probe") {
		signal = engine.Anomalous("stub: probe failure requested")
	} else if !d.Deployed(res.ID) {
		signal = engine.Anomalous("stub: resource is not deployed")
	}
	signal.ObservedAt = time.Now()
	return signal, nil
}

// Deployed reports whether the stub holds the resource.
func (d *Driver) Deployed(id engine.ResourceID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.deployed[id]
	return ok
}

func (d *Driver) step(ctx context.Context, res *engine.Resource, name string) error {
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if failing(res, name) {
		return engine.NewPermanentError(fmt.Sprintf("stub: %s failure requested", name), nil).
			WithResource(res.ID).
			WithOperation(name)
	}
	if d.randomFailure() {
		return engine.NewTransientError(fmt.Sprintf("stub: random %s failure", name), nil).
			WithResource(res.ID).
			WithOperation(name)
	}
	return nil
}

func (d *Driver) randomFailure() bool {
	if d.failPercent <= 0 {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rand.Intn(100) < d.failPercent
}

func failing(res *engine.Resource, step string) bool {
	for _, s := range strings.Split(res.Attribute(AttrFail, ""), ",") {
		if strings.TrimSpace(s) == step {
			return true
		}
	}
	return false
}
