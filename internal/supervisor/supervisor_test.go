package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"exhibition-bot/internal/models"
)

type fakeSource struct {
	mu      sync.Mutex
	tenants []models.Tenant
	err     error
}

func (f *fakeSource) setTenants(tenants ...models.Tenant) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tenants = tenants
}

func (f *fakeSource) ListActiveTenants(context.Context) ([]models.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]models.Tenant(nil), f.tenants...), nil
}

func (f *fakeSource) GetTenant(_ context.Context, id string) (models.Tenant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tenants {
		if t.ID == id {
			return t, nil
		}
	}
	return models.Tenant{}, errors.New("tenant not found")
}

// blockingRunner runs until its context is cancelled.
type blockingRunner struct {
	started *atomic.Int64
}

func (r *blockingRunner) Run(ctx context.Context) error {
	if r.started != nil {
		r.started.Add(1)
	}
	<-ctx.Done()
	return nil
}

// crashingRunner fails immediately on every start.
type crashingRunner struct {
	started *atomic.Int64
}

func (r *crashingRunner) Run(context.Context) error {
	if r.started != nil {
		r.started.Add(1)
	}
	return errors.New("credential rejected")
}

func tenant(id string) models.Tenant {
	return models.Tenant{ID: id, Name: "tenant " + id, Active: true}
}

func newTestSupervisor(src TenantSource, factory RunnerFactory, policy RestartPolicy) *Supervisor {
	return New(Options{
		Source:             src,
		NewRunner:          factory,
		Policy:             policy,
		ReconcileInterval:  10 * time.Millisecond,
		StabilityThreshold: time.Hour,
		StopTimeout:        time.Second,
	})
}

func waitForState(t *testing.T, s *Supervisor, tenantID, state string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.Status()[tenantID].State == state
	}, 2*time.Second, 2*time.Millisecond, "tenant %s never reached %s (status: %+v)", tenantID, state, s.Status())
}

func TestReconcileStartsOneWorkerPerTenant(t *testing.T) {
	src := &fakeSource{}
	src.setTenants(tenant("a"), tenant("b"))

	var started atomic.Int64
	s := newTestSupervisor(src, func(models.Tenant) Runner {
		return &blockingRunner{started: &started}
	}, DefaultPolicy())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Reconcile(ctx))
	waitForState(t, s, "a", StateRunning)
	waitForState(t, s, "b", StateRunning)

	// Reconcile is idempotent: a second pass starts nothing new.
	require.NoError(t, s.Reconcile(ctx))
	require.NoError(t, s.Reconcile(ctx))
	require.Equal(t, int64(2), started.Load())
	require.Len(t, s.Status(), 2)
}

func TestReconcileStopsUndesiredWorker(t *testing.T) {
	src := &fakeSource{}
	src.setTenants(tenant("a"), tenant("b"))

	s := newTestSupervisor(src, func(models.Tenant) Runner {
		return &blockingRunner{}
	}, DefaultPolicy())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Reconcile(ctx))
	waitForState(t, s, "b", StateRunning)

	// Tenant b is deactivated out-of-band.
	src.setTenants(tenant("a"))
	require.NoError(t, s.Reconcile(ctx))

	require.Eventually(t, func() bool {
		st, ok := s.Status()["b"]
		return !ok || st.State == StateStopped
	}, time.Second, 2*time.Millisecond)

	// The terminal handle is removed on a later pass; a stays untouched.
	require.NoError(t, s.Reconcile(ctx))
	_, ok := s.Status()["b"]
	require.False(t, ok)
	require.Equal(t, StateRunning, s.Status()["a"].State)
}

func TestCrashingWorkerIsAbandonedAfterMaxRestarts(t *testing.T) {
	src := &fakeSource{}
	src.setTenants(tenant("a"))

	var started atomic.Int64
	policy := RestartPolicy{Delay: time.Millisecond, MaxRestarts: 10}
	s := newTestSupervisor(src, func(models.Tenant) Runner {
		return &crashingRunner{started: &started}
	}, policy)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Reconcile(ctx))
	require.Eventually(t, func() bool {
		_ = s.Reconcile(ctx)
		return s.Status()["a"].State == StateAbandoned
	}, 5*time.Second, 2*time.Millisecond)

	// Initial start plus ten restarts; the eleventh crash abandons.
	require.Equal(t, int64(11), started.Load())
	require.Equal(t, 11, s.Status()["a"].RestartCount)
	require.Contains(t, s.Status()["a"].LastError, "credential rejected")

	// No further attempts without an operator reset.
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Reconcile(ctx))
		time.Sleep(2 * time.Millisecond)
	}
	require.Equal(t, int64(11), started.Load())
	require.Equal(t, StateAbandoned, s.Status()["a"].State)
}

func TestResetRestartsAbandonedTenant(t *testing.T) {
	src := &fakeSource{}
	src.setTenants(tenant("a"))

	var crashes atomic.Int64
	healthy := make(chan struct{})
	s := newTestSupervisor(src, func(models.Tenant) Runner {
		if crashes.Load() < 3 {
			return &crashingRunner{started: &crashes}
		}
		close(healthy)
		return &blockingRunner{}
	}, RestartPolicy{Delay: time.Millisecond, MaxRestarts: 2})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Reconcile(ctx))
	require.Eventually(t, func() bool {
		_ = s.Reconcile(ctx)
		return s.Status()["a"].State == StateAbandoned
	}, 5*time.Second, 2*time.Millisecond)

	require.ErrorIs(t, s.ResetTenant("missing"), ErrUnknownTenant)
	require.NoError(t, s.ResetTenant("a"))
	require.NoError(t, s.Reconcile(ctx))

	select {
	case <-healthy:
	case <-time.After(time.Second):
		t.Fatal("reset tenant was not restarted")
	}
	waitForState(t, s, "a", StateRunning)
	require.Equal(t, 0, s.Status()["a"].RestartCount)
}

func TestResetRejectsHealthyTenant(t *testing.T) {
	src := &fakeSource{}
	src.setTenants(tenant("a"))

	s := newTestSupervisor(src, func(models.Tenant) Runner {
		return &blockingRunner{}
	}, DefaultPolicy())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Reconcile(ctx))
	waitForState(t, s, "a", StateRunning)
	require.ErrorIs(t, s.ResetTenant("a"), ErrNotAbandoned)
}

func TestRunShutsDownWorkersOnCancel(t *testing.T) {
	src := &fakeSource{}
	src.setTenants(tenant("a"))

	s := newTestSupervisor(src, func(models.Tenant) Runner {
		return &blockingRunner{}
	}, DefaultPolicy())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitForState(t, s, "a", StateRunning)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not shut down")
	}
}

// stuckRunner ignores its context entirely.
type stuckRunner struct {
	release chan struct{}
}

func (r *stuckRunner) Run(context.Context) error {
	<-r.release
	return nil
}

func TestShutdownForceReturnsOnStuckWorker(t *testing.T) {
	src := &fakeSource{}
	src.setTenants(tenant("a"))

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	s := New(Options{
		Source:            src,
		NewRunner:         func(models.Tenant) Runner { return &stuckRunner{release: release} },
		Policy:            DefaultPolicy(),
		ReconcileInterval: 10 * time.Millisecond,
		StopTimeout:       50 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitForState(t, s, "a", StateRunning)
	cancel()

	// The stop timeout bounds shutdown; a worker that never exits must not
	// hang the process.
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("shutdown did not force-return past the stuck worker")
	}
}

// testClock is a mutable time source for time-dependent supervisor paths.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// gatedRunner runs until told to crash or its context is cancelled.
type gatedRunner struct {
	crash chan struct{}
}

func (r *gatedRunner) Run(ctx context.Context) error {
	select {
	case <-r.crash:
		return errors.New("late crash")
	case <-ctx.Done():
		return nil
	}
}

func TestStableRunResetsRestartCount(t *testing.T) {
	src := &fakeSource{}
	src.setTenants(tenant("a"))

	crash := make(chan struct{})
	s := New(Options{
		Source:             src,
		NewRunner:          func(models.Tenant) Runner { return &gatedRunner{crash: crash} },
		Policy:             RestartPolicy{Delay: time.Millisecond, MaxRestarts: 1},
		StabilityThreshold: 10 * time.Minute,
		StopTimeout:        time.Second,
	})
	clk := &testClock{t: time.Now()}
	s.now = clk.Now

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Reconcile(ctx))
	waitForState(t, s, "a", StateRunning)

	// Two crashes, each after a run longer than the stability threshold.
	// Without the reset the second crash would exceed MaxRestarts and
	// abandon the tenant.
	for i := 0; i < 2; i++ {
		clk.Advance(11 * time.Minute)
		crash <- struct{}{}
		require.Eventually(t, func() bool {
			return s.Status()["a"].State == StateBackoff
		}, time.Second, 2*time.Millisecond)
		require.Equal(t, 1, s.Status()["a"].RestartCount)

		clk.Advance(time.Millisecond)
		require.NoError(t, s.Reconcile(ctx))
		waitForState(t, s, "a", StateRunning)
	}
}

func TestSingleTenantMode(t *testing.T) {
	src := &fakeSource{}
	src.setTenants(tenant("a"), tenant("b"))

	s := New(Options{
		Source:         src,
		NewRunner:      func(models.Tenant) Runner { return &blockingRunner{} },
		SingleTenantID: "b",
		StopTimeout:    time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Reconcile(ctx))
	waitForState(t, s, "b", StateRunning)
	_, ok := s.Status()["a"]
	require.False(t, ok)
}
