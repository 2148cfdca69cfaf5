package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"exhibition-bot/internal/models"
	"exhibition-bot/internal/telemetry"
)

// Worker handle states. Exactly one non-terminal handle exists per active
// tenant; stopped and abandoned are terminal until reconciliation removes
// them or an operator resets the tenant.
const (
	StateStarting  = "starting"
	StateRunning   = "running"
	StateBackoff   = "backoff"
	StateAbandoned = "abandoned"
	StateStopping  = "stopping"
	StateStopped   = "stopped"
)

// ErrNotAbandoned is returned by ResetTenant for a tenant that does not need
// an operator reset.
var ErrNotAbandoned = errors.New("tenant is not abandoned")

// ErrUnknownTenant is returned by ResetTenant for a tenant with no handle.
var ErrUnknownTenant = errors.New("no worker handle for tenant")

// Runner is one tenant's blocking worker loop.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFactory builds the worker for a tenant at (re)start time, so a
// restart picks up fresh credentials.
type RunnerFactory func(tenant models.Tenant) Runner

// TenantSource yields the desired tenant set.
type TenantSource interface {
	ListActiveTenants(ctx context.Context) ([]models.Tenant, error)
	GetTenant(ctx context.Context, id string) (models.Tenant, error)
}

// HandleStatus is the externally visible view of one worker handle.
type HandleStatus struct {
	TenantID     string    `json:"tenant_id"`
	TenantName   string    `json:"tenant_name"`
	State        string    `json:"state"`
	RestartCount int       `json:"restart_count"`
	LastError    string    `json:"last_error,omitempty"`
	StartedAt    time.Time `json:"started_at"`
}

type handle struct {
	HandleStatus
	nextEligibleAt time.Time
	cancel         context.CancelFunc
}

// Options configures a Supervisor.
type Options struct {
	Source             TenantSource
	NewRunner          RunnerFactory
	Policy             RestartPolicy
	Logger             *slog.Logger
	ReconcileInterval  time.Duration
	StabilityThreshold time.Duration
	StopTimeout        time.Duration
	// SingleTenantID pins the supervisor to one tenant for debugging.
	SingleTenantID string
}

// Supervisor keeps exactly one live worker per active tenant. The handle
// table is owned here and mutated only by reconciliation and worker-exit
// callbacks, both serialized on one mutex.
type Supervisor struct {
	src       TenantSource
	newRunner RunnerFactory
	policy    RestartPolicy
	logger    *slog.Logger

	reconcileInterval  time.Duration
	stabilityThreshold time.Duration
	stopTimeout        time.Duration
	singleTenantID     string

	mu      sync.Mutex
	handles map[string]*handle
	wg      sync.WaitGroup
	kick    chan struct{}
	now     func() time.Time
}

// New builds a supervisor.
func New(opts Options) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reconcileInterval := opts.ReconcileInterval
	if reconcileInterval <= 0 {
		reconcileInterval = time.Minute
	}
	stabilityThreshold := opts.StabilityThreshold
	if stabilityThreshold <= 0 {
		stabilityThreshold = 5 * time.Minute
	}
	stopTimeout := opts.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = 10 * time.Second
	}
	policy := opts.Policy
	if policy.MaxRestarts == 0 && policy.Delay == 0 {
		policy = DefaultPolicy()
	}
	return &Supervisor{
		src:                opts.Source,
		newRunner:          opts.NewRunner,
		policy:             policy,
		logger:             logger,
		reconcileInterval:  reconcileInterval,
		stabilityThreshold: stabilityThreshold,
		stopTimeout:        stopTimeout,
		singleTenantID:     opts.SingleTenantID,
		handles:            make(map[string]*handle),
		kick:               make(chan struct{}, 1),
		now:                time.Now,
	}
}

// Run reconciles once immediately and then on a fixed interval until ctx is
// cancelled, after which it stops all workers within the stop timeout.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Reconcile(ctx); err != nil {
		return fmt.Errorf("initial reconcile: %w", err)
	}

	ticker := time.NewTicker(s.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-ticker.C:
		case <-s.kick:
		}
		if err := s.Reconcile(ctx); err != nil {
			s.logger.Error("reconcile failed", "error", err)
		}
	}
}

// Reconcile compares the desired tenant set against the live worker set and
// corrects drift. It is idempotent and is the sole path that starts workers.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	desired, err := s.desiredTenants(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	desiredByID := make(map[string]models.Tenant, len(desired))
	for _, t := range desired {
		desiredByID[t.ID] = t
	}

	for _, t := range desired {
		h := s.handles[t.ID]
		switch {
		case h == nil:
			s.startLocked(ctx, t, 0)
		case h.State == StateBackoff && !now.Before(h.nextEligibleAt):
			telemetry.WorkerRestarts.Inc()
			s.startLocked(ctx, t, h.RestartCount)
		case h.State == StateStopped:
			// Deactivated and re-activated between polls; start fresh.
			s.startLocked(ctx, t, 0)
		}
	}

	for id, h := range s.handles {
		if _, ok := desiredByID[id]; ok {
			continue
		}
		switch h.State {
		case StateStopped, StateAbandoned:
			delete(s.handles, id)
		case StateStopping:
			// Waiting for the worker to exit.
		default:
			s.logger.Info("tenant no longer desired, stopping worker", "tenant_id", id)
			h.State = StateStopping
			h.cancel()
		}
	}

	s.publishSnapshotLocked()
	return nil
}

func (s *Supervisor) desiredTenants(ctx context.Context) ([]models.Tenant, error) {
	if s.singleTenantID != "" {
		t, err := s.src.GetTenant(ctx, s.singleTenantID)
		if err != nil {
			return nil, fmt.Errorf("get pinned tenant: %w", err)
		}
		if !t.Active {
			return nil, nil
		}
		return []models.Tenant{t}, nil
	}
	tenants, err := s.src.ListActiveTenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active tenants: %w", err)
	}
	return tenants, nil
}

// startLocked registers a handle and launches the worker goroutine. Caller
// holds s.mu.
func (s *Supervisor) startLocked(ctx context.Context, t models.Tenant, restartCount int) {
	wctx, cancel := context.WithCancel(ctx)
	h := &handle{
		HandleStatus: HandleStatus{
			TenantID:     t.ID,
			TenantName:   t.Name,
			State:        StateStarting,
			RestartCount: restartCount,
			StartedAt:    s.now(),
		},
		cancel: cancel,
	}
	s.handles[t.ID] = h
	s.logger.Info("starting tenant worker", "tenant_id", t.ID, "tenant_name", t.Name, "restart_count", restartCount)

	runner := s.newRunner(t)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.setState(t.ID, StateRunning)
		err := runner.Run(wctx)
		cancel()
		s.onExit(t.ID, err)
	}()
}

func (s *Supervisor) setState(tenantID, state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.handles[tenantID]; ok && h.State == StateStarting {
		h.State = state
	}
}

// onExit is the only other mutator of the handle table besides Reconcile.
func (s *Supervisor) onExit(tenantID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handles[tenantID]
	if !ok {
		return
	}

	if h.State == StateStopping || (err == nil && h.State != StateStarting) {
		h.State = StateStopped
		s.logger.Info("tenant worker stopped", "tenant_id", tenantID)
		return
	}
	if err == nil {
		err = errors.New("worker exited without error before running")
	}

	now := s.now()
	if now.Sub(h.StartedAt) >= s.stabilityThreshold {
		// A long stable run forgives earlier crashes.
		h.RestartCount = 0
	}
	h.RestartCount++
	h.LastError = err.Error()

	decision := s.policy.Decide(h.RestartCount)
	if !decision.Retry {
		h.State = StateAbandoned
		s.logger.Error("tenant worker abandoned, manual intervention required",
			"tenant_id", tenantID, "restart_count", h.RestartCount, "error", err)
		return
	}

	h.State = StateBackoff
	h.nextEligibleAt = now.Add(decision.After)
	s.logger.Warn("tenant worker crashed, restart scheduled",
		"tenant_id", tenantID, "restart_count", h.RestartCount,
		"retry_in", decision.After, "error", err)

	// Wake the reconciler when the backoff elapses so the effective restart
	// delay is the policy delay, not the reconcile interval.
	time.AfterFunc(decision.After, s.Kick)
}

// Kick requests an out-of-band reconciliation.
func (s *Supervisor) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// ResetTenant clears an abandoned handle so the next reconciliation starts
// the worker from a zero restart count. This is the operator-visible
// acknowledgement required before an abandoned tenant is retried.
func (s *Supervisor) ResetTenant(tenantID string) error {
	s.mu.Lock()
	h, ok := s.handles[tenantID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownTenant
	}
	if h.State != StateAbandoned {
		s.mu.Unlock()
		return ErrNotAbandoned
	}
	delete(s.handles, tenantID)
	s.mu.Unlock()

	s.logger.Info("abandoned tenant reset by operator", "tenant_id", tenantID)
	s.Kick()
	return nil
}

// Status returns a snapshot of every worker handle.
func (s *Supervisor) Status() map[string]HandleStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]HandleStatus, len(s.handles))
	for id, h := range s.handles {
		out[id] = h.HandleStatus
	}
	return out
}

// publishSnapshotLocked emits the aggregate health counts after every
// reconciliation. Caller holds s.mu.
func (s *Supervisor) publishSnapshotLocked() {
	var running, backoff, abandoned int
	for _, h := range s.handles {
		switch h.State {
		case StateRunning, StateStarting:
			running++
		case StateBackoff:
			backoff++
		case StateAbandoned:
			abandoned++
		}
	}
	telemetry.WorkersRunning.Set(float64(running))
	telemetry.WorkersBackoff.Set(float64(backoff))
	telemetry.WorkersAbandoned.Set(float64(abandoned))
	s.logger.Info("reconcile complete", "running", running, "backoff", backoff, "abandoned", abandoned)
}

// shutdown stops every worker and waits up to the stop timeout. A stuck
// worker never blocks process exit.
func (s *Supervisor) shutdown() {
	s.mu.Lock()
	for _, h := range s.handles {
		switch h.State {
		case StateStopped, StateAbandoned:
		default:
			h.State = StateStopping
			h.cancel()
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("all tenant workers stopped")
	case <-time.After(s.stopTimeout):
		s.logger.Warn("shutdown timeout elapsed with workers still running")
	}
}
