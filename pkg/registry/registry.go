// Package registry holds the execution backends and routes tasks to them.
//
// Each registered backend carries a weighted semaphore bounding in-flight
// tasks and a circuit breaker fed by execution outcomes. Routing prefers
// healthy backends with closed breakers and never selects an open one.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"github.com/cortexhq/cortex/pkg/backend"
	"github.com/cortexhq/cortex/pkg/metrics"
)

// healthProbeBudget bounds a single health check during snapshots.
const healthProbeBudget = 5 * time.Second

// errOutcomeFailure is the sample fed to a breaker for outcomes that
// count against it.
var errOutcomeFailure = errors.New("backend outcome counted as failure")

// BreakerSettings tunes one backend's circuit breaker.
type BreakerSettings struct {
	// FailureThreshold is the number of counted failures within Window
	// that trips the breaker open.
	FailureThreshold uint32

	// Window is the rolling interval over which failures are counted
	// while the breaker is closed.
	Window time.Duration

	// OpenFor is how long the breaker refuses traffic before moving to
	// half-open and allowing a single probe.
	OpenFor time.Duration
}

func (s BreakerSettings) withDefaults() BreakerSettings {
	if s.FailureThreshold == 0 {
		s.FailureThreshold = 5
	}
	if s.Window <= 0 {
		s.Window = 60 * time.Second
	}
	if s.OpenFor <= 0 {
		s.OpenFor = 30 * time.Second
	}
	return s
}

// RegisterOptions configures one backend registration.
type RegisterOptions struct {
	// MaxConcurrent bounds in-flight tasks on the backend. Values below 1
	// are treated as 1.
	MaxConcurrent int64

	// Priority orders backends during routing scans. Lower wins.
	Priority int

	Breaker BreakerSettings
}

// Route is the outcome of a successful routing decision.
type Route struct {
	BackendID string
	Backend   backend.Backend
}

// Permit is a held unit of backend capacity. Release returns it; Release
// is idempotent.
type Permit struct {
	backendID string
	release   func()
	once      sync.Once
}

// BackendID returns the backend this permit belongs to.
func (p *Permit) BackendID() string { return p.backendID }

// Release returns the permit's capacity to the backend.
func (p *Permit) Release() {
	p.once.Do(p.release)
}

// BackendHealth is one backend's row in a health snapshot.
type BackendHealth struct {
	BackendID     string              `json:"backend_id"`
	Kind          backend.Kind        `json:"kind"`
	Health        backend.HealthState `json:"health"`
	LatencyMs     int64               `json:"latency_ms"`
	Reason        string              `json:"reason,omitempty"`
	BreakerState  string              `json:"breaker_state"`
	WindowFails   uint32              `json:"window_failures"`
	ActivePermits int64               `json:"active_permits"`
	MaxConcurrent int64               `json:"max_concurrent"`
	Priority      int                 `json:"priority"`
}

type entry struct {
	backend       backend.Backend
	caps          backend.Capabilities
	sem           *semaphore.Weighted
	breaker       *gobreaker.CircuitBreaker
	maxConcurrent int64
	priority      int
	active        atomic.Int64

	healthMu   sync.Mutex
	lastHealth backend.HealthStatus
}

func (e *entry) cachedHealth() backend.HealthStatus {
	e.healthMu.Lock()
	defer e.healthMu.Unlock()
	return e.lastHealth
}

func (e *entry) setHealth(status backend.HealthStatus) {
	e.healthMu.Lock()
	e.lastHealth = status
	e.healthMu.Unlock()
}

// Registry owns the registered backends and their routing state.
type Registry struct {
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		logger:  logger.With("component", "backend_registry"),
		entries: make(map[string]*entry),
	}
}

// Register starts the backend, probes its health once, and installs its
// semaphore and circuit breaker. A Start failure leaves the registry
// unchanged.
func (r *Registry) Register(ctx context.Context, b backend.Backend, opts RegisterOptions) error {
	id := b.ID()
	if id == "" {
		return errors.New("register: backend id is empty")
	}

	r.mu.Lock()
	if _, exists := r.entries[id]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, id)
	}
	r.mu.Unlock()

	if err := b.Start(ctx); err != nil {
		return fmt.Errorf("register %s: start: %w", id, err)
	}

	health := b.HealthCheck(ctx)
	if health.State != backend.HealthHealthy {
		r.logger.Warn("backend registered in non-healthy state",
			"backend_id", id,
			"health", health.State,
			"reason", health.Reason)
	}

	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	settings := opts.Breaker.withDefaults()

	e := &entry{
		backend:       b,
		caps:          b.Capabilities(),
		sem:           semaphore.NewWeighted(maxConcurrent),
		maxConcurrent: maxConcurrent,
		priority:      opts.Priority,
	}
	e.setHealth(health)
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        id,
		MaxRequests: 1,
		Interval:    settings.Window,
		Timeout:     settings.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.TotalFailures >= settings.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.SetBreakerState(name, to.String())
			r.logger.Warn("breaker state changed",
				"backend_id", name,
				"from", from.String(),
				"to", to.String())
		},
	})
	metrics.SetBreakerState(id, gobreaker.StateClosed.String())

	r.mu.Lock()
	if _, exists := r.entries[id]; exists {
		r.mu.Unlock()
		if stopErr := b.Stop(ctx); stopErr != nil {
			r.logger.Warn("stopping duplicate backend failed", "backend_id", id, "error", stopErr)
		}
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, id)
	}
	r.entries[id] = e
	r.reorderLocked()
	r.mu.Unlock()

	r.logger.Info("backend registered",
		"backend_id", id,
		"kind", b.Kind(),
		"max_concurrent", maxConcurrent,
		"priority", opts.Priority,
		"health", health.State)
	return nil
}

// reorderLocked recomputes the deterministic scan order. Callers hold r.mu.
func (r *Registry) reorderLocked() {
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := r.entries[ids[i]], r.entries[ids[j]]
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		return ids[i] < ids[j]
	})
	r.order = ids
}

// Get returns a registered backend by id.
func (r *Registry) Get(id string) (backend.Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, id)
	}
	return e.backend, nil
}

// IDs returns the registered backend ids in scan order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// RouteTask picks a backend for the task. A preferred backend wins when
// its breaker is not open and it supports the task's goal type; otherwise
// backends are scanned in priority order, healthy ones with closed
// breakers first, then degraded or half-open ones. Open breakers and
// unhealthy backends are never selected.
func (r *Registry) RouteTask(task *backend.ExecutionTask, preferredID string) (*Route, error) {
	goal := task.Instruction.GoalType

	r.mu.RLock()
	defer r.mu.RUnlock()

	if preferredID != "" {
		if e, ok := r.entries[preferredID]; ok &&
			e.breaker.State() != gobreaker.StateOpen &&
			e.caps.SupportsGoal(goal) {
			return &Route{BackendID: preferredID, Backend: e.backend}, nil
		}
		r.logger.Debug("preferred backend not eligible, scanning",
			"preferred", preferredID,
			"task_id", task.TaskID,
			"goal_type", goal)
	}

	// First pass: healthy with a closed breaker.
	for _, id := range r.order {
		e := r.entries[id]
		if !e.caps.SupportsGoal(goal) {
			continue
		}
		if e.breaker.State() == gobreaker.StateClosed && e.cachedHealth().State == backend.HealthHealthy {
			return &Route{BackendID: id, Backend: e.backend}, nil
		}
	}

	// Second pass: degraded health or a half-open breaker still beats
	// failing the task. Open breakers and unhealthy backends stay out.
	for _, id := range r.order {
		e := r.entries[id]
		if !e.caps.SupportsGoal(goal) {
			continue
		}
		state := e.breaker.State()
		if state == gobreaker.StateOpen {
			continue
		}
		if e.cachedHealth().State == backend.HealthUnhealthy {
			continue
		}
		return &Route{BackendID: id, Backend: e.backend}, nil
	}

	return nil, fmt.Errorf("%w for goal type %q", ErrNoBackendAvailable, goal)
}

// AcquirePermit blocks until the backend has capacity, the timeout
// elapses, or ctx is cancelled. The returned permit must be released.
func (r *Registry) AcquirePermit(ctx context.Context, backendID string, timeout time.Duration) (*Permit, error) {
	r.mu.RLock()
	e, ok := r.entries[backendID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, backendID)
	}

	acquireCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := e.sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		metrics.RecordPermitTimeout(backendID)
		return nil, fmt.Errorf("%w: backend %s after %s", ErrPermitTimeout, backendID, timeout)
	}

	e.active.Add(1)
	return &Permit{
		backendID: backendID,
		release: func() {
			e.active.Add(-1)
			e.sem.Release(1)
		},
	}, nil
}

// RecordOutcome feeds an execution outcome to the backend's breaker.
// Failures count only when the classification is retryable (TRANSIENT or
// RESOURCE); application-level failures do not trip the breaker. Samples
// arriving while the breaker is open are dropped, matching the route-time
// state check.
func (r *Registry) RecordOutcome(backendID string, success bool, class backend.Classification) {
	r.mu.RLock()
	e, ok := r.entries[backendID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	var sample error
	if !success && class.Retryable() {
		sample = errOutcomeFailure
	}

	_, err := e.breaker.Execute(func() (any, error) { return nil, sample })
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		r.logger.Debug("breaker dropped outcome sample",
			"backend_id", backendID,
			"success", success,
			"classification", class)
	}
}

// BreakerState returns the current breaker state for a backend.
func (r *Registry) BreakerState(backendID string) (gobreaker.State, error) {
	r.mu.RLock()
	e, ok := r.entries[backendID]
	r.mu.RUnlock()
	if !ok {
		return gobreaker.StateClosed, fmt.Errorf("%w: %s", ErrUnknownBackend, backendID)
	}
	return e.breaker.State(), nil
}

// HealthSnapshot probes every backend and returns one row per backend in
// scan order. Probes run concurrently with a bounded budget and refresh
// the cached health used by routing.
func (r *Registry) HealthSnapshot(ctx context.Context) []BackendHealth {
	r.mu.RLock()
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	entries := make([]*entry, len(ids))
	for i, id := range ids {
		entries[i] = r.entries[id]
	}
	r.mu.RUnlock()

	rows := make([]BackendHealth, len(ids))
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e := entries[i]

			probeCtx, cancel := context.WithTimeout(ctx, healthProbeBudget)
			health := e.backend.HealthCheck(probeCtx)
			cancel()
			e.setHealth(health)

			counts := e.breaker.Counts()
			rows[i] = BackendHealth{
				BackendID:     ids[i],
				Kind:          e.backend.Kind(),
				Health:        health.State,
				LatencyMs:     health.LatencyMs,
				Reason:        health.Reason,
				BreakerState:  e.breaker.State().String(),
				WindowFails:   counts.TotalFailures,
				ActivePermits: e.active.Load(),
				MaxConcurrent: e.maxConcurrent,
				Priority:      e.priority,
			}
		}(i)
	}
	wg.Wait()
	return rows
}

// RefreshHealth re-probes every backend and updates the cached health
// used by routing decisions.
func (r *Registry) RefreshHealth(ctx context.Context) {
	r.HealthSnapshot(ctx)
}

// Shutdown stops every registered backend. Errors are joined.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	ids := make([]string, 0, len(r.entries))
	for _, id := range r.order {
		entries = append(entries, r.entries[id])
		ids = append(ids, id)
	}
	r.entries = make(map[string]*entry)
	r.order = nil
	r.mu.Unlock()

	var errs []error
	for i, e := range entries {
		if err := e.backend.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", ids[i], err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	r.logger.Info("backend registry shut down", "backends", len(entries))
	return nil
}
