// Package orchestrator owns the lifecycle of per-session sandbox instances:
// provisioning with retries, readiness, heartbeats, release and reaping.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/nstogner/sandboxd/pkg/catalog"
	"github.com/nstogner/sandboxd/pkg/domain"
	"github.com/nstogner/sandboxd/pkg/probe"
	"github.com/nstogner/sandboxd/pkg/registry"
	"github.com/nstogner/sandboxd/pkg/sandbox"
	"github.com/nstogner/sandboxd/pkg/store"
)

// ErrNoSandbox is returned when a session has no instance.
var ErrNoSandbox = errors.New("no sandbox for session")

// Policy holds the retry, timeout and capacity settings.
type Policy struct {
	// MaxAttempts bounds provisioning attempts per acquire.
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// ProvisionTimeout bounds create+start of one attempt.
	ProvisionTimeout time.Duration
	// BootTimeout bounds the readiness probe of one attempt.
	BootTimeout time.Duration

	HeartbeatInterval         time.Duration
	StaleAfter                time.Duration
	HeartbeatFailureThreshold int

	// CleanupTimeout bounds a single stop+destroy.
	CleanupTimeout    time.Duration
	ReaperInterval    time.Duration
	TerminalGrace     time.Duration
	CleanupMaxRetries int

	// MaxInstances caps live plus in-flight instances.
	MaxInstances int
}

// DefaultPolicy returns the default policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:               3,
		BackoffBase:               500 * time.Millisecond,
		BackoffMax:                10 * time.Second,
		ProvisionTimeout:          60 * time.Second,
		BootTimeout:               120 * time.Second,
		HeartbeatInterval:         10 * time.Second,
		StaleAfter:                15 * time.Second,
		HeartbeatFailureThreshold: 3,
		CleanupTimeout:            30 * time.Second,
		ReaperInterval:            30 * time.Second,
		TerminalGrace:             5 * time.Minute,
		CleanupMaxRetries:         10,
		MaxInstances:              16,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = d.BackoffBase
	}
	if p.BackoffMax < p.BackoffBase {
		p.BackoffMax = max(d.BackoffMax, p.BackoffBase)
	}
	if p.ProvisionTimeout <= 0 {
		p.ProvisionTimeout = d.ProvisionTimeout
	}
	if p.BootTimeout <= 0 {
		p.BootTimeout = d.BootTimeout
	}
	if p.HeartbeatInterval <= 0 {
		p.HeartbeatInterval = d.HeartbeatInterval
	}
	if p.StaleAfter <= 0 {
		p.StaleAfter = d.StaleAfter
	}
	if p.HeartbeatFailureThreshold <= 0 {
		p.HeartbeatFailureThreshold = d.HeartbeatFailureThreshold
	}
	if p.CleanupTimeout <= 0 {
		p.CleanupTimeout = d.CleanupTimeout
	}
	if p.ReaperInterval <= 0 {
		p.ReaperInterval = d.ReaperInterval
	}
	if p.TerminalGrace <= 0 {
		p.TerminalGrace = d.TerminalGrace
	}
	if p.CleanupMaxRetries <= 0 {
		p.CleanupMaxRetries = d.CleanupMaxRetries
	}
	if p.MaxInstances <= 0 {
		p.MaxInstances = d.MaxInstances
	}
	return p
}

// Prober is the readiness prober used for boot and heartbeat checks.
type Prober interface {
	Probe(ctx context.Context, target probe.Target, deadline time.Time) probe.Result
	Check(ctx context.Context, target probe.Target) error
}

var _ Prober = (*probe.Prober)(nil)

// Options are per-acquire settings.
type Options struct {
	// Env is merged over the template's environment.
	Env map[string]string
	// BootTimeout overrides the policy's boot timeout when positive.
	BootTimeout time.Duration
}

// Handle is what Acquire hands to callers.
type Handle struct {
	InstanceID string       `json:"instance_id"`
	SessionKey string       `json:"session_key"`
	Template   string       `json:"template"`
	Endpoint   string       `json:"endpoint"`
	State      domain.State `json:"state"`
	ReadyAt    *time.Time   `json:"ready_at,omitempty"`
}

func handleOf(inst *domain.Instance) Handle {
	return Handle{
		InstanceID: inst.ID,
		SessionKey: inst.SessionKey,
		Template:   inst.Template.Name,
		Endpoint:   inst.Endpoint,
		State:      inst.State,
		ReadyAt:    inst.ReadyAt,
	}
}

// pendingAttempt is an instance that is being provisioned and is not yet in
// the registry.
type pendingAttempt struct {
	inst   *domain.Instance
	cancel context.CancelCauseFunc
}

// Orchestrator drives sandbox instances through their state machine. It is
// safe for concurrent use.
type Orchestrator struct {
	runtime  sandbox.Runtime
	catalog  catalog.Catalog
	prober   Prober
	registry *registry.Registry
	store    store.Store
	policy   Policy
	logger   *slog.Logger
	now      func() time.Time
	jitter   func(time.Duration) time.Duration

	flights singleflight.Group
	locks   *sessionLocks

	mu       sync.Mutex
	pending  map[string]*pendingAttempt
	closed   bool
	attempts sync.WaitGroup

	subMu sync.RWMutex
	subs  map[chan domain.Event]struct{}

	metrics *metrics
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRegistry sets the session registry. Defaults to a new empty registry.
func WithRegistry(r *registry.Registry) Option {
	return func(o *Orchestrator) { o.registry = r }
}

// WithStore sets the store used to record events and queue cleanups.
// Defaults to an in-memory store.
func WithStore(s store.Store) Option {
	return func(o *Orchestrator) { o.store = s }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock sets the time source used for timestamps and staleness.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithJitter replaces the full-jitter function applied to backoff delays.
func WithJitter(j func(time.Duration) time.Duration) Option {
	return func(o *Orchestrator) { o.jitter = j }
}

// New creates an Orchestrator.
func New(rt sandbox.Runtime, cat catalog.Catalog, prober Prober, policy Policy, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		runtime: rt,
		catalog: cat,
		prober:  prober,
		policy:  policy.withDefaults(),
		logger:  slog.Default(),
		now:     time.Now,
		jitter:  fullJitter,
		locks:   newSessionLocks(),
		pending: make(map[string]*pendingAttempt),
		subs:    make(map[chan domain.Event]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.registry == nil {
		o.registry = registry.New()
	}
	if o.store == nil {
		o.store = store.NewMemory()
	}
	o.metrics = newMetrics(
		func() float64 { return float64(o.registry.CountLive()) },
		func() float64 { return float64(o.pendingCount()) },
	)
	return o
}

// Policy returns the effective policy.
func (o *Orchestrator) Policy() Policy { return o.policy }

// Metrics returns the registry holding the orchestrator's metrics.
func (o *Orchestrator) Metrics() *prometheus.Registry { return o.metrics.registry }

// Acquire returns a ready sandbox for the session, provisioning one if
// needed. Concurrent calls for the same session share one provisioning run.
// If ctx ends while waiting, Acquire returns ctx.Err() and the provisioning
// run continues for the other callers.
func (o *Orchestrator) Acquire(ctx context.Context, sessionKey, templateName string, opts Options) (Handle, error) {
	start := time.Now()
	h, outcome, err := o.acquire(ctx, sessionKey, templateName, opts)
	o.metrics.acquireSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		if kind := domain.KindOf(err); kind != "" {
			outcome = string(kind)
		} else {
			outcome = "error"
		}
	}
	o.metrics.acquires.WithLabelValues(outcome).Inc()
	return h, err
}

func (o *Orchestrator) acquire(ctx context.Context, sessionKey, templateName string, opts Options) (Handle, string, error) {
	key := strings.TrimSpace(sessionKey)
	if key == "" {
		return Handle{}, "", domain.InvalidRequest("session key is required")
	}
	templateName = strings.TrimSpace(templateName)
	if templateName == "" {
		return Handle{}, "", domain.InvalidRequest("template is required")
	}
	if o.isClosed() {
		return Handle{}, "", domain.ShuttingDown()
	}

	if h, ok := o.serveExisting(key); ok {
		return h, "reused", nil
	}

	// The provisioning run must outlive the caller that started it.
	detached := context.WithoutCancel(ctx)
	ch := o.flights.DoChan(key, func() (any, error) {
		return o.acquireLocked(detached, key, templateName, opts)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Handle{}, "", res.Err
		}
		return res.Val.(Handle), "provisioned", nil
	case <-ctx.Done():
		return Handle{}, "", ctx.Err()
	}
}

// serveExisting returns the session's live instance, marking it serving on
// its first hand-out.
func (o *Orchestrator) serveExisting(key string) (Handle, bool) {
	inst, ok := o.registry.Lookup(key)
	if !ok || !inst.State.Live() {
		return Handle{}, false
	}
	if inst.State == domain.StateReady {
		served, err := o.transition(key, inst.ID, domain.StateServing, "", "")
		if err != nil {
			// Lost a race with release or recycling.
			return Handle{}, false
		}
		inst = served
	}
	return handleOf(inst), true
}

func (o *Orchestrator) acquireLocked(ctx context.Context, key, templateName string, opts Options) (Handle, error) {
	unlock := o.locks.lock(key)
	defer unlock()

	if h, ok := o.serveExisting(key); ok {
		return h, nil
	}

	tpl, err := o.catalog.Resolve(ctx, templateName)
	if err != nil {
		if !errors.Is(err, domain.ErrTemplateNotFound) {
			err = domain.TemplateNotFound(templateName, err)
		}
		return Handle{}, err
	}

	now := o.now()
	inst := &domain.Instance{
		ID:         newInstanceID(),
		SessionKey: key,
		Template:   tpl,
		State:      domain.StateRequested,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	attemptCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return Handle{}, domain.ShuttingDown()
	}
	if n := o.registry.CountLive() + len(o.pending); n >= o.policy.MaxInstances {
		o.mu.Unlock()
		o.logger.Warn("Sandbox capacity reached", "sessionKey", key, "limit", o.policy.MaxInstances)
		return Handle{}, domain.CapacityExceeded(o.policy.MaxInstances)
	}
	o.pending[key] = &pendingAttempt{inst: inst.Clone(), cancel: cancel}
	o.attempts.Add(1)
	o.mu.Unlock()
	defer o.attempts.Done()

	o.emit(inst, "", "", "")
	o.logger.Info("Provisioning sandbox", "sessionKey", key, "instanceID", inst.ID, "template", tpl.Name)

	if err := o.provision(attemptCtx, inst, opts); err != nil {
		if attemptCtx.Err() == nil {
			// Keep the failed record visible until it is collected.
			if rerr := o.registry.Register(inst); rerr != nil {
				o.logger.Warn("Failed to record failed instance", "sessionKey", key, "error", rerr)
			}
		}
		o.clearPending(key)
		return Handle{}, err
	}

	if err := o.registry.Register(inst); err != nil {
		o.clearPending(key)
		o.discard(inst)
		return Handle{}, err
	}
	o.clearPending(key)

	served, err := o.transition(key, inst.ID, domain.StateServing, "", "")
	if err != nil {
		return Handle{}, fmt.Errorf("handing out instance %s: %w", inst.ID, err)
	}
	o.logger.Info("Sandbox ready", "sessionKey", key, "instanceID", inst.ID, "endpoint", inst.Endpoint, "retries", inst.RetryCount)
	return handleOf(served), nil
}

// Release tears down the session's instance and frees its slot. It never
// fails from the caller's perspective and is not cancellable: teardown runs
// detached from ctx and is handed to the reaper if it cannot finish within
// the cleanup timeout. Releasing an unknown session is a no-op.
func (o *Orchestrator) Release(ctx context.Context, sessionKey, reason string) {
	key := strings.TrimSpace(sessionKey)
	if key == "" {
		return
	}
	o.cancelPending(key, domain.Released(key))

	unlock := o.locks.lock(key)
	defer unlock()

	inst, ok := o.registry.Lookup(key)
	if !ok {
		return
	}
	if inst.State.Live() {
		o.logger.Info("Releasing sandbox", "sessionKey", key, "instanceID", inst.ID, "reason", reason)
		if _, err := o.transition(key, inst.ID, domain.StateDraining, "", reason); err != nil {
			o.logger.Error("Failed to drain sandbox", "sessionKey", key, "instanceID", inst.ID, "error", err)
		}
		if err := o.teardown(inst); err != nil {
			o.logger.Error("Sandbox teardown incomplete", "sessionKey", key, "instanceID", inst.ID, "error", err)
			o.transition(key, inst.ID, domain.StateFailed, domain.KindCleanupIncomplete, err.Error())
			o.enqueueCleanup(inst, err)
		} else {
			o.transition(key, inst.ID, domain.StateTerminated, "", reason)
		}
	}
	o.registry.Evict(key)
}

// Status returns the state of the session's instance, including one that
// is still being provisioned.
func (o *Orchestrator) Status(sessionKey string) (domain.State, bool) {
	inst, ok := o.Get(sessionKey)
	if !ok {
		return "", false
	}
	return inst.State, true
}

// Get returns a copy of the session's instance. The key is trimmed as in
// Acquire.
func (o *Orchestrator) Get(sessionKey string) (*domain.Instance, bool) {
	key := strings.TrimSpace(sessionKey)
	o.mu.Lock()
	p, ok := o.pending[key]
	if ok {
		inst := p.inst.Clone()
		o.mu.Unlock()
		return inst, true
	}
	o.mu.Unlock()
	return o.registry.Lookup(key)
}

// List returns every known instance: registered ones and those being
// provisioned.
func (o *Orchestrator) List() []*domain.Instance {
	out := o.registry.List()
	o.mu.Lock()
	for _, p := range o.pending {
		out = append(out, p.inst.Clone())
	}
	o.mu.Unlock()
	return out
}

// Events returns the recorded transitions of a session.
func (o *Orchestrator) Events(ctx context.Context, sessionKey string, limit int) ([]domain.Event, error) {
	return o.store.Events(ctx, strings.TrimSpace(sessionKey), limit)
}

// History returns the last recorded snapshot of past and present instances,
// newest first. It outlives registry collection.
func (o *Orchestrator) History(ctx context.Context, limit int) ([]domain.Instance, error) {
	return o.store.Instances(ctx, limit)
}

// Logs streams the output of the session's current unit.
func (o *Orchestrator) Logs(ctx context.Context, sessionKey string) (io.ReadCloser, error) {
	inst, ok := o.Get(sessionKey)
	if !ok || inst.Handle == "" || inst.State.Terminal() {
		return nil, ErrNoSandbox
	}
	rc, err := o.runtime.Logs(ctx, sandbox.Handle(inst.Handle))
	if err != nil {
		return nil, fmt.Errorf("reading logs of %s: %w", inst.ID, err)
	}
	return rc, nil
}

// Shutdown rejects new acquires, cancels in-flight provisioning, waits for
// it to unwind and releases every live instance.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	for _, p := range o.pending {
		p.cancel(domain.ShuttingDown())
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.attempts.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight provisioning: %w", ctx.Err())
	}

	var wg sync.WaitGroup
	for _, inst := range o.registry.List() {
		if !inst.State.Live() {
			continue
		}
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			o.Release(ctx, key, "shutdown")
		}(inst.SessionKey)
	}
	wg.Wait()
	o.logger.Info("Orchestrator shut down")
	return nil
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *Orchestrator) pendingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

func (o *Orchestrator) ownsPending(instanceID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range o.pending {
		if p.inst.ID == instanceID {
			return true
		}
	}
	return false
}

func (o *Orchestrator) setPending(inst *domain.Instance) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p, ok := o.pending[inst.SessionKey]; ok && p.inst.ID == inst.ID {
		p.inst = inst.Clone()
	}
}

func (o *Orchestrator) clearPending(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.pending, key)
}

func (o *Orchestrator) cancelPending(key string, cause error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p, ok := o.pending[key]; ok {
		p.cancel(cause)
	}
}

// transition moves a registered instance to the next state and emits the
// event.
func (o *Orchestrator) transition(key, instanceID string, to domain.State, reason domain.Kind, msg string) (*domain.Instance, error) {
	var from domain.State
	inst, err := o.registry.Update(key, instanceID, func(i *domain.Instance) error {
		from = i.State
		if to == domain.StateFailed {
			return i.Fail(reason, msg, o.now())
		}
		return i.Transition(to, o.now())
	})
	if err != nil {
		return nil, err
	}
	o.emit(inst, from, reason, msg)
	return inst, nil
}

// teardown stops and destroys the instance's unit. It returns after at most
// CleanupTimeout even if the runtime does not honour its context.
func (o *Orchestrator) teardown(inst *domain.Instance) error {
	if inst.Handle == "" {
		return nil
	}
	h := sandbox.Handle(inst.Handle)
	ctx, cancel := context.WithTimeout(context.Background(), o.policy.CleanupTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		if err := o.runtime.Stop(ctx, h); err != nil {
			o.logger.Debug("Stop failed, destroying anyway", "instanceID", inst.ID, "error", err)
		}
		done <- o.runtime.Destroy(ctx, h)
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("destroying unit %s: %w", h, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("destroying unit %s: %w", h, ctx.Err())
	}
}

// discard tears down a unit that will not be served. Failures are queued for
// the reaper.
func (o *Orchestrator) discard(inst *domain.Instance) {
	if err := o.teardown(inst); err != nil {
		o.logger.Warn("Failed to discard unit", "instanceID", inst.ID, "handle", inst.Handle, "error", err)
		o.enqueueCleanup(inst, err)
	}
}

func (o *Orchestrator) enqueueCleanup(inst *domain.Instance, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := o.store.EnqueueCleanup(ctx, store.CleanupTask{
		InstanceID: inst.ID,
		SessionKey: inst.SessionKey,
		Handle:     inst.Handle,
		LastError:  cause.Error(),
	})
	if err != nil {
		o.logger.Error("Failed to queue cleanup", "instanceID", inst.ID, "handle", inst.Handle, "error", err)
	}
}
