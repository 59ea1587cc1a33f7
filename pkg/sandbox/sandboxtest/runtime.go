// Package sandboxtest provides a scriptable in-memory sandbox.Runtime for
// tests.
package sandboxtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/nstogner/sandboxd/pkg/sandbox"
)

// ErrInjected is returned by operations configured to fail.
var ErrInjected = errors.New("injected failure")

// ErrNameInUse is returned by Create when a live unit already has the name
// derived from the request, as a container engine would.
var ErrNameInUse = errors.New("name already in use")

type unit struct {
	sandbox.Unit
	name     string
	started  bool
	running  bool
	exitCode int
}

// Runtime is an in-memory sandbox.Runtime. All methods are safe for
// concurrent use.
type Runtime struct {
	mu sync.Mutex

	units    map[sandbox.Handle]*unit
	seq      int
	endpoint string
	calls    map[string]int

	createFailures  int
	createErr       error
	createHangs     bool
	startFailures   int
	destroyFailures int
	destroyErr      error
	stopErr         error
	createGate      chan struct{}
	startGate       chan struct{}
	destroyGate     chan struct{}
}

var _ sandbox.Runtime = (*Runtime)(nil)

// New returns an empty runtime whose units report endpoint 127.0.0.1:1.
func New() *Runtime {
	return &Runtime{
		units:    make(map[sandbox.Handle]*unit),
		endpoint: "127.0.0.1:1",
		calls:    make(map[string]int),
	}
}

// SetEndpoint sets the endpoint returned by Start.
func (r *Runtime) SetEndpoint(endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endpoint = endpoint
}

// FailCreates makes the next n Create calls fail.
func (r *Runtime) FailCreates(n int) {
	r.FailCreatesWith(n, nil)
}

// FailCreatesWith makes the next n Create calls return err, or ErrInjected
// when err is nil.
func (r *Runtime) FailCreatesWith(n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.createFailures = n
	r.createErr = err
}

// FailStarts makes the next n Start calls fail.
func (r *Runtime) FailStarts(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startFailures = n
}

// FailDestroys makes every Destroy call return err until called with nil.
func (r *Runtime) FailDestroys(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destroyErr = err
}

// FailNextDestroys makes the next n Destroy calls fail and leave the unit
// in place.
func (r *Runtime) FailNextDestroys(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destroyFailures = n
}

// FailStops makes every Stop call return err until called with nil.
func (r *Runtime) FailStops(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopErr = err
}

// HoldCreates blocks Create calls until the returned func is called or
// their context is done.
func (r *Runtime) HoldCreates() (release func()) {
	return r.gateCreates(false)
}

// HangCreates blocks Create calls, ignoring their context, until the
// returned func is called. Held calls then create their unit.
func (r *Runtime) HangCreates() (release func()) {
	return r.gateCreates(true)
}

func (r *Runtime) gateCreates(ignoreCtx bool) func() {
	gate := make(chan struct{})
	r.mu.Lock()
	r.createGate = gate
	r.createHangs = ignoreCtx
	r.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			r.createGate = nil
			r.createHangs = false
			r.mu.Unlock()
			close(gate)
		})
	}
}

// HangStarts blocks Start calls, ignoring their context, until the returned
// func is called.
func (r *Runtime) HangStarts() (release func()) {
	gate := make(chan struct{})
	r.mu.Lock()
	r.startGate = gate
	r.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			r.startGate = nil
			r.mu.Unlock()
			close(gate)
		})
	}
}

// HangDestroys blocks Destroy calls, ignoring their context, until the
// returned func is called.
func (r *Runtime) HangDestroys() (release func()) {
	gate := make(chan struct{})
	r.mu.Lock()
	r.destroyGate = gate
	r.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			r.destroyGate = nil
			r.mu.Unlock()
			close(gate)
		})
	}
}

// Crash marks a unit as exited with the given code.
func (r *Runtime) Crash(h sandbox.Handle, exitCode int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.units[h]; ok {
		u.running = false
		u.exitCode = exitCode
	}
}

// AddOrphan registers a running unit that no orchestrator created.
func (r *Runtime) AddOrphan(instanceID, sessionKey string) sandbox.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.nextHandleLocked()
	r.units[h] = &unit{
		Unit:    sandbox.Unit{Handle: h, InstanceID: instanceID, SessionKey: sessionKey},
		started: true,
		running: true,
	}
	return h
}

// Calls returns how many times method was invoked.
func (r *Runtime) Calls(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[method]
}

// Units returns the number of units that have not been destroyed.
func (r *Runtime) Units() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.units)
}

// Exists reports whether the unit has not been destroyed.
func (r *Runtime) Exists(h sandbox.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.units[h]
	return ok
}

func (r *Runtime) Name() string { return "fake" }

func (r *Runtime) Create(ctx context.Context, req sandbox.CreateRequest) (sandbox.Handle, error) {
	r.mu.Lock()
	r.calls["Create"]++
	gate, hangs := r.createGate, r.createHangs
	r.mu.Unlock()

	switch {
	case gate != nil && hangs:
		<-gate
	case gate != nil:
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createFailures > 0 {
		r.createFailures--
		if r.createErr != nil {
			return "", fmt.Errorf("create %s: %w", req.InstanceID, r.createErr)
		}
		return "", fmt.Errorf("create %s: %w", req.InstanceID, ErrInjected)
	}
	name := fmt.Sprintf("%s-%d", req.InstanceID, req.Attempt)
	for _, u := range r.units {
		if u.name == name {
			return "", fmt.Errorf("create %s: %w", name, ErrNameInUse)
		}
	}
	h := r.nextHandleLocked()
	r.units[h] = &unit{Unit: sandbox.Unit{Handle: h, InstanceID: req.InstanceID, SessionKey: req.SessionKey}, name: name}
	return h, nil
}

func (r *Runtime) Start(_ context.Context, h sandbox.Handle) (string, error) {
	r.mu.Lock()
	r.calls["Start"]++
	gate := r.startGate
	r.mu.Unlock()

	if gate != nil {
		<-gate
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startFailures > 0 {
		r.startFailures--
		return "", fmt.Errorf("start %s: %w", h, ErrInjected)
	}
	u, ok := r.units[h]
	if !ok {
		return "", fmt.Errorf("start %s: %w", h, sandbox.ErrNotFound)
	}
	u.started = true
	u.running = true
	return r.endpoint, nil
}

func (r *Runtime) Stop(_ context.Context, h sandbox.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls["Stop"]++
	if r.stopErr != nil {
		return r.stopErr
	}
	if u, ok := r.units[h]; ok {
		u.running = false
	}
	return nil
}

func (r *Runtime) Destroy(_ context.Context, h sandbox.Handle) error {
	r.mu.Lock()
	r.calls["Destroy"]++
	gate := r.destroyGate
	r.mu.Unlock()

	if gate != nil {
		<-gate
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyErr != nil {
		return r.destroyErr
	}
	if r.destroyFailures > 0 {
		r.destroyFailures--
		return fmt.Errorf("destroy %s: %w", h, ErrInjected)
	}
	delete(r.units, h)
	return nil
}

func (r *Runtime) Inspect(_ context.Context, h sandbox.Handle) (sandbox.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls["Inspect"]++
	u, ok := r.units[h]
	if !ok {
		return sandbox.Status{}, fmt.Errorf("inspect %s: %w", h, sandbox.ErrNotFound)
	}
	st := sandbox.Status{Running: u.running}
	if u.started && !u.running {
		code := u.exitCode
		st.ExitCode = &code
	}
	return st, nil
}

func (r *Runtime) Logs(_ context.Context, h sandbox.Handle) (io.ReadCloser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls["Logs"]++
	if _, ok := r.units[h]; !ok {
		return nil, fmt.Errorf("logs %s: %w", h, sandbox.ErrNotFound)
	}
	return io.NopCloser(strings.NewReader("booted " + string(h) + "\n")), nil
}

func (r *Runtime) List(_ context.Context) ([]sandbox.Unit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls["List"]++
	out := make([]sandbox.Unit, 0, len(r.units))
	for _, u := range r.units {
		out = append(out, u.Unit)
	}
	return out, nil
}

func (r *Runtime) Close() error { return nil }

func (r *Runtime) nextHandleLocked() sandbox.Handle {
	r.seq++
	return sandbox.Handle(fmt.Sprintf("unit-%d", r.seq))
}
