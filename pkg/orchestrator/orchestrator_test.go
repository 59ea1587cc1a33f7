package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nstogner/sandboxd/pkg/catalog"
	"github.com/nstogner/sandboxd/pkg/domain"
	"github.com/nstogner/sandboxd/pkg/probe"
	"github.com/nstogner/sandboxd/pkg/registry"
	"github.com/nstogner/sandboxd/pkg/sandbox"
	"github.com/nstogner/sandboxd/pkg/sandbox/sandboxtest"
	"github.com/nstogner/sandboxd/pkg/store"
)

// scriptedChecker fails the next failNext checks, or every check while down.
type scriptedChecker struct {
	mu       sync.Mutex
	failNext int
	down     bool
	calls    int
}

func (c *scriptedChecker) Check(context.Context, probe.Target) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.down {
		return errors.New("connection refused")
	}
	if c.failNext > 0 {
		c.failNext--
		return errors.New("503 service unavailable")
	}
	return nil
}

func (c *scriptedChecker) set(failNext int, down bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext = failNext
	c.down = down
}

func (c *scriptedChecker) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	o       *Orchestrator
	rt      *sandboxtest.Runtime
	store   *store.Memory
	reg     *registry.Registry
	checker *scriptedChecker
	clock   *fakeClock
}

func testPolicy() Policy {
	return Policy{
		MaxAttempts:               3,
		BackoffBase:               time.Millisecond,
		BackoffMax:                2 * time.Millisecond,
		ProvisionTimeout:          time.Second,
		BootTimeout:               200 * time.Millisecond,
		HeartbeatInterval:         time.Hour,
		StaleAfter:                15 * time.Second,
		HeartbeatFailureThreshold: 3,
		CleanupTimeout:            100 * time.Millisecond,
		ReaperInterval:            time.Hour,
		TerminalGrace:             5 * time.Minute,
		CleanupMaxRetries:         3,
		MaxInstances:              8,
	}
}

func newFixture(t *testing.T, policy Policy) *fixture {
	t.Helper()
	cat, err := catalog.NewStatic(catalog.Defaults()...)
	if err != nil {
		t.Fatalf("building catalog: %v", err)
	}
	f := &fixture{
		rt:      sandboxtest.New(),
		store:   store.NewMemory(),
		reg:     registry.New(),
		checker: &scriptedChecker{},
		clock:   &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	prober := probe.New(
		probe.Policy{Interval: 2 * time.Millisecond, MaxInterval: 5 * time.Millisecond, Multiplier: 1, CheckTimeout: 50 * time.Millisecond},
		probe.WithChecker(domain.ProtocolHTTP, f.checker),
	)
	f.o = New(f.rt, cat, prober, policy,
		WithStore(f.store),
		WithRegistry(f.reg),
		WithClock(f.clock.Now),
		WithJitter(func(d time.Duration) time.Duration { return d }),
	)
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestAcquireProvisionsAfterFailedProbes(t *testing.T) {
	f := newFixture(t, testPolicy())
	f.checker.set(2, false)

	h, err := f.o.Acquire(context.Background(), "session-1", "node-basic", Options{})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if h.Endpoint != "127.0.0.1:1" || h.ReadyAt == nil {
		t.Errorf("handle = %+v", h)
	}
	if h.State != domain.StateServing {
		t.Errorf("state = %s, want serving", h.State)
	}
	if got := f.checker.count(); got != 3 {
		t.Errorf("probe checks = %d, want 3", got)
	}
	if got := f.rt.Calls("Create"); got != 1 {
		t.Errorf("Create calls = %d, want 1", got)
	}

	events, _ := f.store.Events(context.Background(), "session-1", 0)
	var path []domain.State
	for _, ev := range events {
		path = append(path, ev.To)
	}
	want := []domain.State{domain.StateRequested, domain.StateProvisioning, domain.StateBooting, domain.StateReady, domain.StateServing}
	if fmt.Sprint(path) != fmt.Sprint(want) {
		t.Errorf("transitions = %v, want %v", path, want)
	}
}

func TestAcquireReusesLiveInstance(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()

	first, err := f.o.Acquire(ctx, "s1", "node-basic", Options{})
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.o.Acquire(ctx, " s1 ", "node-basic", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if first.InstanceID != second.InstanceID {
		t.Errorf("reuse returned a different instance: %s vs %s", first.InstanceID, second.InstanceID)
	}
	if got := f.rt.Calls("Create"); got != 1 {
		t.Errorf("Create calls = %d, want 1", got)
	}
}

func TestConcurrentAcquireSingleFlight(t *testing.T) {
	f := newFixture(t, testPolicy())
	release := f.rt.HoldCreates()

	const callers = 50
	var wg sync.WaitGroup
	handles := make([]Handle, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = f.o.Acquire(context.Background(), "storm", "node-basic", Options{})
		}(i)
	}

	waitFor(t, "create to start", func() bool { return f.rt.Calls("Create") == 1 })
	time.Sleep(20 * time.Millisecond)
	release()
	wg.Wait()

	for i := range handles {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if handles[i].InstanceID != handles[0].InstanceID {
			t.Fatalf("caller %d got %s, caller 0 got %s", i, handles[i].InstanceID, handles[0].InstanceID)
		}
	}
	if got := f.rt.Calls("Create"); got != 1 {
		t.Errorf("Create calls = %d, want 1", got)
	}
	if f.rt.Units() != 1 {
		t.Errorf("units = %d, want 1", f.rt.Units())
	}
}

func TestConcurrentAcquireSharesFailure(t *testing.T) {
	f := newFixture(t, testPolicy())
	f.rt.FailCreates(100)

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.o.Acquire(context.Background(), "doomed", "node-basic", Options{})
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if !errors.Is(err, domain.ErrProvisioningExhausted) {
			t.Errorf("caller %d: err = %v, want ProvisioningExhausted", i, err)
		}
	}
}

func TestAcquireStormNeverLeaks(t *testing.T) {
	f := newFixture(t, testPolicy())

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%4 == 0 {
				f.o.Release(context.Background(), "contended", "test")
				return
			}
			f.o.Acquire(context.Background(), "contended", "node-basic", Options{})
		}(i)
	}
	wg.Wait()

	live := 0
	for _, inst := range f.reg.List() {
		if !inst.State.Terminal() {
			live++
		}
	}
	if live > 1 {
		t.Fatalf("%d non-terminal instances for one session", live)
	}
	if f.rt.Units() != live {
		t.Errorf("units = %d, non-terminal instances = %d", f.rt.Units(), live)
	}
}

func TestAcquireReleaseAcquireIsFresh(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()

	first, err := f.o.Acquire(ctx, "s1", "node-basic", Options{})
	if err != nil {
		t.Fatal(err)
	}
	f.o.Release(ctx, "s1", "user closed tab")
	if _, ok := f.o.Status("s1"); ok {
		t.Error("session still visible after release")
	}
	if f.rt.Units() != 0 {
		t.Errorf("units = %d after release, want 0", f.rt.Units())
	}

	second, err := f.o.Acquire(ctx, "s1", "node-basic", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if second.InstanceID == first.InstanceID {
		t.Error("acquire after release reused the released instance")
	}
}

func TestProvisioningExhaustedOnCreateFailures(t *testing.T) {
	f := newFixture(t, testPolicy())
	f.rt.FailCreates(3)

	_, err := f.o.Acquire(context.Background(), "s1", "node-basic", Options{})
	if !errors.Is(err, domain.ErrProvisioningExhausted) {
		t.Fatalf("err = %v, want ProvisioningExhausted", err)
	}
	if got := f.rt.Calls("Create"); got != 3 {
		t.Errorf("Create calls = %d, want 3", got)
	}
	state, ok := f.o.Status("s1")
	if !ok || state != domain.StateFailed {
		t.Errorf("status = %s, %v; want failed", state, ok)
	}
	if f.reg.CountLive() != 0 {
		t.Errorf("CountLive = %d, want 0", f.reg.CountLive())
	}
}

func TestProvisioningExhaustedOnBootTimeouts(t *testing.T) {
	f := newFixture(t, testPolicy())
	f.checker.set(0, true)

	_, err := f.o.Acquire(context.Background(), "s1", "node-basic", Options{BootTimeout: 30 * time.Millisecond})
	if !errors.Is(err, domain.ErrProvisioningExhausted) {
		t.Fatalf("err = %v, want ProvisioningExhausted", err)
	}
	if f.rt.Units() != 0 {
		t.Errorf("units = %d, every booted unit should be destroyed", f.rt.Units())
	}
	if got := f.rt.Calls("Destroy"); got != 3 {
		t.Errorf("Destroy calls = %d, want 3", got)
	}
	inst, _ := f.o.Get("s1")
	if inst.FailureReason != domain.KindProvisioningExhausted || inst.RetryCount != 3 {
		t.Errorf("instance = %+v", inst)
	}

	// A later acquire starts over.
	f.checker.set(0, false)
	if _, err := f.o.Acquire(context.Background(), "s1", "node-basic", Options{}); err != nil {
		t.Errorf("acquire after exhaustion: %v", err)
	}
}

func TestStartFailureRetries(t *testing.T) {
	f := newFixture(t, testPolicy())
	f.rt.FailStarts(2)

	if _, err := f.o.Acquire(context.Background(), "s1", "python-basic", Options{}); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got := f.rt.Calls("Create"); got != 3 {
		t.Errorf("Create calls = %d, want 3", got)
	}
	if f.rt.Units() != 1 {
		t.Errorf("units = %d, partial units should be destroyed", f.rt.Units())
	}
}

// A unit whose discard failed stays behind with its instance's ID. Later
// attempts must not collide with it, and the reaper must still remove it.
func TestRetryAfterFailedDiscard(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()
	f.rt.FailStarts(1)
	f.rt.FailNextDestroys(1)

	h, err := f.o.Acquire(ctx, "s1", "node-basic", Options{})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got := f.rt.Calls("Create"); got != 2 {
		t.Errorf("Create calls = %d, want 2", got)
	}
	inst, _ := f.o.Get("s1")
	if inst.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2 attempts", inst.RetryCount)
	}
	if f.rt.Units() != 2 {
		t.Fatalf("units = %d, want the served unit and the leftover", f.rt.Units())
	}
	tasks, _ := f.store.PendingCleanups(ctx)
	if len(tasks) != 1 || tasks[0].InstanceID != h.InstanceID || tasks[0].Handle == inst.Handle {
		t.Fatalf("pending cleanups = %+v", tasks)
	}

	res, err := f.o.Reap(ctx)
	if err != nil || res.Destroyed != 1 || res.Orphans != 0 {
		t.Errorf("Reap = %+v, %v", res, err)
	}
	if f.rt.Units() != 1 || !f.rt.Exists(sandbox.Handle(inst.Handle)) {
		t.Errorf("reaper touched the served unit; units = %d", f.rt.Units())
	}
}

func TestReapDestroysUnqueuedLeftoverOfLiveInstance(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()
	f.rt.FailStarts(1)
	f.rt.FailNextDestroys(1)

	if _, err := f.o.Acquire(ctx, "s1", "node-basic", Options{}); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	tasks, _ := f.store.PendingCleanups(ctx)
	if len(tasks) != 1 {
		t.Fatalf("pending cleanups = %+v", tasks)
	}
	leftover := sandbox.Handle(tasks[0].Handle)
	f.store.CompleteCleanup(ctx, tasks[0].Handle)

	res, err := f.o.Reap(ctx)
	if err != nil || res.Orphans != 1 {
		t.Errorf("Reap = %+v, %v", res, err)
	}
	if f.rt.Exists(leftover) {
		t.Error("leftover unit survived the reap")
	}
	if state, _ := f.o.Status("s1"); state != domain.StateServing {
		t.Errorf("state = %s, want serving", state)
	}
}

func TestNonRetryableAdapterErrorFailsImmediately(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()
	f.rt.FailCreatesWith(3, domain.InvalidRequest("image node:missing does not exist"))

	_, err := f.o.Acquire(ctx, "s1", "node-basic", Options{})
	if !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("err = %v, want InvalidRequest", err)
	}
	if got := f.rt.Calls("Create"); got != 1 {
		t.Errorf("Create calls = %d, want 1", got)
	}
	inst, ok := f.o.Get("s1")
	if !ok || inst.State != domain.StateFailed || inst.FailureReason != domain.KindInvalidRequest {
		t.Fatalf("instance = %+v", inst)
	}

	// Failures are not sticky.
	f.rt.FailCreatesWith(0, nil)
	if _, err := f.o.Acquire(ctx, "s1", "node-basic", Options{}); err != nil {
		t.Errorf("acquire after rejection: %v", err)
	}
}

func TestHungStartIsBounded(t *testing.T) {
	policy := testPolicy()
	policy.MaxAttempts = 2
	policy.ProvisionTimeout = 30 * time.Millisecond
	f := newFixture(t, policy)
	ctx := context.Background()

	unhang := f.rt.HangStarts()
	defer unhang()

	start := time.Now()
	_, err := f.o.Acquire(ctx, "s1", "node-basic", Options{})
	if !errors.Is(err, domain.ErrProvisioningExhausted) {
		t.Fatalf("err = %v, want ProvisioningExhausted", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Acquire took %v", elapsed)
	}

	released := make(chan struct{})
	go func() {
		f.o.Release(ctx, "s1", "test")
		close(released)
	}()
	select {
	case <-released:
	case <-time.After(2 * time.Second):
		t.Fatal("Release blocked behind a hung start")
	}
	if f.rt.Units() != 0 {
		t.Errorf("units = %d, want 0", f.rt.Units())
	}
}

func TestHungCreateIsBoundedAndDiscarded(t *testing.T) {
	policy := testPolicy()
	policy.MaxAttempts = 1
	policy.ProvisionTimeout = 30 * time.Millisecond
	f := newFixture(t, policy)

	unhang := f.rt.HangCreates()
	start := time.Now()
	_, err := f.o.Acquire(context.Background(), "s1", "node-basic", Options{})
	if !errors.Is(err, domain.ErrProvisioningExhausted) {
		t.Fatalf("err = %v, want ProvisioningExhausted", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Acquire took %v", elapsed)
	}

	// The create completes late and its unit is torn down.
	unhang()
	waitFor(t, "late unit discarded", func() bool {
		return f.rt.Calls("Destroy") == 1 && f.rt.Units() == 0
	})
}

func TestLookupsTrimSessionKey(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()
	if _, err := f.o.Acquire(ctx, "s1", "node-basic", Options{}); err != nil {
		t.Fatal(err)
	}

	if state, ok := f.o.Status(" s1 "); !ok || state != domain.StateServing {
		t.Errorf("Status = %s, %v", state, ok)
	}
	if events, err := f.o.Events(ctx, "\ts1\n", 0); err != nil || len(events) == 0 {
		t.Errorf("Events = %v, %v", events, err)
	}
	rc, err := f.o.Logs(ctx, " s1")
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	rc.Close()
}

func TestReleaseWithFailingTeardown(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()

	if _, err := f.o.Acquire(ctx, "s1", "node-basic", Options{}); err != nil {
		t.Fatal(err)
	}
	f.rt.FailDestroys(sandboxtest.ErrInjected)
	f.o.Release(ctx, "s1", "test")

	if _, ok := f.o.Get("s1"); ok {
		t.Error("released session still visible")
	}
	tasks, _ := f.store.PendingCleanups(ctx)
	if len(tasks) != 1 {
		t.Fatalf("pending cleanups = %d, want 1", len(tasks))
	}
	if f.rt.Units() != 1 {
		t.Fatalf("units = %d, want the leaked unit", f.rt.Units())
	}

	// Reaper retries while the runtime is still failing, then succeeds.
	res, err := f.o.Reap(ctx)
	if err != nil || res.Retried != 1 {
		t.Errorf("Reap = %+v, %v", res, err)
	}
	f.rt.FailDestroys(nil)
	res, err = f.o.Reap(ctx)
	if err != nil || res.Destroyed != 1 {
		t.Errorf("Reap = %+v, %v", res, err)
	}
	if f.rt.Units() != 0 {
		t.Errorf("units = %d after reap, want 0", f.rt.Units())
	}
	if tasks, _ := f.store.PendingCleanups(ctx); len(tasks) != 0 {
		t.Errorf("cleanup queue not drained: %+v", tasks)
	}
}

func TestReleaseBoundedWhenDestroyHangs(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()
	if _, err := f.o.Acquire(ctx, "s1", "node-basic", Options{}); err != nil {
		t.Fatal(err)
	}

	unhang := f.rt.HangDestroys()
	defer unhang()

	start := time.Now()
	f.o.Release(ctx, "s1", "test")
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Release took %v", elapsed)
	}
	if _, ok := f.o.Get("s1"); ok {
		t.Error("released session still visible")
	}
	if tasks, _ := f.store.PendingCleanups(ctx); len(tasks) != 1 {
		t.Errorf("pending cleanups = %d, want 1", len(tasks))
	}

	unhang()
	waitFor(t, "hung destroy to finish", func() bool { return f.rt.Units() == 0 })
	if _, err := f.o.Reap(ctx); err != nil {
		t.Fatal(err)
	}
	if tasks, _ := f.store.PendingCleanups(ctx); len(tasks) != 0 {
		t.Errorf("cleanup queue not drained: %+v", tasks)
	}
}

func TestReleaseUnknownSessionIsNoop(t *testing.T) {
	f := newFixture(t, testPolicy())
	f.o.Release(context.Background(), "nobody", "test")
	f.o.Release(context.Background(), "", "test")
	if f.rt.Calls("Destroy") != 0 {
		t.Error("release of unknown session touched the runtime")
	}
}

func TestReleaseCancelsInFlightAcquire(t *testing.T) {
	f := newFixture(t, testPolicy())
	hold := f.rt.HoldCreates()
	defer hold()

	errc := make(chan error, 1)
	go func() {
		_, err := f.o.Acquire(context.Background(), "s1", "node-basic", Options{})
		errc <- err
	}()
	waitFor(t, "create to start", func() bool { return f.rt.Calls("Create") == 1 })

	f.o.Release(context.Background(), "s1", "navigated away")
	select {
	case err := <-errc:
		if !errors.Is(err, domain.ErrReleased) {
			t.Errorf("err = %v, want Released", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("acquire did not observe release")
	}
	if _, ok := f.o.Get("s1"); ok {
		t.Error("released session still visible")
	}
	if f.rt.Units() != 0 {
		t.Errorf("units = %d, want 0", f.rt.Units())
	}
}

func TestCallerCancelDoesNotAbortProvisioning(t *testing.T) {
	f := newFixture(t, testPolicy())
	hold := f.rt.HoldCreates()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := f.o.Acquire(ctx, "s1", "node-basic", Options{})
		errc <- err
	}()
	waitFor(t, "create to start", func() bool { return f.rt.Calls("Create") == 1 })
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	hold()
	waitFor(t, "instance to become serving", func() bool {
		st, ok := f.o.Status("s1")
		return ok && st == domain.StateServing
	})
}

func TestCapacityExceeded(t *testing.T) {
	policy := testPolicy()
	policy.MaxInstances = 2
	f := newFixture(t, policy)
	ctx := context.Background()

	for _, key := range []string{"a", "b"} {
		if _, err := f.o.Acquire(ctx, key, "static-site", Options{}); err != nil {
			t.Fatalf("Acquire %s: %v", key, err)
		}
	}
	_, err := f.o.Acquire(ctx, "c", "static-site", Options{})
	if !errors.Is(err, domain.ErrCapacityExceeded) {
		t.Fatalf("err = %v, want CapacityExceeded", err)
	}
	if got := f.rt.Calls("Create"); got != 2 {
		t.Errorf("Create calls = %d, want 2", got)
	}

	// Existing sessions are still served at the cap.
	if _, err := f.o.Acquire(ctx, "a", "static-site", Options{}); err != nil {
		t.Errorf("reuse at cap: %v", err)
	}
	f.o.Release(ctx, "a", "test")
	if _, err := f.o.Acquire(ctx, "c", "static-site", Options{}); err != nil {
		t.Errorf("acquire after release: %v", err)
	}
}

func TestCapacityCountsInFlight(t *testing.T) {
	policy := testPolicy()
	policy.MaxInstances = 1
	f := newFixture(t, policy)
	hold := f.rt.HoldCreates()
	defer hold()

	go f.o.Acquire(context.Background(), "a", "node-basic", Options{})
	waitFor(t, "create to start", func() bool { return f.rt.Calls("Create") == 1 })

	_, err := f.o.Acquire(context.Background(), "b", "node-basic", Options{})
	if !errors.Is(err, domain.ErrCapacityExceeded) {
		t.Fatalf("err = %v, want CapacityExceeded", err)
	}
}

func TestAcquireValidation(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()

	if _, err := f.o.Acquire(ctx, "  ", "node-basic", Options{}); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("empty key: err = %v", err)
	}
	if _, err := f.o.Acquire(ctx, "s1", "", Options{}); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("empty template: err = %v", err)
	}
	if _, err := f.o.Acquire(ctx, "s1", "cobol-basic", Options{}); !errors.Is(err, domain.ErrTemplateNotFound) {
		t.Errorf("unknown template: err = %v", err)
	}
	if f.rt.Calls("Create") != 0 {
		t.Error("invalid requests reached the runtime")
	}
}

func TestHeartbeatRecyclesAfterThreeFailures(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()

	first, err := f.o.Acquire(ctx, "s1", "node-basic", Options{})
	if err != nil {
		t.Fatal(err)
	}
	f.checker.set(0, true)

	for cycle := 1; cycle <= 2; cycle++ {
		f.clock.Advance(20 * time.Second)
		f.o.HeartbeatCheck(ctx)
		inst, _ := f.o.Get("s1")
		if inst.State != domain.StateServing || inst.HealthFailures != cycle {
			t.Fatalf("cycle %d: state = %s, failures = %d", cycle, inst.State, inst.HealthFailures)
		}
	}

	f.clock.Advance(20 * time.Second)
	f.o.HeartbeatCheck(ctx)
	inst, ok := f.o.Get("s1")
	if !ok || inst.State != domain.StateTerminated || inst.FailureReason != "" {
		t.Fatalf("after third failure: %+v", inst)
	}
	events, _ := f.o.Events(ctx, "s1", 0)
	var recorded bool
	for _, ev := range events {
		if ev.To == domain.StateFailed && ev.Reason == domain.KindHealthCheckFailed {
			recorded = true
		}
	}
	if !recorded {
		t.Errorf("no failed event carries the health check cause: %+v", events)
	}
	if f.rt.Units() != 0 {
		t.Errorf("units = %d, want 0", f.rt.Units())
	}

	f.checker.set(0, false)
	second, err := f.o.Acquire(ctx, "s1", "node-basic", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if second.InstanceID == first.InstanceID {
		t.Error("acquire returned the recycled instance")
	}
}

func TestHeartbeatRecoveryResetsFailures(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()
	if _, err := f.o.Acquire(ctx, "s1", "node-basic", Options{}); err != nil {
		t.Fatal(err)
	}

	f.checker.set(1, false)
	f.clock.Advance(20 * time.Second)
	f.o.HeartbeatCheck(ctx)
	f.o.HeartbeatCheck(ctx)

	inst, _ := f.o.Get("s1")
	if inst.HealthFailures != 0 || !inst.LastHealthyAt.Equal(f.clock.Now()) {
		t.Errorf("instance = %+v", inst)
	}
}

func TestHeartbeatCrashRecyclesImmediately(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()
	if _, err := f.o.Acquire(ctx, "s1", "node-basic", Options{}); err != nil {
		t.Fatal(err)
	}
	inst, _ := f.o.Get("s1")
	f.rt.Crash(sandbox.Handle(inst.Handle), 137)

	f.clock.Advance(20 * time.Second)
	f.o.HeartbeatCheck(ctx)
	inst, _ = f.o.Get("s1")
	if inst.State != domain.StateTerminated {
		t.Errorf("state = %s, want terminated", inst.State)
	}
}

func TestHeartbeatSkipsFreshInstances(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()
	if _, err := f.o.Acquire(ctx, "s1", "node-basic", Options{}); err != nil {
		t.Fatal(err)
	}
	f.o.HeartbeatCheck(ctx)
	if f.rt.Calls("Inspect") != 0 {
		t.Error("fresh instance was inspected")
	}
}

func TestReapDestroysOrphansAndCollects(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()

	if _, err := f.o.Acquire(ctx, "live", "node-basic", Options{}); err != nil {
		t.Fatal(err)
	}
	f.rt.FailCreates(3)
	f.o.Acquire(ctx, "failed", "node-basic", Options{})
	orphan := f.rt.AddOrphan("sbx_ghost", "gone")

	res, err := f.o.Reap(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Orphans != 1 || f.rt.Exists(orphan) {
		t.Errorf("orphan not destroyed: %+v", res)
	}
	if f.rt.Units() != 1 {
		t.Errorf("units = %d, the live unit must survive", f.rt.Units())
	}
	if res.Collected != 0 {
		t.Errorf("collected %d before grace elapsed", res.Collected)
	}

	f.clock.Advance(10 * time.Minute)
	res, _ = f.o.Reap(ctx)
	if res.Collected != 1 {
		t.Errorf("collected = %d, want 1", res.Collected)
	}
	if _, ok := f.o.Get("failed"); ok {
		t.Error("failed record survived collection")
	}
}

func TestReapAbandonsAfterMaxRetries(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()
	if _, err := f.o.Acquire(ctx, "s1", "node-basic", Options{}); err != nil {
		t.Fatal(err)
	}
	f.rt.FailDestroys(sandboxtest.ErrInjected)
	f.o.Release(ctx, "s1", "test")

	var abandoned int
	for i := 0; i < 3; i++ {
		res, _ := f.o.Reap(ctx)
		abandoned += res.Abandoned
	}
	if abandoned != 1 {
		t.Errorf("abandoned = %d, want 1", abandoned)
	}
	if tasks, _ := f.store.PendingCleanups(ctx); len(tasks) != 0 {
		t.Errorf("abandoned task still queued: %+v", tasks)
	}
}

func TestShutdown(t *testing.T) {
	f := newFixture(t, testPolicy())
	ctx := context.Background()
	for _, key := range []string{"a", "b", "c"} {
		if _, err := f.o.Acquire(ctx, key, "node-basic", Options{}); err != nil {
			t.Fatal(err)
		}
	}
	if err := f.o.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if f.rt.Units() != 0 {
		t.Errorf("units = %d after shutdown", f.rt.Units())
	}
	if _, err := f.o.Acquire(ctx, "d", "node-basic", Options{}); !errors.Is(err, domain.ErrShuttingDown) {
		t.Errorf("err = %v, want ShuttingDown", err)
	}
}

func TestShutdownCancelsInFlight(t *testing.T) {
	f := newFixture(t, testPolicy())
	hold := f.rt.HoldCreates()
	defer hold()

	errc := make(chan error, 1)
	go func() {
		_, err := f.o.Acquire(context.Background(), "s1", "node-basic", Options{})
		errc <- err
	}()
	waitFor(t, "create to start", func() bool { return f.rt.Calls("Create") == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.o.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := <-errc; !errors.Is(err, domain.ErrShuttingDown) {
		t.Errorf("err = %v, want ShuttingDown", err)
	}
}

func TestSubscribe(t *testing.T) {
	f := newFixture(t, testPolicy())
	events, unsubscribe := f.o.Subscribe()
	defer unsubscribe()

	if _, err := f.o.Acquire(context.Background(), "s1", "node-basic", Options{}); err != nil {
		t.Fatal(err)
	}
	var last domain.Event
	for i := 0; i < 5; i++ {
		select {
		case last = <-events:
		case <-time.After(time.Second):
			t.Fatalf("missing event %d", i)
		}
	}
	if last.To != domain.StateServing || last.SessionKey != "s1" {
		t.Errorf("last event = %+v", last)
	}

	unsubscribe()
	if _, ok := <-events; ok {
		t.Error("channel not closed by unsubscribe")
	}
}

func TestBackoff(t *testing.T) {
	o := &Orchestrator{
		policy: Policy{BackoffBase: 100 * time.Millisecond, BackoffMax: time.Second},
		jitter: func(d time.Duration) time.Duration { return d },
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second}
	for i, w := range want {
		if got := o.backoff(i + 1); got != w {
			t.Errorf("backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
	for i := 0; i < 100; i++ {
		if d := fullJitter(time.Second); d < 0 || d > time.Second {
			t.Fatalf("jitter out of range: %v", d)
		}
	}
}

func TestSessionLocksAreReleased(t *testing.T) {
	locks := newSessionLocks()
	unlock := locks.lock("a")
	done := make(chan struct{})
	go func() {
		u := locks.lock("a")
		u()
		close(done)
	}()
	unlock()
	<-done
	if n := locks.size(); n != 0 {
		t.Errorf("size = %d, want 0", n)
	}
}
