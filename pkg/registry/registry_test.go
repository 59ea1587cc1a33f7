package registry

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nstogner/sandboxd/pkg/domain"
)

func instance(id, key string, state domain.State) *domain.Instance {
	return &domain.Instance{ID: id, SessionKey: key, State: state, CreatedAt: time.Now(), UpdatedAt: time.Now()}
}

func TestRegisterLookupEvict(t *testing.T) {
	r := New()

	if _, ok := r.Lookup("s1"); ok {
		t.Fatal("lookup on empty registry found an entry")
	}
	if err := r.Register(instance("a", "s1", domain.StateReady)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	err := r.Register(instance("b", "s1", domain.StateReady))
	if !errors.Is(err, domain.ErrSessionAlreadyBound) {
		t.Fatalf("second Register: err = %v, want SessionAlreadyBound", err)
	}

	got, ok := r.Lookup("s1")
	if !ok || got.ID != "a" {
		t.Fatalf("Lookup = %+v, %v", got, ok)
	}

	if r.Evict("s1") {
		t.Error("Evict removed a live entry")
	}
	if _, ok := r.Lookup("s1"); !ok {
		t.Fatal("live entry vanished after Evict")
	}

	if _, err := r.Update("s1", "a", func(i *domain.Instance) error {
		i.State = domain.StateTerminated
		return nil
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !r.Evict("s1") {
		t.Error("Evict did not remove a terminal entry")
	}
	if _, ok := r.Lookup("s1"); ok {
		t.Error("entry still visible after Evict")
	}
	if r.Evict("s1") {
		t.Error("Evict of missing entry returned true")
	}
}

func TestRegisterReplacesTerminal(t *testing.T) {
	r := New()
	r.Register(instance("a", "s1", domain.StateFailed))
	if err := r.Register(instance("b", "s1", domain.StateReady)); err != nil {
		t.Fatalf("Register over failed entry: %v", err)
	}
	got, _ := r.Lookup("s1")
	if got.ID != "b" {
		t.Errorf("got %s, want b", got.ID)
	}
}

func TestUpdate(t *testing.T) {
	r := New()
	r.Register(instance("a", "s1", domain.StateReady))

	if _, err := r.Update("s1", "other", func(*domain.Instance) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update with stale id: err = %v", err)
	}
	boom := errors.New("boom")
	if _, err := r.Update("s1", "a", func(i *domain.Instance) error {
		i.Endpoint = "changed"
		return boom
	}); !errors.Is(err, boom) {
		t.Errorf("Update error not propagated: %v", err)
	}
	got, _ := r.Lookup("s1")
	if got.Endpoint != "" {
		t.Error("failed Update leaked a partial change")
	}
}

func TestLookupReturnsCopy(t *testing.T) {
	r := New()
	r.Register(instance("a", "s1", domain.StateReady))
	got, _ := r.Lookup("s1")
	got.State = domain.StateTerminated
	again, _ := r.Lookup("s1")
	if again.State != domain.StateReady {
		t.Error("mutating a looked-up instance changed the registry")
	}
}

func TestCollect(t *testing.T) {
	r := New()
	now := time.Now()
	old := instance("a", "old", domain.StateTerminated)
	old.UpdatedAt = now.Add(-time.Hour)
	fresh := instance("b", "fresh", domain.StateFailed)
	fresh.UpdatedAt = now
	live := instance("c", "live", domain.StateServing)
	live.Handle = "unit-c"
	live.UpdatedAt = now.Add(-time.Hour)
	for _, i := range []*domain.Instance{old, fresh, live} {
		r.Register(i)
	}

	keys := r.Collect(now, 5*time.Minute)
	if len(keys) != 1 || keys[0] != "old" {
		t.Errorf("Collect = %v, want [old]", keys)
	}
	if r.CountLive() != 1 {
		t.Errorf("CountLive = %d, want 1", r.CountLive())
	}
	if len(r.List()) != 2 {
		t.Errorf("List len = %d, want 2", len(r.List()))
	}
	if !r.Owns("c", "unit-c") || r.Owns("b", "") || r.Owns("a", "") {
		t.Error("Owns reports wrong membership")
	}
	if r.Owns("c", "unit-stale") {
		t.Error("Owns claimed a unit from an earlier attempt")
	}
}

func TestConcurrentRegisterOneWinner(t *testing.T) {
	r := New()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := r.Register(instance(fmt.Sprintf("i-%d", i), "shared", domain.StateReady)); err == nil {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Errorf("%d registrations succeeded, want exactly 1", wins.Load())
	}
}

func TestRemoveChecksOwner(t *testing.T) {
	r := New()
	r.Register(instance("a", "s1", domain.StateServing))
	if r.Remove("s1", "b") {
		t.Error("Remove with wrong id succeeded")
	}
	if !r.Remove("s1", "a") {
		t.Error("Remove of live entry failed")
	}
	if r.CountLive() != 0 {
		t.Errorf("CountLive = %d after Remove", r.CountLive())
	}
}
