package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nstogner/sandboxd/pkg/domain"
)

// Memory is a non-durable Store. It is used by tests and when the daemon runs
// without a database.
type Memory struct {
	mu        sync.Mutex
	instances map[string]domain.Instance
	events    []domain.Event
	cleanups  map[string]CleanupTask // by handle
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		instances: make(map[string]domain.Instance),
		cleanups:  make(map[string]CleanupTask),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) RecordInstance(_ context.Context, inst *domain.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[inst.ID] = *inst.Clone()
	return nil
}

func (m *Memory) RecordEvent(_ context.Context, ev domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *Memory) Events(_ context.Context, sessionKey string, limit int) ([]domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Event
	for _, ev := range m.events {
		if ev.SessionKey == sessionKey {
			out = append(out, ev)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *Memory) Instances(_ context.Context, limit int) ([]domain.Instance, error) {
	m.mu.Lock()
	out := make([]domain.Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) EnqueueCleanup(_ context.Context, task CleanupTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if cur, ok := m.cleanups[task.Handle]; ok {
		cur.InstanceID = task.InstanceID
		cur.LastError = task.LastError
		cur.UpdatedAt = now
		m.cleanups[task.Handle] = cur
		return nil
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	m.cleanups[task.Handle] = task
	return nil
}

func (m *Memory) PendingCleanups(_ context.Context) ([]CleanupTask, error) {
	m.mu.Lock()
	out := make([]CleanupTask, 0, len(m.cleanups))
	for _, t := range m.cleanups {
		out = append(out, t)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) CompleteCleanup(_ context.Context, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cleanups, handle)
	return nil
}

func (m *Memory) BumpCleanup(_ context.Context, handle string, errMsg string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.cleanups[handle]
	if !ok {
		return 0, nil
	}
	t.Attempts++
	t.LastError = errMsg
	t.UpdatedAt = time.Now().UTC()
	m.cleanups[handle] = t
	return t.Attempts, nil
}
