package store

import (
	"context"
	"time"

	"github.com/nstogner/sandboxd/pkg/domain"
)

// Recorder persists lifecycle metadata: the latest snapshot of each instance
// and its transition history.
type Recorder interface {
	// RecordInstance upserts the instance snapshot keyed by its ID.
	RecordInstance(ctx context.Context, inst *domain.Instance) error

	// RecordEvent appends a transition event.
	RecordEvent(ctx context.Context, ev domain.Event) error

	// Events returns the most recent events for a session in chronological
	// order. If limit > 0, returns at most that many.
	Events(ctx context.Context, sessionKey string, limit int) ([]domain.Event, error)

	// Instances returns recorded instance snapshots, newest first.
	Instances(ctx context.Context, limit int) ([]domain.Instance, error)
}

// CleanupTask is an isolation unit whose teardown did not complete and must be
// retried by the reaper.
type CleanupTask struct {
	InstanceID string    `json:"instance_id"`
	SessionKey string    `json:"session_key"`
	Handle     string    `json:"handle"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// CleanupQueue persists pending teardowns so reaper work survives restarts.
type CleanupQueue interface {
	// EnqueueCleanup adds a task. Tasks are keyed by handle: one instance may
	// leave several units behind. Enqueuing a handle that is already queued
	// keeps the existing attempt count.
	EnqueueCleanup(ctx context.Context, task CleanupTask) error

	// PendingCleanups returns all queued tasks, oldest first.
	PendingCleanups(ctx context.Context) ([]CleanupTask, error)

	// CompleteCleanup removes the task for handle.
	CompleteCleanup(ctx context.Context, handle string) error

	// BumpCleanup records a failed retry and returns the new attempt count.
	BumpCleanup(ctx context.Context, handle string, errMsg string) (int, error)
}

// Store is the full persistence surface used by the orchestrator.
type Store interface {
	Recorder
	CleanupQueue
	Close() error
}
