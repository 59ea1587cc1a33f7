package sandbox

import (
	"context"
	"errors"
	"io"

	"github.com/nstogner/sandboxd/pkg/domain"
)

// Handle identifies a unit inside the isolation engine (e.g. a container ID).
type Handle string

// ErrNotFound is returned (wrapped) when the engine has no unit for a handle.
var ErrNotFound = errors.New("sandbox unit not found")

// CreateRequest describes a unit to create.
type CreateRequest struct {
	InstanceID string
	// Attempt numbers the create within the instance's provisioning. Units
	// of different attempts of one instance must not collide.
	Attempt    int
	SessionKey string
	Template   domain.Template
	// Env is merged over Template.Env.
	Env map[string]string
}

// Status is the engine's view of a unit.
type Status struct {
	Running bool
	// ExitCode is set once the unit has exited.
	ExitCode *int
}

// Unit is a unit managed by this process, as reported by List.
type Unit struct {
	Handle     Handle
	InstanceID string
	SessionKey string
}

// Runtime is a thin capability over the host's isolation engine. Calls may
// fail transiently; implementations must not retry on their own.
type Runtime interface {
	// Name returns the runtime identifier (e.g. "docker").
	Name() string

	// Create creates a unit for the template but does not start it.
	Create(ctx context.Context, req CreateRequest) (Handle, error)

	// Start starts a created unit and returns the host-reachable
	// endpoint ("host:port") of the template's exposed port.
	Start(ctx context.Context, h Handle) (string, error)

	// Stop stops a running unit.
	Stop(ctx context.Context, h Handle) error

	// Destroy removes a unit. Destroying a missing unit succeeds.
	Destroy(ctx context.Context, h Handle) error

	// Inspect reports whether the unit is still running.
	Inspect(ctx context.Context, h Handle) (Status, error)

	// Logs streams the unit's combined output until ctx is cancelled or the
	// unit exits.
	Logs(ctx context.Context, h Handle) (io.ReadCloser, error)

	// List returns every unit managed by this runtime.
	List(ctx context.Context) ([]Unit, error)

	// Close releases any resources held by the runtime (e.g. docker client).
	Close() error
}

// MergeEnv overlays extra on base. Neither input is modified.
func MergeEnv(base, extra map[string]string) map[string]string {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
