package domain

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// State is a position in a sandbox instance's lifecycle.
type State string

const (
	StateRequested    State = "requested"
	StateProvisioning State = "provisioning"
	StateBooting      State = "booting"
	StateReady        State = "ready"
	StateServing      State = "serving"
	StateDraining     State = "draining"
	StateTerminated   State = "terminated"
	StateFailed       State = "failed"
)

// transitions lists the allowed next states. Everything moves forward except
// the booting -> provisioning retry edge.
var transitions = map[State][]State{
	StateRequested:    {StateProvisioning, StateFailed},
	StateProvisioning: {StateBooting, StateFailed},
	StateBooting:      {StateReady, StateProvisioning, StateFailed},
	StateReady:        {StateServing, StateDraining, StateFailed},
	StateServing:      {StateDraining, StateFailed},
	StateDraining:     {StateTerminated, StateFailed},
	StateFailed:       {StateTerminated},
}

// Live reports whether the instance can serve traffic.
func (s State) Live() bool {
	return s == StateReady || s == StateServing
}

// InFlight reports whether a provisioning attempt owns the instance.
func (s State) InFlight() bool {
	return s == StateRequested || s == StateProvisioning || s == StateBooting
}

// Terminal reports whether the instance is finished and immutable.
func (s State) Terminal() bool {
	return s == StateTerminated || s == StateFailed
}

// CanTransition reports whether moving from s to next is allowed.
func (s State) CanTransition(next State) bool {
	return slices.Contains(transitions[s], next)
}

// Health check protocols understood by the readiness prober.
const (
	ProtocolHTTP = "http"
	ProtocolGRPC = "grpc"
	ProtocolTCP  = "tcp"
)

// Template is an immutable, resolved description of what a sandbox runs.
type Template struct {
	Name           string            `json:"name"`
	Image          string            `json:"image"`
	Entrypoint     []string          `json:"entrypoint,omitempty"`
	Port           int               `json:"port"`
	BootScript     string            `json:"boot_script,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	HealthProtocol string            `json:"health_protocol"`
	HealthPath     string            `json:"health_path,omitempty"`
	MemoryMiB      int64             `json:"memory_mib,omitempty"`
	NanoCPUs       int64             `json:"nano_cpus,omitempty"`
}

// Clone returns a copy that shares no slices or maps with t.
func (t Template) Clone() Template {
	t.Entrypoint = slices.Clone(t.Entrypoint)
	t.Env = maps.Clone(t.Env)
	return t
}

// Instance is one provisioned isolated execution unit bound to a session.
type Instance struct {
	ID             string     `json:"id"`
	SessionKey     string     `json:"session_key"`
	Template       Template   `json:"template"`
	Handle         string     `json:"handle,omitempty"`
	Endpoint       string     `json:"endpoint,omitempty"`
	State          State      `json:"state"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	ReadyAt        *time.Time `json:"ready_at,omitempty"`
	LastHealthyAt  time.Time  `json:"last_healthy_at,omitzero"`
	FailureReason  Kind       `json:"failure_reason,omitempty"`
	FailureMessage string     `json:"failure_message,omitempty"`
	RetryCount     int        `json:"retry_count"`
	HealthFailures int        `json:"health_failures,omitempty"`
}

// Clone returns a detached copy of the instance.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	out := *i
	out.Template = i.Template.Clone()
	if i.ReadyAt != nil {
		readyAt := *i.ReadyAt
		out.ReadyAt = &readyAt
	}
	return &out
}

// Transition moves the instance to next. ReadyAt and LastHealthyAt are
// stamped on the booting -> ready edge; ReadyAt may only be set once.
func (i *Instance) Transition(next State, at time.Time) error {
	if i.State.Terminal() && next != StateTerminated {
		return fmt.Errorf("instance %s is %s", i.ID, i.State)
	}
	if !i.State.CanTransition(next) {
		return fmt.Errorf("invalid transition %s -> %s for instance %s", i.State, next, i.ID)
	}
	if next == StateReady {
		if i.ReadyAt != nil {
			return fmt.Errorf("instance %s was already ready at %s", i.ID, i.ReadyAt.Format(time.RFC3339))
		}
		readyAt := at
		i.ReadyAt = &readyAt
		i.LastHealthyAt = at
	}
	if i.State == StateFailed && next == StateTerminated {
		// The cause stays on the failed event only.
		i.FailureReason = ""
		i.FailureMessage = ""
	}
	i.State = next
	i.UpdatedAt = at
	return nil
}

// Fail moves the instance to the failed state and records the cause.
func (i *Instance) Fail(kind Kind, message string, at time.Time) error {
	if err := i.Transition(StateFailed, at); err != nil {
		return err
	}
	i.FailureReason = kind
	i.FailureMessage = message
	return nil
}

// Event records a single state transition of an instance.
type Event struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"instance_id"`
	SessionKey string    `json:"session_key"`
	From       State     `json:"from,omitempty"`
	To         State     `json:"to"`
	Reason     Kind      `json:"reason,omitempty"`
	Message    string    `json:"message,omitempty"`
	At         time.Time `json:"at"`
}
