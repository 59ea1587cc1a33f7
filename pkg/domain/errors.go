package domain

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can decide whether to retry.
type Kind string

const (
	KindTemplateNotFound      Kind = "template_not_found"
	KindProvisioningExhausted Kind = "provisioning_exhausted"
	KindBootTimeout           Kind = "boot_timeout"
	KindCapacityExceeded      Kind = "capacity_exceeded"
	KindCleanupIncomplete     Kind = "cleanup_incomplete"
	KindHealthCheckFailed     Kind = "health_check_failed"
	KindSessionAlreadyBound   Kind = "session_already_bound"
	KindInvalidRequest        Kind = "invalid_request"
	KindReleased              Kind = "released"
	KindShuttingDown          Kind = "shutting_down"
)

// Retryable reports whether an attempt that failed with this kind may be
// retried inside the orchestrator.
func (k Kind) Retryable() bool {
	switch k {
	case KindBootTimeout, KindHealthCheckFailed:
		return true
	}
	return false
}

// Error is a classified orchestrator failure.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches bare kind sentinels such as ErrCapacityExceeded.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Cause == nil
}

// Sentinels for errors.Is.
var (
	ErrTemplateNotFound      = &Error{Kind: KindTemplateNotFound}
	ErrProvisioningExhausted = &Error{Kind: KindProvisioningExhausted}
	ErrBootTimeout           = &Error{Kind: KindBootTimeout}
	ErrCapacityExceeded      = &Error{Kind: KindCapacityExceeded}
	ErrCleanupIncomplete     = &Error{Kind: KindCleanupIncomplete}
	ErrHealthCheckFailed     = &Error{Kind: KindHealthCheckFailed}
	ErrSessionAlreadyBound   = &Error{Kind: KindSessionAlreadyBound}
	ErrInvalidRequest        = &Error{Kind: KindInvalidRequest}
	ErrReleased              = &Error{Kind: KindReleased}
	ErrShuttingDown          = &Error{Kind: KindShuttingDown}
)

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func TemplateNotFound(name string, cause error) *Error {
	return &Error{Kind: KindTemplateNotFound, Message: fmt.Sprintf("template not found: %s", name), Cause: cause}
}

func ProvisioningExhausted(attempts int, cause error) *Error {
	return &Error{Kind: KindProvisioningExhausted, Message: fmt.Sprintf("provisioning failed after %d attempts", attempts), Cause: cause}
}

func BootTimeout(endpoint string, cause error) *Error {
	return &Error{Kind: KindBootTimeout, Message: fmt.Sprintf("sandbox at %s did not become ready", endpoint), Cause: cause}
}

func CapacityExceeded(limit int) *Error {
	return &Error{Kind: KindCapacityExceeded, Message: fmt.Sprintf("live sandbox limit of %d reached", limit)}
}

func CleanupIncomplete(instanceID string, cause error) *Error {
	return &Error{Kind: KindCleanupIncomplete, Message: fmt.Sprintf("teardown of instance %s incomplete", instanceID), Cause: cause}
}

func HealthCheckFailed(instanceID string, cause error) *Error {
	return &Error{Kind: KindHealthCheckFailed, Message: fmt.Sprintf("instance %s failed health checks", instanceID), Cause: cause}
}

func SessionAlreadyBound(sessionKey, instanceID string) *Error {
	return &Error{Kind: KindSessionAlreadyBound, Message: fmt.Sprintf("session %s already bound to instance %s", sessionKey, instanceID)}
}

func InvalidRequest(message string) *Error {
	return &Error{Kind: KindInvalidRequest, Message: message}
}

func Released(sessionKey string) *Error {
	return &Error{Kind: KindReleased, Message: fmt.Sprintf("session %s released during provisioning", sessionKey)}
}

func ShuttingDown() *Error {
	return &Error{Kind: KindShuttingDown, Message: "orchestrator is shutting down"}
}
