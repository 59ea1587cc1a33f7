package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nstogner/sandboxd/pkg/domain"
	"github.com/nstogner/sandboxd/pkg/probe"
	"github.com/nstogner/sandboxd/pkg/sandbox"
)

type attemptOutcome int

const (
	attemptOK attemptOutcome = iota
	attemptRetry
	attemptFatal
)

func (a attemptOutcome) String() string {
	switch a {
	case attemptOK:
		return "ok"
	case attemptRetry:
		return "retry"
	default:
		return "fatal"
	}
}

type attemptResult struct {
	outcome attemptOutcome
	err     error
}

// provision runs attempts until one succeeds, one fails fatally or
// MaxAttempts is reached. On success inst is ready; otherwise it is failed.
func (o *Orchestrator) provision(ctx context.Context, inst *domain.Instance, opts Options) error {
	var lastErr error
	for n := 1; n <= o.policy.MaxAttempts; n++ {
		if n > 1 {
			delay := o.backoff(n - 1)
			o.logger.Info("Retrying sandbox provisioning", "sessionKey", inst.SessionKey, "instanceID", inst.ID, "attempt", n, "delay", delay, "error", lastErr)
			if err := sleep(ctx, delay); err != nil {
				return o.abort(ctx, inst)
			}
		}

		res := o.attempt(ctx, inst, n, opts)
		o.metrics.attempts.WithLabelValues(res.outcome.String()).Inc()
		switch res.outcome {
		case attemptOK:
			return nil
		case attemptFatal:
			if ctx.Err() == nil {
				return o.reject(inst, res.err)
			}
			return o.abort(ctx, inst)
		case attemptRetry:
			lastErr = res.err
		}
	}

	err := domain.ProvisioningExhausted(o.policy.MaxAttempts, lastErr)
	o.fail(inst, domain.KindProvisioningExhausted, err.Error())
	o.logger.Error("Sandbox provisioning exhausted", "sessionKey", inst.SessionKey, "instanceID", inst.ID, "attempts", o.policy.MaxAttempts, "error", lastErr)
	return err
}

// attempt performs one create, start and boot cycle.
func (o *Orchestrator) attempt(ctx context.Context, inst *domain.Instance, n int, opts Options) attemptResult {
	inst.RetryCount = n
	if inst.State == domain.StateRequested {
		o.advance(inst, domain.StateProvisioning, "", "")
	}

	pctx, cancel := context.WithTimeout(ctx, o.policy.ProvisionTimeout)
	h, err := o.createUnit(pctx, sandbox.CreateRequest{
		InstanceID: inst.ID,
		Attempt:    n,
		SessionKey: inst.SessionKey,
		Template:   inst.Template,
		Env:        opts.Env,
	})
	if err != nil {
		cancel()
		return o.attemptFailed(ctx, fmt.Errorf("creating unit: %w", err))
	}
	inst.Handle = string(h)
	o.setPending(inst)

	endpoint, err := o.startUnit(pctx, h)
	cancel()
	if err != nil {
		o.discard(inst)
		inst.Handle = ""
		return o.attemptFailed(ctx, fmt.Errorf("starting unit: %w", err))
	}
	inst.Endpoint = endpoint
	o.advance(inst, domain.StateBooting, "", "")

	bootTimeout := o.policy.BootTimeout
	if opts.BootTimeout > 0 {
		bootTimeout = opts.BootTimeout
	}
	res := o.prober.Probe(ctx, probe.TargetFor(endpoint, inst.Template), time.Now().Add(bootTimeout))
	if !res.Ready {
		o.discard(inst)
		if ctx.Err() != nil {
			return attemptResult{outcome: attemptFatal, err: context.Cause(ctx)}
		}
		bootErr := domain.BootTimeout(endpoint, res.LastErr)
		o.logger.Warn("Sandbox did not become ready", "sessionKey", inst.SessionKey, "instanceID", inst.ID, "attempts", res.Attempts, "error", res.LastErr)
		o.advance(inst, domain.StateProvisioning, domain.KindBootTimeout, bootErr.Error())
		inst.Handle = ""
		inst.Endpoint = ""
		o.setPending(inst)
		return attemptResult{outcome: attemptRetry, err: bootErr}
	}

	o.advance(inst, domain.StateReady, "", "")
	return attemptResult{outcome: attemptOK}
}

// attemptFailed classifies an adapter error. Errors without a kind are
// transient; a kind that is not retryable ends provisioning, as does
// cancellation of the acquire itself.
func (o *Orchestrator) attemptFailed(ctx context.Context, err error) attemptResult {
	if ctx.Err() != nil {
		return attemptResult{outcome: attemptFatal, err: context.Cause(ctx)}
	}
	if k := domain.KindOf(err); k != "" && !k.Retryable() {
		return attemptResult{outcome: attemptFatal, err: err}
	}
	return attemptResult{outcome: attemptRetry, err: err}
}

// createUnit calls runtime.Create but returns once ctx is done even if the
// runtime ignores it. A unit created after that is discarded.
func (o *Orchestrator) createUnit(ctx context.Context, req sandbox.CreateRequest) (sandbox.Handle, error) {
	type created struct {
		h   sandbox.Handle
		err error
	}
	done := make(chan created, 1)
	go func() {
		h, err := o.runtime.Create(ctx, req)
		done <- created{h, err}
	}()
	select {
	case c := <-done:
		return c.h, c.err
	case <-ctx.Done():
		go func() {
			c := <-done
			if c.err == nil {
				o.logger.Warn("Discarding unit created after timeout", "instanceID", req.InstanceID, "handle", c.h)
				o.discard(&domain.Instance{ID: req.InstanceID, SessionKey: req.SessionKey, Handle: string(c.h)})
			}
		}()
		return "", ctx.Err()
	}
}

// startUnit calls runtime.Start but returns once ctx is done even if the
// runtime ignores it.
func (o *Orchestrator) startUnit(ctx context.Context, h sandbox.Handle) (string, error) {
	type started struct {
		endpoint string
		err      error
	}
	done := make(chan started, 1)
	go func() {
		endpoint, err := o.runtime.Start(ctx, h)
		done <- started{endpoint, err}
	}()
	select {
	case s := <-done:
		return s.endpoint, s.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// reject fails inst with a non-retryable adapter error and returns it.
func (o *Orchestrator) reject(inst *domain.Instance, err error) error {
	var derr *domain.Error
	if !errors.As(err, &derr) {
		derr = &domain.Error{Kind: domain.KindProvisioningExhausted, Message: err.Error(), Cause: err}
	}
	o.fail(inst, derr.Kind, err.Error())
	o.logger.Error("Sandbox provisioning rejected", "sessionKey", inst.SessionKey, "instanceID", inst.ID, "reason", derr.Kind, "error", err)
	return derr
}

// abort fails inst with the cancellation cause of ctx and returns it.
func (o *Orchestrator) abort(ctx context.Context, inst *domain.Instance) error {
	cause := context.Cause(ctx)
	var derr *domain.Error
	if !errors.As(cause, &derr) {
		derr = &domain.Error{Kind: domain.KindShuttingDown, Message: "provisioning cancelled", Cause: cause}
	}
	o.fail(inst, derr.Kind, derr.Message)
	o.logger.Info("Sandbox provisioning cancelled", "sessionKey", inst.SessionKey, "instanceID", inst.ID, "reason", derr.Kind)
	return derr
}

// advance moves an unregistered instance to the next state.
func (o *Orchestrator) advance(inst *domain.Instance, to domain.State, reason domain.Kind, msg string) {
	from := inst.State
	if err := inst.Transition(to, o.now()); err != nil {
		o.logger.Error("Invalid transition", "instanceID", inst.ID, "error", err)
		return
	}
	o.setPending(inst)
	o.emit(inst, from, reason, msg)
}

func (o *Orchestrator) fail(inst *domain.Instance, kind domain.Kind, msg string) {
	from := inst.State
	if err := inst.Fail(kind, msg, o.now()); err != nil {
		o.logger.Error("Invalid transition", "instanceID", inst.ID, "error", err)
		return
	}
	o.setPending(inst)
	o.emit(inst, from, kind, msg)
}
