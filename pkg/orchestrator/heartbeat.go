package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nstogner/sandboxd/pkg/domain"
	"github.com/nstogner/sandboxd/pkg/probe"
	"github.com/nstogner/sandboxd/pkg/sandbox"
)

// RunHeartbeat runs HeartbeatCheck every HeartbeatInterval until ctx is done.
func (o *Orchestrator) RunHeartbeat(ctx context.Context) error {
	ticker := time.NewTicker(o.policy.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("Heartbeat loop stopping")
			return ctx.Err()
		case <-ticker.C:
			o.HeartbeatCheck(ctx)
		}
	}
}

// HeartbeatCheck re-checks every live instance that has not been seen
// healthy for StaleAfter. An exited unit is recycled at once; otherwise an
// instance is recycled after HeartbeatFailureThreshold consecutive failed
// checks.
func (o *Orchestrator) HeartbeatCheck(ctx context.Context) {
	now := o.now()
	var wg sync.WaitGroup
	for _, inst := range o.registry.List() {
		if !inst.State.Live() || now.Sub(inst.LastHealthyAt) < o.policy.StaleAfter {
			continue
		}
		wg.Add(1)
		go func(inst *domain.Instance) {
			defer wg.Done()
			o.checkInstance(ctx, inst)
		}(inst)
	}
	wg.Wait()
}

func (o *Orchestrator) checkInstance(ctx context.Context, inst *domain.Instance) {
	crashed, err := o.probeInstance(ctx, inst)
	if ctx.Err() != nil {
		return
	}
	if err == nil {
		o.registry.Update(inst.SessionKey, inst.ID, func(i *domain.Instance) error {
			i.LastHealthyAt = o.now()
			i.HealthFailures = 0
			return nil
		})
		return
	}

	updated, uerr := o.registry.Update(inst.SessionKey, inst.ID, func(i *domain.Instance) error {
		i.HealthFailures++
		return nil
	})
	if uerr != nil {
		// Released while we were checking.
		return
	}
	o.logger.Warn("Sandbox heartbeat failed", "sessionKey", inst.SessionKey, "instanceID", inst.ID,
		"failures", updated.HealthFailures, "crashed", crashed, "error", err)

	if crashed || updated.HealthFailures >= o.policy.HeartbeatFailureThreshold {
		o.recycle(inst, err)
	}
}

// probeInstance inspects the unit, then checks its endpoint. crashed is true
// when the unit is gone or has exited.
func (o *Orchestrator) probeInstance(ctx context.Context, inst *domain.Instance) (crashed bool, err error) {
	st, err := o.runtime.Inspect(ctx, sandbox.Handle(inst.Handle))
	switch {
	case errors.Is(err, sandbox.ErrNotFound):
		return true, fmt.Errorf("unit %s disappeared", inst.Handle)
	case err != nil:
		return false, fmt.Errorf("inspecting unit: %w", err)
	case !st.Running:
		code := -1
		if st.ExitCode != nil {
			code = *st.ExitCode
		}
		return true, fmt.Errorf("unit exited with code %d", code)
	}
	return false, o.prober.Check(ctx, probe.TargetFor(inst.Endpoint, inst.Template))
}

// recycle fails an unhealthy instance and tears it down so the next acquire
// provisions a fresh one.
func (o *Orchestrator) recycle(inst *domain.Instance, cause error) {
	key := inst.SessionKey
	unlock := o.locks.lock(key)
	defer unlock()

	cur, ok := o.registry.Lookup(key)
	if !ok || cur.ID != inst.ID || !cur.State.Live() {
		return
	}
	herr := domain.HealthCheckFailed(inst.ID, cause)
	if _, err := o.transition(key, inst.ID, domain.StateFailed, domain.KindHealthCheckFailed, herr.Error()); err != nil {
		o.logger.Error("Failed to mark sandbox failed", "sessionKey", key, "instanceID", inst.ID, "error", err)
		return
	}
	o.logger.Warn("Recycling unhealthy sandbox", "sessionKey", key, "instanceID", inst.ID, "error", cause)

	if err := o.teardown(cur); err != nil {
		o.logger.Error("Sandbox teardown incomplete", "sessionKey", key, "instanceID", inst.ID, "error", err)
		o.enqueueCleanup(cur, err)
		return
	}
	o.transition(key, inst.ID, domain.StateTerminated, domain.KindHealthCheckFailed, "")
}
