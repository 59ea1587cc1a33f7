package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/nstogner/sandboxd/pkg/domain"
	"github.com/nstogner/sandboxd/pkg/sandbox"
)

// ReapResult summarises one reaper pass.
type ReapResult struct {
	Destroyed int
	Retried   int
	Abandoned int
	Orphans   int
	Collected int
}

// RunReaper runs Reap immediately and then every ReaperInterval until ctx is
// done.
func (o *Orchestrator) RunReaper(ctx context.Context) error {
	if _, err := o.Reap(ctx); err != nil {
		o.logger.Error("Initial reap failed", "error", err)
	}

	ticker := time.NewTicker(o.policy.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("Reaper loop stopping")
			return ctx.Err()
		case <-ticker.C:
			if _, err := o.Reap(ctx); err != nil {
				o.logger.Error("Reap failed", "error", err)
			}
		}
	}
}

// Reap retries queued teardowns, destroys units that no instance owns and
// collects terminal registry entries older than TerminalGrace.
func (o *Orchestrator) Reap(ctx context.Context) (ReapResult, error) {
	var res ReapResult

	tasks, err := o.store.PendingCleanups(ctx)
	if err != nil {
		return res, fmt.Errorf("listing pending cleanups: %w", err)
	}
	queued := make(map[string]bool, len(tasks))
	for _, task := range tasks {
		queued[task.Handle] = true
		inst := &domain.Instance{ID: task.InstanceID, SessionKey: task.SessionKey, Handle: task.Handle}
		if err := o.teardown(inst); err != nil {
			attempts, berr := o.store.BumpCleanup(ctx, task.Handle, err.Error())
			if berr != nil {
				o.logger.Error("Failed to record cleanup retry", "instanceID", task.InstanceID, "error", berr)
				continue
			}
			if attempts >= o.policy.CleanupMaxRetries {
				o.logger.Error("Abandoning sandbox cleanup", "instanceID", task.InstanceID, "handle", task.Handle, "attempts", attempts, "error", err)
				o.store.CompleteCleanup(ctx, task.Handle)
				o.metrics.reaped.WithLabelValues("abandoned").Inc()
				res.Abandoned++
				continue
			}
			o.logger.Warn("Sandbox cleanup retry failed", "instanceID", task.InstanceID, "attempts", attempts, "error", err)
			o.metrics.reaped.WithLabelValues("retry").Inc()
			res.Retried++
			continue
		}
		if err := o.store.CompleteCleanup(ctx, task.Handle); err != nil {
			o.logger.Error("Failed to complete cleanup", "instanceID", task.InstanceID, "error", err)
		}
		// A recycled instance may still be visible as failed.
		if cur, ok := o.registry.Lookup(task.SessionKey); ok && cur.ID == task.InstanceID && cur.State == domain.StateFailed {
			o.transition(task.SessionKey, task.InstanceID, domain.StateTerminated, domain.KindCleanupIncomplete, "reaped")
		}
		o.logger.Info("Reaped sandbox unit", "instanceID", task.InstanceID, "handle", task.Handle)
		o.metrics.reaped.WithLabelValues("destroyed").Inc()
		res.Destroyed++
	}

	units, err := o.runtime.List(ctx)
	if err != nil {
		return res, fmt.Errorf("listing units: %w", err)
	}
	for _, u := range units {
		if queued[string(u.Handle)] || o.owned(u) {
			continue
		}
		o.logger.Warn("Destroying orphaned sandbox unit", "handle", u.Handle, "instanceID", u.InstanceID, "sessionKey", u.SessionKey)
		inst := &domain.Instance{ID: u.InstanceID, SessionKey: u.SessionKey, Handle: string(u.Handle)}
		if err := o.teardown(inst); err != nil {
			o.logger.Error("Failed to destroy orphan", "handle", u.Handle, "error", err)
			continue
		}
		o.metrics.reaped.WithLabelValues("orphan").Inc()
		res.Orphans++
	}

	collected := o.registry.Collect(o.now(), o.policy.TerminalGrace)
	res.Collected = len(collected)
	if len(collected) > 0 {
		o.logger.Debug("Collected terminal instances", "sessionKeys", collected)
	}
	return res, nil
}

// owned reports whether a live or in-flight instance owns the unit. Pending
// is checked before the registry because an attempt registers its instance
// before leaving the pending set. An in-flight instance owns every unit
// carrying its ID; a registered one only the unit it runs on.
func (o *Orchestrator) owned(u sandbox.Unit) bool {
	if u.InstanceID == "" {
		return false
	}
	if o.ownsPending(u.InstanceID) {
		return true
	}
	return o.registry.Owns(u.InstanceID, string(u.Handle))
}
