package orchestrator

import (
	"context"
	"time"

	"github.com/nstogner/sandboxd/pkg/domain"
)

// Subscribe returns a channel that receives every state transition. Events
// are dropped for subscribers that do not keep up. The returned func
// unsubscribes and closes the channel.
func (o *Orchestrator) Subscribe() (<-chan domain.Event, func()) {
	ch := make(chan domain.Event, 64)
	o.subMu.Lock()
	o.subs[ch] = struct{}{}
	o.subMu.Unlock()

	return ch, func() {
		o.subMu.Lock()
		defer o.subMu.Unlock()
		if _, ok := o.subs[ch]; ok {
			delete(o.subs, ch)
			close(ch)
		}
	}
}

// emit records a transition of inst from the given state and notifies
// subscribers. It must not be called with the registry lock held.
func (o *Orchestrator) emit(inst *domain.Instance, from domain.State, reason domain.Kind, msg string) {
	ev := domain.Event{
		ID:         newEventID(),
		InstanceID: inst.ID,
		SessionKey: inst.SessionKey,
		From:       from,
		To:         inst.State,
		Reason:     reason,
		Message:    msg,
		At:         inst.UpdatedAt,
	}
	o.metrics.transitions.WithLabelValues(string(from), string(inst.State)).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.RecordInstance(ctx, inst); err != nil {
		o.logger.Warn("Failed to record instance", "instanceID", inst.ID, "error", err)
	}
	if err := o.store.RecordEvent(ctx, ev); err != nil {
		o.logger.Warn("Failed to record event", "instanceID", inst.ID, "error", err)
	}

	o.subMu.RLock()
	defer o.subMu.RUnlock()
	for ch := range o.subs {
		select {
		case ch <- ev:
		default:
			// Drop if subscriber is not consuming fast enough.
		}
	}
}
