package events

import (
	"context"
	"sync"
)

// Outbox holds events raised during an operation until the operation's
// outcome is known. Commit forwards everything; Rollback forwards only
// diagnostic events such as constraint violations.
type Outbox struct {
	mu      sync.Mutex
	next    Notifier
	pending []Event
}

// NewOutbox buffers in front of next
func NewOutbox(next Notifier) *Outbox {
	if next == nil {
		next = Discard
	}
	return &Outbox{next: next}
}

// Notify implements Notifier
func (o *Outbox) Notify(_ context.Context, e Event) {
	o.mu.Lock()
	o.pending = append(o.pending, e)
	o.mu.Unlock()
}

// Pending returns the number of buffered events
func (o *Outbox) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// Commit delivers every buffered event in order
func (o *Outbox) Commit(ctx context.Context) {
	for _, e := range o.drain() {
		o.next.Notify(ctx, e)
	}
}

// Rollback drops state-change events and delivers diagnostics
func (o *Outbox) Rollback(ctx context.Context) {
	for _, e := range o.drain() {
		if Diagnostic(e.Type) {
			o.next.Notify(ctx, e)
		}
	}
}

func (o *Outbox) drain() []Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.pending
	o.pending = nil
	return out
}

// Diagnostic reports whether events of type t describe a rejected check
// rather than a state change
func Diagnostic(t Type) bool {
	return t == ConstraintViolated
}
