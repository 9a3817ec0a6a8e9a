package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Type identifies a vault or policy notification
type Type string

const (
	ConstraintAdded       Type = "constraint.added"
	ConstraintUpdated     Type = "constraint.updated"
	ConstraintDeactivated Type = "constraint.deactivated"
	ConstraintViolated    Type = "constraint.violated"

	SnapshotUpdated Type = "portfolio.snapshot_updated"
	ExposureUpdated Type = "portfolio.exposure_updated"

	RebalancingStarted   Type = "vault.rebalancing_started"
	RebalancingCompleted Type = "vault.rebalancing_completed"
	RebalancingExpired   Type = "vault.rebalancing_expired"
	RebalancingAborted   Type = "vault.rebalancing_aborted"
	YieldAccrued         Type = "vault.yield_accrued"
	PolicyManagerUpdated Type = "vault.policy_manager_updated"
	Deposited            Type = "vault.deposit"
	Withdrawn            Type = "vault.withdraw"
)

// Event is an advisory notification. Delivery is best-effort and never
// influences the outcome of the operation that produced it.
type Event struct {
	ID         string                 `json:"id"`
	Type       Type                   `json:"type"`
	Time       time.Time              `json:"time"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// New creates an event stamped with a fresh id and the current UTC time
func New(t Type, attrs map[string]interface{}) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		Time:       time.Now().UTC(),
		Attributes: attrs,
	}
}

// Notifier receives events from the policy engine and the vault ledger
type Notifier interface {
	Notify(ctx context.Context, e Event)
}

// Sink is a delivery target behind a Bus
type Sink interface {
	Name() string
	Publish(ctx context.Context, e Event) error
}

// Discard drops every event
var Discard Notifier = discard{}

type discard struct{}

func (discard) Notify(context.Context, Event) {}

// Bus fans events out to every registered sink. A failing sink is logged
// and skipped.
type Bus struct {
	mu      sync.RWMutex
	sinks   []Sink
	observe func(sink string, err error)
}

// NewBus creates a bus over the given sinks
func NewBus(sinks ...Sink) *Bus {
	return &Bus{sinks: sinks}
}

// Attach registers another sink
func (b *Bus) Attach(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// OnDelivery installs a callback invoked after each sink delivery attempt
func (b *Bus) OnDelivery(fn func(sink string, err error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observe = fn
}

// Notify implements Notifier
func (b *Bus) Notify(ctx context.Context, e Event) {
	b.mu.RLock()
	sinks := append([]Sink(nil), b.sinks...)
	observe := b.observe
	b.mu.RUnlock()

	for _, s := range sinks {
		err := s.Publish(ctx, e)
		if err != nil {
			log.Error().
				Err(err).
				Str("sink", s.Name()).
				Str("event_type", string(e.Type)).
				Str("event_id", e.ID).
				Msg("Event delivery failed")
		}
		if observe != nil {
			observe(s.Name(), err)
		}
	}
}

// LogSink writes events to the structured log
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Publish(_ context.Context, e Event) error {
	evt := log.Info().
		Str("event_id", e.ID).
		Str("event_type", string(e.Type))
	if len(e.Attributes) > 0 {
		evt = evt.Fields(e.Attributes)
	}
	evt.Msg("Vault event")
	return nil
}
