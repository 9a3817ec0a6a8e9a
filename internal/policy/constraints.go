package policy

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/policyvault/internal/events"
)

// Limits are the four mandate limits of a constraint, in basis points
type Limits struct {
	MinStableBps      uint64 `json:"min_stable_bps" yaml:"min_stable_bps"`
	MaxUnbackedBps    uint64 `json:"max_unbacked_bps" yaml:"max_unbacked_bps"`
	MaxRiskBps        uint64 `json:"max_risk_bps" yaml:"max_risk_bps"`
	MaxSingleAssetBps uint64 `json:"max_single_asset_bps" yaml:"max_single_asset_bps"`
}

// Validate rejects any limit above 100%
func (l Limits) Validate() error {
	fields := []struct {
		name  string
		value uint64
	}{
		{"min_stable_bps", l.MinStableBps},
		{"max_unbacked_bps", l.MaxUnbackedBps},
		{"max_risk_bps", l.MaxRiskBps},
		{"max_single_asset_bps", l.MaxSingleAssetBps},
	}
	for _, f := range fields {
		if f.value > BasisPoints {
			return &Error{
				Code:    CodeInvalidLimits,
				Message: f.name + " exceeds 10000bp",
				Details: map[string]interface{}{"field": f.name, "value": f.value},
			}
		}
	}
	return nil
}

// Constraint is a named investment-mandate rule
type Constraint struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Limits      Limits    `json:"limits"`
	Active      bool      `json:"active"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ConstraintStore holds constraints keyed by id plus their insertion order.
// Constraints are never removed; deactivation only clears the active flag.
// Not safe for concurrent use: callers serialize access.
type ConstraintStore struct {
	constraints map[string]*Constraint
	order       []string
	notifier    events.Notifier
	now         func() time.Time
}

// Now is the default timestamp source: UTC at the microsecond precision a
// TIMESTAMPTZ column keeps, so stored times survive a save and load.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// NewConstraintStore creates an empty store
func NewConstraintStore(notifier events.Notifier) *ConstraintStore {
	if notifier == nil {
		notifier = events.Discard
	}
	return &ConstraintStore{
		constraints: make(map[string]*Constraint),
		notifier:    notifier,
		now:         Now,
	}
}

// SetClock overrides the timestamp source
func (s *ConstraintStore) SetClock(now func() time.Time) {
	s.now = now
}

// Add creates an active constraint. A key can only ever be added once.
func (s *ConstraintStore) Add(ctx context.Context, id, description string, limits Limits) error {
	if strings.TrimSpace(id) == "" {
		return Errorf(CodeInvalidArgument, "constraint id is required")
	}
	if _, exists := s.constraints[id]; exists {
		return &Error{Code: CodeDuplicateConstraint, ConstraintID: id, Message: "constraint already exists"}
	}
	if err := limits.Validate(); err != nil {
		return err
	}

	s.constraints[id] = &Constraint{
		ID:          id,
		Description: description,
		Limits:      limits,
		Active:      true,
		UpdatedAt:   s.now(),
	}
	s.order = append(s.order, id)

	log.Info().
		Str("constraint_id", id).
		Uint64("min_stable_bps", limits.MinStableBps).
		Uint64("max_unbacked_bps", limits.MaxUnbackedBps).
		Uint64("max_risk_bps", limits.MaxRiskBps).
		Uint64("max_single_asset_bps", limits.MaxSingleAssetBps).
		Msg("Constraint added")

	s.notifier.Notify(ctx, events.New(events.ConstraintAdded, map[string]interface{}{
		"constraint_id": id,
		"description":   description,
	}))
	return nil
}

// Update replaces the limits of an existing constraint. The active flag is
// left untouched.
func (s *ConstraintStore) Update(ctx context.Context, id string, limits Limits) error {
	c, exists := s.constraints[id]
	if !exists {
		return &Error{Code: CodeNotFound, ConstraintID: id, Message: "constraint not found"}
	}
	if err := limits.Validate(); err != nil {
		return err
	}

	c.Limits = limits
	c.UpdatedAt = s.now()

	log.Info().Str("constraint_id", id).Bool("active", c.Active).Msg("Constraint updated")

	s.notifier.Notify(ctx, events.New(events.ConstraintUpdated, map[string]interface{}{
		"constraint_id": id,
	}))
	return nil
}

// Deactivate clears the active flag. Deactivating an inactive constraint
// succeeds and notifies again.
func (s *ConstraintStore) Deactivate(ctx context.Context, id string) error {
	c, exists := s.constraints[id]
	if !exists {
		return &Error{Code: CodeNotFound, ConstraintID: id, Message: "constraint not found"}
	}

	c.Active = false

	log.Info().Str("constraint_id", id).Msg("Constraint deactivated")

	s.notifier.Notify(ctx, events.New(events.ConstraintDeactivated, map[string]interface{}{
		"constraint_id": id,
	}))
	return nil
}

// Get returns a copy of the constraint stored under id
func (s *ConstraintStore) Get(id string) (Constraint, error) {
	c, exists := s.constraints[id]
	if !exists {
		return Constraint{}, &Error{Code: CodeNotFound, ConstraintID: id, Message: "constraint not found"}
	}
	return *c, nil
}

// List returns every id ever added, in insertion order
func (s *ConstraintStore) List() []string {
	return append([]string(nil), s.order...)
}

// Len is the number of distinct ids ever added
func (s *ConstraintStore) Len() int {
	return len(s.order)
}

// All returns copies of every constraint in insertion order
func (s *ConstraintStore) All() []Constraint {
	out := make([]Constraint, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.constraints[id])
	}
	return out
}

// Active returns copies of the active constraints in insertion order
func (s *ConstraintStore) Active() []Constraint {
	var out []Constraint
	for _, id := range s.order {
		if c := s.constraints[id]; c.Active {
			out = append(out, *c)
		}
	}
	return out
}

// Restore replaces the store content with previously persisted constraints,
// keeping their order, flags and timestamps. No notifications are emitted.
func (s *ConstraintStore) Restore(constraints []Constraint) error {
	m := make(map[string]*Constraint, len(constraints))
	order := make([]string, 0, len(constraints))
	for i := range constraints {
		c := constraints[i]
		if _, dup := m[c.ID]; dup {
			return &Error{Code: CodeDuplicateConstraint, ConstraintID: c.ID, Message: "duplicate constraint in restored state"}
		}
		m[c.ID] = &c
		order = append(order, c.ID)
	}
	s.constraints = m
	s.order = order
	return nil
}
