package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/sawpanic/policyvault/internal/policy"
	"github.com/sawpanic/policyvault/internal/vault"
)

// State is the entire durable state of the policy core: the constraint
// mapping in insertion order, the single portfolio snapshot, and the vault
// counter with its rebalancing flag. Share balances live in custody.
type State struct {
	Constraints []policy.Constraint `json:"constraints"`
	Snapshot    policy.Snapshot     `json:"snapshot"`
	Vault       vault.State         `json:"vault"`
}

// StateStore persists State atomically
type StateStore interface {
	// Load returns the last saved state, or nil when nothing was saved yet
	Load(ctx context.Context) (*State, error)

	// Save replaces the persisted state as one unit
	Save(ctx context.Context, s State) error
}

// HealthCheck represents repository health status
type HealthCheck struct {
	Healthy        bool           `json:"healthy"`
	Errors         []string       `json:"errors,omitempty"`
	ConnectionPool map[string]int `json:"connection_pool"`
	LastCheck      time.Time      `json:"last_check"`
	ResponseTimeMS int64          `json:"response_time_ms"`
}

// RepositoryHealth provides health monitoring for persistence layer
type RepositoryHealth interface {
	// Health returns current repository health status
	Health(ctx context.Context) HealthCheck

	// Ping tests basic connectivity to database
	Ping(ctx context.Context) error
}

// MemoryStore keeps the last saved state in process memory
type MemoryStore struct {
	mu    sync.Mutex
	state *State
	saves int
	err   error
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load(context.Context) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil, nil
	}
	s := clone(*m.state)
	return &s, nil
}

func (m *MemoryStore) Save(_ context.Context, s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	c := clone(s)
	m.state = &c
	m.saves++
	return nil
}

// FailWith makes subsequent saves return err; nil restores normal behavior
func (m *MemoryStore) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Saves counts successful saves
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func clone(s State) State {
	out := State{
		Constraints: append([]policy.Constraint(nil), s.Constraints...),
		Snapshot:    s.Snapshot.Clone(),
		Vault:       s.Vault,
	}
	return out
}
