package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/policyvault/internal/persistence"
	"github.com/sawpanic/policyvault/internal/policy"
	"github.com/sawpanic/policyvault/internal/vault"
)

// Schema creates the tables backing the state store. Amounts are stored as
// NUMERIC(20,0) so the full uint64 range fits.
const Schema = `
CREATE TABLE IF NOT EXISTS policy_constraints (
	id                   TEXT PRIMARY KEY,
	ordinal              INTEGER NOT NULL UNIQUE,
	description          TEXT NOT NULL DEFAULT '',
	min_stable_bps       INTEGER NOT NULL,
	max_unbacked_bps     INTEGER NOT NULL,
	max_risk_bps         INTEGER NOT NULL,
	max_single_asset_bps INTEGER NOT NULL,
	active               BOOLEAN NOT NULL,
	updated_at           TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS portfolio_snapshot (
	id              SMALLINT PRIMARY KEY CHECK (id = 1),
	total_assets    NUMERIC(20,0) NOT NULL,
	stable_assets   NUMERIC(20,0) NOT NULL,
	unbacked_assets NUMERIC(20,0) NOT NULL,
	daily_risk_bps  NUMERIC(20,0) NOT NULL,
	exposures       JSONB NOT NULL DEFAULT '{}'::jsonb,
	updated_at      TIMESTAMPTZ NULL
);

CREATE TABLE IF NOT EXISTS vault_state (
	id                   SMALLINT PRIMARY KEY CHECK (id = 1),
	total_assets         NUMERIC(20,0) NOT NULL,
	phase                TEXT NOT NULL,
	rebalance_started_at TIMESTAMPTZ NULL
);`

// stateStore implements persistence.StateStore for PostgreSQL
type stateStore struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewStateStore creates a new PostgreSQL state store
func NewStateStore(db *sqlx.DB, timeout time.Duration) persistence.StateStore {
	return &stateStore{
		db:      db,
		timeout: timeout,
	}
}

// Migrate applies Schema
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

type constraintRow struct {
	ID                string    `db:"id"`
	Ordinal           int       `db:"ordinal"`
	Description       string    `db:"description"`
	MinStableBps      int64     `db:"min_stable_bps"`
	MaxUnbackedBps    int64     `db:"max_unbacked_bps"`
	MaxRiskBps        int64     `db:"max_risk_bps"`
	MaxSingleAssetBps int64     `db:"max_single_asset_bps"`
	Active            bool      `db:"active"`
	UpdatedAt         time.Time `db:"updated_at"`
}

type snapshotRow struct {
	TotalAssets    string       `db:"total_assets"`
	StableAssets   string       `db:"stable_assets"`
	UnbackedAssets string       `db:"unbacked_assets"`
	DailyRiskBps   string       `db:"daily_risk_bps"`
	Exposures      []byte       `db:"exposures"`
	UpdatedAt      sql.NullTime `db:"updated_at"`
}

type vaultRow struct {
	TotalAssets        string       `db:"total_assets"`
	Phase              string       `db:"phase"`
	RebalanceStartedAt sql.NullTime `db:"rebalance_started_at"`
}

// Save writes the whole state in one transaction. Constraints are upserted
// by id since they are never deleted.
func (s *stateStore) Save(ctx context.Context, st persistence.State) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	constraintQuery := `
		INSERT INTO policy_constraints
		(id, ordinal, description, min_stable_bps, max_unbacked_bps, max_risk_bps,
		 max_single_asset_bps, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			description = EXCLUDED.description,
			min_stable_bps = EXCLUDED.min_stable_bps,
			max_unbacked_bps = EXCLUDED.max_unbacked_bps,
			max_risk_bps = EXCLUDED.max_risk_bps,
			max_single_asset_bps = EXCLUDED.max_single_asset_bps,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at`

	for i, c := range st.Constraints {
		_, err := tx.ExecContext(ctx, constraintQuery,
			c.ID, i, c.Description,
			int64(c.Limits.MinStableBps), int64(c.Limits.MaxUnbackedBps),
			int64(c.Limits.MaxRiskBps), int64(c.Limits.MaxSingleAssetBps),
			c.Active, c.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert constraint %s: %w", c.ID, err)
		}
	}

	exposures := st.Snapshot.Exposures
	if exposures == nil {
		exposures = map[string]uint64{}
	}
	exposuresJSON, err := json.Marshal(exposures)
	if err != nil {
		return fmt.Errorf("failed to marshal exposures: %w", err)
	}

	snapshotQuery := `
		INSERT INTO portfolio_snapshot
		(id, total_assets, stable_assets, unbacked_assets, daily_risk_bps, exposures, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			total_assets = EXCLUDED.total_assets,
			stable_assets = EXCLUDED.stable_assets,
			unbacked_assets = EXCLUDED.unbacked_assets,
			daily_risk_bps = EXCLUDED.daily_risk_bps,
			exposures = EXCLUDED.exposures,
			updated_at = EXCLUDED.updated_at`

	_, err = tx.ExecContext(ctx, snapshotQuery,
		formatAmount(st.Snapshot.TotalAssets), formatAmount(st.Snapshot.StableAssets),
		formatAmount(st.Snapshot.UnbackedAssets), formatAmount(st.Snapshot.DailyRiskBps),
		exposuresJSON, nullTime(st.Snapshot.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert portfolio snapshot: %w", err)
	}

	vaultQuery := `
		INSERT INTO vault_state (id, total_assets, phase, rebalance_started_at)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			total_assets = EXCLUDED.total_assets,
			phase = EXCLUDED.phase,
			rebalance_started_at = EXCLUDED.rebalance_started_at`

	_, err = tx.ExecContext(ctx, vaultQuery,
		formatAmount(st.Vault.TotalAssets), string(st.Vault.Phase), nullTime(st.Vault.RebalanceStartedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert vault state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit state: %w", err)
	}
	return nil
}

// Load reads the state back. It returns nil when the vault row is absent.
func (s *stateStore) Load(ctx context.Context) (*persistence.State, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var vr vaultRow
	err := s.db.GetContext(ctx, &vr, `
		SELECT total_assets, phase, rebalance_started_at
		FROM vault_state
		WHERE id = 1`)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load vault state: %w", err)
	}

	st := &persistence.State{}
	total, err := parseAmount(vr.TotalAssets)
	if err != nil {
		return nil, err
	}
	st.Vault = vault.State{TotalAssets: total, Phase: vault.Phase(vr.Phase)}
	if vr.RebalanceStartedAt.Valid {
		st.Vault.RebalanceStartedAt = vr.RebalanceStartedAt.Time.UTC()
	}

	var rows []constraintRow
	err = s.db.SelectContext(ctx, &rows, `
		SELECT id, ordinal, description, min_stable_bps, max_unbacked_bps, max_risk_bps,
		       max_single_asset_bps, active, updated_at
		FROM policy_constraints
		ORDER BY ordinal ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to load constraints: %w", err)
	}
	for _, r := range rows {
		st.Constraints = append(st.Constraints, policy.Constraint{
			ID:          r.ID,
			Description: r.Description,
			Limits: policy.Limits{
				MinStableBps:      uint64(r.MinStableBps),
				MaxUnbackedBps:    uint64(r.MaxUnbackedBps),
				MaxRiskBps:        uint64(r.MaxRiskBps),
				MaxSingleAssetBps: uint64(r.MaxSingleAssetBps),
			},
			Active:    r.Active,
			UpdatedAt: r.UpdatedAt.UTC(),
		})
	}

	var sr snapshotRow
	err = s.db.GetContext(ctx, &sr, `
		SELECT total_assets, stable_assets, unbacked_assets, daily_risk_bps, exposures, updated_at
		FROM portfolio_snapshot
		WHERE id = 1`)
	switch {
	case err == sql.ErrNoRows:
		st.Snapshot = policy.Snapshot{Exposures: map[string]uint64{}}
	case err != nil:
		return nil, fmt.Errorf("failed to load portfolio snapshot: %w", err)
	default:
		snap, err := sr.toSnapshot()
		if err != nil {
			return nil, err
		}
		st.Snapshot = snap
	}

	return st, nil
}

func (r snapshotRow) toSnapshot() (policy.Snapshot, error) {
	var snap policy.Snapshot
	fields := []struct {
		raw string
		dst *uint64
	}{
		{r.TotalAssets, &snap.TotalAssets},
		{r.StableAssets, &snap.StableAssets},
		{r.UnbackedAssets, &snap.UnbackedAssets},
		{r.DailyRiskBps, &snap.DailyRiskBps},
	}
	for _, f := range fields {
		v, err := parseAmount(f.raw)
		if err != nil {
			return policy.Snapshot{}, err
		}
		*f.dst = v
	}

	snap.Exposures = map[string]uint64{}
	if len(r.Exposures) > 0 {
		if err := json.Unmarshal(r.Exposures, &snap.Exposures); err != nil {
			return policy.Snapshot{}, fmt.Errorf("failed to unmarshal exposures: %w", err)
		}
	}
	if r.UpdatedAt.Valid {
		snap.UpdatedAt = r.UpdatedAt.Time.UTC()
	}
	return snap, nil
}

func formatAmount(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func parseAmount(raw string) (uint64, error) {
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid stored amount %q: %w", raw, err)
	}
	return v, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
