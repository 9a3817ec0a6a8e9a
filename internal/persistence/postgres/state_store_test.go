package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/policyvault/internal/persistence"
	"github.com/sawpanic/policyvault/internal/policy"
	"github.com/sawpanic/policyvault/internal/vault"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "postgres"), mock
}

func sampleState() persistence.State {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return persistence.State{
		Constraints: []policy.Constraint{
			{ID: "core", Description: "core limits", Limits: policy.Limits{MinStableBps: 7000, MaxUnbackedBps: 500, MaxRiskBps: 200}, Active: true, UpdatedAt: at},
			{ID: "legacy", Limits: policy.Limits{MinStableBps: 9000, MaxUnbackedBps: 10000, MaxRiskBps: 10000}, UpdatedAt: at},
		},
		Snapshot: policy.Snapshot{
			TotalAssets:    1000,
			StableAssets:   750,
			UnbackedAssets: 10,
			DailyRiskBps:   50,
			Exposures:      map[string]uint64{"ETH": 200},
			UpdatedAt:      at,
		},
		Vault: vault.State{TotalAssets: 1000, Phase: vault.Idle},
	}
}

func TestStateStoreSave(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewStateStore(db, time.Second)
	st := sampleState()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO policy_constraints").
		WithArgs("core", 0, "core limits", int64(7000), int64(500), int64(200), int64(0), true, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO policy_constraints").
		WithArgs("legacy", 1, "", int64(9000), int64(10000), int64(10000), int64(0), false, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO portfolio_snapshot").
		WithArgs("1000", "750", "10", "50", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO vault_state").
		WithArgs("1000", "idle", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, store.Save(context.Background(), st))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStateStoreSaveRollsBackOnError(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewStateStore(db, time.Second)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO policy_constraints").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO policy_constraints").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO portfolio_snapshot").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := store.Save(context.Background(), sampleState())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "portfolio snapshot")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStateStoreLoad(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewStateStore(db, time.Second)
	started := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT (.+) FROM vault_state").
		WillReturnRows(sqlmock.NewRows([]string{"total_assets", "phase", "rebalance_started_at"}).
			AddRow("18446744073709551615", "rebalancing", started))
	mock.ExpectQuery("SELECT (.+) FROM policy_constraints").
		WillReturnRows(sqlmock.NewRows([]string{"id", "ordinal", "description", "min_stable_bps", "max_unbacked_bps",
			"max_risk_bps", "max_single_asset_bps", "active", "updated_at"}).
			AddRow("core", 0, "core limits", 7000, 500, 200, 0, true, at).
			AddRow("single", 1, "", 0, 10000, 10000, 4000, true, at))
	mock.ExpectQuery("SELECT (.+) FROM portfolio_snapshot").
		WillReturnRows(sqlmock.NewRows([]string{"total_assets", "stable_assets", "unbacked_assets", "daily_risk_bps", "exposures", "updated_at"}).
			AddRow("1000", "650", "0", "0", []byte(`{"BTC":300}`), nil))

	st, err := store.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st)

	assert.Equal(t, uint64(18446744073709551615), st.Vault.TotalAssets)
	assert.Equal(t, vault.Rebalancing, st.Vault.Phase)
	assert.True(t, st.Vault.RebalanceStartedAt.Equal(started))

	require.Len(t, st.Constraints, 2)
	assert.Equal(t, "core", st.Constraints[0].ID)
	assert.Equal(t, uint64(4000), st.Constraints[1].Limits.MaxSingleAssetBps)

	assert.Equal(t, uint64(650), st.Snapshot.StableAssets)
	assert.Equal(t, map[string]uint64{"BTC": 300}, st.Snapshot.Exposures)
	assert.True(t, st.Snapshot.UpdatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStateStoreLoadEmpty(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewStateStore(db, time.Second)

	mock.ExpectQuery("SELECT (.+) FROM vault_state").
		WillReturnRows(sqlmock.NewRows([]string{"total_assets", "phase", "rebalance_started_at"}))

	st, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, st)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStateStoreLoadRejectsCorruptAmount(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewStateStore(db, time.Second)

	mock.ExpectQuery("SELECT (.+) FROM vault_state").
		WillReturnRows(sqlmock.NewRows([]string{"total_assets", "phase", "rebalance_started_at"}).
			AddRow("-5", "idle", nil))

	_, err := store.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid stored amount")
}

func TestMigrate(t *testing.T) {
	db, mock := newMockDB(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS policy_constraints").
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, Migrate(context.Background(), db))

	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("permission denied"))
	err := Migrate(context.Background(), db)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
