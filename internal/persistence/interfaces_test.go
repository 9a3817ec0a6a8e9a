package persistence

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/policyvault/internal/policy"
	"github.com/sawpanic/policyvault/internal/vault"
)

func TestMemoryStore_SaveLoad(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded)

	state := State{
		Constraints: []policy.Constraint{{ID: "c1", Active: true}},
		Snapshot:    policy.Snapshot{TotalAssets: 10, Exposures: map[string]uint64{"BTC": 4}},
		Vault:       vault.State{TotalAssets: 10, Phase: vault.Rebalancing},
	}
	require.NoError(t, store.Save(ctx, state))

	state.Snapshot.Exposures["BTC"] = 99
	loaded, err = store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, uint64(4), loaded.Snapshot.Exposures["BTC"])
	assert.Equal(t, vault.Rebalancing, loaded.Vault.Phase)
	assert.Equal(t, 1, store.Saves())

	store.FailWith(errors.New("disk full"))
	assert.Error(t, store.Save(ctx, state))
	assert.Equal(t, 1, store.Saves())
}
