package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/dexwatch/internal/models"
	"github.com/rewired-gh/dexwatch/internal/storage"
	"github.com/rewired-gh/dexwatch/internal/store"
)

const watchedAddr = "0x1111111111111111111111111111111111111111"

type failingLoader struct{}

func (failingLoader) LoadSnapshot() (models.StoreSnapshot, error) {
	return models.StoreSnapshot{}, errors.New("database is locked")
}

func TestRestore_LoadFailureIsReported(t *testing.T) {
	subs := store.New(0)
	err := restore(failingLoader{}, subs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
	assert.Zero(t, subs.Len())
}

func TestRestore_ImportsPersistedSubscriptions(t *testing.T) {
	db, err := storage.New(10, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	saved := store.New(0)
	saved.EnsureSubscription(watchedAddr, 1)
	require.NoError(t, saved.SetThreshold(watchedAddr, 1, models.ParamPrice, 5))
	require.NoError(t, db.SaveSnapshot(saved.Export()))

	subs := store.New(0)
	require.NoError(t, restore(db, subs))

	sub, ok := subs.Subscription(watchedAddr, 1)
	require.True(t, ok)
	assert.Equal(t, 5.0, sub.Thresholds.Price)
}
