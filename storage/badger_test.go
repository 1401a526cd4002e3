package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBadgerTestStore(t *testing.T) *BadgerStorage {
	store, err := NewBadgerStorage(BadgerOptions{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestBadgerStorage(t *testing.T) {
	runStorageSuite(t, func(t *testing.T) Storage {
		return newBadgerTestStore(t)
	})

	t.Run("PersistsAcrossReopen", func(t *testing.T) {
		dir := t.TempDir()
		ctx := context.Background()

		store, err := NewBadgerStorage(BadgerOptions{Dir: dir})
		require.NoError(t, err)
		require.NoError(t, store.CreateSession(ctx, newSession("b-1", "誕生花", 1000)))
		_, err = store.UpdateSession(ctx, "b-1", startRunning)
		require.NoError(t, err)
		require.NoError(t, store.Close())

		reopened, err := NewBadgerStorage(BadgerOptions{Dir: dir})
		require.NoError(t, err)
		defer reopened.Close()

		got, err := reopened.GetSession(ctx, "b-1")
		require.NoError(t, err)
		assert.Equal(t, "誕生花", got.Keyword)
		assert.Equal(t, "RUNNING", string(got.Status))
	})
}
