package backend

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryStoreGetSet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var missing map[string]int
	require.ErrorIs(t, store.Get(ctx, "nope", &missing), ErrNotFound)

	require.NoError(t, store.Set(ctx, "a/b", map[string]int{"n": 1}))

	var got map[string]int
	require.NoError(t, store.Get(ctx, "a/b", &got))
	require.Equal(t, 1, got["n"])
}

func TestMemoryStoreUpdateSeesNilForAbsent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	err := store.Update(ctx, "counter", func(raw json.RawMessage) (interface{}, error) {
		n := 0
		if raw != nil {
			require.NoError(t, json.Unmarshal(raw, &n))
		}
		return n + 1, nil
	})
	require.NoError(t, err)

	err = store.Update(ctx, "counter", func(raw json.RawMessage) (interface{}, error) {
		var n int
		require.NoError(t, json.Unmarshal(raw, &n))
		return n + 1, nil
	})
	require.NoError(t, err)

	var n int
	require.NoError(t, store.Get(ctx, "counter", &n))
	require.Equal(t, 2, n)
}

func TestMemoryStoreQueryOrdersByKey(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "s/2", "b"))
	require.NoError(t, store.Set(ctx, "s/1", "a"))
	require.NoError(t, store.Set(ctx, "t/1", "c"))

	docs, err := store.Query(ctx, "s/")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	require.Equal(t, "s/1", docs[0].Key)
	require.Equal(t, "s/2", docs[1].Key)
}

func TestMemoryStoreDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "a", 1))
	require.NoError(t, store.Delete(ctx, "a"))
	require.NoError(t, store.Delete(ctx, "a"))

	var n int
	require.ErrorIs(t, store.Get(ctx, "a", &n), ErrNotFound)
}
