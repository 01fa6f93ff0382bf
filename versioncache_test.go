package rhizome

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersionCache_Lookup(t *testing.T) {
	store := newFakeStore()
	vc := NewVersionCache(store)

	id := idFromByte(0x10)

	t.Run("fetch worth when store has nothing", func(t *testing.T) {
		m := testManifest(id, 5, 1000)
		result, err := vc.Lookup(m)
		require.NoError(t, err)
		require.Equal(t, FetchWorth, result)
	})

	t.Run("superseded per scenario 2: store has id=A version=5", func(t *testing.T) {
		store.versions[id] = 5

		same := testManifest(id, 5, 1000)
		result, err := vc.Lookup(same)
		require.NoError(t, err)
		require.Equal(t, AlreadyHaveEqualOrNewer, result)

		newer := testManifest(id, 6, 1000)
		result, err = vc.Lookup(newer)
		require.NoError(t, err)
		require.Equal(t, FetchWorth, result)
	})

	t.Run("strictly newer distinguishes AlreadyHaveNewer", func(t *testing.T) {
		store.versions[id] = 9
		m := testManifest(id, 5, 1000)
		result, err := vc.Lookup(m)
		require.NoError(t, err)
		require.Equal(t, AlreadyHaveNewer, result)
	})

	t.Run("bad manifest", func(t *testing.T) {
		result, err := vc.Lookup(&Manifest{})
		require.NoError(t, err)
		require.Equal(t, VersionCacheBadManifest, result)
	})
}

func TestVersionCache_Store(t *testing.T) {
	vc := NewVersionCache(newFakeStore())

	err := vc.Store(&Manifest{})
	require.ErrorIs(t, err, ErrBadManifest)

	id := idFromByte(0x42)
	m := testManifest(id, 3, 500)
	require.NoError(t, vc.Store(m))

	v, ok := vc.fastLookup(id)
	require.True(t, ok)
	require.Equal(t, uint64(3), v)
}

func TestVersionCache_fastLookup_isDeadCodeFromLookup(t *testing.T) {
	// Per §9's open question: Lookup never consults fastLookup; the store
	// is always authoritative, even when the in-memory cache disagrees.
	store := newFakeStore()
	vc := NewVersionCache(store)
	id := idFromByte(0x77)
	require.NoError(t, vc.Store(testManifest(id, 100, 10)))

	m := testManifest(id, 1, 10)
	result, err := vc.Lookup(m)
	require.NoError(t, err)
	require.Equal(t, FetchWorth, result, "store has nothing for this id, so Lookup must ignore the stale in-memory cache entry")
}
