package rhizome

import (
	"errors"
	"math/rand/v2"
)

// versionCacheBins and versionCacheWays size the version cache: 128 bins of
// 16 ways each, matching the source's fixed-size, direct-indexed table.
const (
	versionCacheBins = 128
	versionCacheWays = 16
)

// versionCacheLookup enumerates the outcomes of VersionCache.Lookup.
type versionCacheLookup int

const (
	// FetchWorth indicates no equal-or-newer version is known locally.
	FetchWorth versionCacheLookup = iota
	// AlreadyHaveEqualOrNewer indicates a stored version >= the manifest's
	// is already known.
	AlreadyHaveEqualOrNewer
	// AlreadyHaveNewer is the finer-grained case of AlreadyHaveEqualOrNewer
	// where the stored version is strictly newer.
	AlreadyHaveNewer
	// VersionCacheBadManifest indicates the manifest lacks an id.
	VersionCacheBadManifest
)

type versionCacheEntry struct {
	idPrefix [24]byte
	version  uint64
	occupied bool
}

// VersionCache provides a quick reject of manifests already known, at an
// equal or newer version, to the backing Store. It is bin/way sharded with
// uniform-random replacement, in the style of a ring-sharded rate limiter
// -- but a VersionCache.Lookup always consults the Store first; the Store's
// answer is authoritative, and the in-memory cache is future-optimisation
// plumbing rather than read on the hot path (see fastLookup, and
// SPEC_FULL.md §9). Entries are written only by VersionCache.Store, which
// the engine itself does not call, so the engine never fills the cache.
type VersionCache struct {
	store Store
	bins  [versionCacheBins][versionCacheWays]versionCacheEntry
}

// NewVersionCache constructs a VersionCache backed by store, which is
// consulted as the source of truth on every Lookup.
func NewVersionCache(store Store) *VersionCache {
	return &VersionCache{store: store}
}

func versionCacheBin(id [32]byte) int {
	// "first 2 hex digits of id, right-shifted by 1" == id[0] >> 1.
	return int(id[0] >> 1)
}

// Store records the manifest's id/version pair in the cache, overwriting a
// uniformly-randomly chosen way within its bin. It fails with
// ErrBadManifest when the manifest lacks an id.
func (c *VersionCache) Store(m *Manifest) error {
	if m == nil || m.ID == ([32]byte{}) {
		return ErrBadManifest
	}
	bin := &c.bins[versionCacheBin(m.ID)]
	way := rand.IntN(versionCacheWays)
	var prefix [24]byte
	copy(prefix[:], m.ID[:24])
	bin[way] = versionCacheEntry{idPrefix: prefix, version: m.Version, occupied: true}
	return nil
}

// Lookup classifies m against what is already known locally. The backing
// Store's SELECT-equivalent is authoritative; see fastLookup for the
// (currently unused) in-memory alternative.
func (c *VersionCache) Lookup(m *Manifest) (versionCacheLookup, error) {
	if m == nil || m.ID == ([32]byte{}) {
		return VersionCacheBadManifest, nil
	}
	version, ok, err := c.store.LookupVersion(m.ID)
	if err != nil {
		if errors.Is(err, ErrBadManifest) {
			return VersionCacheBadManifest, nil
		}
		return FetchWorth, err
	}
	if !ok || version < m.Version {
		return FetchWorth, nil
	}
	if version > m.Version {
		return AlreadyHaveNewer, nil
	}
	return AlreadyHaveEqualOrNewer, nil
}

// fastLookup consults only the in-memory cache, without touching the Store.
// It is not called by Lookup: the source this engine is modeled on reaches
// this point after an early return, making the in-memory read effectively
// dead code. It is kept, named, and tested here as the documented
// optimisation a future implementation may wire into the hot path once the
// cache's staleness window (entries are never invalidated on eviction from
// the Store) has been addressed.
func (c *VersionCache) fastLookup(id [32]byte) (version uint64, ok bool) {
	bin := &c.bins[versionCacheBin(id)]
	var prefix [24]byte
	copy(prefix[:], id[:24])
	for i := range bin {
		if bin[i].occupied && bin[i].idPrefix == prefix {
			return bin[i].version, true
		}
	}
	return 0, false
}
