package rhizome

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDoSuggest_ZeroLengthPayload_ImmediateImport(t *testing.T) {
	store := newFakeStore()
	eng, _ := newTestEngine(t, store, t.TempDir())

	m := testManifest(idFromByte(1), 1, 0)
	result := eng.doSuggest(m, PeerCoordinate{HasOverlayID: true})

	require.Equal(t, AcceptedImmediateImport, result)
	require.Equal(t, 1, store.importCount())
	for _, q := range eng.queues.queues {
		require.Equal(t, 0, q.len(), "zero-length payload must never touch a queue")
	}
}

func TestDoSuggest_ZeroLengthPayload_VerificationFailure(t *testing.T) {
	store := newFakeStore()
	store.verifyErr = ErrBadManifest
	eng, poller := newTestEngine(t, store, t.TempDir())

	id := idFromByte(2)
	m := testManifest(id, 1, 0)
	result := eng.doSuggest(m, PeerCoordinate{HasOverlayID: true})

	require.Equal(t, SuggestError, result)
	require.Equal(t, 0, store.importCount())
	require.True(t, eng.ignoreCache.Check(id, poller.NowMS()), "verification failure must ignore-cache the id")
}

// TestDoSuggest_SelfSigned_SkipsVerificationForLocalIdentity exercises the
// original source's "!selfSigned && verify_fails" short-circuit: a
// self-signed manifest offered by the local subscriber itself is imported
// without ever calling Store.VerifyManifest.
func TestDoSuggest_SelfSigned_SkipsVerificationForLocalIdentity(t *testing.T) {
	store := newFakeStore()
	store.verifyErr = ErrBadManifest // would fail verification if it were ever called
	eng, _ := newTestEngine(t, store, t.TempDir())

	m := testManifest(idFromByte(30), 1, 0)
	m.SelfSigned = true
	peer := PeerCoordinate{HasOverlayID: true, OverlayID: idFromByte(0xFE)} // matches newTestEngine's identity

	result := eng.doSuggest(m, peer)

	require.Equal(t, AcceptedImmediateImport, result)
	require.Equal(t, 1, store.importCount())
}

// TestDoSuggest_SelfSigned_OtherPeerStillVerified ensures the skip above is
// scoped to the local identity: a self-signed manifest from any other peer
// is still verified normally.
func TestDoSuggest_SelfSigned_OtherPeerStillVerified(t *testing.T) {
	store := newFakeStore()
	store.verifyErr = ErrBadManifest
	eng, poller := newTestEngine(t, store, t.TempDir())

	id := idFromByte(31)
	m := testManifest(id, 1, 0)
	m.SelfSigned = true
	peer := PeerCoordinate{HasOverlayID: true, OverlayID: idFromByte(77)} // not the local identity

	result := eng.doSuggest(m, peer)

	require.Equal(t, SuggestError, result)
	require.Equal(t, 0, store.importCount())
	require.True(t, eng.ignoreCache.Check(id, poller.NowMS()))
}

// TestDoSuggest_Supersession is scenario 2 from §8.
func TestDoSuggest_Supersession(t *testing.T) {
	store := newFakeStore()
	eng, _ := newTestEngine(t, store, t.TempDir())

	id := idFromByte(3)
	store.versions[id] = 5

	result := eng.doSuggest(testManifest(id, 5, 1000), PeerCoordinate{HasOverlayID: true})
	require.Equal(t, DroppedSuperseded, result)

	result = eng.doSuggest(testManifest(id, 6, 1000), PeerCoordinate{HasOverlayID: true})
	require.Equal(t, Queued, result)
}

func TestDoSuggest_DuplicateQueuedCandidate(t *testing.T) {
	store := newFakeStore()
	eng, _ := newTestEngine(t, store, t.TempDir())
	id := idFromByte(4)

	require.Equal(t, Queued, eng.doSuggest(testManifest(id, 5, 1000), PeerCoordinate{HasOverlayID: true}))
	// Same id, same version, offered by a different peer: cardinality must
	// not change (round-trip property from §8).
	require.Equal(t, DroppedDuplicate, eng.doSuggest(testManifest(id, 5, 1000), PeerCoordinate{HasOverlayID: true, OverlayID: idFromByte(99)}))

	q := eng.queues.findQueue(1000)
	require.Equal(t, 1, q.len())
}

func TestDoSuggest_NewerVersionEvictsOlderQueuedCandidate(t *testing.T) {
	store := newFakeStore()
	eng, _ := newTestEngine(t, store, t.TempDir())
	id := idFromByte(5)

	require.Equal(t, Queued, eng.doSuggest(testManifest(id, 5, 1000), PeerCoordinate{HasOverlayID: true}))
	require.Equal(t, Queued, eng.doSuggest(testManifest(id, 6, 1000), PeerCoordinate{HasOverlayID: true}))

	q := eng.queues.findQueue(1000)
	require.Equal(t, 1, q.len(), "the newer version must replace, not duplicate, the older queued candidate")
	require.Equal(t, uint64(6), q.at(0).Manifest.Version)
}

func TestDoSuggest_IgnoreCached_Dropped(t *testing.T) {
	store := newFakeStore()
	eng, poller := newTestEngine(t, store, t.TempDir())
	id := idFromByte(6)
	eng.ignoreCache.Remember(id, PeerCoordinate{}, 60_000, poller.NowMS())

	result := eng.doSuggest(testManifest(id, 1, 1000), PeerCoordinate{HasOverlayID: true})
	require.Equal(t, DroppedDuplicate, result)

	for _, q := range eng.queues.queues {
		require.Equal(t, 0, q.len())
	}
}

func TestDoSuggest_QueueFull_DroppedNoQueue(t *testing.T) {
	store := newFakeStore()
	eng, _ := newTestEngine(t, store, t.TempDir())

	// The smallest queue's capacity is 5 (reference config); fill it with
	// defaultPriority candidates so the 6th has nothing worse to displace.
	for i := byte(0); i < 5; i++ {
		result := eng.doSuggest(testManifest(idFromByte(10+i), 1, 100), PeerCoordinate{HasOverlayID: true})
		require.Equal(t, Queued, result)
	}
	result := eng.doSuggest(testManifest(idFromByte(20), 1, 100), PeerCoordinate{HasOverlayID: true})
	require.Equal(t, DroppedNoQueue, result)
}

func TestDoSuggest_InvalidManifest(t *testing.T) {
	store := newFakeStore()
	eng, _ := newTestEngine(t, store, t.TempDir())
	require.Equal(t, SuggestError, eng.doSuggest(&Manifest{}, PeerCoordinate{}))
	require.Equal(t, SuggestError, eng.doSuggest(nil, PeerCoordinate{}))
}

func TestStartNext_ActivatesQueuedCandidate(t *testing.T) {
	store := newFakeStore()
	eng, _ := newTestEngine(t, store, t.TempDir())
	id := idFromByte(30)
	require.Equal(t, Queued, eng.doSuggest(testManifest(id, 1, 100), PeerCoordinate{HasOverlayID: true}))

	q := eng.queues.findQueue(100)
	qi := eng.queues.indexOfQueue(q)
	slot := eng.slots[qi]
	require.True(t, slot.idle())

	eng.startNext(slot)
	require.False(t, slot.idle(), "activation must have started the queued candidate")
	require.Equal(t, 0, q.len())
}

func TestActivateCandidate_SamePayloadHashAlreadyActive(t *testing.T) {
	store := newFakeStore()
	eng, _ := newTestEngine(t, store, t.TempDir())

	idA := idFromByte(40)
	idB := idFromByte(41)
	mA := testManifest(idA, 1, 100)
	mB := testManifest(idB, 1, 100) // same PayloadHash by construction

	cand := eng.queues.findQueue(100)
	qi := eng.queues.indexOfQueue(cand)
	slot := eng.slots[qi]
	require.NoError(t, slot.activate(&Candidate{Manifest: mA, Peer: PeerCoordinate{HasOverlayID: true}, Priority: defaultPriority}))
	require.False(t, slot.idle())

	result := eng.activateCandidate(&fetchSlot{eng: eng, queueIndex: qi}, &Candidate{Manifest: mB, Peer: PeerCoordinate{HasOverlayID: true}, Priority: defaultPriority})
	require.Equal(t, activateSamePayload, result)
}
