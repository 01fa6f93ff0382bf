package rhizome

import (
	"encoding/hex"
	"net"
)

// Manifest is the immutable descriptor of a content bundle. Ownership passes
// to the engine on Engine.Suggest; the engine guarantees it is released
// exactly once, either on rejection, on dequeue-for-discard, or on fetch
// completion. There is no reference count to decrement, since the Go
// runtime already garbage collects the value; each release increments
// Stats.ManifestsReleased and is logged at debug level, which is how the
// leak-counter testable property is observed. There is no caller-supplied
// release hook.
type Manifest struct {
	// ID is the 32-byte bundle identifier.
	ID [32]byte
	// Version is a strictly-ordered version number; higher is newer.
	Version uint64
	// PayloadLength is the size, in bytes, of the referenced payload.
	PayloadLength uint64
	// PayloadHash is the lowercase 64-hex-digit payload hash.
	PayloadHash string
	// TTL is the manifest's remaining hop count.
	TTL uint8
	// SelfSigned indicates the manifest's signature is not anchored to an
	// externally verifiable chain.
	SelfSigned bool
}

// IDHex returns the lowercase hex encoding of the manifest id.
func (m *Manifest) IDHex() string {
	return hex.EncodeToString(m.ID[:])
}

// Valid reports whether m has the minimum fields required to be considered
// at all: a non-zero id and a lowercase-hex payload hash of the correct
// length whenever the payload is non-empty.
func (m *Manifest) Valid() bool {
	if m == nil || m.ID == ([32]byte{}) {
		return false
	}
	if m.PayloadLength > 0 && len(m.PayloadHash) != 64 {
		return false
	}
	return true
}

// PeerCoordinate identifies the peer a manifest was offered by, and the
// means by which it may be reached. At least one of StreamAddr or OverlayID
// must be set; a StreamAddr enables the stream transport, otherwise only the
// datagram transport is viable.
type PeerCoordinate struct {
	// StreamAddr is the peer's stream-socket address, or nil if unknown.
	StreamAddr *net.TCPAddr
	// OverlayID is the peer's 32-byte overlay subscriber identifier.
	OverlayID [32]byte
	// HasOverlayID distinguishes an explicit zero overlay id from "unset",
	// since [32]byte cannot itself be nil.
	HasOverlayID bool
}

// Valid reports whether p carries at least one usable address.
func (p PeerCoordinate) Valid() bool {
	return p.StreamAddr != nil || p.HasOverlayID
}

// Candidate is a pending fetch: a manifest paired with the peer coordinate
// it was offered from, and a scheduling priority. Lower Priority values are
// preferred for retention when a queue must displace an entry to make room;
// see candidateQueue.insertionIndex.
type Candidate struct {
	Manifest *Manifest
	Peer     PeerCoordinate
	Priority int
}

// defaultPriority is the Priority every candidate queued by Suggest is
// given, matching "default 100" in the candidate's data model.
const defaultPriority = 100

// SuggestResult enumerates the outcomes of Engine.Suggest.
type SuggestResult int

const (
	// Queued indicates the manifest was placed in a size-class queue.
	Queued SuggestResult = iota
	// AcceptedImmediateImport indicates a zero-length payload was verified
	// and imported without ever touching a queue.
	AcceptedImmediateImport
	// DroppedSuperseded indicates an equal-or-newer version is already
	// known to the store.
	DroppedSuperseded
	// DroppedDuplicate indicates an equal-or-newer version of the same
	// manifest id is already queued, or the id is currently suppressed by
	// the ignore cache. Fetches already in flight are not checked here.
	DroppedDuplicate
	// DroppedNoQueue indicates queue pressure: no insertion index was
	// available, and no lower-priority candidate could be displaced.
	DroppedNoQueue
	// SuggestError indicates a hard failure (bad manifest, store error).
	SuggestError
)

func (r SuggestResult) String() string {
	switch r {
	case Queued:
		return "Queued"
	case AcceptedImmediateImport:
		return "AcceptedImmediateImport"
	case DroppedSuperseded:
		return "DroppedSuperseded"
	case DroppedDuplicate:
		return "DroppedDuplicate"
	case DroppedNoQueue:
		return "DroppedNoQueue"
	case SuggestError:
		return "SuggestError"
	default:
		return "SuggestResult(?)"
	}
}

// activateResult enumerates the outcomes of activating a candidate against
// a slot, consumed by the dispatcher's activation-tick loop (see
// dispatcher.go, startNext).
type activateResult int

const (
	activateStarted activateResult = iota
	activateSlotBusy
	activateImported
	activateSuperseded
	activateSameBundle
	activateSamePayload
	activateNewerBundle
	activateOlderBundle
	// activateFailed indicates slot.activate itself failed (e.g. the
	// scratch file could not be opened) -- distinct from activateImported,
	// since nothing was verified or stored.
	activateFailed
)

// ManifestFetchResult enumerates the outcomes of
// Engine.RequestManifestByPrefix, matching §6's
// "{Started, SlotBusy, Error}".
type ManifestFetchResult int

const (
	// ManifestFetchStarted indicates a free slot began the fetch.
	ManifestFetchStarted ManifestFetchResult = iota
	// ManifestFetchSlotBusy indicates every slot is currently active.
	ManifestFetchSlotBusy
	// ManifestFetchError indicates a hard failure (bad prefix, no import
	// directory).
	ManifestFetchError
)

func (r ManifestFetchResult) String() string {
	switch r {
	case ManifestFetchStarted:
		return "Started"
	case ManifestFetchSlotBusy:
		return "SlotBusy"
	case ManifestFetchError:
		return "Error"
	default:
		return "ManifestFetchResult(?)"
	}
}
