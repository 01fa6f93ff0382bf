package rhizome

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// runPollInterval bounds how long Run's loop may sleep before re-checking
// the Poller for due timers. Since no transport in this package registers
// fd readiness with the Poller (stream.go drives connect/read/write from
// ordinary goroutines reporting back through submit, per its doc comment),
// Run cannot rely on a blocking Poll(wait=true) to be woken by fd activity;
// it instead polls on this cadence, which is well under the tightest
// configured cadence (the 100ms manifest retransmit interval) so timers
// still fire within their documented resolution.
const runPollInterval = 10 * time.Millisecond

// Stats is a point-in-time snapshot of the engine's internal counters,
// recovered from original_source/rhizome_fetch.c's simple queue-length/
// active-count bookkeeping (see SPEC_FULL.md §4.11): cheap enough to
// populate on every call, since the engine itself never touches these
// fields from more than one goroutine.
type Stats struct {
	// QueuedPerClass holds the current candidate count of each size-class
	// queue, in ascending-threshold order.
	QueuedPerClass []int
	// ActiveSlots is the number of slots not currently Free.
	ActiveSlots int
	// ImportsCompleted counts every successful hand-off to the Store,
	// across both immediate (zero-length payload) and slot-driven fetches.
	ImportsCompleted int
	// ManifestsReleased is the leak-counter testable property from §8:
	// every Manifest the engine takes ownership of is released exactly
	// once, and this counts each release regardless of reason.
	ManifestsReleased int
	// FallbacksTriggered counts stream→datagram transport fallbacks.
	FallbacksTriggered int
	// IgnoreCacheHits counts Suggest calls short-circuited by the ignore
	// cache.
	IgnoreCacheHits int
}

// Engine is the bundle fetch scheduler and transport engine: it owns the
// size-classed candidate queues, one fetchSlot per queue, the version and
// ignore caches, and the Poller-driven single goroutine that runs them all.
//
// Per §5, all engine state is touched only by the goroutine running Run;
// every other exported method is safe to call from any goroutine, and is
// internally marshalled onto the engine goroutine through submit, the same
// pattern eventloop.Loop.Submit uses for its own ingress queue (simplified
// here to a mutex-guarded slice, since the engine's own ingress volume never
// approaches the throughput eventloop.Loop's chunked/ring-buffer ingress was
// built for -- see DESIGN.md).
type Engine struct {
	cfg      Config
	store    Store
	bus      OverlayBus
	identity Identity
	poller   Poller
	logger   logger

	queues       *QueueSet
	slots        []*fetchSlot
	versionCache *VersionCache
	ignoreCache  *IgnoreCache

	hasActivation   bool
	activationTimer TimerHandle

	stats Stats

	runMu     sync.Mutex
	running   bool
	loopGID   bool // set while the goroutine running Run is executing a submitted task

	ingressMu sync.Mutex
	ingress   []func()
	wake      chan struct{}

	closed bool
}

// New constructs an Engine. store, bus, identity, and poller are required;
// a nil logger disables logging (see NewLogger). cfg is defaulted and
// validated via Config.withDefaults.
func New(cfg Config, store Store, bus OverlayBus, identity Identity, poller Poller, log logger) (*Engine, error) {
	if store == nil || bus == nil || identity == nil || poller == nil {
		return nil, fmt.Errorf("rhizome: New: store, bus, identity, and poller are required")
	}
	resolved, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = NewLogger(nil)
	}

	e := &Engine{
		cfg:      resolved,
		store:    store,
		bus:      bus,
		identity: identity,
		poller:   poller,
		logger:   log,
		queues:   newQueueSet(resolved.Queues),
		wake:     make(chan struct{}, 1),
	}
	e.versionCache = NewVersionCache(store)
	e.ignoreCache = NewIgnoreCache(poller)
	e.slots = make([]*fetchSlot, len(resolved.Queues))
	for i := range e.slots {
		e.slots[i] = newFetchSlot(e, i)
	}
	return e, nil
}

func (e *Engine) log() logger { return e.logger }

// submit marshals fn onto the engine goroutine. Called both internally (by
// slot/transport callbacks already running on the engine goroutine, in
// which case fn runs immediately -- see isLoopGoroutine) and by exported
// methods invoked from arbitrary caller goroutines.
func (e *Engine) submit(fn func()) {
	if e.loopGID {
		fn()
		return
	}
	e.ingressMu.Lock()
	e.ingress = append(e.ingress, fn)
	e.ingressMu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// drainIngress runs every task submitted since the last drain. Only called
// from the Run goroutine.
func (e *Engine) drainIngress() {
	e.ingressMu.Lock()
	tasks := e.ingress
	e.ingress = nil
	e.ingressMu.Unlock()
	e.loopGID = true
	defer func() { e.loopGID = false }()
	for _, t := range tasks {
		t()
	}
}

// Run drives the engine's single cooperative goroutine until ctx is
// canceled or Close is called. It is an error to call Run more than once
// concurrently.
func (e *Engine) Run(ctx context.Context) error {
	e.runMu.Lock()
	if e.running {
		e.runMu.Unlock()
		return fmt.Errorf("rhizome: Run: already running")
	}
	e.running = true
	e.runMu.Unlock()
	defer func() {
		e.runMu.Lock()
		e.running = false
		e.runMu.Unlock()
	}()

	type polling interface {
		Poll(wait bool) error
	}
	p, canPoll := e.poller.(polling)

	ticker := time.NewTicker(runPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.doClose()
			return ctx.Err()
		case <-e.wake:
		case <-ticker.C:
		}
		e.drainIngress()
		if e.closed {
			return nil
		}
		if canPoll {
			if err := p.Poll(false); err != nil {
				return err
			}
		}
	}
}

// Close tears down every active slot and marks the engine unusable for
// further Suggest/Run calls. Safe to call from any goroutine.
func (e *Engine) Close() error {
	done := make(chan struct{})
	e.submit(func() {
		e.doClose()
		close(done)
	})
	<-done
	return nil
}

func (e *Engine) doClose() {
	if e.closed {
		return
	}
	e.closed = true
	for _, s := range e.slots {
		s.close("engine closed")
	}
	if e.hasActivation {
		e.poller.Unschedule(e.activationTimer)
		e.hasActivation = false
	}
}

// verifyManifest checks m's signature and internal consistency via the
// Store, except for a bundle the local subscriber signed itself: matching
// the original source's "!selfSigned && verify_fails" short-circuit, a
// self-signed manifest offered by the identity it claims to be signed by
// needs no external verification. peer's overlay id, compared against
// Identity.LocalSubscriberID(), is how that case is recognised.
func (e *Engine) verifyManifest(m *Manifest, peer PeerCoordinate) error {
	if m.SelfSigned && peer.HasOverlayID && peer.OverlayID == e.identity.LocalSubscriberID() {
		return nil
	}
	return e.store.VerifyManifest(m)
}

// releaseManifest is the engine's single release point for a Manifest's
// ownership contract (types.go): every Manifest taken in by Suggest is
// released exactly once, here, regardless of which of the documented exit
// paths (rejection, dequeue-for-discard, or fetch completion) triggered it.
func (e *Engine) releaseManifest(m *Manifest, reason string) {
	if m == nil {
		return
	}
	e.stats.ManifestsReleased++
	e.log().Debug().Str("manifest_id", m.IDHex()).Str("reason", reason).Log("manifest released")
}

// Suggest is the engine's primary inbound entry point: "consider this
// manifest, offered by peer". It takes ownership of m (see Manifest's
// doc comment) and is safe to call from any goroutine.
func (e *Engine) Suggest(m *Manifest, peer PeerCoordinate) SuggestResult {
	result := make(chan SuggestResult, 1)
	e.submit(func() {
		result <- e.doSuggest(m, peer)
	})
	return <-result
}

// RequestManifestByPrefix starts (or reports busy/error for) a
// manifest-by-prefix fetch on the idle slot with the largest threshold,
// since a manifest-by-prefix fetch has no payload length to size-class.
func (e *Engine) RequestManifestByPrefix(peer PeerCoordinate, prefix []byte) ManifestFetchResult {
	if len(prefix) == 0 || len(prefix) > 32 {
		return ManifestFetchError
	}
	result := make(chan ManifestFetchResult, 1)
	e.submit(func() {
		for i := len(e.slots) - 1; i >= 0; i-- {
			s := e.slots[i]
			if !s.idle() {
				continue
			}
			if err := s.activateManifestFetch(peer, prefix); err != nil {
				result <- ManifestFetchError
				return
			}
			result <- ManifestFetchStarted
			return
		}
		result <- ManifestFetchSlotBusy
	})
	return <-result
}

// OnDatagramContent delivers one received content datagram to whichever
// slot is waiting on it, matched by the first 16 bytes of its bid/prefix
// (§4.6). Unmatched datagrams are silently dropped -- they belong to a
// fetch that has already completed, fallen back, or never existed locally.
func (e *Engine) OnDatagramContent(bidPrefix []byte, version uint64, offset uint64, length uint64, payload []byte, kind byte) {
	e.submit(func() {
		n := len(bidPrefix)
		if n > 16 {
			n = 16
		}
		for _, s := range e.slots {
			if s.state != slotReceivingBodyDatagram || s.dgram == nil {
				continue
			}
			if !matchesBidPrefix(s, bidPrefix, n) {
				continue
			}
			if err := s.onDatagramContent(version, offset, length, payload, kind); err != nil {
				e.log().Warning().Str("manifest_id", s.logID()).Err(err).Log("datagram absorb failed")
			}
			return
		}
	})
}

// matchesBidPrefix reports whether a received datagram's bid_prefix
// identifies slot s's in-flight fetch: a payload fetch compares against
// the manifest id, a manifest-by-prefix fetch against its own prefix.
func matchesBidPrefix(s *fetchSlot, bidPrefix []byte, n int) bool {
	if n == 0 {
		return false
	}
	if s.manifestOnly {
		if len(s.prefix) < n {
			return false
		}
		for i := 0; i < n; i++ {
			if s.prefix[i] != bidPrefix[i] {
				return false
			}
		}
		return true
	}
	for i := 0; i < n; i++ {
		if s.manifest == nil || s.manifest.ID[i] != bidPrefix[i] {
			return false
		}
	}
	return true
}

// AnyActive reports whether at least one slot is not Free.
func (e *Engine) AnyActive() bool {
	result := make(chan bool, 1)
	e.submit(func() {
		for _, s := range e.slots {
			if !s.idle() {
				result <- true
				return
			}
		}
		result <- false
	})
	return <-result
}

// AnyQueued reports whether at least one candidate is queued, in any queue.
func (e *Engine) AnyQueued() bool {
	result := make(chan bool, 1)
	e.submit(func() {
		for _, q := range e.queues.queues {
			if q.len() > 0 {
				result <- true
				return
			}
		}
		result <- false
	})
	return <-result
}

// Stats returns a snapshot of the engine's counters.
func (e *Engine) Stats() Stats {
	result := make(chan Stats, 1)
	e.submit(func() {
		snap := e.stats
		snap.QueuedPerClass = make([]int, len(e.queues.queues))
		for i, q := range e.queues.queues {
			snap.QueuedPerClass[i] = q.len()
		}
		for _, s := range e.slots {
			if !s.idle() {
				snap.ActiveSlots++
			}
		}
		result <- snap
	})
	return <-result
}

// removeScratchFile unlinks the scratch file at path, matching
// fetchSlot.close's unlink on every non-success teardown path: per §5/§6,
// a scratch file is unlinked on every exit path, success included, and the
// engine -- not the Store -- owns payloadPath once a fetch completes (see
// Store.ImportBundle's doc comment).
func (e *Engine) removeScratchFile(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		e.log().Warning().Str("path", path).Err(err).Log("scratch unlink failed")
	}
}

// onPayloadFetchComplete is the importer-glue handoff for a completed
// payload fetch (§4.8): attach the scratch path, verify, import, and unlink
// the scratch file regardless of outcome.
func (e *Engine) onPayloadFetchComplete(m *Manifest, peer PeerCoordinate, path string) {
	defer e.removeScratchFile(path)
	if m == nil {
		return
	}
	if err := e.verifyManifest(m, peer); err != nil {
		e.ignoreCache.Remember(m.ID, peer, e.cfg.IgnoreTTLMS, e.poller.NowMS())
		e.log().Warning().Str("manifest_id", m.IDHex()).Err(err).Log("verification failed after fetch")
		e.releaseManifest(m, "verification failed")
		return
	}
	if err := e.store.ImportBundle(m, path, m.TTL); err != nil {
		e.log().Warning().Str("manifest_id", m.IDHex()).Err(err).Log("import failed")
		e.releaseManifest(m, "import failed")
		return
	}
	e.stats.ImportsCompleted++
	e.log().Info().Str("manifest_id", m.IDHex()).Log("imported")
	e.releaseManifest(m, "imported")
}

// onManifestFetchComplete is the importer-glue handoff for a completed
// manifest-by-prefix fetch (§4.8): parse the scratch file, re-enter Suggest
// with the same peer coordinate, and unlink the scratch file regardless of
// outcome.
func (e *Engine) onManifestFetchComplete(peer PeerCoordinate, prefix []byte, path string) {
	defer e.removeScratchFile(path)
	m, err := e.store.ReadManifestFile(path)
	if err != nil {
		e.log().Warning().Str("prefix", fmt.Sprintf("%x", prefix)).Err(err).Log("manifest parse failed")
		return
	}
	e.doSuggest(m, peer)
}
