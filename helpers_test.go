package rhizome

import (
	"strings"
	"sync"
	"testing"
)

// fakePoller is an in-memory Poller for tests: Schedule/Unschedule are
// backed by the same timerQueue DefaultPoller uses, NowMS is driven by a
// fakeClock the test advances explicitly, and Watch/Unwatch are no-ops
// since no test transport here registers fd readiness (see engine.go's
// runPollInterval comment for why the engine itself doesn't depend on it
// either).
type fakePoller struct {
	mu     sync.Mutex
	clock  *fakeClock
	timers *timerQueue
}

func newFakePoller(start int64) *fakePoller {
	return &fakePoller{clock: newFakeClock(start), timers: newTimerQueue()}
}

func (p *fakePoller) NowMS() int64 { return p.clock.NowMS() }

func (p *fakePoller) Watch(fd int, events IOEvent, cb func(IOEvent)) error { return nil }

func (p *fakePoller) Unwatch(fd int) error { return nil }

func (p *fakePoller) Schedule(deadlineMS int64, cb func()) TimerHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timers.schedule(deadlineMS, cb)
}

func (p *fakePoller) Unschedule(handle TimerHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timers.unschedule(handle)
}

// Advance moves the fake clock forward by ms and fires any timer now due.
func (p *fakePoller) Advance(ms int64) {
	p.clock.Advance(ms)
	p.mu.Lock()
	p.timers.fireDue(p.clock.NowMS())
	p.mu.Unlock()
}

// fakeStore is an in-memory Store used across dispatcher/engine tests.
type fakeStore struct {
	mu            sync.Mutex
	versions      map[[32]byte]uint64
	payloads      map[string]bool
	imported      []*Manifest
	verifyErr     error
	importErr     error
	manifestFiles map[string]*Manifest
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		versions:      make(map[[32]byte]uint64),
		payloads:      make(map[string]bool),
		manifestFiles: make(map[string]*Manifest),
	}
}

func (s *fakeStore) LookupVersion(id [32]byte) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[id]
	return v, ok, nil
}

func (s *fakeStore) HasPayload(hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payloads[hash], nil
}

func (s *fakeStore) ImportBundle(m *Manifest, payloadPath string, ttl uint8) error {
	if s.importErr != nil {
		return s.importErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[m.ID] = m.Version
	if m.PayloadHash != "" {
		s.payloads[m.PayloadHash] = true
	}
	s.imported = append(s.imported, m)
	return nil
}

func (s *fakeStore) VerifyManifest(m *Manifest) error { return s.verifyErr }

func (s *fakeStore) ReadManifestFile(path string) (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.manifestFiles[path]; ok {
		return m, nil
	}
	return &Manifest{}, nil
}

func (s *fakeStore) importCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.imported)
}

// fakeBus is an in-memory OverlayBus recording every datagram sent.
type fakeBus struct {
	mu   sync.Mutex
	sent []sentDatagram
}

type sentDatagram struct {
	srcPort, dstPort string
	dstID            [32]byte
	ttl              uint8
	payload          []byte
}

func (b *fakeBus) SendDatagram(srcPort, dstPort string, dstID [32]byte, ttl uint8, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := append([]byte(nil), payload...)
	b.sent = append(b.sent, sentDatagram{srcPort, dstPort, dstID, ttl, cp})
	return nil
}

func (b *fakeBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

type fakeIdentity struct{ id [32]byte }

func (f fakeIdentity) LocalSubscriberID() [32]byte { return f.id }

func idFromByte(b byte) [32]byte {
	var id [32]byte
	id[0] = b
	id[1] = 0xAA
	return id
}

// newTestEngine builds an Engine with a fakePoller/fakeStore/fakeBus wired
// together but never started via Run, for white-box tests that drive
// doSuggest/startNext/activateCandidate directly on the calling goroutine
// (valid here because nothing else touches engine state concurrently in
// these tests).
func newTestEngine(t *testing.T, store *fakeStore, importDir string) (*Engine, *fakePoller) {
	t.Helper()
	poller := newFakePoller(0)
	cfg, err := Config{ImportDir: importDir, Queues: referenceQueueSpecs()}.withDefaults()
	if err != nil {
		t.Fatalf("withDefaults: %v", err)
	}
	eng := &Engine{
		cfg:      cfg,
		store:    store,
		bus:      &fakeBus{},
		identity: fakeIdentity{id: idFromByte(0xFE)},
		poller:   poller,
		logger:   NewLogger(nil),
		queues:   newQueueSet(cfg.Queues),
		wake:     make(chan struct{}, 1),
	}
	eng.versionCache = NewVersionCache(store)
	eng.ignoreCache = NewIgnoreCache(poller)
	eng.slots = make([]*fetchSlot, len(cfg.Queues))
	for i := range eng.slots {
		eng.slots[i] = newFetchSlot(eng, i)
	}
	return eng, poller
}

func testManifest(id [32]byte, version uint64, payloadLen uint64) *Manifest {
	hash := ""
	if payloadLen > 0 {
		hash = strings.Repeat("ab", 32)
	}
	return &Manifest{
		ID:            id,
		Version:       version,
		PayloadLength: payloadLen,
		PayloadHash:   hash,
		TTL:           1,
	}
}
