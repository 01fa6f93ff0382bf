package rhizome

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// slotState enumerates a fetchSlot's position in the protocol lifecycle
// described by the engine's transition table. Free is the zero value, so an
// unused fetchSlot starts out idle without further initialisation.
type slotState int

const (
	slotFree slotState = iota
	slotConnecting
	slotSendingRequest
	slotReceivingHeaders
	slotReceivingBody
	slotReceivingBodyDatagram
)

func (s slotState) String() string {
	switch s {
	case slotFree:
		return "Free"
	case slotConnecting:
		return "Connecting"
	case slotSendingRequest:
		return "SendingRequest"
	case slotReceivingHeaders:
		return "ReceivingHeaders"
	case slotReceivingBody:
		return "ReceivingBody"
	case slotReceivingBodyDatagram:
		return "ReceivingBodyDatagram"
	default:
		return "slotState(?)"
	}
}

// fetchSlot is one active fetch: at most one per queue, driving a
// connect→request→headers→body sequence over the stream transport, or a
// datagram-driven block retrieval loop, with timeouts. Only the engine
// goroutine ever touches a fetchSlot's fields (§5's single-threaded
// discipline), so none of them are guarded by a mutex.
type fetchSlot struct {
	eng        *Engine
	queueIndex int // the index, within eng.queues, of this slot's home queue
	state      slotState

	manifest     *Manifest
	peer         PeerCoordinate
	manifestOnly bool   // true: fetching a manifest by prefix, not a payload
	prefix       []byte // the manifest-by-prefix request's raw prefix bytes

	scratchFile *os.File
	scratchPath string

	payloadLen    uint64
	payloadOffset uint64

	requestBuf    []byte
	requestOffset int

	stream *streamConn
	dgram  *datagramState

	// Exactly one of these is ever scheduled with the Poller at a time
	// (timer/hasTimer); idleDeadline and retransmitDeadline are logical
	// deadlines rearm recomputes the single outstanding alarm from, so
	// "the datagram retransmit cadence" and "the idle timeout" never
	// become two simultaneously pending alarms for the same slot.
	timer              TimerHandle
	hasTimer           bool
	lastRxTime         int64
	idleDeadline       int64
	hasRetransmit      bool
	retransmitDeadline int64

	closing bool // guards against re-entrant close during teardown
}

func newFetchSlot(eng *Engine, queueIndex int) *fetchSlot {
	return &fetchSlot{eng: eng, queueIndex: queueIndex}
}

func (s *fetchSlot) idle() bool { return s.state == slotFree }

// armIdleTimer moves the idle deadline out to timeoutMS from now and
// rearms the slot's single pending alarm accordingly, matching "each slot
// has exactly one pending alarm at any time; re-arming unschedules the
// prior alarm before scheduling the next." The datagram retransmission
// cadence (armRetransmit) shares the same underlying alarm: rearm always
// schedules whichever of the two logical deadlines comes first.
func (s *fetchSlot) armIdleTimer(timeoutMS int64) {
	now := s.eng.poller.NowMS()
	s.lastRxTime = now
	s.idleDeadline = now + timeoutMS
	s.rearm()
}

// armRetransmit moves the datagram retransmit deadline out to the
// transport's cadence interval and rearms the shared alarm.
func (s *fetchSlot) armRetransmit() {
	interval := s.eng.cfg.BlockTxIntervalMS
	if s.manifestOnly {
		interval = s.eng.cfg.ManifestTxIntervalMS
	}
	s.retransmitDeadline = s.eng.poller.NowMS() + interval
	s.hasRetransmit = true
	s.rearm()
}

// rearm (re)schedules the single Poller alarm this slot keeps outstanding,
// at the earlier of the idle deadline and (while in ReceivingBodyDatagram)
// the retransmit deadline.
func (s *fetchSlot) rearm() {
	s.cancelScheduled()
	target := s.idleDeadline
	if s.state == slotReceivingBodyDatagram && s.hasRetransmit && s.retransmitDeadline < target {
		target = s.retransmitDeadline
	}
	s.timer = s.eng.poller.Schedule(target, func() { s.eng.submit(func() { s.onTimerFired() }) })
	s.hasTimer = true
}

func (s *fetchSlot) cancelScheduled() {
	if s.hasTimer {
		s.eng.poller.Unschedule(s.timer)
		s.hasTimer = false
	}
}

// disarmTimer fully cancels the slot's alarm and retransmit cadence, used
// on close/complete.
func (s *fetchSlot) disarmTimer() {
	s.hasRetransmit = false
	s.cancelScheduled()
}

// onTimerFired is the single callback the shared alarm ever invokes; it
// decides, from the current deadlines, whether a retransmit or an idle
// timeout is due.
func (s *fetchSlot) onTimerFired() {
	s.hasTimer = false
	if s.state == slotFree {
		return
	}
	now := s.eng.poller.NowMS()
	if s.state == slotReceivingBodyDatagram && s.hasRetransmit && s.retransmitDeadline <= now {
		s.dgram.sendBlockRequest()
		s.armRetransmit()
		return
	}
	if s.idleDeadline <= now {
		s.onIdleTimeout()
		return
	}
	s.rearm()
}

func (s *fetchSlot) onIdleTimeout() {
	if s.state == slotFree {
		return
	}
	s.eng.log().Warning().Str("manifest_id", s.logID()).Str("state", s.state.String()).Log("idle timeout")
	s.close("idle timeout")
}

func (s *fetchSlot) logID() string {
	if s.manifest != nil {
		return s.manifest.IDHex()
	}
	return hex.EncodeToString(s.prefix)
}

// activate begins a fetch for cand, per §4.7's activate algorithm (the
// revalidation itself happens in dispatcher.go; by the time activate is
// called the candidate is known-good). It opens the scratch file, prepares
// both transports' request material, and attempts the stream connect
// (falling back to datagram immediately if no stream address is usable).
func (s *fetchSlot) activate(cand *Candidate) error {
	if !s.idle() {
		return ErrSlotBusy
	}
	if s.eng.cfg.ImportDir == "" {
		return ErrNoImportDir
	}

	s.manifest = cand.Manifest
	s.peer = cand.Peer
	s.manifestOnly = false
	s.prefix = nil
	s.payloadOffset = 0
	s.payloadLen = cand.Manifest.PayloadLength
	s.closing = false

	path := filepath.Join(s.eng.cfg.ImportDir, "payload."+cand.Manifest.IDHex())
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("rhizome: slot: open scratch file: %w", ErrNoImportDir)
	}
	s.scratchFile = f
	s.scratchPath = path

	s.requestBuf = buildPayloadRequest(cand.Manifest.PayloadHash)
	s.requestOffset = 0

	s.dgram = newDatagramState(s, cand.Manifest.ID, cand.Manifest.Version, s.eng.cfg.DefaultBlockLen)

	s.state = slotConnecting
	s.armIdleTimer(s.eng.cfg.IdleTimeoutMS)
	s.eng.log().Info().Str("manifest_id", s.logID()).Log("activated")

	if s.peer.StreamAddr == nil {
		s.fallbackToDatagram("no stream address")
		return nil
	}
	s.stream = newStreamConn(s)
	if err := s.stream.connect(s.peer.StreamAddr); err != nil {
		s.fallbackToDatagram("connect: " + err.Error())
	}
	return nil
}

// activateManifestFetch begins a manifest-by-prefix fetch, the datagram-only
// (plus stream, if a transport is available) counterpart of activate.
func (s *fetchSlot) activateManifestFetch(peer PeerCoordinate, prefix []byte) error {
	if !s.idle() {
		return ErrSlotBusy
	}
	if s.eng.cfg.ImportDir == "" {
		return ErrNoImportDir
	}

	s.manifest = nil
	s.peer = peer
	s.manifestOnly = true
	s.prefix = append([]byte(nil), prefix...)
	s.payloadOffset = 0
	s.payloadLen = 0
	s.closing = false

	path := filepath.Join(s.eng.cfg.ImportDir, "manifest."+hex.EncodeToString(prefix))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("rhizome: slot: open scratch file: %w", ErrNoImportDir)
	}
	s.scratchFile = f
	s.scratchPath = path

	s.requestBuf = buildManifestPrefixRequest(hex.EncodeToString(prefix))
	s.requestOffset = 0

	s.dgram = newManifestDatagramState(s, prefix)

	s.state = slotConnecting
	s.armIdleTimer(s.eng.cfg.IdleTimeoutMS)

	if s.peer.StreamAddr == nil {
		s.fallbackToDatagram("no stream address")
		return nil
	}
	s.stream = newStreamConn(s)
	if err := s.stream.connect(s.peer.StreamAddr); err != nil {
		s.fallbackToDatagram("connect: " + err.Error())
	}
	return nil
}

// onConnected handles the Connecting→SendingRequest edge.
func (s *fetchSlot) onConnected() {
	if s.state != slotConnecting {
		return
	}
	s.state = slotSendingRequest
	s.armIdleTimer(s.eng.cfg.IdleTimeoutMS)
	s.stream.beginWrite()
}

// onConnectFailed handles the Connecting→ReceivingBodyDatagram fallback
// edge (connect error / no stream address).
func (s *fetchSlot) onConnectFailed(err error) {
	if s.state != slotConnecting {
		return
	}
	s.fallbackToDatagram("connect failed: " + err.Error())
}

// onWriteProgress handles SendingRequest's partial/complete write edges.
func (s *fetchSlot) onWriteProgress(n int) {
	if s.state != slotSendingRequest {
		return
	}
	s.requestOffset += n
	s.armIdleTimer(s.eng.cfg.IdleTimeoutMS)
	if s.requestOffset >= len(s.requestBuf) {
		s.state = slotReceivingHeaders
		s.stream.beginRead()
		return
	}
	s.stream.continueWrite()
}

func (s *fetchSlot) onWriteError(err error) {
	if s.state != slotSendingRequest {
		return
	}
	s.fallbackToDatagram("write error: " + err.Error())
}

// onHeaderBytes handles ReceivingHeaders' "bytes read" self-edge and its
// terminator-found transition to ReceivingBody.
func (s *fetchSlot) onHeaderBytes(complete bool, status int, contentLength uint64, residual []byte, parseErr error) {
	if s.state != slotReceivingHeaders {
		return
	}
	if !complete {
		s.armIdleTimer(s.eng.cfg.IdleTimeoutMS)
		return
	}
	if parseErr != nil || status != 200 {
		s.fallbackToDatagram(fmt.Sprintf("bad response: status=%d err=%v", status, parseErr))
		return
	}
	s.payloadLen = contentLength
	s.state = slotReceivingBody
	s.armIdleTimer(s.eng.cfg.IdleTimeoutMS)
	if len(residual) > 0 {
		s.onBodyBytes(residual)
		return
	}
	s.stream.beginRead()
}

// onBodyBytes handles ReceivingBody's "bytes read" self-edge, writing to
// the scratch file and advancing payload_offset, and its completion edge.
func (s *fetchSlot) onBodyBytes(b []byte) {
	if s.state != slotReceivingBody || len(b) == 0 {
		return
	}
	if _, err := s.scratchFile.Write(b); err != nil {
		s.close("scratch write error: " + err.Error())
		return
	}
	s.payloadOffset += uint64(len(b))
	s.armIdleTimer(s.eng.cfg.IdleTimeoutMS)
	if s.payloadOffset >= s.payloadLen {
		s.complete()
		return
	}
	s.stream.beginRead()
}

// onReadEOFOrError handles ReceivingBody's and ReceivingHeaders' "read
// returns 0 / error" fallback edge, preserving payload_offset.
func (s *fetchSlot) onReadEOFOrError(err error) {
	switch s.state {
	case slotReceivingBody, slotReceivingHeaders:
		s.fallbackToDatagram(fmt.Sprintf("read: %v", err))
	}
}

// fallbackToDatagram is the single fallback edge reachable from Connecting,
// SendingRequest, ReceivingHeaders, and ReceivingBody, per the transition
// table. It tears down the stream transport only, preserving payload_offset
// and beginning the datagram retransmission cadence.
func (s *fetchSlot) fallbackToDatagram(reason string) {
	if s.state == slotReceivingBodyDatagram || s.state == slotFree {
		return
	}
	s.eng.log().Warning().Str("manifest_id", s.logID()).Str("reason", reason).Log("falling back to datagram")
	s.eng.stats.FallbacksTriggered++
	if s.stream != nil {
		s.stream.close()
		s.stream = nil
	}
	s.state = slotReceivingBodyDatagram
	timeout := s.eng.cfg.DatagramIdleTimeoutMS
	if s.manifestOnly {
		timeout = s.eng.cfg.ManifestIdleTimeoutMS
	}
	s.armIdleTimer(timeout)
	s.armRetransmit()
}

// onDatagramContent handles ReceivingBodyDatagram's "datagram received"
// edge: absorb into the window, advance rx_window_start, reset the idle
// timer, and complete when the terminal block has been flushed.
func (s *fetchSlot) onDatagramContent(version uint64, offset uint64, length uint64, payload []byte, kind byte) error {
	if s.state != slotReceivingBodyDatagram {
		return nil
	}
	done, err := s.dgram.absorb(version, offset, length, payload, kind)
	if err != nil {
		return err
	}
	timeout := s.eng.cfg.DatagramIdleTimeoutMS
	if s.manifestOnly {
		timeout = s.eng.cfg.ManifestIdleTimeoutMS
	}
	s.armIdleTimer(timeout)
	if done {
		s.complete()
	}
	return nil
}

// complete handles the successful-completion edges (ReceivingBody's
// payload_offset==payload_len, and the datagram equivalent): import,
// release the manifest, start the next fetch.
func (s *fetchSlot) complete() {
	s.disarmTimer()
	path := s.scratchPath
	if s.scratchFile != nil {
		_ = s.scratchFile.Close()
		s.scratchFile = nil
	}
	if s.stream != nil {
		s.stream.close()
		s.stream = nil
	}
	manifestOnly := s.manifestOnly
	manifest := s.manifest
	peer := s.peer
	prefix := s.prefix
	s.state = slotFree
	s.manifest = nil
	s.scratchPath = ""

	if manifestOnly {
		s.eng.onManifestFetchComplete(peer, prefix, path)
	} else {
		s.eng.onPayloadFetchComplete(manifest, peer, path)
	}
	s.eng.startNext(s)
}

// close tears down the slot on any exit path other than success: unregister
// descriptors, cancel timers, close and unlink the scratch file, release
// the manifest, and return to Free. Idempotent.
func (s *fetchSlot) close(reason string) {
	if s.closing || s.state == slotFree {
		return
	}
	s.closing = true
	defer func() { s.closing = false }()

	s.disarmTimer()
	if s.stream != nil {
		s.stream.close()
		s.stream = nil
	}
	if s.dgram != nil {
		s.dgram.cancel()
	}
	if s.scratchFile != nil {
		_ = s.scratchFile.Close()
		s.scratchFile = nil
	}
	if s.scratchPath != "" {
		if err := os.Remove(s.scratchPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.eng.log().Warning().Str("path", s.scratchPath).Err(err).Log("scratch unlink failed")
		}
	}
	manifest := s.manifest
	s.state = slotFree
	s.manifest = nil
	s.scratchPath = ""

	s.eng.log().Info().Str("manifest_id", s.logID()).Str("reason", reason).Log("slot closed")
	if manifest != nil {
		s.eng.releaseManifest(manifest, reason)
	}
	s.eng.startNext(s)
}
