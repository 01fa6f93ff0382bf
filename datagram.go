package rhizome

import (
	"encoding/binary"
	"errors"
)

// blockRequestSize is the fixed wire size of a payload block-request
// datagram. The fields occupy offsets 0-52 and 56-58; the remaining bytes
// are reserved and left zero, matching the source's wire layout exactly
// (the gap is inherited, not introduced by this implementation).
const blockRequestSize = 62

// datagramKind distinguishes a regular content block from the terminal
// block that fixes payload_len.
const (
	datagramKindTerminal = 'T'
	datagramKindPartial  = 'P'
)

// windowSlots is the number of staging slots for out-of-order block
// reception, matching the source's rx_window_bytes sizing (32 blocks).
const windowSlots = 32

// datagramState holds the fields a fetchSlot needs while driving the
// datagram transport: the identity of what's being requested, the receive
// window's progress, and an out-of-order staging area flushed back into
// sequence as gaps are filled. The retransmission alarm itself is owned by
// fetchSlot (see armRetransmit/onTimerFired), so a slot never has more than
// one outstanding Poller alarm.
type datagramState struct {
	slot *fetchSlot

	bid        [32]byte
	bidVersion uint64
	prefixOnly bool
	prefix     []byte

	blockLen uint16

	rxWindowStart uint64
	rxBitmap      uint32

	staging      map[uint64][]byte // offset -> bytes, for blocks ahead of rxWindowStart
	haveTerminal bool
	terminalEnd  uint64 // offset+length of the 'T' block, once seen
}

func newDatagramState(s *fetchSlot, bid [32]byte, version uint64, blockLen uint16) *datagramState {
	return &datagramState{slot: s, bid: bid, bidVersion: version, blockLen: blockLen, staging: make(map[uint64][]byte, windowSlots)}
}

func newManifestDatagramState(s *fetchSlot, prefix []byte) *datagramState {
	return &datagramState{slot: s, prefixOnly: true, prefix: append([]byte(nil), prefix...), staging: make(map[uint64][]byte, windowSlots)}
}

// cancel releases any resources datagramState itself owns. It holds no
// Poller alarm (see above), so this is currently just staging cleanup.
func (d *datagramState) cancel() {
	d.staging = nil
}

// buildPayloadBlockRequest renders the 62-byte payload block-request wire
// form, per §4.6's layout table.
func (d *datagramState) buildPayloadBlockRequest() []byte {
	buf := make([]byte, blockRequestSize)
	copy(buf[0:32], d.bid[:])
	binary.BigEndian.PutUint64(buf[32:40], d.bidVersion)
	binary.BigEndian.PutUint64(buf[40:48], d.rxWindowStart)
	binary.BigEndian.PutUint32(buf[48:52], d.rxBitmap)
	binary.BigEndian.PutUint16(buf[56:58], d.blockLen)
	return buf
}

// sendBlockRequest emits the next block-request (or manifest-prefix
// request) datagram, addressed from the local "rhizome-response" port to
// the peer's "rhizome-request" port, ttl=1.
func (d *datagramState) sendBlockRequest() {
	slot := d.slot
	var payload []byte
	if d.prefixOnly {
		payload = d.prefix
	} else {
		payload = d.buildPayloadBlockRequest()
	}
	if !slot.peer.HasOverlayID {
		slot.eng.log().Warning().Str("manifest_id", slot.logID()).Log("no overlay id, cannot send block request")
		return
	}
	if err := slot.eng.bus.SendDatagram("rhizome-response", "rhizome-request", slot.peer.OverlayID, 1, payload); err != nil {
		slot.eng.log().Warning().Str("manifest_id", slot.logID()).Err(err).Log("send datagram failed")
	}
}

// absorb applies one received content datagram's payload to the window:
// in-order bytes are written straight through, ahead-of-window bytes are
// staged until the gap closes, and a 'T' kind fixes the payload's total
// length. It returns done=true once payload_offset has reached a known
// payload_len (monotonic advancement is preserved throughout). version is
// currently unchecked beyond matching the active fetch (the caller --
// Engine.OnDatagramContent -- has already matched the slot by bid prefix).
func (d *datagramState) absorb(version uint64, offset uint64, length uint64, payload []byte, kind byte) (done bool, err error) {
	if uint64(len(payload)) < length {
		return false, errors.New("rhizome: datagram: payload shorter than declared length")
	}
	payload = payload[:length]

	if kind == datagramKindTerminal {
		d.haveTerminal = true
		d.terminalEnd = offset + length
	}

	if offset < d.slot.payloadOffset {
		// Already-written region; duplicate retransmit, ignore.
	} else if offset == d.slot.payloadOffset {
		if err := d.writeThrough(payload); err != nil {
			return false, err
		}
		d.flushStaged()
		// rx_window_start only advances for bytes actually written
		// in-order; an out-of-order block below must never be reported
		// to the peer as received, or a real retransmit protocol would
		// never resend the gap before it.
		d.rxWindowStart = d.slot.payloadOffset
	} else {
		d.staging[offset] = append([]byte(nil), payload...)
		if len(d.staging) > windowSlots {
			d.evictFarthest()
		}
	}

	if d.haveTerminal && d.slot.payloadOffset >= d.terminalEnd {
		d.slot.payloadLen = d.terminalEnd
		return true, nil
	}
	return false, nil
}

// writeThrough appends b to the scratch file at the current (in-order)
// payload_offset, advancing it -- the same write primitive the stream
// transport's ReceivingBody state uses, so ordering guarantees hold
// identically across both transports.
func (d *datagramState) writeThrough(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if _, err := d.slot.scratchFile.Write(b); err != nil {
		return err
	}
	d.slot.payloadOffset += uint64(len(b))
	return nil
}

// flushStaged writes any staged blocks that are now contiguous with
// payload_offset, in order, repeating until no further progress is
// possible.
func (d *datagramState) flushStaged() {
	for {
		b, ok := d.staging[d.slot.payloadOffset]
		if !ok {
			return
		}
		delete(d.staging, d.slot.payloadOffset)
		if err := d.writeThrough(b); err != nil {
			return
		}
	}
}

// evictFarthest drops the staged block furthest ahead of the current
// payload_offset, bounding the staging area's memory to windowSlots
// entries regardless of how far out of order a peer's retransmits arrive.
func (d *datagramState) evictFarthest() {
	var farthest uint64
	first := true
	for off := range d.staging {
		if first || off > farthest {
			farthest, first = off, false
		}
	}
	if !first {
		delete(d.staging, farthest)
	}
}
