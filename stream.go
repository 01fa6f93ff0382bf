package rhizome

import (
	"io"
	"net"
	"time"
)

// streamConn drives the stream transport for one fetchSlot. Connect, write,
// and read each dispatch onto a short-lived goroutine (the idiomatic Go
// answer to "don't block the caller"), but every observable state
// transition is reported back through fetchSlot.eng.submit, so it still
// only ever runs on the single engine goroutine -- the engine's state is
// never touched concurrently, even though the underlying socket calls are
// not literally non-blocking syscalls against a hand-rolled epoll set (see
// DESIGN.md for why this reinterpretation was chosen over manual raw-fd
// multiplexing).
type streamConn struct {
	slot      *fetchSlot
	conn      net.Conn
	canceled  bool
	headerAcc []byte
}

func newStreamConn(s *fetchSlot) *streamConn {
	return &streamConn{slot: s}
}

// connect begins a connection attempt to addr. It never blocks the caller;
// Connecting's edges (writable → SendingRequest, connect error → fallback)
// are delivered later via fetchSlot.onConnected / onConnectFailed.
func (sc *streamConn) connect(addr *net.TCPAddr) error {
	if addr == nil {
		return ErrNoPeerAddress
	}
	slot := sc.slot
	timeout := time.Duration(slot.eng.cfg.IdleTimeoutMS) * time.Millisecond
	go func() {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.Dial("tcp4", addr.String())
		slot.eng.submit(func() {
			if sc.canceled {
				if conn != nil {
					_ = conn.Close()
				}
				return
			}
			if err != nil {
				slot.onConnectFailed(err)
				return
			}
			sc.conn = conn
			slot.onConnected()
		})
	}()
	return nil
}

// beginWrite starts sending the slot's request buffer from its current
// offset.
func (sc *streamConn) beginWrite() { sc.doWrite() }

// continueWrite resumes a partially-sent request, per "partial write →
// SendingRequest; advance request_offset".
func (sc *streamConn) continueWrite() { sc.doWrite() }

func (sc *streamConn) doWrite() {
	slot := sc.slot
	conn := sc.conn
	pending := append([]byte(nil), slot.requestBuf[slot.requestOffset:]...)
	go func() {
		n, err := conn.Write(pending)
		slot.eng.submit(func() {
			if sc.canceled {
				return
			}
			if err != nil {
				slot.onWriteError(err)
				return
			}
			slot.onWriteProgress(n)
		})
	}()
}

// beginRead starts (or resumes) reading into whichever accumulator the
// slot's current state implies: the header buffer while ReceivingHeaders,
// or directly to the scratch file while ReceivingBody.
func (sc *streamConn) beginRead() { sc.doRead() }

func (sc *streamConn) doRead() {
	slot := sc.slot
	conn := sc.conn
	buf := make([]byte, 32*1024)
	go func() {
		n, err := conn.Read(buf)
		slot.eng.submit(func() {
			if sc.canceled {
				return
			}
			if n > 0 {
				sc.onReadBytes(buf[:n])
			}
			switch {
			case err != nil:
				slot.onReadEOFOrError(err)
			case n == 0:
				slot.onReadEOFOrError(io.EOF)
			}
		})
	}()
}

func (sc *streamConn) onReadBytes(b []byte) {
	slot := sc.slot
	switch slot.state {
	case slotReceivingHeaders:
		sc.headerAcc = append(sc.headerAcc, b...)
		ph := scanHeaders(sc.headerAcc)
		slot.onHeaderBytes(ph.complete, ph.status, ph.contentLength, ph.residual, ph.err)
		if !ph.complete && slot.state == slotReceivingHeaders {
			sc.doRead()
		}
	case slotReceivingBody:
		slot.onBodyBytes(b)
	}
}

// close tears down the connection and marks any in-flight goroutine's
// eventual callback a no-op.
func (sc *streamConn) close() {
	sc.canceled = true
	if sc.conn != nil {
		_ = sc.conn.Close()
		sc.conn = nil
	}
}
