package tcp

import (
	"io"
	"time"

	"github.com/nimblenet/corestack/internal/metrics"
	"github.com/nimblenet/corestack/internal/stackerr"
	"github.com/nimblenet/corestack/internal/wire"
)

// State returns the connection's current FSM state.
func (sock *Socket) State() State {
	sock.mu.Lock()
	defer sock.mu.Unlock()
	return sock.state
}

func (sock *Socket) setState(s State) {
	metrics.TCPSockets.WithLabelValues(sock.state.String()).Dec()
	sock.state = s
	metrics.TCPSockets.WithLabelValues(sock.state.String()).Inc()
}

// handleSegment is the FSM transition function (RFC 793 §3.9's "event
// processing"), grounded on the teacher's liveness.Session.HandleRx:
// one mutex-guarded method folding one inbound unit (there, a BFD
// control packet; here, a TCP segment) into whatever state the
// connection happens to be in.
func (sock *Socket) handleSegment(hdr *wire.TCPHeader, data []byte) {
	sock.mu.Lock()
	defer sock.mu.Unlock()

	if hdr.HasFlag(wire.TCPFlagRST) {
		sock.abortLocked(stackerr.New("tcp.segment", stackerr.KindResetByPeer))
		return
	}

	switch sock.state {
	case StateSynSent:
		sock.handleSynSentLocked(hdr)
		return
	case StateSynReceived:
		if !hdr.HasFlag(wire.TCPFlagACK) || hdr.Ack != sock.sndNXT {
			return
		}
		sock.sndUNA = hdr.Ack
		sock.retransQueue = nil // the SYN+ACK just got ACKed, and it was the only queued segment
		sock.cancelRetransmitLocked()
		sock.setState(StateEstablished)
		sock.signalConnected(nil)
	}

	if hdr.HasFlag(wire.TCPFlagACK) {
		sock.processAckLocked(hdr.Ack, hdr.Window)
	}

	if len(data) > 0 || hdr.HasFlag(wire.TCPFlagFIN) {
		sock.processDataLocked(hdr, data)
	}

	sock.armKeepaliveLocked()
}

func (sock *Socket) handleSynSentLocked(hdr *wire.TCPHeader) {
	if hdr.HasFlag(wire.TCPFlagACK) && hdr.Ack != sock.sndNXT {
		return
	}
	if !hdr.HasFlag(wire.TCPFlagSYN) {
		return
	}
	sock.irs = hdr.Seq
	sock.rcvNXT = hdr.Seq + 1
	sock.sndWND = hdr.Window
	if hdr.Options.HasMSS && hdr.Options.MSS < sock.mss {
		sock.mss = hdr.Options.MSS
	}
	sock.cancelRetransmitLocked()

	if hdr.HasFlag(wire.TCPFlagACK) {
		sock.sndUNA = hdr.Ack
		sock.retransQueue = nil // the SYN just got ACKed, and it was the only queued segment
		sock.setState(StateEstablished)
		sock.sendSegment(wire.TCPFlagACK, nil)
		sock.signalConnected(nil)
	} else {
		// Simultaneous open (RFC 793 §3.4): both sides sent SYNs before
		// either saw the other's. Answer with our own SYN+ACK and wait.
		sock.setState(StateSynReceived)
		sock.sendSegment(wire.TCPFlagSYN|wire.TCPFlagACK, nil)
		sock.armRetransmit()
	}
}

// processAckLocked advances sndUNA, prunes the retransmission queue,
// runs RFC 5681 congestion control, and detects duplicate ACKs for
// fast retransmit.
func (sock *Socket) processAckLocked(ack uint32, window uint16) {
	sock.sndWND = window
	if window == 0 {
		sock.armPersistLocked()
	} else if sock.persistEvt != nil {
		sock.persistEvt.Cancel()
		sock.persistEvt = nil
	}

	if !seqGT(ack, sock.sndUNA) {
		if ack == sock.sndUNA && len(sock.retransQueue) > 0 {
			sock.dupAcks++
			if sock.dupAcks == dupAckThreshold {
				metrics.TCPFastRetransmits.WithLabelValues().Inc()
				sock.retransmitOldestLocked()
				sock.ssthresh = maxUint32(sock.cwnd/2, uint32(2*sock.mss))
				sock.cwnd = sock.ssthresh + uint32(3*sock.mss)
			} else if sock.dupAcks > dupAckThreshold {
				sock.cwnd += uint32(sock.mss)
			}
		}
		return
	}

	sock.dupAcks = 0
	sock.sndUNA = ack

	newQueue := sock.retransQueue[:0]
	for _, seg := range sock.retransQueue {
		segEnd := seg.seq + segDataLen(seg)
		if !seqGT(ack, segEnd-1) && segEnd != ack {
			newQueue = append(newQueue, seg)
			continue
		}
		if seg.retransmits == 0 {
			sock.rto.Sample(sock.stack.clock.Now().Sub(seg.sentAt))
		}
	}
	sock.retransQueue = newQueue

	if sock.cwnd < sock.ssthresh {
		sock.cwnd += uint32(sock.mss) // slow start
	} else {
		sock.cwnd += uint32(sock.mss) * uint32(sock.mss) / sock.cwnd // congestion avoidance
	}

	if sock.finSent && ack == sock.sndNXT {
		sock.finAcked = true
	}

	switch sock.state {
	case StateFinWait1:
		if sock.finAcked {
			sock.setState(StateFinWait2)
		}
	case StateClosing:
		if sock.finAcked {
			sock.enterTimeWaitLocked()
		}
	case StateLastAck:
		if sock.finAcked {
			sock.setState(StateClosed)
			sock.cancelAllTimersLocked()
			sock.stack.forget(sock.tuple)
			sock.signalConnected(stackerr.New("tcp.close", stackerr.KindConnectionClosed))
		}
	}

	if len(sock.retransQueue) == 0 {
		sock.cancelRetransmitLocked()
	} else {
		sock.armRetransmit()
	}
	sock.flushSendQueueLocked()
	sock.readCond.Broadcast()
}

// processDataLocked accepts in-window payload bytes (buffering
// out-of-order segments until the hole closes) and handles a FIN.
func (sock *Socket) processDataLocked(hdr *wire.TCPHeader, data []byte) {
	if len(data) > 0 {
		if hdr.Seq == sock.rcvNXT {
			sock.recvQueue = append(sock.recvQueue, data...)
			sock.rcvNXT += uint32(len(data))
			for {
				next, ok := sock.outOfOrder[sock.rcvNXT]
				if !ok {
					break
				}
				sock.recvQueue = append(sock.recvQueue, next...)
				sock.rcvNXT += uint32(len(next))
				delete(sock.outOfOrder, sock.rcvNXT-uint32(len(next)))
			}
			sock.readCond.Broadcast()
		} else if seqGT(hdr.Seq, sock.rcvNXT) {
			sock.outOfOrder[hdr.Seq] = append([]byte(nil), data...)
		}
	}

	if hdr.HasFlag(wire.TCPFlagFIN) && hdr.Seq+uint32(len(data)) == sock.rcvNXT {
		sock.rcvNXT++
		sock.finRecvd = true
		switch sock.state {
		case StateEstablished:
			sock.setState(StateCloseWait)
		case StateFinWait1:
			sock.setState(StateClosing)
		case StateFinWait2:
			sock.enterTimeWaitLocked()
		}
		sock.readCond.Broadcast()
	}

	sock.sendSegment(wire.TCPFlagACK, nil)
}

func (sock *Socket) enterTimeWaitLocked() {
	sock.setState(StateTimeWait)
	sock.cancelAllTimersLocked()
	clock := sock.stack.clock
	sock.timeWaitEvt = sock.stack.tq.Schedule(clock.Now().Add(timeWaitLinger), func(time.Time) {
		sock.mu.Lock()
		sock.setState(StateClosed)
		sock.mu.Unlock()
		sock.stack.forget(sock.tuple)
	})
}

func (sock *Socket) signalConnected(err error) {
	select {
	case sock.connected <- err:
	default:
	}
}

// Write enqueues data for transmission and greedily sends as much of
// it as the window and congestion window presently allow.
func (sock *Socket) Write(p []byte) (int, error) {
	sock.mu.Lock()
	defer sock.mu.Unlock()
	if sock.state != StateEstablished && sock.state != StateCloseWait {
		return 0, stackerr.New("tcp.write", stackerr.KindConnectionClosed)
	}
	sock.sendQueue = append(sock.sendQueue, p...)
	sock.flushSendQueueLocked()
	return len(p), nil
}

// flushSendQueueLocked segments sendQueue into up-to-MSS outbound
// segments bounded by min(peer window, congestion window), per §4.I's
// sliding-window send logic. Nagle's algorithm: a small (sub-MSS)
// segment is held back whenever an earlier segment is still
// unacknowledged, coalescing short writes instead of trickling them
// out one at a time.
func (sock *Socket) flushSendQueueLocked() {
	for len(sock.sendQueue) > 0 {
		inFlight := sock.sndNXT - sock.sndUNA
		avail := minUint32(uint32(sock.sndWND), sock.cwnd)
		if inFlight >= avail {
			break
		}
		room := avail - inFlight
		n := minUint32(uint32(sock.mss), room)
		if n > uint32(len(sock.sendQueue)) {
			n = uint32(len(sock.sendQueue))
		}
		if n < uint32(sock.mss) && len(sock.retransQueue) > 0 {
			break // Nagle: wait for outstanding data to be ACKed before sending a short segment
		}
		if n == 0 {
			break
		}
		chunk := sock.sendQueue[:n]
		sock.sendQueue = sock.sendQueue[n:]
		sock.sendSegment(wire.TCPFlagACK, chunk)
	}
}

// Read blocks until in-order data is available, the peer's FIN has
// closed the read side, or the connection aborts.
func (sock *Socket) Read(p []byte) (int, error) {
	sock.mu.Lock()
	defer sock.mu.Unlock()
	for len(sock.recvQueue) == 0 {
		if sock.finRecvd {
			return 0, io.EOF
		}
		if sock.closeErr != nil {
			return 0, sock.closeErr
		}
		sock.readCond.Wait()
	}
	n := copy(p, sock.recvQueue)
	sock.recvQueue = sock.recvQueue[n:]
	return n, nil
}

// Close performs an active orderly close: send FIN, transition per
// RFC 793's close sequence (FIN-WAIT-1 -> FIN-WAIT-2/CLOSING ->
// TIME-WAIT, or CLOSE-WAIT -> LAST-ACK on the passive side).
func (sock *Socket) Close() error {
	sock.mu.Lock()
	defer sock.mu.Unlock()
	switch sock.state {
	case StateEstablished:
		sock.setState(StateFinWait1)
	case StateCloseWait:
		sock.setState(StateLastAck)
	default:
		return nil
	}
	sock.sendSegment(wire.TCPFlagFIN|wire.TCPFlagACK, nil)
	sock.finSent = true
	sock.armRetransmit()
	return nil
}

// Abort sends RST and drops the connection immediately (an abortive
// close, RFC 793 §3.5).
func (sock *Socket) Abort() {
	sock.mu.Lock()
	defer sock.mu.Unlock()
	if sock.state == StateClosed {
		return
	}
	sock.sendSegment(wire.TCPFlagRST, nil)
	sock.abortLocked(stackerr.New("tcp.abort", stackerr.KindResetByPeer))
}

// abortSilently drops the connection without attempting to transmit a
// final RST: the stack's scheduler calls this on a link-down
// transition per §4.C, where sendSegment would just hand the driver a
// frame over a carrier that is already gone.
func (sock *Socket) abortSilently() {
	sock.mu.Lock()
	defer sock.mu.Unlock()
	if sock.state == StateClosed {
		return
	}
	sock.abortLocked(stackerr.New("tcp.link_down", stackerr.KindNoRoute))
}

func (sock *Socket) abortLocked(err error) {
	sock.setState(StateClosed)
	sock.cancelAllTimersLocked()
	sock.stack.forget(sock.tuple)
	sock.signalConnected(err)
	sock.closeErr = err
	sock.readCond.Broadcast()
}

func (s *Stack) forget(tuple fourTuple) {
	s.mu.Lock()
	delete(s.sockets, tuple)
	s.mu.Unlock()
}

// sendSegment builds and transmits one segment carrying flags and
// data, advancing sndNXT and, for data/SYN/FIN segments, appending it
// to the retransmission queue.
func (sock *Socket) sendSegment(flags uint8, data []byte) {
	seq := sock.sndNXT
	hdr := &wire.TCPHeader{
		SrcPort: sock.tuple.localPort,
		DstPort: sock.tuple.remotePort,
		Seq:     seq,
		Ack:     sock.rcvNXT,
		Flags:   flags,
		Window:  sock.rcvWND,
	}
	if flags&wire.TCPFlagACK != 0 {
		hdr.Flags |= wire.TCPFlagACK
	}
	if flags&wire.TCPFlagSYN != 0 {
		hdr.Options.HasMSS = true
		hdr.Options.MSS = sock.mss
	}
	transmitSegment(sock.stack.ip, sock.ifc, sock.tuple.localIP, sock.tuple.remoteIP, hdr, data)

	advance := uint32(len(data))
	if flags&(wire.TCPFlagSYN|wire.TCPFlagFIN) != 0 {
		advance++
	}
	if advance > 0 {
		sock.sndNXT += advance
		sock.retransQueue = append(sock.retransQueue, &outSegment{
			seq: seq, data: append([]byte(nil), data...), flags: flags, sentAt: sock.stack.clock.Now(),
		})
	}
}

func segDataLen(seg *outSegment) uint32 {
	n := uint32(len(seg.data))
	if seg.flags&(wire.TCPFlagSYN|wire.TCPFlagFIN) != 0 {
		n++
	}
	return n
}

// armRetransmit (re)schedules the retransmission timer for the
// oldest unacknowledged segment, per RFC 6298.
func (sock *Socket) armRetransmit() {
	sock.cancelRetransmitLocked()
	rto := sock.rto.RTO()
	clock := sock.stack.clock
	sock.retransmitEvt = sock.stack.tq.Schedule(clock.Now().Add(rto), sock.onRetransmitTimeout)
}

func (sock *Socket) onRetransmitTimeout(time.Time) {
	sock.mu.Lock()
	defer sock.mu.Unlock()
	if len(sock.retransQueue) == 0 {
		return
	}
	seg := sock.retransQueue[0]
	if seg.retransmits >= maxRetransmits {
		sock.abortLocked(stackerr.New("tcp.retransmit", stackerr.KindTimeout))
		return
	}
	sock.retransmitOldestLocked()
	next := sock.rto.NextBackoff()
	sock.retransmitEvt = sock.stack.tq.Schedule(sock.stack.clock.Now().Add(next), sock.onRetransmitTimeout)
}

func (sock *Socket) retransmitOldestLocked() {
	if len(sock.retransQueue) == 0 {
		return
	}
	seg := sock.retransQueue[0]
	seg.retransmits++
	seg.sentAt = sock.stack.clock.Now()
	metrics.TCPRetransmits.WithLabelValues().Inc()
	// Retransmission drops cwnd back to one segment (RFC 5681 §3.1):
	// the loss signal means the network is congested, not merely slow.
	sock.ssthresh = maxUint32(sock.cwnd/2, uint32(2*sock.mss))
	sock.cwnd = uint32(sock.mss)
	hdr := &wire.TCPHeader{
		SrcPort: sock.tuple.localPort, DstPort: sock.tuple.remotePort,
		Seq: seg.seq, Ack: sock.rcvNXT, Flags: seg.flags | wire.TCPFlagACK, Window: sock.rcvWND,
	}
	transmitSegment(sock.stack.ip, sock.ifc, sock.tuple.localIP, sock.tuple.remoteIP, hdr, seg.data)
}

// armRetransmitIfStillPending arms the retransmit timer only if the
// handshake is still outstanding. Sending the initial SYN/SYN-ACK can
// synchronously run the entire rest of the handshake before this
// returns (a directly-wired test driver, or a future single-threaded
// scheduler tick that drains the peer inline) — in that case the
// queued handshake segment was already acked and pruned, and arming
// a fresh timer here would retransmit a connection that doesn't need
// it.
func (sock *Socket) armRetransmitIfStillPending(expect State) {
	sock.mu.Lock()
	defer sock.mu.Unlock()
	if sock.state == expect {
		sock.armRetransmit()
	}
}

func (sock *Socket) cancelRetransmitLocked() {
	if sock.retransmitEvt != nil {
		sock.retransmitEvt.Cancel()
		sock.retransmitEvt = nil
	}
}

// armPersistLocked starts the zero-window probe timer (RFC 1122
// §4.2.2.17): while the peer advertises window 0, probe periodically
// so the connection doesn't deadlock waiting for a window-update ACK
// that was itself lost.
func (sock *Socket) armPersistLocked() {
	if sock.persistEvt != nil {
		return
	}
	sock.persistEvt = sock.stack.tq.Schedule(sock.stack.clock.Now().Add(persistInterval), sock.onPersistTimeout)
}

func (sock *Socket) onPersistTimeout(time.Time) {
	sock.mu.Lock()
	defer sock.mu.Unlock()
	sock.persistEvt = nil
	if sock.sndWND != 0 || sock.state != StateEstablished {
		return
	}
	// Probe with one garbage byte outside the window to force an ACK
	// carrying the peer's current window.
	probe := []byte{0}
	hdr := &wire.TCPHeader{
		SrcPort: sock.tuple.localPort, DstPort: sock.tuple.remotePort,
		Seq: sock.sndUNA, Ack: sock.rcvNXT, Flags: wire.TCPFlagACK, Window: sock.rcvWND,
	}
	transmitSegment(sock.stack.ip, sock.ifc, sock.tuple.localIP, sock.tuple.remoteIP, hdr, probe)
	sock.armPersistLocked()
}

func (sock *Socket) armKeepaliveLocked() {
	if sock.keepaliveEvt != nil {
		sock.keepaliveEvt.Cancel()
	}
	if sock.state != StateEstablished {
		return
	}
	sock.keepaliveEvt = sock.stack.tq.Schedule(sock.stack.clock.Now().Add(keepaliveIdle), sock.onKeepaliveTimeout)
}

func (sock *Socket) onKeepaliveTimeout(time.Time) {
	sock.mu.Lock()
	defer sock.mu.Unlock()
	if sock.state != StateEstablished {
		return
	}
	hdr := &wire.TCPHeader{
		SrcPort: sock.tuple.localPort, DstPort: sock.tuple.remotePort,
		Seq: sock.sndUNA - 1, Ack: sock.rcvNXT, Flags: wire.TCPFlagACK, Window: sock.rcvWND,
	}
	transmitSegment(sock.stack.ip, sock.ifc, sock.tuple.localIP, sock.tuple.remoteIP, hdr, nil)
	sock.armKeepaliveLocked()
}

func (sock *Socket) cancelAllTimersLocked() {
	sock.cancelRetransmitLocked()
	if sock.persistEvt != nil {
		sock.persistEvt.Cancel()
		sock.persistEvt = nil
	}
	if sock.keepaliveEvt != nil {
		sock.keepaliveEvt.Cancel()
		sock.keepaliveEvt = nil
	}
	if sock.timeWaitEvt != nil {
		sock.timeWaitEvt.Cancel()
		sock.timeWaitEvt = nil
	}
}

func seqGT(a, b uint32) bool { return int32(a-b) > 0 }

func minUint32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func maxUint32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
