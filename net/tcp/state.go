package tcp

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/kestrel-rtos/kestrel/cond"
	"github.com/kestrel-rtos/kestrel/config"
	"github.com/kestrel-rtos/kestrel/fs"
	"github.com/kestrel-rtos/kestrel/kernel"
	"github.com/kestrel-rtos/kestrel/net/icmp"
	"github.com/kestrel-rtos/kestrel/net/ipv4"
)

func init() {
	ipv4.RegisterHandler(ipv4.ProtoTCP, receive)
}

// generateISS draws a random initial sequence number from crypto/rand,
// per SPEC_FULL.md §8's Open Question decision (the original firmware
// seeds a LCG from a hardware counter at boot; this stack has no
// equivalent entropy source to match bit-for-bit, so it uses the
// strongest source Go offers instead of inventing a weak PRNG).
func generateISS() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

// receive is net/ipv4's registered handler for protocol 6. It runs
// inside the network condition task's context (spec.md §4.9), so every
// mutation below happens already serialized with respect to every other
// port's timer/RX processing; only the matched port's own lock is taken,
// for the benefit of application tasks blocked in Read/Write/Accept.
func receive(dev ipv4.Device, src, dst [4]byte, l *fs.BufferList) error {
	seg, err := parseSegment(l, src, dst)
	if err != nil {
		l.Drain(dev.FD().Pool())
		return err
	}

	p := lookup(dst, seg.DstPort, src, seg.SrcPort)
	if p == nil {
		l.Drain(dev.FD().Pool())
		// RFC 792 asks for the offending datagram's header to be quoted
		// back; parseSegment has already consumed ours, so this sends a
		// zero-filled placeholder of the same length rather than
		// re-parsing an already-handled segment a second time.
		quoted := make([]byte, minHeaderLen)
		_ = icmp.SendUnreachable(dev, src, icmp.CodePortUnreachable, quoted)
		return ErrNoPort
	}

	p.lock()
	defer p.unlock()

	return p.process(dev, src, seg, l)
}

// process implements spec.md §4.7 steps 3-5 for one already-verified,
// already-matched segment. l holds whatever payload remains after the
// header was stripped by parseSegment.
func (p *Port) process(dev ipv4.Device, src [4]byte, seg Segment, l *fs.BufferList) error {
	pool := p.fd.Pool()

	switch p.state {
	case StateListen:
		return p.processListen(dev, src, seg, l, pool)
	case SynSent:
		return p.processSynSent(dev, src, seg, l, pool)
	case SynRcvd:
		return p.processSynRcvd(dev, src, seg, l, pool)
	default:
		return p.processEstablishedOrLater(dev, src, seg, l, pool)
	}
}

func (p *Port) processListen(dev ipv4.Device, src [4]byte, seg Segment, l *fs.BufferList, pool *fs.BufferData) error {
	if seg.has(FlagRST) {
		l.Drain(pool)
		return nil
	}
	if seg.has(FlagACK) {
		l.Drain(pool)
		return p.sendRST(dev, src, seg, seg.Ack, 0)
	}
	if !seg.has(FlagSYN) {
		l.Drain(pool)
		return nil
	}
	if pool.ThresholdLocked() {
		l.Drain(pool)
		return nil
	}

	childFD := spawnChild(p)
	child := Register(dev, p.LocalIP, p.LocalPort, childFD)
	wireOps(childFD, child)
	child.ForeignIP = src
	child.ForeignPort = seg.SrcPort
	child.parent = p
	child.rcvNxt = seg.Seq + 1
	child.sndUna = generateISS()
	child.sndNxt = child.sndUna
	if seg.MSS != 0 && seg.MSS < child.mss {
		child.mss = seg.MSS
	}
	if seg.HasWindowScale {
		child.sndWndScale = seg.WindowScale
	}
	child.state = SynRcvd

	p.backlog = append(p.backlog, child)

	l.Drain(pool)

	reply := Segment{Flags: FlagSYN | FlagACK, Seq: child.sndUna, Ack: child.rcvNxt,
		Window: uint32ToWindow(child.rcvWnd, child.rcvWndScale), MSS: child.mss, HasWindowScale: true, WindowScale: config.TCPWindowScale}
	child.sndNxt++
	if err := child.sendSegment(dev, reply, nil); err != nil {
		return err
	}
	cond.ResumeCondition(p.acceptCond, &cond.Resume{DoResume: func(any, any) bool { return true }}, true)
	return nil
}

func (p *Port) processSynSent(dev ipv4.Device, src [4]byte, seg Segment, l *fs.BufferList, pool *fs.BufferData) error {
	if seg.has(FlagRST) {
		if seg.Ack == p.sndNxt {
			l.Drain(pool)
			p.state = Closed
			p.wakeAllLocked(ErrConnReset)
		} else {
			l.Drain(pool)
		}
		return nil
	}
	if !seg.has(FlagSYN) || !seg.has(FlagACK) || seg.Ack != p.sndNxt {
		l.Drain(pool)
		return nil
	}

	p.rcvNxt = seg.Seq + 1
	p.sndUna = seg.Ack
	if seg.MSS != 0 && seg.MSS < p.mss {
		p.mss = seg.MSS
	}
	if seg.HasWindowScale {
		p.sndWndScale = seg.WindowScale
	}
	p.sndWnd = uint32(seg.Window) << p.sndWndScale
	p.state = Established
	p.reclaimRtxSlots(seg.Ack) // releases the SYN's own retransmission slot

	l.Drain(pool)

	ack := Segment{Flags: FlagACK, Seq: p.sndNxt, Ack: p.rcvNxt, Window: uint32ToWindow(p.rcvWnd, p.rcvWndScale)}
	if err := p.sendSegment(dev, ack, nil); err != nil {
		return err
	}
	p.wakeAllLocked(nil)
	return nil
}

func (p *Port) processSynRcvd(dev ipv4.Device, src [4]byte, seg Segment, l *fs.BufferList, pool *fs.BufferData) error {
	if seg.has(FlagRST) {
		l.Drain(pool)
		p.state = Closed
		p.wakeAllLocked(ErrConnReset)
		return nil
	}
	if !seg.has(FlagACK) || !(p.sndUna <= seg.Ack && seg.Ack <= p.sndNxt) {
		l.Drain(pool)
		return nil
	}

	if seg.HasWindowScale {
		p.sndWndScale = seg.WindowScale
	}
	p.sndUna = seg.Ack
	p.sndWnd = uint32(seg.Window) << p.sndWndScale
	p.state = Established

	l.Drain(pool)
	p.wakeAllLocked(nil)
	if p.parent != nil {
		cond.ResumeCondition(p.parent.acceptCond, &cond.Resume{DoResume: func(any, any) bool { return true }}, false)
	}
	return nil
}

// processEstablishedOrLater handles ESTABLISHED and every FIN-sequence
// state (spec.md §4.7 steps 3-5): sequence-acceptability, ACK
// processing/dup-ACK counting/fast-retransmit, data delivery with OO
// reassembly, and the FIN_WAIT_1/FIN_WAIT_2/CLOSING/LAST_ACK/TIME_WAIT
// transitions.
func (p *Port) processEstablishedOrLater(dev ipv4.Device, src [4]byte, seg Segment, l *fs.BufferList, pool *fs.BufferData) error {
	if seg.has(FlagRST) {
		l.Drain(pool)
		p.state = Closed
		p.wakeAllLocked(ErrConnReset)
		return nil
	}

	segLen := l.Len()
	if seg.has(FlagFIN) {
		segLen++ // FIN consumes one sequence number
	}

	if !p.sequenceAcceptable(seg.Seq, segLen) {
		l.Drain(pool)
		if !seg.has(FlagRST) {
			ack := Segment{Flags: FlagACK, Seq: p.sndNxt, Ack: p.rcvNxt, Window: uint32ToWindow(p.rcvWnd, p.rcvWndScale)}
			return p.sendSegment(dev, ack, nil)
		}
		return nil
	}

	if seg.has(FlagACK) {
		p.processACK(dev, seg)
	}

	dataLen := l.Len()
	if dataLen > 0 || seg.has(FlagFIN) {
		p.receiveData(seg.Seq, l, seg.has(FlagFIN))
		// A FIN in the same segment gets its own ACK below; avoid sending
		// the peer two acknowledgments for one segment.
		if dataLen > 0 && !seg.has(FlagFIN) {
			ack := Segment{Flags: FlagACK, Seq: p.sndNxt, Ack: p.rcvNxt, Window: uint32ToWindow(p.rcvWnd, p.rcvWndScale)}
			if err := p.sendSegment(dev, ack, nil); err != nil {
				return err
			}
		}
	} else {
		l.Drain(pool)
	}

	if seg.has(FlagFIN) {
		switch p.state {
		case Established:
			p.state = CloseWait
		case FinWait1:
			p.state = Closing
		case FinWait2:
			p.state = TimeWait
			p.armEventTimer()
		}
		// Every FIN is ACKed immediately regardless of which state it
		// lands in, per RFC 793; this side's own half-close (doClose, once
		// the application drains CloseWait) is a separate segment.
		ack := Segment{Flags: FlagACK, Seq: p.sndNxt, Ack: p.rcvNxt, Window: uint32ToWindow(p.rcvWnd, p.rcvWndScale)}
		if err := p.sendSegment(dev, ack, nil); err != nil {
			return err
		}
		p.readCondWake()
	}

	switch p.state {
	case FinWait1:
		if seg.has(FlagACK) && p.sndUna == p.sndNxt {
			p.state = FinWait2
		}
	case Closing:
		if seg.has(FlagACK) && p.sndUna == p.sndNxt {
			p.state = TimeWait
			p.armEventTimer()
		}
	case LastAck:
		if seg.has(FlagACK) && p.sndUna == p.sndNxt {
			p.state = Closed
			p.wakeAllLocked(nil)
		}
	}

	return nil
}

// sequenceAcceptable implements spec.md §4.7 step 4's RFC 793 §3.3
// acceptability test, including its zero-length edge cases.
func (p *Port) sequenceAcceptable(seq uint32, segLen int) bool {
	rcvNxt, rcvWnd := p.rcvNxt, p.rcvWnd

	// x-rcvNxt is itself a wrapped 32-bit distance; comparing it against
	// rcvWnd directly (rather than re-deriving sign via Int32Cmp) is
	// safe because window sizes never approach 2^31.
	inWindow := func(x uint32) bool {
		return x-rcvNxt < rcvWnd
	}

	if segLen == 0 && rcvWnd == 0 {
		return seq == rcvNxt
	}
	if segLen == 0 {
		return inWindow(seq)
	}
	if rcvWnd == 0 {
		return false
	}
	return inWindow(seq) || inWindow(seq+uint32(segLen)-1)
}

// processACK implements spec.md §4.7's ESTABLISHED duplicate-ACK
// counting / fast-retransmit rule plus normal retransmission-slot
// reclamation and send-window refresh, and §4.8's flow-control rule.
func (p *Port) processACK(dev ipv4.Device, seg Segment) {
	if seg.Ack == p.sndUna && p.sndUna != p.sndNxt {
		p.nacks++
		if p.nacks == config.TCPFastRtxDupAcks {
			p.fastRetransmit(dev, seg.Ack)
		}
	} else {
		p.nacks = 0
	}

	if kernel.Int32Cmp(kernel.Tick(seg.Ack), kernel.Tick(p.sndUna)) > 0 &&
		kernel.Int32Cmp(kernel.Tick(seg.Ack), kernel.Tick(p.sndNxt)) <= 0 {
		p.sndUna = seg.Ack
		p.reclaimRtxSlots(seg.Ack)
	}

	p.sndWnd = uint32(seg.Window) << p.sndWndScale
	if p.sndWnd > 0 {
		cond.ResumeCondition(p.writeCond, &cond.Resume{DoResume: func(any, any) bool { return true }}, true)
	}
}

// receiveData implements spec.md §4.7 step 5: in-order data is appended
// straight to rxList and advances rcvNxt, draining any now-contiguous
// run from the front of ooList; out-of-order data is stored with its
// starting sequence and inserted into ooList sorted ascending, discarding
// on any overlap with an existing entry (the conservative no-coalescing
// policy SPEC_FULL.md §8 settles on).
func (p *Port) receiveData(seq uint32, l *fs.BufferList, fin bool) {
	pool := p.fd.Pool()

	if seq != p.rcvNxt {
		for _, existing := range p.ooList {
			if seq < existing.seq+uint32(existing.list.Len()) && existing.seq < seq+uint32(l.Len()) {
				l.Drain(pool)
				return
			}
		}
		// A FIN arriving out of order carries no payload bytes of its own
		// to store here; its sequence number is simply skipped over once
		// the gap closes and the draining loop reaches it directly.
		p.insertOO(ooSegment{seq: seq, list: l})
		return
	}

	if p.rxList == nil {
		p.rxList = fs.NewList(p.fd)
	}
	n := l.Len()
	if n > 0 {
		fs.Append(p.rxList, l)
	} else {
		l.Drain(pool)
	}
	p.rcvNxt += uint32(n)
	if fin {
		p.rcvNxt++
	}

	for len(p.ooList) > 0 && p.ooList[0].seq == p.rcvNxt {
		next := p.ooList[0]
		p.ooList = p.ooList[1:]
		nextLen := next.list.Len()
		fs.Append(p.rxList, next.list)
		p.rcvNxt += uint32(nextLen)
	}

	p.readCondWake()
}

func (p *Port) readCondWake() {
	cond.ResumeCondition(p.readCond, &cond.Resume{DoResume: func(any, any) bool { return true }}, true)
}

// wakeAllLocked resumes every reader/writer/accepter blocked on p with
// status, used on RST/TIME_WAIT-expiry transitions to CLOSED (spec.md
// §4.9's NET_CLOSED delivery). Caller holds p's lock.
func (p *Port) wakeAllLocked(status error) {
	all := func(any, any) bool { return true }
	cond.ResumeCondition(p.readCond, &cond.Resume{DoResume: all, Status: status}, true)
	cond.ResumeCondition(p.writeCond, &cond.Resume{DoResume: all, Status: status}, true)
	cond.ResumeCondition(p.acceptCond, &cond.Resume{DoResume: all, Status: status}, true)
	cond.ResumeCondition(p.connectCond, &cond.Resume{DoResume: all, Status: status}, true)
}

func (p *Port) armEventTimer() {
	p.eventTimeout = kernel.Now() + kernel.Ticks(2*config.TCPMSL)
	p.eventArmed = true
}

// ExpireEventTimers is called by the network condition task once per
// pass (spec.md §4.7's TIME_WAIT row / §4.9) to move any port whose
// event timer has elapsed to CLOSED.
func ExpireEventTimers(now kernel.Tick) {
	for _, p := range ports() {
		p.mu.Lock()
		if p.eventArmed && p.state == TimeWait && !kernel.Before(now, p.eventTimeout) {
			p.eventArmed = false
			p.state = Closed
			p.wakeAllLocked(nil)
		}
		p.mu.Unlock()
	}
}

func uint32ToWindow(wnd uint32, scale uint8) uint16 {
	v := wnd >> scale
	if v > 0xFFFF {
		v = 0xFFFF
	}
	return uint16(v)
}
