package tcp

import (
	"github.com/kestrel-rtos/kestrel/config"
	"github.com/kestrel-rtos/kestrel/fs"
	"github.com/kestrel-rtos/kestrel/kernel"
	"github.com/kestrel-rtos/kestrel/net/ipv4"
)

// sendSegment builds one TCP segment from seg (filling in Window from
// the port's current receive window) and payload (may be nil/empty for
// a pure control segment), and hands it to ipv4.Transmit. It does not
// register a retransmission slot; callers that need retransmission use
// sendDataSegment instead. Caller holds p's lock.
func (p *Port) sendSegment(dev ipv4.Device, seg Segment, payload *fs.BufferList) error {
	l := payload
	if l == nil {
		l = fs.NewList(p.fd)
	}

	seg.SrcPort, seg.DstPort = p.LocalPort, p.ForeignPort
	if seg.Window == 0 && !seg.has(FlagRST) {
		seg.Window = uint32ToWindow(p.rcvWnd, p.rcvWndScale)
	}

	if err := buildSegment(l, seg, p.LocalIP, p.ForeignIP); err != nil {
		return err
	}

	h := ipv4.Header{ID: nextDatagramID(), TTL: 64, Protocol: ipv4.ProtoTCP, Src: p.LocalIP, Dst: p.ForeignIP}
	return ipv4.Transmit(dev, h, l)
}

// sendDataSegment implements spec.md §4.8 steps 1-3: it reserves a free
// retransmission slot, builds the segment carrying payload starting at
// seq, registers payload's Free callback so PutList withholds it instead
// of recycling the list head, and arms the retransmission timer if this
// is the first slot in use. Returns ErrNoRtxSlot if every slot is
// occupied, per spec.md §4.8 step 1 ("drops the segment").
func (p *Port) sendDataSegment(dev ipv4.Device, flags uint8, seq uint32, payload *fs.BufferList) error {
	idx := -1
	for i := range p.rtx {
		if !p.rtx[i].inUse {
			idx = i
			break
		}
	}
	if idx == -1 {
		return ErrNoRtxSlot
	}

	length := payload.Len()
	if flags&FlagSYN != 0 {
		length++
	}
	if flags&FlagFIN != 0 {
		length++
	}

	seg := Segment{Flags: flags | FlagACK, Seq: seq, Ack: p.rcvNxt, Window: uint32ToWindow(p.rcvWnd, p.rcvWndScale)}
	if flags&FlagSYN != 0 {
		seg.MSS = config.TCPDefaultMSS
		seg.HasWindowScale = true
		seg.WindowScale = config.TCPWindowScale
	}

	if err := buildSegment(payload, seg, p.LocalIP, p.ForeignIP); err != nil {
		return err
	}

	p.rtx[idx] = rtxSlot{inUse: true, list: payload, seq: seq, length: length}
	payload.FreeData = rtxHandle{port: p, index: idx}
	payload.Free = rtxFreeCallback

	if !p.rtxArmed {
		p.rtxBackoff = kernel.Ticks(config.TCPRTO)
		p.rtxTimeout = kernel.Now() + p.rtxBackoff
		p.rtxArmed = true
	}

	h := ipv4.Header{ID: nextDatagramID(), TTL: 64, Protocol: ipv4.ProtoTCP, Src: p.LocalIP, Dst: p.ForeignIP}
	return ipv4.Transmit(dev, h, payload)
}

// rtxHandle is the FreeData payload rtxFreeCallback uses to find its way
// back to the owning port and slot.
type rtxHandle struct {
	port  *Port
	index int
}

// rtxFreeCallback is installed as every retransmission-tracked list's
// Free hook (spec.md §4.8 step 2): while the slot is still in use it
// withholds the list from the pool and records that the underlying
// transmit completed ("buffer_returned"), so the retransmission timer
// knows it is safe to resubmit the very same bytes.
func rtxFreeCallback(l *fs.BufferList) bool {
	h := l.FreeData.(rtxHandle)
	h.port.mu.Lock()
	defer h.port.mu.Unlock()

	slot := &h.port.rtx[h.index]
	if !slot.inUse || slot.list != l {
		return false
	}
	slot.bufferReturned = true
	return true
}

// reclaimRtxSlots implements spec.md §4.8's ACK-driven slot release:
// every slot whose seq+length <= ack is freed, permitting the pool to
// reclaim its buffers; the retransmission timer is disarmed if none
// remain in use. Caller holds p's lock.
func (p *Port) reclaimRtxSlots(ack uint32) {
	anyInUse := false
	for i := range p.rtx {
		slot := &p.rtx[i]
		if !slot.inUse {
			continue
		}
		if covers(slot.seq, slot.length, ack) {
			list := slot.list
			*slot = rtxSlot{}
			list.Free = nil
			list.FreeData = nil
			list.Drain(p.fd.Pool())
			continue
		}
		anyInUse = true
	}
	if !anyInUse {
		p.rtxArmed = false
	}
}

// covers reports whether ack has advanced at least to seq+length, i.e.
// every byte this slot sent has been acknowledged.
func covers(seq uint32, length int, ack uint32) bool {
	return int32(ack-seq) >= int32(length)
}

// fastRetransmit implements spec.md §4.8's fast-retransmit rule: resend
// the slot whose starting sequence equals ack, with no timer change.
func (p *Port) fastRetransmit(dev ipv4.Device, ack uint32) {
	for i := range p.rtx {
		slot := &p.rtx[i]
		if slot.inUse && slot.seq == ack {
			p.resendSlot(dev, slot)
			return
		}
	}
}

// resendSlot re-peeks slot's bytes into a fresh outgoing list (the
// original list is still held by the slot, withheld via its Free
// callback) and transmits it again without touching sequence numbers or
// the retransmission timer.
func (p *Port) resendSlot(dev ipv4.Device, slot *rtxSlot) {
	raw := make([]byte, slot.list.Len())
	_ = slot.list.PeekHead(raw)

	l := fs.NewList(p.fd)
	_ = l.PushTail(raw)

	h := ipv4.Header{ID: nextDatagramID(), TTL: 64, Protocol: ipv4.ProtoTCP, Src: p.LocalIP, Dst: p.ForeignIP}
	_ = ipv4.Transmit(dev, h, l)
}

// ServiceRetransmitTimers is called by the network condition task once
// per pass (spec.md §4.8 "on timer expiry") for every registered port:
// it finds the in-use slot with the smallest sequence number, and if its
// buffer_returned flag is set, resubmits it, doubles the backoff
// (capped at TCP_MAX_RTO), and re-arms the timer.
func ServiceRetransmitTimers(now kernel.Tick) {
	for _, p := range ports() {
		p.mu.Lock()
		p.serviceRetransmitLocked(now)
		p.mu.Unlock()
	}
}

func (p *Port) serviceRetransmitLocked(now kernel.Tick) {
	if !p.rtxArmed || kernel.Before(now, p.rtxTimeout) {
		return
	}

	var smallest *rtxSlot
	for i := range p.rtx {
		slot := &p.rtx[i]
		if !slot.inUse {
			continue
		}
		if smallest == nil || int32(slot.seq-smallest.seq) < 0 {
			smallest = slot
		}
	}
	if smallest == nil {
		p.rtxArmed = false
		return
	}

	if smallest.bufferReturned {
		smallest.bufferReturned = false
		p.resendSlot(p.Dev, smallest)
	}

	p.rtxBackoff *= 2
	if p.rtxBackoff > kernel.Ticks(config.TCPMaxRTO) {
		p.rtxBackoff = kernel.Ticks(config.TCPMaxRTO)
	}
	p.rtxTimeout = now + p.rtxBackoff
}

// sendRST emits a bare RST per spec.md §4.7's LISTEN/ACK-or-RST row.
func (p *Port) sendRST(dev ipv4.Device, src [4]byte, seg Segment, seq uint32, ack uint32) error {
	rst := Segment{SrcPort: p.LocalPort, DstPort: seg.SrcPort, Flags: FlagRST, Seq: seq, Ack: ack}
	l := fs.NewList(p.fd)
	if err := buildSegment(l, rst, p.LocalIP, src); err != nil {
		return err
	}
	h := ipv4.Header{ID: nextDatagramID(), TTL: 64, Protocol: ipv4.ProtoTCP, Src: p.LocalIP, Dst: src}
	return ipv4.Transmit(dev, h, l)
}

var datagramID uint16

func nextDatagramID() uint16 {
	datagramID++
	return datagramID
}
