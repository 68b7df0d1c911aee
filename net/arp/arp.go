// Package arp implements the small cache and pending-packet queue
// SPEC_FULL.md §6 calls out as implied but never given its own component
// in spec.md §4: resolving an IPv4 destination to an Ethernet hardware
// address, queuing outbound packets that arrive before resolution
// completes, and answering inbound requests for this stack's own
// address. It is gated by the same buffer-pool threshold discipline as
// net/ipv4's fragment table — a cache entry awaiting a reply holds at
// most one pending packet, so a slow or absent peer cannot exhaust the
// pool the way an unbounded queue could.
package arp

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/kestrel-rtos/kestrel/config"
	"github.com/kestrel-rtos/kestrel/fs"
	"github.com/kestrel-rtos/kestrel/kernel"
)

const (
	HTypeEthernet = 1
	PTypeIPv4     = 0x0800
	HLenEthernet  = 6
	PLenIPv4      = 4

	OpRequest = 1
	OpReply   = 2

	frameLen = 8 + 2*HLenEthernet + 2*PLenIPv4
)

var ErrShortFrame = errors.New("arp: frame shorter than the fixed 28-byte layout")

// HardwareAddr is a 6-byte Ethernet MAC.
type HardwareAddr [HLenEthernet]byte

// Device is the link-layer collaborator ARP needs: its own address pair
// and a way to hand a framed ARP packet to the driver's transmit queue.
type Device interface {
	FD() *fs.FD
	LocalIP() [4]byte
	LocalHW() HardwareAddr
	SendARP(frame *fs.BufferList) error
}

// entry is one cache row: a resolved or pending mapping, plus at most
// one outbound packet (with its own send continuation) waiting on
// resolution.
type entry struct {
	ip       [4]byte
	hw       HardwareAddr
	resolved bool
	deadline kernel.Tick

	pending     *fs.BufferList
	pendingSend func(hw HardwareAddr, l *fs.BufferList) error
}

// Table is one device's ARP cache, sized per config.ARPMaxEntries.
type Table struct {
	mu      sync.Mutex
	entries []*entry
}

var (
	tablesMu sync.Mutex
	tables   = map[Device]*Table{}
)

func tableFor(dev Device) *Table {
	tablesMu.Lock()
	defer tablesMu.Unlock()
	t, ok := tables[dev]
	if !ok {
		t = &Table{}
		tables[dev] = t
	}
	return t
}

// Lookup returns dev's cached hardware address for ip, if resolved.
func Lookup(dev Device, ip [4]byte) (HardwareAddr, bool) {
	t := tableFor(dev)
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if e.ip == ip && e.resolved {
			return e.hw, true
		}
	}
	return HardwareAddr{}, false
}

// Resolve sends a request for ip if not already cached or pending, and
// queues payload (to be sent via send once a reply arrives) if ip is not
// yet resolved. If ip is already resolved, it calls send immediately and
// returns its result. Only one packet may be queued per pending entry —
// a second Resolve call for the same unresolved ip drops the new packet,
// matching the fixed-size, no-growth queue discipline the buffer pool's
// threshold policy requires elsewhere in this stack.
func Resolve(dev Device, ip [4]byte, payload *fs.BufferList, send func(hw HardwareAddr, l *fs.BufferList) error) error {
	t := tableFor(dev)

	t.mu.Lock()
	for _, e := range t.entries {
		if e.ip == ip {
			if e.resolved {
				hw := e.hw
				t.mu.Unlock()
				return send(hw, payload)
			}
			if e.pending != nil {
				t.mu.Unlock()
				payload.Drain(dev.FD().Pool())
				return nil
			}
			e.pending, e.pendingSend = payload, send
			t.mu.Unlock()
			return nil
		}
	}

	e := &entry{ip: ip, pending: payload, pendingSend: send, deadline: kernel.Now() + kernel.Ticks(config.ARPRequestTimeout)}
	if len(t.entries) >= config.ARPMaxEntries {
		t.entries = t.entries[1:] // evict oldest, matching the original's fixed-table wraparound
	}
	t.entries = append(t.entries, e)
	t.mu.Unlock()

	return sendRequest(dev, ip)
}

func sendRequest(dev Device, targetIP [4]byte) error {
	frame := buildFrame(OpRequest, dev.LocalHW(), dev.LocalIP(), HardwareAddr{}, targetIP)
	l := fs.NewList(dev.FD())
	if err := l.PushTail(frame); err != nil {
		return err
	}
	return dev.SendARP(l)
}

func buildFrame(op uint16, senderHW HardwareAddr, senderIP [4]byte, targetHW HardwareAddr, targetIP [4]byte) []byte {
	b := make([]byte, frameLen)
	binary.BigEndian.PutUint16(b[0:2], HTypeEthernet)
	binary.BigEndian.PutUint16(b[2:4], PTypeIPv4)
	b[4] = HLenEthernet
	b[5] = PLenIPv4
	binary.BigEndian.PutUint16(b[6:8], op)
	copy(b[8:14], senderHW[:])
	copy(b[14:18], senderIP[:])
	copy(b[18:24], targetHW[:])
	copy(b[24:28], targetIP[:])
	return b
}

// Receive handles one inbound ARP frame off dev: a request for dev's own
// address is answered with a reply; any frame identifying a sender's
// address updates (or creates) that cache entry and flushes its pending
// packet, if any.
func Receive(dev Device, l *fs.BufferList) error {
	pool := dev.FD().Pool()
	if l.Len() < frameLen {
		l.Drain(pool)
		return ErrShortFrame
	}

	raw := make([]byte, frameLen)
	if err := l.PeekHead(raw); err != nil {
		l.Drain(pool)
		return err
	}
	l.Drain(pool)

	op := binary.BigEndian.Uint16(raw[6:8])
	var senderHW, targetHW HardwareAddr
	copy(senderHW[:], raw[8:14])
	var senderIP, targetIP [4]byte
	copy(senderIP[:], raw[14:18])
	copy(targetHW[:], raw[18:24])
	copy(targetIP[:], raw[24:28])

	learn(dev, senderIP, senderHW)

	if op == OpRequest && targetIP == dev.LocalIP() {
		reply := buildFrame(OpReply, dev.LocalHW(), dev.LocalIP(), senderHW, senderIP)
		rl := fs.NewList(dev.FD())
		if err := rl.PushTail(reply); err != nil {
			return err
		}
		return dev.SendARP(rl)
	}

	return nil
}

// learn records (or refreshes) ip -> hw in dev's table and, if a packet
// was queued awaiting this resolution, sends it now.
func learn(dev Device, ip [4]byte, hw HardwareAddr) {
	t := tableFor(dev)

	t.mu.Lock()
	var e *entry
	for _, existing := range t.entries {
		if existing.ip == ip {
			e = existing
			break
		}
	}
	if e == nil {
		e = &entry{ip: ip}
		t.entries = append(t.entries, e)
	}
	e.hw = hw
	e.resolved = true

	pending, send := e.pending, e.pendingSend
	e.pending, e.pendingSend = nil, nil
	t.mu.Unlock()

	if pending != nil {
		_ = send(hw, pending)
	}
}

// ExpirePending drops any cache entry still unresolved past its request
// deadline, returning its queued packet to the pool rather than leaving
// it withheld forever against an address that never answered. Called by
// the network condition task alongside net/ipv4's fragment expiry.
func ExpirePending(dev Device, now kernel.Tick) {
	t := tableFor(dev)
	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.entries[:0]
	for _, e := range t.entries {
		if !e.resolved && kernel.Before(e.deadline, now) {
			if e.pending != nil {
				e.pending.Drain(dev.FD().Pool())
			}
			continue
		}
		kept = append(kept, e)
	}
	t.entries = kept
}
