// Package udp implements the minimal datagram dispatch contract
// SPEC_FULL.md §6 calls out as a required upper-layer collaborator: a
// listener registry keyed by local port, a receive path that matches and
// queues inbound datagrams, and a send path that builds a UDP header and
// hands the datagram to net/ipv4.Transmit. There is no connection state
// machine here — each listener is a single blocking queue, the way the
// original firmware's UDP "socket" is just a receive mailbox plus a
// send-to call (no retransmission, no window).
package udp

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/kestrel-rtos/kestrel/cond"
	"github.com/kestrel-rtos/kestrel/fs"
	"github.com/kestrel-rtos/kestrel/net/ipv4"
)

const headerLen = 8

var (
	ErrShortHeader = errors.New("udp: datagram shorter than the 8-byte header")
	ErrBadChecksum = errors.New("udp: pseudo-header checksum mismatch")
	ErrNoListener  = errors.New("udp: no listener bound to port")
	ErrNetClosed   = errors.New("udp: socket closed")
)

func init() {
	ipv4.RegisterHandler(ipv4.ProtoUDP, receive)
}

func pseudoHeaderChecksum(src, dst [4]byte, udpLen int, body []byte) uint16 {
	var sum uint32
	add16 := func(v uint16) { sum += uint32(v) }

	add16(uint16(src[0])<<8 | uint16(src[1]))
	add16(uint16(src[2])<<8 | uint16(src[3]))
	add16(uint16(dst[0])<<8 | uint16(dst[1]))
	add16(uint16(dst[2])<<8 | uint16(dst[3]))
	add16(uint16(ipv4.ProtoUDP))
	add16(uint16(udpLen))

	n := len(body)
	for i := 0; i+1 < n; i += 2 {
		add16(uint16(body[i])<<8 | uint16(body[i+1]))
	}
	if n%2 == 1 {
		sum += uint32(body[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	if sum == 0 {
		return 0xFFFF // an all-zero UDP checksum means "not computed"; never transmit literal zero
	}
	return ^uint16(sum)
}

// datagram is one queued inbound message: the sender's address plus its
// payload, handed out whole by Recv rather than via fs's generic byte
// stream (spec.md's UDP contract is message-oriented, not a pipe).
type datagram struct {
	srcIP   [4]byte
	srcPort uint16
	list    *fs.BufferList
}

// Socket is one bound UDP listener: a local port and a FIFO of
// not-yet-read datagrams, gated by the same cond.Condition pattern
// net/tcp's Port uses for its read queue.
type Socket struct {
	Dev       ipv4.Device
	LocalIP   [4]byte
	LocalPort uint16

	fd *fs.FD

	mu     sync.Mutex
	queue  []datagram
	closed bool

	readCond *cond.Condition
}

var (
	registryMu sync.Mutex
	registry   []*Socket
)

// Bind registers a UDP listener on localIP:localPort, backed by its own
// fs.FD (so application code can fs.Read it like any other descriptor).
func Bind(dev ipv4.Device, localIP [4]byte, localPort uint16, path string) *Socket {
	fd := fs.Register(path, &fs.Ops{})
	s := &Socket{Dev: dev, LocalIP: localIP, LocalPort: localPort, fd: fd}
	s.readCond = &cond.Condition{
		Data:   s,
		Lock:   func(any) { s.mu.Lock() },
		Unlock: func(any) { s.mu.Unlock() },
		DoSuspend: func(any, any) bool {
			return len(s.queue) == 0 && !s.closed
		},
	}
	fd.Ops.Read = func(_ *fs.FD, dst *fs.BufferList, timeout uint32) (int, error) {
		return s.Recv(nil, dst, timeout)
	}
	fd.Ops.Write = func(_ *fs.FD, src *fs.BufferList, timeout uint32) (int, error) {
		return 0, errors.New("udp: use SendTo, Write has no destination address")
	}
	fd.Ops.Close = func(_ *fs.FD) error {
		s.mu.Lock()
		s.closed = true
		pool := s.fd.Pool()
		for _, d := range s.queue {
			d.list.Drain(pool)
		}
		s.queue = nil
		s.mu.Unlock()
		cond.ResumeCondition(s.readCond, &cond.Resume{Status: ErrNetClosed}, false)
		return nil
	}

	registryMu.Lock()
	registry = append(registry, s)
	registryMu.Unlock()
	return s
}

// Unregister removes s from the listener registry and releases its fd.
func Unregister(s *Socket) {
	registryMu.Lock()
	for i, e := range registry {
		if e == s {
			registry = append(registry[:i], registry[i+1:]...)
			break
		}
	}
	registryMu.Unlock()
	fs.Unregister(s.fd.Path)
}

func lookup(localIP [4]byte, localPort uint16) *Socket {
	registryMu.Lock()
	defer registryMu.Unlock()
	for _, s := range registry {
		if s.LocalPort == localPort && (s.LocalIP == localIP || s.LocalIP == [4]byte{}) {
			return s
		}
	}
	return nil
}

// receive is net/ipv4's registered handler for protocol 17.
func receive(dev ipv4.Device, src, dst [4]byte, l *fs.BufferList) error {
	pool := dev.FD().Pool()

	if l.Len() < headerLen {
		l.Drain(pool)
		return ErrShortHeader
	}

	hdr := make([]byte, headerLen)
	if err := l.PeekHead(hdr); err != nil {
		l.Drain(pool)
		return err
	}
	srcPort := binary.BigEndian.Uint16(hdr[0:2])
	dstPort := binary.BigEndian.Uint16(hdr[2:4])
	length := int(binary.BigEndian.Uint16(hdr[4:6]))
	checksum := binary.BigEndian.Uint16(hdr[6:8])

	if checksum != 0 {
		full := make([]byte, l.Len())
		_ = l.PeekHead(full)
		if pseudoHeaderChecksum(src, dst, length, full) != 0 {
			l.Drain(pool)
			return ErrBadChecksum
		}
	}

	if err := l.PullHead(hdr); err != nil {
		l.Drain(pool)
		return err
	}

	s := lookup(dst, dstPort)
	if s == nil {
		l.Drain(pool)
		return ErrNoListener
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.Drain(pool)
		return ErrNetClosed
	}
	s.queue = append(s.queue, datagram{srcIP: src, srcPort: srcPort, list: l})
	s.mu.Unlock()

	cond.ResumeCondition(s.readCond, &cond.Resume{}, false)
	return nil
}

// Recv blocks task (nil if the caller is not a scheduled kernel task)
// until a datagram arrives, returning its payload length. The sender's
// address is discarded; callers that need it use RecvFrom instead.
// timeout is recorded on the suspend, but no timer is armed for it, so
// the wait does not end with a timeout error when it elapses.
func (s *Socket) Recv(task cond.Task, dst *fs.BufferList, timeout uint32) (int, error) {
	n, _, _, err := s.RecvFrom(task, dst, timeout)
	return n, err
}

// RecvFrom is Recv plus the sender's address, for request/reply
// protocols (DHCP, TFTP-style exchanges) that must reply to whoever
// asked rather than a fixed peer.
func (s *Socket) RecvFrom(task cond.Task, dst *fs.BufferList, timeout uint32) (int, [4]byte, uint16, error) {
	sp := &cond.Suspend{Task: task, TimeoutEnabled: timeout != 0, Timeout: timeout}
	if err := cond.SuspendCondition([]*cond.Condition{s.readCond}, []*cond.Suspend{sp}, nil); err != nil {
		return 0, [4]byte{}, 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		if s.closed {
			return 0, [4]byte{}, 0, ErrNetClosed
		}
		return 0, [4]byte{}, 0, nil
	}

	d := s.queue[0]
	s.queue = s.queue[1:]
	n := d.list.Len()
	fs.Append(dst, d.list)
	return n, d.srcIP, d.srcPort, nil
}

// SendTo builds a UDP datagram carrying payload and transmits it to
// dstIP:dstPort via s's device.
func (s *Socket) SendTo(dstIP [4]byte, dstPort uint16, payload *fs.BufferList) error {
	hdr := make([]byte, headerLen)
	binary.BigEndian.PutUint16(hdr[0:2], s.LocalPort)
	binary.BigEndian.PutUint16(hdr[2:4], dstPort)
	binary.BigEndian.PutUint16(hdr[4:6], uint16(headerLen+payload.Len()))
	hdr[6], hdr[7] = 0, 0

	body := make([]byte, payload.Len())
	if err := payload.PeekHead(body); err != nil {
		return err
	}
	sum := pseudoHeaderChecksum(s.LocalIP, dstIP, len(hdr)+len(body), append(append([]byte{}, hdr...), body...))
	hdr[6], hdr[7] = byte(sum>>8), byte(sum)

	if err := payload.PushHead(hdr); err != nil {
		return err
	}

	h := ipv4.Header{ID: nextDatagramID(), TTL: 64, Protocol: ipv4.ProtoUDP, Src: s.LocalIP, Dst: dstIP}
	return ipv4.Transmit(s.Dev, h, payload)
}

var datagramID uint16

func nextDatagramID() uint16 {
	datagramID++
	return datagramID
}
