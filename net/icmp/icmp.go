// Package icmp implements the minimal ICMP collaborator SPEC_FULL.md §6
// requires: echo request/reply (so the stack is pingable) and a
// destination-unreachable/port-unreachable message, which net/tcp emits
// when a segment arrives for a four-tuple with no matching port (spec.md
// §4.7 step 2's "port unreachable" contract). There is no raw-socket API
// here — only the two message shapes the rest of the stack needs.
package icmp

import (
	"errors"

	"github.com/kestrel-rtos/kestrel/fs"
	"github.com/kestrel-rtos/kestrel/net/ipv4"
)

const headerLen = 8

// ICMP message types this package understands, per RFC 792.
const (
	TypeEchoReply   = 0
	TypeUnreachable = 3
	TypeEchoRequest = 8
)

// Codes for TypeUnreachable.
const (
	CodeProtocolUnreachable = 2
	CodePortUnreachable     = 3
)

var ErrShortHeader = errors.New("icmp: message shorter than the 8-byte header")

func init() {
	ipv4.RegisterHandler(ipv4.ProtoICMP, receive)
}

func checksum(data []byte) uint16 {
	var sum uint32
	n := len(data)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
	}
	if n%2 == 1 {
		sum += uint32(data[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}

// receive is net/ipv4's registered handler for protocol 1. Only echo
// request is answered; every other type is silently dropped, matching
// the original firmware's narrow ICMP support (no redirects, no time
// exceeded, no raw delivery to an application).
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
	msgType := hdr[0]

	if msgType != TypeEchoRequest {
		l.Drain(pool)
		return nil
	}

	id, seq := hdr[4:6], hdr[6:8]
	if err := l.PullHead(hdr); err != nil {
		l.Drain(pool)
		return err
	}

	return sendReply(dev, dst, src, id, seq, l)
}

// sendReply builds an echo reply carrying body (the original request's
// data, already separated from its header by receive) and transmits it
// back to dst (the original request's source).
func sendReply(dev ipv4.Device, srcIP, dstIP [4]byte, id, seq []byte, body *fs.BufferList) error {
	hdr := make([]byte, headerLen)
	hdr[0] = TypeEchoReply
	hdr[1] = 0
	copy(hdr[4:6], id)
	copy(hdr[6:8], seq)

	payload := make([]byte, body.Len())
	if err := body.PeekHead(payload); err != nil {
		body.Drain(dev.FD().Pool())
		return err
	}
	body.Drain(dev.FD().Pool())

	sum := checksum(append(append([]byte{}, hdr...), payload...))
	hdr[2], hdr[3] = byte(sum>>8), byte(sum)

	l := fs.NewList(dev.FD())
	if err := l.PushTail(payload); err != nil {
		return err
	}
	if err := l.PushHead(hdr); err != nil {
		return err
	}

	h := ipv4.Header{ID: nextDatagramID(), TTL: 64, Protocol: ipv4.ProtoICMP, Src: srcIP, Dst: dstIP}
	return ipv4.Transmit(dev, h, l)
}

// SendUnreachable emits a destination-unreachable message of the given
// code, quoting quoted (the failing datagram's own IPv4 header bytes
// plus its first 8 payload bytes, per RFC 792) back to its source.
// net/tcp calls this when a segment's four-tuple matches no port.
func SendUnreachable(dev ipv4.Device, dstIP [4]byte, code uint8, quoted []byte) error {
	hdr := make([]byte, headerLen)
	hdr[0] = TypeUnreachable
	hdr[1] = code

	l := fs.NewList(dev.FD())
	if err := l.PushTail(quoted); err != nil {
		return err
	}
	payload := make([]byte, l.Len())
	_ = l.PeekHead(payload)

	sum := checksum(append(append([]byte{}, hdr...), payload...))
	hdr[2], hdr[3] = byte(sum>>8), byte(sum)

	if err := l.PushHead(hdr); err != nil {
		return err
	}

	h := ipv4.Header{ID: nextDatagramID(), TTL: 64, Protocol: ipv4.ProtoICMP, Src: dev.LocalIP(), Dst: dstIP}
	return ipv4.Transmit(dev, h, l)
}

var datagramID uint16

func nextDatagramID() uint16 {
	datagramID++
	return datagramID
}
