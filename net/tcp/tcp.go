// Package tcp implements the RFC 793 state machine subset described in
// spec.md §4.7/§4.8: segment verification, port lookup (exact then
// listening match), the state transition table, sequence-acceptability
// checking, out-of-order reassembly, retransmission with exponential
// backoff and fast retransmit, and send-side flow control. It registers
// itself with net/ipv4 as the protocol 6 handler so ipv4 never imports
// tcp.
package tcp

import (
	"errors"

	"github.com/kestrel-rtos/kestrel/fs"
	"github.com/kestrel-rtos/kestrel/net/ipv4"
)

const minHeaderLen = 20

// Flag bits within the TCP header's combined flags byte.
const (
	FlagFIN = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
)

var (
	ErrShortHeader  = errors.New("tcp: segment shorter than the minimum TCP header")
	ErrBadChecksum  = errors.New("tcp: pseudo-header checksum mismatch")
	ErrBadOption    = errors.New("tcp: option length field invalid")
	ErrNoPort       = errors.New("tcp: no matching port, port unreachable")
	ErrNoRtxSlot    = errors.New("tcp: no retransmission slot available")
	ErrNetClosed    = errors.New("tcp: connection closed")
	ErrConnReset    = errors.New("tcp: connection reset by peer")
	ErrNotConnected = errors.New("tcp: port not connected")
)

// Segment is a parsed TCP header plus its still-attached payload.
type Segment struct {
	SrcPort, DstPort uint16
	Seq, Ack         uint32
	DataOffset       int // header length in bytes, including options
	Flags            uint8
	Window           uint16
	Checksum         uint16
	MSS              uint16
	WindowScale      uint8
	HasWindowScale   bool
}

func (s *Segment) has(flag uint8) bool { return s.Flags&flag != 0 }

func pseudoHeaderChecksum(src, dst [4]byte, tcpLen int, body []byte) uint16 {
	var sum uint32
	add16 := func(v uint16) { sum += uint32(v) }

	add16(uint16(src[0])<<8 | uint16(src[1]))
	add16(uint16(src[2])<<8 | uint16(src[3]))
	add16(uint16(dst[0])<<8 | uint16(dst[1]))
	add16(uint16(dst[2])<<8 | uint16(dst[3]))
	add16(uint16(ipv4.ProtoTCP))
	add16(uint16(tcpLen))

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
	return ^uint16(sum)
}

// parseSegment reads and validates a TCP header (and its options) from
// the front of l, leaving l positioned at the payload. src/dst are the
// enclosing IPv4 addresses, needed for the pseudo-header checksum.
func parseSegment(l *fs.BufferList, src, dst [4]byte) (Segment, error) {
	var s Segment

	if l.Len() < minHeaderLen {
		return s, ErrShortHeader
	}

	raw := make([]byte, minHeaderLen)
	if err := l.PeekHead(raw); err != nil {
		return s, err
	}

	dataOffsetWords := int(raw[12] >> 4)
	hdrLen := dataOffsetWords * 4
	if hdrLen < minHeaderLen || l.Len() < hdrLen {
		return s, ErrShortHeader
	}

	full := make([]byte, l.Len())
	if err := l.PeekHead(full); err != nil {
		return s, err
	}

	if pseudoHeaderChecksum(src, dst, len(full), full) != 0 {
		return s, ErrBadChecksum
	}

	s.SrcPort = uint16(full[0])<<8 | uint16(full[1])
	s.DstPort = uint16(full[2])<<8 | uint16(full[3])
	s.Seq = uint32(full[4])<<24 | uint32(full[5])<<16 | uint32(full[6])<<8 | uint32(full[7])
	s.Ack = uint32(full[8])<<24 | uint32(full[9])<<16 | uint32(full[10])<<8 | uint32(full[11])
	s.DataOffset = hdrLen
	s.Flags = full[13] & 0x3F
	s.Window = uint16(full[14])<<8 | uint16(full[15])
	s.Checksum = uint16(full[16])<<8 | uint16(full[17])

	if err := parseOptions(full[minHeaderLen:hdrLen], &s); err != nil {
		return s, err
	}

	if err := l.PullHead(make([]byte, hdrLen)); err != nil {
		return s, err
	}

	return s, nil
}

// buildSegmentOptions renders MSS/WScale options (SYN segments only)
// into wire bytes, padded to a 4-byte boundary with NOP/END.
func buildSegmentOptions(s *Segment) []byte {
	if !s.has(FlagSYN) {
		return nil
	}

	opts := make([]byte, 0, 8)
	opts = append(opts, optMSS, 4, byte(s.MSS>>8), byte(s.MSS))
	if s.HasWindowScale {
		opts = append(opts, optWindowScale, 3, s.WindowScale, optNOP)
	}
	for len(opts)%4 != 0 {
		opts = append(opts, optNOP)
	}
	return opts
}

// buildSegment pushes a full TCP header (plus options, for SYN
// segments) onto the front of l, which must already hold the segment's
// payload (if any). The checksum is computed over the pseudo-header
// plus the complete header+payload before anything is pushed, since
// fs.BufferList has no in-place patch operation.
func buildSegment(l *fs.BufferList, s Segment, src, dst [4]byte) error {
	opts := buildSegmentOptions(&s)
	hdrLen := minHeaderLen + len(opts)
	payloadLen := l.Len()

	full := make([]byte, hdrLen+payloadLen)
	full[0] = byte(s.SrcPort >> 8)
	full[1] = byte(s.SrcPort)
	full[2] = byte(s.DstPort >> 8)
	full[3] = byte(s.DstPort)
	full[4] = byte(s.Seq >> 24)
	full[5] = byte(s.Seq >> 16)
	full[6] = byte(s.Seq >> 8)
	full[7] = byte(s.Seq)
	full[8] = byte(s.Ack >> 24)
	full[9] = byte(s.Ack >> 16)
	full[10] = byte(s.Ack >> 8)
	full[11] = byte(s.Ack)
	full[12] = byte((hdrLen / 4) << 4)
	full[13] = s.Flags & 0x3F
	full[14] = byte(s.Window >> 8)
	full[15] = byte(s.Window)
	full[16], full[17] = 0, 0 // checksum, filled in below
	full[18], full[19] = 0, 0 // urgent pointer, unused
	copy(full[minHeaderLen:hdrLen], opts)

	if payloadLen > 0 {
		if err := l.PeekHead(full[hdrLen:]); err != nil {
			return err
		}
	}

	sum := pseudoHeaderChecksum(src, dst, len(full), full)
	full[16], full[17] = byte(sum>>8), byte(sum)

	return l.PushHead(full[:hdrLen])
}
