// Package ipv4 implements IPv4 header parsing/construction, the
// one's-complement checksum, per-device fragment reassembly, and
// transmit-side MTU fragmentation (spec.md §4.6). It dispatches
// reassembled datagrams to whichever upper-layer protocol registered
// itself for the datagram's protocol number, so net/tcp, net/udp and
// net/icmp never need to import each other.
package ipv4

import (
	"errors"

	"github.com/kestrel-rtos/kestrel/fs"
)

const (
	Version4  = 4
	MinIHL    = 5 // in 32-bit words; 20 bytes
	headerLen = 20

	flagMF = 0x2000 // more-fragments bit within the combined flags+offset field
	flagDF = 0x4000
)

// Protocol numbers this stack dispatches, per IANA assigned numbers.
const (
	ProtoICMP = 1
	ProtoTCP  = 6
	ProtoUDP  = 17
)

var (
	ErrShortHeader   = errors.New("ipv4: header shorter than 20 bytes or buffer truncated")
	ErrBadVersion    = errors.New("ipv4: not an IPv4 datagram")
	ErrBadChecksum   = errors.New("ipv4: header checksum mismatch")
	ErrBroadcast     = errors.New("ipv4: fragment from broadcast/multicast source rejected")
	ErrNoHandler     = errors.New("ipv4: no registered handler for protocol")
	ErrNoFragSlot    = errors.New("ipv4: no free reassembly slot for device")
	ErrFragmentDrop  = errors.New("ipv4: fragment dropped, flow threshold-locked")
)

// Header is a parsed IPv4 header. Options are not retained — spec.md's
// CORE never reads them — only their length is consumed so the payload
// cursor lands correctly.
type Header struct {
	IHL         int
	TotalLength int
	ID          uint16
	MF          bool
	DF          bool
	FragOffset  int // in bytes
	TTL         uint8
	Protocol    uint8
	Checksum    uint16
	Src, Dst    [4]byte
}

// Device is the link-layer collaborator net/ipv4 needs: a buffer pool
// to allocate from, an MTU to fragment against, and a way to hand a
// framed packet down to the driver's transmit queue. net/ppp and the
// Ethernet drivers each implement this.
type Device interface {
	FD() *fs.FD
	MTU() int
	LocalIP() [4]byte
}

// ProtocolHandler receives a fully reassembled datagram's payload (IP
// header already stripped) for protocol number matching its
// registration. It owns l afterward.
type ProtocolHandler func(dev Device, src, dst [4]byte, l *fs.BufferList) error

var handlers = map[uint8]ProtocolHandler{}

// RegisterHandler installs h as the dispatch target for proto. Called
// from net/tcp, net/udp and net/icmp's package init, keeping net/ipv4
// free of any upper-layer import.
func RegisterHandler(proto uint8, h ProtocolHandler) {
	handlers[proto] = h
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

// parseHeader reads and validates an IPv4 header from the front of l,
// consuming it (including any options) and leaving l positioned at the
// payload. Validates version, IHL bounds, and header checksum.
func parseHeader(l *fs.BufferList) (Header, error) {
	var h Header

	if l.Len() < headerLen {
		return h, ErrShortHeader
	}

	raw := make([]byte, headerLen)
	if err := l.PeekHead(raw); err != nil {
		return h, err
	}

	verIHL := raw[0]
	version := verIHL >> 4
	ihlWords := int(verIHL & 0x0F)
	if version != Version4 {
		return h, ErrBadVersion
	}
	if ihlWords < MinIHL {
		return h, ErrShortHeader
	}
	optLen := (ihlWords - MinIHL) * 4
	if l.Len() < headerLen+optLen {
		return h, ErrShortHeader
	}

	full := make([]byte, headerLen+optLen)
	if err := l.PeekHead(full); err != nil {
		return h, err
	}
	if checksum(full) != 0 {
		return h, ErrBadChecksum
	}

	h.IHL = ihlWords
	h.TotalLength = int(full[2])<<8 | int(full[3])
	h.ID = uint16(full[4])<<8 | uint16(full[5])
	flagsFrag := uint16(full[6])<<8 | uint16(full[7])
	h.MF = flagsFrag&flagMF != 0
	h.DF = flagsFrag&flagDF != 0
	h.FragOffset = int(flagsFrag&0x1FFF) * 8
	h.TTL = full[8]
	h.Protocol = full[9]
	h.Checksum = uint16(full[10])<<8 | uint16(full[11])
	copy(h.Src[:], full[12:16])
	copy(h.Dst[:], full[16:20])

	// consume the header (and any options) from l, truncate any
	// trailing link-layer padding past TotalLength.
	if err := l.PullHead(make([]byte, headerLen+optLen)); err != nil {
		return h, err
	}
	if pad := l.Len() - (h.TotalLength - headerLen - optLen); pad > 0 {
		// trailing bytes beyond TotalLength are link-layer padding;
		// PullTail releases them without disturbing the still-unread
		// payload at the front.
		if err := l.PullTail(make([]byte, pad)); err != nil {
			return h, err
		}
	}

	return h, nil
}

// buildHeader pushes a 20-byte IPv4 header (no options) onto the front
// of l, computing the header checksum over the just-written bytes. It
// returns only the push error.
func buildHeader(l *fs.BufferList, h Header) error {
	buf := make([]byte, headerLen)
	buf[0] = byte(Version4<<4) | byte(MinIHL)
	buf[1] = 0
	buf[2] = byte(h.TotalLength >> 8)
	buf[3] = byte(h.TotalLength)
	buf[4] = byte(h.ID >> 8)
	buf[5] = byte(h.ID)

	flagsFrag := uint16(h.FragOffset / 8)
	if h.MF {
		flagsFrag |= flagMF
	}
	if h.DF {
		flagsFrag |= flagDF
	}
	buf[6] = byte(flagsFrag >> 8)
	buf[7] = byte(flagsFrag)

	buf[8] = h.TTL
	buf[9] = h.Protocol
	buf[10], buf[11] = 0, 0 // checksum patched below
	copy(buf[12:16], h.Src[:])
	copy(buf[16:20], h.Dst[:])

	sum := checksum(buf)
	buf[10] = byte(sum >> 8)
	buf[11] = byte(sum)

	return l.PushHead(buf)
}
