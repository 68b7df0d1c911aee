// Package ppp implements the HDLC-like framing layer spec.md §6
// specifies for a PPP link: start/end flag 0x7E, address/control bytes
// 0xFF 0x03, a protocol field, payload, and a trailing FCS16, with
// byte-stuffing escaping 0x7E, 0x7D, and any octet below 0x20. LCP/IPCP
// option negotiation itself is out of scope (SPEC_FULL.md §7's
// Non-goal) — this package always emits the uncompressed
// address/control pair and a full two-octet protocol field, the framing
// a link needs once negotiation (handled elsewhere, or assumed already
// complete) has settled on no compression.
package ppp

import (
	"errors"

	"github.com/kestrel-rtos/kestrel/fs"
	"github.com/kestrel-rtos/kestrel/net/ipv4"
)

const (
	flagByte    = 0x7E
	escapeByte  = 0x7D
	escapeXOR   = 0x20
	addressByte = 0xFF
	controlByte = 0x03

	// ProtoIP is PPP's protocol-field value for an IPv4 payload.
	ProtoIP = 0x0021
)

var (
	ErrBadFCS     = errors.New("ppp: frame FCS mismatch")
	ErrShortFrame = errors.New("ppp: frame shorter than address/control/protocol/FCS")
	ErrUnescaped  = errors.New("ppp: escape byte at end of frame")
)

// fcsTable is the standard PPP FCS-16 (CCITT, polynomial 0x8408) lookup
// table, computed once at init so Encode/Decode never recompute it.
var fcsTable [256]uint16

func init() {
	const poly = 0x8408
	for i := 0; i < 256; i++ {
		v := uint16(i)
		for b := 0; b < 8; b++ {
			if v&1 != 0 {
				v = (v >> 1) ^ poly
			} else {
				v >>= 1
			}
		}
		fcsTable[i] = v
	}
}

func fcs16(data []byte) uint16 {
	v := uint16(0xFFFF)
	for _, b := range data {
		v = (v >> 8) ^ fcsTable[(v^uint16(b))&0xFF]
	}
	return v
}

const fcsGood = 0xF0B8 // the FCS16 of data+its own trailing FCS, per RFC 1662

// needsEscape reports whether b must be byte-stuffed: the two framing
// octets themselves, or any control character below 0x20 (this stack's
// send-ACCM always escapes the full default range rather than
// negotiating a narrower one, since ACCM negotiation is out of scope).
func needsEscape(b byte) bool {
	return b == flagByte || b == escapeByte || b < 0x20
}

// Encode renders one PPP frame (address/control, protocol, payload, FCS,
// flags) with byte-stuffing applied, ready to write to a serial FD.
func Encode(protocol uint16, payload []byte) []byte {
	raw := make([]byte, 0, 4+len(payload))
	raw = append(raw, addressByte, controlByte, byte(protocol>>8), byte(protocol))
	raw = append(raw, payload...)

	sum := fcs16(raw)
	raw = append(raw, byte(sum), byte(sum>>8)) // FCS is transmitted little-endian

	out := make([]byte, 0, 2+2*len(raw))
	out = append(out, flagByte)
	for _, b := range raw {
		if needsEscape(b) {
			out = append(out, escapeByte, b^escapeXOR)
		} else {
			out = append(out, b)
		}
	}
	out = append(out, flagByte)
	return out
}

// Decode reverses byte-stuffing on one already flag-delimited frame
// (flags themselves excluded by the caller) and verifies its FCS,
// returning the protocol field and payload.
func Decode(stuffed []byte) (protocol uint16, payload []byte, err error) {
	raw := make([]byte, 0, len(stuffed))
	for i := 0; i < len(stuffed); i++ {
		b := stuffed[i]
		if b == escapeByte {
			i++
			if i >= len(stuffed) {
				return 0, nil, ErrUnescaped
			}
			raw = append(raw, stuffed[i]^escapeXOR)
			continue
		}
		raw = append(raw, b)
	}

	if len(raw) < 4+2 {
		return 0, nil, ErrShortFrame
	}
	if fcs16(raw) != fcsGood {
		return 0, nil, ErrBadFCS
	}

	// raw[0:2] is address/control (0xFF 0x03, uncompressed); raw[2:4] is
	// the protocol field; the trailing 2 bytes are the FCS just verified.
	protocol = uint16(raw[2])<<8 | uint16(raw[3])
	payload = raw[4 : len(raw)-2]
	return protocol, payload, nil
}

// Link is a PPP device: a byte-stream transport fd (a UART or similar,
// not itself a packet device) plus a packet-facing fd presenting the
// ipv4.Device contract net/ipv4.Transmit expects (whole datagrams in,
// via its ordinary fs.Write path). FD() returns the packet-facing fd;
// its Ops.Write does the byte-stuffing and framing before handing the
// result to the real transport.
type Link struct {
	Transport *fs.FD
	packetFD  *fs.FD
	ip        [4]byte
	mtu       int

	rxBuf []byte // bytes accumulated since the last flag, across reads
}

// NewLink wraps transport (already Open'd, raw byte-oriented) as a PPP
// device presenting localIP, with frames capped to mtu bytes of IP
// payload. path names the packet-facing fd net/ipv4.Transmit writes
// whole datagrams to.
func NewLink(transport *fs.FD, localIP [4]byte, mtu int, path string) *Link {
	l := &Link{Transport: transport, ip: localIP, mtu: mtu}
	l.packetFD = fs.Register(path, &fs.Ops{
		Write: func(_ *fs.FD, src *fs.BufferList, timeout uint32) (int, error) {
			return l.send(src)
		},
	})
	return l
}

func (l *Link) FD() *fs.FD       { return l.packetFD }
func (l *Link) MTU() int         { return l.mtu }
func (l *Link) LocalIP() [4]byte { return l.ip }

// send frames an already-built IPv4 datagram (header+payload, peeked
// whole out of datagram) and writes the stuffed bytes to the transport.
func (l *Link) send(datagram *fs.BufferList) (int, error) {
	n := datagram.Len()
	raw := make([]byte, n)
	if err := datagram.PeekHead(raw); err != nil {
		datagram.Drain(l.packetFD.Pool())
		return 0, err
	}
	datagram.Drain(l.packetFD.Pool())

	framed := Encode(ProtoIP, raw)
	txList := fs.NewList(l.Transport)
	if err := txList.PushTail(framed); err != nil {
		return 0, err
	}
	if _, err := fs.Write(l.Transport, txList, 0); err != nil {
		return 0, err
	}
	return n, nil
}

// ReceiveByte feeds one byte off the transport's physical line into the
// link's frame accumulator, matching the original firmware's interrupt-
// driven byte-at-a-time UART RX (rather than whole-buffer reads, since a
// serial driver hands bytes up one at a time as they arrive). A complete
// flag-delimited frame is unstuffed, verified, and — if its protocol is
// ProtoIP — handed to ipv4.Receive.
func (l *Link) ReceiveByte(b byte) error {
	if b == flagByte {
		if len(l.rxBuf) == 0 {
			return nil // leading/repeated flag between frames
		}
		frame := l.rxBuf
		l.rxBuf = nil
		return l.deliver(frame)
	}
	l.rxBuf = append(l.rxBuf, b)
	return nil
}

func (l *Link) deliver(stuffed []byte) error {
	protocol, payload, err := Decode(stuffed)
	if err != nil {
		return err
	}
	if protocol != ProtoIP {
		return nil // LCP/IPCP and anything else: out of scope, drop
	}

	rx := fs.NewList(l.packetFD)
	if err := rx.PushTail(payload); err != nil {
		return err
	}
	return ipv4.Receive(l, rx)
}

var _ ipv4.Device = (*Link)(nil)
