// Package slip implements RFC 1055 SLIP framing over a serial fs.FD
// device: no header, no checksum, just an END-delimited stream with
// ESC-escaping of END and ESC themselves. It is the lighter-weight
// sibling of net/ppp's HDLC-like framing, for links where the peer
// speaks plain SLIP rather than PPP; grounded on the same receive-loop
// shape original_source/rtos/io/ppp/ppp.c uses (accumulate until the
// frame delimiter, then hand the whole frame up), since no SLIP-specific
// file exists in the original firmware.
package slip

import (
	"errors"

	"github.com/kestrel-rtos/kestrel/fs"
	"github.com/kestrel-rtos/kestrel/net/ipv4"
)

const (
	end    = 0xC0
	esc    = 0xDB
	escEnd = 0xDC
	escEsc = 0xDD
)

var ErrUnescaped = errors.New("slip: escape byte at end of frame")

// Encode renders one SLIP frame: payload with END/ESC escaped, bounded
// by a single trailing END (a leading END is optional per RFC 1055 and
// omitted here, matching ppp's own single-flag-between-frames style).
func Encode(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+2)
	for _, b := range payload {
		switch b {
		case end:
			out = append(out, esc, escEnd)
		case esc:
			out = append(out, esc, escEsc)
		default:
			out = append(out, b)
		}
	}
	out = append(out, end)
	return out
}

// Decode reverses escaping on one already END-delimited frame (the
// trailing END itself excluded by the caller).
func Decode(stuffed []byte) ([]byte, error) {
	out := make([]byte, 0, len(stuffed))
	for i := 0; i < len(stuffed); i++ {
		b := stuffed[i]
		if b != esc {
			out = append(out, b)
			continue
		}
		i++
		if i >= len(stuffed) {
			return nil, ErrUnescaped
		}
		switch stuffed[i] {
		case escEnd:
			out = append(out, end)
		case escEsc:
			out = append(out, esc)
		default:
			out = append(out, stuffed[i])
		}
	}
	return out, nil
}

// Link is a SLIP device: a byte-stream transport fd plus the
// packet-facing fd net/ipv4.Transmit writes whole IPv4 datagrams to,
// the same split net/ppp.Link uses so framing can't be bypassed by the
// generic transmit path.
type Link struct {
	Transport *fs.FD
	packetFD  *fs.FD
	ip        [4]byte
	mtu       int

	rxBuf []byte
}

// NewLink wraps transport as a SLIP device presenting localIP.
func NewLink(transport *fs.FD, localIP [4]byte, mtu int, path string) *Link {
	l := &Link{Transport: transport, ip: localIP, mtu: mtu}
	l.packetFD = fs.Register(path, &fs.Ops{
		Write: func(_ *fs.FD, src *fs.BufferList, _ uint32) (int, error) {
			return l.send(src)
		},
	})
	return l
}

func (l *Link) FD() *fs.FD       { return l.packetFD }
func (l *Link) MTU() int         { return l.mtu }
func (l *Link) LocalIP() [4]byte { return l.ip }

func (l *Link) send(datagram *fs.BufferList) (int, error) {
	n := datagram.Len()
	raw := make([]byte, n)
	if err := datagram.PeekHead(raw); err != nil {
		datagram.Drain(l.packetFD.Pool())
		return 0, err
	}
	datagram.Drain(l.packetFD.Pool())

	framed := Encode(raw)
	txList := fs.NewList(l.Transport)
	if err := txList.PushTail(framed); err != nil {
		return 0, err
	}
	if _, err := fs.Write(l.Transport, txList, 0); err != nil {
		return 0, err
	}
	return n, nil
}

// ReceiveByte feeds one byte off the transport into the frame
// accumulator; a complete END-delimited frame is unescaped and handed
// to ipv4.Receive (SLIP carries only IPv4, no protocol field to
// dispatch on unlike PPP).
func (l *Link) ReceiveByte(b byte) error {
	if b == end {
		if len(l.rxBuf) == 0 {
			return nil
		}
		frame := l.rxBuf
		l.rxBuf = nil
		return l.deliver(frame)
	}
	l.rxBuf = append(l.rxBuf, b)
	return nil
}

func (l *Link) deliver(stuffed []byte) error {
	payload, err := Decode(stuffed)
	if err != nil {
		return err
	}
	rx := fs.NewList(l.packetFD)
	if err := rx.PushTail(payload); err != nil {
		return err
	}
	return ipv4.Receive(l, rx)
}

var _ ipv4.Device = (*Link)(nil)
