// Package serial is the generic UART-backed fs.FD device spec.md's
// SPEC_FULL.md §6 expansion names as a standalone driver: the byte-
// stream transport net/ppp.Link and drivers/slip.Link frame their own
// protocols over. It performs the same Tx/Rx-one-byte-at-a-time dance
// as the teacher's soc/imx6/uart.go (Write loops Tx, Read loops Rx),
// pushed behind a Line interface instead of direct MMIO register
// offsets, since no board in this module has real UART silicon behind
// it.
package serial

import (
	"github.com/kestrel-rtos/kestrel/fs"
)

// Line is the byte-at-a-time transport a real UART driver would expose
// via its own Tx/Rx methods (uart.go's hw.Tx/hw.Rx), pushed behind an
// interface so this package never addresses real registers.
type Line interface {
	Tx(c byte)
	Rx() (c byte, valid bool)
}

// Device is one serial port: a Line plus the fs.FD other layers read
// and write through, and an optional byte sink a framing layer
// (net/ppp, drivers/slip) can install to receive bytes as they arrive
// rather than through fs.Read.
type Device struct {
	line   Line
	fd     *fs.FD
	onByte func(byte)
}

// New wraps line as a registered fs.FD at path, ready for fs.Write or
// for a framing layer to drive directly as its Transport.
func New(line Line, path string) *Device {
	d := &Device{line: line}
	d.fd = fs.Register(path, &fs.Ops{
		Write: func(_ *fs.FD, src *fs.BufferList, _ uint32) (int, error) {
			return d.write(src)
		},
	})
	return d
}

func (d *Device) FD() *fs.FD { return d.fd }

// OnByte installs f as the per-byte sink PollOnce delivers received
// bytes to, instead of queuing them onto the fd's own RX pool. Used by
// net/ppp.Link.ReceiveByte and drivers/slip.Link.ReceiveByte.
func (d *Device) OnByte(f func(byte)) { d.onByte = f }

func (d *Device) write(src *fs.BufferList) (int, error) {
	n := src.Len()
	buf := make([]byte, n)
	if err := src.PeekHead(buf); err != nil {
		src.Drain(d.fd.Pool())
		return 0, err
	}
	src.Drain(d.fd.Pool())

	for _, b := range buf {
		d.line.Tx(b)
	}
	return n, nil
}

// PollOnce drains every byte currently available on the line. With
// OnByte installed, each byte is handed to it immediately (matching the
// original firmware's interrupt-driven byte delivery); otherwise bytes
// accumulate as single-buffer entries on the fd's own RX queue for a
// plain fs.Read consumer.
func (d *Device) PollOnce() {
	for {
		b, ok := d.line.Rx()
		if !ok {
			return
		}
		if d.onByte != nil {
			d.onByte(b)
			continue
		}
		l := fs.NewList(d.fd)
		if err := l.PushTail([]byte{b}); err != nil {
			return
		}
		d.fd.Pool().PutRx(l, 0)
	}
}
