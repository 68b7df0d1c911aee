// Package console implements the line-buffered console fs.FD
// SPEC_FULL.md §6 calls for: bytes arriving off an underlying
// byte-stream device (typically drivers/serial or drivers/cdcacm) are
// accumulated until a line terminator, backspace/delete edits the
// in-progress line, and a completed line is queued to the console's own
// fd for a reader (the diagnostic shell driving sysinfo.Dump, or an
// application's command loop) to pick up with an ordinary fs.Read.
// Grounded on the teacher's soc/imx6/uart.go Write/Read shape, one layer
// up: this package never touches a register, only the fs.FD it wraps.
package console

import (
	"github.com/kestrel-rtos/kestrel/fs"
)

const (
	charBackspace = 0x08
	charDelete    = 0x7F
	charCR        = '\r'
	charLF        = '\n'
)

// Console wraps under (an already-registered byte-stream fs.FD) with
// line buffering, registering a new fd at path for line-oriented
// consumers.
type Console struct {
	under *fs.FD
	fd    *fs.FD
	line  []byte
}

// New registers a line-buffered console at path atop under.
func New(under *fs.FD, path string) *Console {
	c := &Console{under: under}
	c.fd = fs.Register(path, &fs.Ops{
		Write: func(_ *fs.FD, src *fs.BufferList, timeout uint32) (int, error) {
			return fs.Write(under, src, timeout)
		},
	})
	return c
}

func (c *Console) FD() *fs.FD { return c.fd }

// PushBytes feeds a whole packet received off a packet-oriented
// transport (drivers/cdcacm's OnPacket) through PushByte one byte at a
// time, so the line buffer behaves identically regardless of whether
// its underlying device delivers bytes or packets.
func (c *Console) PushBytes(data []byte) {
	for _, b := range data {
		c.PushByte(b)
	}
}

// PushByte feeds one byte received off the underlying device into the
// line buffer, the callback a drivers/serial.Device (or drivers/cdcacm)
// installs via OnByte/OnPacket.
func (c *Console) PushByte(b byte) {
	switch b {
	case charCR, charLF:
		if len(c.line) == 0 {
			return
		}
		l := fs.NewList(c.fd)
		if err := l.PushTail(c.line); err != nil {
			return
		}
		c.fd.Pool().PutRx(l, 0)
		c.line = nil
	case charBackspace, charDelete:
		if len(c.line) > 0 {
			c.line = c.line[:len(c.line)-1]
		}
	default:
		c.line = append(c.line, b)
	}
}

// Write lets the console stand in directly for an io.Writer, e.g. as
// the sink log.SetOutput or sysinfo.Dump writes diagnostic text to.
func (c *Console) Write(p []byte) (int, error) {
	l := fs.NewList(c.under)
	if err := l.PushTail(p); err != nil {
		return 0, err
	}
	return fs.Write(c.under, l, 0)
}
