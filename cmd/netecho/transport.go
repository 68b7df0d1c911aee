package main

import (
	"net"

	"github.com/kestrel-rtos/kestrel/log"
)

// connLine adapts a real OS net.Conn to drivers/serial.Line, standing in
// for the byte-at-a-time UART a real board would hand the SLIP link: Tx
// writes straight through, Rx drains a small buffer a background
// goroutine keeps topped up from the connection's read side. It is the
// hosted-build transport board/host's doc comment describes this
// example as needing.
type connLine struct {
	conn net.Conn
	rx   chan byte
	done chan struct{}
}

func newConnLine(conn net.Conn) *connLine {
	l := &connLine{
		conn: conn,
		rx:   make(chan byte, 4096),
		done: make(chan struct{}),
	}
	go l.pump()
	return l
}

// pump reads bytes off the connection as they arrive and feeds them
// into rx, closing done once the peer goes away so PollOnce's caller
// can notice and retire this line.
func (l *connLine) pump() {
	buf := make([]byte, 1024)
	for {
		n, err := l.conn.Read(buf)
		for i := 0; i < n; i++ {
			select {
			case l.rx <- buf[i]:
			case <-l.done:
				return
			}
		}
		if err != nil {
			log.Debug().Err(err).Msg("netecho: transport connection closed")
			close(l.done)
			return
		}
	}
}

func (l *connLine) Tx(c byte) {
	if _, err := l.conn.Write([]byte{c}); err != nil {
		log.Debug().Err(err).Msg("netecho: transport write failed")
	}
}

func (l *connLine) Rx() (byte, bool) {
	select {
	case b := <-l.rx:
		return b, true
	default:
		return 0, false
	}
}

// closed reports whether the peer connection has gone away.
func (l *connLine) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}
