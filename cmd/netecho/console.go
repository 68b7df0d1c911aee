package main

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/kestrel-rtos/kestrel/drivers/console"
	"github.com/kestrel-rtos/kestrel/fs"
	"github.com/kestrel-rtos/kestrel/kernel"
	"github.com/kestrel-rtos/kestrel/log"
	"github.com/kestrel-rtos/kestrel/sysinfo"
)

// ioctlGetTermios/ioctlSetTermios are the Linux termios ioctl request
// numbers; the host build of this example targets Linux only.
const (
	ioctlGetTermios = unix.TCGETS
	ioctlSetTermios = unix.TCSETS
)

// rawStdin puts stdin into non-canonical, no-echo mode via a direct
// termios ioctl, the same register-level seam a real board's console
// UART would be driven through: without it the host terminal itself
// line-buffers and local-echoes input, masking drivers/console's own
// line editing (backspace/delete) entirely. restore undoes it; ok is
// false when stdin is not a terminal (piped input, a CI runner), in
// which case the console simply isn't wired to anything interactive.
func rawStdin() (restore func(), ok bool) {
	fd := int(os.Stdin.Fd())
	saved, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		log.Debug().Err(err).Msg("netecho: stdin is not a terminal, console stays offline")
		return func() {}, false
	}

	raw := *saved
	raw.Lflag &^= unix.ICANON | unix.ECHO
	raw.Cc[unix.VMIN] = 1
	raw.Cc[unix.VTIME] = 0
	if err := unix.IoctlSetTermios(fd, ioctlSetTermios, &raw); err != nil {
		log.Debug().Err(err).Msg("netecho: failed to set raw termios, console stays offline")
		return func() {}, false
	}

	return func() {
		_ = unix.IoctlSetTermios(fd, ioctlSetTermios, saved)
	}, true
}

// consoleDevice wires drivers/console onto stdout, mirroring the
// original firmware's serial console: completed lines typed at stdin
// are handed to it and acted on by runConsole below.
type consoleDevice struct {
	under *fs.FD
	c     *console.Console
}

func newConsoleDevice() *consoleDevice {
	d := &consoleDevice{}
	d.under = fs.Register("\\console\\under", &fs.Ops{
		Write: func(fd *fs.FD, src *fs.BufferList, _ uint32) (int, error) {
			n := src.Len()
			buf := make([]byte, n)
			if err := src.PeekHead(buf); err != nil {
				src.Drain(fd.Pool())
				return 0, err
			}
			os.Stdout.Write(buf)
			src.Drain(fd.Pool())
			return n, nil
		},
	})
	d.c = console.New(d.under, "\\console")
	return d
}

// runConsole reads stdin one byte at a time, forever, handing each byte
// to the console's line buffer and acting on completed commands
// ("stats" dumps sysinfo, "quit" ends the demo). It returns when stdin
// is closed.
func runConsole(c *consoleDevice, dump func()) {
	buf := make([]byte, 256)
	var line []byte

	for {
		n, err := os.Stdin.Read(buf)
		for _, b := range buf[:n] {
			switch b {
			case '\r', '\n':
				switch string(line) {
				case "stats":
					dump()
				case "quit":
					fmt.Fprintln(os.Stdout, "netecho: bye")
					os.Exit(0)
				}
				line = line[:0]
			case 0x08, 0x7F:
				if len(line) > 0 {
					line = line[:len(line)-1]
				}
			default:
				line = append(line, b)
			}
		}
		c.c.PushBytes(buf[:n])
		if err != nil {
			return
		}
	}
}

func dumpDiagnostics(pools map[string]sysinfo.Pool) func() {
	return func() {
		sysinfo.Dump(os.Stdout, pools)
	}
}

// housekeepingTask periodically samples sysinfo's Prometheus gauges, the
// hosted equivalent of a low-priority background task a real board
// would run to keep metrics fresh between console dumps.
func housekeepingTask(pools map[string]sysinfo.Pool, period kernel.Tick) func(*kernel.Task) {
	return func(t *kernel.Task) {
		for {
			sysinfo.Sample(pools)
			t.Sleep(period)
		}
	}
}
