package tcp

import (
	"fmt"
	"sync/atomic"

	"github.com/kestrel-rtos/kestrel/cond"
	"github.com/kestrel-rtos/kestrel/fs"
	"github.com/kestrel-rtos/kestrel/kernel"
	"github.com/kestrel-rtos/kestrel/net/ipv4"
)

// newEndpoint registers a fresh fs.FD at path and a Port bound to it,
// wiring the FD's Ops vtable to the port's Read/Write/Close/Connect
// methods so application code only ever sees the generic fs.Open/
// fs.Read/fs.Write/fs.Close surface (spec.md §6's applicative API).
func newEndpoint(dev ipv4.Device, localIP [4]byte, localPort uint16, path string) (*fs.FD, *Port) {
	fd := fs.Register(path, &fs.Ops{})
	p := Register(dev, localIP, localPort, fd)
	wireOps(fd, p)
	return fd, p
}

// wireOps points fd's Ops vtable at p's Read/Write/Close/Connect
// methods, the seam spec.md §4.4's readViaOps/writeOne generic fs path
// uses to reach TCP's own send/receive logic instead of a raw RX/TX
// pool.
func wireOps(fd *fs.FD, p *Port) {
	fd.Ops.Read = func(fd *fs.FD, dst *fs.BufferList, timeout uint32) (int, error) {
		return p.doRead(dst, timeout)
	}
	fd.Ops.Write = func(fd *fs.FD, src *fs.BufferList, timeout uint32) (int, error) {
		return p.doWrite(src, timeout)
	}
	fd.Ops.Close = func(fd *fs.FD) error { return p.doClose() }
	fd.Ops.Connect = func(fd *fs.FD, addr any) error {
		a := addr.(Addr)
		return p.doConnect(a.IP, a.Port)
	}
}

// currentTask adapts kernel.CurrentTask for use as a cond.Task: a nil
// *kernel.Task boxed directly into the cond.Task interface would compare
// unequal to nil (a non-nil interface holding a nil pointer), so callers
// outside of a running kernel task (isolated tests, an ISR-less embedder)
// get a true nil interface instead, falling through SuspendCondition
// without blocking rather than panicking inside Task.Block.
func currentTask() cond.Task {
	if t := kernel.CurrentTask(); t != nil {
		return t
	}
	return nil
}

// Addr is a foreign endpoint, passed to fs.Connect for a TCP socket.
type Addr struct {
	IP   [4]byte
	Port uint16
}

// Listen registers a LISTEN-state port at path, ready to accept inbound
// connections via Accept. path becomes the application's fs.Open handle
// for issuing Accept calls (modeled here as a package function taking
// the server Port rather than round-tripping through fs.Ioctl, since accept's result is a whole
// new descriptor rather than a status code).
func Listen(dev ipv4.Device, localIP [4]byte, localPort uint16, path string) (*Port, error) {
	_, p := newEndpoint(dev, localIP, localPort, path)
	p.lock()
	p.state = StateListen
	p.unlock()
	return p, nil
}

var childCounter uint64

// Accept blocks task until a backlog entry on server has completed its
// handshake (ESTABLISHED), per spec.md §6's tcp_accept. It returns the
// accepted connection's own Port (with its own fs.FD, registered under a
// path derived from server's).
func Accept(task cond.Task, server *Port, timeout uint32) (*Port, error) {
	s := &cond.Suspend{Task: task, TimeoutEnabled: timeout != 0, Timeout: timeout}
	if err := cond.SuspendCondition([]*cond.Condition{server.acceptCond}, []*cond.Suspend{s}, nil); err != nil {
		return nil, err
	}

	server.lock()
	defer server.unlock()

	if server.state != StateListen {
		return nil, ErrNetClosed
	}

	for i, child := range server.backlog {
		child.mu.Lock()
		ready := child.state == Established
		child.mu.Unlock()
		if ready {
			server.backlog = append(server.backlog[:i], server.backlog[i+1:]...)
			return child, nil
		}
	}
	return nil, ErrNotConnected
}

// spawnChild is called by processListen to create the per-connection
// descriptor a SYN needs before the three-way handshake can proceed.
func spawnChild(server *Port) *fs.FD {
	id := atomic.AddUint64(&childCounter, 1)
	path := fmt.Sprintf("%s\\%d", server.fd.Path, id)
	ops := &fs.Ops{}
	return fs.Register(path, ops)
}

// Dial registers a new port at path and actively opens it to
// foreignIP:foreignPort: it sends the initial SYN, moves to SYN_SENT,
// and blocks task until the handshake completes, per
// spec.md §6's tcp_connect.
func Dial(task cond.Task, dev ipv4.Device, localIP [4]byte, localPort uint16, foreignIP [4]byte, foreignPort uint16, path string, timeout uint32) (*Port, error) {
	_, p := newEndpoint(dev, localIP, localPort, path)

	p.lock()
	p.ForeignIP, p.ForeignPort = foreignIP, foreignPort
	p.sndUna = generateISS()
	p.sndNxt = p.sndUna
	p.state = SynSent

	err := p.sendDataSegment(dev, FlagSYN, p.sndUna, fs.NewList(p.fd))
	p.sndNxt++
	p.unlock()
	if err != nil {
		return nil, err
	}

	s := &cond.Suspend{Task: task, TimeoutEnabled: timeout != 0, Timeout: timeout}
	if err := cond.SuspendCondition([]*cond.Condition{p.connectCond}, []*cond.Suspend{s}, nil); err != nil {
		return nil, err
	}

	p.lock()
	defer p.unlock()
	if p.state != Established {
		return nil, ErrConnReset
	}
	return p, nil
}

// doConnect backs the fs.Connect vtable entry for a port created via
// Listen rather than Dial (Dial is the normal path; doConnect exists so
// fs.Connect on a freshly fs.Open'd `\eth0\tcp\new` path works too).
func (p *Port) doConnect(foreignIP [4]byte, foreignPort uint16) error {
	p.lock()
	p.ForeignIP, p.ForeignPort = foreignIP, foreignPort
	p.sndUna = generateISS()
	p.sndNxt = p.sndUna
	p.state = SynSent
	err := p.sendDataSegment(p.Dev, FlagSYN, p.sndUna, fs.NewList(p.fd))
	p.sndNxt++
	p.unlock()
	return err
}

// doRead hands the caller the port's assembled receive list, blocking
// (via the fs.FD's generic readViaOps path, which already allocated dst
// from the port's own pool) until data or FIN/RST arrives. timeout is
// recorded on the suspend, but no timer is armed for it, so the wait
// does not end with a timeout error when it elapses.
func (p *Port) doRead(dst *fs.BufferList, timeout uint32) (int, error) {
	s := &cond.Suspend{Task: currentTask(), TimeoutEnabled: timeout != 0, Timeout: timeout}
	if err := cond.SuspendCondition([]*cond.Condition{p.readCond}, []*cond.Suspend{s}, nil); err != nil {
		return 0, err
	}

	p.lock()
	defer p.unlock()

	if p.rxList == nil {
		if p.state == Closed || p.state == TimeWait {
			return 0, ErrNetClosed
		}
		return 0, nil
	}

	n := p.rxList.Len()
	fs.Append(dst, p.rxList)
	p.rxList = nil
	return n, nil
}

// doWrite implements spec.md §4.8's flow-control rule: it chunks src by
// min(mss, snd_wnd), blocking on the port's write condition whenever the
// window is exhausted, sending each chunk as a retransmission-tracked
// data segment.
func (p *Port) doWrite(src *fs.BufferList, timeout uint32) (int, error) {
	p.lock()
	if p.state != Established {
		p.unlock()
		return 0, ErrNotConnected
	}
	p.unlock()

	sent := 0
	for src.Len() > 0 {
		p.lock()
		if p.sndWnd == 0 {
			p.unlock()
			s := &cond.Suspend{Task: currentTask(), TimeoutEnabled: timeout != 0, Timeout: timeout}
			if err := cond.SuspendCondition([]*cond.Condition{p.writeCond}, []*cond.Suspend{s}, nil); err != nil {
				return sent, err
			}
			continue
		}

		chunk := int(p.mss)
		if int(p.sndWnd) < chunk {
			chunk = int(p.sndWnd)
		}
		if chunk > src.Len() {
			chunk = src.Len()
		}

		// Divide leaves the first chunk bytes on src itself and returns
		// the remainder as a new list head; src is what this iteration
		// sends, rest is what the next iteration (if any) continues from.
		rest, err := fs.Divide(src, chunk)
		if err != nil {
			p.unlock()
			return sent, err
		}
		piece := src
		if rest.Len() == 0 {
			p.fd.Pool().PutList(rest)
			rest = nil
		}

		seq := p.sndNxt
		if err := p.sendDataSegment(p.Dev, 0, seq, piece); err != nil {
			p.unlock()
			return sent, err
		}
		p.sndNxt += uint32(chunk)
		p.sndWnd -= uint32(chunk)
		p.unlock()

		sent += chunk
		if rest == nil {
			break
		}
		src = rest
	}
	return sent, nil
}

// doClose implements spec.md's graceful tcp_close: in ESTABLISHED it
// sends FIN and moves to FIN_WAIT_1; from other pre-handshake states it
// closes immediately. It does not block for the peer's final ACK — the
// caller may Unregister once finished, and TIME_WAIT teardown proceeds
// in the background via ExpireEventTimers.
func (p *Port) doClose() error {
	p.lock()
	defer p.unlock()

	switch p.state {
	case Established:
		if err := p.sendDataSegment(p.Dev, FlagFIN, p.sndNxt, fs.NewList(p.fd)); err != nil {
			return err
		}
		p.sndNxt++
		p.state = FinWait1
	case CloseWait:
		if err := p.sendDataSegment(p.Dev, FlagFIN, p.sndNxt, fs.NewList(p.fd)); err != nil {
			return err
		}
		p.sndNxt++
		p.state = LastAck
	case StateListen, SynSent, SynRcvd:
		p.state = Closed
		p.wakeAllLocked(ErrNetClosed)
	}
	return nil
}
