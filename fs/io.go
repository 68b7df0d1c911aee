package fs

import (
	"github.com/kestrel-rtos/kestrel/cond"
)

// Open resolves path in the registry and invokes the driver's Open hook,
// if any, recording the requested flags on the descriptor. See spec.md
// §4.4's fs_open.
func Open(path string, flags OpenFlag) (*FD, error) {
	fd, err := Lookup(path)
	if err != nil {
		return nil, err
	}

	fd.mu.Lock()
	if fd.closed {
		fd.mu.Unlock()
		return nil, ErrClosed
	}
	fd.Flags = flags
	fd.mu.Unlock()

	if fd.Ops != nil && fd.Ops.Open != nil {
		if err := fd.Ops.Open(fd, flags); err != nil {
			return nil, err
		}
	}
	return fd, nil
}

// Close marks fd closed, invokes the driver's Close hook, and wakes
// every task blocked in Read/Write on it with ErrClosed. Closing an
// already-closed descriptor is a no-op.
func Close(fd *FD) error {
	fd.mu.Lock()
	if fd.closed {
		fd.mu.Unlock()
		return nil
	}
	fd.closed = true
	fd.mu.Unlock()

	var opErr error
	if fd.Ops != nil && fd.Ops.Close != nil {
		opErr = fd.Ops.Close(fd)
	}

	wakeAll := &cond.Resume{
		DoResume: func(any, any) bool { return true },
		Status:   ErrClosed,
	}
	cond.ResumeCondition(fd.rCond, wakeAll, false)
	cond.ResumeCondition(fd.wCond, wakeAll, false)

	return opErr
}

// Read blocks task until at least one RX buffer list is queued on fd (or
// fd is closed), then hands the caller ownership of that list. timeout
// is recorded on the suspend, but Read arms no timer for it, so the
// wait does not end with ErrTimeout when it elapses. A
// nil task with timeout kernel.MaxWait-equivalent semantics is the
// caller's responsibility; Read itself only consults fd's pool and
// condition. Returns the number of bytes in the returned list and the
// list itself, per spec.md §4.4's fs_read.
func Read(task cond.Task, fd *FD, timeout uint32) (*BufferList, int, error) {
	fd.mu.Lock()
	if fd.closed {
		fd.mu.Unlock()
		return nil, 0, ErrClosed
	}
	fd.mu.Unlock()

	if fd.Ops != nil && fd.Ops.Read != nil {
		return readViaOps(task, fd, timeout)
	}

	s := &cond.Suspend{
		Task:           task,
		TimeoutEnabled: timeout != 0,
		Timeout:        timeout,
	}
	if err := cond.SuspendCondition([]*cond.Condition{fd.rCond}, []*cond.Suspend{s}, nil); err != nil {
		return nil, 0, err
	}

	fd.mu.Lock()
	if fd.closed {
		fd.mu.Unlock()
		return nil, 0, ErrClosed
	}
	fd.mu.Unlock()

	l := fd.pool.GetRx(0)
	if l == nil {
		return nil, 0, ErrReadTimeout
	}
	return l, l.Len(), nil
}

// readViaOps is used by descriptors whose driver supplies a custom Read
// hook (e.g. a TCP socket, which assembles its receive list from the
// connection's reassembly queue rather than a generic RX pool).
func readViaOps(task cond.Task, fd *FD, timeout uint32) (*BufferList, int, error) {
	l, err := fd.Pool().GetList(task, Suspend)
	if err != nil {
		return nil, 0, err
	}
	n, err := fd.Ops.Read(fd, l, timeout)
	if err != nil {
		fd.Pool().PutList(l)
		return nil, 0, err
	}
	return l, n, nil
}

// Write hands src to fd: for a chained descriptor, src is written to
// every sibling and the returned count is the minimum across the chain
// (a short write on any sibling is reported to the caller, per spec.md
// §4.4's fan-out semantics), and the first error encountered is
// returned after attempting every sibling.
func Write(fd *FD, src *BufferList, timeout uint32) (int, error) {
	fd.mu.Lock()
	closed := fd.closed
	fd.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}

	siblings := fd.siblings()
	if len(siblings) == 1 {
		return writeOne(fd, src, timeout)
	}

	min := -1
	var firstErr error
	for _, sib := range siblings {
		n, err := writeOne(sib, src, timeout)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if min == -1 || n < min {
			min = n
		}
	}
	if min == -1 {
		min = 0
	}
	return min, firstErr
}

func writeOne(fd *FD, src *BufferList, timeout uint32) (int, error) {
	if fd.Ops != nil && fd.Ops.Write != nil {
		return fd.Ops.Write(fd, src, timeout)
	}

	if fd.pool.ThresholdLocked() {
		s := &cond.Suspend{
			TimeoutEnabled: timeout != 0,
			Timeout:        timeout,
		}
		if err := cond.SuspendCondition([]*cond.Condition{fd.wCond}, []*cond.Suspend{s}, nil); err != nil {
			return 0, err
		}
	}

	fd.pool.PutTx(src, 0)
	return src.Len(), nil
}

// Ioctl forwards request/arg to the driver's Ioctl hook.
func Ioctl(fd *FD, request int, arg any) error {
	if fd.Ops == nil || fd.Ops.Ioctl == nil {
		return ErrNotSupported
	}
	return fd.Ops.Ioctl(fd, request, arg)
}

// Connect forwards addr to the driver's Connect hook (TCP active open,
// PPP dial, ...).
func Connect(fd *FD, addr any) error {
	if fd.Ops == nil || fd.Ops.Connect == nil {
		return ErrNotSupported
	}
	return fd.Ops.Connect(fd, addr)
}

// Disconnect is a convenience alias over Close for symmetry with
// Connect, matching spec.md's fs_disconnect naming.
func Disconnect(fd *FD) error {
	return Close(fd)
}
