package fs

import (
	"strings"
	"sync"

	"github.com/kestrel-rtos/kestrel/cond"
)

// OpenFlag mirrors the POSIX-ish open() flags spec.md §4.4 describes for
// fs_open: the registry is keyed by '\'-separated path, not by a flat
// namespace, matching the original firmware's device tree layout
// (e.g. `\console`, `\eth0`, `\eth0\tcp\0`).
type OpenFlag uint8

const (
	OpenRead OpenFlag = 1 << iota
	OpenWrite
	OpenNonBlock
)

// Ops is the vtable a driver or protocol layer installs behind an FD.
// Any entry may be nil, in which case the corresponding fs_* call
// returns ErrNotSupported.
type Ops struct {
	Open    func(fd *FD, flags OpenFlag) error
	Close   func(fd *FD) error
	Read    func(fd *FD, dst *BufferList, timeout uint32) (int, error)
	Write   func(fd *FD, src *BufferList, timeout uint32) (int, error)
	Ioctl   func(fd *FD, request int, arg any) error
	Connect func(fd *FD, addr any) error
}

// FD is the single descriptor type threaded through every driver,
// protocol layer, and application in the system: a registry entry, a
// condition for blocking I/O, an optional buffer pool, and a vtable.
// See spec.md §4.4.
type FD struct {
	Path  string
	Flags OpenFlag
	Ops   *Ops

	// UserData lets a driver/protocol layer stash its private state
	// (TCB, device registers, ...) without a type switch on FD itself.
	UserData any

	pool *BufferData

	mu     sync.Mutex
	closed bool

	// read/write conditions a blocking fs_read/fs_write suspends on;
	// satisfied by the RX/TX queues of pool becoming non-empty/non-full,
	// or by Close/Cancel delivering ErrClosed.
	rCond, wCond *cond.Condition

	// chain links sibling descriptors that share a single logical
	// write fan-out (spec.md §4.4's "chain" devices, e.g. a serial
	// console mirrored to two UARTs). chainHead is nil on the head
	// itself; chainNext walks the sibling list from the head.
	chainHead *FD
	chainNext *FD
}

var (
	registryMu sync.Mutex
	registry   = map[string]*FD{}
)

// Register installs a new descriptor under path with a default-sized
// pool (config.DefaultNumBuffers/config.DefaultBufferSize); use
// RegisterWithPool for any other sizing.
func Register(path string, ops *Ops) *FD {
	fd := &FD{Path: path, Ops: ops}
	fd.pool = defaultPool(fd)
	fd.installConditions()
	registryMu.Lock()
	registry[path] = fd
	registryMu.Unlock()
	return fd
}

// RegisterWithPool installs fd under path with a caller-sized pool, for
// drivers whose buffer economics differ from the default (e.g. Ethernet
// MTU-sized buffers vs a narrow UART).
func RegisterWithPool(path string, ops *Ops, numBuffers, bufferSize, numLists, thBuffers, thLists int) *FD {
	fd := &FD{Path: path, Ops: ops}
	fd.pool = NewBufferData(fd, numBuffers, bufferSize, numLists, thBuffers, thLists)
	fd.installConditions()
	registryMu.Lock()
	registry[path] = fd
	registryMu.Unlock()
	return fd
}

func (fd *FD) installConditions() {
	fd.rCond = &cond.Condition{
		Data:   fd,
		Lock:   func(any) { fd.mu.Lock() },
		Unlock: func(any) { fd.mu.Unlock() },
		DoSuspend: func(data any, _ any) bool {
			f := data.(*FD)
			return !f.closed && f.pool.RxCount() == 0
		},
	}
	fd.wCond = &cond.Condition{
		Data:   fd,
		Lock:   func(any) { fd.mu.Lock() },
		Unlock: func(any) { fd.mu.Unlock() },
		DoSuspend: func(data any, _ any) bool {
			f := data.(*FD)
			return !f.closed && f.pool.ThresholdLocked()
		},
	}
}

func (fd *FD) readCond() *cond.Condition  { return fd.rCond }
func (fd *FD) writeCond() *cond.Condition { return fd.wCond }

// ReadCond exposes fd's read-wait condition for composition into a larger
// wait set, as the network condition task does across every registered
// device's FD plus every TCP port's timer condition (spec.md §4.9).
func (fd *FD) ReadCond() *cond.Condition { return fd.rCond }

// Lookup finds a previously-registered FD by its full path.
func Lookup(path string) (*FD, error) {
	registryMu.Lock()
	fd, ok := registry[path]
	registryMu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return fd, nil
}

// Unregister removes path from the registry, e.g. when a dynamic
// descriptor (a TCP socket under `\eth0\tcp\<n>`) is torn down.
func Unregister(path string) {
	registryMu.Lock()
	delete(registry, path)
	registryMu.Unlock()
}

// Children returns every registered path with the given prefix, for
// walking a device subtree (e.g. all sockets under `\eth0\tcp`).
func Children(prefix string) []*FD {
	registryMu.Lock()
	defer registryMu.Unlock()

	var out []*FD
	for p, fd := range registry {
		if strings.HasPrefix(p, prefix) {
			out = append(out, fd)
		}
	}
	return out
}

// Pool exposes the descriptor's buffer pool to protocol layers building
// packets directly (net/ipv4, net/tcp bypass the generic Read/Write path
// to avoid an extra copy).
func (fd *FD) Pool() *BufferData { return fd.pool }

// Chain links child onto head's fan-out chain: a write to head is
// mirrored to every chained sibling (spec.md §4.4). A descriptor may
// only be chained once and cannot itself already be a chain head of
// another chain.
func Chain(head, child *FD) error {
	if head.chainHead != nil {
		return ErrNotAChainHead
	}
	if child.chainHead != nil || child.chainNext != nil {
		return ErrAlreadyChained
	}

	head.mu.Lock()
	defer head.mu.Unlock()

	child.chainHead = head
	// append at the end of head's sibling list
	tail := head
	for tail.chainNext != nil {
		tail = tail.chainNext
	}
	tail.chainNext = child
	return nil
}

// IsChainHead reports whether fd has chained siblings.
func (fd *FD) IsChainHead() bool { return fd.chainHead == nil && fd.chainNext != nil }

// siblings returns fd itself followed by every chained descriptor, in
// chain order; a non-chained fd returns just itself.
func (fd *FD) siblings() []*FD {
	out := []*FD{fd}
	for n := fd.chainNext; n != nil; n = n.chainNext {
		out = append(out, n)
	}
	return out
}
