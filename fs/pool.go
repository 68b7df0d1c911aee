package fs

import (
	"sync"

	"github.com/kestrel-rtos/kestrel/cond"
	"github.com/kestrel-rtos/kestrel/config"
)

// BufferKind selects which of BufferData's four queues an operation
// targets.
type BufferKind int

const (
	KindFree     BufferKind = iota // free single buffers
	KindListFree                   // free buffer-list heads
	KindRx                          // RX-ready lists
	KindTx                          // TX-pending lists
)

// GetFlag controls buffer_get/buffer_add semantics (spec.md §4.5).
type GetFlag uint8

const (
	// Inplace peeks the queue's front entry without dequeuing it.
	Inplace GetFlag = 1 << iota
	// Suspend blocks the caller until the threshold margin is met,
	// rather than failing immediately.
	Suspend
	// TH (threshold) pledges to leave the reserved margin behind; the
	// only way interrupt-adjacent paths may drain the pool further.
	TH
	// Head pushes an RX/TX buffer list onto the head of its queue
	// (out-of-band/priority delivery) instead of the tail.
	Head
)

// bufferQueue is a tiny singly-linked intrusive queue of *Buffer,
// counted for O(1) length checks.
type bufferQueue struct {
	head, tail *Buffer
	count      int
}

func (q *bufferQueue) pushTail(b *Buffer) {
	b.next = nil
	if q.tail == nil {
		q.head, q.tail = b, b
	} else {
		q.tail.next = b
		q.tail = b
	}
	q.count++
}

func (q *bufferQueue) pushHead(b *Buffer) {
	b.next = q.head
	q.head = b
	if q.tail == nil {
		q.tail = b
	}
	q.count++
}

func (q *bufferQueue) pop() *Buffer {
	if q.head == nil {
		return nil
	}
	b := q.head
	q.head = b.next
	if q.head == nil {
		q.tail = nil
	}
	b.next = nil
	q.count--
	return b
}

func (q *bufferQueue) peek() *Buffer { return q.head }

type listQueue struct {
	head, tail *BufferList
	count      int
}

func (q *listQueue) pushTail(l *BufferList) {
	l.next = nil
	if q.tail == nil {
		q.head, q.tail = l, l
	} else {
		q.tail.next = l
		q.tail = l
	}
	q.count++
}

func (q *listQueue) pushHead(l *BufferList) {
	l.next = q.head
	q.head = l
	if q.tail == nil {
		q.tail = l
	}
	q.count++
}

func (q *listQueue) pop() *BufferList {
	if q.head == nil {
		return nil
	}
	l := q.head
	q.head = l.next
	if q.head == nil {
		q.tail = nil
	}
	l.next = nil
	q.count--
	return l
}

func (q *listQueue) peek() *BufferList { return q.head }

// BufferData is the per-descriptor buffer pool: a fixed pre-allocated
// arena of single buffers and buffer-list heads, circulating between the
// four queues (free singles, free lists, RX-ready, TX-pending), plus the
// threshold margin below which SUSPEND/TH-honouring allocations block or
// are refused. See spec.md §3 and §4.5.
type BufferData struct {
	fd *FD

	mu sync.Mutex

	bufferSize int

	freeBuffers bufferQueue
	freeLists   listQueue
	rxLists     listQueue
	txLists     listQueue

	thresholdBuffers int
	thresholdLists   int

	// watermarkBuffersUsed/watermarkListsUsed track the highest observed
	// in-use count for each pool, a supplemented diagnostic feature
	// (SPEC_FULL.md §6) grounded on the original firmware's buffer
	// statistics, surfaced by package sysinfo.
	numBuffers     int
	numLists       int
	watermarkBufs  int
	watermarkLists int

	// cond is the condition threshold-waiters suspend on; its predicate
	// is threshold-aware free-buffer/free-list availability.
	cond *cond.Condition
}

// NewBufferData allocates a pool of numBuffers singles of bufferSize
// bytes each and numLists list heads, all initially free, reserving
// thresholdBuffers/thresholdLists as the back-pressure margin.
func NewBufferData(fd *FD, numBuffers, bufferSize, numLists, thresholdBuffers, thresholdLists int) *BufferData {
	bd := &BufferData{
		fd:               fd,
		bufferSize:       bufferSize,
		thresholdBuffers: thresholdBuffers,
		thresholdLists:   thresholdLists,
		numBuffers:       numBuffers,
		numLists:         numLists,
	}

	for i := 0; i < numBuffers; i++ {
		bd.freeBuffers.pushTail(newBuffer(make([]byte, bufferSize)))
	}
	for i := 0; i < numLists; i++ {
		bd.freeLists.pushTail(&BufferList{fd: fd})
	}

	bd.cond = &cond.Condition{
		Data:   bd,
		Lock:   func(any) { bd.mu.Lock() },
		Unlock: func(any) { bd.mu.Unlock() },
		DoSuspend: func(data any, param any) bool {
			bd := data.(*BufferData)
			req := param.(thresholdRequest)
			return !bd.meetsThresholdLocked(req)
		},
	}

	return bd
}

type thresholdRequest struct {
	buffers bool // true: waiting on buffer margin; false: waiting on list margin
}

func (bd *BufferData) meetsThresholdLocked(req thresholdRequest) bool {
	if req.buffers {
		return bd.freeBuffers.count > bd.thresholdBuffers
	}
	return bd.freeLists.count > bd.thresholdLists
}

// ThresholdLocked reports whether the pool is below its reserved margin
// on either queue — spec.md §4.5's "the only back-pressure mechanism the
// system has."
func (bd *BufferData) ThresholdLocked() bool {
	bd.mu.Lock()
	defer bd.mu.Unlock()
	return bd.freeBuffers.count <= bd.thresholdBuffers || bd.freeLists.count <= bd.thresholdLists
}

// FreeBufferCount / FreeListCount report current occupancy, for sysinfo
// and for tests asserting the invariants in spec.md §8.
func (bd *BufferData) FreeBufferCount() int {
	bd.mu.Lock()
	defer bd.mu.Unlock()
	return bd.freeBuffers.count
}

func (bd *BufferData) FreeListCount() int {
	bd.mu.Lock()
	defer bd.mu.Unlock()
	return bd.freeLists.count
}

func (bd *BufferData) RxCount() int {
	bd.mu.Lock()
	defer bd.mu.Unlock()
	return bd.rxLists.count
}

func (bd *BufferData) TxCount() int {
	bd.mu.Lock()
	defer bd.mu.Unlock()
	return bd.txLists.count
}

// GetBuffer removes (or, with Inplace, peeks) one single buffer from the
// free queue, respecting TH/SUSPEND semantics.
func (bd *BufferData) GetBuffer(task cond.Task, flags GetFlag) (*Buffer, error) {
	margin := bd.thresholdBuffers
	if flags&TH != 0 {
		margin++
	}

	bd.mu.Lock()
	if bd.freeBuffers.count <= margin {
		if flags&Suspend != 0 {
			bd.mu.Unlock()

			s := &cond.Suspend{Task: task, Param: thresholdRequest{buffers: true}}
			if err := cond.SuspendCondition([]*cond.Condition{bd.cond}, []*cond.Suspend{s}, nil); err != nil {
				return nil, err
			}

			bd.mu.Lock()
		} else if bd.freeBuffers.count == 0 {
			bd.mu.Unlock()
			return nil, ErrNoSpace
		}
	}
	defer bd.mu.Unlock()

	if flags&Inplace != 0 {
		return bd.freeBuffers.peek(), nil
	}

	b := bd.freeBuffers.pop()
	if b == nil {
		return nil, ErrNoSpace
	}
	bd.trackBufferUseLocked()
	return b, nil
}

func (bd *BufferData) trackBufferUseLocked() {
	used := bd.numBuffers - bd.freeBuffers.count
	if used > bd.watermarkBufs {
		bd.watermarkBufs = used
	}
}

func (bd *BufferData) trackListUseLocked() {
	used := bd.numLists - bd.freeLists.count
	if used > bd.watermarkLists {
		bd.watermarkLists = used
	}
}

// PutBuffer returns a single buffer to the free queue.
func (bd *BufferData) PutBuffer(b *Buffer) {
	b.reset()

	bd.mu.Lock()
	bd.freeBuffers.pushTail(b)
	bd.mu.Unlock()

	cond.ResumeCondition(bd.cond, &cond.Resume{
		DoResume: func(_ any, param any) bool {
			req := param.(thresholdRequest)
			return req.buffers && bd.meetsThresholdLocked(req)
		},
	}, false)
}

// GetList removes (or peeks) one list head from the free-lists queue.
func (bd *BufferData) GetList(task cond.Task, flags GetFlag) (*BufferList, error) {
	margin := bd.thresholdLists
	if flags&TH != 0 {
		margin++
	}

	bd.mu.Lock()
	if bd.freeLists.count <= margin {
		if flags&Suspend != 0 {
			bd.mu.Unlock()

			s := &cond.Suspend{Task: task, Param: thresholdRequest{buffers: false}}
			if err := cond.SuspendCondition([]*cond.Condition{bd.cond}, []*cond.Suspend{s}, nil); err != nil {
				return nil, err
			}

			bd.mu.Lock()
		} else if bd.freeLists.count == 0 {
			bd.mu.Unlock()
			return nil, ErrNoSpace
		}
	}
	defer bd.mu.Unlock()

	if flags&Inplace != 0 {
		return bd.freeLists.peek(), nil
	}

	l := bd.freeLists.pop()
	if l == nil {
		return nil, ErrNoSpace
	}
	bd.trackListUseLocked()
	return l, nil
}

// PutList returns a list head (already emptied of its singles by the
// caller) to the free-lists queue, first invoking its Free callback if
// set. If Free returns true ("kept"), the list is not actually returned —
// TCP retransmission uses this to withhold a buffer it still needs.
func (bd *BufferData) PutList(l *BufferList) {
	if l.Free != nil {
		if l.Free(l) {
			return
		}
	}

	l.head, l.tail, l.totalLength, l.Free, l.FreeData = nil, nil, 0, nil, nil

	bd.mu.Lock()
	bd.freeLists.pushTail(l)
	bd.mu.Unlock()

	cond.ResumeCondition(bd.cond, &cond.Resume{
		DoResume: func(_ any, param any) bool {
			req := param.(thresholdRequest)
			return !req.buffers && bd.meetsThresholdLocked(req)
		},
	}, false)
}

// GetRx / PutRx / GetTx / PutTx move whole buffer lists between the
// RX-ready and TX-pending queues. Head delivery (GetFlag Head on Put)
// supports ISR out-of-band priority injection.
func (bd *BufferData) GetRx(flags GetFlag) *BufferList {
	bd.mu.Lock()
	defer bd.mu.Unlock()
	if flags&Inplace != 0 {
		return bd.rxLists.peek()
	}
	return bd.rxLists.pop()
}

func (bd *BufferData) PutRx(l *BufferList, flags GetFlag) {
	bd.mu.Lock()
	if flags&Head != 0 {
		bd.rxLists.pushHead(l)
	} else {
		bd.rxLists.pushTail(l)
	}
	bd.mu.Unlock()

	cond.PendingPing(bd.fd.readCond())
	cond.ResumeCondition(bd.fd.readCond(), &cond.Resume{
		DoResume: func(any, any) bool { return true },
	}, false)
}

func (bd *BufferData) GetTx(flags GetFlag) *BufferList {
	bd.mu.Lock()
	defer bd.mu.Unlock()
	if flags&Inplace != 0 {
		return bd.txLists.peek()
	}
	return bd.txLists.pop()
}

func (bd *BufferData) PutTx(l *BufferList, flags GetFlag) {
	bd.mu.Lock()
	if flags&Head != 0 {
		bd.txLists.pushHead(l)
	} else {
		bd.txLists.pushTail(l)
	}
	bd.mu.Unlock()
}

// WatermarkBuffers / WatermarkLists report the highest simultaneous
// in-use count observed, the supplemented diagnostic from
// SPEC_FULL.md §6.
func (bd *BufferData) WatermarkBuffers() int {
	bd.mu.Lock()
	defer bd.mu.Unlock()
	return bd.watermarkBufs
}

func (bd *BufferData) WatermarkLists() int {
	bd.mu.Lock()
	defer bd.mu.Unlock()
	return bd.watermarkLists
}

// defaultPool builds a BufferData sized from package config, used by
// drivers that don't need a custom pool size.
func defaultPool(fd *FD) *BufferData {
	return NewBufferData(fd,
		config.DefaultNumBuffers, config.DefaultBufferSize,
		config.DefaultNumBufferLists,
		config.DefaultThresholdBuffers, config.DefaultThresholdLists,
	)
}
