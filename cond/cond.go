// Package cond implements the kernel's wait-queue triplet: Condition,
// Suspend and Resume. This is the one blocking primitive every higher
// layer (sleep, semaphore, descriptor I/O, TCP accept/read/write) is
// expressed in terms of. It is deliberately not built on sync.Cond or
// channels: wake-up must be priority-ordered (not FIFO-only) and timeouts
// must surface as a status value rather than a second select case at every
// call site.
package cond

import (
	"errors"
	"sort"
	"sync"
)

// Sentinel statuses delivered through Suspend.Status.
var (
	// ErrTimeout is delivered when a Suspend's timeout tick elapses
	// before it is resumed by anything else.
	ErrTimeout = errors.New("cond: condition timeout")
)

// Task is the minimal view cond needs of a schedulable unit of work. The
// kernel package's *Task satisfies this.
type Task interface {
	// MarkRunnable transitions the task back to the runnable state and
	// re-enters it into the scheduler's run queue.
	MarkRunnable()
	// Block transitions the task to the suspended state and yields; it
	// must not return until some Resume call has processed this task's
	// suspend group.
	Block()
}

// Condition owns whatever data its predicate reads, the lock/unlock pair
// guarding that data, and the suspend predicate itself. Sleep, semaphore
// obtain, and every blocking I/O wait are all expressed as a Condition.
type Condition struct {
	// Data is opaque state the predicate and lock/unlock operate on
	// (e.g. a *BufferData, a *TCPPort).
	Data any

	// Lock and Unlock guard Data. Either may be nil if the condition
	// needs no external locking (callers pre-lock via preLocked, or the
	// predicate is lock-free).
	Lock   func(data any)
	Unlock func(data any)

	// DoSuspend is re-tested atomically under Lock at the start of
	// SuspendCondition. It returns true if the caller must actually
	// block (the awaited state has not yet arrived).
	DoSuspend func(data any, suspendParam any) bool

	mu    sync.Mutex
	ping  bool
	queue []*waiter
}

// waiter is one condition's queue entry: the per-condition Suspend plus
// insertion order, used to break priority ties FIFO.
type waiter struct {
	s   *Suspend
	seq uint64
}

var (
	seqMu      sync.Mutex
	seqCounter uint64
)

func nextSeq() uint64 {
	seqMu.Lock()
	defer seqMu.Unlock()
	seqCounter++
	return seqCounter
}

// group links the (possibly many) per-condition Suspend records created
// by a single SuspendCondition call for one task: whichever condition
// wakes its member first must remove every other member from its queue,
// and the status delivered to the one that fired is the status the whole
// call returns.
type group struct {
	mu       sync.Mutex
	resolved bool
	status   error
	members  []*Suspend
}

// Suspend binds one task to one condition within a (possibly compound)
// wait. The network condition task (spec §4.9) passes several Suspends,
// one per device/port condition, joined into the same wait by sharing a
// group — callers never construct a group directly, SuspendCondition does
// it internally.
type Suspend struct {
	Task Task

	// Param is read by the owning condition's DoSuspend predicate and by
	// a Resume's DoResume filter.
	Param any

	// Timeout, when TimeoutEnabled, is a tick value. SuspendCondition
	// arms no timer for it itself; the Suspend is resumed with
	// ErrTimeout only when an OnQueued hook registers it with the
	// kernel's central sleep queue, as kernel.Wait/WaitTimeout do.
	Timeout        uint32
	TimeoutEnabled bool

	// Priority orders wake-up among waiters on the same condition:
	// smaller values first, ties broken by FIFO arrival order.
	Priority int

	// Status carries the result delivered by whichever Resume woke this
	// suspend group (nil on success), or ErrTimeout.
	Status error

	// OnQueued, if set, is invoked once this suspend has been durably
	// enqueued on its condition (before any locks taken for this call
	// are released). package kernel uses this hook to register
	// timeout-enabled suspends with the central sleep queue without
	// cond needing to depend on kernel.
	OnQueued func(*Suspend)

	grp *group
	c   *Condition
}

// Resume is the wake-up request handed to ResumeCondition.
type Resume struct {
	// DoResume decides, for each waiting Suspend in priority order,
	// whether it should be woken. resumeParam is Resume.Param;
	// suspendParam is the matching Suspend.Param.
	DoResume func(resumeParam any, suspendParam any) bool

	Param any

	// Status is copied into every woken suspend group's Status (nil on
	// success).
	Status error
}

// PendingPing arms a one-shot PING flag on a condition, normally from
// inside a critical section in an ISR, guaranteeing the next
// ResumeCondition call wakes at least one waiter even if DoResume would
// otherwise reject everybody.
func PendingPing(c *Condition) {
	c.mu.Lock()
	c.ping = true
	c.mu.Unlock()
}

// SuspendCondition atomically re-tests each condition's predicate and, if
// every one requires blocking, enqueues suspends[i] on conditions[i] for
// every i, then yields. See spec.md §4.3 for the exact contract.
//
// preLocked[i], if true, means the caller already holds conditions[i]'s
// lock and SuspendCondition must not call Lock/Unlock for it itself; the
// lock is re-acquired for the caller on return in that case.
func SuspendCondition(conditions []*Condition, suspends []*Suspend, preLocked []bool) error {
	if len(conditions) != len(suspends) {
		panic("cond: conditions/suspends length mismatch")
	}

	lockedHere := make([]bool, len(conditions))
	for i, c := range conditions {
		if preLocked == nil || !preLocked[i] {
			if c.Lock != nil {
				c.Lock(c.Data)
			}
			lockedHere[i] = true
		}
	}

	mustSuspend := true
	for i, c := range conditions {
		if !c.DoSuspend(c.Data, suspends[i].Param) {
			mustSuspend = false
			break
		}
	}

	if !mustSuspend {
		for i, c := range conditions {
			if lockedHere[i] && c.Unlock != nil {
				c.Unlock(c.Data)
			}
		}
		return nil
	}

	g := &group{members: append([]*Suspend(nil), suspends...)}

	var task Task
	for i, s := range suspends {
		s.grp = g
		s.c = conditions[i]
		if s.Task != nil {
			task = s.Task
		}
		enqueue(conditions[i], s)
		if s.OnQueued != nil {
			s.OnQueued(s)
		}
	}

	// Unlock every condition this call itself locked, now that the
	// suspend group is durably queued, then yield. The waker dequeues
	// every group member before marking the task runnable, so there is
	// no lost-wakeup window between unlock and block.
	for i, c := range conditions {
		if lockedHere[i] && c.Unlock != nil {
			c.Unlock(c.Data)
		}
	}

	if task != nil {
		task.Block()
	}

	for i, c := range conditions {
		if preLocked != nil && preLocked[i] && c.Lock != nil {
			c.Lock(c.Data)
		}
	}

	g.mu.Lock()
	status := g.status
	g.mu.Unlock()

	return status
}

// enqueue inserts s into c's waiter queue ordered by s.Priority (smaller
// first), ties broken by insertion order.
func enqueue(c *Condition, s *Suspend) {
	w := &waiter{s: s, seq: nextSeq()}

	c.mu.Lock()
	defer c.mu.Unlock()

	i := sort.Search(len(c.queue), func(i int) bool {
		if c.queue[i].s.Priority != s.Priority {
			return c.queue[i].s.Priority > s.Priority
		}
		return c.queue[i].seq > w.seq
	})

	c.queue = append(c.queue, nil)
	copy(c.queue[i+1:], c.queue[i:])
	c.queue[i] = w
}

func removeWaiter(c *Condition, s *Suspend) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, w := range c.queue {
		if w.s == s {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}

// ResumeCondition walks condition's suspend queue and wakes everyone
// resume.DoResume accepts, in priority order. If locked is false, the
// condition's own Lock/Unlock bracket the walk.
func ResumeCondition(c *Condition, resume *Resume, locked bool) {
	if !locked && c.Lock != nil {
		c.Lock(c.Data)
		defer c.Unlock(c.Data)
	}

	c.mu.Lock()
	ping := c.ping
	c.ping = false
	queue := append([]*waiter(nil), c.queue...)
	c.mu.Unlock()

	wokeAny := false

	for _, w := range queue {
		s := w.s

		if isResolved(s) {
			continue
		}

		if resume.DoResume != nil && !resume.DoResume(resume.Param, s.Param) {
			continue
		}

		wake(s, resume.Status)
		wokeAny = true
	}

	if ping && !wokeAny {
		c.mu.Lock()
		var first *waiter
		if len(c.queue) > 0 {
			first = c.queue[0]
		}
		c.mu.Unlock()

		if first != nil {
			wake(first.s, resume.Status)
		}
	}
}

func isResolved(s *Suspend) bool {
	s.grp.mu.Lock()
	defer s.grp.mu.Unlock()
	return s.grp.resolved
}

// wake resolves s's whole group exactly once: every member Suspend is
// dequeued from its own condition, the status is stamped, and the shared
// task (if any) is marked runnable.
func wake(s *Suspend, status error) {
	g := s.grp

	g.mu.Lock()
	if g.resolved {
		g.mu.Unlock()
		return
	}
	g.resolved = true
	g.status = status
	members := append([]*Suspend(nil), g.members...)
	g.mu.Unlock()

	var task Task
	for _, m := range members {
		removeWaiter(m.c, m)
		m.Status = status
		if m.Task != nil {
			task = m.Task
		}
	}

	if task != nil {
		task.MarkRunnable()
	}
}

// Len returns the number of suspends currently queued on c, used by tests
// and by fs's DATA_AVAILABLE bookkeeping.
func (c *Condition) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Cancel forcibly resolves s's group with the given status, as used by
// tcp_close to wake blocked accept/read/write callers with NET_CLOSED.
// It is the only external-cancellation path cond exposes.
func Cancel(s *Suspend, status error) {
	if s.grp == nil {
		return
	}
	wake(s, status)
}
