// Package kernel implements the cooperative task scheduler: the task
// control block, the priority + round-robin run queue, CPU-usage
// accounting, stack-paint overflow detection, and the central
// timeout-ordered sleep queue that the tick ISR services. See spec.md
// §4.2 and §4.3.
package kernel

import (
	"fmt"
	"sort"
	"sync"

	"github.com/kestrel-rtos/kestrel/config"
)

// State is one of the three positions a Task occupies in its lifecycle.
type State int

const (
	Runnable State = iota
	Suspended
	Finished
)

func (s State) String() string {
	switch s {
	case Runnable:
		return "runnable"
	case Suspended:
		return "suspended"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// Task is the kernel's task control block. Smaller Priority values run
// first; equal priorities round-robin.
type Task struct {
	Name     string
	Priority int

	stack []byte

	mu    sync.Mutex
	state State

	totalActiveTicks uint32
	lastActiveTick   uint32

	resumeCh chan struct{}
	yieldCh  chan struct{}

	seq uint64 // run-queue FIFO tiebreaker, reassigned on each enqueue
}

// State returns the task's current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// TotalActiveTicks returns the accumulated number of ticks this task has
// spent as the current task.
func (t *Task) TotalActiveTicks() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalActiveTicks
}

// UsageReset zeros this task's CPU-usage accumulator and rebases the
// sampling origin to the current tick.
func (t *Task) UsageReset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalActiveTicks = 0
	t.lastActiveTick = uint32(Now())
}

// StackWatermark scans the task's painted stack region from the
// low-address end and returns the number of bytes that are no longer the
// paint pattern — i.e. the deepest the stack has ever been observed to
// reach. A caller-paints-then-we-scan model mirrors the original
// firmware's stack-overflow diagnostic, adapted to a Go byte slice
// standing in for the real stack memory a bare-metal build would use.
func (t *Task) StackWatermark() int {
	for i, b := range t.stack {
		if b != config.StackPaintByte {
			return len(t.stack) - i
		}
	}
	return 0
}

// Overflowed reports whether the lowest byte of the painted stack region
// has been touched, which on a real target means the stack has grown
// into (or past) its reserved bound.
func (t *Task) Overflowed() bool {
	if len(t.stack) == 0 {
		return false
	}
	return t.stack[0] != config.StackPaintByte
}

// MarkRunnable implements cond.Task: it transitions the task back to
// runnable and re-enters the scheduler's run queue, unless it is already
// runnable or has finished.
func (t *Task) MarkRunnable() {
	t.mu.Lock()
	if t.state == Finished || t.state == Runnable {
		t.mu.Unlock()
		return
	}
	t.state = Runnable
	t.mu.Unlock()

	enqueueRunnable(t)
}

// Block implements cond.Task: it marks the task suspended, hands the CPU
// back to the scheduler loop, and waits to be resumed.
func (t *Task) Block() {
	t.mu.Lock()
	t.state = Suspended
	t.mu.Unlock()

	t.yieldCh <- struct{}{}
	<-t.resumeCh
}

// Sleep suspends the calling task for the given number of ticks. It is
// the kernel's sleep_fms primitive: a pure timeout wait on a condition
// that never independently wakes.
func (t *Task) Sleep(ticks Tick) {
	_ = WaitTimeout(t, ticks)
}

var (
	schedMu  sync.Mutex
	schedCnd = sync.NewCond(&schedMu)

	runnable []*Task
	allTasks []*Task
	current  *Task

	runSeq uint64
)

// Create registers a new task with the scheduler, in the Runnable state,
// with a freshly painted stack region of stackSize bytes. entry is run on
// its own goroutine once the scheduler hands it the CPU for the first
// time; it must eventually return (the task then becomes Finished) or
// loop forever suspending between iterations.
func Create(name string, priority int, stackSize int, entry func(*Task)) *Task {
	stack := make([]byte, stackSize)
	for i := range stack {
		stack[i] = config.StackPaintByte
	}

	t := &Task{
		Name:     name,
		Priority: priority,
		stack:    stack,
		state:    Runnable,
		resumeCh: make(chan struct{}),
		yieldCh:  make(chan struct{}),
	}

	schedMu.Lock()
	allTasks = append(allTasks, t)
	schedMu.Unlock()

	enqueueRunnable(t)

	go func() {
		<-t.resumeCh
		entry(t)

		t.mu.Lock()
		t.state = Finished
		t.mu.Unlock()

		t.yieldCh <- struct{}{}
	}()

	return t
}

// enqueueRunnable inserts t into the run queue ordered by Priority
// (smaller first), ties broken by FIFO arrival.
func enqueueRunnable(t *Task) {
	schedMu.Lock()
	defer schedMu.Unlock()

	runSeq++
	t.seq = runSeq

	i := sort.Search(len(runnable), func(i int) bool {
		if runnable[i].Priority != t.Priority {
			return runnable[i].Priority > t.Priority
		}
		return runnable[i].seq > t.seq
	})

	runnable = append(runnable, nil)
	copy(runnable[i+1:], runnable[i:])
	runnable[i] = t

	schedCnd.Signal()
}

// CurrentTask returns the task presently holding the CPU, or nil if
// called outside of Run's context (e.g. from an ISR).
func CurrentTask() *Task {
	schedMu.Lock()
	defer schedMu.Unlock()
	return current
}

// Tasks returns a snapshot of every registered task, for sysinfo's
// diagnostic dump.
func Tasks() []*Task {
	schedMu.Lock()
	defer schedMu.Unlock()
	return append([]*Task(nil), allTasks...)
}

// Run is the scheduler's idle loop: it repeatedly picks the
// highest-priority runnable task, hands it the CPU, and waits for it to
// suspend or finish, forever. It never returns.
func Run() {
	for {
		schedMu.Lock()
		for len(runnable) == 0 {
			schedCnd.Wait()
		}

		t := runnable[0]
		runnable = runnable[1:]
		current = t
		t.lastActiveTick = uint32(Now())
		schedMu.Unlock()

		t.resumeCh <- struct{}{}
		<-t.yieldCh

		if t.Overflowed() {
			panic(fmt.Sprintf("kernel: stack overflow detected in task %q", t.Name))
		}

		schedMu.Lock()
		t.totalActiveTicks += uint32(Now()) - t.lastActiveTick
		current = nil
		schedMu.Unlock()
	}
}
