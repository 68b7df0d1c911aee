package kernel

import (
	"sort"
	"sync"

	"github.com/kestrel-rtos/kestrel/cond"
)

// ConditionWait pairs a cond.Condition with the parameters Wait needs to
// build a matching cond.Suspend: the predicate parameter, the
// priority-ordered wake-up position, and whether the caller already holds
// the condition's lock.
type ConditionWait struct {
	Cond      *cond.Condition
	Param     any
	Priority  int
	PreLocked bool
}

// Wait blocks task on every condition in waits simultaneously (the
// compound wait the network condition task uses, spec §4.9), honouring an
// optional timeout. A timeout of MaxWait never expires. Returns nil on a
// predicate-satisfied wake, cond.ErrTimeout on expiry, or another error
// if some Resume delivered one (e.g. NET_CLOSED).
func Wait(task *Task, waits []ConditionWait, timeout Tick) error {
	conditions := make([]*cond.Condition, len(waits))
	suspends := make([]*cond.Suspend, len(waits))
	preLocked := make([]bool, len(waits))

	for i, w := range waits {
		conditions[i] = w.Cond
		preLocked[i] = w.PreLocked
		suspends[i] = &cond.Suspend{
			Task:           task,
			Param:          w.Param,
			Priority:       w.Priority,
			Timeout:        uint32(timeout),
			TimeoutEnabled: timeout != MaxWait,
		}
	}

	if timeout != MaxWait {
		arm := func(s *cond.Suspend) {
			registerTimeout(s, timeout)
		}
		for _, s := range suspends {
			s.OnQueued = arm
		}
	}

	return cond.SuspendCondition(conditions, suspends, preLocked)
}

// neverCondition is a degenerate Condition whose predicate always demands
// suspension and is never independently resolved by a Resume — used by
// WaitTimeout (and Task.Sleep) to express a pure timeout wait.
var neverCondition = &cond.Condition{
	DoSuspend: func(any, any) bool { return true },
}

// WaitTimeout suspends task until the given number of ticks elapse, with
// no other wake condition. It is the building block for Task.Sleep and
// for any blocking I/O path that only needs a deadline.
func WaitTimeout(task *Task, timeout Tick) error {
	return Wait(task, []ConditionWait{{Cond: neverCondition}}, timeout)
}

// sleepEntry is one pending timeout registration in the central sleep
// queue, ordered by Deadline (wrap-aware).
type sleepEntry struct {
	deadline Tick
	suspend  *cond.Suspend
}

var (
	sleepMu    sync.Mutex
	sleepQueue []*sleepEntry
)

// registerTimeout inserts s into the central sleep queue, ordered by
// deadline. TickISR drains expired entries on every tick.
func registerTimeout(s *cond.Suspend, timeout Tick) {
	deadline := Now() + timeout

	e := &sleepEntry{deadline: deadline, suspend: s}

	sleepMu.Lock()
	defer sleepMu.Unlock()

	i := sort.Search(len(sleepQueue), func(i int) bool {
		return After(sleepQueue[i].deadline, deadline) || sleepQueue[i].deadline == deadline
	})
	sleepQueue = append(sleepQueue, nil)
	copy(sleepQueue[i+1:], sleepQueue[i:])
	sleepQueue[i] = e
}

// TickISR is called by the platform timer ISR once per system tick. It
// advances the tick counter and resumes every suspend whose deadline has
// passed, delivering cond.ErrTimeout. Resuming an already-resolved
// suspend (woken by something else first) is a harmless no-op, since
// cond.Cancel is idempotent per suspend group.
func TickISR() {
	now := advanceTick()

	sleepMu.Lock()
	i := 0
	for i < len(sleepQueue) && !After(sleepQueue[i].deadline, now) {
		i++
	}
	due := sleepQueue[:i]
	sleepQueue = sleepQueue[i:]
	sleepMu.Unlock()

	for _, e := range due {
		cond.Cancel(e.suspend, cond.ErrTimeout)
	}
}
