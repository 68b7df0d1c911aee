package cond

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeTask is a minimal Task used to test suspend/resume without pulling
// in the kernel package (which itself depends on cond).
type fakeTask struct {
	mu      sync.Mutex
	blocked chan struct{}
	runOnce sync.Once
}

func newFakeTask() *fakeTask {
	return &fakeTask{blocked: make(chan struct{})}
}

func (t *fakeTask) Block() {
	<-t.blocked
}

func (t *fakeTask) MarkRunnable() {
	t.runOnce.Do(func() { close(t.blocked) })
}

func TestSuspendConditionImmediateSuccess(t *testing.T) {
	var data int
	c := &Condition{
		Data: &data,
		DoSuspend: func(d any, _ any) bool {
			return *d.(*int) == 0
		},
	}
	data = 1

	s := &Suspend{Task: newFakeTask()}
	err := SuspendCondition([]*Condition{c}, []*Suspend{s}, nil)
	require.NoError(t, err)
	require.Equal(t, 0, c.Len())
}

func TestSuspendConditionBlocksThenResumes(t *testing.T) {
	var mu sync.Mutex
	ready := false

	c := &Condition{
		Lock:   func(any) { mu.Lock() },
		Unlock: func(any) { mu.Unlock() },
		DoSuspend: func(any, any) bool {
			return !ready
		},
	}

	task := newFakeTask()
	s := &Suspend{Task: task}

	done := make(chan error, 1)
	go func() {
		done <- SuspendCondition([]*Condition{c}, []*Suspend{s}, nil)
	}()

	// Give the suspending goroutine time to enqueue.
	for c.Len() == 0 {
	}

	mu.Lock()
	ready = true
	mu.Unlock()

	ResumeCondition(c, &Resume{
		DoResume: func(any, any) bool { return true },
	}, false)

	err := <-done
	require.NoError(t, err)
	require.Equal(t, 0, c.Len())
}

func TestResumeConditionPriorityOrder(t *testing.T) {
	c := &Condition{
		DoSuspend: func(any, any) bool { return true },
	}

	var order []int
	var orderMu sync.Mutex

	makeWaiter := func(prio int) (*Suspend, *fakeTask) {
		task := newFakeTask()
		s := &Suspend{Task: wrappedTask{task, func() {
			orderMu.Lock()
			order = append(order, prio)
			orderMu.Unlock()
		}}, Priority: prio}
		return s, task
	}

	s1, _ := makeWaiter(5)
	s2, _ := makeWaiter(1)
	s3, _ := makeWaiter(3)

	var wg sync.WaitGroup
	for _, s := range []*Suspend{s1, s2, s3} {
		wg.Add(1)
		go func(s *Suspend) {
			defer wg.Done()
			SuspendCondition([]*Condition{c}, []*Suspend{s}, nil)
		}(s)
	}

	for c.Len() != 3 {
	}

	ResumeCondition(c, &Resume{DoResume: func(any, any) bool { return true }}, false)
	wg.Wait()

	require.Equal(t, []int{1, 3, 5}, order)
}

// wrappedTask lets the priority-order test observe wake order without a
// real scheduler.
type wrappedTask struct {
	*fakeTask
	onWake func()
}

func (w wrappedTask) MarkRunnable() {
	w.onWake()
	w.fakeTask.MarkRunnable()
}

func TestResumeConditionPing(t *testing.T) {
	c := &Condition{
		DoSuspend: func(any, any) bool { return true },
	}

	task := newFakeTask()
	s := &Suspend{Task: task}

	done := make(chan error, 1)
	go func() {
		done <- SuspendCondition([]*Condition{c}, []*Suspend{s}, nil)
	}()

	for c.Len() == 0 {
	}

	PendingPing(c)
	// DoResume rejects everyone, but PING guarantees a wake.
	ResumeCondition(c, &Resume{DoResume: func(any, any) bool { return false }}, false)

	err := <-done
	require.NoError(t, err)
}

func TestCompoundWaitWakesAllMembers(t *testing.T) {
	c1 := &Condition{DoSuspend: func(any, any) bool { return true }}
	c2 := &Condition{DoSuspend: func(any, any) bool { return true }}

	task := newFakeTask()
	s1 := &Suspend{Task: task}
	s2 := &Suspend{Task: task}

	done := make(chan error, 1)
	go func() {
		done <- SuspendCondition([]*Condition{c1, c2}, []*Suspend{s1, s2}, nil)
	}()

	for c1.Len() == 0 || c2.Len() == 0 {
	}

	// Waking only c2 must also remove the sibling suspend from c1.
	ResumeCondition(c2, &Resume{DoResume: func(any, any) bool { return true }}, false)

	err := <-done
	require.NoError(t, err)
	require.Equal(t, 0, c1.Len())
	require.Equal(t, 0, c2.Len())
}

func TestCancelDeliversStatus(t *testing.T) {
	c := &Condition{DoSuspend: func(any, any) bool { return true }}
	task := newFakeTask()
	s := &Suspend{Task: task}

	done := make(chan error, 1)
	go func() {
		done <- SuspendCondition([]*Condition{c}, []*Suspend{s}, nil)
	}()

	for c.Len() == 0 {
	}

	Cancel(s, ErrTimeout)

	err := <-done
	require.ErrorIs(t, err, ErrTimeout)
}
