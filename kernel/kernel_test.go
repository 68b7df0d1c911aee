package kernel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kestrel-rtos/kestrel/cond"
)

// resetScheduler clears package-level state between tests. The real
// firmware never re-initializes the scheduler (spec.md §9), but tests
// need isolation.
func resetScheduler() {
	schedMu.Lock()
	runnable = nil
	allTasks = nil
	current = nil
	schedMu.Unlock()

	sleepMu.Lock()
	sleepQueue = nil
	sleepMu.Unlock()

	currentTick.Store(0)
}

func TestPriorityOrdering(t *testing.T) {
	resetScheduler()

	var order []string
	done := make(chan struct{})

	Create("low", 5, 256, func(t *Task) {
		order = append(order, "low")
		done <- struct{}{}
	})
	Create("high", 1, 256, func(t *Task) {
		order = append(order, "high")
		done <- struct{}{}
	})
	Create("mid", 3, 256, func(t *Task) {
		order = append(order, "mid")
		done <- struct{}{}
	})

	go Run()

	<-done
	<-done
	<-done

	require.Equal(t, []string{"high", "mid", "low"}, order)
}

func TestStackOverflowDetection(t *testing.T) {
	task := &Task{
		Name:  "x",
		stack: []byte{0xA5, 0xA5, 0xA5},
	}
	require.False(t, task.Overflowed())
	require.Equal(t, 0, task.StackWatermark())

	task.stack[0] = 0x00
	require.True(t, task.Overflowed())
	require.Equal(t, 3, task.StackWatermark())
}

func TestSleepingTaskRunsToCompletion(t *testing.T) {
	resetScheduler()

	done := make(chan struct{})
	task := Create("worker", 1, 256, func(t *Task) {
		t.Sleep(Tick(3))
		done <- struct{}{}
	})

	go Run()

	for i := 0; i < 5; i++ {
		time.Sleep(time.Millisecond)
		TickISR()
	}

	<-done
	require.Equal(t, Finished, task.State())
}

func TestWaitTimeoutDeliversErrTimeout(t *testing.T) {
	resetScheduler()

	errCh := make(chan error, 1)
	Create("waiter", 1, 256, func(t *Task) {
		errCh <- WaitTimeout(t, Tick(2))
	})

	go Run()

	for i := 0; i < 4; i++ {
		time.Sleep(time.Millisecond)
		TickISR()
	}

	err := <-errCh
	require.ErrorIs(t, err, cond.ErrTimeout)
}
