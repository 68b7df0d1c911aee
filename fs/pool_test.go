package fs

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeTask is a minimal cond.Task usable from package fs tests without
// importing kernel (which would create an import cycle through cond).
type fakeTask struct {
	mu      sync.Mutex
	blocked chan struct{}
}

func newFakeTask() *fakeTask { return &fakeTask{blocked: make(chan struct{}, 1)} }

func (f *fakeTask) MarkRunnable() {
	select {
	case f.blocked <- struct{}{}:
	default:
	}
}

func (f *fakeTask) Block() { <-f.blocked }

func TestBufferDataGetPutRoundTrip(t *testing.T) {
	fd := &FD{Path: "\\test"}
	bd := NewBufferData(fd, 2, 8, 2, 0, 0)
	fd.pool = bd

	require.Equal(t, 2, bd.FreeBufferCount())

	b, err := bd.GetBuffer(nil, 0)
	require.NoError(t, err)
	require.Equal(t, 1, bd.FreeBufferCount())

	bd.PutBuffer(b)
	require.Equal(t, 2, bd.FreeBufferCount())
}

func TestBufferDataExhaustionWithoutSuspendFails(t *testing.T) {
	fd := &FD{Path: "\\test"}
	bd := NewBufferData(fd, 1, 8, 1, 0, 0)
	fd.pool = bd

	_, err := bd.GetBuffer(nil, 0)
	require.NoError(t, err)

	_, err = bd.GetBuffer(nil, 0)
	require.ErrorIs(t, err, ErrNoSpace)
}

func TestBufferDataThresholdLockedBelowMargin(t *testing.T) {
	fd := &FD{Path: "\\test"}
	bd := NewBufferData(fd, 3, 8, 3, 1, 1)
	fd.pool = bd

	require.False(t, bd.ThresholdLocked())

	_, err := bd.GetBuffer(nil, 0)
	require.NoError(t, err)
	_, err = bd.GetBuffer(nil, 0)
	require.NoError(t, err)

	require.True(t, bd.ThresholdLocked(), "only the reserved margin remains")
}

func TestBufferDataSuspendWakesOnPut(t *testing.T) {
	fd := &FD{Path: "\\test"}
	bd := NewBufferData(fd, 1, 8, 1, 0, 0)
	fd.pool = bd

	held, err := bd.GetBuffer(nil, 0)
	require.NoError(t, err)

	task := newFakeTask()
	done := make(chan struct{})
	var got *Buffer
	var getErr error

	go func() {
		got, getErr = bd.GetBuffer(task, Suspend)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("GetBuffer returned before any buffer was freed")
	default:
	}

	bd.PutBuffer(held)
	<-done

	require.NoError(t, getErr)
	require.NotNil(t, got)
}

func TestBufferDataWatermarkTracksPeakUsage(t *testing.T) {
	fd := &FD{Path: "\\test"}
	bd := NewBufferData(fd, 4, 8, 4, 0, 0)
	fd.pool = bd

	a, _ := bd.GetBuffer(nil, 0)
	b, _ := bd.GetBuffer(nil, 0)
	require.Equal(t, 2, bd.WatermarkBuffers())

	bd.PutBuffer(a)
	require.Equal(t, 2, bd.WatermarkBuffers(), "watermark must not decrease on free")

	bd.PutBuffer(b)
}

func TestPutListInvokesFreeCallbackToWithhold(t *testing.T) {
	fd := &FD{Path: "\\test"}
	bd := NewBufferData(fd, 2, 8, 2, 0, 0)
	fd.pool = bd

	l, err := bd.GetList(nil, 0)
	require.NoError(t, err)
	require.Equal(t, 1, bd.FreeListCount())

	kept := false
	l.Free = func(*BufferList) bool {
		kept = true
		return true
	}

	bd.PutList(l)
	require.True(t, kept)
	require.Equal(t, 1, bd.FreeListCount(), "withheld list must not return to the free queue")
}

func TestRxQueueFIFOOrder(t *testing.T) {
	fd := &FD{Path: "\\test"}
	fd.installConditions()
	bd := NewBufferData(fd, 4, 8, 4, 0, 0)
	fd.pool = bd

	l1 := &BufferList{fd: fd}
	require.NoError(t, l1.PushTail([]byte("first")))
	l2 := &BufferList{fd: fd}
	require.NoError(t, l2.PushTail([]byte("second")))

	bd.PutRx(l1, 0)
	bd.PutRx(l2, 0)

	require.Equal(t, 2, bd.RxCount())
	got := bd.GetRx(0)
	out := make([]byte, got.Len())
	require.NoError(t, got.PeekHead(out))
	require.Equal(t, "first", string(out))
}

func TestRxQueueHeadInjectionJumpsQueue(t *testing.T) {
	fd := &FD{Path: "\\test"}
	fd.installConditions()
	bd := NewBufferData(fd, 4, 8, 4, 0, 0)
	fd.pool = bd

	l1 := &BufferList{fd: fd}
	require.NoError(t, l1.PushTail([]byte("normal")))
	l2 := &BufferList{fd: fd}
	require.NoError(t, l2.PushTail([]byte("urgent")))

	bd.PutRx(l1, 0)
	bd.PutRx(l2, Head)

	got := bd.GetRx(0)
	out := make([]byte, got.Len())
	require.NoError(t, got.PeekHead(out))
	require.Equal(t, "urgent", string(out))
}
