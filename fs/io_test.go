package fs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newOpenFD(t *testing.T, path string) *FD {
	t.Helper()
	fd := Register(path, &Ops{})
	t.Cleanup(func() { Unregister(path) })
	return fd
}

func TestOpenCloseLifecycle(t *testing.T) {
	opened := false
	closed := false
	fd := Register("\\test\\io1", &Ops{
		Open:  func(fd *FD, flags OpenFlag) error { opened = true; return nil },
		Close: func(fd *FD) error { closed = true; return nil },
	})
	defer Unregister("\\test\\io1")

	got, err := Open("\\test\\io1", OpenRead|OpenWrite)
	require.NoError(t, err)
	require.Same(t, fd, got)
	require.True(t, opened)

	require.NoError(t, Close(fd))
	require.True(t, closed)

	require.NoError(t, Close(fd), "closing twice must be a no-op")
}

func TestReadDeliversErrClosedToBlockedReader(t *testing.T) {
	fd := newOpenFD(t, "\\test\\io2")

	task := newFakeTask()
	errCh := make(chan error, 1)
	go func() {
		_, _, err := Read(task, fd, 0)
		errCh <- err
	}()

	require.NoError(t, Close(fd))
	require.ErrorIs(t, <-errCh, ErrClosed)
}

func TestReadReturnsQueuedList(t *testing.T) {
	fd := newOpenFD(t, "\\test\\io3")

	l := &BufferList{fd: fd}
	require.NoError(t, l.PushTail([]byte("payload")))
	fd.Pool().PutRx(l, 0)

	got, n, err := Read(nil, fd, 0)
	require.NoError(t, err)
	require.Equal(t, 7, n)
	require.Same(t, l, got)
}

func TestWriteQueuesToTx(t *testing.T) {
	fd := newOpenFD(t, "\\test\\io4")

	l := &BufferList{fd: fd}
	require.NoError(t, l.PushTail([]byte("hello")))

	n, err := Write(fd, l, 0)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, 1, fd.Pool().TxCount())
}

func TestWriteFansOutAcrossChain(t *testing.T) {
	headWritten := [][]byte{}
	childWritten := [][]byte{}

	head := Register("\\test\\chain\\head", &Ops{
		Write: func(fd *FD, src *BufferList, timeout uint32) (int, error) {
			buf := make([]byte, src.Len())
			require.NoError(t, src.PeekHead(buf))
			headWritten = append(headWritten, buf)
			return src.Len(), nil
		},
	})
	child := Register("\\test\\chain\\child", &Ops{
		Write: func(fd *FD, src *BufferList, timeout uint32) (int, error) {
			buf := make([]byte, src.Len())
			require.NoError(t, src.PeekHead(buf))
			childWritten = append(childWritten, buf)
			return src.Len(), nil
		},
	})
	defer Unregister("\\test\\chain\\head")
	defer Unregister("\\test\\chain\\child")

	require.NoError(t, Chain(head, child))

	l := &BufferList{fd: head}
	require.NoError(t, l.PushTail([]byte("mirror me")))

	n, err := Write(head, l, 0)
	require.NoError(t, err)
	require.Equal(t, len("mirror me"), n)

	require.Len(t, headWritten, 1)
	require.Len(t, childWritten, 1)
	require.Equal(t, "mirror me", string(headWritten[0]))
	require.Equal(t, "mirror me", string(childWritten[0]))
}
