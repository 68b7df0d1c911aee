package fs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestFD(t *testing.T, numBuffers, bufferSize, numLists int) *FD {
	t.Helper()
	fd := &FD{Path: "\\test"}
	fd.pool = NewBufferData(fd, numBuffers, bufferSize, numLists, 0, 0)
	fd.installConditions()
	return fd
}

func TestBufferListPushTailSpansMultipleBuffers(t *testing.T) {
	fd := newTestFD(t, 8, 4, 4)
	l := &BufferList{fd: fd}

	payload := []byte("0123456789")
	require.NoError(t, l.PushTail(payload))
	require.Equal(t, len(payload), l.Len())

	out := make([]byte, len(payload))
	require.NoError(t, l.PeekHead(out))
	require.Equal(t, payload, out)
	require.Equal(t, len(payload), l.Len(), "peek must not consume")

	require.NoError(t, l.PullHead(out))
	require.Equal(t, payload, out)
	require.Equal(t, 0, l.Len())
}

func TestBufferListPushHeadGrowsBackwards(t *testing.T) {
	fd := newTestFD(t, 4, 16, 4)
	l := &BufferList{fd: fd}

	require.NoError(t, l.PushTail([]byte("payload")))
	require.NoError(t, l.PushHead([]byte("HDR:")))

	out := make([]byte, l.Len())
	require.NoError(t, l.PeekHead(out))
	require.Equal(t, "HDR:payload", string(out))
}

func TestBufferListPullHeadInsufficientData(t *testing.T) {
	fd := newTestFD(t, 4, 8, 4)
	l := &BufferList{fd: fd}
	require.NoError(t, l.PushTail([]byte("ab")))

	err := l.PullHead(make([]byte, 4))
	require.ErrorIs(t, err, ErrNoSpace)
	require.Equal(t, 2, l.Len(), "failed pull must not consume any bytes")
}

func TestAppendConcatenatesAndEmptiesSource(t *testing.T) {
	fd := newTestFD(t, 8, 8, 8)
	a := &BufferList{fd: fd}
	b := &BufferList{fd: fd}

	require.NoError(t, a.PushTail([]byte("foo")))
	require.NoError(t, b.PushTail([]byte("bar")))

	Append(a, b)

	require.Equal(t, 6, a.Len())
	require.Equal(t, 0, b.Len())
	require.True(t, b.Empty())

	out := make([]byte, 6)
	require.NoError(t, a.PeekHead(out))
	require.Equal(t, "foobar", string(out))
}

func TestDivideSplitsAndPreservesTotalLength(t *testing.T) {
	fd := newTestFD(t, 8, 4, 8)
	l := &BufferList{fd: fd}
	payload := []byte("0123456789AB")
	require.NoError(t, l.PushTail(payload))

	tail, err := Divide(l, 5)
	require.NoError(t, err)

	require.Equal(t, 5, l.Len())
	require.Equal(t, len(payload)-5, tail.Len())

	head := make([]byte, 5)
	require.NoError(t, l.PeekHead(head))
	require.Equal(t, "01234", string(head))

	rest := make([]byte, tail.Len())
	require.NoError(t, tail.PeekHead(rest))
	require.Equal(t, "56789AB", string(rest))
}

func TestDivideAtZeroAndAtLength(t *testing.T) {
	fd := newTestFD(t, 8, 4, 8)

	l := &BufferList{fd: fd}
	require.NoError(t, l.PushTail([]byte("hello")))

	full, err := Divide(l, 0)
	require.NoError(t, err)
	require.Equal(t, 0, l.Len())
	require.Equal(t, 5, full.Len())

	l2 := &BufferList{fd: fd}
	require.NoError(t, l2.PushTail([]byte("hello")))
	empty, err := Divide(l2, 5)
	require.NoError(t, err)
	require.Equal(t, 5, l2.Len())
	require.Equal(t, 0, empty.Len())
}

func TestMoveDataTransfersPrefix(t *testing.T) {
	fd := newTestFD(t, 8, 8, 8)
	src := &BufferList{fd: fd}
	dst := &BufferList{fd: fd}

	require.NoError(t, src.PushTail([]byte("abcdefgh")))

	n, err := MoveData(dst, src, 3)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, 3, dst.Len())
	require.Equal(t, 5, src.Len())

	out := make([]byte, 3)
	require.NoError(t, dst.PeekHead(out))
	require.Equal(t, "abc", string(out))
}
