package console

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrel-rtos/kestrel/fs"
)

func newUnderFD(t *testing.T, path string) (*fs.FD, *[][]byte) {
	t.Helper()
	var writes [][]byte
	fd := fs.Register(path, &fs.Ops{
		Write: func(_ *fs.FD, src *fs.BufferList, _ uint32) (int, error) {
			n := src.Len()
			buf := make([]byte, n)
			if err := src.PeekHead(buf); err != nil {
				return 0, err
			}
			writes = append(writes, buf)
			return n, nil
		},
	})
	t.Cleanup(func() { fs.Unregister(path) })
	return fd, &writes
}

func TestPushByteQueuesCompletedLine(t *testing.T) {
	under, _ := newUnderFD(t, "\\test\\console-under0")
	c := New(under, "\\test\\console0")
	t.Cleanup(func() { fs.Unregister("\\test\\console0") })

	for _, b := range []byte("hello\n") {
		c.PushByte(b)
	}

	l := c.FD().Pool().GetRx(0)
	require.NotNil(t, l)
	got := make([]byte, l.Len())
	require.NoError(t, l.PeekHead(got))
	require.Equal(t, "hello", string(got))
}

func TestPushByteBackspaceTrimsLine(t *testing.T) {
	under, _ := newUnderFD(t, "\\test\\console-under1")
	c := New(under, "\\test\\console1")
	t.Cleanup(func() { fs.Unregister("\\test\\console1") })

	for _, b := range []byte("hellx") {
		c.PushByte(b)
	}
	c.PushByte(charBackspace)
	c.PushByte('o')
	c.PushByte(charCR)

	l := c.FD().Pool().GetRx(0)
	require.NotNil(t, l)
	got := make([]byte, l.Len())
	require.NoError(t, l.PeekHead(got))
	require.Equal(t, "hello", string(got))
}

func TestPushBytesMatchesPerByteDelivery(t *testing.T) {
	under, _ := newUnderFD(t, "\\test\\console-under2")
	c := New(under, "\\test\\console2")
	t.Cleanup(func() { fs.Unregister("\\test\\console2") })

	c.PushBytes([]byte("hi\n"))

	l := c.FD().Pool().GetRx(0)
	require.NotNil(t, l)
	got := make([]byte, l.Len())
	require.NoError(t, l.PeekHead(got))
	require.Equal(t, "hi", string(got))
}

func TestWriteForwardsToUnder(t *testing.T) {
	under, writes := newUnderFD(t, "\\test\\console-under3")
	c := New(under, "\\test\\console3")
	t.Cleanup(func() { fs.Unregister("\\test\\console3") })

	n, err := c.Write([]byte("diagnostic"))
	require.NoError(t, err)
	require.Equal(t, 10, n)
	require.Len(t, *writes, 1)
	require.Equal(t, "diagnostic", string((*writes)[0]))
}
