package serial

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrel-rtos/kestrel/fs"
)

type fakeLine struct {
	out []byte
	in  []byte
}

func (l *fakeLine) Tx(c byte) { l.out = append(l.out, c) }

func (l *fakeLine) Rx() (byte, bool) {
	if len(l.in) == 0 {
		return 0, false
	}
	c := l.in[0]
	l.in = l.in[1:]
	return c, true
}

func TestWritePushesEveryByteToLine(t *testing.T) {
	line := &fakeLine{}
	d := New(line, "\\test\\serial0")
	t.Cleanup(func() { fs.Unregister("\\test\\serial0") })

	l := fs.NewList(d.fd)
	require.NoError(t, l.PushTail([]byte("hi")))
	n, err := fs.Write(d.fd, l, 0)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []byte("hi"), line.out)
}

func TestPollOnceQueuesBytesWithoutOnByte(t *testing.T) {
	line := &fakeLine{in: []byte("ab")}
	d := New(line, "\\test\\serial1")
	t.Cleanup(func() { fs.Unregister("\\test\\serial1") })

	d.PollOnce()

	l1 := d.fd.Pool().GetRx(0)
	require.NotNil(t, l1)
	require.Equal(t, 1, l1.Len())

	l2 := d.fd.Pool().GetRx(0)
	require.NotNil(t, l2)
}

func TestPollOnceDeliversToOnByte(t *testing.T) {
	line := &fakeLine{in: []byte("xy")}
	d := New(line, "\\test\\serial2")
	t.Cleanup(func() { fs.Unregister("\\test\\serial2") })

	var got []byte
	d.OnByte(func(b byte) { got = append(got, b) })
	d.PollOnce()

	require.Equal(t, []byte("xy"), got)
	require.Nil(t, d.fd.Pool().GetRx(0))
}
