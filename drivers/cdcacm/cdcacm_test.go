package cdcacm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrel-rtos/kestrel/fs"
)

type fakeEndpoint struct {
	sent []byte
	in   [][]byte
}

func (e *fakeEndpoint) Send(data []byte) error {
	e.sent = append(e.sent, data...)
	return nil
}

func (e *fakeEndpoint) Receive() ([]byte, bool, error) {
	if len(e.in) == 0 {
		return nil, false, nil
	}
	p := e.in[0]
	e.in = e.in[1:]
	return p, true, nil
}

func TestWriteSendsWholePacketToEndpoint(t *testing.T) {
	ep := &fakeEndpoint{}
	d := New(ep, "\\test\\cdcacm0")
	t.Cleanup(func() { fs.Unregister("\\test\\cdcacm0") })

	l := fs.NewList(d.fd)
	require.NoError(t, l.PushTail([]byte("frame")))
	n, err := fs.Write(d.fd, l, 0)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, []byte("frame"), ep.sent)
}

func TestPollOnceQueuesPacketsWithoutOnPacket(t *testing.T) {
	ep := &fakeEndpoint{in: [][]byte{[]byte("a"), []byte("bc")}}
	d := New(ep, "\\test\\cdcacm1")
	t.Cleanup(func() { fs.Unregister("\\test\\cdcacm1") })

	require.NoError(t, d.PollOnce())

	l1 := d.fd.Pool().GetRx(0)
	require.NotNil(t, l1)
	got1 := make([]byte, l1.Len())
	require.NoError(t, l1.PeekHead(got1))
	require.Equal(t, "a", string(got1))

	l2 := d.fd.Pool().GetRx(0)
	require.NotNil(t, l2)
	got2 := make([]byte, l2.Len())
	require.NoError(t, l2.PeekHead(got2))
	require.Equal(t, "bc", string(got2))
}

func TestPollOnceDeliversToOnPacket(t *testing.T) {
	ep := &fakeEndpoint{in: [][]byte{[]byte("xyz")}}
	d := New(ep, "\\test\\cdcacm2")
	t.Cleanup(func() { fs.Unregister("\\test\\cdcacm2") })

	var got []byte
	d.OnPacket(func(p []byte) { got = p })
	require.NoError(t, d.PollOnce())

	require.Equal(t, []byte("xyz"), got)
	require.Nil(t, d.fd.Pool().GetRx(0))
}
