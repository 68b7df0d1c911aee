package arp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kestrel-rtos/kestrel/fs"
	"github.com/kestrel-rtos/kestrel/kernel"
)

type fakeDevice struct {
	fd   *fs.FD
	ip   [4]byte
	hw   HardwareAddr
	sent [][]byte
}

func (d *fakeDevice) FD() *fs.FD            { return d.fd }
func (d *fakeDevice) LocalIP() [4]byte      { return d.ip }
func (d *fakeDevice) LocalHW() HardwareAddr { return d.hw }

func (d *fakeDevice) SendARP(l *fs.BufferList) error {
	buf := make([]byte, l.Len())
	if err := l.PeekHead(buf); err != nil {
		return err
	}
	d.sent = append(d.sent, buf)
	l.Drain(d.fd.Pool())
	return nil
}

func newFakeDevice(t *testing.T, path string, ip [4]byte, hw HardwareAddr) *fakeDevice {
	t.Helper()
	fd := fs.Register(path, &fs.Ops{})
	t.Cleanup(func() { fs.Unregister(path) })
	return &fakeDevice{fd: fd, ip: ip, hw: hw}
}

func TestResolveSendsRequestAndQueuesPayload(t *testing.T) {
	dev := newFakeDevice(t, "\\test\\arp-dev0", [4]byte{10, 0, 0, 1}, HardwareAddr{1, 2, 3, 4, 5, 6})

	payload := fs.NewList(dev.fd)
	require.NoError(t, payload.PushTail([]byte("queued")))

	var sendCalled bool
	err := Resolve(dev, [4]byte{10, 0, 0, 2}, payload, func(hw HardwareAddr, l *fs.BufferList) error {
		sendCalled = true
		return nil
	})
	require.NoError(t, err)
	require.False(t, sendCalled)
	require.Len(t, dev.sent, 1)

	req := dev.sent[0]
	require.Equal(t, uint16(OpRequest), uint16(req[6])<<8|uint16(req[7]))
}

func TestResolveSendsImmediatelyWhenAlreadyCached(t *testing.T) {
	dev := newFakeDevice(t, "\\test\\arp-dev1", [4]byte{10, 0, 0, 1}, HardwareAddr{1, 2, 3, 4, 5, 6})
	target := [4]byte{10, 0, 0, 2}
	learn(dev, target, HardwareAddr{9, 9, 9, 9, 9, 9})

	payload := fs.NewList(dev.fd)
	require.NoError(t, payload.PushTail([]byte("x")))

	var gotHW HardwareAddr
	err := Resolve(dev, target, payload, func(hw HardwareAddr, l *fs.BufferList) error {
		gotHW = hw
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, HardwareAddr{9, 9, 9, 9, 9, 9}, gotHW)
	require.Empty(t, dev.sent) // cached resolution skips sending a request
}

func TestReceiveAnswersRequestForOwnAddress(t *testing.T) {
	dev := newFakeDevice(t, "\\test\\arp-dev2", [4]byte{10, 0, 0, 1}, HardwareAddr{1, 2, 3, 4, 5, 6})
	peerHW := HardwareAddr{7, 7, 7, 7, 7, 7}
	frame := buildFrame(OpRequest, peerHW, [4]byte{10, 0, 0, 2}, HardwareAddr{}, dev.ip)

	l := fs.NewList(dev.fd)
	require.NoError(t, l.PushTail(frame))
	require.NoError(t, Receive(dev, l))

	require.Len(t, dev.sent, 1)
	reply := dev.sent[0]
	require.Equal(t, uint16(OpReply), uint16(reply[6])<<8|uint16(reply[7]))

	hw, ok := Lookup(dev, [4]byte{10, 0, 0, 2})
	require.True(t, ok)
	require.Equal(t, peerHW, hw)
}

func TestReceiveReplyLearnsButDoesNotAnswer(t *testing.T) {
	dev := newFakeDevice(t, "\\test\\arp-dev3", [4]byte{10, 0, 0, 1}, HardwareAddr{1, 2, 3, 4, 5, 6})
	peerHW := HardwareAddr{7, 7, 7, 7, 7, 7}
	frame := buildFrame(OpReply, peerHW, [4]byte{10, 0, 0, 3}, dev.hw, dev.ip)

	l := fs.NewList(dev.fd)
	require.NoError(t, l.PushTail(frame))
	require.NoError(t, Receive(dev, l))

	require.Empty(t, dev.sent)
	hw, ok := Lookup(dev, [4]byte{10, 0, 0, 3})
	require.True(t, ok)
	require.Equal(t, peerHW, hw)
}

func TestExpirePendingDropsStaleEntryAndDrainsPayload(t *testing.T) {
	dev := newFakeDevice(t, "\\test\\arp-dev4", [4]byte{10, 0, 0, 1}, HardwareAddr{1, 2, 3, 4, 5, 6})
	target := [4]byte{10, 0, 0, 5}
	free := dev.fd.Pool().FreeBufferCount()

	payload := fs.NewList(dev.fd)
	require.NoError(t, payload.PushTail([]byte("stale")))
	require.NoError(t, Resolve(dev, target, payload, func(HardwareAddr, *fs.BufferList) error { return nil }))
	require.Less(t, dev.fd.Pool().FreeBufferCount(), free)

	future := kernel.Now() + kernel.Ticks(time.Hour)
	ExpirePending(dev, future)

	_, ok := Lookup(dev, target)
	require.False(t, ok)
	require.Empty(t, tableFor(dev).entries)
	require.Equal(t, free, dev.fd.Pool().FreeBufferCount())
}
