package icmp

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrel-rtos/kestrel/fs"
)

type fakeDevice struct {
	fd   *fs.FD
	ip   [4]byte
	mtu  int
	sent [][]byte
}

func (d *fakeDevice) FD() *fs.FD       { return d.fd }
func (d *fakeDevice) MTU() int         { return d.mtu }
func (d *fakeDevice) LocalIP() [4]byte { return d.ip }

func newFakeDevice(t *testing.T, path string, ip [4]byte) *fakeDevice {
	t.Helper()
	d := &fakeDevice{ip: ip, mtu: 1500}
	d.fd = fs.Register(path, &fs.Ops{
		Write: func(_ *fs.FD, src *fs.BufferList, _ uint32) (int, error) {
			n := src.Len()
			buf := make([]byte, n)
			src.PeekHead(buf)
			d.sent = append(d.sent, buf)
			return n, nil
		},
	})
	t.Cleanup(func() { fs.Unregister(path) })
	return d
}

func TestReceiveEchoRequestSendsReply(t *testing.T) {
	dev := newFakeDevice(t, "\\test\\icmp-dev0", [4]byte{10, 0, 0, 1})

	req := make([]byte, headerLen)
	req[0] = TypeEchoRequest
	req[4], req[5] = 0x00, 0x01 // id
	req[6], req[7] = 0x00, 0x02 // seq
	l := fs.NewList(dev.fd)
	require.NoError(t, l.PushTail(req))
	require.NoError(t, l.PushTail([]byte("payload")))

	require.NoError(t, receive(dev, [4]byte{10, 0, 0, 2}, dev.ip, l))

	require.Len(t, dev.sent, 1)
	reply := dev.sent[0][20:] // skip the IPv4 header ipv4.Transmit prepends
	require.Equal(t, uint8(TypeEchoReply), reply[0])
	require.Equal(t, req[4:6], reply[4:6])
	require.Equal(t, req[6:8], reply[6:8])
	require.Equal(t, "payload", string(reply[headerLen:]))
}

func TestReceiveNonEchoTypeIsDropped(t *testing.T) {
	dev := newFakeDevice(t, "\\test\\icmp-dev1", [4]byte{10, 0, 0, 1})

	msg := make([]byte, headerLen)
	msg[0] = TypeEchoReply
	l := fs.NewList(dev.fd)
	require.NoError(t, l.PushTail(msg))

	require.NoError(t, receive(dev, [4]byte{10, 0, 0, 2}, dev.ip, l))
	require.Empty(t, dev.sent)
}

func TestSendUnreachableQuotesOriginalDatagram(t *testing.T) {
	dev := newFakeDevice(t, "\\test\\icmp-dev2", [4]byte{10, 0, 0, 1})

	quoted := []byte{0x45, 0x00, 0x00, 0x14, 0, 0, 0, 0}
	require.NoError(t, SendUnreachable(dev, [4]byte{10, 0, 0, 2}, CodePortUnreachable, quoted))

	require.Len(t, dev.sent, 1)
	msg := dev.sent[0][20:] // skip the IPv4 header ipv4.Transmit prepends
	require.Equal(t, uint8(TypeUnreachable), msg[0])
	require.Equal(t, uint8(CodePortUnreachable), msg[1])
	require.Equal(t, quoted, msg[headerLen:])
}
