package tcp

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrel-rtos/kestrel/fs"
	"github.com/kestrel-rtos/kestrel/net/ipv4"
)

// testDevice is a minimal ipv4.Device backed by its own buffer pool, for
// driving segments through a Port without a real link layer.
type testDevice struct {
	fd  *fs.FD
	mtu int
	ip  [4]byte
}

func (d *testDevice) FD() *fs.FD       { return d.fd }
func (d *testDevice) MTU() int         { return d.mtu }
func (d *testDevice) LocalIP() [4]byte { return d.ip }

// newDevice returns a link-layer stand-in with its own buffer pool, for
// tests that drive whole segments across two simulated endpoints rather
// than exercising one Port's internals directly.
func newDevice(t *testing.T, name string, ip [4]byte) *testDevice {
	t.Helper()
	fd := fs.RegisterWithPool("\\test\\tcp\\netdev\\"+name, &fs.Ops{}, 64, 1500, 64, 0, 0)
	t.Cleanup(func() { fs.Unregister(fd.Path) })
	return &testDevice{fd: fd, mtu: 1500, ip: ip}
}

// pumpOnce drains one queued outbound frame from "from" and delivers it
// to "to" as if a link had looped it back, reporting whether a frame was
// actually moved.
func pumpOnce(t *testing.T, from, to *testDevice) bool {
	t.Helper()
	frame := from.fd.Pool().GetTx(0)
	if frame == nil {
		return false
	}
	require.NoError(t, ipv4.Receive(to, frame))
	return true
}

// pumpUntilQuiet alternately drains both devices' TX queues until neither
// has anything left to deliver, for multi-round-trip exchanges (the
// three-way handshake, ACK-driven state transitions) where each delivery
// may itself enqueue a reply.
func pumpUntilQuiet(t *testing.T, a, b *testDevice) {
	t.Helper()
	for {
		moved := pumpOnce(t, a, b)
		moved = pumpOnce(t, b, a) || moved
		if !moved {
			return
		}
	}
}

func newTestPort(t *testing.T, path string, ip [4]byte, port uint16) (*testDevice, *Port) {
	t.Helper()
	fd := fs.RegisterWithPool(path+"\\dev", &fs.Ops{}, 64, 512, 64, 0, 0)
	t.Cleanup(func() { fs.Unregister(fd.Path) })
	dev := &testDevice{fd: fd, mtu: 1500, ip: ip}

	pfd := fs.Register(path, &fs.Ops{})
	t.Cleanup(func() { fs.Unregister(pfd.Path) })
	p := Register(dev, ip, port, pfd)
	t.Cleanup(func() { Unregister(p) })
	return dev, p
}

func TestSequenceAcceptableEdgeCases(t *testing.T) {
	_, p := newTestPort(t, "\\test\\tcp\\seqacc", [4]byte{10, 0, 0, 1}, 1)
	p.rcvNxt = 1000
	p.rcvWnd = 100

	require.True(t, p.sequenceAcceptable(1000, 1), "start of window, 1 byte")
	require.True(t, p.sequenceAcceptable(1099, 1), "last byte inside window")
	require.False(t, p.sequenceAcceptable(1100, 1), "one past the window")
	require.False(t, p.sequenceAcceptable(999, 1), "one before rcvNxt")

	// zero-length segment: acceptable anywhere in [rcvNxt, rcvNxt+rcvWnd)
	require.True(t, p.sequenceAcceptable(1000, 0))
	require.False(t, p.sequenceAcceptable(1100, 0))

	// zero receive window: only a zero-length segment exactly at rcvNxt
	p.rcvWnd = 0
	require.True(t, p.sequenceAcceptable(1000, 0))
	require.False(t, p.sequenceAcceptable(1001, 0))
	require.False(t, p.sequenceAcceptable(1000, 1))
}

func TestReceiveDataInOrderDrainsContiguousOutOfOrderRun(t *testing.T) {
	_, p := newTestPort(t, "\\test\\tcp\\reassembly", [4]byte{10, 0, 0, 1}, 1)
	p.rcvNxt = 100

	// "cd" arrives first, out of order, at seq 102.
	p.receiveData(102, newPayload(t, p.fd, []byte("cd")), false)
	require.Len(t, p.ooList, 1)
	require.Nil(t, p.rxList)

	// "ab" fills the gap at seq 100, which should splice in "cd" too.
	p.receiveData(100, newPayload(t, p.fd, []byte("ab")), false)
	require.Empty(t, p.ooList)
	require.Equal(t, 4, p.rxList.Len())
	require.Equal(t, uint32(104), p.rcvNxt)

	out := make([]byte, 4)
	require.NoError(t, p.rxList.PeekHead(out))
	require.Equal(t, "abcd", string(out))
}

func TestReceiveDataDiscardsOverlappingOutOfOrderSegment(t *testing.T) {
	_, p := newTestPort(t, "\\test\\tcp\\reassembly-overlap", [4]byte{10, 0, 0, 1}, 1)
	p.rcvNxt = 100

	p.receiveData(110, newPayload(t, p.fd, []byte("xy")), false) // [110,112)
	require.Len(t, p.ooList, 1)

	// [109,111) overlaps the stored [110,112) segment by one byte: discard.
	p.receiveData(109, newPayload(t, p.fd, []byte("zz")), false)
	require.Len(t, p.ooList, 1, "overlapping segment must be discarded, not inserted")
	require.Equal(t, uint32(110), p.ooList[0].seq)
}

func TestProcessEstablishedAcksInOrderData(t *testing.T) {
	dev, p := newTestPort(t, "\\test\\tcp\\data-ack", [4]byte{10, 0, 0, 1}, 80)
	p.state = Established
	p.rcvNxt = 1000
	p.rcvWnd = 4096
	p.sndNxt = 500
	p.ForeignIP = [4]byte{10, 0, 0, 2}
	p.ForeignPort = 4000

	seg := Segment{SrcPort: 4000, DstPort: 80, Seq: 1000, Flags: FlagACK, Window: 4096}
	l := newPayload(t, dev.fd, []byte("hi"))

	p.lock()
	err := p.process(dev, p.ForeignIP, seg, l)
	p.unlock()
	require.NoError(t, err)

	require.Equal(t, uint32(1002), p.rcvNxt, "rcvNxt must advance by the payload length")

	reply := dev.fd.Pool().GetTx(0)
	require.NotNil(t, reply, "accepted data must trigger an immediate ACK so the peer's rtx slot is freed")
	require.Nil(t, dev.fd.Pool().GetTx(0), "exactly one ACK, not a retransmission burst")
}

func TestProcessListenSpawnsBacklogChildOnSYN(t *testing.T) {
	dev, server := newTestPort(t, "\\test\\tcp\\listen", [4]byte{10, 0, 0, 1}, 80)
	server.state = StateListen

	client := [4]byte{10, 0, 0, 2}
	syn := Segment{SrcPort: 4000, DstPort: 80, Seq: 500, Flags: FlagSYN, Window: 4096, MSS: 1000}

	server.lock()
	err := server.processListen(dev, client, syn, fs.NewList(dev.fd), dev.fd.Pool())
	server.unlock()
	require.NoError(t, err)

	require.Len(t, server.backlog, 1)
	child := server.backlog[0]
	require.Equal(t, SynRcvd, child.State())
	require.Equal(t, client, child.ForeignIP)
	require.Equal(t, uint16(4000), child.ForeignPort)
	require.Equal(t, uint32(501), child.rcvNxt)
	require.Equal(t, uint16(1000), child.mss)

	// The SYN+ACK reply was queued on the device's TX path.
	reply := dev.fd.Pool().GetTx(0)
	require.NotNil(t, reply)
}
