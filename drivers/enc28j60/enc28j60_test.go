package enc28j60

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrel-rtos/kestrel/fs"
	"github.com/kestrel-rtos/kestrel/net/arp"
)

func newBufferList(t *testing.T, c *Controller, data []byte) *fs.BufferList {
	t.Helper()
	l := fs.NewList(c.fd)
	require.NoError(t, l.PushTail(data))
	return l
}

// fakeBus is an in-memory stand-in for the chip's SPI register/buffer
// protocol: four banks of general registers, the common bank-independent
// registers at 0x1B-0x1F, and a FIFO byte stream for ReadBuffer/
// WriteBuffer so receiveOne's header-then-frame reads behave the way the
// real RBM opcode would.
type fakeBus struct {
	banks  [4][0x1B]uint8
	common [0x20]uint8
	rx     []byte
	txLog  [][]byte
}

func newFakeBus() *fakeBus {
	b := &fakeBus{}
	b.common[addrESTAT] = estatCLKRDY
	return b
}

func (b *fakeBus) bank() uint8 { return b.common[addrECON1] & 0x03 }

func (b *fakeBus) ReadReg(addr uint8) (uint8, error) {
	if addr >= 0x1B {
		return b.common[addr], nil
	}
	return b.banks[b.bank()][addr], nil
}

func (b *fakeBus) WriteReg(addr uint8, val uint8) error {
	if addr >= 0x1B {
		b.common[addr] = val
		return nil
	}
	b.banks[b.bank()][addr] = val
	return nil
}

func (b *fakeBus) ReadBuffer(n int) ([]byte, error) {
	if n > len(b.rx) {
		n = len(b.rx)
	}
	out := append([]byte(nil), b.rx[:n]...)
	b.rx = b.rx[n:]
	return out, nil
}

func (b *fakeBus) WriteBuffer(data []byte) error {
	b.txLog = append(b.txLog, append([]byte(nil), data...))
	return nil
}

// queueFrame appends one RX-ring entry (6-byte next-pointer/status header,
// the frame itself, and a dummy 4-byte CRC trailer) to the bus's read
// FIFO, as if the chip had already placed it in packet memory.
func (b *fakeBus) queueFrame(nextPtr uint16, frame []byte) {
	head := make([]byte, 6)
	binary.LittleEndian.PutUint16(head[0:2], nextPtr)
	binary.LittleEndian.PutUint16(head[2:4], uint16(len(frame)+4))
	b.rx = append(b.rx, head...)
	b.rx = append(b.rx, frame...)
	b.rx = append(b.rx, 0, 0, 0, 0)
}

func testMAC() arp.HardwareAddr { return arp.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01} }

func TestNewProgramsStationAddress(t *testing.T) {
	bus := newFakeBus()
	c, err := New(bus, testMAC(), [4]byte{10, 0, 0, 5}, 1500, "\\test\\enc0")
	require.NoError(t, err)
	require.NotNil(t, c)

	require.Equal(t, testMAC()[0], bus.banks[3][bank3MAADR1])
	require.Equal(t, testMAC()[5], bus.banks[3][bank3MAADR6])
	require.NotZero(t, bus.common[addrECON1]&econ1RXEN)
}

func TestPollOnceDeliversIPv4Payload(t *testing.T) {
	bus := newFakeBus()
	c, err := New(bus, testMAC(), [4]byte{10, 0, 0, 5}, 1500, "\\test\\enc1")
	require.NoError(t, err)

	frame := make([]byte, ethHeaderLen+4)
	copy(frame[0:6], testMAC()[:])
	copy(frame[6:12], []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF})
	binary.BigEndian.PutUint16(frame[12:14], etherTypeIPv4)
	copy(frame[14:], []byte("IPDT"))

	bus.queueFrame(rxBufferStart, frame)
	bus.banks[1][bank1EPKTCNT] = 1

	require.NoError(t, c.PollOnce())

	l := c.fd.Pool().GetRx(0)
	require.NotNil(t, l)
	got := make([]byte, l.Len())
	require.NoError(t, l.PeekHead(got))
	require.Equal(t, "IPDT", string(got))
}

func TestPollOnceAnswersARPRequest(t *testing.T) {
	bus := newFakeBus()
	localIP := [4]byte{10, 0, 0, 5}
	c, err := New(bus, testMAC(), localIP, 1500, "\\test\\enc2")
	require.NoError(t, err)

	arpReq := make([]byte, 28)
	binary.BigEndian.PutUint16(arpReq[0:2], arp.HTypeEthernet)
	binary.BigEndian.PutUint16(arpReq[2:4], arp.PTypeIPv4)
	arpReq[4], arpReq[5] = arp.HLenEthernet, arp.PLenIPv4
	binary.BigEndian.PutUint16(arpReq[6:8], arp.OpRequest)
	copy(arpReq[8:14], []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF})
	copy(arpReq[14:18], []byte{10, 0, 0, 9})
	copy(arpReq[24:28], localIP[:])

	frame := make([]byte, ethHeaderLen+len(arpReq))
	copy(frame[0:6], testMAC()[:])
	copy(frame[6:12], []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF})
	binary.BigEndian.PutUint16(frame[12:14], etherTypeARP)
	copy(frame[14:], arpReq)

	bus.queueFrame(rxBufferStart, frame)
	bus.banks[1][bank1EPKTCNT] = 1

	require.NoError(t, c.PollOnce())
	require.Len(t, bus.txLog, 1)

	reply := bus.txLog[0]
	// byte 0 is the per-frame transmit control byte; the Ethernet header
	// follows, destined back to the requester's hardware address.
	require.Equal(t, []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}, reply[1:7])
	require.Equal(t, uint16(etherTypeARP), binary.BigEndian.Uint16(reply[13:15]))
}

func TestTransmitFramesAlreadyResolvedDestination(t *testing.T) {
	bus := newFakeBus()
	localIP := [4]byte{10, 0, 0, 5}
	c, err := New(bus, testMAC(), localIP, 1500, "\\test\\enc3")
	require.NoError(t, err)

	peerHW := arp.HardwareAddr{0x11, 0x22, 0x33, 0x44, 0x55, 0x66}
	peerIP := [4]byte{10, 0, 0, 9}

	// Learn peerIP -> peerHW the way an inbound ARP reply would, without
	// going through the full Receive parse path.
	reply := make([]byte, 28)
	binary.BigEndian.PutUint16(reply[0:2], arp.HTypeEthernet)
	binary.BigEndian.PutUint16(reply[2:4], arp.PTypeIPv4)
	reply[4], reply[5] = arp.HLenEthernet, arp.PLenIPv4
	binary.BigEndian.PutUint16(reply[6:8], arp.OpReply)
	copy(reply[8:14], peerHW[:])
	copy(reply[14:18], peerIP[:])
	copy(reply[24:28], localIP[:])

	ethFrame := make([]byte, ethHeaderLen+len(reply))
	copy(ethFrame[0:6], testMAC()[:])
	copy(ethFrame[6:12], peerHW[:])
	binary.BigEndian.PutUint16(ethFrame[12:14], etherTypeARP)
	copy(ethFrame[14:], reply)

	bus.queueFrame(rxBufferStart, ethFrame)
	bus.banks[1][bank1EPKTCNT] = 1
	require.NoError(t, c.PollOnce())

	hw, ok := arp.Lookup(c, peerIP)
	require.True(t, ok)
	require.Equal(t, peerHW, hw)

	ipHeader := make([]byte, 20)
	ipHeader[0] = 0x45
	copy(ipHeader[16:20], peerIP[:])

	_, err = c.transmit(newBufferList(t, c, ipHeader))
	require.NoError(t, err)

	require.Len(t, bus.txLog, 1) // the learned reply above triggered no send; this is the datagram
	sent := bus.txLog[0]
	require.Equal(t, peerHW[:], sent[1:7])
	require.Equal(t, testMAC()[:], sent[7:13])
	require.Equal(t, uint16(etherTypeIPv4), binary.BigEndian.Uint16(sent[13:15]))
}
