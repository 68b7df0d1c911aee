package tcp

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrel-rtos/kestrel/config"
	"github.com/kestrel-rtos/kestrel/kernel"
)

func establishedPort(t *testing.T, path string) (*testDevice, *Port) {
	t.Helper()
	dev, p := newTestPort(t, path, [4]byte{10, 0, 0, 1}, 7000)
	p.ForeignIP = [4]byte{10, 0, 0, 2}
	p.ForeignPort = 9000
	p.state = Established
	p.sndUna = 1000
	p.sndNxt = 1000
	p.sndWnd = 8192
	return dev, p
}

func TestSendDataSegmentReservesRtxSlotAndArmsTimer(t *testing.T) {
	dev, p := establishedPort(t, "\\test\\tcp\\sendslot")

	p.lock()
	err := p.sendDataSegment(dev, 0, p.sndNxt, newPayload(t, p.fd, []byte("abcd")))
	p.unlock()
	require.NoError(t, err)

	require.True(t, p.rtx[0].inUse)
	require.Equal(t, 4, p.rtx[0].length)
	require.True(t, p.rtxArmed)

	frame := dev.fd.Pool().GetTx(0)
	require.NotNil(t, frame, "segment must have been transmitted")
}

func TestSendDataSegmentFailsWhenAllSlotsBusy(t *testing.T) {
	dev, p := establishedPort(t, "\\test\\tcp\\sendfull")

	p.lock()
	for i := 0; i < config.TCPNumRtx; i++ {
		require.NoError(t, p.sendDataSegment(dev, 0, p.sndNxt, newPayload(t, p.fd, []byte("x"))))
		p.sndNxt++
	}
	err := p.sendDataSegment(dev, 0, p.sndNxt, newPayload(t, p.fd, []byte("y")))
	p.unlock()
	require.ErrorIs(t, err, ErrNoRtxSlot)
}

func TestReclaimRtxSlotsOnFullAck(t *testing.T) {
	dev, p := establishedPort(t, "\\test\\tcp\\reclaim")

	p.lock()
	require.NoError(t, p.sendDataSegment(dev, 0, p.sndNxt, newPayload(t, p.fd, []byte("abcd"))))
	require.True(t, p.rtx[0].inUse)

	p.reclaimRtxSlots(p.sndNxt + 4) // ack covers all 4 bytes
	require.False(t, p.rtx[0].inUse)
	require.False(t, p.rtxArmed)
	p.unlock()
}

func TestReclaimRtxSlotsKeepsUnacknowledgedSlot(t *testing.T) {
	dev, p := establishedPort(t, "\\test\\tcp\\reclaim-partial")

	p.lock()
	require.NoError(t, p.sendDataSegment(dev, 0, p.sndNxt, newPayload(t, p.fd, []byte("abcd"))))
	p.reclaimRtxSlots(p.sndNxt + 2) // only half the bytes acknowledged
	require.True(t, p.rtx[0].inUse)
	require.True(t, p.rtxArmed)
	p.unlock()
}

func TestFastRetransmitResendsMatchingSlot(t *testing.T) {
	dev, p := establishedPort(t, "\\test\\tcp\\fastrtx")

	p.lock()
	seq := p.sndNxt
	require.NoError(t, p.sendDataSegment(dev, 0, seq, newPayload(t, p.fd, []byte("abcd"))))
	// drain the original transmission so only the resend remains queued
	require.NotNil(t, dev.fd.Pool().GetTx(0))

	p.fastRetransmit(dev, seq)
	p.unlock()

	resent := dev.fd.Pool().GetTx(0)
	require.NotNil(t, resent, "fast retransmit must requeue the segment")
}

func TestServiceRetransmitTimersBacksOffAndResends(t *testing.T) {
	dev, p := establishedPort(t, "\\test\\tcp\\rtotimer")

	p.lock()
	seq := p.sndNxt
	require.NoError(t, p.sendDataSegment(dev, 0, seq, newPayload(t, p.fd, []byte("abcd"))))
	initialBackoff := p.rtxBackoff
	timeout := p.rtxTimeout
	// rtxFreeCallback only fires once the pool reclaims the list (PutList);
	// simulate the underlying transmit completing by marking it directly.
	p.rtx[0].bufferReturned = true
	p.unlock()

	require.NotNil(t, dev.fd.Pool().GetTx(0)) // drain the original transmission
	ServiceRetransmitTimers(timeout + 1)

	p.lock()
	require.Equal(t, initialBackoff*2, p.rtxBackoff)
	require.True(t, kernel.After(p.rtxTimeout, timeout))
	p.unlock()

	resent := dev.fd.Pool().GetTx(0)
	require.NotNil(t, resent)
}

func TestServiceRetransmitTimersNoopBeforeExpiry(t *testing.T) {
	dev, p := establishedPort(t, "\\test\\tcp\\rtonoexpiry")

	p.lock()
	seq := p.sndNxt
	require.NoError(t, p.sendDataSegment(dev, 0, seq, newPayload(t, p.fd, []byte("abcd"))))
	timeout := p.rtxTimeout
	p.unlock()

	ServiceRetransmitTimers(timeout - 1)

	p.lock()
	require.Equal(t, timeout, p.rtxTimeout, "timer must not fire before its deadline")
	p.unlock()
}
