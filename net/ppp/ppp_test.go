package ppp

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrel-rtos/kestrel/fs"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payload := []byte{0x45, 0x00, flagByte, escapeByte, 0x01}
	framed := Encode(ProtoIP, payload)

	require.Equal(t, byte(flagByte), framed[0])
	require.Equal(t, byte(flagByte), framed[len(framed)-1])

	protocol, decoded, err := Decode(framed[1 : len(framed)-1])
	require.NoError(t, err)
	require.Equal(t, uint16(ProtoIP), protocol)
	require.Equal(t, payload, decoded)
}

func TestDecodeRejectsBadFCS(t *testing.T) {
	framed := Encode(ProtoIP, []byte{0x01, 0x02})
	stuffed := framed[1 : len(framed)-1]
	corrupt := append([]byte{}, stuffed...)
	corrupt[len(corrupt)-1] ^= 0xFF

	_, _, err := Decode(corrupt)
	require.ErrorIs(t, err, ErrBadFCS)
}

func TestDecodeRejectsTrailingEscape(t *testing.T) {
	_, _, err := Decode([]byte{0x01, escapeByte})
	require.ErrorIs(t, err, ErrUnescaped)
}

func TestDecodeRejectsShortFrame(t *testing.T) {
	_, _, err := Decode([]byte{0x00, 0x00})
	require.ErrorIs(t, err, ErrShortFrame)
}

func TestLinkSendFramesAndWritesToTransport(t *testing.T) {
	var sent []byte
	transport := fs.Register("\\test\\ppp-transport0", &fs.Ops{
		Write: func(_ *fs.FD, src *fs.BufferList, _ uint32) (int, error) {
			buf := make([]byte, src.Len())
			require.NoError(t, src.PeekHead(buf))
			sent = buf
			return len(buf), nil
		},
	})
	t.Cleanup(func() { fs.Unregister("\\test\\ppp-transport0") })

	l := NewLink(transport, [4]byte{10, 0, 0, 1}, 1500, "\\test\\ppp0")
	t.Cleanup(func() { fs.Unregister("\\test\\ppp0") })

	datagram := fs.NewList(l.FD())
	payload := []byte{0x45, 0x00, 0x00, 0x14}
	require.NoError(t, datagram.PushTail(payload))

	n, err := fs.Write(l.FD(), datagram, 0)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, Encode(ProtoIP, payload), sent)
}

func TestLinkReceiveByteAccumulatesUntilFlag(t *testing.T) {
	transport := fs.Register("\\test\\ppp-transport1", &fs.Ops{})
	t.Cleanup(func() { fs.Unregister("\\test\\ppp-transport1") })

	l := NewLink(transport, [4]byte{10, 0, 0, 1}, 1500, "\\test\\ppp1")
	t.Cleanup(func() { fs.Unregister("\\test\\ppp1") })

	for _, b := range []byte{0x01, 0x02} {
		require.NoError(t, l.ReceiveByte(b))
	}
	require.Len(t, l.rxBuf, 2)

	l.ReceiveByte(flagByte) // too short to verify FCS; only the buffer reset matters here
	require.Nil(t, l.rxBuf)
}

func TestLinkDeliverDropsNonIPProtocol(t *testing.T) {
	transport := fs.Register("\\test\\ppp-transport2", &fs.Ops{})
	t.Cleanup(func() { fs.Unregister("\\test\\ppp-transport2") })

	l := NewLink(transport, [4]byte{10, 0, 0, 1}, 1500, "\\test\\ppp2")
	t.Cleanup(func() { fs.Unregister("\\test\\ppp2") })

	framed := Encode(0xC021, []byte{0x01}) // LCP, not IP
	err := l.deliver(framed[1 : len(framed)-1])
	require.NoError(t, err)
}
