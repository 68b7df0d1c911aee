package slip

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrel-rtos/kestrel/fs"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payload := []byte{0x01, end, 0x02, esc, 0x03}
	framed := Encode(payload)
	require.Equal(t, byte(end), framed[len(framed)-1])

	decoded, err := Decode(framed[:len(framed)-1])
	require.NoError(t, err)
	require.Equal(t, payload, decoded)
}

func TestDecodeRejectsTrailingEscape(t *testing.T) {
	_, err := Decode([]byte{0x01, esc})
	require.ErrorIs(t, err, ErrUnescaped)
}

func TestLinkSendFramesAndWritesToTransport(t *testing.T) {
	var sent []byte
	transport := fs.Register("\\test\\slip-transport0", &fs.Ops{
		Write: func(_ *fs.FD, src *fs.BufferList, _ uint32) (int, error) {
			buf := make([]byte, src.Len())
			require.NoError(t, src.PeekHead(buf))
			sent = buf
			return len(buf), nil
		},
	})
	t.Cleanup(func() { fs.Unregister("\\test\\slip-transport0") })

	l := NewLink(transport, [4]byte{10, 0, 0, 1}, 1500, "\\test\\slip0")
	t.Cleanup(func() { fs.Unregister("\\test\\slip0") })

	datagram := fs.NewList(l.FD())
	payload := []byte{0xAA, end, 0xBB}
	require.NoError(t, datagram.PushTail(payload))

	n, err := fs.Write(l.FD(), datagram, 0)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, Encode(payload), sent)
}

func TestLinkReceiveByteAccumulatesUntilEnd(t *testing.T) {
	transport := fs.Register("\\test\\slip-transport1", &fs.Ops{})
	t.Cleanup(func() { fs.Unregister("\\test\\slip-transport1") })

	l := NewLink(transport, [4]byte{10, 0, 0, 1}, 1500, "\\test\\slip1")
	t.Cleanup(func() { fs.Unregister("\\test\\slip1") })

	for _, b := range []byte{0x01, 0x02} {
		require.NoError(t, l.ReceiveByte(b))
	}
	require.Len(t, l.rxBuf, 2)

	l.ReceiveByte(end) // too short to parse as IPv4; only the buffer reset matters here
	require.Nil(t, l.rxBuf)
}
