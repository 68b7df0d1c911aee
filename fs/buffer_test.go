package fs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBufferPushPullHeadTail(t *testing.T) {
	b := newBuffer(make([]byte, 16))

	require.NoError(t, b.Push([]byte("world"), PushTail))
	require.NoError(t, b.Push([]byte("hello "), PushHead))
	require.Equal(t, "hello world", string(b.Bytes()))

	var head [6]byte
	require.NoError(t, b.Pull(head[:], PullHead))
	require.Equal(t, "hello ", string(head[:]))
	require.Equal(t, "world", string(b.Bytes()))

	var tail [3]byte
	require.NoError(t, b.Pull(tail[:], PullTail))
	require.Equal(t, "rld", string(tail[:]))
	require.Equal(t, "wo", string(b.Bytes()))
}

func TestBufferPullInplaceDoesNotConsume(t *testing.T) {
	b := newBuffer(make([]byte, 8))
	require.NoError(t, b.Push([]byte("abcd"), PushTail))

	var peek [2]byte
	require.NoError(t, b.Pull(peek[:], PullHead|PullInplace))
	require.Equal(t, "ab", string(peek[:]))
	require.Equal(t, 4, b.Len())
}

func TestBufferPushNoSpace(t *testing.T) {
	b := newBuffer(make([]byte, 4))
	require.NoError(t, b.Push([]byte("ab"), PushTail))
	require.NoError(t, b.Push([]byte("cd"), PushHead))
	require.ErrorIs(t, b.Push([]byte("e"), PushTail), ErrNoSpace)
	require.ErrorIs(t, b.Push([]byte("e"), PushHead), ErrNoSpace)
}

func TestBufferPackedReversesOnLittleEndianHost(t *testing.T) {
	b := newBuffer(make([]byte, 8))
	require.NoError(t, b.Push([]byte{0x01, 0x02, 0x03, 0x04}, PushTail|PushPacked))
	require.Equal(t, []byte{0x04, 0x03, 0x02, 0x01}, b.Bytes())
}

func TestBufferUint16Uint32RoundTripNetworkByteOrder(t *testing.T) {
	b := newBuffer(make([]byte, 16))
	require.NoError(t, b.PushUint16(0xBEEF, PushTail))
	require.NoError(t, b.PushUint32(0xCAFEBABE, PushTail))

	require.Equal(t, []byte{0xBE, 0xEF, 0xCA, 0xFE, 0xBA, 0xBE}, b.Bytes())

	v16, err := b.PullUint16(PullHead)
	require.NoError(t, err)
	require.Equal(t, uint16(0xBEEF), v16)

	v32, err := b.PullUint32(PullHead)
	require.NoError(t, err)
	require.Equal(t, uint32(0xCAFEBABE), v32)
}

func TestBufferAddHeadReservesWithoutWriting(t *testing.T) {
	b := newBuffer(make([]byte, 16))
	require.NoError(t, b.AddHead(4))
	require.Equal(t, 4, b.Len())
	require.Equal(t, 4, b.HeadRoom())
}

func TestBufferPushUpdateOverwritesInPlace(t *testing.T) {
	b := newBuffer(make([]byte, 8))
	require.NoError(t, b.Push([]byte("aaaa"), PushTail))
	require.NoError(t, b.Push([]byte("bb"), PushHead|PushUpdate))
	require.Equal(t, "bbaa", string(b.Bytes()))
}
