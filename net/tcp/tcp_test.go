package tcp

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrel-rtos/kestrel/fs"
)

func newPayload(t *testing.T, fd *fs.FD, data []byte) *fs.BufferList {
	t.Helper()
	l := fs.NewList(fd)
	require.NoError(t, l.PushTail(data))
	return l
}

func TestBuildParseSegmentRoundTrip(t *testing.T) {
	fd := fs.RegisterWithPool("\\test\\tcp\\roundtrip", &fs.Ops{}, 64, 256, 64, 0, 0)
	t.Cleanup(func() { fs.Unregister(fd.Path) })

	src := [4]byte{10, 0, 0, 1}
	dst := [4]byte{10, 0, 0, 2}

	l := newPayload(t, fd, []byte("hello tcp"))
	seg := Segment{SrcPort: 1234, DstPort: 80, Seq: 1000, Ack: 2000, Flags: FlagACK | FlagPSH, Window: 4096}
	require.NoError(t, buildSegment(l, seg, src, dst))

	got, err := parseSegment(l, src, dst)
	require.NoError(t, err)
	require.Equal(t, seg.SrcPort, got.SrcPort)
	require.Equal(t, seg.DstPort, got.DstPort)
	require.Equal(t, seg.Seq, got.Seq)
	require.Equal(t, seg.Ack, got.Ack)
	require.Equal(t, seg.Flags, got.Flags)
	require.Equal(t, seg.Window, got.Window)

	rest := make([]byte, l.Len())
	require.NoError(t, l.PeekHead(rest))
	require.Equal(t, "hello tcp", string(rest))
}

func TestParseSegmentRejectsBadChecksum(t *testing.T) {
	fd := fs.RegisterWithPool("\\test\\tcp\\badchecksum", &fs.Ops{}, 64, 256, 64, 0, 0)
	t.Cleanup(func() { fs.Unregister(fd.Path) })

	src := [4]byte{10, 0, 0, 1}
	dst := [4]byte{10, 0, 0, 2}

	l := newPayload(t, fd, []byte("payload"))
	seg := Segment{SrcPort: 1, DstPort: 2, Seq: 1, Ack: 1, Flags: FlagACK}
	require.NoError(t, buildSegment(l, seg, src, dst))

	hdr := make([]byte, minHeaderLen)
	require.NoError(t, l.PullHead(hdr))
	hdr[0] ^= 0xFF // corrupt source port without fixing the checksum
	require.NoError(t, l.PushHead(hdr))

	_, err := parseSegment(l, src, dst)
	require.ErrorIs(t, err, ErrBadChecksum)
}

func TestBuildSegmentEncodesMSSAndWindowScaleOnSYN(t *testing.T) {
	fd := fs.RegisterWithPool("\\test\\tcp\\synopts", &fs.Ops{}, 64, 256, 64, 0, 0)
	t.Cleanup(func() { fs.Unregister(fd.Path) })

	src := [4]byte{10, 0, 0, 1}
	dst := [4]byte{10, 0, 0, 2}

	l := fs.NewList(fd)
	seg := Segment{SrcPort: 1, DstPort: 2, Seq: 1, Flags: FlagSYN, MSS: 1460, HasWindowScale: true, WindowScale: 2}
	require.NoError(t, buildSegment(l, seg, src, dst))

	got, err := parseSegment(l, src, dst)
	require.NoError(t, err)
	require.Equal(t, uint16(1460), got.MSS)
	require.True(t, got.HasWindowScale)
	require.Equal(t, uint8(2), got.WindowScale)
	require.Equal(t, 0, l.Len())
}

func TestParseOptionsRejectsBadLength(t *testing.T) {
	var s Segment
	err := parseOptions([]byte{optMSS, 3, 0}, &s) // MSS must be length 4
	require.ErrorIs(t, err, ErrBadOption)
}

func TestParseOptionsSkipsNOPAndStopsAtEnd(t *testing.T) {
	var s Segment
	opts := []byte{optNOP, optNOP, optWindowScale, 3, 7, optEND, optMSS, 4, 0, 0}
	require.NoError(t, parseOptions(opts, &s))
	require.True(t, s.HasWindowScale)
	require.Equal(t, uint8(7), s.WindowScale)
	require.Equal(t, uint16(0), s.MSS) // never reached, END stopped the walk
}
