package fs

import "encoding/binary"

// PushFlag and PullFlag bits control where data is written/read within a
// Buffer and whether the access is byte-order aware or destructive.
type PushFlag uint8

const (
	PushHead   PushFlag = 1 << iota // write into head-room, growing backwards
	PushTail                        // write into tail-room (the common case)
	PushPacked                      // reverse bytes on a little-endian host, to match network byte order
	PushUpdate                      // overwrite existing valid bytes in place instead of growing length
)

type PullFlag uint8

const (
	PullHead    PullFlag = 1 << iota // read (and release) from the front of the valid region
	PullTail                         // read (and release) from the back of the valid region
	PullPacked                       // reverse bytes on a little-endian host
	PullInplace                      // peek: do not advance/shrink the valid region
)

// littleEndianHost is true on every target this module ships for
// (AVR, STM32, and the x86/amd64 host test build are all little-endian);
// kept as a variable rather than a build-tag constant so tests can
// exercise both branches of the PushPacked/PullPacked logic explicitly.
var littleEndianHost = true

// Buffer is one fixed-size region of backing memory with a read/write
// cursor. data is the immutable base allocation; the valid region is
// data[cursor : cursor+length]. Head room is data[:cursor], tail room is
// data[cursor+length:].
type Buffer struct {
	data      []byte
	maxLength int
	cursor    int
	length    int
	next      *Buffer
}

// newBuffer wraps a freshly allocated backing array as an empty buffer
// with the cursor centered so there is head room available for protocol
// layers that prepend headers (IPv4/TCP build segments by pushing headers
// onto the head of an otherwise-full payload buffer).
func newBuffer(backing []byte) *Buffer {
	return &Buffer{
		data:      backing,
		maxLength: len(backing),
		cursor:    len(backing) / 2,
		length:    0,
	}
}

// Len returns the current valid length.
func (b *Buffer) Len() int { return b.length }

// HeadRoom returns the number of free bytes before the valid region.
func (b *Buffer) HeadRoom() int { return b.cursor }

// TailRoom returns the number of free bytes after the valid region.
func (b *Buffer) TailRoom() int { return b.maxLength - b.cursor - b.length }

// Bytes returns the valid region. The caller must not retain it past the
// next mutating call to b.
func (b *Buffer) Bytes() []byte { return b.data[b.cursor : b.cursor+b.length] }

// reset empties the buffer back to its as-allocated state, for returning
// it to a pool's free list.
func (b *Buffer) reset() {
	b.cursor = b.maxLength / 2
	b.length = 0
	b.next = nil
}

func maybeSwap(buf []byte, packed bool) {
	if !packed || !littleEndianHost || len(buf) <= 1 {
		return
	}
	for i, j := 0, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
}

// Push writes src into b according to flags, returning ErrNoSpace if
// there isn't enough head-room/tail-room. PushPacked reverses src's bytes
// on a little-endian host so that pushing a multi-byte integer lands in
// network (big-endian) byte order; the caller's src slice is not mutated,
// a local copy is reversed instead.
func (b *Buffer) Push(src []byte, flags PushFlag) error {
	n := len(src)
	tmp := src

	if flags&PushPacked != 0 {
		tmp = append([]byte(nil), src...)
		maybeSwap(tmp, true)
	}

	switch {
	case flags&PushHead != 0:
		if flags&PushUpdate != 0 {
			if n > b.length {
				return ErrNoSpace
			}
			copy(b.data[b.cursor:], tmp)
			return nil
		}
		if n > b.HeadRoom() {
			return ErrNoSpace
		}
		b.cursor -= n
		copy(b.data[b.cursor:], tmp)
		b.length += n
		return nil

	case flags&PushTail != 0:
		if flags&PushUpdate != 0 {
			if n > b.length {
				return ErrNoSpace
			}
			copy(b.data[b.cursor+b.length-n:], tmp)
			return nil
		}
		if n > b.TailRoom() {
			return ErrNoSpace
		}
		copy(b.data[b.cursor+b.length:], tmp)
		b.length += n
		return nil

	default:
		return ErrNotSupported
	}
}

// AddHead reserves n bytes of head-room without writing anything to it,
// shifting the cursor back; used by protocol layers which push fixed
// headers field-by-field after reserving the whole header's space.
func (b *Buffer) AddHead(n int) error {
	if n > b.HeadRoom() {
		return ErrNoSpace
	}
	b.cursor -= n
	b.length += n
	return nil
}

// Pull reads len(dst) bytes out of b according to flags. With
// PullInplace the valid region is unchanged; otherwise the read bytes are
// released (PullHead advances the cursor forward, PullTail shrinks the
// back of the region).
func (b *Buffer) Pull(dst []byte, flags PullFlag) error {
	n := len(dst)
	if n > b.length {
		return ErrNoSpace
	}

	switch {
	case flags&PullHead != 0:
		copy(dst, b.data[b.cursor:b.cursor+n])
		maybeSwap(dst, flags&PullPacked != 0)
		if flags&PullInplace == 0 {
			b.cursor += n
			b.length -= n
		}
		return nil

	case flags&PullTail != 0:
		start := b.cursor + b.length - n
		copy(dst, b.data[start:start+n])
		maybeSwap(dst, flags&PullPacked != 0)
		if flags&PullInplace == 0 {
			b.length -= n
		}
		return nil

	default:
		return ErrNotSupported
	}
}

// PullUint16 / PullUint32 are convenience wrappers used throughout the
// IPv4/TCP header parsers; the wire format is always big-endian (network
// byte order), so PullPacked is implied rather than parameterized.
func (b *Buffer) PullUint16(flags PullFlag) (uint16, error) {
	var tmp [2]byte
	if err := b.Pull(tmp[:], flags&^PullPacked); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(tmp[:]), nil
}

func (b *Buffer) PullUint32(flags PullFlag) (uint32, error) {
	var tmp [4]byte
	if err := b.Pull(tmp[:], flags&^PullPacked); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(tmp[:]), nil
}

func (b *Buffer) PushUint16(v uint16, flags PushFlag) error {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return b.Push(tmp[:], flags&^PushPacked)
}

func (b *Buffer) PushUint32(v uint32, flags PushFlag) error {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return b.Push(tmp[:], flags&^PushPacked)
}
