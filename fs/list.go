package fs

// BufferList is a chain of Buffers forming one logical packet/datagram
// (spec.md §4.5's {head, tail, total_length, fd, free, next} fields).
// totalLength is always the sum of every member buffer's Len(); this
// invariant is load-bearing for every operation below and for the
// pool's watermark accounting.
type BufferList struct {
	head, tail  *Buffer
	totalLength int

	fd *FD

	// Free, if set, is invoked by BufferData.PutList before the list is
	// actually returned to the free-lists queue; returning true keeps
	// the list out of circulation (TCP retransmission slots use this to
	// hold a list until it is acknowledged). FreeData is opaque state
	// for that callback (e.g. the retransmission slot it belongs to).
	Free     func(*BufferList) bool
	FreeData any

	next *BufferList
}

// NewList returns an empty BufferList whose Push/Pull/Divide operations
// allocate single buffers from fd's pool. Protocol layers building an
// outgoing packet from scratch (rather than receiving one) start here.
func NewList(fd *FD) *BufferList {
	return &BufferList{fd: fd}
}

// Len returns the list's total valid byte length across every member
// buffer.
func (l *BufferList) Len() int { return l.totalLength }

// Empty reports whether the list holds no buffers at all.
func (l *BufferList) Empty() bool { return l.head == nil }

// appendBuffer links b onto the tail of l's buffer chain.
func (l *BufferList) appendBuffer(b *Buffer) {
	b.next = nil
	if l.tail == nil {
		l.head, l.tail = b, b
	} else {
		l.tail.next = b
		l.tail = b
	}
}

// PushTail writes src onto the back of the list, the common path for
// assembling an outgoing packet's payload or appending newly-received
// bytes. It allocates additional buffers from the owning FD's pool as
// the current tail buffer fills. It never blocks for buffer
// availability: the pool's allocation error is returned instead, so
// protocol layers can apply their own back-pressure policy.
func (l *BufferList) PushTail(src []byte) error {
	for len(src) > 0 {
		if l.tail == nil || l.tail.TailRoom() == 0 {
			b, err := l.fd.Pool().GetBuffer(nil, 0)
			if err != nil {
				return err
			}
			l.appendBuffer(b)
		}

		n := l.tail.TailRoom()
		if n > len(src) {
			n = len(src)
		}
		if err := l.tail.Push(src[:n], PushTail); err != nil {
			return err
		}
		l.totalLength += n
		src = src[n:]
	}
	return nil
}

// PushHead writes src onto the front of the list, growing backwards;
// used when a lower protocol layer wraps an already-built upper-layer
// packet in its own header (e.g. IPv4 wrapping a TCP segment). If the
// current head buffer lacks sufficient head-room a new buffer is
// allocated and linked in front.
func (l *BufferList) PushHead(src []byte) error {
	if l.head != nil && l.head.HeadRoom() >= len(src) {
		if err := l.head.Push(src, PushHead); err != nil {
			return err
		}
		l.totalLength += len(src)
		return nil
	}

	b, err := l.fd.Pool().GetBuffer(nil, 0)
	if err != nil {
		return err
	}
	if len(src) > b.HeadRoom() {
		return ErrNoSpace
	}
	if err := b.Push(src, PushHead); err != nil {
		return err
	}
	b.next = l.head
	l.head = b
	if l.tail == nil {
		l.tail = b
	}
	l.totalLength += len(src)
	return nil
}

// PullHead reads len(dst) bytes from the front of the list, releasing
// exhausted buffers back to the pool as it consumes them. Returns
// ErrNoSpace if the list holds fewer than len(dst) bytes; in that case
// no bytes are consumed.
func (l *BufferList) PullHead(dst []byte) error {
	if len(dst) > l.totalLength {
		return ErrNoSpace
	}

	remaining := dst
	for len(remaining) > 0 {
		n := l.head.Len()
		if n > len(remaining) {
			n = len(remaining)
		}

		if err := l.head.Pull(remaining[:n], PullHead); err != nil {
			return err
		}
		remaining = remaining[n:]
		l.totalLength -= n

		if l.head.Len() == 0 {
			spent := l.head
			l.head = spent.next
			if l.head == nil {
				l.tail = nil
			}
			l.fd.Pool().PutBuffer(spent)
		}
	}
	return nil
}

// PullTail reads len(dst) bytes from the back of the list, releasing
// exhausted buffers back to the pool, the mirror of PullHead used to
// strip trailing link-layer padding past an IPv4 datagram's declared
// total length. Since Buffer is a singly-linked chain, removing an
// exhausted tail buffer requires a walk from head to find its
// predecessor; padding removal is rare and small, so this is not
// performance sensitive.
func (l *BufferList) PullTail(dst []byte) error {
	if len(dst) > l.totalLength {
		return ErrNoSpace
	}

	remaining := len(dst)
	for remaining > 0 {
		b := l.tail
		n := b.Len()
		if n > remaining {
			n = remaining
		}

		start := remaining - n
		if err := b.Pull(dst[start:remaining], PullTail); err != nil {
			return err
		}
		remaining -= n
		l.totalLength -= n

		if b.Len() == 0 {
			if l.head == b {
				l.head, l.tail = nil, nil
			} else {
				prev := l.head
				for prev.next != b {
					prev = prev.next
				}
				prev.next = nil
				l.tail = prev
			}
			l.fd.Pool().PutBuffer(b)
		}
	}
	return nil
}

// PeekHead reads len(dst) bytes from the front of the list without
// consuming them, for header lookahead (e.g. IPv4 inspecting the
// protocol field before deciding which upper layer owns the datagram).
func (l *BufferList) PeekHead(dst []byte) error {
	if len(dst) > l.totalLength {
		return ErrNoSpace
	}

	remaining := dst
	b := l.head
	for len(remaining) > 0 {
		n := b.Len()
		if n > len(remaining) {
			n = len(remaining)
		}
		if err := b.Pull(remaining[:n], PullHead|PullInplace); err != nil {
			return err
		}
		remaining = remaining[n:]
		b = b.next
	}
	return nil
}

// Drain releases every buffer in l back to pool and clears the list's
// bookkeeping, for protocol layers that need to discard a list they did
// not allocate from their own fd (e.g. a fragment slot's leftover
// pieces, which came from the receiving device's pool).
func (l *BufferList) Drain(pool *BufferData) {
	l.drainTo(pool)
}

// drainTo releases every buffer in l back to its pool and clears the
// list's bookkeeping. Used once a received list has been fully
// consumed, or to discard a list on error paths.
func (l *BufferList) drainTo(pool *BufferData) {
	for b := l.head; b != nil; {
		next := b.next
		pool.PutBuffer(b)
		b = next
	}
	l.head, l.tail, l.totalLength = nil, nil, 0
}

// Append moves every buffer in src onto the tail of l, leaving src
// empty. Both lists must belong to pools backed by the same buffer
// size; no copying is performed, only the intrusive links are
// rewritten, which is why this is O(1) rather than O(n).
func Append(l, src *BufferList) {
	if src.head == nil {
		return
	}
	if l.tail == nil {
		l.head = src.head
	} else {
		l.tail.next = src.head
	}
	l.tail = src.tail
	l.totalLength += src.totalLength

	src.head, src.tail, src.totalLength = nil, nil, 0
}

// Divide splits l at byte offset at: l retains the first at bytes and
// a newly pool-allocated list head carries the remainder. The buffer
// straddling the split point, if any, is physically copied into two
// buffers from the pool rather than shared, so each half owns its own
// backing memory; this mirrors the original firmware's fs_buffer_divide,
// which cannot alias one buffer from two lists. Returns ErrNoSpace if
// the list's pool has no free list head or buffer available for the
// split.
func Divide(l *BufferList, at int) (*BufferList, error) {
	if at < 0 || at > l.totalLength {
		return nil, ErrNoSpace
	}

	tailList, err := l.fd.Pool().GetList(nil, 0)
	if err != nil {
		return nil, err
	}
	tailList.fd = l.fd

	if at == l.totalLength {
		return tailList, nil
	}
	if at == 0 {
		tailList.head, tailList.tail, tailList.totalLength = l.head, l.tail, l.totalLength
		l.head, l.tail, l.totalLength = nil, nil, 0
		return tailList, nil
	}

	// walk to the buffer containing the split point
	offset := 0
	b := l.head
	var prev *Buffer
	for b != nil && offset+b.Len() <= at {
		offset += b.Len()
		prev = b
		b = b.next
	}

	splitWithin := at - offset
	if splitWithin == b.Len() {
		// split falls exactly on a buffer boundary
		tailList.head = b.next
		tailList.tail = l.tail
		tailList.totalLength = l.totalLength - at
		b.next = nil
		l.tail = b
		l.totalLength = at
		return tailList, nil
	}

	// split mid-buffer: copy the tail portion of b into a fresh buffer
	newHead, gerr := l.fd.Pool().GetBuffer(nil, 0)
	if gerr != nil {
		l.fd.Pool().PutList(tailList)
		return nil, gerr
	}

	tailBytes := make([]byte, b.Len()-splitWithin)
	copy(tailBytes, b.data[b.cursor+splitWithin:b.cursor+b.Len()])
	if err := newHead.Push(tailBytes, PushTail); err != nil {
		l.fd.Pool().PutBuffer(newHead)
		l.fd.Pool().PutList(tailList)
		return nil, err
	}

	rest := b.next
	b.length = splitWithin
	b.next = nil

	newHead.next = rest
	tailList.head = newHead
	if rest == nil {
		tailList.tail = newHead
	} else {
		tailList.tail = l.tail
	}
	tailList.totalLength = l.totalLength - at

	l.tail = b
	l.totalLength = at
	_ = prev

	return tailList, nil
}

// MoveData transfers up to n bytes from the front of src to the back of
// dst, consuming them from src. It is used by the TCP out-of-order
// reassembly queue to splice a completed in-order run into the
// connection's receive list. Returns the number of bytes actually
// moved, which is less than n only if src holds fewer than n bytes.
func MoveData(dst, src *BufferList, n int) (int, error) {
	if n > src.totalLength {
		n = src.totalLength
	}
	moved := 0
	buf := make([]byte, 4096)

	for moved < n {
		chunk := n - moved
		if chunk > len(buf) {
			chunk = len(buf)
		}
		if err := src.PullHead(buf[:chunk]); err != nil {
			return moved, err
		}
		if err := dst.PushTail(buf[:chunk]); err != nil {
			return moved, err
		}
		moved += chunk
	}
	return moved, nil
}
