package ipv4

import (
	"sort"
	"sync"

	"github.com/kestrel-rtos/kestrel/config"
	"github.com/kestrel-rtos/kestrel/fs"
	"github.com/kestrel-rtos/kestrel/kernel"
)

// fragment is one arrived piece of a datagram being reassembled: its
// byte offset within the final payload, the payload bytes themselves
// (IP header already stripped by parseHeader), and whether this was the
// final fragment (MF clear) establishing the datagram's total length.
type fragment struct {
	offset int
	length int
	last   bool
	list   *fs.BufferList
}

// fragSlot tracks one (source IP, datagram ID) reassembly in progress.
type fragSlot struct {
	inUse        bool
	dropped      bool
	sourceIP     [4]byte
	id           uint16
	protocol     uint8
	destIP       [4]byte
	haveFirst    bool
	lastReceived bool
	deadline     kernel.Tick
	fragments    []fragment
}

func (s *fragSlot) reset() {
	*s = fragSlot{}
}

// insert splices frag into s.fragments sorted ascending by offset, per
// spec.md §4.6 step 4's "insert-with-comparator".
func (s *fragSlot) insert(frag fragment) {
	i := sort.Search(len(s.fragments), func(i int) bool {
		return s.fragments[i].offset >= frag.offset
	})
	s.fragments = append(s.fragments, fragment{})
	copy(s.fragments[i+1:], s.fragments[i:])
	s.fragments[i] = frag
}

// tryMerge returns the fully reassembled payload once every fragment
// from offset 0 up to (and including) the one marked last has arrived
// contiguously, with no gaps. Returns ok=false while holes remain. Any
// fragment sorted after the one marked last (a duplicate or spoofed
// trailing fragment sharing this offset run) is drained back to pool
// rather than silently dropped, so it can't leak buffers out of the
// shared pool.
func (s *fragSlot) tryMerge(pool *fs.BufferData) (*fs.BufferList, bool) {
	if !s.haveFirst || !s.lastReceived || len(s.fragments) == 0 {
		return nil, false
	}
	if s.fragments[0].offset != 0 {
		return nil, false
	}

	total := s.fragments[0].length
	complete := s.fragments[0].last

	for i := 1; i < len(s.fragments) && !complete; i++ {
		if s.fragments[i].offset != total {
			return nil, false // gap
		}
		total += s.fragments[i].length
		complete = s.fragments[i].last
	}

	if !complete {
		return nil, false
	}

	merged := s.fragments[0].list
	i := 1
	for ; i < len(s.fragments); i++ {
		fs.Append(merged, s.fragments[i].list)
		if s.fragments[i].last {
			i++
			break
		}
	}
	for ; i < len(s.fragments); i++ {
		s.fragments[i].list.Drain(pool)
	}
	s.fragments = nil
	return merged, true
}

// fragTable is the fixed-size reassembly slot array for one device.
type fragTable struct {
	mu    sync.Mutex
	slots []*fragSlot
}

var (
	tablesMu sync.Mutex
	tables   = map[Device]*fragTable{}
)

func tableFor(dev Device) *fragTable {
	tablesMu.Lock()
	defer tablesMu.Unlock()

	t, ok := tables[dev]
	if !ok {
		t = &fragTable{slots: make([]*fragSlot, config.FragMaxSlotsPerDevice)}
		for i := range t.slots {
			t.slots[i] = &fragSlot{}
		}
		tables[dev] = t
	}
	return t
}

// find locates an in-use slot matching (source, id), dropped or not
// (callers check slot.dropped); the caller holds t.mu.
func (t *fragTable) find(source [4]byte, id uint16) *fragSlot {
	for _, s := range t.slots {
		if s.inUse && s.sourceIP == source && s.id == id {
			return s
		}
	}
	return nil
}

// allocate claims a free slot for (source, id), or returns
// ErrNoFragSlot if the table is full. The caller holds t.mu.
func (t *fragTable) allocate(source [4]byte, id uint16, protocol uint8, dest [4]byte) (*fragSlot, error) {
	for _, s := range t.slots {
		if !s.inUse {
			s.reset()
			s.inUse = true
			s.sourceIP = source
			s.id = id
			s.protocol = protocol
			s.destIP = dest
			return s, nil
		}
	}
	return nil, ErrNoFragSlot
}

// dropAllLocked marks every active slot dropped and schedules its
// deletion after FragDropTimeout, implementing spec.md §4.6 step 3's
// "once we start dropping fragments of a flow we can never complete
// it, so drop the whole flow promptly." The caller holds t.mu.
func (t *fragTable) dropAllLocked(now kernel.Tick) {
	for _, s := range t.slots {
		if s.inUse && !s.dropped {
			s.dropped = true
			s.deadline = now + kernel.Ticks(config.FragDropTimeout)
		}
	}
}

// ExpireSlots releases any slot (dropped or merely stale) whose
// deadline has passed; called by the network condition task on its
// per-device fragment-expiry condition (spec.md §4.6 step 6).
func ExpireSlots(dev Device, now kernel.Tick) {
	t := tableFor(dev)
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, s := range t.slots {
		if s.inUse && kernel.After(now, s.deadline) {
			for _, f := range s.fragments {
				f.list.Drain(dev.FD().Pool())
			}
			s.reset()
		}
	}
}
