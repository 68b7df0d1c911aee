package tcp

import (
	"sort"
	"sync"

	"github.com/rs/xid"

	"github.com/kestrel-rtos/kestrel/cond"
	"github.com/kestrel-rtos/kestrel/config"
	"github.com/kestrel-rtos/kestrel/fs"
	"github.com/kestrel-rtos/kestrel/kernel"
	"github.com/kestrel-rtos/kestrel/net/ipv4"
)

// State is a TCP connection's position in the RFC 793 state diagram
// (spec.md §4.7's transition table).
type State int

const (
	Closed State = iota
	StateListen
	SynSent
	SynRcvd
	Established
	FinWait1
	FinWait2
	CloseWait
	Closing
	LastAck
	TimeWait
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case SynSent:
		return "SYN_SENT"
	case SynRcvd:
		return "SYN_RCVD"
	case Established:
		return "ESTABLISHED"
	case FinWait1:
		return "FIN_WAIT_1"
	case FinWait2:
		return "FIN_WAIT_2"
	case CloseWait:
		return "CLOSE_WAIT"
	case Closing:
		return "CLOSING"
	case LastAck:
		return "LAST_ACK"
	case TimeWait:
		return "TIME_WAIT"
	default:
		return "UNKNOWN"
	}
}

// rtxSlot is one retransmission slot (spec.md §3's fixed TCP_NUM_RTX
// array): a segment that may need resending until its bytes are
// acknowledged.
type rtxSlot struct {
	inUse          bool
	bufferReturned bool
	list           *fs.BufferList
	seq            uint32
	length         int
}

// ooSegment is one out-of-order buffer list awaiting its turn to be
// spliced into the connection's receive queue, sorted ascending by the
// sequence number it starts at.
type ooSegment struct {
	seq  uint32
	list *fs.BufferList
}

// Port is one TCP endpoint (spec.md §3's TCP port). Its lock guards
// every field below. Segment processing in the network condition task
// (§4.9) drives most state transitions; the application-facing
// Dial/doConnect/doClose also set the state, under the same lock.
type Port struct {
	ID xid.ID

	LocalIP, ForeignIP     [4]byte
	LocalPort, ForeignPort uint16
	Dev                    ipv4.Device

	mu    sync.Mutex
	state State

	sndUna, sndNxt uint32
	sndWnd         uint32
	sndWndScale    uint8
	mss            uint16

	rcvNxt      uint32
	rcvWnd      uint32
	rcvWndScale uint8

	nacks int

	rtx         [config.TCPNumRtx]rtxSlot
	rtxTimeout  kernel.Tick
	rtxArmed    bool
	rtxBackoff  kernel.Tick

	eventTimeout kernel.Tick
	eventArmed   bool

	rxList *fs.BufferList
	ooList []ooSegment

	// backlog holds child ports spawned by an inbound SYN on a LISTEN
	// port (spec.md §4.7's "enqueue request on listen backlog"); Accept
	// waits for an entry that has reached ESTABLISHED and hands it to
	// the caller.
	backlog []*Port
	parent  *Port

	fd *fs.FD

	readCond    *cond.Condition
	writeCond   *cond.Condition
	acceptCond  *cond.Condition
	connectCond *cond.Condition
}

func (p *Port) lock()   { p.mu.Lock() }
func (p *Port) unlock() { p.mu.Unlock() }

// State returns the port's current RFC 793 state.
func (p *Port) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// FD returns the descriptor application code reads and writes stream
// data through via the generic fs.Read/fs.Write calls. Listening ports
// and ports returned by Accept/Dial both have one.
func (p *Port) FD() *fs.FD {
	return p.fd
}

var (
	registryMu sync.Mutex
	registry   []*Port
)

// Register creates a port bound to localIP/localPort on dev, in the
// CLOSED state, and adds it to the global port list (spec.md §3's
// "register/unregister" TCP port lifetime). fd is the descriptor
// application code performs Read/Write/Accept/Connect/Close through;
// its buffer pool backs every buffer list this port allocates.
func Register(dev ipv4.Device, localIP [4]byte, localPort uint16, fd *fs.FD) *Port {
	p := &Port{
		ID:          xid.New(),
		Dev:         dev,
		LocalIP:     localIP,
		LocalPort:   localPort,
		state:       Closed,
		rcvWnd:      uint32(config.TCPWindowSize),
		rcvWndScale: config.TCPWindowScale,
		mss:         config.TCPDefaultMSS,
		fd:          fd,
	}
	p.readCond = &cond.Condition{
		Data:   p,
		Lock:   func(any) { p.lock() },
		Unlock: func(any) { p.unlock() },
		DoSuspend: func(any, any) bool {
			return p.rxList == nil && p.state != TimeWait && p.state != Closed
		},
	}
	p.writeCond = &cond.Condition{
		Data:   p,
		Lock:   func(any) { p.lock() },
		Unlock: func(any) { p.unlock() },
		DoSuspend: func(any, any) bool {
			return p.sndWnd == 0 && p.state == Established
		},
	}
	p.acceptCond = &cond.Condition{
		Data:   p,
		Lock:   func(any) { p.lock() },
		Unlock: func(any) { p.unlock() },
		DoSuspend: func(any, any) bool {
			return p.firstAcceptableLocked() == nil && p.state == StateListen
		},
	}
	p.connectCond = &cond.Condition{
		Data:   p,
		Lock:   func(any) { p.lock() },
		Unlock: func(any) { p.unlock() },
		DoSuspend: func(any, any) bool {
			return p.state == SynSent
		},
	}

	registryMu.Lock()
	registry = append(registry, p)
	registryMu.Unlock()
	return p
}

// Unregister removes p from the global port list and returns every
// buffer it still owns (retransmission slots, listen backlog, RX
// primary, OO list) to its pool, per spec.md §3's lifecycle rule.
func Unregister(p *Port) {
	registryMu.Lock()
	for i, e := range registry {
		if e == p {
			registry = append(registry[:i], registry[i+1:]...)
			break
		}
	}
	registryMu.Unlock()

	p.lock()
	defer p.unlock()

	pool := p.fd.Pool()
	for i := range p.rtx {
		if p.rtx[i].inUse && p.rtx[i].list != nil {
			p.rtx[i].list.Drain(pool)
		}
		p.rtx[i] = rtxSlot{}
	}
	for _, child := range p.backlog {
		Unregister(child)
	}
	p.backlog = nil
	if p.rxList != nil {
		p.rxList.Drain(pool)
		p.rxList = nil
	}
	for _, oo := range p.ooList {
		oo.list.Drain(pool)
	}
	p.ooList = nil
	p.state = Closed
}

// lookup implements spec.md §4.7 step 2: an exact four-tuple match
// wins; else a LISTEN port on (localIP, localPort) with unspecified
// foreign address/port wins as a partial match; else nil.
func lookup(localIP [4]byte, localPort uint16, foreignIP [4]byte, foreignPort uint16) *Port {
	registryMu.Lock()
	defer registryMu.Unlock()

	var partial *Port
	for _, p := range registry {
		p.mu.Lock()
		exact := p.LocalIP == localIP && p.LocalPort == localPort &&
			p.ForeignIP == foreignIP && p.ForeignPort == foreignPort
		isListen := p.state == StateListen && p.LocalIP == localIP && p.LocalPort == localPort
		p.mu.Unlock()

		if exact {
			return p
		}
		if isListen && partial == nil {
			partial = p
		}
	}
	return partial
}

// ports returns a snapshot of every registered port, for the
// retransmission and event-timer service passes.
func ports() []*Port {
	registryMu.Lock()
	defer registryMu.Unlock()
	return append([]*Port(nil), registry...)
}

// firstAcceptableLocked returns the first backlog child that has
// completed its handshake (ESTABLISHED), or nil if none has yet. Caller
// holds p's lock.
func (p *Port) firstAcceptableLocked() *Port {
	for _, child := range p.backlog {
		child.mu.Lock()
		ok := child.state == Established
		child.mu.Unlock()
		if ok {
			return child
		}
	}
	return nil
}

// insertOO inserts seg into p.ooList, sorted ascending by starting
// sequence (spec.md §4.7 step 5). Caller holds p's lock.
func (p *Port) insertOO(seg ooSegment) {
	i := sort.Search(len(p.ooList), func(i int) bool {
		return int32(p.ooList[i].seq-seg.seq) >= 0
	})
	p.ooList = append(p.ooList, ooSegment{})
	copy(p.ooList[i+1:], p.ooList[i:])
	p.ooList[i] = seg
}
