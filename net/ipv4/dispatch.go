package ipv4

import (
	"github.com/kestrel-rtos/kestrel/config"
	"github.com/kestrel-rtos/kestrel/fs"
	"github.com/kestrel-rtos/kestrel/kernel"
)

func isBroadcastOrMulticast(ip [4]byte) bool {
	if ip == [4]byte{255, 255, 255, 255} {
		return true
	}
	return ip[0]&0xF0 == 0xE0 // 224.0.0.0/4 multicast
}

// Receive is the device driver's entry point for an inbound Ethernet/
// PPP frame's IPv4 payload: parse and validate the header, then either
// feed the reassembly path (fragmented datagrams) or dispatch directly.
func Receive(dev Device, l *fs.BufferList) error {
	h, err := parseHeader(l)
	if err != nil {
		l.Drain(dev.FD().Pool())
		return err
	}

	if h.MF || h.FragOffset != 0 {
		return reassemble(dev, h, l)
	}

	return dispatch(dev, h.Protocol, h.Src, h.Dst, l)
}

func dispatch(dev Device, protocol uint8, src, dst [4]byte, payload *fs.BufferList) error {
	handler, ok := handlers[protocol]
	if !ok {
		payload.Drain(dev.FD().Pool())
		return ErrNoHandler
	}
	return handler(dev, src, dst, payload)
}

// reassemble implements spec.md §4.6 steps 1-5.
func reassemble(dev Device, h Header, payload *fs.BufferList) error {
	if isBroadcastOrMulticast(h.Src) {
		payload.Drain(dev.FD().Pool())
		return ErrBroadcast
	}

	t := tableFor(dev)
	t.mu.Lock()
	defer t.mu.Unlock()

	now := kernel.Now()

	if dev.FD().Pool().ThresholdLocked() {
		t.dropAllLocked(now)
	}

	slot := t.find(h.Src, h.ID)
	if slot == nil {
		var err error
		slot, err = t.allocate(h.Src, h.ID, h.Protocol, h.Dst)
		if err != nil {
			payload.Drain(dev.FD().Pool())
			return err
		}
	}

	if slot.dropped {
		payload.Drain(dev.FD().Pool())
		return ErrFragmentDrop
	}

	slot.insert(fragment{
		offset: h.FragOffset,
		length: payload.Len(),
		last:   !h.MF,
		list:   payload,
	})
	if h.FragOffset == 0 {
		slot.haveFirst = true
	}
	if !h.MF {
		slot.lastReceived = true
	}
	slot.deadline = now + kernel.Ticks(config.FragTimeout)

	merged, ok := slot.tryMerge(dev.FD().Pool())
	if !ok {
		return nil
	}

	proto, src, dst := slot.protocol, slot.sourceIP, slot.destIP
	slot.reset()
	return dispatch(dev, proto, src, dst, merged)
}
