package ipv4

import (
	"github.com/kestrel-rtos/kestrel/fs"
)

// Transmit sends payload to dst over dev, building the IPv4 header from
// h (ID, Protocol, TTL, Src, Dst must already be set; TotalLength,
// FragOffset and MF are computed here). If payload exceeds the egress
// MTU minus the header, it is divided into MTU-sized, 8-byte-aligned
// pieces sharing h.ID, per spec.md §4.6's transmit path.
func Transmit(dev Device, h Header, payload *fs.BufferList) error {
	mtu := dev.MTU()

	if payload.Len()+headerLen <= mtu {
		h.TotalLength = headerLen + payload.Len()
		h.FragOffset = 0
		h.MF = false
		if err := buildHeader(payload, h); err != nil {
			return err
		}
		return sendFrame(dev, payload)
	}

	maxPayload := (mtu - headerLen) &^ 7 // round down to a multiple of 8 octets
	if maxPayload <= 0 {
		return ErrShortHeader
	}

	offset := 0
	remaining := payload

	for {
		chunk := maxPayload
		last := false
		if chunk >= remaining.Len() {
			chunk = remaining.Len()
			last = true
		}

		var tail *fs.BufferList
		if !last {
			var err error
			tail, err = fs.Divide(remaining, chunk)
			if err != nil {
				return err
			}
		}

		fh := h
		fh.TotalLength = headerLen + chunk
		fh.FragOffset = offset
		fh.MF = !last

		if err := buildHeader(remaining, fh); err != nil {
			return err
		}
		if err := sendFrame(dev, remaining); err != nil {
			return err
		}

		if last {
			return nil
		}

		offset += chunk
		remaining = tail
	}
}

func sendFrame(dev Device, l *fs.BufferList) error {
	_, err := fs.Write(dev.FD(), l, 0)
	return err
}
