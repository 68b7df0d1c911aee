// Package cdcacm implements a USB CDC-ACM serial function down to the
// fs.FD vtable boundary: the bulk IN/OUT data endpoints
// usb_fun_cdc_acm.c's usb_fun_cdc_acm_data_in/data_out service, pushed
// behind an Endpoint interface so no USB descriptor tables, control
// requests, or real endpoint hardware live in this module — those are
// exactly the "device-specific register pokes" spec.md excludes. Unlike
// drivers/serial's byte-at-a-time UART model, CDC-ACM's bulk endpoints
// move whole packets, so PollOnce delivers one Receive() result at a
// time rather than unpacking it into individual bytes.
package cdcacm

import (
	"github.com/kestrel-rtos/kestrel/fs"
)

// Endpoint is the bulk IN/OUT transport a real USB CDC-ACM function
// would drive via its controller's endpoint FIFOs.
type Endpoint interface {
	Send(data []byte) error
	Receive() ([]byte, bool, error) // ok is false if nothing is pending
}

// Device is one CDC-ACM serial function, presenting the same "install
// a byte sink, otherwise queue onto my own fd" shape as
// drivers/serial.Device so a framing layer or drivers/console can sit
// on top of either transport interchangeably.
type Device struct {
	ep       Endpoint
	fd       *fs.FD
	onPacket func([]byte)
}

// New registers ep as a packet-facing fs.FD at path.
func New(ep Endpoint, path string) *Device {
	d := &Device{ep: ep}
	d.fd = fs.Register(path, &fs.Ops{
		Write: func(_ *fs.FD, src *fs.BufferList, _ uint32) (int, error) {
			return d.write(src)
		},
	})
	return d
}

func (d *Device) FD() *fs.FD { return d.fd }

// OnPacket installs f as the sink each PollOnce-delivered packet is
// handed to, in place of the fd's own RX queue — e.g. drivers/console
// feeding characters through PushByte one at a time.
func (d *Device) OnPacket(f func([]byte)) { d.onPacket = f }

func (d *Device) write(src *fs.BufferList) (int, error) {
	n := src.Len()
	buf := make([]byte, n)
	if err := src.PeekHead(buf); err != nil {
		src.Drain(d.fd.Pool())
		return 0, err
	}
	src.Drain(d.fd.Pool())

	if err := d.ep.Send(buf); err != nil {
		return 0, err
	}
	return n, nil
}

// PollOnce drains every packet currently queued on the OUT endpoint,
// the stand-in for usb_fun_cdc_acm_data_out's interrupt-driven
// delivery.
func (d *Device) PollOnce() error {
	for {
		data, ok, err := d.ep.Receive()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		if d.onPacket != nil {
			d.onPacket(data)
			continue
		}

		l := fs.NewList(d.fd)
		if err := l.PushTail(data); err != nil {
			return err
		}
		d.fd.Pool().PutRx(l, 0)
	}
}
