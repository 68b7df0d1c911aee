// Package enc28j60 drives the Microchip ENC28J60 standalone Ethernet
// controller, the MAC spec.md names as this stack's target NIC, down to
// the fs.FD vtable boundary: register and packet-memory access go
// through a reg.Bus the board wires to its real SPI peripheral, so this
// package expresses the chip's bank-switched register map and RX/TX
// buffer-memory protocol without ever touching an SPI controller itself.
// Ethernet framing and ARP resolution live here, the same seam
// net/ppp.Link uses for HDLC framing, so net/ipv4.Transmit's generic
// fs.Write(dev.FD(), ...) path reaches a fully-addressed Ethernet frame
// on the wire.
package enc28j60

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/kestrel-rtos/kestrel/fs"
	"github.com/kestrel-rtos/kestrel/internal/reg"
	"github.com/kestrel-rtos/kestrel/kernel"
	"github.com/kestrel-rtos/kestrel/log"
	"github.com/kestrel-rtos/kestrel/net"
	"github.com/kestrel-rtos/kestrel/net/arp"
	"github.com/kestrel-rtos/kestrel/net/ipv4"
	"golang.org/x/time/rate"
)

// Common registers, addressable regardless of the selected bank.
const (
	addrEIE   = 0x1B
	addrEIR   = 0x1C
	addrESTAT = 0x1D
	addrECON2 = 0x1E
	addrECON1 = 0x1F
)

const (
	econ1BSEL0 = 0x01
	econ1BSEL1 = 0x02
	econ1RXEN  = 0x04
	econ1TXRTS = 0x08
	econ1RXRST = 0x40
	econ1TXRST = 0x80

	econ2AUTOINC = 0x80
	econ2PKTDEC  = 0x40

	eirTXIF  = 0x08
	eirPKTIF = 0x40

	estatCLKRDY = 0x01
)

// Bank 0: buffer pointers and packet boundaries.
const (
	bank0ERDPTL   = 0x00
	bank0ERDPTH   = 0x01
	bank0EWRPTL   = 0x02
	bank0EWRPTH   = 0x03
	bank0ETXSTL   = 0x04
	bank0ETXSTH   = 0x05
	bank0ETXNDL   = 0x06
	bank0ETXNDH   = 0x07
	bank0ERXSTL   = 0x08
	bank0ERXSTH   = 0x09
	bank0ERXNDL   = 0x0A
	bank0ERXNDH   = 0x0B
	bank0ERXRDPTL = 0x0C
	bank0ERXRDPTH = 0x0D
)

// Bank 1: hash/pattern filters and the received-packet counter.
const (
	bank1ERXFCON = 0x18
	bank1EPKTCNT = 0x19
)

const (
	erxfconUCEN  = 0x80
	erxfconCRCEN = 0x20
	erxfconBCEN  = 0x01
)

// Bank 2: MAC control registers.
const (
	bank2MACON1   = 0x00
	bank2MACON3   = 0x02
	bank2MACON4   = 0x03
	bank2MABBIPG  = 0x04
	bank2MAIPGL   = 0x06
	bank2MAIPGH   = 0x07
	bank2MACLCON1 = 0x08
	bank2MACLCON2 = 0x09
	bank2MAMXFLL  = 0x0A
	bank2MAMXFLH  = 0x0B
)

const (
	macon1MARXEN = 0x01
	macon1TXPAUS = 0x08
	macon1RXPAUS = 0x04

	macon3PADCFG0 = 0x20
	macon3TXCRCEN = 0x10
	macon3FRMLNEN = 0x02
	macon3FULDPX  = 0x01
)

// Bank 3: station hardware address.
const (
	bank3MAADR5 = 0x00
	bank3MAADR6 = 0x01
	bank3MAADR3 = 0x02
	bank3MAADR4 = 0x03
	bank3MAADR1 = 0x04
	bank3MAADR2 = 0x05
)

const (
	etherTypeIPv4 = 0x0800
	etherTypeARP  = 0x0806

	ethHeaderLen = 14

	// rxBufferStart/txBufferStart split the chip's 8KB packet RAM: the
	// first 6KB is the RX ring (wraps via ERXRDPT), the remainder holds
	// one TX buffer at a time (this stack never pipelines more than one
	// outstanding frame per device, matching net/tcp's one-rtx-slot-per-
	// send-call discipline).
	rxBufferStart = 0x0000
	rxBufferEnd   = 0x17FF
	txBufferStart = 0x1800
	txBufferEnd   = 0x1FFF
)

var (
	ErrNotReady    = errors.New("enc28j60: oscillator not ready")
	ErrShortFrame  = errors.New("enc28j60: received frame shorter than an Ethernet header")
	ErrFrameTooBig = errors.New("enc28j60: frame exceeds TX buffer")
)

// Controller is one ENC28J60 device, presenting the fs.FD vtable driven
// by Ops.Write/Ops.Read plus the net/ipv4.Device and net/arp.Device
// contracts so net.RegisterDevice can hand it straight to the network
// condition task.
type Controller struct {
	bus reg.Bus
	mac arp.HardwareAddr
	ip  [4]byte
	mtu int

	fd *fs.FD

	// nextRxPtr tracks the chip's own ERXRDPT read cursor, mirrored here
	// so each PollOnce call only issues the bank-switch/register
	// sequence once per drained packet.
	nextRxPtr uint16

	// limiter caps how often PollOnce is willing to hit the bus, so a
	// caller driving this from a tight loop (rather than a real IRQ
	// line) can't saturate it.
	limiter *rate.Limiter
}

// New brings up the controller at mac/ip, registers its packet-facing fd
// at path, and returns it ready for net.RegisterDevice. bus is already
// connected to the chip (chip-select wiring is the board's concern).
func New(bus reg.Bus, mac arp.HardwareAddr, ip [4]byte, mtu int, path string) (*Controller, error) {
	c := &Controller{
		bus:       bus,
		mac:       mac,
		ip:        ip,
		mtu:       mtu,
		nextRxPtr: rxBufferStart,
		limiter:   rate.NewLimiter(rate.Limit(1000), 4),
	}

	if err := c.init(); err != nil {
		return nil, err
	}

	c.fd = fs.RegisterWithPool(path, &fs.Ops{
		Write: func(_ *fs.FD, src *fs.BufferList, _ uint32) (int, error) {
			return c.transmit(src)
		},
	}, 32, mtu+ethHeaderLen, 16, 4, 2)

	return c, nil
}

func (c *Controller) FD() *fs.FD          { return c.fd }
func (c *Controller) MTU() int            { return c.mtu }
func (c *Controller) LocalIP() [4]byte    { return c.ip }
func (c *Controller) LocalHW() arp.HardwareAddr { return c.mac }

func (c *Controller) setBank(bank uint8) error {
	if err := reg.ClearBits(c.bus, addrECON1, econ1BSEL0|econ1BSEL1); err != nil {
		return err
	}
	return reg.SetBits(c.bus, addrECON1, bank&0x03)
}

func (c *Controller) readBank(bank, addr uint8) (uint8, error) {
	if err := c.setBank(bank); err != nil {
		return 0, err
	}
	return c.bus.ReadReg(addr)
}

func (c *Controller) writeBank(bank, addr, val uint8) error {
	if err := c.setBank(bank); err != nil {
		return err
	}
	return c.bus.WriteReg(addr, val)
}

// init performs the chip's documented bring-up sequence: soft reset,
// wait for the 25MHz oscillator, program the RX/TX buffer split and RX
// filters, set the station address, and enable reception — the Go
// rendering of the original firmware's enc28j60_init register-poke
// sequence, with every poke now a reg.Bus call instead of a raw SPI
// transaction.
func (c *Controller) init() error {
	if err := reg.SetBits(c.bus, addrECON1, econ1RXRST|econ1TXRST); err != nil {
		return err
	}
	if err := reg.ClearBits(c.bus, addrECON1, econ1RXRST|econ1TXRST); err != nil {
		return err
	}

	ready := false
	for i := 0; i < 100; i++ {
		v, err := c.bus.ReadReg(addrESTAT)
		if err != nil {
			return err
		}
		if v&estatCLKRDY != 0 {
			ready = true
			break
		}
	}
	if !ready {
		return ErrNotReady
	}

	if err := c.writeBank(0, bank0ERXSTL, byte(rxBufferStart)); err != nil {
		return err
	}
	if err := c.writeBank(0, bank0ERXSTH, byte(rxBufferStart>>8)); err != nil {
		return err
	}
	if err := c.writeBank(0, bank0ERXNDL, byte(rxBufferEnd)); err != nil {
		return err
	}
	if err := c.writeBank(0, bank0ERXNDH, byte(rxBufferEnd>>8)); err != nil {
		return err
	}
	if err := c.writeBank(0, bank0ERXRDPTL, byte(rxBufferStart)); err != nil {
		return err
	}
	if err := c.writeBank(0, bank0ERXRDPTH, byte(rxBufferStart>>8)); err != nil {
		return err
	}

	if err := c.writeBank(1, bank1ERXFCON, erxfconUCEN|erxfconCRCEN|erxfconBCEN); err != nil {
		return err
	}

	if err := c.writeBank(2, bank2MACON1, macon1MARXEN); err != nil {
		return err
	}
	if err := c.writeBank(2, bank2MACON3, macon3PADCFG0|macon3TXCRCEN|macon3FRMLNEN|macon3FULDPX); err != nil {
		return err
	}
	if err := c.writeBank(2, bank2MACLCON1, 0); err != nil {
		return err
	}
	if err := c.writeBank(2, bank2MACLCON2, 37); err != nil {
		return err
	}
	if err := c.writeBank(2, bank2MABBIPG, 0x15); err != nil { // full-duplex back-to-back gap, per datasheet table
		return err
	}
	if err := c.writeBank(2, bank2MAIPGL, 0x12); err != nil {
		return err
	}
	maxFrame := uint16(c.mtu + ethHeaderLen + 4) // +4 CRC
	if err := c.writeBank(2, bank2MAMXFLL, byte(maxFrame)); err != nil {
		return err
	}
	if err := c.writeBank(2, bank2MAMXFLH, byte(maxFrame>>8)); err != nil {
		return err
	}

	if err := c.writeBank(3, bank3MAADR1, c.mac[0]); err != nil {
		return err
	}
	if err := c.writeBank(3, bank3MAADR2, c.mac[1]); err != nil {
		return err
	}
	if err := c.writeBank(3, bank3MAADR3, c.mac[2]); err != nil {
		return err
	}
	if err := c.writeBank(3, bank3MAADR4, c.mac[3]); err != nil {
		return err
	}
	if err := c.writeBank(3, bank3MAADR5, c.mac[4]); err != nil {
		return err
	}
	if err := c.writeBank(3, bank3MAADR6, c.mac[5]); err != nil {
		return err
	}

	if err := reg.SetBits(c.bus, addrECON2, econ2AUTOINC); err != nil {
		return err
	}
	return reg.SetBits(c.bus, addrECON1, econ1RXEN)
}

// PollOnce drains every packet currently sitting in EPKTCNT, handing
// each one to deliver. It stands in for the real chip's PKTIF
// interrupt line, rate-limited so a caller driving it from a tight poll
// loop (rather than a genuine IRQ) cannot flood the bus.
func (c *Controller) PollOnce() error {
	if !c.limiter.Allow() {
		return nil
	}

	count, err := c.readBank(1, bank1EPKTCNT)
	if err != nil {
		return err
	}

	for i := uint8(0); i < count; i++ {
		if err := c.receiveOne(); err != nil {
			log.Warn().Err(err).Str("device", c.fd.Path).Msg("enc28j60: dropping malformed frame")
		}
	}
	return nil
}

// receiveOne reads one frame off the RX ring at ERXRDPT: a 6-byte next-
// packet header (next pointer + status vector), then the Ethernet frame
// itself, then advances ERXRDPT and decrements EPKTCNT via ECON2.PKTDEC.
func (c *Controller) receiveOne() error {
	if err := c.writeBank(0, bank0ERDPTL, byte(c.nextRxPtr)); err != nil {
		return err
	}
	if err := c.writeBank(0, bank0ERDPTH, byte(c.nextRxPtr>>8)); err != nil {
		return err
	}

	head, err := c.bus.ReadBuffer(6)
	if err != nil {
		return err
	}
	nextPtr := binary.LittleEndian.Uint16(head[0:2])
	byteCount := binary.LittleEndian.Uint16(head[2:4])

	frame, err := c.bus.ReadBuffer(int(byteCount))
	if err != nil {
		return err
	}
	if len(frame) >= 4 {
		frame = frame[:len(frame)-4] // trailing 4 bytes are the chip-appended CRC
	}

	c.nextRxPtr = nextPtr
	if err := c.writeBank(0, bank0ERXRDPTL, byte(nextPtr)); err != nil {
		return err
	}
	if err := c.writeBank(0, bank0ERXRDPTH, byte(nextPtr>>8)); err != nil {
		return err
	}
	if err := reg.SetBits(c.bus, addrECON2, econ2PKTDEC); err != nil {
		return err
	}

	return c.deliver(frame)
}

// deliver strips the Ethernet header off frame, answers ARP directly,
// and hands an IPv4 payload to its fd's RX queue for the network
// condition task's next drain pass.
func (c *Controller) deliver(frame []byte) error {
	if len(frame) < ethHeaderLen {
		return ErrShortFrame
	}

	etherType := binary.BigEndian.Uint16(frame[12:14])
	payload := frame[ethHeaderLen:]

	switch etherType {
	case etherTypeARP:
		l := fs.NewList(c.fd)
		if err := l.PushTail(payload); err != nil {
			return err
		}
		return arp.Receive(c, l)
	case etherTypeIPv4:
		l := fs.NewList(c.fd)
		if err := l.PushTail(payload); err != nil {
			return err
		}
		c.fd.Pool().PutRx(l, 0)
		return nil
	default:
		return nil // unrecognized ethertype: drop, nothing upstream wants it
	}
}

// transmit is the fd's Ops.Write hook: it resolves the next-hop hardware
// address for the datagram's destination (via the routing table, falling
// back to the destination itself when no gateway applies) and, once
// resolved, frames and writes the Ethernet frame to the chip's TX
// buffer. Unresolved destinations are queued on the ARP table exactly as
// net/arp.Resolve already does for any other device.
func (c *Controller) transmit(datagram *fs.BufferList) (int, error) {
	n := datagram.Len()
	ipHeader := make([]byte, 20)
	if err := datagram.PeekHead(ipHeader); err != nil {
		datagram.Drain(c.fd.Pool())
		return 0, err
	}

	var dst [4]byte
	copy(dst[:], ipHeader[16:20])

	nextHop := dst
	if route, ok := net.Lookup(dst); ok && route.GatewayIP != ([4]byte{}) {
		nextHop = route.GatewayIP
	}

	err := arp.Resolve(c, nextHop, datagram, func(hw arp.HardwareAddr, l *fs.BufferList) error {
		return c.sendEthernet(hw, etherTypeIPv4, l)
	})
	return n, err
}

// SendARP satisfies arp.Device: it writes an already-built ARP payload
// straight to the wire. A reply goes to the target hardware address it
// carries (the requester); a request is broadcast to ff:ff:ff:ff:ff:ff
// since it has no learned destination yet.
func (c *Controller) SendARP(frame *fs.BufferList) error {
	dst := arp.HardwareAddr{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	hdr := make([]byte, 24)
	if frame.PeekHead(hdr) == nil && binary.BigEndian.Uint16(hdr[6:8]) == arp.OpReply {
		copy(dst[:], hdr[18:24])
	}
	return c.sendEthernet(dst, etherTypeARP, frame)
}

// sendEthernet prepends a 14-byte Ethernet header to payload and writes
// the whole frame into the chip's TX buffer, then pulses ECON1.TXRTS to
// start transmission, polling TXIF for completion.
func (c *Controller) sendEthernet(dst arp.HardwareAddr, etherType uint16, payload *fs.BufferList) error {
	body := make([]byte, payload.Len())
	if err := payload.PeekHead(body); err != nil {
		payload.Drain(c.fd.Pool())
		return err
	}
	payload.Drain(c.fd.Pool())

	frame := make([]byte, ethHeaderLen+len(body))
	copy(frame[0:6], dst[:])
	copy(frame[6:12], c.mac[:])
	binary.BigEndian.PutUint16(frame[12:14], etherType)
	copy(frame[14:], body)

	if len(frame)+1 > txBufferEnd-txBufferStart {
		return ErrFrameTooBig
	}

	if err := c.writeBank(0, bank0ETXSTL, byte(txBufferStart)); err != nil {
		return err
	}
	if err := c.writeBank(0, bank0ETXSTH, byte(txBufferStart>>8)); err != nil {
		return err
	}
	if err := c.writeBank(0, bank0EWRPTL, byte(txBufferStart)); err != nil {
		return err
	}
	if err := c.writeBank(0, bank0EWRPTH, byte(txBufferStart>>8)); err != nil {
		return err
	}

	// the per-frame control byte ahead of the payload selects the
	// chip's default transmit options (no override of padding/CRC).
	if err := c.bus.WriteBuffer(append([]byte{0x00}, frame...)); err != nil {
		return err
	}

	end := txBufferStart + uint16(len(frame))
	if err := c.writeBank(0, bank0ETXNDL, byte(end)); err != nil {
		return err
	}
	if err := c.writeBank(0, bank0ETXNDH, byte(end>>8)); err != nil {
		return err
	}

	if err := reg.SetBits(c.bus, addrECON1, econ1TXRTS); err != nil {
		return err
	}

	deadline := kernel.Now() + kernel.Ticks(10*time.Millisecond)
	for kernel.Before(kernel.Now(), deadline) {
		eir, err := c.bus.ReadReg(addrEIR)
		if err != nil {
			return err
		}
		if eir&eirTXIF != 0 {
			return reg.ClearBits(c.bus, addrECON1, econ1TXRTS)
		}
	}
	return reg.ClearBits(c.bus, addrECON1, econ1TXRTS)
}

var (
	_ ipv4.Device = (*Controller)(nil)
	_ arp.Device  = (*Controller)(nil)
)
