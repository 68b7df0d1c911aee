// Package mmc drives an SD/MMC card over SPI down to the fs.FD vtable
// boundary: the CMD0/CMD8/CMD55+ACMD41 bring-up handshake and CMD17/
// CMD24 single-block read/write, each built as a six-byte command frame
// the way the original firmware's mmc_spi_cmd does, with the response
// polling loop and data-token wait mmc_spi_rx_data performs — all pushed
// behind a Bus interface so no SPI controller is ever addressed here.
// A block device has no natural byte-offset fs.Read/Write mapping, so
// transfers go through Ops.Ioctl with a (LBA, buffer) request instead.
package mmc

import (
	"encoding/binary"
	"errors"

	"github.com/kestrel-rtos/kestrel/fs"
)

// Bus is the SPI transport a card needs: selecting/deselecting the
// slave and shifting bytes in both directions. Distinct from
// internal/reg.Bus since MMC's framing (command/response/data-token)
// has nothing in common with ENC28J60's addressed-register protocol.
type Bus interface {
	Select() error
	Deselect() error
	WriteByte(b byte) error
	ReadByte() (byte, error)
}

const (
	cmd0   = 0  // GO_IDLE_STATE
	cmd8   = 8  // SEND_IF_COND
	cmd17  = 17 // READ_SINGLE_BLOCK
	cmd24  = 24 // WRITE_SINGLE_BLOCK
	cmd55  = 55 // APP_CMD
	acmd41 = 41 // SD_SEND_OP_COND

	cmd8Arg   = 0x01AA     // voltage range 2.7-3.6V, check pattern 0xAA
	acmd41Arg = 0x40000000 // HCS: host supports high-capacity cards

	r1Idle = 0x01
	r1Comp = 0x80 // high bit set on the idle/dummy bytes before the real R1

	dataStartToken = 0xFE

	BlockSize = 512
)

var (
	ErrCommandFailed = errors.New("mmc: command returned an error status")
	ErrNoDataToken   = errors.New("mmc: data token not received")
	ErrNotReady      = errors.New("mmc: card did not leave idle state")
)

// Device is one SD/MMC card, exposed as an fs.FD whose Ioctl performs
// block reads and writes; it has no streaming Read/Write semantics.
type Device struct {
	bus Bus
	fd  *fs.FD
}

// ReadRequest/WriteRequest are the Ioctl arguments this driver expects;
// IoctlRead/IoctlWrite are the request codes.
const (
	IoctlRead = iota + 1
	IoctlWrite
)

type ReadRequest struct {
	LBA uint32
	Out []byte // must be len BlockSize
}

type WriteRequest struct {
	LBA  uint32
	Data []byte // must be len BlockSize
}

// New brings the card up (idle, voltage check, ACMD41 polling) and
// registers it at path.
func New(bus Bus, path string) (*Device, error) {
	d := &Device{bus: bus}
	if err := d.init(); err != nil {
		return nil, err
	}

	d.fd = fs.Register(path, &fs.Ops{
		Ioctl: func(_ *fs.FD, request int, arg any) error {
			switch request {
			case IoctlRead:
				req := arg.(*ReadRequest)
				data, err := d.ReadBlock(req.LBA)
				if err != nil {
					return err
				}
				copy(req.Out, data)
				return nil
			case IoctlWrite:
				req := arg.(*WriteRequest)
				return d.WriteBlock(req.LBA, req.Data)
			default:
				return fs.ErrNotSupported
			}
		},
	})
	return d, nil
}

func (d *Device) FD() *fs.FD { return d.fd }

// command sends one six-byte SPI command frame (command token + 4-byte
// argument + CRC) and polls for the R1 response, matching
// mmc_spi_cmd's cmd_buff layout and response-wait loop.
func (d *Device) command(cmd uint8, arg uint32) (uint8, error) {
	frame := make([]byte, 6)
	frame[0] = 0x40 | cmd
	binary.BigEndian.PutUint32(frame[1:5], arg)
	switch cmd {
	case cmd0:
		frame[5] = 0x95
	case cmd8:
		frame[5] = 0x87
	default:
		frame[5] = 0x01
	}

	for _, b := range frame {
		if err := d.bus.WriteByte(b); err != nil {
			return 0, err
		}
	}

	for i := 0; i < 8; i++ {
		resp, err := d.bus.ReadByte()
		if err != nil {
			return 0, err
		}
		if resp&r1Comp == 0 {
			return resp, nil
		}
	}
	return 0, ErrCommandFailed
}

// init performs the card bring-up: CMD0 to idle, CMD8 to check the
// voltage range, then CMD55+ACMD41 polled until the card reports it has
// left the idle state.
func (d *Device) init() error {
	if err := d.bus.Select(); err != nil {
		return err
	}
	defer d.bus.Deselect()

	if _, err := d.bus.ReadByte(); err != nil { // one dummy clock before CMD0
		return err
	}

	resp, err := d.command(cmd0, 0)
	if err != nil {
		return err
	}
	if resp&r1Idle == 0 {
		return ErrNotReady
	}

	if _, err := d.command(cmd8, cmd8Arg); err != nil {
		return err
	}
	for i := 0; i < 3; i++ { // discard the CMD8 R7 trailer (voltage/pattern echo)
		if _, err := d.bus.ReadByte(); err != nil {
			return err
		}
	}

	for i := 0; i < 1000; i++ {
		if _, err := d.command(cmd55, 0); err != nil {
			return err
		}
		resp, err := d.command(acmd41, acmd41Arg)
		if err != nil {
			return err
		}
		if resp&r1Idle == 0 {
			return nil
		}
	}
	return ErrNotReady
}

// ReadBlock issues CMD17 and waits for the data-start token before
// reading BlockSize bytes plus the trailing 2-byte CRC, mirroring
// mmc_spi_rx_data's dummy-byte poll for the token.
func (d *Device) ReadBlock(lba uint32) ([]byte, error) {
	if err := d.bus.Select(); err != nil {
		return nil, err
	}
	defer d.bus.Deselect()

	resp, err := d.command(cmd17, lba*BlockSize)
	if err != nil {
		return nil, err
	}
	if resp != 0 {
		return nil, ErrCommandFailed
	}

	for i := 0; i < 1000; i++ {
		token, err := d.bus.ReadByte()
		if err != nil {
			return nil, err
		}
		if token == dataStartToken {
			data := make([]byte, BlockSize)
			for j := range data {
				b, err := d.bus.ReadByte()
				if err != nil {
					return nil, err
				}
				data[j] = b
			}
			d.bus.ReadByte() // CRC high byte, ignored (CRC disabled in SPI mode)
			d.bus.ReadByte() // CRC low byte
			return data, nil
		}
		if token != 0xFF {
			return nil, ErrNoDataToken
		}
	}
	return nil, ErrNoDataToken
}

// WriteBlock issues CMD24, sends the data-start token, the block, and a
// dummy CRC, then waits for the card's data-response byte.
func (d *Device) WriteBlock(lba uint32, block []byte) error {
	if len(block) != BlockSize {
		return errors.New("mmc: write block must be exactly BlockSize bytes")
	}

	if err := d.bus.Select(); err != nil {
		return err
	}
	defer d.bus.Deselect()

	resp, err := d.command(cmd24, lba*BlockSize)
	if err != nil {
		return err
	}
	if resp != 0 {
		return ErrCommandFailed
	}

	if err := d.bus.WriteByte(dataStartToken); err != nil {
		return err
	}
	for _, b := range block {
		if err := d.bus.WriteByte(b); err != nil {
			return err
		}
	}
	d.bus.WriteByte(0xFF) // dummy CRC, high then low
	d.bus.WriteByte(0xFF)

	dataResp, err := d.bus.ReadByte()
	if err != nil {
		return err
	}
	if dataResp&0x1F != 0x05 {
		return ErrCommandFailed
	}

	for i := 0; i < 10000; i++ { // wait for the card to finish the internal write
		busy, err := d.bus.ReadByte()
		if err != nil {
			return err
		}
		if busy == 0xFF {
			return nil
		}
	}
	return ErrCommandFailed
}
