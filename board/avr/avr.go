// Package avr provides the irq.Backend for ATmega-family targets (e.g.
// ATmega1284, as used by the atmegaxx4 port in the originating firmware).
// Interrupt masking on AVR is the single global interrupt enable bit I in
// SREG, set/cleared with the SEI/CLI instructions.
package avr

import "github.com/kestrel-rtos/kestrel/internal/reg"

// SREG is the AVR status register, I/O-mapped at 0x5F on the ATmega1284/644
// family the original firmware's atmegaxx4 port targets; bit 7 is the
// global interrupt enable flag.
const (
	sregAddr = 0x5F
	sregI    = 7
)

// Backend implements irq.Backend by reading/writing the I bit of SREG
// through a reg.Bus. On real hardware bus is a direct I/O-space accessor;
// tests inject a fake to exercise the bit logic without silicon.
type Backend struct {
	Bus reg.Bus
}

func (b Backend) Mask() bool {
	bit, err := reg.Get(b.Bus, sregAddr, sregI, 1)
	if err != nil {
		return true
	}
	return bit == 0
}

func (b Backend) SetMask(masked bool) {
	if masked {
		_ = reg.ClearBits(b.Bus, sregAddr, 1<<sregI)
	} else {
		_ = reg.SetBits(b.Bus, sregAddr, 1<<sregI)
	}
}
