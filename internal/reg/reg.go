// Package reg provides a tiny register-peek/poke abstraction used by the
// drivers package. On real hardware these would be direct MMIO accesses;
// here they are backed by a Bus interface so that ENC28J60/MMC/UART drivers
// can be exercised on any host.
package reg

// Bus is the minimal register-level transport a driver needs: single
// 8-bit register reads and writes over whatever link carries them (SPI
// chip-select framing for ENC28J60/MMC, memory-mapped for a real UART),
// plus bulk buffer transfer for devices with their own internal packet
// memory reached by a separate opcode (ENC28J60's RBM/WBM, distinct from
// its RCR/WCR/BFS/BFC single-register opcodes). Drivers in package
// drivers/* depend only on this interface, never on a concrete SoC — the
// Non-goal on "device-specific register pokes" is kept by stopping here.
type Bus interface {
	ReadReg(addr uint8) (uint8, error)
	WriteReg(addr uint8, val uint8) error
	ReadBuffer(n int) ([]byte, error)
	WriteBuffer(data []byte) error
}

// Get returns the masked, shifted value of a register.
func Get(b Bus, addr uint8, pos int, mask uint8) (uint8, error) {
	v, err := b.ReadReg(addr)
	if err != nil {
		return 0, err
	}
	return (v >> pos) & mask, nil
}

// SetBits sets the bits in mask (already shifted into position) of a
// register, leaving the others untouched.
func SetBits(b Bus, addr uint8, mask uint8) error {
	v, err := b.ReadReg(addr)
	if err != nil {
		return err
	}
	return b.WriteReg(addr, v|mask)
}

// ClearBits clears the bits in mask of a register, leaving the others
// untouched.
func ClearBits(b Bus, addr uint8, mask uint8) error {
	v, err := b.ReadReg(addr)
	if err != nil {
		return err
	}
	return b.WriteReg(addr, v&^mask)
}
