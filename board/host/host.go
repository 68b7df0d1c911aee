// Package host provides the irq.Backend and the TickSource used when
// this module is built for development and testing on a regular OS,
// rather than for the AVR/STM32 targets under board/avr and board/stm32.
// It is the Go-side equivalent of the teacher's example/ programs: a way
// to exercise the core against a stand-in for real silicon.
package host

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrel-rtos/kestrel/config"
	"github.com/kestrel-rtos/kestrel/irq"
)

// Backend implements irq.Backend with a plain mutex-guarded flag, since
// there is no real interrupt controller to mask on a hosted build.
type Backend struct {
	mu     sync.Mutex
	masked bool
}

func (b *Backend) Mask() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.masked
}

func (b *Backend) SetMask(m bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.masked = m
}

// TickSource drives a monotonic tick counter from a time.Ticker, standing
// in for the hardware timer ISR on real targets.
type TickSource struct {
	ticks  uint32
	ticker *time.Ticker
	stop   chan struct{}
	onTick func()
}

// NewTickSource creates a tick source. onTick is invoked once per
// period from the ticker goroutine; the interrupt mask is not touched
// around it. cmd/netecho passes kernel.TickISR here.
func NewTickSource(period time.Duration, onTick func()) *TickSource {
	return &TickSource{
		ticker: time.NewTicker(period),
		stop:   make(chan struct{}),
		onTick: onTick,
	}
}

// Start begins delivering ticks in a background goroutine, the hosted
// stand-in for a hardware timer ISR.
func (t *TickSource) Start() {
	go func() {
		for {
			select {
			case <-t.ticker.C:
				atomic.AddUint32(&t.ticks, 1)
				if t.onTick != nil {
					t.onTick()
				}
			case <-t.stop:
				return
			}
		}
	}()
}

// Stop halts tick delivery.
func (t *TickSource) Stop() {
	t.ticker.Stop()
	close(t.stop)
}

// Now returns the current tick count.
func (t *TickSource) Now() uint32 {
	return atomic.LoadUint32(&t.ticks)
}

// Init installs the hosted backend as the active irq.Backend. Call once
// at the start of a test or of the netecho example's host build.
func Init() *Backend {
	b := &Backend{}
	irq.SetBackend(b)
	return b
}

// DefaultTickSource builds a TickSource using config.TickPeriod.
func DefaultTickSource(onTick func()) *TickSource {
	return NewTickSource(config.TickPeriod, onTick)
}
