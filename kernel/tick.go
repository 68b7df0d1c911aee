package kernel

import (
	"sync/atomic"
	"time"

	"github.com/kestrel-rtos/kestrel/config"
)

// Tick is a monotonically non-decreasing 32-bit counter, incremented once
// per system tick by the platform timer ISR (board.host's TickSource on a
// hosted build). All kernel and TCP timeouts are measured in ticks.
type Tick uint32

// MaxWait denotes "no timeout" wherever a Tick deadline is expected.
const MaxWait Tick = 0xFFFFFFFF

var currentTick atomic.Uint32

// Now returns the current tick count.
func Now() Tick {
	return Tick(currentTick.Load())
}

// advanceTick is called by the tick ISR (TickISR) once per period.
func advanceTick() Tick {
	return Tick(currentTick.Add(1))
}

// Int32Cmp compares two tick values using wrap-aware signed-difference
// ordering, so arithmetic on a 32-bit counter that has wrapped around
// still orders correctly for differences up to half the range. It
// returns a negative number if a is before b, zero if equal, positive if
// a is after b.
func Int32Cmp(a, b Tick) int32 {
	return int32(a - b)
}

// Before reports whether a is strictly before b, wrap-aware.
func Before(a, b Tick) bool {
	return Int32Cmp(a, b) < 0
}

// After reports whether a is strictly after b, wrap-aware.
func After(a, b Tick) bool {
	return Int32Cmp(a, b) > 0
}

// Ticks converts a wall-clock duration to a tick count using
// config.TickPeriod, rounding up so a requested timeout never expires
// early. Every timer constant in config (TCPRTO, FragTimeout, ...) is
// expressed as a time.Duration; this is the one place that gets
// converted into the scheduler's native unit.
func Ticks(d time.Duration) Tick {
	if d <= 0 {
		return 0
	}
	return Tick((d + config.TickPeriod - 1) / config.TickPeriod)
}
