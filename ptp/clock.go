package ptp

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"time"
)

// Timer is the PTP timer register block of a MAC.
type Timer interface {
	// ReadTime returns the current timer value.
	ReadTime() Timestamp
	// WriteTime loads a new timer value.
	WriteTime(Timestamp)
	// AddTime steps the timer by offset nanoseconds.
	AddTime(offset int64)
	// SetIncrement sets the amount added to the timer on every tick of its
	// reference clock, in units of 2^-32 nanoseconds.
	SetIncrement(increment uint64)
}

var ErrInvalidTime = errors.New("invalid time")

// Clock is the PTP hardware clock exposed to the upper layers. Rate
// adjustments are bounded to one nominal tick period per call.
type Clock struct {
	mu      sync.Mutex
	timer   Timer
	nominal uint64
	ppb     int64
}

// NewClock programs timer for a reference clock of hz ticks per second.
func NewClock(timer Timer, hz uint64) (*Clock, error) {
	if hz == 0 || hz > nsPerSecond {
		return nil, fmt.Errorf("ptp clock frequency %d Hz is out of range", hz)
	}

	hi, lo := bits.Mul64(nsPerSecond, 1<<32)
	nominal, _ := bits.Div64(hi, lo, hz)

	c := &Clock{timer: timer, nominal: nominal}
	timer.SetIncrement(nominal)
	return c, nil
}

// TickPeriod returns the nominal period of one reference clock tick.
func (c *Clock) TickPeriod() time.Duration {
	return time.Duration(c.nominal >> 32)
}

// Now returns the current time of the clock.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer.ReadTime()
}

// Set loads ts into the clock.
func (c *Clock) Set(ts Timestamp) error {
	if !ts.Valid() {
		return fmt.Errorf("%w: %v", ErrInvalidTime, ts)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.timer.WriteTime(ts)
	return nil
}

// Step moves the clock by offset in a single step.
func (c *Clock) Step(offset time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timer.AddTime(int64(offset))
}

// AdjustRate makes the clock run ppb parts per billion fast (or slow, when
// negative) relative to its nominal rate. The per-tick correction is clamped
// to one nominal tick period; the rate actually applied is returned.
func (c *Clock) AdjustRate(ppb int64) int64 {
	const maxPPB = nsPerSecond
	if ppb > maxPPB {
		ppb = maxPPB
	} else if ppb < -maxPPB+1 {
		ppb = -maxPPB + 1
	}

	neg := ppb < 0
	abs := uint64(ppb)
	if neg {
		abs = uint64(-ppb)
	}

	hi, lo := bits.Mul64(c.nominal, abs)
	delta, _ := bits.Div64(hi, lo, nsPerSecond)

	increment := c.nominal + delta
	if neg {
		increment = c.nominal - delta
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.ppb = ppb
	c.timer.SetIncrement(increment)
	return ppb
}

// Rate returns the last rate adjustment in parts per billion.
func (c *Clock) Rate() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ppb
}
