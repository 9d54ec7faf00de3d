package mac

import (
	"math/bits"
	"sync"
	"time"

	"github.com/slackhq/ethdma/ptp"
)

// SimTimer models the MAC's free running PTP time counter. Every tick of the
// reference clock adds the 32.32 fixed point increment to the counter.
type SimTimer struct {
	mu  sync.Mutex
	hz  uint64
	inc uint64
	// ns and frac are the counter, in nanoseconds and 1/2^32 nanoseconds.
	ns   uint64
	frac uint32
	// residue carries partial ticks between Advance calls, in units of
	// 1/hz nanoseconds.
	residue uint64
}

func NewSimTimer(hz uint64) *SimTimer {
	hi, lo := bits.Mul64(1_000_000_000, 1<<32)
	inc, _ := bits.Div64(hi, lo, hz)
	return &SimTimer{hz: hz, inc: inc}
}

func (t *SimTimer) ReadTime() ptp.Timestamp {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.read()
}

func (t *SimTimer) read() ptp.Timestamp {
	return ptp.Timestamp{Seconds: t.ns / 1_000_000_000, Nanoseconds: uint32(t.ns % 1_000_000_000)}
}

func (t *SimTimer) WriteTime(ts ptp.Timestamp) {
	t.mu.Lock()
	t.write(ts)
	t.frac = 0
	t.mu.Unlock()
}

func (t *SimTimer) write(ts ptp.Timestamp) {
	t.ns = ts.Seconds*1_000_000_000 + uint64(ts.Nanoseconds)
}

// AddTime steps the counter, stopping at zero.
func (t *SimTimer) AddTime(offset int64) {
	t.mu.Lock()
	t.write(t.read().Add(offset))
	t.mu.Unlock()
}

func (t *SimTimer) SetIncrement(inc uint64) {
	t.mu.Lock()
	t.inc = inc
	t.mu.Unlock()
}

// Increment returns the programmed per tick increment.
func (t *SimTimer) Increment() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inc
}

// Advance runs the reference clock for d.
func (t *SimTimer) Advance(d time.Duration) {
	if d <= 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for d > 0 {
		step := min(d, time.Second)
		d -= step

		hi, lo := bits.Mul64(uint64(step), t.hz)
		lo, carry := bits.Add64(lo, t.residue, 0)
		hi += carry
		ticks, rem := bits.Div64(hi, lo, 1_000_000_000)
		t.residue = rem

		// A second of ticks at the nominal increment stays well below 2^64.
		total := ticks*t.inc + uint64(t.frac)
		t.ns += total >> 32
		t.frac = uint32(total)
	}
}
