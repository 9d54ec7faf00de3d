package ptp

import (
	"fmt"
	"math"
	"time"
)

const nsPerSecond = 1_000_000_000

// Timestamp is a PTP time value as captured by the MAC timer.
type Timestamp struct {
	Seconds     uint64
	Nanoseconds uint32
}

// NoTimestamp is carried by frames that have no hardware timestamp.
var NoTimestamp = Timestamp{Seconds: math.MaxUint64, Nanoseconds: math.MaxUint32}

// Valid reports whether t is an actual time value.
func (t Timestamp) Valid() bool {
	return t.Nanoseconds < nsPerSecond
}

// Time converts t to a time.Time. NoTimestamp converts to the zero Time.
func (t Timestamp) Time() time.Time {
	if !t.Valid() {
		return time.Time{}
	}
	return time.Unix(int64(t.Seconds), int64(t.Nanoseconds))
}

// Add returns t moved by offset nanoseconds, saturating at zero.
func (t Timestamp) Add(offset int64) Timestamp {
	total := int64(t.Nanoseconds) + offset%nsPerSecond
	secs := int64(t.Seconds) + offset/nsPerSecond
	if total < 0 {
		total += nsPerSecond
		secs--
	} else if total >= nsPerSecond {
		total -= nsPerSecond
		secs++
	}
	if secs < 0 {
		return Timestamp{}
	}
	return Timestamp{Seconds: uint64(secs), Nanoseconds: uint32(total)}
}

func (t Timestamp) String() string {
	if !t.Valid() {
		return "none"
	}
	return fmt.Sprintf("%d.%09d", t.Seconds, t.Nanoseconds)
}

// FromTime converts a time.Time into a Timestamp.
func FromTime(t time.Time) Timestamp {
	if t.Unix() < 0 {
		return Timestamp{}
	}
	return Timestamp{Seconds: uint64(t.Unix()), Nanoseconds: uint32(t.Nanosecond())}
}

// CorrectRx compensates for the seconds register reload race on receive. The
// MAC latches the sub-second counter when a frame arrives but the seconds
// value is sampled later. If the sub-second counter of the running clock (now)
// has wrapped since raw was latched while the seconds still read the same,
// the seconds in raw are one too many.
func CorrectRx(raw, now Timestamp) Timestamp {
	if !raw.Valid() || !now.Valid() {
		return raw
	}
	if now.Nanoseconds < raw.Nanoseconds && raw.Seconds == now.Seconds && raw.Seconds > 0 {
		raw.Seconds--
	}
	return raw
}
