package ring

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/slackhq/ethdma/ptp"
)

// Status is the status word of a [Descriptor].
type Status uint32

const (
	// StatusOwned marks a descriptor as owned by the hardware. On a transmit
	// ring it means ready, on a receive ring it means empty.
	StatusOwned Status = 1 << 31
	// StatusLast marks the descriptor holding the final fragment of a frame.
	StatusLast Status = 1 << 30
	// StatusWrap is carried by the physical last descriptor of a ring and tells
	// the DMA engine to continue at the ring base.
	StatusWrap Status = 1 << 29
	// StatusTimestampRequest asks the hardware to capture the egress time of
	// the frame. Transmit only.
	StatusTimestampRequest Status = 1 << 28
	// StatusTimestampValid is set by the hardware when the descriptor carries a
	// captured timestamp.
	StatusTimestampValid Status = 1 << 27

	// Receive error flags, only meaningful on the last fragment of a frame.
	StatusTruncated Status = 1 << 0
	StatusOverrun   Status = 1 << 1
	StatusLength    Status = 1 << 2
	StatusAlignment Status = 1 << 3
	StatusCRC       Status = 1 << 4
	StatusChecksum  Status = 1 << 5

	StatusErrors = StatusTruncated | StatusOverrun | StatusLength | StatusAlignment | StatusCRC | StatusChecksum
)

var statusNames = []struct {
	s    Status
	name string
}{
	{StatusOwned, "hw"},
	{StatusLast, "last"},
	{StatusWrap, "wrap"},
	{StatusTimestampRequest, "ts-req"},
	{StatusTimestampValid, "ts"},
	{StatusTruncated, "truncated"},
	{StatusOverrun, "overrun"},
	{StatusLength, "length"},
	{StatusAlignment, "alignment"},
	{StatusCRC, "crc"},
	{StatusChecksum, "checksum"},
}

func (s Status) String() string {
	var parts []string
	for _, n := range statusNames {
		if s&n.s != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "sw"
	}
	return strings.Join(parts, "|")
}

// Descriptor is one slot of a [Ring]. The status word is the only field both
// sides touch concurrently; every other field is written by the current owner
// before ownership is handed over through the status word.
type Descriptor struct {
	status atomic.Uint32
	// wrap is StatusWrap on the physical last slot and zero elsewhere.
	wrap Status

	length      uint32
	seconds     uint64
	nanoseconds uint32

	buf []byte
}

// Status returns the current status word.
func (d *Descriptor) Status() Status {
	return Status(d.status.Load())
}

// HardwareOwned reports whether the hardware currently owns the descriptor.
func (d *Descriptor) HardwareOwned() bool {
	return d.Status()&StatusOwned != 0
}

// Len returns the number of valid bytes in the buffer.
func (d *Descriptor) Len() int {
	return int(d.length)
}

// Buffer returns the whole data buffer behind the descriptor.
func (d *Descriptor) Buffer() []byte {
	return d.buf
}

// Bytes returns the valid bytes of the buffer.
func (d *Descriptor) Bytes() []byte {
	return d.buf[:d.length]
}

// Timestamp returns the captured hardware timestamp, if the descriptor has one.
func (d *Descriptor) Timestamp() (ptp.Timestamp, bool) {
	if d.Status()&StatusTimestampValid == 0 {
		return ptp.NoTimestamp, false
	}
	return ptp.Timestamp{Seconds: d.seconds, Nanoseconds: d.nanoseconds}, true
}

// Submit hands a software-owned descriptor holding n valid bytes to the
// hardware. flags may contain StatusLast and StatusTimestampRequest.
func (d *Descriptor) Submit(n int, flags Status) {
	if d.HardwareOwned() {
		panic("submitting a descriptor that is owned by the hardware")
	}
	if n < 0 || n > len(d.buf) {
		panic(fmt.Sprintf("descriptor length %d out of range [0, %d]", n, len(d.buf)))
	}

	d.length = uint32(n)
	d.status.Store(uint32(flags&(StatusLast|StatusTimestampRequest) | StatusOwned | d.wrap))
}

// Recycle returns a receive descriptor to the hardware as empty. It returns
// false and changes nothing when the descriptor is already hardware owned.
func (d *Descriptor) Recycle() bool {
	if d.HardwareOwned() {
		return false
	}

	d.length = 0
	d.status.Store(uint32(StatusOwned | d.wrap))
	return true
}

// Release clears a software-owned descriptor after its completion has been
// processed, leaving it ready for reuse.
func (d *Descriptor) Release() {
	if d.HardwareOwned() {
		panic("releasing a descriptor that is owned by the hardware")
	}

	d.length = 0
	d.status.Store(uint32(d.wrap))
}

// Complete is the hardware side of the handshake: it writes back n valid
// bytes, the completion flags and an optional timestamp, and returns the
// descriptor to software. A negative n leaves the length untouched.
func (d *Descriptor) Complete(n int, flags Status, ts ptp.Timestamp) {
	if !d.HardwareOwned() {
		panic("completing a descriptor that is owned by software")
	}

	if n >= 0 {
		if n > len(d.buf) {
			panic(fmt.Sprintf("descriptor length %d exceeds buffer size %d", n, len(d.buf)))
		}
		d.length = uint32(n)
	}

	flags &^= StatusOwned | StatusWrap | StatusTimestampValid
	if ts.Valid() {
		d.seconds = ts.Seconds
		d.nanoseconds = ts.Nanoseconds
		flags |= StatusTimestampValid
	}

	d.status.Store(uint32(flags | d.wrap))
}

func (d *Descriptor) String() string {
	return fmt.Sprintf("%s, bytes %d", d.Status(), d.length)
}
