package ring

import (
	"errors"
	"fmt"
	"unsafe"
)

// Direction tells which way frames move through a [Ring].
type Direction uint8

const (
	Transmit Direction = iota
	Receive
)

func (d Direction) String() string {
	switch d {
	case Transmit:
		return "tx"
	case Receive:
		return "rx"
	}
	return fmt.Sprintf("Direction(%d)", d)
}

// MaxFrameSize is the size of one maximum-size VLAN tagged Ethernet frame,
// without the frame check sequence. Every ring buffer must be able to hold one.
const MaxFrameSize = 1518

// DefaultAlignment is the buffer alignment used when none is configured.
const DefaultAlignment = 64

// ErrConfiguration is returned when a ring can not be laid out with the
// requested parameters.
var ErrConfiguration = errors.New("invalid ring configuration")

// Ring is a fixed-capacity circular array of descriptors and their buffers.
// It is allocated once and never resized. Ring does no locking of its own.
type Ring struct {
	dir         Direction
	descriptors []Descriptor
	bufferSize  int

	// cursor is the index of the next descriptor software will service.
	cursor int

	mem     []byte
	release func() error
}

// CheckConfig validates ring parameters and returns a wrapped
// [ErrConfiguration] if they can not be used.
func CheckConfig(count, bufferSize, alignment int) error {
	if count < 2 {
		return fmt.Errorf("%w: %d descriptors, need at least 2", ErrConfiguration, count)
	}

	if alignment <= 0 || alignment&(alignment-1) != 0 {
		return fmt.Errorf("%w: alignment %d is not a power of 2", ErrConfiguration, alignment)
	}

	if bufferSize < MaxFrameSize {
		return fmt.Errorf("%w: buffer size %d is smaller than a %d byte frame",
			ErrConfiguration, bufferSize, MaxFrameSize)
	}

	return nil
}

// New lays out a ring of count descriptors with buffers of at least
// bufferSize bytes each. The buffer size is rounded up to alignment, which is
// also the alignment of every buffer. Receive descriptors start out empty and
// owned by the hardware, transmit descriptors start out owned by software.
func New(dir Direction, count, bufferSize, alignment int) (_ *Ring, err error) {
	if err = CheckConfig(count, bufferSize, alignment); err != nil {
		return nil, err
	}

	r := Ring{
		dir:        dir,
		bufferSize: align(bufferSize, alignment),
	}

	r.mem, r.release, err = allocate(r.bufferSize*count, alignment)
	if err != nil {
		return nil, fmt.Errorf("allocate %s buffer memory: %w", dir, err)
	}

	r.descriptors = make([]Descriptor, count)
	for i := range r.descriptors {
		d := &r.descriptors[i]
		d.buf = r.mem[i*r.bufferSize : (i+1)*r.bufferSize : (i+1)*r.bufferSize]
		if i == count-1 {
			d.wrap = StatusWrap
		}

		s := d.wrap
		if dir == Receive {
			s |= StatusOwned
		}
		d.status.Store(uint32(s))
	}

	return &r, nil
}

// Direction returns whether this is a transmit or receive ring.
func (r *Ring) Direction() Direction {
	return r.dir
}

// Len returns the number of descriptors in the ring.
func (r *Ring) Len() int {
	return len(r.descriptors)
}

// BufferSize returns the aligned size of every descriptor buffer.
func (r *Ring) BufferSize() int {
	return r.bufferSize
}

// Base returns the address of the first buffer, the value programmed into the
// ring base-address registers.
func (r *Ring) Base() uintptr {
	if r.mem == nil {
		panic("ring is not initialized")
	}
	return uintptr(unsafe.Pointer(&r.mem[0]))
}

// Cursor returns the index of the next descriptor software will service.
func (r *Ring) Cursor() int {
	return r.cursor
}

// Current returns the descriptor at the cursor.
func (r *Ring) Current() *Descriptor {
	return &r.descriptors[r.cursor]
}

// At returns the descriptor at index i.
func (r *Ring) At(i int) *Descriptor {
	return &r.descriptors[i]
}

// Next returns the index following i, wrapping at the ring capacity.
func (r *Ring) Next(i int) int {
	return (i + 1) % len(r.descriptors)
}

// Advance moves the cursor to the next descriptor and returns the new index.
func (r *Ring) Advance() int {
	r.cursor = r.Next(r.cursor)
	return r.cursor
}

// HardwareOwned counts the descriptors currently owned by the hardware.
func (r *Ring) HardwareOwned() int {
	n := 0
	for i := range r.descriptors {
		if r.descriptors[i].HardwareOwned() {
			n++
		}
	}
	return n
}

// Close releases the buffer memory. The ring must not be used afterwards.
func (r *Ring) Close() error {
	for i := range r.descriptors {
		r.descriptors[i].buf = nil
	}
	r.mem = nil

	if r.release == nil {
		return nil
	}
	release := r.release
	r.release = nil
	if err := release(); err != nil {
		return fmt.Errorf("release %s buffer memory: %w", r.dir, err)
	}
	return nil
}

func align(index, alignment int) int {
	remainder := index % alignment
	if remainder == 0 {
		return index
	}
	return index + alignment - remainder
}

// alignSlice returns the first size bytes of b starting at an address aligned
// to alignment. b must be at least size+alignment-1 bytes long.
func alignSlice(b []byte, size, alignment int) []byte {
	addr := uintptr(unsafe.Pointer(&b[0]))
	off := int((uintptr(alignment) - addr%uintptr(alignment)) % uintptr(alignment))
	return b[off : off+size : off+size]
}
