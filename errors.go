package ethdma

import (
	"errors"
	"strings"

	"github.com/slackhq/ethdma/ring"
)

var (
	// ErrBusy means the transmit ring has no room for the frame right now.
	ErrBusy = errors.New("transmit ring full")
	// ErrNoFrame means no complete frame is waiting in the receive ring.
	ErrNoFrame       = errors.New("no frame available")
	ErrFrameTooLarge = errors.New("frame too large")
	ErrNotJoined     = errors.New("multicast group not joined")
	ErrNotMulticast  = errors.New("not a multicast address")
	ErrNotRunning    = errors.New("interface is not running")
)

// RxErrorKind is a receive error reported by the hardware.
type RxErrorKind uint8

const (
	RxTruncated RxErrorKind = iota
	RxOverrun
	RxLength
	RxAlignment
	RxCRC
	RxChecksum
)

var rxErrorKinds = [...]struct {
	flag ring.Status
	name string
}{
	RxTruncated: {ring.StatusTruncated, "truncated"},
	RxOverrun:   {ring.StatusOverrun, "overrun"},
	RxLength:    {ring.StatusLength, "length"},
	RxAlignment: {ring.StatusAlignment, "alignment"},
	RxCRC:       {ring.StatusCRC, "crc"},
	RxChecksum:  {ring.StatusChecksum, "checksum"},
}

func (k RxErrorKind) String() string {
	if int(k) < len(rxErrorKinds) {
		return rxErrorKinds[k].name
	}
	return "unknown"
}

func rxErrorKindsOf(s ring.Status) []RxErrorKind {
	var kinds []RxErrorKind
	for k, e := range rxErrorKinds {
		if s&e.flag != 0 {
			kinds = append(kinds, RxErrorKind(k))
		}
	}
	return kinds
}

// FrameError is returned for a frame the hardware received with errors.
// The frame data is discarded.
type FrameError struct {
	Kinds []RxErrorKind
	Len   int
}

func (e *FrameError) Error() string {
	names := make([]string, len(e.Kinds))
	for i, k := range e.Kinds {
		names[i] = k.String()
	}
	return "receive error: " + strings.Join(names, ", ")
}

// Has reports whether the frame had an error of kind k.
func (e *FrameError) Has(k RxErrorKind) bool {
	for _, v := range e.Kinds {
		if v == k {
			return true
		}
	}
	return false
}
