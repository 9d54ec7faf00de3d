package ethdma

import (
	"github.com/slackhq/ethdma/phy"
	"github.com/slackhq/ethdma/ptp"
	"github.com/slackhq/ethdma/ring"
)

// Handler is the network stack sitting on top of the interface. Calls are
// made from the interrupt dispatcher or the receive worker and must not
// block. The frame passed to FrameReceived is only valid during the call.
type Handler interface {
	FrameReceived(frame []byte, ts ptp.Timestamp)
	// FrameSent reports a transmitted frame of n bytes and its egress
	// timestamp, which is NoTimestamp unless one was captured.
	FrameSent(n int, ts ptp.Timestamp)
	LinkChanged(phy.Link)
	ReceiveError(kind RxErrorKind)
	PhyFailed(err error)
}

// Frame describes a frame returned by Receiver.Poll.
type Frame struct {
	Len       int
	Timestamp ptp.Timestamp
}

// Tap observes every frame crossing the rings.
type Tap interface {
	Capture(dir ring.Direction, frame []byte, ts ptp.Timestamp) error
}

// NopHandler discards every notification.
type NopHandler struct{}

func (NopHandler) FrameReceived([]byte, ptp.Timestamp) {}
func (NopHandler) FrameSent(int, ptp.Timestamp) {}
func (NopHandler) LinkChanged(phy.Link) {}
func (NopHandler) ReceiveError(RxErrorKind) {}
func (NopHandler) PhyFailed(error) {}
