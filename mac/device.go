// Package mac describes the register interface of a DMA Ethernet MAC and
// provides Loopback, an in-memory model of one.
package mac

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/slackhq/ethdma/phy"
	"github.com/slackhq/ethdma/ptp"
	"github.com/slackhq/ethdma/ring"
)

var ErrMDIOBusy = errors.New("management bus busy")

// Settings is the operating mode programmed into the MAC configuration
// registers.
type Settings struct {
	Speed       phy.Speed
	Duplex      phy.Duplex
	Promiscuous bool
	VLAN        bool
	Loopback    bool
	MaxFrameLen int
	// ChecksumOffload enables IP, TCP and UDP checksum verification on
	// receive and insertion on transmit.
	ChecksumOffload bool
}

func (s Settings) String() string {
	return fmt.Sprintf("%s %s-duplex promisc=%t vlan=%t loopback=%t mtu=%d csum=%t",
		s.Speed, s.Duplex, s.Promiscuous, s.VLAN, s.Loopback, s.MaxFrameLen, s.ChecksumOffload)
}

// Interrupt is a set of interrupt status bits.
type Interrupt uint32

const (
	InterruptRx Interrupt = 1 << iota
	InterruptTx
	InterruptTimestamp
	InterruptMDIO
	InterruptRxUnavailable
	InterruptBusError

	InterruptErrors = InterruptRxUnavailable | InterruptBusError
	InterruptAll    = InterruptRx | InterruptTx | InterruptTimestamp | InterruptMDIO | InterruptErrors
)

var interruptNames = [...]string{"rx", "tx", "timestamp", "mdio", "rx-unavailable", "bus-error"}

func (i Interrupt) String() string {
	var parts []string
	for b, name := range interruptNames {
		if i&(1<<b) != 0 {
			parts = append(parts, name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Device is the hardware register interface the driver programs. Register
// accesses never raise the interrupt line synchronously; the handler set by
// SetInterruptHandler is always invoked from outside any Device call.
type Device interface {
	Configure(Settings) error
	// AttachRings programs the ring base-address registers and resets the
	// DMA engines to the first descriptor of each ring.
	AttachRings(tx, rx *ring.Ring) error
	// KickTx tells the transmit DMA engine that descriptors became ready.
	KickTx()
	// KickRx tells the receive DMA engine that descriptors became empty.
	KickRx()

	// InterruptStatus returns the pending interrupts that are enabled.
	InterruptStatus() Interrupt
	ClearInterrupts(Interrupt)
	SetInterruptMask(Interrupt)
	SetInterruptHandler(func())

	// SetMulticastHash programs the 64 bucket group address filter.
	SetMulticastHash(hi, lo uint32)

	MDIO() phy.Bus
	// MDIOResult returns the outcome of the last completed management
	// transaction. The value is zero for writes.
	MDIOResult() (uint16, error)

	Timer() ptp.Timer
}

// Runner is implemented by devices that need their own goroutine.
type Runner interface {
	Run(ctx context.Context) error
}
