package phy

import "fmt"

// Speed is a line rate in Mbit/s.
type Speed int

const (
	Speed10   Speed = 10
	Speed100  Speed = 100
	Speed1000 Speed = 1000
)

func (s Speed) String() string {
	return fmt.Sprintf("%dMbps", int(s))
}

type Duplex uint8

const (
	Half Duplex = iota
	Full
)

func (d Duplex) String() string {
	if d == Full {
		return "full"
	}
	return "half"
}

// Link is the observed state of the link.
type Link struct {
	Up     bool
	Speed  Speed
	Duplex Duplex
}

func (l Link) String() string {
	if !l.Up {
		return "down"
	}
	return fmt.Sprintf("up %s %s-duplex", l.Speed, l.Duplex)
}

// Bus is the management bus primitive. Both operations only start a
// transaction; its completion is delivered later to [Machine.Complete].
type Bus interface {
	StartRead(addr, reg uint8) error
	StartWrite(addr, reg uint8, value uint16) error
}
