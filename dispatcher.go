package ethdma

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/ethdma/mac"
	"github.com/slackhq/ethdma/phy"
)

// Event is something the dispatcher reacts to.
type Event uint8

const (
	EventRxReady Event = iota
	EventTxComplete
	EventTimestamp
	EventLink
	EventTick
	EventError
)

var eventNames = [...]string{
	EventRxReady:    "rx-ready",
	EventTxComplete: "tx-complete",
	EventTimestamp:  "timestamp",
	EventLink:       "link",
	EventTick:       "tick",
	EventError:      "error",
}

func (e Event) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("event(%d)", uint8(e))
}

// Events maps interrupt status bits to events, in the order they are handled.
func Events(irq mac.Interrupt) []Event {
	var events []Event
	if irq&mac.InterruptErrors != 0 {
		events = append(events, EventError)
	}
	if irq&(mac.InterruptTx|mac.InterruptTimestamp) != 0 {
		if irq&mac.InterruptTimestamp != 0 {
			events = append(events, EventTimestamp)
		} else {
			events = append(events, EventTxComplete)
		}
	}
	if irq&mac.InterruptRx != 0 {
		events = append(events, EventRxReady)
	}
	if irq&mac.InterruptMDIO != 0 {
		events = append(events, EventLink)
	}
	return events
}

// Dispatcher is the only component that talks to the interrupt registers. It
// turns interrupts into events and runs their handlers one at a time.
type Dispatcher struct {
	l       logrus.FieldLogger
	dev     mac.Device
	tx      *Transmitter
	rx      *Receiver
	phy     *phy.Machine
	handler Handler
	now     func() time.Time

	// rxWork wakes the receive worker. Nil when frames are delivered inline.
	rxWork chan struct{}

	mu        sync.Mutex
	irqErrors metrics.Counter
}

// HandleInterrupt is the interrupt service routine: it reads and clears the
// pending interrupts and runs the events they map to.
func (d *Dispatcher) HandleInterrupt() {
	d.mu.Lock()
	defer d.mu.Unlock()

	irq := d.dev.InterruptStatus()
	if irq == 0 {
		return
	}
	d.dev.ClearInterrupts(irq)

	for _, e := range Events(irq) {
		d.dispatch(e, irq)
	}
}

// Dispatch runs the handler for one event.
func (d *Dispatcher) Dispatch(e Event) {
	d.mu.Lock()
	d.dispatch(e, 0)
	d.mu.Unlock()
}

func (d *Dispatcher) dispatch(e Event, irq mac.Interrupt) {
	switch e {
	case EventRxReady:
		if d.rxWork == nil {
			d.rx.drain(d.handler)
			return
		}
		select {
		case d.rxWork <- struct{}{}:
		default:
		}

	case EventTxComplete, EventTimestamp:
		d.tx.reap()

	case EventLink:
		v, busErr := d.dev.MDIOResult()
		err := d.phy.Complete(v, busErr)
		switch {
		case errors.Is(err, phy.ErrInitFailed):
			d.handler.PhyFailed(err)
		case err != nil:
			d.l.WithError(err).Warn("Management bus request could not be started")
		}

	case EventTick:
		if err := d.phy.Tick(d.now()); err != nil {
			d.l.WithError(err).Warn("Failed to poll the phy")
		}

	case EventError:
		d.irqErrors.Inc(1)
		d.l.WithField("interrupts", irq&mac.InterruptErrors).Warn("Hardware reported an error")
		if irq&mac.InterruptRxUnavailable != 0 {
			// Frames were lost to a full ring, get it emptied.
			d.dispatch(EventRxReady, irq)
		}
	}
}
