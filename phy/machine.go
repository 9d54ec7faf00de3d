package phy

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

var (
	ErrInitFailed = errors.New("phy did not respond")
	ErrNoPHY      = errors.New("no phy at address")
	ErrRunning    = errors.New("phy state machine already running")
)

const (
	DefaultSettleDelay    = 3 * time.Second
	DefaultMaxInitRetries = 3
)

type State uint8

const (
	Initial State = iota
	Reset
	Autonegotiate
	Restart
	ReadStatus
	ReadDuplex
	Wait
	Closing
)

var stateNames = [...]string{
	Initial:       "initial",
	Reset:         "reset",
	Autonegotiate: "autonegotiate",
	Restart:       "restart",
	ReadStatus:    "read-status",
	ReadDuplex:    "read-duplex",
	Wait:          "wait",
	Closing:       "closing",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

type Config struct {
	Address uint8
	// Advertise defaults to ANARAll.
	Advertise ANAR
	// SettleDelay is how long polling is suspended after the link drops.
	SettleDelay    time.Duration
	MaxInitRetries int

	// Reconfigure programs the MAC for a newly negotiated mode. It is only
	// called when the mode differs from the one last programmed.
	Reconfigure func(Speed, Duplex) error
	// OnLink is called on every carrier change.
	OnLink func(Link)
	// OnTransition is called on every state change.
	OnTransition func(from, to State)

	Metrics metrics.Registry
}

// Machine drives a clause 22 PHY through reset and auto-negotiation, then
// polls link status. It never blocks: every register access is started on
// the Bus and the machine advances when [Machine.Complete] is called with
// the result. At most one access is in flight at a time.
type Machine struct {
	l   logrus.FieldLogger
	bus Bus
	cfg Config

	mu          sync.Mutex
	state       State
	outstanding bool
	initTries   int
	// probing is set from Start until the PHY answers or the probe gives up.
	probing     bool
	link        Link
	active      Link
	resumeAt    time.Time
	lastTick    time.Time
	id          uint16

	busErrors metrics.Counter
}

func NewMachine(l logrus.FieldLogger, bus Bus, cfg Config) *Machine {
	if cfg.Advertise == 0 {
		cfg.Advertise = ANARAll
	}
	cfg.Advertise |= ANARSelector8023
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.MaxInitRetries <= 0 {
		cfg.MaxInitRetries = DefaultMaxInitRetries
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.DefaultRegistry
	}

	return &Machine{
		l:         l.WithField("phy", cfg.Address),
		bus:       bus,
		cfg:       cfg,
		busErrors: metrics.GetOrRegisterCounter("phy.bus_errors", cfg.Metrics),
	}
}

// Start issues the first request. It fails if the machine is not idle or
// the bus rejects the request.
func (m *Machine) Start() error {
	m.mu.Lock()
	if m.state != Initial || m.outstanding {
		m.mu.Unlock()
		return ErrRunning
	}
	m.initTries = 0
	m.probing = true
	err := m.issue()
	m.mu.Unlock()
	return err
}

// Stop abandons the machine. An in-flight request is allowed to finish
// before the machine returns to Initial.
func (m *Machine) Stop() {
	var n notifier
	m.mu.Lock()
	m.probing = false
	if m.state != Initial || m.outstanding {
		m.enter(&n, Closing)
		if !m.outstanding {
			m.enter(&n, Initial)
		}
	}
	if m.link.Up {
		m.link = Link{}
		n.link(m.cfg.OnLink, m.link)
	}
	m.mu.Unlock()
	n.run()
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) Link() Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.link
}

// ID returns the PHY identifier read during probing.
func (m *Machine) ID() uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id
}

// Pending reports whether a register access is in flight.
func (m *Machine) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outstanding
}

// Tick resumes link polling once the settle delay has passed. A request the
// bus refused to start is issued again.
func (m *Machine) Tick(now time.Time) error {
	var n notifier
	m.mu.Lock()
	m.lastTick = now
	var err error
	switch {
	case m.outstanding, m.state == Closing:
	case m.state == Initial:
		if m.probing {
			m.l.Debug("Retrying phy probe")
			err = m.issue()
		}
	case m.state == Wait:
		if !now.Before(m.resumeAt) {
			m.enter(&n, ReadStatus)
			err = m.issue()
		}
	default:
		m.l.WithField("state", m.state).Debug("Retrying management request")
		err = m.issue()
	}
	m.mu.Unlock()
	n.run()
	return err
}

// Complete delivers the result of the in-flight request. A bus error
// repeats the current state. An error wrapping ErrInitFailed means the
// machine gave up. Any other error is a request the bus refused to start,
// which the next Tick retries.
func (m *Machine) Complete(value uint16, busErr error) error {
	var n notifier
	m.mu.Lock()
	err := m.complete(&n, value, busErr)
	m.mu.Unlock()
	n.run()
	return err
}

func (m *Machine) complete(n *notifier, value uint16, busErr error) error {
	if !m.outstanding {
		m.l.WithField("state", m.state).Debug("Ignoring unsolicited management completion")
		return nil
	}
	m.outstanding = false

	if m.state == Closing {
		m.enter(n, Initial)
		return nil
	}

	if busErr == nil && m.state == Initial && (value == 0 || value == 0xffff) {
		busErr = ErrNoPHY
	}

	if busErr != nil {
		m.busErrors.Inc(1)
		if m.state == Initial {
			m.initTries++
			if m.initTries > m.cfg.MaxInitRetries {
				m.probing = false
				m.l.WithError(busErr).WithField("attempts", m.initTries).Error("Failed to probe phy")
				return fmt.Errorf("%w after %d attempts: %w", ErrInitFailed, m.initTries, busErr)
			}
		}
		m.l.WithError(busErr).WithField("state", m.state).Warn("Management bus request failed, retrying")
		return m.issue()
	}

	switch m.state {
	case Initial:
		m.probing = false
		m.id = value
		m.l.WithField("id", fmt.Sprintf("%#04x", value)).Info("Found phy")
		m.enter(n, Reset)
	case Reset:
		m.enter(n, Autonegotiate)
	case Autonegotiate:
		m.enter(n, Restart)
	case Restart:
		m.enter(n, ReadStatus)
	case ReadStatus:
		up := BMSR(value).LinkUp()
		switch {
		case up && !m.link.Up:
			m.enter(n, ReadDuplex)
		case !up && m.link.Up:
			m.link = Link{}
			m.l.Info("Link down")
			n.link(m.cfg.OnLink, m.link)
			m.resumeAt = m.lastTick.Add(m.cfg.SettleDelay)
			m.enter(n, Wait)
		default:
			m.enter(n, Wait)
		}
	case ReadDuplex:
		speed, duplex, ok := m.cfg.Advertise.Resolve(ANAR(value))
		if !ok {
			m.l.WithField("partner", fmt.Sprintf("%#04x", value)).Warn("No common mode with link partner, assuming 10Mbps half-duplex")
		}
		m.link = Link{Up: true, Speed: speed, Duplex: duplex}
		if m.active.Speed != speed || m.active.Duplex != duplex {
			if m.cfg.Reconfigure != nil {
				if err := m.cfg.Reconfigure(speed, duplex); err != nil {
					m.l.WithError(err).WithField("link", m.link).Error("Failed to reconfigure mac")
				}
			}
			m.active = m.link
		}
		m.l.WithField("link", m.link).Info("Link up")
		n.link(m.cfg.OnLink, m.link)
		m.enter(n, Wait)
	}

	return m.issue()
}

// issue starts the bus request belonging to the current state, if any.
func (m *Machine) issue() error {
	var err error
	a := m.cfg.Address
	switch m.state {
	case Initial:
		err = m.bus.StartRead(a, RegPHYID1)
	case Reset:
		err = m.bus.StartWrite(a, RegBMCR, uint16(BMCRReset))
	case Autonegotiate:
		err = m.bus.StartWrite(a, RegANAR, uint16(m.cfg.Advertise))
	case Restart:
		err = m.bus.StartWrite(a, RegBMCR, uint16(BMCRANEnable|BMCRANRestart))
	case ReadStatus:
		err = m.bus.StartRead(a, RegBMSR)
	case ReadDuplex:
		err = m.bus.StartRead(a, RegANLPAR)
	default:
		return nil
	}

	if err != nil {
		m.busErrors.Inc(1)
		return fmt.Errorf("failed to start %s request: %w", m.state, err)
	}
	m.outstanding = true
	return nil
}

func (m *Machine) enter(n *notifier, s State) {
	from := m.state
	m.state = s
	if m.cfg.OnTransition != nil {
		n.add(func() { m.cfg.OnTransition(from, s) })
	}
}

// notifier defers callbacks until the machine lock is released.
type notifier []func()

func (n *notifier) add(f func()) {
	*n = append(*n, f)
}

func (n *notifier) link(f func(Link), l Link) {
	if f != nil {
		n.add(func() { f(l) })
	}
}

func (n notifier) run() {
	for _, f := range n {
		f()
	}
}
