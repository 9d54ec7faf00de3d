package ethdma

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/ethdma/config"
	"github.com/slackhq/ethdma/mac"
	"github.com/slackhq/ethdma/phy"
	"github.com/slackhq/ethdma/ptp"
	"github.com/slackhq/ethdma/ring"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultDescriptors   = 8
	DefaultBufferSize    = 1536
	DefaultMaxFrameLen   = ring.MaxFrameSize
	DefaultTimestampRing = 16
	DefaultClockHz       = 50_000_000
	DefaultPHYTick       = time.Second
)

type InterfaceConfig struct {
	Device  mac.Device
	Handler Handler
	Tap     Tap

	TxDescriptors int
	RxDescriptors int
	BufferSize    int
	Alignment     int

	Settings mac.Settings
	PHY      phy.Config
	PHYTick  time.Duration

	TimestampRing int
	ClockHz       uint64

	// RxWorker delivers received frames from a dedicated goroutine instead
	// of the interrupt handler.
	RxWorker bool

	// StatsInterval enables periodic gauge updates.
	StatsInterval time.Duration

	Metrics metrics.Registry
	l       *logrus.Logger
}

// Interface is one driver instance. It owns the rings, the engines working
// them and the PHY state machine of a single MAC.
type Interface struct {
	l   *logrus.Logger
	dev mac.Device

	txRing *ring.Ring
	rxRing *ring.Ring

	tx         *Transmitter
	rx         *Receiver
	correlator *ptp.Correlator
	clock      *ptp.Clock
	phy        *phy.Machine
	dispatcher *Dispatcher
	multicast  *multicastFilter
	handler    Handler
	tap        Tap

	settingsLock sync.Mutex
	settings     mac.Settings

	phyTick       time.Duration
	statsInterval time.Duration
	metrics       metrics.Registry

	closeOnce sync.Once
}

func NewInterface(c *InterfaceConfig) (_ *Interface, err error) {
	if c.Device == nil {
		return nil, errors.New("no mac device")
	}
	if c.l == nil {
		c.l = logrus.StandardLogger()
	}
	if c.Handler == nil {
		c.Handler = NopHandler{}
	}
	if c.Metrics == nil {
		c.Metrics = metrics.DefaultRegistry
	}
	if c.TxDescriptors == 0 {
		c.TxDescriptors = DefaultDescriptors
	}
	if c.RxDescriptors == 0 {
		c.RxDescriptors = DefaultDescriptors
	}
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.Alignment == 0 {
		c.Alignment = ring.DefaultAlignment
	}
	if c.Settings.MaxFrameLen == 0 {
		c.Settings.MaxFrameLen = DefaultMaxFrameLen
	}
	if c.Settings.Speed == 0 {
		c.Settings.Speed = phy.Speed100
		c.Settings.Duplex = phy.Full
	}
	if c.TimestampRing == 0 {
		c.TimestampRing = DefaultTimestampRing
	}
	if c.ClockHz == 0 {
		c.ClockHz = DefaultClockHz
	}
	if c.PHYTick <= 0 {
		c.PHYTick = DefaultPHYTick
	}

	f := &Interface{
		l:             c.l,
		dev:           c.Device,
		handler:       c.Handler,
		tap:           c.Tap,
		settings:      c.Settings,
		phyTick:       c.PHYTick,
		statsInterval: c.StatsInterval,
		metrics:       c.Metrics,
	}

	f.txRing, err = ring.New(ring.Transmit, c.TxDescriptors, c.BufferSize, c.Alignment)
	if err != nil {
		return nil, fmt.Errorf("transmit ring: %w", err)
	}
	defer func() {
		if err != nil {
			f.txRing.Close()
		}
	}()

	f.rxRing, err = ring.New(ring.Receive, c.RxDescriptors, c.BufferSize, c.Alignment)
	if err != nil {
		return nil, fmt.Errorf("receive ring: %w", err)
	}
	defer func() {
		if err != nil {
			f.rxRing.Close()
		}
	}()

	f.correlator, err = ptp.NewCorrelator(c.TimestampRing, c.Metrics)
	if err != nil {
		return nil, err
	}

	f.clock, err = ptp.NewClock(c.Device.Timer(), c.ClockHz)
	if err != nil {
		return nil, err
	}

	f.tx = newTransmitter(c.l, c.Device, f.txRing, f.correlator, c.Settings.MaxFrameLen, c.Metrics)
	f.tx.tap = c.Tap
	f.tx.onSent = c.Handler.FrameSent

	f.rx = newReceiver(c.l, c.Device, f.rxRing, c.Device.Timer(), c.Settings.MaxFrameLen, c.Metrics)
	f.rx.tap = c.Tap

	pc := c.PHY
	pc.Metrics = c.Metrics
	pc.Reconfigure = f.reconfigure
	pc.OnLink = f.linkChanged
	pc.OnTransition = func(from, to phy.State) {
		f.l.WithField("from", from).WithField("to", to).Debug("Phy state change")
	}
	f.phy = phy.NewMachine(c.l, c.Device.MDIO(), pc)

	f.dispatcher = &Dispatcher{
		l:         c.l,
		dev:       c.Device,
		tx:        f.tx,
		rx:        f.rx,
		phy:       f.phy,
		handler:   c.Handler,
		now:       time.Now,
		irqErrors: metrics.GetOrRegisterCounter("irq.errors", c.Metrics),
	}
	if c.RxWorker {
		f.dispatcher.rxWork = make(chan struct{}, 1)
	}

	f.multicast = newMulticastFilter(c.l, c.Device)

	return f, nil
}

// activate programs the hardware and starts the PHY. Nothing is received
// before this is called.
func (f *Interface) activate() error {
	f.settingsLock.Lock()
	s := f.settings
	f.settingsLock.Unlock()

	if err := f.dev.Configure(s); err != nil {
		return fmt.Errorf("configure mac: %w", err)
	}
	if err := f.dev.AttachRings(f.txRing, f.rxRing); err != nil {
		return fmt.Errorf("attach rings: %w", err)
	}
	f.multicast.program()

	f.dev.SetInterruptHandler(f.dispatcher.HandleInterrupt)
	f.dev.SetInterruptMask(mac.InterruptAll)
	f.dev.KickRx()

	if err := f.phy.Start(); err != nil {
		return fmt.Errorf("start phy: %w", err)
	}

	f.l.WithFields(logrus.Fields{
		"txDescriptors": f.txRing.Len(),
		"rxDescriptors": f.rxRing.Len(),
		"bufferSize":    f.txRing.BufferSize(),
		"settings":      s,
	}).Info("Interface is active")
	return nil
}

// run starts the goroutines of the interface in eg. They stop when ctx is
// done.
func (f *Interface) run(ctx context.Context, eg *errgroup.Group) {
	if r, ok := f.dev.(mac.Runner); ok {
		eg.Go(func() error { return r.Run(ctx) })
	}

	if f.dispatcher.rxWork != nil {
		eg.Go(func() error { return f.rx.worker(ctx, f.dispatcher.rxWork, f.handler) })
	}

	eg.Go(func() error {
		t := time.NewTicker(f.phyTick)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				f.dispatcher.Dispatch(EventTick)
			}
		}
	})

	if f.statsInterval > 0 {
		eg.Go(func() error {
			f.emitStats(ctx, f.statsInterval)
			return nil
		})
	}
}

func (f *Interface) reconfigure(speed phy.Speed, duplex phy.Duplex) error {
	f.settingsLock.Lock()
	defer f.settingsLock.Unlock()
	s := f.settings
	s.Speed, s.Duplex = speed, duplex
	if err := f.dev.Configure(s); err != nil {
		return err
	}
	f.settings = s
	return nil
}

func (f *Interface) linkChanged(l phy.Link) {
	f.handler.LinkChanged(l)
}

func (f *Interface) Settings() mac.Settings {
	f.settingsLock.Lock()
	defer f.settingsLock.Unlock()
	return f.settings
}

func (f *Interface) JoinGroup(addr net.HardwareAddr) error {
	return f.multicast.join(addr)
}

func (f *Interface) LeaveGroup(addr net.HardwareAddr) error {
	return f.multicast.leave(addr)
}

func (f *Interface) RegisterConfigChangeCallbacks(c *config.C) {
	c.RegisterReloadCallback(f.reloadMAC)
	c.RegisterReloadCallback(f.reloadMulticast)
}

// reloadMAC applies the mac settings that can change at runtime.
func (f *Interface) reloadMAC(c *config.C) {
	if !c.HasChanged("mac") {
		return
	}

	f.settingsLock.Lock()
	defer f.settingsLock.Unlock()

	s := f.settings
	s.Promiscuous = c.GetBool("mac.promiscuous", false)
	s.VLAN = c.GetBool("mac.vlan", false)
	s.ChecksumOffload = c.GetBool("mac.checksum_offload", false)
	if c.GetInt("mac.max_frame_len", DefaultMaxFrameLen) != s.MaxFrameLen {
		f.l.Warn("mac.max_frame_len can not be changed without a restart")
	}

	if s == f.settings {
		return
	}
	if err := f.dev.Configure(s); err != nil {
		f.l.WithError(err).Error("Failed to reconfigure mac")
		return
	}
	f.settings = s
	f.l.WithField("settings", s).Info("Mac settings reloaded")
}

func (f *Interface) reloadMulticast(c *config.C) {
	if !c.HasChanged("multicast.groups") {
		return
	}

	want, err := parseGroups(c)
	if err != nil {
		f.l.WithError(err).Error("Failed to reload multicast.groups")
		return
	}

	joined := make(map[string]bool)
	for _, g := range f.multicast.joined() {
		joined[g] = true
	}

	wanted := make(map[string]bool)
	for _, g := range want {
		wanted[g.String()] = true
		if !joined[g.String()] {
			if err := f.multicast.join(g); err != nil {
				f.l.WithError(err).WithField("group", g).Error("Failed to join multicast group")
			}
		}
	}
	for g := range joined {
		if !wanted[g] {
			addr, _ := net.ParseMAC(g)
			if err := f.multicast.leave(addr); err != nil {
				f.l.WithError(err).WithField("group", g).Error("Failed to leave multicast group")
			}
		}
	}
}

func (f *Interface) emitStats(ctx context.Context, i time.Duration) {
	ticker := time.NewTicker(i)
	defer ticker.Stop()

	txInFlight := metrics.GetOrRegisterGauge("tx.in_flight", f.metrics)
	rxArmed := metrics.GetOrRegisterGauge("rx.armed", f.metrics)
	ptpPending := metrics.GetOrRegisterGauge("ptp.pending", f.metrics)
	linkUp := metrics.GetOrRegisterGauge("phy.link_up", f.metrics)
	linkSpeed := metrics.GetOrRegisterGauge("phy.speed", f.metrics)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			txInFlight.Update(int64(f.tx.InFlight()))
			rxArmed.Update(int64(f.rxArmed()))
			ptpPending.Update(int64(f.correlator.Len()))
			l := f.phy.Link()
			if l.Up {
				linkUp.Update(1)
				linkSpeed.Update(int64(l.Speed))
			} else {
				linkUp.Update(0)
				linkSpeed.Update(0)
			}
		}
	}
}

func (f *Interface) rxArmed() int {
	f.rx.mu.Lock()
	defer f.rx.mu.Unlock()
	return f.rxRing.HardwareOwned()
}

// Close stops the PHY, quiesces the hardware and releases the rings. The
// goroutines started by run must have exited.
func (f *Interface) Close() error {
	var err error
	f.closeOnce.Do(func() {
		f.phy.Stop()
		f.dev.SetInterruptMask(0)
		f.dev.SetInterruptHandler(nil)
		f.correlator.Flush()

		if cerr := f.txRing.Close(); cerr != nil {
			err = cerr
		}
		if cerr := f.rxRing.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	})
	return err
}
