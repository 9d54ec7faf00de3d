package mac

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/ethdma/phy"
	"github.com/slackhq/ethdma/ptp"
	"github.com/slackhq/ethdma/ring"
)

var ErrMDIOTimeout = errors.New("management bus timeout")

const (
	// PHY identifier of the modelled transceiver.
	LoopbackPHYID1 = 0x0007
	LoopbackPHYID2 = 0xc131

	loopbackBMSR = phy.BMSR10Half | phy.BMSR10Full | phy.BMSR100Half | phy.BMSR100Full | phy.BMSRANCap | phy.BMSRExtCap
)

type LoopbackStats struct {
	TxFrames  uint64
	RxFrames  uint64
	RxDropped uint64
	Filtered  uint64
}

type mdioOp struct {
	write bool
	addr  uint8
	reg   uint8
	value uint16
}

// Loopback is an in-memory MAC whose transmit side is wired to its own
// receive side, with a PHY on the management bus and a PTP timer. It can be
// driven one Step at a time or by Run in its own goroutine.
type Loopback struct {
	l logrus.FieldLogger

	mu       sync.Mutex
	settings Settings
	configs  int
	tx, rx   *ring.Ring
	txIdx    int
	rxIdx    int
	status   Interrupt
	mask     Interrupt
	handler  func()
	filter   HashFilter
	stats    LoopbackStats

	phyAddr  uint8
	regs     [32]uint16
	linkUp   bool
	partner  phy.ANAR
	mdio     *mdioOp
	mdioVal  uint16
	mdioErr  error
	mdioFail int

	rxErr  ring.Status
	tsDrop int
	csum   *checksumVerifier

	timer *SimTimer
	wake  chan struct{}
}

// NewLoopback returns a device with its PHY at phyAddr, a link partner
// advertising every 10/100 mode and the link up.
func NewLoopback(l logrus.FieldLogger, phyAddr uint8, clockHz uint64) *Loopback {
	d := &Loopback{
		l:       l,
		phyAddr: phyAddr,
		linkUp:  true,
		partner: phy.ANARAll,
		csum:    newChecksumVerifier(),
		timer:   NewSimTimer(clockHz),
		wake:    make(chan struct{}, 1),
	}
	d.resetPHY()
	return d
}

var _ Device = (*Loopback)(nil)
var _ Runner = (*Loopback)(nil)

func (d *Loopback) Configure(s Settings) error {
	if s.MaxFrameLen <= 0 {
		return fmt.Errorf("invalid max frame length %d", s.MaxFrameLen)
	}
	d.mu.Lock()
	d.settings = s
	d.configs++
	d.mu.Unlock()
	return nil
}

// Settings returns the active configuration and how many times the device
// has been configured.
func (d *Loopback) Settings() (Settings, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settings, d.configs
}

func (d *Loopback) AttachRings(tx, rx *ring.Ring) error {
	if tx.Direction() != ring.Transmit || rx.Direction() != ring.Receive {
		return fmt.Errorf("rings attached in the wrong direction: %s, %s", tx.Direction(), rx.Direction())
	}
	d.mu.Lock()
	d.tx, d.rx = tx, rx
	d.txIdx, d.rxIdx = 0, 0
	d.mu.Unlock()
	return nil
}

func (d *Loopback) KickTx() { d.kick() }
func (d *Loopback) KickRx() { d.kick() }

func (d *Loopback) kick() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Loopback) InterruptStatus() Interrupt {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status & d.mask
}

func (d *Loopback) ClearInterrupts(i Interrupt) {
	d.mu.Lock()
	d.status &^= i
	d.mu.Unlock()
}

func (d *Loopback) SetInterruptMask(i Interrupt) {
	d.mu.Lock()
	d.mask = i
	d.mu.Unlock()
}

func (d *Loopback) SetInterruptHandler(f func()) {
	d.mu.Lock()
	d.handler = f
	d.mu.Unlock()
}

func (d *Loopback) SetMulticastHash(hi, lo uint32) {
	d.mu.Lock()
	d.filter = HashFilter{Hi: hi, Lo: lo}
	d.mu.Unlock()
}

func (d *Loopback) MulticastHash() HashFilter {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.filter
}

func (d *Loopback) MDIO() phy.Bus {
	return (*loopbackBus)(d)
}

func (d *Loopback) MDIOResult() (uint16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mdioVal, d.mdioErr
}

func (d *Loopback) Timer() ptp.Timer {
	return d.timer
}

// SimTimer returns the timer with its simulation controls.
func (d *Loopback) SimTimer() *SimTimer {
	return d.timer
}

// SetLink changes the state of the modelled cable and link partner.
func (d *Loopback) SetLink(up bool, partner phy.ANAR) {
	d.mu.Lock()
	d.linkUp = up
	d.partner = partner
	d.updatePHY()
	d.mu.Unlock()
}

// FailMDIO makes the next n management transactions time out.
func (d *Loopback) FailMDIO(n int) {
	d.mu.Lock()
	d.mdioFail = n
	d.mu.Unlock()
}

// DropTimestamps makes the next n transmit timestamp requests complete
// without a capture.
func (d *Loopback) DropTimestamps(n int) {
	d.mu.Lock()
	d.tsDrop = n
	d.mu.Unlock()
}

// InjectRxError sets error flags on the last descriptor of the next frame
// that is received.
func (d *Loopback) InjectRxError(s ring.Status) {
	d.mu.Lock()
	d.rxErr = s & ring.StatusErrors
	d.mu.Unlock()
}

func (d *Loopback) Stats() LoopbackStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Step runs the DMA engines and the management bus until they have no more
// work, then raises the interrupt line if an enabled interrupt is pending.
// It reports whether anything happened.
func (d *Loopback) Step() bool {
	d.mu.Lock()
	busy := d.stepMDIO()
	for d.transmitOne() {
		busy = true
	}
	pending := d.status&d.mask != 0
	handler := d.handler
	d.mu.Unlock()

	if pending && handler != nil {
		handler()
	}
	return busy
}

// Run drives the device until ctx is done, advancing the timer with the
// wall clock.
func (d *Loopback) Run(ctx context.Context) error {
	t := time.NewTicker(time.Millisecond)
	defer t.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		case <-d.wake:
		}

		now := time.Now()
		d.timer.Advance(now.Sub(last))
		last = now
		d.Step()
	}
}

// transmitOne moves the next complete ready frame from the transmit ring to
// the receive ring. It returns false when no complete frame is ready.
func (d *Loopback) transmitOne() bool {
	if d.tx == nil || d.rx == nil {
		return false
	}

	n, size, last := 0, 0, d.txIdx
	for i := d.txIdx; ; i = d.tx.Next(i) {
		desc := d.tx.At(i)
		if !desc.HardwareOwned() {
			return false
		}
		n++
		size += desc.Len()
		if desc.Status()&ring.StatusLast != 0 {
			last = i
			break
		}
		if n == d.tx.Len() {
			d.l.Error("Transmit ring holds no end of frame")
			d.status |= InterruptBusError
			return false
		}
	}

	frame := make([]byte, 0, size)
	for i := d.txIdx; ; i = d.tx.Next(i) {
		frame = append(frame, d.tx.At(i).Bytes()...)
		if i == last {
			break
		}
	}

	ts := ptp.NoTimestamp
	if d.tx.At(last).Status()&ring.StatusTimestampRequest != 0 {
		if d.tsDrop > 0 {
			d.tsDrop--
		} else {
			ts = d.timer.ReadTime()
			d.status |= InterruptTimestamp
		}
	}

	for i := d.txIdx; ; i = d.tx.Next(i) {
		desc := d.tx.At(i)
		if i == last {
			desc.Complete(-1, desc.Status(), ts)
			break
		}
		desc.Complete(-1, desc.Status(), ptp.NoTimestamp)
	}
	d.txIdx = d.tx.Next(last)
	d.stats.TxFrames++
	d.status |= InterruptTx

	d.receive(frame)
	return true
}

func (d *Loopback) receive(frame []byte) {
	if !d.linkUp {
		return
	}
	if !d.settings.Promiscuous && len(frame) >= 6 && !d.filter.Accepts(net.HardwareAddr(frame[:6])) {
		d.stats.Filtered++
		return
	}

	bufSize := d.rx.BufferSize()
	need := max(1, (len(frame)+bufSize-1)/bufSize)
	if need > d.rx.Len() {
		need = d.rx.Len()
	}
	for i, j := d.rxIdx, 0; j < need; i, j = d.rx.Next(i), j+1 {
		if !d.rx.At(i).HardwareOwned() {
			d.stats.RxDropped++
			d.status |= InterruptRxUnavailable
			return
		}
	}

	var flags ring.Status
	if d.settings.MaxFrameLen > 0 && len(frame) > d.settings.MaxFrameLen {
		flags |= ring.StatusLength
	}
	if len(frame) > need*bufSize {
		flags |= ring.StatusTruncated
	}
	if d.settings.ChecksumOffload && !d.csum.Valid(frame) {
		flags |= ring.StatusChecksum
	}
	flags |= d.rxErr
	d.rxErr = 0

	ts := d.timer.ReadTime()
	i, rest := d.rxIdx, frame
	for j := 0; j < need; j++ {
		desc := d.rx.At(i)
		c := copy(desc.Buffer(), rest)
		rest = rest[c:]
		if j == need-1 {
			desc.Complete(c, ring.StatusLast|flags, ts)
		} else {
			desc.Complete(c, 0, ptp.NoTimestamp)
		}
		i = d.rx.Next(i)
	}
	d.rxIdx = i
	d.stats.RxFrames++
	d.status |= InterruptRx
}

func (d *Loopback) stepMDIO() bool {
	op := d.mdio
	if op == nil {
		return false
	}
	d.mdio = nil
	d.status |= InterruptMDIO
	d.mdioVal, d.mdioErr = 0, nil

	if d.mdioFail > 0 {
		d.mdioFail--
		d.mdioErr = ErrMDIOTimeout
		return true
	}

	if op.addr != d.phyAddr {
		if !op.write {
			d.mdioVal = 0xffff
		}
		return true
	}

	if !op.write {
		d.mdioVal = d.regs[op.reg&31]
		if op.reg == phy.RegBMSR {
			// Link status is latched low until read.
			d.updatePHY()
		}
		return true
	}

	switch op.reg {
	case phy.RegBMCR:
		v := phy.BMCR(op.value)
		if v&phy.BMCRReset != 0 {
			d.resetPHY()
			return true
		}
		d.regs[phy.RegBMCR] = uint16(v &^ phy.BMCRANRestart)
		d.updatePHY()
	case phy.RegANAR:
		d.regs[phy.RegANAR] = op.value
	}
	return true
}

func (d *Loopback) resetPHY() {
	d.regs = [32]uint16{}
	d.regs[phy.RegBMCR] = uint16(phy.BMCRANEnable)
	d.regs[phy.RegPHYID1] = LoopbackPHYID1
	d.regs[phy.RegPHYID2] = LoopbackPHYID2
	d.regs[phy.RegANAR] = uint16(phy.ANARAll)
	d.updatePHY()
}

func (d *Loopback) updatePHY() {
	bmsr := loopbackBMSR
	var lpa uint16
	if d.linkUp {
		bmsr |= phy.BMSRLinkStatus | phy.BMSRANComplete
		lpa = uint16(d.partner | phy.ANARSelector8023)
	}
	d.regs[phy.RegBMSR] = uint16(bmsr)
	d.regs[phy.RegANLPAR] = lpa
}

type loopbackBus Loopback

func (b *loopbackBus) start(op mdioOp) error {
	d := (*Loopback)(b)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mdio != nil {
		return ErrMDIOBusy
	}
	d.mdio = &op
	d.kick()
	return nil
}

func (b *loopbackBus) StartRead(addr, reg uint8) error {
	return b.start(mdioOp{addr: addr, reg: reg})
}

func (b *loopbackBus) StartWrite(addr, reg uint8, value uint16) error {
	return b.start(mdioOp{write: true, addr: addr, reg: reg, value: value})
}
