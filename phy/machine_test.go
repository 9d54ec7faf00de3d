package phy

import (
	"errors"
	"testing"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/ethdma/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type request struct {
	write bool
	reg   uint8
	value uint16
}

type fakeBus struct {
	requests []request
	reject   error
}

func (b *fakeBus) StartRead(addr, reg uint8) error {
	if b.reject != nil {
		return b.reject
	}
	b.requests = append(b.requests, request{reg: reg})
	return nil
}

func (b *fakeBus) StartWrite(addr, reg uint8, value uint16) error {
	if b.reject != nil {
		return b.reject
	}
	b.requests = append(b.requests, request{write: true, reg: reg, value: value})
	return nil
}

func (b *fakeBus) last() request {
	return b.requests[len(b.requests)-1]
}

type recorder struct {
	transitions [][2]State
	links       []Link
	reconfigs   []Link
}

func newMachine(t *testing.T, bus *fakeBus) (*Machine, *recorder, metrics.Registry) {
	r := &recorder{}
	reg := metrics.NewRegistry()
	m := NewMachine(test.NewLogger(), bus, Config{
		Address:     1,
		SettleDelay: 3 * time.Second,
		Reconfigure: func(s Speed, d Duplex) error {
			r.reconfigs = append(r.reconfigs, Link{Up: true, Speed: s, Duplex: d})
			return nil
		},
		OnLink:       func(l Link) { r.links = append(r.links, l) },
		OnTransition: func(from, to State) { r.transitions = append(r.transitions, [2]State{from, to}) },
		Metrics:      reg,
	})
	return m, r, reg
}

// bringUp drives a fresh machine to Wait with the link up at 100/full.
func bringUp(t *testing.T, m *Machine, bus *fakeBus) {
	require.NoError(t, m.Start())
	require.NoError(t, m.Complete(0x0007, nil))
	require.NoError(t, m.Complete(0, nil))
	require.NoError(t, m.Complete(0, nil))
	require.NoError(t, m.Complete(0, nil))
	require.NoError(t, m.Complete(uint16(BMSRLinkStatus|BMSRANCap|BMSRANComplete), nil))
	require.NoError(t, m.Complete(uint16(ANARAll), nil))
	require.Equal(t, Wait, m.State())
}

func TestMachine_BringUp(t *testing.T) {
	bus := &fakeBus{}
	m, r, _ := newMachine(t, bus)

	require.NoError(t, m.Start())
	assert.Equal(t, request{reg: RegPHYID1}, bus.last())
	assert.True(t, m.Pending())

	require.NoError(t, m.Complete(0x0007, nil))
	assert.Equal(t, Reset, m.State())
	assert.Equal(t, uint16(0x0007), m.ID())
	assert.Equal(t, request{write: true, reg: RegBMCR, value: uint16(BMCRReset)}, bus.last())

	require.NoError(t, m.Complete(0, nil))
	assert.Equal(t, Autonegotiate, m.State())
	assert.Equal(t, request{write: true, reg: RegANAR, value: uint16(ANARAll)}, bus.last())

	require.NoError(t, m.Complete(0, nil))
	assert.Equal(t, Restart, m.State())
	assert.Equal(t, request{write: true, reg: RegBMCR, value: uint16(BMCRANEnable | BMCRANRestart)}, bus.last())

	require.NoError(t, m.Complete(0, nil))
	assert.Equal(t, ReadStatus, m.State())
	assert.Equal(t, request{reg: RegBMSR}, bus.last())

	require.NoError(t, m.Complete(uint16(BMSRLinkStatus|BMSRANCap|BMSRANComplete), nil))
	assert.Equal(t, ReadDuplex, m.State())
	assert.Equal(t, request{reg: RegANLPAR}, bus.last())

	require.NoError(t, m.Complete(uint16(ANARSelector8023|ANAR10Full|ANAR100Half), nil))
	assert.Equal(t, Wait, m.State())
	assert.False(t, m.Pending())

	want := Link{Up: true, Speed: Speed100, Duplex: Half}
	assert.Equal(t, want, m.Link())
	assert.Equal(t, []Link{want}, r.links)
	assert.Equal(t, []Link{want}, r.reconfigs)
	assert.Equal(t, [][2]State{
		{Initial, Reset},
		{Reset, Autonegotiate},
		{Autonegotiate, Restart},
		{Restart, ReadStatus},
		{ReadStatus, ReadDuplex},
		{ReadDuplex, Wait},
	}, r.transitions)
	assert.Len(t, bus.requests, 6)
}

func TestMachine_StartTwice(t *testing.T) {
	bus := &fakeBus{}
	m, _, _ := newMachine(t, bus)
	require.NoError(t, m.Start())
	assert.ErrorIs(t, m.Start(), ErrRunning)
	assert.Len(t, bus.requests, 1)
}

func TestMachine_PollWithoutChange(t *testing.T) {
	bus := &fakeBus{}
	m, r, _ := newMachine(t, bus)
	bringUp(t, m, bus)
	n := len(bus.requests)

	now := time.Unix(100, 0)
	require.NoError(t, m.Tick(now))
	assert.Equal(t, ReadStatus, m.State())
	assert.Equal(t, request{reg: RegBMSR}, bus.last())

	// A second tick while the read is in flight issues nothing.
	require.NoError(t, m.Tick(now.Add(time.Second)))
	assert.Len(t, bus.requests, n+1)

	require.NoError(t, m.Complete(uint16(BMSRLinkStatus|BMSRANCap|BMSRANComplete), nil))
	assert.Equal(t, Wait, m.State())
	assert.Len(t, r.links, 1)
	assert.Len(t, r.reconfigs, 1)
}

func TestMachine_LinkDownAndSettle(t *testing.T) {
	bus := &fakeBus{}
	m, r, _ := newMachine(t, bus)
	bringUp(t, m, bus)

	now := time.Unix(100, 0)
	require.NoError(t, m.Tick(now))
	require.NoError(t, m.Complete(0, nil))
	assert.Equal(t, Wait, m.State())
	assert.Equal(t, Link{}, m.Link())
	require.Len(t, r.links, 2)
	assert.False(t, r.links[1].Up)

	n := len(bus.requests)
	require.NoError(t, m.Tick(now.Add(time.Second)))
	require.NoError(t, m.Tick(now.Add(2*time.Second)))
	assert.Len(t, bus.requests, n, "polling must stay suspended while settling")
	assert.Equal(t, Wait, m.State())

	require.NoError(t, m.Tick(now.Add(3*time.Second)))
	assert.Equal(t, ReadStatus, m.State())
	assert.Len(t, bus.requests, n+1)

	// Link returns with the same mode, so the mac is left alone.
	require.NoError(t, m.Complete(uint16(BMSRLinkStatus|BMSRANCap|BMSRANComplete), nil))
	require.NoError(t, m.Complete(uint16(ANARAll), nil))
	assert.True(t, m.Link().Up)
	assert.Len(t, r.links, 3)
	assert.Len(t, r.reconfigs, 1)
}

func TestMachine_ModeChangeReconfigures(t *testing.T) {
	bus := &fakeBus{}
	m, r, _ := newMachine(t, bus)
	bringUp(t, m, bus)

	now := time.Unix(100, 0)
	require.NoError(t, m.Tick(now))
	require.NoError(t, m.Complete(0, nil))
	require.NoError(t, m.Tick(now.Add(time.Hour)))
	require.NoError(t, m.Complete(uint16(BMSRLinkStatus|BMSRANCap|BMSRANComplete), nil))
	require.NoError(t, m.Complete(uint16(ANARSelector8023|ANAR10Full), nil))

	assert.Equal(t, Link{Up: true, Speed: Speed10, Duplex: Full}, m.Link())
	require.Len(t, r.reconfigs, 2)
	assert.Equal(t, Speed10, r.reconfigs[1].Speed)
}

func TestMachine_BusErrorRetriesSameState(t *testing.T) {
	bus := &fakeBus{}
	m, r, reg := newMachine(t, bus)

	require.NoError(t, m.Start())
	require.NoError(t, m.Complete(0x0007, nil))
	require.NoError(t, m.Complete(0, nil))
	assert.Equal(t, Autonegotiate, m.State())

	n := len(bus.requests)
	boom := errors.New("mdio timeout")
	require.NoError(t, m.Complete(0, boom))
	assert.Equal(t, Autonegotiate, m.State())
	assert.Len(t, bus.requests, n+1)
	assert.Equal(t, bus.requests[n-1], bus.last())
	assert.Equal(t, int64(1), metrics.GetOrRegisterCounter("phy.bus_errors", reg).Count())

	// No transition was recorded for the retry.
	assert.Equal(t, [2]State{Reset, Autonegotiate}, r.transitions[len(r.transitions)-1])
}

func TestMachine_InitFailure(t *testing.T) {
	bus := &fakeBus{}
	m, _, _ := newMachine(t, bus)

	require.NoError(t, m.Start())
	boom := errors.New("mdio timeout")
	for i := 0; i < DefaultMaxInitRetries; i++ {
		require.NoError(t, m.Complete(0, boom))
		assert.Equal(t, Initial, m.State())
		assert.True(t, m.Pending())
	}

	err := m.Complete(0, boom)
	require.ErrorIs(t, err, ErrInitFailed)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, Initial, m.State())
	assert.False(t, m.Pending())
	assert.Len(t, bus.requests, DefaultMaxInitRetries+1)

	// The machine can be started again.
	require.NoError(t, m.Start())
}

func TestMachine_NoPHY(t *testing.T) {
	bus := &fakeBus{}
	m, _, _ := newMachine(t, bus)
	require.NoError(t, m.Start())

	var err error
	for i := 0; i <= DefaultMaxInitRetries; i++ {
		err = m.Complete(0xffff, nil)
	}
	assert.ErrorIs(t, err, ErrNoPHY)
	assert.ErrorIs(t, err, ErrInitFailed)
}

func TestMachine_StopWithRequestInFlight(t *testing.T) {
	bus := &fakeBus{}
	m, r, _ := newMachine(t, bus)
	bringUp(t, m, bus)
	require.NoError(t, m.Tick(time.Unix(100, 0)))
	require.True(t, m.Pending())

	m.Stop()
	assert.Equal(t, Closing, m.State())
	assert.False(t, m.Link().Up)
	assert.False(t, r.links[len(r.links)-1].Up)

	require.NoError(t, m.Complete(uint16(BMSRLinkStatus), nil))
	assert.Equal(t, Initial, m.State())
	assert.False(t, m.Pending())

	// Late completions are ignored.
	require.NoError(t, m.Complete(0, nil))
	assert.Equal(t, Initial, m.State())
}

func TestMachine_StopIdle(t *testing.T) {
	bus := &fakeBus{}
	m, r, _ := newMachine(t, bus)
	bringUp(t, m, bus)

	m.Stop()
	assert.Equal(t, Initial, m.State())
	assert.Equal(t, [2]State{Closing, Initial}, r.transitions[len(r.transitions)-1])
}

func TestMachine_BusRejectsStart(t *testing.T) {
	bus := &fakeBus{reject: errors.New("busy")}
	m, _, _ := newMachine(t, bus)
	assert.Error(t, m.Start())
	assert.False(t, m.Pending())
}

func TestMachine_TickRetriesRefusedRequest(t *testing.T) {
	bus := &fakeBus{}
	m, r, reg := newMachine(t, bus)
	bringUp(t, m, bus)
	n := len(bus.requests)

	bus.reject = errors.New("busy")
	err := m.Tick(time.Unix(100, 0))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInitFailed)
	assert.Equal(t, ReadStatus, m.State())
	assert.False(t, m.Pending())
	assert.Len(t, bus.requests, n)
	assert.Equal(t, int64(1), metrics.GetOrRegisterCounter("phy.bus_errors", reg).Count())

	bus.reject = nil
	for i := 1; i <= 5; i++ {
		require.NoError(t, m.Tick(time.Unix(100+int64(i), 0)))
		if i == 1 {
			require.True(t, m.Pending())
			assert.Equal(t, request{reg: RegBMSR}, bus.last())
			require.NoError(t, m.Complete(uint16(BMSRLinkStatus|BMSRANCap|BMSRANComplete), nil))
			assert.Equal(t, Wait, m.State())
		}
	}
	assert.True(t, m.Link().Up)
	assert.Len(t, r.links, 1)
}

func TestMachine_TickRetriesRefusedProbe(t *testing.T) {
	bus := &fakeBus{reject: errors.New("busy")}
	m, _, _ := newMachine(t, bus)
	require.Error(t, m.Start())

	bus.reject = nil
	require.NoError(t, m.Tick(time.Unix(1, 0)))
	require.True(t, m.Pending())
	assert.Equal(t, request{reg: RegPHYID1}, bus.last())
	require.NoError(t, m.Complete(0x0007, nil))
	assert.Equal(t, Reset, m.State())
}

func TestMachine_TickAfterInitFailureIsIdle(t *testing.T) {
	bus := &fakeBus{}
	m, _, _ := newMachine(t, bus)
	require.NoError(t, m.Start())

	var err error
	for i := 0; i <= DefaultMaxInitRetries; i++ {
		err = m.Complete(0, errors.New("mdio timeout"))
	}
	require.ErrorIs(t, err, ErrInitFailed)
	n := len(bus.requests)

	require.NoError(t, m.Tick(time.Unix(10, 0)))
	assert.False(t, m.Pending())
	assert.Len(t, bus.requests, n)
}

func TestANAR_Resolve(t *testing.T) {
	tests := []struct {
		name    string
		partner ANAR
		speed   Speed
		duplex  Duplex
		ok      bool
	}{
		{"100 full", ANARAll, Speed100, Full, true},
		{"100 half", ANAR100Half | ANAR10Full, Speed100, Half, true},
		{"10 full", ANAR10Full | ANAR10Half, Speed10, Full, true},
		{"10 half", ANAR10Half, Speed10, Half, true},
		{"none", ANARSelector8023, Speed10, Half, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, d, ok := ANARAll.Resolve(tt.partner)
			assert.Equal(t, tt.speed, s)
			assert.Equal(t, tt.duplex, d)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestBMSR_LinkUp(t *testing.T) {
	assert.False(t, BMSR(0).LinkUp())
	assert.True(t, BMSRLinkStatus.LinkUp())
	assert.False(t, (BMSRLinkStatus | BMSRANCap).LinkUp())
	assert.True(t, (BMSRLinkStatus | BMSRANCap | BMSRANComplete).LinkUp())
}

func TestLink_String(t *testing.T) {
	assert.Equal(t, "down", Link{}.String())
	assert.Equal(t, "up 100Mbps full-duplex", Link{Up: true, Speed: Speed100, Duplex: Full}.String())
	assert.Equal(t, "read-status", ReadStatus.String())
	assert.Equal(t, "state(42)", State(42).String())
}
