package ptp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTimer struct {
	now       Timestamp
	increment uint64
}

func (f *fakeTimer) ReadTime() Timestamp { return f.now }
func (f *fakeTimer) WriteTime(ts Timestamp) { f.now = ts }
func (f *fakeTimer) AddTime(offset int64) { f.now = f.now.Add(offset) }
func (f *fakeTimer) SetIncrement(increment uint64) { f.increment = increment }

func TestNewClock(t *testing.T) {
	_, err := NewClock(&fakeTimer{}, 0)
	assert.Error(t, err)

	ft := &fakeTimer{}
	c, err := NewClock(ft, 50_000_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(20)<<32, ft.increment)
	assert.Equal(t, 20*time.Nanosecond, c.TickPeriod())
}

func TestClock_SetStep(t *testing.T) {
	ft := &fakeTimer{}
	c, err := NewClock(ft, 125_000_000)
	require.NoError(t, err)

	assert.ErrorIs(t, c.Set(NoTimestamp), ErrInvalidTime)
	require.NoError(t, c.Set(Timestamp{Seconds: 10}))
	c.Step(-1500 * time.Millisecond)
	assert.Equal(t, Timestamp{Seconds: 8, Nanoseconds: 500_000_000}, c.Now())
}

func TestClock_AdjustRate(t *testing.T) {
	ft := &fakeTimer{}
	c, err := NewClock(ft, 50_000_000)
	require.NoError(t, err)
	nominal := uint64(20) << 32

	assert.Equal(t, int64(100), c.AdjustRate(100))
	assert.Equal(t, nominal+nominal*100/1_000_000_000, ft.increment)

	assert.Equal(t, int64(-250), c.AdjustRate(-250))
	assert.Equal(t, nominal-nominal*250/1_000_000_000, ft.increment)

	// Never more than one nominal tick period per tick in either direction
	assert.Equal(t, int64(1_000_000_000), c.AdjustRate(5_000_000_000))
	assert.Equal(t, 2*nominal, ft.increment)

	c.AdjustRate(-5_000_000_000)
	assert.Greater(t, ft.increment, uint64(0))
	assert.Less(t, ft.increment, nominal)
	assert.Equal(t, int64(-999_999_999), c.Rate())
}
