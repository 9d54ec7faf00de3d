package ptp

import (
	"context"
	"testing"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIdentity(seq uint16) Identity {
	return Identity{Version: 2, MessageType: Sync, SequenceID: seq, SourcePort: PortIdentity{1, 2, 3, 4, 5, 6, 7, 8, 0, 1}}
}

func TestNewCorrelator(t *testing.T) {
	_, err := NewCorrelator(0, metrics.NewRegistry())
	assert.Error(t, err)

	c, err := NewCorrelator(4, metrics.NewRegistry())
	require.NoError(t, err)
	assert.Equal(t, 4, c.Capacity())
	assert.Equal(t, 0, c.Len())
}

func TestCorrelator_ResolveInOrder(t *testing.T) {
	c, err := NewCorrelator(8, metrics.NewRegistry())
	require.NoError(t, err)

	var pending []*Pending
	for i := 0; i < 8; i++ {
		pending = append(pending, c.Register(testIdentity(uint16(i))))
	}
	assert.Equal(t, 8, c.Len())

	for i := 0; i < 8; i++ {
		ts := Timestamp{Seconds: 100, Nanoseconds: uint32(i)}
		rec, ok := c.Resolve(testIdentity(uint16(i)), ts)
		require.True(t, ok)
		assert.Equal(t, ts, rec.Time)
		assert.Equal(t, uint16(i), rec.SequenceID)

		got, err := pending[i].Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, ts, got.Time)
	}
	assert.Equal(t, 0, c.Len())
}

func TestCorrelator_ResolveUnknown(t *testing.T) {
	c, err := NewCorrelator(4, metrics.NewRegistry())
	require.NoError(t, err)

	c.Register(testIdentity(1))
	rec, ok := c.Resolve(testIdentity(2), Timestamp{Seconds: 1})
	assert.False(t, ok)
	assert.Equal(t, NoTimestamp, rec.Time)
	assert.Equal(t, 1, c.Len())

	// The identity covers every field, not only the sequence id
	other := testIdentity(1)
	other.MessageType = DelayReq
	_, ok = c.Resolve(other, Timestamp{Seconds: 1})
	assert.False(t, ok)
}

func TestCorrelator_EvictsOldest(t *testing.T) {
	r := metrics.NewRegistry()
	c, err := NewCorrelator(3, r)
	require.NoError(t, err)

	p0 := c.Register(testIdentity(0))
	p1 := c.Register(testIdentity(1))
	c.Register(testIdentity(2))
	c.Register(testIdentity(3))

	assert.Equal(t, 3, c.Len())
	assert.Equal(t, int64(1), metrics.GetOrRegisterCounter("ptp.ring_full", r).Count())

	select {
	case <-p0.Done():
	default:
		t.Fatal("evicted entry was not completed")
	}
	_, err = p0.Result()
	assert.ErrorIs(t, err, ErrTimestampLost)

	select {
	case <-p1.Done():
		t.Fatal("only the oldest entry should be evicted")
	default:
	}

	_, ok := c.Resolve(testIdentity(0), Timestamp{})
	assert.False(t, ok)
	_, ok = c.Resolve(testIdentity(1), Timestamp{})
	assert.True(t, ok)
}

func TestCorrelator_DropsStale(t *testing.T) {
	r := metrics.NewRegistry()
	c, err := NewCorrelator(4, r)
	require.NoError(t, err)

	p0 := c.Register(testIdentity(0))
	p1 := c.Register(testIdentity(1))
	c.Register(testIdentity(2))

	_, ok := c.Resolve(testIdentity(2), Timestamp{Seconds: 9})
	assert.True(t, ok)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(2), metrics.GetOrRegisterCounter("ptp.stale", r).Count())

	for _, p := range []*Pending{p0, p1} {
		_, err := p.Wait(context.Background())
		assert.ErrorIs(t, err, ErrTimestampLost)
	}
}

func TestCorrelator_Drop(t *testing.T) {
	r := metrics.NewRegistry()
	c, err := NewCorrelator(4, r)
	require.NoError(t, err)

	p0 := c.Register(testIdentity(0))
	p1 := c.Register(testIdentity(1))

	assert.True(t, c.Drop(testIdentity(0)))
	assert.Equal(t, 1, c.Len())
	select {
	case <-p0.Done():
	default:
		t.Fatal("dropped entry was not completed")
	}
	rec, err := p0.Result()
	assert.ErrorIs(t, err, ErrTimestampLost)
	assert.False(t, rec.Time.Valid())

	assert.False(t, c.Drop(testIdentity(0)))
	assert.Equal(t, int64(0), metrics.GetOrRegisterCounter("ptp.stale", r).Count())

	_, ok := c.Resolve(testIdentity(1), Timestamp{Seconds: 3})
	require.True(t, ok)
	rec, err = p1.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Timestamp{Seconds: 3}, rec.Time)
}

func TestPending_WaitAbandon(t *testing.T) {
	c, err := NewCorrelator(2, metrics.NewRegistry())
	require.NoError(t, err)

	p := c.Register(testIdentity(5))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	rec, err := p.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, NoTimestamp, rec.Time)

	// The abandoned entry stays until it is resolved or evicted
	assert.Equal(t, 1, c.Len())
	c.Flush()
	assert.Equal(t, 0, c.Len())
	_, err = p.Result()
	assert.ErrorIs(t, err, ErrTimestampLost)
}
