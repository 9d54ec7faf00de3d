package ptp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rcrowley/go-metrics"
)

// ErrTimestampLost is delivered to a [Pending] whose entry was evicted or
// dropped before a timestamp arrived for it.
var ErrTimestampLost = errors.New("timestamp lost")

// Record is a resolved timestamp.
type Record struct {
	Identity
	Time Timestamp
}

// Pending is a placeholder for a timestamp that has not been captured yet.
type Pending struct {
	id   Identity
	done chan struct{}

	rec Record
	err error
}

func newPending(id Identity) *Pending {
	return &Pending{
		id:   id,
		done: make(chan struct{}),
		rec:  Record{Identity: id, Time: NoTimestamp},
	}
}

// Identity returns the identity the placeholder was registered with.
func (p *Pending) Identity() Identity {
	return p.id
}

// Done is closed once the placeholder was resolved or lost.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Result returns the outcome. It must only be called after Done was closed.
func (p *Pending) Result() (Record, error) {
	return p.rec, p.err
}

// Wait blocks until the timestamp is resolved, lost or ctx is done. A caller
// that gives up leaves the entry in the ring to be evicted naturally.
func (p *Pending) Wait(ctx context.Context) (Record, error) {
	select {
	case <-p.done:
		return p.rec, p.err
	case <-ctx.Done():
		return Record{Identity: p.id, Time: NoTimestamp}, ctx.Err()
	}
}

func (p *Pending) resolve(ts Timestamp) {
	p.rec.Time = ts
	close(p.done)
}

func (p *Pending) lose() {
	p.err = ErrTimestampLost
	close(p.done)
}

// Correlator is a bounded ring of pending timestamp records. It matches a
// timestamp that becomes available asynchronously back to the frame it
// belongs to. Registration never blocks; when the ring is full the oldest
// entry is evicted.
type Correlator struct {
	mu sync.Mutex

	// slots holds one more entry than the capacity so that front == end
	// always means empty.
	slots      []*Pending
	front, end int

	ringFull metrics.Counter
	stale    metrics.Counter
}

// NewCorrelator creates a correlator holding up to capacity pending entries.
// Counters are registered with r, or the default registry when r is nil.
func NewCorrelator(capacity int, r metrics.Registry) (*Correlator, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("timestamp ring capacity %d is too small", capacity)
	}

	return &Correlator{
		slots:    make([]*Pending, capacity+1),
		ringFull: metrics.GetOrRegisterCounter("ptp.ring_full", r),
		stale:    metrics.GetOrRegisterCounter("ptp.stale", r),
	}, nil
}

// Capacity returns the maximum number of pending entries.
func (c *Correlator) Capacity() int {
	return len(c.slots) - 1
}

// Len returns the number of pending entries.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.len()
}

func (c *Correlator) len() int {
	n := c.end - c.front
	if n < 0 {
		n += len(c.slots)
	}
	return n
}

func (c *Correlator) next(i int) int {
	return (i + 1) % len(c.slots)
}

// Register inserts a placeholder for id. If the ring is full the oldest entry
// is evicted and its waiter is told the timestamp was lost.
func (c *Correlator) Register(id Identity) *Pending {
	p := newPending(id)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.next(c.end) == c.front {
		c.ringFull.Inc(1)
		c.popFront().lose()
	}

	c.slots[c.end] = p
	c.end = c.next(c.end)
	return p
}

// Resolve finds the oldest pending entry matching id, fills in ts, removes it
// from the ring and returns it. Entries registered before the match are stale,
// since timestamps are captured in submission order, and are dropped.
func (c *Correlator) Resolve(id Identity, ts Timestamp) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.take(id)
	if p == nil {
		return Record{Identity: id, Time: NoTimestamp}, false
	}
	p.resolve(ts)
	return p.rec, true
}

// Drop removes the oldest pending entry matching id and tells its waiter the
// timestamp was lost. It is used when the frame completed without a capture.
// Older entries are dropped as stale, as in Resolve.
func (c *Correlator) Drop(id Identity) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.take(id)
	if p == nil {
		return false
	}
	p.lose()
	return true
}

// take pops the oldest entry matching id along with every stale entry in
// front of it.
func (c *Correlator) take(id Identity) *Pending {
	for i := c.front; i != c.end; i = c.next(i) {
		if c.slots[i].id != id {
			continue
		}

		for c.front != i {
			c.stale.Inc(1)
			c.popFront().lose()
		}
		return c.popFront()
	}
	return nil
}

// Flush drops every pending entry, telling their waiters the timestamp was lost.
func (c *Correlator) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.front != c.end {
		c.popFront().lose()
	}
}

func (c *Correlator) popFront() *Pending {
	p := c.slots[c.front]
	c.slots[c.front] = nil
	c.front = c.next(c.front)
	return p
}
