package ethdma

import (
	"context"
	"sync"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/ethdma/mac"
	"github.com/slackhq/ethdma/ptp"
	"github.com/slackhq/ethdma/ring"
	"golang.org/x/sync/semaphore"
)

// Transmitter places outbound frames on the transmit ring and reaps them
// once the hardware is done with them.
type Transmitter struct {
	l           logrus.FieldLogger
	dev         mac.Device
	ring        *ring.Ring
	correlator  *ptp.Correlator
	maxFrameLen int
	tap         Tap
	onSent      func(n int, ts ptp.Timestamp)

	// permits counts the software owned descriptors, one per descriptor.
	permits *semaphore.Weighted

	// mu serializes descriptor claims and the copy into the buffers.
	mu       sync.Mutex
	reapIdx  int
	inFlight int
	// partial is the byte count of a frame whose last descriptor has not
	// been reaped yet.
	partial int
	// stamped holds the identity of timestamped frames by the index of
	// their last descriptor.
	stamped []*ptp.Identity

	frames   metrics.Counter
	bytes    metrics.Counter
	busy     metrics.Counter
	tooLarge metrics.Counter
	lost     metrics.Counter
}

func newTransmitter(l logrus.FieldLogger, dev mac.Device, r *ring.Ring, c *ptp.Correlator, maxFrameLen int, reg metrics.Registry) *Transmitter {
	return &Transmitter{
		l:           l.WithField("ring", r.Direction()),
		dev:         dev,
		ring:        r,
		correlator:  c,
		maxFrameLen: maxFrameLen,
		permits:     semaphore.NewWeighted(int64(r.Len())),
		stamped:     make([]*ptp.Identity, r.Len()),
		frames:      metrics.GetOrRegisterCounter("tx.frames", reg),
		bytes:       metrics.GetOrRegisterCounter("tx.bytes", reg),
		busy:        metrics.GetOrRegisterCounter("tx.busy", reg),
		tooLarge:    metrics.GetOrRegisterCounter("tx.too_large", reg),
		lost:        metrics.GetOrRegisterCounter("tx.timestamp_missing", reg),
	}
}

// descriptorsFor returns how many descriptors a frame of n bytes occupies.
func (t *Transmitter) descriptorsFor(n int) int {
	size := t.ring.BufferSize()
	return max(1, (n+size-1)/size)
}

func (t *Transmitter) check(frame []byte) (int, error) {
	need := t.descriptorsFor(len(frame))
	if len(frame) > t.maxFrameLen || need > t.ring.Len() {
		t.tooLarge.Inc(1)
		return 0, ErrFrameTooLarge
	}
	return need, nil
}

// Send queues frame for transmission without blocking. When requestTimestamp
// is set and the frame carries a PTP event message, the returned Pending
// resolves to its egress timestamp. It returns ErrBusy, leaving the ring
// untouched, when not enough descriptors are free.
func (t *Transmitter) Send(frame []byte, requestTimestamp bool) (*ptp.Pending, error) {
	need, err := t.check(frame)
	if err != nil {
		return nil, err
	}

	if !t.permits.TryAcquire(int64(need)) {
		t.busy.Inc(1)
		return nil, ErrBusy
	}
	return t.submit(frame, need, requestTimestamp)
}

// SendContext is Send, but waits for free descriptors instead of returning
// ErrBusy.
func (t *Transmitter) SendContext(ctx context.Context, frame []byte, requestTimestamp bool) (*ptp.Pending, error) {
	need, err := t.check(frame)
	if err != nil {
		return nil, err
	}

	if err := t.permits.Acquire(ctx, int64(need)); err != nil {
		return nil, err
	}
	return t.submit(frame, need, requestTimestamp)
}

func (t *Transmitter) submit(frame []byte, need int, requestTimestamp bool) (*ptp.Pending, error) {
	t.mu.Lock()

	start := t.ring.Cursor()
	for i, j := start, 0; j < need; i, j = t.ring.Next(i), j+1 {
		if t.ring.At(i).HardwareOwned() {
			t.mu.Unlock()
			t.permits.Release(int64(need))
			t.busy.Inc(1)
			return nil, ErrBusy
		}
	}

	var (
		flags   ring.Status
		pending *ptp.Pending
	)
	if requestTimestamp {
		if id, ok := ptp.ParseFrame(frame); ok && id.MessageType.IsEvent() {
			flags = ring.StatusTimestampRequest
			pending = t.correlator.Register(id)
			last := (start + need - 1) % t.ring.Len()
			t.stamped[last] = &id
		}
	}

	size := t.ring.BufferSize()
	rest := frame
	for j := 0; j < need; j++ {
		d := t.ring.Current()
		n := copy(d.Buffer(), rest[:min(len(rest), size)])
		rest = rest[n:]

		f := flags
		if j == need-1 {
			f |= ring.StatusLast
		}
		d.Submit(n, f)
		t.ring.Advance()
		t.dev.KickTx()
	}
	t.inFlight += need
	t.mu.Unlock()

	if t.tap != nil {
		if err := t.tap.Capture(ring.Transmit, frame, ptp.NoTimestamp); err != nil {
			t.l.WithError(err).Debug("Failed to capture transmitted frame")
		}
	}

	return pending, nil
}

type sentFrame struct {
	n  int
	ts ptp.Timestamp
}

// reap processes the descriptors the hardware has completed, in ring order,
// and returns them to the pool. It returns the number of frames completed.
func (t *Transmitter) reap() int {
	var (
		sent     []sentFrame
		released int
	)

	t.mu.Lock()
	for t.inFlight > 0 {
		d := t.ring.At(t.reapIdx)
		if d.HardwareOwned() {
			break
		}

		s := d.Status()
		t.partial += d.Len()
		if s&ring.StatusLast != 0 {
			ts, ok := d.Timestamp()
			if id := t.stamped[t.reapIdx]; id != nil {
				t.stamped[t.reapIdx] = nil
				if ok {
					if _, found := t.correlator.Resolve(*id, ts); !found {
						t.l.WithField("id", id).Debug("Egress timestamp for an unknown frame")
					}
				} else {
					t.lost.Inc(1)
					t.correlator.Drop(*id)
					t.l.WithField("id", id).Debug("Frame was sent without a timestamp")
				}
			}
			sent = append(sent, sentFrame{n: t.partial, ts: ts})
			t.partial = 0
		}

		d.Release()
		t.reapIdx = t.ring.Next(t.reapIdx)
		t.inFlight--
		released++
	}
	t.mu.Unlock()

	if released > 0 {
		t.permits.Release(int64(released))
	}

	for _, f := range sent {
		t.frames.Inc(1)
		t.bytes.Inc(int64(f.n))
		if t.onSent != nil {
			t.onSent(f.n, f.ts)
		}
	}
	return len(sent)
}

// InFlight returns the number of descriptors handed to the hardware and not
// yet reaped.
func (t *Transmitter) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inFlight
}
