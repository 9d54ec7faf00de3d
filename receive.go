package ethdma

import (
	"context"
	"errors"
	"sync"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/ethdma/mac"
	"github.com/slackhq/ethdma/ptp"
	"github.com/slackhq/ethdma/ring"
)

// Receiver takes completed frames off the receive ring and re-arms the
// descriptors they occupied.
type Receiver struct {
	l     logrus.FieldLogger
	dev   mac.Device
	ring  *ring.Ring
	timer ptp.Timer
	tap   Tap

	// mu serializes consumers of the ring.
	mu sync.Mutex
	// scratch is the delivery buffer used by drain.
	scratch []byte

	frames   metrics.Counter
	bytes    metrics.Counter
	tooLarge metrics.Counter
	rxErrors [len(rxErrorKinds)]metrics.Counter
}

func newReceiver(l logrus.FieldLogger, dev mac.Device, r *ring.Ring, timer ptp.Timer, maxFrameLen int, reg metrics.Registry) *Receiver {
	rx := &Receiver{
		l:        l.WithField("ring", r.Direction()),
		dev:      dev,
		ring:     r,
		timer:    timer,
		scratch:  make([]byte, maxFrameLen),
		frames:   metrics.GetOrRegisterCounter("rx.frames", reg),
		bytes:    metrics.GetOrRegisterCounter("rx.bytes", reg),
		tooLarge: metrics.GetOrRegisterCounter("rx.too_large", reg),
	}
	for k := range rx.rxErrors {
		rx.rxErrors[k] = metrics.GetOrRegisterCounter("rx.errors."+RxErrorKind(k).String(), reg)
	}
	return rx
}

// Poll copies the next complete frame into buf. It returns ErrNoFrame when
// none is ready, ErrFrameTooLarge when the frame does not fit in buf and a
// *FrameError when the hardware flagged the frame. In the last two cases the
// frame is dropped.
func (r *Receiver) Poll(buf []byte) (Frame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.poll(buf)
}

func (r *Receiver) poll(buf []byte) (Frame, error) {
	start := r.ring.Cursor()
	count, total := 0, 0
	i := start
	for {
		d := r.ring.At(i)
		if d.HardwareOwned() {
			return Frame{}, ErrNoFrame
		}
		count++
		total += d.Len()
		if d.Status()&ring.StatusLast != 0 {
			break
		}
		if count == r.ring.Len() {
			// A whole ring without an end of frame can only be recovered
			// by dropping everything.
			r.recycle(count)
			r.rxErrors[RxLength].Inc(1)
			return Frame{}, &FrameError{Kinds: []RxErrorKind{RxLength}, Len: total}
		}
		i = r.ring.Next(i)
	}

	last := r.ring.At(i)
	if errs := last.Status() & ring.StatusErrors; errs != 0 {
		kinds := rxErrorKindsOf(errs)
		for _, k := range kinds {
			r.rxErrors[k].Inc(1)
		}
		r.recycle(count)
		return Frame{}, &FrameError{Kinds: kinds, Len: total}
	}

	if total > len(buf) {
		r.tooLarge.Inc(1)
		r.recycle(count)
		return Frame{Len: total}, ErrFrameTooLarge
	}

	n := 0
	for j, k := 0, start; j < count; j, k = j+1, r.ring.Next(k) {
		n += copy(buf[n:], r.ring.At(k).Bytes())
	}

	// Only PTP event messages carry a hardware timestamp.
	ts := ptp.NoTimestamp
	if raw, ok := last.Timestamp(); ok {
		if id, ok := ptp.ParseFrame(buf[:total]); ok && id.MessageType.IsEvent() {
			ts = ptp.CorrectRx(raw, r.timer.ReadTime())
		}
	}

	r.recycle(count)
	r.frames.Inc(1)
	r.bytes.Inc(int64(total))

	if r.tap != nil {
		if err := r.tap.Capture(ring.Receive, buf[:total], ts); err != nil {
			r.l.WithError(err).Debug("Failed to capture received frame")
		}
	}

	return Frame{Len: total, Timestamp: ts}, nil
}

// recycle re-arms count descriptors starting at the cursor.
func (r *Receiver) recycle(count int) {
	for j := 0; j < count; j++ {
		r.ring.Current().Recycle()
		r.ring.Advance()
	}
	r.dev.KickRx()
}

// drain delivers every complete frame to h, in arrival order, and returns
// how many were delivered.
func (r *Receiver) drain(h Handler) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	delivered := 0
	for {
		f, err := r.poll(r.scratch)
		var fe *FrameError
		switch {
		case err == nil:
			delivered++
			h.FrameReceived(r.scratch[:f.Len], f.Timestamp)
		case errors.Is(err, ErrNoFrame):
			return delivered
		case errors.As(err, &fe):
			r.l.WithField("errors", fe.Kinds).WithField("len", fe.Len).Debug("Dropped errored frame")
			for _, k := range fe.Kinds {
				h.ReceiveError(k)
			}
		case errors.Is(err, ErrFrameTooLarge):
			r.l.WithField("len", f.Len).Debug("Dropped oversized frame")
		}
	}
}

// worker drains the ring every time work is signalled, until ctx is done.
func (r *Receiver) worker(ctx context.Context, work <-chan struct{}, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-work:
			r.drain(h)
		}
	}
}
