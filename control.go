package ethdma

import (
	"context"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/ethdma/phy"
	"github.com/slackhq/ethdma/ptp"
	"golang.org/x/sync/errgroup"
)

// Control is the handle returned by Main. Frames handed to it are copied
// into the rings before the call returns, so callers keep ownership of
// their buffers.
type Control struct {
	f          *Interface
	l          *logrus.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	statsStart func()

	mu      sync.Mutex
	eg      *errgroup.Group
	stopped bool

	// sendLock keeps the rings mapped while a send is copying into them.
	sendLock sync.RWMutex
	running  bool
}

// Start programs the hardware and starts the interface goroutines. It does
// not block; use ShutdownBlock for that.
func (c *Control) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.f.activate(); err != nil {
		return err
	}

	var ctx context.Context
	c.eg, ctx = errgroup.WithContext(c.ctx)
	c.f.run(ctx, c.eg)

	if c.statsStart != nil {
		go c.statsStart()
	}

	c.sendLock.Lock()
	c.running = true
	c.sendLock.Unlock()
	return nil
}

// Stop shuts the interface down and returns once every goroutine is gone.
func (c *Control) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true

	c.cancel()
	c.sendLock.Lock()
	c.running = false
	c.sendLock.Unlock()

	if c.eg != nil {
		if err := c.eg.Wait(); err != nil {
			c.l.WithError(err).Error("Interface goroutine failed")
		}
	}

	if err := c.f.Close(); err != nil {
		c.l.WithError(err).Error("Close interface failed")
	}
	if closer, ok := c.f.tap.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			c.l.WithError(err).Error("Failed to close capture")
		}
	}
	c.l.Info("Goodbye")
}

// ShutdownBlock will listen for and block on term and interrupt signals, calling Control.Stop() once signalled
func (c *Control) ShutdownBlock() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	signal.Notify(sigChan, syscall.SIGINT)

	rawSig := <-sigChan
	sig := rawSig.String()
	c.l.WithField("signal", sig).Info("Caught signal, shutting down")
	c.Stop()
}

// Send queues a frame without blocking, see Transmitter.Send. It returns
// ErrNotRunning outside of Start and Stop.
func (c *Control) Send(frame []byte, requestTimestamp bool) (*ptp.Pending, error) {
	c.sendLock.RLock()
	defer c.sendLock.RUnlock()
	if !c.running {
		return nil, ErrNotRunning
	}
	return c.f.tx.Send(frame, requestTimestamp)
}

// SendContext queues a frame, waiting for ring space if needed. The wait also
// ends when the interface is stopped.
func (c *Control) SendContext(ctx context.Context, frame []byte, requestTimestamp bool) (*ptp.Pending, error) {
	c.sendLock.RLock()
	defer c.sendLock.RUnlock()
	if !c.running {
		return nil, ErrNotRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	return c.f.tx.SendContext(ctx, frame, requestTimestamp)
}

func (c *Control) JoinGroup(addr net.HardwareAddr) error {
	return c.f.JoinGroup(addr)
}

func (c *Control) LeaveGroup(addr net.HardwareAddr) error {
	return c.f.LeaveGroup(addr)
}

// Link returns the current link state as seen by the PHY state machine.
func (c *Control) Link() phy.Link {
	return c.f.phy.Link()
}

// Clock returns the hardware PTP clock.
func (c *Control) Clock() *ptp.Clock {
	return c.f.clock
}

// Metrics returns the registry holding the interface counters.
func (c *Control) Metrics() metrics.Registry {
	return c.f.metrics
}
