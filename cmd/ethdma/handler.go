package main

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/ethdma"
	"github.com/slackhq/ethdma/phy"
	"github.com/slackhq/ethdma/ptp"
)

// logHandler logs interface events and counts received frames.
type logHandler struct {
	l        *logrus.Logger
	received atomic.Uint64
	linkUp   atomic.Bool
}

func newLogHandler(l *logrus.Logger) *logHandler {
	return &logHandler{l: l}
}

func (h *logHandler) FrameReceived(frame []byte, ts ptp.Timestamp) {
	h.received.Add(1)
	if h.l.IsLevelEnabled(logrus.DebugLevel) {
		h.l.WithField("len", len(frame)).WithField("timestamp", ts).Debug("Frame received")
	}
}

func (h *logHandler) FrameSent(n int, ts ptp.Timestamp) {
	if h.l.IsLevelEnabled(logrus.DebugLevel) {
		h.l.WithField("len", n).WithField("timestamp", ts).Debug("Frame sent")
	}
}

func (h *logHandler) LinkChanged(link phy.Link) {
	h.linkUp.Store(link.Up)
	h.l.WithField("link", link).Info("Link changed")
}

func (h *logHandler) ReceiveError(kind ethdma.RxErrorKind) {
	h.l.WithField("kind", kind).Warn("Receive error")
}

func (h *logHandler) PhyFailed(err error) {
	h.l.WithError(err).Error("PHY failed")
}
