package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/ethdma"
	"github.com/slackhq/ethdma/ptp"
)

var selfTestMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}

// ptpMulticast is the address PTP over Ethernet is sent to.
var ptpMulticast = net.HardwareAddr{0x01, 0x1b, 0x19, 0x00, 0x00, 0x00}

const minFrameLen = 60

// runSelfTest sends n PTP sync messages with egress timestamps requested and
// waits for each to be stamped and looped back.
func runSelfTest(l *logrus.Logger, ctrl *ethdma.Control, h *logHandler, n int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for !h.linkUp.Load() {
		select {
		case <-ctx.Done():
			return errors.New("link did not come up")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if err := ctrl.JoinGroup(ptpMulticast); err != nil {
		return err
	}
	defer ctrl.LeaveGroup(ptpMulticast)

	start := h.received.Load()
	var port ptp.PortIdentity
	copy(port[:], selfTestMAC)

	for i := 0; i < n; i++ {
		id := ptp.Identity{Version: 2, MessageType: ptp.Sync, SequenceID: uint16(i), SourcePort: port}
		frame, err := syncFrame(id)
		if err != nil {
			return err
		}

		p, err := ctrl.SendContext(ctx, frame, true)
		if err != nil {
			return fmt.Errorf("send %d: %w", i, err)
		}

		rec, err := p.Wait(ctx)
		if err != nil {
			return fmt.Errorf("timestamp for %s: %w", id, err)
		}
		l.WithField("message", id).WithField("timestamp", rec.Time).Info("Egress timestamp")
	}

	for h.received.Load()-start < uint64(n) {
		select {
		case <-ctx.Done():
			return fmt.Errorf("received %d of %d frames", h.received.Load()-start, n)
		case <-time.After(10 * time.Millisecond):
		}
	}

	l.WithField("frames", n).Info("Self test passed")
	return nil
}

func syncFrame(id ptp.Identity) ([]byte, error) {
	eth := &layers.Ethernet{SrcMAC: selfTestMAC, DstMAC: ptpMulticast, EthernetType: ptp.EtherType}
	payload := id.MarshalHeader(10)
	if pad := minFrameLen - 14 - len(payload); pad > 0 {
		payload = append(payload, make([]byte, pad)...)
	}

	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, eth, gopacket.Payload(payload))
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
