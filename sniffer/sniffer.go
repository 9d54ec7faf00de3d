// Package sniffer writes the frames crossing the descriptor rings to a
// pcap capture.
package sniffer

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/slackhq/ethdma/ptp"
	"github.com/slackhq/ethdma/ring"
)

const DefaultSnapLen = 65535

type Writer struct {
	mu      sync.Mutex
	out     io.Writer
	w       *pcapgo.Writer
	snapLen int
	counts  [2]uint64
}

// New writes a pcap file header to out and returns a Writer appending
// Ethernet frames to it.
func New(out io.Writer, snapLen int) (*Writer, error) {
	if snapLen <= 0 {
		snapLen = DefaultSnapLen
	}
	w := pcapgo.NewWriter(out)
	if err := w.WriteFileHeader(uint32(snapLen), layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	return &Writer{out: out, w: w, snapLen: snapLen}, nil
}

// Create truncates path and starts a capture in it.
func Create(path string, snapLen int) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w, err := New(f, snapLen)
	if err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// Capture records one frame. The hardware timestamp is used when valid,
// the wall clock otherwise.
func (w *Writer) Capture(dir ring.Direction, frame []byte, ts ptp.Timestamp) error {
	t := time.Now()
	if ts.Valid() {
		t = ts.Time()
	}

	data := frame
	if len(data) > w.snapLen {
		data = data[:w.snapLen]
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.w == nil {
		return os.ErrClosed
	}
	w.counts[dir&1]++
	return w.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     t,
		CaptureLength: len(data),
		Length:        len(frame),
	}, data)
}

// Count returns how many frames were captured in a direction.
func (w *Writer) Count(dir ring.Direction) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.counts[dir&1]
}

// Close stops the capture and closes the output if it is closable.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.w == nil {
		return nil
	}
	w.w = nil
	if c, ok := w.out.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
