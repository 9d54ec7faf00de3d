// Package ring implements the software side of a DMA descriptor ring as used
// by memory-mapped Ethernet MACs. A ring is a fixed-size array of descriptors,
// each paired with a fixed-size data buffer. Ownership of every descriptor
// alternates between software and hardware through its status word; this
// package owns the layout and the transitions but makes no assumptions about
// the device that walks the ring.
package ring
