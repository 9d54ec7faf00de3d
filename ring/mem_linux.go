package ring

import (
	"os"

	"golang.org/x/sys/unix"
)

// allocate maps anonymous memory for the ring buffers. The mapping lives
// outside of the Go heap, so the buffers never move while a DMA engine may be
// holding their address.
func allocate(size, alignment int) ([]byte, func() error, error) {
	total := size
	if alignment > os.Getpagesize() {
		total += alignment
	}

	mem, err := unix.Mmap(-1, 0, total,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, nil, err
	}

	return alignSlice(mem, size, alignment), func() error { return unix.Munmap(mem) }, nil
}
