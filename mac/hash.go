package mac

import (
	"hash/crc32"
	"net"
)

// HashBuckets is the number of group address filter buckets.
const HashBuckets = 64

// MulticastHash returns the filter bucket of a group address: the upper six
// bits of the CRC-32 of the address.
func MulticastHash(addr net.HardwareAddr) uint {
	return uint(crc32.ChecksumIEEE(addr) >> 26)
}

// HashFilter is the content of the two group address hash registers.
type HashFilter struct {
	Hi, Lo uint32
}

func (f *HashFilter) Set(bucket uint) {
	if bucket >= 32 {
		f.Hi |= 1 << (bucket - 32)
	} else {
		f.Lo |= 1 << bucket
	}
}

func (f *HashFilter) Clear(bucket uint) {
	if bucket >= 32 {
		f.Hi &^= 1 << (bucket - 32)
	} else {
		f.Lo &^= 1 << bucket
	}
}

func (f HashFilter) Has(bucket uint) bool {
	if bucket >= 32 {
		return f.Hi&(1<<(bucket-32)) != 0
	}
	return f.Lo&(1<<bucket) != 0
}

// Accepts reports whether a frame addressed to dst passes the filter.
// Unicast and broadcast frames always pass.
func (f HashFilter) Accepts(dst net.HardwareAddr) bool {
	if len(dst) != 6 || dst[0]&1 == 0 {
		return true
	}
	if isBroadcast(dst) {
		return true
	}
	return f.Has(MulticastHash(dst))
}

func isBroadcast(a net.HardwareAddr) bool {
	for _, b := range a {
		if b != 0xff {
			return false
		}
	}
	return true
}
