package mac

import (
	"encoding/binary"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// checksumVerifier checks the IPv4 header checksum of received frames the
// way a MAC with receive checksum offload does. It is not safe for
// concurrent use.
type checksumVerifier struct {
	eth   layers.Ethernet
	dot1q layers.Dot1Q
	ip4   layers.IPv4

	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

func newChecksumVerifier() *checksumVerifier {
	v := &checksumVerifier{decoded: make([]gopacket.LayerType, 0, 3)}
	v.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &v.eth, &v.dot1q, &v.ip4)
	v.parser.IgnoreUnsupported = true
	return v
}

// Valid reports false only for an IPv4 packet whose header checksum does not
// add up. Anything that is not IPv4 passes.
func (v *checksumVerifier) Valid(frame []byte) bool {
	if err := v.parser.DecodeLayers(frame, &v.decoded); err != nil {
		return true
	}
	for _, t := range v.decoded {
		if t == layers.LayerTypeIPv4 {
			return onesComplementSum(v.ip4.Contents) == 0xffff
		}
	}
	return true
}

func onesComplementSum(b []byte) uint16 {
	var sum uint32
	for len(b) >= 2 {
		sum += uint32(binary.BigEndian.Uint16(b))
		b = b[2:]
	}
	if len(b) == 1 {
		sum += uint32(b[0]) << 8
	}
	for sum > 0xffff {
		sum = sum>>16 + sum&0xffff
	}
	return uint16(sum)
}
