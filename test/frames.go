package test

import (
	"math/rand"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/slackhq/ethdma/ptp"
)

var (
	SrcMAC = net.HardwareAddr{0x02, 0x00, 0x5e, 0x10, 0x00, 0x01}
	DstMAC = net.HardwareAddr{0x01, 0x1b, 0x19, 0x00, 0x00, 0x00}
)

// experimentalEtherType is the IEEE local experimental ethertype, never
// timestamp-eligible.
const experimentalEtherType = layers.EthernetType(0x88b5)

// Frame returns an untagged Ethernet frame of exactly n bytes with a
// deterministic pseudo random payload derived from seed.
func Frame(n int, seed int64) []byte {
	return frame(n, seed, false)
}

// VLANFrame is Frame with an 802.1Q tag.
func VLANFrame(n int, seed int64) []byte {
	return frame(n, seed, true)
}

func frame(n int, seed int64, vlan bool) []byte {
	hdr := 14
	if vlan {
		hdr += 4
	}
	if n < hdr {
		panic("frame too short for its header")
	}

	payload := make([]byte, n-hdr)
	rand.New(rand.NewSource(seed)).Read(payload)

	eth := &layers.Ethernet{SrcMAC: SrcMAC, DstMAC: DstMAC, EthernetType: experimentalEtherType}
	ls := []gopacket.SerializableLayer{eth}
	if vlan {
		eth.EthernetType = layers.EthernetTypeDot1Q
		ls = append(ls, &layers.Dot1Q{VLANIdentifier: 42, Type: experimentalEtherType})
	}
	ls = append(ls, gopacket.Payload(payload))

	return serialize(ls...)
}

// PTPFrame returns a PTP event message for id carried directly over Ethernet,
// optionally inside an 802.1Q tag.
func PTPFrame(id ptp.Identity, vlan bool) []byte {
	eth := &layers.Ethernet{SrcMAC: SrcMAC, DstMAC: DstMAC, EthernetType: ptp.EtherType}
	ls := []gopacket.SerializableLayer{eth}
	if vlan {
		eth.EthernetType = layers.EthernetTypeDot1Q
		ls = append(ls, &layers.Dot1Q{VLANIdentifier: 7, Type: ptp.EtherType})
	}
	ls = append(ls, gopacket.Payload(id.MarshalHeader(10)))

	return serialize(ls...)
}

// PTPUDPFrame returns a PTP event message for id carried over UDP/IPv4 or UDP/IPv6.
func PTPUDPFrame(id ptp.Identity, ipv6 bool) []byte {
	udp := &layers.UDP{SrcPort: ptp.EventPort, DstPort: ptp.EventPort}
	eth := &layers.Ethernet{SrcMAC: SrcMAC, DstMAC: DstMAC}

	var ip gopacket.SerializableLayer
	if ipv6 {
		eth.EthernetType = layers.EthernetTypeIPv6
		ip6 := &layers.IPv6{
			Version:    6,
			HopLimit:   1,
			NextHeader: layers.IPProtocolUDP,
			SrcIP:      net.ParseIP("fe80::1"),
			DstIP:      net.ParseIP("ff02::181"),
		}
		_ = udp.SetNetworkLayerForChecksum(ip6)
		ip = ip6
	} else {
		eth.EthernetType = layers.EthernetTypeIPv4
		ip4 := &layers.IPv4{
			Version:  4,
			TTL:      1,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.IPv4(192, 168, 1, 10),
			DstIP:    net.IPv4(224, 0, 1, 129),
		}
		_ = udp.SetNetworkLayerForChecksum(ip4)
		ip = ip4
	}

	return serialize(eth, ip, udp, gopacket.Payload(id.MarshalHeader(10)))
}

func serialize(ls ...gopacket.SerializableLayer) []byte {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
