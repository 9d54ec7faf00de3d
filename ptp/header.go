package ptp

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// PTP header as carried over Ethernet or UDP:
// 0                                                                       31
// |-----------------------------------------------------------------------|
// | Transport (uint4) | Type (uint4) | Minor (uint4) | Version (uint4) | Length (uint16) |
// |-----------------------------------------------------------------------|
// | Domain (uint8) | Minor SDO (uint8) |          Flags (uint16)          |
// |-----------------------------------------------------------------------|
// |                      Correction field (int64)                         |
// |-----------------------------------------------------------------------|
// |                      Message type specific (uint32)                   |
// |-----------------------------------------------------------------------|
// |                 Source port identity (10 bytes)                       |
// |-----------------------------------------------------------------------|
// |      Sequence id (uint16)     | Control (uint8) | Log interval (int8) |
// |-----------------------------------------------------------------------|

const (
	// EtherType is the ethertype of PTP carried directly over Ethernet.
	EtherType = layers.EthernetType(0x88f7)
	// EventPort and GeneralPort are the UDP ports of PTP over IP.
	EventPort   = 319
	GeneralPort = 320

	HeaderLen = 34
)

type MessageType uint8

const (
	Sync               MessageType = 0x0
	DelayReq           MessageType = 0x1
	PdelayReq          MessageType = 0x2
	PdelayResp         MessageType = 0x3
	FollowUp           MessageType = 0x8
	DelayResp          MessageType = 0x9
	PdelayRespFollowUp MessageType = 0xa
	Announce           MessageType = 0xb
	Signaling          MessageType = 0xc
	Management         MessageType = 0xd
)

var messageTypeMap = map[MessageType]string{
	Sync:               "sync",
	DelayReq:           "delayReq",
	PdelayReq:          "pdelayReq",
	PdelayResp:         "pdelayResp",
	FollowUp:           "followUp",
	DelayResp:          "delayResp",
	PdelayRespFollowUp: "pdelayRespFollowUp",
	Announce:           "announce",
	Signaling:          "signaling",
	Management:         "management",
}

func (t MessageType) String() string {
	if n, ok := messageTypeMap[t]; ok {
		return n
	}
	return "unknown"
}

// IsEvent reports whether messages of this type are timestamped by the MAC.
func (t MessageType) IsEvent() bool {
	return t < 0x8
}

// PortIdentity is the clock identity followed by the port number.
type PortIdentity [10]byte

func (p PortIdentity) String() string {
	return fmt.Sprintf("%s-%d", hex.EncodeToString(p[:8]), binary.BigEndian.Uint16(p[8:]))
}

// Identity is the protocol-message identity a timestamp is correlated by.
type Identity struct {
	Version     uint8
	MessageType MessageType
	SequenceID  uint16
	SourcePort  PortIdentity
}

func (id Identity) String() string {
	return fmt.Sprintf("v%d %s seq %d from %s", id.Version, id.MessageType, id.SequenceID, id.SourcePort)
}

// ParseHeader decodes the identity out of a PTP header.
func ParseHeader(b []byte) (Identity, bool) {
	if len(b) < HeaderLen {
		return Identity{}, false
	}

	id := Identity{
		MessageType: MessageType(b[0] & 0x0f),
		Version:     b[1] & 0x0f,
		SequenceID:  binary.BigEndian.Uint16(b[30:32]),
	}
	copy(id.SourcePort[:], b[20:30])
	return id, true
}

// Parser locates a PTP header inside an Ethernet frame. A Parser is not safe
// for concurrent use.
type Parser struct {
	eth   layers.Ethernet
	dot1q layers.Dot1Q
	ip4   layers.IPv4
	ip6   layers.IPv6
	udp   layers.UDP

	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

func NewParser() *Parser {
	p := &Parser{decoded: make([]gopacket.LayerType, 0, 5)}
	p.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &p.eth, &p.dot1q, &p.ip4, &p.ip6, &p.udp)
	p.parser.IgnoreUnsupported = true
	return p
}

// Parse returns the identity of the PTP message carried by frame. The second
// return value is false when the frame is not timestamp-eligible.
func (p *Parser) Parse(frame []byte) (Identity, bool) {
	if err := p.parser.DecodeLayers(frame, &p.decoded); err != nil || len(p.decoded) == 0 {
		return Identity{}, false
	}

	var payload []byte
	switch p.decoded[len(p.decoded)-1] {
	case layers.LayerTypeEthernet:
		if p.eth.EthernetType == EtherType {
			payload = p.eth.Payload
		}
	case layers.LayerTypeDot1Q:
		if p.dot1q.Type == EtherType {
			payload = p.dot1q.Payload
		}
	case layers.LayerTypeUDP:
		if p.udp.DstPort == EventPort || p.udp.DstPort == GeneralPort {
			payload = p.udp.Payload
		}
	}

	if payload == nil {
		return Identity{}, false
	}
	return ParseHeader(payload)
}

var parsers = sync.Pool{New: func() any { return NewParser() }}

// ParseFrame is Parser.Parse using a pooled parser.
func ParseFrame(frame []byte) (Identity, bool) {
	p := parsers.Get().(*Parser)
	id, ok := p.Parse(frame)
	parsers.Put(p)
	return id, ok
}

// MarshalHeader returns a PTP header for id followed by bodyLen zero bytes.
func (id Identity) MarshalHeader(bodyLen int) []byte {
	b := make([]byte, HeaderLen+bodyLen)
	b[0] = byte(id.MessageType) & 0x0f
	b[1] = id.Version & 0x0f
	binary.BigEndian.PutUint16(b[2:4], uint16(len(b)))
	copy(b[20:30], id.SourcePort[:])
	binary.BigEndian.PutUint16(b[30:32], id.SequenceID)
	return b
}
