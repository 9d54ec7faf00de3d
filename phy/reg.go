package phy

// Clause 22 register addresses.
const (
	RegBMCR   = 0x00
	RegBMSR   = 0x01
	RegPHYID1 = 0x02
	RegPHYID2 = 0x03
	RegANAR   = 0x04
	RegANLPAR = 0x05
)

// BMCR is the Basic Mode Control Register.
type BMCR uint16

const (
	BMCRFullDuplex BMCR = 0x0100
	BMCRANRestart  BMCR = 0x0200
	BMCRIsolate    BMCR = 0x0400
	BMCRPowerDown  BMCR = 0x0800
	BMCRANEnable   BMCR = 0x1000
	BMCRSpeed100   BMCR = 0x2000
	BMCRLoopback   BMCR = 0x4000
	BMCRReset      BMCR = 0x8000 // self-clearing
)

// BMSR is the Basic Mode Status Register.
type BMSR uint16

const (
	BMSRExtCap     BMSR = 0x0001
	BMSRLinkStatus BMSR = 0x0004 // latched low
	BMSRANCap      BMSR = 0x0008
	BMSRANComplete BMSR = 0x0020
	BMSR10Half     BMSR = 0x0800
	BMSR10Full     BMSR = 0x1000
	BMSR100Half    BMSR = 0x2000
	BMSR100Full    BMSR = 0x4000
)

// LinkUp reports whether the link is established and, when auto-negotiation
// is in use, negotiation has completed.
func (s BMSR) LinkUp() bool {
	return s&BMSRLinkStatus != 0 && (s&BMSRANCap == 0 || s&BMSRANComplete != 0)
}

// ANAR is the Auto-Negotiation Advertisement Register. The link partner
// ability register (ANLPAR) shares its layout.
type ANAR uint16

const (
	ANARSelector8023 ANAR = 0x0001
	ANAR10Half       ANAR = 0x0020
	ANAR10Full       ANAR = 0x0040
	ANAR100Half      ANAR = 0x0080
	ANAR100Full      ANAR = 0x0100
	ANAR100BaseT4    ANAR = 0x0200
	ANARPause        ANAR = 0x0400

	ANARAll = ANARSelector8023 | ANAR10Half | ANAR10Full | ANAR100Half | ANAR100Full
)

// Resolve returns the highest common mode of two abilities, in the priority
// order of IEEE 802.3 Annex 28B.3. ok is false when there is none.
func (a ANAR) Resolve(partner ANAR) (speed Speed, duplex Duplex, ok bool) {
	common := a & partner
	switch {
	case common&ANAR100Full != 0:
		return Speed100, Full, true
	case common&ANAR100BaseT4 != 0, common&ANAR100Half != 0:
		return Speed100, Half, true
	case common&ANAR10Full != 0:
		return Speed10, Full, true
	case common&ANAR10Half != 0:
		return Speed10, Half, true
	}
	return Speed10, Half, false
}

// Advertise returns the ability bit for a speed and duplex.
func Advertise(speed Speed, duplex Duplex) ANAR {
	switch {
	case speed == Speed100 && duplex == Full:
		return ANAR100Full
	case speed == Speed100:
		return ANAR100Half
	case duplex == Full:
		return ANAR10Full
	}
	return ANAR10Half
}
