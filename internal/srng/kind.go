package srng

import "fmt"

// RingIDMax is the number of ring slots in the register window.
const RingIDMax = 127 + 3*15

// Kind identifies what a ring is used for. It decides the direction and
// which descriptor handler drains it.
type Kind uint8

const (
	KindUnused Kind = iota
	KindTestDstStatus
	KindTestDst
	KindCESrc
	KindCEDst
	KindCEDstStatus
	KindWBMIdleLink
	KindTestSW2HW
)

// Fixed ring id assignments.
const (
	RingTestDstStatus = 1
	RingTestDst       = 8
	RingCESrc0        = 32
	RingCEDst0        = 56
	RingCEDstStatus0  = 80
	RingWBMIdleLink   = 104
	RingTestSW2HW     = 125

	// NumCE is the number of copy engine ring triples.
	NumCE = 12
)

var kindNames = map[Kind]string{
	KindUnused:        "unused",
	KindTestDstStatus: "test_dst_status",
	KindTestDst:       "test_dst",
	KindCESrc:         "ce_src",
	KindCEDst:         "ce_dst",
	KindCEDstStatus:   "ce_dst_status",
	KindWBMIdleLink:   "wbm_idle_link",
	KindTestSW2HW:     "test_sw2hw",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Direction returns the direction of rings of this kind. The copy engine
// destination ring carries buffer pointers posted by the guest, so the
// device consumes it like any other source ring.
func (k Kind) Direction() Direction {
	switch k {
	case KindCESrc, KindCEDst, KindTestSW2HW:
		return Source
	default:
		return Destination
	}
}

// KindOf returns the kind of the ring with the given id.
func KindOf(id uint8) Kind {
	switch {
	case id == RingTestDstStatus:
		return KindTestDstStatus
	case id == RingTestDst:
		return KindTestDst
	case id >= RingCESrc0 && id < RingCESrc0+NumCE:
		return KindCESrc
	case id >= RingCEDst0 && id < RingCEDst0+NumCE:
		return KindCEDst
	case id >= RingCEDstStatus0 && id < RingCEDstStatus0+NumCE:
		return KindCEDstStatus
	case id == RingWBMIdleLink:
		return KindWBMIdleLink
	case id == RingTestSW2HW:
		return KindTestSW2HW
	}
	return KindUnused
}
