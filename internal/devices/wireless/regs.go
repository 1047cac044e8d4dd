package wireless

// Basic register offsets below the ring window.
const (
	RegIdentity  = 0x00 // device id and revision (RO)
	RegIRQEnable = 0x04 // bit 0 enables the interrupt
	RegIRQStatus = 0x08 // pending status code; write 0 to acknowledge
)

// Identity register contents.
const (
	DeviceID = 0x1145
	Revision = 0x14
)

// Default MMIO window.
const (
	DefaultBase = 0xe000_0000
	DefaultSize = 256 << 20
)

func identity() uint32 { return Revision<<16 | DeviceID }
