package srng

import "fmt"

// Ring register window layout.
const (
	WindowBase uint64 = 0x00010000
	WindowMask uint64 = 0xffff0000
)

// Register groups.
const (
	GroupConfig  uint32 = 0
	GroupPointer uint32 = 1
)

// Group 0 register offsets.
const (
	RegBaseLo     uint32 = 0
	RegBaseHiSize uint32 = 1
	RegEntrySize  uint32 = 2
	RegIntrThres  uint32 = 3
	RegThreshold  uint32 = 4
	RegShadowLo   uint32 = 5
	RegShadowHi   uint32 = 6
	RegMisc       uint32 = 7
	RegDriverPtr  uint32 = 0 // group 1
	RegDevicePtr  uint32 = 1 // group 1, read only
)

// DecodeAddr splits a register address into its ring id, group and
// register offset. ok is false for addresses outside the ring window.
func DecodeAddr(addr uint64) (id uint8, group, offset uint32, ok bool) {
	if addr&WindowMask != WindowBase {
		return 0, 0, 0, false
	}
	return uint8(addr >> 8), uint32(addr>>7) & 1, uint32(addr>>2) & 0x1f, true
}

// EncodeAddr is the inverse of DecodeAddr.
func EncodeAddr(id uint8, group, offset uint32) uint64 {
	return WindowBase | uint64(id)<<8 | uint64(group&1)<<7 | uint64(offset&0x1f)<<2
}

// OnPointerUpdate registers fn to be called after every guest pointer
// write. It must be called before the registry is shared.
func (reg *Registry) OnPointerUpdate(fn func(r *Ring)) {
	reg.listeners = append(reg.listeners, fn)
}

// Configure applies a guest register write.
func (reg *Registry) Configure(id uint8, group, offset, value uint32) error {
	r, err := reg.Ring(id)
	if err != nil {
		return err
	}
	switch group {
	case GroupConfig:
		return r.configure(offset, value)
	case GroupPointer:
		if offset != RegDriverPtr {
			return nil
		}
		if err := r.setDriverPointer(value); err != nil {
			return err
		}
		for _, fn := range reg.listeners {
			fn(r)
		}
		return nil
	}
	return fmt.Errorf("%w: group %d", ErrInvalidConfig, group)
}

// ReadRegister returns the value of a ring register as the guest sees it.
func (reg *Registry) ReadRegister(id uint8, group, offset uint32) (uint32, error) {
	r, err := reg.Ring(id)
	if err != nil {
		return 0, err
	}
	s := r.Snapshot()
	if group == GroupPointer {
		toIndex := func(ptr uint32) uint32 {
			if s.EntrySize == 0 {
				return 0
			}
			return ptr / s.EntrySize
		}
		driver, device := s.HP, s.TP
		if s.Direction == Destination {
			driver, device = s.TP, s.HP
		}
		switch offset {
		case RegDriverPtr:
			return toIndex(driver), nil
		case RegDevicePtr:
			return toIndex(device), nil
		}
		return 0, nil
	}

	switch offset {
	case RegBaseLo:
		return uint32(s.Base), nil
	case RegBaseHiSize:
		return uint32(s.Base>>32)&0xff | s.SizeBytes<<8, nil
	case RegEntrySize:
		return s.EntrySize, nil
	case RegIntrThres:
		return s.IntrTimerThresUS<<16 | (s.IntrBatchThres*s.EntrySize)&0x7fff, nil
	case RegThreshold:
		if s.Direction == Source {
			return s.LowThreshold, nil
		}
		return s.MaxBufferLength, nil
	case RegShadowLo:
		return uint32(s.ShadowAddr), nil
	case RegShadowHi:
		return uint32(s.ShadowAddr >> 32), nil
	case RegMisc:
		return s.Flags, nil
	}
	return 0, fmt.Errorf("%w: ring %d offset %d", ErrInvalidConfig, id, offset)
}

func (r *Ring) configure(offset, value uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &r.state

	switch offset {
	case RegBaseLo:
		s.Base = s.Base&^0xffffffff | uint64(value)
	case RegBaseHiSize:
		s.Base = s.Base&0xffffffff | uint64(value&0xff)<<32
		s.SizeBytes = (value & 0x0fffff00) >> 8
		s.recomputeEntries()
	case RegEntrySize:
		size := value & 0xff
		if size == 0 {
			return fmt.Errorf("%w: ring %d entry size is zero", ErrInvalidConfig, s.ID)
		}
		s.EntrySize = size
		s.recomputeEntries()
	case RegIntrThres:
		if s.EntrySize == 0 {
			return fmt.Errorf("%w: ring %d interrupt threshold before entry size", ErrInvalidConfig, s.ID)
		}
		s.IntrTimerThresUS = (value & 0xffff0000) >> 16
		s.IntrBatchThres = (value & 0x7fff) / s.EntrySize
	case RegThreshold:
		if s.Direction == Source {
			s.LowThreshold = value & 0xffff
		} else {
			s.MaxBufferLength = value & 0xffff
		}
	case RegShadowLo:
		s.ShadowAddr = s.ShadowAddr&^0xffffffff | uint64(value)
	case RegShadowHi:
		s.ShadowAddr = s.ShadowAddr&0xffffffff | uint64(value)<<32
		s.ShadowSet = true
		if s.Direction == Source {
			s.TP = 0
		} else {
			s.HP = 0
		}
	case RegMisc:
		s.Flags = value
	default:
		return fmt.Errorf("%w: ring %d offset %d", ErrInvalidConfig, s.ID, offset)
	}
	return nil
}

func (r *Ring) setDriverPointer(index uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &r.state
	if !s.Ready() {
		return fmt.Errorf("%w: ring %d pointer write before configuration", ErrInvalidConfig, s.ID)
	}
	ptr := uint32((uint64(index) * uint64(s.EntrySize)) % uint64(s.SizeBytes))
	if s.Direction == Source {
		s.HP = ptr
	} else {
		s.TP = ptr
	}
	return nil
}

// pending reports whether a Source ring has descriptors to drain.
func (r *Ring) pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Direction == Source && r.state.Ready() && r.state.HP != r.state.TP
}
