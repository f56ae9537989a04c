package kvm

import "unsafe"

// ExitType is the kernel's exit_reason field.
type ExitType uint32

const (
	EXITUNKNOWN       ExitType = 0
	EXITEXCEPTION     ExitType = 1
	EXITIO            ExitType = 2
	EXITHYPERCALL     ExitType = 3
	EXITDEBUG         ExitType = 4
	EXITHLT           ExitType = 5
	EXITMMIO          ExitType = 6
	EXITIRQWINDOWOPEN ExitType = 7
	EXITSHUTDOWN      ExitType = 8
	EXITFAILENTRY     ExitType = 9
	EXITINTR          ExitType = 10
	EXITSETTPR        ExitType = 11
	EXITTPRACCESS     ExitType = 12
	EXITINTERNALERROR ExitType = 17
)

const (
	EXITIOIN  = 0
	EXITIOOUT = 1
)

// RunData is the mmapped kvm_run structure. Data overlays the exit union;
// the accessors below pick it apart for the exits this VMM handles.
type RunData struct {
	RequestInterruptWindow     uint8
	_                          [7]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO unpacks an EXITIO union: direction, access size in bytes, port, the
// repeat count for string instructions, and the offset of the data area
// within the run mapping.
func (r *RunData) IO() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xff
	size = (r.Data[0] >> 8) & 0xff
	port = (r.Data[0] >> 16) & 0xffff
	count = (r.Data[0] >> 32) & 0xffffffff
	offset = r.Data[1]

	return direction, size, port, count, offset
}

// MMIO unpacks an EXITMMIO union. The returned slice aliases the mapping's
// eight-byte data area: writes to it before re-entering the guest complete a
// pending read.
func (r *RunData) MMIO() (physAddr uint64, data []byte, length uint32, isWrite bool) {
	buf := (*[8]byte)(unsafe.Pointer(&r.Data[1]))

	return r.Data[0], buf[:], uint32(r.Data[2]), (r.Data[2]>>32)&0xff != 0
}
