package kvm

import "unsafe"

const (
	kvmGetRegs  = 0x8090ae81
	kvmSetRegs  = 0x4090ae82
	kvmGetSregs = 0x8138ae83
	kvmSetSregs = 0x4138ae84

	numInterrupts = 0x100
)

// Regs are the general purpose registers plus RIP and RFLAGS.
type Regs struct {
	RAX    uint64
	RBX    uint64
	RCX    uint64
	RDX    uint64
	RSI    uint64
	RDI    uint64
	RSP    uint64
	RBP    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	RIP    uint64
	RFLAGS uint64
}

// Sregs are the control and segment registers.
type Sregs struct {
	CS              Segment
	DS              Segment
	ES              Segment
	FS              Segment
	GS              Segment
	SS              Segment
	TR              Segment
	LDT             Segment
	GDT             Descriptor
	IDT             Descriptor
	CR0             uint64
	CR2             uint64
	CR3             uint64
	CR4             uint64
	CR8             uint64
	EFER            uint64
	ApicBase        uint64
	InterruptBitmap [(numInterrupts + 63) / 64]uint64
}

// Segment is one x86 segment descriptor as KVM lays it out.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// Descriptor is a GDT or IDT pointer.
type Descriptor struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

func GetRegs(vcpuFd uintptr) (Regs, error) {
	regs := Regs{}
	_, err := Ioctl(vcpuFd, kvmGetRegs, uintptr(unsafe.Pointer(&regs)))

	return regs, err
}

func SetRegs(vcpuFd uintptr, regs Regs) error {
	_, err := Ioctl(vcpuFd, kvmSetRegs, uintptr(unsafe.Pointer(&regs)))

	return err
}

func GetSregs(vcpuFd uintptr) (Sregs, error) {
	sregs := Sregs{}
	_, err := Ioctl(vcpuFd, kvmGetSregs, uintptr(unsafe.Pointer(&sregs)))

	return sregs, err
}

func SetSregs(vcpuFd uintptr, sregs Sregs) error {
	_, err := Ioctl(vcpuFd, kvmSetSregs, uintptr(unsafe.Pointer(&sregs)))

	return err
}
