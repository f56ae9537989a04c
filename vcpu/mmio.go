package vcpu

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/nanovmm/nanovmm/decode"
	"github.com/nanovmm/nanovmm/kvm"
	"github.com/nanovmm/nanovmm/trap"
	"golang.org/x/arch/x86/x86asm"
)

var (
	ErrBadMemTrap = errors.New("vcpu: malformed memory trap")
	ErrBadReg     = errors.New("vcpu: unsupported register")
)

// MMIOHandler completes one trapped memory access. The choice of
// implementation is made once, at guest configuration, from what the
// hypervisor delivers in its memory traps: pre-decoded accesses take
// RegisterDirect, raw instruction bytes take DecodeRequired.
type MMIOHandler interface {
	Handle(cpu Resource, traps *trap.Registry, mem *MemTrap) error
}

// RegisterDirect completes accesses the hypervisor already decoded. Writes
// carry their bytes in the trap; reads land either in the trap's data buffer
// or in the named general register, sign- or zero-extended per the trap.
type RegisterDirect struct{}

func (RegisterDirect) Handle(cpu Resource, traps *trap.Registry, mem *MemTrap) error {
	size := int(mem.Size)

	if mem.IsWrite {
		if len(mem.Data) < size {
			return fmt.Errorf("%w: %d data bytes for width %d", ErrBadMemTrap, len(mem.Data), mem.Size)
		}

		return traps.Write(mem.Key, mem.Addr, mem.Data[:size])
	}

	buf := make([]byte, size)
	if err := traps.Read(mem.Key, mem.Addr, buf); err != nil {
		return err
	}

	if mem.Reg >= 0 {
		regs, err := cpu.Regs()
		if err != nil {
			return err
		}

		p, err := gpSlot(&regs, mem.Reg)
		if err != nil {
			return err
		}
		*p = extend(leValue(buf), mem.Size, mem.SignExtend)

		return cpu.SetRegs(regs)
	}

	if len(mem.Data) < size {
		return fmt.Errorf("%w: %d data bytes for width %d", ErrBadMemTrap, len(mem.Data), mem.Size)
	}
	copy(mem.Data[:size], buf)

	return nil
}

// DecodeRequired completes accesses delivered as raw instruction bytes. The
// instruction is classified first; registers are written back only when the
// access reads or tests device state, and the hypervisor advances the
// instruction pointer when the vcpu resumes.
type DecodeRequired struct{}

func (DecodeRequired) Handle(cpu Resource, traps *trap.Registry, mem *MemTrap) error {
	acc, err := decode.MMIO(mem.Inst)
	if err != nil {
		return err
	}

	switch acc.Kind {
	case decode.Store:
		val := acc.Imm
		if !acc.HasImm {
			regs, err := cpu.Regs()
			if err != nil {
				return err
			}

			val, err = readReg(&regs, acc.Reg)
			if err != nil {
				return err
			}
		}

		buf := make([]byte, acc.Width)
		putLE(buf, val)

		return traps.Write(mem.Key, mem.Addr, buf)

	case decode.Load:
		buf := make([]byte, acc.Width)
		if err := traps.Read(mem.Key, mem.Addr, buf); err != nil {
			return err
		}

		regs, err := cpu.Regs()
		if err != nil {
			return err
		}

		if err := writeReg(&regs, acc.Reg, leValue(buf)); err != nil {
			return err
		}

		return cpu.SetRegs(regs)

	case decode.Test:
		buf := make([]byte, acc.Width)
		if err := traps.Read(mem.Key, mem.Addr, buf); err != nil {
			return err
		}

		regs, err := cpu.Regs()
		if err != nil {
			return err
		}

		regs.RFLAGS = testFlags(regs.RFLAGS, leValue(buf)&acc.Imm, acc.Width)

		return cpu.SetRegs(regs)
	}

	return fmt.Errorf("%w: %s", decode.ErrUnsupported, acc.Kind)
}

const (
	flagCF = 1 << 0
	flagPF = 1 << 2
	flagZF = 1 << 6
	flagSF = 1 << 7
	flagOF = 1 << 11
)

// testFlags folds the result of TEST into RFLAGS: ZF, SF and PF from the
// masked value, CF and OF cleared.
func testFlags(rflags, result uint64, width int) uint64 {
	rflags &^= flagCF | flagPF | flagZF | flagSF | flagOF

	if result == 0 {
		rflags |= flagZF
	}

	if result>>(8*width-1)&1 != 0 {
		rflags |= flagSF
	}

	low := result & 0xff
	low ^= low >> 4
	low ^= low >> 2
	low ^= low >> 1
	if low&1 == 0 {
		rflags |= flagPF
	}

	return rflags
}

// gpSlot resolves a general register index in x86 encoding order
// (RAX, RCX, RDX, RBX, RSP, RBP, RSI, RDI, R8..R15).
func gpSlot(regs *kvm.Regs, slot int) (*uint64, error) {
	switch slot {
	case 0:
		return &regs.RAX, nil
	case 1:
		return &regs.RCX, nil
	case 2:
		return &regs.RDX, nil
	case 3:
		return &regs.RBX, nil
	case 4:
		return &regs.RSP, nil
	case 5:
		return &regs.RBP, nil
	case 6:
		return &regs.RSI, nil
	case 7:
		return &regs.RDI, nil
	case 8:
		return &regs.R8, nil
	case 9:
		return &regs.R9, nil
	case 10:
		return &regs.R10, nil
	case 11:
		return &regs.R11, nil
	case 12:
		return &regs.R12, nil
	case 13:
		return &regs.R13, nil
	case 14:
		return &regs.R14, nil
	case 15:
		return &regs.R15, nil
	}

	return nil, fmt.Errorf("%w: slot %d", ErrBadReg, slot)
}

// regSlot maps a decoded register name to its slot and operand width. The
// legacy high-byte registers (AH..BH) have no clean slot and are rejected.
func regSlot(r x86asm.Reg) (slot, width int, err error) {
	switch {
	case r >= x86asm.RAX && r <= x86asm.R15:
		return int(r - x86asm.RAX), 8, nil
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return int(r - x86asm.EAX), 4, nil
	case r >= x86asm.AX && r <= x86asm.R15W:
		return int(r - x86asm.AX), 2, nil
	case r >= x86asm.AL && r <= x86asm.BL:
		return int(r - x86asm.AL), 1, nil
	case r >= x86asm.SPB && r <= x86asm.R15B:
		return int(r-x86asm.SPB) + 4, 1, nil
	}

	return 0, 0, fmt.Errorf("%w: %s", ErrBadReg, r)
}

// readReg returns the register's value masked to its operand width.
func readReg(regs *kvm.Regs, r x86asm.Reg) (uint64, error) {
	slot, width, err := regSlot(r)
	if err != nil {
		return 0, err
	}

	p, err := gpSlot(regs, slot)
	if err != nil {
		return 0, err
	}

	if width == 8 {
		return *p, nil
	}

	return *p & (1<<(8*width) - 1), nil
}

// writeReg stores a loaded value with x86 merge semantics: 32-bit writes
// zero the upper half, 16- and 8-bit writes preserve the rest.
func writeReg(regs *kvm.Regs, r x86asm.Reg, val uint64) error {
	slot, width, err := regSlot(r)
	if err != nil {
		return err
	}

	p, err := gpSlot(regs, slot)
	if err != nil {
		return err
	}

	switch width {
	case 8, 4:
		*p = val & widthMask(width)
	default:
		m := widthMask(width)
		*p = *p&^m | val&m
	}

	return nil
}

func widthMask(width int) uint64 {
	if width >= 8 {
		return ^uint64(0)
	}

	return 1<<(8*width) - 1
}

// extend widens a device value to 64 bits.
func extend(v uint64, size uint8, sign bool) uint64 {
	if size >= 8 {
		return v
	}

	shift := 64 - 8*uint(size)
	if sign {
		return uint64(int64(v<<shift) >> shift)
	}

	return v & (1<<(8*size) - 1)
}

func leValue(b []byte) uint64 {
	var v uint64
	for i, x := range b {
		v |= uint64(x) << (8 * i)
	}

	return v
}

func putLE(b []byte, v uint64) {
	switch len(b) {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(b, v)
	}
}
