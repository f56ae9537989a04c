// Package decode classifies the instruction behind an MMIO trap on
// architectures whose exits deliver only raw instruction bytes. The guest
// instruction stream is untrusted input: anything outside the small set of
// encodings drivers actually use for device windows is reported as
// ErrUnsupported, never acted on.
package decode

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

var ErrUnsupported = errors.New("decode: unsupported instruction")

// Kind is the access class of a decoded MMIO instruction.
type Kind int

const (
	// Load moves the device value into a general register.
	Load Kind = iota
	// Store moves a register or immediate value to the device.
	Store
	// Test reads the device and updates the flags register only.
	Test
)

func (k Kind) String() string {
	switch k {
	case Load:
		return "load"
	case Store:
		return "store"
	case Test:
		return "test"
	}

	return fmt.Sprintf("Kind(%d)", int(k))
}

// Access is one decoded device access. Reg is the destination of a Load or
// the source of a register Store; Imm carries the operand of an immediate
// Store or a Test, already masked to the access width.
type Access struct {
	Kind   Kind
	Width  int
	Reg    x86asm.Reg
	Imm    uint64
	HasImm bool
	Len    int
}

// MMIO decodes the faulting instruction of a memory trap in 64-bit mode.
// Supported encodings are MOV to/from memory, MOVZX from memory, and TEST
// with an immediate, which covers the device access patterns compilers emit.
func MMIO(insn []byte) (Access, error) {
	inst, err := x86asm.Decode(insn, 64)
	if err != nil {
		return Access{}, fmt.Errorf("%w: % 02x: %v", ErrUnsupported, insn, err)
	}

	acc := Access{
		Width: inst.MemBytes,
		Len:   inst.Len,
	}

	switch inst.Op {
	case x86asm.MOV:
		if _, ok := inst.Args[0].(x86asm.Mem); ok {
			acc.Kind = Store

			switch src := inst.Args[1].(type) {
			case x86asm.Reg:
				acc.Reg = src
			case x86asm.Imm:
				acc.Imm = uint64(src) & widthMask(acc.Width)
				acc.HasImm = true
			default:
				return Access{}, fmt.Errorf("%w: %s", ErrUnsupported, inst)
			}

			return acc, nil
		}

		if _, ok := inst.Args[1].(x86asm.Mem); ok {
			dst, ok := inst.Args[0].(x86asm.Reg)
			if !ok {
				return Access{}, fmt.Errorf("%w: %s", ErrUnsupported, inst)
			}

			acc.Kind = Load
			acc.Reg = dst

			return acc, nil
		}

	case x86asm.MOVZX:
		if _, ok := inst.Args[1].(x86asm.Mem); ok {
			dst, ok := inst.Args[0].(x86asm.Reg)
			if !ok {
				return Access{}, fmt.Errorf("%w: %s", ErrUnsupported, inst)
			}

			acc.Kind = Load
			acc.Reg = dst

			return acc, nil
		}

	case x86asm.TEST:
		if _, ok := inst.Args[0].(x86asm.Mem); ok {
			imm, ok := inst.Args[1].(x86asm.Imm)
			if !ok {
				return Access{}, fmt.Errorf("%w: %s", ErrUnsupported, inst)
			}

			acc.Kind = Test
			acc.Imm = uint64(imm) & widthMask(acc.Width)
			acc.HasImm = true

			return acc, nil
		}
	}

	return Access{}, fmt.Errorf("%w: %s", ErrUnsupported, inst)
}

func widthMask(width int) uint64 {
	if width >= 8 {
		return ^uint64(0)
	}

	return 1<<(8*width) - 1
}
