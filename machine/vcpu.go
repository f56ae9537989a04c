package machine

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/nanovmm/nanovmm/kvm"
	"github.com/nanovmm/nanovmm/vcpu"
	"golang.org/x/sys/unix"
)

// Vcpu is one KVM vcpu behind the vcpu.Resource interface.
type Vcpu struct {
	m   *Machine
	id  int
	fd  uintptr
	mm  []byte
	run *kvm.RunData
}

// OpenVcpu creates the vcpu with its instruction pointer at entry, in flat
// 32-bit protected mode with paging off. Must be called on the thread that
// will run it.
func (m *Machine) OpenVcpu(id int, entry uint64) (vcpu.Resource, error) {
	fd, err := kvm.CreateVCPU(m.vmFd, id)
	if err != nil {
		return nil, fmt.Errorf("CreateVCPU %d: %w", id, err)
	}

	mm, err := unix.Mmap(int(fd), 0, m.mmapSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(int(fd))

		return nil, err
	}

	c := &Vcpu{
		m:   m,
		id:  id,
		fd:  fd,
		mm:  mm,
		run: (*kvm.RunData)(unsafe.Pointer(&mm[0])),
	}

	if err := c.initSregs(); err != nil {
		c.Close()

		return nil, err
	}

	if err := kvm.SetRegs(fd, kvm.Regs{RIP: entry, RFLAGS: 2}); err != nil {
		c.Close()

		return nil, err
	}

	return c, nil
}

func (c *Vcpu) initSregs() error {
	sregs, err := kvm.GetSregs(c.fd)
	if err != nil {
		return err
	}

	flat := func(s *kvm.Segment) {
		s.Base, s.Limit, s.G = 0, 0xffffffff, 1
	}

	for _, s := range []*kvm.Segment{
		&sregs.CS, &sregs.DS, &sregs.ES, &sregs.FS, &sregs.GS, &sregs.SS,
	} {
		flat(s)
	}

	sregs.CS.DB, sregs.SS.DB = 1, 1
	sregs.CR0 |= 1 // protected mode

	return kvm.SetSregs(c.fd, sregs)
}

// Run enters the guest and translates the next exit. Signal interruptions
// resume silently; HLT and guest shutdown both surface as an orderly stop.
func (c *Vcpu) Run() (*vcpu.Exit, error) {
	for {
		if err := kvm.Run(c.fd); err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
				continue
			}

			return nil, err
		}

		switch kvm.ExitType(c.run.ExitReason) {
		case kvm.EXITHLT, kvm.EXITSHUTDOWN:
			return &vcpu.Exit{Reason: vcpu.ExitStopped}, nil

		case kvm.EXITINTR:
			continue

		case kvm.EXITIO:
			direction, size, port, count, offset := c.run.IO()

			key, ok := c.m.portKey(port)
			if !ok {
				return nil, fmt.Errorf("%w: port %#x", ErrNoTrap, port)
			}

			n := size * count

			return &vcpu.Exit{Reason: vcpu.ExitPort, Port: &vcpu.PortTrap{
				Key:   key,
				Port:  uint16(port),
				Size:  uint8(size),
				IsIn:  direction == kvm.EXITIOIN,
				Count: uint32(count),
				Data:  c.mm[offset : offset+n],
			}}, nil

		case kvm.EXITMMIO:
			physAddr, data, length, isWrite := c.run.MMIO()

			key, ok := c.m.memKey(physAddr)
			if !ok {
				return nil, fmt.Errorf("%w: address %#x", ErrNoTrap, physAddr)
			}

			// KVM pre-decodes the access into the run structure's data
			// area, so the guest pairs with the RegisterDirect handler.
			// Data aliases the mapping: filling it completes a read.
			return &vcpu.Exit{Reason: vcpu.ExitMemory, Mem: &vcpu.MemTrap{
				Key:     key,
				Addr:    physAddr,
				Size:    uint8(length),
				IsWrite: isWrite,
				Data:    data[:length],
				Reg:     -1,
			}}, nil

		default:
			return &vcpu.Exit{Reason: vcpu.ExitUnknown}, nil
		}
	}
}

func (c *Vcpu) Regs() (kvm.Regs, error) {
	return kvm.GetRegs(c.fd)
}

func (c *Vcpu) SetRegs(regs kvm.Regs) error {
	return kvm.SetRegs(c.fd, regs)
}

// Interrupt raises the vector through the in-kernel irqchip.
func (c *Vcpu) Interrupt(vector uint32) error {
	return c.m.SignalInterrupt(vector)
}

func (c *Vcpu) Close() error {
	if err := unix.Munmap(c.mm); err != nil {
		return err
	}
	c.mm = nil
	c.run = nil

	return unix.Close(int(c.fd))
}
