package vcpu

import (
	"github.com/nanovmm/nanovmm/kvm"
	"github.com/nanovmm/nanovmm/trap"
)

// Reason classifies one return from Resource.Run.
type Reason int

const (
	// ExitUnknown is an exit the runner has no handler for. Fatal.
	ExitUnknown Reason = iota
	// ExitMemory is a trapped access to a registered memory range.
	ExitMemory
	// ExitPort is a trapped access to a registered port range.
	ExitPort
	// ExitInterrupt asks the hypervisor to signal an interrupt vector.
	ExitInterrupt
	// ExitStartup asks for another vcpu to be brought online.
	ExitStartup
	// ExitStopped is an orderly halt; the run loop ends without error.
	ExitStopped
)

// Exit is one vcpu exit, already resolved against the hypervisor's trap
// bookkeeping. Exactly one of Mem and Port is set for memory and port exits.
type Exit struct {
	Reason Reason

	Mem  *MemTrap
	Port *PortTrap

	// ExitInterrupt payload.
	Vector uint32

	// ExitStartup payload: the target vcpu id and its entry point.
	Target int
	Entry  uint64
}

// MemTrap is a faulting access to a registered memory range. Key names the
// range; Addr stays guest-absolute and the registry rebases it.
//
// Hypervisors that pre-decode the access deliver it one of two ways: Data
// carries the bytes directly (Reg is -1), or Reg names the general register
// involved, as an index in x86 encoding order. Hypervisors that cannot decode
// leave both unset and put the raw instruction bytes in Inst.
type MemTrap struct {
	Key     trap.Key
	Addr    uint64
	Size    uint8
	IsWrite bool

	Data       []byte
	Reg        int
	SignExtend bool

	Inst []byte
}

// PortTrap is a faulting access to a registered port range. Data aliases the
// hypervisor's run buffer and holds Size bytes per repetition; filling it
// before resuming completes an IN.
type PortTrap struct {
	Key   trap.Key
	Port  uint16
	Size  uint8
	IsIn  bool
	Count uint32
	Data  []byte
}

// Resource is one hypervisor vcpu. Run blocks in the guest until the next
// exit the runner must service. Implementations retry internally on signal
// interruption, so a Run error is always real.
type Resource interface {
	Run() (*Exit, error)
	Regs() (kvm.Regs, error)
	SetRegs(kvm.Regs) error
	Interrupt(vector uint32) error
	Close() error
}

// ResourceOpener creates the hypervisor vcpu for the given id with its
// instruction pointer at entry. Called on the runner's own locked OS thread.
type ResourceOpener func(id int, entry uint64) (Resource, error)

// Controller is the runner's view of the rest of the guest: interrupt
// signalling and bringing secondary vcpus online.
type Controller interface {
	SignalInterrupt(vector uint32) error
	StartVcpu(id int, entry uint64) error
}
