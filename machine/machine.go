// Package machine backs a guest with KVM. It owns the VM fd and guest RAM,
// keeps the base-to-key tables for installed traps, and opens vcpu resources
// whose exits come back already tagged with the right trap key.
package machine

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/nanovmm/nanovmm/kvm"
	"github.com/nanovmm/nanovmm/trap"
	"golang.org/x/sys/unix"
)

const (
	// tssAddr and identityMapAddr park VMX bookkeeping pages just below 4G,
	// outside guest RAM.
	identityMapAddr = 0xffffc000
	tssAddr         = 0xffffd000

	serialIRQ = 4
)

var (
	ErrNoTrap    = errors.New("machine: access outside any registered trap range")
	ErrMemBounds = errors.New("machine: guest memory access out of bounds")
)

type trapRange struct {
	base, size uint64
	key        trap.Key
}

// Machine is one KVM virtual machine.
type Machine struct {
	kvmFile  *os.File
	vmFd     uintptr
	mmapSize int
	mem      []byte

	mu        sync.Mutex
	memTraps  []trapRange
	portTraps []trapRange
}

// New opens the kvm device node, creates the VM with an in-kernel irqchip
// and PIT, and maps memSize bytes of RAM at guest-physical zero.
func New(dev string, memSize int) (*Machine, error) {
	f, err := kvm.Open(dev)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", dev, err)
	}

	m := &Machine{kvmFile: f}

	if m.vmFd, err = kvm.CreateVM(f.Fd()); err != nil {
		return nil, fmt.Errorf("CreateVM: %w", err)
	}

	if err := kvm.SetTSSAddr(m.vmFd, tssAddr); err != nil {
		return nil, err
	}

	if err := kvm.SetIdentityMapAddr(m.vmFd, identityMapAddr); err != nil {
		return nil, err
	}

	if err := kvm.CreateIRQChip(m.vmFd); err != nil {
		return nil, err
	}

	if err := kvm.CreatePIT2(m.vmFd); err != nil {
		return nil, err
	}

	if m.mmapSize, err = kvm.GetVCPUMMapSize(f.Fd()); err != nil {
		return nil, err
	}

	m.mem, err = unix.Mmap(-1, 0, memSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}

	err = kvm.SetUserMemoryRegion(m.vmFd, &kvm.UserspaceMemoryRegion{
		Slot: 0, GuestPhysAddr: 0, MemorySize: uint64(memSize),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&m.mem[0]))),
	})
	if err != nil {
		return nil, err
	}

	return m, nil
}

// SetMemTrap installs the hypervisor side of a memory trap. KVM exits on any
// guest-physical access outside a memory slot, so installing is pure
// bookkeeping: the table translates exit addresses back to keys.
func (m *Machine) SetMemTrap(base, size uint64, key trap.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.memTraps = append(m.memTraps, trapRange{base: base, size: size, key: key})

	return nil
}

// SetPortTrap installs the hypervisor side of a port trap.
func (m *Machine) SetPortTrap(base, size uint64, key trap.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.portTraps = append(m.portTraps, trapRange{base: base, size: size, key: key})

	return nil
}

func lookup(ranges []trapRange, addr uint64) (trap.Key, bool) {
	for _, r := range ranges {
		if addr >= r.base && addr < r.base+r.size {
			return r.key, true
		}
	}

	return 0, false
}

func (m *Machine) portKey(port uint64) (trap.Key, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return lookup(m.portTraps, port)
}

func (m *Machine) memKey(addr uint64) (trap.Key, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return lookup(m.memTraps, addr)
}

// SignalInterrupt pulses an input of the in-kernel irqchip.
func (m *Machine) SignalInterrupt(vector uint32) error {
	if err := kvm.IRQLine(m.vmFd, vector, 1); err != nil {
		return err
	}

	return kvm.IRQLine(m.vmFd, vector, 0)
}

// SignalSerial pulses the COM1 line.
func (m *Machine) SignalSerial() error {
	return m.SignalInterrupt(serialIRQ)
}

// ReadAt reads guest RAM at the given guest-physical offset.
func (m *Machine) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m.mem)) {
		return 0, fmt.Errorf("%w: %d bytes at %#x", ErrMemBounds, len(p), off)
	}

	return copy(p, m.mem[off:]), nil
}

// WriteAt writes guest RAM at the given guest-physical offset.
func (m *Machine) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m.mem)) {
		return 0, fmt.Errorf("%w: %d bytes at %#x", ErrMemBounds, len(p), off)
	}

	return copy(m.mem[off:], p), nil
}

// MemSize returns the size of guest RAM.
func (m *Machine) MemSize() int {
	return len(m.mem)
}

// Close releases guest RAM and the VM and device fds. Call only after every
// vcpu resource is closed.
func (m *Machine) Close() error {
	if err := unix.Munmap(m.mem); err != nil {
		return err
	}
	m.mem = nil

	if err := unix.Close(int(m.vmFd)); err != nil {
		return err
	}

	return m.kvmFile.Close()
}
