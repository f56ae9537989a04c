// Package guest composes a virtual machine: hypervisor resources behind the
// Machine interface, separate trap registries for port and physical memory
// space, the PCI bus on its config mechanism ports, and one runner per vcpu.
package guest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/nanovmm/nanovmm/memory"
	"github.com/nanovmm/nanovmm/pci"
	"github.com/nanovmm/nanovmm/trap"
	"github.com/nanovmm/nanovmm/vcpu"
	"golang.org/x/sync/errgroup"
)

const (
	// portSpaceSize is the x86 I/O port space.
	portSpaceSize = 0x10000

	// memSpaceSize bounds trappable guest-physical space at the widest
	// physical address current hardware decodes.
	memSpaceSize = 1 << 52
)

var (
	ErrVcpuAlreadyStarted = errors.New("guest: vcpu already started")
	ErrNoVcpu             = errors.New("guest: no such vcpu")
)

// Machine is the hypervisor backend. OpenVcpu is handed to each runner and
// called on the runner's locked thread; SetMemTrap and SetPortTrap install
// the hypervisor side of a registered range under its key.
type Machine interface {
	OpenVcpu(id int, entry uint64) (vcpu.Resource, error)
	SetMemTrap(base, size uint64, key trap.Key) error
	SetPortTrap(base, size uint64, key trap.Key) error
	SignalInterrupt(vector uint32) error
}

// Guest is one virtual machine.
type Guest struct {
	machine Machine
	mmio    vcpu.MMIOHandler
	mem     *trap.Registry
	pio     *trap.Registry
	bus     *pci.Bus

	mu    sync.Mutex
	vcpus map[int]*vcpu.Runner
}

// New builds a guest over the given machine. The MMIO handler is fixed here
// for the guest's lifetime; it must match what the machine delivers in its
// memory traps. A non-nil bus is installed on the config mechanism ports.
func New(m Machine, mmio vcpu.MMIOHandler, bus *pci.Bus) (*Guest, error) {
	g := &Guest{
		machine: m,
		mmio:    mmio,
		mem:     trap.NewRegistry(memory.New("mmio", 0, memSpaceSize)),
		pio:     trap.NewRegistry(memory.New("pio", 0, portSpaceSize)),
		bus:     bus,
		vcpus:   make(map[int]*vcpu.Runner),
	}

	if bus != nil {
		if _, err := g.AddPortDevice(pci.AddrPort, pci.PortSize, bus); err != nil {
			return nil, err
		}
	}

	return g, nil
}

// AddPortDevice registers a device on [base, base+size) of port space and
// installs the trap with the machine. The returned key tags its exits.
func (g *Guest) AddPortDevice(base, size uint64, h trap.Handler) (trap.Key, error) {
	key, err := g.pio.Add(base, size, h)
	if err != nil {
		return 0, err
	}

	if err := g.machine.SetPortTrap(base, size, key); err != nil {
		return 0, err
	}

	return key, nil
}

// AddMemDevice registers a device on [base, base+size) of guest-physical
// space and installs the trap with the machine.
func (g *Guest) AddMemDevice(base, size uint64, h trap.Handler) (trap.Key, error) {
	key, err := g.mem.Add(base, size, h)
	if err != nil {
		return 0, err
	}

	if err := g.machine.SetMemTrap(base, size, key); err != nil {
		return 0, err
	}

	return key, nil
}

// StartVcpu creates and releases the vcpu with the given id at entry.
// Starting an id twice fails: a started vcpu is reset by the guest, never
// restarted from outside.
func (g *Guest) StartVcpu(id int, entry uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.vcpus[id]; ok {
		return fmt.Errorf("%w: %d", ErrVcpuAlreadyStarted, id)
	}

	r, err := vcpu.Create(id, g, g.mem, g.pio, g.mmio, g.machine.OpenVcpu, entry)
	if err != nil {
		return err
	}

	if err := r.Start(nil); err != nil {
		return err
	}

	g.vcpus[id] = r

	return nil
}

// SignalInterrupt raises an interrupt with the hypervisor. Part of the
// runner's Controller interface and also callable by device backends.
func (g *Guest) SignalInterrupt(vector uint32) error {
	return g.machine.SignalInterrupt(vector)
}

// Interrupt raises the vector on one specific vcpu.
func (g *Guest) Interrupt(id int, vector uint32) error {
	g.mu.Lock()
	r, ok := g.vcpus[id]
	g.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %d", ErrNoVcpu, id)
	}

	return r.Interrupt(vector)
}

// Vcpu returns the runner for an id, if it was started.
func (g *Guest) Vcpu(id int) (*vcpu.Runner, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.vcpus[id]

	return r, ok
}

// Bus returns the PCI bus, or nil if the guest was built without one.
func (g *Guest) Bus() *pci.Bus {
	return g.bus
}

// Wait joins the boot processor, then every vcpu it brought online, and
// returns the first terminal error. Secondary vcpus only appear while vcpu 0
// runs, so the snapshot after its exit is complete.
func (g *Guest) Wait() error {
	boot, ok := g.Vcpu(0)
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoVcpu, 0)
	}

	err := boot.Join()

	eg := errgroup.Group{}

	g.mu.Lock()
	for id, r := range g.vcpus {
		if id == 0 {
			continue
		}

		r := r
		eg.Go(r.Join)
	}
	g.mu.Unlock()

	if gerr := eg.Wait(); err == nil {
		err = gerr
	}

	return err
}
