// Package pci emulates the legacy PCI configuration surface: Configuration
// Space Access Mechanism #1 (a 4-byte address port at 0xcf8 followed by a
// 4-byte data port at 0xcfc) and per-device type-0 configuration space with
// BAR sizing and capability lists.
//
// refs
// https://wiki.osdev.org/PCI
// see pci_conf1_read in linux/arch/x86/pci/direct.c for the port protocol.
package pci

import (
	"errors"
	"fmt"
	"sync"
)

const (
	// AddrPort is the config address register, DataPort the config data
	// window. The bus handler is mapped over the 8 ports starting at AddrPort.
	AddrPort = 0xcf8
	DataPort = 0xcfc
	PortSize = 8

	// NumSlots is the number of device slots on the single emulated bus.
	NumSlots = 32
)

var (
	ErrAccessWidth   = errors.New("pci: unsupported access width or alignment")
	ErrSlotOccupied  = errors.New("pci: device slot already occupied")
	ErrSlotOutOfSize = errors.New("pci: device slot out of range")
)

// address is the value of the config address register.
//
// bit 31:    enable
// bits 23-16 bus number
// bits 15-11 device number
// bits 10-8  function number
// bits 7-2   register number (dword index)
// bits 1-0   zero
type address uint32

func (a address) enabled() bool {
	return uint32(a)>>31 == 1
}

func (a address) busNumber() uint32 {
	return (uint32(a) >> 16) & 0xff
}

func (a address) deviceNumber() uint32 {
	return (uint32(a) >> 11) & 0x1f
}

func (a address) functionNumber() uint32 {
	return (uint32(a) >> 8) & 0x7
}

func (a address) registerOffset() uint32 {
	return uint32(a) & 0xfc
}

// Bus emulates the configuration mechanism for a single PCI bus. It holds
// the shared config address register and up to 32 device slots; slot 0 is
// expected to be the root complex. The bus serializes all port accesses
// itself, so it can be driven from any vCPU thread.
type Bus struct {
	mu    sync.Mutex
	addr  address
	slots [NumSlots]*Device
}

// NewBus installs each device at the slot it was created for.
func NewBus(devices ...*Device) (*Bus, error) {
	b := &Bus{}

	for _, d := range devices {
		if int(d.slot) >= NumSlots {
			return nil, fmt.Errorf("%w: %d", ErrSlotOutOfSize, d.slot)
		}

		if b.slots[d.slot] != nil {
			return nil, fmt.Errorf("%w: %d", ErrSlotOccupied, d.slot)
		}

		b.slots[d.slot] = d
	}

	return b, nil
}

// Device returns the device installed in the given slot, or nil.
func (b *Bus) Device(slot int) *Device {
	if slot < 0 || slot >= NumSlots {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.slots[slot]
}

// Read services a port-in. off is relative to AddrPort: offsets 0-3 extract
// bytes of the config address register, offsets 4-7 go through the data port
// into the addressed device's configuration space. Only width-aligned 1, 2
// and 4 byte accesses are emulated, like the real chipset.
func (b *Bus) Read(off uint64, data []byte) error {
	if err := checkPortAccess(off, len(data)); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if off < 4 {
		extractLE(uint32(b.addr), off, data)

		return nil
	}

	d := b.addressedDevice()
	if d == nil {
		// Master abort: reads of absent devices float high.
		for i := range data {
			data[i] = 0xff
		}

		return nil
	}

	return d.ReadConfig(b.addr.registerOffset()+uint32(off-4), data)
}

// Write services a port-out with the same layout as Read. Sub-4-byte writes
// to the address register merge into the existing 32-bit value, preserving
// untouched bytes.
func (b *Bus) Write(off uint64, data []byte) error {
	if err := checkPortAccess(off, len(data)); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if off < 4 {
		b.addr = address(mergeLE(uint32(b.addr), off, data))

		return nil
	}

	d := b.addressedDevice()
	if d == nil {
		return nil
	}

	return d.WriteConfig(b.addr.registerOffset()+uint32(off-4), data)
}

// addressedDevice decodes the current config address. Accesses with the
// enable bit clear, to other buses, or to non-zero functions never reach a
// device: this model emulates a single bus of single-function devices.
func (b *Bus) addressedDevice() *Device {
	if !b.addr.enabled() || b.addr.busNumber() != 0 || b.addr.functionNumber() != 0 {
		return nil
	}

	return b.slots[b.addr.deviceNumber()]
}

func checkPortAccess(off uint64, n int) error {
	if n != 1 && n != 2 && n != 4 {
		return fmt.Errorf("%w: %d bytes", ErrAccessWidth, n)
	}

	if off%uint64(n) != 0 || off+uint64(n) > PortSize {
		return fmt.Errorf("%w: %d bytes at offset %#x", ErrAccessWidth, n, off)
	}

	return nil
}

// mergeLE overlays data onto the little-endian register value v at the given
// byte offset.
func mergeLE(v uint32, off uint64, data []byte) uint32 {
	for i, b := range data {
		shift := (off + uint64(i)) * 8
		v = v&^(0xff<<shift) | uint32(b)<<shift
	}

	return v
}

// extractLE copies len(data) bytes of the little-endian register value v
// starting at the given byte offset.
func extractLE(v uint32, off uint64, data []byte) {
	for i := range data {
		data[i] = byte(v >> ((off + uint64(i)) * 8))
	}
}
