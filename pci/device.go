package pci

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

const (
	configSize = 256
	numBARs    = 6

	regVendorID   = 0x00
	regDeviceID   = 0x02
	regCommand    = 0x04
	regStatus     = 0x06
	regRevisionID = 0x08
	regClassCode  = 0x09
	regHeaderType = 0x0e
	regBAR0       = 0x10
	regCapPtr     = 0x34
	regIRQLine    = 0x3c
	regIRQPin     = 0x3d

	// capBase is where the first installed capability lands.
	capBase = 0x40

	// statusCapList advertises a capability list in the Status register.
	statusCapList = 1 << 4
)

var (
	ErrBARGeometry  = errors.New("pci: bad BAR geometry")
	ErrTooManyBARs  = errors.New("pci: too many BAR register slots")
	ErrCapOverflow  = errors.New("pci: capabilities exceed config space")
	ErrConfigAccess = errors.New("pci: config access out of range")
)

var le = binary.LittleEndian

// BARKind selects the address space a BAR decodes.
type BARKind uint8

const (
	BARKindIO BARKind = iota
	BARKindMem32
	BARKindMem64
)

// BAR describes one base address register. Size and Kind are fixed at device
// construction; only the programmed Base moves afterwards, and always under
// the natural-alignment masking rules.
type BAR struct {
	Base         uint64
	Size         uint64
	Kind         BARKind
	Prefetchable bool
}

// encoding returns the hard-wired low bits readback always reports.
func (b BAR) encoding() uint32 {
	if b.Kind == BARKindIO {
		return 0x1
	}

	enc := uint32(0)
	if b.Kind == BARKindMem64 {
		enc |= 0x4
	}

	if b.Prefetchable {
		enc |= 0x8
	}

	return enc
}

// encodingMask covers the bits encoding() owns: 1 writable-excluded bit pair
// for I/O BARs, 4 bits for memory BARs.
func (b BAR) encodingMask() uint32 {
	if b.Kind == BARKindIO {
		return 0x3
	}

	return 0xf
}

// minimum size keeping the encoding bits below the alignment mask.
func (b BAR) minSize() uint64 {
	if b.Kind == BARKindIO {
		return 4
	}

	return 16
}

// Capability is one entry of the config-space capability list. The linked
// next offsets are assigned at install time.
type Capability struct {
	ID      uint8
	Payload []byte
}

// Device is one type-0 function on the emulated bus (function number is
// fixed at 0). The config array always holds exact readback values, so reads
// of any width are plain memory reads; writes go through per-register rules.
type Device struct {
	mu     sync.Mutex
	slot   uint8
	config [configSize]byte
	wmask  [configSize]byte
	bars   [numBARs]*barReg
}

// barReg maps one BAR register slot to its descriptor. The upper half of a
// 64-bit BAR carries a reference back to the low slot.
type barReg struct {
	desc  BAR
	upper bool
	low   int
}

// NewDevice builds a device for the given slot with its identity hard-wired
// and its BAR geometry fixed. BAR sizes must be powers of two, at least 4
// bytes for I/O and 16 for memory; a 64-bit BAR consumes two register slots.
func NewDevice(slot uint8, vendorID, deviceID uint16, classCode uint32, bars ...BAR) (*Device, error) {
	if int(slot) >= NumSlots {
		return nil, fmt.Errorf("%w: %d", ErrSlotOutOfSize, slot)
	}

	d := &Device{slot: slot}

	le.PutUint16(d.config[regVendorID:], vendorID)
	le.PutUint16(d.config[regDeviceID:], deviceID)
	d.config[regClassCode] = byte(classCode)
	d.config[regClassCode+1] = byte(classCode >> 8)
	d.config[regClassCode+2] = byte(classCode >> 16)
	d.config[regHeaderType] = 0

	// Writable header bytes; identity, status and the capability pointer
	// stay read-only. The device-specific region above the header is plain
	// read-write memory until capabilities claim parts of it.
	d.wmask[regCommand] = 0xff
	d.wmask[regCommand+1] = 0x07
	d.wmask[0x0c] = 0xff // cache line size
	d.wmask[0x0d] = 0xff // latency timer
	d.wmask[regIRQLine] = 0xff
	for i := capBase; i < configSize; i++ {
		d.wmask[i] = 0xff
	}

	next := 0

	for _, b := range bars {
		if b.Size == 0 || b.Size&(b.Size-1) != 0 || b.Size < b.minSize() {
			return nil, fmt.Errorf("%w: size %#x", ErrBARGeometry, b.Size)
		}

		if b.Kind != BARKindMem64 && b.Size >= 1<<32 {
			return nil, fmt.Errorf("%w: size %#x needs a 64-bit BAR", ErrBARGeometry, b.Size)
		}

		width := 1
		if b.Kind == BARKindMem64 {
			width = 2
		}

		if next+width > numBARs {
			return nil, ErrTooManyBARs
		}

		b.Base &^= b.Size - 1
		d.bars[next] = &barReg{desc: b, low: next}

		if b.Kind == BARKindMem64 {
			d.bars[next+1] = &barReg{desc: b, upper: true, low: next}
		}

		d.storeBAR(next, b.Base)
		next += width
	}

	return d, nil
}

// Slot returns the device number this device was built for.
func (d *Device) Slot() uint8 {
	return d.slot
}

// BAR returns the descriptor in the given register slot with its currently
// programmed base, or false for an unimplemented slot or the upper half of a
// 64-bit BAR.
func (d *Device) BAR(index int) (BAR, bool) {
	if index < 0 || index >= numBARs {
		return BAR{}, false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	br := d.bars[index]
	if br == nil || br.upper {
		return BAR{}, false
	}

	desc := br.desc
	desc.Base = d.loadBAR(index)

	return desc, true
}

// SetCapabilities installs the capability list starting at capBase. Each
// entry's first two bytes are [id][next]; next is the config offset of the
// following entry, dword aligned, and 0 terminates the chain. Installing a
// non-empty list sets the Status capability bit and the Capabilities Pointer.
func (d *Device) SetCapabilities(caps ...Capability) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	off := capBase
	for i, c := range caps {
		end := off + 2 + len(c.Payload)
		if end > configSize {
			return fmt.Errorf("%w: %d entries", ErrCapOverflow, len(caps))
		}

		next := (end + 3) &^ 3
		if i == len(caps)-1 {
			next = 0
		} else if next+2 > configSize {
			return fmt.Errorf("%w: %d entries", ErrCapOverflow, len(caps))
		}

		d.config[off] = c.ID
		d.config[off+1] = byte(next)
		d.wmask[off] = 0
		d.wmask[off+1] = 0
		copy(d.config[off+2:], c.Payload)

		off = (end + 3) &^ 3
	}

	if len(caps) > 0 {
		d.config[regCapPtr] = capBase
		d.config[regStatus] |= statusCapList
	} else {
		d.config[regCapPtr] = 0
		d.config[regStatus] &^= statusCapList
	}

	return nil
}

// ReadConfig reads 1, 2 or 4 bytes at a width-aligned register offset.
// The stored bytes are always exact readback values, BAR encoding included.
func (d *Device) ReadConfig(reg uint32, data []byte) error {
	if err := checkConfigAccess(reg, len(data)); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	copy(data, d.config[reg:int(reg)+len(data)])

	return nil
}

// WriteConfig writes 1, 2 or 4 bytes at a width-aligned register offset.
// Untouched bytes of the underlying register are preserved. BAR registers
// mask off bits below their natural alignment; read-only bytes are dropped.
func (d *Device) WriteConfig(reg uint32, data []byte) error {
	if err := checkConfigAccess(reg, len(data)); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if dw := reg &^ 3; dw >= regBAR0 && dw < regBAR0+4*numBARs {
		d.writeBAR(int(dw-regBAR0)/4, reg, data)

		return nil
	}

	for i, b := range data {
		off := int(reg) + i
		m := d.wmask[off]
		d.config[off] = d.config[off]&^m | b&m
	}

	return nil
}

// writeBAR merges the access into the BAR's full programmed value, drops the
// bits below the size alignment, and stores exact readback bytes. Software
// cannot misalign a BAR, and writing all-ones reads back as the inverted
// size mask, which is what makes size discovery work.
func (d *Device) writeBAR(index int, reg uint32, data []byte) {
	br := d.bars[index]
	if br == nil {
		// Unimplemented slots are hard-wired to zero.
		return
	}

	low := br.low
	desc := d.bars[low].desc
	lowOff := uint32(regBAR0 + 4*low)

	merged := d.loadBAR(low)
	for i, b := range data {
		shift := (reg + uint32(i) - lowOff) * 8
		merged = merged&^(0xff<<shift) | uint64(b)<<shift
	}

	d.storeBAR(low, merged&^(desc.Size-1))
}

// loadBAR returns the programmed base of the BAR in the given low slot.
func (d *Device) loadBAR(low int) uint64 {
	desc := d.bars[low].desc
	off := regBAR0 + 4*low

	v := uint64(le.Uint32(d.config[off:]) &^ desc.encodingMask())
	if desc.Kind == BARKindMem64 {
		v |= uint64(le.Uint32(d.config[off+4:])) << 32
	}

	return v
}

// storeBAR writes readback bytes for the BAR in the given low slot.
func (d *Device) storeBAR(low int, base uint64) {
	desc := d.bars[low].desc
	off := regBAR0 + 4*low

	le.PutUint32(d.config[off:], uint32(base)|desc.encoding())
	if desc.Kind == BARKindMem64 {
		le.PutUint32(d.config[off+4:], uint32(base>>32))
	}
}

func checkConfigAccess(reg uint32, n int) error {
	if n != 1 && n != 2 && n != 4 {
		return fmt.Errorf("%w: %d bytes", ErrAccessWidth, n)
	}

	if reg%uint32(n) != 0 || int(reg)+n > configSize {
		return fmt.Errorf("%w: %d bytes at %#x", ErrConfigAccess, n, reg)
	}

	return nil
}
