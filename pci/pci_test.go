package pci_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/nanovmm/nanovmm/pci"
)

var le = binary.LittleEndian

// newTestBus builds a bus with the host bridge in slot 0.
func newTestBus(t *testing.T, devices ...*pci.Device) *pci.Bus {
	t.Helper()

	b, err := pci.NewBus(append([]*pci.Device{pci.NewHostBridge()}, devices...)...)
	if err != nil {
		t.Fatal(err)
	}

	return b
}

// setConfigAddress points the bus at the given slot and dword register.
func setConfigAddress(t *testing.T, b *pci.Bus, slot, reg uint32) {
	t.Helper()

	var buf [4]byte

	le.PutUint32(buf[:], 1<<31|slot<<11|reg&0xfc)

	if err := b.Write(0, buf[:]); err != nil {
		t.Fatal(err)
	}
}

func readData32(t *testing.T, b *pci.Bus, slot, reg uint32) uint32 {
	t.Helper()

	setConfigAddress(t, b, slot, reg)

	var buf [4]byte
	if err := b.Read(4, buf[:]); err != nil {
		t.Fatal(err)
	}

	return le.Uint32(buf[:])
}

func writeData32(t *testing.T, b *pci.Bus, slot, reg, value uint32) {
	t.Helper()

	setConfigAddress(t, b, slot, reg)

	var buf [4]byte

	le.PutUint32(buf[:], value)

	if err := b.Write(4, buf[:]); err != nil {
		t.Fatal(err)
	}
}

func TestBARSizeDiscovery64(t *testing.T) {
	t.Parallel()

	const size = 0x10000

	d, err := pci.NewDevice(1, 0x1af4, 0x1000, 0x020000, pci.BAR{
		Base: 0xc000_0000,
		Size: size,
		Kind: pci.BARKindMem64,
	})
	if err != nil {
		t.Fatal(err)
	}

	ones := []byte{0xff, 0xff, 0xff, 0xff}
	if err := d.WriteConfig(0x10, ones); err != nil {
		t.Fatal(err)
	}

	if err := d.WriteConfig(0x14, ones); err != nil {
		t.Fatal(err)
	}

	var lo, hi [4]byte
	if err := d.ReadConfig(0x10, lo[:]); err != nil {
		t.Fatal(err)
	}

	if err := d.ReadConfig(0x14, hi[:]); err != nil {
		t.Fatal(err)
	}

	full := uint64(le.Uint32(hi[:]))<<32 | uint64(le.Uint32(lo[:]))

	// 64-bit memory BAR: type bits in the low nibble of the low half.
	if got := full & 0xf; got != 0x4 {
		t.Fatalf("encoding bits: expected: 0x4, actual: %#x", got)
	}

	if got := ^(full &^ 0xf) + 1; got != size {
		t.Fatalf("discovered size: expected: %#x, actual: %#x", size, got)
	}
}

func TestBARSizeDiscoveryThroughDataPort(t *testing.T) {
	t.Parallel()

	const size = 0x1000

	d, err := pci.NewDevice(3, 0x1af4, 0x1042, 0x018000, pci.BAR{
		Base: 0xfebf_0000,
		Size: size,
		Kind: pci.BARKindMem32,
	})
	if err != nil {
		t.Fatal(err)
	}

	b := newTestBus(t, d)

	writeData32(t, b, 3, 0x10, 0xffff_ffff)

	got := readData32(t, b, 3, 0x10)
	if discovered := ^(got &^ 0xf) + 1; discovered != size {
		t.Fatalf("discovered size: expected: %#x, actual: %#x", size, discovered)
	}
}

func TestCapabilityChain(t *testing.T) {
	t.Parallel()

	d, err := pci.NewDevice(1, 0x1af4, 0x1000, 0x020000)
	if err != nil {
		t.Fatal(err)
	}

	caps := make([]pci.Capability, 5)
	for i := range caps {
		caps[i] = pci.Capability{
			ID:      uint8(i),
			Payload: []byte{byte(0x10 + i), byte(0x20 + i)},
		}
	}

	if err := d.SetCapabilities(caps...); err != nil {
		t.Fatal(err)
	}

	var status [2]byte
	if err := d.ReadConfig(0x06, status[:]); err != nil {
		t.Fatal(err)
	}

	if le.Uint16(status[:])&(1<<4) == 0 {
		t.Fatal("status capability-list bit is clear")
	}

	var ptr [1]byte
	if err := d.ReadConfig(0x34, ptr[:]); err != nil {
		t.Fatal(err)
	}

	var visited []uint8

	off := uint32(ptr[0])
	for off != 0 {
		var entry [4]byte
		if err := d.ReadConfig(off, entry[:]); err != nil {
			t.Fatal(err)
		}

		visited = append(visited, entry[0])

		want := [2]byte{byte(0x10 + entry[0]), byte(0x20 + entry[0])}
		if entry[2] != want[0] || entry[3] != want[1] {
			t.Fatalf("payload for id %d: expected: %v, actual: %v", entry[0], want, entry[2:])
		}

		off = uint32(entry[1])
	}

	if diff := cmp.Diff([]uint8{0, 1, 2, 3, 4}, visited); diff != "" {
		t.Fatalf("capability walk mismatch (-want +got):\n%s", diff)
	}
}

func TestPartialWriteMergeConfigAddress(t *testing.T) {
	t.Parallel()

	b := newTestBus(t)

	if err := b.Write(0, []byte{0x78, 0x56, 0x34, 0x12}); err != nil {
		t.Fatal(err)
	}

	if err := b.Write(2, []byte{0xce, 0xfa}); err != nil {
		t.Fatal(err)
	}

	if err := b.Write(1, []byte{0x99}); err != nil {
		t.Fatal(err)
	}

	var buf [4]byte
	if err := b.Read(0, buf[:]); err != nil {
		t.Fatal(err)
	}

	if got := le.Uint32(buf[:]); got != 0xface9978 {
		t.Fatalf("expected: 0xface9978, actual: %#x", got)
	}
}

func TestPartialWriteMergeConfigSpace(t *testing.T) {
	t.Parallel()

	d, err := pci.NewDevice(1, 0x1af4, 0x1000, 0x020000)
	if err != nil {
		t.Fatal(err)
	}

	// 0xf0 is plain read-write memory above the header.
	if err := d.WriteConfig(0xf0, []byte{0x78, 0x56, 0x34, 0x12}); err != nil {
		t.Fatal(err)
	}

	if err := d.WriteConfig(0xf2, []byte{0xce, 0xfa}); err != nil {
		t.Fatal(err)
	}

	if err := d.WriteConfig(0xf1, []byte{0x99}); err != nil {
		t.Fatal(err)
	}

	var buf [4]byte
	if err := d.ReadConfig(0xf0, buf[:]); err != nil {
		t.Fatal(err)
	}

	if got := le.Uint32(buf[:]); got != 0xface9978 {
		t.Fatalf("expected: 0xface9978, actual: %#x", got)
	}
}

func TestAccessWidthRoundTrip(t *testing.T) {
	t.Parallel()

	const (
		vendorID = 0x1af4
		deviceID = 0x1000
	)

	d, err := pci.NewDevice(1, vendorID, deviceID, 0x020000)
	if err != nil {
		t.Fatal(err)
	}

	b := newTestBus(t, d)

	wide := readData32(t, b, 1, 0)
	if wide != vendorID|deviceID<<16 {
		t.Fatalf("expected: %#x, actual: %#x", vendorID|deviceID<<16, wide)
	}

	setConfigAddress(t, b, 1, 0)

	var narrow uint32

	for i := uint64(0); i < 4; i++ {
		var buf [1]byte
		if err := b.Read(4+i, buf[:]); err != nil {
			t.Fatal(err)
		}

		narrow |= uint32(buf[0]) << (8 * i)
	}

	if narrow != wide {
		t.Fatalf("byte reassembly: expected: %#x, actual: %#x", wide, narrow)
	}
}

func TestAbsentDeviceReadsAllOnes(t *testing.T) {
	t.Parallel()

	b := newTestBus(t)

	if got := readData32(t, b, 9, 0); got != 0xffff_ffff {
		t.Fatalf("expected: 0xffffffff, actual: %#x", got)
	}
}

func TestDisabledAddressReadsAllOnes(t *testing.T) {
	t.Parallel()

	d, err := pci.NewDevice(1, 0x1af4, 0x1000, 0x020000)
	if err != nil {
		t.Fatal(err)
	}

	b := newTestBus(t, d)

	// Enable bit clear: the cycle must not reach the device.
	var buf [4]byte

	le.PutUint32(buf[:], 1<<11)

	if err := b.Write(0, buf[:]); err != nil {
		t.Fatal(err)
	}

	if err := b.Read(4, buf[:]); err != nil {
		t.Fatal(err)
	}

	if got := le.Uint32(buf[:]); got != 0xffff_ffff {
		t.Fatalf("expected: 0xffffffff, actual: %#x", got)
	}
}

func TestBARWriteKeepsAlignment(t *testing.T) {
	t.Parallel()

	d, err := pci.NewDevice(1, 0x1af4, 0x1000, 0x020000,
		pci.BAR{Base: 0xfebf_0000, Size: 0x1000, Kind: pci.BARKindMem32},
		pci.BAR{Base: 0xc000, Size: 0x20, Kind: pci.BARKindIO},
	)
	if err != nil {
		t.Fatal(err)
	}

	if err := d.WriteConfig(0x10, []byte{0xff, 0x3f, 0x34, 0x12}); err != nil {
		t.Fatal(err)
	}

	var buf [4]byte
	if err := d.ReadConfig(0x10, buf[:]); err != nil {
		t.Fatal(err)
	}

	if got := le.Uint32(buf[:]); got != 0x1234_3000 {
		t.Fatalf("mem BAR: expected: 0x12343000, actual: %#x", got)
	}

	if err := d.WriteConfig(0x14, []byte{0x1f, 0xd0, 0x00, 0x00}); err != nil {
		t.Fatal(err)
	}

	if err := d.ReadConfig(0x14, buf[:]); err != nil {
		t.Fatal(err)
	}

	// I/O BAR: bit 0 hard-wired on, base aligned down to the 0x20 size.
	if got := le.Uint32(buf[:]); got != 0xd000|0x1 {
		t.Fatalf("io BAR: expected: %#x, actual: %#x", 0xd000|0x1, got)
	}

	bar, ok := d.BAR(0)
	if !ok {
		t.Fatal("BAR 0 missing")
	}

	if bar.Base != 0x1234_3000 || bar.Size != 0x1000 {
		t.Fatalf("descriptor: actual: %+v", bar)
	}
}

func TestBARUnimplementedReadsZero(t *testing.T) {
	t.Parallel()

	d, err := pci.NewDevice(1, 0x1af4, 0x1000, 0x020000)
	if err != nil {
		t.Fatal(err)
	}

	if err := d.WriteConfig(0x18, []byte{0xff, 0xff, 0xff, 0xff}); err != nil {
		t.Fatal(err)
	}

	var buf [4]byte
	if err := d.ReadConfig(0x18, buf[:]); err != nil {
		t.Fatal(err)
	}

	if got := le.Uint32(buf[:]); got != 0 {
		t.Fatalf("expected: 0, actual: %#x", got)
	}

	if _, ok := d.BAR(2); ok {
		t.Fatal("BAR 2 should not exist")
	}
}

func TestIdentityIsReadOnly(t *testing.T) {
	t.Parallel()

	d, err := pci.NewDevice(1, 0x1af4, 0x1000, 0x020000)
	if err != nil {
		t.Fatal(err)
	}

	if err := d.WriteConfig(0x00, []byte{0xde, 0xad, 0xbe, 0xef}); err != nil {
		t.Fatal(err)
	}

	var buf [4]byte
	if err := d.ReadConfig(0x00, buf[:]); err != nil {
		t.Fatal(err)
	}

	if got := le.Uint32(buf[:]); got != 0x1000_1af4 {
		t.Fatalf("expected: 0x10001af4, actual: %#x", got)
	}
}

func TestUnsupportedAccess(t *testing.T) {
	t.Parallel()

	b := newTestBus(t)

	if err := b.Write(0, []byte{1, 2, 3}); !errors.Is(err, pci.ErrAccessWidth) {
		t.Fatalf("3-byte write: expected ErrAccessWidth, actual: %v", err)
	}

	if err := b.Read(1, []byte{0, 0}); !errors.Is(err, pci.ErrAccessWidth) {
		t.Fatalf("unaligned read: expected ErrAccessWidth, actual: %v", err)
	}

	if err := b.Read(8, []byte{0}); !errors.Is(err, pci.ErrAccessWidth) {
		t.Fatalf("out-of-window read: expected ErrAccessWidth, actual: %v", err)
	}
}
