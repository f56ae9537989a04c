package trap_test

import (
	"errors"
	"testing"

	"github.com/nanovmm/nanovmm/memory"
	"github.com/nanovmm/nanovmm/trap"
)

// recorder remembers the relative offset of the last access.
type recorder struct {
	lastOff uint64
	byte    byte
}

func (r *recorder) Read(off uint64, data []byte) error {
	r.lastOff = off
	for i := range data {
		data[i] = r.byte
	}

	return nil
}

func (r *recorder) Write(off uint64, data []byte) error {
	r.lastOff = off
	r.byte = data[0]

	return nil
}

func TestKeyCorrelation(t *testing.T) {
	t.Parallel()

	reg := trap.NewRegistry(memory.New("pio", 0, 0x10000))

	first := &recorder{}
	second := &recorder{}

	k1, err := reg.Add(0x3f8, 8, first)
	if err != nil {
		t.Fatal(err)
	}

	k2, err := reg.Add(0x2f8, 8, second)
	if err != nil {
		t.Fatal(err)
	}

	if k1 == 0 || k2 == 0 || k1 == k2 {
		t.Fatalf("keys must be distinct and non-zero: %d %d", k1, k2)
	}

	if err := reg.Write(k2, 0x2fd, []byte{0x55}); err != nil {
		t.Fatal(err)
	}

	if second.lastOff != 5 {
		t.Fatalf("expected relative offset 5, actual %d", second.lastOff)
	}

	if first.byte != 0 {
		t.Fatal("write landed on the wrong handler")
	}
}

func TestUnknownKey(t *testing.T) {
	t.Parallel()

	reg := trap.NewRegistry(memory.New("mmio", 0, 1<<32))

	if err := reg.Read(7, 0, make([]byte, 1)); !errors.Is(err, trap.ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, actual: %v", err)
	}
}

func TestOverlapRejected(t *testing.T) {
	t.Parallel()

	reg := trap.NewRegistry(memory.New("mmio", 0, 1<<32))

	if _, err := reg.Add(0x1000, 0x100, &recorder{}); err != nil {
		t.Fatal(err)
	}

	if _, err := reg.Add(0x10ff, 2, &recorder{}); !errors.Is(err, memory.ErrAddrSpaceOccupied) {
		t.Fatalf("expected ErrAddrSpaceOccupied, actual: %v", err)
	}

	// Adjacent ranges are fine.
	if _, err := reg.Add(0x1100, 0x100, &recorder{}); err != nil {
		t.Fatal(err)
	}
}
