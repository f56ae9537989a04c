package memory

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrAddrSpaceOccupied = errors.New("address space occupied")
	ErrAddrOutOfRange    = errors.New("address out of range")
)

// AddressSpace tracks reserved ranges inside a guest-visible address or port
// space so that two device windows can never overlap.
type AddressSpace struct {
	name   string
	start  uint64
	size   uint64
	ranges []reserved
}

type reserved struct {
	start uint64
	size  uint64
}

func New(name string, start, size uint64) *AddressSpace {
	return &AddressSpace{
		name:  name,
		start: start,
		size:  size,
	}
}

func (a *AddressSpace) Name() string {
	return a.name
}

// Reserve claims [start, start+size). It fails if the range falls outside the
// space or intersects a previous reservation.
func (a *AddressSpace) Reserve(start, size uint64) error {
	if size == 0 || start < a.start || start+size > a.start+a.size {
		return fmt.Errorf("%w: %s: [%#x, %#x)", ErrAddrOutOfRange, a.name, start, start+size)
	}

	for _, r := range a.ranges {
		if start < r.start+r.size && r.start < start+size {
			return fmt.Errorf("%w: %s: [%#x, %#x)", ErrAddrSpaceOccupied, a.name, start, start+size)
		}
	}

	a.ranges = append(a.ranges, reserved{start: start, size: size})
	sort.Slice(a.ranges, func(i, j int) bool {
		return a.ranges[i].start < a.ranges[j].start
	})

	return nil
}
