// Package trap routes VM exits back to emulated devices. Each device window
// is registered once and receives an opaque key; the hypervisor tags every
// exit with the key of the faulting range, so dispatch never scans mappings.
package trap

import (
	"errors"
	"fmt"
	"sync"

	"github.com/nanovmm/nanovmm/memory"
)

var (
	ErrUnknownKey  = errors.New("trap: unknown trap key")
	ErrAccessWidth = errors.New("trap: unsupported access width")
)

// Key correlates a VM exit with the device mapping registered for the
// faulting range. Zero is never a valid key.
type Key uint32

// Handler is an installable device. Offsets are relative to the mapped base.
// The handler must service exactly len(data) bytes or fail with
// ErrAccessWidth; a short or oversized access is an integrity error.
type Handler interface {
	Read(off uint64, data []byte) error
	Write(off uint64, data []byte) error
}

// Mapping ties a registered range to its handler.
type Mapping struct {
	Key     Key
	Base    uint64
	Size    uint64
	Handler Handler
}

// Registry resolves trap keys to device handlers. One registry covers one
// address space (port space and physical memory get separate registries).
type Registry struct {
	mu       sync.RWMutex
	space    *memory.AddressSpace
	next     Key
	mappings map[Key]*Mapping
}

func NewRegistry(space *memory.AddressSpace) *Registry {
	return &Registry{
		space:    space,
		next:     1,
		mappings: make(map[Key]*Mapping),
	}
}

// Add reserves [base, base+size) and assigns a key for it. The caller still
// has to install the trap with the hypervisor under the same key.
func (r *Registry) Add(base, size uint64, h Handler) (Key, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.space.Reserve(base, size); err != nil {
		return 0, err
	}

	key := r.next
	r.next++
	r.mappings[key] = &Mapping{Key: key, Base: base, Size: size, Handler: h}

	return key, nil
}

// Lookup resolves a key. A miss means the guest was configured wrong: every
// installed trap is registered here first.
func (r *Registry) Lookup(key Key) (*Mapping, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.mappings[key]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKey, key)
	}

	return m, nil
}

// Read forwards a read at the absolute address addr to the mapped handler.
func (r *Registry) Read(key Key, addr uint64, data []byte) error {
	m, err := r.Lookup(key)
	if err != nil {
		return err
	}

	return m.Handler.Read(addr-m.Base, data)
}

// Write forwards a write at the absolute address addr to the mapped handler.
func (r *Registry) Write(key Key, addr uint64, data []byte) error {
	m, err := r.Lookup(key)
	if err != nil {
		return err
	}

	return m.Handler.Write(addr-m.Base, data)
}
