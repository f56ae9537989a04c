// Package probe reports what the host's kvm device offers before any guest
// is built.
package probe

import (
	"fmt"
	"io"

	"github.com/nanovmm/nanovmm/kvm"
)

// capability numbers from the kernel's kvm.h, limited to what this VMM
// depends on or sizes itself by.
var capabilities = []struct {
	name   string
	number uintptr
}{
	{"irqchip", 0},
	{"hlt", 1},
	{"user-memory", 3},
	{"set-tss-addr", 4},
	{"nr-vcpus", 9},
	{"nr-memslots", 10},
	{"pit2", 33},
	{"max-vcpus", 66},
}

// Capabilities prints each capability this VMM cares about with the value
// the kernel reports. Zero means absent.
func Capabilities(dev string, w io.Writer) error {
	f, err := kvm.Open(dev)
	if err != nil {
		return err
	}
	defer f.Close()

	for _, c := range capabilities {
		n, err := kvm.CheckExtension(f.Fd(), c.number)
		if err != nil {
			return fmt.Errorf("%s: %w", c.name, err)
		}

		fmt.Fprintf(w, "%-12s %d\n", c.name, n)
	}

	return nil
}
