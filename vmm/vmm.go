// Package vmm wires a complete PC-style guest: KVM machine, PCI bus on the
// config mechanism ports, COM1 console, and the legacy port windows early
// boot code expects to exist.
package vmm

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"

	"github.com/nanovmm/nanovmm/guest"
	"github.com/nanovmm/nanovmm/iodev"
	"github.com/nanovmm/nanovmm/machine"
	"github.com/nanovmm/nanovmm/pci"
	"github.com/nanovmm/nanovmm/serial"
	"github.com/nanovmm/nanovmm/term"
	"github.com/nanovmm/nanovmm/vcpu"
)

// Config is everything a guest needs to come up.
type Config struct {
	// Dev is the kvm device node.
	Dev string
	// Image is a flat binary loaded at Entry.
	Image string
	// Entry is the guest-physical load and entry address.
	Entry uint64
	// MemSize is guest RAM in bytes.
	MemSize int
	// Devices go on the PCI bus alongside the host bridge.
	Devices []*pci.Device
}

// noopRange is a legacy port window without emulation behind it.
type noopRange struct {
	base, size uint64
}

// Port ranges probed during early boot: DMA pages, PIC, CMOS, PS/2, floppy,
// parallel and the other UARTs, primary IDE, VGA.
var noopRanges = []noopRange{
	{0x40, 4},   // PIT
	{0x60, 2},   // PS/2 data and status
	{0x64, 1},   // PS/2 command
	{0x70, 2},   // CMOS
	{0x2e8, 8},  // COM4
	{0x2f8, 8},  // COM2
	{0x3e8, 8},  // COM3
	{0x1f0, 8},  // primary IDE
	{0x3b0, 48}, // VGA
}

// VMM owns one guest from configuration to teardown.
type VMM struct {
	cfg     Config
	machine *machine.Machine
	guest   *guest.Guest
	serial  *serial.Serial
	halt    chan struct{}
}

func New(c Config) *VMM {
	return &VMM{cfg: c, halt: make(chan struct{}, 1)}
}

// Init creates the machine and hangs every device off the guest.
func (v *VMM) Init() error {
	m, err := machine.New(v.cfg.Dev, v.cfg.MemSize)
	if err != nil {
		return err
	}

	v.machine = m

	bus, err := pci.NewBus(append([]*pci.Device{pci.NewHostBridge()}, v.cfg.Devices...)...)
	if err != nil {
		return err
	}

	// KVM pre-decodes MMIO accesses into the run structure, so the guest
	// uses the register-direct handler.
	g, err := guest.New(m, vcpu.RegisterDirect{}, bus)
	if err != nil {
		return err
	}

	v.guest = g
	v.serial = serial.New(os.Stdout, g.SignalInterrupt)

	if _, err := g.AddPortDevice(serial.COM1Addr, serial.PortSize, v.serial); err != nil {
		return err
	}

	if _, err := g.AddPortDevice(iodev.PostCodePort, 1, &iodev.PostCode{W: os.Stderr}); err != nil {
		return err
	}

	shutdown := &iodev.ACPIShutdown{Event: v.halt}
	if _, err := g.AddPortDevice(iodev.ACPIShutdownPort, iodev.ACPIShutdownSize, shutdown); err != nil {
		return err
	}

	for _, r := range noopRanges {
		if _, err := g.AddPortDevice(r.base, r.size, iodev.Noop{}); err != nil {
			return err
		}
	}

	return nil
}

// Setup loads the flat guest image at the entry address.
func (v *VMM) Setup() error {
	img, err := os.ReadFile(v.cfg.Image)
	if err != nil {
		return err
	}

	if _, err := v.machine.WriteAt(img, int64(v.cfg.Entry)); err != nil {
		return err
	}

	return nil
}

// Boot starts the boot processor and blocks until every vcpu is gone.
// Secondary processors come up only on the guest's own startup requests.
// A vcpu that dies with an error leaves the guest undefined; the error is
// returned and the caller must not keep the process alive.
func (v *VMM) Boot() error {
	if err := v.guest.StartVcpu(0, v.cfg.Entry); err != nil {
		return err
	}

	go func() {
		<-v.halt
		slog.Info("guest requested power-off; waiting for vcpus to halt")
	}()

	if term.IsTerminal() {
		restore, err := term.SetRawMode()
		if err != nil {
			return err
		}
		defer restore()

		go v.consoleInput(restore)
	} else {
		fmt.Fprintln(os.Stderr, "no terminal on stdin; console input disabled")
	}

	if err := v.guest.Wait(); err != nil {
		return fmt.Errorf("vcpu terminated abnormally: %w", err)
	}

	return nil
}

// consoleInput pumps stdin into the UART. Ctrl-a x leaves the VMM.
func (v *VMM) consoleInput(restore func()) {
	in := bufio.NewReader(os.Stdin)

	var before byte

	for {
		b, err := in.ReadByte()
		if err != nil {
			slog.Warn("console input closed", "err", err)

			return
		}

		if before == 0x1 && b == 'x' {
			restore()
			os.Exit(0)
		}

		before = b

		v.serial.InputChan() <- b
		if err := v.serial.QueueInterrupt(); err != nil {
			slog.Warn("serial interrupt failed", "err", err)
		}
	}
}
