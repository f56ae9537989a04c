// Package kvm is a thin ioctl layer over /dev/kvm. It knows the kernel ABI
// and nothing about the guest: fds, request numbers and the mmapped run
// structure. Policy lives in the machine package.
package kvm

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// apiVersion is the stable KVM API; anything else is unusable.
const apiVersion = 12

const (
	kvmGetAPIVersion       = 0xae00
	kvmCreateVM            = 0xae01
	kvmCheckExtension      = 0xae03
	kvmGetVCPUMMapSize     = 0xae04
	kvmCreateVCPU          = 0xae41
	kvmSetUserMemoryRegion = 0x4020ae46
	kvmSetTSSAddr          = 0xae47
	kvmSetIdentityMapAddr  = 0x4008ae48
	kvmCreateIRQChip       = 0xae60
	kvmIRQLine             = 0x4008ae61
	kvmCreatePIT2          = 0x4040ae77
	kvmRun                 = 0xae80
)

var ErrAPIVersion = errors.New("kvm: unsupported API version")

// Ioctl issues one request and surfaces the errno as error.
func Ioctl(fd, op, arg uintptr) (uintptr, error) {
	res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
	if errno != 0 {
		return res, errno
	}

	return res, nil
}

// Open opens the kvm device node and verifies the API version.
func Open(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}

	v, err := Ioctl(f.Fd(), kvmGetAPIVersion, 0)
	if err != nil {
		f.Close()

		return nil, err
	}

	if v != apiVersion {
		f.Close()

		return nil, fmt.Errorf("%w: %d", ErrAPIVersion, v)
	}

	return f, nil
}

// CheckExtension queries one capability on the system fd. The result is
// zero when absent and capability-specific (usually 1, sometimes a limit)
// when present.
func CheckExtension(kvmFd uintptr, capability uintptr) (int, error) {
	n, err := Ioctl(kvmFd, kvmCheckExtension, capability)

	return int(n), err
}

// CreateVM creates a new VM fd on the system fd.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, kvmCreateVM, 0)
}

// CreateVCPU creates the vcpu fd with the given id on the VM fd.
func CreateVCPU(vmFd uintptr, id int) (uintptr, error) {
	return Ioctl(vmFd, kvmCreateVCPU, uintptr(id))
}

// Run enters the guest. It returns when the vcpu exits to userspace or the
// calling thread takes a signal, in which case the error is unix.EINTR.
func Run(vcpuFd uintptr) error {
	_, err := Ioctl(vcpuFd, kvmRun, 0)

	return err
}

// GetVCPUMMapSize returns the size of the per-vcpu run mapping.
func GetVCPUMMapSize(kvmFd uintptr) (int, error) {
	n, err := Ioctl(kvmFd, kvmGetVCPUMMapSize, 0)

	return int(n), err
}

// SetTSSAddr reserves the three-page TSS range used by older Intel VMX.
func SetTSSAddr(vmFd uintptr, addr uint32) error {
	_, err := Ioctl(vmFd, kvmSetTSSAddr, uintptr(addr))

	return err
}

// SetIdentityMapAddr moves the EPT identity page out of guest RAM.
func SetIdentityMapAddr(vmFd uintptr, addr uint32) error {
	_, err := Ioctl(vmFd, kvmSetIdentityMapAddr, uintptr(unsafe.Pointer(&addr)))

	return err
}

// UserspaceMemoryRegion maps a userspace allocation into guest-physical space.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// SetUserMemoryRegion installs or replaces a guest memory slot.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := Ioctl(vmFd, kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(region)))

	return err
}

// CreateIRQChip puts the PIC and IOAPIC in the kernel.
func CreateIRQChip(vmFd uintptr) error {
	_, err := Ioctl(vmFd, kvmCreateIRQChip, 0)

	return err
}

type pitConfig struct {
	Flags uint32
	_     [15]uint32
}

// CreatePIT2 adds the in-kernel PIT. Requires CreateIRQChip first.
func CreatePIT2(vmFd uintptr) error {
	pit := pitConfig{}
	_, err := Ioctl(vmFd, kvmCreatePIT2, uintptr(unsafe.Pointer(&pit)))

	return err
}

type irqLevel struct {
	IRQ   uint32
	Level uint32
}

// IRQLine drives one input of the in-kernel irqchip to the given level.
// Edge-triggered sources pulse the line: level 1 then 0.
func IRQLine(vmFd uintptr, irq, level uint32) error {
	lv := irqLevel{IRQ: irq, Level: level}
	_, err := Ioctl(vmFd, kvmIRQLine, uintptr(unsafe.Pointer(&lv)))

	return err
}
