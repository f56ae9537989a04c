// Package flag is the command-line surface: option parsing, size strings,
// and the yaml machine description that populates the PCI bus.
package flag

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/nanovmm/nanovmm/pci"
	"gopkg.in/yaml.v3"
)

var ErrBARKind = errors.New("flag: unknown BAR kind")

// ParseSize parses a size string as number[gGmMkK]. The multiplier is
// optional, and if not set, the unit passed in is used. The number can be any
// base and size.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q:can't parse as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]:%w", s, strconv.ErrSyntax)
}

// MachineFile is the yaml machine description.
type MachineFile struct {
	PCI []DeviceSpec `yaml:"pci"`
}

// DeviceSpec describes one PCI function.
type DeviceSpec struct {
	Slot         uint8     `yaml:"slot"`
	Vendor       uint16    `yaml:"vendor"`
	Device       uint16    `yaml:"device"`
	Class        uint32    `yaml:"class"`
	BARs         []BARSpec `yaml:"bars"`
	Capabilities []CapSpec `yaml:"capabilities"`
}

// BARSpec describes one base address register. Kind is io, mem32 or mem64.
type BARSpec struct {
	Kind         string `yaml:"kind"`
	Base         uint64 `yaml:"base"`
	Size         uint64 `yaml:"size"`
	Prefetchable bool   `yaml:"prefetchable"`
}

// CapSpec describes one capability entry; the payload is hex digits.
type CapSpec struct {
	ID      uint8  `yaml:"id"`
	Payload string `yaml:"payload"`
}

// LoadMachineFile reads a yaml machine description into bus devices.
func LoadMachineFile(path string) ([]*pci.Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return UnmarshalMachine(data)
}

// UnmarshalMachine builds PCI devices from a yaml machine description.
func UnmarshalMachine(data []byte) ([]*pci.Device, error) {
	mf := MachineFile{}
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, err
	}

	devices := make([]*pci.Device, 0, len(mf.PCI))

	for _, spec := range mf.PCI {
		bars := make([]pci.BAR, 0, len(spec.BARs))

		for _, b := range spec.BARs {
			kind, err := barKind(b.Kind)
			if err != nil {
				return nil, err
			}

			bars = append(bars, pci.BAR{
				Base:         b.Base,
				Size:         b.Size,
				Kind:         kind,
				Prefetchable: b.Prefetchable,
			})
		}

		d, err := pci.NewDevice(spec.Slot, spec.Vendor, spec.Device, spec.Class, bars...)
		if err != nil {
			return nil, err
		}

		if len(spec.Capabilities) > 0 {
			caps := make([]pci.Capability, 0, len(spec.Capabilities))

			for _, c := range spec.Capabilities {
				payload, err := hex.DecodeString(strings.ReplaceAll(c.Payload, " ", ""))
				if err != nil {
					return nil, fmt.Errorf("capability %#x payload: %w", c.ID, err)
				}

				caps = append(caps, pci.Capability{ID: c.ID, Payload: payload})
			}

			if err := d.SetCapabilities(caps...); err != nil {
				return nil, err
			}
		}

		devices = append(devices, d)
	}

	return devices, nil
}

func barKind(s string) (pci.BARKind, error) {
	switch s {
	case "io":
		return pci.BARKindIO, nil
	case "mem32", "":
		return pci.BARKindMem32, nil
	case "mem64":
		return pci.BARKindMem64, nil
	}

	return 0, fmt.Errorf("%w: %q", ErrBARKind, s)
}
