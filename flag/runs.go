package flag

import (
	"os"
	"strconv"

	"github.com/alecthomas/kong"
	"github.com/nanovmm/nanovmm/pci"
	"github.com/nanovmm/nanovmm/probe"
	"github.com/nanovmm/nanovmm/vmm"
	"github.com/pkg/profile"
)

type CLI struct {
	Boot  BootCMD  `cmd:"" help:"Boot a flat binary guest image."`
	Probe ProbeCMD `cmd:"" help:"Report the host's kvm capabilities."`
}

type ProbeCMD struct {
	Dev string `help:"path of the kvm device" default:"/dev/kvm"`
}

func (p *ProbeCMD) Run() error {
	return probe.Capabilities(p.Dev, os.Stdout)
}

type BootCMD struct {
	Image      string `arg:"" help:"guest image, loaded at the entry address" type:"existingfile"`
	Dev        string `help:"path of the kvm device" default:"/dev/kvm"`
	Entry      string `help:"guest-physical entry address" default:"0x100000"`
	MemSize    string `help:"memory size: as number[gGmMkK], optional unit, defaults to G" short:"m" default:"1G"`
	Machine    string `help:"yaml machine description with the PCI devices" optional:"" type:"existingfile"`
	CPUProfile bool   `help:"write a cpu profile to the current directory"`
}

func Parse() error {
	c := CLI{}

	ctx := kong.Parse(&c,
		kong.Name("nanovmm"),
		kong.Description("nanovmm is a small KVM hypervisor with an emulated PCI bus"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	return ctx.Run()
}

func (s *BootCMD) Run() error {
	if s.CPUProfile {
		defer profile.Start(profile.ProfilePath(".")).Stop()
	}

	memSize, err := ParseSize(s.MemSize, "g")
	if err != nil {
		return err
	}

	entry, err := strconv.ParseUint(s.Entry, 0, 64)
	if err != nil {
		return err
	}

	var devices []*pci.Device
	if len(s.Machine) > 0 {
		if devices, err = LoadMachineFile(s.Machine); err != nil {
			return err
		}
	}

	v := vmm.New(vmm.Config{
		Dev:     s.Dev,
		Image:   s.Image,
		Entry:   entry,
		MemSize: memSize,
		Devices: devices,
	})

	if err := v.Init(); err != nil {
		return err
	}

	if err := v.Setup(); err != nil {
		return err
	}

	return v.Boot()
}
