// Package iodev has the small port devices a PC guest pokes during early
// boot: ranges that must exist but carry no real function.
package iodev

import (
	"fmt"
	"io"
	"log/slog"
)

const (
	PostCodePort     = 0x80
	ACPIShutdownPort = 0x600
	ACPIShutdownSize = 8
)

// Noop absorbs writes and reads back all-ones, the bus convention for
// unbacked addresses.
type Noop struct{}

func (Noop) Read(off uint64, data []byte) error {
	for i := range data {
		data[i] = 0xff
	}

	return nil
}

func (Noop) Write(off uint64, data []byte) error {
	return nil
}

// PostCode mirrors firmware debug port 0x80 to a writer.
type PostCode struct {
	W io.Writer
}

func (p *PostCode) Read(off uint64, data []byte) error {
	for i := range data {
		data[i] = 0
	}

	return nil
}

func (p *PostCode) Write(off uint64, data []byte) error {
	if len(data) != 1 {
		return nil
	}

	if data[0] == 0 {
		_, err := fmt.Fprint(p.W, "\r\n")

		return err
	}

	_, err := fmt.Fprintf(p.W, "%c", data[0])

	return err
}

// ACPIShutdown watches the sleep control port EDK2 and CloudHv firmware use
// to announce power state changes. Shutdown sends on Event.
type ACPIShutdown struct {
	Event chan<- struct{}
}

func (a *ACPIShutdown) Read(off uint64, data []byte) error {
	for i := range data {
		data[i] = 0
	}

	return nil
}

func (a *ACPIShutdown) Write(off uint64, data []byte) error {
	if len(data) != 1 {
		return nil
	}

	// S5 sleep value 5 shifted into the sleep type field, enable bit set.
	const s5Request = 5<<2 | 1<<5

	switch data[0] {
	case 1:
		slog.Info("guest signalled reboot")
	case s5Request:
		slog.Info("guest signalled shutdown")

		if a.Event != nil {
			select {
			case a.Event <- struct{}{}:
			default:
			}
		}
	}

	return nil
}
