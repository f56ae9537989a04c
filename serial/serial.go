// Package serial emulates a 16550-style UART on the COM1 window: enough of
// it for a guest console. Offsets are relative to the mapped base, so the
// same device works behind any port window.
package serial

import (
	"fmt"
	"io"
	"sync"

	"github.com/nanovmm/nanovmm/trap"
)

const (
	COM1Addr = 0x03f8
	COM1IRQ  = 4
	PortSize = 8
)

// Serial is a trap.Handler for one UART. Output bytes go to the writer;
// guest input is fed through InputChan and drained by guest reads.
type Serial struct {
	mu  sync.Mutex
	ier byte
	lcr byte

	inputChan chan byte
	out       io.Writer

	// signal raises COM1IRQ with the guest when input is pending or the
	// transmitter wants service.
	signal func(vector uint32) error
}

func New(out io.Writer, signal func(vector uint32) error) *Serial {
	return &Serial{
		inputChan: make(chan byte, 10000),
		out:       out,
		signal:    signal,
	}
}

// InputChan feeds guest input. The caller signals the IRQ after queueing.
func (s *Serial) InputChan() chan<- byte {
	return s.inputChan
}

// QueueInterrupt raises the UART's interrupt if the guest enabled it.
func (s *Serial) QueueInterrupt() error {
	s.mu.Lock()
	enabled := s.ier != 0
	s.mu.Unlock()

	if !enabled {
		return nil
	}

	return s.signal(COM1IRQ)
}

// dlab selects the divisor latch over the data registers.
func (s *Serial) dlab() bool {
	return s.lcr&0x80 != 0
}

func (s *Serial) Read(off uint64, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("%w: %d bytes", trap.ErrAccessWidth, len(data))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data[0] = 0

	switch {
	case off == 0 && !s.dlab(): // RBR
		select {
		case b := <-s.inputChan:
			data[0] = b
		default:
		}
	case off == 0 && s.dlab(): // DLL, 9600 baud
		data[0] = 0xc
	case off == 1 && !s.dlab(): // IER
		data[0] = s.ier
	case off == 1 && s.dlab(): // DLM
		data[0] = 0x0
	case off == 3: // LCR
		data[0] = s.lcr
	case off == 5: // LSR: THR empty, data-ready when input is queued
		data[0] = 0x60
		if len(s.inputChan) > 0 {
			data[0] |= 0x1
		}
	}

	return nil
}

func (s *Serial) Write(off uint64, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("%w: %d bytes", trap.ErrAccessWidth, len(data))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case off == 0 && !s.dlab(): // THR
		if _, err := s.out.Write(data[:1]); err != nil {
			return err
		}
	case off == 1 && !s.dlab(): // IER
		s.ier = data[0]
	case off == 3: // LCR
		s.lcr = data[0]
	}

	return nil
}
