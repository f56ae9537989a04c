// Package vcpu runs guest processors. Each Runner owns one dedicated OS
// thread that creates the hypervisor vcpu, parks until released, then loops
// on Run dispatching exits to the trap registries and the Controller. The
// runner's lifecycle is a monotonic state machine other threads can observe.
package vcpu

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/nanovmm/nanovmm/decode"
	"github.com/nanovmm/nanovmm/kvm"
	"github.com/nanovmm/nanovmm/trap"
)

var (
	ErrCreate        = errors.New("vcpu: create failed")
	ErrStart         = errors.New("vcpu: start failed")
	ErrNotWaiting    = errors.New("vcpu: not waiting to start")
	ErrNotCreated    = errors.New("vcpu: resource not created yet")
	ErrResume        = errors.New("vcpu: resume failed")
	ErrExitReason    = errors.New("vcpu: unexpected exit reason")
	ErrDataIntegrity = errors.New("vcpu: trap data disagrees with access width")

	// ErrStartupSource rejects startup requests from secondary vcpus.
	// Only the boot processor may bring others online.
	ErrStartupSource = errors.New("vcpu: startup request from secondary vcpu")
)

// State is where a Runner is in its lifecycle. States only ever advance;
// the two failure states and StateTerminated are terminal.
type State int

const (
	StateUninitialized State = iota
	StateWaitingToStart
	StateStarting
	StateStarted
	StateTerminated
	StateFailedToCreate
	StateFailedToStart
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateWaitingToStart:
		return "waiting-to-start"
	case StateStarting:
		return "starting"
	case StateStarted:
		return "started"
	case StateTerminated:
		return "terminated"
	case StateFailedToCreate:
		return "failed-to-create"
	case StateFailedToStart:
		return "failed-to-start"
	}

	return fmt.Sprintf("State(%d)", int(s))
}

// Runner drives one vcpu on its own OS thread.
type Runner struct {
	id   int
	ctl  Controller
	mem  *trap.Registry
	pio  *trap.Registry
	mmio MMIOHandler

	mu      sync.Mutex
	cond    *sync.Cond
	state   State
	cpu     Resource
	initial *kvm.Regs

	done   chan struct{}
	runErr error
}

// Create spawns the vcpu thread and blocks until the hypervisor resource
// exists. On return the runner is waiting to start, or the creation error is
// returned and the runner is dead.
func Create(id int, ctl Controller, memTraps, portTraps *trap.Registry,
	mmio MMIOHandler, open ResourceOpener, entry uint64,
) (*Runner, error) {
	r := &Runner{
		id:    id,
		ctl:   ctl,
		mem:   memTraps,
		pio:   portTraps,
		mmio:  mmio,
		state: StateUninitialized,
		done:  make(chan struct{}),
	}
	r.cond = sync.NewCond(&r.mu)

	go r.thread(open, entry)

	r.mu.Lock()
	for r.state == StateUninitialized {
		r.cond.Wait()
	}
	failed := r.state == StateFailedToCreate
	r.mu.Unlock()

	if failed {
		<-r.done

		return nil, fmt.Errorf("%w: %v", ErrCreate, r.runErr)
	}

	return r, nil
}

// Start releases the vcpu into the guest, optionally loading an initial
// register state first. It blocks until the vcpu is running (or has already
// run to completion) and may be called exactly once, while the runner is
// waiting to start.
func (r *Runner) Start(initial *kvm.Regs) error {
	r.mu.Lock()
	if r.state != StateWaitingToStart {
		st := r.state
		r.mu.Unlock()

		return fmt.Errorf("%w: %s", ErrNotWaiting, st)
	}

	r.initial = initial
	r.state = StateStarting
	r.cond.Broadcast()

	for r.state == StateStarting {
		r.cond.Wait()
	}
	failed := r.state == StateFailedToStart
	r.mu.Unlock()

	if failed {
		<-r.done

		return fmt.Errorf("%w: %v", ErrStart, r.runErr)
	}

	return nil
}

// Interrupt raises the given vector on this vcpu. Callable from any thread
// once the resource exists.
func (r *Runner) Interrupt(vector uint32) error {
	r.mu.Lock()
	cpu := r.cpu
	r.mu.Unlock()

	if cpu == nil {
		return ErrNotCreated
	}

	return cpu.Interrupt(vector)
}

// Join blocks until the vcpu thread is gone and returns its terminal error.
// A non-nil error after a successful Start means the guest is in an undefined
// state and the caller must treat it as fatal.
func (r *Runner) Join() error {
	<-r.done

	return r.runErr
}

// State reports the runner's current lifecycle state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.state
}

func (r *Runner) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.cond.Broadcast()
	r.mu.Unlock()
}

// thread is the vcpu's whole life. Hypervisor vcpu state is tied to the
// creating thread, so everything from open to the last Run stays here.
func (r *Runner) thread(open ResourceOpener, entry uint64) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(r.done)

	cpu, err := open(r.id, entry)
	if err != nil {
		r.runErr = err
		r.setState(StateFailedToCreate)

		return
	}
	defer cpu.Close()

	r.mu.Lock()
	r.cpu = cpu
	r.state = StateWaitingToStart
	r.cond.Broadcast()
	for r.state == StateWaitingToStart {
		r.cond.Wait()
	}
	initial := r.initial
	r.mu.Unlock()

	if initial != nil {
		if err := cpu.SetRegs(*initial); err != nil {
			r.runErr = err
			r.setState(StateFailedToStart)

			return
		}
	}

	r.setState(StateStarted)
	r.runErr = r.loop(cpu)
	r.setState(StateTerminated)
}

// loop services exits until the guest stops or something unrecoverable
// happens. Guest-sourced protocol errors (undecodable accesses, rejected
// startup requests) are logged and absorbed; everything else ends the vcpu.
func (r *Runner) loop(cpu Resource) error {
	for {
		exit, err := cpu.Run()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrResume, err)
		}

		switch exit.Reason {
		case ExitMemory:
			if err := r.mmio.Handle(cpu, r.mem, exit.Mem); err != nil {
				if errors.Is(err, decode.ErrUnsupported) {
					slog.Warn("dropping undecodable mmio access",
						"vcpu", r.id, "addr", exit.Mem.Addr, "err", err)

					continue
				}

				return err
			}

		case ExitPort:
			if err := r.handlePort(exit.Port); err != nil {
				return err
			}

		case ExitInterrupt:
			if err := r.ctl.SignalInterrupt(exit.Vector); err != nil {
				return err
			}

		case ExitStartup:
			if r.id != 0 {
				slog.Warn("rejecting vcpu startup request",
					"vcpu", r.id, "target", exit.Target, "err", ErrStartupSource)

				continue
			}

			if err := r.ctl.StartVcpu(exit.Target, exit.Entry); err != nil {
				slog.Warn("vcpu startup request failed",
					"target", exit.Target, "entry", exit.Entry, "err", err)
			}

		case ExitStopped:
			return nil

		default:
			return fmt.Errorf("%w: %d", ErrExitReason, exit.Reason)
		}
	}
}

// handlePort forwards a port trap to its device, one access width per
// repetition of a string instruction.
func (r *Runner) handlePort(p *PortTrap) error {
	size := int(p.Size)
	if size == 0 || len(p.Data)%size != 0 {
		return fmt.Errorf("%w: %d bytes for width %d", ErrDataIntegrity, len(p.Data), p.Size)
	}

	for off := 0; off < len(p.Data); off += size {
		chunk := p.Data[off : off+size]

		var err error
		if p.IsIn {
			err = r.pio.Read(p.Key, uint64(p.Port), chunk)
		} else {
			err = r.pio.Write(p.Key, uint64(p.Port), chunk)
		}

		if err != nil {
			return err
		}
	}

	return nil
}
