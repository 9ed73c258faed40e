// Package trap implements the kernel's trap dispatcher (component F of the
// design): it reads the scause CSR, classifies the trap as an interrupt or
// an exception, and routes it to the scheduler, the syscall layer, or a
// registered interrupt handler. It is also where user-mode interrupt
// delivery (component K) lives, since both are triggered from the same
// external-interrupt path.
package trap

import (
	"waterbear/kernel"
	"waterbear/kernel/cpu"
	"waterbear/kernel/kfmt"
	"waterbear/kernel/mem"
	"waterbear/kernel/mem/vmm"
	"waterbear/kernel/plic"
	"waterbear/kernel/proc"
	"waterbear/kernel/syscall"
)

// scause layout: the top bit distinguishes interrupt from exception; the
// low bits give the specific cause code within each class.
const (
	scauseInterruptBit = uint64(1) << 63

	causeSupervisorSoftwareInterrupt = 1
	causeSupervisorExternalInterrupt = 9
	causeUserEcall                   = 8
)

var (
	errNoCurrentProcess  = &kernel.Error{Module: "trap", Message: "trap taken with no current process"}
	errNoHandlerForIRQ   = &kernel.Error{Module: "trap", Message: "external interrupt claimed with no kernel or user handler registered"}
	errIRQStackExhausted = &kernel.Error{Module: "trap", Message: "could not allocate or map a stack for user interrupt delivery"}
)

// Hardware indirections. Every one of these is a real CSR or wfi access on
// riscv64; tests substitute fakes so the dispatch logic can run on the
// host.
var (
	readSCauseFn                   = cpu.ReadSCause
	readSTvalFn                    = cpu.ReadSTval
	readSepcFn                     = cpu.ReadSepc
	enableInterruptsFn             = cpu.EnableInterrupts
	haltFn                         = cpu.Halt
	clearSoftwareInterruptPendingFn = cpu.ClearSoftwareInterruptPending
	writeScratchFn                 = cpu.WriteSscratch
	enterUserFn                    = cpu.EnterUser
)

// EntryVaddr is the fixed kernel-space virtual address every process's
// TrapFrame.KernelTrapHandler field carries. Arranging for a jump to this
// address to actually reach the package-level Entry function below is the
// boot assembly's job (see the trampoline contract); the kernel Go code
// only needs a stable value to stamp into every TrapFrame it builds.
const EntryVaddr uint64 = 0x0000003ffffd000

// System owns every kernel subsystem the trap dispatcher needs to reach.
type System struct {
	Syscall   *syscall.Kernel
	Scheduler *proc.Scheduler
	Alloc     vmm.FrameAllocator

	kernelHandlers map[uint32]func()
}

// NewSystem wires together the subsystems the trap dispatcher needs.
func NewSystem(sc *syscall.Kernel, sched *proc.Scheduler, alloc vmm.FrameAllocator) *System {
	return &System{
		Syscall:        sc,
		Scheduler:      sched,
		Alloc:          alloc,
		kernelHandlers: make(map[uint32]func()),
	}
}

// RegisterKernelHandler arms a kernel-resident handler for an external
// interrupt id. Kernel handlers acknowledge immediately on return, unlike
// user handlers, which defer acknowledgement until CompleteInterrupt.
func (s *System) RegisterKernelHandler(id uint32, handler func()) {
	s.kernelHandlers[id] = handler
}

// active is the System instance wired up at boot. The boot assembly's
// trampoline jumps to the package-level Entry function below rather than
// to any method value, since it needs one fixed, well-known symbol address
// to record in every process's TrapFrame.KernelTrapHandler field.
var active *System

// Init installs the System that the package-level Entry function below
// delegates to. It must be called once, during Kmain, before any process
// can take a trap.
func Init(s *System) {
	active = s
}

// Entry is the symbol every process's TrapFrame.KernelTrapHandler names.
func Entry() {
	active.Handle()
}

// Handle runs one full trap: the trampoline's kernel-enter path calls Entry
// (above), with interrupts globally masked, after spilling user state into
// the TrapFrame and swapping to the kernel page table. Handle never returns
// to its caller: its tail always either resumes a process through the
// trampoline's user-entry path or parks the hart in wait-for-interrupt.
func (s *System) Handle() {
	current := s.Scheduler.Current()
	cause := readSCauseFn()

	if cause&scauseInterruptBit != 0 {
		s.handleInterrupt(current, cause&^scauseInterruptBit)
	} else {
		s.handleException(current, cause)
	}

	s.resumeNext()
}

func (s *System) handleException(current *proc.Process, cause uint64) {
	if current == nil {
		kfmt.Panic(errNoCurrentProcess)
	}

	if cause == causeUserEcall {
		current.TrapFrame.User.PC += 4
		if s.Syscall.Dispatch(current) == syscall.KillCaller {
			s.Syscall.Terminate(current)
		}
		return
	}

	addr := readSTvalFn()
	pc := readSepcFn()
	kfmt.Printf("[trap] fatal exception %d: pid=%d pc=0x%x addr=0x%x\n", cause, current.Pid, pc, addr)
	s.Syscall.Terminate(current)
}

func (s *System) handleInterrupt(current *proc.Process, code uint64) {
	switch code {
	case causeSupervisorSoftwareInterrupt:
		// A CLINT timer tick, re-routed through software interrupt.
		// Acknowledging it and falling through to resumeNext is
		// enough to force a reschedule.
		clearSoftwareInterruptPendingFn()

	case causeSupervisorExternalInterrupt:
		id := plic.Claim()
		if id == 0 {
			return
		}

		if pid, handlerVaddr, ok := s.Syscall.UserHandlerFor(id); ok {
			s.deliverUserInterrupt(current, pid, handlerVaddr, id)
			return
		}

		if handler, ok := s.kernelHandlers[id]; ok {
			handler()
			plic.Complete(id)
			return
		}

		kfmt.Panic(errNoHandlerForIRQ)
	}
}

// deliverUserInterrupt implements component K: it snapshots the target
// process's register file and lifecycle state into a HandlingInterrupt
// wrapper, gives it a fresh one-page stack, and redirects it to the
// registered handler address. Acknowledgement to the PLIC is deliberately
// not performed here; it happens when the handler calls CompleteInterrupt.
func (s *System) deliverUserInterrupt(current *proc.Process, pid uint64, handlerVaddr uint64, irqID uint32) {
	if current != nil && current.State.Kind == proc.Running {
		current.State = proc.State{Kind: proc.Ready}
	}

	target := s.Scheduler.ByPid(pid)
	if target == nil {
		return
	}
	if target.State.Kind == proc.HandlingInterrupt {
		// This design does not nest user interrupt handlers; the
		// interrupt is simply dropped.
		return
	}

	savedState := target.State
	savedRegs := target.TrapFrame.User

	stackBase, err := s.Alloc.Allocate(mem.PageSize)
	if err != nil {
		kfmt.Panic(errIRQStackExhausted)
	}
	if merr := target.Table.MapPage(stackBase, stackBase, vmm.FlagRead|vmm.FlagWrite|vmm.FlagUser, s.Alloc); merr != nil {
		kfmt.Panic(errIRQStackExhausted)
	}

	target.State = proc.State{
		Kind:           proc.HandlingInterrupt,
		SavedState:     &savedState,
		SavedRegisters: savedRegs,
		IRQID:          irqID,
		IRQStackVaddr:  stackBase,
	}

	target.TrapFrame.User.Zero()
	target.TrapFrame.User.Satp = savedRegs.Satp
	target.TrapFrame.User.SP = uint64(stackBase) + uint64(mem.PageSize)
	target.TrapFrame.User.PC = handlerVaddr
}

// resumeNext picks the next runnable process and re-enters user mode
// through the trampoline. If nothing is runnable it parks the hart in
// wait-for-interrupt and retries once woken, never busy-spinning.
func (s *System) resumeNext() {
	for {
		next := s.Scheduler.Pick()
		if next != nil {
			enableInterruptsFn()
			if err := next.Run(s.Syscall.KernelTable, s.Alloc, writeScratchFn, enterUserFn); err != nil {
				kfmt.Panic(err)
			}
			return
		}
		enableInterruptsFn()
		haltFn()
	}
}
