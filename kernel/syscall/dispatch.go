// Package syscall implements the dispatcher that demultiplexes a user
// ecall, read off the a7 register, onto the kernel subsystems it names.
package syscall

import (
	"unsafe"
	"waterbear/kernel"
	"waterbear/kernel/clint"
	"waterbear/kernel/ipc"
	"waterbear/kernel/kfmt"
	"waterbear/kernel/mem"
	"waterbear/kernel/mem/vmm"
	"waterbear/kernel/plic"
	"waterbear/kernel/proc"
	"waterbear/kernel/trapframe"
)

// Numeric syscall codes, carried in a7.
const (
	Exit = iota
	Sleep
	SleepUntilMessageReceived
	IdentityMap
	SendMessage
	ReceiveMessage
	RegisterServer
	Spawn
	Allocate
	Deallocate
	DurationSinceBootup
	RegisterInterruptHandler
	CompleteInterrupt
	TransferMemory
)

// NoValue is the sentinel written to a result register to signal "no
// value" or failure, per the syscall ABI.
const NoValue = ^uint64(0)

// defaultIRQPriority is the priority every user-registered interrupt
// source is armed with. This kernel has no notion of relative interrupt
// priority between user drivers, so every source gets the same one.
const defaultIRQPriority = 1

var errIRQHandlerCollision = &kernel.Error{Module: "syscall", Message: "a handler is already registered for this interrupt id"}

// irqHandler records a registered user interrupt handler.
type irqHandler struct {
	pid          uint64
	handlerVaddr uint64
}

// Kernel bundles every subsystem the dispatcher needs to reach in order to
// service a syscall on behalf of the currently running process.
type Kernel struct {
	Scheduler      *proc.Scheduler
	Registry       *ipc.Registry
	Alloc          vmm.FrameAllocator
	KernelTable    *vmm.PageTable
	TrampolinePhys uintptr
	TrapHandler    uint64

	irqHandlers map[uint32]irqHandler
}

// NewKernel wires together the subsystems the dispatcher needs.
func NewKernel(sched *proc.Scheduler, registry *ipc.Registry, alloc vmm.FrameAllocator, kernelTable *vmm.PageTable, trampolinePhys uintptr, trapHandler uint64) *Kernel {
	return &Kernel{
		Scheduler:      sched,
		Registry:       registry,
		Alloc:          alloc,
		KernelTable:    kernelTable,
		TrampolinePhys: trampolinePhys,
		TrapHandler:    trapHandler,
		irqHandlers:    make(map[uint32]irqHandler),
	}
}

// Outcome tells the trap dispatcher what should happen to the calling
// process after Dispatch returns.
type Outcome int

const (
	// ContinueRunning leaves the process's state as the handler set it
	// (Ready, Sleeping, etc.) and lets the scheduler pick the next
	// process normally.
	ContinueRunning Outcome = iota
	// KillCaller means the process violated the syscall's protocol; the
	// trap dispatcher is responsible for tearing it down.
	KillCaller
	// Exited means the process called Exit; it has already been torn
	// down by Dispatch itself.
	Exited
)

// Dispatch services the syscall named by p's a7 register, mutating p's
// trap frame result registers and its lifecycle state. It returns what the
// trap dispatcher should do with the calling process afterwards.
func (k *Kernel) Dispatch(p *proc.Process) Outcome {
	regs := &p.TrapFrame.User

	switch regs.A7 {
	case Exit:
		k.Terminate(p)
		return Exited

	case Sleep:
		wakeAt := clint.Ticks() + clint.DurationToTicks(regs.A0, regs.A1)
		p.State = proc.State{Kind: proc.Sleeping, WakeAt: wakeAt}
		return ContinueRunning

	case SleepUntilMessageReceived:
		p.State = proc.State{Kind: proc.WaitUntilMessageReceived}
		return ContinueRunning

	case IdentityMap:
		return k.doIdentityMap(p, regs)

	case SendMessage:
		return k.doSendMessage(p, regs)

	case ReceiveMessage:
		k.doReceiveMessage(p, regs)
		return ContinueRunning

	case RegisterServer:
		k.doRegisterServer(p, regs)
		return ContinueRunning

	case Spawn:
		k.doSpawn(p, regs)
		return ContinueRunning

	case Allocate:
		k.doAllocate(p, regs)
		return ContinueRunning

	case Deallocate:
		return k.doDeallocate(p, regs)

	case DurationSinceBootup:
		secs, nanos := clint.Now()
		regs.A0, regs.A1 = secs, nanos
		return ContinueRunning

	case RegisterInterruptHandler:
		k.doRegisterInterruptHandler(p, regs)
		return ContinueRunning

	case CompleteInterrupt:
		return k.doCompleteInterrupt(p)

	case TransferMemory:
		return k.doTransferMemory(p, regs)

	default:
		return KillCaller
	}
}

// Terminate removes p from the system: its queued and outgoing messages are
// purged from the IPC registry, any parent blocked in ChildExited on p's
// pid is woken, p is dropped from the scheduler queue, and every frame it
// owns is released. It is used both for a clean Exit and to tear down a
// process killed for a protocol violation.
func (k *Kernel) Terminate(p *proc.Process) {
	k.Registry.RemoveByPid(p.Pid)

	for _, other := range k.Scheduler.All() {
		if other.State.Kind == proc.ChildExited && other.State.ChildPid == p.Pid {
			other.State = proc.State{Kind: proc.Ready}
		}
	}

	k.Scheduler.Remove(p.Pid)
	p.Destroy(k.Alloc, k.KernelTable)
}

// UserHandlerFor reports the pid and handler virtual address registered for
// irqID, if any. The trap dispatcher consults this on every external
// interrupt to decide between kernel handling and user delivery.
func (k *Kernel) UserHandlerFor(irqID uint32) (pid uint64, handlerVaddr uint64, ok bool) {
	h, ok := k.irqHandlers[irqID]
	return h.pid, h.handlerVaddr, ok
}

// pageAligned reports whether both bounds describe a page-aligned
// [start, endInclusive] range, as IdentityMap and TransferMemory require.
func pageAligned(start, endInclusive uint64) bool {
	return start%uint64(mem.PageSize) == 0 && (endInclusive+1)%uint64(mem.PageSize) == 0
}

func (k *Kernel) doIdentityMap(p *proc.Process, regs *trapframe.Registers) Outcome {
	start, end := regs.A0, regs.A1
	if !pageAligned(start, end) {
		return KillCaller
	}

	if _, err := k.KernelTable.PhysicalAddr(uintptr(start)); err != nil {
		return KillCaller
	}
	if _, err := k.KernelTable.PhysicalAddr(uintptr(end)); err != nil {
		return KillCaller
	}

	if err := p.Table.IdentityMap(uintptr(start), uintptr(end), vmm.FlagRead|vmm.FlagWrite|vmm.FlagUser, k.Alloc); err != nil {
		return KillCaller
	}
	return ContinueRunning
}

func (k *Kernel) doSendMessage(p *proc.Process, regs *trapframe.Registers) Outcome {
	caller, err := k.Registry.GetByPid(p.Pid)
	if err != nil {
		return KillCaller
	}

	receiver, err := k.Registry.GetBySid(regs.A0)
	if err != nil {
		return KillCaller
	}

	msg := ipc.Message{
		Identifier: regs.A1,
		SenderPid:  p.Pid,
		SenderSid:  caller.Sid,
		Data:       [5]uint64{regs.A2, regs.A3, regs.A4, regs.A5, regs.A6},
	}
	k.Registry.Send(receiver, msg)

	if target := k.Scheduler.ByPid(receiver.Pid); target != nil && target.State.Kind == proc.WaitUntilMessageReceived {
		target.State = proc.State{Kind: proc.Ready}
	}

	if p.State.Kind != proc.HandlingInterrupt {
		p.State = proc.State{Kind: proc.MessageSent, ReceiverSid: receiver.Sid}
	}
	return ContinueRunning
}

// doReceiveMessage drains the caller's own mailbox. The full envelope
// (identifier, sender pid, sender sid and all five data words) does not fit
// in the a0-a6 range most other syscalls use, so this one also returns its
// last word in a7, which is otherwise free once the syscall number it
// carried on entry has been consumed.
func (k *Kernel) doReceiveMessage(p *proc.Process, regs *trapframe.Registers) {
	server, err := k.Registry.GetByPid(p.Pid)
	if err != nil {
		regs.A0 = NoValue
		return
	}

	msg, ok := k.Registry.Receive(server)
	if !ok {
		regs.A0 = NoValue
		return
	}

	regs.A0 = msg.Identifier
	regs.A1 = msg.SenderPid
	regs.A2 = msg.SenderSid
	regs.A3, regs.A4, regs.A5, regs.A6, regs.A7 = msg.Data[0], msg.Data[1], msg.Data[2], msg.Data[3], msg.Data[4]

	if sender := k.Scheduler.ByPid(msg.SenderPid); sender != nil &&
		sender.State.Kind == proc.MessageSent && sender.State.ReceiverSid == server.Sid {
		sender.State = proc.State{Kind: proc.Ready}
	}
}

func (k *Kernel) doRegisterServer(p *proc.Process, regs *trapframe.Registers) {
	var requested *uint64
	if regs.A0 != 0 {
		name := regs.A0
		requested = &name
	}

	sid, err := k.Registry.Register(p.Pid, requested)
	if err != nil {
		regs.A0 = NoValue
		return
	}
	regs.A0 = sid
}

func (k *Kernel) doSpawn(p *proc.Process, regs *trapframe.Registers) {
	elfPtr, elfLen, blocking := regs.A0, regs.A1, regs.A2 != 0

	img, rerr := readUserBytes(p.Table, elfPtr, elfLen)
	if rerr != nil {
		regs.A0 = NoValue
		return
	}

	child, cerr := proc.New(img, k.Alloc, k.KernelTable, k.TrapHandler, k.TrampolinePhys)
	if cerr != nil {
		regs.A0 = NoValue
		return
	}

	k.Scheduler.Add(child)
	regs.A0 = child.Pid

	if blocking {
		p.State = proc.State{Kind: proc.ChildExited, ChildPid: child.Pid}
	}
}

func (k *Kernel) doAllocate(p *proc.Process, regs *trapframe.Registers) {
	size := mem.Size(regs.A0)
	base, err := k.Alloc.Allocate(size)
	if err != nil {
		regs.A0 = 0
		return
	}

	pages := (size + mem.PageSize - 1) / mem.PageSize
	for i := mem.Size(0); i < pages; i++ {
		page := base + uintptr(i)*uintptr(mem.PageSize)
		if merr := p.Table.MapPage(page, page, vmm.FlagRead|vmm.FlagWrite|vmm.FlagUser, k.Alloc); merr != nil {
			regs.A0 = 0
			return
		}
	}
	regs.A0 = uint64(base)
}

// runSizer is satisfied by allocators that can report how many pages a
// previously allocated run spans. Deallocate needs it to clear every page
// table entry the caller mapped for the run, not just its first page.
type runSizer interface {
	RunPages(ptr uintptr) (uint64, bool)
}

func (k *Kernel) doDeallocate(p *proc.Process, regs *trapframe.Registers) Outcome {
	ptr := uintptr(regs.A0)
	if _, err := p.Table.PhysicalAddr(ptr); err != nil {
		return KillCaller
	}

	pages := uint64(1)
	if rs, ok := k.Alloc.(runSizer); ok {
		if n, found := rs.RunPages(ptr); found {
			pages = n
		}
	}

	for i := uint64(0); i < pages; i++ {
		p.Table.Unmap(ptr + uintptr(i)*uintptr(mem.PageSize))
	}

	k.Alloc.Deallocate(ptr)
	return ContinueRunning
}

func (k *Kernel) doRegisterInterruptHandler(p *proc.Process, regs *trapframe.Registers) {
	id := uint32(regs.A0)
	if _, exists := k.irqHandlers[id]; exists {
		kfmt.Panic(errIRQHandlerCollision)
	}

	k.irqHandlers[id] = irqHandler{pid: p.Pid, handlerVaddr: regs.A1}
	plic.EnableSource(id, defaultIRQPriority)
}

func (k *Kernel) doCompleteInterrupt(p *proc.Process) Outcome {
	if p.State.Kind != proc.HandlingInterrupt {
		return KillCaller
	}

	saved := p.State
	p.Table.Unmap(saved.IRQStackVaddr)
	k.Alloc.Deallocate(saved.IRQStackVaddr)

	p.TrapFrame.User = saved.SavedRegisters
	if saved.SavedState != nil {
		p.State = *saved.SavedState
	} else {
		p.State = proc.State{Kind: proc.Ready}
	}

	plic.Complete(saved.IRQID)
	return ContinueRunning
}

func (k *Kernel) doTransferMemory(p *proc.Process, regs *trapframe.Registers) Outcome {
	toSid, start, end := regs.A0, regs.A1, regs.A2
	if !pageAligned(start, end) {
		return KillCaller
	}

	receiver, err := k.Registry.GetBySid(toSid)
	if err != nil {
		return KillCaller
	}
	recipient := k.Scheduler.ByPid(receiver.Pid)
	if recipient == nil {
		return KillCaller
	}

	for vaddr := start; vaddr <= end; vaddr += uint64(mem.PageSize) {
		paddr, terr := p.Table.PhysicalAddr(uintptr(vaddr))
		if terr != nil {
			return KillCaller
		}
		p.Table.Unmap(uintptr(vaddr))
		if merr := recipient.Table.MapPage(paddr, paddr, vmm.FlagRead|vmm.FlagWrite|vmm.FlagUser, k.Alloc); merr != nil {
			return KillCaller
		}
	}
	return ContinueRunning
}

// readUserBytes copies length bytes starting at the caller's virtual
// address vaddr into a fresh kernel-owned slice, walking table page by page
// since the source range need not be backed by contiguous physical frames.
func readUserBytes(table *vmm.PageTable, vaddr uint64, length uint64) ([]byte, *kernel.Error) {
	out := make([]byte, length)

	var copied uint64
	for copied < length {
		va := uintptr(vaddr) + uintptr(copied)
		pageVA := va &^ uintptr(mem.PageSize-1)
		offset := va - pageVA

		pa, err := table.PhysicalAddr(pageVA)
		if err != nil {
			return nil, err
		}

		n := uintptr(mem.PageSize) - offset
		if remaining := uintptr(length - copied); remaining < n {
			n = remaining
		}

		kernel.Memcopy(pa+offset, uintptr(unsafe.Pointer(&out[copied])), n)
		copied += uint64(n)
	}

	return out, nil
}
