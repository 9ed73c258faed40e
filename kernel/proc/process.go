// Package proc implements the process abstraction and the round-robin
// scheduler that picks which process's trap frame to resume.
package proc

import (
	"sync/atomic"
	"unsafe"
	"waterbear/kernel"
	"waterbear/kernel/elf"
	"waterbear/kernel/mem"
	"waterbear/kernel/mem/vmm"
	"waterbear/kernel/trapframe"
)

const (
	// TrapFrameVaddr is the fixed virtual address, identical in every
	// address space, at which a process's own TrapFrame is mapped so the
	// trampoline can reach it regardless of which satp is loaded.
	TrapFrameVaddr = 0x0000003ffffff000

	// TrampolineVaddr is the fixed virtual address of the trampoline code
	// page, mapped R|X (no User) in every address space.
	TrampolineVaddr = 0x0000003fffffe000

	// UserStackPages is the number of pages given to a process's initial
	// user stack.
	UserStackPages = 4

	// KernelStackPages is the number of pages given to a process's
	// kernel-only trap stack.
	KernelStackPages = 4
)

var nextPid uint64 = 1

func allocatePid() uint64 {
	return atomic.AddUint64(&nextPid, 1) - 1
}

// ptrAtFn resolves a physical address to a pointer. Physical memory is
// identity-mapped in kernel space, so the default implementation is a bare
// cast; tests override it to point at regular Go-allocated memory.
var ptrAtFn = func(physAddr uintptr) unsafe.Pointer {
	return unsafe.Pointer(physAddr)
}

// Process bundles everything the kernel needs to run, suspend and tear down
// one user-mode program: its address space, its trap frame, its lifecycle
// state and the kernel-owned resources not reachable through the address
// space's own ownership tree.
type Process struct {
	Pid   uint64
	State State

	Table     *vmm.PageTable
	TrapFrame *trapframe.TrapFrame

	kernelStackBase uintptr
	trapFramePhys   uintptr
	entryPoint      uint64
}

// New constructs a process from an ELF image: it builds a fresh address
// space, allocates a kernel trap stack, maps a user stack and the trampoline, loads
// the image, and wires up the TrapFrame so the process is ready to Run.
// kernelTable is the kernel's own root table; Run is responsible for
// pointing kernelTable's TrapFrameVaddr leaf at this process's TrapFrame
// before the process actually runs, since that single shared slot must be
// re-pointed at whichever process is about to execute.
func New(elfImage []byte, alloc vmm.FrameAllocator, kernelTable *vmm.PageTable, kernelTrapHandler uint64, trampolinePhys uintptr) (*Process, *kernel.Error) {
	table, err := vmm.NewPageTable(alloc)
	if err != nil {
		return nil, err
	}

	kernelStackBase, err := alloc.Allocate(mem.Size(KernelStackPages) * mem.PageSize)
	if err != nil {
		return nil, err
	}

	userStackBase, err := alloc.Allocate(mem.Size(UserStackPages) * mem.PageSize)
	if err != nil {
		return nil, err
	}
	userStackTop := userStackBase + uintptr(UserStackPages)*uintptr(mem.PageSize)
	for i := 0; i < UserStackPages; i++ {
		page := userStackBase + uintptr(i)*uintptr(mem.PageSize)
		if err := table.MapPage(page, page, vmm.FlagRead|vmm.FlagWrite|vmm.FlagUser, alloc); err != nil {
			return nil, err
		}
	}

	if err := table.MapPage(TrampolineVaddr, trampolinePhys, vmm.FlagRead|vmm.FlagExecute, alloc); err != nil {
		return nil, err
	}

	entry, err := elf.Load(elfImage, table, alloc)
	if err != nil {
		return nil, err
	}

	trapFramePhys, err := alloc.Allocate(mem.PageSize)
	if err != nil {
		return nil, err
	}

	tf := (*trapframe.TrapFrame)(ptrAtFn(trapFramePhys))
	*tf = trapframe.TrapFrame{
		KernelSatp:        kernelTable.BuildSatp(),
		KernelTrapHandler: kernelTrapHandler,
		KernelSP:          uint64(kernelStackBase + uintptr(KernelStackPages)*uintptr(mem.PageSize)),
	}
	tf.User.Satp = table.BuildSatp()
	tf.User.SP = uint64(userStackTop)
	tf.User.PC = entry

	if err := table.MapPage(TrapFrameVaddr, trapFramePhys, vmm.FlagRead|vmm.FlagWrite, alloc); err != nil {
		return nil, err
	}

	p := &Process{
		Pid:             allocatePid(),
		State:           State{Kind: Ready},
		Table:           table,
		TrapFrame:       tf,
		kernelStackBase: kernelStackBase,
		trapFramePhys:   trapFramePhys,
		entryPoint:      entry,
	}
	return p, nil
}

// Destroy releases every resource this process owns. The page table's own
// Free call reclaims every user leaf frame and child table reachable from
// it (the ELF segments, the user stack); the root table's own frame, the
// kernel trap stack and the TrapFrame itself are released here explicitly.
// kernelTable's TrapFrameVaddr leaf is a single slot shared by every
// process (re-pointed at whichever process Run last installed); it is only
// unmapped here if it still points at this process's own TrapFrame, since
// otherwise a later process has already re-pointed it and unmapping it
// would corrupt a live process's kernel-side access to its TrapFrame.
func (p *Process) Destroy(alloc vmm.FrameAllocator, kernelTable *vmm.PageTable) {
	if installed, err := kernelTable.PhysicalAddr(TrapFrameVaddr); err == nil && installed == p.trapFramePhys {
		kernelTable.Unmap(TrapFrameVaddr)
	}
	rootPhys := uintptr(p.Table.BuildSatp()&(1<<mem.SatpModeShift-1)) << mem.PageShift
	p.Table.Free(alloc)
	alloc.Deallocate(rootPhys)
	alloc.Deallocate(p.kernelStackBase)
	alloc.Deallocate(p.trapFramePhys)
}

// Run points kernelTable's TrapFrameVaddr leaf at this process's own
// TrapFrame, since the slot is shared by every process and must be
// re-installed on every switch, not just the first time a process runs.
// It then writes the TrapFrame pointer to the per-hart scratch CSR and
// transfers control to the trampoline's user-entry path. It does not
// return on success; control comes back into the kernel only through a
// later trap. It returns an error only if the kernelTable remap itself
// fails, which the caller should treat as fatal.
func (p *Process) Run(kernelTable *vmm.PageTable, alloc vmm.FrameAllocator, writeScratch func(uintptr), enterUser func()) *kernel.Error {
	if err := kernelTable.MapPage(TrapFrameVaddr, p.trapFramePhys, vmm.FlagRead|vmm.FlagWrite, alloc); err != nil {
		return err
	}
	writeScratch(TrapFrameVaddr)
	enterUser()
	return nil
}
