// Package kmain assembles every other kernel package into the boot
// sequence described by the system overview: bring up the physical frame
// allocator and the kernel's own root page table, start the server
// registry and scheduler, construct the root process from an embedded ELF
// image, and enter the trap-driven run loop that never returns.
package kmain

import (
	"waterbear/kernel"
	"waterbear/kernel/cpu"
	"waterbear/kernel/ipc"
	"waterbear/kernel/kfmt"
	"waterbear/kernel/mem/pmm"
	"waterbear/kernel/mem/vmm"
	"waterbear/kernel/plic"
	"waterbear/kernel/proc"
	"waterbear/kernel/syscall"
	"waterbear/kernel/trap"
)

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

// Config carries everything the boot assembly stub knows that Kmain does
// not: the bounds of the heap it may hand out as physical frames, the
// embedded root program image, the physical frame backing the trampoline
// code page, and the platform's PLIC controller.
type Config struct {
	HeapStart, HeapEnd uintptr
	RootELF            []byte
	TrampolinePhys     uintptr
	PLIC               plic.Controller
}

// Kmain is the only Go symbol the rt0 entry stub calls, once it has parked
// any secondary harts, set up a minimal boot stack, and dropped into
// supervisor mode. It is not expected to return; if it does, that is a
// kernel bug, logged and turned into a panic rather than silently falling
// off the end of _start.
//
//go:noinline
func Kmain(cfg Config) {
	var alloc pmm.BitmapAllocator
	alloc.Init(cfg.HeapStart, cfg.HeapEnd)

	plic.Init(cfg.PLIC)

	kernelTable, err := vmm.NewPageTable(&alloc)
	if err != nil {
		kfmt.Panic(err)
	}
	if err := kernelTable.MapPage(cfg.TrampolinePhys, cfg.TrampolinePhys, vmm.FlagRead|vmm.FlagExecute, &alloc); err != nil {
		kfmt.Panic(err)
	}

	registry := ipc.NewRegistry()
	sched := proc.NewScheduler(registry, cpu.ReadTime)

	k := syscall.NewKernel(sched, registry, &alloc, kernelTable, cfg.TrampolinePhys, trap.EntryVaddr)
	sys := trap.NewSystem(k, sched, &alloc)
	trap.Init(sys)

	root, perr := proc.New(cfg.RootELF, &alloc, kernelTable, trap.EntryVaddr, cfg.TrampolinePhys)
	if perr != nil {
		kfmt.Panic(perr)
	}
	sched.Add(root)

	first := sched.Pick()
	if first == nil {
		kfmt.Panic(errKmainReturned)
	}
	if err := first.Run(kernelTable, &alloc, cpu.WriteSscratch, cpu.EnterUser); err != nil {
		kfmt.Panic(err)
	}

	// Unreachable: EnterUser never returns. Control re-enters the kernel
	// only through trap.Entry, which is driven entirely from the
	// trampoline rather than from this call stack.
	kfmt.Panic(errKmainReturned)
}
