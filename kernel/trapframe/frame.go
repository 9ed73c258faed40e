package trapframe

// TrapFrame is the fixed-layout structure through which a process crosses
// the user/kernel boundary. It is mapped at the same virtual address in
// both the kernel's root table and the owning process's table, so that the
// trampoline can reach it regardless of which satp is currently loaded.
//
// Ownership stays with the Process that created it (see the proc package);
// the kernel-side mapping is a reference that is torn down, but never
// frees the frame, when the process exits.
type TrapFrame struct {
	// KernelSatp is loaded into satp whenever a trap moves control from
	// user mode back into the kernel.
	KernelSatp uint64

	// KernelTrapHandler is the virtual address, in kernel space, that the
	// trampoline jumps to after spilling user state on a trap.
	KernelTrapHandler uint64

	// KernelSP is the top of this process's kernel trap stack, loaded
	// into sp before the trampoline calls into KernelTrapHandler.
	KernelSP uint64

	// User holds the user-mode register file, saved and restored by the
	// trampoline on every crossing.
	User Registers
}
