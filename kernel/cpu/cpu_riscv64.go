// Package cpu exposes the handful of privileged RISC-V operations that the
// rest of the kernel needs: interrupt masking, CSR access and the
// instructions used to enter/leave a halted state. Every function in this
// file is implemented in the companion assembly stub that ships with the
// boot code; this file only declares the Go-visible signatures.
package cpu

// Halt executes wfi in a loop, parking the hart until the next interrupt.
// It is the body of the scheduler's idle path.
func Halt()

// EnableInterrupts sets the SIE bit in sstatus, allowing supervisor
// interrupts to be taken.
func EnableInterrupts()

// DisableInterrupts clears the SIE bit in sstatus and returns the previous
// value of the bit so that it can be restored later.
func DisableInterrupts() bool

// RestoreInterrupts sets the SIE bit in sstatus back to the value returned
// by a previous call to DisableInterrupts.
func RestoreInterrupts(wasEnabled bool)

// ReadSatp returns the current value of the satp CSR.
func ReadSatp() uint64

// WriteSatp installs a new root page table by writing satp. The TLB is not
// flushed; the new mapping only takes effect for translations issued after
// the write, which on a single hart is always true for the hart that
// performed it.
func WriteSatp(satp uint64)

// ReadSCause returns the scause CSR, whose top bit distinguishes interrupts
// from exceptions and whose low bits give the specific cause code.
func ReadSCause() uint64

// ReadSTval returns the stval CSR, which holds the faulting address for
// page faults and the illegal instruction bits for illegal-instruction
// exceptions.
func ReadSTval() uint64

// ReadSepc returns the sepc CSR: the program counter of the instruction
// that trapped.
func ReadSepc() uint64

// WriteSepc overwrites the sepc CSR.
func WriteSepc(pc uint64)

// ReadTime returns the CLINT-backed mtime counter, a free-running 64-bit
// tick count used to implement Sleep and DurationSinceBootup.
func ReadTime() uint64

// ClearSoftwareInterruptPending clears the SSIP bit in sip, acknowledging
// the timer tick that the CLINT delivers as a supervisor software
// interrupt. It must be called before returning from a timer trap or the
// interrupt is immediately retaken.
func ClearSoftwareInterruptPending()

// WriteSscratch stores a value (the current process's TrapFrame pointer) in
// the supervisor scratch CSR, where the trampoline can retrieve it on the
// next trap without clobbering any general-purpose register.
func WriteSscratch(value uintptr)

// ReadSscratch returns the value previously stored with WriteSscratch.
func ReadSscratch() uintptr

// EnterUser transfers control to user mode via the trampoline's user-entry
// path, restoring the register file from the TrapFrame addressed by the
// scratch CSR and executing sret. It never returns to its caller; control
// comes back into the kernel only through a later trap.
func EnterUser()

// Shutdown issues an SBI system_reset call requesting a clean power-off. It
// does not return on success. No syscall in this design exposes it yet; it
// exists so the privileged-instruction surface is complete for a future
// supervisor-only syscall.
func Shutdown()

// Reboot issues an SBI system_reset call requesting a warm reset. Like
// Shutdown, it does not return on success and is not yet reachable from any
// syscall.
func Reboot()
