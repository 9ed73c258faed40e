// Package trapframe defines the per-process structure through which user
// register state crosses the kernel/user boundary, and the fixed register
// order the trampoline and the kernel agree on.
package trapframe

import "waterbear/kernel/kfmt"

// Registers holds the full user-mode general-purpose register file in the
// canonical order the trampoline spills to and restores from. satp and pc
// are saved alongside the integer registers because both must be
// reestablished, in that order, before a trap returns to user mode.
type Registers struct {
	Satp uint64
	PC   uint64
	SP   uint64
	RA   uint64
	GP   uint64
	TP   uint64

	A0, A1, A2, A3, A4, A5, A6, A7 uint64

	T0, T1, T2, T3, T4, T5, T6 uint64

	S0, S1, S2, S3, S4, S5, S6, S7, S8, S9 uint64
}

// Zero clears every register except satp, which the caller is expected to
// retain when delivering a user interrupt handler.
func (r *Registers) Zero() {
	satp := r.Satp
	*r = Registers{}
	r.Satp = satp
}

// Print dumps the register file, mirroring the layout used when logging a
// fatal user-mode fault.
func (r *Registers) Print() {
	kfmt.Printf("satp = %16x pc = %16x\n", r.Satp, r.PC)
	kfmt.Printf("sp   = %16x ra = %16x\n", r.SP, r.RA)
	kfmt.Printf("gp   = %16x tp = %16x\n", r.GP, r.TP)
	kfmt.Printf("a0 = %x a1 = %x a2 = %x a3 = %x\n", r.A0, r.A1, r.A2, r.A3)
	kfmt.Printf("a4 = %x a5 = %x a6 = %x a7 = %x\n", r.A4, r.A5, r.A6, r.A7)
}
