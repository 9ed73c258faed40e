package vmm

// PageTableEntryFlag describes a flag that can be applied to a page table
// entry. The bit positions match the RISC-V Sv39 PTE format.
type PageTableEntryFlag uintptr

// Page table entry flag bits, per the Sv39 PTE layout.
const (
	FlagValid PageTableEntryFlag = 1 << iota
	FlagRead
	FlagWrite
	FlagExecute
	FlagUser
	FlagGlobal
	FlagAccessed
	FlagDirty
)

// legalLeafPermissions enumerates the only R/W/X/U combinations the kernel
// ever installs in a leaf entry (Valid is implied and ORed in separately).
// W without R is never legal.
var legalLeafPermissions = map[PageTableEntryFlag]bool{
	FlagRead:                       true,
	FlagRead | FlagExecute:         true,
	FlagRead | FlagWrite:           true,
	FlagRead | FlagUser:            true,
	FlagRead | FlagWrite | FlagUser:   true,
	FlagRead | FlagExecute | FlagUser: true,
}

// legalLeaf reports whether the R/W/X/U subset of flags is one of the
// combinations a leaf entry is allowed to carry.
func legalLeaf(flags PageTableEntryFlag) bool {
	return legalLeafPermissions[flags&(FlagRead|FlagWrite|FlagExecute|FlagUser)]
}
