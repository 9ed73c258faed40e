// Package vmm implements the Sv39 page table manager: a three-level,
// 9/9/9-bit virtual memory scheme with 4KiB pages and a 44-bit physical page
// number. Physical memory is identity-mapped in kernel space, so a
// PageTable can dereference its own and its children's physical frames
// directly instead of needing a temporary-mapping mechanism.
package vmm

import (
	"unsafe"
	"waterbear/kernel"
	"waterbear/kernel/mem"
	"waterbear/kernel/mem/pmm"
)

// entriesPerTable is the number of page table entries that fit in a single
// 4KiB Sv39 page table (512 entries of 8 bytes each).
const entriesPerTable = 1 << 9

// FrameAllocator is satisfied by the kernel's physical frame allocator. It
// is the only external dependency a PageTable needs in order to grow itself
// or release frames it owns.
type FrameAllocator interface {
	Allocate(size mem.Size) (uintptr, *kernel.Error)
	Deallocate(ptr uintptr) *kernel.Error
}

// ptrAtFn resolves a physical address to a pointer. Tests override this to
// point at regular Go-allocated memory instead of real physical frames.
var ptrAtFn = func(physAddr uintptr) unsafe.Pointer {
	return unsafe.Pointer(physAddr)
}

// PageTable is a single level of the Sv39 paging hierarchy. A root
// PageTable, reached via satp, exclusively owns every child PageTable it
// points to and every frame mapped with the User flag set; kernel leaves
// (identity-mapped MMIO and kernel image pages) are never freed by it.
type PageTable struct {
	frame pmm.Frame
}

// NewPageTable allocates and zero-initializes a fresh, empty page table.
func NewPageTable(alloc FrameAllocator) (*PageTable, *kernel.Error) {
	addr, err := alloc.Allocate(mem.PageSize)
	if err != nil {
		return nil, err
	}

	kernel.Memset(addr, 0, uintptr(mem.PageSize))
	return &PageTable{frame: pmm.FrameFromAddress(addr)}, nil
}

// entries returns a view over this table's 512 page table entries, read and
// written directly through its identity-mapped physical frame. Each access
// is a fresh volatile-style read of the backing memory: the entries are not
// cached across calls, since a concurrent walk on another path may have
// just installed a child table here.
func (t *PageTable) entries() *[entriesPerTable]pageTableEntry {
	return (*[entriesPerTable]pageTableEntry)(ptrAtFn(t.frame.Address()))
}

func vpnForLevel(vaddr uintptr, level int) uintptr {
	return (vaddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
}

// walk descends from the root to the level-0 (leaf) entry for vaddr,
// allocating intermediate tables on demand when create is true. It returns
// the leaf entry pointer, or nil with an error if a required intermediate
// table was missing and create was false.
func (t *PageTable) walk(vaddr uintptr, create bool, alloc FrameAllocator) (*pageTableEntry, *kernel.Error) {
	table := t
	for level := 0; level < pageLevels-1; level++ {
		entries := table.entries()
		pte := &entries[vpnForLevel(vaddr, level)]

		if !pte.HasFlags(FlagValid) {
			if !create {
				return nil, ErrInvalidMapping
			}

			child, err := NewPageTable(alloc)
			if err != nil {
				return nil, err
			}

			pte.SetFrame(child.frame)
			pte.SetFlags(FlagValid)
		} else if pte.IsLeaf() {
			return nil, ErrInvalidMapping
		}

		table = &PageTable{frame: pte.Frame()}
	}

	entries := table.entries()
	return &entries[vpnForLevel(vaddr, pageLevels-1)], nil
}

// MapPage installs a level-0 leaf mapping from the page containing vaddr to
// the page containing paddr, allocating any missing intermediate tables
// along the way. Both addresses must already be page-aligned and flags must
// describe one of the permission combinations Sv39 allows for a leaf.
// Overwriting an existing valid leaf is allowed; ordering with any prior
// use of the old mapping is the caller's responsibility.
func (t *PageTable) MapPage(vaddr, paddr uintptr, flags PageTableEntryFlag, alloc FrameAllocator) *kernel.Error {
	if vaddr&uintptr(mem.PageSize-1) != 0 || paddr&uintptr(mem.PageSize-1) != 0 {
		return ErrInvalidMapping
	}
	if !legalLeaf(flags) {
		return ErrIllegalPermissions
	}

	pte, err := t.walk(vaddr, true, alloc)
	if err != nil {
		return err
	}

	*pte = 0
	pte.SetFrame(pmm.FrameFromAddress(paddr))
	pte.SetFlags(flags | FlagValid)
	return nil
}

// IdentityMap maps every page in [start, endInclusive] to itself. start is
// rounded down and endInclusive+1 is rounded up to page boundaries.
func (t *PageTable) IdentityMap(start, endInclusive uintptr, flags PageTableEntryFlag, alloc FrameAllocator) *kernel.Error {
	pageMask := uintptr(mem.PageSize - 1)
	alignedStart := start &^ pageMask
	alignedEnd := (endInclusive + 1 + pageMask) &^ pageMask

	for addr := alignedStart; addr < alignedEnd; addr += uintptr(mem.PageSize) {
		if err := t.MapPage(addr, addr, flags, alloc); err != nil {
			return err
		}
	}
	return nil
}

// Unmap clears the level-0 leaf entry for vaddr, if one exists. It does not
// release the frame the leaf pointed to; callers that own the frame must
// free it themselves. Unmapping an address with no valid leaf is a no-op.
func (t *PageTable) Unmap(vaddr uintptr) {
	pte, err := t.walk(vaddr, false, nil)
	if err != nil || !pte.HasFlags(FlagValid) {
		return
	}
	*pte = 0
}

// PhysicalAddr translates vaddr to the physical address it maps to. It
// returns ErrInvalidMapping if any level of the walk is not a valid
// mapping, including the case where vaddr's leaf was never installed.
func (t *PageTable) PhysicalAddr(vaddr uintptr) (uintptr, *kernel.Error) {
	pte, err := t.walk(vaddr, false, nil)
	if err != nil {
		return 0, err
	}
	if !pte.HasFlags(FlagValid) || !pte.IsLeaf() {
		return 0, ErrInvalidMapping
	}

	offset := vaddr & ((1 << pageLevelShifts[pageLevels-1]) - 1)
	return pte.Frame().Address() + offset, nil
}

// BuildSatp returns the satp register value that activates this table as
// the root of an Sv39 address space.
func (t *PageTable) BuildSatp() uint64 {
	return (uint64(mem.SvModeSv39) << mem.SatpModeShift) | uint64(t.frame)
}

// Free releases every resource this table owns: child tables reached
// through branch entries are freed recursively, and leaf frames marked User
// are released back to alloc. Kernel leaves (User bit clear) are left
// mapped in whatever address space still references them and are not
// touched. Free does not release t's own frame; the caller does that once
// t is no longer reachable from any root.
func (t *PageTable) Free(alloc FrameAllocator) {
	entries := t.entries()
	for i := range entries {
		pte := &entries[i]
		if !pte.HasFlags(FlagValid) {
			continue
		}

		if pte.IsLeaf() {
			if pte.HasFlags(FlagUser) {
				alloc.Deallocate(pte.Frame().Address())
			}
			continue
		}

		child := &PageTable{frame: pte.Frame()}
		child.Free(alloc)
		alloc.Deallocate(child.frame.Address())
	}
}
