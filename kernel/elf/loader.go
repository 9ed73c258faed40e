// Package elf loads a 64-bit ELF program image into a fresh page table,
// allocating and mapping one physical frame at a time per LOAD segment.
package elf

import (
	"bytes"
	"debug/elf"
	"unsafe"
	"waterbear/kernel"
	"waterbear/kernel/mem"
	"waterbear/kernel/mem/vmm"
)

var (
	errNot64Bit        = &kernel.Error{Module: "elf", Message: "only 64-bit little-endian ELF images are supported"}
	errBadSegmentFlags = &kernel.Error{Module: "elf", Message: "LOAD segment permission combination is not one of R, R|X, R|W"}
	errMalformed       = &kernel.Error{Module: "elf", Message: "malformed ELF image"}
)

// Load parses img as a 64-bit ELF image, allocates and zero-fills one frame
// per page of every LOAD segment, copies in the segment's file contents
// (leaving any size beyond the file data, i.e. BSS, zeroed), and maps each
// page into table with the User bit set plus permissions derived from the
// segment's flags. It returns the image's entry point.
//
// Only R, R|X and R|W LOAD segment permission combinations are accepted;
// any other combination fails the whole load.
func Load(img []byte, table *vmm.PageTable, alloc vmm.FrameAllocator) (entryPoint uint64, loadErr *kernel.Error) {
	file, err := elf.NewFile(bytes.NewReader(img))
	if err != nil {
		return 0, errMalformed
	}
	defer file.Close()

	if file.Class != elf.ELFCLASS64 || file.Data != elf.ELFDATA2LSB {
		return 0, errNot64Bit
	}

	for _, prog := range file.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}

		flags, ok := leafFlagsFor(prog.Flags)
		if !ok {
			return 0, errBadSegmentFlags
		}

		if loadErr = loadSegment(prog, table, alloc, flags); loadErr != nil {
			return 0, loadErr
		}
	}

	return file.Entry, nil
}

func leafFlagsFor(progFlags elf.ProgFlag) (vmm.PageTableEntryFlag, bool) {
	r := progFlags&elf.PF_R != 0
	w := progFlags&elf.PF_W != 0
	x := progFlags&elf.PF_X != 0

	switch {
	case r && !w && !x:
		return vmm.FlagRead | vmm.FlagUser, true
	case r && !w && x:
		return vmm.FlagRead | vmm.FlagExecute | vmm.FlagUser, true
	case r && w && !x:
		return vmm.FlagRead | vmm.FlagWrite | vmm.FlagUser, true
	default:
		return 0, false
	}
}

func loadSegment(prog *elf.Prog, table *vmm.PageTable, alloc vmm.FrameAllocator, flags vmm.PageTableEntryFlag) *kernel.Error {
	pageMask := uintptr(mem.PageSize - 1)
	segVaddr := uintptr(prog.Vaddr)
	segStart := segVaddr &^ pageMask
	pagesNeeded := (uintptr(prog.Memsz) + (segVaddr & pageMask) + pageMask) >> mem.PageShift

	data := make([]byte, prog.Filesz)
	if prog.Filesz > 0 {
		if _, err := prog.ReadAt(data, 0); err != nil {
			return errMalformed
		}
	}

	for i := uintptr(0); i < pagesNeeded; i++ {
		pageAddr, err := alloc.Allocate(mem.PageSize)
		if err != nil {
			return err
		}
		kernel.Memset(pageAddr, 0, uintptr(mem.PageSize))

		pageVaddr := segStart + i*uintptr(mem.PageSize)
		copyFileBytesForPage(data, segVaddr, pageVaddr, pageAddr)

		if err := table.MapPage(pageVaddr, pageAddr, flags, alloc); err != nil {
			return err
		}
	}

	return nil
}

// copyFileBytesForPage copies whatever portion of the segment's file data
// falls within the page at pageVaddr into the freshly zeroed frame at
// pageAddr. Bytes past the end of the file data are left zero, which is how
// a segment's BSS tail (memsz > filesz) gets cleared.
func copyFileBytesForPage(fileData []byte, segVaddr, pageVaddr, pageAddr uintptr) {
	if len(fileData) == 0 {
		return
	}

	pageEnd := pageVaddr + uintptr(mem.PageSize)
	fileEnd := segVaddr + uintptr(len(fileData))

	copyStart := pageVaddr
	if copyStart < segVaddr {
		copyStart = segVaddr
	}
	copyEnd := pageEnd
	if copyEnd > fileEnd {
		copyEnd = fileEnd
	}
	if copyEnd <= copyStart {
		return
	}

	srcOffset := copyStart - segVaddr
	dstOffset := copyStart - pageVaddr
	kernel.Memcopy(uintptr(unsafe.Pointer(&fileData[0]))+srcOffset, pageAddr+dstOffset, copyEnd-copyStart)
}
