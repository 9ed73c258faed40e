package elf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"
	"unsafe"
	"waterbear/kernel"
	"waterbear/kernel/mem"
	"waterbear/kernel/mem/vmm"
)

// fakeAllocator hands out page-aligned slices of Go memory, mirroring the
// vmm package's own test double.
type fakeAllocator struct {
	backing []byte
	next    uintptr
}

func newFakeAllocator(pages int) *fakeAllocator {
	backing := make([]byte, (pages+1)*int(mem.PageSize))
	raw := uintptr(unsafe.Pointer(&backing[0]))
	base := (raw + uintptr(mem.PageSize-1)) &^ uintptr(mem.PageSize-1)
	return &fakeAllocator{backing: backing, next: base}
}

func (f *fakeAllocator) Allocate(size mem.Size) (uintptr, *kernel.Error) {
	addr := f.next
	f.next += uintptr((size + mem.PageSize - 1) &^ (mem.PageSize - 1))
	return addr, nil
}

func (f *fakeAllocator) Deallocate(ptr uintptr) *kernel.Error { return nil }

// buildELF assembles a minimal valid 64-bit little-endian ELF image with a
// single R|X LOAD segment containing payload, loaded at vaddr.
func buildELF(t *testing.T, vaddr, entry uint64, payload []byte) []byte {
	t.Helper()

	const ehdrSize = 64
	const phdrSize = 56

	var buf bytes.Buffer

	ident := [16]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0}
	buf.Write(ident[:])
	binary.Write(&buf, binary.LittleEndian, uint16(elf.ET_EXEC))
	binary.Write(&buf, binary.LittleEndian, uint16(elf.EM_RISCV))
	binary.Write(&buf, binary.LittleEndian, uint32(1))
	binary.Write(&buf, binary.LittleEndian, entry)
	binary.Write(&buf, binary.LittleEndian, uint64(ehdrSize)) // phoff
	binary.Write(&buf, binary.LittleEndian, uint64(0))        // shoff
	binary.Write(&buf, binary.LittleEndian, uint32(0))        // flags
	binary.Write(&buf, binary.LittleEndian, uint16(ehdrSize))
	binary.Write(&buf, binary.LittleEndian, uint16(phdrSize))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // phnum
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // shentsize
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // shnum
	binary.Write(&buf, binary.LittleEndian, uint16(0)) // shstrndx

	dataOff := uint64(ehdrSize + phdrSize)
	binary.Write(&buf, binary.LittleEndian, uint32(elf.PT_LOAD))
	binary.Write(&buf, binary.LittleEndian, uint32(elf.PF_R|elf.PF_X))
	binary.Write(&buf, binary.LittleEndian, dataOff)
	binary.Write(&buf, binary.LittleEndian, vaddr)
	binary.Write(&buf, binary.LittleEndian, vaddr)
	binary.Write(&buf, binary.LittleEndian, uint64(len(payload)))
	binary.Write(&buf, binary.LittleEndian, uint64(len(payload)))
	binary.Write(&buf, binary.LittleEndian, uint64(mem.PageSize))

	buf.Write(payload)

	return buf.Bytes()
}

func TestLoadMapsSegmentAndReturnsEntry(t *testing.T) {
	alloc := newFakeAllocator(8)
	table, err := vmm.NewPageTable(alloc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	const vaddr = 0x10000
	img := buildELF(t, vaddr, vaddr, payload)

	entry, loadErr := Load(img, table, alloc)
	if loadErr != nil {
		t.Fatalf("unexpected error: %v", loadErr)
	}
	if entry != vaddr {
		t.Fatalf("expected entry point 0x%x; got 0x%x", vaddr, entry)
	}

	physAddr, trErr := table.PhysicalAddr(vaddr)
	if trErr != nil {
		t.Fatalf("unexpected error translating loaded page: %v", trErr)
	}

	got := *(*[4]byte)(unsafe.Pointer(physAddr))
	if got != [4]byte{0xde, 0xad, 0xbe, 0xef} {
		t.Fatalf("expected loaded bytes %v, got %v", payload, got)
	}
}

func TestLoadRejectsIllegalSegmentFlags(t *testing.T) {
	alloc := newFakeAllocator(8)
	table, _ := vmm.NewPageTable(alloc)

	img := buildELF(t, 0x10000, 0x10000, []byte{1, 2, 3, 4})
	// Flip the flags field (offset 4 of the program header) to W without R.
	const ehdrSize = 64
	img[ehdrSize+4] = byte(elf.PF_W)

	if _, loadErr := Load(img, table, alloc); loadErr != errBadSegmentFlags {
		t.Fatalf("expected errBadSegmentFlags; got %v", loadErr)
	}
}
