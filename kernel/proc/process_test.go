package proc

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

type fakeAllocator struct {
	backing []byte
	next    uintptr
	freed   map[uintptr]bool
}

func newFakeAllocator(pages int) *fakeAllocator {
	backing := make([]byte, (pages+1)*int(mem.PageSize))
	raw := uintptr(unsafe.Pointer(&backing[0]))
	base := (raw + uintptr(mem.PageSize-1)) &^ uintptr(mem.PageSize-1)
	return &fakeAllocator{backing: backing, next: base, freed: map[uintptr]bool{}}
}

func (f *fakeAllocator) Allocate(size mem.Size) (uintptr, *kernel.Error) {
	addr := f.next
	f.next += uintptr((size + mem.PageSize - 1) &^ (mem.PageSize - 1))
	return addr, nil
}

func (f *fakeAllocator) Deallocate(ptr uintptr) *kernel.Error {
	f.freed[ptr] = true
	return nil
}

func buildMinimalELF(entry uint64) []byte {
	const ehdrSize = 64
	const phdrSize = 56
	var buf bytes.Buffer

	ident := [16]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0}
	buf.Write(ident[:])
	binary.Write(&buf, binary.LittleEndian, uint16(elf.ET_EXEC))
	binary.Write(&buf, binary.LittleEndian, uint16(elf.EM_RISCV))
	binary.Write(&buf, binary.LittleEndian, uint32(1))
	binary.Write(&buf, binary.LittleEndian, entry)
	binary.Write(&buf, binary.LittleEndian, uint64(ehdrSize))
	binary.Write(&buf, binary.LittleEndian, uint64(0))
	binary.Write(&buf, binary.LittleEndian, uint32(0))
	binary.Write(&buf, binary.LittleEndian, uint16(ehdrSize))
	binary.Write(&buf, binary.LittleEndian, uint16(phdrSize))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint16(0))
	binary.Write(&buf, binary.LittleEndian, uint16(0))
	binary.Write(&buf, binary.LittleEndian, uint16(0))

	payload := []byte{1, 2, 3, 4}
	dataOff := uint64(ehdrSize + phdrSize)
	binary.Write(&buf, binary.LittleEndian, uint32(elf.PT_LOAD))
	binary.Write(&buf, binary.LittleEndian, uint32(elf.PF_R|elf.PF_X))
	binary.Write(&buf, binary.LittleEndian, dataOff)
	binary.Write(&buf, binary.LittleEndian, entry)
	binary.Write(&buf, binary.LittleEndian, entry)
	binary.Write(&buf, binary.LittleEndian, uint64(len(payload)))
	binary.Write(&buf, binary.LittleEndian, uint64(len(payload)))
	binary.Write(&buf, binary.LittleEndian, uint64(mem.PageSize))
	buf.Write(payload)

	return buf.Bytes()
}

func TestNewProcessIsReadyWithEntryPointSet(t *testing.T) {
	alloc := newFakeAllocator(64)
	kernelTable, err := vmm.NewPageTable(alloc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	trampolinePhys, _ := alloc.Allocate(mem.PageSize)

	const entry = 0x20000
	img := buildMinimalELF(entry)

	p, procErr := New(img, alloc, kernelTable, 0xdeadbeef, trampolinePhys)
	if procErr != nil {
		t.Fatalf("unexpected error: %v", procErr)
	}

	if p.State.Kind != Ready {
		t.Fatalf("expected new process to be Ready; got %v", p.State.Kind)
	}
	if p.TrapFrame.User.PC != entry {
		t.Fatalf("expected user pc to be entry point 0x%x; got 0x%x", entry, p.TrapFrame.User.PC)
	}
	if p.TrapFrame.KernelTrapHandler != 0xdeadbeef {
		t.Fatalf("expected kernel trap handler to be preserved")
	}
	if p.TrapFrame.User.SP == 0 {
		t.Fatal("expected a non-zero user stack pointer")
	}

	if _, trErr := p.Table.PhysicalAddr(TrapFrameVaddr); trErr != nil {
		t.Fatalf("expected the trap frame to be reachable from the process table: %v", trErr)
	}

	// The kernel table's shared TrapFrameVaddr slot is only installed by
	// Run, not by New, since it must be re-pointed at whichever process is
	// about to execute rather than fixed at construction time.
	if _, trErr := kernelTable.PhysicalAddr(TrapFrameVaddr); trErr == nil {
		t.Fatal("expected the kernel table to have no trap frame mapping before Run")
	}

	var resumed bool
	runErr := p.Run(kernelTable, alloc, func(uintptr) {}, func() { resumed = true })
	if runErr != nil {
		t.Fatalf("unexpected error from Run: %v", runErr)
	}
	if !resumed {
		t.Fatal("expected Run to invoke enterUser")
	}

	installed, trErr := kernelTable.PhysicalAddr(TrapFrameVaddr)
	if trErr != nil {
		t.Fatalf("expected the trap frame to be reachable from the kernel table after Run: %v", trErr)
	}
	if installed != p.trapFramePhys {
		t.Fatalf("expected kernel table's trap frame slot to point at this process; got 0x%x want 0x%x", installed, p.trapFramePhys)
	}
}

func TestProcessDestroyReleasesOwnedFramesAndUnmapsFromKernel(t *testing.T) {
	alloc := newFakeAllocator(64)
	kernelTable, _ := vmm.NewPageTable(alloc)
	trampolinePhys, _ := alloc.Allocate(mem.PageSize)

	img := buildMinimalELF(0x20000)
	p, err := New(img, alloc, kernelTable, 0, trampolinePhys)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if runErr := p.Run(kernelTable, alloc, func(uintptr) {}, func() {}); runErr != nil {
		t.Fatalf("unexpected error from Run: %v", runErr)
	}

	p.Destroy(alloc, kernelTable)

	if _, trErr := kernelTable.PhysicalAddr(TrapFrameVaddr); trErr == nil {
		t.Fatal("expected trap frame mapping to be removed from the kernel table")
	}
	if !alloc.freed[p.trapFramePhys] {
		t.Fatal("expected the trap frame's own frame to be released")
	}
	if !alloc.freed[p.kernelStackBase] {
		t.Fatal("expected the kernel stack to be released")
	}
}

// TestDestroyOfNonInstalledProcessDoesNotClobberSurvivor exercises spec.md's
// "blocking spawn" scenario: a parent spawns a child, the child runs and
// exits while the parent is blocked, and the parent is then resumed. The
// kernel table's shared TrapFrameVaddr slot must end up pointing at the
// parent, not be left unmapped by the child's teardown.
func TestDestroyOfNonInstalledProcessDoesNotClobberSurvivor(t *testing.T) {
	alloc := newFakeAllocator(128)
	kernelTable, err := vmm.NewPageTable(alloc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	trampolinePhys, _ := alloc.Allocate(mem.PageSize)

	parent, err := New(buildMinimalELF(0x20000), alloc, kernelTable, 0, trampolinePhys)
	if err != nil {
		t.Fatalf("unexpected error constructing parent: %v", err)
	}
	child, err := New(buildMinimalELF(0x30000), alloc, kernelTable, 0, trampolinePhys)
	if err != nil {
		t.Fatalf("unexpected error constructing child: %v", err)
	}

	// Parent runs first, installing its TrapFrame into the kernel table.
	if runErr := parent.Run(kernelTable, alloc, func(uintptr) {}, func() {}); runErr != nil {
		t.Fatalf("unexpected error running parent: %v", runErr)
	}
	// The child then runs (spawned by the parent, per doSpawn), which
	// re-points the shared slot at the child.
	if runErr := child.Run(kernelTable, alloc, func(uintptr) {}, func() {}); runErr != nil {
		t.Fatalf("unexpected error running child: %v", runErr)
	}

	// The child exits and is torn down while it is the installed process,
	// so destroying it should clear the slot.
	child.Destroy(alloc, kernelTable)
	if _, trErr := kernelTable.PhysicalAddr(TrapFrameVaddr); trErr == nil {
		t.Fatal("expected kernel table's slot to be cleared when the installed process is destroyed")
	}

	// The scheduler now resumes the parent, which must re-install its own
	// TrapFrame rather than rely on anything Destroy left behind.
	if runErr := parent.Run(kernelTable, alloc, func(uintptr) {}, func() {}); runErr != nil {
		t.Fatalf("unexpected error re-running parent: %v", runErr)
	}
	installed, trErr := kernelTable.PhysicalAddr(TrapFrameVaddr)
	if trErr != nil {
		t.Fatalf("expected parent's trap frame reachable after resume: %v", trErr)
	}
	if installed != parent.trapFramePhys {
		t.Fatalf("expected kernel table's slot to point at parent; got 0x%x want 0x%x", installed, parent.trapFramePhys)
	}

	// Now reverse the order: parent is the one installed, child is
	// destroyed without ever being re-run. Destroy must leave the parent's
	// mapping untouched since the child was never the installed process.
	if runErr := child.Run(kernelTable, alloc, func(uintptr) {}, func() {}); runErr != nil {
		t.Fatalf("unexpected error running child: %v", runErr)
	}
	if runErr := parent.Run(kernelTable, alloc, func(uintptr) {}, func() {}); runErr != nil {
		t.Fatalf("unexpected error re-running parent: %v", runErr)
	}
	child.Destroy(alloc, kernelTable)
	installed, trErr = kernelTable.PhysicalAddr(TrapFrameVaddr)
	if trErr != nil {
		t.Fatalf("expected parent's trap frame to remain reachable after an uninstalled child is destroyed: %v", trErr)
	}
	if installed != parent.trapFramePhys {
		t.Fatalf("expected destroying an uninstalled child to leave the parent's mapping alone; got 0x%x want 0x%x", installed, parent.trapFramePhys)
	}
}
