package pmm

import (
	"testing"
	"waterbear/kernel/mem"
)

func TestBitmapAllocatorAllocateDeallocate(t *testing.T) {
	var a BitmapAllocator
	a.Init(0x80000000, 0x80000000+16*uintptr(mem.PageSize))

	ptr1, err := a.Allocate(3 * mem.PageSize)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ptr1 != 0x80000000 {
		t.Fatalf("expected first allocation to start at heap base; got 0x%x", ptr1)
	}

	ptr2, err := a.Allocate(mem.PageSize)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exp := ptr1 + 3*uintptr(mem.PageSize); ptr2 != exp {
		t.Fatalf("expected second allocation to follow the first run; got 0x%x want 0x%x", ptr2, exp)
	}

	if err := a.Deallocate(ptr1); err != nil {
		t.Fatalf("unexpected error freeing first run: %v", err)
	}

	// The 3-page hole freed by ptr1 should be reused by a new 2-page request.
	ptr3, err := a.Allocate(2 * mem.PageSize)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ptr3 != ptr1 {
		t.Fatalf("expected allocator to reuse freed run; got 0x%x want 0x%x", ptr3, ptr1)
	}
}

func TestBitmapAllocatorOutOfMemory(t *testing.T) {
	var a BitmapAllocator
	a.Init(0x80000000, 0x80000000+2*uintptr(mem.PageSize))

	if _, err := a.Allocate(3 * mem.PageSize); err != errOutOfMemory {
		t.Fatalf("expected errOutOfMemory; got %v", err)
	}
}

func TestBitmapAllocatorBadFree(t *testing.T) {
	var a BitmapAllocator
	a.Init(0x80000000, 0x80000000+2*uintptr(mem.PageSize))

	if err := a.Deallocate(0x80000000); err != errBadFree {
		t.Fatalf("expected errBadFree for a never-allocated pointer; got %v", err)
	}
	if err := a.Deallocate(0x1000); err != errBadFree {
		t.Fatalf("expected errBadFree for an out-of-range pointer; got %v", err)
	}
}

func TestBitmapAllocatorReserve(t *testing.T) {
	var a BitmapAllocator
	a.Init(0x80000000, 0x80000000+4*uintptr(mem.PageSize))

	a.Reserve(0x80000000, 0x80000000+2*uintptr(mem.PageSize))

	ptr, err := a.Allocate(4 * mem.PageSize)
	if err == nil {
		t.Fatalf("expected allocation spanning reserved pages to fail; got 0x%x", ptr)
	}

	ptr, err = a.Allocate(2 * mem.PageSize)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exp := 0x80000000 + 2*uintptr(mem.PageSize); ptr != exp {
		t.Fatalf("expected allocation to skip reserved pages; got 0x%x want 0x%x", ptr, exp)
	}
}
