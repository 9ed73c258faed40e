// +build riscv64

package mem

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)) for this
	// architecture. The pointer size is defined as (1 << PointerShift).
	PointerShift = 3

	// PageShift is equal to log2(PageSize). This constant is used to
	// convert a physical address to a page number (shift right by
	// PageShift) and vice-versa.
	PageShift = 12

	// PageSize defines the system's page size in bytes.
	PageSize = Size(1 << PageShift)

	// SvModeSv39 is the value written to the MODE field of satp to select
	// the Sv39 three-level paging scheme.
	SvModeSv39 = 8

	// SatpModeShift is the bit offset of the MODE field within satp.
	SatpModeShift = 60
)
