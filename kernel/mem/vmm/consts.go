package vmm

// pageLevels is the number of levels in the Sv39 paging scheme: vpn2, vpn1
// and vpn0.
const pageLevels = 3

// pageLevelBits gives the width, in bits, of the virtual page number field
// consumed at each level, indexed from the root (vpn2) down to the leaf
// (vpn0).
var pageLevelBits = [pageLevels]uint8{9, 9, 9}

// pageLevelShifts gives the bit offset of the virtual page number field
// consumed at each level.
var pageLevelShifts = [pageLevels]uint8{30, 21, 12}

// ptePPNShift is the bit offset of the physical page number field within a
// page table entry.
const ptePPNShift = 10

// ptePPNMask masks the 44-bit physical page number once it has been shifted
// down to bit 0.
const ptePPNMask = (1 << 44) - 1

// ptePhysPageMask isolates the PPN field (including its shift) within a raw
// page table entry.
const ptePhysPageMask = ptePPNMask << ptePPNShift
