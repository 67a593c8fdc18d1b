package vmm

import "math"

const (
	// pageLevelBits is the number of virtual-address bits each paging
	// level consumes: 9 bits per level, 512 entries per table.
	pageLevelBits = 9

	// recursiveSlot is the P4 index every active or being-prepared P4
	// dedicates to pointing at itself.
	recursiveSlot = 511
)

// pdtVirtualAddr is the fixed virtual address that always names the active
// P4: set every index bit for all four levels and the recursive mapping
// keeps following the last entry, landing back on the P4 itself.
var pdtVirtualAddr = uintptr(math.MaxUint64 &^ ((1 << 12) - 1))

// activeP4 returns a Table4 view of the currently active top-level table,
// addressed through the recursive self-mapping.
func activeP4() Table4 {
	return Table4{RawTable{addr: pdtVirtualAddr}}
}

// levelIndex extracts the 9-bit table index for the given paging level
// (0 = L4 .. 3 = L1) from a virtual address.
func levelIndex(virtAddr uintptr, level int) int {
	shift := 12 + (3-level)*pageLevelBits
	return int((virtAddr >> uint(shift)) & ((1 << pageLevelBits) - 1))
}
