package vmm

import (
	"unsafe"

	"memkern/kernel"
)

const (
	entriesPerTable = 512
	pointerShift    = 3 // log2(unsafe.Sizeof(Entry(0))): an entry is 8 bytes
)

// RawTable is the untyped representation of one page-table page: a fixed
// array of 512 entries addressed through the recursive self-mapping, plus
// the per-table entry-count bookkeeping packed into the first four entries'
// OS-available bits (3-bit slot per entry, little-endian).
type RawTable struct {
	addr uintptr
}

// Entry returns a pointer to the i'th entry of the table.
func (t RawTable) Entry(i int) *Entry {
	return (*Entry)(unsafe.Pointer(t.addr + uintptr(i)<<pointerShift))
}

// EntryCount returns the number of currently-present child entries, as
// recorded across the first four entries' count-bit slots.
func (t RawTable) EntryCount() uint16 {
	var n uint16
	for i := 0; i < 4; i++ {
		n |= uint16(t.Entry(i).CounterBits()&0x7) << uint(i*3)
	}
	return n
}

// SetEntryCount persists n across the first four entries' count-bit slots.
// It must be called whenever a child entry transitions present/absent.
func (t RawTable) SetEntryCount(n uint16) {
	for i := 0; i < 4; i++ {
		slot := uintptr((n >> uint(i*3)) & 0x7)
		e := t.Entry(i)
		e.SetCounterBits((e.CounterBits() &^ 0x7) | slot)
	}
}

// Zero clears every entry, including the count bits. Only safe to call on a
// freshly-allocated table frame.
func (t RawTable) Zero() {
	for i := 0; i < entriesPerTable; i++ {
		*t.Entry(i) = 0
	}
}

// childAddrFn computes the recursive-mapping formula itself; it is a
// package variable purely so hosted tests can redirect the (otherwise
// inaccessible outside a real recursively-mapped address space) computed
// address to a real backing page, the same seam the teacher's map.go uses
// for nextAddrFn/ptePtrFn.
var childAddrFn = func(entryAddr uintptr) uintptr { return entryAddr << 9 }

// childAddr computes the virtual address of the table reached through
// entry i. Taking the address of the entry itself and shifting it left by
// 9 bits adds one more level of recursive indirection, landing on the
// table the entry points to.
func (t RawTable) childAddr(i int) uintptr {
	entryAddr := t.addr + uintptr(i)<<pointerShift
	return childAddrFn(entryAddr)
}

var errHugePageUnsupported = &kernel.Error{Module: "vmm", Message: "huge pages are not supported by this operation"}

func nextTable(t RawTable, i int) (RawTable, bool) {
	e := t.Entry(i)
	if !e.HasFlags(FlagPresent) || e.HasFlags(FlagHugePage) {
		return RawTable{}, false
	}
	return RawTable{addr: t.childAddr(i)}, true
}

func nextTableCreate(t RawTable, i int, allocFn FrameAllocatorFn) (RawTable, *kernel.Error) {
	if next, ok := nextTable(t, i); ok {
		return next, nil
	}

	e := t.Entry(i)
	if e.HasFlags(FlagHugePage) {
		return RawTable{}, errHugePageUnsupported
	}

	frame, err := allocFn()
	if err != nil {
		return RawTable{}, err
	}

	e.Set(frame, FlagPresent|FlagWritable)
	t.SetEntryCount(t.EntryCount() + 1)

	next := RawTable{addr: t.childAddr(i)}
	next.Zero()
	return next, nil
}

// Table4, Table3, Table2 and Table1 tag a RawTable with its level in the
// x86_64 paging hierarchy. Only Table4, Table3 and Table2 expose a
// NextTable/NextTableCreate method; Table1 — the leaf level — deliberately
// has none, so code that tries to descend past L1 fails to compile instead
// of failing a runtime check.
type (
	Table4 struct{ RawTable }
	Table3 struct{ RawTable }
	Table2 struct{ RawTable }
	Table1 struct{ RawTable }
)

// NextTable returns the L3 table reached through entry i, if present.
func (t Table4) NextTable(i int) (Table3, bool) {
	raw, ok := nextTable(t.RawTable, i)
	return Table3{raw}, ok
}

// NextTableCreate returns the L3 table reached through entry i, allocating
// and zeroing a fresh table frame if none exists yet.
func (t Table4) NextTableCreate(i int, allocFn FrameAllocatorFn) (Table3, *kernel.Error) {
	raw, err := nextTableCreate(t.RawTable, i, allocFn)
	return Table3{raw}, err
}

// NextTable returns the L2 table reached through entry i, if present.
func (t Table3) NextTable(i int) (Table2, bool) {
	raw, ok := nextTable(t.RawTable, i)
	return Table2{raw}, ok
}

// NextTableCreate returns the L2 table reached through entry i, allocating
// and zeroing a fresh table frame if none exists yet.
func (t Table3) NextTableCreate(i int, allocFn FrameAllocatorFn) (Table2, *kernel.Error) {
	raw, err := nextTableCreate(t.RawTable, i, allocFn)
	return Table2{raw}, err
}

// NextTable returns the L1 table reached through entry i, if present.
func (t Table2) NextTable(i int) (Table1, bool) {
	raw, ok := nextTable(t.RawTable, i)
	return Table1{raw}, ok
}

// NextTableCreate returns the L1 table reached through entry i, allocating
// and zeroing a fresh table frame if none exists yet.
func (t Table2) NextTableCreate(i int, allocFn FrameAllocatorFn) (Table1, *kernel.Error) {
	raw, err := nextTableCreate(t.RawTable, i, allocFn)
	return Table1{raw}, err
}
