package vmm

import (
	"memkern/kernel"
	"memkern/kernel/mem"
	"memkern/kernel/mem/pmm"
)

// TemporaryPage is a single reserved virtual page used to reach a physical
// frame that is not otherwise mapped in the currently active address
// space, most notably the frame backing a page table that is being built
// before it is ever switched to.
type TemporaryPage struct {
	page Page
}

// NewTemporaryPage returns a TemporaryPage bound to the given virtual page.
// Callers should pick an address not otherwise used by the kernel; any
// unused high page works.
func NewTemporaryPage(page Page) TemporaryPage {
	return TemporaryPage{page: page}
}

// Map installs frame at the temporary page with WRITABLE permissions and
// flushes its TLB entry immediately (the mapping must be usable the
// instant Map returns). Returns the page's virtual address.
func (tp TemporaryPage) Map(frame pmm.Frame) mem.VirtAddr {
	if _, err := TranslatePage(tp.page); err == nil {
		kernel.Panic(&kernel.Error{Module: "vmm", Message: "temporary page is already mapped"})
	}
	MapTo(tp.page, frame, FlagWritable).Flush()
	return tp.page.Address()
}

// Unmap removes the temporary page's mapping. It does not cascade-reclaim
// intermediate tables (keepParents=true): the temporary page borrows a
// structural table slot that other mappings may still need.
func (tp TemporaryPage) Unmap() {
	token, _ := UnmapReturn(tp.page, true)
	token.Flush()
}

// MapTableFrame maps frame at the temporary page and returns a Table1 view
// of it — the smallest-privilege level sufficient for raw entry-array
// access, used to bootstrap a fresh P4 before it has a level of its own.
func (tp TemporaryPage) MapTableFrame(frame pmm.Frame) Table1 {
	addr := tp.Map(frame)
	return Table1{RawTable{addr: uintptr(addr)}}
}
