package vmm

import (
	"memkern/kernel"
	"memkern/kernel/mem"
)

// Page identifies a virtual 4 KiB page by its page number
// (VirtAddr / PageSize).
type Page uintptr

// Address returns the virtual address at the start of this page.
func (p Page) Address() mem.VirtAddr {
	return mem.VirtAddr(uintptr(p) << mem.PageShift)
}

// PageFromAddress returns the Page containing the given virtual address,
// rounding down to the containing page if addr is not page-aligned. A
// non-canonical address can never name a real page, so it is fatal rather
// than silently truncated.
func PageFromAddress(addr mem.VirtAddr) Page {
	if err := addr.Validate(); err != nil {
		kernel.Panic(err)
	}
	return Page(uintptr(addr) >> mem.PageShift)
}

// Indices returns the four 9-bit table indices (L4, L3, L2, L1) this page's
// address decodes to.
func (p Page) Indices() (l4, l3, l2, l1 int) {
	addr := uintptr(p.Address())
	return levelIndex(addr, 0), levelIndex(addr, 1), levelIndex(addr, 2), levelIndex(addr, 3)
}
