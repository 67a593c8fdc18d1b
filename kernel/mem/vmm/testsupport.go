package vmm

import "memkern/kernel/mem"

// SetAddressSpaceForTest redirects the virtual address that always names
// the active P4 and the formula used to derive a child table's address
// from its parent entry. It exists so that hosted tests — in this package
// and in packages that build on top of it, such as kernel/mem/stack —
// can exercise Map/Unmap/Translate against a handful of real, mmap-backed
// pages instead of needing an actual recursively self-mapped address
// space, which only resolves to real memory when the MMU is live.
// Production code never calls this.
func SetAddressSpaceForTest(p4Addr uintptr, childAddr func(entryAddr uintptr) uintptr) (restore func()) {
	origPdt := pdtVirtualAddr
	origChild := childAddrFn
	pdtVirtualAddr = p4Addr
	childAddrFn = childAddr
	return func() {
		pdtVirtualAddr = origPdt
		childAddrFn = origChild
	}
}

// SetTLBHooksForTest redirects the functions FlushToken and
// FlushGroupToken use to invalidate the TLB. Hosted tests run as an
// ordinary ring-3 process, where the real invlpg/CR3-reload primitives in
// kernel/cpu would fault; this lets a test stand in a no-op (or an
// observing closure) instead. Production code never calls this.
func SetTLBHooksForTest(flushEntry func(mem.VirtAddr), flushAll func()) (restore func()) {
	origEntry := flushTLBEntryFn
	origAll := flushTLBFn
	flushTLBEntryFn = flushEntry
	flushTLBFn = flushAll
	return func() {
		flushTLBEntryFn = origEntry
		flushTLBFn = origAll
	}
}
