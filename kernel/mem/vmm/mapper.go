// Package vmm implements the four-level x86_64 page-table walker: the
// recursively self-mapped Table hierarchy (table.go), the hardware entry
// encoding (entry.go), a Mapper exposing translate/map/unmap (this file),
// and the active/inactive table composition used to bootstrap a new
// address space (active.go, temp_page.go, remap.go).
package vmm

import (
	"memkern/kernel"
	"memkern/kernel/cpu"
	"memkern/kernel/mem"
	"memkern/kernel/mem/pmm"
)

// FrameAllocatorFn allocates a physical frame, used whenever the mapper
// needs to materialise a new intermediate table.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

// FrameDeallocatorFn returns a physical frame to the allocator.
type FrameDeallocatorFn func(pmm.Frame)

var (
	frameAllocator   FrameAllocatorFn
	frameDeallocator FrameDeallocatorFn

	// The following are overridden by tests and inlined by the compiler
	// in the real kernel build.
	flushTLBEntryFn = func(virtAddr mem.VirtAddr) { cpu.FlushTLBEntry(uintptr(virtAddr)) }
	flushTLBFn      = cpu.FlushTLB
	activePDTFn     = cpu.ActivePDT
	switchPDTFn     = cpu.SwitchPDT

	// ErrInvalidMapping is returned when a virtual address does not
	// correspond to a present mapping.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	errMisalignedHugePage = &kernel.Error{Module: "vmm", Message: "huge page frame is not aligned to its page size"}
)

// SetFrameAllocator registers the function the mapper uses to materialise
// new intermediate tables and (via Map) fresh leaf frames.
func SetFrameAllocator(fn FrameAllocatorFn) { frameAllocator = fn }

// SetFrameDeallocator registers the function the mapper uses to return
// frames reclaimed by Unmap.
func SetFrameDeallocator(fn FrameDeallocatorFn) { frameDeallocator = fn }

const (
	hugePage2MPageCount = 512 // 2 MiB / 4 KiB, an L2 huge leaf covers 512 L1 slots
	hugePage1GPageCount = 512 * 512
)

// Translate returns the physical address the given virtual address
// currently maps to, honouring 2 MiB (L2) and 1 GiB (L3) huge-page leaves.
func Translate(virtAddr mem.VirtAddr) (mem.PhysAddr, *kernel.Error) {
	l4, l3, l2, l1 := PageFromAddress(virtAddr).Indices()

	t3, ok := activeP4().NextTable(l4)
	if !ok {
		return 0, ErrInvalidMapping
	}

	if e := t3.Entry(l3); e.HasFlags(FlagHugePage) {
		frame, _ := e.PointedFrame()
		frameAddr := uintptr(frame) << mem.PageShift
		if frameAddr&((hugePage1GPageCount*uintptr(mem.PageSize))-1) != 0 {
			kernel.Panic(errMisalignedHugePage)
		}
		offset := uintptr(virtAddr) & ((hugePage1GPageCount * uintptr(mem.PageSize)) - 1)
		return mem.PhysAddr(frameAddr + offset), nil
	}

	t2, ok := t3.NextTable(l3)
	if !ok {
		return 0, ErrInvalidMapping
	}

	if e := t2.Entry(l2); e.HasFlags(FlagHugePage) {
		frame, _ := e.PointedFrame()
		frameAddr := uintptr(frame) << mem.PageShift
		if frameAddr&((hugePage2MPageCount*uintptr(mem.PageSize))-1) != 0 {
			kernel.Panic(errMisalignedHugePage)
		}
		offset := uintptr(virtAddr) & ((hugePage2MPageCount * uintptr(mem.PageSize)) - 1)
		return mem.PhysAddr(frameAddr + offset), nil
	}

	t1, ok := t2.NextTable(l2)
	if !ok {
		return 0, ErrInvalidMapping
	}

	frame, ok := t1.Entry(l1).PointedFrame()
	if !ok {
		return 0, ErrInvalidMapping
	}

	return mem.PhysAddr(frame.Address()) + mem.PhysAddr(uintptr(virtAddr)&(uintptr(mem.PageSize)-1)), nil
}

// TranslatePage is Translate restricted to whole pages.
func TranslatePage(page Page) (pmm.Frame, *kernel.Error) {
	addr, err := Translate(page.Address())
	if err != nil {
		return 0, err
	}
	return pmm.FromAddress(addr), nil
}

// MapTo installs a mapping from page to frame with the given flags,
// creating any missing intermediate tables along the way. The target L1
// entry must currently be unused. Returns a FlushToken the caller must
// consume.
func MapTo(page Page, frame pmm.Frame, flags EntryFlag) FlushToken {
	l4, l3, l2, l1 := page.Indices()

	t3, err := activeP4().NextTableCreate(l4, frameAllocator)
	if err != nil {
		kernel.Panic(err)
	}
	t2, err := t3.NextTableCreate(l3, frameAllocator)
	if err != nil {
		kernel.Panic(err)
	}
	t1, err := t2.NextTableCreate(l2, frameAllocator)
	if err != nil {
		kernel.Panic(err)
	}

	e := t1.Entry(l1)
	if !e.Unused() {
		kernel.Panic(&kernel.Error{Module: "vmm", Message: "map_to: target entry is already mapped"})
	}
	e.Set(frame, FlagPresent|flags)
	t1.SetEntryCount(t1.EntryCount() + 1)

	return newFlushToken(page)
}

// Map allocates a fresh frame and maps it at page with the given flags.
// Out of memory is fatal: the boot path has no recovery strategy for it.
func Map(page Page, flags EntryFlag) FlushToken {
	frame, err := frameAllocator()
	if err != nil {
		kernel.Panic(err)
	}
	return MapTo(page, frame, flags)
}

// IdentityMap maps frame to the page with the same number, i.e. virtual
// address == physical address.
func IdentityMap(frame pmm.Frame, flags EntryFlag) FlushToken {
	return MapTo(Page(frame), frame, flags)
}

// Unmap removes the mapping for page, deallocates its frame, and cascades
// the reclamation of any now-empty intermediate table up through L2, L3 and
// L4. Returns a FlushToken the caller must consume.
func Unmap(page Page) FlushToken {
	token, frame := UnmapReturn(page, false)
	frameDeallocator(frame)
	return token
}

// UnmapReturn removes the mapping for page and returns its frame to the
// caller without deallocating it. When keepParents is true, intermediate
// tables are never reclaimed even if they become empty — used by the
// temporary-page mechanism, which must not free a table frame that may be
// shared structurally with other mappings.
func UnmapReturn(page Page, keepParents bool) (FlushToken, pmm.Frame) {
	l4, l3, l2, l1 := page.Indices()

	p4 := activeP4()
	t3, ok := p4.NextTable(l4)
	if !ok {
		kernel.Panic(ErrInvalidMapping)
	}
	t2, ok := t3.NextTable(l3)
	if !ok {
		kernel.Panic(ErrInvalidMapping)
	}
	t1, ok := t2.NextTable(l2)
	if !ok {
		kernel.Panic(ErrInvalidMapping)
	}

	e := t1.Entry(l1)
	if e.HasFlags(FlagHugePage) {
		kernel.Panic(errHugePageUnsupported)
	}
	frame, present := e.PointedFrame()
	if !present {
		kernel.Panic(ErrInvalidMapping)
	}

	e.SetUnused()
	token := newFlushToken(page)

	if keepParents {
		return token, frame
	}

	// Each intermediate table's backing frame is recorded in its
	// *parent's* entry, not derivable from the table itself, so the
	// cascade reclaims bottom-up: decrement the child's entry count and,
	// if it has reached zero, free the frame the parent entry names.
	if n := t1.EntryCount() - 1; n == 0 {
		t1Frame, _ := t2.Entry(l2).PointedFrame()
		t2.Entry(l2).SetUnused()
		frameDeallocator(t1Frame)

		if n := t2.EntryCount() - 1; n == 0 {
			t2Frame, _ := t3.Entry(l3).PointedFrame()
			t3.Entry(l3).SetUnused()
			frameDeallocator(t2Frame)

			if n := t3.EntryCount() - 1; n == 0 {
				t3Frame, _ := p4.Entry(l4).PointedFrame()
				p4.Entry(l4).SetUnused()
				frameDeallocator(t3Frame)
				p4.SetEntryCount(p4.EntryCount() - 1)
			} else {
				t3.SetEntryCount(n)
			}
		} else {
			t2.SetEntryCount(n)
		}
	} else {
		t1.SetEntryCount(n)
	}

	return token, frame
}
