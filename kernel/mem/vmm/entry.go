package vmm

import (
	"memkern/kernel/mem"
	"memkern/kernel/mem/pmm"
)

// EntryFlag describes one of the MMU-defined bits of a page-table entry.
type EntryFlag uintptr

const (
	// FlagPresent is set when the entry points to a frame that is
	// currently mapped.
	FlagPresent EntryFlag = 1 << iota
	// FlagWritable allows writes to the mapped page.
	FlagWritable
	// FlagUser allows ring-3 access to the mapped page.
	FlagUser
	// FlagWriteThrough disables write-back caching for the mapped page.
	FlagWriteThrough
	// FlagNoCache disables caching entirely for the mapped page.
	FlagNoCache
	// FlagAccessed is set by the CPU the first time the page is read.
	FlagAccessed
	// FlagDirty is set by the CPU the first time the page is written.
	FlagDirty
	// FlagHugePage marks a 2 MiB (L2) or 1 GiB (L3) leaf entry.
	FlagHugePage
	// FlagGlobal exempts the mapping from TLB flushes on a CR3 reload.
	FlagGlobal
)

// FlagNoExecute forbids instruction fetches from the mapped page.
const FlagNoExecute EntryFlag = 1 << 63

const (
	physAddrMask = uintptr(0x000f_ffff_ffff_f000)

	// osAvailShift/osAvailMask locate the 10-bit OS-available field at
	// bits 52-61, the spare bits between the physical frame number and
	// the NO_EXECUTE bit.
	osAvailShift = 52
	osAvailMask  = uintptr(0x3FF) << osAvailShift

	flagBitsMask = uintptr(0x1FF) | uintptr(FlagNoExecute) // bits 0-8 plus NX
)

// Entry is a single 64-bit hardware page-table entry: physical frame number,
// MMU flag bits, and a 10-bit OS-available field at bits 52-61 used by
// Table's entry-count bookkeeping (see table.go).
type Entry uintptr

// Flags returns the MMU-defined flag bits of the entry.
func (e Entry) Flags() EntryFlag {
	return EntryFlag(uintptr(e) & flagBitsMask)
}

// HasFlags reports whether every bit in flags is set.
func (e Entry) HasFlags(flags EntryFlag) bool {
	return uintptr(e)&uintptr(flags) == uintptr(flags)
}

// SetFlags ORs flags into the entry, leaving the frame and count bits
// untouched.
func (e *Entry) SetFlags(flags EntryFlag) {
	*e = Entry(uintptr(*e) | uintptr(flags))
}

// ClearFlags clears flags from the entry.
func (e *Entry) ClearFlags(flags EntryFlag) {
	*e = Entry(uintptr(*e) &^ uintptr(flags))
}

// PointedFrame returns the frame this entry refers to, and whether the entry
// is present.
func (e Entry) PointedFrame() (pmm.Frame, bool) {
	if !e.HasFlags(FlagPresent) {
		return 0, false
	}
	return pmm.Frame((uintptr(e) & physAddrMask) >> mem.PageShift), true
}

// Set installs frame with the given flags, preserving the OS-available
// count bits so a table's bookkeeping survives entries being reused.
func (e *Entry) Set(frame pmm.Frame, flags EntryFlag) {
	count := uintptr(*e) & osAvailMask
	*e = Entry((uintptr(frame)<<mem.PageShift)&physAddrMask | uintptr(flags) | count)
}

// SetUnused clears the address and flag bits but preserves the count bits,
// so a freshly-cleared entry retains its parent table's bookkeeping.
func (e *Entry) SetUnused() {
	*e = Entry(uintptr(*e) & osAvailMask)
}

// Unused reports whether the entry has no address and no flags set (the
// count bits do not affect this).
func (e Entry) Unused() bool {
	return uintptr(e)&^osAvailMask == 0
}

// CounterBits returns the raw 10-bit OS-available field.
func (e Entry) CounterBits() uintptr {
	return (uintptr(e) & osAvailMask) >> osAvailShift
}

// SetCounterBits overwrites the 10-bit OS-available field.
func (e *Entry) SetCounterBits(n uintptr) {
	*e = Entry((uintptr(*e) &^ osAvailMask) | ((n & 0x3FF) << osAvailShift))
}
