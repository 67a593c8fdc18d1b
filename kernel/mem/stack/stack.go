// Package stack implements the kernel stack allocator: a cursor over a
// reserved virtual-page range that vends stacks each preceded by an
// unmapped guard page (spec.md §4.8).
package stack

import (
	"memkern/kernel"
	"memkern/kernel/mem"
	"memkern/kernel/mem/vmm"
)

// Stack is a mapped, guarded kernel stack. Top is one-past-the-end (the
// initial stack pointer); Bottom is the lowest mapped address.
type Stack struct {
	Top    mem.VirtAddr
	Bottom mem.VirtAddr
}

var errInvalidStack = &kernel.Error{Module: "stack", Message: "stack top must be above its bottom"}

func newStack(top, bottom mem.VirtAddr) Stack {
	if top <= bottom {
		kernel.Panic(errInvalidStack)
	}
	return Stack{Top: top, Bottom: bottom}
}

// Allocator hands out stacks from a fixed range of consecutive pages,
// advancing a cursor on every success and leaving it untouched on
// failure — a request that cannot be satisfied has no partial effect.
type Allocator struct {
	next vmm.Page
	end  vmm.Page // one past the last page in the reserved range
}

// NewAllocator reserves [start, end) (end exclusive) for stack allocation.
// The range is not mapped; AllocStack maps only the pages a given request
// actually uses.
func NewAllocator(start, end vmm.Page) Allocator {
	return Allocator{next: start, end: end}
}

// AllocStack takes n+1 pages from the reserved range: the first becomes an
// intentionally-unmapped guard page, and the remaining n become the
// mapped, writable stack body. n == 0 always fails, since a zero-page
// stack is not usable. A request that would run past the end of the
// reserved range fails without advancing the cursor or mapping anything.
func (a *Allocator) AllocStack(n uint64) (Stack, bool) {
	if n == 0 {
		return Stack{}, false
	}

	guard := a.next
	bodyStart := guard + 1
	bodyEnd := bodyStart + vmm.Page(n) // one past the last body page

	if bodyEnd > a.end {
		return Stack{}, false
	}

	group := vmm.NewFlushGroupToken()
	for p := bodyStart; p < bodyEnd; p++ {
		group.Consume(vmm.Map(p, vmm.FlagWritable))
	}
	group.Flush()

	a.next = bodyEnd

	lastBodyPage := bodyEnd - 1
	top := lastBodyPage.Address() + mem.VirtAddr(mem.PageSize)
	bottom := bodyStart.Address()
	return newStack(top, bottom), true
}
