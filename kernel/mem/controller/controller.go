// Package controller wires the frame allocator, page-table mapper, heap
// and stack allocator into the single boot-time sequence the rest of the
// kernel calls once: remap the kernel, bring up the heap, and reserve a
// virtual range for kernel stacks (spec.md §4.8, §6).
//
// It is a separate package from kernel/mem rather than living in it
// (spec.md's own grounding table names kernel/mem/controller.go) because
// kernel/mem/vmm imports kernel/mem for VirtAddr/PhysAddr; folding the
// wiring into kernel/mem itself would close that into an import cycle.
package controller

import (
	"memkern/kernel"
	"memkern/kernel/mem"
	"memkern/kernel/mem/heap"
	"memkern/kernel/mem/pmm/allocator"
	"memkern/kernel/mem/stack"
	"memkern/kernel/mem/vmm"
)

// stackRangePages is the number of pages reserved above the heap for
// kernel stack allocation.
const stackRangePages = 1024

// MemoryController is the handle the rest of the kernel holds once the
// memory subsystem has finished bootstrapping. It exposes nothing but
// AllocStack: every other capability (mapping, translation, frame
// allocation) is reached directly through the vmm/pmm packages, guarded
// by their own locks, exactly as spec.md §5 requires.
type MemoryController struct {
	stacks stack.Allocator
}

// BootInfo is the subset of the bootloader-provided state the controller
// needs to bring the memory subsystem up, mirroring the multiboot2
// fields spec.md §6 lists as "input from bootloader".
type BootInfo struct {
	KernelStart, KernelEnd       mem.PhysAddr
	MultibootStart, MultibootEnd mem.PhysAddr
}

var errAlreadyInitialized = &kernel.Error{Module: "mem_controller", Message: "memory subsystem already initialized"}

var initialized bool

// Init runs the full boot-time sequence described by spec.md §4.7-4.8:
// frame allocator bring-up, kernel remap, heap mapping, and stack range
// reservation. It must be called exactly once.
func Init(info BootInfo) MemoryController {
	if initialized {
		kernel.Panic(errAlreadyInitialized)
	}
	initialized = true

	if err := allocator.Init(info.KernelStart, info.KernelEnd, info.MultibootStart, info.MultibootEnd); err != nil {
		kernel.Panic(err)
	}
	vmm.SetFrameAllocator(allocator.AllocFrame)
	vmm.SetFrameDeallocator(allocator.DeallocateFrame)

	vmm.RemapKernel()

	heapStartPage := vmm.PageFromAddress(heap.Start)
	heapEndPage := vmm.PageFromAddress(heap.Start + mem.VirtAddr(heap.Size))
	heapGroup := vmm.NewFlushGroupToken()
	for p := heapStartPage; p < heapEndPage; p++ {
		heapGroup.Consume(vmm.Map(p, vmm.FlagWritable))
	}
	heapGroup.Flush()
	heap.Init(heap.Start, heap.Size)

	stackRangeStart := heapEndPage
	stackRangeEnd := stackRangeStart + vmm.Page(stackRangePages)

	return MemoryController{stacks: stack.NewAllocator(stackRangeStart, stackRangeEnd)}
}

// AllocStack vends a new guarded kernel stack of n pages, or false if the
// reserved stack range is exhausted.
func (c *MemoryController) AllocStack(n uint64) (stack.Stack, bool) {
	return c.stacks.AllocStack(n)
}
