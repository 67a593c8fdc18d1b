// Package allocator implements the physical frame allocator: a bitmap that
// tracks every page-sized region of RAM and hands out free frames during
// kernel bring-up (spec.md §4.1).
package allocator

import (
	"memkern/kernel"
	"memkern/kernel/hal/multiboot"
	"memkern/kernel/kfmt/early"
	"memkern/kernel/mem"
	"memkern/kernel/mem/pmm"
	ksync "memkern/kernel/sync"
)

// DefaultMaxMemSize bounds the physical address space the bitmap can track.
// Machines with more RAM than this need a bigger backing array (or, as
// spec.md §9 notes, a radix-tree allocator); NewBitmapAllocator accepts the
// backing slice as a parameter so callers can supply one sized for their
// hardware instead of hard-coding 4 GiB everywhere.
const DefaultMaxMemSize = 4 * mem.Gb

const defaultBitmapWords = uint64(DefaultMaxMemSize) / uint64(mem.PageSize) / 64

// defaultBitmap is the backing store Init uses unless the caller overrides
// it. It mirrors the Rust original's `static mut BITMAP` — a fixed array
// sized for the common case, not a heap allocation, since the heap is not
// yet available when the frame allocator starts up.
var defaultBitmap [defaultBitmapWords]uint64

// maxTrackedRegions bounds how many memory-map entries Init will consider.
// A real machine's map rarely has more than a couple dozen entries; this
// cap avoids a heap allocation while scanning the bootloader-provided map.
const maxTrackedRegions = 64

var (
	errOutOfMemory        = &kernel.Error{Module: "pmm_alloc", Message: "out of memory"}
	errNotInitialized     = &kernel.Error{Module: "pmm_alloc", Message: "frame allocator used before init"}
	errAlreadyInitialized = &kernel.Error{Module: "pmm_alloc", Message: "frame allocator already initialized"}
	errTooManyRegions     = &kernel.Error{Module: "pmm_alloc", Message: "memory map has more regions than this allocator supports"}
)

// BitmapAllocator is a physical frame allocator backed by a fixed bitmap:
// bit set means the corresponding frame is owned (used, reserved, or
// unusable) and will never be handed out by AllocFrame.
type BitmapAllocator struct {
	bitmap []uint64

	// nextFreeFrame is the scan cursor; secondScan distinguishes a first
	// pass (0..lastFrame) from the wraparound retry.
	nextFreeFrame pmm.Frame
	secondScan    bool
	lastFrame     pmm.Frame
}

// NewBitmapAllocator builds a BitmapAllocator over the given backing
// bitmap. It marks as reserved (i) every frame in a non-usable memory-map
// region, (ii) the gaps between reported usable regions, (iii) the frames
// occupied by the loaded kernel image, (iv) the frames occupied by the
// bootloader's own info structure, and (v) frame 0 — physical address
// 0x0000-0x0FFF universally holds the real-mode IVT and BIOS data area and
// is never handed out regardless of what a memory map claims about it.
func NewBitmapAllocator(bitmap []uint64, kernelStart, kernelEnd, mbStart, mbEnd mem.PhysAddr) (*BitmapAllocator, *kernel.Error) {
	alloc := &BitmapAllocator{bitmap: bitmap}

	// Reserve everything by default; usable regions are carved out below.
	// This is the mirror image of the Rust original (which defaults to
	// free and explicitly reserves gaps) but is equivalent and simpler:
	// a frame is free iff it falls inside a reported usable region.
	for i := range alloc.bitmap {
		alloc.bitmap[i] = ^uint64(0)
	}

	var (
		regions     [maxTrackedRegions]multiboot.MemoryMapEntry
		regionCount int
		overflowed  bool
	)
	multiboot.VisitMemRegions(func(e *multiboot.MemoryMapEntry) bool {
		if regionCount >= maxTrackedRegions {
			overflowed = true
			return false
		}
		regions[regionCount] = *e
		regionCount++
		return true
	})
	if overflowed {
		return nil, errTooManyRegions
	}

	var lastAddr uint64
	for i := 0; i < regionCount; i++ {
		if end := regions[i].PhysAddress + regions[i].Length; end > lastAddr {
			lastAddr = end
		}
	}
	alloc.lastFrame = pmm.FromAddress(mem.PhysAddr(lastAddr))

	// RAM beyond what the bitmap can track is simply never handed out;
	// see the DefaultMaxMemSize comment.
	if maxFrames := pmm.Frame(len(alloc.bitmap) * 64); alloc.lastFrame >= maxFrames {
		alloc.lastFrame = maxFrames - 1
	}

	pageSizeMinus1 := uint64(mem.PageSize - 1)
	for i := 0; i < regionCount; i++ {
		r := regions[i]
		if r.Type != multiboot.MemAvailable || r.Length < uint64(mem.PageSize) {
			continue
		}

		startFrame := pmm.FromAddress(mem.PhysAddr((r.PhysAddress + pageSizeMinus1) &^ pageSizeMinus1))
		endAddr := r.PhysAddress + r.Length
		if endAddr < uint64(mem.PageSize) {
			continue
		}
		endFrame := pmm.FromAddress(mem.PhysAddr((endAddr &^ pageSizeMinus1) - uint64(mem.PageSize)))
		if endFrame < startFrame {
			continue
		}

		for f := startFrame; f <= endFrame; f++ {
			alloc.setFree(f)
		}
	}

	alloc.setUsed(0) // see doc comment above

	if kernelEnd >= kernelStart {
		for f := pmm.FromAddress(kernelStart); f <= pmm.FromAddress(kernelEnd); f++ {
			alloc.setUsed(f)
		}
	}
	if mbEnd >= mbStart {
		for f := pmm.FromAddress(mbStart); f <= pmm.FromAddress(mbEnd); f++ {
			alloc.setUsed(f)
		}
	}

	alloc.nextFreeFrame = 0
	alloc.secondScan = false

	return alloc, nil
}

func (a *BitmapAllocator) wordAndMask(f pmm.Frame) (word int, mask uint64) {
	return int(f / 64), 1 << (uint64(f) % 64)
}

func (a *BitmapAllocator) setUsed(f pmm.Frame) {
	word, mask := a.wordAndMask(f)
	if word < 0 || word >= len(a.bitmap) {
		return
	}
	a.bitmap[word] |= mask
}

func (a *BitmapAllocator) setFree(f pmm.Frame) {
	word, mask := a.wordAndMask(f)
	if word < 0 || word >= len(a.bitmap) {
		return
	}
	a.bitmap[word] &^= mask
}

func (a *BitmapAllocator) isUsed(f pmm.Frame) bool {
	word, mask := a.wordAndMask(f)
	return a.bitmap[word]&mask != 0
}

// AllocFrame scans the bitmap forward from the cursor, returning the first
// free frame. Whole words that are fully reserved are skipped in one step
// rather than tested bit by bit — important for boot-time performance on a
// machine with gigabytes of already-reserved low memory. The scan wraps
// around once (second_scan) before giving up.
func (a *BitmapAllocator) AllocFrame() (pmm.Frame, *kernel.Error) {
	for {
		if a.nextFreeFrame > a.lastFrame {
			if a.secondScan {
				a.secondScan = false
				return pmm.InvalidFrame, errOutOfMemory
			}
			a.secondScan = true
			a.nextFreeFrame = 0
			continue
		}

		word, _ := a.wordAndMask(a.nextFreeFrame)
		if a.bitmap[word] == ^uint64(0) {
			a.nextFreeFrame = pmm.Frame((word + 1) * 64)
			continue
		}

		if a.isUsed(a.nextFreeFrame) {
			a.nextFreeFrame++
			continue
		}

		frame := a.nextFreeFrame
		a.setUsed(frame)
		a.nextFreeFrame++
		a.secondScan = false
		return frame, nil
	}
}

// DeallocateFrame clears the bit for f, making it eligible for reuse by a
// later AllocFrame. f must be within the tracked range; spec.md §4.1 treats
// this as a debug-only precondition, but since Go has no cheap debug-only
// assertion mechanism the check is always enforced here.
func (a *BitmapAllocator) DeallocateFrame(f pmm.Frame) {
	if f >= a.lastFrame {
		kernel.Panic(&kernel.Error{Module: "pmm_alloc", Message: "deallocate_frame: frame out of range"})
	}
	a.setFree(f)
}

var (
	globalLock ksync.Spinlock
	global     *BitmapAllocator
)

// Init sets up the global frame allocator. It must be called exactly once,
// before any call to AllocFrame or DeallocateFrame.
func Init(kernelStart, kernelEnd, mbStart, mbEnd mem.PhysAddr) *kernel.Error {
	globalLock.Acquire()
	defer globalLock.Release()

	if global != nil {
		return errAlreadyInitialized
	}

	alloc, err := NewBitmapAllocator(defaultBitmap[:], kernelStart, kernelEnd, mbStart, mbEnd)
	if err != nil {
		return err
	}

	early.Printf("[pmm_alloc] kernel at 0x%x-0x%x, boot info at 0x%x-0x%x, last frame: %d\n",
		uint64(kernelStart), uint64(kernelEnd), uint64(mbStart), uint64(mbEnd), uint64(alloc.lastFrame))

	global = alloc
	return nil
}

// AllocFrame allocates a frame from the global allocator.
func AllocFrame() (pmm.Frame, *kernel.Error) {
	globalLock.Acquire()
	defer globalLock.Release()

	if global == nil {
		kernel.Panic(errNotInitialized)
	}
	return global.AllocFrame()
}

// DeallocateFrame returns a frame to the global allocator.
func DeallocateFrame(f pmm.Frame) {
	globalLock.Acquire()
	defer globalLock.Release()

	if global == nil {
		kernel.Panic(errNotInitialized)
	}
	global.DeallocateFrame(f)
}

// resetForTest clears the global allocator so tests can call Init
// repeatedly. It is only referenced from _test.go files.
func resetForTest() {
	global = nil
}
