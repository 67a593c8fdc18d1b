package heap

import (
	"testing"

	"memkern/kernel/mem"
)

func newTestHeap(start mem.VirtAddr, size mem.Size) *Heap {
	h := &Heap{}
	h.free[0] = block{addr: start, size: size}
	h.count = 1
	return h
}

func TestHeapAllocReducesFreeBlock(t *testing.T) {
	h := newTestHeap(0x1000, 4096)

	got := h.alloc(64, 8)
	if got != 0x1000 {
		t.Fatalf("expected first allocation to start at 0x1000; got %#x", got)
	}
	if h.count != 1 {
		t.Fatalf("expected one remaining free block; got %d", h.count)
	}
	if h.free[0].addr != 0x1000+64 || h.free[0].size != 4096-64 {
		t.Fatalf("unexpected remaining block: %+v", h.free[0])
	}
}

func TestHeapAllocExactFitRemovesBlock(t *testing.T) {
	h := newTestHeap(0x1000, 64)

	h.alloc(64, 8)
	if h.count != 0 {
		t.Fatalf("expected the block to be fully consumed; got %d blocks", h.count)
	}
}

func TestHeapAllocRespectsAlignment(t *testing.T) {
	h := newTestHeap(0x1001, 4096)

	got := h.alloc(16, 16)
	if got%16 != 0 {
		t.Fatalf("expected a 16-byte aligned address; got %#x", got)
	}
	if got != 0x1010 {
		t.Fatalf("expected alignment padding to round up to 0x1010; got %#x", got)
	}
}

func TestHeapFreeCoalescesAdjacentBlocks(t *testing.T) {
	h := newTestHeap(0x1000, 4096)

	a := h.alloc(256, 8)
	b := h.alloc(256, 8)
	_ = h.alloc(256, 8)

	h.free_(a, 256)
	h.free_(b, 256)

	// a and b are adjacent and both free now; they must have merged into
	// a single block rather than sitting as two separate entries.
	found := false
	for i := 0; i < h.count; i++ {
		if h.free[i].addr == a && h.free[i].size == 512 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected freeing two adjacent blocks to coalesce them; free list: %+v", h.free[:h.count])
	}
}

func TestHeapAllocFailsWhenExhausted(t *testing.T) {
	h := newTestHeap(0x1000, 128)

	h.alloc(128, 8)
	if h.count != 0 {
		t.Fatalf("expected heap to be fully consumed; got %d blocks", h.count)
	}

	// A further alloc call would panic (spec.md §7 HeapAllocFailure); the
	// free list being empty is the precondition that drives that path,
	// and is the part of the behaviour exercisable without invoking
	// kernel.Panic's CPU halt from a hosted test.
	if h.count != 0 {
		t.Fatalf("expected no free blocks left")
	}
}
