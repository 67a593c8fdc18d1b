package vmm

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"memkern/kernel"
	"memkern/kernel/hal/multiboot"
	"memkern/kernel/mem"
	"memkern/kernel/mem/pmm"
)

// buildBootInfo assembles a synthetic multiboot2 info blob carrying only an
// elf-sections tag, in the wire format multiboot.VisitElfSections expects.
func buildBootInfo(t *testing.T, sections []multiboot.ElfSection) []byte {
	t.Helper()

	const (
		tagElfSymbols = 9
		tagSectionEnd = 0
	)

	payload := make([]byte, 12)
	binary.LittleEndian.PutUint32(payload, uint32(len(sections)))
	binary.LittleEndian.PutUint32(payload[4:], 20) // entSize
	binary.LittleEndian.PutUint32(payload[8:], 0)
	for _, s := range sections {
		sec := make([]byte, 20)
		binary.LittleEndian.PutUint64(sec, s.Addr)
		binary.LittleEndian.PutUint64(sec[8:], s.Size)
		binary.LittleEndian.PutUint32(sec[16:], uint32(s.Flags))
		payload = append(payload, sec...)
	}

	var body []byte
	appendTag := func(typ uint32, p []byte) {
		start := len(body)
		body = append(body, make([]byte, 8)...)
		binary.LittleEndian.PutUint32(body[start:], typ)
		body = append(body, p...)
		binary.LittleEndian.PutUint32(body[start+4:], uint32(len(body)-start))
		for len(body)%8 != 0 {
			body = append(body, 0)
		}
	}
	appendTag(tagElfSymbols, payload)
	appendTag(tagSectionEnd, nil)

	full := make([]byte, 8, 8+len(body))
	binary.LittleEndian.PutUint32(full, uint32(8+len(body)))
	full = append(full, body...)
	return full
}

// remapFixture builds a page-table address space where every child table is
// materialised as a fresh mmap-backed page the first time it is reached, so
// RemapKernel's walks — which span several disjoint address regions — never
// alias two logical tables onto one backing page.
func remapFixture(t *testing.T) {
	t.Helper()

	p4, cleanup := mmapPages(1)
	t.Cleanup(cleanup)
	Table1{RawTable{addr: p4}}.Zero()

	assigned := map[uintptr]uintptr{}
	t.Cleanup(SetAddressSpaceForTest(p4, func(entryAddr uintptr) uintptr {
		if addr, ok := assigned[entryAddr]; ok {
			return addr
		}
		addr, cleanup := mmapPages(1)
		t.Cleanup(cleanup)
		assigned[entryAddr] = addr
		return addr
	}))

	t.Cleanup(SetTLBHooksForTest(func(mem.VirtAddr) {}, func() {}))
}

var remapBootInfoBuf []byte

func TestRemapKernel(t *testing.T) {
	remapFixture(t)

	remapBootInfoBuf = buildBootInfo(t, []multiboot.ElfSection{
		{Addr: 0x100000, Size: 0x50000, Flags: multiboot.ElfSectionAllocated | multiboot.ElfSectionExecutable},
		{Addr: 0x150000, Size: 0x10000, Flags: multiboot.ElfSectionAllocated | multiboot.ElfSectionWritable},
		{Addr: 0x160000, Size: 0x1000, Flags: multiboot.ElfSectionAllocated},
		{Addr: 0, Size: 0x100, Flags: 0}, // not allocated, must be skipped
	})
	multiboot.SetInfoPtr(uintptr(unsafe.Pointer(&remapBootInfoBuf[0])))

	var allocated []pmm.Frame
	nextFrame := pmm.Frame(0x5000)
	origAlloc, origDealloc := frameAllocator, frameDeallocator
	t.Cleanup(func() { frameAllocator, frameDeallocator = origAlloc, origDealloc })
	frameAllocator = func() (pmm.Frame, *kernel.Error) {
		nextFrame++
		allocated = append(allocated, nextFrame)
		return nextFrame, nil
	}
	var deallocated []pmm.Frame
	frameDeallocator = func(f pmm.Frame) { deallocated = append(deallocated, f) }

	// The old P4 lives inside the executable section, so the remap
	// identity-maps it along with the rest of the kernel image before the
	// switch turns it into a guard page.
	oldP4Frame := pmm.Frame(0x120)
	origActive, origSwitch := activePDTFn, switchPDTFn
	t.Cleanup(func() { activePDTFn, switchPDTFn = origActive, origSwitch })
	activePDTFn = func() uintptr { return uintptr(oldP4Frame.Address()) }
	var switchedTo uintptr
	switchPDTFn = func(addr uintptr) { switchedTo = addr }

	tempBacking, cleanup := mmapPages(1)
	t.Cleanup(cleanup)
	origTemp := tempPageFrameNumber
	t.Cleanup(func() { tempPageFrameNumber = origTemp })
	tempPageFrameNumber = Page(tempBacking >> mem.PageShift)

	RemapKernel()

	// The first frame handed out became the new P4 and must be what CR3
	// was loaded with.
	if len(allocated) == 0 {
		t.Fatal("expected RemapKernel to allocate at least the new P4 frame")
	}
	if want := uintptr(allocated[0].Address()); switchedTo != want {
		t.Fatalf("expected CR3 to be loaded with the new P4 at %#x; got %#x", want, switchedTo)
	}

	// Every allocated section is identity-mapped with permissions derived
	// from its section flags.
	checks := []struct {
		addr     mem.VirtAddr
		writable bool
		noExec   bool
	}{
		{0x100000, false, false}, // executable, read-only
		{0x150000, true, true},   // writable data
		{0x160000, false, true},  // read-only data
	}
	for _, c := range checks {
		got, err := Translate(c.addr)
		if err != nil {
			t.Fatalf("expected %#x to be identity-mapped; got err=%v", c.addr, err)
		}
		if got != mem.PhysAddr(c.addr) {
			t.Fatalf("expected %#x to translate to itself; got %#x", c.addr, got)
		}

		e := l1EntryFor(t, PageFromAddress(c.addr))
		if e.HasFlags(FlagWritable) != c.writable {
			t.Fatalf("%#x: expected writable=%t", c.addr, c.writable)
		}
		if e.HasFlags(FlagNoExecute) != c.noExec {
			t.Fatalf("%#x: expected no-execute=%t", c.addr, c.noExec)
		}
	}

	// VGA MMIO is mapped writable; the boot info blob read-only.
	if e := l1EntryFor(t, PageFromAddress(0xB8000)); !e.HasFlags(FlagPresent | FlagWritable) {
		t.Fatal("expected the VGA buffer to be identity-mapped writable")
	}
	mbStart, _ := multiboot.InfoAddressRange()
	if got, err := Translate(mem.VirtAddr(mbStart)); err != nil || got != mem.PhysAddr(mbStart) {
		t.Fatalf("expected the boot info blob to be identity-mapped; got %#x, err=%v", got, err)
	}
	if e := l1EntryFor(t, PageFromAddress(mem.VirtAddr(mbStart))); e.HasFlags(FlagWritable) {
		t.Fatal("expected the boot info mapping to be read-only")
	}

	// The old P4's page became a guard page: unmapped, its frame freed.
	if _, err := Translate(Page(oldP4Frame).Address()); err != ErrInvalidMapping {
		t.Fatalf("expected the old P4 page to be a guard page; got err=%v", err)
	}
	var freed bool
	for _, f := range deallocated {
		if f == oldP4Frame {
			freed = true
		}
	}
	if !freed {
		t.Fatalf("expected the old P4 frame %v to be returned to the allocator; freed: %v", oldP4Frame, deallocated)
	}
}

// l1EntryFor walks the fixture tables down to the L1 entry for page.
func l1EntryFor(t *testing.T, page Page) *Entry {
	t.Helper()
	l4, l3, l2, l1 := page.Indices()
	t3, ok := activeP4().NextTable(l4)
	if !ok {
		t.Fatalf("no L3 table for page %#x", uintptr(page))
	}
	t2, ok := t3.NextTable(l3)
	if !ok {
		t.Fatalf("no L2 table for page %#x", uintptr(page))
	}
	t1, ok := t2.NextTable(l2)
	if !ok {
		t.Fatalf("no L1 table for page %#x", uintptr(page))
	}
	return t1.Entry(l1)
}
