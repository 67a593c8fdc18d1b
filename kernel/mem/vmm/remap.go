package vmm

import (
	"memkern/kernel"
	"memkern/kernel/hal/multiboot"
	"memkern/kernel/mem"
	"memkern/kernel/mem/pmm"
)

// tempPageFrameNumber is an arbitrary, otherwise-unused high page number
// used as the one fixed temporary-mapping slot during kernel remap. It is
// a variable so hosted tests can repoint it at a page that resolves to
// real memory.
var tempPageFrameNumber = Page(0xcafebabe)

var errUnalignedSection = &kernel.Error{Module: "vmm", Message: "ELF section is not page-aligned"}

// RemapKernel runs the one-shot sequence that replaces the bootloader's
// identity mapping — writable everywhere, no NX — with a correctly-flagged
// layout: each loaded ELF section gets exactly the permissions its section
// flags call for, the VGA text buffer and the multiboot info structure are
// identity-mapped, and the old P4 frame becomes an unmapped guard page once
// the new table is active.
func RemapKernel() {
	temp := NewTemporaryPage(tempPageFrameNumber)

	frame, err := frameAllocator()
	if err != nil {
		kernel.Panic(err)
	}
	newTable := NewInactivePageTable(frame, temp)

	Active().With(newTable, temp, func() {
		multiboot.VisitElfSections(func(sec *multiboot.ElfSection) bool {
			if sec.Flags&multiboot.ElfSectionAllocated == 0 {
				return true
			}
			if sec.Addr%uint64(mem.PageSize) != 0 {
				kernel.Panic(errUnalignedSection)
			}

			flags := FlagPresent
			if sec.Flags&multiboot.ElfSectionExecutable == 0 {
				flags |= FlagNoExecute
			}
			if sec.Flags&multiboot.ElfSectionWritable != 0 {
				flags |= FlagWritable
			}

			startFrame := pmm.FromAddress(mem.PhysAddr(sec.Addr))
			endFrame := pmm.FromAddress(mem.PhysAddr(sec.End() - 1))
			for f := startFrame; f <= endFrame; f++ {
				IdentityMap(f, flags).Ignore()
			}
			return true
		})

		IdentityMap(pmm.FromAddress(0xB8000), FlagWritable).Ignore()

		mbStart, mbEnd := multiboot.InfoAddressRange()
		startFrame := pmm.FromAddress(mem.PhysAddr(mbStart))
		endFrame := pmm.FromAddress(mem.PhysAddr(mbEnd - 1))
		for f := startFrame; f <= endFrame; f++ {
			IdentityMap(f, FlagPresent).Ignore()
		}
	})

	oldTable := Active().Switch(newTable)

	oldP4Page := Page(oldTable.P4Frame())
	Unmap(oldP4Page).Flush()
}
