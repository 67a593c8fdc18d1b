// Package kmain contains the kernel entry point invoked by the rt0
// initialization code once the GDT and a minimal stack are in place.
package kmain

import (
	"memkern/kernel"
	"memkern/kernel/cpu"
	"memkern/kernel/hal/multiboot"
	"memkern/kernel/kfmt/early"
	"memkern/kernel/mem"
	"memkern/kernel/mem/controller"
)

var errNoBootStack = &kernel.Error{Module: "kmain", Message: "failed to allocate the boot interrupt stack"}

// Kmain is the only Go symbol visible from the rt0 initialization code. It
// is invoked after rt0 has set up the GDT and a minimal stack, with the
// physical address of the bootloader's multiboot2 info structure and the
// physical extent of the loaded kernel image as its arguments.
//
// Kmain is not expected to return. If it does, rt0 halts the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	early.Printf("starting memkern\n")

	cpu.EnableWriteProtect()
	cpu.EnableNoExecute()

	mbStart, mbEnd := multiboot.InfoAddressRange()
	mc := controller.Init(controller.BootInfo{
		KernelStart:    mem.PhysAddr(kernelStart),
		KernelEnd:      mem.PhysAddr(kernelEnd),
		MultibootStart: mem.PhysAddr(mbStart),
		MultibootEnd:   mem.PhysAddr(mbEnd),
	})

	// The interrupt machinery installed after this point runs on its own
	// guarded stack rather than the bootloader-provided one.
	stack, ok := mc.AllocStack(8)
	if !ok {
		kernel.Panic(errNoBootStack)
	}
	early.Printf("interrupt stack at 0x%x-0x%x\n", uintptr(stack.Bottom), uintptr(stack.Top))

	early.Printf("memory subsystem ready\n")

	cpu.Halt()
}
