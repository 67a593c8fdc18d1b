package main

import "memkern/kernel/kmain"

// main exists to give the Go toolchain a program entry point; the real
// entry is kmain.Kmain, which the rt0 assembly invokes directly with the
// bootloader-provided register state. Keeping a reference here also stops
// the linker from discarding the kernel code as unreachable.
//
// main is not expected to return. If it does, the rt0 code halts the CPU.
func main() {
	kmain.Kmain(0, 0, 0)
}
