// Package cpu exposes the handful of amd64 primitives the memory subsystem
// needs: TLB control, CR3 access, CR0.WP/EFER.NXE setup, and a halt
// instruction. These are declared without bodies here; their bodies are
// the Plan 9 assembly in cpu_amd64.s.
package cpu

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry invalidates the TLB entry for a single virtual address
// (invlpg).
func FlushTLBEntry(virtAddr uintptr)

// FlushTLB performs a full TLB flush by reloading CR3 with its current
// value.
func FlushTLB()

// ActivePDT returns the physical address of the currently active top-level
// page table (the value of CR3).
func ActivePDT() uintptr

// SwitchPDT writes pdtPhysAddr into CR3, making it the active top-level page
// table. The write implicitly flushes all non-global TLB entries.
func SwitchPDT(pdtPhysAddr uintptr)

// EnableWriteProtect sets CR0.WP so that the CPU enforces read-only page
// mappings even while running at ring 0. It must be called before
// vmm.RemapKernel installs any read-only section mapping.
func EnableWriteProtect()

// EnableNoExecute sets EFER.NXE so that the NO_EXECUTE page flag is honoured
// by the MMU. It must be called before vmm.RemapKernel installs any
// NO_EXECUTE mapping.
func EnableNoExecute()
