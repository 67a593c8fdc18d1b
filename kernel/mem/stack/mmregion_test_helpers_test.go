package stack

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const pageSizeForTest = 4096

// mmapPages returns a page-aligned region of n zeroed pages backed by a
// real anonymous mmap, standing in for the page-table frames a fixture
// needs. Grounded the same way vmm's own mmregion_test_helpers_test.go
// is: a plain make([]byte, ...) buffer has no alignment guarantee, and
// the table code vmm.Map/Translate walk through reads and writes whole
// pages via raw pointers.
func mmapPages(n int) (addr uintptr, cleanup func()) {
	size := n * pageSizeForTest
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		panic(err)
	}
	addr = uintptr(unsafe.Pointer(&b[0]))
	return addr, func() { _ = unix.Munmap(b) }
}
