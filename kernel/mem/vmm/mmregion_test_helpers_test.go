package vmm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const pageSizeForTest = 4096

// mmapPages returns a page-aligned region of n zeroed pages backed by a
// real anonymous mmap, standing in for "physical memory" in hosted table
// and mapper tests. A plain make([]byte, ...) buffer is not guaranteed by
// the Go runtime to be page-aligned, and the table code in this package
// reads and writes whole pages through raw uintptr arithmetic — it needs
// the same alignment guarantee real physical frames have.
func mmapPages(n int) (addr uintptr, cleanup func()) {
	size := n * pageSizeForTest
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		panic(err)
	}
	addr = uintptr(unsafe.Pointer(&b[0]))
	return addr, func() { _ = unix.Munmap(b) }
}
