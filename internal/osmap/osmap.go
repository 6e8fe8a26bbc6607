// Package osmap adapts the host OS's anonymous private page mapping
// facility to the shape PseudoAllocator needs: map N bytes, unmap
// exactly that slice back.
package osmap

import "golang.org/x/sys/unix"

// Map requests length bytes from the OS as a private anonymous
// mapping, read/write.
func Map(length int) ([]byte, error) {
	return unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
}

// Unmap releases a region previously returned by Map. The length of
// region must exactly match what was passed to Map.
func Unmap(region []byte) error {
	return unix.Munmap(region)
}
