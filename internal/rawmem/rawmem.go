// Package rawmem holds the one piece of pointer arithmetic this
// module needs: recovering the prefix header that sits immediately
// before a returned user region, inside the same backing array.
// unsafe.Slice/unsafe.Add give this capability without the alignment
// hazards of casting arbitrary byte offsets to a struct pointer,
// which matters here because buddy blocks are not generally
// word-aligned at deep levels.
package rawmem

import "unsafe"

// Before returns the n bytes immediately preceding p, viewed as a
// slice over the same backing array as p. p must be non-empty and
// must have at least n bytes of valid memory before its first
// element, which holds for every region this module hands out: both
// the buddy and OS-mapping paths always write a header directly
// before the returned slice.
func Before(p []byte, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Add(unsafe.Pointer(&p[0]), -n)), n)
}

// Region reconstructs the full backing region of totalLen bytes that
// starts headerLen bytes before p. Used to recover the exact slice
// that must be passed back to munmap.
func Region(p []byte, headerLen, totalLen int) []byte {
	return unsafe.Slice((*byte)(unsafe.Add(unsafe.Pointer(&p[0]), -headerLen)), totalLen)
}
