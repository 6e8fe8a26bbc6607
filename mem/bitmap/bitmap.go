// Package bitmap implements a packed array of single-bit flags over
// caller-owned byte storage. It never owns its buffer: the buffer
// must outlive the Bitmap view, exactly as BuddyAllocator's arena and
// bitmap buffer are owned and supplied by its caller.
package bitmap

import "github.com/erpaffo/go-pseudomalloc/internal/allocerr"

// BytesFor returns the number of bytes required to store numBits
// flags: ceil(numBits / 8).
func BytesFor(numBits int) int {
	return (numBits + 7) / 8
}

// Bitmap is a view over an externally supplied byte buffer. Bit i
// lives in byte i>>3 at intra-byte position i&7, LSB-first within the
// byte.
type Bitmap struct {
	buf     []byte
	numBits int
}

// New binds a Bitmap view to buf. It does not zero buf; callers that
// need a clean bitmap must do so themselves (BuddyAllocator zeroes its
// bitmap on Init).
func New(buf []byte, numBits int) (*Bitmap, error) {
	if numBits <= 0 {
		return nil, allocerr.New(allocerr.InvalidArgument, "bitmap: numBits must be > 0")
	}
	if len(buf) < BytesFor(numBits) {
		return nil, allocerr.New(allocerr.ConfigInconsistent, "bitmap: buffer too small for numBits")
	}
	return &Bitmap{buf: buf, numBits: numBits}, nil
}

// NumBits reports the number of addressable bits.
func (b *Bitmap) NumBits() int { return b.numBits }

// Zero clears every bit the view covers.
func (b *Bitmap) Zero() {
	for i := range b.buf[:BytesFor(b.numBits)] {
		b.buf[i] = 0
	}
}

// Set writes bit i to value (0 or 1). Out-of-range i is a precondition
// violation and panics.
func (b *Bitmap) Set(i int, value uint8) {
	b.checkRange(i)
	byteIdx := i >> 3
	bitIdx := uint(i & 7)
	if value != 0 {
		b.buf[byteIdx] |= 1 << bitIdx
	} else {
		b.buf[byteIdx] &^= 1 << bitIdx
	}
}

// Get reads bit i. Out-of-range i panics; see Set.
func (b *Bitmap) Get(i int) uint8 {
	b.checkRange(i)
	byteIdx := i >> 3
	bitIdx := uint(i & 7)
	if b.buf[byteIdx]&(1<<bitIdx) != 0 {
		return 1
	}
	return 0
}

func (b *Bitmap) checkRange(i int) {
	if i < 0 || i >= b.numBits {
		panic(allocerr.New(allocerr.Precondition, "bitmap: index out of range"))
	}
}
