// Package pseudomalloc is the front door: it dispatches each request
// to the buddy allocator or to OS anonymous page mapping by size
// threshold, and recovers the right back-end at free time from the
// provenance word stored immediately before the user region.
//
// Alloc and Free are methods on a value the caller constructs once via
// New: a single owned instance, no package-level singleton.
package pseudomalloc

import (
	"encoding/binary"

	"github.com/erpaffo/go-pseudomalloc/internal/allocerr"
	"github.com/erpaffo/go-pseudomalloc/internal/diag"
	"github.com/erpaffo/go-pseudomalloc/internal/osmap"
	"github.com/erpaffo/go-pseudomalloc/internal/rawmem"
	"github.com/erpaffo/go-pseudomalloc/mem/buddy"
)

func osMap(length int) ([]byte, error) { return osmap.Map(length) }
func osUnmap(region []byte) error      { return osmap.Unmap(region) }

// wordSize is the width of the OS-path length prefix, matching the
// buddy package's own prefix word width so a single comparison can
// discriminate both paths from the same offset.
const wordSize = 8

// mapFn and unmapFn are the OS page-mapping seam. Tests reassign these
// to avoid touching real address space.
var (
	mapFn   = osMap
	unmapFn = osUnmap
)

// Allocator is the front door bound to one BuddyAllocator and one
// size threshold.
type Allocator struct {
	buddy     *buddy.Allocator
	threshold int
	log       diag.Logger
}

// New binds a front door to an already-constructed buddy allocator and
// a threshold T: requests of size >= T are served by OS page mapping,
// smaller requests by buddy. T must exceed the largest size the buddy
// path can ever store in its prefix word for the discrimination at
// Free to stay unambiguous; since the buddy path is only ever entered
// for size < T, this holds by construction and is not separately
// validated.
func New(b *buddy.Allocator, threshold int, log diag.Logger) (*Allocator, error) {
	if b == nil {
		return nil, allocerr.New(allocerr.InvalidArgument, "pseudomalloc: buddy allocator must be non-nil")
	}
	if threshold <= 0 {
		return nil, allocerr.New(allocerr.ConfigInconsistent, "pseudomalloc: threshold must be > 0")
	}
	if log == nil {
		log = diag.Nop
	}
	return &Allocator{buddy: b, threshold: threshold, log: log}, nil
}

// Alloc serves size bytes from the buddy allocator if size is below
// the configured threshold, otherwise from OS anonymous mapping.
func (a *Allocator) Alloc(size int) ([]byte, error) {
	if size <= 0 {
		return nil, allocerr.New(allocerr.InvalidArgument, "pseudomalloc: size must be > 0")
	}

	if size >= a.threshold {
		return a.allocOS(size)
	}

	a.log.Infof("pseudomalloc: routing size=%d to buddy", size)
	return a.buddy.Malloc(size)
}

// Free releases a region previously returned by Alloc, routing to the
// matching back-end by reading the word immediately before p.
func (a *Allocator) Free(p []byte) error {
	if p == nil || len(p) == 0 {
		return allocerr.New(allocerr.InvalidArgument, "pseudomalloc: cannot free nil region")
	}

	word := binary.LittleEndian.Uint64(rawmem.Before(p, wordSize))
	if int(word) >= a.threshold {
		return a.freeOS(p, int(word))
	}

	a.log.Infof("pseudomalloc: routing free to buddy")
	return a.buddy.Free(p)
}

func (a *Allocator) allocOS(size int) ([]byte, error) {
	total := size + wordSize
	a.log.Infof("pseudomalloc: routing size=%d to os map (total=%d)", size, total)
	mapped, err := mapFn(total)
	if err != nil {
		a.log.Errorf("pseudomalloc: os map failed for size=%d: %v", size, err)
		return nil, allocerr.New(allocerr.OutOfMemory, "pseudomalloc: os mapping failed")
	}

	binary.LittleEndian.PutUint64(mapped, uint64(total))
	return mapped[wordSize : wordSize+size], nil
}

func (a *Allocator) freeOS(p []byte, total int) error {
	region := rawmem.Region(p, wordSize, total)
	if err := unmapFn(region); err != nil {
		a.log.Errorf("pseudomalloc: os unmap failed: %v", err)
		return allocerr.New(allocerr.OutOfMemory, "pseudomalloc: os unmap failed")
	}
	a.log.Infof("pseudomalloc: os unmap total=%d", total)
	return nil
}
