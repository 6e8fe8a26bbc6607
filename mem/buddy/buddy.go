// Package buddy implements a fixed-arena buddy allocator: a
// complete-binary-tree bookkeeping scheme over a single bitmap that
// tracks the occupancy of every subdivision of the arena at once.
//
// Level 0 is the whole arena; level numLevels is the smallest class,
// min_bucket_size bytes. Node i's parent is (i-1)/2, its children are
// 2i+1 and 2i+2, its buddy is the other child of its parent (see
// buddyOf below — not i^1, despite what that looks like at a glance).
// Bit i=1 means node i or some descendant of it is allocated; bit i=0
// means node i and every descendant is free.
//
// A node's block starts at offsetInLevel(i)*blockSize within the
// arena.
package buddy

import (
	"encoding/binary"
	"math"

	"github.com/erpaffo/go-pseudomalloc/internal/allocerr"
	"github.com/erpaffo/go-pseudomalloc/internal/diag"
	"github.com/erpaffo/go-pseudomalloc/internal/rawmem"
	"github.com/erpaffo/go-pseudomalloc/mem/bitmap"
)

// MaxLevels bounds num_levels so that bitmap indices fit comfortably
// in an int and the recursive tree walks stay shallow.
const MaxLevels = 24

// headerWords is the number of machine words stored immediately
// before every buddy-served user region: bitmap index, then original
// requested size.
const headerWords = 2

// wordSize is the width of each prefix word, fixed so writer and
// reader stay unambiguously consistent regardless of platform.
const wordSize = 8

// overhead is the total prefix size added to every request.
const overhead = headerWords * wordSize

// Allocator is a buddy allocator bound to one arena and one bitmap
// buffer, both owned by the caller for the allocator's lifetime.
type Allocator struct {
	numLevels     int
	minBucketSize int
	memorySize    int
	arena         []byte
	bm            *bitmap.Bitmap
	log           diag.Logger
}

// New validates the supplied configuration and, on success, returns a
// ready-to-use Allocator with its bitmap zeroed.
//
// Preconditions, each producing a distinct error: arena and
// bitmapBuf non-nil and non-empty; numLevels in [1, MaxLevels);
// minBucketSize == len(arena) >> numLevels; len(arena) a power of two
// (a non-power-of-two arena is rejected outright rather than
// silently retargeted); len(bitmapBuf) >= bitmap.BytesFor(2^(numLevels+1)-1).
//
// log may be nil, in which case diagnostics are discarded.
func New(numLevels int, arena []byte, bitmapBuf []byte, minBucketSize int, log diag.Logger) (*Allocator, error) {
	if log == nil {
		log = diag.Nop
	}

	if arena == nil || len(arena) == 0 {
		return nil, allocerr.New(allocerr.InvalidArgument, "buddy: arena must be non-nil and non-empty")
	}
	if bitmapBuf == nil || len(bitmapBuf) == 0 {
		return nil, allocerr.New(allocerr.InvalidArgument, "buddy: bitmap buffer must be non-nil and non-empty")
	}
	if numLevels < 1 || numLevels >= MaxLevels {
		return nil, allocerr.New(allocerr.ConfigInconsistent, "buddy: num_levels out of range")
	}

	memorySize := len(arena)
	if memorySize&(memorySize-1) != 0 {
		return nil, allocerr.New(allocerr.ConfigInconsistent, "buddy: arena size must be a power of two")
	}
	if minBucketSize != memorySize>>numLevels {
		return nil, allocerr.New(allocerr.ConfigInconsistent, "buddy: min_bucket_size != arena_size >> num_levels")
	}

	numBits := (1 << uint(numLevels+1)) - 1
	if len(bitmapBuf) < bitmap.BytesFor(numBits) {
		return nil, allocerr.New(allocerr.ConfigInconsistent, "buddy: bitmap buffer too small")
	}

	bm, err := bitmap.New(bitmapBuf, numBits)
	if err != nil {
		return nil, err
	}
	bm.Zero()

	log.Infof("buddy: init levels=%d memory_size=%d bitmap_bits=%d min_bucket_size=%d",
		numLevels, memorySize, numBits, minBucketSize)

	return &Allocator{
		numLevels:     numLevels,
		minBucketSize: minBucketSize,
		memorySize:    memorySize,
		arena:         arena,
		bm:            bm,
		log:           log,
	}, nil
}

// Malloc reserves the smallest sufficient class for size bytes and
// returns the user-visible region, or an error if none is available.
func (a *Allocator) Malloc(size int) ([]byte, error) {
	if size <= 0 {
		return nil, allocerr.New(allocerr.InvalidArgument, "buddy: size must be > 0")
	}

	padded := size + overhead
	if padded > a.memorySize {
		return nil, allocerr.New(allocerr.OutOfMemory, "buddy: padded size exceeds arena")
	}

	level := int(math.Floor(math.Log2(float64(a.memorySize) / float64(padded))))
	if level < 0 {
		level = 0
	}
	if level > a.numLevels {
		level = a.numLevels
	}

	idx, ok := a.findFree(level)
	if !ok {
		a.log.Errorf("buddy: out of memory at level %d for size %d", level, size)
		return nil, allocerr.New(allocerr.OutOfMemory, "buddy: no free block at required level")
	}

	a.setSubtree(idx, 1)
	a.setAncestors(idx, 1)

	blockSize := a.memorySize >> uint(level)
	offset := offsetInLevel(idx) * blockSize

	binary.LittleEndian.PutUint64(a.arena[offset:], uint64(idx))
	binary.LittleEndian.PutUint64(a.arena[offset+wordSize:], uint64(size))

	region := a.arena[offset+overhead : offset+overhead+size]
	a.log.Infof("buddy: malloc size=%d level=%d index=%d offset=%d", size, level, idx, offset)
	return region, nil
}

// Free releases a region previously returned by Malloc. Releasing an
// already-free block is reported as a double-free and leaves the
// bitmap unchanged.
func (a *Allocator) Free(p []byte) error {
	if p == nil || len(p) == 0 {
		return allocerr.New(allocerr.InvalidArgument, "buddy: cannot free nil region")
	}

	header := rawmem.Before(p, overhead)
	idx := int(binary.LittleEndian.Uint64(header))

	if a.bm.Get(idx) == 0 {
		a.log.Errorf("buddy: double free at index %d", idx)
		return allocerr.New(allocerr.DoubleFree, "buddy: block already free")
	}

	a.setSubtree(idx, 0)
	a.merge(idx)

	a.log.Infof("buddy: free index=%d", idx)
	return nil
}

// findFree scans level's nodes left to right and returns the index of
// the first free one. It never probes other levels: the implicit
// split performed by setSubtree/setAncestors on allocation guarantees
// this is sufficient.
func (a *Allocator) findFree(level int) (int, bool) {
	first := firstIndexOfLevel(level)
	last := firstIndexOfLevel(level+1) - 1
	for i := first; i <= last; i++ {
		if a.bm.Get(i) == 0 {
			return i, true
		}
	}
	return 0, false
}

// setSubtree sets node i and every descendant of i to value.
func (a *Allocator) setSubtree(i int, value uint8) {
	if i >= a.bm.NumBits() {
		return
	}
	a.bm.Set(i, value)
	a.setSubtree(2*i+1, value)
	a.setSubtree(2*i+2, value)
}

// setAncestors sets i and every ancestor of i, up to and including the
// root, to value.
func (a *Allocator) setAncestors(i int, value uint8) {
	for {
		a.bm.Set(i, value)
		if i == 0 {
			return
		}
		i = parentOf(i)
	}
}

// merge walks upward from i (already cleared by the caller), clearing
// each ancestor's bit while its buddy remains free, and stopping the
// first time it finds an allocated buddy or reaches the root.
func (a *Allocator) merge(i int) {
	for i != 0 {
		buddy := buddyOf(i)
		if a.bm.Get(buddy) == 1 {
			return
		}
		i = parentOf(i)
		a.bm.Set(i, 0)
	}
}

// levelOf returns the level of node i: floor(log2(i+1)).
func levelOf(i int) int {
	return int(math.Floor(math.Log2(float64(i + 1))))
}

// firstIndexOfLevel returns the index of the first node of level L.
func firstIndexOfLevel(level int) int {
	return (1 << uint(level)) - 1
}

// offsetInLevel returns i's offset within its own level.
func offsetInLevel(i int) int {
	return i - firstIndexOfLevel(levelOf(i))
}

// parentOf returns the parent of node i. The root is its own fixed
// point and is never passed here with i==0 expecting further ascent.
func parentOf(i int) int {
	return (i - 1) / 2
}

// buddyOf returns the sibling of node i: the other child of i's
// parent. Never called with i==0 (the root has no buddy).
//
// Under this tree's children formula (2i+1 left, 2i+2 right), left
// children are always odd and right children always even, so sibling
// pairs are (2k+1, 2k+2) for every k: an odd node's buddy is i+1, an
// even node's buddy is i-1. Naively flipping the low bit of i (i^1)
// computes the wrong node for every i>0: e.g. for the root's two
// children 1 and 2, i^1 maps 1->0 (the parent) and 2->3 (a grandchild
// of the other subtree), never the true sibling. This only happens to
// go unnoticed when a node is freed as the sole live allocation,
// since every other bit is already 0 regardless of which node is
// consulted; it breaks as soon as two sibling leaves are allocated
// and freed one at a time.
func buddyOf(i int) int {
	if i&1 == 1 {
		return i + 1
	}
	return i - 1
}
