package pseudomalloc

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erpaffo/go-pseudomalloc/internal/allocerr"
	"github.com/erpaffo/go-pseudomalloc/mem/bitmap"
	"github.com/erpaffo/go-pseudomalloc/mem/buddy"
)

// fakeOS backs mapFn/unmapFn with plain heap slices during tests, so no
// real syscalls are made. mapped/unmapped record every region passed
// through, for assertions.
type fakeOS struct {
	mapped   [][]byte
	unmapped [][]byte
}

func (f *fakeOS) Map(length int) ([]byte, error) {
	region := make([]byte, length)
	f.mapped = append(f.mapped, region)
	return region, nil
}

func (f *fakeOS) Unmap(region []byte) error {
	f.unmapped = append(f.unmapped, region)
	return nil
}

func withFakeOS(t *testing.T) *fakeOS {
	t.Helper()
	f := &fakeOS{}
	origMap, origUnmap := mapFn, unmapFn
	mapFn = f.Map
	unmapFn = f.Unmap
	t.Cleanup(func() {
		mapFn = origMap
		unmapFn = origUnmap
	})
	return f
}

const testThreshold = 1024

func newTestFrontDoor(t *testing.T) *Allocator {
	t.Helper()
	const (
		numLevels     = 8
		memorySize    = 1 << 16
		minBucketSize = memorySize >> numLevels
	)
	arena := make([]byte, memorySize)
	bmBuf := make([]byte, bitmap.BytesFor((1<<(numLevels+1))-1))

	b, err := buddy.New(numLevels, arena, bmBuf, minBucketSize, nil)
	require.NoError(t, err)

	a, err := New(b, testThreshold, nil)
	require.NoError(t, err)
	return a
}

func TestNewRejectsNilBuddy(t *testing.T) {
	_, err := New(nil, testThreshold, nil)
	require.Error(t, err)
	assert.True(t, allocerr.Is(err, allocerr.InvalidArgument))
}

func TestNewRejectsNonPositiveThreshold(t *testing.T) {
	b, _ := buddy.New(4, make([]byte, 1024), make([]byte, 64), 1024>>4, nil)
	_, err := New(b, 0, nil)
	require.Error(t, err)
	assert.True(t, allocerr.Is(err, allocerr.ConfigInconsistent))
}

func TestAllocRejectsNonPositiveSize(t *testing.T) {
	a := newTestFrontDoor(t)

	_, err := a.Alloc(0)
	require.Error(t, err)
	assert.True(t, allocerr.Is(err, allocerr.InvalidArgument))

	_, err = a.Alloc(-1)
	require.Error(t, err)
	assert.True(t, allocerr.Is(err, allocerr.InvalidArgument))
}

func TestSizeBelowThresholdRoutesToBuddy(t *testing.T) {
	fos := withFakeOS(t)
	a := newTestFrontDoor(t)

	p, err := a.Alloc(testThreshold - 1)
	require.NoError(t, err)
	assert.Empty(t, fos.mapped)
	require.NoError(t, a.Free(p))
	assert.Empty(t, fos.unmapped)
}

func TestSizeAtThresholdRoutesToOSMap(t *testing.T) {
	fos := withFakeOS(t)
	a := newTestFrontDoor(t)

	p, err := a.Alloc(testThreshold)
	require.NoError(t, err)
	require.Len(t, p, testThreshold)

	require.NoError(t, a.Free(p))
	require.Len(t, fos.unmapped, 1)
	assert.Len(t, fos.unmapped[0], testThreshold+wordSize)
}

func TestOSPathWritesTotalLengthPrefix(t *testing.T) {
	fos := withFakeOS(t)
	a := newTestFrontDoor(t)

	const size = 4096
	p, err := a.Alloc(size)
	require.NoError(t, err)
	require.Len(t, fos.mapped, 1)

	got := binary.LittleEndian.Uint64(fos.mapped[0][:wordSize])
	assert.Equal(t, uint64(size+wordSize), got)

	require.NoError(t, a.Free(p))
}

func TestFreeRejectsNilRegion(t *testing.T) {
	a := newTestFrontDoor(t)

	err := a.Free(nil)
	require.Error(t, err)
	assert.True(t, allocerr.Is(err, allocerr.InvalidArgument))
}

func TestManySmallAllocationsStayDisjointFromOneLargeMapping(t *testing.T) {
	withFakeOS(t)
	a := newTestFrontDoor(t)

	var small [][]byte
	for i := 0; i < 4; i++ {
		p, err := a.Alloc(64)
		require.NoError(t, err)
		small = append(small, p)
	}
	large, err := a.Alloc(testThreshold + 100)
	require.NoError(t, err)

	lStart := uintptr(unsafe.Pointer(&large[0]))
	lEnd := lStart + uintptr(len(large))
	for _, s := range small {
		sStart := uintptr(unsafe.Pointer(&s[0]))
		sEnd := sStart + uintptr(len(s))
		assert.False(t, sStart < lEnd && lStart < sEnd, "small region overlaps the large mapping")
		require.NoError(t, a.Free(s))
	}
	require.NoError(t, a.Free(large))
}

func TestBinaryLittleEndianRoundTripsThroughPrefix(t *testing.T) {
	buf := make([]byte, wordSize)
	binary.LittleEndian.PutUint64(buf, 12345)
	assert.Equal(t, uint64(12345), binary.LittleEndian.Uint64(buf))
}
