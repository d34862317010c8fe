package heap_test

import (
	"bytes"
	"io"
	"strconv"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/segheap/heap"
	"github.com/vkngwrapper/segheap/memutils"
	"github.com/vkngwrapper/segheap/memutils/metadata"
	"github.com/vkngwrapper/segheap/memutils/provider"
	"golang.org/x/exp/slog"
)

// With the default options the sentinels take 192 bytes and the prologue and epilogue another
// 24, so the first block starts at 216 and the seeded heap ends at 216+4096.
const (
	firstBlock  = 216
	seededHeap  = firstBlock + heap.DefaultChunkSize
	smallBlock  = 32
	hundredSize = 120
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard))
}

func newTestHeap(t *testing.T, maxSize int, options heap.CreateOptions) *heap.Heap {
	t.Helper()

	h, err := heap.New(testLogger(), provider.NewSliceProvider(maxSize), options)
	require.NoError(t, err)
	requireConsistent(t, h)
	return h
}

func requireConsistent(t *testing.T, h *heap.Heap) {
	t.Helper()
	require.Empty(t, h.Check(false))
	require.NoError(t, h.Validate())
}

type region struct {
	p    heap.Ptr
	size int
	free bool
}

func regions(t *testing.T, h *heap.Heap) []region {
	t.Helper()

	var out []region
	require.NoError(t, h.VisitAllRegions(func(p heap.Ptr, size int, free bool) error {
		out = append(out, region{p, size, free})
		return nil
	}))
	return out
}

func fill(h *heap.Heap, p heap.Ptr, n int, pattern byte) {
	payload := h.Payload(p)
	for i := 0; i < n; i++ {
		payload[i] = pattern + byte(i)
	}
}

func requireFilled(t *testing.T, h *heap.Heap, p heap.Ptr, n int, pattern byte) {
	t.Helper()

	payload := h.Payload(p)
	require.GreaterOrEqual(t, len(payload), n)
	for i := 0; i < n; i++ {
		require.Equal(t, pattern+byte(i), payload[i], "byte %d", i)
	}
}

func TestNewSeedsOneChunk(t *testing.T) {
	h := newTestHeap(t, 0, heap.CreateOptions{})

	require.Equal(t, seededHeap, h.Size())
	require.Equal(t, []region{{firstBlock, heap.DefaultChunkSize, true}}, regions(t, h))
	require.Equal(t, 1, h.Counters().Extensions)
}

func TestNewOptions(t *testing.T) {
	h := newTestHeap(t, 0, heap.CreateOptions{ChunkSize: 1000, BucketCount: 4, ScanLimit: 3})
	// 4 sentinels, the skeleton, then a chunk rounded up to 1008
	require.Equal(t, 64+24+1008, h.Size())

	_, err := heap.New(nil, provider.NewSliceProvider(0), heap.CreateOptions{BucketCount: 33})
	require.Error(t, err)

	_, err = heap.New(nil, provider.NewSliceProvider(0), heap.CreateOptions{ChunkSize: -1})
	require.Error(t, err)

	_, err = heap.New(nil, provider.NewSliceProvider(0), heap.CreateOptions{ReallocGrowthFactor: 0.5})
	require.Error(t, err)

	_, err = heap.New(nil, nil, heap.CreateOptions{})
	require.Error(t, err)
}

func TestNewFailsWithoutInitialChunk(t *testing.T) {
	_, err := heap.New(testLogger(), provider.NewSliceProvider(100), heap.CreateOptions{})
	require.Error(t, err)
	require.True(t, errors.Is(err, heap.ErrOutOfMemory))
	require.True(t, errors.Is(err, provider.ErrCeilingReached))

	_, err = heap.New(testLogger(), provider.NewSliceProvider(firstBlock+100), heap.CreateOptions{})
	require.Error(t, err)
	require.True(t, errors.Is(err, heap.ErrOutOfMemory))
}

func TestAllocateZeroAndReleaseNil(t *testing.T) {
	h := newTestHeap(t, 0, heap.CreateOptions{})

	p, err := h.Allocate(0)
	require.NoError(t, err)
	require.Equal(t, heap.Nil, p)

	h.Release(heap.Nil)
	requireConsistent(t, h)
	require.Nil(t, h.Payload(heap.Nil))
	require.Zero(t, h.UsableSize(heap.Nil))

	_, err = h.Allocate(-1)
	require.True(t, errors.Is(err, heap.ErrInvalidSize))
}

func TestAllocateReusesReleasedSpace(t *testing.T) {
	h := newTestHeap(t, 0, heap.CreateOptions{})

	p1, err := h.Allocate(8)
	require.NoError(t, err)
	require.Equal(t, heap.Ptr(firstBlock), p1)
	require.Equal(t, 16, h.UsableSize(p1))

	p2, err := h.Allocate(16)
	require.NoError(t, err)
	require.NotEqual(t, p1, p2)
	require.GreaterOrEqual(t, int(p2), int(p1)+h.UsableSize(p1))
	requireConsistent(t, h)

	h.Release(p1)
	requireConsistent(t, h)

	p3, err := h.Allocate(8)
	require.NoError(t, err)
	require.Equal(t, p1, p3)

	counters := h.Counters()
	require.Equal(t, 1, counters.Extensions)
	require.Equal(t, 3, counters.FitAllocations)
	require.Zero(t, counters.ExtendAllocations)
	requireConsistent(t, h)
}

func TestAllocateAlignmentAndSize(t *testing.T) {
	h := newTestHeap(t, 0, heap.CreateOptions{})

	for _, size := range []int{1, 7, 8, 15, 16, 17, 24, 25, 100, 1000, 4095, 4096, 5000} {
		p, err := h.Allocate(size)
		require.NoError(t, err)
		require.Zero(t, int(p)%metadata.WordSize)
		require.GreaterOrEqual(t, h.UsableSize(p), size)
		require.Len(t, h.Payload(p), h.UsableSize(p))
		require.Equal(t, h.UsableSize(p), cap(h.Payload(p)))

		fill(h, p, size, byte(size))
		requireFilled(t, h, p, size, byte(size))
	}
	requireConsistent(t, h)
}

func TestDebugFillPatterns(t *testing.T) {
	if !memutils.DebugEnabled {
		t.Skip("payload poisoning requires the debug_mem_utils build tag")
	}

	h := newTestHeap(t, 0, heap.CreateOptions{})

	p, err := h.Allocate(100)
	require.NoError(t, err)
	_, err = h.Allocate(100)
	require.NoError(t, err)

	payload := h.Payload(p)
	require.Equal(t, bytes.Repeat([]byte{memutils.AllocatedFillPattern}, len(payload)), payload)

	// The first two words become free-list links once the block is released
	h.Release(p)
	require.Equal(t, bytes.Repeat([]byte{memutils.ReleasedFillPattern}, len(payload)-16), payload[16:])
}

func TestAllocateGrowsByChunk(t *testing.T) {
	h := newTestHeap(t, 0, heap.CreateOptions{})

	big, err := h.Allocate(heap.DefaultChunkSize)
	require.NoError(t, err)
	requireConsistent(t, h)

	// The seeded chunk was merged into the new growth rather than left beside it
	require.Equal(t, heap.Ptr(firstBlock), big)
	require.Equal(t, seededHeap+heap.DefaultChunkSize+16, h.Size())

	counters := h.Counters()
	require.Equal(t, 2, counters.Extensions)
	require.Equal(t, 1, counters.ExtendAllocations)
	require.Equal(t, 1, counters.BackwardMerges)

	small, err := h.Allocate(1)
	require.NoError(t, err)
	require.Greater(t, int(small), int(big))
	require.Equal(t, 2, h.Counters().Extensions)
}

func TestReleaseMergesNeighbours(t *testing.T) {
	h := newTestHeap(t, 0, heap.CreateOptions{})

	a, err := h.Allocate(100)
	require.NoError(t, err)
	b, err := h.Allocate(100)
	require.NoError(t, err)
	c, err := h.Allocate(100)
	require.NoError(t, err)

	h.Release(b)
	requireConsistent(t, h)
	h.Release(a)
	requireConsistent(t, h)

	require.Equal(t, []region{
		{a, 2 * hundredSize, true},
		{c, hundredSize, false},
		{c + hundredSize, heap.DefaultChunkSize - 3*hundredSize, true},
	}, regions(t, h))

	// Releasing c merges all three free spans back into the original chunk
	h.Release(c)
	requireConsistent(t, h)
	require.Equal(t, []region{{firstBlock, heap.DefaultChunkSize, true}}, regions(t, h))
	require.Equal(t, 1, h.Counters().BackwardMerges)
	require.Equal(t, 2, h.Counters().ForwardMerges)
}

func TestReallocateEdgeCases(t *testing.T) {
	h := newTestHeap(t, 0, heap.CreateOptions{})

	p, err := h.Reallocate(heap.Nil, 40)
	require.NoError(t, err)
	require.NotEqual(t, heap.Nil, p)
	fill(h, p, 40, 1)

	same, err := h.Reallocate(p, 10)
	require.NoError(t, err)
	require.Equal(t, p, same)
	requireFilled(t, h, p, 40, 1)

	_, err = h.Reallocate(p, -5)
	require.True(t, errors.Is(err, heap.ErrInvalidSize))

	gone, err := h.Reallocate(p, 0)
	require.NoError(t, err)
	require.Equal(t, heap.Nil, gone)
	require.Equal(t, []region{{firstBlock, heap.DefaultChunkSize, true}}, regions(t, h))
	requireConsistent(t, h)
}

func TestReallocateAbsorbsSuccessor(t *testing.T) {
	h := newTestHeap(t, 0, heap.CreateOptions{})

	p, err := h.Allocate(100)
	require.NoError(t, err)
	q, err := h.Allocate(100)
	require.NoError(t, err)
	_, err = h.Allocate(100)
	require.NoError(t, err)

	fill(h, p, 100, 7)
	h.Release(q)

	grown, err := h.Reallocate(p, 150)
	require.NoError(t, err)
	require.Equal(t, p, grown)
	require.Equal(t, 152, h.UsableSize(p))
	requireFilled(t, h, p, 100, 7)
	requireConsistent(t, h)

	// The 72 bytes left over from the successor were split back off
	require.Equal(t, region{p + 168, 72, true}, regions(t, h)[1])
	require.Equal(t, 1, h.Counters().InPlaceReallocations)
}

func TestReallocateSplitsMinimumRemainder(t *testing.T) {
	h := newTestHeap(t, 0, heap.CreateOptions{})

	p, err := h.Allocate(100)
	require.NoError(t, err)
	q, err := h.Allocate(100)
	require.NoError(t, err)
	r, err := h.Allocate(100)
	require.NoError(t, err)

	fill(h, p, 100, 5)
	h.Release(q)

	// 208 of the 240 combined bytes are needed, leaving exactly one minimum-sized block
	grown, err := h.Reallocate(p, 192)
	require.NoError(t, err)
	require.Equal(t, p, grown)
	require.Equal(t, 192, h.UsableSize(p))
	requireFilled(t, h, p, 100, 5)
	requireConsistent(t, h)

	blocks := regions(t, h)
	require.Equal(t, region{p + 208, metadata.MinBlockSize, true}, blocks[1])
	require.Equal(t, region{r, hundredSize, false}, blocks[2])
}

func TestReallocateAbsorbsWholeSuccessor(t *testing.T) {
	h := newTestHeap(t, 0, heap.CreateOptions{})

	p, err := h.Allocate(100)
	require.NoError(t, err)
	q, err := h.Allocate(100)
	require.NoError(t, err)
	_, err = h.Allocate(100)
	require.NoError(t, err)

	fill(h, p, 100, 3)
	h.Release(q)

	grown, err := h.Reallocate(p, 200)
	require.NoError(t, err)
	require.Equal(t, p, grown)
	require.Equal(t, 2*hundredSize-16, h.UsableSize(p))
	requireFilled(t, h, p, 100, 3)
	requireConsistent(t, h)
}

func TestReallocateAbsorbsPredecessor(t *testing.T) {
	h := newTestHeap(t, 0, heap.CreateOptions{})

	p, err := h.Allocate(100)
	require.NoError(t, err)
	q, err := h.Allocate(100)
	require.NoError(t, err)
	_, err = h.Allocate(100)
	require.NoError(t, err)

	fill(h, q, 100, 11)
	h.Release(p)

	moved, err := h.Reallocate(q, 150)
	require.NoError(t, err)
	require.Equal(t, p, moved)
	require.Equal(t, 2*hundredSize-16, h.UsableSize(moved))
	requireFilled(t, h, moved, 100, 11)
	requireConsistent(t, h)
	require.Equal(t, 1, h.Counters().InPlaceReallocations)
}

func TestReallocateMovesWithGrowthFactor(t *testing.T) {
	h := newTestHeap(t, 0, heap.CreateOptions{})

	p, err := h.Allocate(100)
	require.NoError(t, err)
	_, err = h.Allocate(100)
	require.NoError(t, err)
	fill(h, p, 100, 21)

	moved, err := h.Reallocate(p, 500)
	require.NoError(t, err)
	require.NotEqual(t, p, moved)
	require.Equal(t, 1000, h.UsableSize(moved))
	requireFilled(t, h, moved, 100, 21)
	requireConsistent(t, h)

	require.Equal(t, region{p, hundredSize, true}, regions(t, h)[0])
	require.Equal(t, 1, h.Counters().MovedReallocations)
}

func TestReallocateRetriesWithoutGrowthFactor(t *testing.T) {
	h := newTestHeap(t, seededHeap+heap.DefaultChunkSize, heap.CreateOptions{})

	p, err := h.Allocate(100)
	require.NoError(t, err)
	_, err = h.Allocate(100)
	require.NoError(t, err)
	fill(h, p, 100, 5)

	moved, err := h.Reallocate(p, 3000)
	require.NoError(t, err)
	require.NotEqual(t, p, moved)
	require.Equal(t, 3000, h.UsableSize(moved))
	requireFilled(t, h, moved, 100, 5)
	require.Equal(t, 1, h.Counters().Extensions)
	requireConsistent(t, h)
}

func TestReallocateFailureKeepsBlock(t *testing.T) {
	h := newTestHeap(t, seededHeap, heap.CreateOptions{})

	p, err := h.Allocate(100)
	require.NoError(t, err)
	_, err = h.Allocate(100)
	require.NoError(t, err)
	fill(h, p, 100, 9)

	failed, err := h.Reallocate(p, 5000)
	require.Error(t, err)
	require.True(t, errors.Is(err, heap.ErrOutOfMemory))
	require.Equal(t, heap.Nil, failed)

	requireFilled(t, h, p, 100, 9)
	require.Equal(t, region{p, hundredSize, false}, regions(t, h)[0])
	requireConsistent(t, h)
}

func TestAllocateOutOfMemory(t *testing.T) {
	h := newTestHeap(t, seededHeap, heap.CreateOptions{})

	p, err := h.Allocate(8192)
	require.Error(t, err)
	require.True(t, errors.Is(err, heap.ErrOutOfMemory))
	require.True(t, errors.Is(err, provider.ErrCeilingReached))
	require.Equal(t, heap.Nil, p)
	requireConsistent(t, h)

	// The heap is still usable for requests that fit
	p, err = h.Allocate(4000)
	require.NoError(t, err)
	require.NotEqual(t, heap.Nil, p)
	requireConsistent(t, h)
}

func TestCatchAllBucket(t *testing.T) {
	h := newTestHeap(t, 0, heap.CreateOptions{})

	const size = 100000
	var ptrs []heap.Ptr
	for i := 0; i < 20; i++ {
		p, err := h.Allocate(size)
		require.NoError(t, err)
		ptrs = append(ptrs, p)
	}
	requireConsistent(t, h)

	for i := 0; i < len(ptrs); i += 2 {
		h.Release(ptrs[i])
	}
	requireConsistent(t, h)

	extensions := h.Counters().Extensions
	for i := 0; i < len(ptrs); i += 2 {
		p, err := h.Allocate(size)
		require.NoError(t, err)
		require.GreaterOrEqual(t, h.UsableSize(p), size)
	}
	require.Equal(t, extensions, h.Counters().Extensions)
	requireConsistent(t, h)
}

func TestStatistics(t *testing.T) {
	h := newTestHeap(t, 0, heap.CreateOptions{})

	a, err := h.Allocate(100)
	require.NoError(t, err)
	_, err = h.Allocate(8)
	require.NoError(t, err)
	h.Release(a)

	var stats memutils.DetailedStatistics
	stats.Clear()
	h.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			HeapCount:       1,
			AllocationCount: 1,
			HeapBytes:       seededHeap,
			AllocationBytes: smallBlock,
		},
		FreeRangeCount:    2,
		FreeRangeBytes:    heap.DefaultChunkSize - smallBlock,
		AllocationSizeMin: smallBlock,
		AllocationSizeMax: smallBlock,
		FreeRangeSizeMin:  hundredSize,
		FreeRangeSizeMax:  heap.DefaultChunkSize - smallBlock - hundredSize,
	}, stats)

	var basic memutils.Statistics
	h.AddStatistics(&basic)
	require.Equal(t, stats.Statistics, basic)
}

func TestBuildStatsString(t *testing.T) {
	h := newTestHeap(t, 0, heap.CreateOptions{})

	_, err := h.Allocate(100)
	require.NoError(t, err)

	summary := h.BuildStatsString(false)
	require.Contains(t, summary, `"Total":{`)
	require.Contains(t, summary, `"AllocationCount":1`)
	require.Contains(t, summary, `"Counters":{`)
	require.NotContains(t, summary, `"Blocks"`)

	detailed := h.BuildStatsString(true)
	require.Contains(t, detailed, `"Blocks":[{"Address":216,"Size":120,"Type":"ALLOCATED"},{"Address":336,"Size":3976,"Type":"FREE"}]`)
	require.Contains(t, detailed, `"Buckets":[`)
	require.Contains(t, detailed, `{"MinSize":2048,"FreeCount":1,"FreeBytes":3976}`)
}

func TestDestroyReportsUnreleased(t *testing.T) {
	var logs bytes.Buffer
	h, err := heap.New(slog.New(slog.NewTextHandler(&logs)), provider.NewSliceProvider(0), heap.CreateOptions{})
	require.NoError(t, err)

	p, err := h.Allocate(64)
	require.NoError(t, err)

	err = h.Destroy()
	require.Error(t, err)
	require.Contains(t, logs.String(), "[UNRELEASED MEMORY]")
	require.Contains(t, logs.String(), "address="+strconv.Itoa(int(p)))

	require.Error(t, h.Destroy())
}

func TestDestroyClean(t *testing.T) {
	h := newTestHeap(t, 0, heap.CreateOptions{})

	p, err := h.Allocate(64)
	require.NoError(t, err)
	h.Release(p)

	require.NoError(t, h.Destroy())
}
