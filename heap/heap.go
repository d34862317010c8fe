// Package heap is a general-purpose dynamic memory allocator that carves variable-sized blocks
// out of a single contiguous region obtained from a provider.Provider.
//
// Every block carries its size and allocation state in boundary tags at both ends, so the
// physical neighbours of any block can be found in constant time and merged when freed. Free
// blocks are kept in a metadata.FreeListIndex of power-of-two size classes.
//
// A Heap is not safe for concurrent use. Callers that share one between goroutines must
// serialize every call themselves.
package heap

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/segheap/memutils"
	"github.com/vkngwrapper/segheap/memutils/metadata"
	"github.com/vkngwrapper/segheap/memutils/provider"
	"golang.org/x/exp/slog"
)

// Ptr is the address of an allocated payload: a byte offset into the provider's region.
// Payload addresses are always WordSize-aligned.
type Ptr int

// Nil is the null Ptr. It is never the address of a payload.
const Nil Ptr = 0

const (
	// DefaultChunkSize is the minimum number of bytes requested from the provider whenever the
	// heap has to grow
	DefaultChunkSize = 4096
	// DefaultReallocGrowthFactor scales the size of the replacement block that Reallocate
	// allocates when it cannot grow a block in place
	DefaultReallocGrowthFactor = 2.0
)

var (
	// ErrOutOfMemory is returned when a request cannot be satisfied because the provider refused
	// to grow the heap
	ErrOutOfMemory = errors.New("heap: out of memory")
	// ErrInvalidSize is returned when a request asks for a negative number of bytes
	ErrInvalidSize = errors.New("heap: invalid size")
)

// CreateOptions holds the tunables of a Heap. It is valid to leave every field blank.
type CreateOptions struct {
	// ChunkSize is the minimum growth, in bytes, requested from the provider when no free block
	// fits a request. It is rounded up to a multiple of 16. Defaults to DefaultChunkSize.
	ChunkSize int
	// BucketCount is the number of segregated size classes, between 1 and
	// metadata.MaxBucketCount. Defaults to metadata.DefaultBucketCount.
	BucketCount int
	// ScanLimit is the number of blocks examined in one size class before the search moves on
	// to the next. Defaults to metadata.DefaultScanLimit.
	ScanLimit int
	// ReallocGrowthFactor multiplies the requested size when Reallocate has to move a block, so
	// that a sequence of growing reallocations does not copy on every call. It must be at least
	// 1. Defaults to DefaultReallocGrowthFactor.
	ReallocGrowthFactor float64
}

// Heap is a segregated free-list allocator over one provider region.
//
// The region is laid out as:
//
//	| bucket sentinels | prologue hdr | prologue ftr | block ... block | epilogue hdr |
//
// The prologue is an allocated 16-byte block with no payload and the epilogue is an allocated
// header of size 0. Together they remove every boundary special case from the coalescing logic.
type Heap struct {
	logger   *slog.Logger
	provider provider.Provider
	arena    metadata.Arena

	freeList *metadata.FreeListIndex
	prologue int

	chunkSize    int
	growthFactor float64

	counters Counters
}

var _ memutils.Validatable = &Heap{}

// New creates a heap on top of p. It carves the free-list sentinels and the prologue and
// epilogue out of the provider and then grows the heap by one chunk. It fails if the provider
// cannot supply those bytes.
//
// logger - Receives growth and diagnostic output. If nil, slog.Default() is used.
//
// p - The memory-growth provider. The heap assumes it is the only writer of the provider's
// region from the current break onward.
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, p provider.Provider, options CreateOptions) (*Heap, error) {
	if p == nil {
		return nil, errors.New("heap: provider must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	h := &Heap{
		logger:       logger,
		provider:     p,
		chunkSize:    options.ChunkSize,
		growthFactor: options.ReallocGrowthFactor,
	}

	if h.chunkSize == 0 {
		h.chunkSize = DefaultChunkSize
	} else if h.chunkSize < 0 {
		return nil, errors.Newf("heap: chunk size must not be negative, but was %d", h.chunkSize)
	}
	h.chunkSize = memutils.AlignUp(h.chunkSize, metadata.DoubleWordSize)

	if h.growthFactor == 0 {
		h.growthFactor = DefaultReallocGrowthFactor
	} else if h.growthFactor < 1 {
		return nil, errors.Newf("heap: realloc growth factor must be at least 1, but was %g", h.growthFactor)
	}

	bucketCount := options.BucketCount
	if bucketCount == 0 {
		bucketCount = metadata.DefaultBucketCount
	}
	scanLimit := options.ScanLimit
	if scanLimit == 0 {
		scanLimit = metadata.DefaultScanLimit
	}

	err := h.init(bucketCount, scanLimit)
	if err != nil {
		return nil, err
	}

	h.logger.Debug("Heap::New",
		slog.Int("ChunkSize", h.chunkSize),
		slog.Int("BucketCount", bucketCount),
		slog.Int("ScanLimit", scanLimit),
		slog.Bool("DebugValidation", memutils.DebugEnabled),
	)

	memutils.DebugValidate(h)
	return h, nil
}

func (h *Heap) init(bucketCount, scanLimit int) error {
	base := h.provider.Size()
	freeList, err := metadata.NewFreeListIndex(base, bucketCount, scanLimit)
	if err != nil {
		return err
	}

	// Sentinels, then prologue header + footer and the epilogue header
	skeleton := freeList.Footprint() + 3*metadata.WordSize
	start, err := h.provider.Grow(skeleton)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "heap: could not reserve free-list sentinels"), ErrOutOfMemory)
	}
	if start != base {
		return errors.Newf("heap: provider grew from offset %d, expected %d", start, base)
	}

	h.arena = h.provider.Bytes()
	h.freeList = freeList
	h.freeList.Init(h.arena)

	h.prologue = base + freeList.Footprint() + metadata.WordSize
	h.arena.WriteTag(h.prologue, metadata.DoubleWordSize, true)
	h.arena.WriteHeader(h.arena.NextPhysical(h.prologue), 0, true)

	_, err = h.extend(h.chunkSize / metadata.WordSize)
	if err != nil {
		return errors.Wrap(err, "heap: could not seed the initial chunk")
	}

	return nil
}

// Destroy releases the provider's region. Any allocation still live is logged as unreleased
// and an error is returned, but the region is released regardless.
func (h *Heap) Destroy() error {
	if h.provider == nil {
		return errors.New("heap: already destroyed")
	}

	var unreleased int
	err := h.VisitAllRegions(func(p Ptr, size int, free bool) error {
		if free {
			return nil
		}

		unreleased++
		h.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
			slog.Int("address", int(p)),
			slog.Int("size", size),
		)
		return nil
	})
	if err != nil {
		h.logger.LogAttrs(context.Background(),
			slog.LevelError,
			"[UNRELEASED MEMORY] error while iterating unreleased memory",
			slog.Any("error", err))
	}

	closeErr := h.provider.Close()
	h.provider = nil
	h.arena = nil
	if closeErr != nil {
		return errors.Wrap(closeErr, "heap: could not close provider")
	}

	if unreleased > 0 {
		return errors.Newf("heap: %d allocations were not released before the heap was destroyed", unreleased)
	}
	return nil
}

// Size is the number of bytes the heap has obtained from its provider
func (h *Heap) Size() int {
	return len(h.arena) - h.freeList.Base()
}

// Counters returns a snapshot of the heap's internal event counters
func (h *Heap) Counters() Counters {
	counters := h.counters
	counters.ScanLimitHits = h.freeList.ScanLimitHits()
	return counters
}

// Counters tallies the internal events of a heap. They do not affect allocator behavior.
type Counters struct {
	// Extensions is the number of times the heap grew
	Extensions int
	// ExtendedBytes is the total number of bytes the heap grew by
	ExtendedBytes int
	// FitAllocations is the number of allocations satisfied from a free block
	FitAllocations int
	// ExtendAllocations is the number of allocations that had to grow the heap
	ExtendAllocations int
	// Splits is the number of times a free block was split in two
	Splits int
	// ForwardMerges is the number of times a free block absorbed its successor
	ForwardMerges int
	// BackwardMerges is the number of times a free block was absorbed by its predecessor
	BackwardMerges int
	// ScanLimitHits is the number of size class scans abandoned at the scan limit
	ScanLimitHits int
	// InPlaceReallocations is the number of growing reallocations satisfied by absorbing a free
	// physical neighbour
	InPlaceReallocations int
	// MovedReallocations is the number of reallocations that allocated, copied and released
	MovedReallocations int
}
