package metadata

import (
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/segheap/memutils"
)

const (
	// DefaultBucketCount is the number of size classes used when none is requested
	DefaultBucketCount = 12
	// MaxBucketCount is the largest supported number of size classes, bounded by the width of
	// the occupancy bitmap
	MaxBucketCount = 32
	// DefaultScanLimit is the number of blocks examined in one bucket before the search moves on
	DefaultScanLimit = 50

	// firstClassShift is floor(log2(MinBlockSize)): bucket 0 begins at 32 bytes
	firstClassShift = 5
	sentinelSize    = nodeSize
)

// FreeListIndex is a segregated set of circular doubly-linked free lists. Bucket i holds free
// blocks whose size lies in [2^(5+i), 2^(6+i)), except the last bucket, which holds everything
// at or above its lower bound.
//
// Every bucket is headed by a sentinel node that lives in the arena at Base()+16*i. The sentinel
// never represents a block; an empty bucket is a sentinel linked to itself. The links of
// member blocks are the first two words of their payload.
//
// The index keeps an occupancy bitmap of non-empty buckets so searches skip empty size classes
// without touching their sentinels.
type FreeListIndex struct {
	base      int
	buckets   int
	scanLimit int

	occupied      uint32
	scanLimitHits int
}

// NewFreeListIndex creates an index with the given number of buckets whose sentinels will
// begin at base. Init must be called once the arena covers Footprint() bytes from base.
func NewFreeListIndex(base, buckets, scanLimit int) (*FreeListIndex, error) {
	if buckets <= 0 || buckets > MaxBucketCount {
		return nil, errors.Newf("bucket count must be in [1, %d], but was %d", MaxBucketCount, buckets)
	}
	if scanLimit <= 0 {
		return nil, errors.Newf("scan limit must be positive, but was %d", scanLimit)
	}
	if err := memutils.CheckAligned(base, WordSize, "sentinel base"); err != nil {
		return nil, err
	}

	return &FreeListIndex{
		base:      base,
		buckets:   buckets,
		scanLimit: scanLimit,
	}, nil
}

// Init links every sentinel to itself, leaving every bucket empty
func (l *FreeListIndex) Init(a Arena) {
	for i := 0; i < l.buckets; i++ {
		sentinel := l.Sentinel(i)
		a.SetNext(sentinel, sentinel)
		a.SetPrev(sentinel, sentinel)
	}
	l.occupied = 0
	l.scanLimitHits = 0
}

// Base is the arena offset of the first sentinel
func (l *FreeListIndex) Base() int { return l.base }

// Footprint is the number of arena bytes occupied by the sentinel array
func (l *FreeListIndex) Footprint() int { return l.buckets * sentinelSize }

func (l *FreeListIndex) BucketCount() int { return l.buckets }

func (l *FreeListIndex) ScanLimit() int { return l.scanLimit }

// ScanLimitHits is the number of bucket scans abandoned because they reached the scan limit
func (l *FreeListIndex) ScanLimitHits() int { return l.scanLimitHits }

// Sentinel returns the arena offset of the sentinel node heading bucket
func (l *FreeListIndex) Sentinel(bucket int) int { return l.base + bucket*sentinelSize }

// IsSentinel reports whether off addresses one of this index's sentinels
func (l *FreeListIndex) IsSentinel(off int) bool {
	return off >= l.base && off < l.base+l.Footprint() && (off-l.base)%sentinelSize == 0
}

// BucketFor returns the bucket that holds free blocks of the given total size
func (l *FreeListIndex) BucketFor(size int) int {
	if size <= 0 {
		return 0
	}

	index := memutils.Log2Floor(uint64(size)) - firstClassShift
	if index < 0 {
		return 0
	}
	if index >= l.buckets {
		return l.buckets - 1
	}
	return index
}

// IsEmpty reports whether bucket holds no blocks
func (l *FreeListIndex) IsEmpty(bucket int) bool {
	return l.occupied&(1<<uint(bucket)) == 0
}

// Occupied returns the bitmap of non-empty buckets: bit i is set while bucket i holds a block
func (l *FreeListIndex) Occupied() uint32 { return l.occupied }

// Insert links the free block at bp at the head of the bucket for size. The block's allocated
// flag must already be clear.
func (l *FreeListIndex) Insert(a Arena, bp int, size int) {
	bucket := l.BucketFor(size)
	sentinel := l.Sentinel(bucket)
	head := a.Next(sentinel)

	a.SetNext(bp, head)
	a.SetPrev(bp, sentinel)
	a.SetPrev(head, bp)
	a.SetNext(sentinel, bp)

	l.occupied |= 1 << uint(bucket)
}

// Remove unlinks the block at bp from whichever bucket holds it
func (l *FreeListIndex) Remove(a Arena, bp int) {
	next := a.Next(bp)
	prev := a.Prev(bp)
	a.SetNext(prev, next)
	a.SetPrev(next, prev)

	// The bucket is now empty exactly when both neighbours are its own sentinel
	if next == prev && l.IsSentinel(prev) {
		l.occupied &^= 1 << uint((prev-l.base)/sentinelSize)
	}
}

// FindFirstFit scans bucket from its head and returns the first block of at least minSize
// bytes. The scan gives up after ScanLimit() blocks. ok is false if no block was found.
func (l *FreeListIndex) FindFirstFit(a Arena, bucket int, minSize int) (bp int, ok bool) {
	sentinel := l.Sentinel(bucket)
	bp = a.Next(sentinel)

	for steps := 0; bp != sentinel; steps++ {
		if steps >= l.scanLimit {
			l.scanLimitHits++
			return 0, false
		}

		if a.ReadSize(bp) >= minSize {
			return bp, true
		}
		bp = a.Next(bp)
	}

	return 0, false
}

// FindFit searches the bucket for minSize and then every larger bucket in turn, returning the
// first block of at least minSize bytes. The returned block is still linked.
func (l *FreeListIndex) FindFit(a Arena, minSize int) (bp int, ok bool) {
	candidates := l.occupied & (^uint32(0) << uint(l.BucketFor(minSize)))

	for candidates != 0 {
		bucket := bits.TrailingZeros32(candidates)
		bp, ok = l.FindFirstFit(a, bucket, minSize)
		if ok {
			return bp, true
		}

		candidates &= candidates - 1
	}

	return 0, false
}

// Walk visits the members of bucket from the head. It returns false without visiting further
// if it has seen limit members without coming back around to the sentinel, or if a link leads
// outside the arena. It stops early, returning true, if visit returns false.
func (l *FreeListIndex) Walk(a Arena, bucket int, limit int, visit func(bp int) bool) (complete bool) {
	sentinel := l.Sentinel(bucket)
	bp := a.Next(sentinel)

	for steps := 0; bp != sentinel; steps++ {
		if steps >= limit || bp < WordSize || bp+nodeSize > len(a) {
			return false
		}
		if !visit(bp) {
			return true
		}
		bp = a.Next(bp)
	}

	return true
}
