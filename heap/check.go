package heap

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/segheap/memutils/metadata"
	"golang.org/x/exp/slog"
)

// Findings reported by Check. Every error Check returns matches exactly one of these.
var (
	ErrMisaligned       = errors.New("heap check: block address is not word aligned")
	ErrUndersized       = errors.New("heap check: block is smaller than the minimum block size")
	ErrTagMismatch      = errors.New("heap check: header does not match footer")
	ErrAdjacentFree     = errors.New("heap check: two physically adjacent blocks are free")
	ErrBadPrologue      = errors.New("heap check: malformed prologue")
	ErrBadEpilogue      = errors.New("heap check: malformed epilogue")
	ErrOutOfBounds      = errors.New("heap check: block lies outside the heap")
	ErrListedNotFree    = errors.New("heap check: free-list member is marked allocated")
	ErrNotABlock        = errors.New("heap check: free-list member is not a block boundary")
	ErrWrongBucket      = errors.New("heap check: free block is listed in the wrong size class")
	ErrDuplicateListing = errors.New("heap check: free block is listed more than once")
	ErrBrokenLink       = errors.New("heap check: free-list links are inconsistent")
	ErrUnlisted         = errors.New("heap check: free block is missing from the free lists")
)

type checker struct {
	h        *Heap
	verbose  bool
	findings []error

	// physical free blocks, to the size recorded in their header
	free *swiss.Map[int, int]
	// listed free blocks, to the bucket they were found in
	listed *swiss.Map[int, int]
}

// Check walks the physical block chain from the prologue to the epilogue and, independently,
// every free list, and returns one error for each inconsistency found. Check never modifies the
// heap and never panics on a corrupted heap; an empty result means the heap is consistent.
//
// Every finding is logged at error level. When verbose is true, every block is also logged at
// debug level.
func (h *Heap) Check(verbose bool) []error {
	c := &checker{
		h:       h,
		verbose: verbose,
		free:    swiss.NewMap[int, int](42),
		listed:  swiss.NewMap[int, int](42),
	}

	c.checkPhysical()
	c.checkFreeLists()
	c.checkMembership()

	return c.findings
}

// Validate returns the first finding of Check, or nil if the heap is consistent
func (h *Heap) Validate() error {
	findings := h.Check(false)
	if len(findings) > 0 {
		return findings[0]
	}

	return nil
}

func (c *checker) report(sentinel error, format string, args ...any) {
	err := errors.Wrapf(sentinel, format, args...)
	c.findings = append(c.findings, err)
	c.h.logger.LogAttrs(context.Background(), slog.LevelError, "heap check finding", slog.Any("error", err))
}

// inHeap reports whether a minimum-sized free block could start at bp
func (c *checker) inHeap(bp int) bool {
	first := c.h.prologue + metadata.DoubleWordSize
	return bp >= first && bp+metadata.MinBlockSize-metadata.WordSize <= len(c.h.arena)
}

func (c *checker) checkPhysical() {
	arena := c.h.arena
	end := len(arena)

	prologue := c.h.prologue
	want := uint64(metadata.Pack(metadata.DoubleWordSize, true))
	if arena.Word(metadata.HeaderAddress(prologue)) != want || arena.Word(prologue) != want {
		c.report(ErrBadPrologue, "prologue at %d has header %#x and footer %#x",
			prologue, arena.Word(metadata.HeaderAddress(prologue)), arena.Word(prologue))
	}

	prevFree := false
	bp := prologue + metadata.DoubleWordSize
	for {
		header := arena.Header(bp)
		size := header.Size()
		if size == 0 {
			break
		}

		if c.verbose {
			c.h.logger.Debug("heap check block",
				slog.Int("address", bp),
				slog.Int("size", size),
				slog.Bool("allocated", header.Allocated()))
		}

		if bp%metadata.WordSize != 0 {
			c.report(ErrMisaligned, "block at %d", bp)
		}
		if bp+size > end {
			c.report(ErrOutOfBounds, "block at %d of size %d runs past the heap end at %d", bp, size, end)
			return
		}
		if size < metadata.MinBlockSize {
			c.report(ErrUndersized, "block at %d has size %d", bp, size)
		}
		if footer := arena.Footer(bp); footer != header {
			c.report(ErrTagMismatch, "block at %d has header %#x and footer %#x", bp, uint64(header), uint64(footer))
		}

		if !header.Allocated() {
			if prevFree {
				c.report(ErrAdjacentFree, "block at %d follows a free block", bp)
			}
			c.free.Put(bp, size)
		}

		prevFree = !header.Allocated()
		bp += size
	}

	if bp != end || !arena.Header(bp).Allocated() {
		c.report(ErrBadEpilogue, "epilogue at %d has header %#x, heap ends at %d", bp, uint64(arena.Header(bp)), end)
	}
}

func (c *checker) checkFreeLists() {
	arena := c.h.arena
	freeList := c.h.freeList
	// No list can legitimately hold more members than there are minimum-sized blocks
	limit := len(arena)/metadata.MinBlockSize + 1

	for bucket := 0; bucket < freeList.BucketCount(); bucket++ {
		members := 0
		sentinel := freeList.Sentinel(bucket)
		last := sentinel

		complete := freeList.Walk(arena, bucket, limit, func(bp int) bool {
			members++

			if bp%metadata.WordSize != 0 || !c.inHeap(bp) {
				c.report(ErrOutOfBounds, "bucket %d links to address %d", bucket, bp)
				return false
			}

			if listedIn, listed := c.listed.Get(bp); listed {
				c.report(ErrDuplicateListing, "block at %d is listed in bucket %d and bucket %d", bp, listedIn, bucket)
				return false
			}
			c.listed.Put(bp, bucket)

			header := arena.Header(bp)
			if header.Allocated() {
				c.report(ErrListedNotFree, "block at %d in bucket %d", bp, bucket)
			}
			if want := freeList.BucketFor(header.Size()); want != bucket {
				c.report(ErrWrongBucket, "block at %d of size %d is in bucket %d, expected %d", bp, header.Size(), bucket, want)
			}

			if prev := arena.Prev(bp); prev != last {
				c.report(ErrBrokenLink, "block at %d links back to %d, but follows %d", bp, prev, last)
			}
			last = bp

			if next := arena.Next(bp); next != sentinel && !c.inHeap(next) {
				c.report(ErrBrokenLink, "block at %d links forward to address %d", bp, next)
				return false
			}

			return true
		})
		if !complete {
			c.report(ErrBrokenLink, "bucket %d does not lead back to its sentinel", bucket)
		} else if arena.Next(last) == sentinel && arena.Prev(sentinel) != last {
			c.report(ErrBrokenLink, "bucket %d ends at %d, but its sentinel links back to %d", bucket, last, arena.Prev(sentinel))
		}

		if (members == 0) != freeList.IsEmpty(bucket) {
			c.report(ErrBrokenLink, "bucket %d has %d members but occupancy %t", bucket, members, !freeList.IsEmpty(bucket))
		}
	}
}

func (c *checker) checkMembership() {
	c.free.Iter(func(bp int, size int) bool {
		if !c.listed.Has(bp) {
			c.report(ErrUnlisted, "free block at %d of size %d", bp, size)
		}
		return false
	})

	c.listed.Iter(func(bp int, bucket int) bool {
		if !c.free.Has(bp) && !c.h.arena.Header(bp).Allocated() {
			c.report(ErrNotABlock, "address %d in bucket %d is not on the physical block chain", bp, bucket)
		}
		return false
	})
}
