package heap

import (
	"math"

	"github.com/vkngwrapper/segheap/memutils"
	"github.com/vkngwrapper/segheap/memutils/metadata"
)

// maxRequestSize keeps adjustSize and the realloc growth policy clear of integer overflow. No
// provider can supply a region this large.
const maxRequestSize = math.MaxInt / 4

// adjustSize converts a payload request into a block size: word aligned, with room for the
// header and footer, and never below MinBlockSize
func adjustSize(size int) int {
	if size <= metadata.DoubleWordSize {
		return metadata.MinBlockSize
	}

	return memutils.AlignUp(size, metadata.WordSize) + metadata.DoubleWordSize
}

// place marks asize bytes at the start of the free block bp as allocated. bp must already be
// unlinked from the free-list index. The tail is split off as a new free block when it is large
// enough to stand on its own; otherwise the whole block is handed out.
func (h *Heap) place(bp int, asize int) {
	csize := h.arena.ReadSize(bp)

	if csize-asize < metadata.MinBlockSize {
		h.arena.WriteTag(bp, csize, true)
		return
	}

	h.arena.WriteTag(bp, asize, true)
	h.split(bp+asize, csize-asize)
}

// split formats the free remainder of a block that was just shrunk and indexes it. Both of the
// remainder's physical neighbours are allocated, so it never needs coalescing.
func (h *Heap) split(rest int, size int) {
	h.arena.WriteTag(rest, size, false)
	h.freeList.Insert(h.arena, rest, size)
	h.counters.Splits++
}

// coalesce merges the free block bp with whichever of its physical neighbours are free, indexes
// the merged block and returns its address. bp must have its free tags written and must not be
// indexed yet.
func (h *Heap) coalesce(bp int) int {
	size := h.arena.ReadSize(bp)
	prevAllocated := h.arena.PreviousAllocated(bp)
	next := h.arena.NextPhysical(bp)
	nextAllocated := h.arena.ReadAllocated(next)

	switch {
	case prevAllocated && nextAllocated:
		// Nothing to merge

	case prevAllocated && !nextAllocated:
		h.freeList.Remove(h.arena, next)
		size += h.arena.ReadSize(next)
		h.arena.WriteTag(bp, size, false)
		h.counters.ForwardMerges++

	case !prevAllocated && nextAllocated:
		prev := h.arena.PreviousPhysical(bp)
		h.freeList.Remove(h.arena, prev)
		size += h.arena.ReadSize(prev)
		bp = prev
		h.arena.WriteTag(bp, size, false)
		h.counters.BackwardMerges++

	default:
		prev := h.arena.PreviousPhysical(bp)
		h.freeList.Remove(h.arena, prev)
		h.freeList.Remove(h.arena, next)
		size += h.arena.ReadSize(prev) + h.arena.ReadSize(next)
		bp = prev
		h.arena.WriteTag(bp, size, false)
		h.counters.ForwardMerges++
		h.counters.BackwardMerges++
	}

	h.freeList.Insert(h.arena, bp, size)
	return bp
}
