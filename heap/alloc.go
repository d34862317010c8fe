package heap

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/segheap/memutils"
	"github.com/vkngwrapper/segheap/memutils/metadata"
	"golang.org/x/exp/slog"
)

// Allocate returns the address of a new payload of at least size bytes, aligned to
// metadata.WordSize. The contents of the payload are unspecified.
//
// A size of 0 returns Nil and no error. If the heap cannot grow far enough to satisfy the
// request, Nil is returned with an error matching ErrOutOfMemory and the heap is unchanged.
func (h *Heap) Allocate(size int) (Ptr, error) {
	p, err := h.allocate(size)
	if err != nil {
		h.logAllocationFailure(size, err)
		return Nil, err
	}

	memutils.DebugValidate(h)
	return p, nil
}

func (h *Heap) allocate(size int) (Ptr, error) {
	if size < 0 {
		return Nil, errors.Wrapf(ErrInvalidSize, "requested %d bytes", size)
	}
	if size == 0 {
		return Nil, nil
	}
	if size > maxRequestSize {
		return Nil, errors.Wrapf(ErrOutOfMemory, "requested %d bytes", size)
	}

	asize := adjustSize(size)

	bp, ok := h.freeList.FindFit(h.arena, asize)
	if ok {
		h.freeList.Remove(h.arena, bp)
		h.counters.FitAllocations++
	} else {
		extendSize := asize
		if extendSize < h.chunkSize {
			extendSize = h.chunkSize
		}

		var err error
		bp, err = h.extend(extendSize / metadata.WordSize)
		if err != nil {
			return Nil, err
		}

		h.freeList.Remove(h.arena, bp)
		h.counters.ExtendAllocations++
	}

	h.place(bp, asize)
	memutils.DebugFill(h.payload(bp), memutils.AllocatedFillPattern)

	return Ptr(bp), nil
}

func (h *Heap) logAllocationFailure(size int, err error) {
	h.logger.LogAttrs(context.Background(), slog.LevelError, "heap could not satisfy allocation",
		slog.Int("size", size),
		slog.Int("heapSize", h.Size()),
		slog.Any("error", err),
	)
}

// Release returns the block at p to the heap, merging it with any free physical neighbours.
// Releasing Nil does nothing. p must have been returned by Allocate or Reallocate on this heap
// and not released since.
func (h *Heap) Release(p Ptr) {
	if p == Nil {
		return
	}

	h.release(int(p))
	memutils.DebugValidate(h)
}

func (h *Heap) release(bp int) {
	memutils.DebugFill(h.payload(bp), memutils.ReleasedFillPattern)

	h.arena.WriteTag(bp, h.arena.ReadSize(bp), false)
	h.coalesce(bp)
}

// Reallocate resizes the allocation at p to hold at least size bytes and returns its new
// address. The first min(size, UsableSize(p)) bytes of the payload are preserved.
//
// Reallocate(Nil, size) behaves as Allocate(size), and Reallocate(p, 0) releases p and returns
// Nil. A shrinking request returns p unchanged. A growing request first tries to absorb a free
// physical neighbour: the whole predecessor (moving the payload down), or else as much of the
// successor as needed. Failing that it allocates a replacement block, scaled by
// CreateOptions.ReallocGrowthFactor, copies the payload and releases p.
//
// If no replacement can be allocated, Nil is returned with an error matching ErrOutOfMemory and
// p is left intact.
func (h *Heap) Reallocate(p Ptr, size int) (Ptr, error) {
	if size < 0 {
		return Nil, errors.Wrapf(ErrInvalidSize, "requested %d bytes", size)
	}
	if size == 0 {
		h.Release(p)
		return Nil, nil
	}
	if p == Nil {
		return h.Allocate(size)
	}
	if size > maxRequestSize {
		return Nil, errors.Wrapf(ErrOutOfMemory, "requested %d bytes", size)
	}

	newP, err := h.reallocate(int(p), size)
	if err != nil {
		h.logAllocationFailure(size, err)
		return Nil, err
	}

	memutils.DebugValidate(h)
	return newP, nil
}

func (h *Heap) reallocate(bp int, size int) (Ptr, error) {
	oldSize := h.arena.ReadSize(bp)
	asize := adjustSize(size)
	if asize <= oldSize {
		return Ptr(bp), nil
	}
	shortfall := asize - oldSize

	if !h.arena.PreviousAllocated(bp) {
		prev := h.arena.PreviousPhysical(bp)
		prevSize := h.arena.ReadSize(prev)

		if prevSize >= shortfall {
			h.freeList.Remove(h.arena, prev)
			copy(h.arena[prev:prev+oldSize-metadata.DoubleWordSize], h.arena[bp:bp+oldSize-metadata.DoubleWordSize])
			h.arena.WriteTag(prev, prevSize+oldSize, true)

			h.counters.InPlaceReallocations++
			return Ptr(prev), nil
		}
	}

	next := h.arena.NextPhysical(bp)
	if !h.arena.ReadAllocated(next) {
		nextSize := h.arena.ReadSize(next)

		if nextSize >= shortfall {
			h.freeList.Remove(h.arena, next)
			total := oldSize + nextSize

			if total-asize >= metadata.MinBlockSize {
				h.arena.WriteTag(bp, asize, true)
				h.split(bp+asize, total-asize)
			} else {
				h.arena.WriteTag(bp, total, true)
			}

			h.counters.InPlaceReallocations++
			return Ptr(bp), nil
		}
	}

	grown := int(float64(size) * h.growthFactor)
	if grown < size || grown > maxRequestSize {
		grown = size
	}

	newP, err := h.allocate(grown)
	if err != nil && grown != size {
		h.logger.Debug("Heap::reallocate retrying without growth factor", slog.Int("Size", size), slog.Int("Grown", grown))
		newP, err = h.allocate(size)
	}
	if err != nil {
		return Nil, err
	}

	copy(h.payload(int(newP)), h.arena[bp:bp+oldSize-metadata.DoubleWordSize])
	h.release(bp)

	h.counters.MovedReallocations++
	return newP, nil
}

// Payload returns the writable payload of the allocation at p. The slice's length and capacity
// are UsableSize(p) and it remains valid until p is released or reallocated. Payload(Nil) is
// nil.
func (h *Heap) Payload(p Ptr) []byte {
	if p == Nil {
		return nil
	}

	return h.payload(int(p))
}

func (h *Heap) payload(bp int) []byte {
	end := bp + h.arena.ReadSize(bp) - metadata.DoubleWordSize
	return h.arena[bp:end:end]
}

// UsableSize returns the number of payload bytes available at p, which is at least the size
// most recently requested for it. UsableSize(Nil) is 0.
func (h *Heap) UsableSize(p Ptr) int {
	if p == Nil {
		return 0
	}

	return h.arena.ReadSize(int(p)) - metadata.DoubleWordSize
}
