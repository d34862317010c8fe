package heap

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/segheap/memutils"
	"golang.org/x/exp/slog"
)

// VisitAllRegions calls handleBlock for every block between the prologue and the epilogue, in
// address order. p is the block's payload address and size is the whole block including its
// boundary tags. Iteration stops at the first error handleBlock returns.
func (h *Heap) VisitAllRegions(handleBlock func(p Ptr, size int, free bool) error) error {
	end := len(h.arena)

	for bp := h.prologue + h.arena.ReadSize(h.prologue); ; {
		tag := h.arena.Header(bp)
		if tag.Size() == 0 {
			return nil
		}
		if bp+tag.Size() > end {
			return errors.Newf("heap: block at %d of size %d runs past the heap end at %d", bp, tag.Size(), end)
		}

		err := handleBlock(Ptr(bp), tag.Size(), !tag.Allocated())
		if err != nil {
			return err
		}

		bp += tag.Size()
	}
}

// logIncompleteWalk reports a VisitAllRegions failure from a caller that keeps what it gathered
// before the failure
func (h *Heap) logIncompleteWalk(caller string, err error) {
	if err == nil {
		return
	}

	h.logger.LogAttrs(context.Background(), slog.LevelError, caller+": block walk stopped early, results are partial",
		slog.Any("error", err))
}

// AddStatistics adds this heap's totals to stats
func (h *Heap) AddStatistics(stats *memutils.Statistics) {
	stats.HeapCount++
	stats.HeapBytes += h.Size()

	err := h.VisitAllRegions(func(p Ptr, size int, free bool) error {
		if !free {
			stats.AllocationCount++
			stats.AllocationBytes += size
		}
		return nil
	})
	h.logIncompleteWalk("Heap::AddStatistics", err)
}

// AddDetailedStatistics adds this heap's totals, along with the size range of its allocated and
// free blocks, to stats
func (h *Heap) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.HeapCount++
	stats.HeapBytes += h.Size()

	err := h.VisitAllRegions(func(p Ptr, size int, free bool) error {
		if free {
			stats.AddFreeRange(size)
		} else {
			stats.AddAllocation(size)
		}
		return nil
	})
	h.logIncompleteWalk("Heap::AddDetailedStatistics", err)
}
