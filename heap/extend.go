package heap

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/segheap/memutils/metadata"
	"golang.org/x/exp/slog"
)

// extend grows the heap by words words (rounded up to an even count to keep block sizes
// double-word multiples) and returns the resulting free block, already merged with a free
// predecessor and indexed.
//
// The new block's header overwrites the old epilogue, and a fresh epilogue is written in the
// last word of the grown range.
func (h *Heap) extend(words int) (int, error) {
	if words%2 != 0 {
		words++
	}
	size := words * metadata.WordSize

	bp, err := h.provider.Grow(size)
	if err != nil {
		return 0, errors.Mark(errors.Wrapf(err, "heap: could not grow by %d bytes", size), ErrOutOfMemory)
	}
	h.arena = h.provider.Bytes()

	h.arena.WriteTag(bp, size, false)
	h.arena.WriteHeader(h.arena.NextPhysical(bp), 0, true)

	h.counters.Extensions++
	h.counters.ExtendedBytes += size
	h.logger.Debug("Heap::extend", slog.Int("Bytes", size), slog.Int("HeapSize", h.Size()))

	return h.coalesce(bp), nil
}
