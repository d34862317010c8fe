package trace

import (
	"math/rand"
)

// GenerateOptions shapes a random trace. It is valid to leave every field blank.
type GenerateOptions struct {
	// IDs is the number of distinct allocations. Defaults to 100.
	IDs int
	// MaxSize is the largest size requested. Defaults to 4096.
	MaxSize int
	// ReallocRate is the probability that an operation on a live allocation reallocates it
	// rather than releasing it. Defaults to 0 and is capped at 0.9.
	ReallocRate float64
}

// Generate produces a valid random trace: every id is allocated exactly once, possibly
// reallocated, and released before the trace ends. Operations on different ids interleave.
func Generate(rng *rand.Rand, options GenerateOptions) *Trace {
	ids := options.IDs
	if ids <= 0 {
		ids = 100
	}
	maxSize := options.MaxSize
	if maxSize <= 0 {
		maxSize = 4096
	}

	reallocRate := options.ReallocRate
	if reallocRate > 0.9 {
		reallocRate = 0.9
	}

	t := &Trace{IDCount: ids, Weight: 1}

	var live []int
	next := 0
	peak, current := 0, 0
	sizes := make([]int, ids)

	for next < ids || len(live) > 0 {
		// Allocate while ids remain, with a bias toward growth early in the trace
		if next < ids && (len(live) == 0 || rng.Intn(3) > 0) {
			size := 1 + rng.Intn(maxSize)
			t.Ops = append(t.Ops, Op{Kind: OpAllocate, ID: next, Size: size})
			sizes[next] = size
			current += size
			live = append(live, next)
			next++
		} else {
			i := rng.Intn(len(live))
			id := live[i]

			if rng.Float64() < reallocRate {
				size := 1 + rng.Intn(maxSize)
				t.Ops = append(t.Ops, Op{Kind: OpReallocate, ID: id, Size: size})
				current += size - sizes[id]
				sizes[id] = size
			} else {
				t.Ops = append(t.Ops, Op{Kind: OpRelease, ID: id})
				current -= sizes[id]
				live[i] = live[len(live)-1]
				live = live[:len(live)-1]
			}
		}

		if current > peak {
			peak = current
		}
	}

	t.SuggestedHeapSize = peak
	return t
}
