package trace

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/segheap/heap"
	"github.com/vkngwrapper/segheap/memutils/metadata"
	"golang.org/x/exp/slog"
)

// Allocator is the surface of a heap that a trace exercises
type Allocator interface {
	Allocate(size int) (heap.Ptr, error)
	Release(p heap.Ptr)
	Reallocate(p heap.Ptr, size int) (heap.Ptr, error)
	Payload(p heap.Ptr) []byte
	Size() int
	Check(verbose bool) []error
}

var _ Allocator = &heap.Heap{}

var (
	// ErrUnknownID is returned when an op refers to an id that is not live
	ErrUnknownID = errors.New("trace: id is not live")
	// ErrMisaligned is returned when the allocator hands out a payload that is not word aligned
	ErrMisaligned = errors.New("trace: payload is not word aligned")
	// ErrOverlap is returned when two live payloads share bytes
	ErrOverlap = errors.New("trace: payloads overlap")
	// ErrCorrupted is returned when a payload no longer holds the bytes last written to it
	ErrCorrupted = errors.New("trace: payload was corrupted")
	// ErrInconsistent is returned when the heap checker reports a finding
	ErrInconsistent = errors.New("trace: heap check failed")
)

type ReplayOptions struct {
	// CheckEveryOp runs the allocator's consistency checker after every op
	CheckEveryOp bool
	// Logger receives one debug line per op. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Result summarizes one replay
type Result struct {
	Ops           int
	Allocations   int
	Reallocations int
	Releases      int
	// PeakLiveBytes is the largest total of requested sizes live at once
	PeakLiveBytes int
	// HeapSize is the allocator's size at the end of the replay
	HeapSize int
}

// Utilization is the peak live payload divided by the final heap size
func (r Result) Utilization() float64 {
	if r.HeapSize == 0 {
		return 0
	}

	return float64(r.PeakLiveBytes) / float64(r.HeapSize)
}

func (r Result) PrintJSON(json *jwriter.ObjectState) {
	json.Name("Ops").Int(r.Ops)
	json.Name("Allocations").Int(r.Allocations)
	json.Name("Reallocations").Int(r.Reallocations)
	json.Name("Releases").Int(r.Releases)
	json.Name("PeakLiveBytes").Int(r.PeakLiveBytes)
	json.Name("HeapSize").Int(r.HeapSize)
	json.Name("Utilization").Float64(r.Utilization())
}

type liveBlock struct {
	p    heap.Ptr
	size int
}

type replayer struct {
	a      Allocator
	logger *slog.Logger
	live   *swiss.Map[int, liveBlock]

	liveBytes int
	result    Result
}

// patternByte is the byte written at offset i of the payload for id
func patternByte(id, i int) byte {
	return byte(id*31 + i)
}

// Replay runs every op of t against a. Each payload is filled with a pattern derived from its id
// and verified when it is reallocated or released, and every new payload is checked for word
// alignment and for overlap with the payloads still live. Replay stops at the first failure.
//
// Ids still live when the trace ends are left allocated.
func Replay(a Allocator, t *Trace, options ReplayOptions) (Result, error) {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &replayer{
		a:      a,
		logger: logger,
		live:   swiss.NewMap[int, liveBlock](uint32(capacityHint(t.IDCount))),
	}

	for i, op := range t.Ops {
		err := r.apply(op)
		if err == nil && options.CheckEveryOp {
			if findings := a.Check(false); len(findings) > 0 {
				err = errors.Mark(errors.Wrapf(findings[0], "%d findings, first", len(findings)), ErrInconsistent)
			}
		}
		if err != nil {
			r.result.HeapSize = a.Size()
			logger.LogAttrs(context.Background(), slog.LevelError, "trace replay failed",
				slog.Int("op", i),
				slog.String("kind", op.Kind.String()),
				slog.Int("id", op.ID),
				slog.Any("error", err),
			)
			return r.result, errors.Wrapf(err, "op %d (%c %d %d)", i, op.Kind, op.ID, op.Size)
		}

		r.result.Ops++
		if r.liveBytes > r.result.PeakLiveBytes {
			r.result.PeakLiveBytes = r.liveBytes
		}
		logger.Debug("trace op", slog.Int("op", i), slog.String("kind", op.Kind.String()), slog.Int("id", op.ID), slog.Int("size", op.Size))
	}

	r.result.HeapSize = a.Size()
	return r.result, nil
}

func (r *replayer) apply(op Op) error {
	switch op.Kind {
	case OpAllocate:
		if r.live.Has(op.ID) {
			return errors.Newf("trace: id %d is already live", op.ID)
		}

		p, err := r.a.Allocate(op.Size)
		if err != nil {
			return err
		}
		if err := r.admit(op.ID, p, op.Size); err != nil {
			return err
		}
		r.result.Allocations++

	case OpReallocate:
		block, ok := r.live.Get(op.ID)
		if !ok {
			return errors.Wrapf(ErrUnknownID, "id %d", op.ID)
		}
		if err := r.verify(op.ID, block.p, block.size); err != nil {
			return err
		}

		p, err := r.a.Reallocate(block.p, op.Size)
		if err != nil {
			return err
		}

		kept := block.size
		if op.Size < kept {
			kept = op.Size
		}
		if err := r.verify(op.ID, p, kept); err != nil {
			return err
		}

		r.live.Delete(op.ID)
		r.liveBytes -= block.size
		if err := r.admit(op.ID, p, op.Size); err != nil {
			return err
		}
		r.result.Reallocations++

	case OpRelease:
		block, ok := r.live.Get(op.ID)
		if !ok {
			return errors.Wrapf(ErrUnknownID, "id %d", op.ID)
		}
		if err := r.verify(op.ID, block.p, block.size); err != nil {
			return err
		}

		r.a.Release(block.p)
		r.live.Delete(op.ID)
		r.liveBytes -= block.size
		r.result.Releases++

	default:
		return errors.Newf("trace: unknown op %s", op.Kind)
	}

	return nil
}

// admit records a payload returned by the allocator after checking it against the live set,
// and fills it with the id's pattern
func (r *replayer) admit(id int, p heap.Ptr, size int) error {
	if size == 0 {
		// Allocate(0) returns Nil and Reallocate(p, 0) releases p. The id stays live so a later
		// release or reallocation of it is still valid.
		r.live.Put(id, liveBlock{p: heap.Nil})
		return nil
	}
	if p == heap.Nil {
		return errors.Newf("trace: allocator returned nil for %d bytes", size)
	}
	if int(p)%metadata.WordSize != 0 {
		return errors.Wrapf(ErrMisaligned, "id %d at %d", id, p)
	}

	payload := r.a.Payload(p)
	if len(payload) < size {
		return errors.Newf("trace: id %d asked for %d bytes but received %d", id, size, len(payload))
	}

	start, end := int(p), int(p)+size
	var overlapErr error
	r.live.Iter(func(other int, block liveBlock) bool {
		otherStart, otherEnd := int(block.p), int(block.p)+block.size
		if start < otherEnd && otherStart < end {
			overlapErr = errors.Wrapf(ErrOverlap, "id %d at [%d, %d) and id %d at [%d, %d)",
				id, start, end, other, otherStart, otherEnd)
			return true
		}
		return false
	})
	if overlapErr != nil {
		return overlapErr
	}

	for i := 0; i < size; i++ {
		payload[i] = patternByte(id, i)
	}

	r.live.Put(id, liveBlock{p: p, size: size})
	r.liveBytes += size
	return nil
}

func (r *replayer) verify(id int, p heap.Ptr, size int) error {
	if size == 0 {
		return nil
	}

	payload := r.a.Payload(p)
	for i := 0; i < size; i++ {
		if payload[i] != patternByte(id, i) {
			return errors.Wrapf(ErrCorrupted, "id %d at %d: byte %d is %#x, expected %#x", id, p, i, payload[i], patternByte(id, i))
		}
	}

	return nil
}
