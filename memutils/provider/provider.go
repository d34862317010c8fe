// Package provider supplies the contiguous, growable memory regions that a heap is carved from.
//
// A Provider behaves like sbrk(2): the region only ever grows at its high end, and the bytes
// already handed out never move, so slices taken from Bytes() stay valid across later calls
// to Grow.
package provider

import "github.com/cockroachdb/errors"

//go:generate mockgen -destination=../../mocks/provider.go -package=mocks github.com/vkngwrapper/segheap/memutils/provider Provider

const (
	// DefaultMaxSize is the ceiling used when a provider is created with a size of 0. It is 20Mb.
	DefaultMaxSize int = 20 * 1024 * 1024
)

var (
	// ErrCeilingReached is returned from Grow when the region cannot be extended without passing
	// the provider's ceiling
	ErrCeilingReached = errors.New("provider: memory ceiling reached")
	// ErrNegativeGrowth is returned from Grow when asked to shrink the region
	ErrNegativeGrowth = errors.New("provider: cannot grow by a negative number of bytes")
	// ErrClosed is returned from Grow after Close has been called
	ErrClosed = errors.New("provider: closed")
)

// Provider is the memory-growth collaborator of a heap.
type Provider interface {
	// Grow extends the region by exactly n bytes directly after its current end and returns the
	// offset of the first new byte. When the ceiling would be passed it returns an error that
	// matches ErrCeilingReached and leaves the region unchanged.
	Grow(n int) (int, error)
	// Bytes returns the region from offset 0 up to Size()
	Bytes() []byte
	// Size returns the current length of the region in bytes
	Size() int
	// Close releases the region. Slices previously returned from Bytes must not be used afterwards.
	Close() error
}
