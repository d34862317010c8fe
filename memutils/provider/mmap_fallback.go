//go:build !unix

package provider

// MmapProvider falls back to a SliceProvider where mmap is not available.
type MmapProvider struct {
	SliceProvider
}

var _ Provider = &MmapProvider{}

// NewMmapProvider creates a provider that can grow to maxSize bytes. A maxSize of 0 selects
// DefaultMaxSize.
func NewMmapProvider(maxSize int) (*MmapProvider, error) {
	return &MmapProvider{SliceProvider: *NewSliceProvider(maxSize)}, nil
}
