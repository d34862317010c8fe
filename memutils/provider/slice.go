package provider

import "github.com/cockroachdb/errors"

// SliceProvider reserves its whole ceiling as a single Go allocation up front and moves a
// break offset through it.
type SliceProvider struct {
	region []byte
	brk    int
}

var _ Provider = &SliceProvider{}

// NewSliceProvider creates a SliceProvider that can grow to maxSize bytes. A maxSize of 0
// selects DefaultMaxSize.
func NewSliceProvider(maxSize int) *SliceProvider {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}

	return &SliceProvider{
		region: make([]byte, maxSize),
	}
}

func (p *SliceProvider) Grow(n int) (int, error) {
	if p.region == nil {
		return 0, ErrClosed
	}
	if n < 0 {
		return 0, errors.Wrapf(ErrNegativeGrowth, "requested %d bytes", n)
	}
	if n > len(p.region)-p.brk {
		return 0, errors.Wrapf(ErrCeilingReached, "requested %d bytes at break %d with a ceiling of %d", n, p.brk, len(p.region))
	}

	old := p.brk
	p.brk += n
	return old, nil
}

func (p *SliceProvider) Bytes() []byte {
	return p.region[:p.brk:p.brk]
}

func (p *SliceProvider) Size() int {
	return p.brk
}

// MaxSize returns the ceiling this provider was created with
func (p *SliceProvider) MaxSize() int {
	return len(p.region)
}

func (p *SliceProvider) Close() error {
	p.region = nil
	p.brk = 0
	return nil
}
