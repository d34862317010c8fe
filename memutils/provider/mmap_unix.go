//go:build unix

package provider

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/segheap/memutils"
	"golang.org/x/sys/unix"
)

// MmapProvider reserves its ceiling as inaccessible anonymous address space and makes pages
// readable and writable as the break moves past them, so untouched capacity costs no memory.
type MmapProvider struct {
	region    []byte
	brk       int
	committed int
	pageSize  int
}

var _ Provider = &MmapProvider{}

// NewMmapProvider reserves maxSize bytes of address space, rounded up to the page size. A
// maxSize of 0 selects DefaultMaxSize.
func NewMmapProvider(maxSize int) (*MmapProvider, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}

	pageSize := unix.Getpagesize()
	err := memutils.CheckPow2(pageSize, "page size")
	if err != nil {
		return nil, err
	}

	maxSize = memutils.AlignUp(maxSize, uint(pageSize))
	region, err := unix.Mmap(-1, 0, maxSize, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to reserve %d bytes of address space", maxSize)
	}

	return &MmapProvider{
		region:   region,
		pageSize: pageSize,
	}, nil
}

func (p *MmapProvider) Grow(n int) (int, error) {
	if p.region == nil {
		return 0, ErrClosed
	}
	if n < 0 {
		return 0, errors.Wrapf(ErrNegativeGrowth, "requested %d bytes", n)
	}
	if n > len(p.region)-p.brk {
		return 0, errors.Wrapf(ErrCeilingReached, "requested %d bytes at break %d with a ceiling of %d", n, p.brk, len(p.region))
	}

	newBrk := p.brk + n
	if newBrk > p.committed {
		end := memutils.AlignUp(newBrk, uint(p.pageSize))
		err := unix.Mprotect(p.region[p.committed:end], unix.PROT_READ|unix.PROT_WRITE)
		if err != nil {
			return 0, errors.Wrapf(err, "failed to commit pages %d-%d", p.committed, end)
		}
		p.committed = end
	}

	old := p.brk
	p.brk = newBrk
	return old, nil
}

func (p *MmapProvider) Bytes() []byte {
	return p.region[:p.brk:p.brk]
}

func (p *MmapProvider) Size() int {
	return p.brk
}

// MaxSize returns the reserved ceiling in bytes
func (p *MmapProvider) MaxSize() int {
	return len(p.region)
}

func (p *MmapProvider) Close() error {
	if p.region == nil {
		return nil
	}

	err := unix.Munmap(p.region)
	p.region = nil
	p.brk = 0
	p.committed = 0
	return err
}
