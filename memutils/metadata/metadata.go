// Package metadata implements the in-band bookkeeping of a boundary-tag heap: the header and
// footer words that bracket every block, and the segregated free-list index whose links are
// threaded through the payloads of free blocks.
//
// All addresses are byte offsets into an Arena. A block address (bp) is the offset of the
// block's first payload byte; its header is the word directly before it and its footer is the
// last word of the block:
//
//	        bp-8        bp                               bp+size-16
//	... | header | payload (or next, prev links) ... | footer | ...
//
// The header and footer of a block are always identical: the block size (a multiple of
// WordSize, including both tags) with the allocated flag in bit 0.
package metadata

import (
	"unsafe"
)

const (
	// WordSize is the size of one tag or link word in bytes
	WordSize = 8
	// DoubleWordSize is the size of a header plus footer pair
	DoubleWordSize = 2 * WordSize
	// MinBlockSize is the smallest block that can hold its own tags and, once free, its
	// free-list links
	MinBlockSize = DoubleWordSize + nodeSize

	allocatedBit uint64 = 0x1
	sizeMask     uint64 = ^uint64(WordSize - 1)

	nodeSize = int(unsafe.Sizeof(freeNode{}))
)

// Tag is the decoded form of a header or footer word
type Tag uint64

// Pack builds the tag word for a block of the given size and allocation state
func Pack(size int, allocated bool) Tag {
	tag := Tag(uint64(size) & sizeMask)
	if allocated {
		tag |= Tag(allocatedBit)
	}
	return tag
}

// Size is the block size recorded in the tag, including header and footer
func (t Tag) Size() int { return int(uint64(t) & sizeMask) }

// Allocated reports whether the tag's allocated flag is set
func (t Tag) Allocated() bool { return uint64(t)&allocatedBit != 0 }

// freeNode overlays the first two payload words of a free block, and every free-list sentinel.
// A block may only be viewed through freeNode while its allocated flag is clear: once a block
// is handed to a client those words belong to the client.
type freeNode struct {
	next uint64
	prev uint64
}

// Arena is the managed memory region. It must be at least WordSize-aligned in memory; both
// provider implementations hand out page-aligned regions.
type Arena []byte

func (a Arena) word(off int) *uint64 {
	_ = a[off+WordSize-1]
	return (*uint64)(unsafe.Pointer(&a[off]))
}

func (a Arena) node(off int) *freeNode {
	_ = a[off+nodeSize-1]
	return (*freeNode)(unsafe.Pointer(&a[off]))
}

// Word reads the word at off
func (a Arena) Word(off int) uint64 { return *a.word(off) }

// PutWord writes the word at off
func (a Arena) PutWord(off int, value uint64) { *a.word(off) = value }

// HeaderAddress returns the offset of the header word of the block at bp
func HeaderAddress(bp int) int { return bp - WordSize }

// FooterAddress returns the offset of the footer word of the block at bp, based on the size
// recorded in its header
func (a Arena) FooterAddress(bp int) int { return bp + a.ReadSize(bp) - DoubleWordSize }

// Header returns the header tag of the block at bp
func (a Arena) Header(bp int) Tag { return Tag(a.Word(HeaderAddress(bp))) }

// Footer returns the footer tag of the block at bp
func (a Arena) Footer(bp int) Tag { return Tag(a.Word(a.FooterAddress(bp))) }

// ReadSize returns the block size from the header of the block at bp
func (a Arena) ReadSize(bp int) int { return a.Header(bp).Size() }

// ReadAllocated returns the allocated flag from the header of the block at bp
func (a Arena) ReadAllocated(bp int) bool { return a.Header(bp).Allocated() }

// WriteTag writes identical header and footer words for a block of the given size at bp
func (a Arena) WriteTag(bp int, size int, allocated bool) {
	tag := uint64(Pack(size, allocated))
	a.PutWord(HeaderAddress(bp), tag)
	a.PutWord(bp+size-DoubleWordSize, tag)
}

// WriteHeader writes only the header word of the block at bp. It is used for the epilogue,
// which has no footer.
func (a Arena) WriteHeader(bp int, size int, allocated bool) {
	a.PutWord(HeaderAddress(bp), uint64(Pack(size, allocated)))
}

// NextPhysical returns the block that begins directly after the block at bp
func (a Arena) NextPhysical(bp int) int { return bp + a.ReadSize(bp) }

// PreviousPhysical returns the block that ends directly before the block at bp, located
// through its footer
func (a Arena) PreviousPhysical(bp int) int {
	return bp - Tag(a.Word(bp-DoubleWordSize)).Size()
}

// PreviousAllocated returns the allocated flag of the block that ends directly before bp,
// read from that block's footer
func (a Arena) PreviousAllocated(bp int) bool {
	return Tag(a.Word(bp - DoubleWordSize)).Allocated()
}

// Next returns the next link of the free block or sentinel at off
func (a Arena) Next(off int) int { return int(a.node(off).next) }

// Prev returns the prev link of the free block or sentinel at off
func (a Arena) Prev(off int) int { return int(a.node(off).prev) }

// SetNext writes the next link of the free block or sentinel at off
func (a Arena) SetNext(off int, next int) { a.node(off).next = uint64(next) }

// SetPrev writes the prev link of the free block or sentinel at off
func (a Arena) SetPrev(off int, prev int) { a.node(off).prev = uint64(prev) }
