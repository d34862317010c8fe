package memutils

import "math"

// Statistics holds the basic byte and allocation counts of one or more heaps
type Statistics struct {
	// HeapCount is the number of heaps that have been summed into this object
	HeapCount int
	// AllocationCount is the number of live allocated blocks
	AllocationCount int
	// HeapBytes is the number of bytes obtained from the memory provider, including
	// free-list sentinels and boundary tags
	HeapBytes int
	// AllocationBytes is the number of bytes held by live allocated blocks, including their
	// boundary tags
	AllocationBytes int
}

func (s *Statistics) Clear() {
	s.HeapCount = 0
	s.AllocationCount = 0
	s.HeapBytes = 0
	s.AllocationBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.HeapCount += other.HeapCount
	s.AllocationCount += other.AllocationCount
	s.HeapBytes += other.HeapBytes
	s.AllocationBytes += other.AllocationBytes
}

// Utilization is the fraction of heap bytes held by live allocations
func (s *Statistics) Utilization() float64 {
	if s.HeapBytes == 0 {
		return 0
	}

	return float64(s.AllocationBytes) / float64(s.HeapBytes)
}

// DetailedStatistics extends Statistics with the shape of the free space
type DetailedStatistics struct {
	Statistics
	FreeRangeCount    int
	FreeRangeBytes    int
	AllocationSizeMin int
	AllocationSizeMax int
	FreeRangeSizeMin  int
	FreeRangeSizeMax  int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.FreeRangeCount = 0
	s.FreeRangeBytes = 0
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
	s.FreeRangeSizeMin = math.MaxInt
	s.FreeRangeSizeMax = 0
}

func (s *DetailedStatistics) AddFreeRange(size int) {
	s.FreeRangeCount++
	s.FreeRangeBytes += size

	if size < s.FreeRangeSizeMin {
		s.FreeRangeSizeMin = size
	}

	if size > s.FreeRangeSizeMax {
		s.FreeRangeSizeMax = size
	}
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size

	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}

	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.FreeRangeCount += other.FreeRangeCount
	s.FreeRangeBytes += other.FreeRangeBytes

	if other.FreeRangeSizeMin < s.FreeRangeSizeMin {
		s.FreeRangeSizeMin = other.FreeRangeSizeMin
	}

	if other.FreeRangeSizeMax > s.FreeRangeSizeMax {
		s.FreeRangeSizeMax = other.FreeRangeSizeMax
	}

	if other.AllocationSizeMin < s.AllocationSizeMin {
		s.AllocationSizeMin = other.AllocationSizeMin
	}

	if other.AllocationSizeMax > s.AllocationSizeMax {
		s.AllocationSizeMax = other.AllocationSizeMax
	}
}

// ExternalFragmentation returns 1 - largest/total over the free ranges: 0 when all free bytes
// sit in one range, approaching 1 as they scatter into many small ones.
func (s *DetailedStatistics) ExternalFragmentation() float64 {
	if s.FreeRangeBytes == 0 {
		return 0
	}

	return 1 - float64(s.FreeRangeSizeMax)/float64(s.FreeRangeBytes)
}
