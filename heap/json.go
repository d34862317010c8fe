package heap

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/segheap/memutils"
	"github.com/vkngwrapper/segheap/memutils/metadata"
)

func printStatistics(json *jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	json.Name("HeapBytes").Int(stats.HeapBytes)
	json.Name("AllocationCount").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
	json.Name("FreeRangeCount").Int(stats.FreeRangeCount)
	json.Name("FreeRangeBytes").Int(stats.FreeRangeBytes)

	if stats.AllocationCount > 0 {
		json.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}
	if stats.FreeRangeCount > 0 {
		json.Name("FreeRangeSizeMin").Int(stats.FreeRangeSizeMin)
		json.Name("FreeRangeSizeMax").Int(stats.FreeRangeSizeMax)
	}

	json.Name("Utilization").Float64(stats.Utilization())
	json.Name("ExternalFragmentation").Float64(stats.ExternalFragmentation())
}

func (h *Heap) printCounters(json *jwriter.ObjectState) {
	counters := h.Counters()

	obj := json.Name("Counters").Object()
	defer obj.End()

	obj.Name("Extensions").Int(counters.Extensions)
	obj.Name("ExtendedBytes").Int(counters.ExtendedBytes)
	obj.Name("FitAllocations").Int(counters.FitAllocations)
	obj.Name("ExtendAllocations").Int(counters.ExtendAllocations)
	obj.Name("Splits").Int(counters.Splits)
	obj.Name("ForwardMerges").Int(counters.ForwardMerges)
	obj.Name("BackwardMerges").Int(counters.BackwardMerges)
	obj.Name("ScanLimitHits").Int(counters.ScanLimitHits)
	obj.Name("InPlaceReallocations").Int(counters.InPlaceReallocations)
	obj.Name("MovedReallocations").Int(counters.MovedReallocations)
}

func (h *Heap) printBuckets(json *jwriter.ObjectState) {
	counts := make([]int, h.freeList.BucketCount())
	bytes := make([]int, h.freeList.BucketCount())
	err := h.VisitAllRegions(func(p Ptr, size int, free bool) error {
		if free {
			bucket := h.freeList.BucketFor(size)
			counts[bucket]++
			bytes[bucket] += size
		}
		return nil
	})
	h.logIncompleteWalk("Heap::printBuckets", err)

	arr := json.Name("Buckets").Array()
	defer arr.End()

	for bucket := range counts {
		obj := arr.Object()
		obj.Name("MinSize").Int(metadata.MinBlockSize << uint(bucket))
		obj.Name("FreeCount").Int(counts[bucket])
		obj.Name("FreeBytes").Int(bytes[bucket])
		obj.End()
	}
}

// PrintDetailedMap writes a JSON object describing the heap: its totals, the internal counters,
// the free bytes held in each size class and every physical block in address order.
func (h *Heap) PrintDetailedMap(writer *jwriter.Writer) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	h.AddDetailedStatistics(&stats)

	obj := writer.Object()
	defer obj.End()

	totals := obj.Name("Total").Object()
	printStatistics(&totals, &stats)
	totals.End()

	h.printCounters(&obj)
	h.printBuckets(&obj)

	blocks := obj.Name("Blocks").Array()
	defer blocks.End()

	err := h.VisitAllRegions(func(p Ptr, size int, free bool) error {
		block := blocks.Object()
		defer block.End()

		block.Name("Address").Int(int(p))
		block.Name("Size").Int(size)
		if free {
			block.Name("Type").String("FREE")
		} else {
			block.Name("Type").String("ALLOCATED")
		}
		return nil
	})
	h.logIncompleteWalk("Heap::PrintDetailedMap", err)
}

// BuildStatsString returns a JSON document of the heap's totals. When detailed is true, the
// document is the full map written by PrintDetailedMap.
func (h *Heap) BuildStatsString(detailed bool) string {
	writer := jwriter.NewWriter()

	if detailed {
		h.PrintDetailedMap(&writer)
	} else {
		var stats memutils.DetailedStatistics
		stats.Clear()
		h.AddDetailedStatistics(&stats)

		obj := writer.Object()
		total := obj.Name("Total").Object()
		printStatistics(&total, &stats)
		total.End()
		h.printCounters(&obj)
		obj.End()
	}

	return string(writer.Bytes())
}
