package arenalloc

import (
	"math"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

type Statistics struct {
	ArenaCount      int
	AllocationCount int
	ArenaBytes      int
	AllocationBytes int
}

func (s *Statistics) Clear() {
	s.ArenaCount = 0
	s.AllocationCount = 0
	s.ArenaBytes = 0
	s.AllocationBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.ArenaCount += other.ArenaCount
	s.AllocationCount += other.AllocationCount
	s.ArenaBytes += other.ArenaBytes
	s.AllocationBytes += other.AllocationBytes
}

type DetailedStatistics struct {
	Statistics
	OverheadBytes     int
	FreeRegionCount   int
	FreeBytes         int
	AllocationSizeMin int
	AllocationSizeMax int
	FreeRegionSizeMin int
	FreeRegionSizeMax int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.OverheadBytes = 0
	s.FreeRegionCount = 0
	s.FreeBytes = 0
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
	s.FreeRegionSizeMin = math.MaxInt
	s.FreeRegionSizeMax = 0
}

func (s *DetailedStatistics) AddFreeRegion(size int) {
	s.FreeRegionCount++
	s.FreeBytes += size

	if size < s.FreeRegionSizeMin {
		s.FreeRegionSizeMin = size
	}

	if size > s.FreeRegionSizeMax {
		s.FreeRegionSizeMax = size
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

// AddBlock sums a single block reported by BlockInspectable into the statistics
func (s *DetailedStatistics) AddBlock(info BlockInfo) {
	s.OverheadBytes += info.Overhead
	if info.Occupied {
		s.AddAllocation(info.Size)
	} else {
		s.AddFreeRegion(info.Size)
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.OverheadBytes += other.OverheadBytes
	s.FreeRegionCount += other.FreeRegionCount
	s.FreeBytes += other.FreeBytes

	if other.FreeRegionSizeMin < s.FreeRegionSizeMin {
		s.FreeRegionSizeMin = other.FreeRegionSizeMin
	}

	if other.FreeRegionSizeMax > s.FreeRegionSizeMax {
		s.FreeRegionSizeMax = other.FreeRegionSizeMax
	}

	if other.AllocationSizeMin < s.AllocationSizeMin {
		s.AllocationSizeMin = other.AllocationSizeMin
	}

	if other.AllocationSizeMax > s.AllocationSizeMax {
		s.AllocationSizeMax = other.AllocationSizeMax
	}
}

// StatisticsJsonData populates a json object with the summary values of the statistics
func (s *DetailedStatistics) StatisticsJsonData(json *jwriter.ObjectState) {
	json.Name("TotalBytes").Int(s.ArenaBytes)
	json.Name("AllocatedBytes").Int(s.AllocationBytes)
	json.Name("FreeBytes").Int(s.FreeBytes)
	json.Name("OverheadBytes").Int(s.OverheadBytes)
	json.Name("Allocations").Int(s.AllocationCount)
	json.Name("FreeRegions").Int(s.FreeRegionCount)
	if s.AllocationCount > 0 {
		json.Name("AllocationSizeMin").Int(s.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(s.AllocationSizeMax)
	}
	if s.FreeRegionCount > 0 {
		json.Name("FreeRegionSizeMin").Int(s.FreeRegionSizeMin)
		json.Name("FreeRegionSizeMax").Int(s.FreeRegionSizeMax)
	}
}
