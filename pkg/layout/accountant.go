package layout

import (
	"slices"

	"github.com/srodi/pagecontig/pkg/pagetable"
	"github.com/srodi/pagecontig/pkg/types"
)

// AddressSpace is a read-only snapshot of one process's mappings.
type AddressSpace interface {
	pagetable.AddressSpace
	Regions() []types.Region
}

// Process is one entry of the running-process set. Space is nil for tasks
// without a user address space, such as kernel threads.
type Process struct {
	PID   int
	Comm  string
	Space AddressSpace
}

// Accountant counts the resolved pages of an address space.
type Accountant struct {
	walker pagetable.Walker
}

// NewAccountant returns an accountant translating through walker.
func NewAccountant(walker pagetable.Walker) *Accountant {
	return &Accountant{walker: walker}
}

// AccountFor walks every page of every region in ascending start order and
// classifies each resolved frame. A nil space yields zero counters.
func (a *Accountant) AccountFor(space AddressSpace) types.ProcessCounters {
	var counters types.ProcessCounters
	if space == nil {
		return counters
	}
	regions := sortedRegions(space.Regions())
	if len(regions) == 0 {
		return counters
	}

	pageSize := a.walker.Geometry().PageSize()
	classifier := NewClassifier(pageSize)
	for _, region := range regions {
		for va := range PagesOf(region, pageSize) {
			counters.Scanned++
			tr := a.walker.Translate(space, va)
			if !tr.Mapped {
				continue
			}
			counters.Total++
			if classifier.Classify(tr.Frame) == Contiguous {
				counters.Contiguous++
			} else {
				counters.NonContiguous++
			}
		}
	}
	return counters
}

func sortedRegions(regions []types.Region) []types.Region {
	if slices.IsSortedFunc(regions, compareStart) {
		return regions
	}
	sorted := slices.Clone(regions)
	slices.SortStableFunc(sorted, compareStart)
	return sorted
}

func compareStart(a, b types.Region) int {
	switch {
	case a.Start < b.Start:
		return -1
	case a.Start > b.Start:
		return 1
	default:
		return 0
	}
}
