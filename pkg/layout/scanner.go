package layout

import (
	"iter"

	"github.com/srodi/pagecontig/pkg/pagetable"
	"github.com/srodi/pagecontig/pkg/types"
)

// PagesOf yields the page addresses covering region, from Start up to but not
// including End. Unaligned bounds are widened to whole pages.
func PagesOf(region types.Region, pageSize uint64) iter.Seq[uint64] {
	return func(yield func(uint64) bool) {
		if pageSize == 0 || region.End <= region.Start {
			return
		}
		start := pagetable.AlignDown(region.Start, pageSize)
		end := pagetable.AlignUp(region.End, pageSize)
		for va := start; va < end; va += pageSize {
			if !yield(va) {
				return
			}
			if va+pageSize < va {
				// top of the address space
				return
			}
		}
	}
}

// PageCount returns how many pages PagesOf yields for region.
func PageCount(region types.Region, pageSize uint64) uint64 {
	if pageSize == 0 || region.End <= region.Start {
		return 0
	}
	start := pagetable.AlignDown(region.Start, pageSize)
	end := pagetable.AlignUp(region.End, pageSize)
	return (end - start) / pageSize
}
