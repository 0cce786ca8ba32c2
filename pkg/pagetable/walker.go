package pagetable

// EntryState is the outcome of looking up one slot of a non-leaf table.
type EntryState uint8

const (
	// EntryNone means the slot is empty.
	EntryNone EntryState = iota
	// EntryBad means the slot holds something that is not a valid table pointer.
	EntryBad
	// EntryTable means the slot points at the next level down.
	EntryTable
)

// Directory is one non-leaf table (pgd, p4d, pud or pmd).
type Directory interface {
	// Lookup returns the table referenced by slot index.
	Lookup(index uint64) (Directory, EntryState)
	// Map pins the leaf table a pmd slot points at. It is only called on
	// directories returned by a pmd lookup.
	Map() (Leaf, error)
}

// Leaf is a mapped page of page-table entries. It must be unmapped before the
// translation that mapped it returns.
type Leaf interface {
	Entry(index uint64) PTE
	Unmap()
}

// AddressSpace exposes the root of a process page-table hierarchy.
type AddressSpace interface {
	Root() Directory
}

// PTE is a leaf page-table entry in the layout /proc/PID/pagemap uses.
type PTE uint64

const (
	ptePresent PTE = 1 << 63
	pteSwapped PTE = 1 << 62
	pfnMask    PTE = 1<<55 - 1
)

// MakePTE builds a present entry for pfn.
func MakePTE(pfn uint64) PTE {
	return ptePresent | PTE(pfn)&pfnMask
}

// Present reports whether the entry maps a physical frame.
func (p PTE) Present() bool {
	return p&ptePresent != 0
}

// Swapped reports whether the page was pushed to swap.
func (p PTE) Swapped() bool {
	return p&pteSwapped != 0
}

// PFN returns the physical frame number of a present entry.
func (p PTE) PFN() uint64 {
	return uint64(p & pfnMask)
}

// Translation is the result of resolving one virtual page.
type Translation struct {
	Frame  uint64
	Mapped bool
	// Stop is the level at which an unmapped walk ended.
	Stop Level
}

// Resolved returns a translation to the physical frame address frame.
func Resolved(frame uint64) Translation {
	return Translation{Frame: frame, Mapped: true, Stop: LevelPTE}
}

func unmappedAt(level Level) Translation {
	return Translation{Stop: level}
}

// Walker resolves virtual page addresses against a five-level hierarchy.
type Walker struct {
	geo Geometry
}

// NewWalker returns a walker for the given geometry.
func NewWalker(geo Geometry) Walker {
	return Walker{geo: geo}
}

// Geometry returns the walker's page geometry.
func (w Walker) Geometry() Geometry {
	return w.geo
}

// Translate walks pgd, p4d, pud and pmd, then reads the leaf entry for va.
// Absent, bad and not-present entries all yield an unmapped translation.
func (w Walker) Translate(space AddressSpace, va uint64) Translation {
	if space == nil {
		return unmappedAt(LevelPGD)
	}
	dir := space.Root()
	if dir == nil {
		return unmappedAt(LevelPGD)
	}
	for level := LevelPGD; level < LevelPTE; level++ {
		next, state := dir.Lookup(w.geo.Index(level, va))
		if state != EntryTable || next == nil {
			return unmappedAt(level)
		}
		dir = next
	}
	return w.leaf(dir, va)
}

func (w Walker) leaf(table Directory, va uint64) Translation {
	leaf, err := table.Map()
	if err != nil || leaf == nil {
		return unmappedAt(LevelPTE)
	}
	defer leaf.Unmap()

	pte := leaf.Entry(w.geo.Index(LevelPTE, va))
	if !pte.Present() {
		return unmappedAt(LevelPTE)
	}
	return Resolved(pte.PFN() << w.geo.PageShift)
}
