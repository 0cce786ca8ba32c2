package pagetable

import (
	"fmt"
	"math"
	"math/bits"

	"golang.org/x/exp/constraints"
)

// Level identifies one stage of the five-level translation hierarchy.
type Level int

const (
	LevelPGD Level = iota
	LevelP4D
	LevelPUD
	LevelPMD
	LevelPTE
)

// Levels is the fixed depth of the hierarchy.
const Levels = 5

func (l Level) String() string {
	switch l {
	case LevelPGD:
		return "pgd"
	case LevelP4D:
		return "p4d"
	case LevelPUD:
		return "pud"
	case LevelPMD:
		return "pmd"
	case LevelPTE:
		return "pte"
	default:
		return fmt.Sprintf("level-%d", int(l))
	}
}

// Geometry describes the base page size and how many virtual address bits
// index each table level.
type Geometry struct {
	PageShift uint
	IndexBits uint
}

// DefaultGeometry is 4 KiB pages with 512-entry tables.
var DefaultGeometry = Geometry{PageShift: 12, IndexBits: 9}

// GeometryForPageSize derives the geometry for a kernel page size. Tables
// occupy one page of 8-byte entries.
func GeometryForPageSize(pageSize int) (Geometry, error) {
	if pageSize < 4096 || bits.OnesCount(uint(pageSize)) != 1 {
		return Geometry{}, fmt.Errorf("unsupported page size %d", pageSize)
	}
	shift := uint(bits.TrailingZeros(uint(pageSize)))
	return Geometry{PageShift: shift, IndexBits: shift - 3}, nil
}

// PageSize returns the base page size in bytes.
func (g Geometry) PageSize() uint64 {
	return 1 << g.PageShift
}

// Entries returns the number of slots per table.
func (g Geometry) Entries() uint64 {
	return 1 << g.IndexBits
}

// Shift returns the lowest virtual address bit indexed by level.
func (g Geometry) Shift(level Level) uint {
	return g.PageShift + uint(LevelPTE-level)*g.IndexBits
}

// Span returns the number of bytes of virtual address space covered by one
// slot of a table at level. Levels that index beyond bit 63 cover everything.
func (g Geometry) Span(level Level) uint64 {
	shift := g.Shift(level)
	if shift >= 64 {
		return math.MaxUint64
	}
	return 1 << shift
}

// Index returns the slot of va in the table at level.
func (g Geometry) Index(level Level, va uint64) uint64 {
	return (va >> g.Shift(level)) & (g.Entries() - 1)
}

// AlignDown rounds v down to a multiple of align, which must be a power of two.
func AlignDown[I constraints.Integer](v, align I) I {
	return v &^ (align - 1)
}

// AlignUp rounds v up to a multiple of align, which must be a power of two.
func AlignUp[I constraints.Integer](v, align I) I {
	return (v + align - 1) &^ (align - 1)
}
