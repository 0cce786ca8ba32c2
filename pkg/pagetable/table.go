package pagetable

import (
	"fmt"
	"sync"
)

// Table is an in-memory five-level page table. It is safe for concurrent
// readers; writers must not race with walks.
type Table struct {
	geo  Geometry
	root *node

	mu      sync.Mutex
	mapped  int
	mapErr  error
	mapping int
}

type node struct {
	table    *Table
	level    Level
	children map[uint64]*node
	bad      map[uint64]bool
	ptes     map[uint64]PTE
}

// NewTable returns an empty table for geo.
func NewTable(geo Geometry) *Table {
	t := &Table{geo: geo}
	t.root = t.newNode(LevelPGD)
	return t
}

func (t *Table) newNode(level Level) *node {
	n := &node{table: t, level: level}
	if level == LevelPTE {
		n.ptes = make(map[uint64]PTE)
	} else {
		n.children = make(map[uint64]*node)
		n.bad = make(map[uint64]bool)
	}
	return n
}

// Root implements AddressSpace.
func (t *Table) Root() Directory {
	return t.root
}

// Map installs a present leaf entry translating the page at va to pfn.
func (t *Table) Map(va, pfn uint64) {
	t.SetPTE(va, MakePTE(pfn))
}

// SetPTE stores a raw leaf entry for the page at va.
func (t *Table) SetPTE(va uint64, pte PTE) {
	leaf := t.path(va, LevelPTE)
	leaf.ptes[t.geo.Index(LevelPTE, va)] = pte
}

// Clear removes the leaf entry for the page at va.
func (t *Table) Clear(va uint64) {
	leaf := t.path(va, LevelPTE)
	delete(leaf.ptes, t.geo.Index(LevelPTE, va))
}

// MarkBad corrupts the slot for va in the table at level, which must be a
// non-leaf level.
func (t *Table) MarkBad(level Level, va uint64) error {
	if level < LevelPGD || level >= LevelPTE {
		return fmt.Errorf("cannot mark %s entry bad", level)
	}
	dir := t.path(va, level)
	idx := t.geo.Index(level, va)
	delete(dir.children, idx)
	dir.bad[idx] = true
	return nil
}

// FailMaps makes every leaf mapping fail with err until called with nil.
func (t *Table) FailMaps(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mapErr = err
}

// Outstanding returns how many leaves are mapped and not yet unmapped.
func (t *Table) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mapped
}

// Mappings returns the number of successful leaf mappings so far.
func (t *Table) Mappings() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mapping
}

// path returns the table at level covering va, creating missing tables.
func (t *Table) path(va uint64, level Level) *node {
	n := t.root
	for l := LevelPGD; l < level; l++ {
		idx := t.geo.Index(l, va)
		child, ok := n.children[idx]
		if !ok {
			child = t.newNode(l + 1)
			n.children[idx] = child
			delete(n.bad, idx)
		}
		n = child
	}
	return n
}

func (n *node) Lookup(index uint64) (Directory, EntryState) {
	if n.level == LevelPTE {
		return nil, EntryBad
	}
	if n.bad[index] {
		return nil, EntryBad
	}
	child, ok := n.children[index]
	if !ok {
		return nil, EntryNone
	}
	return child, EntryTable
}

func (n *node) Map() (Leaf, error) {
	if n.level != LevelPTE {
		return nil, fmt.Errorf("%s table is not a leaf", n.level)
	}
	t := n.table
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mapErr != nil {
		return nil, t.mapErr
	}
	t.mapped++
	t.mapping++
	return &leaf{node: n}, nil
}

type leaf struct {
	node *node
	once sync.Once
}

func (l *leaf) Entry(index uint64) PTE {
	return l.node.ptes[index]
}

func (l *leaf) Unmap() {
	l.once.Do(func() {
		t := l.node.table
		t.mu.Lock()
		t.mapped--
		t.mu.Unlock()
	})
}
