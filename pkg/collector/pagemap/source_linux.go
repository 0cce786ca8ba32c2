//go:build linux
// +build linux

package pagemap

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/srodi/pagecontig/pkg/layout"
	"github.com/srodi/pagecontig/pkg/pagetable"
	"github.com/srodi/pagecontig/pkg/types"
)

const pagemapEntrySize = 8

var errClosed = errors.New("pagemap already closed")

// Source enumerates processes from /proc and opens their address spaces.
type Source struct {
	geo pagetable.Geometry
}

// NewSource returns a source for the running kernel's page size.
func NewSource() (*Source, error) {
	geo, err := pagetable.GeometryForPageSize(unix.Getpagesize())
	if err != nil {
		return nil, fmt.Errorf("detecting page geometry: %w", err)
	}
	return &Source{geo: geo}, nil
}

// Geometry returns the page geometry address spaces are walked with.
func (s *Source) Geometry() pagetable.Geometry {
	return s.geo
}

// Processes lists every process in ascending PID order. Processes whose maps
// cannot be read, and kernel threads, come back without an address space.
func (s *Source) Processes() ([]layout.Process, error) {
	entries, err := os.ReadDir(procRoot)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", procRoot, err)
	}
	pids := make([]int, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid <= 0 {
			continue
		}
		pids = append(pids, pid)
	}
	slices.Sort(pids)

	procs := make([]layout.Process, 0, len(pids))
	for _, pid := range pids {
		proc := layout.Process{PID: pid, Comm: processName(pid)}
		space, err := s.Open(pid)
		switch {
		case err != nil:
			slog.Debug("address space unavailable", "pid", pid, "err", err)
		case space != nil:
			proc.Space = space
		}
		procs = append(procs, proc)
	}
	return procs, nil
}

// Open snapshots the regions of pid. It returns a nil space for tasks with an
// empty map, which is how kernel threads present themselves.
func (s *Source) Open(pid int) (*AddressSpace, error) {
	data, err := procReadFile(procPath(pid, "maps"))
	if err != nil {
		return nil, fmt.Errorf("reading maps of pid %d: %w", pid, err)
	}
	regions, err := parseMaps(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parsing maps of pid %d: %w", pid, err)
	}
	if len(regions) == 0 {
		return nil, nil
	}
	slices.SortFunc(regions, func(a, b types.Region) int {
		switch {
		case a.Start < b.Start:
			return -1
		case a.Start > b.Start:
			return 1
		}
		return 0
	})
	return &AddressSpace{pid: pid, geo: s.geo, regions: regions}, nil
}

// AddressSpace presents /proc/PID/pagemap as a five-level page table. Upper
// level slots exist when a region intersects their span. A PMD slot whose
// leaf block holds no present or swapped entry is reported absent, so walks
// through unpopulated reservations stop above the leaf.
type AddressSpace struct {
	pid     int
	geo     pagetable.Geometry
	regions []types.Region

	openOnce sync.Once
	file     *os.File
	openErr  error

	mu         sync.Mutex
	block      *leafBlock
	hiddenPFNs atomic.Uint64
}

// PID returns the process the space belongs to.
func (s *AddressSpace) PID() int {
	return s.pid
}

// Regions implements layout.AddressSpace.
func (s *AddressSpace) Regions() []types.Region {
	return s.regions
}

// Root implements pagetable.AddressSpace.
func (s *AddressSpace) Root() pagetable.Directory {
	return directory{space: s, level: pagetable.LevelPGD}
}

// HiddenFrames counts present pages whose frame number the kernel withheld.
// Without CAP_SYS_ADMIN every present page reports PFN 0.
func (s *AddressSpace) HiddenFrames() uint64 {
	return s.hiddenPFNs.Load()
}

// Close releases the pagemap file if it was opened.
func (s *AddressSpace) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.block = nil
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *AddressSpace) pagemap() (*os.File, error) {
	s.openOnce.Do(func() {
		s.file, s.openErr = os.Open(procPath(s.pid, "pagemap"))
	})
	return s.file, s.openErr
}

// covers reports whether any region intersects [lo, hi).
func (s *AddressSpace) covers(lo, hi uint64) bool {
	i, _ := slices.BinarySearchFunc(s.regions, lo, func(r types.Region, target uint64) int {
		if r.End <= target {
			return -1
		}
		return 1
	})
	return i < len(s.regions) && s.regions[i].Start < hi
}

// leafBlock is one PTE table worth of pagemap entries.
type leafBlock struct {
	base    uint64
	entries []pagetable.PTE
	empty   bool
}

// leafAt returns the pagemap entries of the PTE table covering base. The most
// recent block is kept, so consecutive walks through one table cost a single
// read.
func (s *AddressSpace) leafAt(base uint64) (*leafBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.block != nil && s.block.base == base {
		return s.block, nil
	}
	f, err := s.pagemap()
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, errClosed
	}

	entries := s.geo.Entries()
	offset := (base >> s.geo.PageShift) * pagemapEntrySize
	block := &leafBlock{base: base, entries: make([]pagetable.PTE, entries), empty: true}
	if offset > math.MaxInt64 {
		s.block = block
		return block, nil
	}

	buf := getBuffer(int(entries) * pagemapEntrySize)
	defer putBuffer(buf)
	n, err := pread(int(f.Fd()), buf, int64(offset))
	if err != nil && !errors.Is(err, unix.EINVAL) {
		return nil, fmt.Errorf("reading pagemap of pid %d at %#x: %w", s.pid, offset, err)
	}
	for i := 0; i+pagemapEntrySize <= n; i += pagemapEntrySize {
		pte := pagetable.PTE(binary.NativeEndian.Uint64(buf[i:]))
		block.entries[i/pagemapEntrySize] = pte
		if pte.Present() || pte.Swapped() {
			block.empty = false
		}
	}
	s.block = block
	return block, nil
}

// pread is swapped out by tests that count reads.
var (
	pread   = unix.Pread
	buffers sync.Pool
)

func getBuffer(size int) []byte {
	if b, ok := buffers.Get().(*[]byte); ok && cap(*b) >= size {
		return (*b)[:size]
	}
	return make([]byte, size)
}

func putBuffer(b []byte) {
	buffers.Put(&b)
}

type directory struct {
	space *AddressSpace
	level pagetable.Level
	base  uint64
}

func (d directory) Lookup(index uint64) (pagetable.Directory, pagetable.EntryState) {
	if d.level >= pagetable.LevelPTE {
		return nil, pagetable.EntryBad
	}
	geo := d.space.geo
	shift := geo.Shift(d.level)
	lo := d.base
	if shift < 64 {
		lo += index << shift
	}
	hi := lo + geo.Span(d.level)
	if hi < lo {
		hi = math.MaxUint64
	}
	if !d.space.covers(lo, hi) {
		return nil, pagetable.EntryNone
	}
	if d.level == pagetable.LevelPMD {
		// read failures surface from Map, where the walk reports the leaf unmapped
		if block, err := d.space.leafAt(lo); err == nil && block.empty {
			return nil, pagetable.EntryNone
		}
	}
	return directory{space: d.space, level: d.level + 1, base: lo}, pagetable.EntryTable
}

func (d directory) Map() (pagetable.Leaf, error) {
	if d.level != pagetable.LevelPTE {
		return nil, fmt.Errorf("%s table is not a leaf", d.level)
	}
	block, err := d.space.leafAt(d.base)
	if err != nil {
		return nil, err
	}
	return &leafReader{space: d.space, block: block}, nil
}

type leafReader struct {
	space *AddressSpace
	block *leafBlock
}

func (r *leafReader) Entry(index uint64) pagetable.PTE {
	if r.block == nil || index >= uint64(len(r.block.entries)) {
		return 0
	}
	pte := r.block.entries[index]
	if pte.Present() && pte.PFN() == 0 {
		r.space.hiddenPFNs.Add(1)
	}
	return pte
}

func (r *leafReader) Unmap() {
	r.block = nil
}
