package report

import (
	"context"
	"errors"
	"testing"

	"github.com/srodi/pagecontig/pkg/collector/pagemap"
	"github.com/srodi/pagecontig/pkg/layout"
	"github.com/srodi/pagecontig/pkg/pagetable"
	"github.com/srodi/pagecontig/pkg/types"
)

type fakeSpace struct {
	*pagetable.Table
	regions []types.Region
	closed  int
	hidden  uint64
}

func (f *fakeSpace) Regions() []types.Region { return f.regions }
func (f *fakeSpace) HiddenFrames() uint64    { return f.hidden }
func (f *fakeSpace) Close() error {
	f.closed++
	return nil
}

// spaceWithFrames maps consecutive virtual pages at 0x400000 to pfns.
func spaceWithFrames(pfns ...uint64) *fakeSpace {
	table := pagetable.NewTable(pagetable.DefaultGeometry)
	for i, pfn := range pfns {
		table.Map(0x400000+uint64(i)*4096, pfn)
	}
	return &fakeSpace{
		Table:   table,
		regions: []types.Region{{Start: 0x400000, End: 0x400000 + uint64(len(pfns))*4096}},
	}
}

func newBuilder(filter FilterConfig, workers int) *Builder {
	return &Builder{
		Accountant: layout.NewAccountant(pagetable.NewWalker(pagetable.DefaultGeometry)),
		Filter:     filter,
		PageSize:   4096,
		Workers:    workers,
	}
}

func TestAggregateSumsFields(t *testing.T) {
	rows := []Row{
		{PID: 1, ProcessCounters: types.ProcessCounters{Total: 4, Contiguous: 3, NonContiguous: 1}},
		{PID: 2, ProcessCounters: types.ProcessCounters{Total: 1, NonContiguous: 1}},
		{PID: 3},
	}
	got := Aggregate(rows)
	want := types.SystemTotals{Processes: 3, Total: 5, Contiguous: 3, NonContiguous: 2}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}

	for split := 0; split <= len(rows); split++ {
		left := Aggregate(rows[:split])
		left.Merge(Aggregate(rows[split:]))
		if left != want {
			t.Fatalf("partition at %d: expected %+v, got %+v", split, want, left)
		}
	}
	if empty := Aggregate(nil); empty != (types.SystemTotals{}) {
		t.Fatalf("expected zero totals, got %+v", empty)
	}
}

func TestFilterConfigInclude(t *testing.T) {
	user := &fakeSpace{}
	cases := []struct {
		name string
		cfg  FilterConfig
		proc layout.Process
		want bool
	}{
		{"belowThreshold", FilterConfig{MinPID: 650}, layout.Process{PID: 650, Comm: "api", Space: user}, false},
		{"aboveThreshold", FilterConfig{MinPID: 650}, layout.Process{PID: 651, Comm: "api", Space: user}, true},
		{"kernelShownByDefault", FilterConfig{MinPID: 650}, layout.Process{PID: 900, Comm: "kworker/1:0"}, true},
		{"kernelHidden", FilterConfig{HideKernel: boolPtr(true)}, layout.Process{PID: 900, Comm: "kworker/1:0"}, false},
		{"noSpaceHidden", FilterConfig{HideKernel: boolPtr(true)}, layout.Process{PID: 900, Comm: "api"}, false},
		{"idleHidden", FilterConfig{HideKernel: boolPtr(true)}, layout.Process{PID: 0, Comm: "idle", Space: user}, false},
		{"watchdogUserTask", FilterConfig{MinPID: 650, HideKernel: boolPtr(true)}, layout.Process{PID: 900, Comm: "watchdogd", Space: user}, true},
		{"rcuUserTask", FilterConfig{MinPID: 650, HideKernel: boolPtr(true)}, layout.Process{PID: 901, Comm: "rcu-sync-agent", Space: user}, true},
		{"migrationUserTask", FilterConfig{MinPID: 650, HideKernel: boolPtr(true)}, layout.Process{PID: 902, Comm: "migration-tool", Space: user}, true},
		{"commMatch", FilterConfig{CommFilter: "DB"}, layout.Process{PID: 900, Comm: "postgres-db", Space: user}, true},
		{"commMiss", FilterConfig{CommFilter: "db"}, layout.Process{PID: 900, Comm: "api", Space: user}, false},
	}
	for _, tc := range cases {
		if got := tc.cfg.Include(tc.proc); got != tc.want {
			t.Fatalf("%s: expected %t, got %t", tc.name, tc.want, got)
		}
	}
}

func TestBuildKeepsOrderAndTotals(t *testing.T) {
	contiguous := spaceWithFrames(10, 11, 12, 13)
	single := spaceWithFrames(40)
	excluded := spaceWithFrames(70, 71)
	procs := []layout.Process{
		{PID: 900, Comm: "api", Space: contiguous},
		{PID: 100, Comm: "init", Space: excluded},
		{PID: 700, Comm: "kthreadd"},
		{PID: 800, Comm: "db", Space: single},
	}

	rep, err := newBuilder(FilterConfig{MinPID: 650, HideKernel: boolPtr(false)}, 0).Build(context.Background(), procs)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(rep.Rows) != 3 {
		t.Fatalf("expected 3 rows, got %+v", rep.Rows)
	}
	if rep.Rows[0].PID != 900 || rep.Rows[1].PID != 700 || rep.Rows[2].PID != 800 {
		t.Fatalf("rows not in iteration order: %+v", rep.Rows)
	}
	if rep.Rows[0].ProcessCounters != (types.ProcessCounters{Total: 4, Contiguous: 3, NonContiguous: 1, Scanned: 4}) {
		t.Fatalf("unexpected api counters: %+v", rep.Rows[0].ProcessCounters)
	}
	if rep.Rows[1].ProcessCounters != (types.ProcessCounters{}) {
		t.Fatalf("task without address space should be zero: %+v", rep.Rows[1])
	}
	if rep.Rows[2].Total != 1 || rep.Rows[2].NonContiguous != 1 || rep.Rows[2].Contiguous != 0 {
		t.Fatalf("single page process: %+v", rep.Rows[2])
	}
	want := types.SystemTotals{Processes: 3, Total: 5, Contiguous: 3, NonContiguous: 2}
	if rep.Totals != want {
		t.Fatalf("expected totals %+v, got %+v", want, rep.Totals)
	}
	if contiguous.closed != 1 || single.closed != 1 || excluded.closed != 1 {
		t.Fatalf("address spaces not closed exactly once: %d %d %d", contiguous.closed, single.closed, excluded.closed)
	}
	if excluded.Mappings() != 0 {
		t.Fatalf("excluded process was scanned")
	}
}

func TestBuildParallelMatchesSequential(t *testing.T) {
	makeProcs := func() []layout.Process {
		procs := make([]layout.Process, 0, 20)
		for i := 0; i < 20; i++ {
			base := uint64(i * 100)
			space := spaceWithFrames(base+1, base+2, base+50, base+51, base+52)
			space.hidden = 1
			procs = append(procs, layout.Process{PID: 1000 + i, Comm: "worker", Space: space})
		}
		return procs
	}

	seq, err := newBuilder(FilterConfig{}, 1).Build(context.Background(), makeProcs())
	if err != nil {
		t.Fatalf("sequential build: %v", err)
	}
	par, err := newBuilder(FilterConfig{}, 4).Build(context.Background(), makeProcs())
	if err != nil {
		t.Fatalf("parallel build: %v", err)
	}
	if seq.Totals != par.Totals || len(seq.Rows) != len(par.Rows) {
		t.Fatalf("parallel totals differ: %+v vs %+v", seq.Totals, par.Totals)
	}
	for i := range seq.Rows {
		if seq.Rows[i].PID != par.Rows[i].PID || seq.Rows[i].ProcessCounters != par.Rows[i].ProcessCounters {
			t.Fatalf("row %d differs: %+v vs %+v", i, seq.Rows[i], par.Rows[i])
		}
	}
	if par.HiddenFrames != 20 {
		t.Fatalf("expected 20 hidden frames, got %d", par.HiddenFrames)
	}
	if par.Rows[3].HiddenFrames != 1 || par.Rows[3].ContiguityKnown() {
		t.Fatalf("row with hidden frames should not claim a contiguity split: %+v", par.Rows[3])
	}
}

func TestBuildDefaultKeepsTasksWithoutSpace(t *testing.T) {
	procs := []layout.Process{
		{PID: 12, Comm: "kthreadd"},
		{PID: 900, Comm: "kworker/3:1"},
		{PID: 901, Comm: "watchdogd", Space: spaceWithFrames(5, 6)},
	}
	rep, err := newBuilder(FilterConfig{MinPID: types.DefaultMinPID}, 0).Build(context.Background(), procs)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(rep.Rows) != 2 || rep.Rows[0].PID != 900 || rep.Rows[1].PID != 901 {
		t.Fatalf("expected rows for 900 and 901, got %+v", rep.Rows)
	}
	if rep.Rows[0].ProcessCounters != (types.ProcessCounters{}) || !rep.Rows[0].ContiguityKnown() {
		t.Fatalf("task without address space should report zeros: %+v", rep.Rows[0])
	}
	if rep.Rows[1].Total != 2 || rep.Rows[1].Contiguous != 1 {
		t.Fatalf("user task named like a kernel thread was not scanned: %+v", rep.Rows[1])
	}
}

func TestBuildHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	space := spaceWithFrames(1, 2)
	procs := []layout.Process{{PID: 1000, Comm: "api", Space: space}}
	for _, workers := range []int{0, 4} {
		_, err := newBuilder(FilterConfig{}, workers).Build(ctx, procs)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("workers=%d: expected context.Canceled, got %v", workers, err)
		}
	}
	if space.closed == 0 {
		t.Fatalf("address space should be closed after cancellation")
	}
}

func TestAttachRSSAndFaults(t *testing.T) {
	t.Cleanup(func() { rssPagesForPIDs = pagemap.RSSPagesForPIDs })
	rssPagesForPIDs = func(pids []int) map[int]uint64 {
		return map[int]uint64{900: 128}
	}

	rep := Report{Rows: []Row{{PID: 900}, {PID: 901}}}
	AttachRSS(&rep)
	if !rep.Rows[0].HasRSS || rep.Rows[0].RSSPages != 128 {
		t.Fatalf("expected rss for 900: %+v", rep.Rows[0])
	}
	if rep.Rows[1].HasRSS {
		t.Fatalf("901 should have no rss: %+v", rep.Rows[1])
	}

	AttachFaults(&rep, []types.PageFaultStat{{PID: 901, Faults: 33}})
	if !rep.Rows[0].HasFaults || rep.Rows[0].Faults != 0 {
		t.Fatalf("900 should record zero faults: %+v", rep.Rows[0])
	}
	if rep.Rows[1].Faults != 33 {
		t.Fatalf("901 should record 33 faults: %+v", rep.Rows[1])
	}
}

func TestContiguousPercent(t *testing.T) {
	row := Row{ProcessCounters: types.ProcessCounters{Total: 4, Contiguous: 3, NonContiguous: 1}}
	if got := row.ContiguousPercent(); got != 75 {
		t.Fatalf("expected 75%%, got %.2f", got)
	}
	if got := (Row{}).ContiguousPercent(); got != 0 {
		t.Fatalf("expected 0%% for empty row, got %.2f", got)
	}
}

func boolPtr(v bool) *bool {
	return &v
}
