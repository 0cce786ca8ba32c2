package report

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/srodi/pagecontig/pkg/collector/pagemap"
	"github.com/srodi/pagecontig/pkg/layout"
	"github.com/srodi/pagecontig/pkg/types"
)

// rssPagesForPIDs allows tests to stub RSS lookups that normally hit /proc.
var rssPagesForPIDs = pagemap.RSSPagesForPIDs

// Row is the report line for one included process.
type Row struct {
	PID  int    `json:"pid"`
	Comm string `json:"comm"`
	types.ProcessCounters
	RSSPages  uint64 `json:"rss_pages,omitempty"`
	HasRSS    bool   `json:"-"`
	Faults    uint64 `json:"faults,omitempty"`
	HasFaults bool   `json:"-"`
	// HiddenFrames counts present pages the kernel reported without a frame
	// number. Such rows have no meaningful contiguity split.
	HiddenFrames uint64 `json:"hidden_frames,omitempty"`
}

// ContiguousPercent returns the share of resolved pages that were contiguous.
func (r Row) ContiguousPercent() float64 {
	return percent(r.Contiguous, r.Total)
}

// ContiguityKnown reports whether every resolved frame of the row was real.
func (r Row) ContiguityKnown() bool {
	return r.HiddenFrames == 0
}

// Report is one full pass over the process set.
type Report struct {
	Generated    time.Time          `json:"generated"`
	Elapsed      time.Duration      `json:"elapsed_ns"`
	PageSize     uint64             `json:"page_size"`
	Rows         []Row              `json:"rows"`
	Totals       types.SystemTotals `json:"totals"`
	HiddenFrames uint64             `json:"hidden_frames,omitempty"`
	FaultsStatus string             `json:"faults_status,omitempty"`
}

// FilterConfig is the inclusion predicate applied before a process is scanned.
type FilterConfig struct {
	MinPID     int   // processes with PID <= MinPID are skipped
	HideKernel *bool // nil shows tasks without an address space as zero rows
	CommFilter string
}

func (cfg FilterConfig) hideKernelEnabled() bool {
	if cfg.HideKernel == nil {
		return false
	}
	return *cfg.HideKernel
}

// Include reports whether proc belongs in the report.
func (cfg FilterConfig) Include(proc layout.Process) bool {
	if proc.PID <= cfg.MinPID {
		return false
	}
	if cfg.hideKernelEnabled() && isKernelThread(proc) {
		return false
	}
	if cfg.CommFilter != "" && !strings.Contains(strings.ToLower(proc.Comm), strings.ToLower(cfg.CommFilter)) {
		return false
	}
	return true
}

// Aggregate folds per-process counters into system totals.
func Aggregate(rows []Row) types.SystemTotals {
	var totals types.SystemTotals
	for _, row := range rows {
		totals.Add(row.ProcessCounters)
	}
	return totals
}

// Builder turns a process list into a Report.
type Builder struct {
	Accountant *layout.Accountant
	Filter     FilterConfig
	PageSize   uint64
	// Workers bounds how many address spaces are scanned at once. Values
	// below two scan sequentially.
	Workers int
}

type hiddenFrameCounter interface {
	HiddenFrames() uint64
}

// Build accounts every included process. Rows keep the order of procs and
// totals are folded from the rows. Every address space that implements
// io.Closer is closed once its scan is done, including excluded ones.
func (b *Builder) Build(ctx context.Context, procs []layout.Process) (Report, error) {
	start := time.Now()
	rep := Report{Generated: start, PageSize: b.PageSize}

	included := make([]layout.Process, 0, len(procs))
	for _, proc := range procs {
		if b.Filter.Include(proc) {
			included = append(included, proc)
			continue
		}
		closeSpace(proc)
	}

	rows := make([]Row, len(included))
	scan := func(i int) {
		proc := included[i]
		rows[i] = Row{PID: proc.PID, Comm: proc.Comm}
		if proc.Space == nil {
			return
		}
		rows[i].ProcessCounters = b.Accountant.AccountFor(proc.Space)
		if hc, ok := proc.Space.(hiddenFrameCounter); ok {
			rows[i].HiddenFrames = hc.HiddenFrames()
		}
		closeSpace(proc)
	}

	var err error
	if b.Workers < 2 {
		for i := range included {
			if err = ctx.Err(); err != nil {
				break
			}
			scan(i)
		}
	} else {
		err = b.scanParallel(ctx, len(included), scan)
	}
	if err != nil {
		for _, proc := range included {
			closeSpace(proc)
		}
		return Report{}, err
	}

	rep.Rows = rows
	rep.Totals = Aggregate(rows)
	for _, row := range rows {
		rep.HiddenFrames += row.HiddenFrames
	}
	rep.Elapsed = time.Since(start)
	slog.Debug("report built", "processes", len(rows), "pages", rep.Totals.Total, "elapsed", rep.Elapsed)
	return rep, nil
}

func (b *Builder) scanParallel(ctx context.Context, n int, scan func(int)) error {
	sem := make(chan struct{}, b.Workers)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			scan(i)
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

// AttachRSS fills the resident page count of every row.
func AttachRSS(rep *Report) {
	pids := make([]int, 0, len(rep.Rows))
	for _, row := range rep.Rows {
		pids = append(pids, row.PID)
	}
	rss := rssPagesForPIDs(pids)
	for i := range rep.Rows {
		if pages, ok := rss[rep.Rows[i].PID]; ok {
			rep.Rows[i].RSSPages = pages
			rep.Rows[i].HasRSS = true
		}
	}
}

// AttachFaults fills the fault count of every row from a collector snapshot.
// Rows without samples record zero faults.
func AttachFaults(rep *Report, stats []types.PageFaultStat) {
	byPID := make(map[int]uint64, len(stats))
	for _, stat := range stats {
		byPID[int(stat.PID)] += stat.Faults
	}
	for i := range rep.Rows {
		rep.Rows[i].Faults = byPID[rep.Rows[i].PID]
		rep.Rows[i].HasFaults = true
	}
}

func closeSpace(proc layout.Process) {
	c, ok := proc.Space.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		slog.Debug("closing address space", "pid", proc.PID, "err", err)
	}
}

// isKernelThread reports tasks without an address space: kernel threads, and
// tasks whose maps could not be read.
func isKernelThread(proc layout.Process) bool {
	return proc.PID == 0 || proc.Space == nil
}

func percent(part, whole uint64) float64 {
	if whole == 0 {
		return 0
	}
	return 100 * float64(part) / float64(whole)
}
