package types

// DefaultMinPID mirrors the threshold the first report used to skip early
// system tasks.
const DefaultMinPID = 650

// Region is a page-aligned half-open range [Start, End) of virtual addresses.
type Region struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
	Perms string `json:"perms,omitempty"`
	Path  string `json:"path,omitempty"`
}

// Size returns the length of the region in bytes.
func (r Region) Size() uint64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// ProcessCounters holds the page accounting for one process.
type ProcessCounters struct {
	Total         uint64 `json:"total"`
	Contiguous    uint64 `json:"contiguous"`
	NonContiguous uint64 `json:"non_contiguous"`
	// Scanned counts virtual pages visited, mapped or not.
	Scanned uint64 `json:"scanned"`
}

// SystemTotals is the field-wise sum of every included ProcessCounters.
type SystemTotals struct {
	Processes     int    `json:"processes"`
	Total         uint64 `json:"total"`
	Contiguous    uint64 `json:"contiguous"`
	NonContiguous uint64 `json:"non_contiguous"`
}

// Add folds one process into the totals.
func (s *SystemTotals) Add(c ProcessCounters) {
	s.Processes++
	s.Total += c.Total
	s.Contiguous += c.Contiguous
	s.NonContiguous += c.NonContiguous
}

// Merge folds another set of totals into s.
func (s *SystemTotals) Merge(o SystemTotals) {
	s.Processes += o.Processes
	s.Total += o.Total
	s.Contiguous += o.Contiguous
	s.NonContiguous += o.NonContiguous
}

// PageFaultStat tracks per-PID faults during a window.
type PageFaultStat struct {
	PID    uint32
	Faults uint64
}
