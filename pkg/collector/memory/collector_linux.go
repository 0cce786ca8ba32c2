//go:build linux
// +build linux

package memory

import (
	"errors"
	"fmt"
	"sort"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"

	"github.com/srodi/pagecontig/pkg/types"
)

// Collector owns the eBPF program tracking per-process page faults.
type Collector struct {
	faults *ebpf.Map
	prog   *ebpf.Program
	hook   link.Link
}

const resetSweepRetries = 3

// NewCollector loads the page fault counter and attaches it to the
// handle_mm_fault kprobe.
func NewCollector() (*Collector, error) {
	faults, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       faultMapName,
		Type:       ebpf.Hash,
		KeySize:    4,
		ValueSize:  8,
		MaxEntries: faultMapEntries,
	})
	if err != nil {
		return nil, fmt.Errorf("creating fault map: %w", err)
	}

	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:         "count_faults",
		Type:         ebpf.Kprobe,
		License:      "GPL",
		Instructions: faultProgram(faults.FD()),
	})
	if err != nil {
		faults.Close()
		return nil, fmt.Errorf("loading fault program: %w", err)
	}

	kp, err := link.Kprobe(faultProbe, prog, nil)
	if err != nil {
		prog.Close()
		faults.Close()
		return nil, fmt.Errorf("attaching %s kprobe failed: %w", faultProbe, err)
	}

	return &Collector{faults: faults, prog: prog, hook: kp}, nil
}

// Close releases the BPF resources.
func (c *Collector) Close() error {
	var err error
	if c.hook != nil {
		err = errors.Join(err, c.hook.Close())
	}
	if c.prog != nil {
		err = errors.Join(err, c.prog.Close())
	}
	if c.faults != nil {
		err = errors.Join(err, c.faults.Close())
	}
	return err
}

// Snapshot returns the processes with the most faults since the last reset.
// A limit of zero returns every process.
func (c *Collector) Snapshot(limit int) ([]types.PageFaultStat, error) {
	stats := make([]types.PageFaultStat, 0, max(limit, 0))
	iter := c.faults.Iterate()
	var pid uint32
	var count uint64
	for iter.Next(&pid, &count) {
		if count == 0 {
			continue
		}
		stats = append(stats, types.PageFaultStat{PID: pid, Faults: count})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("iterating page fault map: %w", err)
	}

	sort.Slice(stats, func(i, j int) bool { return stats[i].Faults > stats[j].Faults })
	if limit > 0 && len(stats) > limit {
		stats = stats[:limit]
	}
	return stats, nil
}

// Reset clears the page fault map for the next window.
func (c *Collector) Reset() error {
	for attempt := 1; attempt <= resetSweepRetries; attempt++ {
		iter := c.faults.Iterate()
		var pid uint32
		var count uint64
		for iter.Next(&pid, &count) {
			if err := c.faults.Delete(&pid); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
				return fmt.Errorf("clearing pid %d: %w", pid, err)
			}
		}
		if err := iter.Err(); err != nil {
			if errors.Is(err, ebpf.ErrIterationAborted) && attempt < resetSweepRetries {
				continue
			}
			return fmt.Errorf("iterating page fault map: %w", err)
		}
		return nil
	}
	return nil
}
