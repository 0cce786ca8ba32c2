//go:build linux

package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/srodi/pagecontig/pkg/collector/memory"
	"github.com/srodi/pagecontig/pkg/collector/pagemap"
	"github.com/srodi/pagecontig/pkg/config"
	"github.com/srodi/pagecontig/pkg/layout"
	"github.com/srodi/pagecontig/pkg/pagetable"
	"github.com/srodi/pagecontig/pkg/report"
	"github.com/srodi/pagecontig/pkg/stream"
	"github.com/srodi/pagecontig/pkg/ui"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

type scanner struct {
	source  *pagemap.Source
	builder *report.Builder
	faults  *memory.Collector
}

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatalf("parsing configuration: %v", err)
	}
	slog.SetDefault(config.NewLogger(cfg))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	source, err := pagemap.NewSource()
	if err != nil {
		log.Fatalf("initializing pagemap source: %v", err)
	}
	if os.Geteuid() != 0 {
		slog.Warn("not running as root; the kernel hides frame numbers and other users' pagemaps")
	}

	geo := source.Geometry()
	s := &scanner{
		source: source,
		builder: &report.Builder{
			Accountant: layout.NewAccountant(pagetable.NewWalker(geo)),
			Filter:     cfg.Filter(),
			PageSize:   geo.PageSize(),
			Workers:    cfg.Workers,
		},
	}

	if cfg.Faults {
		s.faults = loadFaultCollector()
		if s.faults != nil {
			defer s.faults.Close()
		}
	}

	format := report.Format(cfg.Format)
	if !cfg.Watch {
		rep, err := s.collect(ctx)
		if err != nil {
			log.Fatalf("building report: %v", err)
		}
		if err := report.Write(os.Stdout, rep, format); err != nil {
			log.Fatalf("writing report: %v", err)
		}
		return
	}

	var hub *stream.Hub
	if cfg.Listen != "" {
		hub = stream.NewHub()
		go func() {
			if err := stream.Serve(ctx, cfg.Listen, hub); err != nil {
				slog.Error("websocket server stopped", "addr", cfg.Listen, "err", err)
			}
		}()
		slog.Info("serving reports", "addr", "ws://"+cfg.Listen+"/ws")
	}

	singleView := format == report.FormatTable && term.IsTerminal(int(os.Stdout.Fd()))
	if singleView {
		cleanupTerminal := enableSingleView()
		defer cleanupTerminal()
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		if err := s.snapshotAndPrint(ctx, cfg, format, singleView, hub); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("snapshot failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// loadFaultCollector attaches the page fault kprobe, or returns nil when the
// kernel refuses it.
func loadFaultCollector() *memory.Collector {
	// Raise rlimit for locked memory to allow eBPF programs to load.
	if err := unix.Setrlimit(unix.RLIMIT_MEMLOCK, &unix.Rlimit{
		Cur: unix.RLIM_INFINITY,
		Max: unix.RLIM_INFINITY,
	}); err != nil {
		slog.Warn("failed to raise rlimit memlock", "err", err)
	}
	faults, err := memory.NewCollector()
	if err != nil {
		slog.Warn("page fault collector unavailable", "err", err)
		return nil
	}
	return faults
}

// collect scans every process once and attaches the side columns.
func (s *scanner) collect(ctx context.Context) (report.Report, error) {
	procs, err := s.source.Processes()
	if err != nil {
		return report.Report{}, err
	}
	rep, err := s.builder.Build(ctx, procs)
	if err != nil {
		return report.Report{}, err
	}
	report.AttachRSS(&rep)

	switch {
	case s.faults == nil:
		rep.FaultsStatus = "disabled"
	default:
		stats, err := s.faults.Snapshot(0)
		if err != nil {
			rep.FaultsStatus = err.Error()
		} else {
			report.AttachFaults(&rep, stats)
		}
		if err := s.faults.Reset(); err != nil {
			slog.Warn("fault map reset failed", "err", err)
		}
	}

	if rep.HiddenFrames > 0 {
		slog.Warn("frame numbers hidden by the kernel, contiguity is not meaningful", "pages", rep.HiddenFrames)
	}
	return rep, nil
}

func (s *scanner) snapshotAndPrint(ctx context.Context, cfg config.Config, format report.Format, singleView bool, hub *stream.Hub) error {
	rep, err := s.collect(ctx)
	if err != nil {
		return err
	}
	if hub != nil {
		if err := hub.Publish("report", rep); err != nil {
			slog.Warn("publishing report", "err", err)
		}
	}

	if !singleView {
		return report.Write(os.Stdout, rep, format)
	}

	var buf bytes.Buffer
	buf.WriteString(ui.Banner())
	buf.WriteString("\n")
	fmt.Fprintf(&buf, "pagecontig (press Ctrl+C to exit)\n")
	fmt.Fprintf(&buf, "Updated: %s | Interval: %v | Scan: %v | Page size: %d\n\n",
		rep.Generated.Format(time.RFC3339), cfg.Interval, rep.Elapsed.Round(time.Millisecond), rep.PageSize)
	writeSummary(&buf, rep, cfg)
	if err := report.WriteTable(&buf, rep); err != nil {
		return err
	}

	clearScreen()
	fmt.Print(buf.String())
	return nil
}

func writeSummary(w io.Writer, rep report.Report, cfg config.Config) {
	if len(rep.Rows) == 0 {
		fmt.Fprintf(w, "[!] No processes matched current filters (min-pid=%d, hide-kernel=%t)\n\n", cfg.MinPID, cfg.HideKernel)
		return
	}
	fmt.Fprintf(w, "[PROCESS REPORT - %d processes, %d resident pages resolved]\n", rep.Totals.Processes, rep.Totals.Total)
	if cfg.Faults && rep.FaultsStatus != "" {
		fmt.Fprintf(w, "Page fault tracker unavailable: %s\n", rep.FaultsStatus)
	}
	fmt.Fprintln(w)
}

func clearScreen() {
	fmt.Print("\033[H\033[2J")
}

func enableSingleView() func() {
	stdinFD := int(os.Stdin.Fd())

	fmt.Print("\033[?1049h") // switch to alternate buffer
	fmt.Print("\033[?25l")   // hide cursor

	var restore []func()
	if term.IsTerminal(stdinFD) {
		if undoEcho, err := disableInputEcho(stdinFD); err != nil {
			slog.Warn("unable to suppress stdin echo", "err", err)
		} else if undoEcho != nil {
			restore = append(restore, undoEcho)
		}
	}

	return func() {
		for i := len(restore) - 1; i >= 0; i-- {
			restore[i]()
		}
		fmt.Print("\033[?25h")   // show cursor
		fmt.Print("\033[?1049l") // restore main buffer
	}
}

// disableInputEcho turns off stdin echo so the alternate-screen view stays clean.
func disableInputEcho(fd int) (func(), error) {
	termState, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return nil, err
	}

	updated := *termState
	updated.Lflag &^= unix.ECHO

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, &updated); err != nil {
		return nil, err
	}

	return func() {
		_ = unix.IoctlSetTermios(fd, unix.TCSETS, termState)
	}, nil
}
