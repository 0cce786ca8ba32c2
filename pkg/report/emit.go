package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
)

// Format selects how a report is written.
type Format string

const (
	FormatTable Format = "table"
	FormatCSV   Format = "csv"
	FormatJSON  Format = "json"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatTable, FormatCSV, FormatJSON:
		return f, nil
	case "":
		return FormatTable, nil
	default:
		return "", fmt.Errorf("unknown format %q (want table, csv or json)", s)
	}
}

// Header precedes table and CSV reports.
const Header = "PROCESS REPORT:"

// Write renders rep in format f. Table and CSV output start with Header;
// JSON stays a single document.
func Write(w io.Writer, rep Report, f Format) error {
	if f == FormatJSON {
		return WriteJSON(w, rep)
	}
	if _, err := fmt.Fprintln(w, Header); err != nil {
		return err
	}
	if f == FormatCSV {
		return WriteCSV(w, rep)
	}
	return WriteTable(w, rep)
}

var csvHeader = []string{"proc_id", "proc_name", "total_pages", "contig_pages", "noncontig_pages"}

// WriteCSV writes one line per process in report order, then the totals line.
// Contiguity fields are left empty where frame numbers were hidden.
func WriteCSV(w io.Writer, rep Report) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, row := range rep.Rows {
		record := []string{
			strconv.Itoa(row.PID),
			row.Comm,
			strconv.FormatUint(row.Total, 10),
			countOrBlank(row.Contiguous, row.ContiguityKnown(), ""),
			countOrBlank(row.NonContiguous, row.ContiguityKnown(), ""),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	totals := []string{
		"TOTALS",
		"",
		strconv.FormatUint(rep.Totals.Total, 10),
		countOrBlank(rep.Totals.Contiguous, rep.HiddenFrames == 0, ""),
		countOrBlank(rep.Totals.NonContiguous, rep.HiddenFrames == 0, ""),
	}
	if err := cw.Write(totals); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

// WriteJSON writes the report as a single JSON document.
func WriteJSON(w io.Writer, rep Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

// WriteTable renders the report as aligned columns for a terminal.
func WriteTable(w io.Writer, rep Report) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PID\tCOMM\tTOTAL\tCONTIG\tNONCONTIG\tCONTIG(%)\tRSS\tFAULTS")
	for _, row := range rep.Rows {
		known := row.ContiguityKnown()
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			row.PID, row.Comm, row.Total,
			optional(row.Contiguous, known), optional(row.NonContiguous, known), share(row.ContiguousPercent(), known),
			optional(row.RSSPages, row.HasRSS), optional(row.Faults, row.HasFaults))
	}
	known := rep.HiddenFrames == 0
	fmt.Fprintf(tw, "TOTALS\t(%d)\t%d\t%s\t%s\t%s\t\t\n",
		rep.Totals.Processes, rep.Totals.Total,
		optional(rep.Totals.Contiguous, known), optional(rep.Totals.NonContiguous, known),
		share(percent(rep.Totals.Contiguous, rep.Totals.Total), known))
	return tw.Flush()
}

func optional(v uint64, ok bool) string {
	return countOrBlank(v, ok, "-")
}

func countOrBlank(v uint64, ok bool, blank string) string {
	if !ok {
		return blank
	}
	return strconv.FormatUint(v, 10)
}

func share(pct float64, ok bool) string {
	if !ok {
		return "-"
	}
	return strconv.FormatFloat(pct, 'f', 1, 64)
}
