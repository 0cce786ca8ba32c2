package pagemap

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/srodi/pagecontig/pkg/types"
)

// procRoot and procReadFile allow tests to point the collector at a fake /proc.
var (
	procRoot     = "/proc"
	procReadFile = os.ReadFile
)

func procPath(pid int, name string) string {
	return filepath.Join(procRoot, strconv.Itoa(pid), name)
}

// processName reads /proc/PID/comm, falling back to "pid-N" when the task is
// gone or reports a blank name.
func processName(pid int) string {
	if pid == 0 {
		return "idle"
	}
	data, err := procReadFile(procPath(pid, "comm"))
	if err != nil {
		return fmt.Sprintf("pid-%d", pid)
	}
	if comm := string(bytes.TrimSpace(data)); comm != "" {
		return comm
	}
	return fmt.Sprintf("pid-%d", pid)
}

// parseMaps reads the /proc/PID/maps format into regions. Lines that do not
// parse are skipped, as is the [vsyscall] gate which lives outside the
// process page tables.
func parseMaps(r io.Reader) ([]types.Region, error) {
	regions := make([]types.Region, 0, 64)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 {
			continue
		}
		bounds := strings.SplitN(fields[0], "-", 2)
		if len(bounds) != 2 {
			continue
		}
		start, err := strconv.ParseUint(bounds[0], 16, 64)
		if err != nil {
			continue
		}
		end, err := strconv.ParseUint(bounds[1], 16, 64)
		if err != nil || end <= start {
			continue
		}
		path := ""
		if len(fields) >= 6 {
			path = strings.Join(fields[5:], " ")
		}
		if path == "[vsyscall]" {
			continue
		}
		regions = append(regions, types.Region{
			Start: start,
			End:   end,
			Perms: fields[1],
			Path:  path,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return regions, nil
}

// RSSPages returns the resident page count of pid from /proc/PID/statm.
func RSSPages(pid int) (uint64, error) {
	if pid <= 0 {
		return 0, fmt.Errorf("invalid pid %d", pid)
	}
	data, err := procReadFile(procPath(pid, "statm"))
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0, fmt.Errorf("unexpected statm format for pid %d", pid)
	}
	return strconv.ParseUint(fields[1], 10, 64)
}

// RSSPagesForPIDs returns a PID->resident pages map for the provided set.
func RSSPagesForPIDs(pids []int) map[int]uint64 {
	result := make(map[int]uint64, len(pids))
	for _, pid := range pids {
		if _, ok := result[pid]; ok || pid <= 0 {
			continue
		}
		if rss, err := RSSPages(pid); err == nil {
			result[pid] = rss
		}
	}
	return result
}
