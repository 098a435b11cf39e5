package observability

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// rotatedKeep is how many rotated log files are retained.
const rotatedKeep = 5

// currentLogName is the active log file within the log directory.
const currentLogName = "current.log"

// OpenLogFile prepares the daemon log file under dir. A non-empty
// current.log from a previous run is rotated aside first, and old rotated
// files beyond the retention count are pruned.
func OpenLogFile(dir string) (*os.File, string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create log dir: %w", err)
	}
	path := filepath.Join(dir, currentLogName)

	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		rotated := filepath.Join(dir, fmt.Sprintf("%s-%s.log",
			"patchwork", time.Now().UTC().Format("20060102-150405")))
		if err := os.Rename(path, rotated); err != nil {
			return nil, "", fmt.Errorf("rotate log: %w", err)
		}
		pruneRotated(dir)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, "", fmt.Errorf("open log: %w", err)
	}
	return f, path, nil
}

func pruneRotated(dir string) {
	matches, err := filepath.Glob(filepath.Join(dir, "patchwork-*.log"))
	if err != nil || len(matches) <= rotatedKeep {
		return
	}
	sort.Strings(matches) // timestamped names sort chronologically
	for _, stale := range matches[:len(matches)-rotatedKeep] {
		os.Remove(stale)
	}
}

// TailLines returns up to n trailing lines of the file at path.
func TailLines(path string, n int) ([]string, error) {
	if n <= 0 {
		n = 100
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}
