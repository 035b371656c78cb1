// Package logwriter provides the append-only per-app text log: a single
// run.log file that receives structured events from the supervisor and
// raw stdout/stderr bytes from the app process itself.
package logwriter

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	logFileName = "run.log"

	// MinTail and MaxTail bound the n argument to Tail.
	MinTail = 50
	MaxTail = 5000
)

// Writer appends lines to one app's run.log and tails it back.
type Writer struct {
	appDir string

	mu   sync.Mutex
	file *os.File
}

// New opens (creating if absent) appDir/run.log for appending.
func New(appDir string) (*Writer, error) {
	if err := os.MkdirAll(appDir, 0o755); err != nil {
		return nil, fmt.Errorf("logwriter: mkdir %s: %w", appDir, err)
	}
	f, err := os.OpenFile(filepath.Join(appDir, logFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logwriter: open %s: %w", appDir, err)
	}
	return &Writer{appDir: appDir, file: f}, nil
}

// AppendLine writes one timestamp-prefixed line, for supervisor-authored
// events (provisioning phases, start/stop, failures). App stdout/stderr
// bypasses this method entirely — see Sink.
func (w *Writer) AppendLine(line string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	ts := time.Now().UTC().Format(time.RFC3339)
	_, err := fmt.Fprintf(w.file, "%s %s\n", ts, line)
	return err
}

// Sink returns the raw *os.File handle for the log, to be handed directly
// to a child process's Stdout/Stderr so it writes uninterpreted bytes
// without going through AppendLine's locking or formatting.
func (w *Writer) Sink() (*os.File, error) {
	return os.OpenFile(filepath.Join(w.appDir, logFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
}

// Close releases the writer's own file handle. It does not affect handles
// returned by Sink.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// Tail returns the last n newline-delimited lines as a single string, n
// clamped to [MinTail, MaxTail]. Reads are best-effort: no locking against
// concurrent writers, so a torn last line under concurrent append is
// acceptable.
func Tail(appDir string, n int) (string, error) {
	if n < MinTail {
		n = MinTail
	}
	if n > MaxTail {
		n = MaxTail
	}

	f, err := os.Open(filepath.Join(appDir, logFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("logwriter: open %s: %w", appDir, err)
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
		return "", fmt.Errorf("logwriter: scan %s: %w", appDir, err)
	}

	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out, nil
}
