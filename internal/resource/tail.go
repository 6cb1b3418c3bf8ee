// Package resource provides the stateless-per-call helpers spec.md's
// "Resource Adapters" component names: tailing files (with rotation
// detection), reading the system journal, sampling process statistics, and
// measuring paths/filesystems. Monitor instances (internal/monitor) hold one
// adapter per configured source and call it once per poll tick.
package resource

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// ErrSourceGone indicates a tailed file no longer exists. The caller (a
// monitor instance) should drop the source from its set and continue
// polling its remaining sources (spec §7: "a source that permanently
// vanishes ... is dropped from that monitor's source set").
var ErrSourceGone = errors.New("resource: source no longer exists")

// Tailer reads newly appended lines from a single file across repeated
// calls, positioning itself at end-of-file on first open (per spec.md's
// logs monitor: "each file is opened and positioned at end-of-file") and
// transparently reopening from the beginning when the file is rotated
// (inode change or truncation).
//
// A Tailer is not safe for concurrent use; each configured log source owns
// exactly one, polled serially by its monitor instance.
type Tailer struct {
	path   string
	logger *slog.Logger

	f      *os.File
	info   os.FileInfo // snapshot taken when f was opened, for rotation detection
	offset int64

	// started is true once Open has successfully positioned at EOF (or
	// determined the file does not exist yet).
	started bool
	exists  bool
}

// NewTailer creates a Tailer for path. It does not touch the filesystem
// until Open is called.
func NewTailer(path string, logger *slog.Logger) *Tailer {
	return &Tailer{path: path, logger: logger}
}

// Open positions the tailer at the current end of the target file. If the
// file does not yet exist, Open succeeds silently (spec.md: "non-existent
// files at startup are silently ignored") and the next call to
// ReadNewLines will attempt to open it fresh.
func (t *Tailer) Open() error {
	t.started = true
	return t.openAtEnd()
}

func (t *Tailer) openAtEnd() error {
	info, err := os.Stat(t.path)
	if err != nil {
		t.exists = false
		return nil
	}
	f, err := os.Open(t.path)
	if err != nil {
		t.exists = false
		return nil
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return fmt.Errorf("tail %s: seek: %w", t.path, err)
	}
	t.closeCurrent()
	t.f = f
	t.info = info
	t.offset = info.Size()
	t.exists = true
	return nil
}

func (t *Tailer) closeCurrent() {
	if t.f != nil {
		t.f.Close()
		t.f = nil
	}
}

// ReadNewLines returns every complete line appended to the file since the
// previous call (or since Open, on the first call). It detects rotation —
// the file's identity changed, or its size shrank below the last known
// offset — and transparently reopens from the new file's beginning,
// without requiring the rotated-away file's unread tail to be replayed
// (spec.md is explicit this is not required).
//
// Returns ErrSourceGone if the file has been deleted and not replaced.
func (t *Tailer) ReadNewLines() ([]string, error) {
	if !t.started {
		if err := t.Open(); err != nil {
			return nil, err
		}
	}

	info, err := os.Stat(t.path)
	if err != nil {
		t.closeCurrent()
		if t.exists {
			t.exists = false
			return nil, ErrSourceGone
		}
		// Was already absent at last check; nothing new to report, and we
		// do not re-raise ErrSourceGone for a source that was never there.
		return nil, nil
	}

	if !t.exists || t.rotated(info) {
		if err := t.openAtEnd(); err != nil {
			return nil, err
		}
		if !t.exists {
			return nil, nil
		}
		// Read the replacement file from its beginning.
		t.offset = 0
		info = t.info
	}

	if info.Size() < t.offset {
		// Truncated in place without changing identity (e.g. `: > file`).
		if _, err := t.f.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("tail %s: seek: %w", t.path, err)
		}
		t.offset = 0
	}

	if info.Size() == t.offset {
		t.info = info
		return nil, nil
	}

	if _, err := t.f.Seek(t.offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("tail %s: seek: %w", t.path, err)
	}

	var lines []string
	scanner := bufio.NewScanner(t.f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	read := t.offset
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		read += int64(len(scanner.Bytes())) + 1 // +1 for the newline consumed
	}
	if err := scanner.Err(); err != nil {
		t.logger.Warn("tail: scan error", slog.String("path", t.path), slog.Any("error", err))
	}

	t.offset = read
	t.info = info
	return lines, nil
}

// rotated reports whether the file currently at t.path is not the same
// file t.f was opened against: its device/inode identity changed (detected
// via os.SameFile, portable across platforms), or its size shrank below
// the last read offset while keeping the same identity would also be
// truncation, handled separately in ReadNewLines.
func (t *Tailer) rotated(current os.FileInfo) bool {
	if t.info == nil {
		return true
	}
	return !os.SameFile(t.info, current)
}

// Close releases the underlying file handle, if any.
func (t *Tailer) Close() error {
	t.closeCurrent()
	return nil
}

// ReadAllLines reads the entire current contents of path, used by actions
// (e.g. watch sampling a file in full each tick) rather than monitors.
func ReadAllLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, l := range bytes.Split(data, []byte("\n")) {
		lines = append(lines, string(l))
	}
	return lines, nil
}
