package resource

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

// JournalReader tails the systemd journal the same way Tailer tails a file:
// positioned at "now" on first read, returning only newly published entries
// on each subsequent call. It shells out to journalctl rather than linking a
// journal-reading C library, matching this repository's cgo-free posture
// (modernc.org/sqlite was chosen for the same reason elsewhere).
//
// journalctl is run once per poll with --since=<local time of the previous
// read, to the second> instead of --follow because the monitor model is
// poll-driven rather than streaming (spec.md's shared tick clock, not a
// push subscription). The first call only records that time.
type JournalReader struct {
	units   []string // empty means the entire journal
	lastTS  string   // local time of the previous read, "2006-01-02 15:04:05"
	started bool
}

// NewJournalReader creates a reader restricted to units (empty = no
// restriction, meaning the entire journal).
func NewJournalReader(units []string) *JournalReader {
	return &JournalReader{units: units}
}

// ReadNewEntries returns every non-empty journalctl output line (short-iso
// format, timestamp and host prefix included) for entries published since
// the previous call; entries from the same second as the previous read can
// be returned again. On the first call it establishes "now" as the
// baseline and returns no entries, mirroring Tailer's end-of-file start
// position.
func (j *JournalReader) ReadNewEntries(ctx context.Context) ([]string, error) {
	args := []string{"--no-pager", "-o", "short-iso"}
	for _, u := range j.units {
		args = append(args, "-u", u)
	}

	if !j.started {
		j.started = true
		j.lastTS = nowISO()
		return nil, nil
	}

	args = append(args, "--since", j.lastTS)
	cmd := exec.CommandContext(ctx, "journalctl", args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("resource: journalctl: %w", err)
	}

	var lines []string
	scanner := bufio.NewScanner(&stdout)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	j.lastTS = nowISO()
	return lines, nil
}

func nowISO() string {
	return time.Now().Format("2006-01-02 15:04:05")
}
