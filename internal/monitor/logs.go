package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/tripwire/rig/internal/registry"
	"github.com/tripwire/rig/internal/resource"
)

func init() {
	registry.RegisterMonitor(registry.MonitorDescriptor{
		Name: "logs",
		Schema: []registry.Field{
			{Name: "message", Kind: registry.KindString, Required: true},
			{Name: "count", Kind: registry.KindInt, Default: 1},
			{Name: "files", Kind: registry.KindStringList},
			{Name: "journals", Kind: registry.KindStringList},
		},
		New: newLogsMonitor,
	})
}

// logsMonitor watches a set of files and/or the system journal for a
// message matching a regular expression, tripping once the match count
// reaches the configured threshold.
type logsMonitor struct {
	logger *slog.Logger

	messageRe *regexp.Regexp
	count     int

	filePaths []string

	journalEnabled bool
	journalUnits   []string
	journal        *resource.JournalReader

	tailers map[string]*resource.Tailer

	hits     int
	tripped  bool
	evidence *registry.TriggerEvidence
}

func newLogsMonitor(logger *slog.Logger) registry.Monitor {
	return &logsMonitor{logger: logger}
}

func (m *logsMonitor) Configure(opts *registry.OptionSet) error {
	re, err := regexp.Compile(opts.String("message", ""))
	if err != nil {
		return fmt.Errorf("logs: invalid message regexp: %w", err)
	}
	m.messageRe = re
	m.count = opts.Int("count", 1)

	if v, present := opts.RawValue("files"); !present {
		m.filePaths = []string{defaultSyslogPath}
	} else if v == nil {
		m.filePaths = nil
	} else {
		m.filePaths = opts.StringList("files", nil)
	}

	if v, present := opts.RawValue("journals"); !present {
		m.journalEnabled = true
	} else if v == nil {
		m.journalEnabled = false
	} else {
		m.journalEnabled = true
		m.journalUnits = opts.StringList("journals", nil)
	}

	return nil
}

func (m *logsMonitor) Start(ctx context.Context) error {
	m.tailers = make(map[string]*resource.Tailer, len(m.filePaths))
	for _, p := range m.filePaths {
		t := resource.NewTailer(p, m.logger)
		if err := t.Open(); err != nil {
			return fmt.Errorf("logs: open %s: %w", p, err)
		}
		m.tailers[p] = t
	}
	if m.journalEnabled {
		m.journal = resource.NewJournalReader(m.journalUnits)
	}
	return nil
}

func (m *logsMonitor) Poll(ctx context.Context) (*registry.TriggerEvidence, error) {
	if m.tripped {
		return m.evidence, nil
	}

	for path, t := range m.tailers {
		lines, err := t.ReadNewLines()
		if err != nil {
			if errors.Is(err, resource.ErrSourceGone) {
				m.logger.Warn("logs: source vanished, dropping it from this monitor", slog.String("path", path))
				delete(m.tailers, path)
				continue
			}
			m.logger.Warn("logs: tail error, will retry next tick", slog.String("path", path), slog.Any("error", err))
			continue
		}
		if m.scan(path, lines) {
			return m.evidence, nil
		}
	}

	if m.journal != nil {
		entries, err := m.journal.ReadNewEntries(ctx)
		if err != nil {
			m.logger.Warn("logs: journal read error, will retry next tick", slog.Any("error", err))
		} else if m.scan("journal", entries) {
			return m.evidence, nil
		}
	}

	return nil, nil
}

// scan applies the message regexp to each line, advancing the shared hit
// counter. Returns true once the monitor trips.
func (m *logsMonitor) scan(source string, lines []string) bool {
	for _, line := range lines {
		if !m.messageRe.MatchString(line) {
			continue
		}
		m.hits++
		m.evidence = &registry.TriggerEvidence{
			Source:  source,
			Excerpt: line,
			Detail:  map[string]any{"hits": m.hits, "count": m.count},
		}
		if m.hits >= m.count {
			m.tripped = true
			return true
		}
	}
	return false
}

func (m *logsMonitor) DescribeTrigger() string {
	return fmt.Sprintf("logs: %q seen %d time(s)", m.messageRe.String(), m.count)
}

func (m *logsMonitor) Stop() error {
	for _, t := range m.tailers {
		t.Close()
	}
	return nil
}
