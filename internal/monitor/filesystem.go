package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/tripwire/rig/internal/registry"
	"github.com/tripwire/rig/internal/resource"
)

func init() {
	registry.RegisterMonitor(registry.MonitorDescriptor{
		Name: "filesystem",
		Schema: []registry.Field{
			{Name: "path", Kind: registry.KindString, Required: true},
			{Name: "size", Kind: registry.KindSize},
			{Name: "used_perc", Kind: registry.KindInt},
			{Name: "used_size", Kind: registry.KindSize},
		},
		New: newFilesystemMonitor,
	})
}

// filesystemMonitor watches a path's own size and/or its backing
// filesystem's usage, tripping when any configured threshold is met.
type filesystemMonitor struct {
	logger *slog.Logger

	path string

	hasSize bool
	size    int64
	hasPct  bool
	pct     float64
	hasUsed bool
	used    int64

	tripped  bool
	evidence *registry.TriggerEvidence
}

func newFilesystemMonitor(logger *slog.Logger) registry.Monitor {
	return &filesystemMonitor{logger: logger}
}

func (m *filesystemMonitor) Configure(opts *registry.OptionSet) error {
	m.path = opts.String("path", "")
	m.hasSize = opts.Has("size")
	if m.hasSize {
		m.size = opts.Size("size", 0)
	}
	m.hasPct = opts.Has("used_perc")
	if m.hasPct {
		m.pct = float64(opts.Int("used_perc", 0))
	}
	m.hasUsed = opts.Has("used_size")
	if m.hasUsed {
		m.used = opts.Size("used_size", 0)
	}
	if !m.hasSize && !m.hasPct && !m.hasUsed {
		return fmt.Errorf("filesystem: at least one of size, used_perc, used_size must be configured")
	}
	return nil
}

func (m *filesystemMonitor) Start(ctx context.Context) error {
	if _, err := os.Stat(m.path); err != nil {
		return fmt.Errorf("filesystem: path %s must exist at deployment: %w", m.path, err)
	}
	return nil
}

func (m *filesystemMonitor) Poll(ctx context.Context) (*registry.TriggerEvidence, error) {
	if m.tripped {
		return m.evidence, nil
	}

	if m.hasSize {
		sz, err := resource.DirSize(m.path)
		if err != nil {
			m.logger.Warn("filesystem: size measurement failed, will retry next tick", slog.Any("error", err))
		} else if sz >= m.size {
			m.trip(fmt.Sprintf("size=%d", sz))
			return m.evidence, nil
		}
	}

	if m.hasPct || m.hasUsed {
		usage, err := resource.StatFilesystem(m.path)
		if err != nil {
			m.logger.Warn("filesystem: statfs failed, will retry next tick", slog.Any("error", err))
			return nil, nil
		}
		if m.hasPct && usage.UsedPct >= m.pct {
			m.trip(fmt.Sprintf("used_perc=%.1f", usage.UsedPct))
			return m.evidence, nil
		}
		if m.hasUsed && int64(usage.UsedBytes) >= m.used {
			m.trip(fmt.Sprintf("used_size=%d", usage.UsedBytes))
			return m.evidence, nil
		}
	}

	return nil, nil
}

func (m *filesystemMonitor) trip(excerpt string) {
	m.tripped = true
	m.evidence = &registry.TriggerEvidence{Source: m.path, Excerpt: excerpt}
}

func (m *filesystemMonitor) DescribeTrigger() string {
	return fmt.Sprintf("filesystem: watching %s", m.path)
}

func (m *filesystemMonitor) Stop() error {
	return nil
}
