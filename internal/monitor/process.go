package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/tripwire/rig/internal/registry"
	"github.com/tripwire/rig/internal/resource"
)

func init() {
	registry.RegisterMonitor(registry.MonitorDescriptor{
		Name: "process",
		Schema: []registry.Field{
			{Name: "procs", Kind: registry.KindStringList, Required: true},
			{Name: "cpu_percent", Kind: registry.KindInt},
			{Name: "memory_percent", Kind: registry.KindInt},
			{Name: "rss", Kind: registry.KindSize},
			{Name: "vms", Kind: registry.KindSize},
			{Name: "state", Kind: registry.KindString},
		},
		New: newProcessMonitor,
	})
}

// stateAliases maps both the long state names and the short codes the man
// page documents to gopsutil's single-letter status codes.
var stateAliases = map[string]string{
	"r": "R", "running": "R",
	"s": "S", "sleeping": "S",
	"d": "D", "disk_sleep": "D", "uninterruptible": "D",
	"z": "Z", "zombie": "Z",
	"t": "T", "stopped": "T",
	"i": "I", "idle": "I",
}

func normalizeState(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if code, ok := stateAliases[s]; ok {
		return code
	}
	return strings.ToUpper(s)
}

// procSampler is the subset of *resource.ProcSampler this monitor depends
// on, narrowed to an interface so tests can supply a fake process table
// without starting real processes.
type procSampler interface {
	Sample() (resource.ProcStat, error)
}

// trackedProc is one PID this monitor is currently watching, whether it was
// named explicitly or resolved from a process-name target.
type trackedProc struct {
	sampler procSampler
	named   string // the configured name that resolved to this PID, if any
}

// processMonitor watches one or more PIDs and/or process names, tripping
// when any matching process instance crosses a configured threshold.
type processMonitor struct {
	logger *slog.Logger

	explicitPIDs []int32
	nameTargets  []string

	hasCPU bool
	cpuPct float64
	hasMem bool
	memPct float64
	hasRSS bool
	rss    int64
	hasVMS bool
	vms    int64

	hasState    bool
	stateWant   string
	stateInvert bool

	tracked  map[int32]*trackedProc
	tripped  bool
	evidence *registry.TriggerEvidence

	// newSampler and findByName are seams over the real gopsutil-backed
	// resource package, overridden in tests with a fake process table.
	newSampler func(pid int32) procSampler
	findByName func(name string) ([]int32, error)
}

func newProcessMonitor(logger *slog.Logger) registry.Monitor {
	return &processMonitor{
		logger:     logger,
		tracked:    map[int32]*trackedProc{},
		newSampler: func(pid int32) procSampler { return resource.NewProcSampler(pid) },
		findByName: resource.FindByName,
	}
}

func (m *processMonitor) Configure(opts *registry.OptionSet) error {
	for _, entry := range opts.StringList("procs", nil) {
		if pid, err := strconv.Atoi(entry); err == nil {
			m.explicitPIDs = append(m.explicitPIDs, int32(pid))
			continue
		}
		m.nameTargets = append(m.nameTargets, entry)
	}
	if len(m.explicitPIDs) == 0 && len(m.nameTargets) == 0 {
		return fmt.Errorf("process: option %q must name at least one pid or process name", "procs")
	}

	if opts.Has("cpu_percent") {
		m.hasCPU = true
		m.cpuPct = float64(opts.Int("cpu_percent", 0))
	}
	if opts.Has("memory_percent") {
		m.hasMem = true
		m.memPct = float64(opts.Int("memory_percent", 0))
	}
	if opts.Has("rss") {
		m.hasRSS = true
		m.rss = opts.Size("rss", 0)
	}
	if opts.Has("vms") {
		m.hasVMS = true
		m.vms = opts.Size("vms", 0)
	}
	if opts.Has("state") {
		raw := opts.String("state", "")
		m.stateInvert = strings.HasPrefix(raw, "!")
		m.stateWant = normalizeState(strings.TrimPrefix(raw, "!"))
		m.hasState = true
	}

	return nil
}

func (m *processMonitor) Start(ctx context.Context) error {
	for _, pid := range m.explicitPIDs {
		m.tracked[pid] = &trackedProc{sampler: m.newSampler(pid)}
	}
	m.discoverNamed()
	return nil
}

// discoverNamed resolves name-based targets to PIDs, adding any newly
// started matching process. A name matching zero PIDs is a benign empty
// watch, not a configuration error.
func (m *processMonitor) discoverNamed() {
	for _, name := range m.nameTargets {
		pids, err := m.findByName(name)
		if err != nil {
			m.logger.Warn("process: failed to list processes", slog.String("name", name), slog.Any("error", err))
			continue
		}
		for _, pid := range pids {
			if _, ok := m.tracked[pid]; !ok {
				m.tracked[pid] = &trackedProc{sampler: m.newSampler(pid), named: name}
			}
		}
	}
}

func (m *processMonitor) Poll(ctx context.Context) (*registry.TriggerEvidence, error) {
	if m.tripped {
		return m.evidence, nil
	}

	m.discoverNamed()

	for pid, tp := range m.tracked {
		sample, err := tp.sampler.Sample()
		if err != nil {
			// The PID disappeared. For an inverted "!running" watch that is
			// precisely the trip condition; otherwise it is a benign loss
			// of one watched PID and polling continues with the rest.
			delete(m.tracked, pid)
			if m.hasState && m.stateInvert && m.stateWant == "R" {
				m.trip(fmt.Sprintf("pid %d", pid), "process exited", map[string]any{"pid": pid})
				return m.evidence, nil
			}
			continue
		}

		if m.hasCPU && sample.CPUPercent >= m.cpuPct {
			m.trip(fmt.Sprintf("pid %d", pid), fmt.Sprintf("cpu_percent=%.1f", sample.CPUPercent), nil)
			return m.evidence, nil
		}
		if m.hasMem && float64(sample.MemoryPercent) >= m.memPct {
			m.trip(fmt.Sprintf("pid %d", pid), fmt.Sprintf("memory_percent=%.1f", sample.MemoryPercent), nil)
			return m.evidence, nil
		}
		if m.hasRSS && int64(sample.RSS) >= m.rss {
			m.trip(fmt.Sprintf("pid %d", pid), fmt.Sprintf("rss=%d", sample.RSS), nil)
			return m.evidence, nil
		}
		if m.hasVMS && int64(sample.VMS) >= m.vms {
			m.trip(fmt.Sprintf("pid %d", pid), fmt.Sprintf("vms=%d", sample.VMS), nil)
			return m.evidence, nil
		}
		if m.hasState {
			observed := normalizeState(sample.State)
			match := observed == m.stateWant
			if m.stateInvert {
				if !match {
					m.trip(fmt.Sprintf("pid %d", pid), fmt.Sprintf("state=%s", observed), nil)
					return m.evidence, nil
				}
			} else if match {
				m.trip(fmt.Sprintf("pid %d", pid), fmt.Sprintf("state=%s", observed), nil)
				return m.evidence, nil
			}
		}
	}

	return nil, nil
}

func (m *processMonitor) trip(source, excerpt string, detail map[string]any) {
	m.tripped = true
	m.evidence = &registry.TriggerEvidence{Source: source, Excerpt: excerpt, Detail: detail}
}

func (m *processMonitor) DescribeTrigger() string {
	return fmt.Sprintf("process: tracking %d pid(s)/name(s)", len(m.explicitPIDs)+len(m.nameTargets))
}

func (m *processMonitor) Stop() error {
	return nil
}
