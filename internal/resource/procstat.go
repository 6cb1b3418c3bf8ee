package resource

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcStat is a single sample of a process's resource usage and state, as
// needed by the process monitor's cpu_percent/memory_percent/rss/vms/state
// thresholds (spec §4.2).
type ProcStat struct {
	PID           int32
	Name          string
	CPUPercent    float64
	MemoryPercent float32
	RSS           uint64
	VMS           uint64
	// State is the short gopsutil status code: "R" running, "S" sleeping,
	// "D" uninterruptible sleep, "Z" zombie, "T" stopped, "I" idle.
	State string
}

// ProcSampler samples the process identified by pid. The cpu_percent
// reading reflects usage since the previous call with the same pid
// (gopsutil tracks this internally per-PID), which is why the process
// monitor keeps one ProcSampler alive per tracked PID across
// ticks rather than constructing a fresh one each poll.
type ProcSampler struct {
	pid int32
	p   *process.Process
}

// NewProcSampler creates a sampler for pid. It does not read any process
// state until Sample is called.
func NewProcSampler(pid int32) *ProcSampler {
	return &ProcSampler{pid: pid}
}

// Sample returns a fresh ProcStat for the sampler's PID. Returns an error
// wrapping process.ErrorProcessNotRunning-compatible failures when the
// process has exited; callers should treat that as the PID having
// disappeared (spec §4.2: "a PID that disappears while watched").
func (s *ProcSampler) Sample() (ProcStat, error) {
	if s.p == nil {
		p, err := process.NewProcess(s.pid)
		if err != nil {
			return ProcStat{}, fmt.Errorf("resource: open pid %d: %w", s.pid, err)
		}
		s.p = p
	}

	name, _ := s.p.Name()
	cpuPct, err := s.p.Percent(0)
	if err != nil {
		return ProcStat{}, fmt.Errorf("resource: pid %d cpu_percent: %w", s.pid, err)
	}
	memPct, err := s.p.MemoryPercent()
	if err != nil {
		return ProcStat{}, fmt.Errorf("resource: pid %d memory_percent: %w", s.pid, err)
	}
	meminfo, err := s.p.MemoryInfo()
	if err != nil {
		return ProcStat{}, fmt.Errorf("resource: pid %d memory_info: %w", s.pid, err)
	}
	statuses, err := s.p.Status()
	if err != nil {
		return ProcStat{}, fmt.Errorf("resource: pid %d status: %w", s.pid, err)
	}
	state := ""
	if len(statuses) > 0 {
		state = statuses[0]
	}

	return ProcStat{
		PID:           s.pid,
		Name:          name,
		CPUPercent:    cpuPct,
		MemoryPercent: memPct,
		RSS:           meminfo.RSS,
		VMS:           meminfo.VMS,
		State:         state,
	}, nil
}

// Running reports whether the sampled process still exists.
func (s *ProcSampler) Running() bool {
	if s.p == nil {
		p, err := process.NewProcess(s.pid)
		if err != nil {
			return false
		}
		s.p = p
	}
	running, err := s.p.IsRunning()
	return err == nil && running
}

// FindByName returns the PIDs of every currently running process whose
// executable or command name matches name. Used by the process monitor to
// resolve name-matched targets at each tick (spec §4.2: "the monitor tracks
// every matching PID independently").
func FindByName(name string) ([]int32, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, fmt.Errorf("resource: list processes: %w", err)
	}
	var matches []int32
	for _, p := range procs {
		n, err := p.Name()
		if err != nil {
			continue
		}
		if n == name {
			matches = append(matches, p.Pid)
		}
	}
	return matches, nil
}
