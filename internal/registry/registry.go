// Package registry is the rig Plugin Registry (spec §4.1): it discovers
// monitor and action implementations by stable name and exposes their
// option schema, a factory, and — for actions — priority weight, repeat
// capability, and pre-trigger capability.
//
// Plugins register themselves from an init() function in their own package
// (mirroring the platformFactory convention used for platform-specific
// watchers in the source this was adapted from); cmd/rig blank-imports
// internal/monitor and internal/action so those init() functions run before
// any rigfile is loaded. The registry is immutable after those init()
// functions complete — nothing in the runtime mutates it past startup.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tripwire/rig/internal/config"
	"github.com/tripwire/rig/internal/reportqueue"
)

// TriggerEvidence is the short, serializable record a monitor returns when
// its poll trips: which source fired, and a human-readable excerpt or
// measurement.
type TriggerEvidence struct {
	Source  string         `json:"source"`
	Excerpt string         `json:"excerpt"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// Monitor is the capability set every monitor plugin instance satisfies:
// configure, start, poll, describe_trigger, stop (spec §4.2).
type Monitor interface {
	// Configure validates and applies the plugin's options. Called once,
	// before Start.
	Configure(opts *OptionSet) error

	// Start positions the monitor at its baseline (e.g. end-of-file for
	// tailed sources) without yet evaluating the trigger condition.
	Start(ctx context.Context) error

	// Poll is invoked once per tick. It returns non-nil evidence exactly
	// once the monitor's condition first becomes true; once tripped, a
	// monitor remains tripped and Poll keeps returning the same evidence.
	// Poll must not write into the rig's working directory.
	Poll(ctx context.Context) (*TriggerEvidence, error)

	// DescribeTrigger renders a short human-readable description of what
	// this monitor is watching for.
	DescribeTrigger() string

	// Stop releases any held resources. Idempotent.
	Stop() error
}

// Action is the capability every action plugin instance satisfies at
// minimum: configure and run (spec §4.3).
type Action interface {
	Configure(opts *OptionSet) error

	// Run executes one iteration of the action, writing output into
	// workDir. Called once per iteration for repeatable actions.
	Run(ctx context.Context, workDir string) error
}

// PreTriggerCapable is satisfied by actions that also support starting at
// deploy time and being stopped at trigger time (tcpdump, watch, and sos
// when initial_archive is set).
type PreTriggerCapable interface {
	Action
	PreStart(ctx context.Context, workDir string) error
	StopPreTrigger(ctx context.Context) error
}

// IntervalAware is satisfied by actions whose own sampling period tracks
// the rig's polling interval (watch). The supervisor calls SetInterval once,
// after Configure and before PreStart, for any action implementing it.
type IntervalAware interface {
	SetInterval(d time.Duration)
}

// RigIdentityAware is satisfied by actions that need to know the rig's own
// name and host (sos, when tagging a report it uploads). The supervisor
// calls SetIdentity once, after Configure and before Run/PreStart, for any
// action implementing it.
type RigIdentityAware interface {
	SetIdentity(rigName, hostName string)
}

// ReportQueueAware is satisfied by actions that hand collected archives off
// for upload (sos, in collect mode). The supervisor calls SetReportQueue once
// after Configure for any action implementing it, passing the rig's durable
// upload queue. An action never uploads directly: it only enqueues.
type ReportQueueAware interface {
	SetReportQueue(q *reportqueue.SQLiteQueue)
}

// MonitorDescriptor is a registered monitor plugin: its name, option schema,
// and a factory producing a fresh, unconfigured instance.
type MonitorDescriptor struct {
	Name   string
	Schema []Field
	New    func(logger *slog.Logger) Monitor
}

// ActionDescriptor is a registered action plugin: its name, option schema, a
// factory, and the ordering/capability metadata spec §4.3's priority table
// assigns.
type ActionDescriptor struct {
	Name       string
	Schema     []Field
	Priority   int
	Repeatable bool
	PreTrigger bool
	New        func(logger *slog.Logger) Action
}

var (
	mu        sync.RWMutex
	monitors  = map[string]MonitorDescriptor{}
	actions   = map[string]ActionDescriptor{}
)

// RegisterMonitor adds a monitor plugin descriptor. Called from plugin
// package init() functions only.
func RegisterMonitor(d MonitorDescriptor) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := monitors[d.Name]; exists {
		panic(fmt.Sprintf("registry: monitor %q registered twice", d.Name))
	}
	monitors[d.Name] = d
}

// RegisterAction adds an action plugin descriptor. Called from plugin
// package init() functions only.
func RegisterAction(d ActionDescriptor) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := actions[d.Name]; exists {
		panic(fmt.Sprintf("registry: action %q registered twice", d.Name))
	}
	actions[d.Name] = d
}

// LookupMonitor looks up a registered monitor descriptor by name.
func LookupMonitor(name string) (MonitorDescriptor, bool) {
	mu.RLock()
	defer mu.RUnlock()
	d, ok := monitors[name]
	return d, ok
}

// LookupAction looks up a registered action descriptor by name.
func LookupAction(name string) (ActionDescriptor, bool) {
	mu.RLock()
	defer mu.RUnlock()
	d, ok := actions[name]
	return d, ok
}

// BuildMonitors validates and instantiates one Monitor per entry in raw,
// rejecting unknown plugin names, and returns them in a map keyed by plugin
// name, which carries no order — the supervisor does not depend on monitor
// ordering (spec §5: "within a tick, monitor polls are unordered").
func BuildMonitors(raw config.PluginMap, logger *slog.Logger) (map[string]Monitor, error) {
	out := make(map[string]Monitor, raw.Len())
	var errs []error
	for _, name := range raw.Names {
		d, ok := LookupMonitor(name)
		if !ok {
			errs = append(errs, fmt.Errorf("unknown monitor plugin %q", name))
			continue
		}
		opts, err := Validate(name, raw.Options[name], d.Schema)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		inst := d.New(logger.With(slog.String("monitor", name)))
		if err := inst.Configure(opts); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		out[name] = inst
	}
	if len(errs) > 0 {
		return nil, joinErrs(errs)
	}
	return out, nil
}

// ConfiguredAction is one instantiated action plugin paired with the
// ordering metadata the supervisor needs to build a deterministic pipeline.
type ConfiguredAction struct {
	Name       string
	Instance   Action
	Priority   int
	Repeatable bool
	PreTrigger bool
	// ConfigOrder is the action's position in the rigfile's actions
	// mapping's iteration, captured before any sort, to break priority
	// ties deterministically (spec invariant 2).
	ConfigOrder int
}

// BuildActions validates and instantiates one Action per entry in raw,
// rejecting unknown plugin names, and returns them pre-sorted by
// (priority ascending, configuration order ascending) — spec §4.3 and
// invariant 2.
func BuildActions(raw config.PluginMap, logger *slog.Logger) ([]ConfiguredAction, error) {
	out := make([]ConfiguredAction, 0, raw.Len())
	var errs []error
	for i, name := range raw.Names {
		d, ok := LookupAction(name)
		if !ok {
			errs = append(errs, fmt.Errorf("unknown action plugin %q", name))
			continue
		}
		opts, err := Validate(name, raw.Options[name], d.Schema)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		inst := d.New(logger.With(slog.String("action", name)))
		if err := inst.Configure(opts); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		out = append(out, ConfiguredAction{
			Name:        name,
			Instance:    inst,
			Priority:    d.Priority,
			Repeatable:  d.Repeatable,
			PreTrigger:  d.PreTrigger,
			ConfigOrder: i,
		})
	}
	if len(errs) > 0 {
		return nil, joinErrs(errs)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ConfigOrder < out[j].ConfigOrder
	})
	return out, nil
}

func joinErrs(errs []error) error {
	if len(errs) == 1 {
		return errs[0]
	}
	msg := fmt.Sprintf("%d errors:", len(errs))
	for _, e := range errs {
		msg += "\n  - " + e.Error()
	}
	return fmt.Errorf("%s", msg)
}
