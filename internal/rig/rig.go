// Package rig implements the rig supervisor: the process that loads a
// rigfile, builds monitor and action instances from the plugin registry,
// polls for a trigger, runs the configured actions, and assembles the
// resulting archive. One *Rig corresponds to exactly one detached OS
// process (the fork/detach itself is the caller's concern — see cmd/rig).
package rig

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tripwire/rig/internal/control"
	"github.com/tripwire/rig/internal/ledger"
	"github.com/tripwire/rig/internal/registry"
	"github.com/tripwire/rig/internal/reportqueue"
)

// Phase is the rig's high-level runtime state.
type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhasePreTrigger   Phase = "pre_trigger_running"
	PhasePolling      Phase = "polling"
	PhaseTriggered    Phase = "triggered"
	PhaseCollecting   Phase = "collecting"
	PhaseArchiving    Phase = "archiving"
	PhaseFinished     Phase = "finished"
	PhaseFailed       Phase = "failed"
)

// componentState is the supervisor's private record of one monitor's or
// action's lifecycle state, surfaced read-only via Status.
type componentState struct {
	name  string
	state string
}

// Rig is one deployed, running configuration: its identity, its
// instantiated monitors and actions, and the runtime state machine that
// drives them from deploy to archive.
type Rig struct {
	name          string
	pid           int
	hostName      string
	workDir       string
	archiveParent string
	controlPath   string
	noArchive     bool

	interval    time.Duration
	delay       time.Duration
	repeat      int
	repeatDelay time.Duration

	logger *slog.Logger
	ledger *ledger.Logger
	queue  *reportqueue.SQLiteQueue // optional: wired into sos when non-nil
	ctrl   *control.Server

	monitors map[string]registry.Monitor
	actions  []registry.ConfiguredAction

	startTime time.Time

	mu            sync.Mutex
	phase         Phase
	triggerSource string
	triggerEvid   *registry.TriggerEvidence
	monitorState  map[string]componentState
	actionState   map[string]componentState
	destroyed     bool
	cancel        context.CancelFunc
	actionCancel  context.CancelFunc // current post-trigger action, for force-destroy
	archivePath   string
}

// Options bundles the dependencies Deploy needs beyond the parsed rigfile:
// the logger every component is built against, the local host name used to
// tag uploaded reports, and an optional shared report queue for actions
// (sos in collect mode) that hand archives off for upload.
type Options struct {
	Logger      *slog.Logger
	HostName    string
	ReportQueue *reportqueue.SQLiteQueue
}

func (r *Rig) setPhase(p Phase) {
	r.mu.Lock()
	r.phase = p
	r.mu.Unlock()
	if r.ledger != nil {
		if _, err := r.ledger.Record(ledger.Event{
			Kind:    ledger.KindPhase,
			Message: fmt.Sprintf("phase -> %s", p),
		}); err != nil {
			r.logger.Warn("rig: failed to record phase transition", slog.Any("error", err))
		}
	}
}

func (r *Rig) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Name returns the rig's identifier.
func (r *Rig) Name() string { return r.name }

// ControlPath returns the bound control socket path.
func (r *Rig) ControlPath() string { return r.controlPath }

// ArchivePath returns the path of the assembled archive, or "" if none was
// produced yet (or no_archive is set).
func (r *Rig) ArchivePath() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.archivePath
}
