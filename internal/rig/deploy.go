package rig

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/tripwire/rig/internal/config"
	"github.com/tripwire/rig/internal/control"
	"github.com/tripwire/rig/internal/ledger"
	"github.com/tripwire/rig/internal/registry"
)

// Deploy runs the deploy sequence: instantiate monitors and actions from
// the registry, create the working directory, bind the control socket, run
// feasibility probes and pre_start for every pre-trigger action, and
// return a Rig ready for Run. cfg must already be loaded and defaulted
// (config.LoadRigfile); Deploy itself only validates against the plugin
// registry, which config.LoadRigfile cannot do on its own.
func Deploy(ctx context.Context, cfg *config.Rigfile, opts Options) (*Rig, error) {
	name := cfg.Name
	if name == "" {
		suffix, err := randomSuffix()
		if err != nil {
			return nil, fmt.Errorf("rig: generating name: %w", err)
		}
		name = "rig-" + suffix
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("rig", name))

	r := &Rig{
		name:          name,
		pid:           os.Getpid(),
		hostName:      opts.HostName,
		workDir:       filepath.Join(cfg.WorkDirBase, name),
		archiveParent: cfg.WorkDirBase,
		controlPath:   filepath.Join(cfg.SocketDirBase, name+".sock"),
		noArchive:     cfg.NoArchive,
		interval:      clampInterval(cfg.Interval),
		delay:         time.Duration(cfg.Delay) * time.Second,
		repeat:        cfg.Repeat,
		repeatDelay:   time.Duration(cfg.RepeatDelay) * time.Second,
		logger:        logger,
		queue:         opts.ReportQueue,
		startTime:     time.Now(),
		phase:         PhaseInitializing,
		monitorState:  map[string]componentState{},
		actionState:   map[string]componentState{},
	}

	if err := os.MkdirAll(cfg.WorkDirBase, 0o755); err != nil {
		return nil, fmt.Errorf("rig: creating work dir base %q: %w", cfg.WorkDirBase, err)
	}
	if err := os.MkdirAll(cfg.SocketDirBase, 0o755); err != nil {
		return nil, fmt.Errorf("rig: creating socket dir base %q: %w", cfg.SocketDirBase, err)
	}
	if err := os.Mkdir(r.workDir, 0o700); err != nil {
		return nil, fmt.Errorf("rig: creating working directory %q: %w", r.workDir, err)
	}

	lg, err := ledger.Open(filepath.Join(r.workDir, "ledger.log"))
	if err != nil {
		os.RemoveAll(r.workDir)
		return nil, fmt.Errorf("rig: opening ledger: %w", err)
	}
	r.ledger = lg

	monitors, err := registry.BuildMonitors(cfg.Monitors, logger)
	if err != nil {
		r.cleanupFailedDeploy()
		return nil, fmt.Errorf("rig: configuration error: %w", err)
	}
	r.monitors = monitors
	for name := range monitors {
		r.setMonitorState(name, "configured")
	}

	actions, err := registry.BuildActions(cfg.Actions, logger)
	if err != nil {
		r.cleanupFailedDeploy()
		return nil, fmt.Errorf("rig: configuration error: %w", err)
	}
	r.actions = actions
	for _, a := range actions {
		r.setActionState(a.Name, "configured")
		if iv, ok := a.Instance.(registry.IntervalAware); ok {
			iv.SetInterval(r.interval)
		}
		if id, ok := a.Instance.(registry.RigIdentityAware); ok {
			id.SetIdentity(r.name, r.hostName)
		}
		if rq, ok := a.Instance.(registry.ReportQueueAware); ok && r.queue != nil {
			rq.SetReportQueue(r.queue)
		}
	}

	srv, err := control.Bind(r.controlPath, control.Handlers{
		Status:  r.statusSnapshot,
		Destroy: r.Destroy,
	}, logger)
	if err != nil {
		r.cleanupFailedDeploy()
		return nil, fmt.Errorf("rig: deployment error: %w", err)
	}
	r.ctrl = srv

	if err := r.runFeasibilityProbes(ctx); err != nil {
		r.ctrl.Close()
		r.cleanupFailedDeploy()
		return nil, fmt.Errorf("rig: deployment probe failure: %w", err)
	}

	for name, m := range r.monitors {
		if err := m.Start(ctx); err != nil {
			r.ctrl.Close()
			r.cleanupFailedDeploy()
			return nil, fmt.Errorf("rig: starting monitor %q: %w", name, err)
		}
		r.setMonitorState(name, "watching")
	}

	r.setPhase(PhasePreTrigger)
	r.logger.Info("rig deployed",
		slog.String("work_dir", r.workDir),
		slog.String("control_socket", r.controlPath),
		slog.Int("monitors", len(r.monitors)),
		slog.Int("actions", len(r.actions)),
	)

	return r, nil
}

// runFeasibilityProbes runs pre_start on every pre-trigger-capable action,
// in ascending priority order. Any failure aborts deployment; actions
// already started are stopped before the error is returned.
func (r *Rig) runFeasibilityProbes(ctx context.Context) error {
	var started []registry.PreTriggerCapable
	for _, a := range r.actions {
		if !a.PreTrigger {
			continue
		}
		pt, ok := a.Instance.(registry.PreTriggerCapable)
		if !ok {
			continue
		}
		if err := pt.PreStart(ctx, r.workDir); err != nil {
			for _, s := range started {
				_ = s.StopPreTrigger(ctx)
			}
			return fmt.Errorf("%s: %w", a.Name, err)
		}
		started = append(started, pt)
		r.setActionState(a.Name, "pre_trigger_running")
	}
	return nil
}

// cleanupFailedDeploy removes everything Deploy may have created before the
// failure it is responding to. It is not safe to call after Run has begun.
func (r *Rig) cleanupFailedDeploy() {
	if r.ledger != nil {
		r.ledger.Close()
	}
	os.RemoveAll(r.workDir)
}

func clampInterval(seconds int) time.Duration {
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(seconds) * time.Second
}

func randomSuffix() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
