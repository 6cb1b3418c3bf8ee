package rig

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/tripwire/rig/internal/ledger"
	"github.com/tripwire/rig/internal/registry"
)

// ErrDestroyed is the error Run returns when an administrative destroy
// terminated the rig rather than a monitor trip.
var ErrDestroyed = errors.New("rig: destroyed")

// Run enters the polling loop and blocks until a monitor trips, an
// administrative destroy is received, a termination signal arrives, or ctx
// is cancelled. It always leaves the rig in a terminal phase with its
// control socket closed before returning. The working directory is removed,
// except after a trigger when no_archive is set or archive assembly fails.
func (r *Rig) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				continue
			}
			r.logger.Info("rig: terminating on signal", slog.String("signal", sig.String()))
			r.shutdownOrderly(ctx)
			return fmt.Errorf("rig: terminated by signal %s", sig)

		case <-ctx.Done():
			r.shutdownOrderly(context.Background())
			if r.destroyedFlag() {
				return ErrDestroyed
			}
			return ctx.Err()

		case <-ticker.C:
			src, evid := r.pollOnce(ctx)
			if src == "" {
				continue
			}
			return r.handleTrigger(ctx, src, evid)
		}
	}
}

// pollOnce polls every monitor once. Monitors may be polled concurrently;
// the first one observed tripped within this tick becomes the recorded
// trigger source, guarded by a single mutex so only one tick-wide "tripped"
// fact is ever recorded.
func (r *Rig) pollOnce(ctx context.Context) (string, *registry.TriggerEvidence) {
	var (
		mu     sync.Mutex
		source string
		evid   *registry.TriggerEvidence
		wg     sync.WaitGroup
	)

	for name, m := range r.monitors {
		wg.Add(1)
		go func(name string, m registry.Monitor) {
			defer wg.Done()
			ev, err := m.Poll(ctx)
			if err != nil {
				r.logger.Warn("rig: monitor poll error", slog.String("monitor", name), slog.Any("error", err))
				r.recordMonitorError(name, err)
				return
			}
			if ev == nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if source == "" {
				source = name
				evid = ev
			}
		}(name, m)
	}
	wg.Wait()
	return source, evid
}

func (r *Rig) recordMonitorError(name string, err error) {
	if r.ledger == nil {
		return
	}
	_, _ = r.ledger.Record(ledger.Event{
		Kind:    ledger.KindMonitorError,
		Message: err.Error(),
		Detail:  map[string]any{"monitor": name},
	})
}

// handleTrigger runs the post-trigger sequence described for the rig
// runtime: record the trigger, wait out delay, stop pre-trigger actions in
// reverse priority order, run the remaining actions ascending priority
// (repeating as configured), assemble the archive, and report finished.
func (r *Rig) handleTrigger(ctx context.Context, source string, evid *registry.TriggerEvidence) error {
	r.mu.Lock()
	r.triggerSource = source
	r.triggerEvid = evid
	r.mu.Unlock()
	r.setPhase(PhaseTriggered)

	if r.ledger != nil {
		detail := map[string]any{"excerpt": evid.Excerpt}
		for k, v := range evid.Detail {
			detail[k] = v
		}
		_, _ = r.ledger.Record(ledger.Event{
			Kind:    ledger.KindTrigger,
			Message: fmt.Sprintf("%s tripped", source),
			Detail:  detail,
		})
	}
	r.logger.Info("rig triggered", slog.String("source", source), slog.String("excerpt", evid.Excerpt))

	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
		}
	}

	r.stopPreTriggerActions(ctx)

	r.setPhase(PhaseCollecting)
	r.runPostTriggerActions(ctx)

	if !r.noArchive {
		r.setPhase(PhaseArchiving)
		path, err := r.assembleArchive()
		if err != nil {
			r.logger.Error("rig: archive assembly failed", slog.Any("error", err))
			r.setPhase(PhaseFailed)
			r.finalize(ctx, false)
			return fmt.Errorf("rig: archive assembly: %w", err)
		}
		r.mu.Lock()
		r.archivePath = path
		r.mu.Unlock()
	}

	r.setPhase(PhaseFinished)
	r.finalize(ctx, !r.noArchive)
	return nil
}

// stopPreTriggerActions stops every pre-trigger action in strictly reverse
// priority order (highest priority weight first), matching the inverse of
// startup order.
func (r *Rig) stopPreTriggerActions(ctx context.Context) {
	preTrigger := make([]registry.ConfiguredAction, 0, len(r.actions))
	for _, a := range r.actions {
		if a.PreTrigger {
			preTrigger = append(preTrigger, a)
		}
	}
	sort.SliceStable(preTrigger, func(i, j int) bool {
		return preTrigger[i].Priority > preTrigger[j].Priority
	})
	for _, a := range preTrigger {
		pt, ok := a.Instance.(registry.PreTriggerCapable)
		if !ok {
			continue
		}
		if err := pt.StopPreTrigger(ctx); err != nil {
			r.logger.Warn("rig: stopping pre-trigger action", slog.String("action", a.Name), slog.Any("error", err))
		}
		r.setActionState(a.Name, "stopped")
	}
}

func (r *Rig) setActionState(name, state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actionState[name] = componentState{name: name, state: state}
}

func (r *Rig) setMonitorState(name, state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.monitorState[name] = componentState{name: name, state: state}
}

// runPostTriggerActions runs every action, strictly serially, ascending
// priority (configuration order breaking ties) — this ordering is already
// how registry.BuildActions returns r.actions. A failing action is logged
// and skipped. A kdump failure also ends the sequence, so no later action
// runs; the rig then assembles the archive and finishes as after any other
// run.
func (r *Rig) runPostTriggerActions(ctx context.Context) {
	for _, a := range r.actions {
		iterations := 1
		if a.Repeatable {
			iterations += r.repeat
		}

		for i := 0; i < iterations; i++ {
			if i > 0 && r.repeatDelay > 0 {
				select {
				case <-time.After(r.repeatDelay):
				case <-ctx.Done():
				}
			}

			actionCtx, actionCancel := context.WithCancel(ctx)
			r.mu.Lock()
			r.actionCancel = actionCancel
			r.mu.Unlock()

			err := a.Instance.Run(actionCtx, r.workDir)
			actionCancel()

			r.mu.Lock()
			r.actionCancel = nil
			r.mu.Unlock()

			if err != nil {
				r.logger.Warn("rig: action failed", slog.String("action", a.Name), slog.Any("error", err))
				if r.ledger != nil {
					_, _ = r.ledger.Record(ledger.Event{
						Kind:    ledger.KindActionError,
						Message: err.Error(),
						Detail:  map[string]any{"action": a.Name, "iteration": i},
					})
				}
				r.setActionState(a.Name, "failed")
				if a.Name == "kdump" {
					return
				}
				break
			}
			r.setActionState(a.Name, "done")
		}
	}
}

// shutdownOrderly performs the signal/destroy termination sequence: stop
// pre-trigger actions, kill any in-flight post-trigger action, and tear
// down the rig without producing an archive.
func (r *Rig) shutdownOrderly(ctx context.Context) {
	r.stopPreTriggerActions(ctx)

	r.mu.Lock()
	cancelAction := r.actionCancel
	r.mu.Unlock()
	if cancelAction != nil {
		cancelAction()
	}

	for _, m := range r.monitors {
		_ = m.Stop()
	}

	r.setPhase(PhaseFailed)
	r.finalize(ctx, true)
}

// finalize closes the control socket, optionally removes the working
// directory (when removeWorkDir is true — i.e. an archive was produced, or
// shutdown discarded it outright), and closes the ledger. Idempotent.
func (r *Rig) finalize(_ context.Context, removeWorkDir bool) {
	if r.ctrl != nil {
		r.ctrl.Close()
	}
	if r.ledger != nil {
		r.ledger.Close()
	}
	if removeWorkDir {
		if err := os.RemoveAll(r.workDir); err != nil {
			r.logger.Warn("rig: removing working directory", slog.Any("error", err))
		}
	}
}

func (r *Rig) destroyedFlag() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.destroyed
}
