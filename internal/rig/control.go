package rig

import (
	"errors"
	"time"

	"github.com/tripwire/rig/internal/control"
)

// ErrNotFound is returned by Destroy when the rig is already terminal —
// e.g. a second destroy request arriving after the first has already begun
// tearing the rig down.
var ErrNotFound = errors.New("not found")

// statusSnapshot answers a control-plane "status" request with the rig's
// current phase and component states. It is registered as control.Handlers.Status
// in Deploy.
func (r *Rig) statusSnapshot() control.StatusResponse {
	r.mu.Lock()
	defer r.mu.Unlock()

	resp := control.StatusResponse{
		Name:    r.name,
		PID:     r.pid,
		Phase:   string(r.phase),
		UptimeS: time.Since(r.startTime).Seconds(),
	}
	if r.triggerSource != "" {
		resp.TriggerSource = r.triggerSource
	}
	for _, s := range r.monitorState {
		resp.Monitors = append(resp.Monitors, control.ComponentState{Name: s.name, State: s.state})
	}
	for _, s := range r.actionState {
		resp.Actions = append(resp.Actions, control.ComponentState{Name: s.name, State: s.state})
	}
	return resp
}

// Destroy is the administrative equivalent of SIGTERM, with one twist the
// control protocol's force flag introduces: while the rig is collecting
// (a post-trigger action is running), the default behavior is to let that
// action finish rather than kill it outright; force kills it immediately.
// In every other phase Destroy always cancels the rig right away. It
// acknowledges before the shutdown completes — the control server writes
// the OK response once this returns nil, and the rig's Run loop does the
// actual teardown afterward.
func (r *Rig) Destroy(force bool) error {
	r.mu.Lock()
	if r.destroyed || r.phase == PhaseFinished || r.phase == PhaseFailed {
		r.mu.Unlock()
		return ErrNotFound
	}
	r.destroyed = true
	phase := r.phase
	actionCancel := r.actionCancel
	cancel := r.cancel
	r.mu.Unlock()

	// During collecting, the default (force=false) lets the in-flight
	// action finish before the rig winds down on its own; force kills it
	// immediately. Outside collecting there is nothing to wait out.
	if phase == PhaseCollecting && !force {
		return nil
	}
	if actionCancel != nil && force {
		actionCancel()
	}
	if cancel != nil {
		cancel()
	}
	return nil
}
