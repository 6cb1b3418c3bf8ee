// Package action implements the built-in action plugins: gcore, tcpdump,
// watch, sos, noop, and kdump (spec §4.3). Each plugin registers itself
// with internal/registry from an init() function; cmd/rig blank-imports
// this package so the registrations run before any rigfile is loaded.
//
// Every action satisfies registry.Action (configure, run). tcpdump, watch,
// and sos additionally satisfy registry.PreTriggerCapable, embedding the
// Action methods alongside PreStart/StopPreTrigger rather than growing one
// fat interface — the same narrow-capability shape the registry's own
// PreTriggerCapable declares.
package action

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// killGrace is how long a cooperatively-cancelled subprocess is given to
// exit on its own before the supervisor escalates to SIGKILL (spec §5).
const killGrace = 10 * time.Second

// runToCompletion starts cmd and waits for it to exit, honoring ctx
// cancellation by sending SIGTERM and then, after killGrace, SIGKILL if the
// process has not exited on its own.
func runToCompletion(ctx context.Context, cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", cmd.Path, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case err := <-done:
			return err
		case <-time.After(killGrace):
			_ = cmd.Process.Kill()
			return <-done
		}
	}
}

// writeFile creates (or truncates) name and writes data, matching the
// working-directory-is-disjoint-filenames invariant every action relies on.
func writeFile(name string, data []byte) error {
	return os.WriteFile(name, data, 0o644)
}
