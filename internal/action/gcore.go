package action

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/tripwire/rig/internal/registry"
	"github.com/tripwire/rig/internal/resource"
)

func init() {
	registry.RegisterAction(registry.ActionDescriptor{
		Name: "gcore",
		Schema: []registry.Field{
			{Name: "procs", Kind: registry.KindStringList, Required: true},
			{Name: "freeze", Kind: registry.KindBool, Default: false},
		},
		Priority:   10,
		Repeatable: true,
		PreTrigger: false,
		New:        newGcoreAction,
	})
}

// gcoreAction dumps cores for one or more target processes using the system
// gcore(1) tool. Iteration (for its repeat capability) is driven by the
// rig's own repeat/repeat_delay fields, not a per-action option: Run
// performs exactly one pass over its targets each call.
type gcoreAction struct {
	logger *slog.Logger

	pidTargets  []int32
	nameTargets []string
	freeze      bool

	iteration  int
	findByName func(name string) ([]int32, error)
	runCmd     func(ctx context.Context, cmd *exec.Cmd) error
}

func newGcoreAction(logger *slog.Logger) registry.Action {
	return &gcoreAction{logger: logger, findByName: resource.FindByName, runCmd: runToCompletion}
}

func (a *gcoreAction) Configure(opts *registry.OptionSet) error {
	for _, entry := range opts.StringList("procs", nil) {
		if pid, err := strconv.Atoi(entry); err == nil {
			a.pidTargets = append(a.pidTargets, int32(pid))
			continue
		}
		a.nameTargets = append(a.nameTargets, entry)
	}
	if len(a.pidTargets) == 0 && len(a.nameTargets) == 0 {
		return fmt.Errorf("gcore: option %q must name at least one pid or process name", "procs")
	}
	a.freeze = opts.Bool("freeze", false)
	return nil
}

func (a *gcoreAction) Run(ctx context.Context, workDir string) error {
	a.iteration++

	pids := append([]int32(nil), a.pidTargets...)
	for _, name := range a.nameTargets {
		found, err := a.findByName(name)
		if err != nil {
			a.logger.Warn("gcore: failed to resolve process name", slog.String("name", name), slog.Any("error", err))
			continue
		}
		pids = append(pids, found...)
	}

	var errs []error
	for _, pid := range pids {
		if err := a.dumpOne(ctx, workDir, pid); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("gcore: %d of %d dumps failed: %v", len(errs), len(pids), errs)
	}
	return nil
}

// dumpOne runs gcore against a single PID. When freeze is set, SIGSTOP
// precedes the dump and SIGCONT always follows, even if the dump itself
// fails, so the target is never left stopped.
func (a *gcoreAction) dumpOne(ctx context.Context, workDir string, pid int32) error {
	if a.freeze {
		if err := syscall.Kill(int(pid), syscall.SIGSTOP); err != nil {
			a.logger.Warn("gcore: SIGSTOP failed", slog.Int("pid", int(pid)), slog.Any("error", err))
		}
		defer func() {
			if err := syscall.Kill(int(pid), syscall.SIGCONT); err != nil {
				a.logger.Warn("gcore: SIGCONT failed", slog.Int("pid", int(pid)), slog.Any("error", err))
			}
		}()
	}

	out := filepath.Join(workDir, fmt.Sprintf("gcore-%d-%d", pid, a.iteration))
	cmd := exec.CommandContext(ctx, "gcore", "-o", out, strconv.Itoa(int(pid)))

	if err := a.runCmd(ctx, cmd); err != nil {
		return fmt.Errorf("pid %d: %w", pid, err)
	}
	return nil
}
