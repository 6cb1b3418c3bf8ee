package action

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/tripwire/rig/internal/registry"
)

// sysrqTriggerPath is where a crash is requested via the kernel's sysrq
// interface. Overridden in tests so no real machine is ever crashed.
var sysrqTriggerPath = "/proc/sysrq-trigger"

func init() {
	registry.RegisterAction(registry.ActionDescriptor{
		Name: "kdump",
		Schema: []registry.Field{
			{Name: "confirm", Kind: registry.KindBool, Required: true},
		},
		Priority:   100,
		Repeatable: false,
		PreTrigger: false,
		New:        newKdumpAction,
	})
}

// kdumpAction forces a kernel crash dump via the sysrq trigger, which
// reboots the host once the running kdump kernel finishes capturing the
// vmcore. A failed sysrq write is returned from Run; the supervisor then
// runs no further actions, unlike after any other action's failure, but
// still archives and finishes the rig.
type kdumpAction struct {
	logger  *slog.Logger
	confirm bool
}

func newKdumpAction(logger *slog.Logger) registry.Action {
	return &kdumpAction{logger: logger}
}

func (a *kdumpAction) Configure(opts *registry.OptionSet) error {
	a.confirm = opts.Bool("confirm", false)
	if !a.confirm {
		return fmt.Errorf("kdump: option %q must be explicitly set true", "confirm")
	}
	return nil
}

func (a *kdumpAction) Run(ctx context.Context, workDir string) error {
	a.logger.Warn("kdump: requesting kernel crash dump; host will reboot")
	if err := os.WriteFile(sysrqTriggerPath, []byte("c"), 0o200); err != nil {
		return fmt.Errorf("kdump: write sysrq-trigger: %w", err)
	}
	return nil
}
