package action

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/tripwire/rig/internal/registry"
)

func init() {
	registry.RegisterAction(registry.ActionDescriptor{
		Name: "noop",
		Schema: []registry.Field{
			{Name: "sleep", Kind: registry.KindInt, Default: 0},
		},
		Priority:   90,
		Repeatable: false,
		PreTrigger: false,
		New:        newNoopAction,
	})
}

// noopAction does nothing of diagnostic value; it exists to exercise the
// action pipeline (ordering, the archive, the ledger) without collecting
// anything real. Testing only, per spec.md.
type noopAction struct {
	logger *slog.Logger
	sleep  time.Duration
}

func newNoopAction(logger *slog.Logger) registry.Action {
	return &noopAction{logger: logger}
}

func (a *noopAction) Configure(opts *registry.OptionSet) error {
	a.sleep = time.Duration(opts.Int("sleep", 0)) * time.Second
	return nil
}

func (a *noopAction) Run(ctx context.Context, workDir string) error {
	if a.sleep > 0 {
		select {
		case <-time.After(a.sleep):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	marker := fmt.Sprintf("ran at %s\n", time.Now().UTC().Format(time.RFC3339))
	return writeFile(filepath.Join(workDir, "noop.log"), []byte(marker))
}
