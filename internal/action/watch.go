package action

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tripwire/rig/internal/registry"
)

func init() {
	registry.RegisterAction(registry.ActionDescriptor{
		Name: "watch",
		Schema: []registry.Field{
			{Name: "files", Kind: registry.KindRaw},
			{Name: "commands", Kind: registry.KindStringList},
			{Name: "use_standard_set", Kind: registry.KindBool, Default: false},
		},
		Priority:   20,
		Repeatable: false,
		PreTrigger: true,
		New:        newWatchAction,
	})
}

// watchTarget is one file to sample, optionally renamed in the output.
type watchTarget struct {
	path string
	dest string
}

// standardSetCommands is the fixed inventory use_standard_set expands to:
// the commands a host triage would run by hand before anything fancier.
var standardSetCommands = []string{
	"ps aux",
	"df -h",
	"free -m",
	"uptime",
	"vmstat 1 1",
	"ss -antp",
}

// watchAction periodically samples files and command output into the
// working directory until stopped, accumulating timestamped records.
type watchAction struct {
	logger *slog.Logger

	files    []watchTarget
	commands []string
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newWatchAction(logger *slog.Logger) registry.Action {
	return &watchAction{logger: logger, interval: time.Second}
}

func (a *watchAction) Configure(opts *registry.OptionSet) error {
	if raw, ok := opts.RawValue("files"); ok && raw != nil {
		list, ok := raw.([]any)
		if !ok {
			return fmt.Errorf("watch: option %q must be a list", "files")
		}
		for _, item := range list {
			m, ok := item.(map[string]any)
			if !ok {
				return fmt.Errorf("watch: option %q entries must be mappings", "files")
			}
			path, _ := m["path"].(string)
			if path == "" {
				return fmt.Errorf("watch: option %q entry missing %q", "files", "path")
			}
			dest, _ := m["dest"].(string)
			if dest == "" {
				dest = filepath.Base(path)
			}
			a.files = append(a.files, watchTarget{path: path, dest: dest})
		}
	}

	a.commands = opts.StringList("commands", nil)
	if opts.Bool("use_standard_set", false) {
		a.commands = append(a.commands, standardSetCommands...)
	}

	if len(a.files) == 0 && len(a.commands) == 0 {
		return fmt.Errorf("watch: at least one of %q, %q, %q must be configured", "files", "commands", "use_standard_set")
	}
	return nil
}

// SetInterval implements registry.IntervalAware: the supervisor calls this
// with the rig's own polling interval before PreStart.
func (a *watchAction) SetInterval(d time.Duration) {
	a.interval = d
}

func (a *watchAction) PreStart(ctx context.Context, workDir string) error {
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.wg.Add(1)
	go a.sampleLoop(runCtx, workDir)
	return nil
}

func (a *watchAction) sampleLoop(ctx context.Context, workDir string) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.sampleOnce(workDir)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sampleOnce(workDir)
		}
	}
}

func (a *watchAction) sampleOnce(workDir string) {
	ts := time.Now().UTC().Format(time.RFC3339Nano)

	for _, t := range a.files {
		data, err := os.ReadFile(t.path)
		if err != nil {
			a.logger.Warn("watch: failed to read file", slog.String("path", t.path), slog.Any("error", err))
			continue
		}
		a.appendRecord(filepath.Join(workDir, t.dest), ts, data)
	}

	for _, c := range a.commands {
		fields := strings.Fields(c)
		if len(fields) == 0 {
			continue
		}
		out, err := exec.Command(fields[0], fields[1:]...).CombinedOutput()
		if err != nil {
			a.logger.Warn("watch: command failed", slog.String("command", c), slog.Any("error", err))
		}
		a.appendRecord(filepath.Join(workDir, "watch-"+fields[0]+".log"), ts, out)
	}
}

func (a *watchAction) appendRecord(path, ts string, data []byte) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		a.logger.Warn("watch: failed to open output file", slog.String("path", path), slog.Any("error", err))
		return
	}
	defer f.Close()

	fmt.Fprintf(f, "--- %s ---\n", ts)
	f.Write(data)
	if len(data) == 0 || data[len(data)-1] != '\n' {
		f.Write([]byte("\n"))
	}
}

func (a *watchAction) StopPreTrigger(ctx context.Context) error {
	if a.cancel == nil {
		return nil
	}
	a.cancel()
	a.wg.Wait()
	return nil
}

// Run is a no-op: watch's entire lifecycle is PreStart/StopPreTrigger.
func (a *watchAction) Run(ctx context.Context, workDir string) error {
	return nil
}
