package action

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/tripwire/rig/internal/registry"
)

func init() {
	registry.RegisterAction(registry.ActionDescriptor{
		Name: "tcpdump",
		Schema: []registry.Field{
			{Name: "interface", Kind: registry.KindString, Required: true},
			{Name: "expression", Kind: registry.KindString},
			{Name: "capture_count", Kind: registry.KindInt, Default: 1},
			{Name: "capture_size", Kind: registry.KindInt, Default: 10},
			{Name: "snapshot_length", Kind: registry.KindInt, Default: 0},
		},
		Priority:   20,
		Repeatable: false,
		PreTrigger: true,
		New:        newTcpdumpAction,
	})
}

// tcpdumpAction runs a rolling packet capture for the lifetime between
// deployment and trigger using the system tcpdump(1) tool.
type tcpdumpAction struct {
	logger *slog.Logger

	iface          string
	expression     string
	captureCount   int
	captureSizeMB  int
	snapshotLength int

	cancel context.CancelFunc
	done   chan error

	// binary is the capture tool invoked; overridden in tests so no real
	// tcpdump process or packet capture is required.
	binary string
}

func newTcpdumpAction(logger *slog.Logger) registry.Action {
	return &tcpdumpAction{logger: logger, binary: "tcpdump"}
}

func (a *tcpdumpAction) Configure(opts *registry.OptionSet) error {
	a.iface = opts.String("interface", "")
	a.expression = opts.String("expression", "")
	a.captureCount = opts.Int("capture_count", 1)
	a.captureSizeMB = opts.Int("capture_size", 10)
	a.snapshotLength = opts.Int("snapshot_length", 0)
	return nil
}

// PreStart probes that the configured interface exists (spec §4.3's
// deployment-time feasibility probe) and launches the rolling capture.
func (a *tcpdumpAction) PreStart(ctx context.Context, workDir string) error {
	if a.iface != "any" {
		if _, err := net.InterfaceByName(a.iface); err != nil {
			return fmt.Errorf("tcpdump: interface %q not found: %w", a.iface, err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	args := []string{
		"-i", a.iface,
		"-W", strconv.Itoa(a.captureCount),
		"-C", strconv.Itoa(a.captureSizeMB),
		"-w", filepath.Join(workDir, "capture.pcap"),
	}
	if a.snapshotLength > 0 {
		args = append(args, "-s", strconv.Itoa(a.snapshotLength))
	}
	if a.expression != "" {
		args = append(args, a.expression)
	}

	cmd := exec.CommandContext(runCtx, a.binary, args...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = killGrace
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("tcpdump: start: %w", err)
	}

	a.done = make(chan error, 1)
	go func() { a.done <- cmd.Wait() }()

	return nil
}

// StopPreTrigger cancels the rolling capture: tcpdump receives SIGTERM and
// has killGrace to exit on its own before exec.Cmd kills it.
func (a *tcpdumpAction) StopPreTrigger(ctx context.Context) error {
	if a.cancel == nil {
		return nil
	}
	a.cancel()
	err := <-a.done
	if err != nil {
		a.logger.Debug("tcpdump: capture process exited", slog.Any("error", err))
	}
	return nil
}

// Run is a no-op: tcpdump's entire lifecycle is PreStart/StopPreTrigger.
func (a *tcpdumpAction) Run(ctx context.Context, workDir string) error {
	return nil
}
