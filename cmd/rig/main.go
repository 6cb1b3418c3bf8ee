// Command rig is the top-level CLI: `rig create` deploys a rigfile as a
// detached background process, `rig list` and `rig destroy` talk to a
// running rig's control socket, and `rig verify-archive` checks a rig's
// tamper-evident ledger.
//
// Usage:
//
//	rig create --rigfile /etc/rig/watch.yaml [--log-file <path>]
//	rig list --socket-dir /var/run/rig
//	rig destroy [--force] [--socket-dir /var/run/rig] <name>
//	rig verify-archive <ledger-path>
//	rig version
//
// `create` forks a detached child that runs the rig supervisor in the
// foreground (see rigdMain below); the parent process prints the child's
// PID and log file path and exits immediately,
// mirroring the detach-and-return idiom the corpus uses for background
// daemons.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"syscall"
	"time"

	_ "github.com/tripwire/rig/internal/action" // register action plugins
	"github.com/tripwire/rig/internal/config"
	"github.com/tripwire/rig/internal/control"
	"github.com/tripwire/rig/internal/ledger"
	_ "github.com/tripwire/rig/internal/monitor" // register monitor plugins
	"github.com/tripwire/rig/internal/reportqueue"
	"github.com/tripwire/rig/internal/rig"
	"github.com/tripwire/rig/internal/transport"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// rigdEnvVar flags a process as the detached child re-exec'd by `rig
// create`, so rigdMain runs Deploy+Run in the foreground instead of
// re-forking.
const rigdEnvVar = "RIG_DETACHED_RIGFILE"

func main() {
	if rigfilePath := os.Getenv(rigdEnvVar); rigfilePath != "" {
		os.Exit(rigdMain(rigfilePath))
	}

	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "rig: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: rig <create|list|destroy|verify-archive|version>")
	}

	sub := args[0]
	rest := args[1:]

	switch sub {
	case "create":
		return cmdCreate(rest)
	case "list":
		return cmdList(rest)
	case "destroy":
		return cmdDestroy(rest)
	case "verify-archive":
		return cmdVerifyArchive(rest)
	case "version":
		fmt.Println(Version)
		return nil
	default:
		return fmt.Errorf("unknown command %q; use create, list, destroy, verify-archive, or version", sub)
	}
}

// cmdCreate loads and validates a rigfile with config.LoadRigfile, then
// forks a detached child (re-exec of this same binary with rigdEnvVar set)
// that performs Deploy/Run; plugin-registry validation happens only in the
// child's Deploy. The parent never blocks
// on the child: it reports the child's PID and exits.
func cmdCreate(args []string) error {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	rigfilePath := fs.String("rigfile", "", "path to the rigfile (required)")
	logPath := fs.String("log-file", "", "path to the detached process's log file (default: <socket_dir_base>/<name>.log)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *rigfilePath == "" {
		return fmt.Errorf("--rigfile is required")
	}
	absPath, err := filepath.Abs(*rigfilePath)
	if err != nil {
		return fmt.Errorf("resolving rigfile path: %w", err)
	}

	cfg, warnings, err := config.LoadRigfile(absPath)
	if err != nil {
		return fmt.Errorf("loading rigfile: %w", err)
	}
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "rig: warning: %s\n", w)
	}

	selfBin, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving own executable: %w", err)
	}

	logFilePath := *logPath
	if logFilePath == "" {
		socketDirBase := cfg.SocketDirBase
		if socketDirBase == "" {
			socketDirBase = "/var/run/rig"
		}
		name := cfg.Name
		if name == "" {
			name = "rig"
		}
		logFilePath = filepath.Join(socketDirBase, name+".log")
	}
	if err := os.MkdirAll(filepath.Dir(logFilePath), 0o755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}
	logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(selfBin) //nolint:gosec // selfBin is os.Executable(), not attacker-controlled
	cmd.Env = append(os.Environ(), rigdEnvVar+"="+absPath)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = detachedSysProcAttr()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting detached rig process: %w", err)
	}
	// Detach fully: don't Wait() in the foreground, reap asynchronously so
	// the child never becomes a zombie if it exits before this process does.
	go func() { _ = cmd.Wait() }()

	fmt.Printf("rig deployment started (pid %d), log: %s\n", cmd.Process.Pid, logFilePath)
	return nil
}

// rigdMain is the detached child's entry point: it loads the rigfile again
// (the parent already validated it, but the child has its own process
// lifetime and must not depend on the parent's in-memory state), deploys,
// and runs until triggered, destroyed, or signalled.
func rigdMain(rigfilePath string) int {
	cfg, warnings, err := config.LoadRigfile(rigfilePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rigd: loading rigfile: %v\n", err)
		return 1
	}
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "rigd: warning: %s\n", w)
	}

	hostName, _ := os.Hostname()

	var queue *reportqueue.SQLiteQueue
	if path := os.Getenv("RIG_REPORT_QUEUE"); path != "" {
		queue, err = reportqueue.New(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "rigd: opening report queue: %v\n", err)
			return 1
		}
		defer queue.Close()
	}

	ctx := context.Background()
	r, err := rig.Deploy(ctx, cfg, rig.Options{HostName: hostName, ReportQueue: queue})
	if err != nil {
		fmt.Fprintf(os.Stderr, "rigd: deploy: %v\n", err)
		return 1
	}

	// When both a report queue and an aggregator address are configured,
	// start the upload client alongside the rig so queued reports actually
	// leave the host instead of only accumulating locally.
	if queue != nil {
		if addr := os.Getenv("RIG_AGGREGATOR_ADDR"); addr != "" {
			client := transport.New(transport.ClientConfig{
				Addr:       addr,
				Insecure:   os.Getenv("RIG_AGGREGATOR_INSECURE") == "1",
				Hostname:   hostName,
				Platform:   runtimePlatform(),
				RigVersion: Version,
			}, queue, nil)
			client.Start(ctx)
			defer client.Stop()
		}
	}

	if err := r.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "rigd: run: %v\n", err)
		return 1
	}
	return 0
}

func runtimePlatform() string {
	return runtime.GOOS
}

// cmdList enumerates every control socket under --socket-dir and reports
// each rig's status, or a dial error for a socket that no longer answers
// (e.g. the process died without cleaning up).
func cmdList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	socketDir := fs.String("socket-dir", "/var/run/rig", "base directory containing rig control sockets")
	jsonOut := fs.Bool("json", false, "emit machine-readable JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	entries, err := os.ReadDir(*socketDir)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("no rigs deployed")
			return nil
		}
		return fmt.Errorf("reading socket directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sock") {
			names = append(names, strings.TrimSuffix(e.Name(), ".sock"))
		}
	}
	sort.Strings(names)

	if len(names) == 0 {
		fmt.Println("no rigs deployed")
		return nil
	}

	type row struct {
		Name   string `json:"name"`
		Status string `json:"status"`
		Phase  string `json:"phase,omitempty"`
		PID    int    `json:"pid,omitempty"`
	}
	var rows []row

	for _, name := range names {
		sockPath := filepath.Join(*socketDir, name+".sock")
		status, phase, pid := queryRigStatus(sockPath)
		rows = append(rows, row{Name: name, Status: status, Phase: phase, PID: pid})
	}

	if *jsonOut {
		return printJSON(rows)
	}

	for _, r := range rows {
		if r.Status == "ok" {
			fmt.Printf("%-24s %-20s pid=%d\n", r.Name, r.Phase, r.PID)
		} else {
			fmt.Printf("%-24s %s\n", r.Name, r.Status)
		}
	}
	return nil
}

func queryRigStatus(sockPath string) (status, phase string, pid int) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	c, err := control.Dial(ctx, sockPath)
	if err != nil {
		return "unreachable", "", 0
	}
	defer c.Close()

	resp, err := c.Status(ctx)
	if err != nil {
		return "error: " + err.Error(), "", 0
	}
	return "ok", resp.Phase, resp.PID
}

// cmdDestroy sends a destroy request to the named rig's control socket.
func cmdDestroy(args []string) error {
	fs := flag.NewFlagSet("destroy", flag.ContinueOnError)
	socketDir := fs.String("socket-dir", "/var/run/rig", "base directory containing rig control sockets")
	force := fs.Bool("force", false, "kill an in-flight collecting action immediately instead of waiting for it to finish")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: rig destroy [--force] [--socket-dir <dir>] <name>")
	}
	name := fs.Arg(0)
	sockPath := filepath.Join(*socketDir, name+".sock")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := control.Dial(ctx, sockPath)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", name, err)
	}
	defer c.Close()

	if err := c.Destroy(ctx, *force); err != nil {
		return fmt.Errorf("destroy %s: %w", name, err)
	}

	fmt.Printf("destroy requested for %s\n", name)
	return nil
}

// cmdVerifyArchive replays a rig's hash-chained ledger and reports whether
// it is intact.
func cmdVerifyArchive(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: rig verify-archive <ledger-path>")
	}
	entries, err := ledger.Verify(args[0])
	if err != nil {
		return fmt.Errorf("ledger verification failed: %w", err)
	}
	fmt.Printf("ledger OK: %d entries, chain intact\n", len(entries))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// detachedSysProcAttr configures the child process to survive the parent's
// exit by detaching it into its own process group, the same idiom the
// corpus uses for background daemons launched via exec.Command.
func detachedSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
