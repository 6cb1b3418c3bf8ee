package monitor

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/tripwire/rig/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustOptions(t *testing.T, name string, raw map[string]any, schema []registry.Field) *registry.OptionSet {
	t.Helper()
	opts, err := registry.Validate(name, raw, schema)
	if err != nil {
		t.Fatalf("Validate(%s): %v", name, err)
	}
	return opts
}

func logsSchema() []registry.Field {
	d, ok := registry.LookupMonitor("logs")
	if !ok {
		panic("logs monitor not registered")
	}
	return d.Schema
}

func TestLogsMonitor_TripsOnFileMatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.log")
	if err := os.WriteFile(path, nil, 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	mon := newLogsMonitor(testLogger()).(*logsMonitor)
	opts := mustOptions(t, "logs", map[string]any{
		"message": "boom",
		"files":   []any{path},
		"journals": nil,
	}, logsSchema())
	if err := mon.Configure(opts); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := mon.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	f.WriteString("preboom\n")
	f.WriteString("boom occurred\n")
	f.Close()

	evidence, err := mon.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if evidence == nil {
		t.Fatal("Poll returned no evidence, want a trip")
	}
	if evidence.Excerpt != "boom occurred" {
		t.Errorf("Excerpt = %q, want %q", evidence.Excerpt, "boom occurred")
	}
}

func TestLogsMonitor_CountAcrossTicks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.log")
	os.WriteFile(path, nil, 0600)

	mon := newLogsMonitor(testLogger()).(*logsMonitor)
	opts := mustOptions(t, "logs", map[string]any{
		"message":  "err",
		"count":    3,
		"files":    []any{path},
		"journals": nil,
	}, logsSchema())
	mon.Configure(opts)
	mon.Start(context.Background())

	f, _ := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	f.WriteString("err one\n")
	f.Close()

	if evidence, err := mon.Poll(context.Background()); err != nil || evidence != nil {
		t.Fatalf("Poll after 1 match: evidence=%v err=%v, want no trip yet", evidence, err)
	}

	f, _ = os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	f.WriteString("err two\nerr three\n")
	f.Close()

	evidence, err := mon.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if evidence == nil {
		t.Fatal("Poll did not trip after reaching count")
	}
}

func TestLogsMonitor_NonexistentFileSilentlyIgnored(t *testing.T) {
	mon := newLogsMonitor(testLogger()).(*logsMonitor)
	opts := mustOptions(t, "logs", map[string]any{
		"message":  "boom",
		"files":    []any{filepath.Join(t.TempDir(), "missing.log")},
		"journals": nil,
	}, logsSchema())
	if err := mon.Configure(opts); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := mon.Start(context.Background()); err != nil {
		t.Fatalf("Start: unexpected error for a missing file: %v", err)
	}
	if _, err := mon.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
}

func TestLogsMonitor_StaysTrippedOnceTripped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t.log")
	os.WriteFile(path, nil, 0600)

	mon := newLogsMonitor(testLogger()).(*logsMonitor)
	opts := mustOptions(t, "logs", map[string]any{
		"message":  "boom",
		"files":    []any{path},
		"journals": nil,
	}, logsSchema())
	mon.Configure(opts)
	mon.Start(context.Background())

	f, _ := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	f.WriteString("boom\n")
	f.Close()

	first, err := mon.Poll(context.Background())
	if err != nil || first == nil {
		t.Fatalf("first Poll: evidence=%v err=%v, want a trip", first, err)
	}

	second, err := mon.Poll(context.Background())
	if err != nil {
		t.Fatalf("second Poll: %v", err)
	}
	if second != first {
		t.Errorf("second Poll evidence = %v, want the same evidence as the first trip", second)
	}
}
