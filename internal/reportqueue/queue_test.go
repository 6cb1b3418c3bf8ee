package reportqueue_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/tripwire/rig/internal/reportqueue"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func makeReport(rigName, archivePath string) reportqueue.Report {
	return reportqueue.Report{
		RigName:     rigName,
		HostName:    "host-a",
		Timestamp:   time.Now().UTC().Truncate(time.Millisecond),
		ArchivePath: archivePath,
		Detail:      map[string]any{"collector": "sos", "mode": "collect"},
	}
}

// openMemQueue opens an in-memory SQLiteQueue and registers t.Cleanup to
// close it, ensuring the database is closed even when tests fail.
func openMemQueue(t *testing.T) *reportqueue.SQLiteQueue {
	t.Helper()
	q, err := reportqueue.New(":memory:")
	if err != nil {
		t.Fatalf("reportqueue.New(:memory:): %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func TestNew_InMemory_EmptyDepth(t *testing.T) {
	q := openMemQueue(t)
	if d := q.Depth(); d != 0 {
		t.Errorf("Depth = %d after open, want 0", d)
	}
}

func TestNew_FileDB_CreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.db")

	q, err := reportqueue.New(path)
	if err != nil {
		t.Fatalf("reportqueue.New(%q): %v", path, err)
	}
	_ = q.Close()
}

// ---------------------------------------------------------------------------
// Enqueue
// ---------------------------------------------------------------------------

func TestEnqueue_IncreasesDepth(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()

	r := makeReport("web-01", "/var/tmp/rig/web-01/sos-report.tar.xz")
	if err := q.Enqueue(ctx, r); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if d := q.Depth(); d != 1 {
		t.Errorf("Depth = %d after one Enqueue, want 1", d)
	}
}

func TestEnqueue_MultipleReports_DepthAccumulates(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		r := makeReport(fmt.Sprintf("rig-%d", i), fmt.Sprintf("/var/tmp/rig/rig-%d/report.tar", i))
		if err := q.Enqueue(ctx, r); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	if d := q.Depth(); d != 5 {
		t.Errorf("Depth = %d after 5 enqueues, want 5", d)
	}
}

// ---------------------------------------------------------------------------
// Dequeue
// ---------------------------------------------------------------------------

func TestDequeue_ReturnsReportsInInsertionOrder(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()

	reports := []reportqueue.Report{
		makeReport("rig-1", "/a/report.tar"),
		makeReport("rig-2", "/b/report.tar"),
		makeReport("rig-3", "/c/report.tar"),
	}
	for _, r := range reports {
		if err := q.Enqueue(ctx, r); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	pending, err := q.Dequeue(ctx, 10)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("Dequeue returned %d reports, want 3", len(pending))
	}

	for i, pr := range pending {
		if pr.Report.RigName != reports[i].RigName {
			t.Errorf("report[%d].RigName = %q, want %q", i, pr.Report.RigName, reports[i].RigName)
		}
		if pr.Report.ArchivePath != reports[i].ArchivePath {
			t.Errorf("report[%d].ArchivePath = %q, want %q", i, pr.Report.ArchivePath, reports[i].ArchivePath)
		}
	}
}

func TestDequeue_RespectsLimit(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_ = q.Enqueue(ctx, makeReport(fmt.Sprintf("rig-%d", i), "/report.tar"))
	}

	pending, err := q.Dequeue(ctx, 4)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(pending) != 4 {
		t.Errorf("Dequeue returned %d reports, want 4", len(pending))
	}
}

func TestDequeue_ZeroLimit_ReturnsNil(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()
	_ = q.Enqueue(ctx, makeReport("rig", "/report.tar"))

	pending, err := q.Dequeue(ctx, 0)
	if err != nil {
		t.Fatalf("Dequeue(0): %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Dequeue(0) returned %d reports, want 0", len(pending))
	}
}

func TestDequeue_PreservesTimestamp(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()

	orig := time.Now().UTC().Round(time.Millisecond)

	r := reportqueue.Report{
		RigName:     "rig-ts",
		HostName:    "host-a",
		Timestamp:   orig,
		ArchivePath: "/report.tar",
		Detail:      map[string]any{},
	}
	_ = q.Enqueue(ctx, r)

	pending, err := q.Dequeue(ctx, 1)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("Dequeue returned %d reports, want 1", len(pending))
	}
	if !pending[0].Report.Timestamp.Equal(orig) {
		t.Errorf("Timestamp = %v, want %v", pending[0].Report.Timestamp, orig)
	}
}

// ---------------------------------------------------------------------------
// Ack
// ---------------------------------------------------------------------------

func TestAck_MarksReportDelivered(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()

	_ = q.Enqueue(ctx, makeReport("rig-1", "/report.tar"))

	pending, err := q.Dequeue(ctx, 10)
	if err != nil || len(pending) != 1 {
		t.Fatalf("Dequeue: err=%v, got %d reports", err, len(pending))
	}

	if err := q.Ack(ctx, []int64{pending[0].ID}); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	if d := q.Depth(); d != 0 {
		t.Errorf("Depth = %d after Ack, want 0", d)
	}

	pending2, err := q.Dequeue(ctx, 10)
	if err != nil {
		t.Fatalf("second Dequeue: %v", err)
	}
	if len(pending2) != 0 {
		t.Errorf("second Dequeue returned %d reports after Ack, want 0", len(pending2))
	}
}

func TestAck_Idempotent(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()

	_ = q.Enqueue(ctx, makeReport("rig", "/report.tar"))
	pending, _ := q.Dequeue(ctx, 1)

	if err := q.Ack(ctx, []int64{pending[0].ID}); err != nil {
		t.Fatalf("first Ack: %v", err)
	}
	if err := q.Ack(ctx, []int64{pending[0].ID}); err != nil {
		t.Fatalf("second (duplicate) Ack: %v", err)
	}

	if d := q.Depth(); d != 0 {
		t.Errorf("Depth = %d after duplicate Ack, want 0", d)
	}
}

func TestAck_EmptyIDs_IsNoop(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()

	if err := q.Ack(ctx, nil); err != nil {
		t.Errorf("Ack(nil): unexpected error: %v", err)
	}
	if err := q.Ack(ctx, []int64{}); err != nil {
		t.Errorf("Ack([]): unexpected error: %v", err)
	}
}

func TestAck_PartialAck_LeavesPendingReports(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = q.Enqueue(ctx, makeReport(fmt.Sprintf("rig-%d", i), "/report.tar"))
	}

	pending, _ := q.Dequeue(ctx, 10)
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending reports, got %d", len(pending))
	}

	if err := q.Ack(ctx, []int64{pending[0].ID}); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	if d := q.Depth(); d != 2 {
		t.Errorf("Depth = %d after partial Ack, want 2", d)
	}

	remaining, err := q.Dequeue(ctx, 10)
	if err != nil {
		t.Fatalf("Dequeue after partial Ack: %v", err)
	}
	if len(remaining) != 2 {
		t.Errorf("Dequeue returned %d reports, want 2", len(remaining))
	}
}

// ---------------------------------------------------------------------------
// Crash recovery
// ---------------------------------------------------------------------------

func TestCrashRecovery_UnacknowledgedReportsRedelivered(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "queue.db")
	ctx := context.Background()

	func() {
		q, err := reportqueue.New(dbPath)
		if err != nil {
			t.Fatalf("open 1: %v", err)
		}
		defer q.Close()

		_ = q.Enqueue(ctx, makeReport("acked-rig", "/a.tar"))
		_ = q.Enqueue(ctx, makeReport("pending-rig", "/b.tar"))

		pending, err := q.Dequeue(ctx, 10)
		if err != nil || len(pending) != 2 {
			t.Fatalf("phase 1 Dequeue: err=%v, got %d reports", err, len(pending))
		}
		_ = q.Ack(ctx, []int64{pending[0].ID})
	}()

	q2, err := reportqueue.New(dbPath)
	if err != nil {
		t.Fatalf("open 2: %v", err)
	}
	defer q2.Close()

	if d := q2.Depth(); d != 1 {
		t.Errorf("after restart Depth = %d, want 1 (one unacknowledged report)", d)
	}

	pending, err := q2.Dequeue(ctx, 10)
	if err != nil {
		t.Fatalf("Dequeue after restart: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("after restart got %d reports, want 1", len(pending))
	}
	if pending[0].Report.RigName != "pending-rig" {
		t.Errorf("RigName = %q, want %q", pending[0].Report.RigName, "pending-rig")
	}
}

func TestCrashRecovery_AllAcked_EmptyOnRestart(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "queue.db")
	ctx := context.Background()

	func() {
		q, err := reportqueue.New(dbPath)
		if err != nil {
			t.Fatalf("open 1: %v", err)
		}
		defer q.Close()

		_ = q.Enqueue(ctx, makeReport("r1", "/r1.tar"))
		_ = q.Enqueue(ctx, makeReport("r2", "/r2.tar"))

		pending, _ := q.Dequeue(ctx, 10)
		ids := make([]int64, len(pending))
		for i, pr := range pending {
			ids[i] = pr.ID
		}
		_ = q.Ack(ctx, ids)
	}()

	q2, err := reportqueue.New(dbPath)
	if err != nil {
		t.Fatalf("open 2: %v", err)
	}
	defer q2.Close()

	if d := q2.Depth(); d != 0 {
		t.Errorf("after restart Depth = %d, want 0 (all acked)", d)
	}
}
