package transport_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/grpc"

	"github.com/tripwire/rig/internal/reportpb"
	"github.com/tripwire/rig/internal/reportqueue"
	"github.com/tripwire/rig/internal/transport"
)

// ---------------------------------------------------------------------------
// Mock aggregator
// ---------------------------------------------------------------------------

// mockAggregator is a minimal reportpb.ReportServiceServer for tests. It
// records every received ReportUpload and ACKs each one, always returning
// the same host_id for RegisterHost.
//
// When rejectFirstN > 0 the first rejectFirstN UploadReport calls return
// ReportAck{OK: false} instead of acking, to exercise the "left unacked,
// retried on next drain" path without forcing a disconnect.
type mockAggregator struct {
	mu      sync.Mutex
	uploads []*reportpb.ReportUpload

	rejectFirstN int
	rejected     atomic.Int64
}

func (s *mockAggregator) RegisterHost(_ context.Context, _ *reportpb.HostRegistration) (*reportpb.HostRegistrationAck, error) {
	return &reportpb.HostRegistrationAck{
		HostID:              "test-host-id",
		ServerTimeUnixMicro: time.Now().UnixMicro(),
	}, nil
}

func (s *mockAggregator) UploadReport(_ context.Context, req *reportpb.ReportUpload) (*reportpb.ReportAck, error) {
	if int64(s.rejectFirstN) > s.rejected.Load() {
		s.rejected.Add(1)
		return &reportpb.ReportAck{OK: false, Error: "rejected for test"}, nil
	}

	s.mu.Lock()
	s.uploads = append(s.uploads, req)
	s.mu.Unlock()

	return &reportpb.ReportAck{OK: true}, nil
}

func (s *mockAggregator) recordedRigNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.uploads))
	for i, u := range s.uploads {
		names[i] = u.RigName
	}
	return names
}

func (s *mockAggregator) recordedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uploads)
}

// ---------------------------------------------------------------------------
// Server launch helper
// ---------------------------------------------------------------------------

// startInsecureServer starts an in-process gRPC server (no TLS) on a random
// OS-assigned port and registers svc. The server is stopped when t completes.
func startInsecureServer(t *testing.T, svc reportpb.ReportServiceServer) string {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	gs := grpc.NewServer()
	reportpb.RegisterReportServiceServer(gs, svc)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = gs.Serve(lis)
	}()

	t.Cleanup(func() {
		gs.GracefulStop()
		<-done
	})

	return lis.Addr().String()
}

// ---------------------------------------------------------------------------
// Client/queue helpers
// ---------------------------------------------------------------------------

// newInsecureClient creates a Client configured for insecure (no TLS)
// communication, with a short backoff ceiling to keep reconnect tests fast.
func newInsecureClient(addr string, q transport.DrainQueue, logger *slog.Logger) *transport.Client {
	cfg := transport.ClientConfig{
		Addr:       addr,
		Hostname:   "test-rig-host",
		Platform:   "linux",
		RigVersion: "0.0.1-test",
		MaxBackoff: 200 * time.Millisecond,
		Insecure:   true,
	}
	return transport.New(cfg, q, logger)
}

// noopLogger returns a logger that discards all output.
func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// openMemQueue opens an in-memory reportqueue and registers cleanup.
func openMemQueue(t *testing.T) *reportqueue.SQLiteQueue {
	t.Helper()
	q, err := reportqueue.New(":memory:")
	if err != nil {
		t.Fatalf("reportqueue.New: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

// enqueueN adds n reports with sequential rig names (rig-0, rig-1, …) to q.
func enqueueN(t *testing.T, q *reportqueue.SQLiteQueue, n int) {
	t.Helper()
	ctx := context.Background()
	for i := range n {
		r := reportqueue.Report{
			RigName:     "rig-" + itoa(i),
			HostName:    "test-rig-host",
			Timestamp:   time.Now().UTC(),
			ArchivePath: "/var/tmp/rig/archive-" + itoa(i) + ".tar.gz",
			Detail:      map[string]any{"index": float64(i)},
		}
		if err := q.Enqueue(ctx, r); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
}

// waitFor polls cond every 10 ms until it returns true or deadline is reached.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

// itoa converts a non-negative integer to its decimal string representation
// without importing strconv.
func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	const digits = "0123456789"
	buf := make([]byte, 0, 8)
	for n > 0 {
		buf = append([]byte{digits[n%10]}, buf...)
		n /= 10
	}
	return string(buf)
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

// TestClient_QueueDrainOnConnect verifies that all reports pending in the
// queue are uploaded (oldest first) immediately after the client registers.
func TestClient_QueueDrainOnConnect(t *testing.T) {
	const numReports = 5

	svc := &mockAggregator{}
	addr := startInsecureServer(t, svc)

	q := openMemQueue(t)
	enqueueN(t, q, numReports)

	client := newInsecureClient(addr, q, noopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client.Start(ctx)

	if !waitFor(t, 5*time.Second, func() bool {
		return svc.recordedCount() == numReports && q.Depth() == 0
	}) {
		t.Fatalf("timed out: aggregator received %d reports (want %d), queue depth=%d (want 0)",
			svc.recordedCount(), numReports, q.Depth())
	}

	cancel()
	client.Stop()

	got := svc.recordedRigNames()
	for i, name := range got {
		want := "rig-" + itoa(i)
		if name != want {
			t.Errorf("upload[%d].RigName = %q, want %q", i, name, want)
		}
	}
}

// TestClient_ReportsSentTotalCountsACKedUploads verifies that
// ReportsSentTotal increments only for uploads the aggregator ACKs.
func TestClient_ReportsSentTotalCountsACKedUploads(t *testing.T) {
	svc := &mockAggregator{}
	addr := startInsecureServer(t, svc)

	q := openMemQueue(t)
	enqueueN(t, q, 4)

	client := newInsecureClient(addr, q, noopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client.Start(ctx)

	if !waitFor(t, 5*time.Second, func() bool {
		return client.ReportsSentTotal() == 4
	}) {
		t.Fatalf("ReportsSentTotal=%d, want 4", client.ReportsSentTotal())
	}

	cancel()
	client.Stop()
}

// TestClient_RejectedUploadRetriedOnNextDrain verifies that an upload the
// aggregator rejects is left unacked in the queue and is resent on the next
// poll tick instead of being dropped.
func TestClient_RejectedUploadRetriedOnNextDrain(t *testing.T) {
	svc := &mockAggregator{rejectFirstN: 1}
	addr := startInsecureServer(t, svc)

	q := openMemQueue(t)
	enqueueN(t, q, 1)

	client := newInsecureClient(addr, q, noopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client.Start(ctx)

	// The first attempt is rejected; the report must still be delivered
	// eventually since it is never acked out of the queue.
	if !waitFor(t, 5*time.Second, func() bool {
		return q.Depth() == 0
	}) {
		t.Fatalf("queue not drained after rejection+retry: depth=%d", q.Depth())
	}

	cancel()
	client.Stop()
}

// TestClient_QueueDepthReflectsUndeliveredRows verifies that QueueDepth
// returns the underlying queue's pending-report count, both before Start and
// after a successful drain.
func TestClient_QueueDepthReflectsUndeliveredRows(t *testing.T) {
	q := openMemQueue(t)
	enqueueN(t, q, 3)

	cfg := transport.ClientConfig{
		Addr:     "127.0.0.1:1", // unreachable; we only call QueueDepth
		Insecure: true,
	}
	client := transport.New(cfg, q, noopLogger())

	if d := client.QueueDepth(); d != 3 {
		t.Errorf("QueueDepth=%d before delivery, want 3", d)
	}

	svc := &mockAggregator{}
	addr := startInsecureServer(t, svc)
	client2 := newInsecureClient(addr, q, noopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client2.Start(ctx)

	if !waitFor(t, 5*time.Second, func() bool {
		return client2.QueueDepth() == 0
	}) {
		t.Errorf("QueueDepth=%d after drain, want 0", client2.QueueDepth())
	}

	cancel()
	client2.Stop()
}

// TestClient_StopIsIdempotent verifies that Stop may be called multiple
// times without panicking.
func TestClient_StopIsIdempotent(t *testing.T) {
	svc := &mockAggregator{}
	addr := startInsecureServer(t, svc)

	client := newInsecureClient(addr, nil, noopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client.Start(ctx)
	client.Stop()
	client.Stop() // must not panic
}

// TestClient_HostIDSetAfterRegister verifies that HostID returns the
// aggregator-assigned host_id once registration has completed.
func TestClient_HostIDSetAfterRegister(t *testing.T) {
	svc := &mockAggregator{}
	addr := startInsecureServer(t, svc)

	client := newInsecureClient(addr, nil, noopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client.Start(ctx)

	if !waitFor(t, 5*time.Second, func() bool {
		return client.HostID() != ""
	}) {
		t.Fatal("HostID is empty after timeout; want non-empty after registration")
	}

	if id := client.HostID(); id != "test-host-id" {
		t.Errorf("HostID = %q, want %q", id, "test-host-id")
	}

	cancel()
	client.Stop()
}

// TestClient_QueueDrainOrdering_MultiBatch verifies FIFO delivery order for
// more reports than drainBatchSize (50), requiring multiple dequeue rounds.
func TestClient_QueueDrainOrdering_MultiBatch(t *testing.T) {
	const n = 75 // larger than drainBatchSize

	svc := &mockAggregator{}
	addr := startInsecureServer(t, svc)

	q := openMemQueue(t)
	enqueueN(t, q, n)

	client := newInsecureClient(addr, q, noopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client.Start(ctx)

	if !waitFor(t, 10*time.Second, func() bool {
		return svc.recordedCount() == n && q.Depth() == 0
	}) {
		t.Fatalf("timed out: aggregator received %d/%d reports, queue depth=%d",
			svc.recordedCount(), n, q.Depth())
	}

	cancel()
	client.Stop()

	got := svc.recordedRigNames()
	if len(got) != n {
		t.Fatalf("recorded %d uploads, want %d", len(got), n)
	}
	for i, name := range got {
		want := "rig-" + itoa(i)
		if name != want {
			t.Errorf("upload[%d].RigName = %q, want %q", i, name, want)
		}
	}
}

// TestClient_ReconnectAfterServerRestart verifies that the client recovers
// from a dropped connection: reports enqueued while the aggregator is down
// are delivered once a new server comes up on the same address, and
// ReconnectTotal reflects at least one reconnect attempt.
func TestClient_ReconnectAfterServerRestart(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := lis.Addr().String()

	svc := &mockAggregator{}
	gs := grpc.NewServer()
	reportpb.RegisterReportServiceServer(gs, svc)
	go func() { _ = gs.Serve(lis) }()

	q := openMemQueue(t)
	enqueueN(t, q, 2)

	client := newInsecureClient(addr, q, noopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client.Start(ctx)

	if !waitFor(t, 5*time.Second, func() bool {
		return q.Depth() == 0
	}) {
		t.Fatalf("initial drain failed: depth=%d", q.Depth())
	}

	gs.Stop() // simulate aggregator outage

	enqueueN(t, q, 1) // rig-2, enqueued while aggregator is unreachable

	// Bring the aggregator back up on the same address.
	lis2, err := net.Listen("tcp", addr)
	if err != nil {
		t.Skipf("could not rebind %s: %v", addr, err)
	}
	gs2 := grpc.NewServer()
	reportpb.RegisterReportServiceServer(gs2, svc)
	go func() { _ = gs2.Serve(lis2) }()
	t.Cleanup(gs2.GracefulStop)

	if !waitFor(t, 10*time.Second, func() bool {
		return q.Depth() == 0 && svc.recordedCount() == 3
	}) {
		t.Fatalf("reconnect drain failed: depth=%d, recorded=%d", q.Depth(), svc.recordedCount())
	}

	if client.ReconnectTotal() < 1 {
		t.Errorf("ReconnectTotal=%d, want >=1", client.ReconnectTotal())
	}

	cancel()
	client.Stop()
}

// TestClient_NewWithNilQueueDoesNotPanic verifies QueueDepth handles a nil
// queue gracefully — used by callers that construct a Client purely to probe
// connectivity before a reportqueue is opened.
func TestClient_NewWithNilQueueDoesNotPanic(t *testing.T) {
	cfg := transport.ClientConfig{Addr: "127.0.0.1:1", Insecure: true}
	client := transport.New(cfg, nil, noopLogger())
	if d := client.QueueDepth(); d != 0 {
		t.Errorf("QueueDepth=%d, want 0", d)
	}
}
