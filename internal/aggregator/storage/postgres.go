package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultBatchSize is the maximum number of report rows held in-memory
	// before an automatic flush is triggered.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often the background goroutine flushes
	// pending reports even when the batch has not yet reached
	// DefaultBatchSize.
	DefaultFlushInterval = 100 * time.Millisecond
)

// Store is the PostgreSQL-backed storage layer for the report aggregator.
//
// Report ingestion is batched: callers hand individual Report values to
// BatchInsertReports, which
// accumulates them in memory and flushes to the database either when the
// buffer reaches batchSize or when the background ticker fires, whichever
// comes first. Host upserts happen immediately since there is exactly one
// per connection, not per report.
type Store struct {
	pool          *pgxpool.Pool
	mu            sync.Mutex
	batch         []Report
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// New opens a pgxpool connection to connStr, pings the database, and starts
// the background flush goroutine.
//
// batchSize <= 0 is replaced with DefaultBatchSize.
// flushInterval <= 0 is replaced with DefaultFlushInterval.
func New(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*Store, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}

	s := &Store{
		pool:          pool,
		batch:         make([]Report, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Close stops the background flush goroutine, flushes any remaining
// buffered reports, and closes the connection pool. Safe to call more than
// once.
func (s *Store) Close(ctx context.Context) {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
		<-s.doneCh
		_ = s.Flush(ctx)
	}
	s.pool.Close()
}

func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.Flush(context.Background())
		}
	}
}

// BatchInsertReports enqueues report for deferred batch insertion. If the
// internal buffer reaches batchSize after appending, Flush is called
// synchronously so the caller observes back-pressure rather than unbounded
// memory growth.
func (s *Store) BatchInsertReports(ctx context.Context, report Report) error {
	s.mu.Lock()
	s.batch = append(s.batch, report)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush drains the current report buffer and sends all rows to PostgreSQL in
// a single pgx.Batch round-trip. Rows that conflict on the primary key are
// silently ignored, making retried uploads from internal/transport's
// at-least-once queue idempotent.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.batch
	s.batch = make([]Report, 0, s.batchSize)
	s.mu.Unlock()

	const query = `
		INSERT INTO reports
			(report_id, host_id, rig_name, timestamp, archive_path, detail, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT DO NOTHING`

	b := &pgx.Batch{}
	for i := range toInsert {
		r := &toInsert[i]
		detail := []byte(r.Detail)
		if detail == nil {
			detail = []byte("null")
		}
		b.Queue(query,
			r.ReportID, r.HostID, r.RigName, r.Timestamp,
			r.ArchivePath, detail, r.ReceivedAt,
		)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch exec report: %w", err)
		}
	}
	return nil
}

// QueryReports returns paginated reports within [q.From, q.To) on the
// received_at column.
func (s *Store) QueryReports(ctx context.Context, q ReportQuery) ([]Report, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}

	args := []any{q.From, q.To, q.Limit, q.Offset}
	where := "WHERE received_at >= $1 AND received_at < $2"
	if q.HostID != "" {
		where += " AND host_id = $5"
		args = append(args, q.HostID)
	}

	sql := fmt.Sprintf(`
		SELECT report_id, host_id, rig_name, timestamp, archive_path, detail, received_at
		FROM   reports
		%s
		ORDER  BY received_at DESC, report_id
		LIMIT  $3 OFFSET $4`, where)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()

	var reports []Report
	for rows.Next() {
		var r Report
		var detail []byte
		if err := rows.Scan(
			&r.ReportID, &r.HostID, &r.RigName, &r.Timestamp,
			&r.ArchivePath, &detail, &r.ReceivedAt,
		); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		r.Detail = detail
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// UpsertHost inserts a new host or, on hostname conflict, updates all
// mutable fields. It returns the effective host_id persisted in the
// database: on a clean insert this equals h.HostID; on a hostname conflict
// the existing host_id is returned unchanged, so a rig that reconnects
// under the same hostname keeps the identity its historical reports are
// keyed against.
func (s *Store) UpsertHost(ctx context.Context, h Host) (string, error) {
	var effectiveHostID string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO hosts
			(host_id, hostname, platform, rig_version, last_seen, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (hostname) DO UPDATE SET
			platform    = EXCLUDED.platform,
			rig_version = EXCLUDED.rig_version,
			last_seen   = EXCLUDED.last_seen,
			status      = EXCLUDED.status
		RETURNING host_id`,
		h.HostID,
		h.Hostname,
		nullableStr(h.Platform),
		nullableStr(h.RigVersion),
		h.LastSeen,
		string(h.Status),
	).Scan(&effectiveHostID)
	if err != nil {
		return "", fmt.Errorf("upsert host: %w", err)
	}
	return effectiveHostID, nil
}

// GetHost returns the host with the given UUID, or an error wrapping
// pgx.ErrNoRows when not found.
func (s *Store) GetHost(ctx context.Context, hostID string) (*Host, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT host_id, hostname, platform, rig_version, last_seen, status
		FROM   hosts
		WHERE  host_id = $1`, hostID)
	h, err := scanHost(row)
	if err != nil {
		return nil, fmt.Errorf("get host %s: %w", hostID, err)
	}
	return h, nil
}

// ListHosts returns all registered hosts ordered alphabetically by hostname.
func (s *Store) ListHosts(ctx context.Context) ([]Host, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT host_id, hostname, platform, rig_version, last_seen, status
		FROM   hosts
		ORDER  BY hostname`)
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	defer rows.Close()

	var hosts []Host
	for rows.Next() {
		h, err := scanHost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan host: %w", err)
		}
		hosts = append(hosts, *h)
	}
	return hosts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanHost(s scanner) (*Host, error) {
	var h Host
	var platform, rigVersion *string
	var status string
	if err := s.Scan(&h.HostID, &h.Hostname, &platform, &rigVersion, &h.LastSeen, &status); err != nil {
		return nil, err
	}
	h.Status = HostStatus(status)
	if platform != nil {
		h.Platform = *platform
	}
	if rigVersion != nil {
		h.RigVersion = *rigVersion
	}
	return &h, nil
}

func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
