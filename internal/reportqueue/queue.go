// Package reportqueue provides a WAL-mode SQLite-backed durable queue for
// `sos collect` archive uploads. It adds Dequeue and Ack operations to
// support at-least-once delivery semantics: an upload is persisted on
// Enqueue and is not removed until the caller calls Ack, so a reboot of
// the report aggregator (or a network partition) never loses a collected
// archive.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL so that concurrent
// readers and a single writer can proceed without blocking each other. This
// matters because one rig's `sos collect` action may enqueue a report while
// the transport goroutine concurrently dequeues and acks earlier ones.
//
// # At-least-once delivery
//
// The delivered column is set to 1 only when Ack is called. If the process
// is killed between Enqueue and Ack, the report is returned again by the
// next Dequeue call after restart, ensuring every collected archive reaches
// the aggregator even across an outage.
package reportqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// Report is one archive queued for upload to the report aggregator.
type Report struct {
	RigName     string
	HostName    string
	Timestamp   time.Time
	ArchivePath string
	Detail      map[string]any
}

// SQLiteQueue is a WAL-mode SQLite-backed durable report upload queue. It is
// safe for concurrent use.
type SQLiteQueue struct {
	db    *sql.DB
	depth atomic.Int64
}

// New opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. If path is ":memory:", an in-memory database
// is used; this is suitable for tests but loses all data when closed.
//
// New seeds the internal depth counter from the number of rows currently
// marked as pending (delivered = 0), so Depth() is accurate immediately
// after a crash-recovery restart.
func New(path string) (*SQLiteQueue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("reportqueue: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time. Limiting the pool to a single
	// connection avoids "database is locked" errors when multiple goroutines
	// call Enqueue concurrently; each call serialises through this connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("reportqueue: set WAL mode: %w", err)
	}

	// NORMAL synchronous: durable across application crashes; not OS crashes.
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("reportqueue: set synchronous = NORMAL: %w", err)
	}

	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("reportqueue: apply schema: %w", err)
	}

	q := &SQLiteQueue{db: db}

	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM report_queue WHERE delivered = 0`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("reportqueue: count pending rows: %w", err)
	}
	q.depth.Store(count)

	return q, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS report_queue (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    rig_name     TEXT    NOT NULL,
    host_name    TEXT    NOT NULL,
    ts           TEXT    NOT NULL,
    archive_path TEXT    NOT NULL,
    detail       TEXT    NOT NULL DEFAULT '{}',
    enqueued_at  TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    delivered    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_report_queue_pending
    ON report_queue (delivered, id);
`

// Enqueue persists r to the SQLite database. The report is stored with
// delivered = 0 and is included in subsequent Dequeue results until Ack is
// called for its ID.
func (q *SQLiteQueue) Enqueue(ctx context.Context, r Report) error {
	detail, err := json.Marshal(r.Detail)
	if err != nil {
		return fmt.Errorf("reportqueue: marshal detail: %w", err)
	}

	_, err = q.db.ExecContext(ctx,
		`INSERT INTO report_queue (rig_name, host_name, ts, archive_path, detail)
		 VALUES (?, ?, ?, ?, ?)`,
		r.RigName,
		r.HostName,
		r.Timestamp.UTC().Format(time.RFC3339Nano),
		r.ArchivePath,
		string(detail),
	)
	if err != nil {
		return fmt.Errorf("reportqueue: enqueue: %w", err)
	}

	q.depth.Add(1)
	return nil
}

// PendingReport is an unacknowledged report returned by Dequeue. ID is the
// database primary key used to acknowledge the report via Ack.
type PendingReport struct {
	ID     int64
	Report Report
}

// Dequeue returns up to n unacknowledged reports in insertion order (oldest
// first). It does not mark reports as delivered; call Ack with the returned
// IDs to do that. If n ≤ 0, Dequeue returns nil without querying the database.
func (q *SQLiteQueue) Dequeue(ctx context.Context, n int) ([]PendingReport, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT id, rig_name, host_name, ts, archive_path, detail
		 FROM   report_queue
		 WHERE  delivered = 0
		 ORDER  BY id
		 LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("reportqueue: dequeue query: %w", err)
	}
	defer rows.Close()

	var reports []PendingReport
	for rows.Next() {
		var (
			pr        PendingReport
			tsStr     string
			detailStr string
		)
		if err := rows.Scan(
			&pr.ID,
			&pr.Report.RigName,
			&pr.Report.HostName,
			&tsStr,
			&pr.Report.ArchivePath,
			&detailStr,
		); err != nil {
			return nil, fmt.Errorf("reportqueue: dequeue scan: %w", err)
		}

		pr.Report.Timestamp, err = time.Parse(time.RFC3339Nano, tsStr)
		if err != nil {
			pr.Report.Timestamp, _ = time.Parse(time.RFC3339, tsStr)
		}

		// A malformed detail value produces a nil map rather than an error so
		// that one bad row does not block the whole queue.
		if err := json.Unmarshal([]byte(detailStr), &pr.Report.Detail); err != nil {
			pr.Report.Detail = nil
		}

		reports = append(reports, pr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reportqueue: dequeue rows: %w", err)
	}
	return reports, nil
}

// Ack marks the reports identified by ids as delivered. Acknowledged reports
// are excluded from subsequent Dequeue results. Ack is idempotent: calling
// it multiple times with the same IDs is safe.
func (q *SQLiteQueue) Ack(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1] // trim trailing comma

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	result, err := q.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE report_queue SET delivered = 1 WHERE id IN (%s) AND delivered = 0`, placeholders),
		args...,
	)
	if err != nil {
		return fmt.Errorf("reportqueue: ack: %w", err)
	}

	n, _ := result.RowsAffected()
	q.depth.Add(-n)
	return nil
}

// Depth returns the number of pending (unacknowledged) reports. It reads
// from an atomic counter updated by Enqueue and Ack, so it never blocks.
func (q *SQLiteQueue) Depth() int {
	return int(q.depth.Load())
}

// Close closes the underlying database connection. Subsequent calls to any
// method are undefined; callers must not use the queue after Close returns.
func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}
