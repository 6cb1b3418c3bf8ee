// Package storage provides the PostgreSQL-backed persistence layer for the
// report aggregator: a Host table keyed on hostname, and a batched Report
// insert path fed by internal/transport's UploadReport uploads.
package storage

import (
	"encoding/json"
	"time"
)

// HostStatus is the liveness state of a rig host as seen by the aggregator.
type HostStatus string

const (
	HostStatusOnline  HostStatus = "ONLINE"
	HostStatusOffline HostStatus = "OFFLINE"
)

// Host maps to the `hosts` table. LastSeen is nil until the first
// RegisterHost call from that hostname.
type Host struct {
	HostID     string     `json:"host_id"`
	Hostname   string     `json:"hostname"`
	Platform   string     `json:"platform,omitempty"`
	RigVersion string     `json:"rig_version,omitempty"`
	LastSeen   *time.Time `json:"last_seen,omitempty"`
	Status     HostStatus `json:"status"`
}

// Report maps to the `reports` table: one collected archive handed off by a
// rig's sos action, as relayed through internal/transport.
type Report struct {
	ReportID    string          `json:"report_id"`
	HostID      string          `json:"host_id"`
	RigName     string          `json:"rig_name"`
	Timestamp   time.Time       `json:"timestamp"`
	ArchivePath string          `json:"archive_path"`
	Detail      json.RawMessage `json:"detail,omitempty"`
	ReceivedAt  time.Time       `json:"received_at"`
}

// ReportQuery carries the filter and pagination parameters for QueryReports.
//
// From and To are mandatory and bracket the received_at column, so the same
// partition-pruning shape applies once the reports table is itself
// partitioned by received_at. Limit defaults to 100 when <= 0.
type ReportQuery struct {
	HostID string
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}
