package rest

import (
	"context"

	"github.com/tripwire/rig/internal/aggregator/storage"
)

// Store is the subset of storage.Store methods used by the REST handlers,
// defined as an interface so handlers can be tested against a mock store
// without a live PostgreSQL connection.
type Store interface {
	// QueryReports returns reports matching the given filter and pagination
	// parameters.
	QueryReports(ctx context.Context, q storage.ReportQuery) ([]storage.Report, error)

	// ListHosts returns all registered hosts ordered alphabetically by
	// hostname.
	ListHosts(ctx context.Context) ([]storage.Host, error)
}
