// Package grpcsvc implements the report aggregator's gRPC service: it
// satisfies reportpb.ReportServiceServer and wires together the storage
// layer (PostgreSQL) and the WebSocket broadcaster for real-time report
// fan-out to dashboard clients.
//
// Lifecycle
//
//	srv := grpcsvc.NewServer(store, broadcaster, logger)
//	gs := grpc.NewServer()
//	reportpb.RegisterReportServiceServer(gs, srv)
//	gs.Serve(listener)
package grpcsvc

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tripwire/rig/internal/aggregator/storage"
	"github.com/tripwire/rig/internal/aggregator/wsbroadcast"
	"github.com/tripwire/rig/internal/reportpb"
)

// Store is the subset of storage.Store methods used by the gRPC server.
// Defined as an interface so tests can substitute a fake.
type Store interface {
	// UpsertHost persists the host record and returns the stable host_id
	// stored in the database. On a hostname conflict the existing host_id
	// is returned so report correlation survives a rig reconnect.
	UpsertHost(ctx context.Context, h storage.Host) (string, error)
	BatchInsertReports(ctx context.Context, report storage.Report) error
}

// Server implements reportpb.ReportServiceServer.
type Server struct {
	store       Store
	broadcaster *wsbroadcast.Broadcaster
	logger      *slog.Logger
}

// NewServer creates a Server wired to store and broadcaster.
func NewServer(store Store, broadcaster *wsbroadcast.Broadcaster, logger *slog.Logger) *Server {
	return &Server{store: store, broadcaster: broadcaster, logger: logger}
}

// RegisterHost handles the RegisterHost RPC: it upserts the host record and
// returns the stable host_id a rig's transport client must embed in every
// subsequent UploadReport call. A rig reconnecting under the same hostname
// receives the same host_id back so its historical reports stay correlated.
func (s *Server) RegisterHost(ctx context.Context, req *reportpb.HostRegistration) (*reportpb.HostRegistrationAck, error) {
	if req.Hostname == "" {
		return nil, status.Error(codes.InvalidArgument, "hostname is required")
	}

	candidateID := uuid.NewString()
	now := time.Now().UTC()

	h := storage.Host{
		HostID:     candidateID,
		Hostname:   req.Hostname,
		Platform:   req.Platform,
		RigVersion: req.RigVersion,
		LastSeen:   &now,
		Status:     storage.HostStatusOnline,
	}

	effectiveHostID, err := s.store.UpsertHost(ctx, h)
	if err != nil {
		s.logger.Error("grpcsvc: UpsertHost failed",
			slog.String("hostname", req.Hostname),
			slog.Any("error", err),
		)
		return nil, status.Errorf(codes.Internal, "register host: %v", err)
	}

	s.logger.Info("host registered",
		slog.String("hostname", req.Hostname),
		slog.String("host_id", effectiveHostID),
		slog.String("platform", req.Platform),
		slog.String("rig_version", req.RigVersion),
	)

	return &reportpb.HostRegistrationAck{
		HostID:              effectiveHostID,
		ServerTimeUnixMicro: time.Now().UnixMicro(),
	}, nil
}

// UploadReport handles the UploadReport RPC: validates the upload, persists
// it via the batched storage path, and fans it out to WebSocket clients.
func (s *Server) UploadReport(ctx context.Context, req *reportpb.ReportUpload) (*reportpb.ReportAck, error) {
	if req.HostID == "" {
		return &reportpb.ReportAck{OK: false, Error: "host_id is required"}, nil
	}
	if req.ArchivePath == "" {
		return &reportpb.ReportAck{OK: false, Error: "archive_path is required"}, nil
	}

	var ts time.Time
	if req.TimestampUS > 0 {
		ts = time.UnixMicro(req.TimestampUS).UTC()
	} else {
		ts = time.Now().UTC()
	}
	receivedAt := time.Now().UTC()

	detail, err := json.Marshal(req.Detail)
	if err != nil {
		detail = json.RawMessage("null")
	}

	report := storage.Report{
		ReportID:    uuid.NewString(),
		HostID:      req.HostID,
		RigName:     req.RigName,
		Timestamp:   ts,
		ArchivePath: req.ArchivePath,
		Detail:      detail,
		ReceivedAt:  receivedAt,
	}

	if err := s.store.BatchInsertReports(ctx, report); err != nil {
		s.logger.Error("grpcsvc: BatchInsertReports failed",
			slog.String("host_id", req.HostID),
			slog.String("archive_path", req.ArchivePath),
			slog.Any("error", err),
		)
		return &reportpb.ReportAck{OK: false, Error: "storage error"}, nil
	}

	s.logger.Info("report ingested",
		slog.String("report_id", report.ReportID),
		slog.String("host_id", req.HostID),
		slog.String("rig_name", req.RigName),
		slog.String("archive_path", req.ArchivePath),
	)

	s.broadcaster.Publish(report)

	return &reportpb.ReportAck{OK: true}, nil
}
