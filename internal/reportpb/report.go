// Package reportpb defines the wire contract used to upload rig reports to
// the report aggregator: host registration and report upload, plus the
// gRPC service wiring for both ends.
//
// The corpus's own alert service is generated from a .proto file via
// protoc-gen-go/protoc-gen-go-grpc, but
// neither the generated package nor any .proto source ships in the
// retrieved tree — only a go:generate stub pointing at tooling that is not
// available here. Rather than commit a second uncompiled service in the
// same state, this package is hand-written directly against
// google.golang.org/grpc's low-level ServiceDesc/ClientConnInterface API,
// using google.golang.org/protobuf's structpb.Struct as the wire message.
// structpb.Struct already ships fully generated (reflection, wire codec,
// the works) inside the protobuf module itself, so no protoc invocation is
// needed to get a real proto.Message on the wire; see proto/report.proto
// for the interface described as protobuf IDL.
package reportpb

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName        = "reportpb.ReportService"
	registerHostMethod = "/reportpb.ReportService/RegisterHost"
	uploadReportMethod = "/reportpb.ReportService/UploadReport"
)

// HostRegistration is sent once per aggregator connection to establish a
// stable host identity before any reports are uploaded.
type HostRegistration struct {
	Hostname   string
	Platform   string
	RigVersion string
}

func (r *HostRegistration) toStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"hostname":    r.Hostname,
		"platform":    r.Platform,
		"rig_version": r.RigVersion,
	})
}

func hostRegistrationFromStruct(s *structpb.Struct) *HostRegistration {
	f := s.GetFields()
	return &HostRegistration{
		Hostname:   f["hostname"].GetStringValue(),
		Platform:   f["platform"].GetStringValue(),
		RigVersion: f["rig_version"].GetStringValue(),
	}
}

// HostRegistrationAck carries the stable host_id assigned by the
// aggregator. A reconnect under the same hostname receives the same
// host_id back.
type HostRegistrationAck struct {
	HostID              string
	ServerTimeUnixMicro int64
}

func (a *HostRegistrationAck) toStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"host_id":                a.HostID,
		"server_time_unix_micro": float64(a.ServerTimeUnixMicro),
	})
}

func hostRegistrationAckFromStruct(s *structpb.Struct) *HostRegistrationAck {
	f := s.GetFields()
	return &HostRegistrationAck{
		HostID:              f["host_id"].GetStringValue(),
		ServerTimeUnixMicro: int64(f["server_time_unix_micro"].GetNumberValue()),
	}
}

// ReportUpload is one archive handed off to the aggregator, produced by the
// sos action's collect mode after being dequeued from a rig's reportqueue.
type ReportUpload struct {
	HostID      string
	RigName     string
	TimestampUS int64
	ArchivePath string
	Detail      map[string]any
}

func (u *ReportUpload) toStruct() (*structpb.Struct, error) {
	detail, err := structpb.NewStruct(u.Detail)
	if err != nil {
		return nil, fmt.Errorf("reportpb: detail: %w", err)
	}
	return structpb.NewStruct(map[string]any{
		"host_id":      u.HostID,
		"rig_name":     u.RigName,
		"timestamp_us": float64(u.TimestampUS),
		"archive_path": u.ArchivePath,
		"detail":       detail.AsMap(),
	})
}

func reportUploadFromStruct(s *structpb.Struct) *ReportUpload {
	f := s.GetFields()
	var detail map[string]any
	if d := f["detail"].GetStructValue(); d != nil {
		detail = d.AsMap()
	}
	return &ReportUpload{
		HostID:      f["host_id"].GetStringValue(),
		RigName:     f["rig_name"].GetStringValue(),
		TimestampUS: int64(f["timestamp_us"].GetNumberValue()),
		ArchivePath: f["archive_path"].GetStringValue(),
		Detail:      detail,
	}
}

// ReportAck is the aggregator's response to UploadReport.
type ReportAck struct {
	OK    bool
	Error string
}

func (a *ReportAck) toStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"ok":    a.OK,
		"error": a.Error,
	})
}

func reportAckFromStruct(s *structpb.Struct) *ReportAck {
	f := s.GetFields()
	return &ReportAck{
		OK:    f["ok"].GetBoolValue(),
		Error: f["error"].GetStringValue(),
	}
}

// ReportServiceServer is the contract internal/aggregator/grpcsvc implements.
type ReportServiceServer interface {
	RegisterHost(ctx context.Context, req *HostRegistration) (*HostRegistrationAck, error)
	UploadReport(ctx context.Context, req *ReportUpload) (*ReportAck, error)
}

// ReportServiceClient is the contract internal/transport consumes.
type ReportServiceClient interface {
	RegisterHost(ctx context.Context, req *HostRegistration) (*HostRegistrationAck, error)
	UploadReport(ctx context.Context, req *ReportUpload) (*ReportAck, error)
}

// RegisterReportServiceServer registers srv with s, the same role
// protoc-gen-go-grpc's generated RegisterReportServiceServer would play.
func RegisterReportServiceServer(s grpc.ServiceRegistrar, srv ReportServiceServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ReportServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "RegisterHost",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				in := new(structpb.Struct)
				if err := dec(in); err != nil {
					return nil, err
				}
				req := hostRegistrationFromStruct(in)
				if interceptor == nil {
					resp, err := srv.(ReportServiceServer).RegisterHost(ctx, req)
					if err != nil {
						return nil, err
					}
					return resp.toStruct()
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: registerHostMethod}
				handler := func(ctx context.Context, req any) (any, error) {
					resp, err := srv.(ReportServiceServer).RegisterHost(ctx, req.(*HostRegistration))
					if err != nil {
						return nil, err
					}
					return resp.toStruct()
				}
				return interceptor(ctx, req, info, handler)
			},
		},
		{
			MethodName: "UploadReport",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				in := new(structpb.Struct)
				if err := dec(in); err != nil {
					return nil, err
				}
				req := reportUploadFromStruct(in)
				if interceptor == nil {
					resp, err := srv.(ReportServiceServer).UploadReport(ctx, req)
					if err != nil {
						return nil, err
					}
					return resp.toStruct()
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: uploadReportMethod}
				handler := func(ctx context.Context, req any) (any, error) {
					resp, err := srv.(ReportServiceServer).UploadReport(ctx, req.(*ReportUpload))
					if err != nil {
						return nil, err
					}
					return resp.toStruct()
				}
				return interceptor(ctx, req, info, handler)
			},
		},
	},
	Metadata: "report.proto",
}

type reportServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewReportServiceClient wraps cc, the same role protoc-gen-go-grpc's
// generated NewReportServiceClient would play.
func NewReportServiceClient(cc grpc.ClientConnInterface) ReportServiceClient {
	return &reportServiceClient{cc: cc}
}

func (c *reportServiceClient) RegisterHost(ctx context.Context, req *HostRegistration) (*HostRegistrationAck, error) {
	in, err := req.toStruct()
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, registerHostMethod, in, out); err != nil {
		return nil, err
	}
	return hostRegistrationAckFromStruct(out), nil
}

func (c *reportServiceClient) UploadReport(ctx context.Context, req *ReportUpload) (*ReportAck, error) {
	in, err := req.toStruct()
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, uploadReportMethod, in, out); err != nil {
		return nil, err
	}
	return reportAckFromStruct(out), nil
}
