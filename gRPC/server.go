package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"PotholeDetServer/detect"
	"PotholeDetServer/monitor"
	"PotholeDetServer/pipeline"
	"PotholeDetServer/report"
	"PotholeDetServer/risk"
	"PotholeDetServer/storage"
	"PotholeDetServer/store"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

var errTooLarge = errors.New("upload exceeds the maximum size")

// Reports is the operation set served over gRPC. detect.Service implements it.
type Reports interface {
	Process(ctx context.Context, upload io.Reader) (report.Report, error)
	Find(ctx context.Context, videoID string) (report.Report, error)
	List(ctx context.Context, limit int) ([]report.Report, error)
}

type Server struct {
	reports   Reports
	maxUpload int64
	log       *zap.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

func NewServer(reports Reports, maxUpload int64, log *zap.Logger) *Server {
	return &Server{
		reports:   reports,
		maxUpload: maxUpload,
		log:       log,
		closed:    make(chan struct{}),
	}
}

// Done is closed once a client has asked the server to shut down.
func (s *Server) Done() <-chan struct{} {
	return s.closed
}

func (s *Server) Detect(stream DetectStream) error {
	rep, err := s.reports.Process(stream.Context(), &chunkReader{stream: stream, limit: s.maxUpload})
	if err != nil {
		monitor.RequestsTotal.WithLabelValues("grpc", "error").Inc()
		s.log.Error("detect failed", zap.Error(err))
		return toStatus(err)
	}
	monitor.RequestsTotal.WithLabelValues("grpc", "ok").Inc()
	out, err := reportToStruct(rep)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	return stream.SendAndClose(out)
}

func (s *Server) GetReport(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if req.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "video id cannot be empty")
	}
	rep, err := s.reports.Find(ctx, req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return reportToStruct(rep)
}

func (s *Server) ListReports(ctx context.Context, req *wrapperspb.Int32Value) (*structpb.ListValue, error) {
	reps, err := s.reports.List(ctx, int(req.GetValue()))
	if err != nil {
		return nil, toStatus(err)
	}
	out := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(reps))}
	for _, rep := range reps {
		st, err := reportToStruct(rep)
		if err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
		out.Values = append(out.Values, structpb.NewStructValue(st))
	}
	return out, nil
}

func (s *Server) Shutdown(ctx context.Context, req *emptypb.Empty) (*emptypb.Empty, error) {
	s.log.Warn("shutdown requested over gRPC")
	s.closeOnce.Do(func() { close(s.closed) })
	return &emptypb.Empty{}, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, detect.ErrNoVideo):
		return status.Error(codes.InvalidArgument, "No video uploaded")
	case errors.Is(err, errTooLarge):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, risk.ErrNoFrames), errors.Is(err, pipeline.ErrOpenVideo), errors.Is(err, storage.ErrInvalidKey):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, store.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Internal, err.Error())
}

func reportToStruct(r report.Report) (*structpb.Struct, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, fmt.Errorf("convert report: %w", err)
	}
	return out, nil
}

func structToReport(s *structpb.Struct) (report.Report, error) {
	var r report.Report
	b, err := protojson.Marshal(s)
	if err != nil {
		return r, err
	}
	err = json.Unmarshal(b, &r)
	return r, err
}

// StartGRPCServer serves srv on port in the background.
func StartGRPCServer(port int, srv *Server) (*grpc.Server, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", port, err)
	}
	s := grpc.NewServer()
	RegisterReportServiceServer(s, srv)
	go func() {
		srv.log.Info("gRPC server listening", zap.Int("port", port))
		if err := s.Serve(lis); err != nil {
			srv.log.Error("gRPC server stopped", zap.Error(err))
		}
	}()
	return s, nil
}
