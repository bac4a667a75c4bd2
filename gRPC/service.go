// Package rpc exposes the report service over gRPC. Messages are protobuf
// well-known types, so the service descriptor is declared by hand.
package rpc

import (
	"context"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName = "potholedet.ReportService"

	detectMethod      = "/" + ServiceName + "/Detect"
	getReportMethod   = "/" + ServiceName + "/GetReport"
	listReportsMethod = "/" + ServiceName + "/ListReports"
	shutdownMethod    = "/" + ServiceName + "/Shutdown"
)

type DetectStream = grpc.ClientStreamingServer[wrapperspb.BytesValue, structpb.Struct]

type ReportServiceServer interface {
	// Detect receives a video as a stream of chunks and answers with the report.
	Detect(DetectStream) error
	GetReport(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	ListReports(context.Context, *wrapperspb.Int32Value) (*structpb.ListValue, error)
	Shutdown(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

func RegisterReportServiceServer(s grpc.ServiceRegistrar, srv ReportServiceServer) {
	s.RegisterService(&ReportService_ServiceDesc, srv)
}

func _ReportService_Detect_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(ReportServiceServer).Detect(&grpc.GenericServerStream[wrapperspb.BytesValue, structpb.Struct]{ServerStream: stream})
}

func _ReportService_GetReport_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReportServiceServer).GetReport(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getReportMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ReportServiceServer).GetReport(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _ReportService_ListReports_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.Int32Value)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReportServiceServer).ListReports(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: listReportsMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ReportServiceServer).ListReports(ctx, req.(*wrapperspb.Int32Value))
	}
	return interceptor(ctx, in, info, handler)
}

func _ReportService_Shutdown_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReportServiceServer).Shutdown(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: shutdownMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ReportServiceServer).Shutdown(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

var ReportService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ReportServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetReport", Handler: _ReportService_GetReport_Handler},
		{MethodName: "ListReports", Handler: _ReportService_ListReports_Handler},
		{MethodName: "Shutdown", Handler: _ReportService_Shutdown_Handler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Detect",
			Handler:       _ReportService_Detect_Handler,
			ClientStreams: true,
		},
	},
	Metadata: "potholedet/report.proto",
}

// chunkReader turns the Detect stream into an io.Reader, failing once more
// than limit bytes have arrived.
type chunkReader struct {
	stream DetectStream
	buf    []byte
	read   int64
	limit  int64
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		msg, err := r.stream.Recv()
		if err != nil {
			return 0, err
		}
		r.buf = msg.GetValue()
		r.read += int64(len(r.buf))
		if r.limit > 0 && r.read > r.limit {
			return 0, errTooLarge
		}
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

var _ io.Reader = (*chunkReader)(nil)
