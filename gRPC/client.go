package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"

	"PotholeDetServer/report"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const DefaultChunkSize = 64 * 1024

type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Detect streams video in chunks of chunkSize bytes and waits for the report.
func (c *Client) Detect(ctx context.Context, video io.Reader, chunkSize int, opts ...grpc.CallOption) (report.Report, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	cs, err := c.cc.NewStream(ctx, &ReportService_ServiceDesc.Streams[0], detectMethod, opts...)
	if err != nil {
		return report.Report{}, err
	}
	stream := &grpc.GenericClientStream[wrapperspb.BytesValue, structpb.Struct]{ClientStream: cs}

	buf := make([]byte, chunkSize)
	for {
		n, rerr := video.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if err := stream.Send(wrapperspb.Bytes(chunk)); err != nil {
				if errors.Is(err, io.EOF) {
					// the server already answered; the status comes from CloseAndRecv
					break
				}
				return report.Report{}, err
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return report.Report{}, fmt.Errorf("read video: %w", rerr)
		}
	}
	out, err := stream.CloseAndRecv()
	if err != nil {
		return report.Report{}, err
	}
	return structToReport(out)
}

func (c *Client) GetReport(ctx context.Context, videoID string, opts ...grpc.CallOption) (report.Report, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, getReportMethod, wrapperspb.String(videoID), out, opts...); err != nil {
		return report.Report{}, err
	}
	return structToReport(out)
}

func (c *Client) ListReports(ctx context.Context, limit int32, opts ...grpc.CallOption) ([]report.Report, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, listReportsMethod, wrapperspb.Int32(limit), out, opts...); err != nil {
		return nil, err
	}
	reps := make([]report.Report, 0, len(out.GetValues()))
	for _, v := range out.GetValues() {
		r, err := structToReport(v.GetStructValue())
		if err != nil {
			return nil, err
		}
		reps = append(reps, r)
	}
	return reps, nil
}

func (c *Client) Shutdown(ctx context.Context, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, shutdownMethod, &emptypb.Empty{}, new(emptypb.Empty), opts...)
}
