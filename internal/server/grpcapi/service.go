// Package grpcapi serves snapshot reads over gRPC. Messages are
// google.protobuf.Struct so no generated code is needed.
package grpcapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alanyoungcy/klinestream/internal/candles"
	"github.com/alanyoungcy/klinestream/internal/domain"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "klinestream.v1.CandleService"

// CandleServiceServer is the server API.
type CandleServiceServer interface {
	GetClosed(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetOpen(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetLastPrice(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func unaryHandler(method string, call func(CandleServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(CandleServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(CandleServiceServer), ctx, req.(*structpb.Struct))
		})
	}
}

// ServiceDesc describes CandleService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CandleServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetClosed", Handler: unaryHandler("GetClosed", CandleServiceServer.GetClosed)},
		{MethodName: "GetOpen", Handler: unaryHandler("GetOpen", CandleServiceServer.GetOpen)},
		{MethodName: "GetLastPrice", Handler: unaryHandler("GetLastPrice", CandleServiceServer.GetLastPrice)},
	},
	Metadata: "klinestream/v1/candles.proto",
}

// CandleService implements CandleServiceServer over a snapshot.
type CandleService struct {
	snap *candles.Snapshot
}

// NewCandleService creates a CandleService.
func NewCandleService(snap *candles.Snapshot) *CandleService {
	return &CandleService{snap: snap}
}

type seriesRequest struct {
	symbol string
	iv     domain.Interval
	limit  int
}

func parseSeries(req *structpb.Struct) (seriesRequest, error) {
	f := req.GetFields()
	sym := strings.ToUpper(f["symbol"].GetStringValue())
	if sym == "" {
		return seriesRequest{}, status.Error(codes.InvalidArgument, "symbol is required")
	}
	iv, err := domain.ParseInterval(f["interval"].GetStringValue())
	if err != nil {
		return seriesRequest{}, status.Error(codes.InvalidArgument, err.Error())
	}
	limit := f["limit"].GetNumberValue()
	if limit < 0 {
		return seriesRequest{}, status.Error(codes.InvalidArgument, "limit must be >= 0")
	}
	return seriesRequest{symbol: sym, iv: iv, limit: int(limit)}, nil
}

// GetClosed returns the newest closed candles of a series.
func (s *CandleService) GetClosed(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sr, err := parseSeries(req)
	if err != nil {
		return nil, err
	}
	seq, err := s.snap.ClosedLast(sr.symbol, sr.iv, sr.limit)
	if err != nil {
		return nil, snapshotStatus(err)
	}
	return seriesResponse(sr, seq)
}

// GetOpen returns the in-progress ticks of a series.
func (s *CandleService) GetOpen(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sr, err := parseSeries(req)
	if err != nil {
		return nil, err
	}
	seq, err := s.snap.Open(sr.symbol, sr.iv)
	if err != nil {
		return nil, snapshotStatus(err)
	}
	if sr.limit > 0 && len(seq) > sr.limit {
		seq = seq[len(seq)-sr.limit:]
	}
	return seriesResponse(sr, seq)
}

// GetLastPrice returns the newest live price, or that of "symbol" if set.
func (s *CandleService) GetLastPrice(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var (
		lp  domain.LivePrice
		ok  bool
		err error
	)
	if sym := strings.ToUpper(req.GetFields()["symbol"].GetStringValue()); sym != "" {
		lp, ok, err = s.snap.PriceOf(sym)
	} else {
		lp, ok, err = s.snap.LastPrice()
	}
	if err != nil {
		return nil, snapshotStatus(err)
	}
	if !ok {
		return nil, status.Error(codes.NotFound, "no price yet")
	}
	return structpb.NewStruct(map[string]any{
		"symbol": lp.Symbol,
		"price":  lp.Price,
		"at":     lp.At.UTC().Format(time.RFC3339Nano),
	})
}

func seriesResponse(sr seriesRequest, seq []domain.Candle) (*structpb.Struct, error) {
	list := make([]any, len(seq))
	for i, c := range seq {
		list[i] = map[string]any{
			"open_time": c.OpenTime.UTC().Format(time.RFC3339),
			"open":      c.Open,
			"high":      c.High,
			"low":       c.Low,
			"close":     c.Close,
			"volume":    c.Volume,
		}
	}
	out, err := structpb.NewStruct(map[string]any{
		"symbol":   sr.symbol,
		"interval": sr.iv.Token(),
		"candles":  list,
	})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func snapshotStatus(err error) error {
	if errors.Is(err, domain.ErrSnapshotPoisoned) {
		return status.Error(codes.Unavailable, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// LoggingInterceptor logs every unary call with its code and duration.
func LoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.InfoContext(ctx, "grpc request",
			slog.String("method", info.FullMethod),
			slog.String("code", status.Code(err).String()),
			slog.Duration("duration", time.Since(start)),
		)
		return resp, err
	}
}

// NewServer creates a grpc.Server with CandleService registered.
func NewServer(svc CandleServiceServer, logger *slog.Logger) *grpc.Server {
	srv := grpc.NewServer(grpc.UnaryInterceptor(LoggingInterceptor(logger)))
	srv.RegisterService(&ServiceDesc, svc)
	return srv
}

// Client calls CandleService.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, req, out); err != nil {
		return nil, fmt.Errorf("grpcapi: %s: %w", method, err)
	}
	return out, nil
}

// GetClosed calls CandleService/GetClosed.
func (c *Client) GetClosed(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetClosed", req)
}

// GetOpen calls CandleService/GetOpen.
func (c *Client) GetOpen(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetOpen", req)
}

// GetLastPrice calls CandleService/GetLastPrice.
func (c *Client) GetLastPrice(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetLastPrice", req)
}
