package grpcapi

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alanyoungcy/klinestream/internal/candles"
	"github.com/alanyoungcy/klinestream/internal/domain"
)

func newTestClient(t *testing.T, snap *candles.Snapshot) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(NewCandleService(snap), slog.New(slog.NewTextHandler(io.Discard, nil)))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn)
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	require.NoError(t, err)
	return s
}

func seededSnapshot(t *testing.T) *candles.Snapshot {
	t.Helper()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	snap := candles.NewSnapshot()
	require.NoError(t, snap.Update(func(tx *candles.Tx) error {
		for i := 0; i < 3; i++ {
			tx.CloseBucket("BTCUSDT", domain.Interval1m, domain.Candle{
				OpenTime: base.Add(time.Duration(i) * time.Minute), Open: 1, High: 2, Low: 0.5, Close: float64(i), Volume: 1,
			})
		}
		tx.PushOpen("BTCUSDT", domain.Interval1m, domain.Candle{OpenTime: base.Add(3 * time.Minute), Close: 9})
		tx.SetLastPrice(domain.LivePrice{Symbol: "BTCUSDT", Price: 9, At: base.Add(3 * time.Minute)})
		return nil
	}))
	return snap
}

func TestGetClosed(t *testing.T) {
	c := newTestClient(t, seededSnapshot(t))
	ctx := context.Background()

	resp, err := c.GetClosed(ctx, mustStruct(t, map[string]any{"symbol": "btcusdt", "interval": "1m", "limit": 2}))
	require.NoError(t, err)
	list := resp.GetFields()["candles"].GetListValue().GetValues()
	require.Len(t, list, 2)
	assert.Equal(t, 2.0, list[1].GetStructValue().GetFields()["close"].GetNumberValue())
	assert.Equal(t, "2024-01-01T00:02:00Z", list[1].GetStructValue().GetFields()["open_time"].GetStringValue())
}

func TestGetOpenAndPrice(t *testing.T) {
	c := newTestClient(t, seededSnapshot(t))
	ctx := context.Background()

	resp, err := c.GetOpen(ctx, mustStruct(t, map[string]any{"symbol": "BTCUSDT", "interval": "1m"}))
	require.NoError(t, err)
	assert.Len(t, resp.GetFields()["candles"].GetListValue().GetValues(), 1)

	price, err := c.GetLastPrice(ctx, &structpb.Struct{})
	require.NoError(t, err)
	assert.Equal(t, 9.0, price.GetFields()["price"].GetNumberValue())
}

func TestInvalidArguments(t *testing.T) {
	c := newTestClient(t, candles.NewSnapshot())
	ctx := context.Background()

	_, err := c.GetClosed(ctx, mustStruct(t, map[string]any{"symbol": "BTCUSDT", "interval": "7m"}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = c.GetClosed(ctx, mustStruct(t, map[string]any{"interval": "1m"}))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = c.GetLastPrice(ctx, &structpb.Struct{})
	assert.Equal(t, codes.NotFound, status.Code(err))
}
