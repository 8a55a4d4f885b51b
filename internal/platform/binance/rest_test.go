package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/klinestream/internal/domain"
)

func TestFetchKlinesPagesAndDropsOpenBucket(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	const total = maxKlineLimit + 5
	var calls int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, klinePath, r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "1m", r.URL.Query().Get("interval"))
		assert.Equal(t, "key", r.Header.Get("X-MBX-APIKEY"))

		start, _ := strconv.ParseInt(r.URL.Query().Get("startTime"), 10, 64)
		first := int((start - base.UnixMilli() + 59_999) / 60_000)
		w.Write([]byte("["))
		n := 0
		for i := first; i < total && n < maxKlineLimit; i++ {
			if n > 0 {
				w.Write([]byte(","))
			}
			open := base.Add(time.Duration(i) * time.Minute).UnixMilli()
			fmt.Fprintf(w, `[%d,"1.0","2.0","0.5","1.5","10",%d,"0",1,"0","0","0"]`, open, open+59_999)
			n++
		}
		w.Write([]byte("]"))
	}))
	defer srv.Close()

	c := NewKlineClient(srv.URL, "key")
	// The last candle is still open.
	c.now = func() time.Time { return base.Add((total - 1) * time.Minute) }

	got, err := c.FetchKlines(context.Background(), "btcusdt", domain.Interval1m, base, base.Add(total*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	require.Len(t, got, total-1)
	assert.Equal(t, base, got[0].OpenTime)
	assert.Equal(t, 1.5, got[0].Close)
	assert.Equal(t, base.Add((total-2)*time.Minute), got[len(got)-1].OpenTime)
}

func TestFetchKlinesStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "banned", http.StatusTeapot)
	}))
	defer srv.Close()

	_, err := NewKlineClient(srv.URL, "").FetchKlines(context.Background(), "BTCUSDT", domain.Interval1h,
		time.Unix(0, 0), time.Unix(3600, 0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status")
}

func TestParseRESTKlinesMalformed(t *testing.T) {
	row := func(fields ...string) []json.RawMessage {
		out := make([]json.RawMessage, len(fields))
		for i, f := range fields {
			out[i] = json.RawMessage(f)
		}
		return out
	}

	_, err := parseRESTKlines([][]json.RawMessage{row("1", `"1"`)})
	assert.ErrorIs(t, err, domain.ErrMalformedFrame)

	_, err = parseRESTKlines([][]json.RawMessage{row("1", `"1"`, `"x"`, `"1"`, `"1"`, `"1"`, "2")})
	var mf *domain.MalformedFrameError
	require.ErrorAs(t, err, &mf)
	assert.Equal(t, "[0][2]", mf.Field)
}
