package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/klinestream/internal/domain"
)

const (
	defaultRESTURL = "https://api.binance.com"
	klinePath      = "/api/v3/klines"
	maxKlineLimit  = 1000
)

// KlineClient fetches closed historical klines over REST.
type KlineClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	now     func() time.Time
}

// NewKlineClient creates a KlineClient. An empty baseURL targets the public
// spot API.
func NewKlineClient(baseURL, apiKey string) *KlineClient {
	if baseURL == "" {
		baseURL = defaultRESTURL
	}
	return &KlineClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 15 * time.Second},
		now:     time.Now,
	}
}

// FetchKlines returns every closed candle with open time in [from, to),
// paging until the range is covered. The still-open last bucket is left out.
func (k *KlineClient) FetchKlines(ctx context.Context, symbol string, iv domain.Interval, from, to time.Time) ([]domain.Candle, error) {
	startMs, endMs := from.UnixMilli(), to.UnixMilli()-1
	now := k.now().UnixMilli()
	var out []domain.Candle

	for startMs <= endMs {
		batch, err := k.fetchBatch(ctx, symbol, iv, startMs, endMs)
		if err != nil {
			return nil, err
		}
		for _, b := range batch {
			if b.closeMs < now {
				out = append(out, b.Candle)
			}
		}
		if len(batch) < maxKlineLimit {
			break
		}
		startMs = batch[len(batch)-1].OpenTime.UnixMilli() + 1
	}
	return out, nil
}

type restKline struct {
	domain.Candle
	closeMs int64
}

func (k *KlineClient) fetchBatch(ctx context.Context, symbol string, iv domain.Interval, startMs, endMs int64) ([]restKline, error) {
	u, err := url.Parse(k.baseURL + klinePath)
	if err != nil {
		return nil, fmt.Errorf("binance: parse url: %w", err)
	}
	q := u.Query()
	q.Set("symbol", strings.ToUpper(symbol))
	q.Set("interval", iv.Token())
	q.Set("startTime", strconv.FormatInt(startMs, 10))
	q.Set("endTime", strconv.FormatInt(endMs, 10))
	q.Set("limit", strconv.Itoa(maxKlineLimit))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("binance: build request: %w", err)
	}
	if k.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", k.apiKey)
	}

	resp, err := k.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("binance: http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("binance: klines %s %s: unexpected status %s", symbol, iv.Token(), resp.Status)
	}

	var raw [][]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("binance: decode klines: %w", err)
	}
	return parseRESTKlines(raw)
}

// parseRESTKlines reads the array layout
// [openTime, open, high, low, close, volume, closeTime, ...].
func parseRESTKlines(raw [][]json.RawMessage) ([]restKline, error) {
	out := make([]restKline, 0, len(raw))
	for i, r := range raw {
		if len(r) < 7 {
			return nil, &domain.MalformedFrameError{Field: fmt.Sprintf("[%d]", i), Reason: fmt.Sprintf("%d fields, want at least 7", len(r))}
		}
		var (
			openMs, closeMs int64
			vals            [5]float64
		)
		if err := json.Unmarshal(r[0], &openMs); err != nil {
			return nil, &domain.MalformedFrameError{Field: fmt.Sprintf("[%d][0]", i), Reason: "open time"}
		}
		if err := json.Unmarshal(r[6], &closeMs); err != nil {
			return nil, &domain.MalformedFrameError{Field: fmt.Sprintf("[%d][6]", i), Reason: "close time"}
		}
		for j := range vals {
			var s string
			if err := json.Unmarshal(r[j+1], &s); err != nil {
				return nil, &domain.MalformedFrameError{Field: fmt.Sprintf("[%d][%d]", i, j+1), Reason: "expected numeric string"}
			}
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, &domain.MalformedFrameError{Field: fmt.Sprintf("[%d][%d]", i, j+1), Reason: err.Error()}
			}
			vals[j] = v
		}
		out = append(out, restKline{
			Candle: domain.Candle{
				OpenTime: time.UnixMilli(openMs).UTC(),
				Open: vals[0], High: vals[1], Low: vals[2], Close: vals[3], Volume: vals[4],
			},
			closeMs: closeMs,
		})
	}
	return out, nil
}
