package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordSender struct {
	mu     sync.Mutex
	titles []string
	err    error
}

func (r *recordSender) Send(_ context.Context, title, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	return r.err
}

func (r *recordSender) Name() string { return "record" }

type countLimiter struct{ n int }

func (c *countLimiter) Allow(_ context.Context, _ string, limit int, _ time.Duration) (bool, error) {
	c.n++
	return c.n <= limit, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifierFilter(t *testing.T) {
	s := &recordSender{}
	n := NewNotifier([]Sender{s}, []string{EventGap, " "}, discardLogger())

	require.NoError(t, n.Notify(context.Background(), EventFill, "fill", ""))
	require.NoError(t, n.Notify(context.Background(), EventGap, "gap", ""))
	require.NoError(t, n.NotifyAll(context.Background(), "all", ""))
	assert.Equal(t, []string{"gap", "all"}, s.titles)
}

func TestNotifierRateLimit(t *testing.T) {
	s := &recordSender{}
	n := NewNotifier([]Sender{s}, nil, discardLogger()).WithRateLimit(&countLimiter{}, 2, time.Minute)

	for i := 0; i < 5; i++ {
		require.NoError(t, n.Notify(context.Background(), EventDisconnect, "down", ""))
	}
	assert.Len(t, s.titles, 2)
}

func TestNotifierCollectsSenderErrors(t *testing.T) {
	boom := errors.New("boom")
	bad := &recordSender{err: boom}
	good := &recordSender{}
	n := NewNotifier([]Sender{bad, good}, nil, discardLogger())

	err := n.NotifyAll(context.Background(), "t", "m")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"t"}, good.titles)
}

func TestNotifierWithoutSenders(t *testing.T) {
	var n *Notifier
	assert.False(t, n.Enabled())
	assert.NoError(t, n.Notify(context.Background(), EventGap, "x", "y"))
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender(srv.URL+"/", "TOKEN", "42")
	require.NoError(t, s.Send(context.Background(), "Gap", "BTCUSDT 1m"))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*Gap*\nBTCUSDT 1m", got["text"])
}

func TestDiscordSenderStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 400")
}

func TestDiscordSenderEmbed(t *testing.T) {
	var got discordPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscordSender(srv.URL)
	d.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }

	long := strings.Repeat("x", discordDescriptionMax+10)
	require.NoError(t, d.Send(context.Background(), "Candle gap", long))

	require.Len(t, got.Embeds, 1)
	assert.Equal(t, "klinestream", got.Username)
	assert.Equal(t, "Candle gap", got.Embeds[0].Title)
	assert.Equal(t, "2024-03-01T12:00:00Z", got.Embeds[0].Timestamp)
	assert.Len(t, []rune(got.Embeds[0].Description), discordDescriptionMax)
}

func TestDiscordSenderRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry after 2s")
}
