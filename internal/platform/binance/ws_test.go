package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialerSendReceive(t *testing.T) {
	upgrader := websocket.Upgrader{}
	gotKey := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey <- r.Header.Get("X-MBX-APIKEY")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	d := NewDialer(wsURL, "key-123")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := d.Connect(ctx)
	require.NoError(t, err)
	assert.Equal(t, "key-123", <-gotKey)

	require.NoError(t, conn.Send([]byte(`{"method":"SUBSCRIBE","id":1}`)))
	msg, err := conn.Receive()
	require.NoError(t, err)
	assert.JSONEq(t, `{"method":"SUBSCRIBE","id":1}`, string(msg))

	require.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())

	_, err = conn.Receive()
	assert.Error(t, err)
}

func TestDialerConnectFailure(t *testing.T) {
	d := NewDialer("ws://127.0.0.1:1/ws", "")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := d.Connect(ctx)
	assert.Error(t, err)
}
