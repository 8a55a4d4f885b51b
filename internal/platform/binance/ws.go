package binance

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alanyoungcy/klinestream/internal/domain"
	"github.com/gorilla/websocket"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed between inbound frames or pings.
	pongWait = 3 * time.Minute

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = 30 * time.Second

	handshakeTimeout = 15 * time.Second
)

// DefaultStreamURL is the raw-stream endpoint of the spot exchange.
const DefaultStreamURL = "wss://stream.binance.com:9443/ws"

// Dialer opens websocket connections to the market-data stream.
type Dialer struct {
	url    string
	apiKey string
}

// NewDialer creates a dialer for wsURL. apiKey may be empty; when set it is
// sent as the X-MBX-APIKEY handshake header.
func NewDialer(wsURL, apiKey string) *Dialer {
	if wsURL == "" {
		wsURL = DefaultStreamURL
	}
	return &Dialer{url: wsURL, apiKey: apiKey}
}

// URL returns the endpoint this dialer connects to.
func (d *Dialer) URL() string { return d.url }

// Connect dials the stream endpoint.
func (d *Dialer) Connect(ctx context.Context) (domain.StreamConn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}

	var header http.Header
	if d.apiKey != "" {
		header = http.Header{}
		header.Set("X-MBX-APIKEY", d.apiKey)
	}

	conn, resp, err := dialer.DialContext(ctx, d.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("binance/ws: connect: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("binance/ws: connect: %w", err)
	}

	c := &WSConn{conn: conn, done: make(chan struct{})}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	go c.pingLoop()
	return c, nil
}

// WSConn is one live websocket connection.
type WSConn struct {
	conn *websocket.Conn

	// gorilla allows one concurrent writer.
	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

// Send writes a text frame.
func (c *WSConn) Send(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("binance/ws: send: %w", err)
	}
	return nil
}

// Receive blocks for the next data frame.
func (c *WSConn) Receive() ([]byte, error) {
	_, msg, err := c.conn.ReadMessage()
	if err != nil {
		select {
		case <-c.done:
			return nil, fmt.Errorf("binance/ws: %w", domain.ErrWSDisconnect)
		default:
		}
		return nil, fmt.Errorf("binance/ws: receive: %w", err)
	}
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	return msg, nil
}

// Close sends a close frame and tears down the socket. Safe to call more
// than once.
func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.writeMu.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		c.writeMu.Unlock()

		err = c.conn.Close()
	})
	return err
}

func (c *WSConn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
