package domain

import "context"

// StreamConn is a duplex channel of framed text messages. Receive blocks
// until a frame arrives or the connection fails; it is called from a single
// goroutine. Send and Close may be called concurrently with Receive.
type StreamConn interface {
	Send(frame []byte) error
	Receive() ([]byte, error)
	Close() error
}

// StreamTransport opens StreamConns.
type StreamTransport interface {
	Connect(ctx context.Context) (StreamConn, error)
}
