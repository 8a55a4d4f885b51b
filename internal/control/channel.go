// Package control provides a typed request/response channel for steering a
// long-running goroutine from the outside.
package control

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Call once the channel has been closed.
var ErrClosed = errors.New("control: channel closed")

// Request is one instruction together with its reply slot.
type Request[Req, Resp any] struct {
	Msg   Req
	reply chan Resp
	once  sync.Once
}

// Reply answers the request. Only the first call has any effect.
func (r *Request[Req, Resp]) Reply(resp Resp) {
	r.once.Do(func() {
		r.reply <- resp
	})
}

// Channel carries requests of type Req to a single owner, which answers each
// with a Resp.
type Channel[Req, Resp any] struct {
	reqs   chan *Request[Req, Resp]
	done   chan struct{}
	closed sync.Once
}

// New returns a channel that buffers up to depth pending requests.
func New[Req, Resp any](depth int) *Channel[Req, Resp] {
	if depth < 0 {
		depth = 0
	}
	return &Channel[Req, Resp]{
		reqs: make(chan *Request[Req, Resp], depth),
		done: make(chan struct{}),
	}
}

// Call sends msg and blocks until the owner replies, ctx ends or the channel
// is closed.
func (c *Channel[Req, Resp]) Call(ctx context.Context, msg Req) (Resp, error) {
	var zero Resp
	req := &Request[Req, Resp]{Msg: msg, reply: make(chan Resp, 1)}

	select {
	case c.reqs <- req:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-c.done:
		return zero, ErrClosed
	}

	select {
	case resp := <-req.reply:
		return resp, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-c.done:
		return zero, ErrClosed
	}
}

// Requests is the owner's receive side.
func (c *Channel[Req, Resp]) Requests() <-chan *Request[Req, Resp] {
	return c.reqs
}

// Close unblocks every pending and future Call.
func (c *Channel[Req, Resp]) Close() {
	c.closed.Do(func() { close(c.done) })
}

// Done is closed once Close has been called.
func (c *Channel[Req, Resp]) Done() <-chan struct{} {
	return c.done
}
