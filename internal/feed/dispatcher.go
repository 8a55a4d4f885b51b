package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/klinestream/internal/candles"
	"github.com/alanyoungcy/klinestream/internal/control"
	"github.com/alanyoungcy/klinestream/internal/domain"
	"github.com/alanyoungcy/klinestream/internal/platform/binance"
)

const (
	// reconnectDelay is the base delay before RunWithRetry dials again.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second

	defaultBatchSize = 256
)

// State is the dispatcher lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateStreaming
	StateSleeping
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateSleeping:
		return "sleeping"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Command is a control instruction for a running dispatcher.
type Command int

const (
	CmdStatus Command = iota
	CmdSleep
	CmdWake
)

// Stats counts frames seen by the dispatcher.
type Stats struct {
	Frames   uint64 `json:"frames"`
	Applied  uint64 `json:"applied"`
	Dropped  uint64 `json:"dropped"`
	Acks     uint64 `json:"acks"`
	Batches  uint64 `json:"batches"`
	Connects uint64 `json:"connects"`
}

// Status is the reply to every control command.
type Status struct {
	State         string        `json:"state"`
	Subscriptions []string      `json:"subscriptions"`
	Stream        Stats         `json:"stream"`
	Candles       candles.Stats `json:"candles"`
}

// Config configures a Dispatcher.
type Config struct {
	Subscriptions []binance.Subscription
	// BatchSize is how many frames Collect handles before yielding.
	BatchSize int
	// ReconnectMin and ReconnectMax bound the RunWithRetry backoff.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

type frame struct {
	raw []byte
	err error
}

// Dispatcher owns the stream connection. It is the only writer into the
// accumulator's snapshot; Run must be called from a single goroutine.
type Dispatcher struct {
	transport domain.StreamTransport
	acc       *candles.Accumulator
	cfg       Config
	logger    *slog.Logger

	ctrl *control.Channel[Command, Status]

	state      atomic.Int32
	disconnect atomic.Bool
	kick       chan struct{}
	nextID     atomic.Int64

	conn     domain.StreamConn
	frames   chan frame
	connDone chan struct{}

	frameCount atomic.Uint64
	applied    atomic.Uint64
	dropped    atomic.Uint64
	acks       atomic.Uint64
	batches    atomic.Uint64
	connects   atomic.Uint64

	hookMu       sync.RWMutex
	onDisconnect []func(error)
}

// NewDispatcher creates a dispatcher that streams cfg.Subscriptions from
// transport into acc.
func NewDispatcher(transport domain.StreamTransport, acc *candles.Accumulator, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = reconnectDelay
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = maxReconnectDelay
	}
	d := &Dispatcher{
		transport: transport,
		acc:       acc,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "dispatcher")),
		ctrl:      control.New[Command, Status](4),
		kick:      make(chan struct{}, 1),
	}
	d.state.Store(int32(StateConnecting))
	return d
}

// State returns the current lifecycle state.
func (d *Dispatcher) State() State {
	return State(d.state.Load())
}

func (d *Dispatcher) setState(s State) {
	prev := State(d.state.Swap(int32(s)))
	if prev != s {
		d.logger.Debug("state change", slog.String("from", prev.String()), slog.String("to", s.String()))
	}
}

// Stats returns the frame counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Frames:   d.frameCount.Load(),
		Applied:  d.applied.Load(),
		Dropped:  d.dropped.Load(),
		Acks:     d.acks.Load(),
		Batches:  d.batches.Load(),
		Connects: d.connects.Load(),
	}
}

// OnDisconnect registers fn to be called when RunWithRetry loses the stream.
func (d *Dispatcher) OnDisconnect(fn func(error)) {
	d.hookMu.Lock()
	defer d.hookMu.Unlock()
	d.onDisconnect = append(d.onDisconnect, fn)
}

// Disconnect asks Run to close the connection and return nil. The flag is
// observed once per batch, so Run returns within one batch of this call.
func (d *Dispatcher) Disconnect() {
	d.disconnect.Store(true)
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Sleep closes the connection and parks Run until Wake.
func (d *Dispatcher) Sleep(ctx context.Context) (Status, error) {
	return d.ctrl.Call(ctx, CmdSleep)
}

// Wake resumes a sleeping dispatcher.
func (d *Dispatcher) Wake(ctx context.Context) (Status, error) {
	return d.ctrl.Call(ctx, CmdWake)
}

// Status asks the running dispatcher for its state.
func (d *Dispatcher) Status(ctx context.Context) (Status, error) {
	return d.ctrl.Call(ctx, CmdStatus)
}

// Connect dials the transport, sends the subscribe request and starts the
// frame reader. Failures wrap ErrConnect or ErrSubscribe.
func (d *Dispatcher) Connect(ctx context.Context) error {
	d.setState(StateConnecting)

	conn, err := d.transport.Connect(ctx)
	if err != nil {
		return fmt.Errorf("feed: %w: %w", domain.ErrConnect, err)
	}

	id := d.nextID.Add(1)
	cmd, err := binance.SubscribeCommand(id, d.cfg.Subscriptions)
	if err != nil {
		conn.Close()
		return fmt.Errorf("feed: %w: %w", domain.ErrSubscribe, err)
	}
	if err := conn.Send(cmd); err != nil {
		conn.Close()
		return fmt.Errorf("feed: %w: %w", domain.ErrSubscribe, err)
	}

	d.conn = conn
	d.frames = make(chan frame, d.cfg.BatchSize)
	d.connDone = make(chan struct{})
	go readLoop(conn, d.frames, d.connDone)

	d.connects.Add(1)
	d.setState(StateStreaming)
	d.logger.InfoContext(ctx, "stream connected",
		slog.Int("subscriptions", len(d.cfg.Subscriptions)),
		slog.Int64("request_id", id),
	)
	return nil
}

// readLoop pumps frames from conn until it fails or done is closed.
func readLoop(conn domain.StreamConn, out chan<- frame, done <-chan struct{}) {
	defer close(out)
	for {
		raw, err := conn.Receive()
		if err != nil {
			select {
			case out <- frame{err: err}:
			case <-done:
			}
			return
		}
		select {
		case out <- frame{raw: raw}:
		case <-done:
			return
		}
	}
}

func (d *Dispatcher) closeConn() {
	if d.conn == nil {
		return
	}
	close(d.connDone)
	if err := d.conn.Close(); err != nil {
		d.logger.Debug("close connection", slog.String("error", err.Error()))
	}
	d.conn = nil
	d.frames = nil
	d.connDone = nil
}

// Collect handles up to batchSize frames. It returns early when a control
// request arrives so the caller can act on the new state. Every received
// frame counts toward the batch, including dropped ones and acks.
func (d *Dispatcher) Collect(ctx context.Context, batchSize int) (int, error) {
	if d.frames == nil {
		return 0, fmt.Errorf("feed: collect: not connected")
	}
	defer d.batches.Add(1)

	handled := 0
	for handled < batchSize {
		select {
		case <-ctx.Done():
			return handled, ctx.Err()

		case fr, ok := <-d.frames:
			if !ok {
				return handled, fmt.Errorf("feed: receive: %w", domain.ErrWSDisconnect)
			}
			if fr.err != nil {
				return handled, fmt.Errorf("feed: receive: %w", fr.err)
			}
			handled++
			if err := d.handleFrame(fr.raw); err != nil {
				return handled, err
			}

		case req := <-d.ctrl.Requests():
			d.handleControl(req)
			return handled, nil

		case <-d.kick:
			return handled, nil
		}
	}
	return handled, nil
}

func (d *Dispatcher) handleFrame(raw []byte) error {
	d.frameCount.Add(1)

	f, err := binance.DecodeFrame(raw)
	if err != nil {
		d.drop(err, raw)
		return nil
	}
	if binance.IsAck(f) {
		d.acks.Add(1)
		if ackErr := binance.AckError(f); ackErr != nil {
			return fmt.Errorf("feed: %w: %w", domain.ErrSubscribe, ackErr)
		}
		return nil
	}

	symbol, ev, err := binance.Parse(f)
	if err != nil {
		d.drop(err, raw)
		return nil
	}
	if err := d.acc.Place(symbol, ev); err != nil {
		return fmt.Errorf("feed: place %s: %w", symbol, err)
	}
	d.applied.Add(1)
	return nil
}

func (d *Dispatcher) drop(err error, raw []byte) {
	d.dropped.Add(1)
	d.logger.Debug("dropped frame",
		slog.String("error", err.Error()),
		slog.Int("payload_len", len(raw)),
	)
}

func (d *Dispatcher) handleControl(req *control.Request[Command, Status]) {
	switch req.Msg {
	case CmdSleep:
		if d.State() != StateSleeping {
			d.closeConn()
			d.setState(StateSleeping)
			d.logger.Info("stream sleeping")
		}
	case CmdWake:
		if d.State() == StateSleeping {
			d.setState(StateConnecting)
			d.logger.Info("stream waking")
		}
	}
	req.Reply(d.status())
}

func (d *Dispatcher) status() Status {
	subs := make([]string, 0, len(d.cfg.Subscriptions))
	for _, s := range d.cfg.Subscriptions {
		subs = append(subs, s.Name())
	}
	return Status{
		State:         d.State().String(),
		Subscriptions: subs,
		Stream:        d.Stats(),
		Candles:       d.acc.Stats(),
	}
}

// Run connects and collects until Disconnect is observed, ctx ends or the
// stream fails. A cooperative disconnect returns nil; everything else
// returns the cause. Reconnect policy belongs to the caller.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.State() != StateSleeping {
		d.setState(StateConnecting)
	}
	defer d.closeConn()

	for {
		if d.disconnect.CompareAndSwap(true, false) {
			d.closeConn()
			d.setState(StateClosed)
			d.logger.InfoContext(ctx, "stream disconnected on request")
			return nil
		}

		switch d.State() {
		case StateConnecting:
			if err := d.Connect(ctx); err != nil {
				return err
			}

		case StateStreaming:
			if _, err := d.Collect(ctx, d.cfg.BatchSize); err != nil {
				d.closeConn()
				d.setState(StateConnecting)
				return err
			}

		case StateSleeping:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case req := <-d.ctrl.Requests():
				d.handleControl(req)
			case <-d.kick:
			}

		case StateClosed:
			return nil
		}
	}
}

// RunWithRetry calls Run until it returns nil or ctx ends, sleeping with
// exponential backoff between failed attempts. A poisoned snapshot is not
// retried.
func (d *Dispatcher) RunWithRetry(ctx context.Context) error {
	delay := d.cfg.ReconnectMin

	for {
		started := time.Now()
		err := d.Run(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, domain.ErrSnapshotPoisoned) {
			return err
		}

		if time.Since(started) > d.cfg.ReconnectMax {
			delay = d.cfg.ReconnectMin
		}
		d.logger.WarnContext(ctx, "stream lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)
		d.hookMu.RLock()
		hooks := d.onDisconnect
		d.hookMu.RUnlock()
		for _, fn := range hooks {
			fn(err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > d.cfg.ReconnectMax {
			delay = d.cfg.ReconnectMax
		}
	}
}

// Close ends the control channel; pending Sleep/Wake/Status calls return.
func (d *Dispatcher) Close() {
	d.ctrl.Close()
}
