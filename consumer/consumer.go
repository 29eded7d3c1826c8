// Package consumer implements a resilient per-actor event poller.
//
// A Consumer bootstraps a session, long-polls an Upstream with a cursor and
// delivers typed messages on a channel. Transient failures back off
// exponentially and repeated invalidated-session failures re-run bootstrap.
// The loop retries until Stop is called or its context is cancelled.
//
//	c, _ := consumer.New(up, consumer.Config{ActorID: "kai", TenantID: "t1", RoomID: "lobby"})
//	_ = c.Start(ctx)
//	for msg := range c.Messages() {
//	    switch m := msg.(type) {
//	    case consumer.EventMessage:
//	        handle(m.Event)
//	    case consumer.ClosedMessage:
//	        return
//	    }
//	}
package consumer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/inbox/retry"
)

// State is the phase of a consumer loop.
type State int32

const (
	StateIdle State = iota
	StateBootstrapping
	StateBackoff
	StateReady
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBootstrapping:
		return "bootstrapping"
	case StateBackoff:
		return "backoff"
	case StateReady:
		return "ready"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Consumer polls one actor's stream. It is safe for concurrent use.
type Consumer struct {
	up      Upstream
	cfg     Config
	opts    *options
	backoff retry.Backoff

	msgs chan Message
	done chan struct{}

	state   atomic.Int32
	running atomic.Bool

	mu     sync.Mutex
	cursor string
	roomID string
	cancel context.CancelFunc
}

// New creates a consumer. Call Start to begin polling.
func New(up Upstream, cfg Config, opts ...Option) (*Consumer, error) {
	if up == nil {
		return nil, errors.New("consumer: upstream is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	o := newOptions(opts...)
	return &Consumer{
		up:      up,
		cfg:     cfg,
		opts:    o,
		backoff: cfg.backoff(o.rand),
		msgs:    make(chan Message, cfg.Buffer),
		done:    make(chan struct{}),
	}, nil
}

// Messages returns the delivery channel. It is closed after ClosedMessage.
func (c *Consumer) Messages() <-chan Message {
	return c.msgs
}

// State returns the current phase.
func (c *Consumer) State() State {
	return State(c.state.Load())
}

// Cursor returns the current stream position.
func (c *Consumer) Cursor() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// RoomID returns the room resolved by the last bootstrap.
func (c *Consumer) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// Config returns the effective configuration.
func (c *Consumer) Config() Config {
	return c.cfg
}

// Done is closed once the loop has fully shut down.
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

// Start launches the loop. The loop ends when Stop is called or ctx is done.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running.Store(true)

	go c.run(runCtx, context.WithoutCancel(ctx))
	return nil
}

// Stop halts the loop, cancels any in-flight call and waits for shutdown
// until ctx is done. It is idempotent.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel == nil {
		return ErrNotRunning
	}
	c.running.Store(false)
	cancel()

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// active reports whether the loop should continue.
func (c *Consumer) active(ctx context.Context) bool {
	return c.running.Load() && ctx.Err() == nil
}

func (c *Consumer) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Consumer) run(ctx, detached context.Context) {
	defer c.shutdown(detached)
	log := c.opts.logger.With("actor", c.cfg.ActorID, "tenant", c.cfg.TenantID)
	log.Debug("consumer started")

	for c.active(ctx) {
		if err := c.bootstrap(ctx); err != nil {
			return
		}
		c.poll(ctx)
	}
}

// bootstrap retries until a session is established. It returns an error
// only when the consumer is stopping.
func (c *Consumer) bootstrap(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		if !c.active(ctx) {
			return ErrNotRunning
		}
		c.setState(StateBootstrapping)

		resp, err := c.up.Bootstrap(ctx, BootstrapRequest{
			ActorID:  c.cfg.ActorID,
			TenantID: c.cfg.TenantID,
			RoomID:   c.cfg.RoomID,
		})
		if err == nil {
			return c.establish(ctx, resp)
		}
		if !c.active(ctx) {
			return ErrNotRunning
		}

		c.opts.logger.Warn("bootstrap failed", "actor", c.cfg.ActorID, "attempt", attempt, "error", err)
		c.emit(ctx, ErrorMessage{Op: "bootstrap", Attempt: attempt, Err: err})
		c.setState(StateBackoff)
		if c.opts.sleep(ctx, c.delay(err, attempt)) != nil {
			return ErrNotRunning
		}
	}
}

// establish applies a bootstrap response and drains its backlog.
func (c *Consumer) establish(ctx context.Context, resp *BootstrapResponse) error {
	room := resp.RoomID
	if room == "" {
		room = c.cfg.RoomID
	}
	c.mu.Lock()
	c.roomID = room
	c.cursor = resp.Cursor
	c.mu.Unlock()

	if err := c.up.Enter(ctx, c.presence()); err != nil {
		c.opts.logger.Debug("enter failed", "actor", c.cfg.ActorID, "room", room, "error", err)
	}

	for _, ev := range resp.Inbox {
		if !c.emit(ctx, EventMessage{Event: ev}) {
			return ErrNotRunning
		}
	}

	c.setState(StateReady)
	c.opts.logger.Info("consumer ready", "actor", c.cfg.ActorID, "room", room, "backlog", len(resp.Inbox))
	return nil
}

// poll runs until the consumer stops or the session must be re-established.
func (c *Consumer) poll(ctx context.Context) {
	failures, invalidated := 0, 0
	for c.active(ctx) {
		cursor := c.Cursor()
		resp, err := c.up.Poll(ctx, PollRequest{
			ActorID:   c.cfg.ActorID,
			TenantID:  c.cfg.TenantID,
			RoomID:    c.RoomID(),
			Cursor:    cursor,
			Wait:      c.cfg.PollWait,
			Types:     c.cfg.Types,
			Heartbeat: c.cfg.Heartbeat,
		})
		if err != nil {
			if !c.active(ctx) {
				return
			}
			if errors.Is(err, ErrSessionInvalidated) {
				invalidated++
			} else {
				invalidated = 0
			}
			c.emit(ctx, ErrorMessage{Op: "poll", Attempt: failures, Err: err})
			if invalidated >= c.cfg.RebootstrapAfter {
				c.opts.logger.Info("session invalidated, re-bootstrapping",
					"actor", c.cfg.ActorID, "failures", invalidated)
				return
			}
			c.opts.logger.Debug("poll failed", "actor", c.cfg.ActorID, "attempt", failures, "error", err)
			c.setState(StateBackoff)
			if c.opts.sleep(ctx, c.delay(err, failures)) != nil {
				return
			}
			failures++
			c.setState(StateReady)
			continue
		}

		for _, ev := range resp.Events {
			if !c.emit(ctx, EventMessage{Event: ev}) {
				return
			}
		}
		if len(resp.Events) > 0 {
			if !c.emit(ctx, BatchMessage{Events: resp.Events, Cursor: resp.NextCursor}) {
				return
			}
		}

		next := resp.NextCursor
		if c.cfg.AutoAck && next != "" && next != cursor {
			c.autoAck(ctx, resp.Events, next)
		}
		if next != "" {
			c.mu.Lock()
			c.cursor = next
			c.mu.Unlock()
		}
		failures, invalidated = 0, 0
	}
}

// autoAck acknowledges what a poll delivered. With a type filter the cursor
// also covers events the subscriber never saw, so only delivered ids are
// acknowledged.
func (c *Consumer) autoAck(ctx context.Context, events []Event, next string) {
	req := AckRequest{
		ActorID:  c.cfg.ActorID,
		TenantID: c.cfg.TenantID,
		RoomID:   c.RoomID(),
	}
	if len(c.cfg.Types) > 0 {
		if len(events) == 0 {
			return
		}
		for _, ev := range events {
			req.IDs = append(req.IDs, ev.ID)
		}
	} else {
		req.UpToCursor = next
	}
	if _, err := c.up.Ack(ctx, req); err != nil {
		c.opts.logger.Warn("auto-ack failed", "actor", c.cfg.ActorID, "cursor", next, "error", err)
	}
}

// delay honors an upstream reset time, bounded by MaxBackoff, and falls
// back to exponential backoff.
func (c *Consumer) delay(err error, attempt int) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) && !rl.ResetAt.IsZero() {
		return min(max(time.Until(rl.ResetAt), 0), c.cfg.MaxBackoff)
	}
	return c.backoff.Delay(attempt)
}

// emit delivers msg unless ctx ends first.
func (c *Consumer) emit(ctx context.Context, msg Message) bool {
	select {
	case c.msgs <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Consumer) presence() PresenceRequest {
	return PresenceRequest{ActorID: c.cfg.ActorID, TenantID: c.cfg.TenantID, RoomID: c.RoomID()}
}

// shutdown leaves the room, delivers ClosedMessage and closes the channel.
func (c *Consumer) shutdown(detached context.Context) {
	c.running.Store(false)
	c.setState(StateStopped)

	if c.RoomID() != "" {
		ctx, cancel := context.WithTimeout(detached, c.opts.leaveTimeout)
		if err := c.up.Leave(ctx, c.presence()); err != nil {
			c.opts.logger.Debug("leave failed", "actor", c.cfg.ActorID, "error", err)
		}
		cancel()
	}

	// The closed signal is always delivered: when the buffer is full the
	// oldest undelivered message makes room for it.
	for {
		select {
		case c.msgs <- ClosedMessage{}:
			close(c.msgs)
			close(c.done)
			c.opts.logger.Debug("consumer stopped", "actor", c.cfg.ActorID)
			return
		default:
			select {
			case <-c.msgs:
				c.opts.logger.Warn("dropped undelivered message on shutdown", "actor", c.cfg.ActorID)
			default:
			}
		}
	}
}
