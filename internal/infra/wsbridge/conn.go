// Package wsbridge wraps a WebSocket endpoint with supervised dialing,
// jittered reconnect backoff, and a circuit breaker. Protocol handling stays
// with the owner: the bridge reports lifecycle transitions and inbound text
// frames on an event channel and leaves frame semantics alone.
package wsbridge

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/sourcegraph/conc"

	"github.com/hovercast/hovercast/errs"
	"github.com/hovercast/hovercast/internal/observability"
)

const source = "wsbridge"

const (
	defaultReconnectBaseDelay = time.Second
	defaultReconnectMaxDelay  = 30 * time.Second
	defaultJitter             = 0.1
	defaultUpgradeRetryLimit  = 3
	defaultBreakerThreshold   = 5
	defaultBreakerCooldown    = 5 * time.Minute
	defaultMailboxSize        = 64

	dialTimeout       = 10 * time.Second
	upgradeRetryDelay = 250 * time.Millisecond
	maxFrameBytes     = 4 << 20
)

// EventKind identifies a transport lifecycle transition or inbound frame.
type EventKind int

const (
	EventConnecting EventKind = iota + 1
	EventConnected
	EventFrame
	EventDisconnected
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventConnecting:
		return "connecting"
	case EventConnected:
		return "connected"
	case EventFrame:
		return "frame"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is delivered to the owner in the order it occurred on the socket.
// Frame carries the payload of an inbound text frame. Code and Reason carry
// the peer close status on EventDisconnected; Code is -1 when the connection
// died without a close frame.
type Event struct {
	Kind   EventKind
	Frame  []byte
	Code   int
	Reason string
	Err    error
}

// State is the coarse transport state, independent of protocol readiness.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Options tunes the bridge. Zero values fall back to defaults; a zero
// HeartbeatInterval disables pinging entirely.
type Options struct {
	// Headers are sent with the HTTP upgrade request.
	Headers http.Header
	// HeartbeatInterval spaces protocol-level pings. A ping that fails or
	// times out drops the connection so the redial loop takes over.
	// Typically 15 to 30 seconds; zero disables.
	HeartbeatInterval time.Duration
	// ReconnectBaseDelay and ReconnectMaxDelay bound the exponential redial
	// backoff. Jitter randomizes each delay by the given fraction.
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	Jitter             float64
	// UpgradeRetryLimit caps immediate retries of HTTP 400 upgrade
	// rejections, which some CDN edges return transiently. These retries do
	// not consume reconnect backoff.
	UpgradeRetryLimit int
	// BreakerThreshold consecutive connection failures open the circuit for
	// BreakerCooldown before a probe dial is attempted.
	BreakerThreshold int
	BreakerCooldown  time.Duration
	// MailboxSize bounds the owner event channel. Emission blocks when the
	// owner falls behind; frames are never dropped or reordered.
	MailboxSize int
}

func (o Options) normalize() Options {
	if o.ReconnectBaseDelay <= 0 {
		o.ReconnectBaseDelay = defaultReconnectBaseDelay
	}
	if o.ReconnectMaxDelay <= 0 {
		o.ReconnectMaxDelay = defaultReconnectMaxDelay
	}
	if o.Jitter <= 0 {
		o.Jitter = defaultJitter
	}
	if o.UpgradeRetryLimit <= 0 {
		o.UpgradeRetryLimit = defaultUpgradeRetryLimit
	}
	if o.BreakerThreshold <= 0 {
		o.BreakerThreshold = defaultBreakerThreshold
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = defaultBreakerCooldown
	}
	if o.MailboxSize <= 0 {
		o.MailboxSize = defaultMailboxSize
	}
	return o
}

// Conn supervises one logical WebSocket connection across redials.
type Conn struct {
	opts   Options
	ctx    context.Context
	cancel context.CancelFunc

	uriMu         sync.Mutex
	uri           string
	switchPending bool

	connMu sync.RWMutex
	conn   *websocket.Conn

	state     atomic.Int32
	events    chan Event
	breaker   *breaker
	wg        conc.WaitGroup
	closeOnce sync.Once
}

// Open starts supervising uri and returns immediately; the dial outcome
// arrives on Events. The connection redials until Disconnect is called or ctx
// is cancelled.
func Open(ctx context.Context, uri string, opts Options) (*Conn, error) {
	if strings.TrimSpace(uri) == "" {
		return nil, errs.New(source, errs.KindInvalid, errs.WithOp("open"), errs.WithMessage("websocket uri required"))
	}
	opts = opts.normalize()
	runCtx, cancel := context.WithCancel(ctx)
	c := &Conn{
		opts:    opts,
		ctx:     runCtx,
		cancel:  cancel,
		uri:     uri,
		events:  make(chan Event, opts.MailboxSize),
		breaker: newBreaker(opts.BreakerThreshold, opts.BreakerCooldown),
	}
	c.wg.Go(c.run)
	return c, nil
}

// Events returns the owner channel. It is closed once the bridge has fully
// stopped.
func (c *Conn) Events() <-chan Event { return c.events }

// State reports the current transport state.
func (c *Conn) State() State { return State(c.state.Load()) }

// Send writes one text frame. It fails with KindNotConnected while the
// transport is down rather than queueing; buffering is the owner's policy.
func (c *Conn) Send(ctx context.Context, frame []byte) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil || c.ctx.Err() != nil {
		return errs.New(source, errs.KindNotConnected, errs.WithOp("send"), errs.WithMessage("websocket is not connected"))
	}
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return errs.New(source, errs.KindTransport, errs.WithOp("send"), errs.WithCause(err))
	}
	return nil
}

// SwitchURI retargets the bridge and hot-swaps the transport: the current
// socket is closed and the next dial goes to uri immediately, skipping
// backoff. Used when a server hands out a replacement endpoint mid-session.
func (c *Conn) SwitchURI(uri string) error {
	if strings.TrimSpace(uri) == "" {
		return errs.New(source, errs.KindInvalid, errs.WithOp("switch_uri"), errs.WithMessage("websocket uri required"))
	}
	c.uriMu.Lock()
	c.uri = uri
	c.switchPending = true
	c.uriMu.Unlock()

	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusServiceRestart, "switching endpoints")
	}
	return nil
}

// Redial drops the current socket so the supervisor dials again with normal
// backoff. No-op while disconnected. Owners use this when the protocol layer
// decides a live socket is unusable, for example a stalled handshake.
func (c *Conn) Redial(reason string) {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, reason)
	}
}

// Disconnect stops the bridge for good. Idempotent; blocks until the run loop
// has exited and the event channel is closed.
func (c *Conn) Disconnect(reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		c.connMu.RLock()
		conn := c.conn
		c.connMu.RUnlock()
		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, reason)
		}
	})
	c.wg.Wait()
}

func (c *Conn) run() {
	defer close(c.events)
	defer c.state.Store(int32(StateDisconnected))

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = c.opts.ReconnectBaseDelay
	backoffCfg.MaxInterval = c.opts.ReconnectMaxDelay
	backoffCfg.RandomizationFactor = c.opts.Jitter

	for {
		if c.ctx.Err() != nil {
			return
		}
		if ok, retryIn := c.breaker.allow(); !ok {
			c.emit(Event{Kind: EventError, Err: errs.New(source, errs.KindCircuitOpen,
				errs.WithOp("dial"),
				errs.WithMessage("circuit open; reconnects suspended"),
				errs.WithMetadata(map[string]string{"retry_in": retryIn.String()}),
			)})
			if !c.sleep(retryIn) {
				return
			}
			continue
		}

		c.state.Store(int32(StateConnecting))
		if !c.emit(Event{Kind: EventConnecting}) {
			return
		}
		conn, err := c.dial()
		if err != nil {
			c.breaker.recordFailure()
			c.state.Store(int32(StateDisconnected))
			if !c.emit(Event{Kind: EventError, Err: err}) {
				return
			}
			if !c.sleep(backoffCfg.NextBackOff()) {
				return
			}
			continue
		}

		c.breaker.recordSuccess()
		backoffCfg.Reset()
		c.setConn(conn)
		c.state.Store(int32(StateConnected))
		if !c.emit(Event{Kind: EventConnected}) {
			c.setConn(nil)
			_ = conn.Close(websocket.StatusNormalClosure, "shutdown")
			return
		}

		if c.peekSwitch() {
			// Retarget raced the dial; drop the stale socket right away.
			_ = conn.Close(websocket.StatusServiceRestart, "switching endpoints")
		}

		stopHeartbeat := c.startHeartbeat(conn)
		readErr := c.readLoop(conn)
		stopHeartbeat()
		c.setConn(nil)
		_ = conn.CloseNow()

		code, reason := closeDetails(readErr)
		c.state.Store(int32(StateDisconnected))
		if !c.emit(Event{Kind: EventDisconnected, Code: code, Reason: reason}) {
			return
		}
		if c.ctx.Err() != nil {
			return
		}
		if c.takeSwitch() {
			backoffCfg.Reset()
			continue
		}
		if !c.sleep(backoffCfg.NextBackOff()) {
			return
		}
	}
}

// dial attempts the HTTP upgrade against the current target. Transient 400
// rejections from CDN edges are retried in place up to UpgradeRetryLimit so
// they do not burn reconnect backoff.
func (c *Conn) dial() (*websocket.Conn, error) {
	target := c.targetURI()
	for attempt := 0; ; attempt++ {
		dialCtx, cancel := context.WithTimeout(c.ctx, dialTimeout)
		conn, resp, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{
			HTTPHeader: c.opts.Headers,
		})
		cancel()
		if err == nil {
			conn.SetReadLimit(maxFrameBytes)
			return conn, nil
		}
		if resp != nil && resp.StatusCode == http.StatusBadRequest && attempt < c.opts.UpgradeRetryLimit {
			observability.Log().Warn("websocket upgrade rejected; retrying",
				observability.Field{Key: "attempt", Value: attempt + 1},
				observability.Field{Key: "limit", Value: c.opts.UpgradeRetryLimit},
			)
			if !c.sleep(upgradeRetryDelay) {
				return nil, errs.New(source, errs.KindTransport, errs.WithOp("dial"), errs.WithCause(c.ctx.Err()))
			}
			continue
		}
		e := errs.New(source, errs.KindTransport, errs.WithOp("dial"), errs.WithCause(err))
		if resp != nil {
			return nil, errs.New(source, errs.KindTransport, errs.WithOp("dial"), errs.WithHTTP(resp.StatusCode), errs.WithCause(err))
		}
		return nil, e
	}
}

func (c *Conn) readLoop(conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(c.ctx)
		if err != nil {
			return err
		}
		if msgType != websocket.MessageText {
			continue
		}
		if !c.emit(Event{Kind: EventFrame, Frame: data}) {
			return c.ctx.Err()
		}
	}
}

// startHeartbeat pings on the configured interval; a failed or timed-out ping
// drops the connection so the redial loop notices. Returns a stop func that
// waits for the goroutine to exit.
func (c *Conn) startHeartbeat(conn *websocket.Conn) func() {
	if c.opts.HeartbeatInterval <= 0 {
		return func() {}
	}
	hbCtx, cancel := context.WithCancel(c.ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(c.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				pingCtx, pingCancel := context.WithTimeout(hbCtx, c.opts.HeartbeatInterval)
				err := conn.Ping(pingCtx)
				pingCancel()
				if err != nil {
					if hbCtx.Err() != nil {
						return
					}
					observability.Log().Warn("heartbeat ping failed; dropping connection",
						observability.Field{Key: "error", Value: err},
					)
					_ = conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// emit delivers an owner event in order, blocking if the mailbox is full.
// Returns false once the bridge is shutting down.
func (c *Conn) emit(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Conn) sleep(d time.Duration) bool {
	if d <= 0 {
		return c.ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Conn) setConn(conn *websocket.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

func (c *Conn) targetURI() string {
	c.uriMu.Lock()
	defer c.uriMu.Unlock()
	c.switchPending = false
	return c.uri
}

func (c *Conn) takeSwitch() bool {
	c.uriMu.Lock()
	defer c.uriMu.Unlock()
	pending := c.switchPending
	c.switchPending = false
	return pending
}

func (c *Conn) peekSwitch() bool {
	c.uriMu.Lock()
	defer c.uriMu.Unlock()
	return c.switchPending
}

// closeDetails extracts the peer close status from a read error. Code is -1
// when the connection dropped without a close frame.
func closeDetails(err error) (int, string) {
	if err == nil {
		return -1, ""
	}
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return int(ce.Code), ce.Reason
	}
	if status := websocket.CloseStatus(err); status != -1 {
		return int(status), ""
	}
	return -1, err.Error()
}
