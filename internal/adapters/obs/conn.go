package obs

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/hovercast/hovercast/errs"
	"github.com/hovercast/hovercast/internal/infra/wsbridge"
	"github.com/hovercast/hovercast/internal/observability"
)

const source = "obs"

var noCtx = context.Background()

const (
	defaultAuthTimeout = 10 * time.Second

	// Close codes the protocol defines as unrecoverable.
	closeUnsupportedRPCVersion = 4002
	closeUnsupportedFeature    = 4003
	closeAuthFailed            = 4008

	// Consecutive transport errors logged before suppression kicks in.
	errorLogLimit = 5
)

// ConnState is the protocol-level connection state, distinct from the
// transport state underneath it.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateAuthenticating
	StateReady
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Transport is the slice of wsbridge.Conn the FSM depends on; tests drive
// the state machine through an in-memory fake.
type Transport interface {
	Events() <-chan wsbridge.Event
	Send(ctx context.Context, frame []byte) error
	Redial(reason string)
	Disconnect(reason string)
}

var _ Transport = (*wsbridge.Conn)(nil)

// NoticeKind classifies owner notifications.
type NoticeKind int

const (
	// NoticeReady fires on every successful handshake.
	NoticeReady NoticeKind = iota + 1
	// NoticeDisconnected fires on recoverable connection loss; the transport
	// keeps redialing underneath.
	NoticeDisconnected
	// NoticeFatal fires once on an unrecoverable failure; the FSM has already
	// stopped the transport and Run is returning.
	NoticeFatal
)

// Notice is delivered to the session owner.
type Notice struct {
	Kind   NoticeKind
	Code   int
	Reason string
	Err    error
}

// DomainEvent is a decoded opcode 5 event handed to the EventRouter in
// socket order.
type DomainEvent struct {
	SessionID string
	Type      string
	Data      map[string]any
	At        time.Time
}

// ConnectionConfig tunes one OBS protocol session.
type ConnectionConfig struct {
	SessionID string
	// Password authenticates the Identify when the server issues a challenge.
	// Empty means authentication is not expected; a challenge arriving anyway
	// is fatal.
	Password string
	// AuthTimeout bounds Hello→Identified; expiry forces a redial.
	AuthTimeout time.Duration
	// RequestTimeout is the per-request deadline, default 30 s.
	RequestTimeout time.Duration
	// EventSubscriptions is the Identify bitmask; zero means ALL_NONVOLATILE.
	EventSubscriptions int
}

func (c ConnectionConfig) normalize() ConnectionConfig {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = defaultAuthTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.EventSubscriptions == 0 {
		c.EventSubscriptions = SubAllNonVolatile
	}
	return c
}

type queuedRequest struct {
	id          string
	requestType string
	data        map[string]any
	epoch       uint64
}

type submitCmd struct {
	id          string
	requestType string
	data        map[string]any
}

type reidentifyCmd struct {
	mask  int
	reply chan error
}

type batchCmd struct {
	id      string
	payload RequestBatchPayload
}

// Connection drives the OBS v5 handshake and request path over a supervised
// transport. All protocol state lives in the Run goroutine; the exported
// methods communicate with it by message.
type Connection struct {
	cfg       ConnectionConfig
	transport Transport
	tracker   *RequestTracker

	state         atomic.Int32
	rpcVersion    atomic.Int64
	negotiatedRPC atomic.Int64

	cmds    chan any
	notices chan Notice
	events  chan DomainEvent

	queue      []queuedRequest
	epoch      uint64
	everReady  bool
	errStreak  int
	suppressed int
}

// NewConnection wires the FSM to a transport. The tracker is shared with the
// session so teardown can cancel stragglers.
func NewConnection(cfg ConnectionConfig, transport Transport, tracker *RequestTracker) *Connection {
	cfg = cfg.normalize()
	return &Connection{
		cfg:       cfg,
		transport: transport,
		tracker:   tracker,
		cmds:      make(chan any, 16),
		notices:   make(chan Notice, 8),
		events:    make(chan DomainEvent, 64),
	}
}

// State reports the current protocol state.
func (c *Connection) State() ConnState { return ConnState(c.state.Load()) }

// RPCVersion returns the server-advertised protocol version from Hello, zero
// before the first handshake.
func (c *Connection) RPCVersion() int { return int(c.rpcVersion.Load()) }

// NegotiatedRPCVersion returns the version confirmed by Identified.
func (c *Connection) NegotiatedRPCVersion() int { return int(c.negotiatedRPC.Load()) }

// Notices returns the owner notification channel.
func (c *Connection) Notices() <-chan Notice { return c.notices }

// Events returns decoded opcode 5 events in socket order; consumed by the
// EventRouter. Closed when Run returns.
func (c *Connection) Events() <-chan DomainEvent { return c.events }

// SendRequest submits one request. Requests are accepted in any state but
// dispatched only in ready; otherwise they queue until the handshake
// completes. A request still queued when the session re-establishes after a
// disconnect fails with request_expired instead of being silently resent.
func (c *Connection) SendRequest(ctx context.Context, requestType string, data map[string]any) (map[string]any, error) {
	id, waiter := c.tracker.Track(requestType)
	select {
	case c.cmds <- submitCmd{id: id, requestType: requestType, data: data}:
	case <-ctx.Done():
		c.tracker.Fail(id, errs.New(source, errs.KindTimeout, errs.WithOp("send_request"), errs.WithCause(ctx.Err())))
		res := <-waiter
		return res.Data, res.Err
	}
	select {
	case res := <-waiter:
		return res.Data, res.Err
	case <-ctx.Done():
		c.tracker.Fail(id, errs.New(source, errs.KindTimeout,
			errs.WithOp("send_request"),
			errs.WithMessage("caller context cancelled"),
			errs.WithField("request_type", requestType),
		))
		res := <-waiter
		return res.Data, res.Err
	}
}

// SendBatch submits an opcode 8 batch and returns the per-entry results.
// Batches bypass the queue: they fail immediately unless the session is ready.
func (c *Connection) SendBatch(ctx context.Context, haltOnFailure bool, entries []BatchEntry) ([]RequestResponsePayload, error) {
	id, waiter := c.tracker.TrackBatch()
	payload := RequestBatchPayload{RequestID: id, HaltOnFailure: haltOnFailure, Requests: entries}
	select {
	case c.cmds <- batchCmd{id: id, payload: payload}:
	case <-ctx.Done():
		c.tracker.Fail(id, errs.New(source, errs.KindTimeout, errs.WithOp("send_batch"), errs.WithCause(ctx.Err())))
		return nil, (<-waiter).Err
	}
	select {
	case res := <-waiter:
		return res.Batch, res.Err
	case <-ctx.Done():
		c.tracker.Fail(id, errs.New(source, errs.KindTimeout, errs.WithOp("send_batch"), errs.WithCause(ctx.Err())))
		res := <-waiter
		return res.Batch, res.Err
	}
}

// Reidentify adjusts the event subscription mask on the live session.
func (c *Connection) Reidentify(ctx context.Context, mask int) error {
	reply := make(chan error, 1)
	select {
	case c.cmds <- reidentifyCmd{mask: mask, reply: reply}:
	case <-ctx.Done():
		return errs.New(source, errs.KindTimeout, errs.WithOp("reidentify"), errs.WithCause(ctx.Err()))
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return errs.New(source, errs.KindTimeout, errs.WithOp("reidentify"), errs.WithCause(ctx.Err()))
	}
}

// Run owns the state machine until ctx is cancelled, the transport stops, or
// a protocol-fatal failure occurs (returned as a KindFatal error). In-flight
// and queued requests are force-cancelled on the way out.
func (c *Connection) Run(ctx context.Context) error {
	defer func() {
		c.state.Store(int32(StateDisconnected))
		c.tracker.CancelAll(errs.New(source, errs.KindNotConnected,
			errs.WithOp("run"), errs.WithMessage("session torn down")))
		c.failQueued("session torn down")
		close(c.events)
	}()

	var authDeadline <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-authDeadline:
			authDeadline = nil
			observability.Log().Warn("obs handshake timed out; redialing",
				observability.Field{Key: "session_id", Value: c.cfg.SessionID},
				observability.Field{Key: "timeout", Value: c.cfg.AuthTimeout.String()},
			)
			c.transport.Redial("authentication timeout")

		case cmd := <-c.cmds:
			c.handleCommand(ctx, cmd)

		case ev, ok := <-c.transport.Events():
			if !ok {
				return nil
			}
			fatal, deadline := c.handleTransportEvent(ctx, ev, authDeadline)
			authDeadline = deadline
			if fatal != nil {
				return fatal
			}
		}
	}
}

func (c *Connection) handleCommand(ctx context.Context, cmd any) {
	switch cmd := cmd.(type) {
	case submitCmd:
		if c.State() == StateReady {
			c.dispatch(ctx, cmd.id, cmd.requestType, cmd.data)
			return
		}
		c.queue = append(c.queue, queuedRequest{
			id:          cmd.id,
			requestType: cmd.requestType,
			data:        cmd.data,
			epoch:       c.epoch,
		})
	case batchCmd:
		if c.State() != StateReady {
			c.tracker.Fail(cmd.id, errs.New(source, errs.KindNotConnected,
				errs.WithOp("send_batch"), errs.WithMessage("session is not ready")))
			return
		}
		frame, err := EncodeFrame(OpRequestBatch, cmd.payload)
		if err != nil {
			c.tracker.Fail(cmd.id, err)
			return
		}
		if err := c.transport.Send(ctx, frame); err != nil {
			c.tracker.Fail(cmd.id, err)
		}
	case reidentifyCmd:
		if c.State() != StateReady {
			cmd.reply <- errs.New(source, errs.KindNotConnected,
				errs.WithOp("reidentify"), errs.WithMessage("session is not ready"))
			return
		}
		frame, err := EncodeFrame(OpReidentify, ReidentifyPayload{EventSubscriptions: cmd.mask})
		if err == nil {
			err = c.transport.Send(ctx, frame)
		}
		cmd.reply <- err
	}
}

// handleTransportEvent applies one transport event. A non-nil first return is
// a protocol-fatal error ending Run; the second return is the active auth
// deadline channel.
func (c *Connection) handleTransportEvent(ctx context.Context, ev wsbridge.Event, authDeadline <-chan time.Time) (error, <-chan time.Time) {
	switch ev.Kind {
	case wsbridge.EventConnecting:
		if c.everReady {
			c.state.Store(int32(StateReconnecting))
		} else {
			c.state.Store(int32(StateConnecting))
		}
		return nil, authDeadline

	case wsbridge.EventConnected:
		c.state.Store(int32(StateAuthenticating))
		c.resetErrorStreak()
		return nil, time.After(c.cfg.AuthTimeout)

	case wsbridge.EventFrame:
		fatal := c.handleFrame(ctx, ev.Frame)
		if c.State() == StateReady {
			return fatal, nil
		}
		return fatal, authDeadline

	case wsbridge.EventDisconnected:
		if isFatalCloseCode(ev.Code) {
			err := errs.New(source, errs.KindFatal,
				errs.WithOp("connection"),
				errs.WithMessage("unrecoverable close code"),
				errs.WithField("close_code", strconv.Itoa(ev.Code)),
				errs.WithField("reason", ev.Reason),
			)
			c.fatal(Notice{Kind: NoticeFatal, Code: ev.Code, Reason: ev.Reason, Err: err})
			return err, nil
		}
		c.state.Store(int32(StateDisconnected))
		c.epoch++
		c.tracker.CancelAll(errs.New(source, errs.KindTransport,
			errs.WithOp("connection"),
			errs.WithMessage("connection lost with requests in flight"),
			errs.WithField("close_code", strconv.Itoa(ev.Code)),
		))
		c.notify(Notice{Kind: NoticeDisconnected, Code: ev.Code, Reason: ev.Reason})
		c.countError("obs connection lost",
			observability.Field{Key: "close_code", Value: ev.Code},
			observability.Field{Key: "reason", Value: ev.Reason},
		)
		return nil, nil

	case wsbridge.EventError:
		c.countError("obs transport error", observability.Field{Key: "error", Value: ev.Err})
		return nil, authDeadline
	}
	return nil, authDeadline
}

// handleFrame decodes and applies one inbound frame. Only a failed mandatory
// authentication is fatal here; malformed frames and out-of-state opcodes are
// logged and dropped.
func (c *Connection) handleFrame(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		observability.Log().Warn("obs sent zero-length frame; ignoring",
			observability.Field{Key: "session_id", Value: c.cfg.SessionID})
		return nil
	}
	frame, err := DecodeFrame(data)
	if err != nil {
		observability.Log().Warn("obs frame decode failed",
			observability.Field{Key: "session_id", Value: c.cfg.SessionID},
			observability.Field{Key: "error", Value: err},
		)
		return nil
	}

	switch frame.Op {
	case OpHello:
		return c.handleHello(ctx, frame)
	case OpIdentified:
		c.handleIdentified(frame)
	case OpEvent:
		c.handleEvent(ctx, frame)
	case OpRequestResponse:
		var resp RequestResponsePayload
		if err := DecodePayload(frame, &resp); err != nil {
			observability.Log().Warn("obs response decode failed",
				observability.Field{Key: "session_id", Value: c.cfg.SessionID},
				observability.Field{Key: "error", Value: err})
			return nil
		}
		if !c.tracker.Complete(resp) {
			observability.Log().Warn("obs response matched no pending request",
				observability.Field{Key: "session_id", Value: c.cfg.SessionID},
				observability.Field{Key: "request_id", Value: resp.RequestID},
				observability.Field{Key: "request_type", Value: resp.RequestType},
			)
		}
	case OpRequestBatchResponse:
		var resp RequestBatchResponsePayload
		if err := DecodePayload(frame, &resp); err != nil {
			observability.Log().Warn("obs batch response decode failed",
				observability.Field{Key: "session_id", Value: c.cfg.SessionID},
				observability.Field{Key: "error", Value: err})
			return nil
		}
		if !c.tracker.CompleteBatch(resp) {
			observability.Log().Warn("obs batch response matched no pending batch",
				observability.Field{Key: "session_id", Value: c.cfg.SessionID},
				observability.Field{Key: "request_id", Value: resp.RequestID},
			)
		}
	default:
		observability.Log().Warn("obs sent unexpected opcode; dropping",
			observability.Field{Key: "session_id", Value: c.cfg.SessionID},
			observability.Field{Key: "opcode", Value: int(frame.Op)},
		)
	}
	return nil
}

func (c *Connection) handleHello(ctx context.Context, frame Frame) error {
	if c.State() != StateAuthenticating {
		observability.Log().Warn("obs hello outside handshake; dropping",
			observability.Field{Key: "session_id", Value: c.cfg.SessionID},
			observability.Field{Key: "state", Value: c.State().String()},
		)
		return nil
	}
	var hello HelloPayload
	if err := DecodePayload(frame, &hello); err != nil {
		observability.Log().Warn("obs hello decode failed",
			observability.Field{Key: "session_id", Value: c.cfg.SessionID},
			observability.Field{Key: "error", Value: err})
		return nil
	}
	c.rpcVersion.Store(int64(hello.RPCVersion))

	identify := IdentifyPayload{
		RPCVersion:         hello.RPCVersion,
		EventSubscriptions: c.cfg.EventSubscriptions,
	}
	if hello.Authentication != nil {
		if c.cfg.Password == "" {
			err := errs.New(source, errs.KindAuth,
				errs.WithOp("handshake"),
				errs.WithMessage("obs requires authentication but no password is configured"),
				errs.WithField("reason", "auth_required_no_password"),
				errs.WithRemediation("set obs_websocket_password for this session"),
			)
			c.fatal(Notice{Kind: NoticeFatal, Reason: "auth_required_no_password", Err: err})
			return err
		}
		identify.Authentication = authToken(c.cfg.Password, hello.Authentication.Salt, hello.Authentication.Challenge)
	}

	frameBytes, err := EncodeFrame(OpIdentify, identify)
	if err != nil {
		observability.Log().Error("obs identify encode failed",
			observability.Field{Key: "session_id", Value: c.cfg.SessionID},
			observability.Field{Key: "error", Value: err})
		c.transport.Redial("identify encode failure")
		return nil
	}
	if err := c.transport.Send(ctx, frameBytes); err != nil {
		c.countError("obs identify send failed", observability.Field{Key: "error", Value: err})
	}
	return nil
}

func (c *Connection) handleIdentified(frame Frame) {
	if c.State() != StateAuthenticating {
		observability.Log().Warn("obs identified outside handshake; dropping",
			observability.Field{Key: "session_id", Value: c.cfg.SessionID},
			observability.Field{Key: "state", Value: c.State().String()},
		)
		return
	}
	var identified IdentifiedPayload
	if err := DecodePayload(frame, &identified); err != nil {
		observability.Log().Warn("obs identified decode failed",
			observability.Field{Key: "session_id", Value: c.cfg.SessionID},
			observability.Field{Key: "error", Value: err})
		return
	}
	c.negotiatedRPC.Store(int64(identified.NegotiatedRPCVersion))
	c.state.Store(int32(StateReady))
	c.everReady = true
	c.resetErrorStreak()
	observability.Log().Info("obs session ready",
		observability.Field{Key: "session_id", Value: c.cfg.SessionID},
		observability.Field{Key: "rpc_version", Value: identified.NegotiatedRPCVersion},
	)
	c.flushQueue()
	c.notify(Notice{Kind: NoticeReady})
}

func (c *Connection) handleEvent(ctx context.Context, frame Frame) {
	var payload EventPayload
	if err := DecodePayload(frame, &payload); err != nil {
		observability.Log().Warn("obs event decode failed",
			observability.Field{Key: "session_id", Value: c.cfg.SessionID},
			observability.Field{Key: "error", Value: err})
		return
	}
	select {
	case c.events <- DomainEvent{
		SessionID: c.cfg.SessionID,
		Type:      payload.EventType,
		Data:      payload.EventData,
		At:        time.Now(),
	}:
	case <-ctx.Done():
	}
}

// flushQueue dispatches queued requests FIFO. Entries from before the last
// disconnect are expired instead of resent; their callers decide whether to
// retry.
func (c *Connection) flushQueue() {
	queued := c.queue
	c.queue = nil
	for _, entry := range queued {
		if entry.epoch != c.epoch {
			c.tracker.Fail(entry.id, errs.New(source, errs.KindApplication,
				errs.WithOp("send_request"),
				errs.WithMessage("request expired across reconnect"),
				errs.WithField("reason", "request_expired"),
				errs.WithField("request_type", entry.requestType),
			))
			continue
		}
		c.dispatch(noCtx, entry.id, entry.requestType, entry.data)
	}
}

func (c *Connection) failQueued(msg string) {
	queued := c.queue
	c.queue = nil
	for _, entry := range queued {
		c.tracker.Fail(entry.id, errs.New(source, errs.KindNotConnected,
			errs.WithOp("send_request"), errs.WithMessage(msg),
			errs.WithField("request_type", entry.requestType)))
	}
}

func (c *Connection) dispatch(ctx context.Context, id, requestType string, data map[string]any) {
	frame, err := EncodeFrame(OpRequest, RequestPayload{
		RequestID:   id,
		RequestType: requestType,
		RequestData: data,
	})
	if err != nil {
		c.tracker.Fail(id, err)
		return
	}
	if err := c.transport.Send(ctx, frame); err != nil {
		c.tracker.Fail(id, err)
	}
}

// fatal stops the transport for good and notifies the owner.
func (c *Connection) fatal(notice Notice) {
	c.state.Store(int32(StateDisconnected))
	c.notify(notice)
	c.transport.Disconnect(notice.Reason)
}

// notify delivers a notice without ever blocking the FSM; owners that fall
// behind lose notices rather than stalling the socket.
func (c *Connection) notify(notice Notice) {
	select {
	case c.notices <- notice:
	default:
		observability.Log().Warn("obs owner notice dropped",
			observability.Field{Key: "session_id", Value: c.cfg.SessionID},
			observability.Field{Key: "kind", Value: int(notice.Kind)},
		)
	}
}

// countError logs the first errorLogLimit consecutive transport errors and
// counts the rest silently until the next successful connection.
func (c *Connection) countError(msg string, fields ...observability.Field) {
	c.errStreak++
	if c.errStreak > errorLogLimit {
		c.suppressed++
		return
	}
	fields = append(fields, observability.Field{Key: "session_id", Value: c.cfg.SessionID})
	if c.errStreak == errorLogLimit {
		fields = append(fields, observability.Field{Key: "note", Value: "further errors suppressed until reconnect"})
	}
	observability.Log().Warn(msg, fields...)
}

func (c *Connection) resetErrorStreak() {
	if c.suppressed > 0 {
		observability.Log().Info("obs transport recovered",
			observability.Field{Key: "session_id", Value: c.cfg.SessionID},
			observability.Field{Key: "suppressed_errors", Value: c.suppressed},
		)
	}
	c.errStreak = 0
	c.suppressed = 0
}

func isFatalCloseCode(code int) bool {
	switch code {
	case closeUnsupportedRPCVersion, closeUnsupportedFeature, closeAuthFailed:
		return true
	default:
		return false
	}
}
