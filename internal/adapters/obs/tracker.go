package obs

import (
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/hovercast/hovercast/errs"
	"github.com/hovercast/hovercast/internal/infra/telemetry"
	"github.com/hovercast/hovercast/internal/observability"
)

const defaultRequestTimeout = 30 * time.Second

// Result resolves a tracked request. Exactly one of Data, Batch, or Err is
// populated.
type Result struct {
	Data  map[string]any
	Batch []RequestResponsePayload
	Err   error
}

type pendingKind int

const (
	pendingSingle pendingKind = iota
	pendingBatch
)

type pendingRequest struct {
	kind        pendingKind
	requestType string
	waiter      chan Result
	timer       *time.Timer
	sentAt      time.Time
}

// RequestTracker owns the in-flight request table for one session. Request
// ids are monotonically increasing integers rendered as strings, matching the
// protocol's requestId field. Every tracked request resolves exactly once:
// matching response, timeout, or forced cancel on teardown.
type RequestTracker struct {
	sessionID string
	timeout   time.Duration
	now       func() time.Time

	mu      sync.Mutex
	nextID  uint64
	pending map[string]*pendingRequest

	latency  metric.Float64Histogram
	outcomes metric.Int64Counter
}

// NewRequestTracker builds a tracker with the given per-request timeout;
// zero means the 30 s default.
func NewRequestTracker(sessionID string, timeout time.Duration) *RequestTracker {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	t := &RequestTracker{
		sessionID: sessionID,
		timeout:   timeout,
		now:       time.Now,
		pending:   make(map[string]*pendingRequest),
	}
	meter := otel.Meter("obs")
	t.latency, _ = meter.Float64Histogram("obs.request.duration",
		metric.WithDescription("Round-trip latency of OBS requests"),
		metric.WithUnit("ms"))
	t.outcomes, _ = meter.Int64Counter("obs.request.outcomes",
		metric.WithDescription("OBS request completions by result"),
		metric.WithUnit("{request}"))
	return t
}

// Track registers a new single request and returns its wire id together with
// the waiter the eventual Result lands on. The timeout timer starts
// immediately; callers send the frame right after.
func (t *RequestTracker) Track(requestType string) (string, <-chan Result) {
	return t.track(pendingSingle, requestType)
}

// TrackBatch registers an opcode 8 batch keyed by its batch request id.
func (t *RequestTracker) TrackBatch() (string, <-chan Result) {
	return t.track(pendingBatch, "request_batch")
}

func (t *RequestTracker) track(kind pendingKind, requestType string) (string, <-chan Result) {
	t.mu.Lock()
	t.nextID++
	id := strconv.FormatUint(t.nextID, 10)
	entry := &pendingRequest{
		kind:        kind,
		requestType: requestType,
		waiter:      make(chan Result, 1),
		sentAt:      t.now(),
	}
	entry.timer = time.AfterFunc(t.timeout, func() { t.expire(id) })
	t.pending[id] = entry
	t.mu.Unlock()
	return id, entry.waiter
}

// Complete resolves a single request from an opcode 7 response. Returns false
// when no request with that id is in flight (late response after timeout, or
// a response the tracker never issued).
func (t *RequestTracker) Complete(resp RequestResponsePayload) bool {
	entry, ok := t.take(resp.RequestID)
	if !ok || entry.kind != pendingSingle {
		return false
	}
	t.observe(entry, resp.RequestStatus.Result)
	if resp.RequestStatus.Result {
		entry.waiter <- Result{Data: resp.ResponseData}
		return true
	}
	entry.waiter <- Result{Err: errs.New(source, errs.KindApplication,
		errs.WithOp("request"),
		errs.WithMessage("request rejected by obs"),
		errs.WithField("request_type", entry.requestType),
		errs.WithField("status_code", strconv.Itoa(resp.RequestStatus.Code)),
		errs.WithField("comment", resp.RequestStatus.Comment),
	)}
	return true
}

// CompleteBatch resolves a batch from an opcode 9 response.
func (t *RequestTracker) CompleteBatch(resp RequestBatchResponsePayload) bool {
	entry, ok := t.take(resp.RequestID)
	if !ok || entry.kind != pendingBatch {
		return false
	}
	t.observe(entry, true)
	entry.waiter <- Result{Batch: resp.Results}
	return true
}

// Fail resolves one request with err, typically because the frame could not
// be written.
func (t *RequestTracker) Fail(id string, err error) bool {
	entry, ok := t.take(id)
	if !ok {
		return false
	}
	t.observe(entry, false)
	entry.waiter <- Result{Err: err}
	return true
}

// CancelAll force-resolves every in-flight request with err. Used on FSM
// teardown so no caller is left waiting.
func (t *RequestTracker) CancelAll(err error) {
	t.mu.Lock()
	drained := t.pending
	t.pending = make(map[string]*pendingRequest)
	t.mu.Unlock()
	for _, entry := range drained {
		entry.timer.Stop()
		t.observe(entry, false)
		entry.waiter <- Result{Err: err}
	}
}

// Pending reports the in-flight request count.
func (t *RequestTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *RequestTracker) expire(id string) {
	entry, ok := t.take(id)
	if !ok {
		return
	}
	t.observe(entry, false)
	observability.Log().Warn("obs request timed out",
		observability.Field{Key: "session_id", Value: t.sessionID},
		observability.Field{Key: "request_id", Value: id},
		observability.Field{Key: "request_type", Value: entry.requestType},
		observability.Field{Key: "timeout", Value: t.timeout.String()},
	)
	entry.waiter <- Result{Err: errs.New(source, errs.KindTimeout,
		errs.WithOp("request"),
		errs.WithMessage("request timed out"),
		errs.WithField("request_type", entry.requestType),
	)}
}

// take removes the entry under the lock, guaranteeing single resolution.
func (t *RequestTracker) take(id string) (*pendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.pending[id]
	if !ok {
		return nil, false
	}
	delete(t.pending, id)
	entry.timer.Stop()
	return entry, true
}

func (t *RequestTracker) observe(entry *pendingRequest, success bool) {
	elapsed := t.now().Sub(entry.sentAt)
	result := "success"
	if !success {
		result = "error"
	}
	attrs := telemetry.RequestAttributes(telemetry.Environment(), t.sessionID, entry.requestType, result)
	t.latency.Record(noCtx, float64(elapsed.Milliseconds()), metric.WithAttributes(attrs...))
	t.outcomes.Add(noCtx, 1, metric.WithAttributes(attrs...))
}
