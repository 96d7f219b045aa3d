package correlation

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/hovercast/hovercast/internal/domain/schema"
	"github.com/hovercast/hovercast/internal/infra/bus/eventbus"
	"github.com/hovercast/hovercast/internal/infra/telemetry"
	"github.com/hovercast/hovercast/internal/observability"
)

// EngineConfig tunes the correlation engine. Zero values fall back to
// defaults.
type EngineConfig struct {
	TranscriptionWindow time.Duration
	TranscriptionLimit  int
	ChatWindow          time.Duration
	ChatLimit           int
	// MatchSlack half-widths the window scanned around a transcription's
	// expected chat arrival.
	MatchSlack time.Duration
	// MinConfidence is the floor below which matches are not emitted.
	MinConfidence    float64
	EstimateInterval time.Duration
	PruneInterval    time.Duration
	Analyzer         AnalyzerConfig
}

func (c EngineConfig) normalize() EngineConfig {
	if c.TranscriptionWindow <= 0 {
		c.TranscriptionWindow = 30 * time.Second
	}
	if c.TranscriptionLimit <= 0 {
		c.TranscriptionLimit = 100
	}
	if c.ChatWindow <= 0 {
		c.ChatWindow = 30 * time.Second
	}
	if c.ChatLimit <= 0 {
		c.ChatLimit = 300
	}
	if c.MatchSlack <= 0 {
		c.MatchSlack = 2 * time.Second
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = 0.4
	}
	if c.EstimateInterval <= 0 {
		c.EstimateInterval = time.Minute
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = 2 * time.Minute
	}
	return c
}

// EngineStatus is a point-in-time snapshot for status reporting.
type EngineStatus struct {
	Delay                time.Duration `json:"delay_ms"`
	Confidence           float64       `json:"confidence"`
	Transcriptions       int           `json:"transcriptions"`
	ChatMessages         int           `json:"chat_messages"`
	TranscriptionBuckets int           `json:"transcription_buckets"`
	ChatBuckets          int           `json:"chat_buckets"`
}

// Engine subscribes to transcription and chat topics, keeps both sliding
// buffers and activity signals current, and publishes scored matches on the
// correlation topic. Each transcription is evaluated once its expected chat
// window has fully elapsed.
type Engine struct {
	cfg         EngineConfig
	bus         eventbus.Bus
	analyzer    *TemporalAnalyzer
	transcripts *SlidingBuffer[Transcription]
	chats       *SlidingBuffer[ChatMessage]

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
	now    func() time.Time

	matchCounter       metric.Int64Counter
	estimationCounter  metric.Int64Counter
	estimationDuration metric.Float64Histogram
}

func NewEngine(cfg EngineConfig, bus eventbus.Bus) *Engine {
	cfg = cfg.normalize()
	e := &Engine{
		cfg:         cfg,
		bus:         bus,
		analyzer:    NewTemporalAnalyzer(cfg.Analyzer),
		transcripts: NewSlidingBuffer[Transcription](cfg.TranscriptionWindow, cfg.TranscriptionLimit),
		chats:       NewSlidingBuffer[ChatMessage](cfg.ChatWindow, cfg.ChatLimit),
		now:         time.Now,
	}
	meter := otel.Meter("correlation")
	e.matchCounter, _ = meter.Int64Counter("correlation.matches.emitted",
		metric.WithDescription("Correlation matches published above the confidence floor"))
	e.estimationCounter, _ = meter.Int64Counter("correlation.estimations",
		metric.WithDescription("Delay estimation passes by outcome"))
	e.estimationDuration, _ = meter.Float64Histogram("correlation.estimation.duration",
		metric.WithDescription("Delay estimation duration"),
		metric.WithUnit("ms"))
	return e
}

// Start subscribes to the input topics and launches the estimation and prune
// loops. The engine runs until Close or ctx cancellation.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.ctx = runCtx
	e.cancel = cancel

	_, transcriptions, err := e.bus.Subscribe(runCtx, schema.TopicTranscription)
	if err != nil {
		cancel()
		return err
	}
	_, chats, err := e.bus.Subscribe(runCtx, schema.TopicChat)
	if err != nil {
		cancel()
		return err
	}

	e.wg.Go(func() { e.consumeTranscriptions(transcriptions) })
	e.wg.Go(func() { e.consumeChat(chats) })
	e.wg.Go(e.estimationLoop)
	e.wg.Go(e.pruneLoop)
	return nil
}

// Close stops all engine tasks and waits for them to finish.
func (e *Engine) Close() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// AddTranscription records one speech segment and schedules its match
// evaluation for when the expected chat window has fully arrived.
func (e *Engine) AddTranscription(at time.Time, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	tr := Transcription{At: at, Text: text}
	e.transcripts.Add(at, tr)
	e.analyzer.AddTranscription(at, len(strings.Fields(text)))
	e.scheduleEvaluation(tr)
}

// AddChat records one viewer chat line.
func (e *Engine) AddChat(at time.Time, user, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	e.chats.Add(at, ChatMessage{At: at, User: user, Text: text})
	e.analyzer.AddChat(at)
}

// RunEstimation performs one delay estimation pass and records telemetry.
func (e *Engine) RunEstimation(ctx context.Context) Estimate {
	start := time.Now()
	est := e.analyzer.EstimateDelay()
	attrs := metric.WithAttributes(telemetry.OperationResultAttributes(
		telemetry.Environment(), "correlation", "estimate_delay", est.Status)...)
	e.estimationDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000.0, attrs)
	e.estimationCounter.Add(ctx, 1, attrs)
	observability.Log().Debug("delay estimation completed",
		observability.Field{Key: "status", Value: est.Status},
		observability.Field{Key: "delay", Value: est.Delay},
		observability.Field{Key: "confidence", Value: est.Confidence},
		observability.Field{Key: "peak", Value: est.Peak},
		observability.Field{Key: "buckets", Value: est.Buckets},
	)
	return est
}

// Status reports the current estimate and buffer occupancy.
func (e *Engine) Status() EngineStatus {
	delay, confidence := e.analyzer.Current()
	transBuckets, chatBuckets := e.analyzer.SignalSizes()
	return EngineStatus{
		Delay:                delay,
		Confidence:           confidence,
		Transcriptions:       e.transcripts.Size(),
		ChatMessages:         e.chats.Size(),
		TranscriptionBuckets: transBuckets,
		ChatBuckets:          chatBuckets,
	}
}

func (e *Engine) consumeTranscriptions(events <-chan *schema.Event) {
	for evt := range events {
		text := stringField(evt.Payload, "text")
		if strings.TrimSpace(text) == "" {
			observability.Log().Debug("transcription event without text; skipped")
			continue
		}
		at := evt.Timestamp
		if at.IsZero() {
			at = e.now()
		}
		e.AddTranscription(at, text)
	}
}

func (e *Engine) consumeChat(events <-chan *schema.Event) {
	for evt := range events {
		text := stringField(evt.Payload, "message")
		if text == "" {
			// Clears and deletions share the chat topic; nothing to score.
			continue
		}
		at := evt.Timestamp
		if at.IsZero() {
			at = e.now()
		}
		e.AddChat(at, stringField(evt.Payload, "chatter_user_login"), text)
	}
}

func (e *Engine) estimationLoop() {
	ticker := time.NewTicker(e.cfg.EstimateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.RunEstimation(e.ctx)
		}
	}
}

func (e *Engine) pruneLoop() {
	ticker := time.NewTicker(e.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.analyzer.PruneSignals()
			e.transcripts.Prune()
			e.chats.Prune()
		}
	}
}

// scheduleEvaluation defers scoring until chats for the whole expected window
// [at+delay-slack, at+delay+slack] can have arrived.
func (e *Engine) scheduleEvaluation(tr Transcription) {
	delay, _ := e.analyzer.Current()
	wait := tr.At.Add(delay + e.cfg.MatchSlack).Sub(e.now())
	if wait <= 0 {
		e.evaluateAndPublish(tr)
		return
	}
	e.wg.Go(func() {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-e.ctx.Done():
		case <-timer.C:
			e.evaluateAndPublish(tr)
		}
	})
}

func (e *Engine) evaluateAndPublish(tr Transcription) {
	for _, m := range e.evaluate(tr) {
		evt := &schema.Event{
			Topic:     schema.TopicCorrelationTemporal,
			Type:      "correlation.match",
			Source:    schema.SourceCorrelation,
			ID:        uuid.NewString(),
			Timestamp: e.now(),
			Payload: map[string]any{
				"pattern":             string(m.Pattern),
				"timing":              m.Timing,
				"confidence":          m.Confidence,
				"base_score":          m.Base,
				"timing_multiplier":   m.Multiplier,
				"timing_deviation_ms": m.Deviation.Milliseconds(),
				"transcription_text":  m.Transcription.Text,
				"transcription_at":    m.Transcription.At.UTC().Format(time.RFC3339Nano),
				"chat_user":           m.Chat.User,
				"chat_message":        m.Chat.Text,
				"chat_at":             m.Chat.At.UTC().Format(time.RFC3339Nano),
			},
		}
		if err := e.bus.Publish(e.ctx, evt); err != nil {
			observability.Log().Warn("correlation match publish failed",
				observability.Field{Key: "error", Value: err},
			)
			continue
		}
		e.matchCounter.Add(e.ctx, 1, metric.WithAttributes(
			telemetry.AttrPattern.String(string(m.Pattern)),
			telemetry.AttrEnvironment.String(telemetry.Environment()),
		))
	}
}

// evaluate scans the chat buffer for the transcription's expected window and
// returns matches above the confidence floor, highest confidence first.
func (e *Engine) evaluate(tr Transcription) []Match {
	delay, confidence := e.analyzer.Current()
	if confidence <= 0 {
		return nil
	}
	center := tr.At.Add(delay)
	candidates := e.chats.Range(center.Add(-e.cfg.MatchSlack), center.Add(e.cfg.MatchSlack))
	var out []Match
	for _, chat := range candidates {
		if m := scorePair(tr, chat, delay, confidence); m.Confidence >= e.cfg.MinConfidence {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out
}

func stringField(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	s, _ := payload[key].(string)
	return s
}
