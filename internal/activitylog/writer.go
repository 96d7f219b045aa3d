// Package activitylog decouples event ingestion from activity persistence: a
// bounded queue in front of a Sink, so a slow or absent database never blocks
// the decode path.
package activitylog

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/hovercast/hovercast/internal/infra/telemetry"
	"github.com/hovercast/hovercast/internal/observability"
)

const defaultQueueSize = 256

// Entry is one persistable activity record.
type Entry struct {
	EventType     string
	BroadcasterID string
	UserID        string
	UserLogin     string
	UserName      string
	Payload       map[string]any
	OccurredAt    time.Time
}

// Sink persists entries. Implementations: postgres.ActivityStore, MemorySink.
type Sink interface {
	Write(ctx context.Context, entry Entry) error
}

// Writer accepts entries without blocking and writes them from a single
// drain goroutine. When the queue is full the entry is dropped and counted;
// ingestion latency is worth more than a lossless log.
type Writer struct {
	sink  Sink
	queue chan Entry

	writeCounter metric.Int64Counter
	dropCounter  metric.Int64Counter
}

// NewWriter builds a writer; queueSize zero means the 256 default.
func NewWriter(sink Sink, queueSize int) *Writer {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	w := &Writer{sink: sink, queue: make(chan Entry, queueSize)}
	meter := otel.Meter("activitylog")
	w.writeCounter, _ = meter.Int64Counter("activitylog.writes",
		metric.WithDescription("Activity log writes by outcome"))
	w.dropCounter, _ = meter.Int64Counter("activitylog.drops",
		metric.WithDescription("Activity entries dropped on a full queue"))
	return w
}

// Enqueue hands one entry to the drain goroutine. Never blocks; returns false
// when the queue was full and the entry was dropped.
func (w *Writer) Enqueue(entry Entry) bool {
	select {
	case w.queue <- entry:
		return true
	default:
		if w.dropCounter != nil {
			w.dropCounter.Add(context.Background(), 1)
		}
		observability.Log().Warn("activity entry dropped; queue full",
			observability.Field{Key: "event_type", Value: entry.EventType})
		return false
	}
}

// Depth reports the current queue occupancy.
func (w *Writer) Depth() int { return len(w.queue) }

// Run drains the queue until ctx is cancelled.
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case entry := <-w.queue:
			w.write(ctx, entry)
		}
	}
}

func (w *Writer) write(ctx context.Context, entry Entry) {
	err := w.sink.Write(ctx, entry)
	result := "ok"
	if err != nil {
		result = "error"
		observability.Log().Warn("activity write failed",
			observability.Field{Key: "event_type", Value: entry.EventType},
			observability.Field{Key: "error", Value: err},
		)
	}
	if w.writeCounter != nil {
		w.writeCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.OperationResultAttributes(telemetry.Environment(), "activitylog", "write", result)...))
	}
}
