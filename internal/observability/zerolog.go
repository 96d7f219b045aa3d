package observability

import (
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ZerologConfig controls the production logging backend.
type ZerologConfig struct {
	Level   string
	Pretty  bool
	Service string
}

type zerologLogger struct {
	logger zerolog.Logger
}

// NewZerologLogger adapts a zerolog logger to the Logger interface. Output is
// structured JSON unless Pretty is set, in which case a console writer is used.
func NewZerologLogger(w io.Writer, cfg ZerologConfig) Logger {
	level := parseLevel(cfg.Level)

	var output io.Writer = w
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	service := strings.TrimSpace(cfg.Service)
	if service == "" {
		service = "hovercast"
	}

	logger := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("service", service).
		Logger()

	return &zerologLogger{logger: logger}
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (l *zerologLogger) Debug(msg string, fields ...Field) {
	l.emit(l.logger.Debug(), msg, fields)
}

func (l *zerologLogger) Info(msg string, fields ...Field) {
	l.emit(l.logger.Info(), msg, fields)
}

func (l *zerologLogger) Warn(msg string, fields ...Field) {
	l.emit(l.logger.Warn(), msg, fields)
}

func (l *zerologLogger) Error(msg string, fields ...Field) {
	l.emit(l.logger.Error(), msg, fields)
}

func (l *zerologLogger) emit(event *zerolog.Event, msg string, fields []Field) {
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		switch v := field.Value.(type) {
		case error:
			event = event.AnErr(field.Key, v)
		case string:
			event = event.Str(field.Key, v)
		case int:
			event = event.Int(field.Key, v)
		case int64:
			event = event.Int64(field.Key, v)
		case float64:
			event = event.Float64(field.Key, v)
		case bool:
			event = event.Bool(field.Key, v)
		case time.Duration:
			event = event.Dur(field.Key, v)
		case time.Time:
			event = event.Time(field.Key, v)
		default:
			event = event.Interface(field.Key, v)
		}
	}
	event.Msg(msg)
}
