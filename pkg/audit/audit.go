// Package audit frames structured events into WORM log lines. Every line
// carries ts, trace_id, span_id, level, actor and event so downstream
// tooling can correlate the audit trail with traces.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/arbiterlabs/arbiter/pkg/wormlog"
)

// Level classifies event severity.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Event is one audit line. Fields are flattened into the JSON object.
type Event struct {
	TS      string         `json:"ts"`
	TraceID string         `json:"trace_id"`
	SpanID  string         `json:"span_id"`
	Level   Level          `json:"level"`
	Actor   string         `json:"actor"`
	Event   string         `json:"event"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Emitter writes events through the WORM log. Write failures degrade to the
// fallback slog sink: auditability is reduced but execution continues.
type Emitter struct {
	log      *wormlog.Log
	fallback *slog.Logger
	clock    func() time.Time
}

// NewEmitter creates an emitter. A nil logger falls back to slog.Default.
func NewEmitter(log *wormlog.Log, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		log:      log,
		fallback: logger.With("component", "audit"),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for tests.
func (e *Emitter) WithClock(clock func() time.Time) *Emitter {
	e.clock = clock
	return e
}

// Emit writes one event line. Trace and span ids come from the context's
// active span when present, otherwise a fresh trace id is minted so the
// line is still correlatable.
func (e *Emitter) Emit(ctx context.Context, level Level, actor, event string, fields map[string]any) {
	evt := Event{
		TS:     e.clock().UTC().Format(time.RFC3339Nano),
		Level:  level,
		Actor:  actor,
		Event:  event,
		Fields: fields,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		evt.TraceID = sc.TraceID().String()
		evt.SpanID = sc.SpanID().String()
	} else {
		evt.TraceID = strings.ReplaceAll(uuid.New().String(), "-", "")
		evt.SpanID = evt.TraceID[:16]
	}

	line, err := json.Marshal(evt)
	if err != nil {
		e.fallback.Error("audit event marshal failed", "event", event, "error", err)
		return
	}
	if e.log == nil {
		e.fallback.Info("audit", "line", string(line))
		return
	}
	if err := e.log.Append(line); err != nil {
		e.fallback.Error("audit append failed, event lost from WORM trail",
			"event", event, "error", err)
	}
}
