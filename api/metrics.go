package api

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	boardSpanName    = "board.read"
	boardEventName   = "board.request"
	boardEventDomain = "board"
	boardRoute       = "/api/board"
)

// boardRequestMetrics collects per-request timings for the board read path
// and emits them both as a structured log event and as span attributes.
type boardRequestMetrics struct {
	logger *log.Logger
	span   trace.Span
	start  time.Time

	authDuration   time.Duration
	loadDuration   time.Duration
	encodeDuration time.Duration
	tasksReturned  int
	dragActive     bool
	errorStage     string
}

func newBoardRequestMetrics(ctx context.Context, logger *log.Logger) (*boardRequestMetrics, context.Context) {
	spanCtx, span := otel.Tracer("board-api").Start(ctx, boardSpanName)
	return &boardRequestMetrics{
		logger: logger,
		span:   span,
		start:  time.Now(),
	}, spanCtx
}

func (m *boardRequestMetrics) ObserveAuth(d time.Duration) {
	if d > 0 {
		m.authDuration = d
	}
}

func (m *boardRequestMetrics) ObserveLoad(d time.Duration) {
	if d > 0 {
		m.loadDuration = d
	}
}

func (m *boardRequestMetrics) ObserveEncode(d time.Duration) {
	if d > 0 {
		m.encodeDuration = d
	}
}

func (m *boardRequestMetrics) SetTasksReturned(count int) {
	if count < 0 {
		count = 0
	}
	m.tasksReturned = count
}

func (m *boardRequestMetrics) SetDragActive(active bool) {
	m.dragActive = active
}

func (m *boardRequestMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

// Log finishes the span and emits the request event. Call exactly once.
func (m *boardRequestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	totalMs := durationToMillis(time.Since(m.start))

	if m.span != nil {
		attrs := []attribute.KeyValue{
			attribute.String("http.route", boardRoute),
			attribute.Int("http.status_code", status),
			attribute.Int("board.tasks_returned", m.tasksReturned),
			attribute.Bool("board.drag_active", m.dragActive),
			attribute.Float64("board.total_ms", totalMs),
		}
		if m.errorStage != "" {
			attrs = append(attrs, attribute.String("board.error_stage", m.errorStage))
		}
		m.span.SetAttributes(attrs...)
		m.span.AddEvent(boardEventName)
		if err != nil || m.errorStage != "" {
			m.span.SetStatus(codes.Error, m.errorStage)
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"event.name":     boardEventName,
		"event.domain":   boardEventDomain,
		"route":          boardRoute,
		"status":         status,
		"total_ms":       totalMs,
		"tasks_returned": m.tasksReturned,
		"drag_active":    m.dragActive,
	}
	if m.authDuration > 0 {
		fields["auth_ms"] = durationToMillis(m.authDuration)
	}
	if m.loadDuration > 0 {
		fields["load_ms"] = durationToMillis(m.loadDuration)
	}
	if m.encodeDuration > 0 {
		fields["encode_ms"] = durationToMillis(m.encodeDuration)
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	m.logger.WithFields(fields).Info(boardEventName)
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
