package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/rendis/pms/pkg/ambiance"
)

type ctxKey int

const (
	planExecutionIDKey ctxKey = iota
	nodeExecutionIDKey
	runtimeIDKey
)

// correlationAttrs maps each context key to its log attribute name, in output order.
var correlationAttrs = []struct {
	key  ctxKey
	attr string
}{
	{planExecutionIDKey, "plan_execution_id"},
	{nodeExecutionIDKey, "node_execution_id"},
	{runtimeIDKey, "runtime_id"},
}

// WithPlanExecutionID returns a context with the plan execution ID set.
func WithPlanExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, planExecutionIDKey, id)
}

// WithNodeExecutionID returns a context with the node execution ID set.
func WithNodeExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, nodeExecutionIDKey, id)
}

// WithRuntimeID returns a context with the current level runtime ID set.
func WithRuntimeID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runtimeIDKey, id)
}

// WithAmbiance sets the plan execution and runtime IDs addressed by a.
func WithAmbiance(ctx context.Context, a ambiance.Ambiance) context.Context {
	ctx = WithPlanExecutionID(ctx, a.PlanExecutionID)
	if rid := a.CurrentRuntimeID(); rid != "" {
		ctx = WithRuntimeID(ctx, rid)
	}
	return ctx
}

func value(ctx context.Context, k ctxKey) string {
	v, _ := ctx.Value(k).(string)
	return v
}

// PlanExecutionID extracts the plan execution ID from the context, or "".
func PlanExecutionID(ctx context.Context) string { return value(ctx, planExecutionIDKey) }

// NodeExecutionID extracts the node execution ID from the context, or "".
func NodeExecutionID(ctx context.Context) string { return value(ctx, nodeExecutionIDKey) }

// RuntimeID extracts the runtime ID from the context, or "".
func RuntimeID(ctx context.Context) string { return value(ctx, runtimeIDKey) }

func correlation(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	for _, c := range correlationAttrs {
		if v := value(ctx, c.key); v != "" {
			attrs = append(attrs, slog.String(c.attr, v))
		}
	}
	return attrs
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range correlation(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, injecting correlation IDs from the
// context into every record logged with a *Context method.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(correlation(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// ParseLevel maps debug/info/warn/error to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds the process logger: text or JSON output wrapped in a CorrelationHandler.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var inner slog.Handler
	if format == "json" {
		inner = slog.NewJSONHandler(w, opts)
	} else {
		inner = slog.NewTextHandler(w, opts)
	}
	return slog.New(NewCorrelationHandler(inner))
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
