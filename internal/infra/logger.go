package infra

import (
	"context"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"license-service/config"
)

// TraceHandler はスパン情報をログに付与するslogハンドラ。
type TraceHandler struct {
	handler   slog.Handler
	projectID string
}

// NewTraceHandler はトレース情報付きのslogハンドラを生成する。
// projectIDが設定されていればCloud Logging用のフィールドも付与する。
func NewTraceHandler(handler slog.Handler, projectID string) *TraceHandler {
	return &TraceHandler{handler: handler, projectID: projectID}
}

// Enabled はハンドラがログを処理するかどうかを返す。
func (h *TraceHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

// Handle はログレコードにtrace_id/span_idを付与して委譲する。
func (h *TraceHandler) Handle(ctx context.Context, r slog.Record) error {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.IsValid() {
		traceID := sc.TraceID().String()
		spanID := sc.SpanID().String()
		r.AddAttrs(
			slog.String("trace_id", traceID),
			slog.String("span_id", spanID),
			slog.Bool("trace_sampled", sc.IsSampled()),
		)
		if h.projectID != "" {
			r.AddAttrs(
				slog.String("logging.googleapis.com/trace", "projects/"+h.projectID+"/traces/"+traceID),
				slog.String("logging.googleapis.com/spanId", spanID),
			)
		}
	}
	return h.handler.Handle(ctx, r)
}

// WithAttrs は属性を追加した新しいハンドラを返す。
func (h *TraceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TraceHandler{handler: h.handler.WithAttrs(attrs), projectID: h.projectID}
}

// WithGroup はグループを追加した新しいハンドラを返す。
func (h *TraceHandler) WithGroup(name string) slog.Handler {
	return &TraceHandler{handler: h.handler.WithGroup(name), projectID: h.projectID}
}

// SetupLogger はJSON出力のグローバルロガーを設定する。
func SetupLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	jsonHandler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	logger := slog.New(NewTraceHandler(jsonHandler, cfg.GoogleCloudProject)).
		With("service", cfg.OtelServiceName)
	slog.SetDefault(logger)
	return logger
}
