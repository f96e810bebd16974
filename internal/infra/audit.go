package infra

import (
	"context"
	"log/slog"
	"time"

	"license-service/internal/domain"
)

// AuditLogger は監査イベントを構造化ログとして出力する。
type AuditLogger struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewAuditLogger は新しいAuditLoggerを生成する。loggerがnilの場合はデフォルトロガーを使う。
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLogger{
		logger: logger.With("audit", true),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Record は監査イベントを1行のログとして記録する。
func (a *AuditLogger) Record(ctx context.Context, eventType domain.AuditEventType, entityID, actor string, details map[string]any) {
	if actor == "" {
		actor = domain.SystemActor
	}
	attrs := []any{
		"event_type", string(eventType),
		"entity_id", entityID,
		"actor", actor,
		"timestamp", a.now().Format(time.RFC3339),
	}
	if len(details) > 0 {
		attrs = append(attrs, "details", details)
	}
	a.logger.InfoContext(ctx, "audit event", attrs...)
}
