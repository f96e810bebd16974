package usecase

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"license-service/internal/domain"
)

var tracer = otel.Tracer("license-service/usecase")

var identifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Transactor はcontextに載せたトランザクション内で処理を実行するインターフェース。
type Transactor interface {
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// AuditSink は監査イベントの記録先。記録の失敗は業務処理を止めない。
type AuditSink interface {
	Record(ctx context.Context, eventType domain.AuditEventType, entityID, actor string, details map[string]any)
}

// Metrics はユースケースが発行するメトリクスのインターフェース。
type Metrics interface {
	LicenseSigned(tenantID, productID string)
	LicenseValidated(status domain.LicenseStatus, cached bool)
	AdmissionDecided(entitlement, result string)
	EntitlementsSwept(entitlement string, count int)
}

type nopAudit struct{}

func (nopAudit) Record(context.Context, domain.AuditEventType, string, string, map[string]any) {}

type nopMetrics struct{}

func (nopMetrics) LicenseSigned(string, string) {}
func (nopMetrics) LicenseValidated(domain.LicenseStatus, bool) {}
func (nopMetrics) AdmissionDecided(string, string) {}
func (nopMetrics) EntitlementsSwept(string, int) {}

func auditOrNop(a AuditSink) AuditSink {
	if a == nil {
		return nopAudit{}
	}
	return a
}

func metricsOrNop(m Metrics) Metrics {
	if m == nil {
		return nopMetrics{}
	}
	return m
}

func utcNow() time.Time {
	return time.Now().UTC()
}

// validateTenantID はテナントIDの形式を検証する。
func validateTenantID(tenantID string) error {
	if tenantID == "" || len(tenantID) > 64 || !identifierRegex.MatchString(tenantID) {
		return domain.ErrInvalidTenantID
	}
	return nil
}

// validateProductID はプロダクトIDの形式を検証する。ファイル名にも使われる。
func validateProductID(productID string) error {
	if productID == "" || len(productID) > 128 || !identifierRegex.MatchString(productID) {
		return domain.ErrInvalidProductID
	}
	return nil
}

// classify はcontextの期限切れ・キャンセルをErrTimeoutに変換する。
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", domain.ErrTimeout, err)
	}
	return err
}

// endSpan はエラーをスパンに記録して終了する。
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
