package usecase

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-version"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"license-service/internal/domain"
	"license-service/internal/keycrypto"
)

// LicenseRepository はライセンスと失効情報の保存先のインターフェース。
// Find系は該当がない場合に (nil, nil) を返す。
type LicenseRepository interface {
	Create(ctx context.Context, lic *domain.License) error
	CreateSigned(ctx context.Context, signed *domain.SignedLicense) error
	FindByID(ctx context.Context, tenantID, id string) (*domain.License, error)
	FindSigned(ctx context.Context, tenantID, licenseID string) (*domain.SignedLicense, error)
	SaveRevocation(ctx context.Context, tenantID, licenseID string, rev domain.Revocation) (bool, error)
	FindRevocation(ctx context.Context, tenantID, licenseID string) (*domain.Revocation, error)
}

// SigningKeyProvider は署名用の秘密鍵を提供する。KeyStoreが実装する。
type SigningKeyProvider interface {
	SigningKey(ctx context.Context, tenantID, productID, password string) (*rsa.PrivateKey, string, error)
}

// SignOptions は署名時のオプション。
type SignOptions struct {
	KeyPassword string // 秘密鍵が暗号化されている場合に必要
	Actor       string
}

// LicenseSigner はライセンスに署名して保存する。
type LicenseSigner struct {
	keys    SigningKeyProvider
	repo    LicenseRepository
	tx      Transactor
	audit   AuditSink
	metrics Metrics
	now     func() time.Time
}

// NewLicenseSigner は新しいLicenseSignerを生成する。
func NewLicenseSigner(keys SigningKeyProvider, repo LicenseRepository, tx Transactor, audit AuditSink, metrics Metrics) *LicenseSigner {
	return &LicenseSigner{
		keys:    keys,
		repo:    repo,
		tx:      tx,
		audit:   auditOrNop(audit),
		metrics: metricsOrNop(metrics),
		now:     utcNow,
	}
}

// Sign はライセンスを正規化して署名し、ライセンスと署名済みライセンスを1トランザクションで保存する。
// 引数のライセンスは変更しない。
func (s *LicenseSigner) Sign(ctx context.Context, tenantID string, lic *domain.License, opts SignOptions) (_ *domain.SignedLicense, err error) {
	ctx, span := tracer.Start(ctx, "LicenseSigner.Sign", trace.WithAttributes(attribute.String("tenant.id", tenantID)))
	defer func() { endSpan(span, err) }()

	if err := validateTenantID(tenantID); err != nil {
		return nil, err
	}
	if lic == nil {
		return nil, fmt.Errorf("%w: license is required", domain.ErrInvalidLicense)
	}
	l := *lic
	if l.Version == 0 {
		l.Version = 1
	}
	return s.sign(ctx, tenantID, &l, opts, domain.AuditLicenseSigned)
}

// Renew は既存ライセンスを引き継いだ新しい有効期間のライセンスを発行する。
// 新しいライセンスは前のライセンスのIDを参照し、バージョンが1つ進む。
func (s *LicenseSigner) Renew(ctx context.Context, tenantID, previousID string, validFrom, validTo time.Time, opts SignOptions) (_ *domain.SignedLicense, err error) {
	ctx, span := tracer.Start(ctx, "LicenseSigner.Renew", trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("license.previous_id", previousID),
	))
	defer func() { endSpan(span, err) }()

	if err := validateTenantID(tenantID); err != nil {
		return nil, err
	}
	prev, err := s.repo.FindByID(ctx, tenantID, previousID)
	if err != nil {
		return nil, classify(fmt.Errorf("finding license %s: %w", previousID, err))
	}
	if prev == nil {
		return nil, domain.ErrLicenseNotFound
	}
	if prev.Revocation.EffectiveAt(s.now()) {
		return nil, domain.ErrLicenseRevoked
	}

	next := *prev
	next.ID = ""
	next.PreviousLicenseID = prev.ID
	next.Version = prev.Version + 1
	next.ValidFrom = validFrom
	next.ValidTo = validTo
	next.Revocation = nil
	next.Audit = domain.AuditInfo{}
	return s.sign(ctx, tenantID, &next, opts, domain.AuditLicenseRenewed)
}

// GetSigned は保存済みの署名済みライセンスを返す。
func (s *LicenseSigner) GetSigned(ctx context.Context, tenantID, licenseID string) (*domain.SignedLicense, error) {
	if err := validateTenantID(tenantID); err != nil {
		return nil, err
	}
	signed, err := s.repo.FindSigned(ctx, tenantID, licenseID)
	if err != nil {
		return nil, classify(fmt.Errorf("finding signed license %s: %w", licenseID, err))
	}
	if signed == nil {
		return nil, domain.ErrLicenseNotFound
	}
	return signed, nil
}

func (s *LicenseSigner) sign(ctx context.Context, tenantID string, l *domain.License, opts SignOptions, event domain.AuditEventType) (*domain.SignedLicense, error) {
	now := s.now()
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	l.TenantID = tenantID
	l.FormatVersion = domain.LicenseFormatVersion
	l.IssuedAt = now
	normalizeLicense(l)
	if err := validateForSigning(l); err != nil {
		return nil, err
	}
	actor := opts.Actor
	if actor == "" {
		actor = domain.SystemActor
	}
	l.Audit.Touch(actor, now)

	// 鍵の取得はトランザクションの外で行う
	priv, thumbprint, err := s.keys.SigningKey(ctx, tenantID, l.ProductID, opts.KeyPassword)
	if err != nil {
		return nil, fmt.Errorf("loading signing key for product %s: %w", l.ProductID, err)
	}

	payload, err := encodeLicense(l)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidLicense, err)
	}
	sig, err := keycrypto.SignPSS(priv, payload)
	if err != nil {
		return nil, err
	}
	signed := &domain.SignedLicense{
		LicenseID:           l.ID,
		TenantID:            tenantID,
		LicenseData:         base64.StdEncoding.EncodeToString(payload),
		Signature:           base64.StdEncoding.EncodeToString(sig),
		SignatureAlgorithm:  domain.SignatureAlgorithmPS256,
		PublicKeyThumbprint: thumbprint,
		FormatVersion:       domain.LicenseFormatVersion,
		CreatedAt:           canonicalTime(now),
		Checksum:            keycrypto.Checksum(payload),
	}

	// DBに保存
	err = s.tx.Transaction(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, l); err != nil {
			return fmt.Errorf("creating license %s: %w", l.ID, err)
		}
		if err := s.repo.CreateSigned(ctx, signed); err != nil {
			return fmt.Errorf("creating signed license %s: %w", l.ID, err)
		}
		// 埋め込まれた失効情報は失効台帳にも載せる
		if l.Revocation != nil {
			rev := *l.Revocation
			rev.RevokedBy = actor
			if _, err := s.repo.SaveRevocation(ctx, tenantID, l.ID, rev); err != nil {
				return fmt.Errorf("registering revocation for %s: %w", l.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}

	s.audit.Record(ctx, event, l.ID, actor, map[string]any{
		"tenant_id":           tenantID,
		"product_id":          l.ProductID,
		"consumer_id":         l.ConsumerID,
		"version":             l.Version,
		"previous_license_id": l.PreviousLicenseID,
		"thumbprint":          thumbprint,
	})
	s.metrics.LicenseSigned(tenantID, l.ProductID)
	return signed, nil
}

// validateForSigning はドメインの検査に加えて、署名形式に依存する項目を検査する。
func validateForSigning(l *domain.License) error {
	if err := l.Validate(); err != nil {
		return err
	}
	if l.CompatibleVersions != "" {
		if _, err := version.NewConstraint(l.CompatibleVersions); err != nil {
			return fmt.Errorf("%w: compatible versions %q: %v", domain.ErrInvalidLicense, l.CompatibleVersions, err)
		}
	}
	for k, v := range l.Metadata {
		if err := validateValue(v); err != nil {
			return fmt.Errorf("%w: metadata %q: %v", domain.ErrInvalidLicense, k, err)
		}
	}
	return nil
}

func validateValue(v domain.Value) error {
	switch v.Kind() {
	case domain.KindString, domain.KindNumber, domain.KindBool:
		return nil
	case domain.KindList:
		items, _ := v.List()
		for _, item := range items {
			if err := validateValue(item); err != nil {
				return err
			}
		}
		return nil
	case domain.KindMap:
		m, _ := v.Map()
		for _, item := range m {
			if err := validateValue(item); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("value has no kind")
	}
}
