package usecase

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-version"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"license-service/internal/domain"
	"license-service/internal/keycrypto"
)

// PublicKeyResolver はサムプリントから公開鍵を解決する。KeyStoreが実装する。
type PublicKeyResolver interface {
	GetPublicKeyByThumbprint(ctx context.Context, tenantID, thumbprint string) (*domain.PublicKey, error)
}

// LicenseVerifier は署名済みライセンスを検証し、状態を導出する。
// 検証はロックを取らず、並行に実行できる。
type LicenseVerifier struct {
	keys    PublicKeyResolver
	repo    LicenseRepository
	cache   *VerificationCache // nilの場合はキャッシュしない
	audit   AuditSink
	metrics Metrics
}

// NewLicenseVerifier は新しいLicenseVerifierを生成する。
func NewLicenseVerifier(keys PublicKeyResolver, repo LicenseRepository, cache *VerificationCache, audit AuditSink, metrics Metrics) *LicenseVerifier {
	return &LicenseVerifier{
		keys:    keys,
		repo:    repo,
		cache:   cache,
		audit:   auditOrNop(audit),
		metrics: metricsOrNop(metrics),
	}
}

// Verify は署名済みライセンスを検証する。ライセンスの不備は結果の状態として返し、
// エラーは鍵の読み出し失敗やタイムアウトなど基盤側の失敗にのみ使う。
func (v *LicenseVerifier) Verify(ctx context.Context, tenantID string, signed *domain.SignedLicense, now time.Time, opts domain.LicenseValidationOptions) (_ *domain.LicenseValidationResult, err error) {
	ctx, span := tracer.Start(ctx, "LicenseVerifier.Verify", trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
	))
	defer func() { endSpan(span, err) }()

	if err := validateTenantID(tenantID); err != nil {
		return nil, err
	}
	if signed == nil {
		return nil, fmt.Errorf("%w: signed license is required", domain.ErrInvalidArgument)
	}
	now = now.UTC()

	useCache := v.cache != nil && opts.CacheDurationMinutes > 0
	var key string
	var epoch uint64
	if useCache {
		key = verificationCacheKey(tenantID, signed, now, opts)
		if cached, ok := v.cache.Get(key); ok {
			v.metrics.LicenseValidated(cached.Status, true)
			span.SetAttributes(attribute.String("license.status", string(cached.Status)), attribute.Bool("cache.hit", true))
			return cached, nil
		}
		epoch = v.cache.Epoch()
	}

	result, err := v.evaluate(ctx, tenantID, signed, now, opts)
	if err != nil {
		return nil, err
	}
	if useCache {
		licenseID := ""
		if result.License != nil {
			licenseID = result.License.ID
		}
		v.cache.Add(key, licenseID, result, epoch)
	}
	v.metrics.LicenseValidated(result.Status, false)
	span.SetAttributes(attribute.String("license.status", string(result.Status)), attribute.Bool("cache.hit", false))
	return result, nil
}

func (v *LicenseVerifier) evaluate(ctx context.Context, tenantID string, signed *domain.SignedLicense, now time.Time, opts domain.LicenseValidationOptions) (*domain.LicenseValidationResult, error) {
	res := domain.NewValidationResult(now)

	// ペイロードの復元
	payload, err := base64.StdEncoding.Strict().DecodeString(signed.LicenseData)
	if err != nil || len(payload) == 0 {
		return res.Finish(domain.LicenseStatusCorrupted, "license data could not be decoded"), nil
	}
	res.Addf("license data decoded (%d bytes)", len(payload))

	// 署名の検証
	sig, err := base64.StdEncoding.Strict().DecodeString(signed.Signature)
	if err != nil || len(sig) == 0 {
		return res.Finish(domain.LicenseStatusInvalid, "signature could not be decoded"), nil
	}
	if signed.SignatureAlgorithm != domain.SignatureAlgorithmPS256 {
		return res.Finish(domain.LicenseStatusInvalid, "unsupported signature algorithm %q", signed.SignatureAlgorithm), nil
	}
	if signed.Checksum != "" && signed.Checksum != keycrypto.Checksum(payload) {
		return res.Finish(domain.LicenseStatusInvalid, "checksum mismatch"), nil
	}
	if signed.PublicKeyThumbprint == "" {
		return res.Finish(domain.LicenseStatusNotFound, "signing key thumbprint is missing"), nil
	}
	pub, err := v.keys.GetPublicKeyByThumbprint(ctx, tenantID, signed.PublicKeyThumbprint)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return res.Finish(domain.LicenseStatusNotFound, "signing key %s not found", signed.PublicKeyThumbprint), nil
		}
		return nil, classify(fmt.Errorf("resolving public key %s: %w", signed.PublicKeyThumbprint, err))
	}
	rsaPub, err := keycrypto.ParsePublicKey(pub.PEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrKeyCorrupted, err)
	}
	if err := keycrypto.VerifyPSS(rsaPub, payload, sig); err != nil {
		return res.Finish(domain.LicenseStatusInvalid, "signature verification failed"), nil
	}
	res.SignatureValid = true
	res.Addf("signature verified with key %s (%s)", pub.Thumbprint, pub.Status)

	lic, err := decodeLicense(payload)
	if err != nil {
		return res.Finish(domain.LicenseStatusCorrupted, "license payload could not be parsed: %v", err), nil
	}
	res.License = lic

	// プロダクトと互換バージョン
	if opts.ExpectedProductID != "" && lic.ProductID != opts.ExpectedProductID {
		return res.Finish(domain.LicenseStatusWrongProduct, "license is for product %q, expected %q", lic.ProductID, opts.ExpectedProductID), nil
	}
	if opts.ProductVersion != "" && lic.CompatibleVersions != "" {
		if msg, ok := checkCompatibility(lic.CompatibleVersions, opts.ProductVersion); !ok {
			return res.Finish(domain.LicenseStatusUnsupportedVersion, "%s", msg), nil
		}
		res.Addf("product version %s satisfies %q", opts.ProductVersion, lic.CompatibleVersions)
	}

	// 失効は日付より優先する
	rev := lic.Revocation
	if !opts.SkipRevocationRegistry && v.repo != nil && lic.ID != "" {
		registered, err := v.repo.FindRevocation(ctx, tenantID, lic.ID)
		if err != nil {
			return nil, classify(fmt.Errorf("checking revocation for license %s: %w", lic.ID, err))
		}
		if registered != nil && (rev == nil || registered.RevokedAt.Before(rev.RevokedAt)) {
			rev = registered
		}
	}
	if rev.EffectiveAt(now) {
		return res.Finish(domain.LicenseStatusRevoked, "license revoked at %s: %s",
			rev.RevokedAt.UTC().Format(time.RFC3339), rev.Reason), nil
	}
	if rev != nil {
		res.Addf("revocation scheduled for %s is not yet effective", rev.RevokedAt.UTC().Format(time.RFC3339))
	}

	// 有効期間
	if opts.ValidateDates {
		if now.Before(lic.ValidFrom) {
			return res.Finish(domain.LicenseStatusNotYetValid, "license is not valid until %s",
				lic.ValidFrom.Format(time.RFC3339)), nil
		}
		if now.After(lic.ValidTo) {
			graceEnd := lic.ValidTo.AddDate(0, 0, opts.GracePeriodDays)
			if opts.AllowGracePeriod && opts.GracePeriodDays > 0 && !now.After(graceEnd) {
				res.IsGracePeriod = true
				res.GracePeriodExpiry = &graceEnd
				res.AvailableFeatures = lic.AvailableFeatures(now)
				return res.Finish(domain.LicenseStatusGracePeriod, "license expired at %s, grace period until %s",
					lic.ValidTo.Format(time.RFC3339), graceEnd.Format(time.RFC3339)), nil
			}
			return res.Finish(domain.LicenseStatusExpired, "license expired at %s", lic.ValidTo.Format(time.RFC3339)), nil
		}
		res.DateValid = true
		res.Addf("license is within its validity window")
	} else {
		res.Addf("date validation skipped")
	}

	res.AvailableFeatures = lic.AvailableFeatures(now)
	return res.Finish(domain.LicenseStatusValid, "license is valid with %d available features", len(res.AvailableFeatures)), nil
}

func checkCompatibility(constraint, productVersion string) (string, bool) {
	c, err := version.NewConstraint(constraint)
	if err != nil {
		return fmt.Sprintf("compatibility range %q cannot be parsed", constraint), false
	}
	pv, err := version.NewVersion(productVersion)
	if err != nil {
		return fmt.Sprintf("product version %q is not a valid version", productVersion), false
	}
	if !c.Check(pv) {
		return fmt.Sprintf("product version %s does not satisfy %q", productVersion, constraint), false
	}
	return "", true
}

// Revoke はライセンスの失効を登録し、キャッシュされた検証結果を即座に破棄する。
// 既存の失効より早い日時なら前倒しし、そうでなければ既存の失効情報を返す。
func (v *LicenseVerifier) Revoke(ctx context.Context, tenantID, licenseID, reason, actor string, at time.Time) (_ *domain.Revocation, err error) {
	ctx, span := tracer.Start(ctx, "LicenseVerifier.Revoke", trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("license.id", licenseID),
	))
	defer func() { endSpan(span, err) }()

	if err := validateTenantID(tenantID); err != nil {
		return nil, err
	}
	if licenseID == "" {
		return nil, fmt.Errorf("%w: license ID is required", domain.ErrInvalidArgument)
	}
	lic, err := v.repo.FindByID(ctx, tenantID, licenseID)
	if err != nil {
		return nil, classify(fmt.Errorf("finding license %s: %w", licenseID, err))
	}
	if lic == nil {
		return nil, domain.ErrLicenseNotFound
	}
	if actor == "" {
		actor = domain.SystemActor
	}
	if at.IsZero() {
		at = utcNow()
	}

	rev := domain.Revocation{RevokedAt: at.UTC(), Reason: reason, RevokedBy: actor}
	saved, err := v.repo.SaveRevocation(ctx, tenantID, licenseID, rev)
	if err != nil {
		return nil, classify(fmt.Errorf("revoking license %s: %w", licenseID, err))
	}
	if v.cache != nil {
		v.cache.Invalidate(licenseID)
	}
	if !saved {
		existing, err := v.repo.FindRevocation(ctx, tenantID, licenseID)
		if err != nil {
			return nil, classify(fmt.Errorf("finding revocation for license %s: %w", licenseID, err))
		}
		if existing != nil {
			return existing, nil
		}
	}

	v.audit.Record(ctx, domain.AuditLicenseRevoked, licenseID, actor, map[string]any{
		"tenant_id":  tenantID,
		"reason":     reason,
		"revoked_at": rev.RevokedAt,
	})
	return &rev, nil
}
