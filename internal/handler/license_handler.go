package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"license-service/internal/domain"
	"license-service/internal/usecase"
	"license-service/pkg/httputil"
)

// LicenseHandler はライセンスの署名・検証・失効のHTTPハンドラを提供する。
type LicenseHandler struct {
	signer   *usecase.LicenseSigner
	verifier *usecase.LicenseVerifier
	defaults domain.LicenseValidationOptions
	now      func() time.Time
}

// NewLicenseHandler は新しいLicenseHandlerを生成する。defaultsはリクエストで省略された検証オプションに使う。
func NewLicenseHandler(signer *usecase.LicenseSigner, verifier *usecase.LicenseVerifier, defaults domain.LicenseValidationOptions) *LicenseHandler {
	return &LicenseHandler{
		signer:   signer,
		verifier: verifier,
		defaults: defaults,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// FeatureRequest はライセンス機能の入力形式。
type FeatureRequest struct {
	ID        string     `json:"id" validate:"required,max=128"`
	Name      string     `json:"name" validate:"max=255"`
	ExpiresAt *time.Time `json:"expires_at"`
	Enabled   bool       `json:"enabled"`
}

// LimitsRequest はライセンスの上限値の入力形式。0は無制限。
type LimitsRequest struct {
	MaxAPICalls    int64 `json:"max_api_calls" validate:"min=0"`
	MaxConnections int64 `json:"max_connections" validate:"min=0"`
	MaxUsers       int64 `json:"max_users" validate:"min=0"`
}

// SignLicenseRequest はライセンス署名のリクエスト形式。
type SignLicenseRequest struct {
	ProductID          string                  `json:"product_id" validate:"required,max=128"`
	ConsumerID         string                  `json:"consumer_id" validate:"required,max=255"`
	Tier               string                  `json:"tier" validate:"max=64"`
	ValidFrom          time.Time               `json:"valid_from" validate:"required"`
	ValidTo            time.Time               `json:"valid_to" validate:"required,gtfield=ValidFrom"`
	CompatibleVersions string                  `json:"compatible_versions" validate:"max=255"`
	Features           []FeatureRequest        `json:"features" validate:"dive"`
	Limits             LimitsRequest           `json:"limits"`
	Metadata           map[string]domain.Value `json:"metadata"`
	Issuer             string                  `json:"issuer" validate:"max=255"`
	KeyPassword        string                  `json:"key_password"`
}

// SignedLicenseResponse は署名済みライセンスのレスポンス形式。
type SignedLicenseResponse struct {
	LicenseID     string                `json:"license_id"`
	SignedLicense *domain.SignedLicense `json:"signed_license"`
}

// VerifyLicenseRequest は検証リクエストの形式。省略したオプションはサーバーの既定値を使う。
type VerifyLicenseRequest struct {
	SignedLicense     *domain.SignedLicense `json:"signed_license" validate:"required"`
	ExpectedProductID string                `json:"expected_product_id"`
	ProductVersion    string                `json:"product_version"`
	ValidateDates     *bool                 `json:"validate_dates"`
	AllowGracePeriod  *bool                 `json:"allow_grace_period"`
	GracePeriodDays   *int                  `json:"grace_period_days" validate:"omitempty,min=0"`
	At                *time.Time            `json:"at"`
}

// FeatureResponse はライセンス機能のレスポンス形式。
type FeatureResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ExpiresAt string `json:"expires_at,omitempty"`
	Enabled   bool   `json:"enabled"`
}

// VerifyLicenseResponse は検証結果のレスポンス形式。
type VerifyLicenseResponse struct {
	Status            string            `json:"status"`
	Valid             bool              `json:"valid"`
	LicenseID         string            `json:"license_id,omitempty"`
	ProductID         string            `json:"product_id,omitempty"`
	ConsumerID        string            `json:"consumer_id,omitempty"`
	Tier              string            `json:"tier,omitempty"`
	ValidTo           string            `json:"valid_to,omitempty"`
	SignatureValid    bool              `json:"signature_valid"`
	DateValid         bool              `json:"date_valid"`
	IsGracePeriod     bool              `json:"is_grace_period"`
	GracePeriodExpiry string            `json:"grace_period_expiry,omitempty"`
	AvailableFeatures []FeatureResponse `json:"available_features"`
	Messages          []string          `json:"messages"`
	ValidatedAt       string            `json:"validated_at"`
}

// RenewLicenseRequest は更新リクエストの形式。
type RenewLicenseRequest struct {
	ValidFrom   time.Time `json:"valid_from" validate:"required"`
	ValidTo     time.Time `json:"valid_to" validate:"required,gtfield=ValidFrom"`
	KeyPassword string    `json:"key_password"`
}

// RevokeRequest は失効・解除リクエストの形式。
type RevokeRequest struct {
	Reason    string     `json:"reason" validate:"max=255"`
	RevokedAt *time.Time `json:"revoked_at"`
}

// RevocationResponse は失効情報のレスポンス形式。
type RevocationResponse struct {
	LicenseID string `json:"license_id"`
	RevokedAt string `json:"revoked_at"`
	Reason    string `json:"reason,omitempty"`
	RevokedBy string `json:"revoked_by,omitempty"`
}

// Sign はライセンスに署名して保存する。
func (h *LicenseHandler) Sign(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")

	var req SignLicenseRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeError(w, r, "sign_license", err)
		return
	}

	features := make([]domain.LicenseFeature, len(req.Features))
	for i, f := range req.Features {
		features[i] = domain.LicenseFeature{ID: f.ID, Name: f.Name, ExpiresAt: f.ExpiresAt, Enabled: f.Enabled}
	}
	lic := &domain.License{
		ProductID:          req.ProductID,
		ConsumerID:         req.ConsumerID,
		Tier:               req.Tier,
		ValidFrom:          req.ValidFrom,
		ValidTo:            req.ValidTo,
		CompatibleVersions: req.CompatibleVersions,
		Features:           features,
		Limits: domain.Limits{
			MaxAPICalls:    req.Limits.MaxAPICalls,
			MaxConnections: req.Limits.MaxConnections,
			MaxUsers:       req.Limits.MaxUsers,
		},
		Metadata: req.Metadata,
		Issuer:   req.Issuer,
	}

	signed, err := h.signer.Sign(r.Context(), tenantID, lic, usecase.SignOptions{KeyPassword: req.KeyPassword, Actor: actor(r)})
	if err != nil {
		writeError(w, r, "sign_license", err)
		return
	}
	httputil.JSON(w, http.StatusCreated, SignedLicenseResponse{LicenseID: signed.LicenseID, SignedLicense: signed})
}

// Verify は署名済みライセンスを検証する。ライセンスの不備はステータスとして200で返す。
func (h *LicenseHandler) Verify(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")

	var req VerifyLicenseRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeError(w, r, "verify_license", err)
		return
	}

	opts := h.defaults
	opts.ExpectedProductID = req.ExpectedProductID
	opts.ProductVersion = req.ProductVersion
	if req.ValidateDates != nil {
		opts.ValidateDates = *req.ValidateDates
	}
	if req.AllowGracePeriod != nil {
		opts.AllowGracePeriod = *req.AllowGracePeriod
	}
	if req.GracePeriodDays != nil {
		opts.GracePeriodDays = *req.GracePeriodDays
	}
	now := h.now()
	if req.At != nil {
		now = *req.At
	}

	result, err := h.verifier.Verify(r.Context(), tenantID, req.SignedLicense, now, opts)
	if err != nil {
		writeError(w, r, "verify_license", err)
		return
	}
	httputil.JSON(w, http.StatusOK, toVerifyResponse(result))
}

func toVerifyResponse(result *domain.LicenseValidationResult) VerifyLicenseResponse {
	resp := VerifyLicenseResponse{
		Status:            string(result.Status),
		Valid:             result.IsValid(),
		SignatureValid:    result.SignatureValid,
		DateValid:         result.DateValid,
		IsGracePeriod:     result.IsGracePeriod,
		GracePeriodExpiry: formatTimePtr(result.GracePeriodExpiry),
		AvailableFeatures: make([]FeatureResponse, len(result.AvailableFeatures)),
		Messages:          result.Messages,
		ValidatedAt:       formatTime(result.ValidatedAt),
	}
	if resp.Messages == nil {
		resp.Messages = []string{}
	}
	for i, f := range result.AvailableFeatures {
		resp.AvailableFeatures[i] = FeatureResponse{ID: f.ID, Name: f.Name, ExpiresAt: formatTimePtr(f.ExpiresAt), Enabled: f.Enabled}
	}
	if lic := result.License; lic != nil {
		resp.LicenseID = lic.ID
		resp.ProductID = lic.ProductID
		resp.ConsumerID = lic.ConsumerID
		resp.Tier = lic.Tier
		resp.ValidTo = formatTime(lic.ValidTo)
	}
	return resp
}

// GetSigned は保存済みの署名済みライセンスを返す。
func (h *LicenseHandler) GetSigned(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")
	licenseID := chi.URLParam(r, "license_id")

	signed, err := h.signer.GetSigned(r.Context(), tenantID, licenseID)
	if err != nil {
		writeError(w, r, "get_signed_license", err)
		return
	}
	httputil.JSON(w, http.StatusOK, SignedLicenseResponse{LicenseID: licenseID, SignedLicense: signed})
}

// Renew は新しい有効期間でライセンスを再発行する。
func (h *LicenseHandler) Renew(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")
	licenseID := chi.URLParam(r, "license_id")

	var req RenewLicenseRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeError(w, r, "renew_license", err)
		return
	}

	signed, err := h.signer.Renew(r.Context(), tenantID, licenseID, req.ValidFrom, req.ValidTo,
		usecase.SignOptions{KeyPassword: req.KeyPassword, Actor: actor(r)})
	if err != nil {
		writeError(w, r, "renew_license", err)
		return
	}
	httputil.JSON(w, http.StatusCreated, SignedLicenseResponse{LicenseID: signed.LicenseID, SignedLicense: signed})
}

// Revoke はライセンスを失効させる。revoked_atに将来日時を指定すると予約失効になる。
func (h *LicenseHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")
	licenseID := chi.URLParam(r, "license_id")

	var req RevokeRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeError(w, r, "revoke_license", err)
		return
	}
	var at time.Time
	if req.RevokedAt != nil {
		at = *req.RevokedAt
	}

	rev, err := h.verifier.Revoke(r.Context(), tenantID, licenseID, req.Reason, actor(r), at)
	if err != nil {
		writeError(w, r, "revoke_license", err)
		return
	}
	httputil.JSON(w, http.StatusOK, RevocationResponse{
		LicenseID: licenseID,
		RevokedAt: formatTime(rev.RevokedAt),
		Reason:    rev.Reason,
		RevokedBy: rev.RevokedBy,
	})
}
