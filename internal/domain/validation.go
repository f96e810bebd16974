package domain

import (
	"fmt"
	"time"
)

// LicenseStatus は検証で導出されるライセンスの状態。
type LicenseStatus string

const (
	LicenseStatusValid              LicenseStatus = "valid"
	LicenseStatusGracePeriod        LicenseStatus = "grace_period"
	LicenseStatusExpired            LicenseStatus = "expired"
	LicenseStatusNotYetValid        LicenseStatus = "not_yet_valid"
	LicenseStatusRevoked            LicenseStatus = "revoked"
	LicenseStatusInvalid            LicenseStatus = "invalid"
	LicenseStatusCorrupted          LicenseStatus = "corrupted"
	LicenseStatusNotFound           LicenseStatus = "not_found"
	LicenseStatusWrongProduct       LicenseStatus = "wrong_product"
	LicenseStatusUnsupportedVersion LicenseStatus = "unsupported_version"
)

// LicenseValidationOptions は検証の挙動を指定する。
type LicenseValidationOptions struct {
	ValidateDates        bool
	AllowGracePeriod     bool
	GracePeriodDays      int
	CacheDurationMinutes int
	ExpectedProductID    string // 空なら検査しない
	ProductVersion       string // 空なら互換性を検査しない

	// 失効レジストリの照会を省略する。ペイロードに埋め込まれた失効は常に検査する
	SkipRevocationRegistry bool
}

// DefaultValidationOptions は既定の検証オプションを返す。
func DefaultValidationOptions() LicenseValidationOptions {
	return LicenseValidationOptions{
		ValidateDates:    true,
		AllowGracePeriod: true,
		GracePeriodDays:  30,
	}
}

// CacheKey はキャッシュの識別に使う文字列を返す。
func (o LicenseValidationOptions) CacheKey() string {
	return fmt.Sprintf("%t|%t|%d|%t|%s|%s",
		o.ValidateDates, o.AllowGracePeriod, o.GracePeriodDays, o.SkipRevocationRegistry,
		o.ExpectedProductID, o.ProductVersion)
}

// LicenseValidationResult は検証結果。永続化される真実ではなく、常に導出される。
type LicenseValidationResult struct {
	Status            LicenseStatus    `json:"status"`
	License           *License         `json:"-"`
	SignatureValid    bool             `json:"signatureValid"`
	DateValid         bool             `json:"dateValid"`
	IsGracePeriod     bool             `json:"isGracePeriod"`
	GracePeriodExpiry *time.Time       `json:"gracePeriodExpiry,omitempty"`
	AvailableFeatures []LicenseFeature `json:"availableFeatures"`
	Messages          []string         `json:"messages"`
	ValidatedAt       time.Time        `json:"validatedAt"`
}

// NewValidationResult は検証時刻を設定した空の結果を返す。
func NewValidationResult(now time.Time) *LicenseValidationResult {
	return &LicenseValidationResult{
		ValidatedAt:       now,
		AvailableFeatures: []LicenseFeature{},
	}
}

// IsValid はライセンスが利用可能かを返す。Valid と GracePeriod のみ true。
func (r *LicenseValidationResult) IsValid() bool {
	return r.Status == LicenseStatusValid || r.Status == LicenseStatusGracePeriod
}

// Addf はタイムスタンプ付きの診断メッセージを追加する。
func (r *LicenseValidationResult) Addf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.Messages = append(r.Messages, "["+r.ValidatedAt.UTC().Format(time.RFC3339)+"] "+msg)
}

// Finish は状態を確定し、メッセージを追加して自身を返す。
func (r *LicenseValidationResult) Finish(status LicenseStatus, format string, args ...any) *LicenseValidationResult {
	r.Status = status
	r.Addf(format, args...)
	return r
}
