package domain

import (
	"fmt"
	"strings"
	"time"
)

const (
	// LicenseFormatVersion は現行のペイロード形式のバージョン。
	LicenseFormatVersion = "1.0"

	// SignatureAlgorithmPS256 はRSA-PSS + SHA-256による署名を表す。
	SignatureAlgorithmPS256 = "PS256"
)

// LicenseFeature はライセンスに含まれる機能を表す。
type LicenseFeature struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Enabled   bool       `json:"enabled"`
}

// IsValidAt は指定時刻に機能が有効かを返す。期限切れの機能はフラグに関わらず無効。
func (f LicenseFeature) IsValidAt(now time.Time) bool {
	if !f.Enabled {
		return false
	}
	if f.ExpiresAt != nil && now.After(*f.ExpiresAt) {
		return false
	}
	return true
}

// Limits はライセンスの数値上限。0 は無制限を表す。
type Limits struct {
	MaxAPICalls    int64 `json:"maxApiCalls"`
	MaxConnections int64 `json:"maxConnections"`
	MaxUsers       int64 `json:"maxUsers"`
}

// Revocation はライセンスの失効情報。
type Revocation struct {
	RevokedAt time.Time `json:"revokedAt"`
	Reason    string    `json:"reason,omitempty"`
	RevokedBy string    `json:"revokedBy,omitempty"`
}

// EffectiveAt は指定時刻に失効が発効しているかを返す。将来日付の失効はまだ効力を持たない。
func (r *Revocation) EffectiveAt(now time.Time) bool {
	return r != nil && !r.RevokedAt.After(now)
}

// License は署名対象のライセンスを表す。署名後は変更しない。
type License struct {
	ID                 string
	TenantID           string
	PreviousLicenseID  string
	Version            int
	ProductID          string
	ConsumerID         string
	Tier               string
	ValidFrom          time.Time
	ValidTo            time.Time
	CompatibleVersions string // 例: ">= 1.2, < 3.0"
	Features           []LicenseFeature
	Limits             Limits
	Metadata           map[string]Value
	Issuer             string
	FormatVersion      string
	IssuedAt           time.Time
	Revocation         *Revocation
	Approval           *Approval
	Audit              AuditInfo
}

// Validate は署名前にライセンスの構造を検査する。
func (l *License) Validate() error {
	if strings.TrimSpace(l.ProductID) == "" {
		return fmt.Errorf("%w: product ID is required", ErrInvalidLicense)
	}
	if strings.TrimSpace(l.ConsumerID) == "" {
		return fmt.Errorf("%w: consumer ID is required", ErrInvalidLicense)
	}
	if l.ValidFrom.IsZero() || l.ValidTo.IsZero() {
		return fmt.Errorf("%w: validity window is required", ErrInvalidLicense)
	}
	if !l.ValidTo.After(l.ValidFrom) {
		return fmt.Errorf("%w: validTo must be after validFrom", ErrInvalidLicense)
	}
	seen := make(map[string]struct{}, len(l.Features))
	for _, f := range l.Features {
		if f.ID == "" {
			return fmt.Errorf("%w: feature ID is required", ErrInvalidLicense)
		}
		if _, ok := seen[f.ID]; ok {
			return fmt.Errorf("%w: duplicate feature %q", ErrInvalidLicense, f.ID)
		}
		seen[f.ID] = struct{}{}
	}
	if l.Approval != nil && l.Approval.State != ApprovalApproved {
		return ErrLicenseAwaitingApproval
	}
	return nil
}

// Clone は機能・メタデータ・失効情報まで複製したライセンスを返す。
func (l *License) Clone() *License {
	if l == nil {
		return nil
	}
	out := *l
	if l.Features != nil {
		out.Features = make([]LicenseFeature, len(l.Features))
		for i, f := range l.Features {
			if f.ExpiresAt != nil {
				exp := *f.ExpiresAt
				f.ExpiresAt = &exp
			}
			out.Features[i] = f
		}
	}
	if l.Metadata != nil {
		out.Metadata = make(map[string]Value, len(l.Metadata))
		for k, v := range l.Metadata {
			out.Metadata[k] = v.Clone()
		}
	}
	if l.Revocation != nil {
		rev := *l.Revocation
		out.Revocation = &rev
	}
	if l.Approval != nil {
		approval := *l.Approval
		if approval.ApprovedAt != nil {
			at := *approval.ApprovedAt
			approval.ApprovedAt = &at
		}
		out.Approval = &approval
	}
	return &out
}

// IsExpiredAt は指定時刻に有効期間を過ぎているかを返す。
func (l *License) IsExpiredAt(now time.Time) bool {
	return now.After(l.ValidTo)
}

// AvailableFeatures は指定時刻に有効な機能を返す。
func (l *License) AvailableFeatures(now time.Time) []LicenseFeature {
	features := make([]LicenseFeature, 0, len(l.Features))
	for _, f := range l.Features {
		if f.IsValidAt(now) {
			features = append(features, f)
		}
	}
	return features
}

// SignedLicense は署名済みライセンスの転送・保存形式。
type SignedLicense struct {
	LicenseID           string    `json:"-"`
	TenantID            string    `json:"-"`
	LicenseData         string    `json:"licenseData"`
	Signature           string    `json:"signature"`
	SignatureAlgorithm  string    `json:"signatureAlgorithm"`
	PublicKeyThumbprint string    `json:"publicKeyThumbprint"`
	FormatVersion       string    `json:"formatVersion"`
	CreatedAt           time.Time `json:"createdAt"`
	Checksum            string    `json:"checksum,omitempty"`
}
