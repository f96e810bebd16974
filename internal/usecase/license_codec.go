package usecase

import (
	"encoding/json"
	"fmt"
	"time"

	"license-service/internal/domain"
)

// licensePayload は署名対象の正規形。フィールド順は構造体の定義順で固定され、
// 時刻はUTCの秒精度RFC3339、マップのキーはencoding/jsonによりソートされる。
type licensePayload struct {
	ID                 string                  `json:"id"`
	TenantID           string                  `json:"tenantId"`
	PreviousLicenseID  string                  `json:"previousLicenseId,omitempty"`
	Version            int                     `json:"version"`
	ProductID          string                  `json:"productId"`
	ConsumerID         string                  `json:"consumerId"`
	Tier               string                  `json:"tier,omitempty"`
	ValidFrom          string                  `json:"validFrom"`
	ValidTo            string                  `json:"validTo"`
	CompatibleVersions string                  `json:"compatibleVersions,omitempty"`
	Features           []featurePayload        `json:"features"`
	Limits             domain.Limits           `json:"limits"`
	Metadata           map[string]domain.Value `json:"metadata,omitempty"`
	Issuer             string                  `json:"issuer,omitempty"`
	FormatVersion      string                  `json:"formatVersion"`
	IssuedAt           string                  `json:"issuedAt"`
	Revocation         *revocationPayload      `json:"revocation,omitempty"`
}

type featurePayload struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ExpiresAt string `json:"expiresAt,omitempty"`
	Enabled   bool   `json:"enabled"`
}

type revocationPayload struct {
	RevokedAt string `json:"revokedAt"`
	Reason    string `json:"reason,omitempty"`
}

// canonicalTime は署名に含める時刻を正規化する。
func canonicalTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

func formatTime(t time.Time) string {
	return canonicalTime(t).Format(time.RFC3339)
}

// normalizeLicense は署名前に時刻を正規形へ揃え、検証後の復元結果と一致させる。
func normalizeLicense(l *domain.License) {
	l.ValidFrom = canonicalTime(l.ValidFrom)
	l.ValidTo = canonicalTime(l.ValidTo)
	l.IssuedAt = canonicalTime(l.IssuedAt)
	features := make([]domain.LicenseFeature, len(l.Features))
	for i, f := range l.Features {
		if f.ExpiresAt != nil {
			exp := canonicalTime(*f.ExpiresAt)
			f.ExpiresAt = &exp
		}
		features[i] = f
	}
	l.Features = features
	if l.Revocation != nil {
		rev := *l.Revocation
		rev.RevokedAt = canonicalTime(rev.RevokedAt)
		rev.RevokedBy = ""
		l.Revocation = &rev
	}
}

// encodeLicense はライセンスを正規形のJSONに変換する。同じ内容からは常に同じバイト列を返す。
func encodeLicense(l *domain.License) ([]byte, error) {
	p := licensePayload{
		ID:                 l.ID,
		TenantID:           l.TenantID,
		PreviousLicenseID:  l.PreviousLicenseID,
		Version:            l.Version,
		ProductID:          l.ProductID,
		ConsumerID:         l.ConsumerID,
		Tier:               l.Tier,
		ValidFrom:          formatTime(l.ValidFrom),
		ValidTo:            formatTime(l.ValidTo),
		CompatibleVersions: l.CompatibleVersions,
		Features:           make([]featurePayload, len(l.Features)),
		Limits:             l.Limits,
		Metadata:           l.Metadata,
		Issuer:             l.Issuer,
		FormatVersion:      l.FormatVersion,
		IssuedAt:           formatTime(l.IssuedAt),
	}
	for i, f := range l.Features {
		fp := featurePayload{ID: f.ID, Name: f.Name, Enabled: f.Enabled}
		if f.ExpiresAt != nil {
			fp.ExpiresAt = formatTime(*f.ExpiresAt)
		}
		p.Features[i] = fp
	}
	if l.Revocation != nil {
		p.Revocation = &revocationPayload{
			RevokedAt: formatTime(l.Revocation.RevokedAt),
			Reason:    l.Revocation.Reason,
		}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding license: %w", err)
	}
	return data, nil
}

// decodeLicense は正規形のJSONからライセンスを復元する。
func decodeLicense(data []byte) (*domain.License, error) {
	var p licensePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	if p.ProductID == "" || p.ValidFrom == "" || p.ValidTo == "" {
		return nil, fmt.Errorf("required fields are missing")
	}

	l := &domain.License{
		ID:                 p.ID,
		TenantID:           p.TenantID,
		PreviousLicenseID:  p.PreviousLicenseID,
		Version:            p.Version,
		ProductID:          p.ProductID,
		ConsumerID:         p.ConsumerID,
		Tier:               p.Tier,
		CompatibleVersions: p.CompatibleVersions,
		Features:           make([]domain.LicenseFeature, len(p.Features)),
		Limits:             p.Limits,
		Metadata:           p.Metadata,
		Issuer:             p.Issuer,
		FormatVersion:      p.FormatVersion,
	}
	var err error
	if l.ValidFrom, err = time.Parse(time.RFC3339, p.ValidFrom); err != nil {
		return nil, fmt.Errorf("validFrom: %w", err)
	}
	if l.ValidTo, err = time.Parse(time.RFC3339, p.ValidTo); err != nil {
		return nil, fmt.Errorf("validTo: %w", err)
	}
	if p.IssuedAt != "" {
		if l.IssuedAt, err = time.Parse(time.RFC3339, p.IssuedAt); err != nil {
			return nil, fmt.Errorf("issuedAt: %w", err)
		}
	}
	for i, fp := range p.Features {
		f := domain.LicenseFeature{ID: fp.ID, Name: fp.Name, Enabled: fp.Enabled}
		if fp.ExpiresAt != "" {
			exp, err := time.Parse(time.RFC3339, fp.ExpiresAt)
			if err != nil {
				return nil, fmt.Errorf("feature %s expiresAt: %w", fp.ID, err)
			}
			exp = exp.UTC()
			f.ExpiresAt = &exp
		}
		l.Features[i] = f
	}
	if p.Revocation != nil {
		at, err := time.Parse(time.RFC3339, p.Revocation.RevokedAt)
		if err != nil {
			return nil, fmt.Errorf("revokedAt: %w", err)
		}
		l.Revocation = &domain.Revocation{RevokedAt: at.UTC(), Reason: p.Revocation.Reason}
	}
	l.ValidFrom = l.ValidFrom.UTC()
	l.ValidTo = l.ValidTo.UTC()
	l.IssuedAt = l.IssuedAt.UTC()
	return l, nil
}
