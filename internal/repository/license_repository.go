package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"license-service/internal/domain"
)

// LicenseModel はlicensesテーブルのモデル。
type LicenseModel struct {
	ID                 string                  `gorm:"type:char(36);primaryKey"`
	TenantID           string                  `gorm:"type:varchar(64);not null;index:idx_licenses_tenant"`
	PreviousLicenseID  string                  `gorm:"type:varchar(36);not null;default:''"`
	Version            int                     `gorm:"not null;default:1"`
	ProductID          string                  `gorm:"type:varchar(128);not null;index:idx_licenses_tenant"`
	ConsumerID         string                  `gorm:"type:varchar(128);not null"`
	Tier               string                  `gorm:"type:varchar(64);not null;default:''"`
	ValidFrom          time.Time               `gorm:"not null"`
	ValidTo            time.Time               `gorm:"not null"`
	CompatibleVersions string                  `gorm:"type:varchar(255);not null;default:''"`
	Features           []domain.LicenseFeature `gorm:"type:text;serializer:json"`
	MaxAPICalls        int64                   `gorm:"not null;default:0"`
	MaxConnections     int64                   `gorm:"not null;default:0"`
	MaxUsers           int64                   `gorm:"not null;default:0"`
	Metadata           map[string]domain.Value `gorm:"type:text;serializer:json"`
	Issuer             string                  `gorm:"type:varchar(255);not null;default:''"`
	FormatVersion      string                  `gorm:"type:varchar(16);not null"`
	IssuedAt           time.Time               `gorm:"not null"`
	Approval           *domain.Approval        `gorm:"type:text;serializer:json"`
	CreatedBy          string                  `gorm:"type:varchar(128);not null;default:''"`
	CreatedAt          time.Time               `gorm:"not null;autoCreateTime"`
	UpdatedBy          string                  `gorm:"type:varchar(128);not null;default:''"`
	UpdatedAt          time.Time               `gorm:"not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (LicenseModel) TableName() string {
	return "licenses"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *LicenseModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

func (m *LicenseModel) toDomain() *domain.License {
	return &domain.License{
		ID:                 m.ID,
		TenantID:           m.TenantID,
		PreviousLicenseID:  m.PreviousLicenseID,
		Version:            m.Version,
		ProductID:          m.ProductID,
		ConsumerID:         m.ConsumerID,
		Tier:               m.Tier,
		ValidFrom:          m.ValidFrom.UTC(),
		ValidTo:            m.ValidTo.UTC(),
		CompatibleVersions: m.CompatibleVersions,
		Features:           m.Features,
		Limits: domain.Limits{
			MaxAPICalls:    m.MaxAPICalls,
			MaxConnections: m.MaxConnections,
			MaxUsers:       m.MaxUsers,
		},
		Metadata:      m.Metadata,
		Issuer:        m.Issuer,
		FormatVersion: m.FormatVersion,
		IssuedAt:      m.IssuedAt.UTC(),
		Approval:      m.Approval,
		Audit: domain.AuditInfo{
			CreatedBy: m.CreatedBy,
			CreatedAt: m.CreatedAt,
			UpdatedBy: m.UpdatedBy,
			UpdatedAt: m.UpdatedAt,
		},
	}
}

// SignedLicenseModel はsigned_licensesテーブルのモデル。
type SignedLicenseModel struct {
	LicenseID           string    `gorm:"type:char(36);primaryKey"`
	TenantID            string    `gorm:"type:varchar(64);not null;index:idx_signed_licenses_tenant"`
	LicenseData         string    `gorm:"type:text;not null"`
	Signature           string    `gorm:"type:text;not null"`
	SignatureAlgorithm  string    `gorm:"type:varchar(16);not null"`
	PublicKeyThumbprint string    `gorm:"type:char(64);not null;index:idx_signed_licenses_thumbprint"`
	FormatVersion       string    `gorm:"type:varchar(16);not null"`
	Checksum            string    `gorm:"type:char(64);not null;default:''"`
	CreatedAt           time.Time `gorm:"not null"`
}

// TableName はテーブル名を返す。
func (SignedLicenseModel) TableName() string {
	return "signed_licenses"
}

func (m *SignedLicenseModel) toDomain() *domain.SignedLicense {
	return &domain.SignedLicense{
		LicenseID:           m.LicenseID,
		TenantID:            m.TenantID,
		LicenseData:         m.LicenseData,
		Signature:           m.Signature,
		SignatureAlgorithm:  m.SignatureAlgorithm,
		PublicKeyThumbprint: m.PublicKeyThumbprint,
		FormatVersion:       m.FormatVersion,
		CreatedAt:           m.CreatedAt.UTC(),
		Checksum:            m.Checksum,
	}
}

// RevocationModel はlicense_revocationsテーブルのモデル。ライセンスごとに1件のみ。
type RevocationModel struct {
	LicenseID string    `gorm:"type:char(36);primaryKey"`
	TenantID  string    `gorm:"type:varchar(64);not null;index:idx_license_revocations_tenant"`
	RevokedAt time.Time `gorm:"not null"`
	Reason    string    `gorm:"type:varchar(255);not null;default:''"`
	RevokedBy string    `gorm:"type:varchar(128);not null;default:''"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
}

// TableName はテーブル名を返す。
func (RevocationModel) TableName() string {
	return "license_revocations"
}

// LicenseRepository はライセンス・署名済みライセンス・失効情報を保存する。
type LicenseRepository struct {
	db *gorm.DB
}

// NewLicenseRepository は新しいLicenseRepositoryを生成する。
func NewLicenseRepository(db *gorm.DB) *LicenseRepository {
	return &LicenseRepository{db: db}
}

// Create はライセンスを保存する。IDが空の場合は採番する。
func (r *LicenseRepository) Create(ctx context.Context, lic *domain.License) error {
	model := &LicenseModel{
		ID:                 lic.ID,
		TenantID:           lic.TenantID,
		PreviousLicenseID:  lic.PreviousLicenseID,
		Version:            lic.Version,
		ProductID:          lic.ProductID,
		ConsumerID:         lic.ConsumerID,
		Tier:               lic.Tier,
		ValidFrom:          lic.ValidFrom,
		ValidTo:            lic.ValidTo,
		CompatibleVersions: lic.CompatibleVersions,
		Features:           lic.Features,
		MaxAPICalls:        lic.Limits.MaxAPICalls,
		MaxConnections:     lic.Limits.MaxConnections,
		MaxUsers:           lic.Limits.MaxUsers,
		Metadata:           lic.Metadata,
		Issuer:             lic.Issuer,
		FormatVersion:      lic.FormatVersion,
		IssuedAt:           lic.IssuedAt,
		Approval:           lic.Approval,
		CreatedBy:          lic.Audit.CreatedBy,
		UpdatedBy:          lic.Audit.UpdatedBy,
	}
	if err := conn(ctx, r.db).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create license",
			"operation", "create",
			"tenant_id", lic.TenantID,
			"product_id", lic.ProductID,
			"error", err,
		)
		return err
	}
	lic.ID = model.ID
	lic.Audit.CreatedAt = model.CreatedAt
	lic.Audit.UpdatedAt = model.UpdatedAt
	return nil
}

// CreateSigned は署名済みライセンスを保存する。
func (r *LicenseRepository) CreateSigned(ctx context.Context, signed *domain.SignedLicense) error {
	model := &SignedLicenseModel{
		LicenseID:           signed.LicenseID,
		TenantID:            signed.TenantID,
		LicenseData:         signed.LicenseData,
		Signature:           signed.Signature,
		SignatureAlgorithm:  signed.SignatureAlgorithm,
		PublicKeyThumbprint: signed.PublicKeyThumbprint,
		FormatVersion:       signed.FormatVersion,
		Checksum:            signed.Checksum,
		CreatedAt:           signed.CreatedAt,
	}
	if err := conn(ctx, r.db).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create signed license",
			"operation", "create_signed",
			"tenant_id", signed.TenantID,
			"license_id", signed.LicenseID,
			"error", err,
		)
		return err
	}
	return nil
}

// FindByID はライセンスを取得する。存在しない場合はnilを返す。失効情報があれば併せて設定する。
func (r *LicenseRepository) FindByID(ctx context.Context, tenantID, id string) (*domain.License, error) {
	var model LicenseModel
	err := conn(ctx, r.db).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find license",
			"operation", "find_by_id",
			"tenant_id", tenantID,
			"license_id", id,
			"error", err,
		)
		return nil, err
	}
	lic := model.toDomain()
	rev, err := r.FindRevocation(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	lic.Revocation = rev
	return lic, nil
}

// FindSigned は署名済みライセンスを取得する。存在しない場合はnilを返す。
func (r *LicenseRepository) FindSigned(ctx context.Context, tenantID, licenseID string) (*domain.SignedLicense, error) {
	var model SignedLicenseModel
	err := conn(ctx, r.db).
		Where("tenant_id = ? AND license_id = ?", tenantID, licenseID).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find signed license",
			"operation", "find_signed",
			"tenant_id", tenantID,
			"license_id", licenseID,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// SaveRevocation は失効情報を登録する。既存の記録より早い失効日時であれば前倒しする。
// 登録または更新した場合にtrueを返す。
func (r *LicenseRepository) SaveRevocation(ctx context.Context, tenantID, licenseID string, rev domain.Revocation) (bool, error) {
	model := &RevocationModel{
		LicenseID: licenseID,
		TenantID:  tenantID,
		RevokedAt: rev.RevokedAt,
		Reason:    rev.Reason,
		RevokedBy: rev.RevokedBy,
	}
	result := conn(ctx, r.db).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(model)
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to create revocation",
			"operation", "save_revocation",
			"tenant_id", tenantID,
			"license_id", licenseID,
			"error", result.Error,
		)
		return false, result.Error
	}
	if result.RowsAffected > 0 {
		return true, nil
	}

	// 既存の失効日時が後の場合のみ上書きする
	result = conn(ctx, r.db).
		Model(&RevocationModel{}).
		Where("tenant_id = ? AND license_id = ? AND revoked_at > ?", tenantID, licenseID, rev.RevokedAt).
		Updates(map[string]any{
			"revoked_at": rev.RevokedAt,
			"reason":     rev.Reason,
			"revoked_by": rev.RevokedBy,
		})
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to advance revocation",
			"operation", "save_revocation",
			"tenant_id", tenantID,
			"license_id", licenseID,
			"error", result.Error,
		)
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// FindRevocation は失効情報を取得する。存在しない場合はnilを返す。
func (r *LicenseRepository) FindRevocation(ctx context.Context, tenantID, licenseID string) (*domain.Revocation, error) {
	var model RevocationModel
	err := conn(ctx, r.db).
		Where("tenant_id = ? AND license_id = ?", tenantID, licenseID).
		Limit(1).
		Find(&model).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find revocation",
			"operation", "find_revocation",
			"tenant_id", tenantID,
			"license_id", licenseID,
			"error", err,
		)
		return nil, err
	}
	if model.LicenseID == "" {
		return nil, nil
	}
	return &domain.Revocation{
		RevokedAt: model.RevokedAt.UTC(),
		Reason:    model.Reason,
		RevokedBy: model.RevokedBy,
	}, nil
}
