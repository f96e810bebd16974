// Package repository はデータアクセス層の実装を提供する。
package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"license-service/internal/domain"
)

// KeyPairModel はgorm用のモデル定義。
type KeyPairModel struct {
	ID         string     `gorm:"type:char(36);primaryKey"`
	TenantID   string     `gorm:"type:varchar(64);not null;uniqueIndex:uk_key_pairs_generation;index:idx_key_pairs_status"`
	ProductID  string     `gorm:"type:varchar(128);not null;uniqueIndex:uk_key_pairs_generation;index:idx_key_pairs_status"`
	Generation uint       `gorm:"not null;uniqueIndex:uk_key_pairs_generation"`
	PrivateKey []byte     `gorm:"type:blob;not null"`
	PublicKey  []byte     `gorm:"type:blob;not null"`
	Thumbprint string     `gorm:"type:char(64);not null;index:idx_key_pairs_thumbprint"`
	Encrypted  bool       `gorm:"not null;default:false"`
	Sealed     bool       `gorm:"not null;default:false"`
	Status     string     `gorm:"type:varchar(16);not null;default:'active';index:idx_key_pairs_status"`
	ArchivedAt *time.Time `gorm:"default:null"`
	CreatedAt  time.Time  `gorm:"not null;autoCreateTime"`
	UpdatedAt  time.Time  `gorm:"not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (KeyPairModel) TableName() string {
	return "key_pairs"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *KeyPairModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// toDomain はモデルをドメインエンティティに変換する。
func (m *KeyPairModel) toDomain() *domain.KeyPair {
	return &domain.KeyPair{
		ID:            m.ID,
		TenantID:      m.TenantID,
		ProductID:     m.ProductID,
		Generation:    m.Generation,
		PrivateKeyPEM: m.PrivateKey,
		PublicKeyPEM:  m.PublicKey,
		Thumbprint:    m.Thumbprint,
		Encrypted:     m.Encrypted,
		Sealed:        m.Sealed,
		Status:        domain.KeyStatus(m.Status),
		ArchivedAt:    m.ArchivedAt,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

// KeyRepository は署名鍵ペアをデータベースに保存する。
type KeyRepository struct {
	db *gorm.DB
}

// NewKeyRepository は新しいKeyRepositoryを生成する。
func NewKeyRepository(db *gorm.DB) *KeyRepository {
	return &KeyRepository{db: db}
}

// Create は新しい鍵ペアを保存する。
func (r *KeyRepository) Create(ctx context.Context, key *domain.KeyPair) error {
	model := &KeyPairModel{
		ID:         key.ID,
		TenantID:   key.TenantID,
		ProductID:  key.ProductID,
		Generation: key.Generation,
		PrivateKey: key.PrivateKeyPEM,
		PublicKey:  key.PublicKeyPEM,
		Thumbprint: key.Thumbprint,
		Encrypted:  key.Encrypted,
		Sealed:     key.Sealed,
		Status:     string(key.Status),
	}
	if err := conn(ctx, r.db).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create key pair",
			"operation", "create",
			"tenant_id", key.TenantID,
			"product_id", key.ProductID,
			"generation", key.Generation,
			"error", err,
		)
		return err
	}
	// gormで設定された値をドメインエンティティに反映
	key.ID = model.ID
	key.CreatedAt = model.CreatedAt
	key.UpdatedAt = model.UpdatedAt
	return nil
}

// FindActive は指定されたプロダクトの有効な鍵ペアを取得する。存在しない場合はnilを返す。
func (r *KeyRepository) FindActive(ctx context.Context, tenantID, productID string) (*domain.KeyPair, error) {
	var model KeyPairModel
	err := conn(ctx, r.db).
		Where("tenant_id = ? AND product_id = ? AND status = ?", tenantID, productID, string(domain.KeyStatusActive)).
		Order("generation DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find active key pair",
			"operation", "find_active",
			"tenant_id", tenantID,
			"product_id", productID,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// FindByThumbprint はサムプリントに一致する鍵ペアを取得する。アーカイブ済みの鍵も対象。
func (r *KeyRepository) FindByThumbprint(ctx context.Context, tenantID, thumbprint string) (*domain.KeyPair, error) {
	var model KeyPairModel
	err := conn(ctx, r.db).
		Where("tenant_id = ? AND thumbprint = ?", tenantID, thumbprint).
		Order("generation DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find key pair by thumbprint",
			"operation", "find_by_thumbprint",
			"tenant_id", tenantID,
			"thumbprint", thumbprint,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// FindAll は指定されたプロダクトの全世代の鍵ペアを取得する。
func (r *KeyRepository) FindAll(ctx context.Context, tenantID, productID string) ([]*domain.KeyPair, error) {
	var models []KeyPairModel
	err := conn(ctx, r.db).
		Where("tenant_id = ? AND product_id = ?", tenantID, productID).
		Order("generation ASC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find key pairs",
			"operation", "find_all",
			"tenant_id", tenantID,
			"product_id", productID,
			"error", err,
		)
		return nil, err
	}

	keys := make([]*domain.KeyPair, len(models))
	for i := range models {
		keys[i] = models[i].toDomain()
	}
	return keys, nil
}

// GetMaxGeneration は指定されたプロダクトの最大世代番号を取得する。
func (r *KeyRepository) GetMaxGeneration(ctx context.Context, tenantID, productID string) (uint, error) {
	var maxGen *uint
	err := conn(ctx, r.db).
		Model(&KeyPairModel{}).
		Where("tenant_id = ? AND product_id = ?", tenantID, productID).
		Select("MAX(generation)").
		Scan(&maxGen).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to get max generation",
			"operation", "get_max_generation",
			"tenant_id", tenantID,
			"product_id", productID,
			"error", err,
		)
		return 0, err
	}
	if maxGen == nil {
		return 0, nil
	}
	return *maxGen, nil
}

// Archive は鍵ペアをアーカイブ済みにする。レコードは削除しない。
func (r *KeyRepository) Archive(ctx context.Context, key *domain.KeyPair, at time.Time) error {
	err := conn(ctx, r.db).
		Model(&KeyPairModel{}).
		Where("id = ? AND status = ?", key.ID, string(domain.KeyStatusActive)).
		Updates(map[string]any{
			"status":      string(domain.KeyStatusArchived),
			"archived_at": at,
		}).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to archive key pair",
			"operation", "archive",
			"tenant_id", key.TenantID,
			"product_id", key.ProductID,
			"generation", key.Generation,
			"error", err,
		)
		return err
	}
	key.Status = domain.KeyStatusArchived
	key.ArchivedAt = &at
	return nil
}
