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

// ProductKeyModel はproduct_keysテーブルのモデル。
type ProductKeyModel struct {
	ID             string    `gorm:"type:char(36);primaryKey"`
	TenantID       string    `gorm:"type:varchar(64);not null;uniqueIndex:uk_product_keys_key"`
	LicenseID      string    `gorm:"type:char(36);not null;index:idx_product_keys_license"`
	Key            string    `gorm:"column:product_key;type:varchar(19);not null;uniqueIndex:uk_product_keys_key"`
	MaxActivations int       `gorm:"not null"`
	CreatedBy      string    `gorm:"type:varchar(128);not null;default:''"`
	CreatedAt      time.Time `gorm:"not null;autoCreateTime"`
	UpdatedBy      string    `gorm:"type:varchar(128);not null;default:''"`
	UpdatedAt      time.Time `gorm:"not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (ProductKeyModel) TableName() string {
	return "product_keys"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *ProductKeyModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

func (m *ProductKeyModel) toDomain() *domain.ProductKey {
	return &domain.ProductKey{
		ID:             m.ID,
		TenantID:       m.TenantID,
		LicenseID:      m.LicenseID,
		Key:            m.Key,
		MaxActivations: m.MaxActivations,
		Audit: domain.AuditInfo{
			CreatedBy: m.CreatedBy,
			CreatedAt: m.CreatedAt,
			UpdatedBy: m.UpdatedBy,
			UpdatedAt: m.UpdatedAt,
		},
	}
}

// ActivationModel はproduct_activationsテーブルのモデル。
type ActivationModel struct {
	ID                 string     `gorm:"type:char(36);primaryKey"`
	TenantID           string     `gorm:"type:varchar(64);not null;index:idx_activations_status"`
	LicenseID          string     `gorm:"type:char(36);not null"`
	ProductKeyID       string     `gorm:"type:char(36);not null;index:idx_activations_key_machine"`
	ProductKey         string     `gorm:"type:varchar(19);not null"`
	MaxActivations     int        `gorm:"not null"`
	MachineID          string     `gorm:"type:varchar(255);not null;index:idx_activations_key_machine"`
	MachineName        string     `gorm:"type:varchar(255);not null;default:''"`
	Fingerprint        string     `gorm:"type:varchar(255);not null;default:''"`
	IPAddress          string     `gorm:"type:varchar(64);not null;default:''"`
	ActivatedAt        time.Time  `gorm:"not null"`
	EndedAt            *time.Time
	LastHeartbeat      *time.Time
	Status             string     `gorm:"type:varchar(32);not null;index:idx_activations_status"`
	DeactivationReason string     `gorm:"type:varchar(255);not null;default:''"`
	DeactivatedBy      string     `gorm:"type:varchar(128);not null;default:''"`
	CreatedBy          string     `gorm:"type:varchar(128);not null;default:''"`
	CreatedAt          time.Time  `gorm:"not null;autoCreateTime"`
	UpdatedBy          string     `gorm:"type:varchar(128);not null;default:''"`
	UpdatedAt          time.Time  `gorm:"not null"`
}

// TableName はテーブル名を返す。
func (ActivationModel) TableName() string {
	return "product_activations"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *ActivationModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

func (m *ActivationModel) toDomain() *domain.ProductActivation {
	return &domain.ProductActivation{
		ID:                 m.ID,
		TenantID:           m.TenantID,
		LicenseID:          m.LicenseID,
		ProductKeyID:       m.ProductKeyID,
		ProductKey:         m.ProductKey,
		MaxActivations:     m.MaxActivations,
		MachineID:          m.MachineID,
		MachineName:        m.MachineName,
		Fingerprint:        m.Fingerprint,
		IPAddress:          m.IPAddress,
		ActivatedAt:        m.ActivatedAt.UTC(),
		EndedAt:            utcPtr(m.EndedAt),
		LastHeartbeat:      utcPtr(m.LastHeartbeat),
		Status:             domain.ActivationStatus(m.Status),
		DeactivationReason: m.DeactivationReason,
		DeactivatedBy:      m.DeactivatedBy,
		Audit: domain.AuditInfo{
			CreatedBy: m.CreatedBy,
			CreatedAt: m.CreatedAt,
			UpdatedBy: m.UpdatedBy,
			UpdatedAt: m.UpdatedAt,
		},
	}
}

func activationModel(a *domain.ProductActivation) *ActivationModel {
	return &ActivationModel{
		ID:                 a.ID,
		TenantID:           a.TenantID,
		LicenseID:          a.LicenseID,
		ProductKeyID:       a.ProductKeyID,
		ProductKey:         a.ProductKey,
		MaxActivations:     a.MaxActivations,
		MachineID:          a.MachineID,
		MachineName:        a.MachineName,
		Fingerprint:        a.Fingerprint,
		IPAddress:          a.IPAddress,
		ActivatedAt:        a.ActivatedAt,
		EndedAt:            a.EndedAt,
		LastHeartbeat:      a.LastHeartbeat,
		Status:             string(a.Status),
		DeactivationReason: a.DeactivationReason,
		DeactivatedBy:      a.DeactivatedBy,
		CreatedBy:          a.Audit.CreatedBy,
		CreatedAt:          a.Audit.CreatedAt,
		UpdatedBy:          a.Audit.UpdatedBy,
		UpdatedAt:          a.Audit.UpdatedAt,
	}
}

// ActivationRepository はプロダクトキーとアクティベーションを保存する。
type ActivationRepository struct {
	db *gorm.DB
}

// NewActivationRepository は新しいActivationRepositoryを生成する。
func NewActivationRepository(db *gorm.DB) *ActivationRepository {
	return &ActivationRepository{db: db}
}

// CreateProductKey はプロダクトキーを保存する。
func (r *ActivationRepository) CreateProductKey(ctx context.Context, pk *domain.ProductKey) error {
	model := &ProductKeyModel{
		ID:             pk.ID,
		TenantID:       pk.TenantID,
		LicenseID:      pk.LicenseID,
		Key:            pk.Key,
		MaxActivations: pk.MaxActivations,
		CreatedBy:      pk.Audit.CreatedBy,
		UpdatedBy:      pk.Audit.UpdatedBy,
	}
	if err := conn(ctx, r.db).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create product key",
			"operation", "create_product_key",
			"tenant_id", pk.TenantID,
			"license_id", pk.LicenseID,
			"error", err,
		)
		return err
	}
	pk.ID = model.ID
	pk.Audit.CreatedAt = model.CreatedAt
	pk.Audit.UpdatedAt = model.UpdatedAt
	return nil
}

// FindProductKey はキー文字列からプロダクトキーを取得する。lockがtrueなら行ロックを取る。
// 存在しない場合はnilを返す。
func (r *ActivationRepository) FindProductKey(ctx context.Context, tenantID, key string, lock bool) (*domain.ProductKey, error) {
	q := conn(ctx, r.db)
	if lock {
		q = forUpdate(q)
	}
	var model ProductKeyModel
	err := q.Where("tenant_id = ? AND product_key = ?", tenantID, key).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find product key",
			"operation", "find_product_key",
			"tenant_id", tenantID,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// CreateActivation はアクティベーションを保存する。
func (r *ActivationRepository) CreateActivation(ctx context.Context, a *domain.ProductActivation) error {
	model := activationModel(a)
	if err := conn(ctx, r.db).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create activation",
			"operation", "create_activation",
			"tenant_id", a.TenantID,
			"product_key_id", a.ProductKeyID,
			"machine_id", a.MachineID,
			"error", err,
		)
		return err
	}
	a.ID = model.ID
	return nil
}

// UpdateActivation はアクティベーションの状態を更新する。
func (r *ActivationRepository) UpdateActivation(ctx context.Context, a *domain.ProductActivation) error {
	err := conn(ctx, r.db).
		Model(&ActivationModel{}).
		Where("tenant_id = ? AND id = ?", a.TenantID, a.ID).
		Updates(map[string]any{
			"status":              string(a.Status),
			"ended_at":            a.EndedAt,
			"last_heartbeat":      a.LastHeartbeat,
			"deactivation_reason": a.DeactivationReason,
			"deactivated_by":      a.DeactivatedBy,
			"updated_by":          a.Audit.UpdatedBy,
			"updated_at":          a.Audit.UpdatedAt,
		}).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to update activation",
			"operation", "update_activation",
			"tenant_id", a.TenantID,
			"activation_id", a.ID,
			"error", err,
		)
		return err
	}
	return nil
}

// FindActivation はアクティベーションを取得する。lockがtrueなら行ロックを取る。
// 存在しない場合はnilを返す。
func (r *ActivationRepository) FindActivation(ctx context.Context, tenantID, id string, lock bool) (*domain.ProductActivation, error) {
	q := conn(ctx, r.db)
	if lock {
		q = forUpdate(q)
	}
	var model ActivationModel
	err := q.Where("tenant_id = ? AND id = ?", tenantID, id).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find activation",
			"operation", "find_activation",
			"tenant_id", tenantID,
			"activation_id", id,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// FindLiveByMachine は同一マシンの保留中または有効なアクティベーションを取得する。
func (r *ActivationRepository) FindLiveByMachine(ctx context.Context, tenantID, productKeyID, machineID string) (*domain.ProductActivation, error) {
	var model ActivationModel
	err := conn(ctx, r.db).
		Where("tenant_id = ? AND product_key_id = ? AND machine_id = ? AND status IN ?",
			tenantID, productKeyID, machineID, liveActivationStatuses()).
		Order("activated_at DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find activation by machine",
			"operation", "find_live_by_machine",
			"tenant_id", tenantID,
			"product_key_id", productKeyID,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// CountLive はプロダクトキーの保留中または有効なアクティベーション数を返す。
func (r *ActivationRepository) CountLive(ctx context.Context, tenantID, productKeyID string) (int, error) {
	var count int64
	err := conn(ctx, r.db).
		Model(&ActivationModel{}).
		Where("tenant_id = ? AND product_key_id = ? AND status IN ?", tenantID, productKeyID, liveActivationStatuses()).
		Count(&count).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to count activations",
			"operation", "count_live",
			"tenant_id", tenantID,
			"product_key_id", productKeyID,
			"error", err,
		)
		return 0, err
	}
	return int(count), nil
}

// ListByProductKey はプロダクトキーの全アクティベーションを新しい順に返す。
func (r *ActivationRepository) ListByProductKey(ctx context.Context, tenantID, productKeyID string) ([]*domain.ProductActivation, error) {
	var models []ActivationModel
	err := conn(ctx, r.db).
		Where("tenant_id = ? AND product_key_id = ?", tenantID, productKeyID).
		Order("activated_at DESC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to list activations",
			"operation", "list_by_product_key",
			"tenant_id", tenantID,
			"product_key_id", productKeyID,
			"error", err,
		)
		return nil, err
	}
	return toActivations(models), nil
}

// ListActive はテナントの有効なアクティベーションを返す。
func (r *ActivationRepository) ListActive(ctx context.Context, tenantID string) ([]*domain.ProductActivation, error) {
	var models []ActivationModel
	err := conn(ctx, r.db).
		Where("tenant_id = ? AND status = ?", tenantID, string(domain.ActivationActive)).
		Order("product_key_id, activated_at").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to list active activations",
			"operation", "list_active",
			"tenant_id", tenantID,
			"error", err,
		)
		return nil, err
	}
	return toActivations(models), nil
}

// TouchHeartbeat は有効なアクティベーションの最終ハートビートのみを更新する。
// 対象が有効でない場合はfalseを返す。
func (r *ActivationRepository) TouchHeartbeat(ctx context.Context, tenantID, id string, at time.Time) (bool, error) {
	result := conn(ctx, r.db).
		Model(&ActivationModel{}).
		Where("tenant_id = ? AND id = ? AND status = ?", tenantID, id, string(domain.ActivationActive)).
		Updates(map[string]any{"last_heartbeat": at, "updated_at": at})
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to update heartbeat",
			"operation", "touch_heartbeat",
			"tenant_id", tenantID,
			"activation_id", id,
			"error", result.Error,
		)
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ListTenants は有効なアクティベーションを持つテナントを返す。
func (r *ActivationRepository) ListTenants(ctx context.Context) ([]string, error) {
	var tenants []string
	err := conn(ctx, r.db).
		Model(&ActivationModel{}).
		Where("status = ?", string(domain.ActivationActive)).
		Distinct("tenant_id").
		Order("tenant_id").
		Pluck("tenant_id", &tenants).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to list tenants with activations",
			"operation", "list_tenants",
			"error", err,
		)
		return nil, err
	}
	return tenants, nil
}

func liveActivationStatuses() []string {
	return []string{string(domain.ActivationPending), string(domain.ActivationActive)}
}

func toActivations(models []ActivationModel) []*domain.ProductActivation {
	out := make([]*domain.ProductActivation, len(models))
	for i := range models {
		out[i] = models[i].toDomain()
	}
	return out
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
