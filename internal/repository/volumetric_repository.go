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

// VolumetricLicenseModel はvolumetric_licensesテーブルのモデル。
type VolumetricLicenseModel struct {
	ID                         string    `gorm:"type:char(36);primaryKey"`
	TenantID                   string    `gorm:"type:varchar(64);not null;uniqueIndex:uk_volumetric_base_key"`
	LicenseID                  string    `gorm:"type:char(36);not null;index:idx_volumetric_license"`
	BaseKey                    string    `gorm:"type:varchar(14);not null;uniqueIndex:uk_volumetric_base_key"`
	MaxConcurrentUsers         int       `gorm:"not null"`
	MaxTotalUsers              int       `gorm:"not null"`
	CurrentActiveUsers         int       `gorm:"not null;default:0"`
	TotalAllocatedUsers        int       `gorm:"not null;default:0"`
	MaxSessionHours            int       `gorm:"not null;default:0"`
	HeartbeatIntervalMinutes   int       `gorm:"not null;default:5"`
	InactiveGracePeriodMinutes int       `gorm:"not null;default:15"`
	AutoCleanupIntervalMinutes int       `gorm:"not null;default:10"`
	MatchBy                    string    `gorm:"type:varchar(16);not null;default:'user'"`
	CreatedBy                  string    `gorm:"type:varchar(128);not null;default:''"`
	CreatedAt                  time.Time `gorm:"not null;autoCreateTime"`
	UpdatedBy                  string    `gorm:"type:varchar(128);not null;default:''"`
	UpdatedAt                  time.Time `gorm:"not null"`
}

// TableName はテーブル名を返す。
func (VolumetricLicenseModel) TableName() string {
	return "volumetric_licenses"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *VolumetricLicenseModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

func (m *VolumetricLicenseModel) toDomain() *domain.VolumetricLicense {
	return &domain.VolumetricLicense{
		ID:                  m.ID,
		TenantID:            m.TenantID,
		LicenseID:           m.LicenseID,
		BaseKey:             m.BaseKey,
		MaxConcurrentUsers:  m.MaxConcurrentUsers,
		MaxTotalUsers:       m.MaxTotalUsers,
		CurrentActiveUsers:  m.CurrentActiveUsers,
		TotalAllocatedUsers: m.TotalAllocatedUsers,
		Policy: domain.SessionPolicy{
			MaxSessionHours:            m.MaxSessionHours,
			HeartbeatIntervalMinutes:   m.HeartbeatIntervalMinutes,
			InactiveGracePeriodMinutes: m.InactiveGracePeriodMinutes,
			AutoCleanupIntervalMinutes: m.AutoCleanupIntervalMinutes,
			MatchBy:                    domain.SlotIdentity(m.MatchBy),
		},
		Audit: domain.AuditInfo{
			CreatedBy: m.CreatedBy,
			CreatedAt: m.CreatedAt,
			UpdatedBy: m.UpdatedBy,
			UpdatedAt: m.UpdatedAt,
		},
	}
}

// SlotModel はvolumetric_user_slotsテーブルのモデル。
type SlotModel struct {
	ID                  string `gorm:"type:char(36);primaryKey"`
	TenantID            string `gorm:"type:varchar(64);not null;index:idx_slots_active"`
	VolumetricLicenseID string `gorm:"type:char(36);not null;uniqueIndex:uk_slots_number;index:idx_slots_active"`
	SlotNumber          int    `gorm:"not null;uniqueIndex:uk_slots_number"`
	UserKey             string `gorm:"type:varchar(19);not null"`
	UserID              string `gorm:"type:varchar(255);not null;default:''"`
	UserName            string `gorm:"type:varchar(255);not null;default:''"`
	MachineID           string `gorm:"type:varchar(255);not null;default:''"`
	MachineName         string `gorm:"type:varchar(255);not null;default:''"`
	IPAddress           string `gorm:"type:varchar(64);not null;default:''"`
	FirstActivation     *time.Time
	LastActivity        *time.Time
	IsCurrentlyActive   bool `gorm:"not null;default:false;index:idx_slots_active"`
	CurrentSessionStart *time.Time
	LastHeartbeat       *time.Time
	ReleasedAt          *time.Time
	ReleaseReason       string    `gorm:"type:varchar(255);not null;default:''"`
	CreatedBy           string    `gorm:"type:varchar(128);not null;default:''"`
	CreatedAt           time.Time `gorm:"not null;autoCreateTime"`
	UpdatedBy           string    `gorm:"type:varchar(128);not null;default:''"`
	UpdatedAt           time.Time `gorm:"not null"`
}

// TableName はテーブル名を返す。
func (SlotModel) TableName() string {
	return "volumetric_user_slots"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *SlotModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

func (m *SlotModel) toDomain() *domain.VolumetricUserSlot {
	return &domain.VolumetricUserSlot{
		ID:                  m.ID,
		TenantID:            m.TenantID,
		VolumetricLicenseID: m.VolumetricLicenseID,
		SlotNumber:          m.SlotNumber,
		UserKey:             m.UserKey,
		UserID:              m.UserID,
		UserName:            m.UserName,
		MachineID:           m.MachineID,
		MachineName:         m.MachineName,
		IPAddress:           m.IPAddress,
		FirstActivation:     utcPtr(m.FirstActivation),
		LastActivity:        utcPtr(m.LastActivity),
		IsCurrentlyActive:   m.IsCurrentlyActive,
		CurrentSessionStart: utcPtr(m.CurrentSessionStart),
		LastHeartbeat:       utcPtr(m.LastHeartbeat),
		ReleasedAt:          utcPtr(m.ReleasedAt),
		ReleaseReason:       m.ReleaseReason,
		Audit: domain.AuditInfo{
			CreatedBy: m.CreatedBy,
			CreatedAt: m.CreatedAt,
			UpdatedBy: m.UpdatedBy,
			UpdatedAt: m.UpdatedAt,
		},
	}
}

func slotModel(s *domain.VolumetricUserSlot) *SlotModel {
	return &SlotModel{
		ID:                  s.ID,
		TenantID:            s.TenantID,
		VolumetricLicenseID: s.VolumetricLicenseID,
		SlotNumber:          s.SlotNumber,
		UserKey:             s.UserKey,
		UserID:              s.UserID,
		UserName:            s.UserName,
		MachineID:           s.MachineID,
		MachineName:         s.MachineName,
		IPAddress:           s.IPAddress,
		FirstActivation:     s.FirstActivation,
		LastActivity:        s.LastActivity,
		IsCurrentlyActive:   s.IsCurrentlyActive,
		CurrentSessionStart: s.CurrentSessionStart,
		LastHeartbeat:       s.LastHeartbeat,
		ReleasedAt:          s.ReleasedAt,
		ReleaseReason:       s.ReleaseReason,
		CreatedBy:           s.Audit.CreatedBy,
		CreatedAt:           s.Audit.CreatedAt,
		UpdatedBy:           s.Audit.UpdatedBy,
		UpdatedAt:           s.Audit.UpdatedAt,
	}
}

// VolumetricRepository はボリュームライセンスとスロットを保存する。
type VolumetricRepository struct {
	db *gorm.DB
}

// NewVolumetricRepository は新しいVolumetricRepositoryを生成する。
func NewVolumetricRepository(db *gorm.DB) *VolumetricRepository {
	return &VolumetricRepository{db: db}
}

// CreateLicense はボリュームライセンスを保存する。
func (r *VolumetricRepository) CreateLicense(ctx context.Context, v *domain.VolumetricLicense) error {
	model := &VolumetricLicenseModel{
		ID:                         v.ID,
		TenantID:                   v.TenantID,
		LicenseID:                  v.LicenseID,
		BaseKey:                    v.BaseKey,
		MaxConcurrentUsers:         v.MaxConcurrentUsers,
		MaxTotalUsers:              v.MaxTotalUsers,
		CurrentActiveUsers:         v.CurrentActiveUsers,
		TotalAllocatedUsers:        v.TotalAllocatedUsers,
		MaxSessionHours:            v.Policy.MaxSessionHours,
		HeartbeatIntervalMinutes:   v.Policy.HeartbeatIntervalMinutes,
		InactiveGracePeriodMinutes: v.Policy.InactiveGracePeriodMinutes,
		AutoCleanupIntervalMinutes: v.Policy.AutoCleanupIntervalMinutes,
		MatchBy:                    string(v.Policy.MatchBy),
		CreatedBy:                  v.Audit.CreatedBy,
		CreatedAt:                  v.Audit.CreatedAt,
		UpdatedBy:                  v.Audit.UpdatedBy,
		UpdatedAt:                  v.Audit.UpdatedAt,
	}
	if err := conn(ctx, r.db).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create volumetric license",
			"operation", "create_license",
			"tenant_id", v.TenantID,
			"license_id", v.LicenseID,
			"error", err,
		)
		return err
	}
	v.ID = model.ID
	return nil
}

// FindLicense はボリュームライセンスを取得する。lockがtrueなら行ロックを取る。
// 存在しない場合はnilを返す。
func (r *VolumetricRepository) FindLicense(ctx context.Context, tenantID, id string, lock bool) (*domain.VolumetricLicense, error) {
	q := conn(ctx, r.db)
	if lock {
		q = forUpdate(q)
	}
	var model VolumetricLicenseModel
	err := q.Where("tenant_id = ? AND id = ?", tenantID, id).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find volumetric license",
			"operation", "find_license",
			"tenant_id", tenantID,
			"volumetric_license_id", id,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// UpdateCounters は利用者数のカウンタのみを更新する。
func (r *VolumetricRepository) UpdateCounters(ctx context.Context, v *domain.VolumetricLicense) error {
	err := conn(ctx, r.db).
		Model(&VolumetricLicenseModel{}).
		Where("tenant_id = ? AND id = ?", v.TenantID, v.ID).
		Updates(map[string]any{
			"current_active_users":  v.CurrentActiveUsers,
			"total_allocated_users": v.TotalAllocatedUsers,
			"updated_by":            v.Audit.UpdatedBy,
			"updated_at":            v.Audit.UpdatedAt,
		}).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to update volumetric counters",
			"operation", "update_counters",
			"tenant_id", v.TenantID,
			"volumetric_license_id", v.ID,
			"error", err,
		)
		return err
	}
	return nil
}

// CreateSlot はスロットを保存する。
func (r *VolumetricRepository) CreateSlot(ctx context.Context, s *domain.VolumetricUserSlot) error {
	model := slotModel(s)
	if err := conn(ctx, r.db).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create slot",
			"operation", "create_slot",
			"tenant_id", s.TenantID,
			"volumetric_license_id", s.VolumetricLicenseID,
			"slot_number", s.SlotNumber,
			"error", err,
		)
		return err
	}
	s.ID = model.ID
	return nil
}

// UpdateSlot はスロットの利用状況を更新する。スロット番号と利用者キーは変更しない。
func (r *VolumetricRepository) UpdateSlot(ctx context.Context, s *domain.VolumetricUserSlot) error {
	err := conn(ctx, r.db).
		Model(&SlotModel{}).
		Where("tenant_id = ? AND id = ?", s.TenantID, s.ID).
		Updates(map[string]any{
			"user_name":             s.UserName,
			"machine_name":          s.MachineName,
			"ip_address":            s.IPAddress,
			"first_activation":      s.FirstActivation,
			"last_activity":         s.LastActivity,
			"is_currently_active":   s.IsCurrentlyActive,
			"current_session_start": s.CurrentSessionStart,
			"last_heartbeat":        s.LastHeartbeat,
			"released_at":           s.ReleasedAt,
			"release_reason":        s.ReleaseReason,
			"updated_by":            s.Audit.UpdatedBy,
			"updated_at":            s.Audit.UpdatedAt,
		}).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to update slot",
			"operation", "update_slot",
			"tenant_id", s.TenantID,
			"slot_id", s.ID,
			"error", err,
		)
		return err
	}
	return nil
}

// FindSlot はスロットを取得する。lockがtrueなら行ロックを取る。存在しない場合はnilを返す。
func (r *VolumetricRepository) FindSlot(ctx context.Context, tenantID, id string, lock bool) (*domain.VolumetricUserSlot, error) {
	q := conn(ctx, r.db)
	if lock {
		q = forUpdate(q)
	}
	var model SlotModel
	err := q.Where("tenant_id = ? AND id = ?", tenantID, id).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find slot",
			"operation", "find_slot",
			"tenant_id", tenantID,
			"slot_id", id,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// ListSlots はボリュームライセンスの全スロットをスロット番号順に返す。
func (r *VolumetricRepository) ListSlots(ctx context.Context, tenantID, volumetricID string) ([]*domain.VolumetricUserSlot, error) {
	var models []SlotModel
	err := conn(ctx, r.db).
		Where("tenant_id = ? AND volumetric_license_id = ?", tenantID, volumetricID).
		Order("slot_number ASC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to list slots",
			"operation", "list_slots",
			"tenant_id", tenantID,
			"volumetric_license_id", volumetricID,
			"error", err,
		)
		return nil, err
	}
	slots := make([]*domain.VolumetricUserSlot, len(models))
	for i := range models {
		slots[i] = models[i].toDomain()
	}
	return slots, nil
}

// TouchHeartbeat は利用中スロットの最終ハートビートと最終利用日時を更新する。
// 対象が利用中でない場合はfalseを返す。
func (r *VolumetricRepository) TouchHeartbeat(ctx context.Context, tenantID, slotID string, at time.Time) (bool, error) {
	result := conn(ctx, r.db).
		Model(&SlotModel{}).
		Where("tenant_id = ? AND id = ? AND is_currently_active = ?", tenantID, slotID, true).
		Updates(map[string]any{"last_heartbeat": at, "last_activity": at, "updated_at": at})
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to update slot heartbeat",
			"operation", "touch_heartbeat",
			"tenant_id", tenantID,
			"slot_id", slotID,
			"error", result.Error,
		)
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ListLicensesWithActiveSlots は利用中スロットを持つボリュームライセンスのIDを返す。
func (r *VolumetricRepository) ListLicensesWithActiveSlots(ctx context.Context, tenantID string) ([]string, error) {
	var ids []string
	err := conn(ctx, r.db).
		Model(&SlotModel{}).
		Where("tenant_id = ? AND is_currently_active = ?", tenantID, true).
		Distinct("volumetric_license_id").
		Order("volumetric_license_id").
		Pluck("volumetric_license_id", &ids).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to list licenses with active slots",
			"operation", "list_licenses_with_active_slots",
			"tenant_id", tenantID,
			"error", err,
		)
		return nil, err
	}
	return ids, nil
}

// ListTenants は利用中スロットを持つテナントを返す。
func (r *VolumetricRepository) ListTenants(ctx context.Context) ([]string, error) {
	var tenants []string
	err := conn(ctx, r.db).
		Model(&SlotModel{}).
		Where("is_currently_active = ?", true).
		Distinct("tenant_id").
		Order("tenant_id").
		Pluck("tenant_id", &tenants).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to list tenants with active slots",
			"operation", "list_tenants",
			"error", err,
		)
		return nil, err
	}
	return tenants, nil
}
