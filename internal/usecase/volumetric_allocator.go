package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"license-service/internal/domain"
	"license-service/internal/lock"
)

// VolumetricRepository はボリュームライセンスとスロットの保存先のインターフェース。
// Find系は該当がない場合に (nil, nil) を返す。
type VolumetricRepository interface {
	CreateLicense(ctx context.Context, v *domain.VolumetricLicense) error
	FindLicense(ctx context.Context, tenantID, id string, lock bool) (*domain.VolumetricLicense, error)
	UpdateCounters(ctx context.Context, v *domain.VolumetricLicense) error
	CreateSlot(ctx context.Context, s *domain.VolumetricUserSlot) error
	UpdateSlot(ctx context.Context, s *domain.VolumetricUserSlot) error
	FindSlot(ctx context.Context, tenantID, id string, lock bool) (*domain.VolumetricUserSlot, error)
	ListSlots(ctx context.Context, tenantID, volumetricID string) ([]*domain.VolumetricUserSlot, error)
	TouchHeartbeat(ctx context.Context, tenantID, slotID string, at time.Time) (bool, error)
	ListLicensesWithActiveSlots(ctx context.Context, tenantID string) ([]string, error)
	ListTenants(ctx context.Context) ([]string, error)
}

// ReleaseReasonTimeout はスイープによる解放理由。
const ReleaseReasonTimeout = "timeout"

// VolumetricSlotAllocator はボリュームライセンスの同時利用数と累計利用者数を管理する。
type VolumetricSlotAllocator struct {
	repo     VolumetricRepository
	licenses LicenseRepository
	tx       Transactor
	locks    *lock.Keyed
	audit    AuditSink
	metrics  Metrics
	now      func() time.Time
}

// NewVolumetricSlotAllocator は新しいVolumetricSlotAllocatorを生成する。
func NewVolumetricSlotAllocator(repo VolumetricRepository, licenses LicenseRepository, tx Transactor, audit AuditSink, metrics Metrics) *VolumetricSlotAllocator {
	return &VolumetricSlotAllocator{
		repo:     repo,
		licenses: licenses,
		tx:       tx,
		locks:    lock.NewKeyed(),
		audit:    auditOrNop(audit),
		metrics:  metricsOrNop(metrics),
		now:      utcNow,
	}
}

func volumetricLock(tenantID, volumetricID string) string {
	return "vol:" + tenantID + ":" + volumetricID
}

// CreateVolumetricLicense はライセンスに XXXX-XXXX-XXXX 形式のベースキーを持つボリュームライセンスを作成する。
func (a *VolumetricSlotAllocator) CreateVolumetricLicense(ctx context.Context, tenantID, licenseID string, maxConcurrent, maxTotal int, policy domain.SessionPolicy, actor string) (*domain.VolumetricLicense, error) {
	if err := validateTenantID(tenantID); err != nil {
		return nil, err
	}
	if policy.MatchBy == "" {
		policy.MatchBy = domain.SlotIdentityUser
	}
	v := &domain.VolumetricLicense{
		TenantID:           tenantID,
		LicenseID:          licenseID,
		MaxConcurrentUsers: maxConcurrent,
		MaxTotalUsers:      maxTotal,
		Policy:             policy,
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}
	lic, err := a.licenses.FindByID(ctx, tenantID, licenseID)
	if err != nil {
		return nil, classify(fmt.Errorf("finding license %s: %w", licenseID, err))
	}
	if lic == nil {
		return nil, domain.ErrLicenseNotFound
	}

	if v.BaseKey, err = domain.GenerateBaseKey(); err != nil {
		return nil, err
	}
	if actor == "" {
		actor = domain.SystemActor
	}
	v.Audit.Touch(actor, a.now())
	if err := a.repo.CreateLicense(ctx, v); err != nil {
		return nil, classify(fmt.Errorf("creating volumetric license for %s: %w", licenseID, err))
	}
	a.audit.Record(ctx, domain.AuditVolumetricCreated, v.ID, actor, map[string]any{
		"tenant_id":            tenantID,
		"license_id":           licenseID,
		"base_key":             v.BaseKey,
		"max_concurrent_users": maxConcurrent,
		"max_total_users":      maxTotal,
	})
	return v, nil
}

// AllocateSlot は利用者にスロットを割り当てる。同じ利用者の利用中スロットがあればそのまま返し、
// 過去に使っていたスロットがあれば再利用する。新しい番号は未使用の最小値から採番する。
func (a *VolumetricSlotAllocator) AllocateSlot(ctx context.Context, tenantID, volumetricID string, req domain.SlotRequest) (_ *domain.VolumetricUserSlot, err error) {
	ctx, span := tracer.Start(ctx, "VolumetricSlotAllocator.AllocateSlot", trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("volumetric.id", volumetricID),
	))
	defer func() { endSpan(span, err) }()

	if err := validateTenantID(tenantID); err != nil {
		return nil, err
	}
	if req.UserID == "" && req.MachineID == "" {
		return nil, fmt.Errorf("%w: user ID or machine ID is required", domain.ErrInvalidArgument)
	}
	actor := req.Actor
	if actor == "" {
		actor = domain.SystemActor
	}

	unlock, err := a.locks.Lock(ctx, volumetricLock(tenantID, volumetricID))
	if err != nil {
		return nil, classify(err)
	}
	defer unlock()

	now := a.now()
	var (
		result *domain.VolumetricUserSlot
		fresh  bool
	)
	err = a.tx.Transaction(ctx, func(ctx context.Context) error {
		v, err := a.repo.FindLicense(ctx, tenantID, volumetricID, true)
		if err != nil {
			return fmt.Errorf("finding volumetric license %s: %w", volumetricID, err)
		}
		if v == nil {
			return domain.ErrVolumetricLicenseNotFound
		}
		// 上限0は席を持たないライセンス
		if v.MaxConcurrentUsers == 0 {
			return fmt.Errorf("%w: license grants no concurrent seats", domain.ErrConcurrencyLimitExceeded)
		}
		if v.MaxTotalUsers == 0 {
			return fmt.Errorf("%w: license grants no seats", domain.ErrTotalCapacityExceeded)
		}
		if v.Policy.MatchBy == domain.SlotIdentityMachine && req.MachineID == "" {
			return fmt.Errorf("%w: machine ID is required", domain.ErrInvalidArgument)
		}
		if v.Policy.MatchBy != domain.SlotIdentityMachine && req.UserID == "" {
			return fmt.Errorf("%w: user ID is required", domain.ErrInvalidArgument)
		}

		lic, err := a.licenses.FindByID(ctx, tenantID, v.LicenseID)
		if err != nil {
			return fmt.Errorf("finding license %s: %w", v.LicenseID, err)
		}
		if lic != nil {
			if lic.Revocation.EffectiveAt(now) {
				return domain.ErrLicenseRevoked
			}
			if lic.IsExpiredAt(now) {
				return domain.ErrLicenseExpired
			}
		}

		slots, err := a.repo.ListSlots(ctx, tenantID, volumetricID)
		if err != nil {
			return fmt.Errorf("listing slots: %w", err)
		}
		var own *domain.VolumetricUserSlot
		used := make([]int, 0, len(slots))
		for _, s := range slots {
			used = append(used, s.SlotNumber)
			if !s.Matches(v.Policy, req) {
				continue
			}
			if s.IsCurrentlyActive {
				result = s
				return nil
			}
			if own == nil {
				own = s
			}
		}

		if v.CurrentActiveUsers >= v.MaxConcurrentUsers {
			return fmt.Errorf("%w: %d of %d concurrent users", domain.ErrConcurrencyLimitExceeded, v.CurrentActiveUsers, v.MaxConcurrentUsers)
		}

		slot := own
		if slot == nil {
			if v.TotalAllocatedUsers >= v.MaxTotalUsers {
				return fmt.Errorf("%w: %d of %d users allocated", domain.ErrTotalCapacityExceeded, v.TotalAllocatedUsers, v.MaxTotalUsers)
			}
			n, err := domain.NextSlotNumber(used)
			if err != nil {
				return err
			}
			slot = &domain.VolumetricUserSlot{
				TenantID:            tenantID,
				VolumetricLicenseID: v.ID,
				SlotNumber:          n,
				UserKey:             domain.UserKey(v.BaseKey, n),
				UserID:              req.UserID,
				MachineID:           req.MachineID,
			}
			v.TotalAllocatedUsers++
		}

		if req.UserName != "" {
			slot.UserName = req.UserName
		}
		if req.MachineName != "" {
			slot.MachineName = req.MachineName
		}
		if req.IPAddress != "" {
			slot.IPAddress = req.IPAddress
		}
		start := now
		if slot.FirstActivation == nil {
			slot.FirstActivation = &start
		}
		slot.IsCurrentlyActive = true
		slot.CurrentSessionStart = &start
		slot.LastHeartbeat = &start
		slot.LastActivity = &start
		slot.ReleasedAt = nil
		slot.ReleaseReason = ""
		slot.Audit.Touch(actor, now)

		if own == nil {
			if err := a.repo.CreateSlot(ctx, slot); err != nil {
				return fmt.Errorf("creating slot %d: %w", slot.SlotNumber, err)
			}
		} else if err := a.repo.UpdateSlot(ctx, slot); err != nil {
			return fmt.Errorf("reactivating slot %d: %w", slot.SlotNumber, err)
		}

		v.CurrentActiveUsers++
		v.Audit.Touch(actor, now)
		if err := a.repo.UpdateCounters(ctx, v); err != nil {
			return fmt.Errorf("updating counters: %w", err)
		}
		result = slot
		fresh = true
		return nil
	})
	if err != nil {
		err = classify(err)
		a.metrics.AdmissionDecided("volumetric", admissionResult(err))
		return nil, err
	}

	if !fresh {
		a.metrics.AdmissionDecided("volumetric", "reused")
		return result, nil
	}
	a.metrics.AdmissionDecided("volumetric", "admitted")
	a.audit.Record(ctx, domain.AuditSlotAllocated, result.ID, actor, map[string]any{
		"tenant_id":             tenantID,
		"volumetric_license_id": volumetricID,
		"slot_number":           result.SlotNumber,
		"user_key":              result.UserKey,
		"user_id":               result.UserID,
		"machine_id":            result.MachineID,
	})
	return result, nil
}

// Heartbeat は利用中スロットの最終ハートビートと最終利用日時を更新する。
func (a *VolumetricSlotAllocator) Heartbeat(ctx context.Context, tenantID, slotID string) (*domain.VolumetricUserSlot, error) {
	if err := validateTenantID(tenantID); err != nil {
		return nil, err
	}
	now := a.now()
	ok, err := a.repo.TouchHeartbeat(ctx, tenantID, slotID, now)
	if err != nil {
		return nil, classify(fmt.Errorf("updating heartbeat for slot %s: %w", slotID, err))
	}
	slot, err := a.repo.FindSlot(ctx, tenantID, slotID, false)
	if err != nil {
		return nil, classify(fmt.Errorf("finding slot %s: %w", slotID, err))
	}
	if slot == nil {
		return nil, domain.ErrSlotNotFound
	}
	if !ok {
		return nil, domain.ErrSlotNotActive
	}
	return slot, nil
}

// Release はスロットを解放して同時利用数を1つ減らす。累計利用者数は変えない。
// 既に解放済みのスロットに対しては何もせずそのまま返す。
func (a *VolumetricSlotAllocator) Release(ctx context.Context, tenantID, slotID, reason, actor string) (_ *domain.VolumetricUserSlot, err error) {
	ctx, span := tracer.Start(ctx, "VolumetricSlotAllocator.Release", trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("slot.id", slotID),
	))
	defer func() { endSpan(span, err) }()

	if err := validateTenantID(tenantID); err != nil {
		return nil, err
	}
	if actor == "" {
		actor = domain.SystemActor
	}
	current, err := a.repo.FindSlot(ctx, tenantID, slotID, false)
	if err != nil {
		return nil, classify(fmt.Errorf("finding slot %s: %w", slotID, err))
	}
	if current == nil {
		return nil, domain.ErrSlotNotFound
	}
	if !current.IsCurrentlyActive {
		return current, nil
	}

	unlock, err := a.locks.Lock(ctx, volumetricLock(tenantID, current.VolumetricLicenseID))
	if err != nil {
		return nil, classify(err)
	}
	defer unlock()

	now := a.now()
	var released []*domain.VolumetricUserSlot
	err = a.tx.Transaction(ctx, func(ctx context.Context) error {
		var err error
		released, err = a.releaseSlots(ctx, tenantID, current.VolumetricLicenseID, []string{slotID}, reason, actor, now)
		return err
	})
	if err != nil {
		return nil, classify(err)
	}
	if len(released) == 0 {
		return a.repo.FindSlot(ctx, tenantID, slotID, false)
	}
	a.recordReleases(ctx, tenantID, released, actor)
	return released[0], nil
}

// releaseSlots はトランザクション内で利用中のスロットを解放し、カウンタを更新する。
// 呼び出し元がボリュームライセンスのロックを保持していること。
func (a *VolumetricSlotAllocator) releaseSlots(ctx context.Context, tenantID, volumetricID string, slotIDs []string, reason, actor string, now time.Time) ([]*domain.VolumetricUserSlot, error) {
	v, err := a.repo.FindLicense(ctx, tenantID, volumetricID, true)
	if err != nil {
		return nil, fmt.Errorf("finding volumetric license %s: %w", volumetricID, err)
	}
	if v == nil {
		return nil, domain.ErrVolumetricLicenseNotFound
	}

	var released []*domain.VolumetricUserSlot
	for _, id := range slotIDs {
		slot, err := a.repo.FindSlot(ctx, tenantID, id, true)
		if err != nil {
			return nil, fmt.Errorf("finding slot %s: %w", id, err)
		}
		if slot == nil || !slot.IsCurrentlyActive {
			continue
		}
		end := now
		slot.IsCurrentlyActive = false
		slot.ReleasedAt = &end
		slot.ReleaseReason = reason
		slot.CurrentSessionStart = nil
		slot.Audit.Touch(actor, now)
		if err := a.repo.UpdateSlot(ctx, slot); err != nil {
			return nil, fmt.Errorf("releasing slot %d: %w", slot.SlotNumber, err)
		}
		if v.CurrentActiveUsers > 0 {
			v.CurrentActiveUsers--
		}
		released = append(released, slot)
	}
	if len(released) == 0 {
		return nil, nil
	}
	v.Audit.Touch(actor, now)
	if err := a.repo.UpdateCounters(ctx, v); err != nil {
		return nil, fmt.Errorf("updating counters: %w", err)
	}
	return released, nil
}

func (a *VolumetricSlotAllocator) recordReleases(ctx context.Context, tenantID string, released []*domain.VolumetricUserSlot, actor string) {
	for _, s := range released {
		a.audit.Record(ctx, domain.AuditSlotReleased, s.ID, actor, map[string]any{
			"tenant_id":             tenantID,
			"volumetric_license_id": s.VolumetricLicenseID,
			"slot_number":           s.SlotNumber,
			"reason":                s.ReleaseReason,
		})
	}
}

// SweepInactive はハートビート猶予またはセッション上限を超えた利用中スロットを解放する。
// ロックはボリュームライセンス単位で取り、全体を1つのロックで止めることはしない。解放件数を返す。
func (a *VolumetricSlotAllocator) SweepInactive(ctx context.Context, tenantID string, now time.Time) (_ int, err error) {
	ctx, span := tracer.Start(ctx, "VolumetricSlotAllocator.SweepInactive", trace.WithAttributes(attribute.String("tenant.id", tenantID)))
	defer func() { endSpan(span, err) }()

	if err := validateTenantID(tenantID); err != nil {
		return 0, err
	}
	ids, err := a.repo.ListLicensesWithActiveSlots(ctx, tenantID)
	if err != nil {
		return 0, classify(fmt.Errorf("listing volumetric licenses: %w", err))
	}

	swept := 0
	var errs []error
	for _, id := range ids {
		n, err := a.SweepLicense(ctx, tenantID, id, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		swept += n
	}
	return swept, errors.Join(errs...)
}

// SweepLicense は1つのボリュームライセンスについてタイムアウトしたスロットを解放する。
func (a *VolumetricSlotAllocator) SweepLicense(ctx context.Context, tenantID, volumetricID string, now time.Time) (int, error) {
	unlock, err := a.locks.Lock(ctx, volumetricLock(tenantID, volumetricID))
	if err != nil {
		return 0, classify(err)
	}
	defer unlock()

	var released []*domain.VolumetricUserSlot
	err = a.tx.Transaction(ctx, func(ctx context.Context) error {
		v, err := a.repo.FindLicense(ctx, tenantID, volumetricID, false)
		if err != nil {
			return fmt.Errorf("finding volumetric license %s: %w", volumetricID, err)
		}
		if v == nil {
			return nil
		}
		slots, err := a.repo.ListSlots(ctx, tenantID, volumetricID)
		if err != nil {
			return fmt.Errorf("listing slots: %w", err)
		}
		var expired []string
		for _, s := range slots {
			if timedOut, _ := s.TimedOut(v.Policy, now); timedOut {
				expired = append(expired, s.ID)
			}
		}
		if len(expired) == 0 {
			return nil
		}
		released, err = a.releaseSlots(ctx, tenantID, volumetricID, expired, ReleaseReasonTimeout, domain.SystemActor, now)
		return err
	})
	if err != nil {
		err = classify(err)
		slog.ErrorContext(ctx, "failed to sweep volumetric license",
			"operation", "sweep_inactive",
			"tenant_id", tenantID,
			"volumetric_license_id", volumetricID,
			"error", err,
		)
		return 0, err
	}
	a.recordReleases(ctx, tenantID, released, domain.SystemActor)
	a.metrics.EntitlementsSwept("volumetric", len(released))
	return len(released), nil
}

// Get はボリュームライセンスを返す。
func (a *VolumetricSlotAllocator) Get(ctx context.Context, tenantID, volumetricID string) (*domain.VolumetricLicense, error) {
	if err := validateTenantID(tenantID); err != nil {
		return nil, err
	}
	v, err := a.repo.FindLicense(ctx, tenantID, volumetricID, false)
	if err != nil {
		return nil, classify(fmt.Errorf("finding volumetric license %s: %w", volumetricID, err))
	}
	if v == nil {
		return nil, domain.ErrVolumetricLicenseNotFound
	}
	return v, nil
}

// ListSlots はボリュームライセンスのスロットをスロット番号順に返す。
func (a *VolumetricSlotAllocator) ListSlots(ctx context.Context, tenantID, volumetricID string) ([]*domain.VolumetricUserSlot, error) {
	if _, err := a.Get(ctx, tenantID, volumetricID); err != nil {
		return nil, err
	}
	slots, err := a.repo.ListSlots(ctx, tenantID, volumetricID)
	if err != nil {
		return nil, classify(fmt.Errorf("listing slots: %w", err))
	}
	return slots, nil
}

// ActiveTenants は利用中スロットを持つテナントを返す。
func (a *VolumetricSlotAllocator) ActiveTenants(ctx context.Context) ([]string, error) {
	tenants, err := a.repo.ListTenants(ctx)
	if err != nil {
		return nil, classify(fmt.Errorf("listing tenants: %w", err))
	}
	return tenants, nil
}

// ActiveLicenses はテナント内で利用中スロットを持つボリュームライセンスのIDを返す。
func (a *VolumetricSlotAllocator) ActiveLicenses(ctx context.Context, tenantID string) ([]string, error) {
	ids, err := a.repo.ListLicensesWithActiveSlots(ctx, tenantID)
	if err != nil {
		return nil, classify(fmt.Errorf("listing volumetric licenses: %w", err))
	}
	return ids, nil
}
