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

// ActivationRepository はプロダクトキーとアクティベーションの保存先のインターフェース。
// Find系は該当がない場合に (nil, nil) を返す。lockがtrueの場合は行ロックを取る。
type ActivationRepository interface {
	CreateProductKey(ctx context.Context, pk *domain.ProductKey) error
	FindProductKey(ctx context.Context, tenantID, key string, lock bool) (*domain.ProductKey, error)
	CreateActivation(ctx context.Context, a *domain.ProductActivation) error
	UpdateActivation(ctx context.Context, a *domain.ProductActivation) error
	FindActivation(ctx context.Context, tenantID, id string, lock bool) (*domain.ProductActivation, error)
	FindLiveByMachine(ctx context.Context, tenantID, productKeyID, machineID string) (*domain.ProductActivation, error)
	CountLive(ctx context.Context, tenantID, productKeyID string) (int, error)
	ListByProductKey(ctx context.Context, tenantID, productKeyID string) ([]*domain.ProductActivation, error)
	ListActive(ctx context.Context, tenantID string) ([]*domain.ProductActivation, error)
	TouchHeartbeat(ctx context.Context, tenantID, id string, at time.Time) (bool, error)
	ListTenants(ctx context.Context) ([]string, error)
}

const (
	reasonHeartbeatTimeout = "heartbeat timeout"
	reasonLicenseExpired   = "license expired"
)

// ActivationTracker はプロダクトキー単位のアクティベーション数を管理する。
// 受け入れ判定と記録の作成は、キー単位のロックと1つのトランザクションの中で行う。
type ActivationTracker struct {
	repo             ActivationRepository
	licenses         LicenseRepository
	tx               Transactor
	locks            *lock.Keyed
	audit            AuditSink
	metrics          Metrics
	heartbeatTimeout time.Duration
	now              func() time.Time
}

// NewActivationTracker は新しいActivationTrackerを生成する。
// heartbeatTimeoutが0の場合、SweepStaleはハートビート切れによる解除を行わない。
func NewActivationTracker(repo ActivationRepository, licenses LicenseRepository, tx Transactor, heartbeatTimeout time.Duration, audit AuditSink, metrics Metrics) *ActivationTracker {
	return &ActivationTracker{
		repo:             repo,
		licenses:         licenses,
		tx:               tx,
		locks:            lock.NewKeyed(),
		audit:            auditOrNop(audit),
		metrics:          metricsOrNop(metrics),
		heartbeatTimeout: heartbeatTimeout,
		now:              utcNow,
	}
}

func productKeyLock(tenantID, key string) string {
	return "pk:" + tenantID + ":" + key
}

// IssueProductKey はライセンスに対して XXXX-XXXX-XXXX-XXXX 形式のプロダクトキーを発行する。
func (t *ActivationTracker) IssueProductKey(ctx context.Context, tenantID, licenseID string, maxActivations int, actor string) (*domain.ProductKey, error) {
	if err := validateTenantID(tenantID); err != nil {
		return nil, err
	}
	if maxActivations < 0 {
		return nil, fmt.Errorf("%w: max activations must not be negative", domain.ErrInvalidArgument)
	}
	lic, err := t.licenses.FindByID(ctx, tenantID, licenseID)
	if err != nil {
		return nil, classify(fmt.Errorf("finding license %s: %w", licenseID, err))
	}
	if lic == nil {
		return nil, domain.ErrLicenseNotFound
	}

	key, err := domain.GenerateProductKey()
	if err != nil {
		return nil, err
	}
	if actor == "" {
		actor = domain.SystemActor
	}
	pk := &domain.ProductKey{
		TenantID:       tenantID,
		LicenseID:      licenseID,
		Key:            key,
		MaxActivations: maxActivations,
	}
	pk.Audit.Touch(actor, t.now())
	if err := t.repo.CreateProductKey(ctx, pk); err != nil {
		return nil, classify(fmt.Errorf("creating product key for license %s: %w", licenseID, err))
	}
	t.audit.Record(ctx, domain.AuditProductKeyIssued, pk.ID, actor, map[string]any{
		"tenant_id":       tenantID,
		"license_id":      licenseID,
		"max_activations": maxActivations,
	})
	return pk, nil
}

// Activate はマシンのアクティベーションを受け入れる。同じマシンが既に有効なら既存の記録をそのまま返す。
// 有効なアクティベーション数が上限に達している場合はErrCapacityExceededを返す。
func (t *ActivationTracker) Activate(ctx context.Context, tenantID string, req domain.ActivationRequest) (_ *domain.ProductActivation, err error) {
	ctx, span := tracer.Start(ctx, "ActivationTracker.Activate", trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("machine.id", req.MachineID),
	))
	defer func() { endSpan(span, err) }()

	if err := validateTenantID(tenantID); err != nil {
		return nil, err
	}
	key, err := domain.NormalizeProductKey(req.ProductKey)
	if err != nil {
		return nil, err
	}
	if req.MachineID == "" {
		return nil, fmt.Errorf("%w: machine ID is required", domain.ErrInvalidArgument)
	}
	actor := req.Actor
	if actor == "" {
		actor = domain.SystemActor
	}

	unlock, err := t.locks.Lock(ctx, productKeyLock(tenantID, key))
	if err != nil {
		return nil, classify(err)
	}
	defer unlock()

	now := t.now()
	var (
		result  *domain.ProductActivation
		created bool
	)
	err = t.tx.Transaction(ctx, func(ctx context.Context) error {
		pk, err := t.repo.FindProductKey(ctx, tenantID, key, true)
		if err != nil {
			return fmt.Errorf("finding product key: %w", err)
		}
		if pk == nil {
			return domain.ErrProductKeyNotFound
		}
		lic, err := t.licenses.FindByID(ctx, tenantID, pk.LicenseID)
		if err != nil {
			return fmt.Errorf("finding license %s: %w", pk.LicenseID, err)
		}
		if lic == nil {
			return domain.ErrLicenseNotFound
		}
		if lic.Revocation.EffectiveAt(now) {
			return domain.ErrLicenseRevoked
		}
		if lic.IsExpiredAt(now) {
			return domain.ErrLicenseExpired
		}

		// 同じマシンの有効なアクティベーションは数え直さない
		existing, err := t.repo.FindLiveByMachine(ctx, tenantID, pk.ID, req.MachineID)
		if err != nil {
			return fmt.Errorf("finding activation for machine: %w", err)
		}
		if existing != nil {
			if existing.Status == domain.ActivationPending {
				if err := existing.Transition(domain.ActivationActive, now); err != nil {
					return err
				}
				existing.Audit.Touch(actor, now)
				if err := t.repo.UpdateActivation(ctx, existing); err != nil {
					return fmt.Errorf("updating activation %s: %w", existing.ID, err)
				}
			}
			result = existing
			return nil
		}

		count, err := t.repo.CountLive(ctx, tenantID, pk.ID)
		if err != nil {
			return fmt.Errorf("counting activations: %w", err)
		}
		if count >= pk.MaxActivations {
			return fmt.Errorf("%w: %d of %d activations in use", domain.ErrCapacityExceeded, count, pk.MaxActivations)
		}

		a := &domain.ProductActivation{
			TenantID:       tenantID,
			LicenseID:      pk.LicenseID,
			ProductKeyID:   pk.ID,
			ProductKey:     pk.Key,
			MaxActivations: pk.MaxActivations,
			MachineID:      req.MachineID,
			MachineName:    req.MachineName,
			Fingerprint:    req.Fingerprint,
			IPAddress:      req.IPAddress,
			ActivatedAt:    now,
			Status:         domain.ActivationPending,
		}
		if err := a.Transition(domain.ActivationActive, now); err != nil {
			return err
		}
		a.Audit.Touch(actor, now)
		if err := t.repo.CreateActivation(ctx, a); err != nil {
			return fmt.Errorf("creating activation: %w", err)
		}
		result = a
		created = true
		return nil
	})
	if err != nil {
		err = classify(err)
		t.metrics.AdmissionDecided("activation", admissionResult(err))
		return nil, err
	}

	if created {
		t.metrics.AdmissionDecided("activation", "admitted")
		t.audit.Record(ctx, domain.AuditActivationCreated, result.ID, actor, map[string]any{
			"tenant_id":   tenantID,
			"license_id":  result.LicenseID,
			"product_key": result.ProductKey,
			"machine_id":  result.MachineID,
		})
	} else {
		t.metrics.AdmissionDecided("activation", "reused")
	}
	return result, nil
}

// Deactivate はアクティベーションを解除して枠を1つ空ける。
// 存在しない、または既に終了したアクティベーションに対しては何もせず成功する。
func (t *ActivationTracker) Deactivate(ctx context.Context, tenantID, activationID, reason, actor string) (err error) {
	ctx, span := tracer.Start(ctx, "ActivationTracker.Deactivate", trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("activation.id", activationID),
	))
	defer func() { endSpan(span, err) }()

	if err := validateTenantID(tenantID); err != nil {
		return err
	}
	if actor == "" {
		actor = domain.SystemActor
	}
	changed, err := t.endActivation(ctx, tenantID, activationID, domain.ActivationDeactivated, reason, actor, t.now())
	if err != nil {
		return err
	}
	if changed != nil {
		t.audit.Record(ctx, domain.AuditActivationDeactivated, changed.ID, actor, map[string]any{
			"tenant_id":   tenantID,
			"product_key": changed.ProductKey,
			"machine_id":  changed.MachineID,
			"reason":      reason,
		})
	}
	return nil
}

// Revoke は有効なアクティベーションを管理者操作で失効させる。既に失効済みならそのまま返す。
func (t *ActivationTracker) Revoke(ctx context.Context, tenantID, activationID, reason, actor string) (*domain.ProductActivation, error) {
	if err := validateTenantID(tenantID); err != nil {
		return nil, err
	}
	if actor == "" {
		actor = domain.SystemActor
	}
	current, err := t.repo.FindActivation(ctx, tenantID, activationID, false)
	if err != nil {
		return nil, classify(fmt.Errorf("finding activation %s: %w", activationID, err))
	}
	if current == nil {
		return nil, domain.ErrActivationNotFound
	}
	if current.Status == domain.ActivationRevoked {
		return current, nil
	}
	if current.Status != domain.ActivationActive {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, current.Status, domain.ActivationRevoked)
	}

	changed, err := t.endActivation(ctx, tenantID, activationID, domain.ActivationRevoked, reason, actor, t.now())
	if err != nil {
		return nil, err
	}
	if changed == nil {
		// ロック取得までの間に別の操作で終了していた
		return t.Get(ctx, tenantID, activationID)
	}
	t.audit.Record(ctx, domain.AuditActivationRevoked, changed.ID, actor, map[string]any{
		"tenant_id":   tenantID,
		"product_key": changed.ProductKey,
		"machine_id":  changed.MachineID,
		"reason":      reason,
	})
	return changed, nil
}

// endActivation はアクティベーションを終端状態へ遷移させる。
// 遷移できない状態や存在しない場合は (nil, nil) を返す。
func (t *ActivationTracker) endActivation(ctx context.Context, tenantID, activationID string, to domain.ActivationStatus, reason, actor string, now time.Time) (*domain.ProductActivation, error) {
	current, err := t.repo.FindActivation(ctx, tenantID, activationID, false)
	if err != nil {
		return nil, classify(fmt.Errorf("finding activation %s: %w", activationID, err))
	}
	if current == nil {
		return nil, nil
	}

	unlock, err := t.locks.Lock(ctx, productKeyLock(tenantID, current.ProductKey))
	if err != nil {
		return nil, classify(err)
	}
	defer unlock()

	var changed *domain.ProductActivation
	err = t.tx.Transaction(ctx, func(ctx context.Context) error {
		a, err := t.repo.FindActivation(ctx, tenantID, activationID, true)
		if err != nil {
			return fmt.Errorf("finding activation %s: %w", activationID, err)
		}
		if a == nil || a.Status.IsTerminal() {
			return nil
		}
		if err := a.Transition(to, now); err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) {
				return nil
			}
			return err
		}
		a.DeactivationReason = reason
		a.DeactivatedBy = actor
		a.Audit.Touch(actor, now)
		if err := t.repo.UpdateActivation(ctx, a); err != nil {
			return fmt.Errorf("updating activation %s: %w", activationID, err)
		}
		changed = a
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return changed, nil
}

// Heartbeat は最終ハートビートのみを更新する。状態は変えない。
func (t *ActivationTracker) Heartbeat(ctx context.Context, tenantID, activationID string) (*domain.ProductActivation, error) {
	a, err := t.Get(ctx, tenantID, activationID)
	if err != nil {
		return nil, err
	}
	if a.Status != domain.ActivationActive {
		return nil, domain.ErrActivationNotActive
	}
	now := t.now()
	ok, err := t.repo.TouchHeartbeat(ctx, tenantID, activationID, now)
	if err != nil {
		return nil, classify(fmt.Errorf("updating heartbeat for %s: %w", activationID, err))
	}
	if !ok {
		return nil, domain.ErrActivationNotActive
	}
	a.LastHeartbeat = &now
	return a, nil
}

// Get はアクティベーションを返す。親ライセンスが期限切れなら状態をExpiredとして返す。
func (t *ActivationTracker) Get(ctx context.Context, tenantID, activationID string) (*domain.ProductActivation, error) {
	if err := validateTenantID(tenantID); err != nil {
		return nil, err
	}
	a, err := t.repo.FindActivation(ctx, tenantID, activationID, false)
	if err != nil {
		return nil, classify(fmt.Errorf("finding activation %s: %w", activationID, err))
	}
	if a == nil {
		return nil, domain.ErrActivationNotFound
	}
	if err := t.applyEffectiveStatus(ctx, tenantID, []*domain.ProductActivation{a}); err != nil {
		return nil, err
	}
	return a, nil
}

// ListByProductKey はプロダクトキーのアクティベーション一覧を返す。
func (t *ActivationTracker) ListByProductKey(ctx context.Context, tenantID, productKey string) ([]*domain.ProductActivation, error) {
	if err := validateTenantID(tenantID); err != nil {
		return nil, err
	}
	key, err := domain.NormalizeProductKey(productKey)
	if err != nil {
		return nil, err
	}
	pk, err := t.repo.FindProductKey(ctx, tenantID, key, false)
	if err != nil {
		return nil, classify(fmt.Errorf("finding product key: %w", err))
	}
	if pk == nil {
		return nil, domain.ErrProductKeyNotFound
	}
	list, err := t.repo.ListByProductKey(ctx, tenantID, pk.ID)
	if err != nil {
		return nil, classify(fmt.Errorf("listing activations: %w", err))
	}
	if err := t.applyEffectiveStatus(ctx, tenantID, list); err != nil {
		return nil, err
	}
	return list, nil
}

// applyEffectiveStatus は親ライセンスの有効期限から読み出し時の状態を導出する。
func (t *ActivationTracker) applyEffectiveStatus(ctx context.Context, tenantID string, list []*domain.ProductActivation) error {
	now := t.now()
	licenses := make(map[string]*domain.License)
	for _, a := range list {
		lic, ok := licenses[a.LicenseID]
		if !ok {
			var err error
			lic, err = t.licenses.FindByID(ctx, tenantID, a.LicenseID)
			if err != nil {
				return classify(fmt.Errorf("finding license %s: %w", a.LicenseID, err))
			}
			licenses[a.LicenseID] = lic
		}
		if lic != nil {
			a.Status = a.EffectiveStatus(lic.ValidTo, now)
		}
	}
	return nil
}

// SweepStale はハートビートが途絶えたアクティベーションを解除し、
// 親ライセンスが期限切れのアクティベーションをExpiredとして保存する。処理件数を返す。
func (t *ActivationTracker) SweepStale(ctx context.Context, tenantID string, now time.Time) (_ int, err error) {
	ctx, span := tracer.Start(ctx, "ActivationTracker.SweepStale", trace.WithAttributes(attribute.String("tenant.id", tenantID)))
	defer func() { endSpan(span, err) }()

	if err := validateTenantID(tenantID); err != nil {
		return 0, err
	}
	active, err := t.repo.ListActive(ctx, tenantID)
	if err != nil {
		return 0, classify(fmt.Errorf("listing active activations: %w", err))
	}

	groups := make(map[string][]string)
	var order []string
	for _, a := range active {
		if _, ok := groups[a.ProductKey]; !ok {
			order = append(order, a.ProductKey)
		}
		groups[a.ProductKey] = append(groups[a.ProductKey], a.ID)
	}

	swept := 0
	var errs []error
	for _, key := range order {
		ended, err := t.sweepProductKey(ctx, tenantID, key, groups[key], now)
		if err != nil {
			slog.ErrorContext(ctx, "failed to sweep product key",
				"operation", "sweep_stale",
				"tenant_id", tenantID,
				"product_key", key,
				"error", err,
			)
			errs = append(errs, err)
			continue
		}
		for _, a := range ended {
			event := domain.AuditActivationDeactivated
			if a.Status == domain.ActivationExpired {
				event = domain.AuditActivationExpired
			}
			t.audit.Record(ctx, event, a.ID, domain.SystemActor, map[string]any{
				"tenant_id":   tenantID,
				"product_key": a.ProductKey,
				"machine_id":  a.MachineID,
				"status":      a.Status,
				"reason":      a.DeactivationReason,
			})
		}
		swept += len(ended)
	}
	t.metrics.EntitlementsSwept("activation", swept)
	return swept, errors.Join(errs...)
}

func (t *ActivationTracker) sweepProductKey(ctx context.Context, tenantID, key string, ids []string, now time.Time) ([]*domain.ProductActivation, error) {
	unlock, err := t.locks.Lock(ctx, productKeyLock(tenantID, key))
	if err != nil {
		return nil, classify(err)
	}
	defer unlock()

	var ended []*domain.ProductActivation
	err = t.tx.Transaction(ctx, func(ctx context.Context) error {
		ended = nil
		licenses := make(map[string]*domain.License)
		for _, id := range ids {
			a, err := t.repo.FindActivation(ctx, tenantID, id, true)
			if err != nil {
				return fmt.Errorf("finding activation %s: %w", id, err)
			}
			if a == nil || a.Status != domain.ActivationActive {
				continue
			}
			lic, ok := licenses[a.LicenseID]
			if !ok {
				if lic, err = t.licenses.FindByID(ctx, tenantID, a.LicenseID); err != nil {
					return fmt.Errorf("finding license %s: %w", a.LicenseID, err)
				}
				licenses[a.LicenseID] = lic
			}

			switch {
			case lic != nil && lic.IsExpiredAt(now):
				if err := a.Transition(domain.ActivationExpired, now); err != nil {
					return err
				}
				a.DeactivationReason = reasonLicenseExpired
			case a.HeartbeatStale(t.heartbeatTimeout, now):
				if err := a.Transition(domain.ActivationDeactivated, now); err != nil {
					return err
				}
				a.DeactivationReason = reasonHeartbeatTimeout
			default:
				continue
			}
			a.DeactivatedBy = domain.SystemActor
			a.Audit.Touch(domain.SystemActor, now)
			if err := t.repo.UpdateActivation(ctx, a); err != nil {
				return fmt.Errorf("updating activation %s: %w", id, err)
			}
			ended = append(ended, a)
		}
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return ended, nil
}

// ActiveTenants は有効なアクティベーションを持つテナントを返す。
func (t *ActivationTracker) ActiveTenants(ctx context.Context) ([]string, error) {
	tenants, err := t.repo.ListTenants(ctx)
	if err != nil {
		return nil, classify(fmt.Errorf("listing tenants: %w", err))
	}
	return tenants, nil
}

// admissionResult はメトリクス用に受け入れ判定の結果を分類する。
func admissionResult(err error) string {
	switch {
	case errors.Is(err, domain.ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, domain.ErrConcurrencyLimitExceeded):
		return "concurrency_limit_exceeded"
	case errors.Is(err, domain.ErrTotalCapacityExceeded):
		return "total_capacity_exceeded"
	case errors.Is(err, domain.ErrSlotSpaceExhausted):
		return "slot_space_exhausted"
	case errors.Is(err, domain.ErrTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrInvalidArgument), errors.Is(err, domain.ErrConflict):
		return "rejected"
	default:
		return "error"
	}
}
