package domain

import (
	"fmt"
	"time"
)

// ActivationStatus はプロダクトキーによるアクティベーションの状態。
type ActivationStatus string

const (
	ActivationPending     ActivationStatus = "pending_activation"
	ActivationActive      ActivationStatus = "active"
	ActivationDeactivated ActivationStatus = "deactivated"
	ActivationExpired     ActivationStatus = "expired"
	ActivationRevoked     ActivationStatus = "revoked"
)

// IsTerminal は終端状態かを返す。
func (s ActivationStatus) IsTerminal() bool {
	switch s {
	case ActivationDeactivated, ActivationExpired, ActivationRevoked:
		return true
	}
	return false
}

// ProductKey は1つのキーで複数台のマシンを許可するエンタイトルメント。
type ProductKey struct {
	ID             string
	TenantID       string
	LicenseID      string
	Key            string
	MaxActivations int
	Audit          AuditInfo
}

// ActivationRequest はアクティベーション要求。
type ActivationRequest struct {
	ProductKey  string
	MachineID   string
	MachineName string
	Fingerprint string
	IPAddress   string
	Actor       string
}

// ProductActivation はプロダクトキーによる1台分のアクティベーション。
type ProductActivation struct {
	ID                 string
	TenantID           string
	LicenseID          string
	ProductKeyID       string
	ProductKey         string
	MaxActivations     int
	MachineID          string
	MachineName        string
	Fingerprint        string
	IPAddress          string
	ActivatedAt        time.Time
	EndedAt            *time.Time
	LastHeartbeat      *time.Time
	Status             ActivationStatus
	DeactivationReason string
	DeactivatedBy      string
	Audit              AuditInfo
}

// Transition は状態遷移を検査して適用する。Expired への遷移はどの状態からでも許可する。
func (a *ProductActivation) Transition(to ActivationStatus, at time.Time) error {
	from := a.Status
	allowed := false
	switch to {
	case ActivationActive:
		allowed = from == ActivationPending
	case ActivationDeactivated:
		allowed = from == ActivationActive || from == ActivationPending
	case ActivationRevoked:
		allowed = from == ActivationActive
	case ActivationExpired:
		allowed = from != ActivationExpired
	}
	if !allowed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	a.Status = to
	if to.IsTerminal() && a.EndedAt == nil {
		end := at
		a.EndedAt = &end
	}
	return nil
}

// EffectiveStatus は親ライセンスの有効期限を考慮した状態を返す。
// 期限切れの判定は読み出し時に行い、保存された状態は書き換えない。
func (a *ProductActivation) EffectiveStatus(licenseValidTo, now time.Time) ActivationStatus {
	if a.Status != ActivationExpired && now.After(licenseValidTo) {
		return ActivationExpired
	}
	return a.Status
}

// HeartbeatStale は最終ハートビートがタイムアウトを超えているかを返す。
// ハートビートが一度もない場合はアクティベーション日時を基準にする。
func (a *ProductActivation) HeartbeatStale(timeout time.Duration, now time.Time) bool {
	if timeout <= 0 {
		return false
	}
	last := a.ActivatedAt
	if a.LastHeartbeat != nil {
		last = *a.LastHeartbeat
	}
	return now.Sub(last) > timeout
}
