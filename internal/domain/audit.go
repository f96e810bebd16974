package domain

import "time"

// AuditInfo はエンティティに埋め込む作成・更新の記録。
type AuditInfo struct {
	CreatedBy string
	CreatedAt time.Time
	UpdatedBy string
	UpdatedAt time.Time
}

// Touch は更新者と更新日時を記録する。作成日時が未設定なら同時に埋める。
func (a *AuditInfo) Touch(actor string, at time.Time) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = at
		a.CreatedBy = actor
	}
	a.UpdatedAt = at
	a.UpdatedBy = actor
}

// ApprovalState は承認ワークフローの状態を表す。
type ApprovalState string

const (
	ApprovalPending  ApprovalState = "pending"
	ApprovalApproved ApprovalState = "approved"
	ApprovalRejected ApprovalState = "rejected"
)

// Approval はライセンス発行の承認情報を表す値オブジェクト。
type Approval struct {
	State      ApprovalState `json:"state"`
	ApprovedBy string        `json:"approvedBy,omitempty"`
	ApprovedAt *time.Time    `json:"approvedAt,omitempty"`
	Comment    string        `json:"comment,omitempty"`
}

// AuditEventType は監査イベントの種類。
type AuditEventType string

const (
	AuditKeyGenerated          AuditEventType = "key.generated"
	AuditKeyRotated            AuditEventType = "key.rotated"
	AuditLicenseSigned         AuditEventType = "license.signed"
	AuditLicenseRenewed        AuditEventType = "license.renewed"
	AuditLicenseRevoked        AuditEventType = "license.revoked"
	AuditProductKeyIssued      AuditEventType = "product_key.issued"
	AuditActivationCreated     AuditEventType = "activation.created"
	AuditActivationDeactivated AuditEventType = "activation.deactivated"
	AuditActivationRevoked     AuditEventType = "activation.revoked"
	AuditActivationExpired     AuditEventType = "activation.expired"
	AuditVolumetricCreated     AuditEventType = "volumetric.created"
	AuditSlotAllocated         AuditEventType = "slot.allocated"
	AuditSlotReleased          AuditEventType = "slot.released"
)

// SystemActor はバックグラウンド処理による操作の実行者名。
const SystemActor = "system"
