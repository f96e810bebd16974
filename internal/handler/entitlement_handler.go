package handler

import (
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"

	"license-service/internal/domain"
	"license-service/internal/usecase"
	"license-service/pkg/httputil"
)

// EntitlementHandler はアクティベーションとボリュームライセンスのHTTPハンドラを提供する。
type EntitlementHandler struct {
	activations *usecase.ActivationTracker
	slots       *usecase.VolumetricSlotAllocator
}

// NewEntitlementHandler は新しいEntitlementHandlerを生成する。
func NewEntitlementHandler(activations *usecase.ActivationTracker, slots *usecase.VolumetricSlotAllocator) *EntitlementHandler {
	return &EntitlementHandler{activations: activations, slots: slots}
}

// IssueProductKeyRequest はプロダクトキー発行のリクエスト形式。
type IssueProductKeyRequest struct {
	MaxActivations int `json:"max_activations" validate:"min=0"`
}

// ProductKeyResponse はプロダクトキーのレスポンス形式。
type ProductKeyResponse struct {
	ID             string `json:"id"`
	LicenseID      string `json:"license_id"`
	ProductKey     string `json:"product_key"`
	MaxActivations int    `json:"max_activations"`
	CreatedAt      string `json:"created_at"`
}

// ActivateRequest はアクティベーションのリクエスト形式。
type ActivateRequest struct {
	ProductKey  string `json:"product_key" validate:"required"`
	MachineID   string `json:"machine_id" validate:"required,max=255"`
	MachineName string `json:"machine_name" validate:"max=255"`
	Fingerprint string `json:"fingerprint" validate:"max=255"`
}

// ActivationResponse はアクティベーションのレスポンス形式。
type ActivationResponse struct {
	ID                 string `json:"id"`
	LicenseID          string `json:"license_id"`
	ProductKey         string `json:"product_key"`
	MachineID          string `json:"machine_id"`
	MachineName        string `json:"machine_name,omitempty"`
	Status             string `json:"status"`
	ActivatedAt        string `json:"activated_at"`
	LastHeartbeat      string `json:"last_heartbeat,omitempty"`
	EndedAt            string `json:"ended_at,omitempty"`
	DeactivationReason string `json:"deactivation_reason,omitempty"`
}

// ActivationListResponse はアクティベーション一覧のレスポンス形式。
type ActivationListResponse struct {
	Activations []ActivationResponse `json:"activations"`
}

// SessionPolicyRequest はセッション方針の入力形式。省略した項目は既定値を使う。
type SessionPolicyRequest struct {
	MaxSessionHours            *int   `json:"max_session_hours" validate:"omitempty,min=0"`
	HeartbeatIntervalMinutes   *int   `json:"heartbeat_interval_minutes" validate:"omitempty,min=0"`
	InactiveGracePeriodMinutes *int   `json:"inactive_grace_period_minutes" validate:"omitempty,min=0"`
	AutoCleanupIntervalMinutes *int   `json:"auto_cleanup_interval_minutes" validate:"omitempty,min=0"`
	MatchBy                    string `json:"match_by" validate:"omitempty,oneof=user machine"`
}

// CreateVolumetricRequest はボリュームライセンス作成のリクエスト形式。
type CreateVolumetricRequest struct {
	MaxConcurrentUsers int                  `json:"max_concurrent_users" validate:"min=0"`
	MaxTotalUsers      int                  `json:"max_total_users" validate:"min=0,max=9999"`
	Policy             SessionPolicyRequest `json:"policy"`
}

// SessionPolicyResponse はセッション方針のレスポンス形式。
type SessionPolicyResponse struct {
	MaxSessionHours            int    `json:"max_session_hours"`
	HeartbeatIntervalMinutes   int    `json:"heartbeat_interval_minutes"`
	InactiveGracePeriodMinutes int    `json:"inactive_grace_period_minutes"`
	AutoCleanupIntervalMinutes int    `json:"auto_cleanup_interval_minutes"`
	MatchBy                    string `json:"match_by"`
}

// VolumetricResponse はボリュームライセンスのレスポンス形式。
type VolumetricResponse struct {
	ID                  string                `json:"id"`
	LicenseID           string                `json:"license_id"`
	BaseKey             string                `json:"base_key"`
	MaxConcurrentUsers  int                   `json:"max_concurrent_users"`
	MaxTotalUsers       int                   `json:"max_total_users"`
	CurrentActiveUsers  int                   `json:"current_active_users"`
	TotalAllocatedUsers int                   `json:"total_allocated_users"`
	Policy              SessionPolicyResponse `json:"policy"`
}

// AllocateSlotRequest はスロット割り当てのリクエスト形式。
type AllocateSlotRequest struct {
	UserID      string `json:"user_id" validate:"required_without=MachineID,max=255"`
	UserName    string `json:"user_name" validate:"max=255"`
	MachineID   string `json:"machine_id" validate:"required_without=UserID,max=255"`
	MachineName string `json:"machine_name" validate:"max=255"`
}

// SlotResponse はスロットのレスポンス形式。
type SlotResponse struct {
	ID                  string `json:"id"`
	VolumetricLicenseID string `json:"volumetric_license_id"`
	SlotNumber          int    `json:"slot_number"`
	UserKey             string `json:"user_key"`
	UserID              string `json:"user_id,omitempty"`
	MachineID           string `json:"machine_id,omitempty"`
	Active              bool   `json:"active"`
	CurrentSessionStart string `json:"current_session_start,omitempty"`
	LastHeartbeat       string `json:"last_heartbeat,omitempty"`
	ReleasedAt          string `json:"released_at,omitempty"`
	ReleaseReason       string `json:"release_reason,omitempty"`
}

// SlotListResponse はスロット一覧のレスポンス形式。
type SlotListResponse struct {
	Slots []SlotResponse `json:"slots"`
}

// ReleaseRequest は解除理由の入力形式。
type ReleaseRequest struct {
	Reason string `json:"reason" validate:"max=255"`
}

func toActivationResponse(a *domain.ProductActivation) ActivationResponse {
	return ActivationResponse{
		ID:                 a.ID,
		LicenseID:          a.LicenseID,
		ProductKey:         a.ProductKey,
		MachineID:          a.MachineID,
		MachineName:        a.MachineName,
		Status:             string(a.Status),
		ActivatedAt:        formatTime(a.ActivatedAt),
		LastHeartbeat:      formatTimePtr(a.LastHeartbeat),
		EndedAt:            formatTimePtr(a.EndedAt),
		DeactivationReason: a.DeactivationReason,
	}
}

func toVolumetricResponse(v *domain.VolumetricLicense) VolumetricResponse {
	return VolumetricResponse{
		ID:                  v.ID,
		LicenseID:           v.LicenseID,
		BaseKey:             v.BaseKey,
		MaxConcurrentUsers:  v.MaxConcurrentUsers,
		MaxTotalUsers:       v.MaxTotalUsers,
		CurrentActiveUsers:  v.CurrentActiveUsers,
		TotalAllocatedUsers: v.TotalAllocatedUsers,
		Policy: SessionPolicyResponse{
			MaxSessionHours:            v.Policy.MaxSessionHours,
			HeartbeatIntervalMinutes:   v.Policy.HeartbeatIntervalMinutes,
			InactiveGracePeriodMinutes: v.Policy.InactiveGracePeriodMinutes,
			AutoCleanupIntervalMinutes: v.Policy.AutoCleanupIntervalMinutes,
			MatchBy:                    string(v.Policy.MatchBy),
		},
	}
}

func toSlotResponse(s *domain.VolumetricUserSlot) SlotResponse {
	return SlotResponse{
		ID:                  s.ID,
		VolumetricLicenseID: s.VolumetricLicenseID,
		SlotNumber:          s.SlotNumber,
		UserKey:             s.UserKey,
		UserID:              s.UserID,
		MachineID:           s.MachineID,
		Active:              s.IsCurrentlyActive,
		CurrentSessionStart: formatTimePtr(s.CurrentSessionStart),
		LastHeartbeat:       formatTimePtr(s.LastHeartbeat),
		ReleasedAt:          formatTimePtr(s.ReleasedAt),
		ReleaseReason:       s.ReleaseReason,
	}
}

// clientIP はRealIPミドルウェア適用後のRemoteAddrからホスト部分を取り出す。
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// IssueProductKey はライセンスにプロダクトキーを発行する。
func (h *EntitlementHandler) IssueProductKey(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")
	licenseID := chi.URLParam(r, "license_id")

	var req IssueProductKeyRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeError(w, r, "issue_product_key", err)
		return
	}

	pk, err := h.activations.IssueProductKey(r.Context(), tenantID, licenseID, req.MaxActivations, actor(r))
	if err != nil {
		writeError(w, r, "issue_product_key", err)
		return
	}
	httputil.JSON(w, http.StatusCreated, ProductKeyResponse{
		ID:             pk.ID,
		LicenseID:      pk.LicenseID,
		ProductKey:     pk.Key,
		MaxActivations: pk.MaxActivations,
		CreatedAt:      formatTime(pk.Audit.CreatedAt),
	})
}

// ListActivations はプロダクトキーに紐づくアクティベーションを返す。
func (h *EntitlementHandler) ListActivations(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")
	productKey := chi.URLParam(r, "product_key")

	list, err := h.activations.ListByProductKey(r.Context(), tenantID, productKey)
	if err != nil {
		writeError(w, r, "list_activations", err)
		return
	}
	resp := ActivationListResponse{Activations: make([]ActivationResponse, len(list))}
	for i, a := range list {
		resp.Activations[i] = toActivationResponse(a)
	}
	httputil.JSON(w, http.StatusOK, resp)
}

// Activate はプロダクトキーでマシンをアクティベートする。
func (h *EntitlementHandler) Activate(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")

	var req ActivateRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeError(w, r, "activate", err)
		return
	}

	a, err := h.activations.Activate(r.Context(), tenantID, domain.ActivationRequest{
		ProductKey:  req.ProductKey,
		MachineID:   req.MachineID,
		MachineName: req.MachineName,
		Fingerprint: req.Fingerprint,
		IPAddress:   clientIP(r),
		Actor:       actor(r),
	})
	if err != nil {
		writeError(w, r, "activate", err)
		return
	}
	httputil.JSON(w, http.StatusOK, toActivationResponse(a))
}

// GetActivation はアクティベーションを返す。
func (h *EntitlementHandler) GetActivation(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")
	activationID := chi.URLParam(r, "activation_id")

	a, err := h.activations.Get(r.Context(), tenantID, activationID)
	if err != nil {
		writeError(w, r, "get_activation", err)
		return
	}
	httputil.JSON(w, http.StatusOK, toActivationResponse(a))
}

// ActivationHeartbeat はアクティベーションの生存通知を記録する。
func (h *EntitlementHandler) ActivationHeartbeat(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")
	activationID := chi.URLParam(r, "activation_id")

	a, err := h.activations.Heartbeat(r.Context(), tenantID, activationID)
	if err != nil {
		writeError(w, r, "activation_heartbeat", err)
		return
	}
	httputil.JSON(w, http.StatusOK, toActivationResponse(a))
}

// Deactivate はアクティベーションを解除する。存在しない・終了済みの場合も204を返す。
func (h *EntitlementHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")
	activationID := chi.URLParam(r, "activation_id")

	var req ReleaseRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeError(w, r, "deactivate", err)
		return
	}
	if err := h.activations.Deactivate(r.Context(), tenantID, activationID, req.Reason, actor(r)); err != nil {
		writeError(w, r, "deactivate", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RevokeActivation はアクティベーションを取り消す。
func (h *EntitlementHandler) RevokeActivation(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")
	activationID := chi.URLParam(r, "activation_id")

	var req ReleaseRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeError(w, r, "revoke_activation", err)
		return
	}
	a, err := h.activations.Revoke(r.Context(), tenantID, activationID, req.Reason, actor(r))
	if err != nil {
		writeError(w, r, "revoke_activation", err)
		return
	}
	httputil.JSON(w, http.StatusOK, toActivationResponse(a))
}

// CreateVolumetric はライセンスにボリュームライセンスを作成する。
func (h *EntitlementHandler) CreateVolumetric(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")
	licenseID := chi.URLParam(r, "license_id")

	var req CreateVolumetricRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeError(w, r, "create_volumetric", err)
		return
	}

	policy := domain.DefaultSessionPolicy()
	if p := req.Policy.MaxSessionHours; p != nil {
		policy.MaxSessionHours = *p
	}
	if p := req.Policy.HeartbeatIntervalMinutes; p != nil {
		policy.HeartbeatIntervalMinutes = *p
	}
	if p := req.Policy.InactiveGracePeriodMinutes; p != nil {
		policy.InactiveGracePeriodMinutes = *p
	}
	if p := req.Policy.AutoCleanupIntervalMinutes; p != nil {
		policy.AutoCleanupIntervalMinutes = *p
	}
	if req.Policy.MatchBy != "" {
		policy.MatchBy = domain.SlotIdentity(req.Policy.MatchBy)
	}

	v, err := h.slots.CreateVolumetricLicense(r.Context(), tenantID, licenseID, req.MaxConcurrentUsers, req.MaxTotalUsers, policy, actor(r))
	if err != nil {
		writeError(w, r, "create_volumetric", err)
		return
	}
	httputil.JSON(w, http.StatusCreated, toVolumetricResponse(v))
}

// GetVolumetric はボリュームライセンスと現在の使用数を返す。
func (h *EntitlementHandler) GetVolumetric(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")
	volumetricID := chi.URLParam(r, "volumetric_id")

	v, err := h.slots.Get(r.Context(), tenantID, volumetricID)
	if err != nil {
		writeError(w, r, "get_volumetric", err)
		return
	}
	httputil.JSON(w, http.StatusOK, toVolumetricResponse(v))
}

// AllocateSlot は利用者にスロットを割り当てる。
func (h *EntitlementHandler) AllocateSlot(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")
	volumetricID := chi.URLParam(r, "volumetric_id")

	var req AllocateSlotRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeError(w, r, "allocate_slot", err)
		return
	}

	s, err := h.slots.AllocateSlot(r.Context(), tenantID, volumetricID, domain.SlotRequest{
		UserID:      req.UserID,
		UserName:    req.UserName,
		MachineID:   req.MachineID,
		MachineName: req.MachineName,
		IPAddress:   clientIP(r),
		Actor:       actor(r),
	})
	if err != nil {
		writeError(w, r, "allocate_slot", err)
		return
	}
	httputil.JSON(w, http.StatusOK, toSlotResponse(s))
}

// ListSlots はボリュームライセンスのスロットを番号順に返す。
func (h *EntitlementHandler) ListSlots(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")
	volumetricID := chi.URLParam(r, "volumetric_id")

	slots, err := h.slots.ListSlots(r.Context(), tenantID, volumetricID)
	if err != nil {
		writeError(w, r, "list_slots", err)
		return
	}
	resp := SlotListResponse{Slots: make([]SlotResponse, len(slots))}
	for i, s := range slots {
		resp.Slots[i] = toSlotResponse(s)
	}
	httputil.JSON(w, http.StatusOK, resp)
}

// SlotHeartbeat はスロットの生存通知を記録する。
func (h *EntitlementHandler) SlotHeartbeat(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")
	slotID := chi.URLParam(r, "slot_id")

	s, err := h.slots.Heartbeat(r.Context(), tenantID, slotID)
	if err != nil {
		writeError(w, r, "slot_heartbeat", err)
		return
	}
	httputil.JSON(w, http.StatusOK, toSlotResponse(s))
}

// ReleaseSlot はスロットを解放する。
func (h *EntitlementHandler) ReleaseSlot(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")
	slotID := chi.URLParam(r, "slot_id")

	var req ReleaseRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeError(w, r, "release_slot", err)
		return
	}
	s, err := h.slots.Release(r.Context(), tenantID, slotID, req.Reason, actor(r))
	if err != nil {
		writeError(w, r, "release_slot", err)
		return
	}
	httputil.JSON(w, http.StatusOK, toSlotResponse(s))
}
