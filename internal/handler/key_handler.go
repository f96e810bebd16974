// Package handler はHTTPハンドラを提供する。
package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"license-service/internal/middleware"
	"license-service/internal/usecase"
	"license-service/pkg/httputil"
)

// KeyHandler は署名鍵のHTTPハンドラを提供する。
type KeyHandler struct {
	keys           *usecase.KeyStore
	defaultKeySize int
}

// NewKeyHandler は新しいKeyHandlerを生成する。
func NewKeyHandler(keys *usecase.KeyStore, defaultKeySize int) *KeyHandler {
	return &KeyHandler{keys: keys, defaultKeySize: defaultKeySize}
}

// GenerateKeyRequest は鍵生成・ローテーションのリクエスト形式。ボディは省略できる。
type GenerateKeyRequest struct {
	KeySizeBits int    `json:"key_size_bits" validate:"omitempty,min=2048,max=8192"`
	Password    string `json:"password" validate:"omitempty,min=8"`
}

// PublicKeyResponse は公開鍵のレスポンス形式。
type PublicKeyResponse struct {
	TenantID  string `json:"tenant_id"`
	ProductID string `json:"product_id"`
	PublicKey string `json:"public_key"`
}

// KeyMetadataResponse は鍵メタデータのレスポンス形式。
type KeyMetadataResponse struct {
	Generation uint   `json:"generation"`
	Thumbprint string `json:"thumbprint"`
	Status     string `json:"status"`
	Encrypted  bool   `json:"encrypted"`
	CreatedAt  string `json:"created_at"`
	ArchivedAt string `json:"archived_at,omitempty"`
}

// KeyListResponse は鍵一覧のレスポンス形式。
type KeyListResponse struct {
	Keys []KeyMetadataResponse `json:"keys"`
}

// KeyHealthResponse は署名可能な鍵があるかのレスポンス形式。
type KeyHealthResponse struct {
	Healthy bool `json:"healthy"`
}

// GenerateKey はプロダクトの鍵ペアを生成する。
func (h *KeyHandler) GenerateKey(w http.ResponseWriter, r *http.Request) {
	h.createKey(w, r, "generate_key", h.keys.GenerateKeyPair)
}

// RotateKey は現行の鍵をアーカイブして新しい鍵ペアを生成する。
func (h *KeyHandler) RotateKey(w http.ResponseWriter, r *http.Request) {
	h.createKey(w, r, "rotate_key", h.keys.RotateKeys)
}

type keyCreator func(ctx context.Context, tenantID, productID string, keySizeBits int, password string) (string, error)

func (h *KeyHandler) createKey(w http.ResponseWriter, r *http.Request, operation string, create keyCreator) {
	tenantID := chi.URLParam(r, "tenant_id")
	productID := chi.URLParam(r, "product_id")

	var req GenerateKeyRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeError(w, r, operation, err)
		return
	}
	if req.KeySizeBits == 0 {
		req.KeySizeBits = h.defaultKeySize
	}

	pubPEM, err := create(r.Context(), tenantID, productID, req.KeySizeBits, req.Password)
	if err != nil {
		writeError(w, r, operation, err)
		return
	}
	httputil.JSON(w, http.StatusCreated, PublicKeyResponse{
		TenantID:  tenantID,
		ProductID: productID,
		PublicKey: pubPEM,
	})
}

// GetPublicKey は現行の公開鍵を返す。
func (h *KeyHandler) GetPublicKey(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")
	productID := chi.URLParam(r, "product_id")

	pubPEM, err := h.keys.GetPublicKey(r.Context(), tenantID, productID)
	if err != nil {
		writeError(w, r, "get_public_key", err)
		return
	}
	httputil.JSON(w, http.StatusOK, PublicKeyResponse{
		TenantID:  tenantID,
		ProductID: productID,
		PublicKey: pubPEM,
	})
}

// ListKeys は現行とアーカイブ済みの鍵のメタデータを返す。
func (h *KeyHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")
	productID := chi.URLParam(r, "product_id")

	keys, err := h.keys.ListKeys(r.Context(), tenantID, productID)
	if err != nil {
		writeError(w, r, "list_keys", err)
		return
	}
	response := KeyListResponse{Keys: make([]KeyMetadataResponse, len(keys))}
	for i, k := range keys {
		response.Keys[i] = KeyMetadataResponse{
			Generation: k.Generation,
			Thumbprint: k.Thumbprint,
			Status:     string(k.Status),
			Encrypted:  k.Encrypted,
			CreatedAt:  formatTime(k.CreatedAt),
			ArchivedAt: formatTimePtr(k.ArchivedAt),
		}
	}
	httputil.JSON(w, http.StatusOK, response)
}

// KeyHealth は署名に使える鍵があるかを返す。
func (h *KeyHandler) KeyHealth(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")
	productID := chi.URLParam(r, "product_id")

	httputil.JSON(w, http.StatusOK, KeyHealthResponse{
		Healthy: h.keys.HasValidKeys(r.Context(), tenantID, productID),
	})
}

// actor はリクエストの操作者を返す。
func actor(r *http.Request) string {
	return middleware.ActorFrom(r.Context())
}
