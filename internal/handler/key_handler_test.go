package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"license-service/internal/domain"
	"license-service/internal/repository"
	"license-service/internal/usecase"
	"license-service/pkg/httputil"
)

const (
	testTenant  = "tenant-001"
	testProduct = "product-a"
)

// testServer は実際のユースケースとインメモリSQLiteで組み立てたルーター。
type testServer struct {
	handler http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := repository.AutoMigrate(context.Background(), db); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	tx := repository.NewTransactor(db)
	licenseRepo := repository.NewLicenseRepository(db)
	keys := usecase.NewKeyStore(repository.NewKeyRepository(db), nil, nil)
	signer := usecase.NewLicenseSigner(keys, licenseRepo, tx, nil, nil)
	verifier := usecase.NewLicenseVerifier(keys, licenseRepo, usecase.NewVerificationCache(16, time.Minute), nil, nil)
	tracker := usecase.NewActivationTracker(repository.NewActivationRepository(db), licenseRepo, tx, 0, nil, nil)
	allocator := usecase.NewVolumetricSlotAllocator(repository.NewVolumetricRepository(db), licenseRepo, tx, nil, nil)

	return &testServer{handler: NewRouter(
		NewKeyHandler(keys, 2048),
		NewLicenseHandler(signer, verifier, domain.DefaultValidationOptions()),
		NewEntitlementHandler(tracker, allocator),
		nil,
	)}
}

// do はリクエストを送り、レスポンスのJSONをoutに読み込む。
func (s *testServer) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor", "tester")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	if out != nil && rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec.Code
}

func keysPath(tenant, product string) string {
	return "/v1/tenants/" + tenant + "/products/" + product + "/keys"
}

func TestKeyHandler_GenerateAndGet(t *testing.T) {
	s := newTestServer(t)

	var created PublicKeyResponse
	if code := s.do(t, http.MethodPost, keysPath(testTenant, testProduct), nil, &created); code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", code)
	}
	if created.PublicKey == "" {
		t.Error("expected public key PEM")
	}
	if created.TenantID != testTenant || created.ProductID != testProduct {
		t.Errorf("unexpected key owner: %+v", created)
	}

	var got PublicKeyResponse
	if code := s.do(t, http.MethodGet, keysPath(testTenant, testProduct)+"/public", nil, &got); code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", code)
	}
	if got.PublicKey != created.PublicKey {
		t.Error("expected the generated public key")
	}

	var health KeyHealthResponse
	s.do(t, http.MethodGet, keysPath(testTenant, testProduct)+"/health", nil, &health)
	if !health.Healthy {
		t.Error("expected healthy key")
	}

	// 既存の鍵があれば生成は拒否する
	var errResp httputil.ErrorResponse
	if code := s.do(t, http.MethodPost, keysPath(testTenant, testProduct), nil, &errResp); code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", code)
	}
	if errResp.Code != "KEY_ALREADY_EXISTS" {
		t.Errorf("expected KEY_ALREADY_EXISTS, got %s", errResp.Code)
	}
}

func TestKeyHandler_Rotate(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodPost, keysPath(testTenant, testProduct), nil, nil)

	var rotated PublicKeyResponse
	if code := s.do(t, http.MethodPost, keysPath(testTenant, testProduct)+"/rotate", nil, &rotated); code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", code)
	}

	var list KeyListResponse
	if code := s.do(t, http.MethodGet, keysPath(testTenant, testProduct), nil, &list); code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", code)
	}
	if len(list.Keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(list.Keys))
	}
	statuses := map[string]int{}
	for _, k := range list.Keys {
		statuses[k.Status]++
	}
	if statuses[string(domain.KeyStatusActive)] != 1 || statuses[string(domain.KeyStatusArchived)] != 1 {
		t.Errorf("expected one active and one archived key, got %v", statuses)
	}
}

func TestKeyHandler_Errors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name     string
		method   string
		path     string
		body     any
		wantCode int
		wantErr  string
	}{
		{"invalid tenant", http.MethodGet, keysPath("bad.tenant", testProduct) + "/public", nil, http.StatusBadRequest, "INVALID_TENANT_ID"},
		{"missing key", http.MethodGet, keysPath(testTenant, "other") + "/public", nil, http.StatusNotFound, "KEY_NOT_FOUND"},
		{"key too small", http.MethodPost, keysPath(testTenant, testProduct), map[string]any{"key_size_bits": 1024}, http.StatusBadRequest, "VALIDATION_FAILED"},
		{"short password", http.MethodPost, keysPath(testTenant, testProduct), map[string]any{"password": "short"}, http.StatusBadRequest, "VALIDATION_FAILED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var errResp httputil.ErrorResponse
			code := s.do(t, tt.method, tt.path, tt.body, &errResp)
			if code != tt.wantCode {
				t.Errorf("expected status %d, got %d", tt.wantCode, code)
			}
			if errResp.Code != tt.wantErr {
				t.Errorf("expected code %s, got %s", tt.wantErr, errResp.Code)
			}
		})
	}
}

func TestRouter_Healthz(t *testing.T) {
	s := newTestServer(t)

	var body map[string]string
	if code := s.do(t, http.MethodGet, "/healthz", nil, &body); code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", code)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body)
	}
	if code := s.do(t, http.MethodGet, "/metrics", nil, nil); code != http.StatusNotFound {
		t.Errorf("expected metrics to be disabled, got %d", code)
	}
}
