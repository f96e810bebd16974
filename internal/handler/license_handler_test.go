package handler

import (
	"net/http"
	"testing"
	"time"

	"license-service/internal/domain"
	"license-service/pkg/httputil"
)

const licensesPath = "/v1/tenants/" + testTenant + "/licenses"

// signTestLicense は鍵を生成してライセンスに署名する。
func signTestLicense(t *testing.T, s *testServer) SignedLicenseResponse {
	t.Helper()

	if code := s.do(t, http.MethodPost, keysPath(testTenant, testProduct), nil, nil); code != http.StatusCreated {
		t.Fatalf("failed to generate key: status %d", code)
	}
	now := time.Now().UTC()
	req := SignLicenseRequest{
		ProductID:          testProduct,
		ConsumerID:         "consumer-1",
		Tier:               "pro",
		ValidFrom:          now.Add(-time.Hour),
		ValidTo:            now.AddDate(1, 0, 0),
		CompatibleVersions: ">= 1.0, < 3.0",
		Features: []FeatureRequest{
			{ID: "reports", Name: "Reports", Enabled: true},
			{ID: "export", Enabled: false},
		},
		Limits: LimitsRequest{MaxUsers: 10},
	}
	var resp SignedLicenseResponse
	if code := s.do(t, http.MethodPost, licensesPath, req, &resp); code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", code)
	}
	if resp.LicenseID == "" || resp.SignedLicense == nil {
		t.Fatalf("expected signed license, got %+v", resp)
	}
	return resp
}

func TestLicenseHandler_SignAndVerify(t *testing.T) {
	s := newTestServer(t)
	signed := signTestLicense(t, s)

	var result VerifyLicenseResponse
	code := s.do(t, http.MethodPost, licensesPath+"/verify", VerifyLicenseRequest{
		SignedLicense:     signed.SignedLicense,
		ExpectedProductID: testProduct,
		ProductVersion:    "2.1.0",
	}, &result)
	if code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", code)
	}
	if result.Status != string(domain.LicenseStatusValid) || !result.Valid {
		t.Errorf("expected valid license, got %+v", result)
	}
	if result.LicenseID != signed.LicenseID {
		t.Errorf("expected license %s, got %s", signed.LicenseID, result.LicenseID)
	}
	if len(result.AvailableFeatures) != 1 || result.AvailableFeatures[0].ID != "reports" {
		t.Errorf("expected only enabled features, got %+v", result.AvailableFeatures)
	}

	var stored SignedLicenseResponse
	if code := s.do(t, http.MethodGet, licensesPath+"/"+signed.LicenseID+"/signed", nil, &stored); code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", code)
	}
	if stored.SignedLicense.Signature != signed.SignedLicense.Signature {
		t.Error("expected stored signature to match")
	}
}

func TestLicenseHandler_VerifyReportsStatus(t *testing.T) {
	s := newTestServer(t)
	signed := signTestLicense(t, s)

	tests := []struct {
		name   string
		mutate func(req *VerifyLicenseRequest)
		want   domain.LicenseStatus
	}{
		{"wrong product", func(req *VerifyLicenseRequest) { req.ExpectedProductID = "other" }, domain.LicenseStatusWrongProduct},
		{"unsupported version", func(req *VerifyLicenseRequest) { req.ProductVersion = "3.0.0" }, domain.LicenseStatusUnsupportedVersion},
		{"tampered signature", func(req *VerifyLicenseRequest) {
			tampered := *req.SignedLicense
			tampered.Signature = "AAAA" + tampered.Signature[4:]
			req.SignedLicense = &tampered
		}, domain.LicenseStatusInvalid},
		{"before valid from", func(req *VerifyLicenseRequest) {
			at := time.Now().UTC().Add(-48 * time.Hour)
			req.At = &at
		}, domain.LicenseStatusNotYetValid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := VerifyLicenseRequest{SignedLicense: signed.SignedLicense}
			tt.mutate(&req)
			var result VerifyLicenseResponse
			if code := s.do(t, http.MethodPost, licensesPath+"/verify", req, &result); code != http.StatusOK {
				t.Fatalf("expected status 200, got %d", code)
			}
			if result.Status != string(tt.want) {
				t.Errorf("expected %s, got %s (%v)", tt.want, result.Status, result.Messages)
			}
			if result.Valid {
				t.Error("expected invalid result")
			}
		})
	}
}

func TestLicenseHandler_RevokeAndRenew(t *testing.T) {
	s := newTestServer(t)
	signed := signTestLicense(t, s)

	var renewed SignedLicenseResponse
	now := time.Now().UTC()
	code := s.do(t, http.MethodPost, licensesPath+"/"+signed.LicenseID+"/renew", RenewLicenseRequest{
		ValidFrom: now,
		ValidTo:   now.AddDate(2, 0, 0),
	}, &renewed)
	if code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", code)
	}
	if renewed.LicenseID == signed.LicenseID {
		t.Error("expected renewal to issue a new license")
	}

	var rev RevocationResponse
	code = s.do(t, http.MethodPost, licensesPath+"/"+signed.LicenseID+"/revoke", RevokeRequest{Reason: "refund"}, &rev)
	if code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", code)
	}
	if rev.Reason != "refund" || rev.RevokedBy != "tester" {
		t.Errorf("unexpected revocation: %+v", rev)
	}

	var result VerifyLicenseResponse
	s.do(t, http.MethodPost, licensesPath+"/verify", VerifyLicenseRequest{SignedLicense: signed.SignedLicense}, &result)
	if result.Status != string(domain.LicenseStatusRevoked) {
		t.Errorf("expected revoked, got %s", result.Status)
	}

	// 失効検査はクライアントから無効化できない
	var optedOut VerifyLicenseResponse
	s.do(t, http.MethodPost, licensesPath+"/verify", map[string]any{
		"signed_license":   signed.SignedLicense,
		"check_revocation": false,
	}, &optedOut)
	if optedOut.Status != string(domain.LicenseStatusRevoked) {
		t.Errorf("expected revoked, got %s", optedOut.Status)
	}

	var errResp httputil.ErrorResponse
	code = s.do(t, http.MethodPost, licensesPath+"/"+signed.LicenseID+"/renew", RenewLicenseRequest{
		ValidFrom: now,
		ValidTo:   now.AddDate(1, 0, 0),
	}, &errResp)
	if code != http.StatusConflict || errResp.Code != "LICENSE_REVOKED" {
		t.Errorf("expected 409 LICENSE_REVOKED, got %d %s", code, errResp.Code)
	}
}

func TestLicenseHandler_SignErrors(t *testing.T) {
	s := newTestServer(t)
	now := time.Now().UTC()

	tests := []struct {
		name     string
		body     any
		wantCode int
		wantErr  string
	}{
		{"malformed body", "not an object", http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"missing consumer", SignLicenseRequest{ProductID: testProduct, ValidFrom: now, ValidTo: now.Add(time.Hour)}, http.StatusBadRequest, "VALIDATION_FAILED"},
		{"inverted window", SignLicenseRequest{ProductID: testProduct, ConsumerID: "c", ValidFrom: now, ValidTo: now.Add(-time.Hour)}, http.StatusBadRequest, "VALIDATION_FAILED"},
		{"no signing key", SignLicenseRequest{ProductID: testProduct, ConsumerID: "c", ValidFrom: now, ValidTo: now.Add(time.Hour)}, http.StatusNotFound, "KEY_NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var errResp httputil.ErrorResponse
			code := s.do(t, http.MethodPost, licensesPath, tt.body, &errResp)
			if code != tt.wantCode {
				t.Errorf("expected status %d, got %d", tt.wantCode, code)
			}
			if errResp.Code != tt.wantErr {
				t.Errorf("expected code %s, got %s", tt.wantErr, errResp.Code)
			}
		})
	}
}
