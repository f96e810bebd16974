package domain

import (
	"errors"
	"strings"
	"testing"
)

func TestNormalizeProductKey(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"ABCD-EFGH-JKLM-NPQR", "ABCD-EFGH-JKLM-NPQR", false},
		{"  abcd-efgh-jklm-npqr ", "ABCD-EFGH-JKLM-NPQR", false},
		{"ABCD-EFGH-JKLM", "", true},
		{"ABCDEFGHJKLMNPQR", "", true},
		{"ABCD-EFGH-JKLM-NPQ!", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeProductKey(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidProductKey) {
					t.Errorf("expected ErrInvalidProductKey, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestGenerateProductKey(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 50; i++ {
		key, err := GenerateProductKey()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := NormalizeProductKey(key); err != nil {
			t.Fatalf("generated key %q does not normalize: %v", key, err)
		}
		// 紛らわしい文字は使わない
		if strings.ContainsAny(key, "IO01") {
			t.Errorf("expected key without ambiguous characters, got %s", key)
		}
		seen[key] = struct{}{}
	}
	if len(seen) < 50 {
		t.Errorf("expected 50 distinct keys, got %d", len(seen))
	}
}

func TestGenerateBaseKey(t *testing.T) {
	base, err := GenerateBaseKey()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !IsBaseKey(base) {
		t.Errorf("expected base key format, got %s", base)
	}
	if got := UserKey(base, 7); got != base+"-0007" {
		t.Errorf("expected %s-0007, got %s", base, got)
	}
	if got := UserKey(base, MaxSlotNumber); !strings.HasSuffix(got, "-9999") {
		t.Errorf("expected suffix -9999, got %s", got)
	}
}
