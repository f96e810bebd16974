package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func validLicense() *License {
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return &License{
		ProductID:  "product-a",
		ConsumerID: "consumer-1",
		ValidFrom:  from,
		ValidTo:    from.AddDate(1, 0, 0),
		Features:   []LicenseFeature{{ID: "reports", Enabled: true}},
	}
}

func TestLicense_Validate(t *testing.T) {
	if err := validLicense().Validate(); err != nil {
		t.Fatalf("expected valid license, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(l *License)
		want   error
	}{
		{"missing product", func(l *License) { l.ProductID = " " }, ErrInvalidLicense},
		{"missing consumer", func(l *License) { l.ConsumerID = "" }, ErrInvalidLicense},
		{"zero window", func(l *License) { l.ValidFrom = time.Time{} }, ErrInvalidLicense},
		{"inverted window", func(l *License) { l.ValidTo = l.ValidFrom }, ErrInvalidLicense},
		{"empty feature id", func(l *License) { l.Features = append(l.Features, LicenseFeature{}) }, ErrInvalidLicense},
		{"duplicate feature", func(l *License) { l.Features = append(l.Features, LicenseFeature{ID: "reports"}) }, ErrInvalidLicense},
		{"awaiting approval", func(l *License) { l.Approval = &Approval{State: ApprovalPending} }, ErrLicenseAwaitingApproval},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := validLicense()
			tt.mutate(l)
			err := l.Validate()
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
			if !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("expected error kind ErrInvalidArgument, got %v", err)
			}
		})
	}
}

func TestLicense_AvailableFeatures(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	l := validLicense()
	l.Features = []LicenseFeature{
		{ID: "on", Enabled: true},
		{ID: "off", Enabled: false},
		{ID: "expired", Enabled: true, ExpiresAt: &past},
		{ID: "expiring", Enabled: true, ExpiresAt: &future},
	}

	got := l.AvailableFeatures(now)
	if len(got) != 2 || got[0].ID != "on" || got[1].ID != "expiring" {
		t.Errorf("expected [on expiring], got %+v", got)
	}
	if l.IsExpiredAt(l.ValidTo) {
		t.Error("expected license to be valid at validTo")
	}
	if !l.IsExpiredAt(l.ValidTo.Add(time.Nanosecond)) {
		t.Error("expected license to be expired after validTo")
	}
}

func TestLicense_Clone(t *testing.T) {
	exp := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	lic := validLicense()
	lic.Features = append(lic.Features, LicenseFeature{ID: "beta", Enabled: true, ExpiresAt: &exp})
	lic.Metadata = map[string]Value{
		"region": StringValue("eu"),
		"tags":   ListValue(StringValue("a")),
		"limits": MapValue(map[string]Value{"seats": NumberValue(10)}),
	}
	lic.Revocation = &Revocation{RevokedAt: exp, Reason: "refund"}

	c := lic.Clone()
	c.Features[0].Enabled = false
	*c.Features[1].ExpiresAt = exp.AddDate(1, 0, 0)
	c.Metadata["region"] = StringValue("us")
	tags, _ := c.Metadata["tags"].List()
	tags[0] = StringValue("b")
	limits, _ := c.Metadata["limits"].Map()
	limits["seats"] = NumberValue(1)
	c.Revocation.Reason = "changed"

	if !lic.Features[0].Enabled || !lic.Features[1].ExpiresAt.Equal(exp) {
		t.Errorf("expected original features to be unchanged, got %+v", lic.Features)
	}
	if region, _ := lic.Metadata["region"].Str(); region != "eu" {
		t.Errorf("expected region eu, got %s", region)
	}
	orig, _ := lic.Metadata["tags"].List()
	if tag, _ := orig[0].Str(); tag != "a" {
		t.Errorf("expected tag a, got %s", tag)
	}
	origLimits, _ := lic.Metadata["limits"].Map()
	if seats, _ := origLimits["seats"].Number(); seats != 10 {
		t.Errorf("expected seats 10, got %v", seats)
	}
	if lic.Revocation.Reason != "refund" {
		t.Errorf("expected revocation reason refund, got %s", lic.Revocation.Reason)
	}

	var nilLicense *License
	if nilLicense.Clone() != nil {
		t.Error("expected nil clone of nil license")
	}
}

func TestRevocation_EffectiveAt(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	var none *Revocation
	if none.EffectiveAt(now) {
		t.Error("expected nil revocation to be ineffective")
	}
	scheduled := &Revocation{RevokedAt: now.Add(time.Hour)}
	if scheduled.EffectiveAt(now) {
		t.Error("expected scheduled revocation to be ineffective before its time")
	}
	if !scheduled.EffectiveAt(now.Add(time.Hour)) {
		t.Error("expected revocation to be effective at its time")
	}
}

func TestValue_JSON(t *testing.T) {
	in := `{"flags":[true,"beta",2],"limits":{"seats":10},"region":"eu"}`
	var m map[string]Value
	if err := json.Unmarshal([]byte(in), &m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m["region"].Kind() != KindString {
		t.Errorf("expected string kind, got %s", m["region"].Kind())
	}
	flags, ok := m["flags"].List()
	if !ok || len(flags) != 3 || flags[0].Kind() != KindBool || flags[2].Kind() != KindNumber {
		t.Errorf("expected mixed list, got %+v", flags)
	}
	limits, ok := m["limits"].Map()
	if !ok {
		t.Fatalf("expected map kind, got %s", m["limits"].Kind())
	}
	if seats, _ := limits["seats"].Number(); seats != 10 {
		t.Errorf("expected seats=10, got %v", seats)
	}

	out, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != in {
		t.Errorf("expected %s, got %s", in, out)
	}

	var v Value
	if err := json.Unmarshal([]byte("null"), &v); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for null, got %v", err)
	}
	if _, err := json.Marshal(Value{}); err == nil {
		t.Error("expected error for zero value")
	}
}
