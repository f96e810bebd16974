package repository

import (
	"context"
	"testing"
	"time"

	"license-service/internal/domain"
)

func TestLicenseRepository_CreateAndRevoke(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewLicenseRepository(db)

	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	lic := &domain.License{
		TenantID:   "tenant-1",
		Version:    1,
		ProductID:  "product-1",
		ConsumerID: "consumer-1",
		ValidFrom:  now,
		ValidTo:    now.AddDate(1, 0, 0),
		Features:   []domain.LicenseFeature{{ID: "reports", Name: "Reports", Enabled: true}},
		Limits:     domain.Limits{MaxUsers: 10},
		Metadata:   map[string]domain.Value{"region": domain.StringValue("eu")},
	}
	if err := repo.Create(ctx, lic); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if lic.ID == "" {
		t.Fatal("expected ID to be generated, got empty")
	}

	found, err := repo.FindByID(ctx, "tenant-1", lic.ID)
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if found == nil {
		t.Fatal("expected license, got nil")
	}
	if len(found.Features) != 1 || found.Features[0].ID != "reports" {
		t.Errorf("expected features to round-trip, got %+v", found.Features)
	}
	if region, _ := found.Metadata["region"].Str(); region != "eu" {
		t.Errorf("expected metadata region=eu, got %q", region)
	}
	if found.Limits.MaxUsers != 10 {
		t.Errorf("expected max users=10, got %d", found.Limits.MaxUsers)
	}
	if found.Revocation != nil {
		t.Errorf("expected no revocation, got %+v", found.Revocation)
	}

	// 他のテナントからは見えない
	other, err := repo.FindByID(ctx, "tenant-2", lic.ID)
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if other != nil {
		t.Errorf("expected nil for other tenant, got %+v", other)
	}

	saved, err := repo.SaveRevocation(ctx, "tenant-1", lic.ID, domain.Revocation{RevokedAt: now, Reason: "first"})
	if err != nil {
		t.Fatalf("SaveRevocation failed: %v", err)
	}
	if !saved {
		t.Error("expected revocation to be created")
	}
	saved, err = repo.SaveRevocation(ctx, "tenant-1", lic.ID, domain.Revocation{RevokedAt: now.Add(time.Hour), Reason: "second"})
	if err != nil {
		t.Fatalf("SaveRevocation failed: %v", err)
	}
	if saved {
		t.Error("expected later revocation to be ignored")
	}

	found, err = repo.FindByID(ctx, "tenant-1", lic.ID)
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if found.Revocation == nil || found.Revocation.Reason != "first" {
		t.Errorf("expected first revocation to be kept, got %+v", found.Revocation)
	}

	// より早い失効日時は既存の記録を前倒しする
	saved, err = repo.SaveRevocation(ctx, "tenant-1", lic.ID, domain.Revocation{RevokedAt: now.Add(-time.Hour), Reason: "earlier", RevokedBy: "admin"})
	if err != nil {
		t.Fatalf("SaveRevocation failed: %v", err)
	}
	if !saved {
		t.Error("expected earlier revocation to replace the record")
	}
	rev, err := repo.FindRevocation(ctx, "tenant-1", lic.ID)
	if err != nil {
		t.Fatalf("FindRevocation failed: %v", err)
	}
	if rev == nil || rev.Reason != "earlier" || rev.RevokedBy != "admin" || !rev.RevokedAt.Equal(now.Add(-time.Hour)) {
		t.Errorf("expected earlier revocation, got %+v", rev)
	}
}

func TestLicenseRepository_Signed(t *testing.T) {
	ctx := context.Background()
	repo := NewLicenseRepository(setupTestDB(t))

	signed := &domain.SignedLicense{
		LicenseID:           "license-1",
		TenantID:            "tenant-1",
		LicenseData:         "e30=",
		Signature:           "c2ln",
		SignatureAlgorithm:  domain.SignatureAlgorithmPS256,
		PublicKeyThumbprint: "thumb",
		FormatVersion:       domain.LicenseFormatVersion,
		CreatedAt:           time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		Checksum:            "sum",
	}
	if err := repo.CreateSigned(ctx, signed); err != nil {
		t.Fatalf("CreateSigned failed: %v", err)
	}

	found, err := repo.FindSigned(ctx, "tenant-1", "license-1")
	if err != nil {
		t.Fatalf("FindSigned failed: %v", err)
	}
	if found == nil {
		t.Fatal("expected signed license, got nil")
	}
	if found.LicenseData != signed.LicenseData || found.Signature != signed.Signature || found.Checksum != signed.Checksum {
		t.Errorf("expected stored signed license, got %+v", found)
	}

	missing, err := repo.FindSigned(ctx, "tenant-1", "license-2")
	if err != nil {
		t.Fatalf("FindSigned failed: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil, got %+v", missing)
	}
}

func TestActivationRepository_LiveActivations(t *testing.T) {
	ctx := context.Background()
	repo := NewActivationRepository(setupTestDB(t))
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	pk := &domain.ProductKey{TenantID: "tenant-1", LicenseID: "license-1", Key: "ABCD-EFGH-JKLM-NPQR", MaxActivations: 2}
	if err := repo.CreateProductKey(ctx, pk); err != nil {
		t.Fatalf("CreateProductKey failed: %v", err)
	}
	found, err := repo.FindProductKey(ctx, "tenant-1", pk.Key, true)
	if err != nil {
		t.Fatalf("FindProductKey failed: %v", err)
	}
	if found == nil || found.ID != pk.ID || found.MaxActivations != 2 {
		t.Fatalf("expected product key %s, got %+v", pk.ID, found)
	}

	statuses := []domain.ActivationStatus{domain.ActivationActive, domain.ActivationPending, domain.ActivationDeactivated}
	var ids []string
	for i, status := range statuses {
		a := &domain.ProductActivation{
			TenantID:       "tenant-1",
			LicenseID:      "license-1",
			ProductKeyID:   pk.ID,
			ProductKey:     pk.Key,
			MaxActivations: pk.MaxActivations,
			MachineID:      []string{"m1", "m2", "m3"}[i],
			ActivatedAt:    now.Add(time.Duration(i) * time.Minute),
			Status:         status,
		}
		if err := repo.CreateActivation(ctx, a); err != nil {
			t.Fatalf("CreateActivation failed: %v", err)
		}
		ids = append(ids, a.ID)
	}

	count, err := repo.CountLive(ctx, "tenant-1", pk.ID)
	if err != nil {
		t.Fatalf("CountLive failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 live activations, got %d", count)
	}

	live, err := repo.FindLiveByMachine(ctx, "tenant-1", pk.ID, "m2")
	if err != nil {
		t.Fatalf("FindLiveByMachine failed: %v", err)
	}
	if live == nil || live.ID != ids[1] {
		t.Errorf("expected pending activation for m2, got %+v", live)
	}
	ended, err := repo.FindLiveByMachine(ctx, "tenant-1", pk.ID, "m3")
	if err != nil {
		t.Fatalf("FindLiveByMachine failed: %v", err)
	}
	if ended != nil {
		t.Errorf("expected no live activation for m3, got %+v", ended)
	}

	// ハートビートは有効なアクティベーションのみ更新する
	ok, err := repo.TouchHeartbeat(ctx, "tenant-1", ids[0], now.Add(time.Hour))
	if err != nil {
		t.Fatalf("TouchHeartbeat failed: %v", err)
	}
	if !ok {
		t.Error("expected heartbeat on active activation to succeed")
	}
	ok, err = repo.TouchHeartbeat(ctx, "tenant-1", ids[2], now.Add(time.Hour))
	if err != nil {
		t.Fatalf("TouchHeartbeat failed: %v", err)
	}
	if ok {
		t.Error("expected heartbeat on deactivated activation to be ignored")
	}

	active, err := repo.ListActive(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	if len(active) != 1 || active[0].LastHeartbeat == nil {
		t.Errorf("expected 1 active activation with heartbeat, got %+v", active)
	}

	a, err := repo.FindActivation(ctx, "tenant-1", ids[0], true)
	if err != nil {
		t.Fatalf("FindActivation failed: %v", err)
	}
	if err := a.Transition(domain.ActivationDeactivated, now.Add(2*time.Hour)); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	a.DeactivationReason = "uninstall"
	if err := repo.UpdateActivation(ctx, a); err != nil {
		t.Fatalf("UpdateActivation failed: %v", err)
	}
	tenants, err := repo.ListTenants(ctx)
	if err != nil {
		t.Fatalf("ListTenants failed: %v", err)
	}
	if len(tenants) != 0 {
		t.Errorf("expected no tenants with active activations, got %v", tenants)
	}

	all, err := repo.ListByProductKey(ctx, "tenant-1", pk.ID)
	if err != nil {
		t.Fatalf("ListByProductKey failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 activations, got %d", len(all))
	}
}

func TestVolumetricRepository_SlotsAndCounters(t *testing.T) {
	ctx := context.Background()
	repo := NewVolumetricRepository(setupTestDB(t))
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	v := &domain.VolumetricLicense{
		TenantID:           "tenant-1",
		LicenseID:          "license-1",
		BaseKey:            "ABCD-EFGH-JKLM",
		MaxConcurrentUsers: 2,
		MaxTotalUsers:      5,
		Policy:             domain.DefaultSessionPolicy(),
		Audit:              domain.AuditInfo{CreatedAt: now, UpdatedAt: now},
	}
	if err := repo.CreateLicense(ctx, v); err != nil {
		t.Fatalf("CreateLicense failed: %v", err)
	}

	for n := 1; n <= 2; n++ {
		start := now
		s := &domain.VolumetricUserSlot{
			TenantID:            "tenant-1",
			VolumetricLicenseID: v.ID,
			SlotNumber:          n,
			UserKey:             domain.UserKey(v.BaseKey, n),
			UserID:              []string{"", "u1", "u2"}[n],
			IsCurrentlyActive:   n == 1,
			CurrentSessionStart: &start,
		}
		if err := repo.CreateSlot(ctx, s); err != nil {
			t.Fatalf("CreateSlot failed: %v", err)
		}
	}

	// 同じ番号のスロットは作成できない
	dup := &domain.VolumetricUserSlot{TenantID: "tenant-1", VolumetricLicenseID: v.ID, SlotNumber: 1, UserKey: "dup"}
	if err := repo.CreateSlot(ctx, dup); err == nil {
		t.Error("expected unique constraint error for duplicate slot number, got nil")
	}

	v.CurrentActiveUsers = 1
	v.TotalAllocatedUsers = 2
	if err := repo.UpdateCounters(ctx, v); err != nil {
		t.Fatalf("UpdateCounters failed: %v", err)
	}
	found, err := repo.FindLicense(ctx, "tenant-1", v.ID, true)
	if err != nil {
		t.Fatalf("FindLicense failed: %v", err)
	}
	if found.CurrentActiveUsers != 1 || found.TotalAllocatedUsers != 2 {
		t.Errorf("expected counters 1/2, got %d/%d", found.CurrentActiveUsers, found.TotalAllocatedUsers)
	}
	if found.Policy.MatchBy != domain.SlotIdentityUser {
		t.Errorf("expected match by user, got %s", found.Policy.MatchBy)
	}

	slots, err := repo.ListSlots(ctx, "tenant-1", v.ID)
	if err != nil {
		t.Fatalf("ListSlots failed: %v", err)
	}
	if len(slots) != 2 || slots[0].SlotNumber != 1 || slots[1].SlotNumber != 2 {
		t.Fatalf("expected slots 1 and 2 in order, got %+v", slots)
	}
	if slots[0].UserKey != "ABCD-EFGH-JKLM-0001" {
		t.Errorf("expected user key ABCD-EFGH-JKLM-0001, got %s", slots[0].UserKey)
	}

	ok, err := repo.TouchHeartbeat(ctx, "tenant-1", slots[1].ID, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("TouchHeartbeat failed: %v", err)
	}
	if ok {
		t.Error("expected heartbeat on inactive slot to be ignored")
	}

	ids, err := repo.ListLicensesWithActiveSlots(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("ListLicensesWithActiveSlots failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != v.ID {
		t.Errorf("expected [%s], got %v", v.ID, ids)
	}

	slot := slots[0]
	released := now.Add(time.Hour)
	slot.IsCurrentlyActive = false
	slot.ReleasedAt = &released
	slot.ReleaseReason = "timeout"
	if err := repo.UpdateSlot(ctx, slot); err != nil {
		t.Fatalf("UpdateSlot failed: %v", err)
	}
	got, err := repo.FindSlot(ctx, "tenant-1", slot.ID, false)
	if err != nil {
		t.Fatalf("FindSlot failed: %v", err)
	}
	if got.IsCurrentlyActive || got.ReleaseReason != "timeout" {
		t.Errorf("expected released slot, got %+v", got)
	}
	tenants, err := repo.ListTenants(ctx)
	if err != nil {
		t.Fatalf("ListTenants failed: %v", err)
	}
	if len(tenants) != 0 {
		t.Errorf("expected no tenants with active slots, got %v", tenants)
	}
}
