package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"license-service/internal/domain"
)

// issueKey は署名済みライセンスにプロダクトキーを発行する。
func (f *fixture) issueKey(t *testing.T, lic *domain.License, maxActivations int) (*domain.ProductKey, *domain.SignedLicense) {
	t.Helper()
	signed := f.signLicense(t, lic)
	pk, err := f.tracker.IssueProductKey(context.Background(), testTenant, signed.LicenseID, maxActivations, "tester")
	require.NoError(t, err)
	return pk, signed
}

func activationRequest(key, machine string) domain.ActivationRequest {
	return domain.ActivationRequest{
		ProductKey:  key,
		MachineID:   machine,
		MachineName: "host-" + machine,
		IPAddress:   "192.0.2.10",
		Actor:       "tester",
	}
}

func TestActivationTracker_IssueProductKey(t *testing.T) {
	f := newFixture(t)
	pk, _ := f.issueKey(t, f.newLicense(), 3)

	assert.Regexp(t, `^[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`, pk.Key)
	assert.Equal(t, 3, pk.MaxActivations)
	assert.NotEmpty(t, pk.ID)
	assert.Equal(t, 1, f.audit.count(domain.AuditProductKeyIssued))

	_, err := f.tracker.IssueProductKey(context.Background(), testTenant, "missing", 1, "")
	assert.ErrorIs(t, err, domain.ErrLicenseNotFound)

	_, err = f.tracker.IssueProductKey(context.Background(), testTenant, "missing", -1, "")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestActivationTracker_Capacity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pk, _ := f.issueKey(t, f.newLicense(), 2)

	first, err := f.tracker.Activate(ctx, testTenant, activationRequest(pk.Key, "m1"))
	require.NoError(t, err)
	assert.Equal(t, domain.ActivationActive, first.Status)
	assert.Equal(t, pk.Key, first.ProductKey)

	_, err = f.tracker.Activate(ctx, testTenant, activationRequest(pk.Key, "m2"))
	require.NoError(t, err)

	_, err = f.tracker.Activate(ctx, testTenant, activationRequest(pk.Key, "m3"))
	assert.ErrorIs(t, err, domain.ErrCapacityExceeded)

	// 同じマシンは上限に数えず既存の記録を返す
	again, err := f.tracker.Activate(ctx, testTenant, activationRequest(strings.ToLower(pk.Key), "m1"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	require.NoError(t, f.tracker.Deactivate(ctx, testTenant, first.ID, "replaced", "tester"))
	third, err := f.tracker.Activate(ctx, testTenant, activationRequest(pk.Key, "m3"))
	require.NoError(t, err)
	assert.Equal(t, domain.ActivationActive, third.Status)

	list, err := f.tracker.ListByProductKey(ctx, testTenant, pk.Key)
	require.NoError(t, err)
	assert.Len(t, list, 3)
	assert.Equal(t, 3, f.audit.count(domain.AuditActivationCreated))
}

func TestActivationTracker_ZeroCapacity(t *testing.T) {
	f := newFixture(t)
	pk, _ := f.issueKey(t, f.newLicense(), 0)

	_, err := f.tracker.Activate(context.Background(), testTenant, activationRequest(pk.Key, "m1"))
	assert.ErrorIs(t, err, domain.ErrCapacityExceeded)
}

func TestActivationTracker_ActivateErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now()

	expired := f.newLicense()
	expired.ValidFrom = now.AddDate(-1, 0, 0)
	expired.ValidTo = now.AddDate(0, 0, -1)
	expiredKey, _ := f.issueKey(t, expired, 5)

	revokedKey, revoked := f.issueKey(t, f.newLicense(), 5)
	_, err := f.verifier.Revoke(ctx, testTenant, revoked.LicenseID, "fraud", "admin", now)
	require.NoError(t, err)

	tests := []struct {
		name string
		req  domain.ActivationRequest
		want error
	}{
		{"malformed key", activationRequest("ABCD-EFGH", "m1"), domain.ErrInvalidProductKey},
		{"unknown key", activationRequest("ZZZZ-ZZZZ-ZZZZ-ZZZZ", "m1"), domain.ErrProductKeyNotFound},
		{"missing machine", activationRequest(expiredKey.Key, ""), domain.ErrInvalidArgument},
		{"expired license", activationRequest(expiredKey.Key, "m1"), domain.ErrLicenseExpired},
		{"revoked license", activationRequest(revokedKey.Key, "m1"), domain.ErrLicenseRevoked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.tracker.Activate(ctx, testTenant, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestActivationTracker_DeactivateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pk, _ := f.issueKey(t, f.newLicense(), 2)

	a1, err := f.tracker.Activate(ctx, testTenant, activationRequest(pk.Key, "m1"))
	require.NoError(t, err)
	_, err = f.tracker.Activate(ctx, testTenant, activationRequest(pk.Key, "m2"))
	require.NoError(t, err)

	// 2回解除しても空く枠は1つ
	require.NoError(t, f.tracker.Deactivate(ctx, testTenant, a1.ID, "uninstall", "tester"))
	require.NoError(t, f.tracker.Deactivate(ctx, testTenant, a1.ID, "uninstall", "tester"))
	require.NoError(t, f.tracker.Deactivate(ctx, testTenant, "missing", "uninstall", "tester"))
	assert.Equal(t, 1, f.audit.count(domain.AuditActivationDeactivated))

	got, err := f.tracker.Get(ctx, testTenant, a1.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActivationDeactivated, got.Status)
	assert.Equal(t, "uninstall", got.DeactivationReason)
	assert.NotNil(t, got.EndedAt)

	_, err = f.tracker.Activate(ctx, testTenant, activationRequest(pk.Key, "m3"))
	require.NoError(t, err)
	_, err = f.tracker.Activate(ctx, testTenant, activationRequest(pk.Key, "m4"))
	assert.ErrorIs(t, err, domain.ErrCapacityExceeded)
}

func TestActivationTracker_ConcurrentActivation(t *testing.T) {
	f := newFixture(t)
	pk, _ := f.issueKey(t, f.newLicense(), 3)

	const workers = 12
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
		rejected int
		others   []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.tracker.Activate(context.Background(), testTenant, activationRequest(pk.Key, fmt.Sprintf("m%d", i)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				admitted++
			case errors.Is(err, domain.ErrCapacityExceeded):
				rejected++
			default:
				others = append(others, err)
			}
		}(i)
	}
	wg.Wait()

	assert.Empty(t, others)
	assert.Equal(t, 3, admitted)
	assert.Equal(t, workers-3, rejected)
}

func TestActivationTracker_HeartbeatAndRevoke(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pk, _ := f.issueKey(t, f.newLicense(), 2)

	a, err := f.tracker.Activate(ctx, testTenant, activationRequest(pk.Key, "m1"))
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)
	beat, err := f.tracker.Heartbeat(ctx, testTenant, a.ID)
	require.NoError(t, err)
	require.NotNil(t, beat.LastHeartbeat)
	assert.True(t, beat.LastHeartbeat.Equal(f.clock.Now()))
	assert.Equal(t, domain.ActivationActive, beat.Status)

	revoked, err := f.tracker.Revoke(ctx, testTenant, a.ID, "abuse", "admin")
	require.NoError(t, err)
	assert.Equal(t, domain.ActivationRevoked, revoked.Status)
	assert.Equal(t, "admin", revoked.DeactivatedBy)

	_, err = f.tracker.Heartbeat(ctx, testTenant, a.ID)
	assert.ErrorIs(t, err, domain.ErrActivationNotActive)

	// 失効済みのアクティベーションは解除しても状態が変わらない
	require.NoError(t, f.tracker.Deactivate(ctx, testTenant, a.ID, "", "tester"))
	got, err := f.tracker.Get(ctx, testTenant, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActivationRevoked, got.Status)

	_, err = f.tracker.Heartbeat(ctx, testTenant, "missing")
	assert.ErrorIs(t, err, domain.ErrActivationNotFound)
	_, err = f.tracker.Revoke(ctx, testTenant, "missing", "", "")
	assert.ErrorIs(t, err, domain.ErrActivationNotFound)
}

func TestActivationTracker_ExpiredLicenseIsDerivedOnRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now()

	lic := f.newLicense()
	lic.ValidTo = now.AddDate(0, 0, 1)
	pk, _ := f.issueKey(t, lic, 2)
	a, err := f.tracker.Activate(ctx, testTenant, activationRequest(pk.Key, "m1"))
	require.NoError(t, err)

	f.clock.Advance(48 * time.Hour)
	got, err := f.tracker.Get(ctx, testTenant, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActivationExpired, got.Status)

	_, err = f.tracker.Heartbeat(ctx, testTenant, a.ID)
	assert.ErrorIs(t, err, domain.ErrActivationNotActive)
}

func TestActivationTracker_SweepStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now()

	pk, _ := f.issueKey(t, f.newLicense(), 5)
	stale, err := f.tracker.Activate(ctx, testTenant, activationRequest(pk.Key, "stale"))
	require.NoError(t, err)
	f.clock.Advance(50 * time.Minute)
	live, err := f.tracker.Activate(ctx, testTenant, activationRequest(pk.Key, "live"))
	require.NoError(t, err)

	shortLic := f.newLicense()
	shortLic.ValidTo = now.Add(90 * time.Minute)
	shortKey, _ := f.issueKey(t, shortLic, 5)
	short, err := f.tracker.Activate(ctx, testTenant, activationRequest(shortKey.Key, "short"))
	require.NoError(t, err)

	// ハートビートのタイムアウトは1時間
	f.clock.Advance(50 * time.Minute)
	_, err = f.tracker.Heartbeat(ctx, testTenant, live.ID)
	require.NoError(t, err)

	tenants, err := f.tracker.ActiveTenants(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{testTenant}, tenants)

	swept, err := f.tracker.SweepStale(ctx, testTenant, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, swept)
	assert.Equal(t, 1, f.audit.count(domain.AuditActivationDeactivated))
	assert.Equal(t, 1, f.audit.count(domain.AuditActivationExpired))

	got, err := f.tracker.Get(ctx, testTenant, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActivationDeactivated, got.Status)
	assert.Equal(t, "heartbeat timeout", got.DeactivationReason)
	assert.Equal(t, domain.SystemActor, got.DeactivatedBy)

	got, err = f.tracker.Get(ctx, testTenant, short.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActivationExpired, got.Status)
	assert.Equal(t, "license expired", got.DeactivationReason)

	got, err = f.tracker.Get(ctx, testTenant, live.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActivationActive, got.Status)

	// 2回目のスイープでは何も変わらない
	swept, err = f.tracker.SweepStale(ctx, testTenant, f.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, swept)
}

func TestActivationTracker_TimeoutRollsBack(t *testing.T) {
	f := newFixture(t)
	pk, _ := f.issueKey(t, f.newLicense(), 2)

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	_, err := f.tracker.Activate(ctx, testTenant, activationRequest(pk.Key, "m1"))
	assert.ErrorIs(t, err, domain.ErrTimeout)

	list, err := f.tracker.ListByProductKey(context.Background(), testTenant, pk.Key)
	require.NoError(t, err)
	assert.Empty(t, list)
}
