package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"license-service/internal/domain"
	"license-service/internal/repository"
)

const (
	testTenant  = "tenant-001"
	testProduct = "product-a"
)

// setupTestDB はテスト用のインメモリSQLiteデータベースを作成する。
// インメモリDBは接続ごとに別になるため、接続数を1に固定する。
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, repository.AutoMigrate(context.Background(), db))
	return db
}

// testClock はテストから進められる時計。
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(now time.Time) *testClock {
	return &testClock{now: now.UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingAudit は記録された監査イベントを保持する。
type recordingAudit struct {
	mu     sync.Mutex
	events []domain.AuditEventType
}

func (a *recordingAudit) Record(_ context.Context, eventType domain.AuditEventType, _, _ string, _ map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, eventType)
}

func (a *recordingAudit) count(eventType domain.AuditEventType) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, e := range a.events {
		if e == eventType {
			n++
		}
	}
	return n
}

// fixture はSQLiteのリポジトリで組み立てたユースケース一式。
type fixture struct {
	clock     *testClock
	audit     *recordingAudit
	keys      *KeyStore
	licenses  *repository.LicenseRepository
	signer    *LicenseSigner
	verifier  *LicenseVerifier
	cache     *VerificationCache
	tracker   *ActivationTracker
	allocator *VolumetricSlotAllocator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := setupTestDB(t)
	clock := newTestClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	audit := &recordingAudit{}
	tx := repository.NewTransactor(db)
	licenses := repository.NewLicenseRepository(db)
	cache := NewVerificationCache(128, time.Hour)

	keys := NewKeyStore(repository.NewKeyRepository(db), nil, audit)
	keys.now = clock.Now
	signer := NewLicenseSigner(keys, licenses, tx, audit, nil)
	signer.now = clock.Now
	verifier := NewLicenseVerifier(keys, licenses, cache, audit, nil)
	tracker := NewActivationTracker(repository.NewActivationRepository(db), licenses, tx, time.Hour, audit, nil)
	tracker.now = clock.Now
	allocator := NewVolumetricSlotAllocator(repository.NewVolumetricRepository(db), licenses, tx, audit, nil)
	allocator.now = clock.Now

	return &fixture{
		clock:     clock,
		audit:     audit,
		keys:      keys,
		licenses:  licenses,
		signer:    signer,
		verifier:  verifier,
		cache:     cache,
		tracker:   tracker,
		allocator: allocator,
	}
}

// newLicense は現在時刻を中心とした1年間有効なライセンスを返す。
func (f *fixture) newLicense() *domain.License {
	now := f.clock.Now()
	expired := now.Add(-time.Hour)
	return &domain.License{
		ProductID:          testProduct,
		ConsumerID:         "consumer-1",
		Tier:               "enterprise",
		ValidFrom:          now.AddDate(0, 0, -1),
		ValidTo:            now.AddDate(1, 0, 0),
		CompatibleVersions: ">= 1.0, < 3.0",
		Features: []domain.LicenseFeature{
			{ID: "reports", Name: "Reports", Enabled: true},
			{ID: "export", Name: "Export", Enabled: false},
			{ID: "beta", Name: "Beta", Enabled: true, ExpiresAt: &expired},
		},
		Limits: domain.Limits{MaxUsers: 50},
		Metadata: map[string]domain.Value{
			"region": domain.StringValue("eu"),
			"seats":  domain.NumberValue(50),
		},
		Issuer: "license-service",
	}
}

// signLicense は鍵を用意してライセンスに署名する。
func (f *fixture) signLicense(t *testing.T, lic *domain.License) *domain.SignedLicense {
	t.Helper()

	ctx := context.Background()
	if !f.keys.HasValidKeys(ctx, testTenant, lic.ProductID) {
		_, err := f.keys.GenerateKeyPair(ctx, testTenant, lic.ProductID, domain.MinKeySizeBits, "")
		require.NoError(t, err)
	}
	signed, err := f.signer.Sign(ctx, testTenant, lic, SignOptions{Actor: "tester"})
	require.NoError(t, err)
	return signed
}
