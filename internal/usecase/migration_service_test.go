package usecase

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"license-service/internal/domain"
)

// mockMigrationRepository はテスト用のモック。
type mockMigrationRepository struct {
	applied    map[string]*domain.Migration
	statements []string
	applyErr   error
}

func newMockMigrationRepository() *mockMigrationRepository {
	return &mockMigrationRepository{applied: make(map[string]*domain.Migration)}
}

func (m *mockMigrationRepository) EnsureTable(ctx context.Context) error {
	return nil
}

func (m *mockMigrationRepository) FindAllApplied(ctx context.Context) ([]*domain.Migration, error) {
	var result []*domain.Migration
	for _, migration := range m.applied {
		result = append(result, migration)
	}
	return result, nil
}

func (m *mockMigrationRepository) Apply(ctx context.Context, migration *domain.Migration, statement string) error {
	if m.applyErr != nil {
		return m.applyErr
	}
	now := time.Now()
	m.applied[migration.Version] = &domain.Migration{
		Version:   migration.Version,
		Name:      migration.Name,
		AppliedAt: &now,
		Status:    domain.MigrationStatusApplied,
	}
	m.statements = append(m.statements, statement)
	return nil
}

func testMigrationFS() fstest.MapFS {
	return fstest.MapFS{
		"002_create_licenses.sql":  {Data: []byte("CREATE TABLE licenses (id INT);")},
		"001_create_key_pairs.sql": {Data: []byte("CREATE TABLE key_pairs (id INT);")},
		"003_create_slots.sql":     {Data: []byte("CREATE TABLE slots (id INT);")},
		"README.md":                {Data: []byte("ignored")},
	}
}

func TestMigrationService_ApplyMigrations(t *testing.T) {
	ctx := context.Background()
	repo := newMockMigrationRepository()
	service := NewMigrationService(repo, testMigrationFS())

	count, err := service.ApplyMigrations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	// バージョン順に実行される
	require.Len(t, repo.statements, 3)
	assert.Equal(t, "CREATE TABLE key_pairs (id INT);", repo.statements[0])

	// 2回目は何も実行しない
	count, err = service.ApplyMigrations(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestMigrationService_ApplyMigrations_AlreadyApplied(t *testing.T) {
	repo := newMockMigrationRepository()
	now := time.Now()
	repo.applied["001"] = &domain.Migration{Version: "001", AppliedAt: &now, Status: domain.MigrationStatusApplied}

	service := NewMigrationService(repo, testMigrationFS())
	count, err := service.ApplyMigrations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestMigrationService_ApplyMigrations_Failure(t *testing.T) {
	repo := newMockMigrationRepository()
	repo.applyErr = errors.New("syntax error")
	service := NewMigrationService(repo, testMigrationFS())

	count, err := service.ApplyMigrations(context.Background())
	assert.ErrorIs(t, err, domain.ErrMigrationFailed)
	assert.Zero(t, count)
}

func TestMigrationService_GetMigrationStatus(t *testing.T) {
	repo := newMockMigrationRepository()
	now := time.Now()
	repo.applied["002"] = &domain.Migration{Version: "002", AppliedAt: &now, Status: domain.MigrationStatusApplied}

	service := NewMigrationService(repo, testMigrationFS())
	migrations, err := service.GetMigrationStatus(context.Background())
	require.NoError(t, err)
	require.Len(t, migrations, 3)

	want := map[string]domain.MigrationStatus{
		"001": domain.MigrationStatusPending,
		"002": domain.MigrationStatusApplied,
		"003": domain.MigrationStatusPending,
	}
	for _, m := range migrations {
		assert.Equal(t, want[m.Version], m.Status, "version %s", m.Version)
	}
	assert.NotNil(t, migrations[1].AppliedAt)
}

func TestParseMigrationFileName(t *testing.T) {
	tests := []struct {
		filename    string
		wantVersion string
		wantName    string
		wantErr     bool
	}{
		{"001_create_key_pairs.sql", "001", "create_key_pairs", false},
		{"20260101_add_index.sql", "20260101", "add_index", false},
		{"invalid.sql", "", "", true},
		{"_missing_version.sql", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			version, name, err := parseMigrationFileName(tt.filename)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrInvalidMigrationFile)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantVersion, version)
			assert.Equal(t, tt.wantName, name)
		})
	}
}

func TestMigrationService_DuplicateVersion(t *testing.T) {
	files := fstest.MapFS{
		"001_a.sql": {Data: []byte("SELECT 1;")},
		"001_b.sql": {Data: []byte("SELECT 1;")},
	}
	service := NewMigrationService(newMockMigrationRepository(), files)
	_, err := service.GetMigrationStatus(context.Background())
	assert.ErrorIs(t, err, domain.ErrInvalidMigrationFile)
}
