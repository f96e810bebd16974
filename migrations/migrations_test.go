package migrations_test

import (
	"context"
	"io/fs"
	"strings"
	"testing"

	"license-service/internal/domain"
	"license-service/internal/usecase"
	"license-service/migrations"
)

type emptyHistory struct{}

func (emptyHistory) EnsureTable(context.Context) error { return nil }
func (emptyHistory) FindAllApplied(context.Context) ([]*domain.Migration, error) {
	return nil, nil
}
func (emptyHistory) Apply(context.Context, *domain.Migration, string) error { return nil }

func TestEmbeddedMigrations(t *testing.T) {
	svc := usecase.NewMigrationService(emptyHistory{}, migrations.FS)

	list, err := svc.GetMigrationStatus(context.Background())
	if err != nil {
		t.Fatalf("GetMigrationStatus failed: %v", err)
	}
	if len(list) != 8 {
		t.Fatalf("expected 8 migrations, got %d", len(list))
	}
	for i, m := range list {
		if i > 0 && list[i-1].Version >= m.Version {
			t.Errorf("expected ascending versions, got %s after %s", m.Version, list[i-1].Version)
		}
		if m.Status != domain.MigrationStatusPending {
			t.Errorf("expected %s to be pending, got %s", m.Version, m.Status)
		}

		raw, err := fs.ReadFile(migrations.FS, m.Path)
		if err != nil {
			t.Fatalf("failed to read %s: %v", m.Path, err)
		}
		// 1ファイル1文
		if n := strings.Count(string(raw), ";"); n != 1 {
			t.Errorf("expected a single statement in %s, got %d", m.Path, n)
		}
	}
}
