package repository

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"license-service/internal/domain"
	"license-service/internal/keycrypto"
)

const (
	privateSuffix   = ".private.pem"
	publicSuffix    = ".public.pem"
	archiveStampFmt = "20060102T150405Z"
)

// FileKeyRepository は鍵ペアを <dir>/<tenant>/<product>.{private,public}.pem に保存する。
// アーカイブ時は <product>.<UTC時刻>.{private,public}.pem へリネームし、削除はしない。
type FileKeyRepository struct {
	dir string

	mu          sync.RWMutex
	thumbprints map[string]string // 公開鍵ファイルパス → サムプリント
}

// NewFileKeyRepository は新しいFileKeyRepositoryを生成する。
func NewFileKeyRepository(dir string) (*FileKeyRepository, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}
	return &FileKeyRepository{dir: dir, thumbprints: make(map[string]string)}, nil
}

// filePair はディレクトリ上の1組の鍵ファイルを表す。
type filePair struct {
	productID string
	stamp     string // 空なら現行の鍵
	private   string
	public    string
}

func (r *FileKeyRepository) tenantDir(tenantID string) (string, error) {
	if tenantID == "" || filepath.Base(tenantID) != tenantID || strings.HasPrefix(tenantID, ".") {
		return "", domain.ErrInvalidTenantID
	}
	return filepath.Join(r.dir, tenantID), nil
}

// Create は鍵ペアをファイルに書き出す。秘密鍵は0600で作成する。
func (r *FileKeyRepository) Create(ctx context.Context, key *domain.KeyPair) error {
	if key.Sealed {
		return fmt.Errorf("%w: file key store cannot hold KMS-sealed keys", domain.ErrUnsupported)
	}
	dir, err := r.tenantDir(key.TenantID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating tenant directory: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	privPath := filepath.Join(dir, key.ProductID+privateSuffix)
	pubPath := filepath.Join(dir, key.ProductID+publicSuffix)
	if err := writeFileAtomic(privPath, key.PrivateKeyPEM, 0o600); err != nil {
		slog.ErrorContext(ctx, "failed to write private key",
			"operation", "create",
			"tenant_id", key.TenantID,
			"product_id", key.ProductID,
			"error", err,
		)
		return err
	}
	if err := writeFileAtomic(pubPath, key.PublicKeyPEM, 0o644); err != nil {
		slog.ErrorContext(ctx, "failed to write public key",
			"operation", "create",
			"tenant_id", key.TenantID,
			"product_id", key.ProductID,
			"error", err,
		)
		_ = os.Remove(privPath)
		return err
	}
	r.thumbprints[pubPath] = key.Thumbprint

	now := time.Now().UTC()
	key.ID = key.TenantID + "/" + key.ProductID
	key.CreatedAt = now
	key.UpdatedAt = now
	return nil
}

// FindActive は現行の鍵ペアを読み込む。ファイルがない場合はnilを返す。
func (r *FileKeyRepository) FindActive(ctx context.Context, tenantID, productID string) (*domain.KeyPair, error) {
	pairs, err := r.listPairs(tenantID, productID)
	if err != nil {
		return nil, err
	}
	for i, p := range pairs {
		if p.stamp == "" {
			return r.load(ctx, tenantID, p, uint(i+1))
		}
	}
	return nil, nil
}

// FindByThumbprint はテナント配下の公開鍵を走査してサムプリントが一致する鍵ペアを返す。
func (r *FileKeyRepository) FindByThumbprint(ctx context.Context, tenantID, thumbprint string) (*domain.KeyPair, error) {
	pairs, err := r.listPairs(tenantID, "")
	if err != nil {
		return nil, err
	}
	generations := make(map[string]uint)
	for _, p := range pairs {
		generations[p.productID]++
		tp, err := r.thumbprintOf(p.public)
		if err != nil {
			// 読めない公開鍵は候補から外す
			slog.WarnContext(ctx, "skipping unreadable public key",
				"operation", "find_by_thumbprint",
				"tenant_id", tenantID,
				"path", p.public,
				"error", err,
			)
			continue
		}
		if tp == thumbprint {
			return r.load(ctx, tenantID, p, generations[p.productID])
		}
	}
	return nil, nil
}

// FindAll は指定されたプロダクトの全鍵ペアを古い順に返す。
func (r *FileKeyRepository) FindAll(ctx context.Context, tenantID, productID string) ([]*domain.KeyPair, error) {
	pairs, err := r.listPairs(tenantID, productID)
	if err != nil {
		return nil, err
	}
	keys := make([]*domain.KeyPair, 0, len(pairs))
	for i, p := range pairs {
		k, err := r.load(ctx, tenantID, p, uint(i+1))
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// GetMaxGeneration はディレクトリ上の鍵ペア数を世代番号として返す。
func (r *FileKeyRepository) GetMaxGeneration(ctx context.Context, tenantID, productID string) (uint, error) {
	pairs, err := r.listPairs(tenantID, productID)
	if err != nil {
		return 0, err
	}
	return uint(len(pairs)), nil
}

// Archive は現行の鍵ファイルをタイムスタンプ付きの名前にリネームする。
func (r *FileKeyRepository) Archive(ctx context.Context, key *domain.KeyPair, at time.Time) error {
	dir, err := r.tenantDir(key.TenantID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stamp := at.UTC().Format(archiveStampFmt)
	base := filepath.Join(dir, key.ProductID+"."+stamp)
	for n := 2; fileExists(base + publicSuffix); n++ {
		base = filepath.Join(dir, fmt.Sprintf("%s.%s-%d", key.ProductID, stamp, n))
	}

	privFrom := filepath.Join(dir, key.ProductID+privateSuffix)
	pubFrom := filepath.Join(dir, key.ProductID+publicSuffix)
	if err := os.Rename(privFrom, base+privateSuffix); err != nil {
		slog.ErrorContext(ctx, "failed to archive private key",
			"operation", "archive",
			"tenant_id", key.TenantID,
			"product_id", key.ProductID,
			"error", err,
		)
		return err
	}
	if err := os.Rename(pubFrom, base+publicSuffix); err != nil {
		slog.ErrorContext(ctx, "failed to archive public key",
			"operation", "archive",
			"tenant_id", key.TenantID,
			"product_id", key.ProductID,
			"error", err,
		)
		// 秘密鍵だけ退避された状態を残さない
		_ = os.Rename(base+privateSuffix, privFrom)
		return err
	}
	if tp, ok := r.thumbprints[pubFrom]; ok {
		r.thumbprints[base+publicSuffix] = tp
		delete(r.thumbprints, pubFrom)
	}

	key.Status = domain.KeyStatusArchived
	key.ArchivedAt = &at
	return nil
}

// listPairs はテナント配下の鍵ファイルを列挙する。productIDが空なら全プロダクトを返す。
// 同一プロダクト内ではアーカイブ済みが古い順に並び、現行の鍵が最後になる。
func (r *FileKeyRepository) listPairs(tenantID, productID string) ([]filePair, error) {
	dir, err := r.tenantDir(tenantID)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading key directory: %w", err)
	}

	var pairs []filePair
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, publicSuffix) {
			continue
		}
		stem := strings.TrimSuffix(name, publicSuffix)
		pid, stamp, _ := strings.Cut(stem, ".")
		if productID != "" && pid != productID {
			continue
		}
		pairs = append(pairs, filePair{
			productID: pid,
			stamp:     stamp,
			private:   filepath.Join(dir, stem+privateSuffix),
			public:    filepath.Join(dir, name),
		})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].productID != pairs[j].productID {
			return pairs[i].productID < pairs[j].productID
		}
		// 現行の鍵（stampなし）を最後に置く
		if (pairs[i].stamp == "") != (pairs[j].stamp == "") {
			return pairs[j].stamp == ""
		}
		return pairs[i].stamp < pairs[j].stamp
	})
	return pairs, nil
}

func (r *FileKeyRepository) load(ctx context.Context, tenantID string, p filePair, generation uint) (*domain.KeyPair, error) {
	pub, err := os.ReadFile(p.public)
	if err != nil {
		slog.ErrorContext(ctx, "failed to read public key",
			"operation", "load",
			"tenant_id", tenantID,
			"path", p.public,
			"error", err,
		)
		return nil, fmt.Errorf("reading public key: %w", err)
	}
	priv, err := os.ReadFile(p.private)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading private key: %w", err)
	}
	info, err := os.Stat(p.public)
	if err != nil {
		return nil, fmt.Errorf("stat public key: %w", err)
	}

	tp, _ := r.thumbprintOf(p.public)
	key := &domain.KeyPair{
		ID:            tenantID + "/" + p.productID,
		TenantID:      tenantID,
		ProductID:     p.productID,
		Generation:    generation,
		PrivateKeyPEM: priv,
		PublicKeyPEM:  pub,
		Thumbprint:    tp,
		Encrypted:     keycrypto.IsEncryptedPEM(priv),
		Status:        domain.KeyStatusActive,
		CreatedAt:     info.ModTime().UTC(),
		UpdatedAt:     info.ModTime().UTC(),
	}
	if p.stamp != "" {
		key.ID += "." + p.stamp
		key.Status = domain.KeyStatusArchived
		stamp, _, _ := strings.Cut(p.stamp, "-")
		if at, err := time.Parse(archiveStampFmt, stamp); err == nil {
			key.ArchivedAt = &at
		}
	}
	return key, nil
}

// thumbprintOf は公開鍵ファイルのサムプリントを返す。計算結果はパス単位で保持する。
func (r *FileKeyRepository) thumbprintOf(path string) (string, error) {
	r.mu.RLock()
	tp, ok := r.thumbprints[path]
	r.mu.RUnlock()
	if ok {
		return tp, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	tp, err = keycrypto.ThumbprintPEM(data)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.thumbprints[path] = tp
	r.mu.Unlock()
	return tp, nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
