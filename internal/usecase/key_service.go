// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"license-service/internal/domain"
	"license-service/internal/keycrypto"
	"license-service/internal/lock"
)

// KeyRepository は署名鍵ペアの保存先のインターフェース。
// Find系は該当がない場合に (nil, nil) を返す。
type KeyRepository interface {
	Create(ctx context.Context, key *domain.KeyPair) error
	FindActive(ctx context.Context, tenantID, productID string) (*domain.KeyPair, error)
	FindByThumbprint(ctx context.Context, tenantID, thumbprint string) (*domain.KeyPair, error)
	FindAll(ctx context.Context, tenantID, productID string) ([]*domain.KeyPair, error)
	GetMaxGeneration(ctx context.Context, tenantID, productID string) (uint, error)
	Archive(ctx context.Context, key *domain.KeyPair, at time.Time) error
}

// KMSClient は暗号化/復号のインターフェース。秘密鍵の封印に使う。
type KMSClient interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// KeyStore はプロダクトごとの署名鍵ペアを管理する。
type KeyStore struct {
	repo      KeyRepository
	kmsClient KMSClient // nilの場合は封印しない
	audit     AuditSink
	locks     *lock.Keyed
	now       func() time.Time
}

// NewKeyStore は新しいKeyStoreを生成する。kmsClientはnilでもよい。
func NewKeyStore(repo KeyRepository, kmsClient KMSClient, audit AuditSink) *KeyStore {
	return &KeyStore{
		repo:      repo,
		kmsClient: kmsClient,
		audit:     auditOrNop(audit),
		locks:     lock.NewKeyed(),
		now:       utcNow,
	}
}

// GenerateKeyPair は新しいRSA鍵ペアを生成して保存し、公開鍵PEMを返す。
// 有効な鍵が既にある場合はErrKeyAlreadyExistsを返す。置き換えにはRotateKeysを使う。
func (s *KeyStore) GenerateKeyPair(ctx context.Context, tenantID, productID string, keySizeBits int, password string) (_ string, err error) {
	ctx, span := tracer.Start(ctx, "KeyStore.GenerateKeyPair", keySpanAttrs(tenantID, productID))
	defer func() { endSpan(span, err) }()

	if err := validateKeyRequest(tenantID, productID, keySizeBits); err != nil {
		return "", err
	}
	unlock, err := s.locks.Lock(ctx, tenantID+"/"+productID)
	if err != nil {
		return "", classify(err)
	}
	defer unlock()

	// 既存チェック
	existing, err := s.repo.FindActive(ctx, tenantID, productID)
	if err != nil {
		return "", classify(fmt.Errorf("checking existing key: %w", err))
	}
	if existing != nil {
		return "", domain.ErrKeyAlreadyExists
	}

	key, err := s.createPair(ctx, tenantID, productID, keySizeBits, password)
	if err != nil {
		return "", err
	}
	s.audit.Record(ctx, domain.AuditKeyGenerated, key.ID, domain.SystemActor, map[string]any{
		"tenant_id":  tenantID,
		"product_id": productID,
		"generation": key.Generation,
		"thumbprint": key.Thumbprint,
		"encrypted":  key.Encrypted,
	})
	return string(key.PublicKeyPEM), nil
}

// RotateKeys は現行の鍵ペアをアーカイブしてから新しい鍵ペアを生成する。
// アーカイブは失敗しても生成を続行する。アーカイブ済みの公開鍵はサムプリントで取得できる。
func (s *KeyStore) RotateKeys(ctx context.Context, tenantID, productID string, keySizeBits int, password string) (_ string, err error) {
	ctx, span := tracer.Start(ctx, "KeyStore.RotateKeys", keySpanAttrs(tenantID, productID))
	defer func() { endSpan(span, err) }()

	if err := validateKeyRequest(tenantID, productID, keySizeBits); err != nil {
		return "", err
	}
	unlock, err := s.locks.Lock(ctx, tenantID+"/"+productID)
	if err != nil {
		return "", classify(err)
	}
	defer unlock()

	current, err := s.repo.FindActive(ctx, tenantID, productID)
	if err != nil {
		return "", classify(fmt.Errorf("finding current key: %w", err))
	}
	previous := ""
	if current != nil {
		previous = current.Thumbprint
		if err := s.repo.Archive(ctx, current, s.now()); err != nil {
			slog.WarnContext(ctx, "failed to archive key pair, continuing rotation",
				"operation", "rotate_keys",
				"tenant_id", tenantID,
				"product_id", productID,
				"generation", current.Generation,
				"error", err,
			)
		}
	}

	key, err := s.createPair(ctx, tenantID, productID, keySizeBits, password)
	if err != nil {
		return "", err
	}
	s.audit.Record(ctx, domain.AuditKeyRotated, key.ID, domain.SystemActor, map[string]any{
		"tenant_id":           tenantID,
		"product_id":          productID,
		"generation":          key.Generation,
		"thumbprint":          key.Thumbprint,
		"previous_thumbprint": previous,
	})
	return string(key.PublicKeyPEM), nil
}

// createPair は鍵ペアを生成し、必要ならパスワード暗号化とKMS封印を施して保存する。
func (s *KeyStore) createPair(ctx context.Context, tenantID, productID string, keySizeBits int, password string) (*domain.KeyPair, error) {
	maxGen, err := s.repo.GetMaxGeneration(ctx, tenantID, productID)
	if err != nil {
		return nil, classify(fmt.Errorf("getting max generation: %w", err))
	}

	// RSA鍵を生成
	priv, err := keycrypto.GenerateRSA(keySizeBits)
	if err != nil {
		return nil, err
	}
	privPEM, err := keycrypto.EncodePrivateKey(priv)
	if err != nil {
		return nil, err
	}
	pubPEM, err := keycrypto.EncodePublicKey(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	thumbprint, err := keycrypto.Thumbprint(&priv.PublicKey)
	if err != nil {
		return nil, err
	}

	// パスワードで暗号化
	encrypted := password != ""
	if encrypted {
		if privPEM, err = keycrypto.EncryptPEM(privPEM, password); err != nil {
			return nil, fmt.Errorf("encrypting private key: %w", err)
		}
	}

	// KMSで封印
	sealed := s.kmsClient != nil
	if sealed {
		if privPEM, err = s.kmsClient.Encrypt(ctx, privPEM); err != nil {
			return nil, classify(fmt.Errorf("sealing private key: %w", err))
		}
	}

	key := &domain.KeyPair{
		TenantID:      tenantID,
		ProductID:     productID,
		Generation:    maxGen + 1,
		PrivateKeyPEM: privPEM,
		PublicKeyPEM:  pubPEM,
		Thumbprint:    thumbprint,
		Encrypted:     encrypted,
		Sealed:        sealed,
		Status:        domain.KeyStatusActive,
	}
	if err := s.repo.Create(ctx, key); err != nil {
		return nil, classify(fmt.Errorf("creating key pair: %w", err))
	}
	return key, nil
}

// GetPrivateKey は平文の秘密鍵PEMを返す。暗号化された鍵はErrEncryptedKeyになる。
func (s *KeyStore) GetPrivateKey(ctx context.Context, tenantID, productID string) (string, error) {
	key, err := s.activeKey(ctx, tenantID, productID)
	if err != nil {
		return "", err
	}
	privPEM, err := s.unseal(ctx, key)
	if err != nil {
		return "", err
	}
	if keycrypto.IsEncryptedPEM(privPEM) {
		return "", domain.ErrEncryptedKey
	}
	if _, err := keycrypto.ParsePrivateKey(privPEM); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrKeyCorrupted, err)
	}
	return string(privPEM), nil
}

// GetPrivateKeyWithPassword は秘密鍵を必要に応じて復号し、平文のPEMを返す。
func (s *KeyStore) GetPrivateKeyWithPassword(ctx context.Context, tenantID, productID, password string) (string, error) {
	key, err := s.activeKey(ctx, tenantID, productID)
	if err != nil {
		return "", err
	}
	priv, err := s.openPrivateKey(ctx, key, password)
	if err != nil {
		return "", err
	}
	privPEM, err := keycrypto.EncodePrivateKey(priv)
	if err != nil {
		return "", err
	}
	return string(privPEM), nil
}

// SigningKey は署名に使う秘密鍵とそのサムプリントを返す。
func (s *KeyStore) SigningKey(ctx context.Context, tenantID, productID, password string) (*rsa.PrivateKey, string, error) {
	key, err := s.activeKey(ctx, tenantID, productID)
	if err != nil {
		return nil, "", err
	}
	priv, err := s.openPrivateKey(ctx, key, password)
	if err != nil {
		return nil, "", err
	}
	thumbprint, err := keycrypto.Thumbprint(&priv.PublicKey)
	if err != nil {
		return nil, "", err
	}
	return priv, thumbprint, nil
}

// GetPublicKey は現行の公開鍵PEMを返す。返却前に構造を検証する。
func (s *KeyStore) GetPublicKey(ctx context.Context, tenantID, productID string) (string, error) {
	key, err := s.activeKey(ctx, tenantID, productID)
	if err != nil {
		return "", err
	}
	if _, err := verifiedPublicKey(key); err != nil {
		return "", err
	}
	return string(key.PublicKeyPEM), nil
}

// GetPublicKeyByThumbprint はアーカイブ済みを含む鍵からサムプリントが一致する公開鍵を返す。
func (s *KeyStore) GetPublicKeyByThumbprint(ctx context.Context, tenantID, thumbprint string) (*domain.PublicKey, error) {
	if err := validateTenantID(tenantID); err != nil {
		return nil, err
	}
	if thumbprint == "" {
		return nil, fmt.Errorf("%w: thumbprint is required", domain.ErrInvalidArgument)
	}
	key, err := s.repo.FindByThumbprint(ctx, tenantID, thumbprint)
	if err != nil {
		return nil, classify(fmt.Errorf("finding key by thumbprint: %w", err))
	}
	if key == nil {
		return nil, domain.ErrKeyNotFound
	}
	if _, err := verifiedPublicKey(key); err != nil {
		return nil, err
	}
	return &domain.PublicKey{
		TenantID:   key.TenantID,
		ProductID:  key.ProductID,
		Thumbprint: key.Thumbprint,
		PEM:        key.PublicKeyPEM,
		Status:     key.Status,
	}, nil
}

// HasValidKeys は利用可能な鍵ペアがあるかを返す。エラーはすべてfalseとして扱う。
func (s *KeyStore) HasValidKeys(ctx context.Context, tenantID, productID string) bool {
	key, err := s.activeKey(ctx, tenantID, productID)
	if err != nil {
		return false
	}
	pub, err := verifiedPublicKey(key)
	if err != nil {
		return false
	}
	privPEM, err := s.unseal(ctx, key)
	if err != nil {
		return false
	}
	// 暗号化された鍵はパスワードなしでは照合できないため、形式のみ確認する
	if keycrypto.IsEncryptedPEM(privPEM) {
		return true
	}
	priv, err := keycrypto.ParsePrivateKey(privPEM)
	if err != nil {
		return false
	}
	return priv.PublicKey.Equal(pub)
}

// ListKeys は指定されたプロダクトの全世代の鍵メタデータを取得する。
func (s *KeyStore) ListKeys(ctx context.Context, tenantID, productID string) ([]*domain.KeyMetadata, error) {
	if err := validateTenantID(tenantID); err != nil {
		return nil, err
	}
	if err := validateProductID(productID); err != nil {
		return nil, err
	}
	keys, err := s.repo.FindAll(ctx, tenantID, productID)
	if err != nil {
		return nil, classify(fmt.Errorf("finding keys: %w", err))
	}
	metadata := make([]*domain.KeyMetadata, len(keys))
	for i, k := range keys {
		metadata[i] = k.Metadata()
	}
	return metadata, nil
}

func (s *KeyStore) activeKey(ctx context.Context, tenantID, productID string) (*domain.KeyPair, error) {
	if err := validateTenantID(tenantID); err != nil {
		return nil, err
	}
	if err := validateProductID(productID); err != nil {
		return nil, err
	}
	key, err := s.repo.FindActive(ctx, tenantID, productID)
	if err != nil {
		return nil, classify(fmt.Errorf("finding current key: %w", err))
	}
	if key == nil {
		return nil, domain.ErrKeyNotFound
	}
	return key, nil
}

// unseal はKMSで封印された秘密鍵を開封する。
func (s *KeyStore) unseal(ctx context.Context, key *domain.KeyPair) ([]byte, error) {
	if !key.Sealed {
		return key.PrivateKeyPEM, nil
	}
	if s.kmsClient == nil {
		return nil, fmt.Errorf("%w: key is sealed but no KMS client is configured", domain.ErrUnsupported)
	}
	plain, err := s.kmsClient.Decrypt(ctx, key.PrivateKeyPEM)
	if err != nil {
		return nil, classify(fmt.Errorf("unsealing private key: %w", err))
	}
	return plain, nil
}

func (s *KeyStore) openPrivateKey(ctx context.Context, key *domain.KeyPair, password string) (*rsa.PrivateKey, error) {
	privPEM, err := s.unseal(ctx, key)
	if err != nil {
		return nil, err
	}
	if keycrypto.IsEncryptedPEM(privPEM) {
		if password == "" {
			return nil, domain.ErrEncryptedKey
		}
		privPEM, err = keycrypto.DecryptPEM(privPEM, password)
		switch {
		case errors.Is(err, keycrypto.ErrDecrypt):
			return nil, domain.ErrWrongPassword
		case errors.Is(err, keycrypto.ErrUnknownEncryption):
			return nil, domain.ErrEncryptedKey
		case err != nil:
			return nil, fmt.Errorf("%w: %v", domain.ErrKeyCorrupted, err)
		}
	}
	priv, err := keycrypto.ParsePrivateKey(privPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrKeyCorrupted, err)
	}
	return priv, nil
}

// verifiedPublicKey は公開鍵を解析し、保存されたサムプリントと一致するかを確認する。
func verifiedPublicKey(key *domain.KeyPair) (*rsa.PublicKey, error) {
	pub, err := keycrypto.ParsePublicKey(key.PublicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrKeyCorrupted, err)
	}
	thumbprint, err := keycrypto.Thumbprint(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrKeyCorrupted, err)
	}
	if key.Thumbprint != "" && key.Thumbprint != thumbprint {
		return nil, fmt.Errorf("%w: thumbprint mismatch", domain.ErrKeyCorrupted)
	}
	return pub, nil
}

func validateKeyRequest(tenantID, productID string, keySizeBits int) error {
	if err := validateTenantID(tenantID); err != nil {
		return err
	}
	if err := validateProductID(productID); err != nil {
		return err
	}
	if keySizeBits < domain.MinKeySizeBits {
		return fmt.Errorf("%w: %d bits (minimum %d)", domain.ErrKeySizeTooSmall, keySizeBits, domain.MinKeySizeBits)
	}
	return nil
}

func keySpanAttrs(tenantID, productID string) trace.SpanStartOption {
	return trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("product.id", productID),
	)
}
