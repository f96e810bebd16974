// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import "time"

// MinKeySizeBits はRSA鍵の最小鍵長。
const MinKeySizeBits = 2048

// KeyStatus は署名鍵ペアのステータスを表す。
type KeyStatus string

const (
	// KeyStatusActive は署名に使用される現行の鍵を表す。
	KeyStatusActive KeyStatus = "active"
	// KeyStatusArchived はローテーションで退役した鍵を表す。検証には引き続き使用される。
	KeyStatusArchived KeyStatus = "archived"
)

// KeyPair はプロダクトごとの署名鍵ペアを表す。
type KeyPair struct {
	ID            string
	TenantID      string
	ProductID     string
	Generation    uint
	PrivateKeyPEM []byte // パスワード暗号化やKMS封印が施されている場合がある
	PublicKeyPEM  []byte
	Thumbprint    string
	Encrypted     bool // パスワードで暗号化されているか
	Sealed        bool // KMSで封印されているか
	Status        KeyStatus
	ArchivedAt    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// KeyMetadata は鍵ペアのメタデータを表す（秘密鍵を含まない）。
type KeyMetadata struct {
	TenantID   string
	ProductID  string
	Generation uint
	Thumbprint string
	Status     KeyStatus
	Encrypted  bool
	CreatedAt  time.Time
	ArchivedAt *time.Time
}

// Metadata は鍵ペアからメタデータを取り出す。
func (k *KeyPair) Metadata() *KeyMetadata {
	return &KeyMetadata{
		TenantID:   k.TenantID,
		ProductID:  k.ProductID,
		Generation: k.Generation,
		Thumbprint: k.Thumbprint,
		Status:     k.Status,
		Encrypted:  k.Encrypted,
		CreatedAt:  k.CreatedAt,
		ArchivedAt: k.ArchivedAt,
	}
}

// PublicKey は検証用の公開鍵を表す。
type PublicKey struct {
	TenantID   string
	ProductID  string
	Thumbprint string
	PEM        []byte
	Status     KeyStatus
}
