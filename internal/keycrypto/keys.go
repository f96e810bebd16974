// Package keycrypto はRSA鍵の生成・PEM変換・パスワード暗号化を提供する。
package keycrypto

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
)

const (
	blockPrivateKey          = "PRIVATE KEY"
	blockEncryptedPrivateKey = "ENCRYPTED PRIVATE KEY"
	blockPublicKey           = "PUBLIC KEY"

	headerProcType = "Proc-Type"
	headerDEKInfo  = "DEK-Info"
	procEncrypted  = "4,ENCRYPTED"
	dekScheme      = "SCRYPT-AES-256-GCM"

	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	saltSize     = 16
	derivedBytes = 32
)

var (
	// ErrInvalidPEM はPEMとして解釈できない場合のエラー。
	ErrInvalidPEM = errors.New("invalid PEM")
	// ErrNotRSA はRSA以外の鍵が渡された場合のエラー。
	ErrNotRSA = errors.New("key is not RSA")
	// ErrUnknownEncryption は対応していない暗号化方式のエラー。
	ErrUnknownEncryption = errors.New("unknown private key encryption")
	// ErrDecrypt はパスワード誤りなどで復号できない場合のエラー。
	ErrDecrypt = errors.New("private key decryption failed")
)

// GenerateRSA はRSA鍵ペアを生成する。
func GenerateRSA(bits int) (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generating RSA key: %w", err)
	}
	return key, nil
}

// EncodePrivateKey は秘密鍵をPKCS#8のPEMに変換する。
func EncodePrivateKey(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshaling private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: blockPrivateKey, Bytes: der}), nil
}

// EncodePublicKey は公開鍵をPKIXのPEMに変換する。
func EncodePublicKey(key *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshaling public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: blockPublicKey, Bytes: der}), nil
}

// ParsePrivateKey は平文のPEMから秘密鍵を取り出す。
func ParsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrInvalidPEM
	}
	if IsEncryptedBlock(block) {
		return nil, ErrUnknownEncryption
	}
	var (
		parsed any
		err    error
	)
	switch block.Type {
	case blockPrivateKey:
		parsed, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	case "RSA PRIVATE KEY":
		parsed, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("%w: unexpected block type %q", ErrInvalidPEM, block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, ErrNotRSA
	}
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	return key, nil
}

// ParsePublicKey はPEMから公開鍵を取り出す。
func ParsePublicKey(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != blockPublicKey {
		return nil, ErrInvalidPEM
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, ErrNotRSA
	}
	return key, nil
}

// Thumbprint は公開鍵のDERに対するSHA-256を16進文字列で返す。
func Thumbprint(key *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", fmt.Errorf("marshaling public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:]), nil
}

// ThumbprintPEM はPEM形式の公開鍵のサムプリントを返す。
func ThumbprintPEM(data []byte) (string, error) {
	key, err := ParsePublicKey(data)
	if err != nil {
		return "", err
	}
	return Thumbprint(key)
}

// IsEncryptedBlock はPEMブロックが暗号化されているかを返す。
func IsEncryptedBlock(block *pem.Block) bool {
	if block.Type == blockEncryptedPrivateKey {
		return true
	}
	return strings.Contains(block.Headers[headerProcType], "ENCRYPTED")
}

// IsEncryptedPEM は秘密鍵PEMが暗号化されているかを内容から判定する。
func IsEncryptedPEM(data []byte) bool {
	block, _ := pem.Decode(data)
	if block == nil {
		return false
	}
	return IsEncryptedBlock(block)
}

// EncryptPEM は平文の秘密鍵PEMをパスワードで暗号化する。
// scryptで導出した鍵によるAES-256-GCMを使い、方式とソルトをDEK-Infoヘッダに記録する。
func EncryptPEM(plainPEM []byte, password string) ([]byte, error) {
	block, _ := pem.Decode(plainPEM)
	if block == nil {
		return nil, ErrInvalidPEM
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, block.Bytes, []byte(block.Type))
	return pem.EncodeToMemory(&pem.Block{
		Type: blockEncryptedPrivateKey,
		Headers: map[string]string{
			headerProcType: procEncrypted,
			headerDEKInfo:  dekScheme + "," + hex.EncodeToString(salt) + "," + hex.EncodeToString(nonce) + "," + block.Type,
		},
		Bytes: ciphertext,
	}), nil
}

// DecryptPEM はEncryptPEMで暗号化された秘密鍵PEMを平文のPEMに戻す。
func DecryptPEM(encryptedPEM []byte, password string) ([]byte, error) {
	block, _ := pem.Decode(encryptedPEM)
	if block == nil {
		return nil, ErrInvalidPEM
	}
	if !IsEncryptedBlock(block) {
		return encryptedPEM, nil
	}
	parts := strings.Split(block.Headers[headerDEKInfo], ",")
	if len(parts) != 4 || parts[0] != dekScheme {
		return nil, ErrUnknownEncryption
	}
	salt, err := hex.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: salt", ErrInvalidPEM)
	}
	nonce, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: nonce", ErrInvalidPEM)
	}
	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: nonce size", ErrInvalidPEM)
	}
	plain, err := gcm.Open(nil, nonce, block.Bytes, []byte(parts[3]))
	if err != nil {
		return nil, ErrDecrypt
	}
	return pem.EncodeToMemory(&pem.Block{Type: parts[3], Bytes: plain}), nil
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	dk, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, derivedBytes)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	blockCipher, err := aes.NewCipher(dk)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return cipher.NewGCM(blockCipher)
}

// SignPSS はメッセージのSHA-256に対してRSA-PSS署名を行う。
func SignPSS(key *rsa.PrivateKey, message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	sig, err := rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest[:], &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
	if err != nil {
		return nil, fmt.Errorf("signing: %w", err)
	}
	return sig, nil
}

// VerifyPSS はRSA-PSS署名を検証する。
func VerifyPSS(key *rsa.PublicKey, message, signature []byte) error {
	digest := sha256.Sum256(message)
	return rsa.VerifyPSS(key, crypto.SHA256, digest[:], signature, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
}

// Checksum はデータのSHA-256を16進文字列で返す。
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
