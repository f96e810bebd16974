package domain

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

const keyAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

var (
	productKeyRegex = regexp.MustCompile(`^[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`)
	baseKeyRegex    = regexp.MustCompile(`^[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`)
)

// NormalizeProductKey はプロダクトキーを大文字化して書式を検査する。
func NormalizeProductKey(key string) (string, error) {
	key = strings.ToUpper(strings.TrimSpace(key))
	if !productKeyRegex.MatchString(key) {
		return "", ErrInvalidProductKey
	}
	return key, nil
}

// GenerateProductKey は XXXX-XXXX-XXXX-XXXX 形式のキーを生成する。
func GenerateProductKey() (string, error) {
	return generateGroups(4)
}

// GenerateBaseKey はボリュームライセンス用の XXXX-XXXX-XXXX 形式のキーを生成する。
func GenerateBaseKey() (string, error) {
	return generateGroups(3)
}

// IsBaseKey はボリュームライセンスのベースキー書式かを返す。
func IsBaseKey(key string) bool {
	return baseKeyRegex.MatchString(key)
}

// UserKey はベースキーとスロット番号から利用者キーを組み立てる。
func UserKey(baseKey string, slotNumber int) string {
	return fmt.Sprintf("%s-%04d", baseKey, slotNumber)
}

func generateGroups(groups int) (string, error) {
	max := big.NewInt(int64(len(keyAlphabet)))
	parts := make([]string, groups)
	for g := range parts {
		var b strings.Builder
		for i := 0; i < 4; i++ {
			n, err := rand.Int(rand.Reader, max)
			if err != nil {
				return "", fmt.Errorf("generating key: %w", err)
			}
			b.WriteByte(keyAlphabet[n.Int64()])
		}
		parts[g] = b.String()
	}
	return strings.Join(parts, "-"), nil
}
