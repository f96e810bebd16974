package usecase

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"license-service/internal/domain"
	"license-service/internal/keycrypto"
)

// VerificationCache は検証結果を保持するTTL付きLRUキャッシュ。
// 失効時のInvalidateは世代番号を進め、それ以前に開始した検証結果の書き戻しを拒否する。
type VerificationCache struct {
	lru   *expirable.LRU[string, cachedResult]
	epoch atomic.Uint64
	mu    sync.Mutex // Add と Invalidate を直列化する
}

type cachedResult struct {
	licenseID string
	result    *domain.LicenseValidationResult
}

// NewVerificationCache は新しいVerificationCacheを生成する。
func NewVerificationCache(size int, ttl time.Duration) *VerificationCache {
	return &VerificationCache{
		lru: expirable.NewLRU[string, cachedResult](size, nil, ttl),
	}
}

// verificationCacheKey はテナント・署名済みライセンス・時間帯・オプションからキーを作る。
// 署名だけでなくペイロードも含めるため、改ざんされたデータが正規の結果に当たることはない。
func verificationCacheKey(tenantID string, signed *domain.SignedLicense, now time.Time, opts domain.LicenseValidationOptions) string {
	bucket := now.Truncate(time.Duration(opts.CacheDurationMinutes) * time.Minute)
	material := signed.LicenseData + "|" + signed.Signature + "|" + signed.SignatureAlgorithm + "|" +
		signed.PublicKeyThumbprint + "|" + signed.Checksum
	return tenantID + "|" + keycrypto.Checksum([]byte(material)) + "|" + bucket.UTC().Format(time.RFC3339) + "|" + opts.CacheKey()
}

// Epoch は現在の世代番号を返す。検証を始める前に取得してAddに渡す。
func (c *VerificationCache) Epoch() uint64 {
	return c.epoch.Load()
}

// Get はキャッシュされた結果の複製を返す。
func (c *VerificationCache) Get(key string) (*domain.LicenseValidationResult, bool) {
	entry, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	return cloneResult(entry.result), true
}

// Add は結果を保存する。epoch以降にInvalidateが行われていた場合は保存せずfalseを返す。
func (c *VerificationCache) Add(key, licenseID string, result *domain.LicenseValidationResult, epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch.Load() != epoch {
		return false
	}
	c.lru.Add(key, cachedResult{licenseID: licenseID, result: cloneResult(result)})
	return true
}

// Invalidate は指定されたライセンスの結果をすべて削除し、削除件数を返す。
func (c *VerificationCache) Invalidate(licenseID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch.Add(1)

	removed := 0
	for _, key := range c.lru.Keys() {
		if entry, ok := c.lru.Peek(key); ok && entry.licenseID == licenseID {
			c.lru.Remove(key)
			removed++
		}
	}
	return removed
}

// Len はキャッシュされている件数を返す。
func (c *VerificationCache) Len() int {
	return c.lru.Len()
}

func cloneResult(r *domain.LicenseValidationResult) *domain.LicenseValidationResult {
	out := *r
	out.AvailableFeatures = make([]domain.LicenseFeature, len(r.AvailableFeatures))
	copy(out.AvailableFeatures, r.AvailableFeatures)
	out.Messages = append([]string(nil), r.Messages...)
	out.License = r.License.Clone()
	if r.GracePeriodExpiry != nil {
		exp := *r.GracePeriodExpiry
		out.GracePeriodExpiry = &exp
	}
	return &out
}
