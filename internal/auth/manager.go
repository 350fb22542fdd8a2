// Package auth は呼び出し元の識別とティア判定を行います。
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/slimpdf/internal/config"
	"github.com/yourusername/slimpdf/internal/tier"
)

const apiKeyHeader = "X-API-Key"

var (
	keyWindow      = 15 * time.Minute
	lockDuration   = 10 * time.Minute
	maxKeyAttempts = 5
	verifiedTTL    = 10 * time.Minute
)

// ContextIdentityKey は、ハンドラー間で Identity を共有するためのキーです。
const ContextIdentityKey = "auth.identity"

type attemptState struct {
	count        int
	firstAttempt time.Time
	lockedUntil  time.Time
}

func (s *attemptState) stale(now time.Time) bool {
	return now.Sub(s.firstAttempt) > keyWindow && now.After(s.lockedUntil)
}

// Manager はAPIキーの検証と呼び出し元の識別をまとめた構造体です。
type Manager struct {
	hashes   [][]byte
	lock     sync.Mutex
	attempts map[string]*attemptState
	// 検証済みキーのハッシュ。bcrypt を毎回走らせないために使う
	verified *expirable.LRU[string, struct{}]
	now      func() time.Time
}

// NewManager は認証マネージャーを作成します。
func NewManager(cfg *config.Config) *Manager {
	hashes := make([][]byte, 0, len(cfg.ProAPIKeyHashes))
	for _, h := range cfg.ProAPIKeyHashes {
		hashes = append(hashes, []byte(h))
	}
	return &Manager{
		hashes:   hashes,
		attempts: make(map[string]*attemptState),
		verified: expirable.NewLRU[string, struct{}](1024, nil, verifiedTTL),
		now:      time.Now,
	}
}

// Identify は呼び出し元を判定し、コンテキストに Identity を設定するミドルウェアです。
// APIキーが無ければ接続元IPで集計する匿名利用者として扱います。
func (m *Manager) Identify() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := extractAPIKey(c.Request)
		if key == "" {
			c.Set(ContextIdentityKey, Anonymous(c.ClientIP()))
			c.Next()
			return
		}

		ip := c.ClientIP()
		if retryAfter := m.checkLock(ip); retryAfter > 0 {
			// Retry-After は秒数で返す
			c.Header("Retry-After", strconv.FormatInt(int64(retryAfter.Seconds())+1, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    "TOO_MANY_ATTEMPTS",
				"message": "too many invalid API keys, try again later",
			})
			return
		}

		if !m.verifyKey(key) {
			remaining := m.recordFailure(ip)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":              "INVALID_API_KEY",
				"message":           "the API key is not valid",
				"remainingAttempts": remaining,
			})
			return
		}

		m.resetAttempts(ip)
		c.Set(ContextIdentityKey, APIKey(key, tier.Pro))
		c.Next()
	}
}

// FromContext は Identify が設定した Identity を返します。
func FromContext(c *gin.Context) Identity {
	if v, ok := c.Get(ContextIdentityKey); ok {
		if id, ok := v.(Identity); ok {
			return id
		}
	}
	return Anonymous(c.ClientIP())
}

func (m *Manager) verifyKey(key string) bool {
	if !strings.HasPrefix(key, APIKeyPrefix) || len(m.hashes) == 0 {
		return false
	}
	sum := sha256.Sum256([]byte(key))
	fingerprint := hex.EncodeToString(sum[:])
	if _, ok := m.verified.Get(fingerprint); ok {
		return true
	}
	for _, hash := range m.hashes {
		if bcrypt.CompareHashAndPassword(hash, []byte(key)) == nil {
			m.verified.Add(fingerprint, struct{}{})
			return true
		}
	}
	return false
}

func (m *Manager) checkLock(ip string) time.Duration {
	m.lock.Lock()
	defer m.lock.Unlock()

	state, ok := m.attempts[ip]
	if !ok {
		return 0
	}
	now := m.now()
	if state.stale(now) {
		delete(m.attempts, ip)
		return 0
	}
	if now.After(state.lockedUntil) {
		return 0
	}
	return state.lockedUntil.Sub(now)
}

func (m *Manager) recordFailure(ip string) int {
	m.lock.Lock()
	defer m.lock.Unlock()

	now := m.now()
	m.pruneAttempts(now)
	state, ok := m.attempts[ip]
	if !ok || now.Sub(state.firstAttempt) > keyWindow {
		state = &attemptState{firstAttempt: now}
		m.attempts[ip] = state
	}

	state.count++
	if state.count >= maxKeyAttempts {
		state.lockedUntil = now.Add(lockDuration)
		state.count = maxKeyAttempts
	}

	remaining := maxKeyAttempts - state.count
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// pruneAttempts は集計期間もロックも終わった記録を捨てます。呼び出し側でロックを取ってください。
func (m *Manager) pruneAttempts(now time.Time) {
	for ip, state := range m.attempts {
		if state.stale(now) {
			delete(m.attempts, ip)
		}
	}
}

func (m *Manager) resetAttempts(ip string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.attempts, ip)
}

func extractAPIKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get(apiKeyHeader)); key != "" {
		return key
	}
	return bearerToken(r.Header.Get("Authorization"))
}
