package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/yourusername/slimpdf/internal/config"
	"github.com/yourusername/slimpdf/internal/tier"
)

const testKey = "sk_live_0123456789"

func newTestRouter(t *testing.T) (*gin.Engine, *Identity) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hash, err := bcrypt.GenerateFromPassword([]byte(testKey), bcrypt.MinCost)
	require.NoError(t, err)

	manager := NewManager(&config.Config{ProAPIKeyHashes: []string{string(hash)}})
	var seen Identity
	router := gin.New()
	router.Use(manager.Identify())
	router.GET("/whoami", func(c *gin.Context) {
		seen = FromContext(c)
		c.Status(http.StatusNoContent)
	})
	return router, &seen
}

func TestIdentifyAnonymousUsesClientIP(t *testing.T) {
	router, seen := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.RemoteAddr = "203.0.113.7:5555"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, seen.Anonymous)
	assert.Equal(t, tier.Free, seen.Tier)
	assert.Equal(t, "ip:203.0.113.7", seen.Key)
	assert.Empty(t, seen.OwnerID())
}

func TestIdentifyValidAPIKeyIsPro(t *testing.T) {
	router, seen := newTestRouter(t)

	for _, header := range []string{"Bearer " + testKey, ""} {
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		} else {
			req.Header.Set(apiKeyHeader, testKey)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, tier.Pro, seen.Tier)
		assert.False(t, seen.Anonymous)
		assert.NotContains(t, seen.Key, testKey)
	}
}

func TestIdentifyLocksAfterRepeatedInvalidKeys(t *testing.T) {
	router, _ := newTestRouter(t)

	var last int
	for i := 0; i <= maxKeyAttempts; i++ {
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		req.RemoteAddr = "198.51.100.1:1234"
		req.Header.Set(apiKeyHeader, "sk_wrong")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		last = rec.Code
		if i < maxKeyAttempts {
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		}
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}

func TestFailedAttemptsArePrunedAfterWindow(t *testing.T) {
	m := NewManager(&config.Config{})
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	m.recordFailure("198.51.100.1")
	for i := 0; i < maxKeyAttempts; i++ {
		m.recordFailure("198.51.100.2")
	}
	require.Len(t, m.attempts, 2)
	assert.Positive(t, m.checkLock("198.51.100.2"))

	// 集計期間内の記録は残る
	now = now.Add(lockDuration + time.Minute)
	m.recordFailure("198.51.100.3")
	assert.Len(t, m.attempts, 3)

	now = now.Add(keyWindow + time.Second)
	m.recordFailure("198.51.100.4")
	assert.Len(t, m.attempts, 1)
	assert.Contains(t, m.attempts, "198.51.100.4")

	now = now.Add(keyWindow + time.Second)
	assert.Zero(t, m.checkLock("198.51.100.4"))
	assert.Empty(t, m.attempts)
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", bearerToken("Bearer abc"))
	assert.Equal(t, "abc", bearerToken("bearer  abc "))
	assert.Empty(t, bearerToken("Basic abc"))
	assert.Empty(t, bearerToken("Bearer "))
}
