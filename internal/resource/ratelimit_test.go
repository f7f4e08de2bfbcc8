package resource

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_WindowAdmission(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	rl := NewRateLimiter()
	rl.now = func() time.Time { return clock }

	cfg := RateLimitConfig{WindowMs: 1000, MaxRequests: 3}

	for i := 0; i < 3; i++ {
		res := rl.Check("client-a", cfg, nil)
		assert.True(t, res.Allowed, "request %d within limit", i+1)
		assert.Equal(t, 3-(i+1), res.Remaining)
	}

	res := rl.Check("client-a", cfg, nil)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)

	// A different key has its own window.
	assert.True(t, rl.Check("client-b", cfg, nil).Allowed)

	// Once the window slides past the earliest request, admission resumes.
	clock = base.Add(1001 * time.Millisecond)
	res = rl.Check("client-a", cfg, nil)
	assert.True(t, res.Allowed)
}

func TestRateLimiter_KeyGeneratorAndCallback(t *testing.T) {
	rl := NewRateLimiter()

	var limitedKey string
	cfg := RateLimitConfig{
		WindowMs:    60000,
		MaxRequests: 1,
		KeyGenerator: func(reqCtx map[string]interface{}) string {
			tenant, _ := reqCtx["tenant"].(string)
			return "tenant:" + tenant
		},
		OnLimitReached: func(key string) { limitedKey = key },
	}

	reqCtx := map[string]interface{}{"tenant": "acme"}
	assert.True(t, rl.Check("ignored", cfg, reqCtx).Allowed)
	assert.False(t, rl.Check("ignored", cfg, reqCtx).Allowed)
	assert.Equal(t, "tenant:acme", limitedKey)
}

func TestRateLimiter_Reset(t *testing.T) {
	rl := NewRateLimiter()
	cfg := RateLimitConfig{WindowMs: 60000, MaxRequests: 1}

	assert.True(t, rl.Check("k", cfg, nil).Allowed)
	assert.False(t, rl.Check("k", cfg, nil).Allowed)

	rl.Reset("k")
	assert.True(t, rl.Check("k", cfg, nil).Allowed)
}

func TestCache_TTLExpiry(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	c := NewCache(time.Minute)
	c.now = func() time.Time { return clock }

	c.Set("token", "abc123", 0) // default TTL
	c.Set("short", 42, 10*time.Second)

	v, ok := c.Get("token")
	assert.True(t, ok)
	assert.Equal(t, "abc123", v)

	clock = base.Add(11 * time.Second)
	_, ok = c.Get("short")
	assert.False(t, ok)

	v, ok = c.Get("token")
	assert.True(t, ok)
	assert.Equal(t, "abc123", v)

	clock = base.Add(61 * time.Second)
	_, ok = c.Get("token")
	assert.False(t, ok)
}

func TestCache_DeleteAndLen(t *testing.T) {
	c := NewCache(time.Minute)
	c.Set("a", 1, 0)
	c.Set("b", 2, 0)
	assert.Equal(t, 2, c.Len())

	c.Delete("a")
	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())
}
