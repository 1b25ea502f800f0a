package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(rpm, burst int) (*Limiter, *manualClock) {
	clock := &manualClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(Config{RequestsPerMinute: rpm, BurstSize: burst, CleanupInterval: time.Hour})
	l.now = clock.now
	return l, clock
}

func TestLimiterAllow(t *testing.T) {
	limiter, clock := newTestLimiter(60, 5)
	defer limiter.Stop()

	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Allow("203.0.113.1"), "request %d within burst", i)
	}
	assert.False(t, limiter.Allow("203.0.113.1"), "request after burst")

	clock.advance(time.Second)
	assert.True(t, limiter.Allow("203.0.113.1"), "token replenished after one second")
}

func TestLimiterMultipleClients(t *testing.T) {
	limiter, _ := newTestLimiter(60, 2)
	defer limiter.Stop()

	assert.True(t, limiter.Allow("a"))
	assert.True(t, limiter.Allow("a"))
	assert.False(t, limiter.Allow("a"))

	assert.True(t, limiter.Allow("b"), "other clients keep their own bucket")
}

func TestLimiterEvictIdle(t *testing.T) {
	limiter, clock := newTestLimiter(60, 1)
	defer limiter.Stop()

	limiter.Allow("a")
	clock.advance(5 * time.Minute)
	limiter.evictIdle(2 * time.Minute)

	limiter.mu.Lock()
	n := len(limiter.clients)
	limiter.mu.Unlock()
	assert.Equal(t, 0, n)
}

func TestLimiterStopIdempotent(t *testing.T) {
	limiter, _ := newTestLimiter(60, 1)
	limiter.Stop()
	limiter.Stop()
}

func TestMiddleware_UsesKeyFunc(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter, _ := newTestLimiter(60, 1)
	defer limiter.Stop()

	r := gin.New()
	r.Use(limiter.Middleware(func(r *http.Request) string { return r.Header.Get("X-Client") }))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	send := func(client string) int {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-Client", client)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, send("one"))
	assert.Equal(t, http.StatusTooManyRequests, send("one"))
	assert.Equal(t, http.StatusOK, send("two"))
}
