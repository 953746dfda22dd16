package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimitMiddleware(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1 req/sec, burst 2
	limiter := NewGlobalRateLimiter(ctx, 1, 2)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/relay", nil))
		assert.Equal(t, http.StatusOK, w.Code, "within burst")
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/relay", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code, "exceeded burst")
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	// another client has its own bucket
	req := httptest.NewRequest(http.MethodPost, "/relay", nil)
	req.RemoteAddr = "10.0.0.9:5555"
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	time.Sleep(1100 * time.Millisecond)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/relay", nil))
	assert.Equal(t, http.StatusOK, w.Code, "refilled token")
}

func TestRateLimit_ForwardedFor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	limiter := NewGlobalRateLimiter(ctx, 1, 1)
	limiter.TrustForwardedFor = true

	req := httptest.NewRequest(http.MethodPost, "/relay", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", limiter.clientIP(req))
}

func countingHandler(calls *atomic.Int32, status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"n":1}`))
	})
}

func TestIdempotency_ReplaysSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	h := IdempotencyMiddleware(NewIdempotencyStore(ctx, time.Minute), IdempotencyOptions{})(countingHandler(&calls, http.StatusOK))

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/relay", strings.NewReader("x"))
		req.Header.Set("Idempotency-Key", "k-1")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, `{"n":1}`, w.Body.String())
		if i > 0 {
			assert.Equal(t, "true", w.Header().Get("Idempotent-Replayed"))
		}
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestIdempotency_DoesNotCacheErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	h := IdempotencyMiddleware(NewIdempotencyStore(ctx, time.Minute), IdempotencyOptions{})(countingHandler(&calls, http.StatusInternalServerError))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/relay", nil)
		req.Header.Set("Idempotency-Key", "k-err")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestIdempotency_HashBody(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	var seen []string
	var mu sync.Mutex
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		seen = append(seen, string(body))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	h := IdempotencyMiddleware(NewIdempotencyStore(ctx, time.Minute), IdempotencyOptions{HashBody: true, MaxBodyBytes: 16})(next)

	for _, body := range []string{"same", "same", "different"} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/relay", strings.NewReader(body)))
		assert.Equal(t, http.StatusOK, w.Code)
	}
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, []string{"same", "different"}, seen, "body is restored for the handler")

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/relay", strings.NewReader(strings.Repeat("x", 17))))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestIdempotency_ConcurrentDuplicatesRunOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	release := make(chan struct{})
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("done"))
	})
	h := IdempotencyMiddleware(NewIdempotencyStore(ctx, time.Minute), IdempotencyOptions{})(next)

	const n = 8
	codes := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/relay", nil)
			req.Header.Set("Idempotency-Key", "same")
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			codes <- w.Code
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(codes)

	for code := range codes {
		assert.Equal(t, http.StatusOK, code)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestIdempotency_LeaderDisconnectDoesNotAbandonFollowers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		close(started)
		<-release
		if err := r.Context().Err(); err != nil {
			WriteErrorR(w, r, http.StatusServiceUnavailable, "Service Unavailable", "request abandoned")
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("done"))
	})
	h := IdempotencyMiddleware(NewIdempotencyStore(ctx, time.Minute), IdempotencyOptions{})(next)

	leaderCtx, disconnect := context.WithCancel(context.Background())
	leaderDone := make(chan struct{})
	go func() {
		defer close(leaderDone)
		req := httptest.NewRequest(http.MethodPost, "/relay", nil).WithContext(leaderCtx)
		req.Header.Set("Idempotency-Key", "shared")
		h.ServeHTTP(httptest.NewRecorder(), req)
	}()
	<-started

	follower := httptest.NewRecorder()
	followerDone := make(chan struct{})
	go func() {
		defer close(followerDone)
		req := httptest.NewRequest(http.MethodPost, "/relay", nil)
		req.Header.Set("Idempotency-Key", "shared")
		h.ServeHTTP(follower, req)
	}()
	time.Sleep(50 * time.Millisecond)

	disconnect()
	close(release)
	<-leaderDone
	<-followerDone

	assert.Equal(t, http.StatusOK, follower.Code)
	assert.Equal(t, "done", follower.Body.String())
	assert.Equal(t, int32(1), calls.Load())
}

func TestIdempotency_GetPassesThrough(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	h := IdempotencyMiddleware(NewIdempotencyStore(ctx, time.Minute), IdempotencyOptions{HashBody: true})(countingHandler(&calls, http.StatusOK))
	for i := 0; i < 2; i++ {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { order = append(order, "handler") }), mw("outer"), mw("inner"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

// TestRedisIdempotencyStore_Integration requires a running Redis.
func TestRedisIdempotencyStore_Integration(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()
	ctx := context.Background()
	if _, err := client.Ping(ctx).Result(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	store := NewRedisIdempotencyStore(client, "test-relayer:idem:", time.Minute)
	key := t.Name()
	defer client.Del(ctx, "test-relayer:idem:"+key)

	_, ok := store.Check(ctx, key)
	require.False(t, ok)

	store.Set(ctx, key, &CachedResponse{StatusCode: 200, Headers: http.Header{"Content-Type": {"application/json"}}, Body: []byte(`{}`), CachedAt: time.Now()})
	cached, ok := store.Check(ctx, key)
	require.True(t, ok)
	assert.Equal(t, 200, cached.StatusCode)
	assert.Equal(t, []byte(`{}`), cached.Body)
	assert.Equal(t, "application/json", cached.Headers.Get("Content-Type"))
}
