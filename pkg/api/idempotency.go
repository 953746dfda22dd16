package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// CachedResponse stores a previously-seen response for idempotent replay.
type CachedResponse struct {
	StatusCode int         `json:"status_code"`
	Headers    http.Header `json:"headers"`
	Body       []byte      `json:"body"`
	CachedAt   time.Time   `json:"cached_at"`
}

// IdempotencyStorer defines the interface for idempotency backends.
type IdempotencyStorer interface {
	Check(ctx context.Context, key string) (*CachedResponse, bool)
	Set(ctx context.Context, key string, resp *CachedResponse)
}

// MemoryIdempotencyStore holds cached responses keyed by idempotency key.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]*CachedResponse
	ttl     time.Duration
}

// NewIdempotencyStore creates an in-memory store whose expired entries are
// swept until ctx ends.
func NewIdempotencyStore(ctx context.Context, ttl time.Duration) *MemoryIdempotencyStore {
	s := &MemoryIdempotencyStore{
		entries: make(map[string]*CachedResponse),
		ttl:     ttl,
	}
	go s.cleanup(ctx)
	return s
}

func (s *MemoryIdempotencyStore) cleanup(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.mu.Lock()
		now := time.Now()
		for k, v := range s.entries {
			if now.Sub(v.CachedAt) > s.ttl {
				delete(s.entries, k)
			}
		}
		s.mu.Unlock()
	}
}

// Check returns a cached response if existing and valid.
func (s *MemoryIdempotencyStore) Check(_ context.Context, key string) (*CachedResponse, bool) {
	s.mu.RLock()
	cached, exists := s.entries[key]
	s.mu.RUnlock()

	if exists && time.Since(cached.CachedAt) < s.ttl {
		return cached, true
	}
	return nil, false
}

func (s *MemoryIdempotencyStore) Set(_ context.Context, key string, resp *CachedResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = resp
}

// bufferedResponse records a handler's response so it can be replayed to
// every caller sharing one execution.
type bufferedResponse struct {
	header     http.Header
	statusCode int
	body       bytes.Buffer
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{header: make(http.Header), statusCode: http.StatusOK}
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(code int) { b.statusCode = code }

func (b *bufferedResponse) Write(p []byte) (int, error) { return b.body.Write(p) }

func (b *bufferedResponse) cached() *CachedResponse {
	return &CachedResponse{
		StatusCode: b.statusCode,
		Headers:    b.header.Clone(),
		Body:       append([]byte(nil), b.body.Bytes()...),
		CachedAt:   time.Now(),
	}
}

func replay(w http.ResponseWriter, cached *CachedResponse, replayed bool) {
	for k, vals := range cached.Headers {
		if k == "X-Request-Id" {
			continue
		}
		w.Header()[k] = append([]string(nil), vals...)
	}
	if replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	w.WriteHeader(cached.StatusCode)
	_, _ = w.Write(cached.Body)
}

// IdempotencyOptions configures IdempotencyMiddleware.
type IdempotencyOptions struct {
	// HashBody derives a key from SHA-256 of the body when no
	// Idempotency-Key header is sent.
	HashBody bool
	// MaxBodyBytes bounds how much body is read for hashing.
	MaxBodyBytes int64
}

// IdempotencyMiddleware processes each POST with a given key once. Duplicate
// requests receive the cached 2xx response; concurrent duplicates wait for
// the single in-flight execution and share its response.
func IdempotencyMiddleware(store IdempotencyStorer, opts IdempotencyOptions) func(http.Handler) http.Handler {
	var group singleflight.Group
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get("Idempotency-Key")
			if key == "" && opts.HashBody {
				body, err := readBody(r, opts.MaxBodyBytes)
				if err != nil {
					WriteErrorR(w, r, http.StatusRequestEntityTooLarge, "Request Entity Too Large", err.Error())
					return
				}
				sum := sha256.Sum256(body)
				key = "sha256:" + hex.EncodeToString(sum[:])
			}
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			key = r.URL.Path + "|" + key

			if cached, ok := store.Check(r.Context(), key); ok {
				replay(w, cached, true)
				return
			}

			v, _, shared := group.Do(key, func() (any, error) {
				// Followers share this execution, so it outlives the
				// leader's client. The relay's own timeout still bounds it.
				ctx := context.WithoutCancel(r.Context())
				buf := newBufferedResponse()
				for k, vals := range w.Header() {
					buf.header[k] = vals
				}
				next.ServeHTTP(buf, r.WithContext(ctx))
				resp := buf.cached()
				if resp.StatusCode >= 200 && resp.StatusCode < 300 {
					store.Set(ctx, key, resp)
				}
				return resp, nil
			})
			replay(w, v.(*CachedResponse), shared)
		})
	}
}

// readBody reads the whole body and restores it for the next handler.
func readBody(r *http.Request, limit int64) ([]byte, error) {
	if limit <= 0 {
		limit = 8 << 20
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, errBodyTooLarge
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
