package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PlayibleClub/playible-near-relayer/pkg/near"
	"github.com/PlayibleClub/playible-near-relayer/pkg/relay"
)

// recordingRelayer returns a canned response and remembers payloads.
type recordingRelayer struct {
	mu       sync.Mutex
	payloads [][]byte
	resp     relay.Response
}

func (r *recordingRelayer) Handle(_ context.Context, body []byte) relay.Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, append([]byte(nil), body...))
	return r.resp
}

func (r *recordingRelayer) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func committed() relay.Response {
	return relay.Response{
		StatusCode: http.StatusOK,
		Success: &relay.Success{
			Message:         "Successfully relayed and sent transaction.",
			Status:          json.RawMessage(`{"SuccessValue":""}`),
			Logs:            "a\nb",
			TransactionHash: "9bHWJ7eT",
			Attempts:        1,
		},
	}
}

func TestHandleRelay_OctetStream(t *testing.T) {
	rr := &recordingRelayer{resp: committed()}
	srv := NewServer(rr, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/relay", strings.NewReader("\x01\x02\x03"))
	req.Header.Set("Content-Type", "application/octet-stream")
	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{
		"message":"Successfully relayed and sent transaction.",
		"Status":{"SuccessValue":""},
		"Transaction Outcome Logs":"a\nb",
		"transaction_hash":"9bHWJ7eT",
		"attempts":1}`, w.Body.String())
	assert.Equal(t, [][]byte{{1, 2, 3}}, rr.payloads)
}

func TestHandleRelay_JSONByteArray(t *testing.T) {
	rr := &recordingRelayer{resp: committed()}
	srv := NewServer(rr, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/relay", strings.NewReader(`[0, 17, 255]`))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	w := httptest.NewRecorder()
	srv.Routes().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, [][]byte{{0, 17, 255}}, rr.payloads)
}

func TestHandleRelay_LargeJSONBehindBodyHashing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rr := &recordingRelayer{resp: committed()}
	h := IdempotencyMiddleware(NewIdempotencyStore(ctx, time.Minute), IdempotencyOptions{
		HashBody:     true,
		MaxBodyBytes: MaxJSONBody,
	})(NewServer(rr, nil, nil).Routes())

	// 300k payload bytes fit the envelope but take 1.2 MB as a JSON array
	const n = 300_000
	body := "[" + strings.TrimSuffix(strings.Repeat("255,", n), ",") + "]"
	require.Greater(t, len(body), near.MaxEnvelopeSize)

	req := httptest.NewRequest(http.MethodPost, "/relay", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Len(t, rr.payloads, 1)
	assert.Len(t, rr.payloads[0], n)
}

func TestHandleRelay_RejectsBeforeRelaying(t *testing.T) {
	tests := []struct {
		name        string
		method      string
		contentType string
		body        string
		want        int
	}{
		{"wrong method", http.MethodGet, "", "", http.StatusMethodNotAllowed},
		{"json string", http.MethodPost, "application/json", `"arrrgh"`, http.StatusBadRequest},
		{"json out of range", http.MethodPost, "application/json", `[1, 256]`, http.StatusBadRequest},
		{"json trailing", http.MethodPost, "application/json", `[1] [2]`, http.StatusBadRequest},
		{"unsupported type", http.MethodPost, "text/plain", "hello", http.StatusUnsupportedMediaType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := &recordingRelayer{resp: committed()}
			req := httptest.NewRequest(tt.method, "/relay", strings.NewReader(tt.body))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			w := httptest.NewRecorder()
			NewServer(rr, nil, nil).Routes().ServeHTTP(w, req)

			assert.Equal(t, tt.want, w.Code)
			assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
			assert.Zero(t, rr.Calls())
		})
	}
}

func TestHandleRelay_Problem(t *testing.T) {
	rr := &recordingRelayer{resp: relay.Response{
		StatusCode: http.StatusInternalServerError,
		Title:      "Internal Server Error",
		Detail:     "error sending transaction to RPC: invalid transaction",
	}}
	req := httptest.NewRequest(http.MethodPost, "/relay", strings.NewReader("x"))
	w := httptest.NewRecorder()
	w.Header().Set("X-Request-ID", "req-1")
	NewServer(rr, nil, nil).Routes().ServeHTTP(w, req)

	require.Equal(t, http.StatusInternalServerError, w.Code)
	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &problem))
	assert.Equal(t, "error sending transaction to RPC: invalid transaction", problem.Detail)
	assert.Equal(t, "/relay", problem.Instance)
	assert.Equal(t, "req-1", problem.TraceID)
	assert.Equal(t, http.StatusInternalServerError, problem.Status)
}

func TestHandleRelay_BadBodyAndEmptyResponse(t *testing.T) {
	rr := &recordingRelayer{resp: relay.Response{}}
	routes := NewServer(rr, nil, nil).Routes()

	req := httptest.NewRequest(http.MethodPost, "/relay", strings.NewReader(`{"not":"bytes"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	routes.ServeHTTP(w, req)
	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &problem))
	assert.Equal(t, http.StatusBadRequest, problem.Status)
	assert.Equal(t, "Bad Request", problem.Title)
	assert.Contains(t, problem.Detail, "error deserializing payload data object")

	// a relayer that produced neither body nor error status is a server bug
	w = httptest.NewRecorder()
	routes.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/relay", strings.NewReader("\x01")))
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &problem))
	assert.NotContains(t, problem.Detail, "without a success body")
	assert.Equal(t, 1, rr.Calls())
}

func TestHealthAndReadiness(t *testing.T) {
	ready := false
	srv := NewServer(&recordingRelayer{}, func() bool { return ready }, nil)
	mux := srv.Routes()

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readiness", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	ready = true
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readiness", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWriteTooManyRequests(t *testing.T) {
	w := httptest.NewRecorder()
	WriteTooManyRequests(w, 3)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "3", w.Header().Get("Retry-After"))
}
