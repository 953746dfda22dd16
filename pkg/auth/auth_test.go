package auth_test

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/PlayibleClub/playible-near-relayer/pkg/auth"
)

var testSecret = []byte(strings.Repeat("s", auth.MinSecretLen))

func setupValidator(t *testing.T) *auth.JWTValidator {
	t.Helper()
	v, err := auth.NewJWTValidator(testSecret, "playible", "")
	if err != nil {
		t.Fatalf("failed to create validator: %v", err)
	}
	return v
}

func createTestToken(t *testing.T, v *auth.JWTValidator, sub, scope string, expiry time.Time) string {
	t.Helper()
	token, err := v.Sign(&auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Issuer:    "playible",
			ExpiresAt: jwt.NewNumericDate(expiry),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Scope: scope,
	})
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

func serve(t *testing.T, v *auth.JWTValidator, path, authHeader string) (int, string) {
	t.Helper()
	var subject string
	handler := auth.NewMiddleware(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject = auth.Subject(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodPost, path, nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w.Code, subject
}

func TestMiddleware_ValidJWT(t *testing.T) {
	v := setupValidator(t)
	token := createTestToken(t, v, "game-backend", "relay", time.Now().Add(time.Hour))

	code, subject := serve(t, v, "/relay", "Bearer "+token)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if subject != "game-backend" {
		t.Errorf("expected subject 'game-backend', got %q", subject)
	}
}

func TestMiddleware_Rejects(t *testing.T) {
	v := setupValidator(t)
	other, err := auth.NewJWTValidator([]byte(strings.Repeat("x", auth.MinSecretLen)), "playible", "")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"basic scheme", "Basic abc", http.StatusUnauthorized},
		{"expired", "Bearer " + createTestToken(t, v, "svc", "", time.Now().Add(-time.Minute)), http.StatusUnauthorized},
		{"wrong secret", "Bearer " + createTestToken(t, other, "svc", "", time.Now().Add(time.Hour)), http.StatusUnauthorized},
		{"no subject", "Bearer " + createTestToken(t, v, "", "", time.Now().Add(time.Hour)), http.StatusUnauthorized},
		{"wrong scope", "Bearer " + createTestToken(t, v, "svc", "read", time.Now().Add(time.Hour)), http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, _ := serve(t, v, "/relay", tt.header); code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, code)
			}
		})
	}
}

func TestMiddleware_PublicPaths(t *testing.T) {
	for _, path := range []string{"/health", "/readiness"} {
		if code, _ := serve(t, nil, path, ""); code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, code)
		}
	}
}

func TestMiddleware_FailsClosedWithoutValidator(t *testing.T) {
	if code, _ := serve(t, nil, "/relay", "Bearer anything"); code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", code)
	}
}

func TestNewJWTValidator_ShortSecret(t *testing.T) {
	if _, err := auth.NewJWTValidator([]byte("short"), "", ""); err == nil {
		t.Fatal("expected error for short secret")
	}
}

func TestValidate_RejectsNoneAlg(t *testing.T) {
	v := setupValidator(t)
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "svc",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Validate(token); err == nil {
		t.Fatal("expected alg none to be rejected")
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := auth.RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = auth.GetRequestID(r.Context())
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" || w.Header().Get("X-Request-ID") != seen {
		t.Errorf("generated id %q not echoed (header %q)", seen, w.Header().Get("X-Request-ID"))
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "client-id")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "client-id" {
		t.Errorf("expected client id to be reused, got %q", seen)
	}
}

func TestCORSMiddleware(t *testing.T) {
	h := auth.CORSMiddleware([]string{"https://app.playible.io"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/relay", nil)
	req.Header.Set("Origin", "https://app.playible.io")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("preflight: expected 204, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.playible.io" {
		t.Errorf("unexpected allow-origin %q", got)
	}

	req = httptest.NewRequest(http.MethodPost, "/relay", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("disallowed origin echoed: %q", got)
	}
}

func TestAccessLogMiddleware_RecordsSubject(t *testing.T) {
	v := setupValidator(t)
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	h := auth.RequestIDMiddleware(auth.NewMiddleware(v)(auth.AccessLogMiddleware(logger)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		}))))

	req := httptest.NewRequest(http.MethodPost, "/relay", nil)
	req.Header.Set("X-Request-ID", "req-42")
	req.Header.Set("Authorization", "Bearer "+createTestToken(t, v, "player-1", "relay", time.Now().Add(time.Hour)))
	h.ServeHTTP(httptest.NewRecorder(), req)

	line := buf.String()
	for _, want := range []string{"msg=\"http request\"", "status=202", "subject=player-1", "request_id=req-42", "path=/relay"} {
		if !strings.Contains(line, want) {
			t.Errorf("access log %q missing %q", line, want)
		}
	}

	buf.Reset()
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	if strings.Contains(buf.String(), "subject=") {
		t.Errorf("public path logged a subject: %q", buf.String())
	}
}
