package adminapi

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tripwire/hostguard/internal/fanout"
	"github.com/tripwire/hostguard/internal/pipeline"
)

func generateTestKey(t *testing.T) (*rsa.PrivateKey, *rsa.PublicKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	return priv, &priv.PublicKey
}

func signToken(t *testing.T, priv *rsa.PrivateKey, claims jwt.Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := tok.SignedString(priv)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func wrappedHandler(called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	})
}

func TestJWTMiddleware_MissingHeader_Returns401(t *testing.T) {
	_, pub := generateTestKey(t)
	mw := jwtMiddleware(pub)

	called := false
	h := mw(wrappedHandler(&called))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if called {
		t.Error("next handler should not have been called")
	}
}

func TestJWTMiddleware_ValidToken_CallsNext(t *testing.T) {
	priv, pub := generateTestKey(t)
	mw := jwtMiddleware(pub)

	called := false
	h := mw(wrappedHandler(&called))

	claims := jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		Subject:   "hgctl",
	}
	tok := signToken(t, priv, claims)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !called {
		t.Error("next handler was not called for a valid token")
	}
}

func TestJWTMiddleware_ExpiredToken_Returns401(t *testing.T) {
	priv, pub := generateTestKey(t)
	mw := jwtMiddleware(pub)

	called := false
	h := mw(wrappedHandler(&called))

	claims := jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))}
	tok := signToken(t, priv, claims)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", rec.Code)
	}
	if called {
		t.Error("next handler should not have been called")
	}
}

func newTestServices(t *testing.T) (*pipeline.Service, *fanout.Publisher) {
	t.Helper()
	q := pipeline.NewQueue(4)
	pub := fanout.New(4, nil)
	svc := pipeline.New(q, pub, 1, nil)
	return svc, pub
}

func TestHealthzRespondsWithoutAuth(t *testing.T) {
	svc, pub := newTestServices(t)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop()

	router := NewRouter(svc, pub, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var h pipeline.HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &h); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if !h.Running {
		t.Error("expected Running=true")
	}
}

func TestStatsRequiresAuthWhenKeyConfigured(t *testing.T) {
	svc, pub := newTestServices(t)
	_, pubKey := generateTestKey(t)
	router := NewRouter(svc, pub, pubKey)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestStatsReturnsSubscriberCount(t *testing.T) {
	svc, pub := newTestServices(t)
	sub := pub.Subscribe(fanout.Filter{})
	defer pub.Unsubscribe(sub)

	router := NewRouter(svc, pub, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp statsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.SubscriberCount != 1 {
		t.Errorf("SubscriberCount = %d, want 1", resp.SubscriberCount)
	}
}
