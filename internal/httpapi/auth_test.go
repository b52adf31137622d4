package httpapi_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"rostercore/internal/httpapi"
)

func TestTokenRoundTrip(t *testing.T) {
	tokens := httpapi.NewTokenManager("test-secret", time.Hour)
	signed, err := tokens.Generate("user:alice", "alice@example.com")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := tokens.Validate(signed)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Subject != "user:alice" || claims.Email != "alice@example.com" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestValidateRejectsForgedToken(t *testing.T) {
	tokens := httpapi.NewTokenManager("test-secret", time.Hour)
	signed, err := tokens.Generate("user:alice", "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	other := httpapi.NewTokenManager("other-secret", time.Hour)
	if _, err := other.Validate(signed); !errors.Is(err, httpapi.ErrInvalidToken) {
		t.Fatalf("want ErrInvalidToken, got %v", err)
	}
	if _, err := tokens.Validate("not-a-token"); !errors.Is(err, httpapi.ErrInvalidToken) {
		t.Fatalf("want ErrInvalidToken, got %v", err)
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	tokens := httpapi.NewTokenManager("test-secret", time.Nanosecond)
	signed, err := tokens.Generate("user:alice", "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := tokens.Validate(signed); !errors.Is(err, httpapi.ErrInvalidToken) {
		t.Fatalf("want ErrInvalidToken, got %v", err)
	}
}

func TestRequireAuth(t *testing.T) {
	tokens := httpapi.NewTokenManager("test-secret", time.Hour)
	var gotSubject, gotEmail string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSubject = httpapi.SubjectFromContext(r.Context())
		gotEmail = httpapi.EmailFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	guarded := httpapi.RequireAuth(tokens, inner)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/members", nil)
	rec := httptest.NewRecorder()
	guarded.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no header: %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/members", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	rec = httptest.NewRecorder()
	guarded.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong scheme: %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/members", nil)
	req.Header.Set("Authorization", "Bearer bogus")
	rec = httptest.NewRecorder()
	guarded.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: %d", rec.Code)
	}

	signed, err := tokens.Generate("user:alice", "alice@example.com")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, "/api/v1/members", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec = httptest.NewRecorder()
	guarded.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token: %d", rec.Code)
	}
	if gotSubject != "user:alice" || gotEmail != "alice@example.com" {
		t.Fatalf("context subject=%q email=%q", gotSubject, gotEmail)
	}
}

func TestInstrumentAssignsRequestID(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := httpapi.Instrument(nil, inner)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("request id not assigned")
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "req-42" {
		t.Fatalf("inbound id not honored: %q", got)
	}
}
