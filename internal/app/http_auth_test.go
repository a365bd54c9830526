package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"docuflow/api/internal/auth"
	"docuflow/api/internal/store"
	"docuflow/api/internal/workflow"
)

func issueTestToken(t *testing.T, svc *Service, user store.User) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(svc.cfg.JWTSecret), auth.Claims{
		UserID:   user.ID,
		Username: user.Username,
		Name:     user.Name,
		Role:     string(user.Role),
		JTI:      "jti-test",
		Exp:      time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func TestLoginReturnsContract(t *testing.T) {
	hash, _ := bcrypt.GenerateFromPassword([]byte("correct-horse"), bcrypt.MinCost)
	fs := &fakeStore{
		getUserByUsernameFn: func(context.Context, string) (store.User, error) {
			return store.User{ID: 7, Username: "rina", Name: "Rina", PasswordHash: string(hash), Role: workflow.RoleUser}, nil
		},
	}
	server := NewHTTPServer(newTestService(fs), "*")

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewBufferString(`{"username":"rina","password":"correct-horse"}`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if token, _ := payload["token"].(string); token == "" {
		t.Fatalf("expected token in response")
	}
	if refresh, _ := payload["refresh_token"].(string); refresh == "" {
		t.Fatalf("expected refresh_token in response")
	}
	if username, _ := payload["username"].(string); username != "rina" {
		t.Fatalf("expected username rina, got %q", username)
	}
}

func TestLoginRejectsInvalidBody(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeStore{}), "*")
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewBufferString(`{"username":`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestRegisterReturnsCreatedUser(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeStore{}), "*")
	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", bytes.NewBufferString(`{"name":"Rina","username":"rina","password":"longenough"}`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload struct {
		User map[string]any `json:"user"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if payload.User["username"] != "rina" {
		t.Fatalf("expected user in response, got %v", payload.User)
	}
	if _, leaked := payload.User["password_hash"]; leaked {
		t.Fatalf("password hash must not appear in responses")
	}
}

func TestProtectedRoutesRequireBearerToken(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeStore{}), "*")
	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/auth/profile"},
		{http.MethodGet, "/api/documents"},
		{http.MethodPost, "/api/documents"},
		{http.MethodGet, "/api/permission-requests"},
		{http.MethodDelete, "/api/documents/1"},
	}
	for _, tc := range paths {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		rr := httptest.NewRecorder()
		server.Handler().ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: expected 401, got %d", tc.method, tc.path, rr.Code)
		}
	}
}

func TestProfileReturnsSessionUser(t *testing.T) {
	fs := &fakeStore{
		getUserByIDFn: func(_ context.Context, id int64) (store.User, error) {
			return store.User{ID: id, Username: "rina", Name: "Rina", Role: workflow.RoleUser}, nil
		},
	}
	svc := newTestService(fs)
	server := NewHTTPServer(svc, "*")

	req := httptest.NewRequest(http.MethodGet, "/api/auth/profile", nil)
	req.Header.Set("Authorization", "Bearer "+issueTestToken(t, svc, store.User{ID: 7, Username: "rina", Name: "Rina", Role: workflow.RoleUser}))
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var payload struct {
		User map[string]any `json:"user"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if payload.User["username"] != "rina" {
		t.Fatalf("expected profile for rina, got %v", payload.User)
	}
}

func TestExpiredTokenIsUnauthorized(t *testing.T) {
	svc := newTestService(&fakeStore{})
	server := NewHTTPServer(svc, "*")

	expired, err := auth.IssueToken([]byte(svc.cfg.JWTSecret), auth.Claims{
		UserID:   7,
		Username: "rina",
		JTI:      "jti-old",
		Exp:      time.Now().Add(-time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/documents", nil)
	req.Header.Set("Authorization", "Bearer "+expired)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", rr.Code)
	}
}

func TestRefreshRejectsUnknownToken(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeStore{}), "*")
	req := httptest.NewRequest(http.MethodPost, "/api/auth/refresh", bytes.NewBufferString(`{"refresh_token":"nope"}`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestLogoutAlwaysSucceeds(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeStore{}), "*")
	req := httptest.NewRequest(http.MethodPost, "/api/auth/logout", bytes.NewBufferString(`{"refresh_token":"whatever"}`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
}
