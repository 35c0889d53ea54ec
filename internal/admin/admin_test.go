package admin

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rakunlabs/ada"

	"github.com/rakunlabs/atd/internal/observability"
	"github.com/rakunlabs/atd/internal/repository/memory"
	"github.com/rakunlabs/atd/internal/tokenmanager"
)

func newTestMux(t *testing.T, adminToken string) (*ada.Server, *tokenmanager.Manager, *memory.Memory) {
	t.Helper()

	tokens := tokenmanager.New("original-token", time.Minute)
	store := memory.New()

	mux := ada.New()
	root := mux.Group("")
	Mount(root, Deps{
		AdminToken: adminToken,
		Tokens:     tokens,
		Store:      store,
		Health:     observability.NewHealthWriter("", "test", observability.Source{}),
	})

	return mux, tokens, store
}

func doRequest(mux *ada.Server, method, path, body, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestRotateAuthTokenRequiresAuth(t *testing.T) {
	mux, _, _ := newTestMux(t, "admin-secret")

	rec := doRequest(mux, http.MethodPost, "/admin/rotate-auth-token", `{"token":"new"}`, "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestRotateAuthTokenRejectsWrongBearer(t *testing.T) {
	mux, _, _ := newTestMux(t, "admin-secret")

	rec := doRequest(mux, http.MethodPost, "/admin/rotate-auth-token", `{"token":"new"}`, "wrong")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestRotateAuthTokenSucceeds(t *testing.T) {
	mux, tokens, _ := newTestMux(t, "admin-secret")

	rec := doRequest(mux, http.MethodPost, "/admin/rotate-auth-token", `{"token":"new-token"}`, "admin-secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !tokens.Accepts("new-token") {
		t.Error("expected the rotated token to be accepted")
	}
	if !tokens.Accepts("original-token") {
		t.Error("expected the prior token to remain accepted within the grace window")
	}
}

func TestRotateAuthTokenRejectsEmptyToken(t *testing.T) {
	mux, _, _ := newTestMux(t, "admin-secret")

	rec := doRequest(mux, http.MethodPost, "/admin/rotate-auth-token", `{"token":""}`, "admin-secret")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestNoAdminTokenConfiguredForbidsEverything(t *testing.T) {
	mux, _, _ := newTestMux(t, "")

	rec := doRequest(mux, http.MethodGet, "/admin/health", "", "anything")
	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}
}

func TestRotateEncryptionKeySucceeds(t *testing.T) {
	mux, _, _ := newTestMux(t, "admin-secret")

	rec := doRequest(mux, http.MethodPost, "/admin/rotate-encryption-key", `{"encryption_key":"a-new-passphrase"}`, "admin-secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHealthEndpoint(t *testing.T) {
	mux, _, _ := newTestMux(t, "admin-secret")

	rec := doRequest(mux, http.MethodGet, "/admin/health", "", "admin-secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %q, want application/json", ct)
	}
}
