// Package admin implements the `/admin/*` HTTP surface: bearer-token
// rotation for the daemon's WS auth token, optional encryption-key
// rotation for the repository, and a health introspection endpoint.
// Mounted onto the same ada mux internal/daemon builds for /ws/healthz.
//
// Grounded on the adminAuthMiddleware/RotateKeyAPI pattern
// (internal/server/server.go, internal/server/admin.go): a bearer-token-gated
// group plus a rotate-key POST handler, generalized from rotating only the
// repository's encryption key to also rotating the daemon's WS auth token
// via tokenmanager.Manager.Rotate.
package admin

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/rakunlabs/ada"

	atcrypto "github.com/rakunlabs/atd/internal/crypto"
	"github.com/rakunlabs/atd/internal/llm"
	"github.com/rakunlabs/atd/internal/observability"
	"github.com/rakunlabs/atd/internal/tokenmanager"
)

// Deps are the singletons the admin surface exposes.
type Deps struct {
	AdminToken string
	Tokens     *tokenmanager.Manager
	Store      llm.ProviderStorer // asserted to llm.KeyRotator when rotating the encryption key
	Health     *observability.HealthWriter
}

// Mount registers the admin routes (protected by adminAuthMiddleware) onto
// group, matching the settingsGroup.Use(...)+POST("/rotate-key") wiring
// pattern in server.go's New.
func Mount(group *ada.Server, deps Deps) {
	admin := &handlers{deps: deps}

	protected := group.Group("/admin")
	protected.Use(adminAuthMiddleware(deps.AdminToken))
	protected.POST("/rotate-auth-token", admin.rotateAuthToken)
	protected.POST("/rotate-encryption-key", admin.rotateEncryptionKey)
	protected.GET("/health", admin.health)
}

type handlers struct {
	deps Deps
}

type rotateAuthTokenRequest struct {
	Token string `json:"token"`
}

// rotateAuthToken swaps the daemon's accepted WS bearer token, keeping the
// old one valid for the Manager's configured grace window ("existing
// sessions remain valid after rotation").
func (h *handlers) rotateAuthToken(w http.ResponseWriter, r *http.Request) {
	var req rotateAuthTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if req.Token == "" {
		httpResponse(w, "token must not be empty", http.StatusBadRequest)
		return
	}

	h.deps.Tokens.Rotate(req.Token)
	httpResponse(w, "auth token rotated", http.StatusOK)
}

type rotateEncryptionKeyRequest struct {
	EncryptionKey string `json:"encryption_key"`
}

// rotateEncryptionKey re-encrypts provider credentials under a new key,
// matching RotateKeyAPI: an empty key disables encryption (plaintext
// storage) rather than erroring.
func (h *handlers) rotateEncryptionKey(w http.ResponseWriter, r *http.Request) {
	rotator, ok := h.deps.Store.(llm.KeyRotator)
	if !ok {
		httpResponse(w, "encryption key rotation is not supported by the current store", http.StatusBadRequest)
		return
	}

	var req rotateEncryptionKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	var newKey []byte
	if req.EncryptionKey != "" {
		var err error
		newKey, err = atcrypto.DeriveKey(req.EncryptionKey)
		if err != nil {
			httpResponse(w, fmt.Sprintf("invalid encryption key: %v", err), http.StatusBadRequest)
			return
		}
	}

	if err := rotator.RotateEncryptionKey(r.Context(), newKey); err != nil {
		slog.Error("admin: encryption key rotation failed", "error", err)
		httpResponse(w, fmt.Sprintf("rotation failed: %v", err), http.StatusInternalServerError)
		return
	}

	httpResponse(w, "encryption key rotated", http.StatusOK)
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if h.deps.Health == nil {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
		return
	}
	json.NewEncoder(w).Encode(h.deps.Health.CurrentSnapshot())
}

// adminAuthMiddleware gates every admin route on a configured bearer
// token, rejecting with 403 if none is configured at all.
func adminAuthMiddleware(adminToken string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if adminToken == "" {
				httpResponse(w, "admin token not configured", http.StatusForbidden)
				return
			}

			auth := r.Header.Get("Authorization")
			if auth == "" {
				httpResponse(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			token := strings.TrimPrefix(auth, "Bearer ")
			if token == auth || token != adminToken {
				httpResponse(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

type responseMessage struct {
	Message string `json:"message"`
}

func httpResponse(w http.ResponseWriter, msg string, code int) {
	data, _ := json.Marshal(responseMessage{Message: msg})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}
