// Package auth extracts the caller's API key from requests and guards the
// admin endpoints. Whether a key is known is decided by package admission.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// DefaultHeader carries the API key when none is configured.
const DefaultHeader = "X-API-Key"

// AdminHeader carries the admin token.
const AdminHeader = "X-Admin-Token"

type ctxKey int

const keyIdentity ctxKey = 0

// Identity returns the trimmed API key in header, or "" if absent.
func Identity(r *http.Request, header string) string {
	if header == "" {
		header = DefaultHeader
	}
	return strings.TrimSpace(r.Header.Get(header))
}

// WithIdentity stores an admitted identity in ctx.
func WithIdentity(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyIdentity, id)
}

// IdentityFrom returns the identity stored by WithIdentity.
func IdentityFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(keyIdentity).(string)
	return id, ok
}

// AdminOnly rejects requests whose AdminHeader does not match token. An empty
// token disables the wrapped handler entirely.
func AdminOnly(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				writeJSON(w, http.StatusNotFound, "admin_disabled", "admin API is disabled")
				return
			}
			got := r.Header.Get(AdminHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, "invalid_admin_token", "admin token not recognized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, errCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": errCode, "message": msg},
	})
}
