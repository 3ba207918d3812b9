package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdentity(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, "", Identity(r, ""))

	r.Header.Set("X-API-Key", "  abc123 ")
	assert.Equal(t, "abc123", Identity(r, ""))

	r.Header.Set("X-Key", "other")
	assert.Equal(t, "other", Identity(r, "X-Key"))
}

func TestIdentityContext(t *testing.T) {
	_, ok := IdentityFrom(context.Background())
	assert.False(t, ok)

	id, ok := IdentityFrom(WithIdentity(context.Background(), "k1"))
	assert.True(t, ok)
	assert.Equal(t, "k1", id)
}

func TestAdminOnly(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

	for _, tc := range []struct {
		name   string
		token  string
		header string
		want   int
	}{
		{name: "disabled", token: "", header: "", want: http.StatusNotFound},
		{name: "missing", token: "s3cret", header: "", want: http.StatusUnauthorized},
		{name: "wrong", token: "s3cret", header: "nope", want: http.StatusUnauthorized},
		{name: "match", token: "s3cret", header: "s3cret", want: http.StatusNoContent},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPut, "/admin/tiers/k1", nil)
			if tc.header != "" {
				r.Header.Set(AdminHeader, tc.header)
			}
			w := httptest.NewRecorder()
			AdminOnly(tc.token)(ok).ServeHTTP(w, r)
			assert.Equal(t, tc.want, w.Code)
		})
	}
}
