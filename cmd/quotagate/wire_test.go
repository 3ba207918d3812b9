package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/quotagate/internal/config"
	"github.com/AlexKimmel/quotagate/internal/obs"
)

func newTestApp(t *testing.T, algorithm string) http.Handler {
	t.Helper()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(upstream.Close)

	cfg := config.Defaults()
	cfg.Limits.Algorithm = algorithm
	cfg.Limits.Tiers["free"] = config.TierLimit{Limit: 2, PeriodS: 3600}
	cfg.Auth.AdminToken = "admin"
	cfg.Accounts = []config.Account{{Key: "k1", Tier: "free"}, {Key: "k2"}}
	rc := config.Routes{ID: "api"}
	rc.Match.PathPrefix = "/api"
	rc.Upstream.URL = upstream.URL
	rc.Upstream.TimeoutMS = 1000
	cfg.Routes = []config.Routes{rc}

	a, err := build(context.Background(), cfg, zerolog.Nop(), obs.NewMetrics(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(a.close)
	return a.handler
}

func do(h http.Handler, method, path, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestBuild_Algorithms(t *testing.T) {
	for _, algo := range []string{
		config.AlgoTieredTokenBucket,
		config.AlgoTokenBucket,
		config.AlgoFixedWindow,
		config.AlgoLocalFixedWindow,
	} {
		t.Run(algo, func(t *testing.T) {
			h := newTestApp(t, algo)
			for range 2 {
				w := do(h, http.MethodGet, "/api/x", "k1", "")
				require.Equal(t, http.StatusOK, w.Code)
				assert.Equal(t, "ok", w.Body.String())
			}
			w := do(h, http.MethodGet, "/api/x", "k1", "")
			assert.Equal(t, http.StatusTooManyRequests, w.Code)
			assert.NotEmpty(t, w.Header().Get("Retry-After"))
		})
	}
}

func TestBuild_OpsEndpoints(t *testing.T) {
	h := newTestApp(t, config.AlgoTieredTokenBucket)

	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/health", "", "").Code)
	assert.Equal(t, version, do(h, http.MethodGet, "/version", "", "").Body.String())

	do(h, http.MethodGet, "/api/x", "k1", "")
	w := do(h, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `quotagate_admissions_total{outcome="allowed",tier="free"} 1`)
}

func TestBuild_AdminSetTier(t *testing.T) {
	h := newTestApp(t, config.AlgoTieredTokenBucket)

	w := do(h, http.MethodPut, "/admin/tiers/k2", "", `{"tier":"pro"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodPut, "/admin/tiers/k2", strings.NewReader(`{"tier":"pro"}`))
	req.Header.Set("X-Admin-Token", "admin")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	w = do(h, http.MethodGet, "/api/x", "k2", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pro", w.Header().Get("X-RateLimit-Tier"))
	assert.Equal(t, "5000", w.Header().Get("X-RateLimit-Limit"))
}

func TestBuild_RejectsBadConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Limits.Algorithm = "leaky_bucket"
	_, err := build(context.Background(), cfg, zerolog.Nop(), obs.NewMetrics(prometheus.NewRegistry()))
	assert.ErrorContains(t, err, "leaky_bucket")

	cfg = config.Defaults()
	cfg.Limits.FailurePolicy = "maybe"
	_, err = build(context.Background(), cfg, zerolog.Nop(), obs.NewMetrics(prometheus.NewRegistry()))
	assert.Error(t, err)
}
