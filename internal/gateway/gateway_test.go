package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AlexKimmel/quotagate/internal/account"
	"github.com/AlexKimmel/quotagate/internal/admission"
	"github.com/AlexKimmel/quotagate/internal/auth"
	"github.com/AlexKimmel/quotagate/internal/clock"
	"github.com/AlexKimmel/quotagate/internal/ratelimit"
	"github.com/AlexKimmel/quotagate/internal/routing"
	"github.com/AlexKimmel/quotagate/internal/store"
	"github.com/AlexKimmel/quotagate/internal/tier"
)

var testStart = time.Unix(1_700_000_000, 0)

type stack struct {
	fc       *clock.Fake
	resolver *tier.Resolver
	handler  http.Handler
	reached  int
}

func newStack(t *testing.T) *stack {
	t.Helper()
	table, err := tier.NewTable([]tier.Tier{
		{Name: "free", Limit: 2, Period: time.Hour},
		{Name: "pro", Limit: 5, Period: time.Hour},
	}, "free", "")
	require.NoError(t, err)

	s := &stack{fc: clock.NewFake(testStart)}
	st := store.NewMemory(s.fc)
	dir := account.NewStatic(map[string]string{"k-free": "free", "k-pro": "pro", "k-unset": ""})
	s.resolver = tier.NewResolver(table, dir, st)
	lim := ratelimit.NewTiered(st, table, ratelimit.WithClock(s.fc))
	orch := admission.New(dir, s.resolver, lim, admission.WithClock(s.fc))

	rr := routing.New()
	rr.Add(&routing.Route{ID: "status", Prefix: "/status", Public: true})
	rr.Add(&routing.Route{ID: "api", Prefix: "/api"})

	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.reached++
		id, _ := auth.IdentityFrom(r.Context())
		_, _ = w.Write([]byte(id))
	})
	skip := map[string]struct{}{"/health": {}}
	s.handler = Chain(final,
		RouteMatcher(rr, skip),
		Quota(orch, auth.DefaultHeader, skip),
	)
	return s
}

func (s *stack) do(path, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if key != "" {
		req.Header.Set(auth.DefaultHeader, key)
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var body errorBody
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return body.Error
}

func TestQuota_AdmitsAndSetsHeaders(t *testing.T) {
	s := newStack(t)
	w := s.do("/api/items", "k-pro")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "k-pro", w.Body.String())
	assert.Equal(t, "pro", w.Header().Get("X-RateLimit-Tier"))
	assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "4", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "1700002800", w.Header().Get("X-RateLimit-Reset"))
}

func TestQuota_Exhausted(t *testing.T) {
	s := newStack(t)
	for range 2 {
		require.Equal(t, http.StatusOK, s.do("/api/x", "k-free").Code)
	}
	w := s.do("/api/x", "k-free")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2800", w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	e := decodeError(t, w)
	assert.Equal(t, "rate_limited", e.Code)
	assert.Equal(t, "Rate limit exceeded. Try again in 2800 seconds.", e.Message)
	assert.Equal(t, 2, s.reached)
}

func TestQuota_MissingAndUnknownKey(t *testing.T) {
	s := newStack(t)

	w := s.do("/api/x", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "missing_api_key", decodeError(t, w).Code)
	assert.Empty(t, w.Header().Get("X-RateLimit-Tier"))

	w = s.do("/api/x", "nope")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "invalid_api_key", decodeError(t, w).Code)
	assert.Zero(t, s.reached)
}

func TestQuota_SkipsPublicAndSkipPaths(t *testing.T) {
	s := newStack(t)
	assert.Equal(t, http.StatusOK, s.do("/status", "").Code)
	assert.Equal(t, http.StatusOK, s.do("/health", "").Code)
	assert.Equal(t, 2, s.reached)
}

func TestRouteMatcher_NoRoute(t *testing.T) {
	s := newStack(t)
	w := s.do("/elsewhere", "k-free")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "no_route", decodeError(t, w).Code)
}

type failingAdmitter struct{ err error }

func (f failingAdmitter) Admit(context.Context, string) (admission.Metadata, error) {
	return admission.Metadata{}, f.err
}

func TestQuota_StoreUnavailable(t *testing.T) {
	h := Quota(failingAdmitter{err: admission.ErrStoreUnavailable}, "", nil)(http.NotFoundHandler())
	req := httptest.NewRequest(http.MethodGet, "/api", nil)
	req.Header.Set(auth.DefaultHeader, "k")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "quota_store_unavailable", decodeError(t, w).Code)
}

func TestQuota_UnexpectedError(t *testing.T) {
	h := Quota(failingAdmitter{err: errors.New("boom")}, "", nil)(http.NotFoundHandler())
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestSetTier(t *testing.T) {
	s := newStack(t)
	mux := http.NewServeMux()
	mux.Handle("PUT /admin/tiers/{identity}", SetTier(s.resolver))

	put := func(id, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPut, "/admin/tiers/"+id, strings.NewReader(body))
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		return w
	}

	w := put("k-unset", `{"tier":"gold"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_tier", decodeError(t, w).Code)

	w = put("k-unset", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Equal(t, "free", s.resolver.Resolve(context.Background(), "k-unset").Name)
	w = put("k-unset", `{"tier":"pro"}`)
	require.Equal(t, http.StatusNoContent, w.Code)

	assert.Equal(t, "pro", s.resolver.Resolve(context.Background(), "k-unset").Name)
	assert.Equal(t, "5", s.do("/api/x", "k-unset").Header().Get("X-RateLimit-Limit"))
}

func TestBodyLimit(t *testing.T) {
	h := BodyLimit(4)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 16)
		_, err := r.Body.Read(buf)
		if err != nil {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
		}
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123456789")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	Chain(http.NotFoundHandler(), mw("a"), mw("b")).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"a", "b"}, order)
}
