package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/hlog"

	"github.com/AlexKimmel/quotagate/internal/admission"
	"github.com/AlexKimmel/quotagate/internal/auth"
	"github.com/AlexKimmel/quotagate/internal/routing"
)

// Admitter decides whether an identity may proceed.
type Admitter interface {
	Admit(ctx context.Context, identity string) (admission.Metadata, error)
}

// Quota admits each request through adm before passing it on. The API key is
// read from header. Paths in skip and public routes are not counted.
func Quota(adm Admitter, header string, skip map[string]struct{}) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}
			if rt, ok := routing.RouteFrom(r); ok && rt.Public {
				next.ServeHTTP(w, r)
				return
			}

			id := auth.Identity(r, header)
			md, err := adm.Admit(r.Context(), id)
			if md.Tier != "" {
				setQuotaHeaders(w.Header(), md)
			}
			if err != nil {
				var ae *admission.Error
				if !errors.As(err, &ae) {
					hlog.FromRequest(r).Error().Err(err).Msg("admission failed")
					writeJSON(w, http.StatusInternalServerError, "internal_error", "internal error")
					return
				}
				if ae.Code == admission.CodeQuotaExceeded {
					w.Header().Set("Retry-After", strconv.FormatInt(int64(ae.RetryAfter.Seconds()), 10))
				}
				writeJSON(w, ae.Status, string(ae.Code), ae.Message)
				return
			}
			if md.Degraded {
				hlog.FromRequest(r).Warn().Str("tier", md.Tier).Msg("admitted without quota store")
			}
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
		})
	}
}

func setQuotaHeaders(h http.Header, md admission.Metadata) {
	h.Set("X-RateLimit-Tier", md.Tier)
	h.Set("X-RateLimit-Limit", strconv.Itoa(md.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(max(md.Remaining, 0)))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(md.ResetUnixSec, 10))
}
