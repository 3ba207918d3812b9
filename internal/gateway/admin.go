package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/hlog"

	"github.com/AlexKimmel/quotagate/internal/tier"
)

// TierSetter records a tier assignment.
type TierSetter interface {
	SetTier(ctx context.Context, identity, name string) error
}

type setTierRequest struct {
	Tier string `json:"tier"`
}

// SetTier serves PUT /admin/tiers/{identity}. The body is {"tier": "<name>"}.
func SetTier(ts TierSetter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("identity")
		var req setTierRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, "invalid_body", "body must be {\"tier\": \"<name>\"}")
			return
		}
		err := ts.SetTier(r.Context(), id, req.Tier)
		switch {
		case errors.Is(err, tier.ErrInvalidTier):
			writeJSON(w, http.StatusBadRequest, "invalid_tier", err.Error())
			return
		case errors.Is(err, tier.ErrEmptyIdentity):
			writeJSON(w, http.StatusBadRequest, "invalid_identity", "identity required")
			return
		case err != nil:
			hlog.FromRequest(r).Error().Err(err).Msg("set tier failed")
			writeJSON(w, http.StatusServiceUnavailable, "quota_store_unavailable", "could not store tier")
			return
		}
		hlog.FromRequest(r).Info().Str("tier", req.Tier).Msg("tier assigned")
		w.WriteHeader(http.StatusNoContent)
	})
}
