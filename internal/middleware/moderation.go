package middleware

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/joshcabana/verity-backend-sub000/internal/audit"
	apperrors "github.com/joshcabana/verity-backend-sub000/internal/errors"
	"github.com/joshcabana/verity-backend-sub000/internal/httputil"
	"github.com/joshcabana/verity-backend-sub000/internal/util"
)

// ModerationAuthMiddleware guards the moderation surface with a shared
// bearer token checked against a bcrypt hash. An empty hash disables it.
type ModerationAuthMiddleware struct {
	tokenHash string
}

func NewModerationAuthMiddleware(tokenHash string) *ModerationAuthMiddleware {
	return &ModerationAuthMiddleware{tokenHash: tokenHash}
}

func (m *ModerationAuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.tokenHash == "" {
			httputil.WriteError(w, apperrors.NotFound("Route"))
			return
		}

		token := bearerToken(r)
		if token == "" || !util.CheckPasswordHash(token, m.tokenHash) {
			log.Warn().Str("path", r.URL.Path).Msg("moderation auth failed")
			audit.LogFromRequest(r, audit.Event{Type: audit.EventModerationDenied})
			httputil.WriteError(w, apperrors.Unauthorized("Invalid moderation token"))
			return
		}

		next.ServeHTTP(w, r)
	})
}
