package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/context-exchange/cex/internal/apikey"
	"github.com/context-exchange/cex/internal/models"
	"github.com/context-exchange/cex/internal/store"
)

type contextKey string

const AgentContextKey contextKey = "agent"

// AuthMiddleware authenticates requests by agent API key.
type AuthMiddleware struct {
	store  store.DataStore
	logger zerolog.Logger
}

// NewAuthMiddleware creates a new auth middleware.
func NewAuthMiddleware(ds store.DataStore, logger zerolog.Logger) *AuthMiddleware {
	return &AuthMiddleware{store: ds, logger: logger}
}

// RequireAuth verifies the Bearer API key and loads the agent into the
// request context. The key's secret is checked against the stored
// bcrypt hash; only the key ID is used for lookup.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			jsonError(w, http.StatusUnauthorized, "missing Authorization header")
			return
		}
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			jsonError(w, http.StatusUnauthorized, "Authorization must be a Bearer token")
			return
		}

		keyID, secret, err := apikey.Parse(raw)
		if err != nil {
			jsonError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		agent, err := m.store.GetAgentByKeyID(r.Context(), keyID)
		if err != nil {
			m.logger.Error().Err(err).Msg("agent lookup failed")
			jsonError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if agent == nil || !apikey.Verify(agent.APIKeyHash, secret) {
			jsonError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		// Best effort; an authenticated request is a liveness signal.
		_ = m.store.TouchAgent(r.Context(), agent.ID, time.Now().UTC())

		ReportAgent(r.Context(), agent.ID)
		ctx := context.WithValue(r.Context(), AgentContextKey, agent)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// GetAgentFromContext retrieves the authenticated agent from the request context.
func GetAgentFromContext(ctx context.Context) *models.Agent {
	agent, ok := ctx.Value(AgentContextKey).(*models.Agent)
	if !ok {
		return nil
	}
	return agent
}
