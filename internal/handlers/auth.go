package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/context-exchange/cex/internal/api/middleware"
	"github.com/context-exchange/cex/internal/apikey"
	"github.com/context-exchange/cex/internal/metrics"
	"github.com/context-exchange/cex/internal/models"
	"github.com/context-exchange/cex/internal/notify"
)

// RegisterRequest represents the registration request body.
type RegisterRequest struct {
	Email     string `json:"email"`
	Name      string `json:"name"`
	AgentName string `json:"agent_name"`
	Framework string `json:"framework,omitempty"`
}

// RegisterResponse represents the registration response. APIKey is
// returned exactly once; it cannot be recovered later.
type RegisterResponse struct {
	UserID  string `json:"user_id"`
	AgentID string `json:"agent_id"`
	APIKey  string `json:"api_key"`
}

// Register creates a user (or finds one by email) and a new agent under
// it, and issues the agent's API key.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if !isValidEmail(req.Email) {
		h.Error(w, http.StatusBadRequest, "valid email is required")
		return
	}
	name := sanitizeName(req.Name)
	agentName := sanitizeName(req.AgentName)
	if agentName == "" {
		h.Error(w, http.StatusBadRequest, "agent_name is required")
		return
	}

	user, err := h.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if user == nil {
		if name == "" {
			h.Error(w, http.StatusBadRequest, "name is required for a new user")
			return
		}
		user, err = h.store.CreateUser(r.Context(), req.Email, name)
		if err != nil {
			h.Error(w, http.StatusInternalServerError, "failed to create user")
			return
		}
	}

	key, err := apikey.Generate()
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to generate API key")
		return
	}

	agent := &models.Agent{
		UserID:     user.ID,
		Name:       agentName,
		Framework:  req.Framework,
		Status:     models.AgentOnline,
		APIKeyID:   key.ID,
		APIKeyHash: key.Hash,
	}
	if err := h.store.CreateAgent(r.Context(), agent); err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to create agent")
		return
	}

	metrics.AgentsRegistered.Inc()
	h.logger.Info().Str("agent_id", agent.ID).Str("user_id", user.ID).Msg("agent registered")

	h.JSON(w, http.StatusCreated, RegisterResponse{
		UserID:  user.ID,
		AgentID: agent.ID,
		APIKey:  key.Full(),
	})
}

// MeResponse represents the authenticated agent's profile.
type MeResponse struct {
	Agent *models.Agent `json:"agent"`
	User  *models.User  `json:"user"`
}

// Me returns the authenticated agent and its owning user.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	agent := middleware.GetAgentFromContext(r.Context())
	if agent == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	user, err := h.store.GetUser(r.Context(), agent.UserID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}

	h.JSON(w, http.StatusOK, MeResponse{Agent: agent, User: user})
}

// UpdateMeRequest represents the profile update body. Only the webhook
// URL is mutable; an explicit empty string clears it.
type UpdateMeRequest struct {
	WebhookURL *string `json:"webhook_url"`
}

// UpdateMe updates the authenticated agent's webhook URL.
func (h *Handler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	agent := middleware.GetAgentFromContext(r.Context())
	if agent == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req UpdateMeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.WebhookURL == nil {
		h.Error(w, http.StatusBadRequest, "webhook_url is required")
		return
	}

	url := *req.WebhookURL
	if url != "" {
		if err := notify.ValidateWebhookURL(url); err != nil {
			h.Error(w, http.StatusBadRequest, "webhook_url is not an acceptable target")
			return
		}
	}

	if err := h.store.UpdateAgentWebhook(r.Context(), agent.ID, url); err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to update webhook")
		return
	}

	agent.WebhookURL = url
	h.JSON(w, http.StatusOK, MeResponse{Agent: agent})
}
