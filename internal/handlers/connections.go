package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/context-exchange/cex/internal/api/middleware"
	"github.com/context-exchange/cex/internal/models"
	"github.com/context-exchange/cex/internal/permission"
	"github.com/context-exchange/cex/internal/store"
)

const inviteTTL = 72 * time.Hour

// InviteResponse represents a freshly created invite.
type InviteResponse struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateInvite issues a single-use connection invite code.
func (h *Handler) CreateInvite(w http.ResponseWriter, r *http.Request) {
	agent := middleware.GetAgentFromContext(r.Context())
	if agent == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to generate invite code")
		return
	}

	inv := &models.Invite{
		Code:       hex.EncodeToString(buf),
		FromUserID: agent.UserID,
		ExpiresAt:  time.Now().UTC().Add(inviteTTL),
	}
	if err := h.store.CreateInvite(r.Context(), inv); err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to create invite")
		return
	}

	h.JSON(w, http.StatusCreated, InviteResponse{Code: inv.Code, ExpiresAt: inv.ExpiresAt})
}

// AcceptInviteRequest represents the accept request body.
type AcceptInviteRequest struct {
	Code     string `json:"code"`
	Contract string `json:"contract,omitempty"`
}

// AcceptInvite redeems an invite code and creates the connection with
// contract-seeded permission rows for both users.
func (h *Handler) AcceptInvite(w http.ResponseWriter, r *http.Request) {
	agent := middleware.GetAgentFromContext(r.Context())
	if agent == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req AcceptInviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Code == "" {
		h.Error(w, http.StatusBadRequest, "code is required")
		return
	}
	contract := req.Contract
	if contract == "" {
		contract = permission.DefaultContract
	}
	if !permission.ValidContract(contract) {
		h.Error(w, http.StatusBadRequest, "unknown contract type")
		return
	}

	inv, err := h.store.GetInviteByCode(r.Context(), req.Code)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if inv == nil || inv.Used || time.Now().After(inv.ExpiresAt) {
		h.Error(w, http.StatusNotFound, "invite not found or expired")
		return
	}
	if inv.FromUserID == agent.UserID {
		h.Error(w, http.StatusBadRequest, "cannot accept your own invite")
		return
	}

	existing, err := h.store.FindConnectionBetween(r.Context(), inv.FromUserID, agent.UserID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if existing != nil && existing.Status == models.ConnectionActive {
		h.Error(w, http.StatusConflict, "already connected")
		return
	}

	if err := h.store.UseInvite(r.Context(), inv.ID, agent.UserID); err != nil {
		if store.IsInviteUsed(err) {
			h.Error(w, http.StatusNotFound, "invite not found or expired")
			return
		}
		h.Error(w, http.StatusInternalServerError, "failed to redeem invite")
		return
	}

	conn := &models.Connection{
		UserAID:      inv.FromUserID,
		UserBID:      agent.UserID,
		Status:       models.ConnectionActive,
		ContractType: contract,
	}
	perms := seedPermissions(conn, contract)
	if err := h.store.CreateConnection(r.Context(), conn, perms); err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to create connection")
		return
	}

	h.logger.Info().
		Str("connection_id", conn.ID).
		Str("contract", contract).
		Msg("connection established")

	h.JSON(w, http.StatusCreated, conn)
}

// seedPermissions builds the initial permission rows for both sides of
// a new connection from the contract preset. Every category gets a row
// for every user, so later evaluation only sees explicit levels.
func seedPermissions(conn *models.Connection, contract string) []models.Permission {
	levels := permission.Contracts[contract]
	var perms []models.Permission
	for _, userID := range []string{conn.UserAID, conn.UserBID} {
		for _, cat := range permission.Categories {
			cl := levels[cat]
			perms = append(perms, models.Permission{
				UserID:       userID,
				Category:     cat,
				Level:        cl.Outbound,
				InboundLevel: cl.Inbound,
			})
		}
	}
	return perms
}

// ConnectionListResponse represents the connection list.
type ConnectionListResponse struct {
	Connections []models.Connection `json:"connections"`
}

// ListConnections returns the authenticated user's connections.
func (h *Handler) ListConnections(w http.ResponseWriter, r *http.Request) {
	agent := middleware.GetAgentFromContext(r.Context())
	if agent == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	conns, err := h.store.ListConnectionsByUser(r.Context(), agent.UserID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}

	h.JSON(w, http.StatusOK, ConnectionListResponse{Connections: conns})
}

// RemoveConnection flips a connection to removed. History stays in the
// database but disappears from both users' thread lists.
func (h *Handler) RemoveConnection(w http.ResponseWriter, r *http.Request) {
	agent := middleware.GetAgentFromContext(r.Context())
	if agent == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	conn, err := h.store.GetConnection(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if conn == nil || !conn.HasUser(agent.UserID) {
		h.Error(w, http.StatusNotFound, "connection not found")
		return
	}
	if conn.Status == models.ConnectionRemoved {
		h.JSON(w, http.StatusOK, map[string]string{"status": models.ConnectionRemoved})
		return
	}

	if err := h.store.RemoveConnection(r.Context(), conn.ID); err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to remove connection")
		return
	}

	h.logger.Info().Str("connection_id", conn.ID).Msg("connection removed")
	h.JSON(w, http.StatusOK, map[string]string{"status": models.ConnectionRemoved})
}
