package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/context-exchange/cex/internal/api/middleware"
	"github.com/context-exchange/cex/internal/models"
	"github.com/context-exchange/cex/internal/permission"
)

// PermissionListResponse represents one user's rules on a connection.
type PermissionListResponse struct {
	ConnectionID string              `json:"connection_id"`
	Permissions  []models.Permission `json:"permissions"`
}

// ListPermissions returns the authenticated user's own permission rows
// for a connection. The other side's rules are never exposed.
func (h *Handler) ListPermissions(w http.ResponseWriter, r *http.Request) {
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

	perms, err := h.store.GetPermissions(r.Context(), conn.ID, agent.UserID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}

	h.JSON(w, http.StatusOK, PermissionListResponse{ConnectionID: conn.ID, Permissions: perms})
}

// UpdatePermissionRequest represents a permission update. Either field
// may be omitted to leave it unchanged.
type UpdatePermissionRequest struct {
	Level        *string `json:"level,omitempty"`
	InboundLevel *string `json:"inbound_level,omitempty"`
}

// UpdatePermission changes the authenticated user's levels for one
// category on one connection. Takes effect on the next send; messages
// already in flight keep their evaluated level.
func (h *Handler) UpdatePermission(w http.ResponseWriter, r *http.Request) {
	agent := middleware.GetAgentFromContext(r.Context())
	if agent == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	category := chi.URLParam(r, "category")
	if !permission.Known(category) {
		h.Error(w, http.StatusBadRequest, "unknown category")
		return
	}

	var req UpdatePermissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Level == nil && req.InboundLevel == nil {
		h.Error(w, http.StatusBadRequest, "level or inbound_level is required")
		return
	}
	if req.Level != nil && !models.ValidLevel(*req.Level) {
		h.Error(w, http.StatusBadRequest, "level must be auto, ask, or never")
		return
	}
	if req.InboundLevel != nil && !models.ValidLevel(*req.InboundLevel) {
		h.Error(w, http.StatusBadRequest, "inbound_level must be auto, ask, or never")
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

	perm, err := h.store.UpdatePermission(r.Context(), conn.ID, agent.UserID, category, req.Level, req.InboundLevel)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to update permission")
		return
	}
	if perm == nil {
		h.Error(w, http.StatusNotFound, "permission not found")
		return
	}

	h.logger.Info().
		Str("connection_id", conn.ID).
		Str("category", category).
		Str("level", perm.Level).
		Str("inbound_level", perm.InboundLevel).
		Msg("permission updated")

	h.JSON(w, http.StatusOK, perm)
}

// ContractsResponse lists the available contract presets with their
// per-category defaults.
type ContractsResponse struct {
	Default   string                                           `json:"default"`
	Contracts map[string]map[string]permission.ContractLevels `json:"contracts"`
}

// ListContracts returns the built-in contract presets.
func (h *Handler) ListContracts(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, ContractsResponse{
		Default:   permission.DefaultContract,
		Contracts: permission.Contracts,
	})
}
