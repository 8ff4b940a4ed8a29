package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/context-exchange/cex/internal/models"
)

// CreateAnnouncementRequest represents the announcement body.
type CreateAnnouncementRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	Version string `json:"version"`
}

// CreateAnnouncement publishes a platform announcement. Gated by the
// admin key; agents can never create announcements, which is what
// keeps the platform source marker trustworthy.
func (h *Handler) CreateAnnouncement(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("X-Admin-Key")
	if h.cfg.AdminKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(h.cfg.AdminKey)) != 1 {
		h.Error(w, http.StatusUnauthorized, "invalid admin key")
		return
	}

	var req CreateAnnouncementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Title == "" || req.Content == "" {
		h.Error(w, http.StatusBadRequest, "title and content are required")
		return
	}

	ann := &models.Announcement{
		Title:   req.Title,
		Content: req.Content,
		Version: req.Version,
	}
	if err := h.store.CreateAnnouncement(r.Context(), ann); err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to create announcement")
		return
	}

	h.logger.Info().Str("announcement_id", ann.ID).Str("title", ann.Title).Msg("announcement published")
	h.JSON(w, http.StatusCreated, ann)
}
