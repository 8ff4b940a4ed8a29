package handlers

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strings"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/context-exchange/cex/internal/config"
	"github.com/context-exchange/cex/internal/notify"
	"github.com/context-exchange/cex/internal/store"
)

// emailRegex validates email addresses per RFC 5322 (simplified).
var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	store  store.DataStore
	hub    *notify.Hub
	pusher *notify.WebhookPusher
	cfg    *config.Config
	logger zerolog.Logger
}

// NewHandler creates a new Handler with the given dependencies.
func NewHandler(ds store.DataStore, hub *notify.Hub, pusher *notify.WebhookPusher, cfg *config.Config, logger zerolog.Logger) *Handler {
	return &Handler{store: ds, hub: hub, pusher: pusher, cfg: cfg, logger: logger}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// Denied sends the deliberately vague 403 used for every refused send.
// Permission blocks and removed connections answer identically so a
// prober cannot tell which rule stopped them.
func (h *Handler) Denied(w http.ResponseWriter) {
	h.Error(w, http.StatusForbidden, "message cannot be sent")
}

// sanitizeName trims and limits name to 100 characters, removing control characters.
func sanitizeName(name string) string {
	name = strings.TrimSpace(name)

	// Remove control characters
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)

	// Limit to 100 characters
	if len(name) > 100 {
		name = name[:100]
	}

	return name
}

// isValidEmail validates email addresses using RFC 5322 pattern.
func isValidEmail(email string) bool {
	if email == "" {
		return false
	}
	// Must be reasonable length and match RFC 5322 pattern
	if len(email) > 254 {
		return false
	}
	return emailRegex.MatchString(email)
}
