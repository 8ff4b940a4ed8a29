package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/context-exchange/cex/internal/api/middleware"
	"github.com/context-exchange/cex/internal/cexerr"
	"github.com/context-exchange/cex/internal/metrics"
	"github.com/context-exchange/cex/internal/models"
	"github.com/context-exchange/cex/internal/permission"
)

const (
	maxContentBytes = 16384
	defaultInbox    = 50
	maxInbox        = 100

	defaultStreamWait = 25 * time.Second
	maxStreamWait     = 60 * time.Second
	streamPollEvery   = time.Second
)

// SendMessageRequest represents the send request body.
type SendMessageRequest struct {
	ToAgentID string `json:"to_agent_id"`
	Content   string `json:"content"`
	Kind      string `json:"message_type,omitempty"`
	Category  string `json:"category,omitempty"`
	ThreadID  string `json:"thread_id,omitempty"`
	Subject   string `json:"subject,omitempty"`
}

// SendMessageResponse represents the send response. PermissionLevel is
// the sender's own outbound level for the category; the recipient's
// inbound configuration is never echoed back.
type SendMessageResponse struct {
	Message         *models.Message `json:"message"`
	PermissionLevel string          `json:"permission_level"`
}

// SendMessage evaluates permissions and accepts a message for delivery.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	sender := middleware.GetAgentFromContext(r.Context())
	if sender == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ToAgentID == "" {
		h.Error(w, http.StatusBadRequest, "to_agent_id is required")
		return
	}
	if req.Content == "" {
		h.Error(w, http.StatusBadRequest, "content is required")
		return
	}
	if len(req.Content) > maxContentBytes {
		h.Error(w, http.StatusUnprocessableEntity, "content too long")
		return
	}
	kind := req.Kind
	if kind == "" {
		kind = models.KindText
	}
	if !models.ValidKind(kind) {
		h.Error(w, http.StatusBadRequest, "unknown message_type")
		return
	}
	if req.Category != "" && !permission.Known(req.Category) {
		h.Error(w, http.StatusBadRequest, "unknown category")
		return
	}

	recipient, err := h.store.GetAgentByID(r.Context(), req.ToAgentID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if recipient == nil {
		h.Error(w, http.StatusNotFound, "recipient not found")
		return
	}
	// Covers every agent of the same principal, not just the sender.
	if recipient.UserID == sender.UserID {
		h.Error(w, http.StatusBadRequest, "cannot send a message to yourself")
		return
	}

	conn, err := h.store.FindConnectionBetween(r.Context(), sender.UserID, recipient.UserID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}

	decision, err := h.evaluateSend(r, conn, sender, recipient, req.Category)
	if err != nil {
		switch {
		case errors.Is(err, cexerr.ErrUnknownCategory):
			h.Error(w, http.StatusBadRequest, "unknown category")
		case cexerr.IsDenied(err):
			reason := "blocked"
			if errors.Is(err, cexerr.ErrRelationshipInactive) {
				reason = "inactive"
			}
			metrics.PermissionDenials.WithLabelValues(reason).Inc()
			h.logger.Info().
				Str("from_agent_id", sender.ID).
				Str("to_agent_id", recipient.ID).
				Str("reason", reason).
				Msg("send denied")
			h.Denied(w)
		default:
			h.Error(w, http.StatusInternalServerError, "database error")
		}
		return
	}

	thread, err := h.resolveThread(r, conn, req.ThreadID, req.Subject)
	if err != nil {
		if errors.Is(err, cexerr.ErrNotFound) {
			h.Error(w, http.StatusNotFound, "thread not found")
		} else {
			h.Error(w, http.StatusInternalServerError, "database error")
		}
		return
	}

	msg := &models.Message{
		ThreadID:    thread.ID,
		FromAgentID: sender.ID,
		ToAgentID:   recipient.ID,
		Kind:        kind,
		Category:    req.Category,
		Content:     req.Content,
	}
	if err := h.store.CreateMessage(r.Context(), msg); err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to store message")
		return
	}

	category := req.Category
	if category == "" {
		category = permission.FallbackCategory
	}
	metrics.MessagesSent.WithLabelValues(category).Inc()

	// Wake any stream the recipient holds open, then push the webhook
	// without holding up the response.
	h.hub.Notify(recipient.ID)
	if recipient.WebhookURL != "" {
		go h.pusher.Push(context.Background(), recipient.WebhookURL, msg)
	}

	h.JSON(w, http.StatusCreated, SendMessageResponse{
		Message:         msg,
		PermissionLevel: decision.Outbound,
	})
}

// evaluateSend loads both users' rules and runs the permission gate.
func (h *Handler) evaluateSend(r *http.Request, conn *models.Connection, sender, recipient *models.Agent, category string) (permission.Decision, error) {
	if conn == nil {
		return permission.Decision{}, cexerr.ErrRelationshipInactive
	}

	senderRules, err := h.loadRules(r, conn.ID, sender.UserID)
	if err != nil {
		return permission.Decision{}, err
	}
	recipientRules, err := h.loadRules(r, conn.ID, recipient.UserID)
	if err != nil {
		return permission.Decision{}, err
	}

	return permission.Evaluate(conn, senderRules, recipientRules, category)
}

func (h *Handler) loadRules(r *http.Request, connID, userID string) (permission.Rules, error) {
	perms, err := h.store.GetPermissions(r.Context(), connID, userID)
	if err != nil {
		return nil, err
	}
	rules := make(permission.Rules, len(perms))
	for _, p := range perms {
		rules[p.Category] = p
	}
	return rules, nil
}

// resolveThread returns the existing thread or creates a new one on
// the first message of a conversation.
func (h *Handler) resolveThread(r *http.Request, conn *models.Connection, threadID, subject string) (*models.Thread, error) {
	if threadID != "" {
		thread, err := h.store.GetThread(r.Context(), threadID)
		if err != nil {
			return nil, err
		}
		if thread == nil || thread.ConnectionID != conn.ID {
			return nil, cexerr.ErrNotFound
		}
		return thread, nil
	}

	thread := &models.Thread{
		ConnectionID: conn.ID,
		Subject:      sanitizeName(subject),
	}
	if err := h.store.CreateThread(r.Context(), thread); err != nil {
		return nil, err
	}
	return thread, nil
}

// instructionsVersion is bumped when the platform setup instructions
// change, so listeners know to re-fetch them.
const instructionsVersion = "1"

// InboxResponse represents one delivery batch.
type InboxResponse struct {
	Messages            []models.Message      `json:"messages"`
	Announcements       []models.Announcement `json:"announcements"`
	InstructionsVersion string                `json:"instructions_version"`
}

// Inbox claims pending messages for the authenticated agent. Returned
// messages are already marked delivered; each message is handed to
// exactly one fetch even under concurrent polling.
func (h *Handler) Inbox(w http.ResponseWriter, r *http.Request) {
	agent := middleware.GetAgentFromContext(r.Context())
	if agent == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	limit := parseLimit(r.URL.Query().Get("limit"))
	msgs, anns, err := h.store.ClaimInbox(r.Context(), agent.ID, limit)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}

	metrics.MessagesDelivered.Add(float64(len(msgs)))
	h.JSON(w, http.StatusOK, InboxResponse{
		Messages:            nonNilMessages(msgs),
		Announcements:       nonNilAnnouncements(anns),
		InstructionsVersion: instructionsVersion,
	})
}

// Stream long-polls the inbox: it returns as soon as at least one
// message is available, or with an empty batch at the deadline.
// Announcements collected along the way ride along either way.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	agent := middleware.GetAgentFromContext(r.Context())
	if agent == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	wait := parseWait(r.URL.Query().Get("timeout"))
	limit := parseLimit(r.URL.Query().Get("limit"))

	wake := h.hub.Subscribe(agent.ID)
	defer h.hub.Unsubscribe(agent.ID, wake)
	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	poll := time.NewTicker(streamPollEvery)
	defer poll.Stop()

	var collected []models.Announcement
	for {
		msgs, anns, err := h.store.ClaimInbox(r.Context(), agent.ID, limit)
		if err != nil {
			h.Error(w, http.StatusInternalServerError, "database error")
			return
		}
		collected = append(collected, anns...)

		if len(msgs) > 0 {
			metrics.MessagesDelivered.Add(float64(len(msgs)))
			h.JSON(w, http.StatusOK, InboxResponse{
				Messages:            msgs,
				Announcements:       nonNilAnnouncements(collected),
				InstructionsVersion: instructionsVersion,
			})
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-deadline.C:
			h.JSON(w, http.StatusOK, InboxResponse{
				Messages:            []models.Message{},
				Announcements:       nonNilAnnouncements(collected),
				InstructionsVersion: instructionsVersion,
			})
			return
		case <-wake:
		case <-poll.C:
		}
	}
}

// AckMessage marks a delivered message read. Acks are idempotent: a
// second ack of the same message succeeds without changing anything.
func (h *Handler) AckMessage(w http.ResponseWriter, r *http.Request) {
	agent := middleware.GetAgentFromContext(r.Context())
	if agent == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	msg, err := h.store.GetMessage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if msg == nil {
		h.Error(w, http.StatusNotFound, "message not found")
		return
	}
	if msg.ToAgentID != agent.ID {
		h.Error(w, http.StatusForbidden, "only the recipient can acknowledge a message")
		return
	}

	switch msg.Status {
	case models.MessageRead:
		h.JSON(w, http.StatusOK, msg)
		return
	case models.MessageSent:
		h.Error(w, http.StatusConflict, "message has not been delivered yet")
		return
	}

	ok, err := h.store.AckMessage(r.Context(), msg.ID, time.Now().UTC())
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "failed to acknowledge message")
		return
	}
	if !ok {
		// Lost a race with another ack; re-read for the final state.
		msg, err = h.store.GetMessage(r.Context(), msg.ID)
		if err != nil || msg == nil {
			h.Error(w, http.StatusInternalServerError, "failed to acknowledge message")
			return
		}
		h.JSON(w, http.StatusOK, msg)
		return
	}

	msg, err = h.store.GetMessage(r.Context(), msg.ID)
	if err != nil || msg == nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	h.JSON(w, http.StatusOK, msg)
}

// ThreadListResponse represents the thread list.
type ThreadListResponse struct {
	Threads []models.Thread `json:"threads"`
}

// ListThreads returns threads on the user's active connections, most
// recently active first. Threads on removed connections are hidden.
func (h *Handler) ListThreads(w http.ResponseWriter, r *http.Request) {
	agent := middleware.GetAgentFromContext(r.Context())
	if agent == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	threads, err := h.store.ListThreadsForUser(r.Context(), agent.UserID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if threads == nil {
		threads = []models.Thread{}
	}

	h.JSON(w, http.StatusOK, ThreadListResponse{Threads: threads})
}

// ThreadResponse represents one thread with its messages in send order.
type ThreadResponse struct {
	Thread   *models.Thread   `json:"thread"`
	Messages []models.Message `json:"messages"`
}

// GetThread returns a thread's full history. Reading does not change
// message status; only inbox and stream fetches mark delivery.
func (h *Handler) GetThread(w http.ResponseWriter, r *http.Request) {
	agent := middleware.GetAgentFromContext(r.Context())
	if agent == nil {
		h.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	thread, err := h.store.GetThread(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if thread == nil {
		h.Error(w, http.StatusNotFound, "thread not found")
		return
	}

	conn, err := h.store.GetConnection(r.Context(), thread.ConnectionID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}
	if conn == nil || !conn.HasUser(agent.UserID) || conn.Status != models.ConnectionActive {
		h.Error(w, http.StatusNotFound, "thread not found")
		return
	}

	msgs, err := h.store.ListThreadMessages(r.Context(), thread.ID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, "database error")
		return
	}

	h.JSON(w, http.StatusOK, ThreadResponse{Thread: thread, Messages: nonNilMessages(msgs)})
}

func parseLimit(raw string) int {
	if raw == "" {
		return defaultInbox
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return defaultInbox
	}
	if n > maxInbox {
		return maxInbox
	}
	return n
}

func parseWait(raw string) time.Duration {
	if raw == "" {
		return defaultStreamWait
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 1 {
		return defaultStreamWait
	}
	d := time.Duration(secs) * time.Second
	if d > maxStreamWait {
		return maxStreamWait
	}
	return d
}

func nonNilMessages(msgs []models.Message) []models.Message {
	if msgs == nil {
		return []models.Message{}
	}
	return msgs
}

func nonNilAnnouncements(anns []models.Announcement) []models.Announcement {
	if anns == nil {
		return []models.Announcement{}
	}
	return anns
}
