package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/context-exchange/cex/internal/config"
	"github.com/context-exchange/cex/internal/handlers"
	"github.com/context-exchange/cex/internal/models"
	"github.com/context-exchange/cex/internal/notify"
	"github.com/context-exchange/cex/internal/store"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	ds, err := store.NewSQLiteStore(t.Context(), filepath.Join(t.TempDir(), "cex.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(ds.Close)

	cfg := &config.Config{Env: "test", AdminKey: "test-admin-key"}
	router := NewRouter(zerolog.Nop(), ds, nil, notify.NewHub(), cfg)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

// do performs a JSON request and returns status and raw body.
func do(t *testing.T, srv *httptest.Server, method, path, apiKey string, body interface{}) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, srv.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, raw
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decoding %s: %v", raw, err)
	}
	return v
}

func registerAgent(t *testing.T, srv *httptest.Server, email, name, agentName string) handlers.RegisterResponse {
	t.Helper()
	status, raw := do(t, srv, "POST", "/auth/register", "", handlers.RegisterRequest{
		Email:     email,
		Name:      name,
		AgentName: agentName,
	})
	if status != http.StatusCreated {
		t.Fatalf("register returned %d: %s", status, raw)
	}
	return decode[handlers.RegisterResponse](t, raw)
}

// connect establishes a connection between the two agents' users and
// returns its ID.
func connect(t *testing.T, srv *httptest.Server, keyA, keyB, contract string) string {
	t.Helper()
	status, raw := do(t, srv, "POST", "/connections/invite", keyA, map[string]string{})
	if status != http.StatusCreated {
		t.Fatalf("invite returned %d: %s", status, raw)
	}
	inv := decode[handlers.InviteResponse](t, raw)

	status, raw = do(t, srv, "POST", "/connections/accept", keyB, handlers.AcceptInviteRequest{
		Code:     inv.Code,
		Contract: contract,
	})
	if status != http.StatusCreated {
		t.Fatalf("accept returned %d: %s", status, raw)
	}
	return decode[models.Connection](t, raw).ID
}

func sendMessage(t *testing.T, srv *httptest.Server, key string, req handlers.SendMessageRequest) (int, []byte) {
	t.Helper()
	return do(t, srv, "POST", "/messages/send", key, req)
}

func TestRegisterAndMe(t *testing.T) {
	srv := newTestServer(t)

	reg := registerAgent(t, srv, "alice@example.com", "Alice", "alice-agent")
	if reg.APIKey == "" {
		t.Fatal("registration did not return an API key")
	}

	status, raw := do(t, srv, "GET", "/auth/me", reg.APIKey, nil)
	if status != http.StatusOK {
		t.Fatalf("me returned %d: %s", status, raw)
	}
	me := decode[handlers.MeResponse](t, raw)
	if me.Agent.ID != reg.AgentID || me.User.ID != reg.UserID {
		t.Fatalf("me mismatch: %+v", me)
	}

	status, _ = do(t, srv, "GET", "/auth/me", "cex_bogus_key", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad key, got %d", status)
	}
}

func TestMessageLifecycle(t *testing.T) {
	srv := newTestServer(t)
	alice := registerAgent(t, srv, "alice@example.com", "Alice", "alice-agent")
	bob := registerAgent(t, srv, "bob@example.com", "Bob", "bob-agent")
	connect(t, srv, alice.APIKey, bob.APIKey, "friends")

	// Schedule is auto/auto under friends.
	status, raw := sendMessage(t, srv, alice.APIKey, handlers.SendMessageRequest{
		ToAgentID: bob.AgentID,
		Content:   "lunch at noon?",
		Category:  "schedule",
	})
	if status != http.StatusCreated {
		t.Fatalf("send returned %d: %s", status, raw)
	}
	sent := decode[handlers.SendMessageResponse](t, raw)
	if sent.PermissionLevel != "auto" {
		t.Fatalf("expected auto level, got %q", sent.PermissionLevel)
	}
	if sent.Message.Status != models.MessageSent {
		t.Fatalf("expected sent status, got %q", sent.Message.Status)
	}

	// Ack before delivery is refused.
	status, _ = do(t, srv, "POST", "/messages/"+sent.Message.ID+"/ack", bob.APIKey, map[string]string{})
	if status != http.StatusConflict {
		t.Fatalf("expected 409 for undelivered ack, got %d", status)
	}

	// Inbox fetch claims and delivers.
	status, raw = do(t, srv, "GET", "/messages/inbox", bob.APIKey, nil)
	if status != http.StatusOK {
		t.Fatalf("inbox returned %d: %s", status, raw)
	}
	inbox := decode[handlers.InboxResponse](t, raw)
	if len(inbox.Messages) != 1 || inbox.Messages[0].Status != models.MessageDelivered {
		t.Fatalf("unexpected inbox: %s", raw)
	}

	// Only the recipient may ack.
	status, _ = do(t, srv, "POST", "/messages/"+sent.Message.ID+"/ack", alice.APIKey, map[string]string{})
	if status != http.StatusForbidden {
		t.Fatalf("expected 403 for sender ack, got %d", status)
	}

	status, raw = do(t, srv, "POST", "/messages/"+sent.Message.ID+"/ack", bob.APIKey, map[string]string{})
	if status != http.StatusOK {
		t.Fatalf("ack returned %d: %s", status, raw)
	}
	acked := decode[models.Message](t, raw)
	if acked.Status != models.MessageRead || acked.AcknowledgedAt == nil {
		t.Fatalf("expected read, got %s", raw)
	}

	// Acks are idempotent.
	status, raw = do(t, srv, "POST", "/messages/"+sent.Message.ID+"/ack", bob.APIKey, map[string]string{})
	if status != http.StatusOK {
		t.Fatalf("second ack returned %d: %s", status, raw)
	}
}

func TestDeniedSendsAreIndistinguishable(t *testing.T) {
	srv := newTestServer(t)
	alice := registerAgent(t, srv, "alice@example.com", "Alice", "alice-agent")
	bob := registerAgent(t, srv, "bob@example.com", "Bob", "bob-agent")
	connID := connect(t, srv, alice.APIKey, bob.APIKey, "coworkers")

	// Personal is never/never under coworkers.
	status, blockedBody := sendMessage(t, srv, alice.APIKey, handlers.SendMessageRequest{
		ToAgentID: bob.AgentID,
		Content:   "how was the date?",
		Category:  "personal",
	})
	if status != http.StatusForbidden {
		t.Fatalf("expected 403 for never category, got %d", status)
	}

	status, _ = do(t, srv, "DELETE", "/connections/"+connID, bob.APIKey, nil)
	if status != http.StatusOK {
		t.Fatalf("remove returned %d", status)
	}

	status, removedBody := sendMessage(t, srv, alice.APIKey, handlers.SendMessageRequest{
		ToAgentID: bob.AgentID,
		Content:   "meeting at 3",
		Category:  "schedule",
	})
	if status != http.StatusForbidden {
		t.Fatalf("expected 403 after removal, got %d", status)
	}

	// Same status, same body: the caller cannot tell which rule fired.
	if !bytes.Equal(blockedBody, removedBody) {
		t.Fatalf("denial responses differ: %s vs %s", blockedBody, removedBody)
	}
}

func TestUncategorizedUsesFallback(t *testing.T) {
	srv := newTestServer(t)
	alice := registerAgent(t, srv, "alice@example.com", "Alice", "alice-agent")
	bob := registerAgent(t, srv, "bob@example.com", "Bob", "bob-agent")
	connect(t, srv, alice.APIKey, bob.APIKey, "coworkers")

	// No category falls back to personal, which coworkers blocks.
	status, _ := sendMessage(t, srv, alice.APIKey, handlers.SendMessageRequest{
		ToAgentID: bob.AgentID,
		Content:   "hello",
	})
	if status != http.StatusForbidden {
		t.Fatalf("expected uncategorized send to be blocked, got %d", status)
	}
}

func TestUnknownCategoryRejected(t *testing.T) {
	srv := newTestServer(t)
	alice := registerAgent(t, srv, "alice@example.com", "Alice", "alice-agent")
	bob := registerAgent(t, srv, "bob@example.com", "Bob", "bob-agent")
	connect(t, srv, alice.APIKey, bob.APIKey, "friends")

	status, _ := sendMessage(t, srv, alice.APIKey, handlers.SendMessageRequest{
		ToAgentID: bob.AgentID,
		Content:   "hello",
		Category:  "gossip",
	})
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown category, got %d", status)
	}
}

func TestPermissionUpdateGatesNextSend(t *testing.T) {
	srv := newTestServer(t)
	alice := registerAgent(t, srv, "alice@example.com", "Alice", "alice-agent")
	bob := registerAgent(t, srv, "bob@example.com", "Bob", "bob-agent")
	connID := connect(t, srv, alice.APIKey, bob.APIKey, "friends")

	status, raw := sendMessage(t, srv, alice.APIKey, handlers.SendMessageRequest{
		ToAgentID: bob.AgentID,
		Content:   "first",
		Category:  "schedule",
	})
	if status != http.StatusCreated {
		t.Fatalf("send returned %d: %s", status, raw)
	}

	// Bob stops accepting schedule messages.
	level := "never"
	status, raw = do(t, srv, "PUT", "/connections/"+connID+"/permissions/schedule", bob.APIKey,
		handlers.UpdatePermissionRequest{InboundLevel: &level})
	if status != http.StatusOK {
		t.Fatalf("permission update returned %d: %s", status, raw)
	}

	status, _ = sendMessage(t, srv, alice.APIKey, handlers.SendMessageRequest{
		ToAgentID: bob.AgentID,
		Content:   "second",
		Category:  "schedule",
	})
	if status != http.StatusForbidden {
		t.Fatalf("expected 403 after inbound never, got %d", status)
	}
}

func TestSendEchoesOnlySenderOutboundLevel(t *testing.T) {
	srv := newTestServer(t)
	alice := registerAgent(t, srv, "alice@example.com", "Alice", "alice-agent")
	bob := registerAgent(t, srv, "bob@example.com", "Bob", "bob-agent")
	connID := connect(t, srv, alice.APIKey, bob.APIKey, "friends")

	// Bob quietly tightens his inbound schedule level. Alice's send
	// still reports her own outbound level; the response must not let
	// her observe Bob's configuration.
	level := "ask"
	status, raw := do(t, srv, "PUT", "/connections/"+connID+"/permissions/schedule", bob.APIKey,
		handlers.UpdatePermissionRequest{InboundLevel: &level})
	if status != http.StatusOK {
		t.Fatalf("permission update returned %d: %s", status, raw)
	}

	status, raw = sendMessage(t, srv, alice.APIKey, handlers.SendMessageRequest{
		ToAgentID: bob.AgentID,
		Content:   "lunch thursday?",
		Category:  "schedule",
	})
	if status != http.StatusCreated {
		t.Fatalf("send returned %d: %s", status, raw)
	}
	sent := decode[handlers.SendMessageResponse](t, raw)
	if sent.PermissionLevel != "auto" {
		t.Fatalf("expected sender's outbound level auto, got %q", sent.PermissionLevel)
	}
}

func TestSelfSendRejected(t *testing.T) {
	srv := newTestServer(t)
	alice := registerAgent(t, srv, "alice@example.com", "Alice", "alice-agent")
	// Second agent under the same principal.
	sibling := registerAgent(t, srv, "alice@example.com", "Alice", "alice-laptop")

	status, raw := sendMessage(t, srv, alice.APIKey, handlers.SendMessageRequest{
		ToAgentID: alice.AgentID,
		Content:   "note to self",
		Category:  "schedule",
	})
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for self-send, got %d: %s", status, raw)
	}

	status, raw = sendMessage(t, srv, alice.APIKey, handlers.SendMessageRequest{
		ToAgentID: sibling.AgentID,
		Content:   "note to my other agent",
		Category:  "schedule",
	})
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for same-principal send, got %d: %s", status, raw)
	}
}

func TestStreamDeliversAndTimesOut(t *testing.T) {
	srv := newTestServer(t)
	alice := registerAgent(t, srv, "alice@example.com", "Alice", "alice-agent")
	bob := registerAgent(t, srv, "bob@example.com", "Bob", "bob-agent")
	connect(t, srv, alice.APIKey, bob.APIKey, "friends")

	// Empty timeout: returns an empty batch at the deadline.
	start := time.Now()
	status, raw := do(t, srv, "GET", "/messages/stream?timeout=1", bob.APIKey, nil)
	if status != http.StatusOK {
		t.Fatalf("stream returned %d: %s", status, raw)
	}
	empty := decode[handlers.InboxResponse](t, raw)
	if len(empty.Messages) != 0 {
		t.Fatalf("expected empty batch, got %s", raw)
	}
	if time.Since(start) < time.Second {
		t.Fatal("stream returned before its deadline")
	}

	// With a pending message the stream returns it already delivered.
	done := make(chan handlers.InboxResponse, 1)
	go func() {
		req, err := http.NewRequest("GET", srv.URL+"/messages/stream?timeout=10", nil)
		if err != nil {
			return
		}
		req.Header.Set("Authorization", "Bearer "+bob.APIKey)
		resp, err := srv.Client().Do(req)
		if err != nil {
			return
		}
		defer resp.Body.Close()
		var batch handlers.InboxResponse
		if json.NewDecoder(resp.Body).Decode(&batch) == nil {
			done <- batch
		}
	}()

	time.Sleep(100 * time.Millisecond)
	status, raw = sendMessage(t, srv, alice.APIKey, handlers.SendMessageRequest{
		ToAgentID: bob.AgentID,
		Content:   "are you there?",
		Category:  "schedule",
	})
	if status != http.StatusCreated {
		t.Fatalf("send returned %d: %s", status, raw)
	}

	select {
	case resp := <-done:
		if len(resp.Messages) != 1 || resp.Messages[0].Status != models.MessageDelivered {
			t.Fatalf("unexpected stream batch: %+v", resp)
		}
	case <-time.After(8 * time.Second):
		t.Fatal("stream did not wake for the new message")
	}
}

func TestThreadsHiddenAfterRemoval(t *testing.T) {
	srv := newTestServer(t)
	alice := registerAgent(t, srv, "alice@example.com", "Alice", "alice-agent")
	bob := registerAgent(t, srv, "bob@example.com", "Bob", "bob-agent")
	connID := connect(t, srv, alice.APIKey, bob.APIKey, "friends")

	status, raw := sendMessage(t, srv, alice.APIKey, handlers.SendMessageRequest{
		ToAgentID: bob.AgentID,
		Content:   "history",
		Category:  "schedule",
		Subject:   "catch up",
	})
	if status != http.StatusCreated {
		t.Fatalf("send returned %d: %s", status, raw)
	}
	threadID := decode[handlers.SendMessageResponse](t, raw).Message.ThreadID

	status, raw = do(t, srv, "GET", "/messages/threads", bob.APIKey, nil)
	if status != http.StatusOK {
		t.Fatalf("threads returned %d", status)
	}
	if n := len(decode[handlers.ThreadListResponse](t, raw).Threads); n != 1 {
		t.Fatalf("expected 1 thread, got %d", n)
	}

	if status, _ = do(t, srv, "DELETE", "/connections/"+connID, alice.APIKey, nil); status != http.StatusOK {
		t.Fatalf("remove returned %d", status)
	}

	status, raw = do(t, srv, "GET", "/messages/threads", bob.APIKey, nil)
	if status != http.StatusOK {
		t.Fatalf("threads returned %d", status)
	}
	if n := len(decode[handlers.ThreadListResponse](t, raw).Threads); n != 0 {
		t.Fatalf("expected no threads after removal, got %d", n)
	}

	if status, _ = do(t, srv, "GET", "/messages/threads/"+threadID, bob.APIKey, nil); status != http.StatusNotFound {
		t.Fatalf("expected 404 for thread on removed connection, got %d", status)
	}
}

func TestAnnouncements(t *testing.T) {
	srv := newTestServer(t)
	bob := registerAgent(t, srv, "bob@example.com", "Bob", "bob-agent")

	// Agents cannot publish announcements.
	status, _ := do(t, srv, "POST", "/announcements", "", map[string]string{
		"title": "fake", "content": "x",
	})
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 without admin key, got %d", status)
	}

	req, _ := http.NewRequest("POST", srv.URL+"/announcements",
		bytes.NewReader([]byte(`{"title":"Protocol update","content":"new guidance","version":"2"}`)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Key", "test-admin-key")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("announcement create returned %d", resp.StatusCode)
	}

	status, raw := do(t, srv, "GET", "/messages/inbox", bob.APIKey, nil)
	if status != http.StatusOK {
		t.Fatalf("inbox returned %d", status)
	}
	inbox := decode[handlers.InboxResponse](t, raw)
	if len(inbox.Announcements) != 1 || inbox.Announcements[0].Source != models.AnnouncementSource {
		t.Fatalf("unexpected announcements: %s", raw)
	}

	// Seen once, never again.
	status, raw = do(t, srv, "GET", "/messages/inbox", bob.APIKey, nil)
	if status != http.StatusOK {
		t.Fatalf("inbox returned %d", status)
	}
	if n := len(decode[handlers.InboxResponse](t, raw).Announcements); n != 0 {
		t.Fatalf("announcement delivered twice")
	}
}

func TestSendWithoutConnectionDenied(t *testing.T) {
	srv := newTestServer(t)
	alice := registerAgent(t, srv, "alice@example.com", "Alice", "alice-agent")
	mallory := registerAgent(t, srv, "mallory@example.com", "Mallory", "mallory-agent")

	status, _ := sendMessage(t, srv, mallory.APIKey, handlers.SendMessageRequest{
		ToAgentID: alice.AgentID,
		Content:   "hi stranger",
		Category:  "schedule",
	})
	if status != http.StatusForbidden {
		t.Fatalf("expected 403 without connection, got %d", status)
	}
}
