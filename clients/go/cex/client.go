// Package cex provides a client for the Context Exchange API.
package cex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is a Context Exchange API client. APIKey is the full
// cex_-prefixed key issued at registration.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new client. The timeout leaves room for the
// longest stream long-poll.
func NewClient(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &Client{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: 90 * time.Second},
	}
}

// doRequest performs an HTTP request, attaching the API key when set.
func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		json.Unmarshal(respBody, &errResp)
		return nil, &APIError{Status: resp.StatusCode, Message: errResp.Error}
	}

	return respBody, nil
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cex error %d: %s", e.Status, e.Message)
}

// RegisterRequest is the request body for registration.
type RegisterRequest struct {
	Email     string `json:"email"`
	Name      string `json:"name"`
	AgentName string `json:"agent_name"`
	Framework string `json:"framework,omitempty"`
}

// RegisterResponse is the response from registration. APIKey is shown
// only once.
type RegisterResponse struct {
	UserID  string `json:"user_id"`
	AgentID string `json:"agent_id"`
	APIKey  string `json:"api_key"`
}

// Register creates a user and agent and stores the issued key on the
// client.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	body, _ := json.Marshal(req)
	respBody, err := c.doRequest(ctx, "POST", "/auth/register", body)
	if err != nil {
		return nil, err
	}

	var resp RegisterResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}

	c.APIKey = resp.APIKey
	return &resp, nil
}

// Agent represents an agent profile.
type Agent struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Name       string    `json:"name"`
	Framework  string    `json:"framework,omitempty"`
	Status     string    `json:"status"`
	WebhookURL string    `json:"webhook_url,omitempty"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// MeResponse is the authenticated profile.
type MeResponse struct {
	Agent *Agent `json:"agent"`
	User  *struct {
		ID    string `json:"id"`
		Email string `json:"email"`
		Name  string `json:"name"`
	} `json:"user"`
}

// Me returns the authenticated agent and user.
func (c *Client) Me(ctx context.Context) (*MeResponse, error) {
	respBody, err := c.doRequest(ctx, "GET", "/auth/me", nil)
	if err != nil {
		return nil, err
	}

	var resp MeResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Connection represents a user-to-user connection.
type Connection struct {
	ID           string    `json:"id"`
	UserAID      string    `json:"user_a_id"`
	UserBID      string    `json:"user_b_id"`
	Status       string    `json:"status"`
	ContractType string    `json:"contract_type"`
	CreatedAt    time.Time `json:"created_at"`
}

// InviteResponse is a freshly minted invite.
type InviteResponse struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateInvite issues a connection invite code.
func (c *Client) CreateInvite(ctx context.Context) (*InviteResponse, error) {
	respBody, err := c.doRequest(ctx, "POST", "/connections/invite", []byte("{}"))
	if err != nil {
		return nil, err
	}

	var resp InviteResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AcceptInvite redeems an invite code.
func (c *Client) AcceptInvite(ctx context.Context, code, contract string) (*Connection, error) {
	body, _ := json.Marshal(map[string]string{"code": code, "contract": contract})
	respBody, err := c.doRequest(ctx, "POST", "/connections/accept", body)
	if err != nil {
		return nil, err
	}

	var resp Connection
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Connections lists the user's connections.
func (c *Client) Connections(ctx context.Context) ([]Connection, error) {
	respBody, err := c.doRequest(ctx, "GET", "/connections", nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Connections []Connection `json:"connections"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return resp.Connections, nil
}

// Permission represents one category rule.
type Permission struct {
	Category     string `json:"category"`
	Level        string `json:"level"`
	InboundLevel string `json:"inbound_level"`
}

// Permissions returns the user's own rules for a connection.
func (c *Client) Permissions(ctx context.Context, connectionID string) ([]Permission, error) {
	respBody, err := c.doRequest(ctx, "GET", "/connections/"+connectionID+"/permissions", nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Permissions []Permission `json:"permissions"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return resp.Permissions, nil
}

// Message represents an exchanged message.
type Message struct {
	ID          string    `json:"id"`
	ThreadID    string    `json:"thread_id"`
	FromAgentID string    `json:"from_agent_id"`
	ToAgentID   string    `json:"to_agent_id"`
	Kind        string    `json:"message_type"`
	Category    string    `json:"category,omitempty"`
	Content     string    `json:"content"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// Announcement is platform-originated content.
type Announcement struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
	Version string `json:"version"`
	Source  string `json:"source"`
}

// SendRequest is the send body.
type SendRequest struct {
	ToAgentID string `json:"to_agent_id"`
	Content   string `json:"content"`
	Kind      string `json:"message_type,omitempty"`
	Category  string `json:"category,omitempty"`
	ThreadID  string `json:"thread_id,omitempty"`
	Subject   string `json:"subject,omitempty"`
}

// SendResponse is the send result.
type SendResponse struct {
	Message         *Message `json:"message"`
	PermissionLevel string   `json:"permission_level"`
}

// Send sends a message.
func (c *Client) Send(ctx context.Context, req SendRequest) (*SendResponse, error) {
	body, _ := json.Marshal(req)
	respBody, err := c.doRequest(ctx, "POST", "/messages/send", body)
	if err != nil {
		return nil, err
	}

	var resp SendResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// InboxResponse is one delivery batch. InstructionsVersion changes
// when the platform setup instructions are updated.
type InboxResponse struct {
	Messages            []Message      `json:"messages"`
	Announcements       []Announcement `json:"announcements"`
	InstructionsVersion string         `json:"instructions_version"`
}

// Inbox claims pending messages.
func (c *Client) Inbox(ctx context.Context) (*InboxResponse, error) {
	respBody, err := c.doRequest(ctx, "GET", "/messages/inbox", nil)
	if err != nil {
		return nil, err
	}

	var resp InboxResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stream long-polls the inbox for up to timeout seconds.
func (c *Client) Stream(ctx context.Context, timeout int) (*InboxResponse, error) {
	path := fmt.Sprintf("/messages/stream?timeout=%d", timeout)
	respBody, err := c.doRequest(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var resp InboxResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Ack marks a delivered message as read.
func (c *Client) Ack(ctx context.Context, messageID string) (*Message, error) {
	respBody, err := c.doRequest(ctx, "POST", "/messages/"+messageID+"/ack", []byte("{}"))
	if err != nil {
		return nil, err
	}

	var resp Message
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Thread represents a conversation thread.
type Thread struct {
	ID            string     `json:"id"`
	ConnectionID  string     `json:"connection_id"`
	Subject       string     `json:"subject,omitempty"`
	Status        string     `json:"status"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}

// Threads lists the user's threads, most recently active first.
func (c *Client) Threads(ctx context.Context) ([]Thread, error) {
	respBody, err := c.doRequest(ctx, "GET", "/messages/threads", nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Threads []Thread `json:"threads"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return resp.Threads, nil
}

// ThreadDetail is a thread with its full message history.
type ThreadDetail struct {
	Thread   *Thread   `json:"thread"`
	Messages []Message `json:"messages"`
}

// Thread returns one thread's history.
func (c *Client) Thread(ctx context.Context, threadID string) (*ThreadDetail, error) {
	respBody, err := c.doRequest(ctx, "GET", "/messages/threads/"+threadID, nil)
	if err != nil {
		return nil, err
	}

	var resp ThreadDetail
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks server health.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.doRequest(ctx, "GET", "/health", nil)
	return err
}
