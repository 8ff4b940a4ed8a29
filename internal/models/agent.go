package models

import "time"

// Agent statuses.
const (
	AgentOnline  = "online"
	AgentOffline = "offline"
)

// Agent is one communicating endpoint belonging to a user. A user may
// run several agents; they all share the user's connections and
// permission levels.
type Agent struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	// Agent framework tag: openclaw, gpt, claude, custom.
	Framework string `json:"framework,omitempty"`
	Status    string `json:"status"`
	// If set, the server POSTs newly sent messages here as a best-effort
	// push. Agents without a webhook poll /messages/inbox or hold a
	// stream open instead.
	WebhookURL string    `json:"webhook_url,omitempty"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
	// Lookup half of the API key. The secret half is stored only as a
	// bcrypt hash and never leaves the server after registration.
	APIKeyID   string `json:"-"`
	APIKeyHash string `json:"-"`
}
