package models

import "time"

// Message lifecycle states. Transitions are monotonic:
// sent -> delivered -> read. A message is delivered exactly when a
// recipient-side fetch returns it, and read exactly when the recipient
// acknowledges it.
const (
	MessageSent      = "sent"
	MessageDelivered = "delivered"
	MessageRead      = "read"
)

// Message kinds. Advisory only, never affecting routing.
const (
	KindText     = "text"
	KindQuery    = "query"
	KindResponse = "response"
	KindUpdate   = "update"
	KindRequest  = "request"
)

// ValidKind reports whether k is a recognized message kind.
func ValidKind(k string) bool {
	switch k {
	case KindText, KindQuery, KindResponse, KindUpdate, KindRequest:
		return true
	}
	return false
}

// Message is a single exchange within a thread. IDs are ULIDs, so
// within a thread lexical ID order is send order.
type Message struct {
	ID          string `json:"id"`
	ThreadID    string `json:"thread_id"`
	FromAgentID string `json:"from_agent_id"`
	ToAgentID   string `json:"to_agent_id"`
	Kind        string `json:"message_type"`
	// Category drives permission evaluation. Empty means uncategorized,
	// which is evaluated against the fallback category, never waved
	// through.
	Category       string     `json:"category,omitempty"`
	Content        string     `json:"content"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
}
