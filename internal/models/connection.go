package models

import "time"

// Connection statuses.
const (
	ConnectionPending = "pending"
	ConnectionActive  = "active"
	ConnectionRemoved = "removed"
)

// Connection is the symmetric link between two users. Either side may
// remove it; removal is a status flip, never a delete, and a removed
// connection refuses all new sends and hides its thread history.
type Connection struct {
	ID           string    `json:"id"`
	UserAID      string    `json:"user_a_id"`
	UserBID      string    `json:"user_b_id"`
	Status       string    `json:"status"`
	ContractType string    `json:"contract_type"`
	CreatedAt    time.Time `json:"created_at"`
}

// OtherUser returns the user on the far side of the connection.
func (c *Connection) OtherUser(userID string) string {
	if c.UserAID == userID {
		return c.UserBID
	}
	return c.UserAID
}

// HasUser reports whether the given user is one of the two sides.
func (c *Connection) HasUser(userID string) bool {
	return c.UserAID == userID || c.UserBID == userID
}

// Invite is a single-use code that lets another user connect with the
// inviter. Expires after a configured number of hours.
type Invite struct {
	ID           string    `json:"id"`
	Code         string    `json:"code"`
	FromUserID   string    `json:"from_user_id"`
	UsedByUserID string    `json:"used_by_user_id,omitempty"`
	Used         bool      `json:"used"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}
