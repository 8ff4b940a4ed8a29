package models

import "time"

// Thread groups messages under one connection, optionally with a
// human-readable subject. Created implicitly on the first message of a
// new conversation and never deleted.
type Thread struct {
	ID            string     `json:"id"`
	ConnectionID  string     `json:"connection_id"`
	Subject       string     `json:"subject,omitempty"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}
