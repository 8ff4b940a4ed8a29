package models

import "time"

// Permission levels, ordered from most to least permissive.
const (
	LevelAuto  = "auto"  // agent acts without checking with its human
	LevelAsk   = "ask"   // agent holds the message for human review
	LevelNever = "never" // hard block, enforced server-side
)

// ValidLevel reports whether s is a recognized permission level.
func ValidLevel(s string) bool {
	return s == LevelAuto || s == LevelAsk || s == LevelNever
}

// MostRestrictive returns the more restrictive of two levels.
func MostRestrictive(a, b string) string {
	rank := func(l string) int {
		switch l {
		case LevelNever:
			return 2
		case LevelAsk:
			return 1
		default:
			return 0
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

// Permission is one user's sharing rule for one category on one
// connection. Level gates what the user's agents SEND; InboundLevel
// gates what they ACCEPT. Rows are per-user, so every agent under the
// same user sees identical rules.
type Permission struct {
	ID           string    `json:"-"`
	ConnectionID string    `json:"-"`
	UserID       string    `json:"-"`
	Category     string    `json:"category"`
	Level        string    `json:"level"`
	InboundLevel string    `json:"inbound_level"`
	UpdatedAt    time.Time `json:"updated_at"`
}
