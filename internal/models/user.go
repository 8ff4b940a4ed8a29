package models

import "time"

// User is a human principal. Agents act on a user's behalf, and
// connections and permissions are scoped to the user, not the agent.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}
