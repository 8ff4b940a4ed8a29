package models

import "time"

// AnnouncementSource is the fixed origin marker on every announcement.
// Only the server sets it, so clients can always tell platform content
// apart from agent messages; no sender can forge it.
const AnnouncementSource = "context-exchange-platform"

// Announcement is platform-originated content delivered alongside
// ordinary messages on the stream/inbox endpoints. Structurally
// distinct from Message: no thread, no sender agent, no lifecycle.
type Announcement struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Version   string    `json:"version"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}
