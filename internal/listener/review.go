package listener

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/context-exchange/cex/clients/go/cex"
)

// maxPending caps the review file so an unattended daemon cannot grow
// it without bound. Oldest entries are dropped first.
const maxPending = 500

// PendingMessage is an ask-level message awaiting human review.
type PendingMessage struct {
	Message    cex.Message `json:"message"`
	ReceivedAt time.Time   `json:"received_at"`
	// Set when the capability failed repeatedly and the message was
	// parked here instead.
	FailureNote string `json:"failure_note,omitempty"`
}

// ReviewFile is the on-disk shape of inbox.json.
type ReviewFile struct {
	Messages      []PendingMessage   `json:"messages"`
	Announcements []cex.Announcement `json:"announcements"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// ReviewStore persists pending-review messages to a JSON file. The
// daemon is the only writer; writes go through a temp file and rename
// so a human reading the file never sees a partial write.
type ReviewStore struct {
	mu   sync.Mutex
	path string
}

func NewReviewStore(path string) *ReviewStore {
	return &ReviewStore{path: path}
}

// Add appends a message for review.
func (s *ReviewStore) Add(msg cex.Message, failureNote string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.load()
	if err != nil {
		return err
	}

	file.Messages = append(file.Messages, PendingMessage{
		Message:     msg,
		ReceivedAt:  time.Now().UTC(),
		FailureNote: failureNote,
	})
	if len(file.Messages) > maxPending {
		file.Messages = file.Messages[len(file.Messages)-maxPending:]
	}

	return s.save(file)
}

// AddAnnouncements appends platform announcements.
func (s *ReviewStore) AddAnnouncements(anns []cex.Announcement) error {
	if len(anns) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.load()
	if err != nil {
		return err
	}
	file.Announcements = append(file.Announcements, anns...)
	if len(file.Announcements) > maxPending {
		file.Announcements = file.Announcements[len(file.Announcements)-maxPending:]
	}
	return s.save(file)
}

// Pending returns the current review file contents.
func (s *ReviewStore) Pending() (*ReviewFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *ReviewStore) load() (*ReviewFile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ReviewFile{}, nil
		}
		return nil, err
	}
	var file ReviewFile
	if err := json.Unmarshal(data, &file); err != nil {
		// A corrupt file should not wedge the daemon; start fresh.
		return &ReviewFile{}, nil
	}
	return &file, nil
}

func (s *ReviewStore) save(file *ReviewFile) error {
	file.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
