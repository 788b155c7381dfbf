package memory

import (
	"context"
	"time"
)

// TranscriptEntry is one persisted utterance, learner or tutor side.
type TranscriptEntry struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Role        string    `json:"role"` // "learner" or "tutor"
	Topic       string    `json:"topic,omitempty"`
	Content     string    `json:"content"`
	FromCache   bool      `json:"from_cache"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists conversation transcripts. The orchestration core never
// requires durability; callers use this for history and audit only.
type Store interface {
	SaveEntry(ctx context.Context, entry TranscriptEntry) error
	RecentEntries(ctx context.Context, sessionID string, limit int) ([]TranscriptEntry, error)
	Close() error
}
