package store

import "time"

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is the durable record of one chat message. ID doubles as the
// message identity: streamed sends carry the identity minted at turn start,
// appended sends get a fresh one at write time.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatMetadata is the per-conversation summary record, mutated once per turn
// after message persistence.
type ChatMetadata struct {
	ChatID      string    `json:"chat_id"`
	LastMessage string    `json:"last_message"`
	UpdatedAt   time.Time `json:"updated_at"`
	Title       string    `json:"title,omitempty"`
}

// RecentEntry is a cached snapshot of a chat's most recent messages, newest
// first.
type RecentEntry struct {
	Messages  []*Message
	UpdatedAt time.Time
}

// RecentCache caches recent-message snapshots per chat. Implementations live
// in internal/recentcache.
type RecentCache interface {
	Get(chatID string) (RecentEntry, bool)
	Put(chatID string, entry RecentEntry)
	Invalidate(chatID string)
}
