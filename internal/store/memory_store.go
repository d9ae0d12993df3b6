package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryBackend keeps everything in process memory. Default for development
// and the test suites; durable deployments use redis or sqlite.
type memoryBackend struct {
	mu       sync.RWMutex
	byID     map[string]*Message
	byChat   map[string][]string // message IDs per chat, insertion order
	metadata map[string]*ChatMetadata
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{
		byID:     make(map[string]*Message),
		byChat:   make(map[string][]string),
		metadata: make(map[string]*ChatMetadata),
	}
}

func (m *memoryBackend) UpsertMessage(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *msg
	if _, exists := m.byID[msg.ID]; !exists {
		m.byChat[msg.ChatID] = append(m.byChat[msg.ChatID], msg.ID)
	}
	m.byID[msg.ID] = &cp
	return nil
}

func (m *memoryBackend) RecentMessages(_ context.Context, chatID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byChat[chatID]
	msgs := make([]*Message, 0, len(ids))
	for _, id := range ids {
		if msg, ok := m.byID[id]; ok {
			cp := *msg
			msgs = append(msgs, &cp)
		}
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.After(msgs[j].Timestamp)
	})
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (m *memoryBackend) GetMetadata(_ context.Context, chatID string) (*ChatMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.metadata[chatID]
	if !ok {
		return nil, ErrNoRows
	}
	cp := *meta
	return &cp, nil
}

func (m *memoryBackend) UpdateMetadata(_ context.Context, chatID, lastMessage string, updatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.metadata[chatID]
	if !ok {
		meta = &ChatMetadata{ChatID: chatID}
		m.metadata[chatID] = meta
	}
	meta.LastMessage = lastMessage
	meta.UpdatedAt = updatedAt
	return nil
}

func (m *memoryBackend) SetTitleIfAbsent(_ context.Context, chatID, title string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.metadata[chatID]
	if !ok {
		meta = &ChatMetadata{ChatID: chatID}
		m.metadata[chatID] = meta
	}
	if meta.Title != "" {
		return false, nil
	}
	meta.Title = title
	return true, nil
}
