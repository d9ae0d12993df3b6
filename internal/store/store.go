// Package store persists chat messages and conversation metadata and guards
// final-message writes against duplicates.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"chatrelay-api/internal/metrics"
)

var ErrNoRows = fmt.Errorf("no rows in result set")

// Dedup guard tuning: the content-window path scans the most recent
// dedupScanLimit messages and treats an identical (role, content) written
// within dedupWindow as the same logical send.
const (
	dedupWindow    = 10 * time.Second
	dedupScanLimit = 5
)

type messageBackend interface {
	UpsertMessage(ctx context.Context, msg *Message) error
	RecentMessages(ctx context.Context, chatID string, limit int) ([]*Message, error)
}

type metadataBackend interface {
	GetMetadata(ctx context.Context, chatID string) (*ChatMetadata, error)
	UpdateMetadata(ctx context.Context, chatID, lastMessage string, updatedAt time.Time) error
	SetTitleIfAbsent(ctx context.Context, chatID, title string) (bool, error)
}

type closeableBackend interface {
	Close() error
}

// Store is the facade over the configured backend plus the optional
// recent-message cache.
type Store struct {
	messages messageBackend
	metadata metadataBackend
	cache    RecentCache
}

type Options struct {
	StoreMode     string // "memory", "redis", or "sqlite"
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	SQLitePath    string
}

func New(opts Options) (*Store, error) {
	mode := strings.ToLower(strings.TrimSpace(opts.StoreMode))
	switch mode {
	case "", "memory":
		mem := newMemoryBackend()
		return &Store{messages: mem, metadata: mem}, nil
	case "redis":
		rs, err := newRedisBackend(opts.RedisAddr, opts.RedisPassword, opts.RedisDB, opts.RedisPrefix)
		if err != nil {
			return nil, fmt.Errorf("failed to init redis store: %w", err)
		}
		return &Store{messages: rs, metadata: rs}, nil
	case "sqlite":
		sq, err := newSQLiteBackend(opts.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to init sqlite store: %w", err)
		}
		return &Store{messages: sq, metadata: sq}, nil
	default:
		return nil, fmt.Errorf("unknown store mode: %q", opts.StoreMode)
	}
}

// SetRecentCache installs a cache for the dedup guard's read window and the
// history hot path. Optional; the store works without one.
func (s *Store) SetRecentCache(cache RecentCache) {
	s.cache = cache
}

func (s *Store) Close() error {
	if closer, ok := s.messages.(closeableBackend); ok {
		return closer.Close()
	}
	return nil
}

// SaveFinal writes the final message for one logical send at most once.
//
// With a messageID (streaming path) the write is an upsert by identity, so
// retries replace rather than duplicate and the second write wins. Without
// one (non-streaming path) the guard scans the most recent messages and
// skips the insert when an identical (role, content) was written inside the
// dedup window; a failed scan is treated as "not a duplicate" so a possible
// duplicate is preferred over a lost message.
func (s *Store) SaveFinal(ctx context.Context, chatID, role, content, messageID string) (*Message, error) {
	if s == nil || s.messages == nil {
		return nil, fmt.Errorf("store not configured")
	}
	now := time.Now()

	if messageID != "" {
		msg := &Message{ID: messageID, ChatID: chatID, Role: role, Content: content, Timestamp: now}
		if err := s.messages.UpsertMessage(ctx, msg); err != nil {
			return nil, err
		}
		s.refreshCache(ctx, chatID)
		return msg, nil
	}

	recent, err := s.RecentMessages(ctx, chatID, dedupScanLimit)
	if err != nil {
		slog.Warn("Dedup scan failed, assuming not a duplicate", "chat_id", chatID, "error", err)
		metrics.ErrorsTotal.WithLabelValues("dedup_scan").Inc()
	} else {
		for _, m := range recent {
			if m.Role == role && m.Content == content && now.Sub(m.Timestamp) <= dedupWindow {
				slog.Debug("Suppressing duplicate save", "chat_id", chatID, "role", role)
				metrics.DedupSkips.WithLabelValues("content_window").Inc()
				return m, nil
			}
		}
	}

	msg := &Message{ID: uuid.NewString(), ChatID: chatID, Role: role, Content: content, Timestamp: now}
	if err := s.messages.UpsertMessage(ctx, msg); err != nil {
		return nil, err
	}
	s.refreshCache(ctx, chatID)
	return msg, nil
}

// RecentMessages returns up to limit messages for chatID, newest first,
// consulting the cache before the backend.
func (s *Store) RecentMessages(ctx context.Context, chatID string, limit int) ([]*Message, error) {
	if s == nil || s.messages == nil {
		return nil, fmt.Errorf("store not configured")
	}
	if s.cache != nil {
		if entry, ok := s.cache.Get(chatID); ok && len(entry.Messages) >= limit {
			return entry.Messages[:limit], nil
		}
	}
	msgs, err := s.messages.RecentMessages(ctx, chatID, limit)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Put(chatID, RecentEntry{Messages: msgs, UpdatedAt: time.Now()})
	}
	return msgs, nil
}

func (s *Store) refreshCache(ctx context.Context, chatID string) {
	if s.cache == nil {
		return
	}
	s.cache.Invalidate(chatID)
	msgs, err := s.messages.RecentMessages(ctx, chatID, dedupScanLimit)
	if err != nil {
		return
	}
	s.cache.Put(chatID, RecentEntry{Messages: msgs, UpdatedAt: time.Now()})
}

// TouchMetadata records the turn's last message on the chat summary record.
func (s *Store) TouchMetadata(ctx context.Context, chatID, lastMessage string) error {
	if s == nil || s.metadata == nil {
		return fmt.Errorf("store not configured")
	}
	return s.metadata.UpdateMetadata(ctx, chatID, lastMessage, time.Now())
}

// SetTitleIfAbsent writes the chat title only when none exists yet and
// reports whether this call set it.
func (s *Store) SetTitleIfAbsent(ctx context.Context, chatID, title string) (bool, error) {
	if s == nil || s.metadata == nil {
		return false, fmt.Errorf("store not configured")
	}
	return s.metadata.SetTitleIfAbsent(ctx, chatID, title)
}

// GetMetadata returns the chat summary record, ErrNoRows if absent.
func (s *Store) GetMetadata(ctx context.Context, chatID string) (*ChatMetadata, error) {
	if s == nil || s.metadata == nil {
		return nil, fmt.Errorf("store not configured")
	}
	return s.metadata.GetMetadata(ctx, chatID)
}
