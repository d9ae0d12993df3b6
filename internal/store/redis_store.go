package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisBackend lays messages out as one JSON value per message key plus a
// per-chat sorted set ordered by write time. ZADD on an existing member only
// updates its score, so the identity-path upsert is a plain SET+ZADD.
type redisBackend struct {
	client *redis.Client
	prefix string
}

func newRedisBackend(addr, password string, db int, prefix string) (*redisBackend, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "chatrelay:"
	}
	if !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &redisBackend{client: client, prefix: prefix}, nil
}

func (s *redisBackend) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *redisBackend) messageKey(id string) string {
	return s.prefix + "msg:" + id
}

func (s *redisBackend) chatIndexKey(chatID string) string {
	return s.prefix + "chat:" + chatID + ":index"
}

func (s *redisBackend) chatMetaKey(chatID string) string {
	return s.prefix + "chat:" + chatID + ":meta"
}

func (s *redisBackend) UpsertMessage(ctx context.Context, msg *Message) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("redis store not configured")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.messageKey(msg.ID), data, 0)
	pipe.ZAdd(ctx, s.chatIndexKey(msg.ChatID), redis.Z{
		Score:  float64(msg.Timestamp.UnixNano()),
		Member: msg.ID,
	})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisBackend) RecentMessages(ctx context.Context, chatID string, limit int) ([]*Message, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("redis store not configured")
	}
	if limit <= 0 {
		limit = dedupScanLimit
	}
	ids, err := s.client.ZRevRange(ctx, s.chatIndexKey(chatID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.messageKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	msgs := make([]*Message, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok || raw == "" {
			continue // index entry whose message key expired or was removed
		}
		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			continue
		}
		msgs = append(msgs, &msg)
	}
	return msgs, nil
}

func (s *redisBackend) GetMetadata(ctx context.Context, chatID string) (*ChatMetadata, error) {
	if s == nil || s.client == nil {
		return nil, fmt.Errorf("redis store not configured")
	}
	fields, err := s.client.HGetAll(ctx, s.chatMetaKey(chatID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrNoRows
	}
	meta := &ChatMetadata{
		ChatID:      chatID,
		LastMessage: fields["last_message"],
		Title:       fields["title"],
	}
	if raw := fields["updated_at"]; raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			meta.UpdatedAt = t
		}
	}
	return meta, nil
}

func (s *redisBackend) UpdateMetadata(ctx context.Context, chatID, lastMessage string, updatedAt time.Time) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("redis store not configured")
	}
	return s.client.HSet(ctx, s.chatMetaKey(chatID),
		"last_message", lastMessage,
		"updated_at", updatedAt.Format(time.RFC3339Nano),
	).Err()
}

func (s *redisBackend) SetTitleIfAbsent(ctx context.Context, chatID, title string) (bool, error) {
	if s == nil || s.client == nil {
		return false, fmt.Errorf("redis store not configured")
	}
	// HSETNX gives set-if-absent directly; an existing empty title counts
	// as absent, so clear it first if empty.
	set, err := s.client.HSetNX(ctx, s.chatMetaKey(chatID), "title", title).Result()
	if err != nil {
		return false, err
	}
	if set {
		return true, nil
	}
	existing, err := s.client.HGet(ctx, s.chatMetaKey(chatID), "title").Result()
	if err != nil && err != redis.Nil {
		return false, err
	}
	if strings.TrimSpace(existing) != "" {
		return false, nil
	}
	return true, s.client.HSet(ctx, s.chatMetaKey(chatID), "title", title).Err()
}
