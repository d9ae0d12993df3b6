// Package broadcast fans stream chunks out to per-conversation subscribers.
// It is a pure pub/sub relay keyed by chat ID and knows nothing about
// persistence.
package broadcast

import (
	"log/slog"
	"sync"

	"chatrelay-api/internal/metrics"
)

// Chunk is the ephemeral notification delivered to subscribers. Content is
// cumulative so a client that missed earlier deltas can resynchronize; Delta
// is the incremental piece just produced.
type Chunk struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	Delta     string `json:"delta"`
	Content   string `json:"content"`
	IsFinal   bool   `json:"isFinal"`
	Error     string `json:"error,omitempty"`
}

// Subscriber is a live delivery target bound to one chat. It observes chunks
// published after it subscribed; there is no backlog replay.
type Subscriber struct {
	chatID    string
	ch        chan Chunk
	done      chan struct{}
	closeOnce sync.Once
}

// C returns the subscriber's delivery channel.
func (s *Subscriber) C() <-chan Chunk { return s.ch }

// Done is closed when the subscriber has been removed from the registry.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// ChatID returns the conversation this subscriber is bound to.
func (s *Subscriber) ChatID() string { return s.chatID }

// Broadcaster maintains the per-conversation subscriber registry.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscriber]struct{}
	buffer int
}

// New creates a broadcaster whose subscribers buffer up to buffer chunks.
func New(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 128
	}
	return &Broadcaster{
		subs:   make(map[string]map[*Subscriber]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a new live subscriber for chatID.
func (b *Broadcaster) Subscribe(chatID string) *Subscriber {
	sub := &Subscriber{
		chatID: chatID,
		ch:     make(chan Chunk, b.buffer),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	if b.subs[chatID] == nil {
		b.subs[chatID] = make(map[*Subscriber]struct{})
	}
	b.subs[chatID][sub] = struct{}{}
	b.mu.Unlock()
	metrics.SubscribersActive.Inc()
	return sub
}

// Unsubscribe removes sub from the registry and signals its Done channel.
// Safe to call more than once.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	removed := false
	if set, ok := b.subs[sub.chatID]; ok {
		if _, ok := set[sub]; ok {
			delete(set, sub)
			removed = true
		}
	}
	b.mu.Unlock()
	if removed {
		metrics.SubscribersActive.Dec()
	}
	sub.closeOnce.Do(func() { close(sub.done) })
}

// Publish delivers the chunk to every current subscriber of chatID, in
// registration-independent order, without blocking the producer. A subscriber
// whose buffer is full loses the chunk; if the lost chunk was final the
// subscriber is dropped, since it can never observe the turn's completion.
func (b *Broadcaster) Publish(chatID string, c Chunk) {
	b.mu.RLock()
	targets := make([]*Subscriber, 0, len(b.subs[chatID]))
	for sub := range b.subs[chatID] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.ch <- c:
		default:
			metrics.ChunksDropped.Inc()
			if c.IsFinal {
				slog.Warn("Dropping slow subscriber on final chunk", "chat_id", chatID, "message_id", c.MessageID)
				b.Unsubscribe(sub)
			} else {
				slog.Debug("Chunk dropped for slow subscriber", "chat_id", chatID, "message_id", c.MessageID)
			}
		}
	}
	metrics.ChunksPublished.Inc()
}

// Subscribers reports the number of live subscribers for chatID.
func (b *Broadcaster) Subscribers(chatID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[chatID])
}

// SweepIdle removes chat entries that no longer have subscribers and returns
// how many were removed. Called periodically by the server janitor.
func (b *Broadcaster) SweepIdle() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for chatID, set := range b.subs {
		if len(set) == 0 {
			delete(b.subs, chatID)
			removed++
		}
	}
	return removed
}
