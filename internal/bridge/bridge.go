// Package bridge relays a blocking provider stream read into an ordered,
// channel-based hand-off consumed by the turn's orchestration goroutine.
package bridge

import (
	"context"
	"io"
	"log/slog"

	"chatrelay-api/internal/sse"
)

const queueSize = 128

// Item is one hand-off unit. Either a delta, or a terminal sentinel that may
// carry the transport error which ended the stream. Raw errors never cross
// the boundary any other way.
type Item struct {
	Delta    string
	Terminal bool
	Err      error
}

// Relay owns the single-producer/single-consumer hand-off queue for one
// streamed turn. The dedicated reader goroutine is the only producer; the
// turn's consumer loop is the only consumer, so FIFO order on the channel is
// exactly the framer's production order.
type Relay struct {
	items chan Item
}

// Start spawns the dedicated reader goroutine over body and returns the
// relay. The body is closed by the reader when the stream ends. The items
// channel is closed after the terminal sentinel has been delivered.
func Start(ctx context.Context, body io.ReadCloser) *Relay {
	r := &Relay{items: make(chan Item, queueSize)}
	go r.pump(ctx, body)
	return r
}

// Items returns the hand-off queue. The last received item before close has
// Terminal set; it is sent exactly once.
func (r *Relay) Items() <-chan Item {
	return r.items
}

func (r *Relay) pump(ctx context.Context, body io.ReadCloser) {
	defer close(r.items)
	defer body.Close()

	framer := sse.NewFramer(body)
	for {
		delta, err := framer.Next()
		if err != nil {
			if err == io.EOF {
				r.sendTerminal(Item{Terminal: true})
			} else {
				slog.Warn("Provider stream read failed", "error", err)
				r.sendTerminal(Item{Terminal: true, Err: err})
			}
			return
		}
		if !r.send(ctx, Item{Delta: delta}) {
			return
		}
	}
}

// sendTerminal always delivers. The stream that just ended is frequently the
// one whose context expired, and a select against ctx.Done() here could drop
// the sentinel and its error. The consumer drains the queue until close, so
// the blocking send cannot wedge.
func (r *Relay) sendTerminal(it Item) {
	r.items <- it
}

func (r *Relay) send(ctx context.Context, it Item) bool {
	select {
	case r.items <- it:
		return true
	case <-ctx.Done():
		return false
	}
}
