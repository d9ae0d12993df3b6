package handler

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"chatrelay-api/internal/middleware"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var chatUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandleChatSocket upgrades the connection and forwards the chat's live
// chunks until either side goes away. Subscribers attach mid-stream with no
// backlog: only chunks published after the upgrade are delivered.
func (h *Handler) HandleChatSocket(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chatID")
	if chatID == "" {
		http.Error(w, "Chat ID required", http.StatusBadRequest)
		return
	}

	logger := middleware.LogWithTrace(r.Context()).With("chat_id", chatID)
	conn, err := chatUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("Websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := h.caster.Subscribe(chatID)
	defer h.caster.Unsubscribe(sub)
	logger.Debug("Websocket subscriber attached")

	// Reader goroutine: the client sends nothing meaningful, but reading is
	// what surfaces close frames and dead peers.
	readClosed := make(chan struct{})
	go func() {
		defer close(readClosed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case chunk := <-sub.C():
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(chunk); err != nil {
				logger.Debug("Websocket write failed", "error", err)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-sub.Done():
			// Evicted by the broadcaster (slow consumer at final chunk).
			logger.Warn("Websocket subscriber evicted")
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber evicted"),
				time.Now().Add(wsWriteTimeout))
			return
		case <-readClosed:
			logger.Debug("Websocket client disconnected")
			return
		}
	}
}
