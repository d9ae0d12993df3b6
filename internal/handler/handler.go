// Package handler exposes the chat relay's HTTP surface.
package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chatrelay-api/internal/broadcast"
	"chatrelay-api/internal/config"
	"chatrelay-api/internal/metrics"
	"chatrelay-api/internal/middleware"
	"chatrelay-api/internal/perf"
	"chatrelay-api/internal/pipeline"
	"chatrelay-api/internal/store"
)

const defaultHistoryLimit = 50
const maxHistoryLimit = 200

type Handler struct {
	config   *config.Config
	pipeline *pipeline.Pipeline
	store    *store.Store
	caster   *broadcast.Broadcaster
}

func New(cfg *config.Config, p *pipeline.Pipeline, st *store.Store, caster *broadcast.Broadcaster) *Handler {
	return &Handler{
		config:   cfg,
		pipeline: p,
		store:    st,
		caster:   caster,
	}
}

// Register mounts the API routes. The concurrency limiter guards only the
// turn-starting endpoint; history and websocket reads stay cheap.
func (h *Handler) Register(mux *http.ServeMux, limiter *middleware.ConcurrencyLimiter) {
	send := h.HandleSendMessage
	if limiter != nil {
		send = limiter.Limit(send)
	}
	mux.HandleFunc("POST /v1/chats/{chatID}/messages", send)
	mux.HandleFunc("GET /v1/chats/{chatID}/messages", h.HandleHistory)
	mux.HandleFunc("GET /v1/chats/{chatID}/ws", h.HandleChatSocket)
	mux.HandleFunc("GET /health", h.HandleHealth)
}

type sendMessageRequest struct {
	Content  string `json:"content"`
	Language string `json:"language,omitempty"`
	Stream   *bool  `json:"stream,omitempty"`
}

// HandleSendMessage starts one turn. Streaming turns return 202 immediately
// with the minted message ID; chunks arrive on the chat's websocket.
// Non-streaming turns block and return the stored message.
func (h *Handler) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	chatID := r.PathValue("chatID")
	if chatID == "" {
		http.Error(w, "Chat ID required", http.StatusBadRequest)
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if strings.TrimSpace(req.Content) == "" {
		http.Error(w, "Content required", http.StatusBadRequest)
		return
	}

	stream := true
	if req.Stream != nil {
		stream = *req.Stream
	}

	res, err := h.pipeline.StartTurn(r.Context(), pipeline.TurnRequest{
		ChatID:   chatID,
		Content:  req.Content,
		Language: req.Language,
		Stream:   stream,
	})
	if err != nil {
		middleware.LogWithTrace(r.Context()).Warn("Turn rejected", "chat_id", chatID, "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	status := http.StatusOK
	if res.Streaming {
		status = http.StatusAccepted
	}
	observeRequest(r, "send_message", status, start)
	h.writeJSON(w, status, res)
}

// HandleHistory returns the chat's most recent messages, newest first.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	chatID := r.PathValue("chatID")
	if chatID == "" {
		http.Error(w, "Chat ID required", http.StatusBadRequest)
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	msgs, err := h.store.RecentMessages(r.Context(), chatID, limit)
	if err != nil {
		middleware.LogWithTrace(r.Context()).Error("Failed to load history", "chat_id", chatID, "error", err)
		http.Error(w, "Failed to load messages", http.StatusInternalServerError)
		return
	}

	resp := map[string]interface{}{
		"chatId":   chatID,
		"messages": msgs,
	}
	if meta, err := h.store.GetMetadata(r.Context(), chatID); err == nil {
		resp["title"] = meta.Title
		resp["updatedAt"] = meta.UpdatedAt
	}
	observeRequest(r, "history", http.StatusOK, start)
	h.writeJSON(w, http.StatusOK, resp)
}

// HandleHealth is the liveness probe.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// observeRequest records the request counters under a fixed route name so
// chat IDs never become label values.
func observeRequest(r *http.Request, route string, status int, start time.Time) {
	metrics.RequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
	metrics.RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	buf := perf.AcquireByteBuffer()
	defer perf.ReleaseByteBuffer(buf)

	if err := json.NewEncoder(buf).Encode(v); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}
