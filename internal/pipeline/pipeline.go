// Package pipeline orchestrates one conversation turn: provider call, chunk
// fan-out, dedup-guarded persistence, and the title follow-up.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatrelay-api/internal/bridge"
	"chatrelay-api/internal/broadcast"
	"chatrelay-api/internal/config"
	"chatrelay-api/internal/debug"
	"chatrelay-api/internal/metrics"
	"chatrelay-api/internal/middleware"
	"chatrelay-api/internal/perf"
	"chatrelay-api/internal/provider"
	"chatrelay-api/internal/store"
	"chatrelay-api/internal/upstream"
)

// Error kinds surfaced on the final chunk.
const (
	ErrKindStreamFailed = "stream_failed"
)

// finalizeTimeout bounds the persistence and title work that runs after the
// stream ended, independently of the turn's own deadline.
const finalizeTimeout = 30 * time.Second

// Generator is the provider surface the pipeline needs.
type Generator interface {
	StreamGenerate(ctx context.Context, req provider.GenRequest) (io.ReadCloser, error)
	Generate(ctx context.Context, req provider.GenRequest) (string, error)
}

// Pipeline runs turns. One instance per process.
type Pipeline struct {
	cfg    *config.Config
	gen    Generator
	store  *store.Store
	caster *broadcast.Broadcaster
	wg     sync.WaitGroup
}

// TurnRequest describes one user prompt -> assistant reply cycle.
type TurnRequest struct {
	ChatID   string
	Content  string
	Language string
	Stream   bool
}

// TurnResult is returned to the caller. Message is set only on the
// non-streaming path.
type TurnResult struct {
	MessageID string         `json:"messageId"`
	RequestID string         `json:"requestId"`
	Streaming bool           `json:"streaming"`
	Message   *store.Message `json:"message,omitempty"`
}

func New(cfg *config.Config, gen Generator, st *store.Store, caster *broadcast.Broadcaster) *Pipeline {
	return &Pipeline{
		cfg:    cfg,
		gen:    gen,
		store:  st,
		caster: caster,
	}
}

// StartTurn mints the turn's message identity, persists the user prompt, and
// either runs the blocking non-streaming call or hands off to the background
// stream consumer. The streaming turn is detached from the caller's request
// context: once started it runs to provider completion or failure.
func (p *Pipeline) StartTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if strings.TrimSpace(req.ChatID) == "" {
		return nil, fmt.Errorf("chat id is required")
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("prompt content is required")
	}

	requestID := uuid.NewString()
	messageID := uuid.NewString()
	logger := middleware.LogWithTrace(ctx).With("chat_id", req.ChatID, "request_id", requestID)

	// The user prompt goes through the content-window guard so a client
	// retry racing this call cannot double-insert it.
	if _, err := p.store.SaveFinal(ctx, req.ChatID, store.RoleUser, req.Content, ""); err != nil {
		logger.Warn("Failed to persist user message", "error", err)
		metrics.ErrorsTotal.WithLabelValues("persist_user").Inc()
	}

	genReq := provider.GenRequest{Contents: provider.UserText(req.Content)}
	if lang := strings.TrimSpace(req.Language); lang != "" {
		genReq.SystemInstruction = "Respond in " + lang + "."
	}

	if !req.Stream {
		msg, err := p.runSync(ctx, req, genReq)
		if err != nil {
			return nil, err
		}
		return &TurnResult{MessageID: msg.ID, RequestID: requestID, Streaming: false, Message: msg}, nil
	}

	turnCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Duration(p.cfg.StreamTimeout)*time.Second)

	body, err := p.streamThroughBreaker(turnCtx, genReq)
	if err != nil {
		cancel()
		metrics.TurnsTotal.WithLabelValues("stream", "error").Inc()
		return nil, fmt.Errorf("start provider stream: %w", err)
	}

	p.wg.Add(1)
	metrics.ActiveTurns.Inc()
	go func() {
		defer cancel()
		p.runStream(turnCtx, req, genReq, messageID, body)
	}()

	return &TurnResult{MessageID: messageID, RequestID: requestID, Streaming: true}, nil
}

// Wait blocks until all in-flight streamed turns and their follow-up tasks
// have finished. Used during graceful shutdown.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

func (p *Pipeline) streamThroughBreaker(ctx context.Context, genReq provider.GenRequest) (io.ReadCloser, error) {
	model := genReq.Model
	if model == "" {
		model = p.cfg.ProviderModel
	}
	res, err := upstream.GetModelBreaker(model).Execute(func() (interface{}, error) {
		return p.gen.StreamGenerate(ctx, genReq)
	})
	if err != nil {
		return nil, err
	}
	return res.(io.ReadCloser), nil
}

func (p *Pipeline) generateThroughBreaker(ctx context.Context, genReq provider.GenRequest) (string, error) {
	model := genReq.Model
	if model == "" {
		model = p.cfg.ProviderModel
	}
	res, err := upstream.GetModelBreaker(model).Execute(func() (interface{}, error) {
		return p.gen.Generate(ctx, genReq)
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

// runSync is the degraded non-bridged path: one blocking call, saved through
// the content-window guard.
func (p *Pipeline) runSync(ctx context.Context, req TurnRequest, genReq provider.GenRequest) (*store.Message, error) {
	cctx, cancel := context.WithTimeout(ctx, time.Duration(p.cfg.ProviderTimeout)*time.Second)
	defer cancel()

	text, err := p.generateThroughBreaker(cctx, genReq)
	if err != nil {
		metrics.TurnsTotal.WithLabelValues("sync", "error").Inc()
		return nil, fmt.Errorf("provider call failed: %w", err)
	}

	msg, err := p.store.SaveFinal(ctx, req.ChatID, store.RoleAssistant, text, "")
	if err != nil {
		metrics.TurnsTotal.WithLabelValues("sync", "error").Inc()
		return nil, fmt.Errorf("persist assistant message: %w", err)
	}
	if err := p.store.TouchMetadata(ctx, req.ChatID, text); err != nil {
		middleware.LogWithTrace(ctx).Warn("Failed to update chat metadata", "chat_id", req.ChatID, "error", err)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runTitleTask(context.WithoutCancel(ctx), req.ChatID, req.Language, text)
	}()

	metrics.TurnsTotal.WithLabelValues("sync", "ok").Inc()
	return msg, nil
}

// runStream consumes the bridged hand-off queue, fans each delta out, and
// finalizes the turn. The final chunk is published before persistence so
// durability never delays delivery; a persistence failure therefore does not
// retroactively fail an already-delivered stream.
func (p *Pipeline) runStream(ctx context.Context, req TurnRequest, genReq provider.GenRequest, messageID string, body io.ReadCloser) {
	defer p.wg.Done()
	defer metrics.ActiveTurns.Dec()

	start := time.Now()
	dbg := debug.New(p.cfg.DebugEnabled, p.cfg.DebugLogChunks, messageID)
	defer dbg.Close()
	dbg.LogTurnRequest(map[string]interface{}{
		"chat_id":  req.ChatID,
		"content":  req.Content,
		"language": req.Language,
	})
	dbg.LogProviderRequest(p.cfg.ProviderModel, genReq)

	content := perf.AcquireStringBuilder()
	defer perf.ReleaseStringBuilder(content)

	relay := bridge.Start(ctx, body)
	deltas := 0
	errKind := ""
	sawTerminal := false
	for it := range relay.Items() {
		if it.Terminal {
			sawTerminal = true
			if it.Err != nil {
				errKind = ErrKindStreamFailed
			}
			break
		}
		content.WriteString(it.Delta)
		deltas++
		chunk := broadcast.Chunk{
			ChatID:    req.ChatID,
			MessageID: messageID,
			Delta:     it.Delta,
			Content:   content.String(),
		}
		p.caster.Publish(req.ChatID, chunk)
		dbg.LogChunk(chunk)
	}
	// A queue that closed without its terminal sentinel means the reader was
	// torn down mid-stream; never dress that up as a clean end.
	if !sawTerminal && errKind == "" {
		errKind = ErrKindStreamFailed
	}

	final := broadcast.Chunk{
		ChatID:    req.ChatID,
		MessageID: messageID,
		Content:   content.String(),
		IsFinal:   true,
		Error:     errKind,
	}
	p.caster.Publish(req.ChatID, final)
	dbg.LogChunk(final)

	// Persist whatever accumulated, even on error, so partial answers are
	// not silently lost. The turn context may already be expired (that is
	// often why the stream ended), so finalization runs on its own bounded
	// context.
	finCtx, cancelFin := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancelFin()

	text := content.String()
	if text != "" {
		if _, err := p.store.SaveFinal(finCtx, req.ChatID, store.RoleAssistant, text, messageID); err != nil {
			middleware.LogWithTrace(ctx).Error("Failed to persist final message",
				"chat_id", req.ChatID, "message_id", messageID, "error", err)
			metrics.ErrorsTotal.WithLabelValues("persist_final").Inc()
		} else if err := p.store.TouchMetadata(finCtx, req.ChatID, text); err != nil {
			middleware.LogWithTrace(ctx).Warn("Failed to update chat metadata", "chat_id", req.ChatID, "error", err)
		}
	}

	// The title task is independent work, but it is joined here so the turn
	// leaves no dangling goroutine behind.
	titleDone := make(chan struct{})
	go func() {
		defer close(titleDone)
		p.runTitleTask(finCtx, req.ChatID, req.Language, text)
	}()
	<-titleDone

	status := "ok"
	if errKind != "" {
		status = "error"
	}
	metrics.TurnsTotal.WithLabelValues("stream", status).Inc()
	dbg.LogSummary(deltas, len(text), time.Since(start), errKind)
}
