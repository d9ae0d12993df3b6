package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"chatrelay-api/internal/metrics"
	"chatrelay-api/internal/middleware"
	"chatrelay-api/internal/provider"
	"chatrelay-api/internal/util"
)

// minTitleContentLen is the minimum trimmed reply length that warrants a
// title. Shorter replies (greetings, acknowledgements) are not worth a
// second provider call.
const minTitleContentLen = 12

const maxTitleWords = 6

// runTitleTask derives a short chat title from the assistant's reply and
// stores it only if the chat has none yet. It is best-effort end to end:
// every failure is logged and swallowed, never surfaced to the turn.
func (p *Pipeline) runTitleTask(ctx context.Context, chatID, language, replyText string) {
	trimmed := strings.TrimSpace(replyText)
	if len(trimmed) < minTitleContentLen {
		metrics.TitleTasks.WithLabelValues("skipped").Inc()
		return
	}

	// Only generate when the chat is still untitled; checking first avoids
	// a provider call whose result would be discarded anyway.
	if meta, err := p.store.GetMetadata(ctx, chatID); err == nil && meta.Title != "" {
		metrics.TitleTasks.WithLabelValues("exists").Inc()
		return
	}

	lang := strings.TrimSpace(language)
	if lang == "" {
		lang = p.cfg.DefaultLanguage
	}

	prompt := fmt.Sprintf(
		"Write a title of at most %d words, in %s, for a conversation containing this reply. Return only the title.\n\n%s",
		maxTitleWords, lang, trimmed)

	cctx, cancel := context.WithTimeout(ctx, time.Duration(p.cfg.ProviderTimeout)*time.Second)
	defer cancel()

	var raw string
	err := util.RetryWithBackoff(cctx, 2, time.Second, 5*time.Second, func() error {
		var genErr error
		raw, genErr = p.generateThroughBreaker(cctx, provider.GenRequest{
			Model:    p.cfg.TitleModel,
			Contents: provider.UserText(prompt),
		})
		return genErr
	})
	if err != nil {
		middleware.LogWithTrace(ctx).Warn("Title generation failed", "chat_id", chatID, "error", err)
		metrics.TitleTasks.WithLabelValues("error").Inc()
		return
	}

	title := sanitizeTitle(raw)
	if title == "" {
		metrics.TitleTasks.WithLabelValues("error").Inc()
		return
	}

	set, err := p.store.SetTitleIfAbsent(ctx, chatID, title)
	if err != nil {
		middleware.LogWithTrace(ctx).Warn("Failed to store title", "chat_id", chatID, "error", err)
		metrics.TitleTasks.WithLabelValues("error").Inc()
		return
	}
	if !set {
		metrics.TitleTasks.WithLabelValues("exists").Inc()
		return
	}
	middleware.LogWithTrace(ctx).Info("Chat title set", "chat_id", chatID, "title", title)
	metrics.TitleTasks.WithLabelValues("set").Inc()
}

// sanitizeTitle normalizes model output into a bare title: first line only,
// surrounding quotes stripped, clamped to maxTitleWords.
func sanitizeTitle(raw string) string {
	title := strings.TrimSpace(raw)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	title = strings.Trim(title, `"'“”„‘’`)
	title = strings.TrimSuffix(strings.TrimSpace(title), ".")

	words := strings.Fields(title)
	if len(words) > maxTitleWords {
		words = words[:maxTitleWords]
	}
	return strings.Join(words, " ")
}
