package pipeline

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"chatrelay-api/internal/broadcast"
	"chatrelay-api/internal/config"
	"chatrelay-api/internal/provider"
	"chatrelay-api/internal/store"
)

type fakeGen struct {
	mu         sync.Mutex
	streamBody io.ReadCloser
	streamErr  error
	genText    string
	genErr     error
	genCalls   []provider.GenRequest
}

func (g *fakeGen) StreamGenerate(ctx context.Context, req provider.GenRequest) (io.ReadCloser, error) {
	if g.streamErr != nil {
		return nil, g.streamErr
	}
	return g.streamBody, nil
}

func (g *fakeGen) Generate(ctx context.Context, req provider.GenRequest) (string, error) {
	g.mu.Lock()
	g.genCalls = append(g.genCalls, req)
	g.mu.Unlock()
	if g.genErr != nil {
		return "", g.genErr
	}
	return g.genText, nil
}

func (g *fakeGen) calls() []provider.GenRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]provider.GenRequest(nil), g.genCalls...)
}

type failAfterReader struct {
	r   io.Reader
	err error
}

func (f *failAfterReader) Read(p []byte) (int, error) {
	n, err := f.r.Read(p)
	if err == io.EOF {
		return n, f.err
	}
	return n, err
}

func (f *failAfterReader) Close() error { return nil }

func testConfig(model string) *config.Config {
	cfg := &config.Config{
		StoreMode:       "memory",
		ProviderModel:   model,
		TitleModel:      model,
		ProviderTimeout: 5,
		StreamTimeout:   5,
		DefaultLanguage: "English",
	}
	return cfg
}

func newTestPipeline(t *testing.T, model string, gen Generator) (*Pipeline, *store.Store, *broadcast.Broadcaster) {
	t.Helper()
	st, err := store.New(store.Options{StoreMode: "memory"})
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	caster := broadcast.New(16)
	return New(testConfig(model), gen, st, caster), st, caster
}

func sseBody(deltas ...string) io.ReadCloser {
	var sb strings.Builder
	for _, d := range deltas {
		sb.WriteString(`data: {"candidates":[{"content":{"parts":[{"text":"` + d + `"}]}}]}` + "\n\n")
	}
	return io.NopCloser(strings.NewReader(sb.String()))
}

func collectChunks(t *testing.T, sub *broadcast.Subscriber) []broadcast.Chunk {
	t.Helper()
	var got []broadcast.Chunk
	for {
		select {
		case c := <-sub.C():
			got = append(got, c)
			if c.IsFinal {
				return got
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for final chunk, got %d chunks", len(got))
		}
	}
}

func TestStartTurnStreaming(t *testing.T) {
	gen := &fakeGen{
		streamBody: sseBody("Hello", ", ", "streaming world!"),
		genText:    "Streaming Hello Chat",
	}
	p, st, caster := newTestPipeline(t, "m-stream-ok", gen)

	sub := caster.Subscribe("chat-1")
	defer caster.Unsubscribe(sub)

	res, err := p.StartTurn(context.Background(), TurnRequest{
		ChatID: "chat-1", Content: "say hello please", Stream: true,
	})
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	if !res.Streaming || res.MessageID == "" {
		t.Fatalf("unexpected result: %+v", res)
	}

	got := collectChunks(t, sub)
	p.Wait()

	final := got[len(got)-1]
	if final.Content != "Hello, streaming world!" {
		t.Errorf("final content = %q", final.Content)
	}
	if final.Error != "" {
		t.Errorf("final error = %q, want empty", final.Error)
	}
	if final.MessageID != res.MessageID {
		t.Errorf("final message id = %q, want %q", final.MessageID, res.MessageID)
	}
	for i, c := range got[:len(got)-1] {
		if c.IsFinal {
			t.Fatalf("chunk %d marked final before end", i)
		}
	}
	if got[0].Delta != "Hello" {
		t.Errorf("first delta = %q", got[0].Delta)
	}

	msgs, err := st.RecentMessages(context.Background(), "chat-1", 10)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2 (user + assistant)", len(msgs))
	}
	if msgs[0].ID != res.MessageID || msgs[0].Role != store.RoleAssistant {
		t.Errorf("newest message = %+v", msgs[0])
	}
	if msgs[0].Content != "Hello, streaming world!" {
		t.Errorf("persisted content = %q", msgs[0].Content)
	}
	if msgs[1].Role != store.RoleUser || msgs[1].Content != "say hello please" {
		t.Errorf("user message = %+v", msgs[1])
	}

	meta, err := st.GetMetadata(context.Background(), "chat-1")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if meta.Title != "Streaming Hello Chat" {
		t.Errorf("title = %q", meta.Title)
	}
}

func TestStartTurnStreamingTransportError(t *testing.T) {
	body := `data: {"candidates":[{"content":{"parts":[{"text":"partial answer here"}]}}]}` + "\n\n"
	gen := &fakeGen{
		streamBody: &failAfterReader{r: strings.NewReader(body), err: errors.New("connection reset")},
		genText:    "Partial Answer Chat",
	}
	p, st, caster := newTestPipeline(t, "m-stream-err", gen)

	sub := caster.Subscribe("chat-2")
	defer caster.Unsubscribe(sub)

	res, err := p.StartTurn(context.Background(), TurnRequest{
		ChatID: "chat-2", Content: "long enough prompt", Stream: true,
	})
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}

	got := collectChunks(t, sub)
	p.Wait()

	final := got[len(got)-1]
	if final.Error != ErrKindStreamFailed {
		t.Errorf("final error = %q, want %q", final.Error, ErrKindStreamFailed)
	}
	if final.Content != "partial answer here" {
		t.Errorf("final content = %q", final.Content)
	}

	// The partial reply is still persisted under the turn's message ID.
	msgs, err := st.RecentMessages(context.Background(), "chat-2", 10)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != res.MessageID || msgs[0].Content != "partial answer here" {
		t.Errorf("persisted messages = %+v", msgs)
	}
}

// stallingReader yields its data once, then stalls past the turn deadline
// before failing, the shape of a provider stream cut off by StreamTimeout.
type stallingReader struct {
	data  string
	stall time.Duration
	read  bool
}

func (r *stallingReader) Read(p []byte) (int, error) {
	if !r.read {
		r.read = true
		return copy(p, r.data), nil
	}
	time.Sleep(r.stall)
	return 0, errors.New("stream cut off")
}

func (r *stallingReader) Close() error { return nil }

func TestStreamTimeoutPersistsPartialContent(t *testing.T) {
	body := `data: {"candidates":[{"content":{"parts":[{"text":"Par"}]}}]}` + "\n\n"
	gen := &fakeGen{
		streamBody: &stallingReader{data: body, stall: 1500 * time.Millisecond},
		genText:    "Partial Turn Chat",
	}

	cfg := testConfig("m-stream-timeout")
	cfg.StreamTimeout = 1

	// The sqlite backend honors context deadlines, so a finalization that
	// ran on the expired turn context would lose the partial reply here.
	st, err := store.New(store.Options{
		StoreMode:  "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "relay.db"),
	})
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	caster := broadcast.New(16)
	p := New(cfg, gen, st, caster)

	sub := caster.Subscribe("chat-t")
	defer caster.Unsubscribe(sub)

	res, err := p.StartTurn(context.Background(), TurnRequest{
		ChatID: "chat-t", Content: "a prompt that times out", Stream: true,
	})
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}

	got := collectChunks(t, sub)
	p.Wait()

	final := got[len(got)-1]
	if final.Error != ErrKindStreamFailed {
		t.Errorf("final error = %q, want %q", final.Error, ErrKindStreamFailed)
	}
	if final.Content != "Par" {
		t.Errorf("final content = %q, want %q", final.Content, "Par")
	}

	msgs, err := st.RecentMessages(context.Background(), "chat-t", 10)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want user prompt plus partial reply", len(msgs))
	}
	if msgs[0].ID != res.MessageID || msgs[0].Role != store.RoleAssistant || msgs[0].Content != "Par" {
		t.Errorf("persisted partial = %+v", msgs[0])
	}
}

func TestStartTurnStreamingEmptyReplyNotPersisted(t *testing.T) {
	gen := &fakeGen{streamBody: io.NopCloser(strings.NewReader(""))}
	p, st, caster := newTestPipeline(t, "m-stream-empty", gen)

	sub := caster.Subscribe("chat-3")
	defer caster.Unsubscribe(sub)

	if _, err := p.StartTurn(context.Background(), TurnRequest{
		ChatID: "chat-3", Content: "whatever content", Stream: true,
	}); err != nil {
		t.Fatalf("StartTurn: %v", err)
	}

	got := collectChunks(t, sub)
	p.Wait()

	if len(got) != 1 || !got[0].IsFinal || got[0].Content != "" {
		t.Fatalf("chunks = %+v, want single empty final", got)
	}

	msgs, err := st.RecentMessages(context.Background(), "chat-3", 10)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Role != store.RoleUser {
		t.Errorf("messages = %+v, want only the user prompt", msgs)
	}
}

func TestStartTurnSync(t *testing.T) {
	gen := &fakeGen{genText: "a full synchronous answer"}
	p, st, _ := newTestPipeline(t, "m-sync-ok", gen)

	res, err := p.StartTurn(context.Background(), TurnRequest{
		ChatID: "chat-4", Content: "question goes here", Stream: false,
	})
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	if res.Streaming {
		t.Fatal("Streaming = true on sync path")
	}
	if res.Message == nil || res.Message.Content != "a full synchronous answer" {
		t.Fatalf("message = %+v", res.Message)
	}
	p.Wait()

	meta, err := st.GetMetadata(context.Background(), "chat-4")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if meta.LastMessage != "a full synchronous answer" {
		t.Errorf("last message = %q", meta.LastMessage)
	}
}

func TestStartTurnValidation(t *testing.T) {
	p, _, _ := newTestPipeline(t, "m-validate", &fakeGen{})

	if _, err := p.StartTurn(context.Background(), TurnRequest{Content: "x"}); err == nil {
		t.Error("missing chat id accepted")
	}
	if _, err := p.StartTurn(context.Background(), TurnRequest{ChatID: "c", Content: "  "}); err == nil {
		t.Error("blank content accepted")
	}
}

func TestTitleSkippedForShortReply(t *testing.T) {
	gen := &fakeGen{streamBody: sseBody("ok!"), genText: "Should Not Be Called"}
	p, st, caster := newTestPipeline(t, "m-title-short", gen)

	sub := caster.Subscribe("chat-5")
	defer caster.Unsubscribe(sub)

	if _, err := p.StartTurn(context.Background(), TurnRequest{
		ChatID: "chat-5", Content: "short reply please", Stream: true,
	}); err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	collectChunks(t, sub)
	p.Wait()

	if n := len(gen.calls()); n != 0 {
		t.Errorf("provider called %d times for title, want 0", n)
	}
	meta, err := st.GetMetadata(context.Background(), "chat-5")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if meta.Title != "" {
		t.Errorf("title = %q, want empty", meta.Title)
	}
}

func TestTitleDoesNotOverwrite(t *testing.T) {
	gen := &fakeGen{streamBody: sseBody("a sufficiently long reply"), genText: "Replacement Title"}
	p, st, caster := newTestPipeline(t, "m-title-keep", gen)

	if _, err := st.SaveFinal(context.Background(), "chat-6", store.RoleUser, "seed", ""); err != nil {
		t.Fatalf("SaveFinal: %v", err)
	}
	if _, err := st.SetTitleIfAbsent(context.Background(), "chat-6", "Original Title"); err != nil {
		t.Fatalf("SetTitleIfAbsent: %v", err)
	}

	sub := caster.Subscribe("chat-6")
	defer caster.Unsubscribe(sub)

	if _, err := p.StartTurn(context.Background(), TurnRequest{
		ChatID: "chat-6", Content: "another user prompt", Stream: true,
	}); err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	collectChunks(t, sub)
	p.Wait()

	meta, err := st.GetMetadata(context.Background(), "chat-6")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if meta.Title != "Original Title" {
		t.Errorf("title = %q, want %q", meta.Title, "Original Title")
	}
}

func TestTitleErrorsAreSwallowed(t *testing.T) {
	gen := &fakeGen{
		streamBody: sseBody("a sufficiently long reply"),
		genErr:     errors.New("provider down"),
	}
	p, _, caster := newTestPipeline(t, "m-title-err", gen)

	sub := caster.Subscribe("chat-7")
	defer caster.Unsubscribe(sub)

	if _, err := p.StartTurn(context.Background(), TurnRequest{
		ChatID: "chat-7", Content: "a user prompt here", Stream: true,
	}); err != nil {
		t.Fatalf("StartTurn returned title-task error: %v", err)
	}
	got := collectChunks(t, sub)
	p.Wait()

	if final := got[len(got)-1]; final.Error != "" {
		t.Errorf("final error = %q, want empty despite title failure", final.Error)
	}
}

func TestSanitizeTitle(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`"Weather in Paris"`, "Weather in Paris"},
		{"First line\nsecond line", "First line"},
		{"one two three four five six seven eight", "one two three four five six"},
		{"  Trailing dot.  ", "Trailing dot"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := sanitizeTitle(tt.in); got != tt.want {
			t.Errorf("sanitizeTitle(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
