package bridge

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

type failingReader struct {
	data string
	err  error
	pos  int
}

func (r *failingReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, r.err
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

func (r *failingReader) Close() error { return nil }

func sseEvent(text string) string {
	return `data: {"candidates":[{"content":{"parts":[{"text":"` + text + `"}]}}]}` + "\n\n"
}

func collect(t *testing.T, r *Relay) ([]string, Item) {
	t.Helper()
	var deltas []string
	for {
		select {
		case it, ok := <-r.Items():
			if !ok {
				t.Fatalf("channel closed without terminal sentinel")
			}
			if it.Terminal {
				if _, again := <-r.Items(); again {
					t.Fatalf("items delivered after terminal sentinel")
				}
				return deltas, it
			}
			deltas = append(deltas, it.Delta)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for relay items")
		}
	}
}

func TestRelayPreservesOrderAndTerminates(t *testing.T) {
	body := io.NopCloser(strings.NewReader(sseEvent("Hel") + sseEvent("lo")))
	r := Start(context.Background(), body)

	deltas, last := collect(t, r)
	if last.Err != nil {
		t.Fatalf("terminal err=%v want nil", last.Err)
	}
	if strings.Join(deltas, "") != "Hello" {
		t.Fatalf("deltas=%+v want Hel+lo", deltas)
	}
}

func TestRelaySurfacesTransportErrorOnSentinel(t *testing.T) {
	readErr := errors.New("connection reset")
	body := &failingReader{data: sseEvent("Par"), err: readErr}
	r := Start(context.Background(), body)

	deltas, last := collect(t, r)
	if len(deltas) != 1 || deltas[0] != "Par" {
		t.Fatalf("deltas=%+v want [Par]", deltas)
	}
	if !errors.Is(last.Err, readErr) {
		t.Fatalf("terminal err=%v want %v", last.Err, readErr)
	}
}

func TestRelayDeliversTerminalAfterContextExpiry(t *testing.T) {
	// The context that dies is usually the reason the stream ended; the
	// sentinel and its error must still arrive. Run repeatedly: a racy
	// select between the queue and ctx.Done() would only drop the sentinel
	// some of the time.
	readErr := errors.New("deadline exceeded")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 20; i++ {
		r := Start(ctx, &failingReader{err: readErr})
		_, last := collect(t, r)
		if !errors.Is(last.Err, readErr) {
			t.Fatalf("run %d: terminal err=%v want %v", i, last.Err, readErr)
		}
	}
}

func TestRelayEmptyStream(t *testing.T) {
	r := Start(context.Background(), io.NopCloser(strings.NewReader("")))
	deltas, last := collect(t, r)
	if len(deltas) != 0 {
		t.Fatalf("deltas=%+v want none", deltas)
	}
	if last.Err != nil {
		t.Fatalf("terminal err=%v want nil", last.Err)
	}
}
