// Package sse parses provider Server-Sent-Events streams into text deltas.
package sse

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
)

const (
	scannerBufferSize  = 64 * 1024
	maxScannerLineSize = 2 * 1024 * 1024
)

// generateEvent mirrors the provider's streaming response shape: each SSE
// event is one JSON object carrying candidates, each with content parts that
// optionally hold a text fragment. Only text fields are consumed here.
type generateEvent struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				// Pointer so a present-but-empty text still counts as a
				// delta; empty deltas are legal.
				Text *string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// Framer turns a raw SSE body into an ordered, finite sequence of text
// deltas. Events are framed by blank lines; `data:` lines accumulate into the
// current event, `:`-prefixed lines are keep-alive comments. Malformed events
// are logged and skipped. A trailing partial event at end of input is flushed
// through the same parse path.
type Framer struct {
	scanner *bufio.Scanner
	data    []string // data lines of the event being assembled
	pending []string // deltas parsed but not yet returned
	err     error    // terminal error, io.EOF on clean end
}

// NewFramer wraps r. The reader is not closed by the framer.
func NewFramer(r io.Reader) *Framer {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, scannerBufferSize), maxScannerLineSize)
	return &Framer{scanner: s}
}

// Next returns the next text delta in production order. It returns io.EOF
// once the stream ended cleanly, or the underlying read error otherwise.
func (f *Framer) Next() (string, error) {
	for {
		if len(f.pending) > 0 {
			delta := f.pending[0]
			f.pending = f.pending[1:]
			return delta, nil
		}
		if f.err != nil {
			return "", f.err
		}
		if !f.scanner.Scan() {
			f.err = f.scanner.Err()
			if f.err == nil {
				f.err = io.EOF
			}
			// Flush whatever partial event was buffered before the
			// stream ended.
			f.flushEvent()
			continue
		}
		line := strings.TrimRight(f.scanner.Text(), "\r")
		switch {
		case line == "":
			f.flushEvent()
		case strings.HasPrefix(line, ":"):
			// keep-alive comment
		case strings.HasPrefix(line, "data:"):
			f.data = append(f.data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
}

func (f *Framer) flushEvent() {
	if len(f.data) == 0 {
		return
	}
	payload := strings.Join(f.data, "\n")
	f.data = f.data[:0]
	f.pending = append(f.pending, ParseEvent(payload)...)
}

// ParseEvent decodes one SSE event payload and extracts its text deltas in
// the order the parts appear. An event that parses but carries no text parts
// yields zero deltas; a payload that is not valid JSON is skipped.
func ParseEvent(payload string) []string {
	payload = strings.TrimSpace(payload)
	if payload == "" || payload == "[DONE]" {
		return nil
	}
	var ev generateEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		slog.Warn("Skipping malformed stream event", "error", err, "bytes", len(payload))
		return nil
	}
	var deltas []string
	for _, cand := range ev.Candidates {
		for _, part := range cand.Content.Parts {
			if part.Text != nil {
				deltas = append(deltas, *part.Text)
			}
		}
	}
	return deltas
}

// Collect drains the framer and concatenates every delta, used by the
// non-streaming path and tests. The returned error is nil on clean end.
func Collect(r io.Reader) (string, error) {
	f := NewFramer(r)
	var sb strings.Builder
	for {
		delta, err := f.Next()
		if err != nil {
			if err == io.EOF {
				return sb.String(), nil
			}
			return sb.String(), err
		}
		sb.WriteString(delta)
	}
}
