// Package debug writes per-turn diagnostic files when debug mode is on.
package debug

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const baseDir = "debug-logs"

// Logger records one turn's artifacts under its own directory.
type Logger struct {
	enabled      bool
	chunkEnabled bool
	dir          string
	chunkFile    *os.File
	mu           sync.Mutex
	startTime    time.Time
}

// New creates a logger for one turn, keyed by the minted message identity.
func New(enabled, chunkEnabled bool, messageID string) *Logger {
	if !enabled {
		return &Logger{enabled: false}
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	dir := filepath.Join(baseDir, timestamp+"_"+messageID)
	os.MkdirAll(dir, 0755)

	return &Logger{
		enabled:      true,
		chunkEnabled: chunkEnabled,
		dir:          dir,
		startTime:    time.Now(),
	}
}

// CleanupAllLogs removes all debug output, called once at startup.
func CleanupAllLogs() {
	os.RemoveAll(baseDir)
	os.MkdirAll(baseDir, 0755)
}

// Dir returns the turn's log directory.
func (l *Logger) Dir() string {
	if !l.enabled {
		return ""
	}
	return l.dir
}

// LogTurnRequest records the incoming turn request.
func (l *Logger) LogTurnRequest(req interface{}) {
	if !l.enabled {
		return
	}
	l.writeJSON("1_turn_request.json", req)
}

// LogProviderRequest records the outbound provider call.
func (l *Logger) LogProviderRequest(model string, body interface{}) {
	if !l.enabled {
		return
	}
	l.writeJSON("2_provider_request.json", map[string]interface{}{
		"model": model,
		"body":  body,
	})
}

// LogChunk appends one published chunk (appended, one line per chunk).
func (l *Logger) LogChunk(chunk interface{}) {
	if !l.enabled || !l.chunkEnabled {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.chunkFile == nil {
		f, err := os.OpenFile(filepath.Join(l.dir, "3_chunks.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return
		}
		l.chunkFile = f
	}

	data, err := json.Marshal(chunk)
	if err != nil {
		return
	}
	elapsed := time.Since(l.startTime).Milliseconds()
	fmt.Fprintf(l.chunkFile, "[%dms] %s\n", elapsed, data)
}

// LogSummary records the turn outcome.
func (l *Logger) LogSummary(deltas int, contentLen int, duration time.Duration, errKind string) {
	if !l.enabled {
		return
	}
	l.writeJSON("4_summary.json", map[string]interface{}{
		"deltas":      deltas,
		"content_len": contentLen,
		"duration_ms": duration.Milliseconds(),
		"error":       errKind,
	})
}

// Close flushes and closes open files.
func (l *Logger) Close() {
	if !l.enabled {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.chunkFile != nil {
		l.chunkFile.Close()
		l.chunkFile = nil
	}
}

func (l *Logger) writeJSON(filename string, data interface{}) {
	if !l.enabled {
		return
	}
	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return
	}
	os.WriteFile(filepath.Join(l.dir, filename), jsonData, 0644)
}
