package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newSQLiteTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Options{
		StoreMode:  "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("New(sqlite)=%v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteUpsertAndRecent(t *testing.T) {
	s := newSQLiteTestStore(t)
	ctx := context.Background()

	if _, err := s.SaveFinal(ctx, "chat-1", RoleAssistant, "v1", "msg-1"); err != nil {
		t.Fatalf("SaveFinal()=%v", err)
	}
	if _, err := s.SaveFinal(ctx, "chat-1", RoleAssistant, "v2", "msg-1"); err != nil {
		t.Fatalf("SaveFinal()=%v", err)
	}

	msgs, err := s.RecentMessages(ctx, "chat-1", 10)
	if err != nil {
		t.Fatalf("RecentMessages()=%v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "v2" {
		t.Fatalf("msgs=%+v want single row with content v2", msgs)
	}
	if msgs[0].Timestamp.IsZero() || time.Since(msgs[0].Timestamp) > time.Minute {
		t.Fatalf("timestamp not round-tripped: %v", msgs[0].Timestamp)
	}
}

func TestSQLiteTitleAndMetadata(t *testing.T) {
	s := newSQLiteTestStore(t)
	ctx := context.Background()

	if err := s.TouchMetadata(ctx, "chat-1", "hello"); err != nil {
		t.Fatalf("TouchMetadata()=%v", err)
	}
	set, err := s.SetTitleIfAbsent(ctx, "chat-1", "A Title")
	if err != nil || !set {
		t.Fatalf("SetTitleIfAbsent()=(%v,%v) want (true,nil)", set, err)
	}
	set, err = s.SetTitleIfAbsent(ctx, "chat-1", "Other")
	if err != nil || set {
		t.Fatalf("second SetTitleIfAbsent()=(%v,%v) want (false,nil)", set, err)
	}

	meta, err := s.GetMetadata(ctx, "chat-1")
	if err != nil {
		t.Fatalf("GetMetadata()=%v", err)
	}
	if meta.Title != "A Title" || meta.LastMessage != "hello" {
		t.Fatalf("meta=%+v", meta)
	}
}

func TestSQLiteContentWindowDedup(t *testing.T) {
	s := newSQLiteTestStore(t)
	ctx := context.Background()

	if _, err := s.SaveFinal(ctx, "chat-1", RoleAssistant, "same answer", ""); err != nil {
		t.Fatalf("SaveFinal()=%v", err)
	}
	if _, err := s.SaveFinal(ctx, "chat-1", RoleAssistant, "same answer", ""); err != nil {
		t.Fatalf("SaveFinal()=%v", err)
	}
	msgs, err := s.RecentMessages(ctx, "chat-1", 10)
	if err != nil {
		t.Fatalf("RecentMessages()=%v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d rows, want 1", len(msgs))
	}
}
