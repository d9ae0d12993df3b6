package main

import (
	"testing"
	"time"

	"chatrelay-api/internal/config"
)

func TestJanitorInterval(t *testing.T) {
	tests := []struct {
		name    string
		seconds int
		want    time.Duration
	}{
		{"default when unset", 0, defaultJanitorInterval},
		{"default when negative", -5, defaultJanitorInterval},
		{"clamped to minimum", 3, minJanitorInterval},
		{"configured value", 120, 120 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{JanitorIntervalSeconds: tt.seconds}
			if got := janitorInterval(cfg); got != tt.want {
				t.Errorf("janitorInterval(%d) = %v, want %v", tt.seconds, got, tt.want)
			}
		})
	}
}
