package taskstore

import (
	"context"
	"fmt"
	"testing"
	"time"
)

const testRedisURL = "redis://localhost:6379/15"

func TestNewRedisStore_InvalidURL(t *testing.T) {
	if _, err := NewRedisStore("invalid://url", "x:"); err == nil {
		t.Fatal("expected error for invalid URL")
	}
}

func TestRedisStore(t *testing.T) {
	probe, err := NewRedisStore(testRedisURL, "probe:")
	if err != nil {
		t.Skip("Redis not available:", err)
	}
	probe.Close()

	testStore(t, func(t *testing.T) Store {
		prefix := fmt.Sprintf("rice:eval:test:%d:", time.Now().UnixNano())
		s, err := NewRedisStore(testRedisURL, prefix)
		if err != nil {
			t.Fatalf("NewRedisStore() error: %v", err)
		}
		t.Cleanup(func() {
			s.Purge(context.Background())
			s.Close()
		})
		return s
	})
}
