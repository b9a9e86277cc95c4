package bus

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ricesearch/rice-eval/internal/config"
	"github.com/ricesearch/rice-eval/internal/pkg/logger"
)

func TestJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events", "journal.jsonl")
	j, err := OpenJournal(path)
	if err != nil {
		t.Fatalf("OpenJournal() error: %v", err)
	}
	defer j.Close()

	before := time.Now().Add(-time.Second)
	for _, id := range []string{"t1", "t2", "t3"} {
		if err := j.Append(TopicTaskEnqueued, NewEvent(TopicTaskEnqueued, TaskEvent{TaskID: id})); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}

	entries, err := j.Entries(before, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 || entries[0].Topic != TopicTaskEnqueued {
		t.Fatalf("Entries() = %+v", entries)
	}

	limited, _ := j.Entries(before, 2)
	if len(limited) != 2 {
		t.Errorf("Entries(limit 2) returned %d", len(limited))
	}

	future, _ := j.Entries(time.Now().Add(time.Hour), 0)
	if len(future) != 0 {
		t.Errorf("Entries(future) returned %d", len(future))
	}

	// malformed lines are skipped
	f, _ := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	f.WriteString("not json\n")
	f.Close()
	if entries, _ := j.Entries(before, 0); len(entries) != 3 {
		t.Errorf("after garbage: %d entries", len(entries))
	}
}

func TestJournalReplay(t *testing.T) {
	j, err := OpenJournal(filepath.Join(t.TempDir(), "journal.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	j.Append(TopicTaskFinished, NewEvent(TopicTaskFinished, TaskEvent{TaskID: "a"}))
	j.Append(TopicTaskFinished, NewEvent(TopicTaskFinished, TaskEvent{TaskID: "b"}))

	target := NewMemoryBus()
	var got atomic.Int32
	target.Subscribe(context.Background(), TopicTaskFinished, func(ctx context.Context, e Event) error {
		got.Add(1)
		return nil
	})

	if err := j.Replay(context.Background(), target, time.Time{}); err != nil {
		t.Fatalf("Replay() error: %v", err)
	}
	target.Close()

	if got.Load() != 2 {
		t.Errorf("replayed %d events, want 2", got.Load())
	}
}

func TestJournaledBus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	b, err := NewBus(config.BusConfig{Type: "memory", JournalPath: path}, logger.Discard())
	if err != nil {
		t.Fatalf("NewBus() error: %v", err)
	}

	if _, ok := b.(*JournaledBus); !ok {
		t.Fatalf("NewBus() = %T, want *JournaledBus", b)
	}

	b.Publish(context.Background(), TopicTaskDeleted, NewEvent(TopicTaskDeleted, TaskEvent{TaskID: "x"}))
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Error("journal is empty")
	}
}

func TestNewBus(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.BusConfig
		wantErr bool
	}{
		{"memory", config.BusConfig{Type: "memory"}, false},
		{"default", config.BusConfig{}, false},
		{"kafka without brokers", config.BusConfig{Type: "kafka"}, true},
		{"unknown", config.BusConfig{Type: "carrier-pigeon"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := NewBus(tt.cfg, logger.Discard())
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewBus() error = %v, wantErr %v", err, tt.wantErr)
			}
			if b != nil {
				b.Close()
			}
		})
	}
}
