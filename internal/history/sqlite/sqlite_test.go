package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/capturectl/internal/history"
)

func TestSQLiteSink_Integration(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	sink, err := New("sqlite://" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	a := history.Attempt{
		ID:        "a1",
		Key:       "capture.csv",
		PID:       12345,
		Artifact:  "/srv/public/capture.csv",
		Duration:  10,
		StartedAt: time.Now().Add(-time.Minute).UTC(),
	}
	if err := sink.Send(ctx, history.Event{Type: history.EventStart, OccurredAt: time.Now().UTC(), Attempt: a}); err != nil {
		t.Fatalf("Failed to send start event: %v", err)
	}

	a.FinishedAt = time.Now().UTC()
	a.Outcome = "completed"
	if err := sink.Send(ctx, history.Event{Type: history.EventFinish, OccurredAt: a.FinishedAt, Attempt: a}); err != nil {
		t.Fatalf("Failed to send finish event: %v", err)
	}

	n, err := sink.Count(ctx, "capture.csv")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows, got %d", n)
	}
}

func TestSQLiteSink_Memory(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() { _ = sink.Close() }()
	if err := sink.Send(context.Background(), history.Event{Type: history.EventStart, Attempt: history.Attempt{Key: "k"}}); err != nil {
		t.Fatalf("send: %v", err)
	}
	n, err := sink.Count(context.Background(), "k")
	if err != nil || n != 1 {
		t.Fatalf("count = %d, %v", n, err)
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
}
