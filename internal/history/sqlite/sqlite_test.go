package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/trackr/internal/history"
)

func point(session string, seq uint64) history.Point {
	return history.NewPoint("user-1", session, seq, 37.5+float64(seq)/1000, 127.0, time.Now(), time.UTC)
}

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
	for seq := uint64(1); seq <= 3; seq++ {
		if err := sink.Send(ctx, point("session-a", seq)); err != nil {
			t.Fatalf("Failed to send point %d: %v", seq, err)
		}
	}
	if err := sink.Send(ctx, point("session-b", 1)); err != nil {
		t.Fatalf("Failed to send point: %v", err)
	}

	got, err := sink.Points(ctx, "session-a")
	if err != nil {
		t.Fatalf("Failed to read points: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 points, got %d", len(got))
	}
	for i, p := range got {
		if p.Sequence != uint64(i+1) {
			t.Fatalf("point %d has sequence %d", i, p.Sequence)
		}
		if p.UserID != "user-1" || p.SessionID != "session-a" {
			t.Fatalf("unexpected identity: %+v", p)
		}
	}
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create in-memory sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	want := point("mem", 1)
	if err := sink.Send(context.Background(), want); err != nil {
		t.Fatalf("Failed to send point: %v", err)
	}
	got, err := sink.Points(context.Background(), "mem")
	if err != nil {
		t.Fatalf("Failed to read points: %v", err)
	}
	if len(got) != 1 || got[0] != want {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, want)
	}
}

func TestSQLiteSink_ContextCancellation(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sink.Send(ctx, point("cancelled", 1)); err == nil {
		t.Fatal("expected error with cancelled context")
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}
