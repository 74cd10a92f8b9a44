package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/session"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTemp(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "events.db")
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	es, err := Open(ctx, config.EventStoreConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.BeginRecording(ctx, "s", "push", time.Time{}); err != nil {
		t.Fatalf("begin on ephemeral store: %v", err)
	}
	events, err := es.ListRecordingEvents(ctx, "s", 10)
	if err != nil || events != nil {
		t.Fatalf("ephemeral store should be empty, got %v err=%v", events, err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	ctx := context.Background()
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})

	if err := es.BeginRecording(ctx, "session-123", "pull", time.Time{}); err != nil {
		t.Fatalf("begin recording: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "session-123", Type: EventFinal, Sequence: 4, TextLength: 11}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	events, err := es.ListRecordingEvents(ctx, "session-123", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Type != EventFinal || events[0].Sequence != 4 || events[0].TextLength != 11 {
		t.Fatalf("unexpected event: %+v", events[0])
	}
	if events[0].CreatedAt.IsZero() {
		t.Fatal("expected created timestamp")
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	ctx := context.Background()
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginRecording(ctx, "old-session", "push", time.Time{}); err != nil {
		t.Fatalf("begin recording: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "old-session", Type: EventStarted}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginRecording(ctx, "new-session", "push", time.Time{}); err != nil {
		t.Fatalf("begin recording: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListRecordingEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
	recent, err := es.RecentRecordings(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 1 || recent[0].SessionID != "new-session" {
		t.Fatalf("unexpected recordings after prune: %+v", recent)
	}
}

func TestTimelineSinkRecordsLifecycle(t *testing.T) {
	ctx := context.Background()
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	sink := NewTimelineSink(es, newLogger())

	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	sink.Deliver(session.TranscriptEvent{Kind: session.KindPartial, SessionID: "a", Mode: session.ModePull, Sequence: 1, Text: "he", Timestamp: start})
	sink.Deliver(session.TranscriptEvent{Kind: session.KindPartial, SessionID: "a", Mode: session.ModePull, Sequence: 2, Text: "hello", Timestamp: start.Add(time.Second)})
	sink.Deliver(session.TranscriptEvent{Kind: session.KindFinal, SessionID: "a", Mode: session.ModePull, Sequence: 3, Text: "hello", Timestamp: start.Add(2 * time.Second)})
	sink.Deliver(session.TranscriptEvent{Kind: session.KindError, SessionID: "b", Mode: session.ModePush, Sequence: 1, Code: session.CodeDeviceUnavailable, Message: "gone", Timestamp: start.Add(time.Minute)})

	recent, err := es.RecentRecordings(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected two recordings, got %d", len(recent))
	}
	b, a := recent[0], recent[1]
	if a.SessionID != "a" || a.Outcome != EventFinal || a.Partials != 2 || a.FinalLength != 5 || a.Mode != "pull" {
		t.Fatalf("unexpected recording a: %+v", a)
	}
	if b.SessionID != "b" || b.Outcome != EventError || b.ErrorCode != string(session.CodeDeviceUnavailable) {
		t.Fatalf("unexpected recording b: %+v", b)
	}

	events, err := es.ListRecordingEvents(ctx, "a", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 || events[0].Type != EventStarted || events[1].Type != EventFinal {
		t.Fatalf("unexpected timeline for a: %+v", events)
	}
}

func TestTimelineSinkUsesRecordingStart(t *testing.T) {
	ctx := context.Background()
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "session"})
	sink := NewTimelineSink(es, newLogger())

	// Push recordings emit no partials, so the first event seen is the final.
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(7 * time.Second)
	sink.Deliver(session.TranscriptEvent{Kind: session.KindFinal, SessionID: "push", Mode: session.ModePush, Sequence: 1, Text: "lights on", StartedAt: start, Timestamp: end})

	recent, err := es.RecentRecordings(ctx, 1)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("expected one recording, got %d", len(recent))
	}
	rec := recent[0]
	if !rec.StartedAt.Equal(start) || !rec.EndedAt.Equal(end) {
		t.Fatalf("expected span %s..%s, got %s..%s", start, end, rec.StartedAt, rec.EndedAt)
	}

	events, err := es.ListRecordingEvents(ctx, "push", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 || events[0].Type != EventStarted || !events[0].CreatedAt.Equal(start) {
		t.Fatalf("started event should carry the recording start, got %+v", events)
	}
}
