package eventstore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-listen/internal/session"
)

const sinkWriteTimeout = 2 * time.Second

// TimelineSink records recording lifecycles. Partials are counted, not stored.
type TimelineSink struct {
	store *Store
	log   *slog.Logger
	mu    sync.Mutex
	open  map[string]*Recording
}

func NewTimelineSink(store *Store, log *slog.Logger) *TimelineSink {
	return &TimelineSink{
		store: store,
		log:   log.With(slog.String("component", "eventstore")),
		open:  make(map[string]*Recording),
	}
}

func (t *TimelineSink) Deliver(ev session.TranscriptEvent) {
	if ev.SessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sinkWriteTimeout)
	defer cancel()

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.open[ev.SessionID]
	if !ok {
		started := ev.StartedAt
		if started.IsZero() {
			started = ev.Timestamp
		}
		rec = &Recording{SessionID: ev.SessionID, Mode: string(ev.Mode), StartedAt: started}
		t.open[ev.SessionID] = rec
		if err := t.store.BeginRecording(ctx, rec.SessionID, rec.Mode, rec.StartedAt); err != nil {
			t.log.Warn("failed to record session start", slog.String("session_id", ev.SessionID), slog.String("error", err.Error()))
		}
		t.append(ctx, Event{SessionID: ev.SessionID, Type: EventStarted, CreatedAt: started})
	}

	switch ev.Kind {
	case session.KindPartial:
		rec.Partials++
		return
	case session.KindFinal:
		rec.Outcome = EventFinal
		rec.FinalLength = len(ev.Text)
		t.append(ctx, Event{SessionID: ev.SessionID, Type: EventFinal, Sequence: ev.Sequence, TextLength: len(ev.Text), CreatedAt: ev.Timestamp})
	case session.KindError:
		rec.Outcome = EventError
		rec.ErrorCode = string(ev.Code)
		t.append(ctx, Event{SessionID: ev.SessionID, Type: EventError, Sequence: ev.Sequence, Code: string(ev.Code), Message: ev.Message, CreatedAt: ev.Timestamp})
	default:
		return
	}

	rec.EndedAt = ev.Timestamp
	if err := t.store.FinishRecording(ctx, *rec); err != nil {
		t.log.Warn("failed to record session outcome", slog.String("session_id", ev.SessionID), slog.String("error", err.Error()))
	}
	delete(t.open, ev.SessionID)
}

func (t *TimelineSink) append(ctx context.Context, evt Event) {
	if err := t.store.AppendEvent(ctx, evt); err != nil {
		t.log.Warn("failed to append timeline event", slog.String("session_id", evt.SessionID), slog.String("type", evt.Type), slog.String("error", err.Error()))
	}
}
