package session

import "time"

type Kind string

const (
	KindPartial Kind = "partial"
	KindFinal   Kind = "final"
	KindError   Kind = "error"
)

// TranscriptEvent is one unit of output for a recording. A Final or Error
// event is always the last event of its session. StartedAt is when the
// recording began and is the same on every event of that recording.
type TranscriptEvent struct {
	Kind      Kind
	SessionID string
	Mode      Mode
	Sequence  uint64
	Text      string
	Code      ErrorCode
	Message   string
	StartedAt time.Time
	Timestamp time.Time
}

func (e TranscriptEvent) Terminal() bool {
	return e.Kind == KindFinal || e.Kind == KindError
}

// EventSink receives transcript events on the dispatcher goroutine. Deliver
// should return quickly; it never runs on the capture loop.
type EventSink interface {
	Deliver(TranscriptEvent)
}

type SinkFunc func(TranscriptEvent)

func (f SinkFunc) Deliver(ev TranscriptEvent) { f(ev) }

// MultiSink delivers each event to every sink in order.
type MultiSink []EventSink

func (m MultiSink) Deliver(ev TranscriptEvent) {
	for _, sink := range m {
		if sink != nil {
			sink.Deliver(ev)
		}
	}
}
