package channel

import (
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/protocol"
	"github.com/loqalabs/loqa-listen/internal/session"
)

// BusSink publishes transcript events on <prefix>.text.partial,
// <prefix>.text.final and <prefix>.error.
type BusSink struct {
	bus     *bus.Client
	partial string
	final   string
	errors  string
	logger  *slog.Logger
}

func NewBusSink(busClient *bus.Client, prefix string) *BusSink {
	prefix = strings.TrimSuffix(prefix, ".")
	return &BusSink{
		bus:     busClient,
		partial: prefix + ".text.partial",
		final:   prefix + ".text.final",
		errors:  prefix + ".error",
		logger:  busClient.Logger().With(slog.String("component", "channel")),
	}
}

func (b *BusSink) Deliver(ev session.TranscriptEvent) {
	var (
		subject string
		payload any
	)
	switch ev.Kind {
	case session.KindPartial, session.KindFinal:
		subject = b.final
		if ev.Kind == session.KindPartial {
			subject = b.partial
		}
		payload = protocol.Transcript{
			SessionID: ev.SessionID,
			Mode:      string(ev.Mode),
			Sequence:  ev.Sequence,
			Text:      ev.Text,
			Partial:   ev.Kind == session.KindPartial,
			Timestamp: ev.Timestamp,
		}
	case session.KindError:
		subject = b.errors
		payload = protocol.SessionError{
			SessionID: ev.SessionID,
			Mode:      string(ev.Mode),
			Sequence:  ev.Sequence,
			Code:      string(ev.Code),
			Message:   ev.Message,
			Text:      ev.Text,
			Timestamp: ev.Timestamp,
		}
	default:
		return
	}

	if err := b.bus.PublishJSON(subject, payload); err != nil {
		b.logger.Warn("failed to publish transcript event", slog.String("subject", subject), slogError(err))
	}
}
