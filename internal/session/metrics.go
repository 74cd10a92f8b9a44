package session

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-listen/session"

type sessionMetrics struct {
	framesFed       metric.Int64Counter
	bytesFed        metric.Int64Counter
	partialsDropped metric.Int64Counter
	recordings      metric.Int64Counter
	failures        metric.Int64Counter
	registration    metric.Registration
}

// newSessionMetrics registers the session instruments on the global meter
// provider. Instrument errors degrade to no-op instruments.
func newSessionMetrics(s *Session) *sessionMetrics {
	meter := otel.Meter(instrumentationName)
	m := &sessionMetrics{}
	m.framesFed, _ = meter.Int64Counter("loqa.listen.frames_fed", metric.WithDescription("Audio frames fed to the recognizer"))
	m.bytesFed, _ = meter.Int64Counter("loqa.listen.bytes_fed", metric.WithDescription("PCM bytes fed to the recognizer"), metric.WithUnit("By"))
	m.partialsDropped, _ = meter.Int64Counter("loqa.listen.partials_dropped", metric.WithDescription("Partial transcripts dropped by the dispatcher"))
	m.recordings, _ = meter.Int64Counter("loqa.listen.recordings", metric.WithDescription("Recordings started"))
	m.failures, _ = meter.Int64Counter("loqa.listen.failures", metric.WithDescription("Recordings ended by a device or recognizer failure"))

	gauge, err := meter.Int64ObservableGauge("loqa.listen.recording", metric.WithDescription("1 while the session is recording"))
	if err == nil {
		m.registration, _ = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
			var v int64
			if s.State() == StateRecording {
				v = 1
			}
			obs.ObserveInt64(gauge, v)
			return nil
		}, gauge)
	}
	return m
}

func (m *sessionMetrics) fed(ctx context.Context, mode Mode, n int) {
	attrs := metric.WithAttributes(attribute.String("mode", string(mode)))
	if m.framesFed != nil {
		m.framesFed.Add(ctx, 1, attrs)
	}
	if m.bytesFed != nil {
		m.bytesFed.Add(ctx, int64(n), attrs)
	}
}

func (m *sessionMetrics) started(ctx context.Context, mode Mode) {
	if m.recordings != nil {
		m.recordings.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", string(mode))))
	}
}

func (m *sessionMetrics) failed(ctx context.Context, code ErrorCode) {
	if m.failures != nil {
		m.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("code", string(code))))
	}
}

func (m *sessionMetrics) dropped() {
	if m.partialsDropped != nil {
		m.partialsDropped.Add(context.Background(), 1)
	}
}

func (m *sessionMetrics) close() {
	if m.registration != nil {
		_ = m.registration.Unregister()
	}
}
