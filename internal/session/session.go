package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/loqalabs/loqa-listen/internal/audio"
	"github.com/loqalabs/loqa-listen/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Options configures a Session. Recognizer is required. Device may be nil
// when only push mode is used.
type Options struct {
	Recognizer   stt.Recognizer
	Device       audio.Device
	Permission   audio.Permission
	Format       audio.Format
	BufferFactor int
	Sink         EventSink
	EventBuffer  int
	Logger       *slog.Logger
}

// Session owns one recognizer and at most one audio source. It moves through
// Idle -> Recording -> Stopping -> Idle.
//
// Lock order is mu then feedMu. mu serializes lifecycle calls; feedMu guards
// every recognizer call and every state change, so holding feedMu and seeing
// StateRecording means feeding is allowed.
type Session struct {
	rec          stt.Recognizer
	device       audio.Device
	permission   audio.Permission
	format       audio.Format
	bufferFactor int
	logger       *slog.Logger
	tracer       trace.Tracer
	metrics      *sessionMetrics
	dispatch     *dispatcher

	mu      sync.Mutex
	feedMu  sync.Mutex
	machine *fsm.FSM

	mode        Mode
	live        bool
	closed      bool
	gen         uint64
	id          string
	startedAt   time.Time
	source      *audio.Source
	stopLoop    chan struct{}
	loopDone    chan struct{}
	lastPartial string
	lastFinal   string
	seq         atomic.Uint64
}

func New(opts Options) (*Session, error) {
	if opts.Recognizer == nil {
		return nil, errors.New("session requires a recognizer")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "session"))
	format := opts.Format
	if format == (audio.Format{}) {
		format = audio.DefaultFormat
	}
	permission := opts.Permission
	if permission == nil {
		permission = audio.Granted
	}

	s := &Session{
		rec:          opts.Recognizer,
		device:       opts.Device,
		permission:   permission,
		format:       format,
		bufferFactor: opts.BufferFactor,
		logger:       logger,
		tracer:       otel.Tracer(instrumentationName),
	}
	s.machine = newStateMachine(func(from, to string) {
		logger.Debug("session state changed", slog.String("from", from), slog.String("to", to))
	})
	s.metrics = newSessionMetrics(s)
	s.dispatch = newDispatcher(opts.Sink, opts.EventBuffer, logger, s.metrics.dropped)
	return s, nil
}

func (s *Session) State() State {
	return State(s.machine.Current())
}

func (s *Session) Mode() Mode {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	return s.mode
}

// SessionID returns the ID of the current or most recent recording.
func (s *Session) SessionID() string {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	return s.id
}

func (s *Session) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// DroppedPartials reports how many partial events the dispatcher discarded.
func (s *Session) DroppedPartials() int64 {
	return s.dispatch.Dropped()
}

// InitRecognizer loads recognizer assets, destroying any live instance first.
func (s *Session) InitRecognizer(ctx context.Context, assets stt.Assets) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	if s.State() != StateIdle {
		s.stopLocked(ctx)
	}
	if s.live {
		s.destroyLocked()
	}

	ok, err := s.rec.Init(ctx, assets)
	if err != nil {
		s.logger.Warn("recognizer init failed", slogError(err))
		return false, fmt.Errorf("%w: %v", ErrRecognizerInitFailed, err)
	}
	if !ok {
		s.logger.Warn("recognizer init returned false")
		return false, ErrRecognizerInitFailed
	}
	s.live = true
	s.logger.Info("recognizer initialized", slog.String("model", assets.ModelPath), slog.String("language", assets.Language))
	return true, nil
}

// StartStream begins a push-mode recording fed through FeedAudio. Calling it
// while a push recording is active is a no-op.
func (s *Session) StartStream(ctx context.Context) error {
	_, span := s.tracer.Start(ctx, "session.start_stream")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkStartLocked(ModePush); err != nil {
		if errors.Is(err, errAlreadyRecording) {
			return nil
		}
		recordSpanError(span, err)
		return err
	}
	if err := s.rec.StartStream(); err != nil {
		err = fmt.Errorf("%w: start stream: %v", ErrRecognizer, err)
		recordSpanError(span, err)
		return err
	}
	if err := s.beginLocked(ctx, ModePush); err != nil {
		recordSpanError(span, err)
		return err
	}
	span.SetAttributes(attribute.String("session.id", s.id))
	return nil
}

// StartRecording opens the audio source and starts the capture loop. It
// reports true when the session is recording on return, including when it
// already was.
func (s *Session) StartRecording(ctx context.Context) (bool, error) {
	_, span := s.tracer.Start(ctx, "session.start_recording")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkStartLocked(ModePull); err != nil {
		if errors.Is(err, errAlreadyRecording) {
			return true, nil
		}
		recordSpanError(span, err)
		return false, err
	}

	src, err := audio.Open(s.device, s.permission, s.format, audio.Options{BufferFactor: s.bufferFactor, Logger: s.logger})
	if err != nil {
		s.logger.Warn("audio source open failed", slogError(err))
		recordSpanError(span, err)
		return false, err
	}
	if err := s.rec.StartStream(); err != nil {
		_ = src.Close()
		err = fmt.Errorf("%w: start stream: %v", ErrRecognizer, err)
		recordSpanError(span, err)
		return false, err
	}
	if err := s.beginLocked(ctx, ModePull); err != nil {
		_ = src.Close()
		recordSpanError(span, err)
		return false, err
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	s.source = src
	s.stopLoop = stop
	s.loopDone = done
	go s.captureLoop(s.gen, src, stop, done)

	span.SetAttributes(attribute.String("session.id", s.id), attribute.Int("buffer.bytes", src.BufferSize()))
	s.logger.Info("recording started", slog.String("session_id", s.id), slog.String("device", src.Device()), slog.Int("buffer_bytes", src.BufferSize()))
	return true, nil
}

var errAlreadyRecording = errors.New("already recording")

func (s *Session) checkStartLocked(mode Mode) error {
	if s.closed {
		return ErrClosed
	}
	switch s.State() {
	case StateRecording:
		if s.mode == mode {
			return errAlreadyRecording
		}
		return fmt.Errorf("%w: %s recording active", ErrStateConflict, s.mode)
	case StateStopping:
		return fmt.Errorf("%w: stop in progress", ErrStateConflict)
	}
	if !s.live {
		return fmt.Errorf("%w: recognizer not initialized", ErrStateConflict)
	}
	return nil
}

func (s *Session) beginLocked(ctx context.Context, mode Mode) error {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	if err := s.machine.Event(ctx, eventStart); err != nil {
		return fmt.Errorf("%w: %v", ErrStateConflict, err)
	}
	s.gen++
	s.id = uuid.NewString()
	s.startedAt = time.Now().UTC()
	s.mode = mode
	s.lastPartial = ""
	s.seq.Store(0)
	s.metrics.started(ctx, mode)
	return nil
}

// FeedAudio feeds caller-supplied PCM16LE audio during a push recording.
// Malformed payloads are rejected without touching session state.
func (s *Session) FeedAudio(pcm []byte) error {
	if len(pcm) == 0 {
		return fmt.Errorf("%w: empty audio payload", ErrInvalidArgument)
	}
	if len(pcm)%audio.BytesPerSample != 0 {
		return fmt.Errorf("%w: payload of %d bytes is not 16-bit aligned", ErrInvalidArgument, len(pcm))
	}

	s.feedMu.Lock()
	if s.State() != StateRecording || s.mode != ModePush {
		s.feedMu.Unlock()
		return fmt.Errorf("%w: no push stream active", ErrStateConflict)
	}
	gen := s.gen
	err := s.rec.Feed(pcm)
	if err == nil {
		s.metrics.fed(context.Background(), ModePush, len(pcm))
	}
	s.feedMu.Unlock()

	if err != nil {
		err = fmt.Errorf("%w: feed: %v", ErrRecognizer, err)
		s.fail(gen, err)
		return err
	}
	return nil
}

// GetPartialResult returns the recognizer's current partial while recording
// and the last known partial otherwise.
func (s *Session) GetPartialResult() (string, error) {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	if s.State() != StateRecording {
		return s.lastPartial, nil
	}
	partial, err := s.rec.Partial()
	if err != nil {
		s.logger.Debug("partial result unavailable", slogError(err))
		return s.lastPartial, nil
	}
	s.lastPartial = partial
	return partial, nil
}

// StopRecording ends a pull recording and returns the final transcript.
// Called while idle it returns the most recent final text.
func (s *Session) StopRecording(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() == StateIdle {
		return s.lastFinal, nil
	}
	if s.mode != ModePull {
		return "", fmt.Errorf("%w: %s recording active", ErrStateConflict, s.mode)
	}
	return s.stopLocked(ctx), nil
}

// StopStream ends the active recording in either mode and returns the final
// transcript. Called while idle it returns the most recent final text.
func (s *Session) StopStream(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() == StateIdle {
		return s.lastFinal, nil
	}
	return s.stopLocked(ctx), nil
}

// DestroyRecognizer stops any recording and releases the recognizer. Safe to
// call in any state.
func (s *Session) DestroyRecognizer() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != StateIdle {
		s.stopLocked(context.Background())
	}
	s.destroyLocked()
	return nil
}

// Close tears the session down and flushes pending events to the sink.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.State() != StateIdle {
		s.stopLocked(context.Background())
	}
	s.destroyLocked()
	s.mu.Unlock()

	s.dispatch.close()
	s.metrics.close()
	return nil
}

func (s *Session) destroyLocked() {
	if !s.live {
		return
	}
	s.feedMu.Lock()
	err := s.rec.Destroy()
	s.feedMu.Unlock()
	if err != nil {
		s.logger.Warn("recognizer destroy failed", slogError(err))
	}
	s.live = false
	s.logger.Info("recognizer destroyed")
}

// stopLocked runs Recording -> Stopping -> Idle. The final text falls back to
// the last partial when the recognizer cannot finalize.
func (s *Session) stopLocked(ctx context.Context) string {
	ctx, span := s.tracer.Start(ctx, "session.stop")
	defer span.End()

	s.feedMu.Lock()
	if err := s.machine.Event(ctx, eventStop); err != nil {
		s.logger.Warn("stop transition rejected", slogError(err))
	}
	mode := s.mode
	s.feedMu.Unlock()

	if s.stopLoop != nil {
		close(s.stopLoop)
		s.stopLoop = nil
	}
	if s.source != nil {
		if err := s.source.Close(); err != nil {
			s.logger.Warn("audio source close failed", slogError(err))
		}
	}
	if s.loopDone != nil {
		<-s.loopDone
		s.loopDone = nil
	}

	s.feedMu.Lock()
	text, err := s.rec.StopStream()
	fallback := s.lastPartial
	s.feedMu.Unlock()
	if err != nil {
		s.logger.Warn("recognizer stop failed, using last partial", slogError(err))
		recordSpanError(span, err)
		text = fallback
	}

	s.lastFinal = text
	s.emit(KindFinal, mode, text, "", "")
	s.source = nil

	s.feedMu.Lock()
	if err := s.machine.Event(ctx, eventFinish); err != nil {
		s.logger.Warn("finish transition rejected", slogError(err))
		s.machine.SetState(string(StateIdle))
	}
	s.mode = ModeNone
	s.feedMu.Unlock()

	span.SetAttributes(attribute.String("session.id", s.id), attribute.Int("final.length", len(text)))
	s.logger.Info("recording stopped", slog.String("session_id", s.id), slog.String("mode", string(mode)), slog.Int("final_length", len(text)))
	return text
}

// fail forces the recording identified by gen to Idle and reports err once.
// It is a no-op when that recording already ended.
func (s *Session) fail(gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.State() != StateRecording {
		return
	}

	ctx := context.Background()
	s.feedMu.Lock()
	if terr := s.machine.Event(ctx, eventFail); terr != nil {
		s.machine.SetState(string(StateIdle))
	}
	mode := s.mode
	s.mode = ModeNone
	_, stopErr := s.rec.StopStream()
	partial := s.lastPartial
	s.lastFinal = partial
	s.feedMu.Unlock()

	if stopErr != nil {
		s.logger.Debug("recognizer stop after failure", slogError(stopErr))
	}
	if s.stopLoop != nil {
		close(s.stopLoop)
		s.stopLoop = nil
	}
	if s.source != nil {
		if cerr := s.source.Close(); cerr != nil {
			s.logger.Warn("audio source close failed", slogError(cerr))
		}
		s.source = nil
	}
	s.loopDone = nil

	code := Code(err)
	s.metrics.failed(ctx, code)
	s.logger.Error("recording failed", slog.String("session_id", s.id), slog.String("code", string(code)), slogError(err))
	s.emit(KindError, mode, partial, code, err.Error())
}

func (s *Session) captureLoop(gen uint64, src *audio.Source, stop <-chan struct{}, done chan<- struct{}) {
	err := s.pump(src, stop)
	close(done)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		s.endOfStream(gen)
	default:
		s.fail(gen, err)
	}
}

// pump returns nil when the loop was asked to stop.
func (s *Session) pump(src *audio.Source, stop <-chan struct{}) error {
	for {
		frame, err := src.ReadNext()
		if err != nil {
			select {
			case <-stop:
				return nil
			default:
			}
			return err
		}
		more, err := s.feedFrame(frame)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

func (s *Session) feedFrame(frame audio.Frame) (bool, error) {
	s.feedMu.Lock()
	defer s.feedMu.Unlock()
	if s.State() != StateRecording {
		return false, nil
	}
	if err := s.rec.Feed(frame.Data); err != nil {
		return false, fmt.Errorf("%w: feed frame %d: %v", ErrRecognizer, frame.Sequence, err)
	}
	s.metrics.fed(context.Background(), ModePull, frame.Len())

	partial, err := s.rec.Partial()
	if err != nil {
		s.logger.Debug("partial result unavailable", slogError(err))
		return true, nil
	}
	if partial != "" && partial != s.lastPartial {
		s.lastPartial = partial
		s.emit(KindPartial, ModePull, partial, "", "")
	}
	return true, nil
}

func (s *Session) endOfStream(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.State() != StateRecording {
		return
	}
	s.logger.Info("audio source reached end of stream", slog.String("session_id", s.id))
	s.stopLocked(context.Background())
}

func (s *Session) emit(kind Kind, mode Mode, text string, code ErrorCode, message string) {
	s.dispatch.publish(TranscriptEvent{
		Kind:      kind,
		SessionID: s.id,
		Mode:      mode,
		Sequence:  s.seq.Add(1),
		Text:      text,
		Code:      code,
		Message:   message,
		StartedAt: s.startedAt,
		Timestamp: time.Now().UTC(),
	})
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
