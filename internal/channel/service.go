package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-listen/internal/audio"
	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/protocol"
	"github.com/loqalabs/loqa-listen/internal/session"
	"github.com/loqalabs/loqa-listen/internal/stt"
	"github.com/nats-io/nats.go"
)

const callTimeout = 30 * time.Second

// Recognition is the capability surface served over the bus.
type Recognition interface {
	InitRecognizer(ctx context.Context, assets stt.Assets) (bool, error)
	StartStream(ctx context.Context) error
	StartRecording(ctx context.Context) (bool, error)
	StopRecording(ctx context.Context) (string, error)
	FeedAudio(pcm []byte) error
	GetPartialResult() (string, error)
	StopStream(ctx context.Context) (string, error)
	DestroyRecognizer() error
	State() session.State
}

// Service answers request/reply calls on <prefix>.call.<method> and,
// optionally, feeds push-mode audio published on audio.frame.>.
type Service struct {
	cfg      config.ChannelConfig
	assets   stt.Assets
	bus      *bus.Client
	target   Recognition
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	subs     []*nats.Subscription
	ready    bool
	handlers map[string]func(context.Context, []byte) protocol.Reply
}

func NewService(parent context.Context, cfg config.ChannelConfig, assets stt.Assets, busClient *bus.Client, target Recognition) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:    cfg,
		assets: assets,
		bus:    busClient,
		target: target,
		logger: busClient.Logger().With(slog.String("component", "channel")),
		ctx:    ctx,
		cancel: cancel,
	}
	s.handlers = map[string]func(context.Context, []byte) protocol.Reply{
		protocol.MethodInitRecognizer:    s.initRecognizer,
		protocol.MethodStartStream:       s.startStream,
		protocol.MethodStartRecording:    s.startRecording,
		protocol.MethodStopRecording:     s.stopRecording,
		protocol.MethodFeedAudio:         s.feedAudio,
		protocol.MethodGetPartialResult:  s.getPartialResult,
		protocol.MethodStopStream:        s.stopStream,
		protocol.MethodDestroyRecognizer: s.destroyRecognizer,
	}
	return s
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, method := range protocol.Methods {
		subject := CallSubject(s.cfg.SubjectPrefix, method)
		sub, err := s.bus.Conn().Subscribe(subject, s.handleCall(method))
		if err != nil {
			s.unsubscribeLocked()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	if s.cfg.IngestFrames {
		subject := protocol.SubjectAudioFramePrefix + ".>"
		sub, err := s.bus.Conn().Subscribe(subject, s.handleFrame)
		if err != nil {
			s.unsubscribeLocked()
			return fmt.Errorf("subscribe audio frames: %w", err)
		}
		s.subs = append(s.subs, sub)
	}
	if err := s.bus.Conn().Flush(); err != nil {
		s.unsubscribeLocked()
		return fmt.Errorf("flush subscriptions: %w", err)
	}
	s.ready = true
	s.logger.Info("channel service ready", slog.String("prefix", s.cfg.SubjectPrefix), slog.Bool("ingest_frames", s.cfg.IngestFrames))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribeLocked()
	s.ready = false
}

func (s *Service) Healthy() bool {
	if !s.cfg.Enabled {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready && s.bus.Healthy()
}

func (s *Service) unsubscribeLocked() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

// CallSubject returns the request subject for a method under prefix.
func CallSubject(prefix, method string) string {
	return strings.TrimSuffix(prefix, ".") + ".call." + method
}

func (s *Service) handleCall(method string) nats.MsgHandler {
	handler := s.handlers[method]
	return func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(s.ctx, callTimeout)
		defer cancel()

		reply := handler(ctx, msg.Data)
		if !reply.OK && reply.Code != "" {
			s.logger.Debug("call rejected", slog.String("method", method), slog.String("code", reply.Code), slog.String("error", reply.Error))
		}
		if msg.Reply == "" {
			return
		}
		data, err := json.Marshal(reply)
		if err != nil {
			s.logger.Error("failed to encode reply", slog.String("method", method), slogError(err))
			return
		}
		if err := msg.Respond(data); err != nil {
			s.logger.Warn("failed to send reply", slog.String("method", method), slogError(err))
		}
	}
}

func (s *Service) initRecognizer(ctx context.Context, data []byte) protocol.Reply {
	assets := s.assets
	if len(data) > 0 {
		var req protocol.InitRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return invalidArgument(err)
		}
		if req.ModelPath != "" {
			assets.ModelPath = req.ModelPath
		}
		if req.Language != "" {
			assets.Language = req.Language
		}
	}
	ok, err := s.target.InitRecognizer(ctx, assets)
	if err != nil {
		return errorReply(err)
	}
	return protocol.Reply{OK: ok}
}

func (s *Service) startStream(ctx context.Context, _ []byte) protocol.Reply {
	if err := s.target.StartStream(ctx); err != nil {
		return errorReply(err)
	}
	return protocol.Reply{OK: true}
}

func (s *Service) startRecording(ctx context.Context, _ []byte) protocol.Reply {
	ok, err := s.target.StartRecording(ctx)
	if err != nil {
		return errorReply(err)
	}
	return protocol.Reply{OK: ok}
}

func (s *Service) stopRecording(ctx context.Context, _ []byte) protocol.Reply {
	text, err := s.target.StopRecording(ctx)
	if err != nil {
		return errorReply(err)
	}
	return protocol.Reply{OK: true, Text: text}
}

func (s *Service) feedAudio(_ context.Context, data []byte) protocol.Reply {
	var req protocol.FeedRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return invalidArgument(err)
	}
	if err := s.target.FeedAudio(req.PCM); err != nil {
		return errorReply(err)
	}
	return protocol.Reply{OK: true}
}

func (s *Service) getPartialResult(_ context.Context, _ []byte) protocol.Reply {
	text, err := s.target.GetPartialResult()
	if err != nil {
		return errorReply(err)
	}
	return protocol.Reply{OK: true, Text: text}
}

func (s *Service) stopStream(ctx context.Context, _ []byte) protocol.Reply {
	text, err := s.target.StopStream(ctx)
	if err != nil {
		return errorReply(err)
	}
	return protocol.Reply{OK: true, Text: text}
}

func (s *Service) destroyRecognizer(_ context.Context, _ []byte) protocol.Reply {
	if err := s.target.DestroyRecognizer(); err != nil {
		s.logger.Warn("destroy recognizer failed", slogError(err))
	}
	return protocol.Reply{OK: true}
}

// handleFrame maps bus audio frames onto the push-mode calls. The first
// frame of an idle session starts a stream; a final frame stops it.
func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.logger.Warn("failed to decode audio frame", slogError(err))
		return
	}
	if (frame.SampleRate != 0 && frame.SampleRate != audio.SampleRate) || (frame.Channels != 0 && frame.Channels != audio.Channels) {
		s.logger.Warn("dropping audio frame with unsupported format",
			slog.String("session_id", frame.SessionID),
			slog.Int("sample_rate", frame.SampleRate),
			slog.Int("channels", frame.Channels))
		return
	}

	if len(frame.PCM) > 0 {
		if s.target.State() == session.StateIdle {
			if err := s.target.StartStream(s.ctx); err != nil {
				s.logger.Warn("failed to start stream for audio frame", slog.String("session_id", frame.SessionID), slogError(err))
				return
			}
		}
		if err := s.target.FeedAudio(frame.PCM); err != nil {
			s.logger.Warn("failed to feed audio frame", slog.String("session_id", frame.SessionID), slog.Int("sequence", frame.Sequence), slogError(err))
			return
		}
	}

	if frame.Final {
		if _, err := s.target.StopStream(s.ctx); err != nil {
			s.logger.Warn("failed to stop stream", slog.String("session_id", frame.SessionID), slogError(err))
		}
	}
}

func invalidArgument(err error) protocol.Reply {
	return errorReply(fmt.Errorf("%w: %v", session.ErrInvalidArgument, err))
}

func errorReply(err error) protocol.Reply {
	return protocol.Reply{OK: false, Code: string(session.Code(err)), Error: err.Error()}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
