package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-listen/internal/audio"
	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/channel"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/loqalabs/loqa-listen/internal/eventstore"
	"github.com/loqalabs/loqa-listen/internal/natsserver"
	"github.com/loqalabs/loqa-listen/internal/presence"
	"github.com/loqalabs/loqa-listen/internal/session"
	"github.com/loqalabs/loqa-listen/internal/stt"
	"github.com/loqalabs/loqa-listen/internal/wsfeed"
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	telemetry     *telemetry
	ready         atomic.Bool
	wg            sync.WaitGroup

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *eventstore.Store
	hub      *wsfeed.Hub
	session  *session.Session
	channel  *channel.Service
	presence *presence.Announcer
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel

	if err := r.setup(ctx); err != nil {
		r.teardown(context.Background())
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if tel.metrics != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", tel.metrics)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("feed", r.cfg.HTTP.FeedPath))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	r.teardown(shutdownCtx)

	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

// setup builds the capture pipeline and its sinks. Components created before
// a failure are released by teardown.
func (r *Runtime) setup(ctx context.Context) error {
	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	if r.cfg.Channel.Enabled {
		if err := r.connectBus(ctx); err != nil {
			return err
		}
	}

	recognizer, err := stt.New(r.cfg.STT)
	if err != nil {
		return fmt.Errorf("create recognizer: %w", err)
	}

	device, err := audio.NewDevice(r.cfg.Audio)
	if err != nil {
		r.logger.Warn("capture device unavailable, pull mode disabled", slog.String("error", err.Error()))
		device = nil
	}

	r.hub = wsfeed.NewHub(r.logger, r.cfg.Session.EventBuffer)
	sinks := session.MultiSink{r.hub, eventstore.NewTimelineSink(store, r.logger)}
	if r.bus != nil {
		sinks = append(sinks, channel.NewBusSink(r.bus, r.cfg.Channel.SubjectPrefix))
	}

	opts := session.Options{
		Recognizer:   recognizer,
		Permission:   audio.PermissionFromConfig(r.cfg.Audio.MicrophonePermission),
		BufferFactor: r.cfg.Audio.BufferFactor,
		Sink:         sinks,
		EventBuffer:  r.cfg.Session.EventBuffer,
		Logger:       r.logger,
	}
	if device != nil {
		opts.Device = device
	}
	sess, err := session.New(opts)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	r.session = sess

	if r.cfg.Session.AutoInit {
		if _, err := sess.InitRecognizer(ctx, stt.AssetsFromConfig(r.cfg.STT)); err != nil {
			r.logger.Warn("recognizer auto-init failed", slog.String("error", err.Error()))
		}
	}

	if r.bus != nil {
		r.channel = channel.NewService(ctx, r.cfg.Channel, stt.AssetsFromConfig(r.cfg.STT), r.bus, sess)
		if err := r.channel.Start(); err != nil {
			return fmt.Errorf("start channel service: %w", err)
		}
		if r.cfg.Presence.Enabled {
			announcer, err := presence.NewAnnouncer(ctx, r.cfg.Presence, r.localPresence(device), r.bus, r.logger)
			if err != nil {
				return fmt.Errorf("start presence: %w", err)
			}
			r.presence = announcer
		}
	}
	return nil
}

func (r *Runtime) localPresence(device audio.Device) presence.Local {
	caps := []presence.Capability{{
		Name: "stt.stream",
		Attributes: map[string]string{
			"language": r.cfg.STT.Language,
			"engine":   r.cfg.STT.Mode,
			"subjects": r.cfg.Channel.SubjectPrefix,
		},
	}}
	if device != nil {
		caps = append(caps, presence.Capability{
			Name:       "stt.recording",
			Attributes: map[string]string{"device": device.Name()},
		})
	}
	return presence.Local{
		Capabilities: caps,
		State:        func() string { return string(r.session.State()) },
	}
}

func (r *Runtime) connectBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("start embedded bus: %w", err)
		}
		r.nats = srv
		busCfg.Servers = []string{srv.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}
	r.bus = client
	return nil
}

// teardown releases components in reverse order. The session is closed
// before its sinks so queued events still reach them.
func (r *Runtime) teardown(ctx context.Context) {
	if r.presence != nil {
		r.presence.Close()
	}
	if r.channel != nil {
		r.channel.Close()
	}
	if r.session != nil {
		if err := r.session.Close(); err != nil {
			r.logger.Warn("session close failed", slog.String("error", err.Error()))
		}
	}
	if r.hub != nil {
		r.hub.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close failed", slog.String("error", err.Error()))
		}
	}
	r.nats.Shutdown()
	if r.telemetry != nil {
		if err := r.telemetry.shutdown(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/status", r.handleStatus)
	mux.HandleFunc("/recordings", r.handleRecordings)
	if r.cfg.HTTP.FeedPath != "" && r.hub != nil {
		mux.Handle(r.cfg.HTTP.FeedPath, r.hub)
	}
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	ready := r.ready.Load() && r.session != nil
	if r.channel != nil && !r.channel.Healthy() {
		ready = false
	}
	if ready {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type statusResponse struct {
	State           string `json:"state"`
	Mode            string `json:"mode,omitempty"`
	SessionID       string `json:"session_id,omitempty"`
	Initialized     bool   `json:"initialized"`
	DroppedPartials int64  `json:"dropped_partials"`
	FeedClients     int    `json:"feed_clients"`
	FeedDropped     int64  `json:"feed_dropped"`
	BusConnected    bool   `json:"bus_connected"`

	Nodes []presence.NodeInfo `json:"nodes,omitempty"`
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if r.session == nil {
		http.Error(w, "session not running", http.StatusServiceUnavailable)
		return
	}
	resp := statusResponse{
		State:           string(r.session.State()),
		Mode:            string(r.session.Mode()),
		SessionID:       r.session.SessionID(),
		Initialized:     r.session.Initialized(),
		DroppedPartials: r.session.DroppedPartials(),
		BusConnected:    r.bus.Healthy(),
	}
	if r.hub != nil {
		resp.FeedClients = r.hub.Clients()
		resp.FeedDropped = r.hub.Dropped()
	}
	if r.presence != nil {
		resp.Nodes = r.presence.Nodes(nil)
	}
	writeJSON(w, resp)
}

type recordingResponse struct {
	SessionID   string     `json:"session_id"`
	Mode        string     `json:"mode"`
	Outcome     string     `json:"outcome,omitempty"`
	ErrorCode   string     `json:"error_code,omitempty"`
	Partials    int        `json:"partials"`
	FinalLength int        `json:"final_length"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

func (r *Runtime) handleRecordings(w http.ResponseWriter, req *http.Request) {
	limit := 20
	if raw := req.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	recordings, err := r.store.RecentRecordings(req.Context(), limit)
	if err != nil {
		r.logger.Warn("failed to list recordings", slog.String("error", err.Error()))
		http.Error(w, "failed to list recordings", http.StatusInternalServerError)
		return
	}
	resp := make([]recordingResponse, 0, len(recordings))
	for _, rec := range recordings {
		item := recordingResponse{
			SessionID:   rec.SessionID,
			Mode:        rec.Mode,
			Outcome:     rec.Outcome,
			ErrorCode:   rec.ErrorCode,
			Partials:    rec.Partials,
			FinalLength: rec.FinalLength,
			StartedAt:   rec.StartedAt,
		}
		if !rec.EndedAt.IsZero() {
			ended := rec.EndedAt
			item.EndedAt = &ended
		}
		resp = append(resp, item)
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
