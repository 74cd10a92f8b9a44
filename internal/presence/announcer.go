package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-listen/internal/bus"
	"github.com/loqalabs/loqa-listen/internal/config"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	SubjectAnnounce        = "ctrl.node.announce"
	SubjectHeartbeatPrefix = "ctrl.node.heartbeat"

	reannounceHeader = "Loqa-Reannounce"
)

// Capability is a feature a node offers to the rest of the hub.
type Capability struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NodeInfo is the last known view of a node.
type NodeInfo struct {
	ID           string       `json:"id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	State        string       `json:"state,omitempty"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

// Local describes this node. State is sampled on every heartbeat.
type Local struct {
	Capabilities []Capability
	State        func() string
}

type announceMessage struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	State        string       `json:"state,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID    string    `json:"node_id"`
	State     string    `json:"state,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Announcer advertises the local node on the bus and tracks its peers.
type Announcer struct {
	cfg     config.PresenceConfig
	local   Local
	log     *slog.Logger
	bus     *bus.Client
	timeout time.Duration
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once

	mu    sync.RWMutex
	nodes map[string]*NodeInfo
	subs  []*nats.Subscription

	registration metric.Registration
}

func NewAnnouncer(ctx context.Context, cfg config.PresenceConfig, local Local, busClient *bus.Client, log *slog.Logger) (*Announcer, error) {
	ctx, cancel := context.WithCancel(ctx)
	a := &Announcer{
		cfg:     cfg,
		local:   local,
		log:     log.With(slog.String("component", "presence")),
		bus:     busClient,
		timeout: time.Duration(cfg.HeartbeatTimeout) * time.Millisecond,
		cancel:  cancel,
		done:    make(chan struct{}),
		nodes:   make(map[string]*NodeInfo),
	}

	if err := a.initMetrics(); err != nil {
		a.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := a.subscribe(); err != nil {
		cancel()
		a.unregister()
		return nil, err
	}

	if err := a.announce(); err != nil {
		a.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	go a.runHeartbeat(ctx, time.Duration(cfg.HeartbeatInterval)*time.Millisecond)
	return a, nil
}

// Close stops heartbeats and drains the subscriptions.
func (a *Announcer) Close() {
	a.once.Do(func() {
		a.cancel()
		<-a.done
		a.mu.Lock()
		subs := a.subs
		a.subs = nil
		a.mu.Unlock()
		for _, sub := range subs {
			_ = sub.Drain()
		}
		a.unregister()
	})
}

func (a *Announcer) unregister() {
	if a.registration != nil {
		_ = a.registration.Unregister()
		a.registration = nil
	}
}

func (a *Announcer) subscribe() error {
	conn := a.bus.Conn()
	announceSub, err := conn.Subscribe(SubjectAnnounce, a.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	heartbeatSub, err := conn.Subscribe(SubjectHeartbeatPrefix+".*", a.handleHeartbeat)
	if err != nil {
		_ = announceSub.Unsubscribe()
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	a.mu.Lock()
	a.subs = append(a.subs, announceSub, heartbeatSub)
	a.mu.Unlock()
	return nil
}

func (a *Announcer) runHeartbeat(ctx context.Context, interval time.Duration) {
	defer close(a.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.publishHeartbeat(); err != nil {
				a.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (a *Announcer) state() string {
	if a.local.State == nil {
		return ""
	}
	return a.local.State()
}

func (a *Announcer) announcement() announceMessage {
	return announceMessage{
		NodeID:       a.cfg.NodeID,
		Role:         a.cfg.Role,
		Capabilities: a.local.Capabilities,
		State:        a.state(),
		Timestamp:    time.Now().UTC(),
	}
}

func (a *Announcer) announce() error {
	msg := a.announcement()
	a.updateNode(msg.NodeID, msg.Role, msg.Capabilities, msg.State, msg.Timestamp)
	return a.bus.PublishJSON(SubjectAnnounce, msg)
}

func (a *Announcer) publishHeartbeat() error {
	return a.bus.PublishJSON(SubjectHeartbeatPrefix+"."+a.cfg.NodeID, heartbeatMessage{
		NodeID:    a.cfg.NodeID,
		State:     a.state(),
		Timestamp: time.Now().UTC(),
	})
}

func (a *Announcer) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil || announcement.NodeID == "" {
		a.log.Warn("invalid announce message", slog.String("subject", msg.Subject))
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = time.Now().UTC()
	}
	a.updateNode(announcement.NodeID, announcement.Role, announcement.Capabilities, announcement.State, announcement.Timestamp)

	// A newcomer learns about us without waiting for our next heartbeat.
	if announcement.NodeID != a.cfg.NodeID && msg.Header.Get(reannounceHeader) == "" {
		a.reannounce()
	}
}

func (a *Announcer) reannounce() {
	payload, err := json.Marshal(a.announcement())
	if err != nil {
		return
	}
	out := nats.NewMsg(SubjectAnnounce)
	out.Header.Set(reannounceHeader, a.cfg.NodeID)
	out.Data = payload
	if err := a.bus.Conn().PublishMsg(out); err != nil {
		a.log.Warn("failed to reannounce node", slog.String("error", err.Error()))
	}
}

func (a *Announcer) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.NodeID == "" {
		a.log.Warn("invalid heartbeat message", slog.String("subject", msg.Subject))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	a.updateNode(hb.NodeID, "", nil, hb.State, hb.Timestamp)
}

func (a *Announcer) updateNode(nodeID, role string, capabilities []Capability, state string, seen time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	node, ok := a.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		a.nodes[nodeID] = node
	}
	if role != "" {
		node.Role = role
	}
	if len(capabilities) > 0 {
		node.Capabilities = capabilities
	}
	if state != "" {
		node.State = state
	}
	if seen.After(node.LastSeen) {
		node.LastSeen = seen
	}
}

// Healthy reports whether the node has heard its own heartbeat recently,
// which proves the bus round trip works.
func (a *Announcer) Healthy() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	node, ok := a.nodes[a.cfg.NodeID]
	return ok && a.alive(node, time.Now())
}

func (a *Announcer) alive(node *NodeInfo, now time.Time) bool {
	return now.Sub(node.LastSeen) <= a.timeout
}

// Nodes returns the known nodes sorted by ID. A nil filter matches all.
func (a *Announcer) Nodes(filter func(NodeInfo) bool) []NodeInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()

	now := time.Now()
	var results []NodeInfo
	for _, node := range a.nodes {
		info := *node
		info.Healthy = a.alive(node, now)
		if filter == nil || filter(info) {
			results = append(results, info)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

func WithCapability(name string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Name == name {
				return true
			}
		}
		return false
	}
}

func (a *Announcer) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-listen/presence")
	gauge, err := meter.Int64ObservableGauge("loqa.presence.nodes", metric.WithDescription("Number of healthy nodes seen on the bus"))
	if err != nil {
		return err
	}
	a.registration, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(len(a.Nodes(func(n NodeInfo) bool { return n.Healthy }))))
		return nil
	}, gauge)
	return err
}
