package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-chat/internal/bus"
	"github.com/loqalabs/loqa-chat/internal/config"
	"github.com/loqalabs/loqa-chat/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Node is the last known state of one chat daemon on the bus.
type Node struct {
	ID       string
	Backends []protocol.Backend
	Sessions int64
	LastSeen time.Time
	Healthy  bool
}

// Registry announces this daemon, sends heartbeats carrying its session count
// and tracks every other daemon sharing the bus.
type Registry struct {
	cfg      config.NodeConfig
	version  string
	backends []protocol.Backend
	sessions func() int64
	log      *slog.Logger
	bus      *bus.Client
	now      func() time.Time

	mu     sync.RWMutex
	nodes  map[string]*Node
	cancel context.CancelFunc
	subs   []*nats.Subscription
	wg     sync.WaitGroup
}

// BackendsFromConfig lists the collaborator modes advertised by this daemon.
func BackendsFromConfig(cfg config.Config) []protocol.Backend {
	return []protocol.Backend{
		{Name: "llm", Mode: cfg.LLM.Mode},
		{Name: "image", Mode: cfg.Image.Mode},
		{Name: "tts", Mode: cfg.TTS.Mode},
	}
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, version string, backends []protocol.Backend, sessions func() int64, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:      cfg,
		version:  version,
		backends: backends,
		sessions: sessions,
		log:      log.With(slog.String("component", "presence")),
		bus:      busClient,
		now:      time.Now,
		nodes:    make(map[string]*Node),
		cancel:   cancel,
	}

	if err := r.initMetrics(otel.Meter("github.com/loqalabs/loqa-chat/internal/presence")); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	r.wg.Add(2)
	go r.runHeartbeat(ctx)
	go r.monitorHealth(ctx)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}
	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
	r.wg.Wait()
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectNodeAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectNodeHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		_ = announceSub.Drain()
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) announce() error {
	msg := protocol.NodeAnnounce{
		NodeID:    r.cfg.ID,
		Version:   r.version,
		Backends:  r.backends,
		Sessions:  r.sessions(),
		Timestamp: r.now().UTC(),
	}
	if err := r.bus.PublishJSON(protocol.SubjectNodeAnnounce, msg); err != nil {
		return err
	}
	r.updateNode(msg.NodeID, msg.Backends, msg.Sessions, msg.Timestamp)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := protocol.NodeHeartbeat{
		NodeID:    r.cfg.ID,
		Sessions:  r.sessions(),
		Timestamp: r.now().UTC(),
	}
	return r.bus.PublishJSON(protocol.SessionSubject(protocol.SubjectNodeHeartbeatPrefix, r.cfg.ID), msg)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement protocol.NodeAnnounce
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = r.now().UTC()
	}
	r.updateNode(announcement.NodeID, announcement.Backends, announcement.Sessions, announcement.Timestamp)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.NodeHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.now().UTC()
	}
	r.updateNode(hb.NodeID, nil, hb.Sessions, hb.Timestamp)
}

func (r *Registry) updateNode(nodeID string, backends []protocol.Backend, sessions int64, seen time.Time) {
	if nodeID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &Node{ID: nodeID}
		r.nodes[nodeID] = node
		r.log.Info("chat node discovered", slog.String("node_id", nodeID))
	}
	if len(backends) > 0 {
		node.Backends = backends
	}
	node.Sessions = sessions
	node.LastSeen = seen
	node.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.now()
	for _, node := range r.nodes {
		if node.Healthy && now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
			r.log.Warn("chat node missed heartbeats", slog.String("node_id", node.ID))
		}
	}
}

// Healthy reports whether this daemon still hears its own heartbeats.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

// Nodes returns a snapshot of every known daemon.
func (r *Registry) Nodes() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		n := *node
		n.Backends = append([]protocol.Backend(nil), node.Backends...)
		nodes = append(nodes, n)
	}
	return nodes
}

func (r *Registry) initMetrics(meter metric.Meter) error {
	gauge, err := meter.Int64ObservableGauge("loqa.chat.nodes", metric.WithDescription("Healthy chat daemons on the bus"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, r.healthyCount())
		return nil
	}, gauge)
	return err
}

func (r *Registry) healthyCount() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var n int64
	for _, node := range r.nodes {
		if node.Healthy {
			n++
		}
	}
	return n
}
