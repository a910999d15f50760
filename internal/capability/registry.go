package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/habla/internal/bus"
	"github.com/loqalabs/habla/internal/config"
	"github.com/loqalabs/habla/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Capability is one advertised node feature.
type Capability struct {
	Name       string            `json:"name"`
	Tier       string            `json:"tier,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NodeInfo is what the registry knows about a practice node. Busy means the
// node's microphone is held by an attempt.
type NodeInfo struct {
	ID           string       `json:"id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Busy         bool         `json:"busy"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

// Supports reports whether the node advertises the practice mode.
func (n NodeInfo) Supports(mode string) bool {
	name := "practice." + mode
	return slices.ContainsFunc(n.Capabilities, func(c Capability) bool { return c.Name == name })
}

const (
	subjectAnnounce        = "ctrl.node.announce"
	subjectHeartbeatPrefix = "ctrl.node.heartbeat"

	// Nodes silent for this many heartbeat timeouts are forgotten.
	evictAfterTimeouts = 3
)

type announceMessage struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

// Heartbeats repeat the capability list so late joiners learn it without
// waiting for the next announce, and carry the current mic state.
type heartbeatMessage struct {
	NodeID       string       `json:"node_id"`
	Capabilities []Capability `json:"capabilities,omitempty"`
	Busy         bool         `json:"busy"`
	Timestamp    time.Time    `json:"timestamp"`
}

// Registry announces this node's practice capabilities and tracks the
// practice nodes it hears from.
type Registry struct {
	cfg   config.NodeConfig
	caps  []Capability
	busy  func() bool
	log   *slog.Logger
	bus   *bus.Client
	clock func() time.Time

	mu     sync.RWMutex
	nodes  map[string]*NodeInfo
	cancel context.CancelFunc
	subs   []*nats.Subscription
}

// NewRegistry starts announcing avail on the bus. busy, when non-nil,
// reports whether this node's microphone is currently taken.
func NewRegistry(ctx context.Context, cfg config.NodeConfig, avail Availability, busy func() bool, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	if busy == nil {
		busy = func() bool { return false }
	}
	r := &Registry{
		cfg:    cfg,
		caps:   avail.Capabilities(),
		busy:   busy,
		log:    log.With(slog.String("component", "capability-registry")),
		bus:    busClient,
		clock:  time.Now,
		nodes:  make(map[string]*NodeInfo),
		cancel: cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		cancel()
		return nil, err
	}

	interval := time.Duration(cfg.HeartbeatInterval) * time.Millisecond
	if interval <= 0 {
		interval = 2 * time.Second
	}
	go r.run(ctx, interval)

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
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(subjectAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(subjectHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

// run publishes heartbeats and ages out silent nodes.
func (r *Registry) run(ctx context.Context, interval time.Duration) {
	heartbeat := time.NewTicker(interval)
	defer heartbeat.Stop()
	health := time.NewTicker(time.Second)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		case <-health.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) announce() error {
	msg := announceMessage{
		NodeID:       r.cfg.ID,
		Role:         r.cfg.Role,
		Capabilities: r.caps,
		Timestamp:    r.clock().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := r.bus.Conn().Publish(subjectAnnounce, payload); err != nil {
		return err
	}
	r.observe(msg.NodeID, msg.Role, msg.Capabilities, r.busy(), msg.Timestamp)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := heartbeatMessage{
		NodeID:       r.cfg.ID,
		Capabilities: r.caps,
		Busy:         r.busy(),
		Timestamp:    r.clock().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.bus.Conn().Publish(subjectHeartbeatPrefix+"."+r.cfg.ID, payload)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var a announceMessage
	if err := json.Unmarshal(msg.Data, &a); err != nil || a.NodeID == "" {
		r.log.Warn("invalid announce message", slog.String("subject", msg.Subject))
		return
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = r.clock().UTC()
	}
	r.observe(a.NodeID, a.Role, a.Capabilities, false, a.Timestamp)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.NodeID == "" {
		hb.NodeID = strings.TrimPrefix(msg.Subject, subjectHeartbeatPrefix+".")
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.clock().UTC()
	}
	r.observe(hb.NodeID, "", hb.Capabilities, hb.Busy, hb.Timestamp)
}

func (r *Registry) observe(nodeID, role string, caps []Capability, busy bool, seen time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		r.nodes[nodeID] = node
		r.log.Debug("practice node discovered", slog.String("node", nodeID))
	}
	if role != "" {
		node.Role = role
	}
	if len(caps) > 0 {
		node.Capabilities = caps
	}
	node.Busy = busy
	node.LastSeen = seen
	node.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.clock()
	for id, node := range r.nodes {
		silent := now.Sub(node.LastSeen)
		switch {
		case id != r.cfg.ID && silent > evictAfterTimeouts*timeout:
			delete(r.nodes, id)
			r.log.Info("practice node forgotten", slog.String("node", id), slog.Duration("silent", silent))
		case silent > timeout:
			node.Healthy = false
		}
	}
}

func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

// Query returns copies of the nodes matching filter, ordered by ID.
func (r *Registry) Query(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []NodeInfo
	for _, node := range r.nodes {
		info := *node
		info.Capabilities = slices.Clone(node.Capabilities)
		if filter == nil || filter(info) {
			results = append(results, info)
		}
	}
	slices.SortFunc(results, func(a, b NodeInfo) int { return strings.Compare(a.ID, b.ID) })
	return results
}

// LocalCapabilities is what this node advertises.
func (r *Registry) LocalCapabilities() []Capability {
	return slices.Clone(r.caps)
}

// PracticeNodes lists healthy nodes that support mode and whose microphone
// is free. An empty mode matches either practice mode.
func (r *Registry) PracticeNodes(mode string) []NodeInfo {
	return r.Query(func(n NodeInfo) bool {
		if !n.Healthy || n.Busy {
			return false
		}
		if mode == "" {
			return n.Supports(protocol.ModeCapture) || n.Supports(protocol.ModeTranscribe)
		}
		return n.Supports(mode)
	})
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/habla/runtime")
	available, err := meter.Int64ObservableGauge("habla.practice.nodes",
		metric.WithDescription("Healthy practice nodes by mic state"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		free, busy := r.snapshotCounts()
		obs.ObserveInt64(available, free, metric.WithAttributes(attribute.String("mic", "free")))
		obs.ObserveInt64(available, busy, metric.WithAttributes(attribute.String("mic", "busy")))
		return nil
	}, available)
	return err
}

func (r *Registry) snapshotCounts() (free, busy int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, node := range r.nodes {
		switch {
		case !node.Healthy:
		case node.Busy:
			busy++
		default:
			free++
		}
	}
	return free, busy
}
