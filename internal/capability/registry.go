// Package capability advertises running pipelines on the bus and tracks which
// ones are still alive.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-chatbox/internal/bus"
	"github.com/loqalabs/loqa-chatbox/internal/config"
	"github.com/loqalabs/loqa-chatbox/internal/protocol"
)

const RoleChatbox = "stt-chatbox"

// Node is a pipeline seen on the bus.
type Node struct {
	RunID        string
	Role         string
	Capabilities []protocol.Capability
	LastSeen     time.Time
	Healthy      bool
}

type Registry struct {
	cfg   config.BusConfig
	local protocol.Announce
	log   *slog.Logger
	bus   *bus.Client
	clock func() time.Time

	mu    sync.RWMutex
	nodes map[string]*Node

	cancel  context.CancelFunc
	done    sync.WaitGroup
	subs    []*nats.Subscription
	metrics metric.Registration
}

// NewRegistry subscribes to presence traffic, announces the local pipeline and
// starts heartbeating until Close.
func NewRegistry(ctx context.Context, cfg config.BusConfig, runID string, capabilities []protocol.Capability, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg: cfg,
		local: protocol.Announce{
			RunID:        runID,
			Role:         RoleChatbox,
			Capabilities: capabilities,
		},
		log:    log.With(slog.String("component", "capability-registry")),
		bus:    busClient,
		clock:  time.Now,
		nodes:  make(map[string]*Node),
		cancel: cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if err := r.subscribe(); err != nil {
		r.Close()
		return nil, err
	}
	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce pipeline", slog.String("error", err.Error()))
	}

	r.done.Add(1)
	go r.run(ctx)
	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	r.done.Wait()
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	r.subs = nil
	if r.metrics != nil {
		if err := r.metrics.Unregister(); err != nil {
			r.log.Warn("failed to unregister metrics", slog.String("error", err.Error()))
		}
		r.metrics = nil
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) run(ctx context.Context) {
	defer r.done.Done()
	heartbeat := time.NewTicker(time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
			r.evaluateHealth()
		}
	}
}

func (r *Registry) announce() error {
	msg := r.local
	msg.Timestamp = r.clock().UTC()
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.bus.Conn().Publish(protocol.SubjectAnnounce, payload)
}

func (r *Registry) publishHeartbeat() error {
	payload, err := json.Marshal(protocol.Heartbeat{RunID: r.local.RunID, Timestamp: r.clock().UTC()})
	if err != nil {
		return err
	}
	return r.bus.Conn().Publish(protocol.SubjectHeartbeatPrefix+"."+r.local.RunID, payload)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement protocol.Announce
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = r.clock().UTC()
	}
	r.updateNode(announcement.RunID, announcement.Role, announcement.Capabilities, announcement.Timestamp)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.Heartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.clock().UTC()
	}
	r.updateNode(hb.RunID, "", nil, hb.Timestamp)
}

func (r *Registry) updateNode(runID, role string, capabilities []protocol.Capability, seen time.Time) {
	if runID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[runID]
	if !ok {
		node = &Node{RunID: runID}
		r.nodes[runID] = node
	}
	if role != "" {
		node.Role = role
	}
	if len(capabilities) > 0 {
		node.Capabilities = capabilities
	}
	node.LastSeen = seen
	node.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.clock()
	for _, node := range r.nodes {
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
}

// Healthy reports whether the local pipeline's own presence traffic is
// making the round trip through the bus.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[r.local.RunID]
	return ok && node.Healthy
}

// Query returns the known pipelines that match filter.
func (r *Registry) Query(filter func(Node) bool) []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []Node
	for _, node := range r.nodes {
		n := *node
		if filter == nil || filter(n) {
			results = append(results, n)
		}
	}
	return results
}

func WithCapability(name string) func(Node) bool {
	return func(node Node) bool {
		for _, c := range node.Capabilities {
			if c.Name == name {
				return true
			}
		}
		return false
	}
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-chatbox/capability")
	gauge, err := meter.Int64ObservableGauge("loqa.chatbox.pipelines", metric.WithDescription("Healthy pipelines seen on the bus"))
	if err != nil {
		return err
	}
	r.metrics, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(len(r.Query(func(n Node) bool { return n.Healthy }))))
		return nil
	}, gauge)
	return err
}
