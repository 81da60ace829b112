// Package registry is the process-wide state container: the topic map, the
// agent map, the agent-broadcast map and the connection-egress map, plus the
// join/leave/cleanup lifecycle and empty-topic garbage collection.
//
// Each map is guarded by its own mutex. Operations that touch multiple maps
// acquire them in a fixed order (topics, agents, agentTx, connTx); task
// aborts and Redis publishes always run outside the locks.
package registry

import (
	"context"
	stderrors "errors"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/nmxmxh/channel-gateway/internal/bus"
	"github.com/nmxmxh/channel-gateway/internal/metrics"
	"github.com/nmxmxh/channel-gateway/internal/presence"
	"github.com/nmxmxh/channel-gateway/internal/protocol"
	"github.com/nmxmxh/channel-gateway/pkg/errors"
)

// EventPublisher publishes gateway-originated events to Redis: admin meta
// events and presence diffs. Failures never propagate back here.
type EventPublisher interface {
	PublishMeta(ctx context.Context, category, action string, body map[string]any)
	PublishPresenceDiff(ctx context.Context, topic string, diff presence.Diff)
}

// ListenerFactory starts the Redis ingress listener for a topic and returns
// the cancel for the listener task. onExit runs when the listener task ends
// for any reason; the registry uses it to clear the stored handle.
type ListenerFactory func(ctx context.Context, topic string, tx *bus.Broadcast, onExit func()) context.CancelFunc

// Registry tracks connections, agents, topics and their broadcast buses.
type Registry struct {
	log         *zap.Logger
	baseCtx     context.Context
	busCapacity int
	pub         EventPublisher
	newListener ListenerFactory

	topicsMu sync.Mutex
	topics   map[string]*Topic

	agentsMu sync.Mutex
	agents   map[string]*Agent

	agentTxMu sync.Mutex
	agentTx   map[string]*bus.Broadcast

	connTxMu sync.Mutex
	connTx   map[string]*bus.Broadcast
}

// New creates a registry and pre-creates the special topics. Background
// tasks (relays, listeners) are parented on ctx; canceling it tears all of
// them down. pub and newListener may be nil in tests.
func New(ctx context.Context, log *zap.Logger, busCapacity int, pub EventPublisher, newListener ListenerFactory) *Registry {
	if busCapacity <= 0 {
		busCapacity = 100
	}
	r := &Registry{
		log:         log.With(zap.String("module", "registry")),
		baseCtx:     ctx,
		busCapacity: busCapacity,
		pub:         pub,
		newListener: newListener,
		topics:      make(map[string]*Topic),
		agents:      make(map[string]*Agent),
		agentTx:     make(map[string]*bus.Broadcast),
		connTx:      make(map[string]*bus.Broadcast),
	}
	for _, name := range []string{protocol.TopicPhoenix, protocol.TopicAdmin, protocol.TopicSystem} {
		r.EnsureTopic(ctx, name)
	}
	return r
}

// EnsureTopic creates the topic if absent and makes sure its Redis ingress
// listener is running. Idempotent.
func (r *Registry) EnsureTopic(ctx context.Context, name string) *Topic {
	r.topicsMu.Lock()
	t, ok := r.topics[name]
	created := false
	if !ok {
		t = newTopic(name, r.busCapacity)
		r.topics[name] = t
		created = true
	}
	listenerStarted := false
	if t.listenerCancel == nil && r.newListener != nil {
		t.listenerCancel = r.newListener(r.baseCtx, name, t.Bus, func() { r.ClearListener(name) })
		listenerStarted = true
	}
	r.topicsMu.Unlock()

	if created {
		metrics.ActiveTopics.Inc()
		r.log.Info("topic created", zap.String("channel", name))
		r.publishMeta(ctx, "channel", "add", map[string]any{"channel": name})
	}
	if listenerStarted {
		r.publishMeta(ctx, "channel", "add-redis-listener", map[string]any{"channel": name})
	}
	return t
}

// ClearListener drops the topic's listener handle after the listener task
// exited, so a subsequent join may relaunch it.
func (r *Registry) ClearListener(name string) {
	r.topicsMu.Lock()
	defer r.topicsMu.Unlock()
	if t, ok := r.topics[name]; ok {
		t.listenerCancel = nil
	}
}

// AddConn creates the connection's egress bus if absent. Idempotent.
func (r *Registry) AddConn(connID string) {
	r.connTxMu.Lock()
	defer r.connTxMu.Unlock()
	if _, ok := r.connTx[connID]; !ok {
		r.connTx[connID] = bus.New(r.busCapacity)
		metrics.ActiveConnections.Inc()
	}
}

// AddAgent creates the per-agent broadcast if absent. Idempotent.
func (r *Registry) AddAgent(agentID string) {
	r.agentTxMu.Lock()
	defer r.agentTxMu.Unlock()
	if _, ok := r.agentTx[agentID]; !ok {
		r.agentTx[agentID] = bus.New(r.busCapacity)
	}
}

// ConnEgress returns the egress bus for a connection.
func (r *Registry) ConnEgress(connID string) (*bus.Broadcast, bool) {
	r.connTxMu.Lock()
	defer r.connTxMu.Unlock()
	b, ok := r.connTx[connID]
	return b, ok
}

// Join subscribes the agent's relay to the topic bus and inserts the agent
// record. The topic, the agent broadcast and the connection egress must
// already exist. A duplicate agent ID is warned about; the prior relay is
// aborted and the newer record wins.
func (r *Registry) Join(ctx context.Context, topic, agentID, externalID string) error {
	connID, joinRef, ok := splitAgentID(agentID, topic)
	if !ok {
		return errors.Wrap(errors.ErrAgentNotInitiated, "malformed agent id "+agentID)
	}

	var priorCancel context.CancelFunc

	r.topicsMu.Lock()
	t, ok := r.topics[topic]
	if !ok {
		r.topicsMu.Unlock()
		return errors.ErrChannelNotFound
	}

	r.agentsMu.Lock()
	if prior, dup := r.agents[agentID]; dup {
		r.log.Warn("duplicate agent join, replacing prior relay", zap.String("agent", agentID))
		priorCancel = prior.relayCancel
	}

	r.agentTxMu.Lock()
	agentBus, okAgent := r.agentTx[agentID]

	r.connTxMu.Lock()
	connBus, okConn := r.connTx[connID]

	if !okAgent || !okConn {
		r.connTxMu.Unlock()
		r.agentTxMu.Unlock()
		r.agentsMu.Unlock()
		r.topicsMu.Unlock()
		return errors.ErrAgentNotInitiated
	}

	relayCtx, cancel := context.WithCancel(r.baseCtx)
	startRelay(relayCtx, r.log, joinRef, t.Bus, agentBus, connBus)
	r.agents[agentID] = &Agent{
		ID:          agentID,
		ConnID:      connID,
		Channel:     topic,
		ExternalID:  externalID,
		relayCancel: cancel,
	}
	t.addAgent(agentID)
	agentCount := len(r.agents)

	r.connTxMu.Unlock()
	r.agentTxMu.Unlock()
	r.agentsMu.Unlock()
	r.topicsMu.Unlock()

	metrics.ActiveAgents.Set(float64(agentCount))
	if priorCancel != nil {
		priorCancel()
	}
	r.log.Info("agent joined", zap.String("channel", topic), zap.String("agent", agentID))
	r.publishMeta(ctx, "channel", "join", map[string]any{"channel": topic, "agent": agentID, "id": externalID})
	r.publishDiff(ctx, topic, presence.JoinDiff(externalID, agentID))
	return nil
}

// Leave aborts the agent's relay, removes the agent record and decrements
// the topic count. The agent ID must embed the topic, as on join. Empty
// non-special topics are garbage-collected.
func (r *Registry) Leave(ctx context.Context, topic, agentID string) error {
	if _, _, ok := splitAgentID(agentID, topic); !ok {
		return errors.Wrap(errors.ErrAgentNotInitiated, "malformed agent id "+agentID)
	}

	r.topicsMu.Lock()
	t, ok := r.topics[topic]
	if !ok {
		r.topicsMu.Unlock()
		return errors.ErrChannelNotFound
	}

	r.agentsMu.Lock()
	agent, ok := r.agents[agentID]
	if !ok {
		r.agentsMu.Unlock()
		r.topicsMu.Unlock()
		return errors.ErrAgentNotInitiated
	}
	delete(r.agents, agentID)
	t.removeAgent(agentID)

	r.agentTxMu.Lock()
	if agentBus, ok := r.agentTx[agentID]; ok {
		agentBus.Close()
		delete(r.agentTx, agentID)
	}
	r.agentTxMu.Unlock()

	agentCount := len(r.agents)
	r.agentsMu.Unlock()
	r.topicsMu.Unlock()

	metrics.ActiveAgents.Set(float64(agentCount))
	agent.relayCancel()
	r.log.Info("agent left", zap.String("channel", topic), zap.String("agent", agentID))
	r.publishMeta(ctx, "channel", "leave", map[string]any{"channel": topic, "agent": agentID, "id": agent.ExternalID})
	r.publishDiff(ctx, topic, presence.LeaveDiff(agent.ExternalID, agentID))
	r.gcTopic(ctx, topic)
	return nil
}

// ConnCleanup removes every agent belonging to the connection, aborts their
// relays, removes the connection egress, publishes one batched leave diff
// per affected topic and garbage-collects emptied topics.
func (r *Registry) ConnCleanup(ctx context.Context, connID string) {
	r.topicsMu.Lock()
	r.agentsMu.Lock()
	r.agentTxMu.Lock()
	r.connTxMu.Lock()

	var removed []*Agent
	for id, a := range r.agents {
		if a.ConnID != connID {
			continue
		}
		removed = append(removed, a)
		delete(r.agents, id)
		if t, ok := r.topics[a.Channel]; ok {
			t.removeAgent(id)
		}
		if agentBus, ok := r.agentTx[id]; ok {
			agentBus.Close()
			delete(r.agentTx, id)
		}
	}
	if connBus, ok := r.connTx[connID]; ok {
		connBus.Close()
		delete(r.connTx, connID)
		metrics.ActiveConnections.Dec()
	}
	agentCount := len(r.agents)

	r.connTxMu.Unlock()
	r.agentTxMu.Unlock()
	r.agentsMu.Unlock()
	r.topicsMu.Unlock()

	metrics.ActiveAgents.Set(float64(agentCount))
	byTopic := make(map[string][]presence.Subscription)
	for _, a := range removed {
		a.relayCancel()
		byTopic[a.Channel] = append(byTopic[a.Channel], presence.Subscription{
			ExternalID: a.ExternalID,
			PhxRef:     a.ID,
		})
	}
	for topic, subs := range byTopic {
		r.publishDiff(ctx, topic, presence.LeavesDiff(subs))
		r.gcTopic(ctx, topic)
	}
	if len(removed) > 0 {
		r.log.Info("connection cleaned up",
			zap.String("conn_id", connID),
			zap.Int("agents_removed", len(removed)))
	}
}

// RemoveTopic forcibly removes a topic: aborts every agent relay on it,
// aborts the Redis ingress listener and deletes the topic entry.
func (r *Registry) RemoveTopic(ctx context.Context, topic string) error {
	r.topicsMu.Lock()
	t, ok := r.topics[topic]
	if !ok {
		r.topicsMu.Unlock()
		return errors.ErrChannelNotFound
	}
	delete(r.topics, topic)
	listenerCancel := t.listenerCancel
	t.listenerCancel = nil
	agentIDs := append([]string(nil), t.agents...)

	r.agentsMu.Lock()
	var cancels []context.CancelFunc
	for _, id := range agentIDs {
		if a, ok := r.agents[id]; ok {
			cancels = append(cancels, a.relayCancel)
			delete(r.agents, id)
		}
	}

	r.agentTxMu.Lock()
	for _, id := range agentIDs {
		if agentBus, ok := r.agentTx[id]; ok {
			agentBus.Close()
			delete(r.agentTx, id)
		}
	}
	r.agentTxMu.Unlock()

	agentCount := len(r.agents)
	r.agentsMu.Unlock()
	r.topicsMu.Unlock()

	t.Bus.Close()
	if listenerCancel != nil {
		listenerCancel()
	}
	for _, cancel := range cancels {
		cancel()
	}
	metrics.ActiveAgents.Set(float64(agentCount))
	metrics.ActiveTopics.Dec()
	r.log.Info("topic removed", zap.String("channel", topic))
	r.publishMeta(ctx, "channel", "remove", map[string]any{"channel": topic})
	return nil
}

// Broadcast sends a message to the topic bus and returns the subscriber
// count.
func (r *Registry) Broadcast(topic string, msg protocol.Message) (int, error) {
	r.topicsMu.Lock()
	t, ok := r.topics[topic]
	if !ok {
		r.topicsMu.Unlock()
		return 0, errors.ErrChannelNotFound
	}
	count := int(t.Count())
	if count == 0 {
		r.topicsMu.Unlock()
		return 0, errors.ErrChannelEmpty
	}
	topicBus := t.Bus
	r.topicsMu.Unlock()

	if _, err := topicBus.Send(msg); err != nil {
		if stderrors.Is(err, bus.ErrNoReceivers) {
			return 0, errors.ErrChannelEmpty
		}
		return 0, errors.Wrap(errors.ErrMessageSend, err.Error())
	}
	return count, nil
}

// PresenceState computes the presence snapshot for a topic by grouping the
// agent set by external identity.
func (r *Registry) PresenceState(topic string) presence.State {
	r.agentsMu.Lock()
	var subs []presence.Subscription
	for id, a := range r.agents {
		if a.Channel == topic {
			subs = append(subs, presence.Subscription{ExternalID: a.ExternalID, PhxRef: id})
		}
	}
	r.agentsMu.Unlock()
	return presence.StateOf(subs)
}

// TopicInfo is a topic name with its subscriber count.
type TopicInfo struct {
	Name  string
	Count int64
}

// Topics lists every topic with its current subscriber count, sorted by name.
func (r *Registry) Topics() []TopicInfo {
	r.topicsMu.Lock()
	infos := make([]TopicInfo, 0, len(r.topics))
	for name, t := range r.topics {
		infos = append(infos, TopicInfo{Name: name, Count: t.Count()})
	}
	r.topicsMu.Unlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Topic returns the topic record if present.
func (r *Registry) Topic(name string) (*Topic, bool) {
	r.topicsMu.Lock()
	defer r.topicsMu.Unlock()
	t, ok := r.topics[name]
	return t, ok
}

// Agent returns the agent record if present.
func (r *Registry) Agent(id string) (*Agent, bool) {
	r.agentsMu.Lock()
	defer r.agentsMu.Unlock()
	a, ok := r.agents[id]
	return a, ok
}

// AgentIDs returns the IDs of all registered agents.
func (r *Registry) AgentIDs() []string {
	r.agentsMu.Lock()
	defer r.agentsMu.Unlock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	return ids
}

// gcTopic removes the topic if it is non-special and empty. The re-check
// under the lock prevents racing a concurrent join.
func (r *Registry) gcTopic(ctx context.Context, topic string) {
	if IsSpecialTopic(topic) {
		return
	}
	r.topicsMu.Lock()
	t, ok := r.topics[topic]
	if !ok || t.Count() != 0 {
		r.topicsMu.Unlock()
		return
	}
	delete(r.topics, topic)
	listenerCancel := t.listenerCancel
	t.listenerCancel = nil
	r.topicsMu.Unlock()

	t.Bus.Close()
	if listenerCancel != nil {
		listenerCancel()
	}
	metrics.ActiveTopics.Dec()
	r.log.Info("empty topic collected", zap.String("channel", topic))
	r.publishMeta(ctx, "channel", "remove", map[string]any{"channel": topic})
}

func (r *Registry) publishMeta(ctx context.Context, category, action string, body map[string]any) {
	if r.pub == nil {
		return
	}
	r.pub.PublishMeta(ctx, category, action, body)
}

func (r *Registry) publishDiff(ctx context.Context, topic string, diff presence.Diff) {
	if r.pub == nil || diff.Empty() {
		return
	}
	r.pub.PublishPresenceDiff(ctx, topic, diff)
}

// splitAgentID decomposes {conn_id}:{topic}:{join_ref}. Topics may contain
// colons, so the topic segment is matched explicitly.
func splitAgentID(agentID, topic string) (connID, joinRef string, ok bool) {
	i := strings.Index(agentID, ":")
	if i <= 0 {
		return "", "", false
	}
	connID = agentID[:i]
	prefix := connID + ":" + topic + ":"
	if !strings.HasPrefix(agentID, prefix) {
		return "", "", false
	}
	joinRef = agentID[len(prefix):]
	if joinRef == "" {
		return "", "", false
	}
	return connID, joinRef, true
}
