package registry

import (
	"context"
	"sync/atomic"

	"github.com/nmxmxh/channel-gateway/internal/bus"
	"github.com/nmxmxh/channel-gateway/internal/protocol"
)

// Topic is a named pub/sub destination. The agent set is the single source
// of truth for the subscriber count; the set, the count and the listener
// handle are only mutated while holding the registry topics mutex.
type Topic struct {
	Name string
	Bus  *bus.Broadcast

	agents         []string
	count          atomic.Int64
	listenerCancel context.CancelFunc
}

func newTopic(name string, capacity int) *Topic {
	return &Topic{
		Name: name,
		Bus:  bus.New(capacity),
	}
}

// Count returns the number of agents subscribed to the topic.
func (t *Topic) Count() int64 {
	return t.count.Load()
}

// addAgent appends the agent to the ordered set if absent. Caller holds the
// topics mutex.
func (t *Topic) addAgent(agentID string) {
	for _, id := range t.agents {
		if id == agentID {
			return
		}
	}
	t.agents = append(t.agents, agentID)
	t.count.Store(int64(len(t.agents)))
}

// removeAgent deletes the agent from the ordered set. Caller holds the
// topics mutex.
func (t *Topic) removeAgent(agentID string) {
	for i, id := range t.agents {
		if id == agentID {
			t.agents = append(t.agents[:i], t.agents[i+1:]...)
			break
		}
	}
	t.count.Store(int64(len(t.agents)))
}

// Agent is a single (connection, topic, join_ref) subscription.
type Agent struct {
	ID         string
	ConnID     string
	Channel    string
	ExternalID string

	relayCancel context.CancelFunc
}

// IsSpecialTopic reports whether name is one of the reserved topics that are
// pre-created at startup and never garbage-collected.
func IsSpecialTopic(name string) bool {
	return name == protocol.TopicPhoenix || name == protocol.TopicAdmin || name == protocol.TopicSystem
}
