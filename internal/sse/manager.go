// Package sse fans hub events out to Server-Sent-Events watchers. Each
// subscriber carries its namespace plus an optional session/machine filter;
// routing never crosses namespaces except for connection-changed, which every
// watcher sees.
package sse

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	EventMessageReceived   = "message-received"
	EventSessionAdded      = "session-added"
	EventSessionUpdated    = "session-updated"
	EventSessionRemoved    = "session-removed"
	EventMachineUpdated    = "machine-updated"
	EventConnectionChanged = "connection-changed"
	EventToast             = "toast"
	eventHeartbeat         = "heartbeat"
)

// Event is one routed notification. SessionID and MachineID are filter keys;
// Payload is what subscribers receive.
type Event struct {
	Type      string
	Namespace string
	SessionID string
	MachineID string
	Payload   any
}

// Sink delivers frames to one watcher. A Send error means the watcher is
// gone; the manager unsubscribes it immediately.
type Sink interface {
	Send(event string, data []byte) error
}

// Filter describes what one subscriber wants. All=true receives every event
// in the namespace except message-received, which always requires an exact
// session match.
type Filter struct {
	Namespace string
	SessionID string
	MachineID string
	All       bool
}

type subscriber struct {
	id     int64
	filter Filter
	sink   Sink
}

type Manager struct {
	mu            sync.Mutex
	subs          map[int64]*subscriber
	nextID        int64
	interval      time.Duration
	stopHeartbeat chan struct{}
	logger        *zap.Logger
}

func NewManager(heartbeatInterval time.Duration, logger *zap.Logger) *Manager {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		subs:     make(map[int64]*subscriber),
		interval: heartbeatInterval,
		logger:   logger,
	}
}

// Subscribe registers a sink and returns an unsubscribe func. The heartbeat
// timer starts with the first subscriber.
func (m *Manager) Subscribe(f Filter, sink Sink) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.subs[id] = &subscriber{id: id, filter: f, sink: sink}
	if len(m.subs) == 1 {
		m.startHeartbeatLocked()
	}
	m.mu.Unlock()

	return func() { m.remove(id) }
}

func (m *Manager) remove(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return
	}
	delete(m.subs, id)
	if len(m.subs) == 0 {
		m.stopHeartbeatLocked()
	}
}

func (m *Manager) SubscriberCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Publish routes the event to matching subscribers. Sinks that fail to send
// are dropped on the spot.
func (m *Manager) Publish(e Event) {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		m.logger.Warn("drop unencodable event", zap.String("type", e.Type), zap.Error(err))
		return
	}

	m.mu.Lock()
	targets := make([]*subscriber, 0, len(m.subs))
	for _, sub := range m.subs {
		if matches(sub.filter, e) {
			targets = append(targets, sub)
		}
	}
	m.mu.Unlock()

	for _, sub := range targets {
		if err := sub.sink.Send(e.Type, data); err != nil {
			m.logger.Debug("unsubscribe dead sink", zap.Int64("id", sub.id), zap.Error(err))
			m.remove(sub.id)
		}
	}
}

func matches(f Filter, e Event) bool {
	// Connection liveness is global: every watcher sees it, any namespace.
	if e.Type == EventConnectionChanged {
		return true
	}
	if f.Namespace != e.Namespace {
		return false
	}
	// Message traffic is high-volume; only exact session watchers get it.
	if e.Type == EventMessageReceived {
		return f.SessionID != "" && f.SessionID == e.SessionID
	}
	if f.All {
		return true
	}
	if f.SessionID != "" && f.SessionID == e.SessionID {
		return true
	}
	if f.MachineID != "" && f.MachineID == e.MachineID {
		return true
	}
	return false
}

func (m *Manager) startHeartbeatLocked() {
	stop := make(chan struct{})
	m.stopHeartbeat = stop
	interval := m.interval
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.broadcastHeartbeat()
			case <-stop:
				return
			}
		}
	}()
}

func (m *Manager) stopHeartbeatLocked() {
	if m.stopHeartbeat != nil {
		close(m.stopHeartbeat)
		m.stopHeartbeat = nil
	}
}

func (m *Manager) broadcastHeartbeat() {
	payload, _ := json.Marshal(map[string]int64{"time": time.Now().UnixMilli()})

	m.mu.Lock()
	targets := make([]*subscriber, 0, len(m.subs))
	for _, sub := range m.subs {
		targets = append(targets, sub)
	}
	m.mu.Unlock()

	for _, sub := range targets {
		if err := sub.sink.Send(eventHeartbeat, payload); err != nil {
			m.remove(sub.id)
		}
	}
}
