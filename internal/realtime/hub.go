// Package realtime authenticates long-lived SockJS connections with the
// session credential and fans notifications out to groups of them.
package realtime

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/eventide/eventide/backend/go-services/pkg/logger"
	"github.com/eventide/eventide/backend/go-services/pkg/metrics"
)

// ErrUnknownConnection is returned for operations on a connection that was
// never registered or has been removed.
var ErrUnknownConnection = errors.New("realtime: unknown connection")

// Envelope is every server-to-client push: {"type": ..., "data": ...}.
type Envelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

type member struct {
	id     string
	out    chan string
	groups map[string]struct{}
}

// Hub tracks live connections and their group memberships. Delivery is
// fire-and-forget: each connection has a bounded queue drained by its own
// writer goroutine, and a full queue drops the message.
type Hub struct {
	mu      sync.RWMutex
	members map[string]*member
	groups  map[string]map[string]*member
	buffer  int
	writers sync.WaitGroup
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 32
	}
	return &Hub{
		members: make(map[string]*member),
		groups:  make(map[string]map[string]*member),
		buffer:  buffer,
	}
}

// Register adds a connection. send is called from the connection's writer
// goroutine only; once it fails the remaining queue is discarded.
func (h *Hub) Register(id string, send func(string) error) {
	m := &member{id: id, out: make(chan string, h.buffer), groups: make(map[string]struct{})}

	h.mu.Lock()
	if old, ok := h.members[id]; ok {
		h.removeLocked(old)
	}
	h.members[id] = m
	h.mu.Unlock()

	h.writers.Add(1)
	go func() {
		defer h.writers.Done()
		failed := false
		for msg := range m.out {
			if failed {
				continue
			}
			if err := send(msg); err != nil {
				logger.Debugf("realtime: send to %s failed: %v", id, err)
				failed = true
			}
		}
	}()
}

// Join adds the connection to group.
func (h *Hub) Join(id, group string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.members[id]
	if !ok {
		return ErrUnknownConnection
	}
	m.groups[group] = struct{}{}
	set, ok := h.groups[group]
	if !ok {
		set = make(map[string]*member)
		h.groups[group] = set
	}
	set[id] = m
	return nil
}

// Leave removes the connection from group. Leaving a group the connection is
// not in is a no-op.
func (h *Hub) Leave(id, group string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.members[id]
	if !ok {
		return ErrUnknownConnection
	}
	h.leaveLocked(m, group)
	return nil
}

func (h *Hub) leaveLocked(m *member, group string) {
	delete(m.groups, group)
	if set, ok := h.groups[group]; ok {
		delete(set, m.id)
		if len(set) == 0 {
			delete(h.groups, group)
		}
	}
}

func (h *Hub) InGroup(id, group string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.groups[group][id]
	return ok
}

// Groups lists the connection's groups in sorted order.
func (h *Hub) Groups(id string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m, ok := h.members[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(m.groups))
	for g := range m.groups {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// Remove drops the connection and every membership, and stops its writer.
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := h.members[id]; ok {
		h.removeLocked(m)
	}
}

func (h *Hub) removeLocked(m *member) {
	for g := range m.groups {
		h.leaveLocked(m, g)
	}
	delete(h.members, m.id)
	close(m.out)
}

// Count is the number of registered connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}

// Broadcast queues env for every member of group and returns how many
// connections accepted it. It never blocks on a slow member.
func (h *Hub) Broadcast(group string, env Envelope) int {
	msg, err := json.Marshal(env)
	if err != nil {
		logger.Errorf("realtime: encode %s for %s: %v", env.Type, group, err)
		return 0
	}
	return h.broadcastRaw(group, string(msg))
}

func (h *Hub) broadcastRaw(group, msg string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, m := range h.groups[group] {
		if enqueue(m, msg) {
			delivered++
		}
	}
	return delivered
}

// SendTo queues a JSON-encoded v for a single connection.
func (h *Hub) SendTo(id string, v interface{}) error {
	msg, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	m, ok := h.members[id]
	if !ok {
		return ErrUnknownConnection
	}
	enqueue(m, string(msg))
	return nil
}

// enqueue must be called with h.mu held; Remove closes the queue under the
// write lock.
func enqueue(m *member, msg string) bool {
	select {
	case m.out <- msg:
		return true
	default:
		metrics.RealtimeDropped.Inc()
		logger.Debugf("realtime: queue full for %s, message dropped", m.id)
		return false
	}
}

// Close removes every connection and waits for their writers to drain.
func (h *Hub) Close() {
	h.mu.Lock()
	for _, m := range h.members {
		h.removeLocked(m)
	}
	h.mu.Unlock()
	h.writers.Wait()
}
