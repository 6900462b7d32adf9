// Package notify fans transaction state changes out to live subscribers.
// Delivery is best-effort and at most once: a full subscriber buffer drops the
// notification rather than slowing the emitter.
package notify

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/anchor/pkg/contracts"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 32

// TenantRoom names the room for every transition of a tenant.
func TenantRoom(tenantID string) string { return "tenant:" + tenantID }

// DigestRoom names the room for one transaction.
func DigestRoom(digestHex string) string { return "digest:" + digestHex }

var nextID atomic.Int64

// Subscription receives notifications for its rooms on C until closed.
type Subscription struct {
	id      int64
	rooms   []string
	ch      chan contracts.Notification
	hub     *Hub
	dropped atomic.Int64
	once    sync.Once
}

// C is the delivery channel. It is closed by Close.
func (s *Subscription) C() <-chan contracts.Notification { return s.ch }

// Dropped returns how many notifications were discarded for this subscriber.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.remove(s) })
}

// Hub routes notifications to rooms.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[int64]*Subscription
	buffer int
	logger *slog.Logger
	now    func() time.Time

	emitted atomic.Int64
	dropped atomic.Int64
}

// NewHub returns a hub with the given per-subscriber buffer size.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		rooms:  make(map[string]map[int64]*Subscription),
		buffer: buffer,
		logger: logger.With("component", "notify"),
		now:    time.Now,
	}
}

// Subscribe joins the given rooms.
func (h *Hub) Subscribe(rooms ...string) *Subscription {
	s := &Subscription{
		id:    nextID.Add(1),
		rooms: rooms,
		ch:    make(chan contracts.Notification, h.buffer),
		hub:   h,
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range rooms {
		members := h.rooms[r]
		if members == nil {
			members = make(map[int64]*Subscription)
			h.rooms[r] = members
		}
		members[s.id] = s
	}
	return s
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range s.rooms {
		members := h.rooms[r]
		delete(members, s.id)
		if len(members) == 0 {
			delete(h.rooms, r)
		}
	}
	close(s.ch)
}

// Emit delivers n to the room of each of its tenants and, when DigestHex is
// set, the digest room. It never blocks; a subscriber in several of those
// rooms receives n once.
func (h *Hub) Emit(n contracts.Notification) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.At.IsZero() {
		n.At = h.now().UTC()
	}
	h.emitted.Add(1)

	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := make(map[int64]struct{})
	deliver := func(room string) {
		for id, s := range h.rooms[room] {
			if _, done := sent[id]; done {
				continue
			}
			sent[id] = struct{}{}
			select {
			case s.ch <- n:
			default:
				s.dropped.Add(1)
				h.dropped.Add(1)
				h.logger.Debug("subscriber buffer full, notification dropped", "subscriber", id, "type", n.Type)
			}
		}
	}
	if n.TenantID != "" {
		deliver(TenantRoom(n.TenantID))
	}
	for _, tenant := range n.TenantSet {
		if tenant != "" {
			deliver(TenantRoom(tenant))
		}
	}
	if n.DigestHex != "" {
		deliver(DigestRoom(n.DigestHex))
	}
}

// Stats returns totals since start.
func (h *Hub) Stats() (emitted, dropped int64, subscribers int) {
	h.mu.RLock()
	seen := map[int64]struct{}{}
	for _, members := range h.rooms {
		for id := range members {
			seen[id] = struct{}{}
		}
	}
	h.mu.RUnlock()
	return h.emitted.Load(), h.dropped.Load(), len(seen)
}
