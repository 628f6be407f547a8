package events

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"scorebook/internal/domain"
)

var (
	ErrJoinRateLimited = errors.New("join rate limited")
	ErrClosed          = errors.New("subscriber closed")
)

type HubConfig struct {
	// QueueSize is the per-subscriber buffer; a full buffer drops updates.
	QueueSize int
	// JoinRate and JoinBurst bound join/leave requests per subscriber.
	JoinRate  float64
	JoinBurst int
	Logger    *log.Logger
}

func (c HubConfig) withDefaults() HubConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.JoinRate <= 0 {
		c.JoinRate = 5
	}
	if c.JoinBurst <= 0 {
		c.JoinBurst = 5
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return c
}

// Hub keeps one room of subscribers per match.
type Hub struct {
	cfg     HubConfig
	mu      sync.Mutex
	rooms   map[string]map[*Subscriber]struct{}
	dropped atomic.Int64
}

var _ Publisher = (*Hub)(nil)

func NewHub(cfg HubConfig) *Hub {
	return &Hub{cfg: cfg.withDefaults(), rooms: map[string]map[*Subscriber]struct{}{}}
}

type Subscriber struct {
	ID    string
	send  chan Update
	joins *rate.Limiter

	mu      sync.Mutex
	closed  bool
	matches map[string]struct{}
}

// Updates is closed when the subscriber is removed from the hub.
func (s *Subscriber) Updates() <-chan Update {
	return s.send
}

func (s *Subscriber) deliver(u Update) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- u:
		return true
	default:
		return false
	}
}

func (h *Hub) Subscribe(id string) *Subscriber {
	return &Subscriber{
		ID:      id,
		send:    make(chan Update, h.cfg.QueueSize),
		joins:   rate.NewLimiter(rate.Limit(h.cfg.JoinRate), h.cfg.JoinBurst),
		matches: map[string]struct{}{},
	}
}

func (h *Hub) Join(sub *Subscriber, matchID string) error {
	if err := h.admit(sub); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	// Unsubscribe may have run since admit; the closed check and both
	// inserts happen under the same locks.
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return ErrClosed
	}
	sub.matches[matchID] = struct{}{}
	room, ok := h.rooms[matchID]
	if !ok {
		room = map[*Subscriber]struct{}{}
		h.rooms[matchID] = room
	}
	room[sub] = struct{}{}
	return nil
}

func (h *Hub) Leave(sub *Subscriber, matchID string) error {
	if err := h.admit(sub); err != nil {
		return err
	}
	sub.mu.Lock()
	delete(sub.matches, matchID)
	sub.mu.Unlock()

	h.mu.Lock()
	h.removeLocked(sub, matchID)
	h.mu.Unlock()
	return nil
}

func (h *Hub) admit(sub *Subscriber) error {
	sub.mu.Lock()
	closed := sub.closed
	sub.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !sub.joins.Allow() {
		return ErrJoinRateLimited
	}
	return nil
}

// Unsubscribe removes sub from every room and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.closed = true
	matches := sub.matches
	sub.matches = map[string]struct{}{}
	close(sub.send)
	sub.mu.Unlock()

	h.mu.Lock()
	for matchID := range matches {
		h.removeLocked(sub, matchID)
	}
	h.mu.Unlock()
}

func (h *Hub) removeLocked(sub *Subscriber, matchID string) {
	room, ok := h.rooms[matchID]
	if !ok {
		return
	}
	delete(room, sub)
	if len(room) == 0 {
		delete(h.rooms, matchID)
	}
}

// Subscribers returns the number of subscribers in a match room.
func (h *Hub) Subscribers(matchID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[matchID])
}

// Dropped returns the number of updates discarded because a queue was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

func (h *Hub) OnAccepted(_ context.Context, matchID string, op domain.Operation, newVersion int64) {
	h.mu.Lock()
	room := h.rooms[matchID]
	subs := make([]*Subscriber, 0, len(room))
	for sub := range room {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	u := Update{Type: UpdateType, MatchID: matchID, Version: newVersion, Operation: op}
	for _, sub := range subs {
		if !sub.deliver(u) {
			h.dropped.Add(1)
			h.cfg.Logger.Printf("events: dropped %s v%d for subscriber %s", matchID, newVersion, sub.ID)
		}
	}
}
