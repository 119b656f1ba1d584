// Package usagestream fans usage events out to live dashboard subscribers,
// one stream per account with a short replay backlog.
package usagestream

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sparlo/metering/internal/events"
)

const (
	DefaultBufferSize       = 20
	DefaultSubscriberBuffer = 16
)

var (
	ErrHubUnavailable = errors.New("hub_unavailable")
	ErrInvalidAccount = errors.New("invalid_account")
)

// streamedTypes are the events that move an account's usage indicator.
var streamedTypes = []events.EventType{
	events.EventUsageCommitted,
	events.EventUsageRejected,
	events.EventUsageAdjusted,
	events.EventPeriodRolledOver,
}

type UsageEvent struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	AccountID  string         `json:"account_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type Hub struct {
	mu               sync.RWMutex
	streams          map[string]*stream
	bufferSize       int
	subscriberBuffer int
}

type stream struct {
	mu     sync.Mutex
	buffer []UsageEvent
	subs   map[uint64]chan UsageEvent
	nextID uint64
}

type Subscription struct {
	hub       *Hub
	accountID string
	id        uint64
	ch        chan UsageEvent
	once      sync.Once
}

func NewHub() *Hub {
	return &Hub{
		streams:          make(map[string]*stream),
		bufferSize:       DefaultBufferSize,
		subscriberBuffer: DefaultSubscriberBuffer,
	}
}

// Attach forwards the streamed event types from bus into the hub.
func Attach(bus *events.Bus, h *Hub) {
	if bus == nil || h == nil {
		return
	}
	for _, eventType := range streamedTypes {
		bus.Subscribe(eventType, func(_ context.Context, e events.Event) error {
			h.Publish(e.AccountID, UsageEvent{
				ID:         e.ID,
				Type:       string(e.Type),
				AccountID:  e.AccountID,
				OccurredAt: e.Timestamp,
				Payload:    e.Payload,
			})
			return nil
		})
	}
}

// Publish drops the event for accounts nobody watches. Slow subscribers miss
// events instead of blocking the publisher.
func (h *Hub) Publish(accountID string, event UsageEvent) {
	if h == nil {
		return
	}
	key := strings.TrimSpace(accountID)
	if key == "" {
		return
	}
	h.mu.RLock()
	stream := h.streams[key]
	h.mu.RUnlock()
	if stream == nil {
		return
	}

	stream.mu.Lock()
	stream.buffer = append(stream.buffer, event)
	if len(stream.buffer) > h.bufferSize {
		stream.buffer = stream.buffer[len(stream.buffer)-h.bufferSize:]
	}
	subs := make([]chan UsageEvent, 0, len(stream.subs))
	for _, ch := range stream.subs {
		subs = append(subs, ch)
	}
	stream.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}
}

func (h *Hub) Subscribe(accountID string) (*Subscription, []UsageEvent, error) {
	if h == nil {
		return nil, nil, ErrHubUnavailable
	}
	key := strings.TrimSpace(accountID)
	if key == "" {
		return nil, nil, ErrInvalidAccount
	}

	stream := h.ensureStream(key)
	stream.mu.Lock()
	id := stream.nextID
	stream.nextID++
	ch := make(chan UsageEvent, h.subscriberBuffer)
	stream.subs[id] = ch
	backlog := append([]UsageEvent(nil), stream.buffer...)
	stream.mu.Unlock()

	return &Subscription{
		hub:       h,
		accountID: key,
		id:        id,
		ch:        ch,
	}, backlog, nil
}

func (h *Hub) ensureStream(accountID string) *stream {
	h.mu.RLock()
	current := h.streams[accountID]
	h.mu.RUnlock()
	if current != nil {
		return current
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	current = h.streams[accountID]
	if current == nil {
		current = &stream{subs: make(map[uint64]chan UsageEvent)}
		h.streams[accountID] = current
	}
	return current
}

// unsubscribe drops the whole stream, backlog included, once its last
// subscriber leaves.
func (h *Hub) unsubscribe(accountID string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	stream := h.streams[accountID]
	if stream == nil {
		return
	}
	stream.mu.Lock()
	delete(stream.subs, id)
	empty := len(stream.subs) == 0
	stream.mu.Unlock()
	if empty {
		delete(h.streams, accountID)
	}
}

func (s *Subscription) Events() <-chan UsageEvent {
	if s == nil {
		return nil
	}
	return s.ch
}

func (s *Subscription) Close() {
	if s == nil || s.hub == nil {
		return
	}
	s.once.Do(func() {
		s.hub.unsubscribe(s.accountID, s.id)
	})
}
