// Package events implements the engine's broadcast Event Bus: producers
// never block, slow subscribers lag rather than stall the producer.
package events

import (
	"sync"

	"github.com/google/uuid"
)

// Kind tags which variant an Event carries.
type Kind int

const (
	KindSessionStateChanged Kind = iota
	KindTransferProgress
	KindNotification
)

// SessionState is a session's lifecycle state. It is defined here rather
// than in internal/session to avoid an import cycle (session depends on
// events, not vice versa).
type SessionState int

const (
	StateConnecting SessionState = iota
	StateConnected
	StateDisconnected
	StateFailed
)

// TransferProgress mirrors transfer.Progress for the same reason.
type TransferProgress struct {
	BytesTransferred int64
	BytesTotal       int64
	FilesCompleted   int
	FilesTotal       int
	CurrentFile      string
	SpeedBps         float64
	ETASeconds       *float64
}

// Event is the tagged union broadcast to all subscribers.
type Event struct {
	Kind Kind

	// KindSessionStateChanged
	SessionID uuid.UUID
	State     SessionState
	Reason    string

	// KindTransferProgress
	JobID    uuid.UUID
	Progress TransferProgress

	// KindNotification
	Level   string
	Message string
}

func SessionStateChanged(id uuid.UUID, state SessionState, reason string) Event {
	return Event{Kind: KindSessionStateChanged, SessionID: id, State: state, Reason: reason}
}

func TransferProgressEvent(jobID uuid.UUID, p TransferProgress) Event {
	return Event{Kind: KindTransferProgress, JobID: jobID, Progress: p}
}

func Notification(level, message string) Event {
	return Event{Kind: KindNotification, Level: level, Message: message}
}

// subscriber is one consumer's lane: a buffered channel plus a lag flag
// observable only to that subscriber.
type subscriber struct {
	ch     chan Event
	lagged bool
}

// Bus is a multi-producer, multi-consumer broadcast channel with fixed
// per-subscriber capacity. Send never blocks the producer.
type Bus struct {
	mu          sync.Mutex
	capacity    int
	subscribers map[int]*subscriber
	nextID      int
}

// NewBus creates an event bus whose per-subscriber buffer holds
// capacity events before that subscriber starts lagging.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 256
	}
	return &Bus{capacity: capacity, subscribers: make(map[int]*subscriber)}
}

// Subscription is a handle returned by Subscribe; Events delivers the
// stream, Lagged reports (and clears) whether any events were dropped
// for this subscriber since the last check.
type Subscription struct {
	bus *Bus
	id  int
	sub *subscriber
}

func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan Event, b.capacity)}
	b.subscribers[id] = sub
	return &Subscription{bus: b, id: id, sub: sub}
}

func (s *Subscription) Events() <-chan Event { return s.sub.ch }

// Lagged reports whether this subscriber missed at least one event
// due to a full buffer, and clears the flag.
func (s *Subscription) Lagged() bool {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	lagged := s.sub.lagged
	s.sub.lagged = false
	return lagged
}

func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subscribers, s.id)
	close(s.sub.ch)
}

// Send publishes ev to every current subscriber without blocking. A
// subscriber whose buffer is full is marked lagged and the event is
// dropped for that subscriber only.
func (b *Bus) Send(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subscribers {
		select {
		case sub.ch <- ev:
		default:
			sub.lagged = true
		}
	}
}
