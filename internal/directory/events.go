package directory

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dreamware/sensornet/internal/measurement"
)

// EventType names what happened in the directory.
type EventType string

const (
	EventRegistered   EventType = "SENSOR_REGISTERED"
	EventDeregistered EventType = "SENSOR_DEREGISTERED"
	EventMeasurement  EventType = "MEASUREMENT_REPORTED"
	EventUnhealthy    EventType = "SENSOR_UNHEALTHY"
)

// Event is pushed to every /ws subscriber.
type Event struct {
	Timestamp   time.Time                `json:"timestamp"`
	Measurement *measurement.Measurement `json:"measurement,omitempty"`
	Type        EventType                `json:"type"`
	SensorID    string                   `json:"sensor_id"`
}

// Bus fans events out to subscribers. A subscriber whose buffer is full
// misses events rather than slowing the publisher.
type Bus struct {
	subscribers map[chan Event]struct{}
	mu          sync.RWMutex
}

// NewBus returns a bus with no subscribers.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[chan Event]struct{})}
}

// Publish sends e to every subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- e:
		default:
			log.Printf("directory: dropping %s event for a slow subscriber", e.Type)
		}
	}
}

// Subscribe returns a channel receiving subsequent events.
func (b *Bus) Subscribe() chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, 100)
	b.subscribers[ch] = struct{}{}
	return ch
}

// Unsubscribe stops delivery to ch and closes it.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents upgrades to a websocket and streams bus events as JSON until
// the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("directory: websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	events := s.bus.Subscribe()
	defer s.bus.Unsubscribe(events)

	// Reads only serve to notice the client closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case e := <-events:
			if err := conn.WriteJSON(e); err != nil {
				log.Printf("directory: websocket write: %v", err)
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}
