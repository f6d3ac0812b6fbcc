// Package events keeps a bounded in-memory log of notable polling events
package events

import (
	"fmt"
	"sync"
	"time"

	"sensorhub/internal/poller"
	"sensorhub/internal/sensor"
)

// EventType represents the type of event
type EventType string

const (
	// Tick events
	EventTickOverrun EventType = "tick_overrun"
	EventWriteFailed EventType = "write_failed"

	// Sensor status transitions
	EventSensorFailed      EventType = "sensor_failed"
	EventSensorUnavailable EventType = "sensor_unavailable"
	EventSensorRecovered   EventType = "sensor_recovered"

	// Mirror events
	EventMirrorFailed EventType = "mirror_failed"
)

// Event represents one logged event
type Event struct {
	ID        int64     `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Tick      uint64    `json:"tick,omitempty"`
	SensorID  string    `json:"sensorId,omitempty"`
	Details   string    `json:"details,omitempty"`
}

// Store holds events in memory with a fixed capacity (ring buffer).
// It implements poller.Observer: a sensor is logged when its status changes,
// not on every failed tick.
type Store struct {
	mu      sync.RWMutex
	events  []Event
	maxSize int
	nextID  int64

	interval time.Duration
	status   map[string]sensor.Status
}

// NewStore creates a new event store with specified max capacity. Ticks longer
// than interval are logged as overruns; 0 disables that.
func NewStore(maxSize int, interval time.Duration) *Store {
	return &Store{
		events:   make([]Event, 0, maxSize),
		maxSize:  maxSize,
		interval: interval,
		status:   make(map[string]sensor.Status),
	}
}

// Add adds a new event to the store
func (s *Store) Add(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.add(e)
}

func (s *Store) add(e Event) {
	s.nextID++
	e.ID = s.nextID
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	// Ring buffer: remove oldest if at max capacity
	if len(s.events) >= s.maxSize {
		s.events = s.events[1:]
	}
	s.events = append(s.events, e)
}

// ObserveTick implements poller.Observer
func (s *Store) ObserveTick(res *poller.TickResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.interval > 0 && res.Duration >= s.interval {
		s.add(Event{
			Type:      EventTickOverrun,
			Timestamp: res.Started,
			Tick:      res.Tick,
			Details:   fmt.Sprintf("tick took %v, interval %v", res.Duration, s.interval),
		})
	}
	if res.WriteErrors > 0 {
		s.add(Event{
			Type:      EventWriteFailed,
			Timestamp: res.Started,
			Tick:      res.Tick,
			Details:   fmt.Sprintf("%d readings not stored", res.WriteErrors),
		})
	}

	for _, r := range res.Readings {
		prev, seen := s.status[r.SensorID]
		s.status[r.SensorID] = r.Status
		if prev == r.Status || (!seen && r.Status == sensor.StatusOK) {
			continue
		}

		e := Event{Timestamp: r.Timestamp, Tick: res.Tick, SensorID: r.SensorID, Details: r.Error}
		switch r.Status {
		case sensor.StatusOK:
			e.Type = EventSensorRecovered
		case sensor.StatusError:
			e.Type = EventSensorFailed
		case sensor.StatusUnavailable:
			e.Type = EventSensorUnavailable
		default:
			continue
		}
		s.add(e)
	}
}

// ObserveMirrorError implements poller.Observer
func (s *Store) ObserveMirrorError(mirror string) {
	s.Add(Event{Type: EventMirrorFailed, Details: mirror})
}

// GetAll returns all events (newest first)
func (s *Store) GetAll() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Event, len(s.events))
	for i, e := range s.events {
		result[len(s.events)-1-i] = e
	}
	return result
}

// GetLast returns the last N events (newest first)
func (s *Store) GetLast(n int) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n > len(s.events) {
		n = len(s.events)
	}

	result := make([]Event, n)
	for i := 0; i < n; i++ {
		result[i] = s.events[len(s.events)-1-i]
	}
	return result
}

// GetSince returns events newer than the given ID (newest first)
func (s *Store) GetSince(lastID int64) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Event
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].ID <= lastID {
			break
		}
		result = append(result, s.events[i])
	}
	return result
}

// Count returns the number of events held
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// LastID returns the ID of the most recent event
func (s *Store) LastID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextID
}
