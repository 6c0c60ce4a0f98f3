package storage

import (
	"errors"
	"sync"
	"time"

	"github.com/dreamware/sensornet/internal/measurement"
)

// ErrSensorNotFound is returned when no reading was ever stored for a sensor
var ErrSensorNotFound = errors.New("sensor not found")

// DefaultCapacity is the number of readings kept per sensor when none is given
const DefaultCapacity = 256

// Record is one stored reading
type Record struct {
	At          time.Time               `json:"at"`
	Measurement measurement.Measurement `json:"measurement"`
}

// Store defines the interface for the directory's measurement log
// All implementations must be thread-safe for concurrent access
type Store interface {
	// Append stores m as the newest reading of sensorID
	Append(sensorID string, m measurement.Measurement) error

	// Latest returns the newest reading
	// Returns ErrSensorNotFound if the sensor has none
	Latest(sensorID string) (Record, error)

	// History returns up to limit readings, oldest first
	// limit <= 0 returns everything kept
	History(sensorID string, limit int) ([]Record, error)

	// Delete drops every reading of sensorID
	// No error if the sensor doesn't exist
	Delete(sensorID string) error

	// Sensors returns the ids with at least one reading
	// Order is not guaranteed
	Sensors() []string

	// Stats returns storage statistics
	Stats() StoreStats
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Sensors  int // Sensors with readings
	Readings int // Readings currently kept
	Appended int // Readings ever appended
}

// MemoryStore implements Store with a bounded in-memory log per sensor
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryStore struct {
	now      func() time.Time
	data     map[string][]Record
	capacity int
	appended int
	mu       sync.RWMutex
}

// NewMemoryStore creates a store keeping at most capacity readings per
// sensor; older readings are dropped first
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryStore{
		now:      time.Now,
		data:     make(map[string][]Record),
		capacity: capacity,
	}
}

// Append stores m as the newest reading of sensorID
func (m *MemoryStore) Append(sensorID string, v measurement.Measurement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	log := append(m.data[sensorID], Record{At: m.now(), Measurement: v})
	if len(log) > m.capacity {
		// Copy so the dropped prefix can be collected
		log = append([]Record(nil), log[len(log)-m.capacity:]...)
	}
	m.data[sensorID] = log
	m.appended++
	return nil
}

// Latest returns the newest reading of sensorID
func (m *MemoryStore) Latest(sensorID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	log := m.data[sensorID]
	if len(log) == 0 {
		return Record{}, ErrSensorNotFound
	}
	return log[len(log)-1], nil
}

// History returns a copy of the newest limit readings, oldest first
func (m *MemoryStore) History(sensorID string, limit int) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	log, exists := m.data[sensorID]
	if !exists {
		return nil, ErrSensorNotFound
	}
	if limit > 0 && limit < len(log) {
		log = log[len(log)-limit:]
	}
	return append([]Record(nil), log...), nil
}

// Delete removes the log of sensorID (idempotent)
func (m *MemoryStore) Delete(sensorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, sensorID)
	return nil
}

// Sensors returns the ids with at least one reading
func (m *MemoryStore) Sensors() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.data))
	for id := range m.data {
		ids = append(ids, id)
	}
	return ids
}

// Stats returns storage statistics
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	readings := 0
	for _, log := range m.data {
		readings += len(log)
	}
	return StoreStats{
		Sensors:  len(m.data),
		Readings: readings,
		Appended: m.appended,
	}
}
