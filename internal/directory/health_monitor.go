package directory

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dreamware/sensornet/internal/cluster"
	"github.com/dreamware/sensornet/internal/peer"
)

// Health states reported by the monitor.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// SensorHealth tracks the health status of a single sensor.
// Thread-safe: Protected by HealthMonitor's mutex when accessed.
type SensorHealth struct {
	LastCheck        time.Time `json:"last_check"`   // Last probe attempt
	LastHealthy      time.Time `json:"last_healthy"` // Last successful probe
	SensorID         string    `json:"sensor_id"`
	Status           string    `json:"status"`
	ConsecutiveFails int       `json:"consecutive_fails"`
}

// HealthMonitor periodically probes every registered sensor's peer server
// with a GET_MEASUREMENT exchange. A sensor failing maxFailures probes in a
// row is marked unhealthy and reported through the onUnhealthy callback.
// Thread-safe: All methods are safe for concurrent access.
type HealthMonitor struct {
	sensors     map[string]*SensorHealth
	checkFunc   func(ctx context.Context, addr string) error
	onUnhealthy func(sensorID string)
	ctx         context.Context
	cancel      context.CancelFunc
	interval    time.Duration
	timeout     time.Duration
	mu          sync.RWMutex
	wg          sync.WaitGroup
	maxFailures int
}

// NewHealthMonitor creates a monitor probing every interval. Sensors are
// marked unhealthy after 3 consecutive failures.
//
// Example:
//
//	monitor := NewHealthMonitor(10 * time.Second)
//	go monitor.Start(ctx, registry.List)
func NewHealthMonitor(interval time.Duration) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &HealthMonitor{
		interval:    interval,
		timeout:     2 * time.Second,
		maxFailures: 3,
		sensors:     make(map[string]*SensorHealth),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetOnUnhealthy sets the callback invoked, on its own goroutine, when a
// sensor becomes unhealthy.
func (h *HealthMonitor) SetOnUnhealthy(callback func(sensorID string)) {
	h.onUnhealthy = callback
}

// SetCheckFunction overrides the probe, mainly for tests.
func (h *HealthMonitor) SetCheckFunction(checkFunc func(ctx context.Context, addr string) error) {
	h.checkFunc = checkFunc
}

// Start runs the probe loop until ctx or Stop ends it. It probes once
// immediately, then every interval.
func (h *HealthMonitor) Start(ctx context.Context, provider func() []cluster.Sensor) {
	h.wg.Add(1)
	defer h.wg.Done()

	if ctx == nil {
		ctx = h.ctx
	}
	if h.checkFunc == nil {
		h.checkFunc = h.probe
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	log.Printf("directory: health monitor started with interval %v", h.interval)
	h.checkAll(ctx, provider())

	for {
		select {
		case <-ticker.C:
			h.checkAll(ctx, provider())
		case <-ctx.Done():
			log.Println("directory: health monitor stopping due to context cancellation")
			return
		case <-h.ctx.Done():
			log.Println("directory: health monitor stopping")
			return
		}
	}
}

// Stop cancels the probe loop and waits for it to return.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

// checkAll probes every sensor and forgets the ones no longer registered.
func (h *HealthMonitor) checkAll(ctx context.Context, sensors []cluster.Sensor) {
	current := make(map[string]bool, len(sensors))
	for _, s := range sensors {
		current[s.ID] = true
		h.check(ctx, s)
	}

	h.mu.Lock()
	for id := range h.sensors {
		if !current[id] {
			delete(h.sensors, id)
		}
	}
	h.mu.Unlock()
}

func (h *HealthMonitor) check(ctx context.Context, s cluster.Sensor) {
	h.mu.Lock()
	health, exists := h.sensors[s.ID]
	if !exists {
		health = &SensorHealth{
			SensorID:    s.ID,
			Status:      StatusUnknown,
			LastCheck:   time.Now(),
			LastHealthy: time.Now(),
		}
		h.sensors[s.ID] = health
	}
	h.mu.Unlock()

	err := h.checkFunc(ctx, s.Address())

	h.mu.Lock()
	defer h.mu.Unlock()
	health.LastCheck = time.Now()

	if err != nil {
		health.ConsecutiveFails++
		log.Printf("directory: probe of %s failed (attempt %d/%d): %v",
			s.ID, health.ConsecutiveFails, h.maxFailures, err)

		if health.ConsecutiveFails >= h.maxFailures && health.Status != StatusUnhealthy {
			health.Status = StatusUnhealthy
			log.Printf("directory: sensor %s marked unhealthy", s.ID)
			if h.onUnhealthy != nil {
				go h.onUnhealthy(s.ID)
			}
		}
		return
	}

	if health.Status == StatusUnhealthy {
		log.Printf("directory: sensor %s recovered", s.ID)
	}
	health.Status = StatusHealthy
	health.ConsecutiveFails = 0
	health.LastHealthy = time.Now()
}

// probe asks the sensor at addr for its reading over the peer protocol.
func (h *HealthMonitor) probe(ctx context.Context, addr string) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	conn, err := peer.Dial(ctx, addr, h.timeout)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	if _, err := conn.Fetch(ctx); err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	return nil
}

// Health returns a copy of the sensor's health record, or nil when it is
// not monitored.
func (h *HealthMonitor) Health(sensorID string) *SensorHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, exists := h.sensors[sensorID]
	if !exists {
		return nil
	}
	cp := *health
	return &cp
}

// All returns copies of every health record keyed by sensor id.
func (h *HealthMonitor) All() map[string]*SensorHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]*SensorHealth, len(h.sensors))
	for id, health := range h.sensors {
		cp := *health
		out[id] = &cp
	}
	return out
}

// IsUnhealthy reports whether the sensor is currently marked unhealthy.
// Sensors not yet probed count as usable.
func (h *HealthMonitor) IsUnhealthy(sensorID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, exists := h.sensors[sensorID]
	return exists && health.Status == StatusUnhealthy
}
