package directory

import (
	"math"
	"strings"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/sensornet/internal/cluster"
)

// earthRadiusKm is the mean Earth radius used by the haversine distance.
const earthRadiusKm = 6371.0

// Registry is the set of registered sensors and the closest-peer lookup
// over them.
//
// Thread Safety:
// All methods are safe for concurrent use. Returned sensors are copies.
type Registry struct {
	// excluded reports sensors that must not be offered as a neighbour,
	// typically the ones the health monitor marked unhealthy.
	excluded func(id string) bool
	sensors  []cluster.Sensor
	mu       sync.RWMutex
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// SetExcluded installs the filter applied by Closest.
func (r *Registry) SetExcluded(fn func(id string) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.excluded = fn
}

// Register adds s. It reports false when s is incomplete or its id is
// already taken.
func (r *Registry) Register(s cluster.Sensor) bool {
	if strings.TrimSpace(s.ID) == "" || s.Host == "" || s.Port < 1 || s.Port > 65535 {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if slices.IndexFunc(r.sensors, func(o cluster.Sensor) bool { return o.ID == s.ID }) >= 0 {
		return false
	}
	r.sensors = append(r.sensors, s)
	return true
}

// Deregister removes the sensor with id and reports whether it was there.
func (r *Registry) Deregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := slices.IndexFunc(r.sensors, func(o cluster.Sensor) bool { return o.ID == id })
	if idx < 0 {
		return false
	}
	r.sensors = slices.Delete(r.sensors, idx, idx+1)
	return true
}

// Get returns the sensor with id.
func (r *Registry) Get(id string) (cluster.Sensor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx := slices.IndexFunc(r.sensors, func(o cluster.Sensor) bool { return o.ID == id })
	if idx < 0 {
		return cluster.Sensor{}, false
	}
	return r.sensors[idx], true
}

// List returns every registered sensor ordered by id.
func (r *Registry) List() []cluster.Sensor {
	r.mu.RLock()
	out := slices.Clone(r.sensors)
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b cluster.Sensor) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Len returns the number of registered sensors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sensors)
}

// Closest returns the registered sensor nearest to id by great-circle
// distance, skipping id itself and excluded sensors. ok is false when id is
// unknown; a nil sensor with ok true means id has no neighbour.
func (r *Registry) Closest(id string) (closest *cluster.Sensor, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx := slices.IndexFunc(r.sensors, func(o cluster.Sensor) bool { return o.ID == id })
	if idx < 0 {
		return nil, false
	}
	self := r.sensors[idx]

	best := math.Inf(1)
	for _, s := range r.sensors {
		if s.ID == id || (r.excluded != nil && r.excluded(s.ID)) {
			continue
		}
		// Ties keep the first registered sensor.
		if d := Distance(self, s); d < best {
			best = d
			s := s
			closest = &s
		}
	}
	return closest, true
}

// Distance is the haversine distance between a and b in kilometres.
func Distance(a, b cluster.Sensor) float64 {
	lat1, lat2 := radians(a.Latitude), radians(b.Latitude)
	dLat := lat2 - lat1
	dLon := radians(b.Longitude - a.Longitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
