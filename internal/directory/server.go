package directory

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/dreamware/sensornet/internal/cluster"
	"github.com/dreamware/sensornet/internal/measurement"
	"github.com/dreamware/sensornet/internal/storage"
)

// Server exposes the directory HTTP API:
//
//	POST   /sensors/                   register, answers true or false
//	GET    /sensors                    list registered sensors
//	DELETE /sensors/{id}               deregister, 200 or 404
//	POST   /sensors/{id}/measurements  report, answers true or false
//	GET    /sensors/{id}/measurements  stored history, ?limit=n
//	GET    /sensors/{id}/closest       nearest sensor or null
//	GET    /health                     health records and counts
//	GET    /ws                         websocket stream of Events
type Server struct {
	registry *Registry
	store    storage.Store
	bus      *Bus
	monitor  *HealthMonitor
}

// NewServer wires the API over registry and store. monitor may be nil.
func NewServer(registry *Registry, store storage.Store, monitor *HealthMonitor) *Server {
	s := &Server{
		registry: registry,
		store:    store,
		bus:      NewBus(),
		monitor:  monitor,
	}
	if monitor != nil {
		registry.SetExcluded(monitor.IsUnhealthy)
	}
	return s
}

// Bus returns the event bus the server publishes to.
func (s *Server) Bus() *Bus {
	return s.bus
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sensors/{$}", s.handleRegister)
	mux.HandleFunc("POST /sensors", s.handleRegister)
	mux.HandleFunc("GET /sensors", s.handleList)
	mux.HandleFunc("DELETE /sensors/{id}", s.handleDeregister)
	mux.HandleFunc("POST /sensors/{id}/measurements", s.handleReport)
	mux.HandleFunc("GET /sensors/{id}/measurements", s.handleHistory)
	mux.HandleFunc("GET /sensors/{id}/closest", s.handleClosest)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleEvents)
	return mux
}

// Sensors returns the registered sensors, for the health monitor.
func (s *Server) Sensors() []cluster.Sensor {
	return s.registry.List()
}

// Evict drops a sensor and its readings, as when the health monitor gives
// up on it.
func (s *Server) Evict(id string) {
	if !s.registry.Deregister(id) {
		return
	}
	_ = s.store.Delete(id)
	log.Printf("directory: evicted unhealthy sensor %s", id)
	s.bus.Publish(Event{Type: EventUnhealthy, SensorID: id})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var sensor cluster.Sensor
	if err := json.NewDecoder(r.Body).Decode(&sensor); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	ok := s.registry.Register(sensor)
	if ok {
		log.Printf("directory: registered %s", sensor)
		s.bus.Publish(Event{Type: EventRegistered, SensorID: sensor.ID})
	} else {
		log.Printf("directory: refused registration of %q", sensor.ID)
	}
	writeJSON(w, ok)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, struct {
		Sensors []cluster.Sensor `json:"sensors"`
	}{Sensors: s.registry.List()})
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.registry.Deregister(id) {
		http.Error(w, "unknown sensor", http.StatusNotFound)
		return
	}
	_ = s.store.Delete(id)
	log.Printf("directory: deregistered %s", id)
	s.bus.Publish(Event{Type: EventDeregistered, SensorID: id})
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	m, err := measurement.Decode(raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, ok := s.registry.Get(id); !ok {
		writeJSON(w, false)
		return
	}
	if err := s.store.Append(id, m); err != nil {
		log.Printf("directory: store reading of %s: %v", id, err)
		writeJSON(w, false)
		return
	}
	s.bus.Publish(Event{Type: EventMeasurement, SensorID: id, Measurement: &m})
	writeJSON(w, true)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.registry.Get(id); !ok {
		http.Error(w, "unknown sensor", http.StatusNotFound)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	records, err := s.store.History(id, limit)
	if err != nil {
		records = []storage.Record{}
	}
	writeJSON(w, struct {
		Readings []storage.Record `json:"readings"`
	}{Readings: records})
}

func (s *Server) handleClosest(w http.ResponseWriter, r *http.Request) {
	// Unknown ids get null too: a sensor outliving a directory restart keeps
	// measuring locally. A nil pointer encodes as null.
	closest, _ := s.registry.Closest(r.PathValue("id"))
	writeJSON(w, closest)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Sensors     map[string]*SensorHealth `json:"sensors,omitempty"`
		Stats       storage.StoreStats       `json:"stats"`
		Registered  int                      `json:"registered"`
		Subscribers int                      `json:"subscribers"`
	}{
		Registered:  s.registry.Len(),
		Stats:       s.store.Stats(),
		Subscribers: s.bus.Subscribers(),
	}
	if s.monitor != nil {
		resp.Sensors = s.monitor.All()
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("directory: encode response: %v", err)
	}
}
