// Package directory implements the reference sensor directory: the HTTP
// service sensors register with, report measurements to, and ask for their
// closest neighbour.
//
// # Architecture
//
//	┌──────────────────────────────────────┐
//	│              DIRECTORY               │
//	├──────────────────────────────────────┤
//	│  Server (HTTP API, /ws event stream) │
//	│     │              │                 │
//	│     ▼              ▼                 │
//	│  Registry       storage.Store        │
//	│  - sensors      - reading log        │
//	│  - closest      per sensor           │
//	│     ▲                                │
//	│     │ excludes unhealthy             │
//	│  HealthMonitor                       │
//	│  - GET_MEASUREMENT probe per sensor  │
//	└──────────────────────────────────────┘
//
// # Closest neighbour
//
// Distance is the haversine great-circle distance between the sensors'
// coordinates. The asking sensor and sensors the health monitor marked
// unhealthy are never offered. A lone sensor gets null.
//
// # Health
//
// The monitor probes each sensor's peer server every interval. After three
// consecutive failures the sensor is marked unhealthy; cmd/directory evicts
// it from the registry through the unhealthy callback.
//
// # Thread Safety
//
// Registry, HealthMonitor, Bus and Server are safe for concurrent use.
package directory
