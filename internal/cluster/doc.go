// Package cluster describes sensors as members of the telemetry network and
// provides the HTTP client sensors use to talk to the central directory.
//
// # Overview
//
// Every sensor registers with a single directory service. The directory
// knows where each sensor stands and where its peer server listens, stores
// reported measurements, and answers "who is my closest neighbour". Sensors
// then exchange live readings with that neighbour directly, without the
// directory in the path.
//
//	             ┌───────────────┐
//	             │   Directory   │
//	             │ register      │
//	             │ report        │
//	             │ closest       │
//	             └───────┬───────┘
//	         HTTP/JSON   │
//	      ┌──────────────┼──────────────┐
//	      │              │              │
//	┌─────▼─────┐  ┌─────▼─────┐  ┌─────▼─────┐
//	│ Sensor A  │◄─┤ Sensor B  │  │ Sensor C  │
//	│ peer srv  │  │ peer srv  │  │ peer srv  │
//	└───────────┘  └───────────┘  └───────────┘
//	        GET_MEASUREMENT over TCP
//
// # Core Types
//
// Sensor: immutable identity of a node
//   - Random UUID assigned at startup
//   - Host and port of the node's peer server
//   - Latitude and longitude drawn from a fixed bounding box
//
// Directory: client for the directory API
//   - Register, Deregister, Report, Closest
//   - One shared http.Client with a request timeout
//
// # Failure Handling
//
// Directory calls distinguish two kinds of failure:
//   - ErrUnreachable: the TCP connection to the directory could not be
//     established. Sensors treat this as losing the directory entirely.
//   - Everything else (timeouts mid-request, *StatusError, resets): transient,
//     left to the caller's retry policy.
//
// A closest-peer answer of null or an empty body is not an error; it means
// the sensor currently has no neighbour.
//
// # Wire Format
//
// Sensors travel as
//
//	{"username":"<uuid>","ipAddress":"localhost","port":10000,
//	 "latitude":15.91,"longitude":45.80}
//
// and measurements as documented in package measurement.
package cluster
