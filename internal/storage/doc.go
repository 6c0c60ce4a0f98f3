// Package storage keeps the measurements sensors report to the directory.
//
// # Overview
//
// Each sensor owns an append-only log of readings. The log is bounded: once
// it holds the configured capacity, appending drops the oldest reading. The
// directory uses the newest entry to answer "latest reading" queries and the
// tail of the log for history.
//
//	┌───────────────────────────────┐
//	│        directory API          │
//	│  POST /sensors/{id}/measure.. │
//	└───────────────────────────────┘
//	                │ Append
//	                ▼
//	┌───────────────────────────────┐
//	│          Store                │
//	│  sensor id → [Record ...]     │
//	└───────────────────────────────┘
//
// # Implementations
//
// MemoryStore: in-memory logs guarded by a sync.RWMutex
//   - No persistence (data lost on restart)
//   - Reads return copies, never the live slice
//
// # Concurrency
//
//   - Read operations use shared locks (RLock)
//   - Write operations use exclusive locks (Lock)
//   - No locks held across calls into other packages
//
// # Usage
//
//	store := storage.NewMemoryStore(0)
//	_ = store.Append("sensor-1", m)
//	rec, err := store.Latest("sensor-1")
//	if errors.Is(err, storage.ErrSensorNotFound) {
//	    log.Println("no readings yet")
//	}
package storage
