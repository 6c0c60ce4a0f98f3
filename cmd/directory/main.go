// Package main runs the reference sensor directory: registration, closest
// neighbour lookup, measurement ingestion and a live event stream.
//
// Configuration:
//   - DIRECTORY_LISTEN: listen address (default ":8080")
//   - DIRECTORY_PROBE_INTERVAL: health probe interval (default "10s")
//   - DIRECTORY_HISTORY: readings kept per sensor (default 256)
//
// Example usage:
//
//	DIRECTORY_LISTEN=:8080 ./directory
//	curl localhost:8080/sensors
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dreamware/sensornet/internal/directory"
	"github.com/dreamware/sensornet/internal/storage"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

func main() {
	addr := getenv("DIRECTORY_LISTEN", ":8080")
	interval := durationEnv("DIRECTORY_PROBE_INTERVAL", 10*time.Second)
	history := intEnv("DIRECTORY_HISTORY", storage.DefaultCapacity)

	srv, monitor := newDirectory(interval, history)

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Start(ctx, srv.Sensors)

	go func() {
		log.Printf("directory listening on %s", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logFatal("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	monitor.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	log.Println("directory stopped")
}

// newDirectory builds the API server and a health monitor that evicts
// sensors it gives up on.
func newDirectory(probeInterval time.Duration, history int) (*directory.Server, *directory.HealthMonitor) {
	monitor := directory.NewHealthMonitor(probeInterval)
	srv := directory.NewServer(directory.NewRegistry(), storage.NewMemoryStore(history), monitor)
	monitor.SetOnUnhealthy(srv.Evict)
	return srv, monitor
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func durationEnv(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		logFatal("invalid %s %q", k, v)
		return def
	}
	return d
}

func intEnv(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		logFatal("invalid %s %q", k, v)
		return def
	}
	return n
}
