package main

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dreamware/sensornet/internal/sensor"
)

// infoer is the part of the client the admin endpoint reads.
type infoer interface {
	Info() sensor.Info
}

// adminHandler serves:
//
//	/health   200 while the client is not terminated, 503 afterwards
//	/info     JSON sensor.Info
//	/metrics  Prometheus metrics from gatherer
func adminHandler(client infoer, gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		if client.Info().State == sensor.StateTerminated {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/info", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(client.Info())
	})
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux
}
