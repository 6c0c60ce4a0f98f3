// Package main runs one sensor: it registers with the directory, serves its
// reading to peers, and takes commands from standard input.
//
// Configuration comes from an optional YAML file named by SENSOR_CONFIG,
// overlaid by SENSOR_HOST, SENSOR_PORT, DIRECTORY_URL, SENSOR_ADMIN_LISTEN,
// MQTT_BROKER and SENSOR_FEED. When the configured port is taken the next
// free one is used.
//
// Example usage:
//
//	SENSOR_PORT=10000 DIRECTORY_URL=http://localhost:8080 ./sensor
//	> START
//	> STOP
//	> EXIT
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/sensornet/internal/cluster"
	"github.com/dreamware/sensornet/internal/config"
	"github.com/dreamware/sensornet/internal/measurement"
	"github.com/dreamware/sensornet/internal/publish"
	"github.com/dreamware/sensornet/internal/sensor"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

func main() {
	cfg, err := config.Load(os.Getenv("SENSOR_CONFIG"))
	if err != nil {
		logFatal("config: %v", err)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, os.Stdin, os.Stdout); err != nil {
		logFatal("sensor: %v", err)
	}
}

// run builds the client, registers it and serves the console and the admin
// endpoint until EXIT, ctx, or the client shutting itself down.
func run(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer) error {
	port, err := freePort(cfg.Sensor.Host, cfg.Sensor.Port)
	if err != nil {
		return err
	}
	feed, err := loadFeed(cfg.Feed.Path)
	if err != nil {
		return err
	}

	identity := cluster.NewSensor(cfg.Sensor.Host, port)
	reg := prometheus.NewRegistry()

	var pub sensor.Publisher
	if cfg.MQTT.Broker != "" {
		m, err := publish.NewMQTT(cfg.MQTT.Broker, cfg.MQTT.Topic, "sensor-"+identity.ID)
		if err != nil {
			return err
		}
		defer m.Close()
		pub = m
	}

	fatal := make(chan error, 1)
	client, err := sensor.New(sensor.Options{
		Sensor:        identity,
		Directory:     cluster.NewDirectory(cfg.Directory.URL, cfg.Directory.Timeout),
		Feed:          feed,
		Metrics:       sensor.NewMetrics(reg),
		Publisher:     pub,
		Interval:      cfg.Loop.Interval,
		CacheTTL:      cfg.Cache.TTL,
		RetryAttempts: cfg.Retry.Attempts,
		RetryBackoff:  cfg.Retry.Backoff,
		PeerTimeout:   cfg.Directory.Timeout,
		AcceptTimeout: cfg.Peer.AcceptTimeout,
		Workers:       cfg.Peer.Workers,
		OnFatal: func(err error) {
			select {
			case fatal <- err:
			default:
			}
		},
	})
	if err != nil {
		return err
	}
	defer client.Shutdown(context.Background())
	log.Printf("sensor[%s] client: %s", identity.ID, identity)

	if err := registerUntilAccepted(ctx, client, cfg.Retry.Backoff); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Admin.Listen != "" {
		srv := &http.Server{
			Addr:              cfg.Admin.Listen,
			Handler:           adminHandler(client, reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Printf("sensor[%s] admin listening on %s", identity.ID, cfg.Admin.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin listen: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		defer cancel()
		return (&console{client: client, in: in, out: out}).run(gctx)
	})

	g.Go(func() error {
		select {
		case <-client.Done():
			log.Printf("sensor[%s] client terminated", identity.ID)
			cancel()
			return nil
		case err := <-fatal:
			return err
		case <-gctx.Done():
			return nil
		}
	})

	return g.Wait()
}

// registerer is the registration call of the sensor client.
type registerer interface {
	Register(ctx context.Context) (bool, error)
}

// registerUntilAccepted repeats registration until the directory accepts,
// waiting backoff between attempts.
func registerUntilAccepted(ctx context.Context, client registerer, backoff time.Duration) error {
	for attempt := 1; ; attempt++ {
		ok, err := client.Register(ctx)
		if ok {
			return nil
		}
		if errors.Is(err, sensor.ErrTerminated) {
			return err
		}
		log.Printf("register attempt %d not accepted: %v", attempt, err)

		t := time.NewTimer(backoff)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

// freePort returns port, or the next port after it that can be bound on host.
func freePort(host string, port int) (int, error) {
	for ; port <= 65535; port++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			ln.Close()
			return port, nil
		}
		log.Printf("port %d is unavailable, trying %d", port, port+1)
	}
	return 0, fmt.Errorf("no free port on %s", host)
}

func loadFeed(path string) (*measurement.Feed, error) {
	if path == "" {
		return measurement.Default()
	}
	return measurement.LoadFile(path)
}
