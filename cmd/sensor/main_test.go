package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/sensornet/internal/cluster"
	"github.com/dreamware/sensornet/internal/config"
	"github.com/dreamware/sensornet/internal/directory"
	"github.com/dreamware/sensornet/internal/measurement"
	"github.com/dreamware/sensornet/internal/sensor"
	"github.com/dreamware/sensornet/internal/storage"
)

type fakeClient struct {
	measureErr error
	calls      []string
	mu         sync.Mutex
}

func (f *fakeClient) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeClient) Measure(context.Context) (measurement.Measurement, error) {
	f.record("measure")
	return measurement.Measurement{Temperature: 20, Pressure: 1000, Humidity: 40}, f.measureErr
}
func (f *fakeClient) StartLoop()               { f.record("start") }
func (f *fakeClient) StopLoop()                { f.record("stop") }
func (f *fakeClient) Shutdown(context.Context) { f.record("shutdown") }
func (f *fakeClient) Sensor() cluster.Sensor   { return cluster.Sensor{ID: "s-1"} }

func (f *fakeClient) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func runConsole(t *testing.T, client commander, input string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := (&console{client: client, in: strings.NewReader(input), out: &out}).run(ctx)
	return out.String(), err
}

func TestConsoleCommands(t *testing.T) {
	client := &fakeClient{}
	out, err := runConsole(t, client, "start\n\n  MEASURE \nStop\nbogus\nEXIT\nSTART\n")
	require.NoError(t, err)

	assert.Equal(t, []string{"start", "measure", "stop", "shutdown"}, client.snapshot(), "nothing runs after EXIT")
	assert.Contains(t, out, "sensor s-1")
	assert.Contains(t, out, "Unknown command: bogus")
	assert.Contains(t, out, "Goodbye")
}

func TestConsoleEnd(t *testing.T) {
	client := &fakeClient{}
	_, err := runConsole(t, client, "end\n")
	require.NoError(t, err)
	assert.Equal(t, []string{"shutdown"}, client.snapshot())
}

func TestConsoleEndOfInput(t *testing.T) {
	client := &fakeClient{}
	_, err := runConsole(t, client, "START\n")
	require.NoError(t, err)
	assert.Equal(t, []string{"start"}, client.snapshot())
}

func TestConsoleMeasureFailures(t *testing.T) {
	t.Run("directory unreachable", func(t *testing.T) {
		client := &fakeClient{measureErr: fmt.Errorf("%w: refused", cluster.ErrUnreachable)}
		out, err := runConsole(t, client, "MEASURE\nSTART\n")
		assert.True(t, cluster.IsUnreachable(err))
		assert.Contains(t, out, "Lost connection with server")
		assert.Equal(t, []string{"measure", "shutdown"}, client.snapshot())
	})

	t.Run("critical error", func(t *testing.T) {
		bug := errors.New("bug")
		client := &fakeClient{measureErr: bug}
		out, err := runConsole(t, client, "measure\n")
		assert.ErrorIs(t, err, bug)
		assert.Contains(t, out, "critical error")
		assert.Equal(t, []string{"measure", "shutdown"}, client.snapshot())
	})
}

func TestConsoleStopsOnContext(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- (&console{client: &fakeClient{}, in: r, out: io.Discard}).run(ctx)
	}()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("console ignored cancellation")
	}
}

type scriptedRegisterer struct {
	answers []bool
	calls   int
}

func (s *scriptedRegisterer) Register(context.Context) (bool, error) {
	ok := s.answers[min(s.calls, len(s.answers)-1)]
	s.calls++
	if !ok {
		return false, errors.New("refused")
	}
	return true, nil
}

func TestRegisterUntilAccepted(t *testing.T) {
	r := &scriptedRegisterer{answers: []bool{false, false, true}}
	require.NoError(t, registerUntilAccepted(context.Background(), r, time.Millisecond))
	assert.Equal(t, 3, r.calls)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	never := &scriptedRegisterer{answers: []bool{false}}
	assert.ErrorIs(t, registerUntilAccepted(ctx, never, 5*time.Millisecond), context.DeadlineExceeded)
}

func TestFreePort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	taken := ln.Addr().(*net.TCPAddr).Port

	port, err := freePort("127.0.0.1", taken)
	require.NoError(t, err)
	assert.Greater(t, port, taken)
}

type staticInfo struct{ info sensor.Info }

func (s staticInfo) Info() sensor.Info { return s.info }

func TestAdminHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	sensor.NewMetrics(reg)
	info := staticInfo{info: sensor.Info{Sensor: cluster.Sensor{ID: "s-1"}, State: sensor.StateLoopRunning}}
	ts := httptest.NewServer(adminHandler(info, reg))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/info")
	require.NoError(t, err)
	var got sensor.Info
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	resp.Body.Close()
	assert.Equal(t, "s-1", got.Sensor.ID)
	assert.Equal(t, sensor.StateLoopRunning, got.State)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "sensor_cycles_total")

	dead := staticInfo{info: sensor.Info{State: sensor.StateTerminated}}
	ts2 := httptest.NewServer(adminHandler(dead, reg))
	defer ts2.Close()
	resp, err = http.Get(ts2.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

// TestRunAgainstDirectory runs a whole sensor against the reference
// directory, driven through the console.
func TestRunAgainstDirectory(t *testing.T) {
	dir := directory.NewServer(directory.NewRegistry(), storage.NewMemoryStore(0), nil)
	ts := httptest.NewServer(dir.Handler())
	defer ts.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	cfg := &config.Config{
		Sensor:    config.SensorConfig{Host: "127.0.0.1", Port: port},
		Directory: config.DirectoryConfig{URL: ts.URL, Timeout: time.Second},
		Loop:      config.LoopConfig{Interval: 20 * time.Millisecond},
		Cache:     config.CacheConfig{TTL: time.Second},
		Retry:     config.RetryConfig{Attempts: 3, Backoff: 10 * time.Millisecond},
		Peer:      config.PeerConfig{AcceptTimeout: 20 * time.Millisecond, Workers: 2},
	}

	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, run(ctx, cfg, strings.NewReader("MEASURE\nEXIT\n"), &out))

	assert.Contains(t, out.String(), "Reported")
	assert.Empty(t, dir.Sensors(), "EXIT deregisters")
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	var health struct {
		Stats storage.StoreStats `json:"stats"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, 1, health.Stats.Appended)
}
