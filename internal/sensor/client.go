// Package sensor implements the sensor client: registration with the
// directory, the periodic measurement loop, closest-peer averaging, and the
// peer server that answers other sensors.
//
// Lifecycle:
//
//	Unregistered ──Register──► Registered ──StartLoop──► LoopRunning
//	                               ▲                        │   ▲
//	                               │                StopLoop│   │StartLoop
//	                               │                        ▼   │
//	                               └──────────────────── LoopStopped
//	any state ──Shutdown──► ShuttingDown ──► Terminated
//
// Two cached artifacts live on a client with independent lifetimes: the
// closest peer as last told by the directory, and the open connection to
// that peer. Each expires after the cache TTL; the connection is closed by
// a callback on the client's scheduler when it expires.
package sensor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dreamware/sensornet/internal/cache"
	"github.com/dreamware/sensornet/internal/cluster"
	"github.com/dreamware/sensornet/internal/measurement"
	"github.com/dreamware/sensornet/internal/peer"
	"github.com/dreamware/sensornet/internal/retry"
)

var (
	// ErrTerminated is returned by operations on a client that was shut down.
	ErrTerminated = errors.New("sensor client terminated")

	// ErrNotRegistered is returned by Measure before registration.
	ErrNotRegistered = errors.New("sensor client not registered")
)

// Defaults applied by New to zero Options fields.
const (
	DefaultInterval      = 5 * time.Second
	DefaultCacheTTL      = 24 * time.Second
	DefaultRetryAttempts = 3
	DefaultRetryBackoff  = time.Second
	DefaultPeerTimeout   = 5 * time.Second
)

// Directory is the part of the directory API a client uses.
type Directory interface {
	Register(ctx context.Context, s cluster.Sensor) (bool, error)
	Deregister(ctx context.Context, id string) (bool, error)
	Report(ctx context.Context, id string, m measurement.Measurement) (bool, error)
	Closest(ctx context.Context, id string) (*cluster.Sensor, error)
}

// Publisher mirrors acknowledged measurements to another system.
type Publisher interface {
	Publish(ctx context.Context, sensorID string, m measurement.Measurement) error
}

// State is the lifecycle stage of a Client.
type State string

const (
	StateUnregistered State = "unregistered"
	StateRegistered   State = "registered"
	StateLoopRunning  State = "loop running"
	StateLoopStopped  State = "loop stopped"
	StateShuttingDown State = "shutting down"
	StateTerminated   State = "terminated"
)

// Options configure a Client. Sensor, Directory and Feed are required.
type Options struct {
	Directory Directory
	Feed      *measurement.Feed
	Metrics   *Metrics
	Publisher Publisher
	// OnFatal is called from the loop goroutine when a cycle fails with an
	// error that is not a network failure. The loop has already stopped.
	OnFatal       func(error)
	Sensor        cluster.Sensor
	Interval      time.Duration
	CacheTTL      time.Duration
	RetryBackoff  time.Duration
	PeerTimeout   time.Duration
	AcceptTimeout time.Duration
	RetryAttempts int
	Workers       int
}

// Client is one sensor node. All methods are safe for concurrent use.
type Client struct {
	opts      Options
	dir       Directory
	metrics   *Metrics
	scheduler *cache.Scheduler

	// lifecycle serializes Register, Deregister and Shutdown.
	lifecycle sync.Mutex

	mu           sync.Mutex
	server       *peer.Server
	loopCancel   context.CancelFunc
	loopDone     chan struct{}
	err          error
	registered   bool
	loopStarted  bool
	shuttingDown bool
	terminated   bool
	done         chan struct{}

	cacheMu sync.Mutex
	closest *cache.Value[*cluster.Sensor]
	conn    *cache.Value[*peer.Conn]
	open    map[*peer.Conn]struct{}
}

// New creates an unregistered client.
func New(opts Options) (*Client, error) {
	if opts.Directory == nil {
		return nil, errors.New("sensor: directory is required")
	}
	if opts.Feed == nil {
		return nil, errors.New("sensor: feed is required")
	}
	if opts.Sensor.ID == "" {
		return nil, errors.New("sensor: sensor identity is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = DefaultRetryAttempts
	}
	if opts.RetryBackoff < 0 {
		opts.RetryBackoff = 0
	}
	if opts.PeerTimeout <= 0 {
		opts.PeerTimeout = DefaultPeerTimeout
	}

	c := &Client{
		opts:      opts,
		dir:       opts.Directory,
		metrics:   opts.Metrics,
		scheduler: cache.NewScheduler(),
		open:      make(map[*peer.Conn]struct{}),
		done:      make(chan struct{}),
	}
	c.server = c.newServer()
	return c, nil
}

func (c *Client) newServer() *peer.Server {
	return peer.NewServer(c.opts.Sensor.Address(), c.opts.Feed, peer.Options{
		AcceptTimeout: c.opts.AcceptTimeout,
		Workers:       c.opts.Workers,
		Served:        c.metrics.served(),
	})
}

func (c *Client) logf(format string, args ...any) {
	log.Printf("sensor[%s] "+format, append([]any{c.opts.Sensor.ID}, args...)...)
}

// Sensor returns the client's identity.
func (c *Client) Sensor() cluster.Sensor {
	return c.opts.Sensor
}

// Register submits the sensor to the directory and, once accepted, starts
// the peer server. It returns false without contacting the directory when
// already registered.
func (c *Client) Register(ctx context.Context) (bool, error) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	switch {
	case c.terminated || c.shuttingDown:
		c.mu.Unlock()
		return false, ErrTerminated
	case c.registered:
		c.mu.Unlock()
		c.logf("already registered with directory")
		return false, nil
	}
	if c.server.State() == peer.StateStopped {
		c.server = c.newServer()
	}
	server := c.server
	c.mu.Unlock()

	c.logf("registering: %v", c.opts.Sensor)
	ok, err := c.dir.Register(ctx, c.opts.Sensor)
	if err != nil {
		return false, fmt.Errorf("register: %w", err)
	}
	if !ok {
		c.logf("directory refused registration")
		return false, nil
	}

	if err := server.Start(context.Background()); err != nil {
		if _, derr := c.dir.Deregister(ctx, c.opts.Sensor.ID); derr != nil {
			c.logf("rollback of registration failed: %v", derr)
		}
		return false, fmt.Errorf("start peer server: %w", err)
	}

	c.mu.Lock()
	c.registered = true
	c.mu.Unlock()
	c.logf("registered; serving peers at %s", server.Addr())
	return true, nil
}

// Deregister stops the measurement loop, removes the sensor from the
// directory, retrying until the directory acknowledges, then stops the peer
// server. It is a no-op when not registered.
func (c *Client) Deregister(ctx context.Context) error {
	c.mu.Lock()
	if c.loopCancel != nil {
		c.loopCancel()
	}
	done := c.loopDone
	c.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("deregister: %w", ctx.Err())
		}
	}

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.deregister(ctx)
}

func (c *Client) deregister(ctx context.Context) error {
	c.mu.Lock()
	if !c.registered {
		c.mu.Unlock()
		c.logf("not registered with directory")
		return nil
	}
	server := c.server
	c.mu.Unlock()

	c.logf("deregistering")
	ok, err := retry.Do(ctx, c.opts.RetryAttempts, c.opts.RetryBackoff, func(ctx context.Context) (bool, error) {
		return c.dir.Deregister(ctx, c.opts.Sensor.ID)
	})

	server.Stop()
	c.mu.Lock()
	c.registered = false
	c.loopStarted = false
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("deregister: %w", err)
	}
	c.logf("deregistered")
	return nil
}

// StartLoop starts the measurement loop in its own goroutine. Starting an
// unregistered client or a loop that already runs is a logged no-op.
func (c *Client) StartLoop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.terminated || c.shuttingDown:
		c.logf("client is shut down")
		return
	case !c.registered:
		c.logf("not registered with directory")
		return
	case c.loopRunningLocked():
		c.logf("measurement loop already running")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.loopCancel = cancel
	c.loopDone = done
	c.loopStarted = true
	c.logf("starting measurement loop every %v", c.opts.Interval)
	go c.runLoop(ctx, done)
}

// StopLoop asks the loop to stop. The cycle in progress is not aborted
// mid-call but the loop exits at its next check. Stopping a loop that does
// not run is a logged no-op.
func (c *Client) StopLoop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loopRunningLocked() {
		c.logf("measurement loop is not running")
		return
	}
	c.logf("stopping measurement loop")
	c.loopCancel()
}

// LoopRunning reports whether the loop goroutine is alive.
func (c *Client) LoopRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loopRunningLocked()
}

func (c *Client) loopRunningLocked() bool {
	if c.loopDone == nil {
		return false
	}
	select {
	case <-c.loopDone:
		return false
	default:
		return true
	}
}

// Wait blocks until the loop goroutine has exited or ctx ends.
func (c *Client) Wait(ctx context.Context) error {
	c.mu.Lock()
	done := c.loopDone
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the fatal error that stopped the loop, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) runLoop(ctx context.Context, done chan struct{}) {
	c.metrics.loopRunning(true)
	defer func() {
		c.metrics.loopRunning(false)
		close(done)
	}()

	for ctx.Err() == nil {
		_, err := c.Measure(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return
		case errors.Is(err, ErrNotRegistered), errors.Is(err, ErrTerminated):
			c.logf("measurement loop stopped: %v", err)
			return
		case cluster.IsUnreachable(err):
			c.logf("lost connection with directory, shutting down: %v", err)
			c.shutdown(context.Background(), false)
			return
		case retry.IsRecoverable(err):
			c.logf("measurement loop stopped by I/O failure: %v", err)
			return
		default:
			c.logf("measurement loop failed: %v", err)
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			if c.opts.OnFatal != nil {
				c.opts.OnFatal(err)
			}
			return
		}

		t := time.NewTimer(c.opts.Interval)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

// Measure runs one measurement cycle: take the local reading, average it
// with the closest peer's live reading when there is one, and report the
// result to the directory, retrying until it is acknowledged.
//
// Failure handling:
//   - Peer unreachable or malformed reply: the local reading is reported
//   - Directory unreachable: error wrapping cluster.ErrUnreachable
//   - Other directory I/O failures on the lookup: returned
//   - Report refusals and transient failures: retried until ctx ends
func (c *Client) Measure(ctx context.Context) (measurement.Measurement, error) {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return measurement.Measurement{}, ErrTerminated
	}
	if !c.registered {
		c.mu.Unlock()
		return measurement.Measurement{}, ErrNotRegistered
	}
	server := c.server
	c.mu.Unlock()

	c.metrics.cycle()
	local, index := server.Current()
	c.logf("seconds active %d, reading index %d: %v",
		int(time.Since(server.StartedAt())/time.Second), index, local)

	result := local
	closest, err := c.closestPeer(ctx)
	if err != nil {
		return local, fmt.Errorf("closest peer: %w", err)
	}
	if closest == nil {
		c.logf("no neighbouring sensor, reporting local reading")
	} else {
		c.logf("closest sensor is %s", closest.ID)
		result = c.averageWithPeer(ctx, *closest, local)
	}

	if err := c.report(ctx, result); err != nil {
		return result, err
	}
	if c.opts.Publisher != nil {
		if err := c.opts.Publisher.Publish(ctx, c.opts.Sensor.ID, result); err != nil {
			c.logf("publish failed: %v", err)
		}
	}
	return result, nil
}

// closestPeer returns the cached closest peer, asking the directory when
// the cache is empty or expired. A nil sensor means no neighbour and is
// cached like any other answer.
func (c *Client) closestPeer(ctx context.Context) (*cluster.Sensor, error) {
	c.cacheMu.Lock()
	cached, ok := c.closest.Get()
	c.cacheMu.Unlock()
	if ok {
		c.logf("closest sensor taken from cache")
		return cached, nil
	}

	s, err := c.dir.Closest(ctx, c.opts.Sensor.ID)
	if errors.Is(err, cluster.ErrMalformedSensor) {
		c.logf("ignoring closest sensor answer: %v", err)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	c.cacheMu.Lock()
	c.closest = cache.New(s, c.opts.CacheTTL)
	c.cacheMu.Unlock()
	return s, nil
}

// averageWithPeer fetches the peer's reading and averages it with local.
// Any failure falls back to local.
func (c *Client) averageWithPeer(ctx context.Context, p cluster.Sensor, local measurement.Measurement) measurement.Measurement {
	conn, err := c.peerConn(ctx, p)
	if err != nil {
		c.metrics.peerFetch(fetchDialError)
		c.logf("unable to connect to %v: %v", p, err)
		return local
	}

	other, err := conn.Fetch(ctx)
	if err != nil {
		c.metrics.peerFetch(fetchError)
		c.logf("fetching reading from %s failed: %v", p.ID, err)
		c.evictConn(conn)
		return local
	}

	c.metrics.peerFetch(fetchOK)
	avg := measurement.Average(local, other)
	c.logf("peer reading %v, average %v", other, avg)
	return avg
}

// peerConn returns the cached connection to p or dials a new one. A new
// connection is cached for the TTL and closed by a callback bound to that
// connection, so replacing the slot never lets an old timer close a newer
// connection.
func (c *Client) peerConn(ctx context.Context, p cluster.Sensor) (*peer.Conn, error) {
	addr := p.Address()

	c.cacheMu.Lock()
	current, ok := c.conn.Get()
	c.cacheMu.Unlock()
	if ok && current.Addr() == addr && !current.Closed() {
		return current, nil
	}

	conn, err := peer.Dial(ctx, addr, c.opts.PeerTimeout)
	if err != nil {
		return nil, err
	}
	entry := cache.New(conn, c.opts.CacheTTL)
	if _, err := entry.OnExpiration(c.scheduler, func() {
		c.logf("closing expired connection with %s", p.ID)
		c.closeConn(conn)
	}); err != nil {
		conn.Close()
		return nil, err
	}

	c.cacheMu.Lock()
	replaced, stillLive := c.conn.Get()
	c.conn = entry
	c.open[conn] = struct{}{}
	c.cacheMu.Unlock()

	if stillLive && replaced != conn {
		c.closeConn(replaced)
	}
	return conn, nil
}

// evictConn drops conn from the cache slot if it still occupies it and
// closes it.
func (c *Client) evictConn(conn *peer.Conn) {
	c.cacheMu.Lock()
	if current, ok := c.conn.Get(); ok && current == conn {
		c.conn = nil
	}
	c.cacheMu.Unlock()
	c.closeConn(conn)
}

func (c *Client) closeConn(conn *peer.Conn) {
	c.cacheMu.Lock()
	delete(c.open, conn)
	c.cacheMu.Unlock()
	if err := conn.Close(); err != nil {
		c.logf("closing connection with %s: %v", conn.Addr(), err)
	}
}

// report sends m until the directory acknowledges it. Each round is one
// bounded retry.Do; rounds repeat until success, a fatal error, an
// unreachable directory, or cancellation.
func (c *Client) report(ctx context.Context, m measurement.Measurement) error {
	for {
		ok, err := retry.Do(ctx, c.opts.RetryAttempts, c.opts.RetryBackoff, func(ctx context.Context) (bool, error) {
			c.metrics.reportAttempt()
			c.logf("sending measurement %v", m)
			return c.dir.Report(ctx, c.opts.Sensor.ID, m)
		})
		if ok {
			c.metrics.reported()
			return nil
		}
		if !errors.Is(err, retry.ErrExhausted) {
			return fmt.Errorf("report: %w", err)
		}
		if cluster.IsUnreachable(err) {
			return fmt.Errorf("report: %w", err)
		}

		c.logf("measurement not acknowledged, retrying: %v", err)
		t := time.NewTimer(c.opts.RetryBackoff)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

// Shutdown stops the loop, deregisters (failures are logged and swallowed,
// the directory may already be gone), closes peer connections and releases
// the scheduler. The client cannot be used afterwards. Safe to call more
// than once.
func (c *Client) Shutdown(ctx context.Context) {
	c.shutdown(ctx, true)
}

func (c *Client) shutdown(ctx context.Context, waitLoop bool) {
	c.mu.Lock()
	if c.shuttingDown || c.terminated {
		c.mu.Unlock()
		return
	}
	c.shuttingDown = true
	if c.loopCancel != nil {
		c.loopCancel()
	}
	done := c.loopDone
	c.mu.Unlock()

	c.logf("shutting down")
	if waitLoop && done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}

	c.lifecycle.Lock()
	if err := c.deregister(ctx); err != nil {
		c.logf("deregistration during shutdown failed: %v", err)
	}
	c.mu.Lock()
	server := c.server
	c.mu.Unlock()
	server.Stop()
	c.lifecycle.Unlock()

	c.cacheMu.Lock()
	open := make([]*peer.Conn, 0, len(c.open))
	for conn := range c.open {
		open = append(open, conn)
	}
	c.conn = nil
	c.closest = nil
	c.cacheMu.Unlock()
	for _, conn := range open {
		c.closeConn(conn)
	}

	c.scheduler.Shutdown()

	c.mu.Lock()
	c.shuttingDown = false
	c.terminated = true
	close(c.done)
	c.mu.Unlock()
	c.logf("shut down")
}

// Done is closed once the client has terminated, whoever shut it down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// State returns the current lifecycle stage.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.terminated:
		return StateTerminated
	case c.shuttingDown:
		return StateShuttingDown
	case !c.registered:
		return StateUnregistered
	case c.loopRunningLocked():
		return StateLoopRunning
	case c.loopStarted:
		return StateLoopStopped
	default:
		return StateRegistered
	}
}

// Info is a snapshot of a client for diagnostics.
type Info struct {
	StartedAt   time.Time       `json:"started_at"`
	ClosestPeer *cluster.Sensor `json:"closest_peer,omitempty"`
	Sensor      cluster.Sensor  `json:"sensor"`
	State       State           `json:"state"`
	PeerAddr    string          `json:"peer_addr"`
	Reading     int             `json:"reading_index"`
}

// Info returns a snapshot of the client.
func (c *Client) Info() Info {
	c.mu.Lock()
	server := c.server
	c.mu.Unlock()

	c.cacheMu.Lock()
	closest, _ := c.closest.Get()
	c.cacheMu.Unlock()

	_, index := server.Current()
	return Info{
		Sensor:      c.opts.Sensor,
		State:       c.State(),
		PeerAddr:    server.Addr(),
		StartedAt:   server.StartedAt(),
		ClosestPeer: closest,
		Reading:     index,
	}
}
