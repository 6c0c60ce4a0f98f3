// Package peer implements the line protocol sensors use to exchange live
// measurements: a Server answering GET_MEASUREMENT requests and a Conn for
// asking another sensor.
//
// Protocol:
//
//	client: GET_MEASUREMENT\n
//	server: {"temperature":21,"pressure":1012,"humidity":44,"co":31}\n
//
// Any other request line is ignored and gets no reply. A connection can be
// reused for any number of requests until either side closes it.
package peer

import (
	"bufio"
	"context"
	"errors"
	"log"
	"net"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/dreamware/sensornet/internal/measurement"
)

var (
	// ErrServerRunning is returned when starting a server that already runs.
	ErrServerRunning = errors.New("peer server already started")

	// ErrServerStopped is returned when starting a server that was stopped.
	ErrServerStopped = errors.New("peer server stopped")
)

// State is the lifecycle stage of a Server.
type State int

const (
	StateNew State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "not started"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// DefaultWorkers is one less than the number of CPUs, at least 1.
func DefaultWorkers() int {
	return max(runtime.NumCPU()-1, 1)
}

// Options tune a Server. Zero values select the defaults.
type Options struct {
	// Served counts answered requests; nil disables counting.
	Served prometheus.Counter
	// Now replaces time.Now, for tests.
	Now func() time.Time
	// AcceptTimeout bounds each accept call so the loop can notice Stop.
	// Defaults to 1s.
	AcceptTimeout time.Duration
	// Workers bounds the number of connections served at once. Connections
	// over the limit wait for a free worker. Defaults to DefaultWorkers().
	Workers int
}

// Server answers measurement requests from other sensors. Its reading is
// derived from the time elapsed since the server was created: the feed
// index is the elapsed whole seconds modulo the feed length.
//
// Concurrency model:
//   - One accept goroutine, woken at least every AcceptTimeout
//   - One goroutine per connection, at most Workers of them serving
//   - Stop closes the listener; connections already being served run until
//     the peer hangs up or a read fails
type Server struct {
	startedAt     time.Time
	feed          *measurement.Feed
	listener      *net.TCPListener
	sem           *semaphore.Weighted
	served        prometheus.Counter
	now           func() time.Time
	cancel        context.CancelFunc
	acceptDone    chan struct{}
	addr          string
	workers       sync.WaitGroup
	acceptTimeout time.Duration
	size          int
	mu            sync.Mutex
	state         State
}

// NewServer creates a server that will listen on addr and serve readings
// from feed. The elapsed-time clock starts now.
func NewServer(addr string, feed *measurement.Feed, opts Options) *Server {
	if opts.AcceptTimeout <= 0 {
		opts.AcceptTimeout = time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Server{
		addr:          addr,
		feed:          feed,
		now:           opts.Now,
		startedAt:     opts.Now(),
		acceptTimeout: opts.AcceptTimeout,
		size:          opts.Workers,
		sem:           semaphore.NewWeighted(int64(opts.Workers)),
		served:        opts.Served,
	}
}

// Start binds the listening socket and launches the accept loop. It returns
// once the socket is bound, so a nil error means peers can connect.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateRunning:
		return ErrServerRunning
	case StateStopped:
		return ErrServerStopped
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln.(*net.TCPListener)
	ctx, s.cancel = context.WithCancel(ctx)
	s.acceptDone = make(chan struct{})
	s.state = StateRunning

	log.Printf("peer[%s] listening (%d workers)", s.listener.Addr(), s.size)
	go s.acceptLoop(ctx)
	return nil
}

// Stop ends the accept loop and closes the listener. Connections already
// handed to workers are not interrupted; use Drain to wait for them.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.state != StateRunning {
		s.state = StateStopped
		s.mu.Unlock()
		return
	}
	s.state = StateStopped
	s.cancel()
	done := s.acceptDone
	s.mu.Unlock()

	<-done
	log.Printf("peer[%s] stopped", s.addr)
}

// Drain waits until every accepted connection has been served or ctx ends.
func (s *Server) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current lifecycle stage.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Addr returns the bound address once started, otherwise the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// StartedAt returns the instant the elapsed-time clock started.
func (s *Server) StartedAt() time.Time {
	return s.startedAt
}

// Current returns the reading for this instant and the feed index it came
// from. Every call computes the value afresh, so callers never share state.
func (s *Server) Current() (measurement.Measurement, int) {
	elapsed := int(s.now().Sub(s.startedAt) / time.Second)
	index := elapsed % s.feed.Len()
	return s.feed.At(index), index
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer close(s.acceptDone)
	defer s.listener.Close()

	for ctx.Err() == nil {
		if err := s.listener.SetDeadline(time.Now().Add(s.acceptTimeout)); err != nil {
			log.Printf("peer[%s] set deadline: %v", s.addr, err)
			return
		}
		conn, err := s.listener.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("peer[%s] accept failed: %v", s.addr, err)
			return
		}
		s.dispatch(conn)
	}
}

// dispatch hands conn to a worker. The accept loop never waits here: a
// connection over the worker limit waits in its own goroutine.
func (s *Server) dispatch(conn net.Conn) {
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		// Background context: a queued connection is still served after
		// Stop, like work already submitted to a pool.
		if err := s.sem.Acquire(context.Background(), 1); err != nil {
			conn.Close()
			return
		}
		defer s.sem.Release(1)
		s.serve(conn)
	}()
}

func (s *Server) serve(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	log.Printf("peer[%s] accepted %s", s.addr, remote)
	defer func() {
		conn.Close()
		log.Printf("peer[%s] finished serving %s", s.addr, remote)
	}()

	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		if strings.TrimRight(sc.Text(), "\r") != RequestKeyword {
			continue
		}

		m, index := s.Current()
		data, err := m.Encode()
		if err != nil {
			log.Printf("peer[%s] encode reading %d: %v", s.addr, index, err)
			return
		}
		if _, err := conn.Write(append(data, '\n')); err != nil {
			log.Printf("peer[%s] write to %s: %v", s.addr, remote, err)
			return
		}
		if s.served != nil {
			s.served.Inc()
		}
	}
}
