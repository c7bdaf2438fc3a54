// Package receiver implements the scene-snapshot streaming service: a TCP
// listener that accepts one producer at a time, reassembles length-prefixed
// snapshot frames, decodes them, and republishes the latest decoded snapshot
// to any number of consumers.
package receiver

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/scenecast/scenecast/internal/broadcast"
	"github.com/scenecast/scenecast/internal/observability"
	"github.com/scenecast/scenecast/internal/scene"
	"github.com/scenecast/scenecast/internal/status"
)

// Errors returned by Service operations.
var (
	// ErrInvalidDecoder is returned by New when no decoder is provided.
	ErrInvalidDecoder = errors.New("receiver: decoder is required")
	// ErrAlreadyStarted is returned by Start while the service is listening.
	ErrAlreadyStarted = errors.New("receiver: already listening")
	// ErrServiceClosed is returned by Start after Close.
	ErrServiceClosed = errors.New("receiver: service closed")
)

// State is the listener lifecycle state.
type State int32

const (
	// StateIdle means the service holds no port. Fresh, stopped, or failed.
	StateIdle State = iota
	// StateListening means the port is bound.
	StateListening
	// StateAccepting means the service is waiting for a producer.
	StateAccepting
	// StateConnected means one producer session is active.
	StateConnected
	// StateClosing means the active session is being torn down.
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateAccepting:
		return "accepting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Service is the streaming service. Create it with New, control it with
// Start/Stop, and consume it with Subscribe and Status. All methods are safe
// for concurrent use.
type Service struct {
	opts   options
	logger observability.Logger

	status    *status.Aggregator
	snapshots *broadcast.Broadcaster[scene.Handle]

	state  atomic.Int32
	closed atomic.Bool

	// sessionActive is the single connection slot. Claimed by the accept
	// loop, released when the session ends.
	sessionActive atomic.Bool

	mu       sync.Mutex
	listener *net.TCPListener
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a stopped service. A decoder is required.
func New(opt ...Option) (*Service, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	if err := checkOptions(&opts); err != nil {
		return nil, err
	}

	var broadcastOpts []broadcast.Option[scene.Handle]
	if opts.onSupersede != nil {
		broadcastOpts = append(broadcastOpts, broadcast.WithOnSupersede(opts.onSupersede))
	}

	return &Service{
		opts:      opts,
		logger:    opts.logger,
		status:    status.NewAggregator(opts.statusThrottle),
		snapshots: broadcast.New(broadcastOpts...),
	}, nil
}

// Start binds addr and begins accepting. Starting an already-listening
// service returns ErrAlreadyStarted. A bind failure leaves the service idle
// and is not retried; a fresh Start is the only recovery.
func (s *Service) Start(addr string) error {
	if s.closed.Load() {
		return ErrServiceClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return ErrAlreadyStarted
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return pkgerrors.Wrapf(err, "resolve %s", addr)
	}
	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		s.setState(StateIdle)
		s.status.Errorf("Bind failed on %s: %v", addr, err)
		s.logger.Error("bind failed", "addr", addr, "error", err)
		return pkgerrors.Wrapf(err, "bind %s", addr)
	}

	s.listener = ln
	s.setState(StateListening)
	s.status.Infof("Listening on %s", ln.Addr())
	s.logger.Info("listening", "addr", ln.Addr())

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.acceptLoop(ctx, cancel, ln, s.done)

	return nil
}

// acceptLoop accepts producers until canceled or an unrecoverable accept
// error occurs. At most one session is ever active; further inbound
// connections are refused at the transport level while a producer holds the
// slot.
func (s *Service) acceptLoop(ctx context.Context, cancel context.CancelFunc, ln *net.TCPListener, done chan struct{}) {
	var stopping atomic.Bool
	go func() {
		<-ctx.Done()
		stopping.Store(true)
		// Unblock the pending accept.
		_ = ln.SetDeadline(time.Now())
	}()

	var sessions sync.WaitGroup
	defer func() {
		cancel()
		sessions.Wait()

		s.mu.Lock()
		if s.listener == ln {
			s.listener = nil
		}
		s.mu.Unlock()
		_ = ln.Close()

		s.setState(StateIdle)
		close(done)
	}()

	s.setState(StateAccepting)
	for {
		conn, err := ln.AcceptTCP()
		if err != nil {
			if stopping.Load() {
				s.status.Infof("Stopped")
				s.logger.Info("listener stopped", "addr", ln.Addr())
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.status.Errorf("Accept failed: %v", err)
			s.logger.Error("accept failed", "error", err)
			return
		}

		if !s.sessionActive.CompareAndSwap(false, true) {
			// Single-producer policy.
			observability.ConnectionsRejectedTotal.Inc()
			s.logger.Warn("refusing connection, producer already active", "addr", conn.RemoteAddr())
			_ = conn.Close()
			continue
		}

		observability.SessionsTotal.Inc()
		observability.ProducerConnected.Set(1)
		s.setState(StateConnected)

		sess := newSession(conn, s.opts, s.logger, s.status, s.snapshots)
		sessions.Add(1)
		go func() {
			defer sessions.Done()

			_ = sess.run(ctx)

			s.setState(StateClosing)
			observability.ProducerConnected.Set(0)
			s.sessionActive.Store(false)
			if !stopping.Load() {
				s.setState(StateAccepting)
				s.status.Infof("Waiting for connection on %s", ln.Addr())
			}
		}()
	}
}

// Stop cancels the accept loop and any active session, waits for both to
// finish, and releases the port. Stopping a stopped service is a no-op.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Close stops the service for good: the snapshot stream and status feed are
// closed and pending consumer waits end. A closed service cannot be
// restarted.
func (s *Service) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.Stop()
	s.snapshots.Close()
	s.status.Close()
}

// Subscribe returns a consumer view of the snapshot stream: always the
// latest decoded snapshot, never a backlog.
func (s *Service) Subscribe() *broadcast.Subscription[scene.Handle] {
	return s.snapshots.Subscribe()
}

// Watch subscribes to applied status events.
func (s *Service) Watch() *broadcast.Subscription[status.Event] {
	return s.status.Watch()
}

// Status returns the current status text and its timestamp.
func (s *Service) Status() (string, time.Time) {
	return s.status.Current()
}

// State returns the listener lifecycle state.
func (s *Service) State() State {
	return State(s.state.Load())
}

// Addr returns the bound address, or nil when not listening.
func (s *Service) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Service) setState(st State) {
	s.state.Store(int32(st))
}
