package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/Tyrowin/pollchat/internal/chat"
	"github.com/Tyrowin/pollchat/internal/logging"
)

// limiterSweepInterval is how often idle rate-limit buckets are forgotten.
const limiterSweepInterval = time.Minute

// ChatServer accepts chat connections and runs one driver per connection.
type ChatServer struct {
	cfg      *Config
	protocol *chat.Protocol
	limiter  *hostLimiter
	logger   logging.Logger

	mu     sync.Mutex
	ln     net.Listener
	active map[net.Conn]struct{}
	conns  sync.WaitGroup
}

// NewChatServer creates a server that dispatches into protocol.
func NewChatServer(cfg *Config, protocol *chat.Protocol, logger logging.Logger) *ChatServer {
	return &ChatServer{
		cfg:      cfg,
		protocol: protocol,
		limiter:  newHostLimiter(cfg.RateLimit, nil),
		logger:   logger.With("module", "listener"),
		active:   make(map[net.Conn]struct{}),
	}
}

// Listen binds the configured address. Calling it is optional; Run binds on
// demand.
func (s *ChatServer) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *ChatServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Run binds if needed and serves until ctx is cancelled.
func (s *ChatServer) Run(ctx context.Context) error {
	if s.Addr() == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	return s.Serve(ctx)
}

// Serve accepts connections until ctx is cancelled, then waits up to
// ShutdownTimeout for in-flight connections before closing them.
func (s *ChatServer) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("server: Serve called before Listen")
	}

	s.logger.Info(ctx, "chat server listening", "addr", ln.Addr().String())
	defer func() { _ = ln.Close() }()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = ln.Close()
		case <-stop:
		}
	}()
	go s.sweepLimiter(ctx, stop)

	err := s.acceptLoop(ctx, ln)
	s.drain(ctx)
	return err
}

func (s *ChatServer) acceptLoop(ctx context.Context, ln net.Listener) error {
	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			// EMFILE, ENFILE, ECONNABORTED and friends are transient.
			backoff = nextBackoff(backoff)
			s.logger.Warn(ctx, "accept error; retrying", "error", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		backoff = 0

		s.track(conn)
		go func() {
			defer s.untrack(conn)
			s.serveConn(context.WithoutCancel(ctx), conn)
		}()
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}

func (s *ChatServer) track(conn net.Conn) {
	s.mu.Lock()
	s.active[conn] = struct{}{}
	s.conns.Add(1)
	s.mu.Unlock()
}

func (s *ChatServer) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.active, conn)
	s.mu.Unlock()
	s.conns.Done()
}

// drain waits for in-flight connections and force-closes the stragglers.
func (s *ChatServer) drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info(ctx, "chat server stopped")
		return
	case <-time.After(s.cfg.ShutdownTimeout):
	}

	s.mu.Lock()
	n := len(s.active)
	for conn := range s.active {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.logger.Warn(ctx, "shutdown timeout reached; closed in-flight connections", "count", n)
	<-done
}

func (s *ChatServer) sweepLimiter(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			s.limiter.prune()
		}
	}
}
