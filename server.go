package wiremsg

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Server represents a TCP server that runs one Session per accepted
// connection.
type Server struct {
	id              uuid.UUID
	listener        *net.TCPListener
	logger          Logger
	metrics         *Metrics
	shutdownTimeout time.Duration
	maxSessions     int
	limiter         *rate.Limiter
	sessionOpts     []Option

	sessions *sessionTable

	mu           sync.Mutex
	shutdown     bool
	shutdownOnce sync.Once
	shutdownNow  chan struct{} // closed by Close, bypasses the drain timeout
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for the server.
// Sessions use it too unless SessionOptions sets another one.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ServerShutdownTimeoutOption sets the graceful shutdown timeout.
// When the context is canceled, the server stops accepting and waits up to
// this duration for live sessions to end on their own before closing them.
// Default is 0 (sessions are closed immediately).
func ServerShutdownTimeoutOption(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = timeout
	}
}

// ServerMaxSessionsOption caps the number of concurrent sessions.
// Connections beyond the cap are closed right after accept.
func ServerMaxSessionsOption(n int) ServerOption {
	return func(s *Server) {
		s.maxSessions = n
	}
}

// ServerAcceptRateOption limits how fast new connections are taken on.
// Connections above the rate are closed right after accept.
func ServerAcceptRateOption(limit rate.Limit, burst int) ServerOption {
	return func(s *Server) {
		s.limiter = rate.NewLimiter(limit, burst)
	}
}

// ServerMetricsOption records server and session metrics into m.
func ServerMetricsOption(m *Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// SessionOptions sets the options applied to every accepted session.
func SessionOptions(opts ...Option) ServerOption {
	return func(s *Server) {
		s.sessionOpts = append(s.sessionOpts, opts...)
	}
}

// New creates a new TCP server bound to the specified address.
// Returns an error if the address cannot be bound.
func New(addr *net.TCPAddr, opts ...ServerOption) (*Server, error) {
	listener, err := net.ListenTCP(addr.Network(), addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", addr)
	}

	s := &Server{
		id:          uuid.New(),
		listener:    listener,
		logger:      defaultLogger(),
		sessions:    newSessionTable(),
		shutdownNow: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Listen resolves address ("host:port" or ":port") and calls New.
func Listen(address string, opts ...ServerOption) (*Server, error) {
	addr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", address)
	}
	return New(addr, opts...)
}

// ID returns the server's unique identifier.
func (s *Server) ID() uuid.UUID {
	return s.id
}

// Serve accepts connections and runs a session for each of them with
// handler. It blocks until the context is canceled, Close is called or
// accepting fails. Before returning it waits for every session to end,
// closing whatever is still open after the shutdown timeout.
func (s *Server) Serve(ctx context.Context, handler MessageHandler) error {
	if handler == nil {
		return ErrInvalidHandler
	}

	s.logger.Info("server started", "addr", s.listener.Addr(), "server", s.id)

	sessionCtx, closeSessions := context.WithCancel(context.Background())
	defer closeSessions()

	var group errgroup.Group
	if s.maxSessions > 0 {
		group.SetLimit(s.maxSessions)
	}

	// Start a goroutine to handle context cancellation
	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
		case <-stopped:
			return
		}
		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		// Set a deadline to unblock Accept
		_ = s.listener.SetDeadline(time.Now())
	}()

	var serveErr error
	for {
		conn, err := s.listener.AcceptTCP()
		if err != nil {
			if s.isShutdown() {
				break
			}

			// Check if it's a temporary error
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("accept error", "error", err)
			serveErr = err
			break
		}

		if s.limiter != nil && !s.limiter.Allow() {
			s.reject(conn, rejectRate)
			continue
		}

		s.logger.Debug("accepted connection", "remote_addr", conn.RemoteAddr())
		_ = conn.SetNoDelay(true)

		if !group.TryGo(func() error {
			s.serveConn(sessionCtx, conn, handler)
			return nil
		}) {
			s.reject(conn, rejectCapacity)
		}
	}

	s.drain(&group, closeSessions)
	_ = s.listener.Close()
	s.logger.Info("server stopped", "addr", s.listener.Addr(), "server", s.id)

	if serveErr != nil {
		return serveErr
	}
	return ctx.Err()
}

// serveConn runs the full lifecycle of one accepted connection. The
// session leaves the table and its connection is closed on every path.
func (s *Server) serveConn(ctx context.Context, conn net.Conn, handler MessageHandler) {
	sess := newSessionWithOptions(conn, handler, s.sessionOptions())
	h := s.sessions.add(sess)
	defer func() {
		s.sessions.remove(h)
		_ = sess.Close()
	}()

	s.logger.Info("new connection", "remote_addr", sess.remote, "session", sess.id)
	_ = runLifecycle(ctx, sess, handler, s.sessions, s.logger, s.metrics)
}

// drain waits for the sessions to finish, closing them once the shutdown
// timeout expires or Close is called.
func (s *Server) drain(group *errgroup.Group, closeSessions context.CancelFunc) {
	done := make(chan struct{})
	go func() {
		_ = group.Wait()
		close(done)
	}()

	if s.shutdownTimeout > 0 {
		s.logger.Info("graceful shutdown initiated", "timeout", s.shutdownTimeout)
		select {
		case <-done:
			return
		case <-time.After(s.shutdownTimeout):
			// Timeout expired, proceed with shutdown
		case <-s.shutdownNow:
			s.logger.Debug("shutdown timeout bypassed via Close()")
		}
	}

	closeSessions()
	<-done
}

func (s *Server) reject(conn net.Conn, reason string) {
	s.logger.Warn("connection rejected", "remote_addr", conn.RemoteAddr(), "reason", reason)
	s.metrics.connectionRejected(reason)
	_ = conn.Close()
}

func (s *Server) sessionOptions() options {
	opts := make([]Option, 0, len(s.sessionOpts)+2)
	opts = append(opts, LoggerOption(s.logger), MetricsOption(s.metrics))
	opts = append(opts, s.sessionOpts...)
	return buildOptions(opts)
}

func (s *Server) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// Sessions returns the live sessions: those whose connect hook succeeded
// and whose disconnect has not completed.
func (s *Server) Sessions() []*Session {
	return s.sessions.live()
}

// Lookup resolves a handle issued by this server.
func (s *Server) Lookup(h Handle) (*Session, bool) {
	if h.table != s.sessions {
		return nil, false
	}
	return h.Session()
}

// Close stops the server by closing the underlying listener.
// Sessions still open when Serve drains are closed without waiting for the
// shutdown timeout.
func (s *Server) Close() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	s.shutdownOnce.Do(func() {
		close(s.shutdownNow)
	})

	if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// runLifecycle runs connect hook, receive loop and disconnect hook for a
// session already in table. The disconnect hook runs whenever the connect
// hook succeeded.
func runLifecycle(ctx context.Context, sess *Session, handler MessageHandler, table *sessionTable, logger Logger, m *Metrics) error {
	// Closed before it ever connected: no hooks run.
	if sess.IsClosed() {
		return nil
	}
	if err := callHook("connect", handler.OnConnect, sess); err != nil {
		logger.Error("connect hook failed", "session", sess.id, "remote_addr", sess.remote, "error", err)
		return err
	}
	table.markLive(sess.handle)
	m.sessionOpened()
	defer m.sessionClosed()

	runErr := sess.Run(ctx)
	if errors.Is(runErr, ErrSessionClosed) {
		// Closed from outside between the connect hook and the loop.
		runErr = nil
	}
	if runErr != nil {
		logger.Error("unexpected error from session", "session", sess.id, "remote_addr", sess.remote, "error", runErr)
	}
	logger.Info("ended session", "session", sess.id, "remote_addr", sess.remote)

	if err := callHook("disconnect", handler.OnDisconnect, sess); err != nil {
		logger.Error("disconnect hook failed", "session", sess.id, "remote_addr", sess.remote, "error", err)
	}
	return runErr
}

func callHook(name string, hook func(*Session) error, sess *Session) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("%s hook panic: %v", name, p)
		}
	}()
	return hook(sess)
}
