// Package wiremsg carries typed messages between two peers over a plain
// byte stream. Messages are encoded by package schema, wrapped in the
// length-prefixed frames of package frame and routed to handlers by a
// Dispatcher on the receiving side.
package wiremsg

import (
	"bufio"
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/Zereker/wiremsg/frame"
	"github.com/Zereker/wiremsg/schema"
)

const unknownEndpoint = "unknown endpoint"

// Session owns one connection. It runs the receive loop that feeds frames
// to its MessageHandler and writes outgoing messages.
type Session struct {
	id      uuid.UUID
	rawConn net.Conn
	reader  *bufio.Reader
	writer  *bufio.Writer
	handler MessageHandler
	logger  Logger
	remote  string

	opts options

	writeMu sync.Mutex
	running atomic.Bool
	closed  atomic.Bool
	done    chan struct{}
	handle  Handle
}

// NewSession wraps conn in a session. The session takes ownership of conn
// and closes it when Run returns or Close is called.
// Returns ErrInvalidHandler if handler is nil.
func NewSession(conn net.Conn, handler MessageHandler, opt ...Option) (*Session, error) {
	if handler == nil {
		return nil, ErrInvalidHandler
	}
	return newSessionWithOptions(conn, handler, buildOptions(opt)), nil
}

// newSessionWithOptions creates a new Session with the given options.
func newSessionWithOptions(c net.Conn, handler MessageHandler, opts options) *Session {
	remote := unknownEndpoint
	if addr := c.RemoteAddr(); addr != nil {
		remote = addr.String()
	}

	return &Session{
		id:      uuid.New(),
		rawConn: c,
		reader:  bufio.NewReader(c),
		writer:  bufio.NewWriterSize(c, opts.bufferSize),
		handler: handler,
		logger:  opts.logger,
		remote:  remote,
		opts:    opts,
		done:    make(chan struct{}),
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// RemoteEndpoint returns the peer address, or "unknown endpoint".
func (s *Session) RemoteEndpoint() string {
	return s.remote
}

func (s *Session) String() string {
	return s.remote
}

// Handle returns a non-owning reference to the session, suitable for code
// that replies later from outside the receive loop. Sessions created
// directly with NewSession are not tracked and get the zero Handle.
func (s *Session) Handle() Handle {
	return s.handle
}

// Done is closed once the session has been closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Run runs the receive loop until the peer disconnects, ctx is canceled,
// the session is closed, a frame is malformed or the handler returns an
// error. Frames are handled strictly one after another. The connection is
// closed when Run returns.
//
// Run returns nil when the loop ended by disconnect, cancellation or Close,
// and the fault otherwise.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrSessionRunning
	}
	if s.closed.Load() {
		return ErrSessionClosed
	}

	s.logger.Info("session started", "session", s.id, "remote_addr", s.remote)
	s.logger.Debug("session options", "session", s.id,
		"buffer_size", s.opts.bufferSize,
		"max_read_length", s.opts.maxReadLength,
		"heartbeat", s.opts.heartbeat)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		defer cancel()
		return s.readLoop()
	})

	// Closing the connection is what unblocks a pending read.
	group.Go(func() error {
		<-child.Done()
		_ = s.Close()
		return nil
	})

	if s.opts.heartbeat > 0 {
		group.Go(func() error {
			return s.heartbeatLoop(child)
		})
	}

	err := group.Wait()
	_ = s.Close()

	if err != nil && !frame.IsDisconnect(err) {
		s.logger.Warn("session ended with error", "session", s.id, "remote_addr", s.remote, "error", err)
		return err
	}

	s.logger.Info("session ended", "session", s.id, "remote_addr", s.remote)
	return nil
}

// readLoop reads frames until the stream ends or a fault occurs.
func (s *Session) readLoop() error {
	for {
		f, err := frame.Read(s.reader, s.opts.maxReadLength)
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			if frame.IsDisconnect(err) {
				s.logger.Info("peer disconnected", "session", s.id, "remote_addr", s.remote)
			}
			return err
		}

		if f.KeepAlive() {
			s.opts.metrics.keepAliveReceived()
			continue
		}
		s.opts.metrics.frameReceived()

		if err = s.handler.HandleMessage(s, f.Payload, f.Arrived); err != nil {
			return errors.Wrap(err, "handle message")
		}
	}
}

// heartbeatLoop writes a keep-alive frame every heartbeat interval.
// Write errors are left for the read side to notice.
func (s *Session) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.write(frame.EncodeKeepAlive()); err != nil {
				s.logger.Debug("heartbeat write error", "session", s.id, "error", err)
				return nil
			}
		}
	}
}

// Send encodes msg and writes it as one frame. It never reports failure:
// a message that cannot be encoded or written is logged and dropped.
func (s *Session) Send(msg any) {
	if err := s.send(msg); err != nil {
		s.logger.Warn("send failed", "session", s.id, "kind", schema.Name(msg), "error", err)
		s.opts.metrics.sendFailed()
		s.fault(newFault(ErrSend, err))
	}
}

func (s *Session) send(msg any) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}

	payload, err := schema.Marshal(msg)
	if err != nil {
		return err
	}

	return s.write(frame.Encode(frame.FormatJSON, payload))
}

// write writes one complete frame and flushes it.
func (s *Session) write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.writer.Write(data); err != nil {
		return err
	}
	return s.writer.Flush()
}

// fault reports a contained fault to the OnErrorOption callback.
func (s *Session) fault(err error) {
	s.opts.onError(s, err)
}

// Close closes the connection. Safe to call multiple times and on a
// connection that is already broken; every call returns only once the
// connection is closed.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		<-s.done
		return nil
	}
	defer close(s.done)

	if err := s.rawConn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("close error", "session", s.id, "error", err)
		return err
	}
	return nil
}

// IsClosed returns true if the session has been closed.
func (s *Session) IsClosed() bool {
	return s.closed.Load()
}
