package wiremsg

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Client runs a single outbound session.
type Client struct {
	id      uuid.UUID
	host    string
	port    int
	opts    options
	dialer  net.Dialer
	started atomic.Bool

	sessions *sessionTable

	mu      sync.Mutex
	session *Session
	stopped bool
}

// NewClient validates endpoint, which must be "hostname:port" with a port
// in [0, 65535), and returns a client ready to Run.
func NewClient(endpoint string, opt ...Option) (*Client, error) {
	host, port, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	return &Client{
		id:       uuid.New(),
		host:     host,
		port:     port,
		opts:     buildOptions(opt),
		sessions: newSessionTable(),
	}, nil
}

func parseEndpoint(endpoint string) (string, int, error) {
	parts := strings.Split(endpoint, ":")
	if len(parts) != 2 {
		return "", 0, errors.Wrap(ErrInvalidEndpoint, "expected format is hostname:port")
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, errors.Wrap(ErrInvalidEndpoint, "port is not an integer")
	}
	if port < 0 || port >= 65535 {
		return "", 0, errors.Wrap(ErrInvalidEndpoint, "port must be in range [0,65535)")
	}
	return parts[0], port, nil
}

// ID returns the client's unique identifier.
func (c *Client) ID() uuid.UUID {
	return c.id
}

// Endpoint returns the address the client connects to.
func (c *Client) Endpoint() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

// Run connects, runs the session with handler and returns once the session
// has ended and its disconnect hook has run. A client runs at most once.
func (c *Client) Run(ctx context.Context, handler MessageHandler) error {
	if handler == nil {
		return ErrInvalidHandler
	}
	if !c.started.CompareAndSwap(false, true) {
		return ErrClientStarted
	}

	c.opts.logger.Info("connecting", "endpoint", c.Endpoint(), "client", c.id)
	conn, err := c.dialer.DialContext(ctx, "tcp", c.Endpoint())
	if err != nil {
		return errors.Wrapf(err, "connect to %s", c.Endpoint())
	}

	sess := newSessionWithOptions(conn, handler, c.opts)
	sess.remote = c.Endpoint()

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		_ = sess.Close()
		return nil
	}
	c.session = sess
	c.mu.Unlock()

	h := c.sessions.add(sess)
	defer func() {
		c.sessions.remove(h)
		_ = sess.Close()
	}()

	return runLifecycle(ctx, sess, handler, c.sessions, c.opts.logger, c.opts.metrics)
}

// Stop closes the session from outside its receive loop. Run then returns
// after the disconnect hook. Stopping before Run connects makes Run return
// without keeping the connection.
func (c *Client) Stop() error {
	c.mu.Lock()
	c.stopped = true
	sess := c.session
	c.mu.Unlock()

	if sess == nil {
		return nil
	}
	return sess.Close()
}

// Session returns the client's session while it is live.
func (c *Client) Session() (*Session, bool) {
	live := c.sessions.live()
	if len(live) == 0 || live[0].IsClosed() {
		return nil, false
	}
	return live[0], true
}

// Send sends msg on the live session and reports whether one existed.
func (c *Client) Send(msg any) bool {
	s, ok := c.Session()
	if !ok {
		return false
	}
	s.Send(msg)
	return true
}
