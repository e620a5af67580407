package wiremsg

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/time/rate"

	"github.com/Zereker/wiremsg/frame"
)

func newTestServer(t *testing.T, opts ...ServerOption) *Server {
	t.Helper()
	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}
	opts = append([]ServerOption{ServerLoggerOption(discardLogger())}, opts...)
	server, err := New(addr, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return server
}

func startServer(t *testing.T, server *Server, handler MessageHandler) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, handler)
	}()
	return cancel, done
}

func dialServer(t *testing.T, server *Server) *net.TCPConn {
	t.Helper()
	conn, err := net.DialTCP("tcp", nil, server.Addr().(*net.TCPAddr))
	if err != nil {
		t.Fatalf("client dial failed: %v", err)
	}
	return conn
}

func waitServe(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Serve to return")
		return nil
	}
}

// expectClosed asserts that the peer closed conn.
func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var buf [1]byte
	if _, err := conn.Read(buf[:]); err == nil {
		t.Error("expected connection to be closed by the server")
	} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
		t.Error("connection was left open")
	}
}

func TestNew(t *testing.T) {
	server := newTestServer(t)
	defer server.Close()

	if server.listener == nil {
		t.Error("listener is nil")
	}
	if server.ID().String() == "" {
		t.Error("server has no id")
	}
}

func TestNew_InvalidAddr(t *testing.T) {
	// First create a listener to occupy a port
	server1 := newTestServer(t)
	defer server1.Close()

	// Try to listen on the same port - should fail
	occupiedAddr := server1.listener.Addr().(*net.TCPAddr)
	_, err := New(occupiedAddr)
	if err == nil {
		t.Error("expected error for occupied port")
	}
}

func TestListen(t *testing.T) {
	server, err := Listen("127.0.0.1:0", ServerLoggerOption(discardLogger()))
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer server.Close()

	if _, err := Listen("not-an-address", ServerLoggerOption(discardLogger())); err == nil {
		t.Error("expected error for unresolvable address")
	}
}

func TestServer_Close(t *testing.T) {
	server := newTestServer(t)

	err := server.Close()
	if err != nil {
		t.Errorf("Close failed: %v", err)
	}

	// Verify listener is closed by trying to accept
	_, err = server.listener.AcceptTCP()
	if err == nil {
		t.Error("expected error after close")
	}

	if err := server.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestServer_Addr(t *testing.T) {
	server := newTestServer(t)
	defer server.Close()

	serverAddr := server.Addr()
	if serverAddr == nil {
		t.Error("Addr returned nil")
	}
}

func TestServer_Serve_NilHandler(t *testing.T) {
	server := newTestServer(t)
	defer server.Close()

	if err := server.Serve(context.Background(), nil); !errors.Is(err, ErrInvalidHandler) {
		t.Errorf("expected ErrInvalidHandler, got %v", err)
	}
}

func TestServer_Serve_ContextCanceled(t *testing.T) {
	server := newTestServer(t)

	cancel, done := startServer(t, server, newRawHandler())

	// Give server time to start
	time.Sleep(time.Millisecond * 50)

	// Cancel context
	cancel()

	if err := waitServe(t, done); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestServer_Serve_Close(t *testing.T) {
	server := newTestServer(t)

	cancel, done := startServer(t, server, newRawHandler())
	defer cancel()

	time.Sleep(time.Millisecond * 50)
	server.Close()

	// Close is not a cancellation; Serve returns cleanly.
	if err := waitServe(t, done); err != nil {
		t.Errorf("expected nil after Close, got %v", err)
	}
}

func TestServer_Lifecycle(t *testing.T) {
	server := newTestServer(t)
	handler := newRawHandler()

	cancel, done := startServer(t, server, handler)
	defer cancel()

	clientConn := dialServer(t, server)

	waitFor(t, "live session", func() bool { return len(server.Sessions()) == 1 })
	if c, _, _ := handler.counts(); c != 1 {
		t.Errorf("expected 1 connect, got %d", c)
	}

	writeMessage(t, clientConn, Greeting{Message: "hi"})
	select {
	case <-handler.received:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
	}

	clientConn.Close()
	waitFor(t, "session removal", func() bool { return len(server.Sessions()) == 0 })
	waitFor(t, "disconnect hook", func() bool {
		_, d, _ := handler.counts()
		return d == 1
	})

	cancel()
	waitServe(t, done)
}

func TestServer_Serve_MultipleConnections(t *testing.T) {
	server := newTestServer(t)
	handler := newRawHandler()

	cancel, done := startServer(t, server, handler)

	// Connect multiple clients
	numClients := 5
	clients := make([]*net.TCPConn, numClients)
	for i := 0; i < numClients; i++ {
		clients[i] = dialServer(t, server)
	}

	waitFor(t, "all sessions", func() bool { return len(server.Sessions()) == numClients })

	seen := make(map[string]bool)
	for _, s := range server.Sessions() {
		if seen[s.ID().String()] {
			t.Errorf("duplicate session id %s", s.ID())
		}
		seen[s.ID().String()] = true
	}

	// Close all client connections
	for _, conn := range clients {
		conn.Close()
	}

	waitFor(t, "all disconnects", func() bool {
		_, d, _ := handler.counts()
		return d == numClients
	})

	cancel()
	waitServe(t, done)
}

func TestServer_ConnectHookFailure(t *testing.T) {
	server := newTestServer(t)
	handler := newRawHandler()
	handler.connectErr = errors.New("not welcome")

	cancel, done := startServer(t, server, handler)
	defer cancel()

	clientConn := dialServer(t, server)
	defer clientConn.Close()

	expectClosed(t, clientConn)

	c, d, _ := handler.counts()
	if c != 1 {
		t.Errorf("expected 1 connect attempt, got %d", c)
	}
	if d != 0 {
		t.Errorf("disconnect hook ran for a session that never connected")
	}
	if n := len(server.Sessions()); n != 0 {
		t.Errorf("rejected session is live: %d", n)
	}

	cancel()
	waitServe(t, done)
}

type panickingHandler struct {
	*rawHandler
}

func (panickingHandler) OnConnect(*Session) error {
	panic("connect hook exploded")
}

func TestServer_ConnectHookPanic(t *testing.T) {
	server := newTestServer(t)
	handler := panickingHandler{newRawHandler()}

	cancel, done := startServer(t, server, handler)

	clientConn := dialServer(t, server)
	defer clientConn.Close()

	expectClosed(t, clientConn)
	if _, d, _ := handler.counts(); d != 0 {
		t.Error("disconnect hook ran after a panicking connect hook")
	}

	// The server keeps accepting.
	second := dialServer(t, server)
	defer second.Close()
	expectClosed(t, second)

	cancel()
	waitServe(t, done)
}

func TestServer_DeferredReply(t *testing.T) {
	server := newTestServer(t)

	handles := make(chan Handle, 1)
	d := NewDispatcher([]Route{
		HandleFunc(func(s *Session, _ Prompt, _ time.Time) error {
			handles <- s.Handle()
			return nil
		}),
	}, DispatcherLoggerOption(discardLogger()))

	cancel, done := startServer(t, server, d)
	defer cancel()

	clientConn := dialServer(t, server)
	writeMessage(t, clientConn, Prompt{Prompt: "write hello world"})

	var h Handle
	select {
	case h = <-handles:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for prompt")
	}

	if s, ok := server.Lookup(h); !ok || s.Handle() != h {
		t.Error("Lookup did not resolve the server's own handle")
	}
	other := newTestServer(t)
	defer other.Close()
	if _, ok := other.Lookup(h); ok {
		t.Error("Lookup resolved a handle from another server")
	}

	// Reply from outside the receive loop.
	if !h.Send(PromptResponse{Prose: "done", Code: "print('hello')"}) {
		t.Fatal("Send through a live handle failed")
	}
	got := readMessage(t, clientConn)
	if got["__id"] != "PromptResponse" || got["prose"] != "done" {
		t.Errorf("unexpected reply: %v", got)
	}

	clientConn.Close()
	waitFor(t, "session removal", func() bool {
		_, ok := h.Session()
		return !ok
	})
	if h.Send(PromptResponse{Prose: "late"}) {
		t.Error("Send through a stale handle reported success")
	}

	cancel()
	waitServe(t, done)
}

func TestServer_MaxSessions(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	server := newTestServer(t, ServerMaxSessionsOption(1), ServerMetricsOption(m))

	cancel, done := startServer(t, server, newRawHandler())

	first := dialServer(t, server)
	defer first.Close()
	waitFor(t, "first session", func() bool { return len(server.Sessions()) == 1 })

	second := dialServer(t, server)
	defer second.Close()
	expectClosed(t, second)

	if got := testutil.ToFloat64(m.rejected.WithLabelValues(rejectCapacity)); got != 1 {
		t.Errorf("expected 1 capacity rejection, got %v", got)
	}
	if got := testutil.ToFloat64(m.sessionsActive); got != 1 {
		t.Errorf("expected 1 active session, got %v", got)
	}

	cancel()
	waitServe(t, done)

	if got := testutil.ToFloat64(m.sessionsActive); got != 0 {
		t.Errorf("expected 0 active sessions after shutdown, got %v", got)
	}
}

func TestServer_AcceptRate(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	server := newTestServer(t,
		ServerAcceptRateOption(rate.Every(time.Hour), 1),
		ServerMetricsOption(m),
	)

	cancel, done := startServer(t, server, newRawHandler())

	first := dialServer(t, server)
	defer first.Close()
	waitFor(t, "first session", func() bool { return len(server.Sessions()) == 1 })

	second := dialServer(t, server)
	defer second.Close()
	expectClosed(t, second)

	if got := testutil.ToFloat64(m.rejected.WithLabelValues(rejectRate)); got != 1 {
		t.Errorf("expected 1 rate rejection, got %v", got)
	}

	cancel()
	waitServe(t, done)
}

func TestServer_ShutdownClosesSessions(t *testing.T) {
	server := newTestServer(t)
	handler := newRawHandler()

	cancel, done := startServer(t, server, handler)

	clientConn := dialServer(t, server)
	defer clientConn.Close()
	waitFor(t, "live session", func() bool { return len(server.Sessions()) == 1 })

	cancel()
	waitServe(t, done)

	if _, d, _ := handler.counts(); d != 1 {
		t.Errorf("expected disconnect hook on shutdown, got %d", d)
	}
	expectClosed(t, clientConn)
}

func TestServer_ShutdownTimeout(t *testing.T) {
	server := newTestServer(t, ServerShutdownTimeoutOption(10*time.Second))
	handler := newRawHandler()

	cancel, done := startServer(t, server, handler)

	clientConn := dialServer(t, server)
	waitFor(t, "live session", func() bool { return len(server.Sessions()) == 1 })

	cancel()

	// The session is still open, so Serve waits for it.
	select {
	case err := <-done:
		t.Fatalf("Serve returned before the session ended: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	// Ending the session lets the drain finish early.
	clientConn.Close()
	if err := waitServe(t, done); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestServer_ShutdownTimeout_CloseBypass(t *testing.T) {
	server := newTestServer(t, ServerShutdownTimeoutOption(time.Minute))
	handler := newRawHandler()

	cancel, done := startServer(t, server, handler)

	clientConn := dialServer(t, server)
	defer clientConn.Close()
	waitFor(t, "live session", func() bool { return len(server.Sessions()) == 1 })

	cancel()
	time.Sleep(50 * time.Millisecond)
	server.Close()

	if err := waitServe(t, done); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if _, d, _ := handler.counts(); d != 1 {
		t.Errorf("expected disconnect hook, got %d", d)
	}

	clientConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := clientConn.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("expected EOF on client, got %v", err)
	}
}

func TestServer_SessionOptions(t *testing.T) {
	server := newTestServer(t, SessionOptions(HeartbeatOption(10*time.Millisecond)))

	cancel, done := startServer(t, server, newRawHandler())

	clientConn := dialServer(t, server)
	defer clientConn.Close()

	// A keep-alive arrives without the client sending anything.
	clientConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var prefix [4]byte
	if _, err := io.ReadFull(clientConn, prefix[:]); err != nil {
		t.Fatalf("expected keep-alive, got %v", err)
	}
	if prefix != [4]byte{4, 0, 0, 0} {
		t.Errorf("expected keep-alive prefix, got %v", prefix)
	}

	cancel()
	waitServe(t, done)
}

func TestServer_CleanupAfterLoopFault(t *testing.T) {
	tests := []struct {
		name      string
		handleErr error
		data      []byte
	}{
		{"garbled frame", nil, []byte{6, 0, 0, 0, 'X', '{'}},
		{"handler error", errors.New("handler gave up"),
			frame.Encode(frame.FormatJSON, []byte(`{"__id":"Greeting","message":"hi"}`))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newTestServer(t)
			handler := newRawHandler()
			handler.handleErr = tt.handleErr

			cancel, done := startServer(t, server, handler)
			defer cancel()

			clientConn := dialServer(t, server)
			defer clientConn.Close()
			waitFor(t, "live session", func() bool { return len(server.Sessions()) == 1 })

			if _, err := clientConn.Write(tt.data); err != nil {
				t.Fatalf("write failed: %v", err)
			}

			expectClosed(t, clientConn)
			waitFor(t, "session removal", func() bool { return len(server.Sessions()) == 0 })
			waitFor(t, "disconnect hook", func() bool {
				_, d, _ := handler.counts()
				return d == 1
			})

			cancel()
			waitServe(t, done)

			if c, d, _ := handler.counts(); c != 1 || d != 1 {
				t.Errorf("expected one connect and one disconnect, got %d and %d", c, d)
			}
		})
	}
}

func TestRunLifecycle_ClosedBeforeConnect(t *testing.T) {
	table := newSessionTable()
	handler := newRawHandler()
	sess := newTableSession(t)
	table.add(sess)
	sess.Close()

	err := runLifecycle(context.Background(), sess, handler, table, discardLogger(), nil)
	if err != nil {
		t.Errorf("expected nil for a session closed before connecting, got %v", err)
	}
	if c, d, _ := handler.counts(); c != 0 || d != 0 {
		t.Errorf("hooks ran for a closed session: connect=%d disconnect=%d", c, d)
	}
	if n := len(table.live()); n != 0 {
		t.Errorf("closed session became live")
	}
}

// closingHandler closes its session from inside the connect hook, the same
// window a concurrent Stop can hit.
type closingHandler struct {
	*rawHandler
}

func (h closingHandler) OnConnect(s *Session) error {
	_ = h.rawHandler.OnConnect(s)
	return s.Close()
}

func TestRunLifecycle_ClosedAfterConnect(t *testing.T) {
	table := newSessionTable()
	handler := closingHandler{newRawHandler()}
	sess := newTableSession(t)
	table.add(sess)

	err := runLifecycle(context.Background(), sess, handler, table, discardLogger(), nil)
	if err != nil {
		t.Errorf("expected nil for a session closed locally, got %v", err)
	}
	if c, d, _ := handler.counts(); c != 1 || d != 1 {
		t.Errorf("expected connect and disconnect once, got %d and %d", c, d)
	}
}
