package wiremsg

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/Zereker/wiremsg/frame"
	"github.com/Zereker/wiremsg/schema"
)

// Message kinds used across the tests.
type Greeting struct {
	Message string `json:"message"`
}

type Prompt struct {
	Prompt string `json:"prompt"`
}

type PromptResponse struct {
	Prose string `json:"prose"`
	Code  string `json:"code"`
}

// createTestTCPPair creates a connected pair of TCP connections for testing
func createTestTCPPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer listener.Close()

	// Connect client in goroutine
	clientChan := make(chan *net.TCPConn, 1)
	errChan := make(chan error, 1)
	go func() {
		conn, err := net.DialTCP("tcp", nil, listener.Addr().(*net.TCPAddr))
		if err != nil {
			errChan <- err
			return
		}
		clientChan <- conn
	}()

	// Accept server side
	serverConn, err := listener.AcceptTCP()
	if err != nil {
		t.Fatalf("failed to accept: %v", err)
	}

	select {
	case clientConn := <-clientChan:
		return serverConn, clientConn
	case err := <-errChan:
		serverConn.Close()
		t.Fatalf("client dial failed: %v", err)
		return nil, nil
	case <-time.After(5 * time.Second):
		serverConn.Close()
		t.Fatal("timeout waiting for client connection")
		return nil, nil
	}
}

// writeMessage frames msg the way Session.Send does and writes it raw.
func writeMessage(t *testing.T, conn net.Conn, msg any) {
	t.Helper()
	payload, err := schema.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	writePayload(t, conn, payload)
}

func writePayload(t *testing.T, conn net.Conn, payload []byte) {
	t.Helper()
	if err := frame.Write(conn, frame.FormatJSON, payload); err != nil {
		t.Fatalf("write frame failed: %v", err)
	}
}

// readMessage reads one payload frame off conn, skipping keep-alives.
func readMessage(t *testing.T, conn net.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	for {
		f, err := frame.Read(conn, 0)
		if err != nil {
			t.Fatalf("read frame failed: %v", err)
		}
		if f.KeepAlive() {
			continue
		}
		value, err := schema.Unmarshal(f.Payload)
		if err != nil {
			t.Fatalf("unmarshal failed: %v", err)
		}
		return value
	}
}

// rawHandler is a MessageHandler that records payloads.
type rawHandler struct {
	mu          sync.Mutex
	payloads    [][]byte
	times       []time.Time
	connects    int
	disconnects int

	connectErr error
	handleErr  error
	received   chan []byte
}

func newRawHandler() *rawHandler {
	return &rawHandler{received: make(chan []byte, 16)}
}

func (h *rawHandler) OnConnect(*Session) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connects++
	return h.connectErr
}

func (h *rawHandler) OnDisconnect(*Session) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnects++
	return nil
}

func (h *rawHandler) HandleMessage(_ *Session, payload []byte, arrived time.Time) error {
	h.mu.Lock()
	h.payloads = append(h.payloads, payload)
	h.times = append(h.times, arrived)
	h.mu.Unlock()
	h.received <- payload
	return h.handleErr
}

func (h *rawHandler) counts() (connects, disconnects, messages int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connects, h.disconnects, len(h.payloads)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
