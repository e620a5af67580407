package wiremsg

import "time"

// MessageHandler receives a session's lifecycle events and its payloads.
// Dispatcher is the implementation most applications want; a custom
// implementation can take over payload parsing entirely.
type MessageHandler interface {
	// OnConnect is called once per session before its receive loop starts.
	// An error closes the session without running the loop.
	OnConnect(s *Session) error
	// OnDisconnect is called once after the receive loop of a connected
	// session ends, whatever ended it.
	OnDisconnect(s *Session) error
	// HandleMessage is called for every frame that carries a payload, in
	// arrival order. arrived is the time the frame's length prefix was
	// read. A non-nil error ends the session's receive loop.
	HandleMessage(s *Session, payload []byte, arrived time.Time) error
}
