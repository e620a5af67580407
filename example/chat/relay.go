package main

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Zereker/wiremsg"
)

// responder turns a prompt into raw answer text. Code in the answer is
// fenced with ``` like a chat model's output.
type responder func(prompt string) string

// echoResponder answers with the prompt itself.
func echoResponder(prompt string) string {
	return "You said: " + strings.TrimSpace(prompt)
}

type job struct {
	prompt string
	reply  wiremsg.Handle
}

// relay queues prompts from every session and answers them one at a time.
// Replies go through a Handle, so a client that left in the meantime is
// skipped.
type relay struct {
	logger  wiremsg.Logger
	answer  responder
	jobs    chan job
	limit   int // prompts to answer before run returns, 0 for no limit
	greeter string

	mu       sync.Mutex
	sessions map[uuid.UUID]wiremsg.Handle
}

func newRelay(logger wiremsg.Logger, answer responder, queue int) *relay {
	return &relay{
		logger:   logger,
		answer:   answer,
		jobs:     make(chan job, queue),
		greeter:  "Hello from chat relay",
		sessions: make(map[uuid.UUID]wiremsg.Handle),
	}
}

func (r *relay) routes() []wiremsg.Route {
	return []wiremsg.Route{
		wiremsg.HandleFunc(r.handleHello),
		wiremsg.HandleFunc(r.handlePrompt),
	}
}

func (r *relay) onConnect(s *wiremsg.Session) error {
	r.logger.Info("client connected", "session", s.ID(), "remote_addr", s.RemoteEndpoint())
	s.Send(HelloMessage{Message: r.greeter})

	r.mu.Lock()
	r.sessions[s.ID()] = s.Handle()
	r.mu.Unlock()
	return nil
}

func (r *relay) onDisconnect(s *wiremsg.Session) error {
	r.logger.Info("client disconnected", "session", s.ID(), "remote_addr", s.RemoteEndpoint())

	r.mu.Lock()
	delete(r.sessions, s.ID())
	r.mu.Unlock()
	return nil
}

func (r *relay) handleHello(s *wiremsg.Session, msg HelloMessage, _ time.Time) error {
	r.logger.Info("hello received", "session", s.ID(), "message", msg.Message)
	return nil
}

func (r *relay) handlePrompt(s *wiremsg.Session, msg PromptMessage, arrived time.Time) error {
	r.logger.Debug("prompt received", "session", s.ID(), "queued_after", time.Since(arrived))

	select {
	case r.jobs <- job{prompt: msg.Prompt, reply: s.Handle()}:
		return nil
	default:
		s.Send(ResponseMessage{Prose: "The relay is busy, try again later."})
		return nil
	}
}

// broadcast sends msg to every connected client.
func (r *relay) broadcast(msg any) int {
	r.mu.Lock()
	handles := make([]wiremsg.Handle, 0, len(r.sessions))
	for _, h := range r.sessions {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	sent := 0
	for _, h := range handles {
		if h.Send(msg) {
			sent++
		}
	}
	return sent
}

// run answers queued prompts until ctx is done or the limit is reached.
func (r *relay) run(ctx context.Context) {
	answered := 0
	for r.limit == 0 || answered < r.limit {
		select {
		case <-ctx.Done():
			return
		case j := <-r.jobs:
			prose, code := splitResponse(r.answer(j.prompt))
			answered++

			if !j.reply.Send(ResponseMessage{Prose: prose, Code: code}) {
				r.logger.Warn("prompt answered after its client left", "prompt", j.prompt)
			}
		}
	}
}

// splitResponse separates fenced code from prose. Segments between ```
// markers are code; a leading "Copy code`" and trailing "`" left by some
// renderers are removed along with backslashes.
func splitResponse(text string) (prose, code string) {
	var proseParts, codeParts []string

	for i, segment := range strings.Split(text, "```") {
		if i%2 == 0 {
			proseParts = append(proseParts, segment)
			continue
		}

		segment = strings.TrimSpace(segment)
		segment = strings.TrimPrefix(segment, "Copy code`")
		segment = strings.TrimSuffix(segment, "`")
		codeParts = append(codeParts, strings.ReplaceAll(segment, `\`, ""))
	}

	return strings.Join(proseParts, ""), strings.Join(codeParts, "")
}
