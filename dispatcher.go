package wiremsg

import (
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/Zereker/wiremsg/schema"
)

// Route binds a discriminator to a typed handler. Build routes with HandleFunc
// or HandleNamed and pass them to NewDispatcher.
type Route struct {
	name       string
	kind       string
	valid      bool
	structured bool
	decode     func(map[string]any) (any, error)
	call       func(*Session, any, time.Time) error
}

// Name returns the discriminator the route is registered under.
func (r Route) Name() string {
	return r.name
}

// HandleFunc builds a route for message type T under T's discriminator.
// T must be a struct type.
func HandleFunc[T any](fn func(s *Session, msg T, arrived time.Time) error) Route {
	return HandleNamed(schema.NameOf[T](), fn)
}

// HandleNamed builds a route under an explicit discriminator. The name must
// equal T's own discriminator; NewDispatcher rejects the route otherwise.
func HandleNamed[T any](name string, fn func(s *Session, msg T, arrived time.Time) error) Route {
	return Route{
		name:       name,
		kind:       schema.NameOf[T](),
		valid:      fn != nil,
		structured: isStruct[T](),
		decode: func(value map[string]any) (any, error) {
			return schema.DecodeAs[T](value)
		},
		call: func(s *Session, msg any, arrived time.Time) error {
			return fn(s, msg.(T), arrived)
		},
	}
}

// isStruct reports whether T, after dereferencing pointers, is a struct.
func isStruct[T any]() bool {
	t := reflect.TypeOf((*T)(nil)).Elem()
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Kind() == reflect.Struct
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// OnConnectHook sets the function called when a session connects.
func OnConnectHook(fn func(*Session) error) DispatcherOption {
	return func(d *Dispatcher) {
		d.onConnect = fn
	}
}

// OnDisconnectHook sets the function called when a session disconnects.
func OnDisconnectHook(fn func(*Session) error) DispatcherOption {
	return func(d *Dispatcher) {
		d.onDisconnect = fn
	}
}

// DispatcherLoggerOption sets the dispatcher's logger.
func DispatcherLoggerOption(logger Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// DispatcherMetricsOption records dispatch metrics into m.
func DispatcherMetricsOption(m *Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// Dispatcher is a MessageHandler that routes each payload to the handler
// registered for its discriminator. Its route table is fixed at
// construction.
//
// Every per-message failure is contained: payloads that do not parse,
// lack a discriminator, name an unregistered kind or do not match their
// schema are dropped, and handler errors and panics are logged. None of
// them ends the session.
type Dispatcher struct {
	routes map[string]Route
	errs   []error

	onConnect    func(*Session) error
	onDisconnect func(*Session) error

	logger  Logger
	metrics *Metrics
}

// NewDispatcher builds the route table. Rejected routes are logged and
// listed by Errors; the dispatcher is usable regardless. When two routes
// share a discriminator the first one wins and the later ones are rejected.
func NewDispatcher(routes []Route, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		routes: make(map[string]Route, len(routes)),
		logger: defaultLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}

	for _, r := range routes {
		if err := d.register(r); err != nil {
			d.errs = append(d.errs, err)
			d.logger.Error("handler registration failed", "kind", r.name, "error", err)
			continue
		}
		d.logger.Debug("registered handler", "kind", r.name)
	}

	return d
}

func (d *Dispatcher) register(r Route) error {
	switch {
	case r.name == "":
		return &RegistrationError{Name: r.name, Reason: "empty discriminator"}
	case !r.valid:
		return &RegistrationError{Name: r.name, Reason: "nil handler"}
	case !r.structured:
		return &RegistrationError{Name: r.name, Reason: fmt.Sprintf("message type %q is not a struct", r.kind)}
	case r.name != r.kind:
		return &RegistrationError{Name: r.name, Reason: fmt.Sprintf("handler takes message type %q", r.kind)}
	}
	if _, dup := d.routes[r.name]; dup {
		return &RegistrationError{Name: r.name, Reason: "duplicate registration"}
	}
	d.routes[r.name] = r
	return nil
}

// Errors returns the registration errors collected by NewDispatcher.
func (d *Dispatcher) Errors() []error {
	out := make([]error, len(d.errs))
	copy(out, d.errs)
	return out
}

// Kinds returns the registered discriminators in sorted order.
func (d *Dispatcher) Kinds() []string {
	kinds := make([]string, 0, len(d.routes))
	for k := range d.routes {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// OnConnect implements MessageHandler.
func (d *Dispatcher) OnConnect(s *Session) error {
	if d.onConnect == nil {
		return nil
	}
	return d.onConnect(s)
}

// OnDisconnect implements MessageHandler.
func (d *Dispatcher) OnDisconnect(s *Session) error {
	if d.onDisconnect == nil {
		return nil
	}
	return d.onDisconnect(s)
}

// HandleMessage implements MessageHandler. It always returns nil.
func (d *Dispatcher) HandleMessage(s *Session, payload []byte, arrived time.Time) error {
	value, err := schema.Unmarshal(payload)
	if err != nil {
		d.drop(s, dropMalformed, newFault(ErrMalformedPayload, err), "")
		return nil
	}

	kind, ok := schema.Discriminator(value)
	if !ok {
		d.drop(s, dropMissing, ErrMissingDiscriminator, "")
		return nil
	}

	route, ok := d.routes[kind]
	if !ok {
		d.drop(s, dropUnknown, newFault(ErrUnknownDiscriminator, errors.Errorf("kind %q", kind)), kind)
		return nil
	}

	msg, err := route.decode(value)
	if err != nil {
		d.drop(s, dropDecode, newFault(ErrDecode, err), kind)
		return nil
	}

	start := time.Now()
	err = d.invoke(route, s, msg, arrived)
	d.metrics.messageDispatched(kind, time.Since(start))
	if err != nil {
		d.drop(s, dropHandler, newFault(ErrHandler, err), kind)
	}
	return nil
}

// invoke runs the handler, turning a panic into an error.
func (d *Dispatcher) invoke(r Route, s *Session, msg any, arrived time.Time) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("panic: %v", p)
		}
	}()
	return r.call(s, msg, arrived)
}

func (d *Dispatcher) drop(s *Session, reason string, err error, kind string) {
	d.logger.Warn("message dropped", "session", s.id, "remote_addr", s.remote,
		"reason", reason, "kind", kind, "error", err)
	d.metrics.messageDropped(reason)
	s.fault(err)
}
