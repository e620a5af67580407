package wiremsg

import (
	"time"

	"github.com/Zereker/wiremsg/frame"
)

// options holds the configuration for a session.
type options struct {
	logger  Logger
	metrics *Metrics

	// onError observes faults that were contained without ending the
	// session: dropped messages, failing handlers and failed sends.
	onError func(*Session, error)

	bufferSize    int           // size of the buffered writer
	maxReadLength int           // maximum total length of a single frame
	heartbeat     time.Duration // keep-alive interval, 0 disables
}

// Option is a function that configures session options.
type Option func(*options)

// Default configuration values.
const (
	// defaultBufferSize is the default size of the buffered writer.
	defaultBufferSize = 4096
)

// buildOptions applies opt and fills in defaults.
func buildOptions(opt []Option) options {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}

	if opts.maxReadLength <= 0 {
		opts.maxReadLength = frame.DefaultMaxLength
	}

	if opts.heartbeat < 0 {
		opts.heartbeat = 0
	}

	if opts.onError == nil {
		opts.onError = func(*Session, error) {}
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	return opts
}

// BufferSizeOption returns an Option that sets the size of the write buffer.
// Every frame is flushed after it is written, so this only bounds how much
// of a frame is copied per write system call.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// HeartbeatOption returns an Option that makes the session write a
// keep-alive frame every interval while its receive loop runs.
func HeartbeatOption(interval time.Duration) Option {
	return func(o *options) {
		o.heartbeat = interval
	}
}

// MessageMaxSize returns an Option that sets the maximum total frame length.
// Larger frames are framing faults and end the session.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxReadLength = size
	}
}

// OnErrorOption returns an Option that sets the fault callback.
// The callback observes faults the session survives; it cannot change how
// they are handled.
func OnErrorOption(cb func(*Session, error)) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// MetricsOption returns an Option that records session metrics into m.
func MetricsOption(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}
