package solo

import (
	"time"

	"github.com/inconshreveable/log15"
	"k8s.io/utils/clock"
)

const (
	// DefaultSendTimeout bounds how long a secondary launch spends connecting
	// and writing its handoff before giving up.
	DefaultSendTimeout = 3 * time.Second
	// DefaultReadTimeout bounds how long the primary waits for a single
	// accepted connection to deliver its whole handoff.
	DefaultReadTimeout = 5 * time.Second
)

type config struct {
	l           log15.Logger
	backend     Backend
	dir         string
	sendTimeout time.Duration
	readTimeout time.Duration
	focus       func()
	args        []string
	metrics     MetricsCollector
	clock       clock.Clock

	// mocks
	os osIface
}

// Option is an option function for Init, Acquire and Status.
// See Rob Pike's post on the topic for more information on this pattern:
// https://commandcenter.blogspot.com/2014/01/self-referential-functions-and-design.html
type Option func(c *config)

func newConfig(opts ...Option) *config {
	noopLogger := log15.New()
	noopLogger.SetHandler(log15.DiscardHandler())
	c := &config{
		l:           noopLogger,
		backend:     defaultBackend,
		sendTimeout: DefaultSendTimeout,
		readTimeout: DefaultReadTimeout,
		focus:       func() {},
		metrics:     NewNoopMetricsCollector(),
		clock:       clock.RealClock{},
		os:          realOS{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithLogger configures the logger to use.
// By default, nothing will be logged.
func WithLogger(l log15.Logger) Option {
	return func(c *config) {
		c.l = l
	}
}

// WithBackend overrides the platform's default rendezvous backend.
func WithBackend(b Backend) Option {
	return func(c *config) {
		if b != "" {
			c.backend = b
		}
	}
}

// WithDir sets the directory holding lock and socket files for
// BackendLockfile. It is created if missing. Other backends ignore it.
// By default $XDG_RUNTIME_DIR is used if set, and the system temporary
// directory otherwise.
func WithDir(dir string) Option {
	return func(c *config) {
		c.dir = dir
	}
}

// WithSendTimeout configures how long a secondary launch may take to hand
// off. If a time of 0 is specified, the default will be used.
func WithSendTimeout(t time.Duration) Option {
	return func(c *config) {
		c.sendTimeout = t
		if c.sendTimeout <= 0 {
			c.sendTimeout = DefaultSendTimeout
		}
	}
}

// WithReadTimeout configures how long the primary waits on one connection.
// If a time of 0 is specified, the default will be used.
func WithReadTimeout(t time.Duration) Option {
	return func(c *config) {
		c.readTimeout = t
		if c.readTimeout <= 0 {
			c.readTimeout = DefaultReadTimeout
		}
	}
}

// WithFocus sets the action handed to the callback as its focus argument,
// typically raising the application's main window.
func WithFocus(focus func()) Option {
	return func(c *config) {
		if focus != nil {
			c.focus = focus
		}
	}
}

// WithArgs replaces the command line arguments handed off by a secondary
// launch, which are otherwise os.Args without the program name.
func WithArgs(args []string) Option {
	return func(c *config) {
		c.args = append([]string{}, args...)
	}
}

// WithMetrics configures a metrics collector.
func WithMetrics(m MetricsCollector) Option {
	return func(c *config) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithClock replaces the clock that paces dial and accept retries. Socket
// deadlines always use the wall clock.
func WithClock(clk clock.Clock) Option {
	return func(c *config) {
		c.clock = clk
	}
}

func withOS(os osIface) Option {
	return func(c *config) {
		c.os = os
	}
}
