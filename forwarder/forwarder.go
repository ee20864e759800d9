// Package forwarder relays TCP connections and UDP datagrams from a listen
// endpoint to one fixed target on a single-threaded epoll loop.
package forwarder

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"portforwarder/endpoint"
	"portforwarder/status"
)

// Defaults applied by New for zero Options fields.
const (
	DefaultBufferSize        = 8192
	DefaultEventCapacity     = 1024
	DefaultAbortPollInterval = 100 * time.Millisecond
)

// ErrUnsupported is returned by Run on platforms without epoll.
var ErrUnsupported = errors.New("forwarder: raw sockets are not supported on this platform")

// OpError is a fatal engine error: which operation failed on which endpoint.
type OpError struct {
	Op       string
	Endpoint endpoint.Endpoint
	Err      error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Endpoint, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Options tune one Forwarder. The zero value is usable.
type Options struct {
	// Name labels log lines; defaults to the listen endpoint.
	Name string
	// BufferSize is the size of the single read buffer shared by all
	// connections and sessions.
	BufferSize int
	// EventCapacity bounds the events returned by one poll.
	EventCapacity int
	// AbortPollInterval is the poll timeout used when an abort flag is given.
	AbortPollInterval time.Duration

	Logger   logrus.FieldLogger
	Counters *status.Counters
}

func (o Options) withDefaults(listen endpoint.Endpoint) Options {
	if o.Name == "" {
		o.Name = listen.String()
	}
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.EventCapacity <= 0 {
		o.EventCapacity = DefaultEventCapacity
	}
	if o.AbortPollInterval <= 0 {
		o.AbortPollInterval = DefaultAbortPollInterval
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}

// Forwarder is the configuration of one listen/target pair. Each Run owns its
// own sockets and tables; nothing is shared between runs.
type Forwarder struct {
	listen endpoint.Endpoint
	target endpoint.Endpoint
	opts   Options
}

// New returns a Forwarder for listen and target with defaults filled in.
// Nothing is bound until Run.
func New(listen, target endpoint.Endpoint, opts Options) *Forwarder {
	return &Forwarder{
		listen: listen,
		target: target,
		opts:   opts.withDefaults(listen),
	}
}

func (f *Forwarder) Listen() endpoint.Endpoint { return f.listen }
func (f *Forwarder) Target() endpoint.Endpoint { return f.target }

// Run binds the listen endpoint for TCP and UDP and relays until abort is set
// (nil error) or a fatal error occurs. With a nil abort it only returns on
// error. Every socket the run opened is closed before Run returns.
func (f *Forwarder) Run(abort *atomic.Bool) error {
	e, err := newEngine(f.listen, f.target, f.opts)
	if err != nil {
		return err
	}
	defer e.close()
	return e.loop(abort)
}

// Forward runs a forwarder with default options.
func Forward(listen, target endpoint.Endpoint, abort *atomic.Bool) error {
	return New(listen, target, Options{}).Run(abort)
}
