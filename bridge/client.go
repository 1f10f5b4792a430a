// Package bridge multiplexes one background polling goroutine per client
// across arbitrarily many concurrent producer sends and consumer operations.
// Each send or async commit is tracked by a correlation token in a sharded
// registry and resolved exactly once when the matching native report is
// dispatched; shutdown drains everything that remains.
package bridge

import (
	"log/slog"
	"sync/atomic"

	"skein/internal/logging"
	"skein/native"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Option configures a Producer or Consumer at construction.
type Option func(*options)

type options struct {
	observer Observer
}

// WithObserver routes out-of-band error and stats events to obs.
func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observer = obs
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{observer: NoopObserver{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// client owns the native handle, the poll loop goroutine and the completion
// registries. The native handle outlives every registry entry and every
// callback: Close joins the loop first, drains second, closes the runtime
// last.
type client struct {
	id  string
	cfg Config
	rt  native.Runtime
	obs Observer
	log *slog.Logger

	deliveries *registry[DeliveryResult]
	commits    *registry[CommitResult]

	stop   chan struct{}
	g      *errgroup.Group
	closed atomic.Bool
}

func newClient(cfg Config, rt native.Runtime, o options) *client {
	id := uuid.NewString()
	return &client{
		id:         id,
		cfg:        cfg,
		rt:         rt,
		obs:        o.observer,
		log:        logging.Component("bridge").With("client", id),
		deliveries: newRegistry[DeliveryResult](cfg.RegistryCapacity),
		commits:    newRegistry[CommitResult](cfg.RegistryCapacity),
		stop:       make(chan struct{}),
		g:          new(errgroup.Group),
	}
}

func (c *client) start(dispatch func(native.Event), onIdle func(), extra ...func() error) {
	loop := &pollLoop{
		rt:         c.rt,
		interval:   c.cfg.PollInterval,
		drainPolls: c.cfg.DrainPolls,
		stop:       c.stop,
		dispatch:   dispatch,
		onIdle:     onIdle,
		log:        c.log,
	}
	c.g.Go(loop.run)
	for _, fn := range extra {
		c.g.Go(fn)
	}
}

// Close stops the poll loop, waits for it to join, resolves every pending
// completion with ErrClientClosed and closes the native runtime. Idempotent;
// later calls are no-ops.
func (c *client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.stop)
	err := c.g.Wait()

	if n := c.deliveries.drainAll(ErrClientClosed) + c.commits.drainAll(ErrClientClosed); n > 0 {
		c.log.Info("resolved pending completions on close", "count", n)
	}

	if cerr := c.rt.Close(); err == nil {
		err = cerr
	}
	return err
}

// ID is the client's instance identifier, used for log correlation.
func (c *client) ID() string { return c.id }
