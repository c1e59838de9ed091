package remote

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/HyphaGroup/remora/internal/executor"
	"github.com/HyphaGroup/remora/internal/executor/threadpool"
	"github.com/HyphaGroup/remora/internal/registry"
	"github.com/HyphaGroup/remora/internal/stream"
)

// Dummy is a loopback remote executor. It keeps a local and a remote
// registry in one process and passes payloads to an in-process Server
// without encoding them, which makes it the reference for the network
// transports.
type Dummy struct {
	*Client
	server *Server

	mu      sync.Mutex
	started bool
}

var _ Executor = (*Dummy)(nil)

// DummyOption configures a Dummy.
type DummyOption func(*dummyConfig)

type dummyConfig struct {
	threadExecutor bool
	queueSize      int
}

// UseThreadExecutor runs each remote instance on its own thread-pool
// executor.
func UseThreadExecutor() DummyOption {
	return func(c *dummyConfig) { c.threadExecutor = true }
}

// WithQueueSize sets the per-subscriber queue size of the loopback hub.
func WithQueueSize(n int) DummyOption {
	return func(c *dummyConfig) { c.queueSize = n }
}

// NewDummy creates a loopback executor whose remote side can build the
// classes in catalog.
func NewDummy(catalog *registry.Catalog, opts ...DummyOption) *Dummy {
	cfg := dummyConfig{queueSize: stream.DefaultMaxSize}
	for _, opt := range opts {
		opt(&cfg)
	}

	var serverOpts []ServerOption
	if cfg.threadExecutor {
		f := executor.NewFactory()
		f.Register(executor.KindThreadPool, func(name string) executor.Executor {
			return threadpool.New(name)
		})
		serverOpts = append(serverOpts, WithObjectExecutor(f, executor.KindThreadPool))
	}

	d := &Dummy{
		server: NewServer(registry.New(catalog), stream.NewHub(cfg.queueSize), serverOpts...),
	}
	d.Client = NewClient(d, registry.New(catalog))
	return d
}

// Peer returns another loopback executor served by the same Server,
// standing in for a second client. It starts stopped.
func (d *Dummy) Peer() *Dummy {
	p := &Dummy{server: d.server}
	p.Client = NewClient(p, registry.New(d.server.Registry().Catalog()))
	return p
}

// Server returns the in-process peer.
func (d *Dummy) Server() *Server {
	return d.server
}

func (d *Dummy) Name() string {
	return "dummy"
}

func (d *Dummy) Start(context.Context) error {
	d.mu.Lock()
	d.started = true
	d.mu.Unlock()
	return nil
}

// Stop closes the loopback and stops the executors the server created
// for remote instances.
func (d *Dummy) Stop(ctx context.Context, block bool) error {
	d.mu.Lock()
	wasStarted := d.started
	d.started = false
	d.mu.Unlock()
	if !wasStarted {
		return nil
	}
	return d.server.Close(ctx)
}

func (d *Dummy) ready() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return fmt.Errorf("%w: dummy", executor.ErrNotStarted)
	}
	return nil
}

func (d *Dummy) Call(ctx context.Context, cmd string, data map[string]any) (any, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	return d.server.Dispatch(ctx, cmd, data)
}

func (d *Dummy) CallGenerator(ctx context.Context, data map[string]any) iter.Seq2[any, error] {
	if err := d.ready(); err != nil {
		return executor.Fail(err)
	}
	return d.server.DispatchGenerator(ctx, data)
}

// OpenStream subscribes directly to the loopback hub.
func (d *Dummy) OpenStream(_ context.Context, channel string) (Stream, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	return NewHubStream(d.server.Hub().Subscribe(channel)), nil
}
