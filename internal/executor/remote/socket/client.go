package socket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net"
	"sync"
	"sync/atomic"

	"github.com/HyphaGroup/remora/internal/codec"
	"github.com/HyphaGroup/remora/internal/executor"
	"github.com/HyphaGroup/remora/internal/executor/remote"
	"github.com/HyphaGroup/remora/internal/registry"
)

// Executor is a remote executor speaking the socket protocol. Commands
// share one connection; each stream subscription opens its own.
type Executor struct {
	*remote.Client
	name string
	dial Dialer

	packet atomic.Uint64

	mu      sync.Mutex
	started bool
	conn    Conn
}

var _ remote.Executor = (*Executor)(nil)

// New creates an executor for the socket server at addr. Replies decode
// references against reg, which may be nil.
func New(addr string, reg *registry.Registry) *Executor {
	return NewExecutor("socket", TCPDialer(addr), reg)
}

// NewExecutor creates an executor that reaches its server through dial.
func NewExecutor(name string, dial Dialer, reg *registry.Registry) *Executor {
	e := &Executor{name: name, dial: dial}
	e.Client = remote.NewClient(e, reg)
	return e
}

func (e *Executor) Name() string {
	return e.name
}

// Start opens the command connection.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}
	c, err := e.open(ctx, nil)
	if err != nil {
		return err
	}
	e.conn = c
	e.started = true
	return nil
}

// Stop closes the command connection. Calls in flight fail with the
// connection error.
func (e *Executor) Stop(context.Context, bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = false
	if e.conn == nil {
		return nil
	}
	err := e.conn.Close()
	e.conn = nil
	return err
}

// SendEOF asks the server to stop serving.
func (e *Executor) SendEOF(ctx context.Context) error {
	c, err := e.dial(ctx, e.Codec())
	if err != nil {
		return err
	}
	defer c.Close()
	_, err = guard(ctx, c, func() error {
		return c.Send(map[string]any{"channel": nil, "eof": true})
	})
	return err
}

// open dials and performs the handshake for channel, nil for a command
// connection.
func (e *Executor) open(ctx context.Context, channel any) (Conn, error) {
	c, err := e.dial(ctx, e.Codec())
	if err != nil {
		return nil, err
	}
	_, err = guard(ctx, c, func() error {
		if err := c.Send(map[string]any{"channel": channel}); err != nil {
			return err
		}
		return expectHello(c)
	})
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("socket: handshake: %w", err)
	}
	return c, nil
}

// command returns the command connection, redialing when the previous one
// was dropped.
func (e *Executor) command(ctx context.Context) (Conn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return nil, fmt.Errorf("%w: %s", executor.ErrNotStarted, e.name)
	}
	if e.conn == nil {
		c, err := e.open(ctx, nil)
		if err != nil {
			return nil, err
		}
		e.conn = c
	}
	return e.conn, nil
}

// drop discards c after it fell out of step with the server.
func (e *Executor) drop(c Conn) {
	e.mu.Lock()
	if e.conn == c {
		e.conn = nil
	}
	e.mu.Unlock()
	_ = c.Close()
}

func closed(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return err
}

// keeps reports whether the connection is still in step after err.
func keeps(err error) bool {
	var re *remote.RemoteError
	return err == nil || errors.As(err, &re) || errors.Is(err, codec.ErrUnsupported)
}

// nextPacket numbers outgoing commands from 0.
func (e *Executor) nextPacket() uint64 {
	return e.packet.Add(1) - 1
}

func (e *Executor) Call(ctx context.Context, cmd string, data map[string]any) (any, error) {
	c, err := e.command(ctx)
	if err != nil {
		return nil, err
	}
	packet := e.nextPacket()

	var res any
	expired, err := guard(ctx, c, func() error {
		if err := c.Send(envelope(cmd, packet, data)); err != nil {
			return err
		}
		msg, err := c.Receive()
		if err != nil {
			return closed(err)
		}
		m, err := reply(msg, cmd, packet)
		if err != nil {
			return err
		}
		res = m["data"]
		return nil
	})
	if expired || !keeps(err) {
		e.drop(c)
	}
	return res, err
}

// CallGenerator streams execute_generator replies. Leaving the loop early
// drops the command connection since the remaining replies are still in
// flight; the next call redials.
func (e *Executor) CallGenerator(ctx context.Context, data map[string]any) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		c, err := e.command(ctx)
		if err != nil {
			yield(nil, err)
			return
		}
		packet := e.nextPacket()

		stop := context.AfterFunc(ctx, func() { _ = c.Close() })
		clean := false
		defer func() {
			if !stop() || !clean {
				e.drop(c)
			}
		}()
		fail := func(err error) {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			clean = keeps(err)
			yield(nil, err)
		}

		if err := c.Send(envelope(remote.CmdExecuteGenerator, packet, data)); err != nil {
			fail(err)
			return
		}
		for {
			msg, err := c.Receive()
			if err != nil {
				fail(closed(err))
				return
			}
			m, err := reply(msg, remote.CmdExecuteGenerator, packet)
			if err != nil {
				fail(err)
				return
			}
			if done, _ := m["done_execute"].(bool); done {
				clean = true
				return
			}
			if !yield(m["data"], nil) {
				return
			}
		}
	}
}

// OpenStream opens a stream connection subscribed to channel.
func (e *Executor) OpenStream(ctx context.Context, channel string) (remote.Stream, error) {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		return nil, fmt.Errorf("%w: %s", executor.ErrNotStarted, e.name)
	}
	c, err := e.open(ctx, channel)
	if err != nil {
		return nil, err
	}
	return &eventStream{conn: c}, nil
}

type eventStream struct {
	conn  Conn
	check remote.PacketCheck
	once  sync.Once
}

// Next returns the next event. Any failure, packet gaps included, closes
// the stream.
func (s *eventStream) Next(ctx context.Context) (remote.StreamEvent, error) {
	var ev remote.StreamEvent
	_, err := guard(ctx, s.conn, func() error {
		msg, err := s.conn.Receive()
		if err != nil {
			return closed(err)
		}
		if ev, err = event(msg); err != nil {
			return err
		}
		return s.check.Check(ev.Packet)
	})
	if err != nil {
		_ = s.Close()
		return remote.StreamEvent{}, err
	}
	return ev, nil
}

func (s *eventStream) Close() error {
	var err error
	s.once.Do(func() { err = s.conn.Close() })
	return err
}
