// Package subprocess runs a socket server as a child process and talks to
// it with the socket executor.
package subprocess

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/HyphaGroup/remora/internal/codec"
	"github.com/HyphaGroup/remora/internal/executor/remote"
	"github.com/HyphaGroup/remora/internal/executor/remote/socket"
	"github.com/HyphaGroup/remora/internal/logger"
	"github.com/HyphaGroup/remora/internal/registry"
)

// DefaultStartTimeout bounds how long Start waits for the child to listen.
const DefaultStartTimeout = 10 * time.Second

var ErrExited = errors.New("subprocess: server exited")

// Executor launches `<command> socket --host H --port P` on Start and
// stops it with the eof handshake.
type Executor struct {
	*socket.Executor

	command      []string
	env          []string
	host         string
	startTimeout time.Duration

	mu     sync.Mutex
	addr   string
	cmd    *exec.Cmd
	exited chan struct{}
	err    error
}

var _ remote.Executor = (*Executor)(nil)

type Option func(*Executor)

// WithCommand sets the program and leading arguments. The default is
// "remora" from PATH.
func WithCommand(argv ...string) Option {
	return func(e *Executor) { e.command = argv }
}

// WithEnv adds KEY=value entries to the child's environment.
func WithEnv(kv ...string) Option {
	return func(e *Executor) { e.env = append(e.env, kv...) }
}

// WithHost sets the interface the child listens on.
func WithHost(host string) Option {
	return func(e *Executor) { e.host = host }
}

func WithStartTimeout(d time.Duration) Option {
	return func(e *Executor) { e.startTimeout = d }
}

func New(reg *registry.Registry, opts ...Option) *Executor {
	e := &Executor{
		command:      []string{"remora"},
		host:         "127.0.0.1",
		startTimeout: DefaultStartTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.Executor = socket.NewExecutor("subprocess", e.dial, reg)
	return e
}

func (e *Executor) dial(ctx context.Context, cd *codec.Codec) (socket.Conn, error) {
	e.mu.Lock()
	addr := e.addr
	e.mu.Unlock()
	if addr == "" {
		return nil, fmt.Errorf("subprocess: no server running")
	}
	return socket.TCPDialer(addr)(ctx, cd)
}

// Addr returns the address the child listens on, empty when stopped.
func (e *Executor) Addr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.addr
}

func freePort(host string) (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// Start launches the child, waits for its port to accept and opens the
// command connection.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.cmd != nil {
		e.mu.Unlock()
		return nil
	}
	port, err := freePort(e.host)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("subprocess: pick port: %w", err)
	}
	addr := net.JoinHostPort(e.host, strconv.Itoa(port))

	args := append(append([]string{}, e.command[1:]...), "socket", "--host", e.host, "--port", strconv.Itoa(port))
	cmd := exec.Command(e.command[0], args...)
	cmd.Env = append(os.Environ(), e.env...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("subprocess: start %s: %w", e.command[0], err)
	}
	exited := make(chan struct{})
	e.cmd, e.addr, e.exited, e.err = cmd, addr, exited, nil
	e.mu.Unlock()

	go func() {
		err := cmd.Wait()
		e.mu.Lock()
		e.err = err
		e.mu.Unlock()
		close(exited)
	}()
	logger.InfoContext(ctx, "subprocess server started", "pid", cmd.Process.Pid, "address", addr)

	if err := e.waitReady(ctx, addr, exited); err != nil {
		_ = cmd.Process.Kill()
		<-exited
		e.reset()
		return err
	}
	return e.Executor.Start(ctx)
}

func (e *Executor) waitReady(ctx context.Context, addr string, exited <-chan struct{}) error {
	ctx, cancel := context.WithTimeout(ctx, e.startTimeout)
	defer cancel()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()

	var d net.Dialer
	for {
		c, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			// Probe connections are dropped before the handshake.
			_ = c.Close()
			return nil
		}
		select {
		case <-exited:
			return fmt.Errorf("%w before listening on %s", ErrExited, addr)
		case <-ctx.Done():
			return fmt.Errorf("subprocess: waiting for %s: %w", addr, ctx.Err())
		case <-tick.C:
		}
	}
}

func (e *Executor) reset() {
	e.mu.Lock()
	e.cmd, e.addr = nil, ""
	e.mu.Unlock()
}

// Stop sends the eof handshake and closes the command connection. With
// block it waits for the child to exit, killing it if ctx ends first.
func (e *Executor) Stop(ctx context.Context, block bool) error {
	e.mu.Lock()
	cmd, exited := e.cmd, e.exited
	e.mu.Unlock()
	if cmd == nil {
		return nil
	}

	if err := e.SendEOF(ctx); err != nil {
		logger.WarnContext(ctx, "subprocess eof failed", "error", err)
	}
	stopErr := e.Executor.Stop(ctx, block)
	defer e.reset()
	if !block {
		return stopErr
	}

	select {
	case <-exited:
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-exited
		return ctx.Err()
	}
	e.mu.Lock()
	err := e.err
	e.mu.Unlock()
	if err != nil {
		return fmt.Errorf("subprocess: %w", err)
	}
	return stopErr
}
