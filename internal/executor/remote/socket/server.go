package socket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/HyphaGroup/remora/internal/codec"
	"github.com/HyphaGroup/remora/internal/executor/remote"
	"github.com/HyphaGroup/remora/internal/logger"
)

// Server answers socket connections on behalf of a remote.Server.
type Server struct {
	srv   *remote.Server
	codec *codec.Codec

	eof     chan struct{}
	eofOnce sync.Once
	conns   sync.WaitGroup
}

func NewServer(srv *remote.Server) *Server {
	return &Server{
		srv:   srv,
		codec: codec.New(srv.Registry()),
		eof:   make(chan struct{}),
	}
}

// Codec returns the codec used for server-side frames. References decode
// against the server registry.
func (s *Server) Codec() *codec.Codec {
	return s.codec
}

// EOF is closed once a peer has sent the eof handshake.
func (s *Server) EOF() <-chan struct{} {
	return s.eof
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("socket: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx ends or a peer sends the eof
// handshake. It closes ln and waits for open connections before returning.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger.InfoContext(ctx, "socket server listening", "address", ln.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.eof:
		}
		cancel()
		_ = ln.Close()
		return nil
	})
	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("socket: accept: %w", err)
			}
			s.conns.Add(1)
			go func() {
				defer s.conns.Done()
				s.ServeConn(ctx, NewStreamConn(conn, s.codec))
			}()
		}
	})
	err := g.Wait()
	s.conns.Wait()
	return err
}

// ServeConn reads the handshake on c and serves it as a command or stream
// connection. Stream connections are greeted once their subscription is
// live. c is closed on return.
func (s *Server) ServeConn(ctx context.Context, c Conn) {
	defer c.Close()
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	msg, err := c.Receive()
	if err != nil {
		logger.DebugContext(ctx, "socket handshake read failed", "error", err)
		return
	}
	hs, err := fields(msg)
	if err != nil {
		logger.WarnContext(ctx, "socket handshake rejected", "error", err)
		return
	}
	if eof, _ := hs["eof"].(bool); eof {
		logger.InfoContext(ctx, "socket eof received")
		s.eofOnce.Do(func() { close(s.eof) })
		return
	}
	channel, ok := hs["channel"]
	if !ok {
		logger.WarnContext(ctx, "socket handshake rejected", "error", ErrHandshake)
		return
	}
	switch ch := channel.(type) {
	case nil:
		s.serveCommands(ctx, c)
	case string:
		s.serveStream(ctx, c, ch)
	default:
		logger.WarnContext(ctx, "socket handshake rejected", "channel", fmt.Sprint(channel))
	}
}

func (s *Server) serveCommands(ctx context.Context, c Conn) {
	if err := hello(c); err != nil {
		return
	}
	for {
		msg, err := c.Receive()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				logger.DebugContext(ctx, "socket command read failed", "error", err)
			}
			return
		}
		m, err := fields(msg)
		if err != nil {
			if err := c.Send(map[string]any{"error": err.Error()}); err != nil {
				return
			}
			continue
		}
		cmd, _ := m["cmd"].(string)
		base := map[string]any{"cmd": m["cmd"], "packet": m["packet"]}

		if cmd == remote.CmdExecuteGenerator {
			if err := s.generate(ctx, c, base, m["data"]); err != nil {
				return
			}
			continue
		}

		res, err := s.srv.Dispatch(ctx, cmd, m["data"])
		if err != nil {
			logger.ErrorContext(ctx, "socket command failed", "cmd", cmd, "error", err)
			base["error"] = err.Error()
		} else {
			base["data"] = res
		}
		if err := s.send(ctx, c, base); err != nil {
			return
		}
	}
}

// send writes a reply. A value the codec cannot encode is reported to the
// peer as an error reply instead.
func (s *Server) send(ctx context.Context, c Conn, reply map[string]any) error {
	err := c.Send(reply)
	if !errors.Is(err, codec.ErrUnsupported) {
		return err
	}
	logger.ErrorContext(ctx, "socket reply not encodable", "cmd", reply["cmd"], "error", err)
	delete(reply, "data")
	reply["error"] = err.Error()
	return c.Send(reply)
}

func (s *Server) generate(ctx context.Context, c Conn, base map[string]any, data any) error {
	item := func(v any, done bool) map[string]any {
		r := make(map[string]any, len(base)+2)
		for k, x := range base {
			r[k] = x
		}
		r["data"] = v
		r["done_execute"] = done
		return r
	}

	for v, err := range s.srv.DispatchGenerator(ctx, data) {
		if err != nil {
			logger.ErrorContext(ctx, "socket generator failed", "error", err)
			r := item(nil, true)
			r["error"] = err.Error()
			return c.Send(r)
		}
		if err := s.send(ctx, c, item(v, false)); err != nil {
			return err
		}
	}
	return c.Send(item(nil, true))
}

func (s *Server) serveStream(ctx context.Context, c Conn, channel string) {
	sub := s.srv.Hub().Subscribe(channel)
	defer sub.Close()
	if err := hello(c); err != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		// Stream peers never write, so a read only returns on hang up.
		_, _ = c.Receive()
		cancel()
	}()

	for e := range sub.All(ctx) {
		msg := map[string]any{
			"data":         e.Payload.Data,
			"packet":       e.Packet,
			"channel_type": e.Payload.Type,
			"hash_val":     e.Payload.Hash,
			"channel":      e.Payload.Channel,
		}
		err := c.Send(msg)
		if errors.Is(err, codec.ErrUnsupported) {
			// The packet is spent, so the stream cannot go on without a gap.
			logger.WarnContext(ctx, "stream event not encodable", "channel", channel, "error", err)
			_ = c.Send(map[string]any{"packet": e.Packet, "error": err.Error()})
			return
		}
		if err != nil {
			return
		}
	}
}
