// Package websocket carries the socket protocol over websocket messages.
// Each binary message holds exactly one frame.
package websocket

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	ws "golang.org/x/net/websocket"

	"github.com/HyphaGroup/remora/internal/codec"
	"github.com/HyphaGroup/remora/internal/executor/remote/socket"
	"github.com/HyphaGroup/remora/internal/registry"
)

// Path is where Handler is mounted.
const Path = "/api/v1/ws"

type conn struct {
	ws    *ws.Conn
	codec *codec.Codec
}

func (c *conn) Send(v any) error {
	b, err := c.codec.EncodeFrame(v)
	if err != nil {
		return err
	}
	return ws.Message.Send(c.ws, b)
}

func (c *conn) Receive() (any, error) {
	var b []byte
	if err := ws.Message.Receive(c.ws, &b); err != nil {
		return nil, err
	}
	return c.codec.DecodeFrame(b)
}

func (c *conn) SetDeadline(t time.Time) error {
	return c.ws.SetDeadline(t)
}

func (c *conn) Close() error {
	return c.ws.Close()
}

// Handler serves s over websocket connections.
func Handler(s *socket.Server) http.Handler {
	return ws.Handler(func(c *ws.Conn) {
		c.PayloadType = ws.BinaryFrame
		s.ServeConn(c.Request().Context(), &conn{ws: c, codec: s.Codec()})
	})
}

// Dialer connects to the websocket endpoint at url, presenting origin.
func Dialer(url, origin string) socket.Dialer {
	return func(ctx context.Context, cd *codec.Codec) (socket.Conn, error) {
		cfg, err := ws.NewConfig(url, origin)
		if err != nil {
			return nil, fmt.Errorf("websocket: config %s: %w", url, err)
		}
		c, err := cfg.DialContext(ctx)
		if err != nil {
			return nil, fmt.Errorf("websocket: dial %s: %w", url, err)
		}
		c.PayloadType = ws.BinaryFrame
		return &conn{ws: c, codec: cd}, nil
	}
}

// New creates an executor for the server at base, an http:// or https://
// URL.
func New(base string, reg *registry.Registry) *socket.Executor {
	base = strings.TrimSuffix(base, "/")
	url := "ws" + strings.TrimPrefix(base, "http") + Path
	return socket.NewExecutor("websocket", Dialer(url, base), reg)
}
