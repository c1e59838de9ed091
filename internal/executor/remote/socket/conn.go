// Package socket serves and consumes the framed command protocol over a
// raw byte stream.
//
// A connection opens with a handshake frame. {"channel": null} starts a
// command connection carrying {cmd, packet, data} requests, each answered
// by a reply echoing cmd and packet. {"channel": "<key>"} starts a stream
// connection that receives {data, packet, channel_type, hash_val, channel}
// messages for the hub channel key. {"eof": true} asks the server to stop.
// The server greets both kinds of connection with {"data": "hello"}.
package socket

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/HyphaGroup/remora/internal/codec"
	"github.com/HyphaGroup/remora/internal/executor/remote"
)

var (
	ErrClosed    = errors.New("socket: connection closed")
	ErrHandshake = errors.New("socket: bad handshake")
	ErrBadReply  = errors.New("socket: malformed reply")
)

// Conn carries whole messages. Each Send writes one frame and each Receive
// returns one decoded frame.
type Conn interface {
	Send(v any) error
	Receive() (any, error)
	SetDeadline(t time.Time) error
	Close() error
}

// Dialer opens a connection that encodes with cd. The handshake is left
// to the caller.
type Dialer func(ctx context.Context, cd *codec.Codec) (Conn, error)

type streamConn struct {
	conn  net.Conn
	r     *bufio.Reader
	codec *codec.Codec
}

// NewStreamConn frames messages on a byte stream connection.
func NewStreamConn(c net.Conn, cd *codec.Codec) Conn {
	return &streamConn{conn: c, r: bufio.NewReader(c), codec: cd}
}

func (c *streamConn) Send(v any) error {
	return c.codec.WriteFrame(c.conn, v)
}

func (c *streamConn) Receive() (any, error) {
	return c.codec.ReadFrame(c.r)
}

func (c *streamConn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

func (c *streamConn) Close() error {
	return c.conn.Close()
}

// TCPDialer dials addr over TCP.
func TCPDialer(addr string) Dialer {
	return func(ctx context.Context, cd *codec.Codec) (Conn, error) {
		var d net.Dialer
		c, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("socket: dial %s: %w", addr, err)
		}
		return NewStreamConn(c, cd), nil
	}
}

// guard runs fn with c's blocking I/O bounded by ctx. If ctx ends first
// the deadline on c is left in the past and ctx's error is returned; the
// caller must discard c.
func guard(ctx context.Context, c Conn, fn func() error) (expired bool, err error) {
	stop := context.AfterFunc(ctx, func() { _ = c.SetDeadline(time.Unix(1, 0)) })
	err = fn()
	if !stop() {
		return true, ctx.Err()
	}
	return false, err
}

func fields(msg any) (map[string]any, error) {
	m, ok := msg.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: want object, got %T", ErrBadReply, msg)
	}
	return m, nil
}

func hello(c Conn) error {
	return c.Send(map[string]any{"data": "hello"})
}

func expectHello(c Conn) error {
	msg, err := c.Receive()
	if err != nil {
		return err
	}
	m, err := fields(msg)
	if err != nil {
		return err
	}
	if m["data"] != "hello" {
		return fmt.Errorf("%w: greeting %v", ErrHandshake, m["data"])
	}
	return nil
}

func envelope(cmd string, packet uint64, data any) map[string]any {
	return map[string]any{"cmd": cmd, "packet": packet, "data": data}
}

// reply validates a command reply against the request it answers.
func reply(msg any, cmd string, packet uint64) (map[string]any, error) {
	m, err := fields(msg)
	if err != nil {
		return nil, err
	}
	got, ok := remote.PacketOf(m["packet"])
	if !ok || got != packet || m["cmd"] != cmd {
		return nil, fmt.Errorf("%w: sent %s #%d, got %v #%v", remote.ErrPacketMismatch, cmd, packet, m["cmd"], m["packet"])
	}
	if text, ok := m["error"]; ok && text != nil {
		return m, &remote.RemoteError{Cmd: cmd, Message: fmt.Sprint(text)}
	}
	return m, nil
}

func event(msg any) (remote.StreamEvent, error) {
	m, err := fields(msg)
	if err != nil {
		return remote.StreamEvent{}, err
	}
	if text, ok := m["error"]; ok && text != nil {
		return remote.StreamEvent{}, fmt.Errorf("%w: %v", remote.ErrStreamAborted, text)
	}
	packet, ok := remote.PacketOf(m["packet"])
	if !ok {
		return remote.StreamEvent{}, fmt.Errorf("%w: stream packet %v", ErrBadReply, m["packet"])
	}
	ev := remote.StreamEvent{Data: m["data"], Packet: packet}
	ev.Type, _ = m["channel_type"].(string)
	ev.Hash, _ = m["hash_val"].(string)
	ev.Channel, _ = m["channel"].(string)
	return ev, nil
}
