package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/HyphaGroup/remora/internal/executor"
	"github.com/HyphaGroup/remora/internal/executor/remote"
	"github.com/HyphaGroup/remora/internal/registry"
	"github.com/HyphaGroup/remora/internal/stream"
)

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rest: status %d: %s", e.Code, strings.TrimSpace(e.Body))
}

var routes = map[string]struct{ method, path string }{
	remote.CmdEnsure:     {http.MethodPost, PathEnsure},
	remote.CmdDelete:     {http.MethodPost, PathDelete},
	remote.CmdExecute:    {http.MethodPost, PathExecute},
	remote.CmdObjectInfo: {http.MethodGet, PathObject},
	remote.CmdEchoClock:  {http.MethodGet, PathEchoClock},
}

// Executor is a remote executor talking to a Handler.
type Executor struct {
	*remote.Client
	base   string
	client *http.Client

	mu      sync.Mutex
	started bool
}

var _ remote.Executor = (*Executor)(nil)

// New creates an executor for the server at base, e.g.
// "http://127.0.0.1:5000". A nil client means http.DefaultClient.
func New(base string, reg *registry.Registry, client *http.Client) *Executor {
	if client == nil {
		client = http.DefaultClient
	}
	e := &Executor{base: strings.TrimSuffix(base, "/"), client: client}
	e.Client = remote.NewClient(e, reg)
	return e
}

func (e *Executor) Name() string {
	return "rest"
}

func (e *Executor) Start(context.Context) error {
	e.mu.Lock()
	e.started = true
	e.mu.Unlock()
	return nil
}

func (e *Executor) Stop(context.Context, bool) error {
	e.mu.Lock()
	e.started = false
	e.mu.Unlock()
	e.client.CloseIdleConnections()
	return nil
}

func (e *Executor) ready() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return fmt.Errorf("%w: rest", executor.ErrNotStarted)
	}
	return nil
}

func (e *Executor) do(ctx context.Context, method, path string, data any) (*http.Response, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	var body io.Reader
	if data != nil {
		b, err := e.Codec().Marshal(data)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, e.base+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rest: %s %s: %w", method, path, err)
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, &StatusError{Code: resp.StatusCode, Body: string(text)}
	}
	return resp, nil
}

func (e *Executor) Call(ctx context.Context, cmd string, data map[string]any) (any, error) {
	route, ok := routes[cmd]
	if !ok {
		return nil, fmt.Errorf("%w: %q", remote.ErrUnknownCommand, cmd)
	}
	resp, err := e.do(ctx, route.method, route.path, data)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("rest: read %s: %w", route.path, err)
	}
	return e.Codec().Unmarshal(body)
}

// CallGenerator reads the execute_generator event stream. Leaving the
// loop early closes the response body.
func (e *Executor) CallGenerator(ctx context.Context, data map[string]any) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		resp, err := e.do(ctx, http.MethodPost, PathGenerator, data)
		if err != nil {
			yield(nil, err)
			return
		}
		defer resp.Body.Close()

		r := stream.NewSSEReader(resp.Body)
		for {
			msg, err := r.Next()
			if err != nil {
				if ctx.Err() != nil {
					err = ctx.Err()
				}
				yield(nil, fmt.Errorf("rest: generator stream: %w", err))
				return
			}
			if !msg.HasID {
				continue
			}
			v, err := e.Codec().Unmarshal([]byte(msg.Data))
			if err != nil {
				yield(nil, err)
				return
			}
			m, _ := v.(map[string]any)
			if msg.ID == "true" {
				if text, ok := m["error"]; ok {
					yield(nil, &remote.RemoteError{Cmd: remote.CmdExecuteGenerator, Message: fmt.Sprint(text)})
				}
				return
			}
			if !yield(m["return_value"], nil) {
				return
			}
		}
	}
}

// OpenStream subscribes to channel's event stream.
func (e *Executor) OpenStream(ctx context.Context, channel string) (remote.Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	resp, err := e.do(ctx, http.MethodGet, PathStream+"?channel="+url.QueryEscape(channel), nil)
	if err != nil {
		cancel()
		return nil, err
	}
	s := &eventStream{e: e, body: resp.Body, cancel: cancel, r: stream.NewSSEReader(resp.Body)}
	// The opening "alive" confirms the subscription is live.
	if _, err := s.read(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

type eventStream struct {
	e      *Executor
	body   io.ReadCloser
	cancel context.CancelFunc
	r      *stream.SSEReader
	check  remote.PacketCheck
	once   sync.Once
}

func (s *eventStream) read() (stream.SSEMessage, error) {
	msg, err := s.r.Next()
	if err != nil {
		return msg, fmt.Errorf("rest: event stream: %w", err)
	}
	return msg, nil
}

// Next returns the next event, skipping heartbeats. Any failure, packet
// gaps included, closes the stream.
func (s *eventStream) Next(ctx context.Context) (remote.StreamEvent, error) {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	ev, err := s.next()
	if err != nil {
		_ = s.Close()
		if ctx.Err() != nil {
			return remote.StreamEvent{}, ctx.Err()
		}
		return remote.StreamEvent{}, err
	}
	return ev, nil
}

func (s *eventStream) next() (remote.StreamEvent, error) {
	for {
		msg, err := s.read()
		if err != nil {
			return remote.StreamEvent{}, err
		}
		if !msg.HasID {
			continue
		}
		id, err := s.e.Codec().Unmarshal([]byte(msg.ID))
		if err != nil {
			return remote.StreamEvent{}, err
		}
		fields, ok := id.([]any)
		if !ok || len(fields) != 4 {
			return remote.StreamEvent{}, fmt.Errorf("%w: event id %s", remote.ErrBadRequest, msg.ID)
		}
		packet, ok := remote.PacketOf(fields[0])
		if !ok {
			return remote.StreamEvent{}, fmt.Errorf("%w: event id %s", remote.ErrBadRequest, msg.ID)
		}
		if err := s.check.Check(packet); err != nil {
			return remote.StreamEvent{}, err
		}
		if fields[1] == eventError {
			var text string
			_ = json.Unmarshal([]byte(msg.Data), &text)
			return remote.StreamEvent{}, fmt.Errorf("%w: %s", remote.ErrStreamAborted, text)
		}
		data, err := s.e.Codec().Unmarshal([]byte(msg.Data))
		if err != nil {
			return remote.StreamEvent{}, err
		}
		ev := remote.StreamEvent{Data: data, Packet: packet}
		ev.Type, _ = fields[1].(string)
		ev.Hash, _ = fields[2].(string)
		ev.Channel, _ = fields[3].(string)
		return ev, nil
	}
}

func (s *eventStream) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.body.Close()
	})
	return err
}
