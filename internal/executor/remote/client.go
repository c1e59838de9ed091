// Package remote executes methods of objects mirrored on a peer. Client
// implements the executor contract on top of a Transport; the transport
// subpackages only move payloads. Server is the peer side.
package remote

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/HyphaGroup/remora/internal/codec"
	"github.com/HyphaGroup/remora/internal/executor"
	"github.com/HyphaGroup/remora/internal/metrics"
	"github.com/HyphaGroup/remora/internal/object"
	"github.com/HyphaGroup/remora/internal/registry"
	"github.com/HyphaGroup/remora/internal/stream"
)

// Transport carries commands to a Server.
type Transport interface {
	Name() string

	// Call sends a unary command and returns the decoded reply data.
	Call(ctx context.Context, cmd string, data map[string]any) (any, error)

	// CallGenerator sends execute_generator and yields each value.
	CallGenerator(ctx context.Context, data map[string]any) iter.Seq2[any, error]

	// OpenStream subscribes to channel. It returns once the
	// subscription is live on the peer.
	OpenStream(ctx context.Context, channel string) (Stream, error)
}

// Executor is an executor whose objects live on a peer.
type Executor interface {
	executor.Executor

	EnsureRemoteInstance(ctx context.Context, obj object.Referenceable, args object.Args) error
	DeleteRemoteInstance(ctx context.Context, obj object.Referenceable) error
	RemoteObjectInfo(ctx context.Context, obj object.Referenceable, query string) (any, error)
	RemoteObjects(ctx context.Context) ([]any, error)
	ApplyConfigFromRemote(ctx context.Context, obj object.Referenceable) error
	ApplyDataFromRemote(ctx context.Context, obj object.Referenceable, started func()) error
	DataFromRemote(ctx context.Context, obj object.Referenceable) iter.Seq2[StreamEvent, error]
	ApplyExecuteFromRemote(ctx context.Context, obj object.Referenceable, excludeSelf bool, started func()) error
	ExecuteFromRemote(ctx context.Context, obj object.Referenceable) iter.Seq2[StreamEvent, error]
}

// Client is embedded by every remote executor. It owns the local mirror
// registry and the codec resolving references against it.
type Client struct {
	transport Transport
	registry  *registry.Registry
	codec     *codec.Codec
	uuid      string
	permit    *semaphore.Weighted
}

// NewClient creates the client half of a remote executor. A nil reg gets
// a registry with an empty catalog, enough for a mirror-only side.
func NewClient(t Transport, reg *registry.Registry) *Client {
	if reg == nil {
		reg = registry.New(registry.NewCatalog())
	}
	return &Client{
		transport: t,
		registry:  reg,
		codec:     codec.New(reg),
		uuid:      uuid.NewString(),
		permit:    semaphore.NewWeighted(1),
	}
}

// Registry returns the local mirror registry.
func (c *Client) Registry() *registry.Registry {
	return c.registry
}

// Codec returns the codec transports encode payloads with.
func (c *Client) Codec() *codec.Codec {
	return c.codec
}

// UUID identifies this executor on the execute stream.
func (c *Client) UUID() string {
	return c.uuid
}

func (c *Client) SupportsCoroutine() bool {
	return true
}

func (c *Client) SupportsNonCoroutine() bool {
	return true
}

func (c *Client) call(ctx context.Context, cmd string, data map[string]any) (any, error) {
	if err := c.permit.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.permit.Release(1)
	return c.transport.Call(ctx, cmd, data)
}

// EnsureRemoteInstance registers obj locally and asks the peer to create
// its counterpart with obj's current config. obj is forgotten again when
// the peer refuses.
func (c *Client) EnsureRemoteInstance(ctx context.Context, obj object.Referenceable, args object.Args) error {
	req := EnsureRequest{
		Class:  obj.ClassName(),
		Hash:   obj.HashVal(),
		Args:   args,
		Config: object.Config(obj),
	}
	c.registry.AddInstance(obj)
	if _, err := c.call(ctx, CmdEnsure, req.Payload()); err != nil {
		c.registry.RemoveInstance(obj)
		return err
	}
	return nil
}

// DeleteRemoteInstance deletes the peer instance, then forgets obj.
func (c *Client) DeleteRemoteInstance(ctx context.Context, obj object.Referenceable) error {
	if _, err := c.call(ctx, CmdDelete, map[string]any{"hash_val": obj.HashVal()}); err != nil {
		return err
	}
	c.registry.RemoveInstance(obj)
	return nil
}

// Execute runs method on obj's peer instance. The callback runs here on
// the mirror once the result is back.
func (c *Client) Execute(ctx context.Context, obj object.Referenceable, method string, args object.Args, callback string) (result any, err error) {
	started := time.Now()
	defer func() { metrics.RecordExecution(c.transport.Name(), err, started) }()

	req := CallRequest{Hash: obj.HashVal(), Method: method, Args: args, Callback: callback, UUID: c.uuid}
	res, err := c.call(ctx, CmdExecute, req.Payload())
	if err != nil {
		return nil, err
	}
	if err := object.CallCallback(obj, callback, res); err != nil {
		return nil, err
	}
	return res, nil
}

// ExecuteGenerator runs a generator method on the peer. The permit is
// held until the range loop ends.
func (c *Client) ExecuteGenerator(ctx context.Context, obj object.Referenceable, method string, args object.Args, callback string) iter.Seq2[any, error] {
	req := CallRequest{Hash: obj.HashVal(), Method: method, Args: args, Callback: callback, UUID: c.uuid}
	return func(yield func(any, error) bool) {
		if err := c.permit.Acquire(ctx, 1); err != nil {
			yield(nil, err)
			return
		}
		defer c.permit.Release(1)

		for v, err := range c.transport.CallGenerator(ctx, req.Payload()) {
			if err != nil {
				yield(nil, err)
				return
			}
			if err := object.CallCallback(obj, callback, v); err != nil {
				yield(nil, err)
				return
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}

// EchoClock measures a round trip to the peer.
func (c *Client) EchoClock(ctx context.Context) (executor.Clock, error) {
	send := executor.Now()
	res, err := c.call(ctx, CmdEchoClock, map[string]any{})
	if err != nil {
		return executor.Clock{}, err
	}
	receive := executor.Now()

	m, _ := res.(map[string]any)
	peer, ok := m["server_time"].(int64)
	if !ok {
		return executor.Clock{}, fmt.Errorf("%w: echo clock reply %v", ErrBadRequest, res)
	}
	return executor.Clock{SendTime: send, PeerTime: peer, ReceiveTime: receive}, nil
}

// RemoteObjectInfo queries the peer. A nil obj with QueryConfig returns
// the config of every peer instance.
func (c *Client) RemoteObjectInfo(ctx context.Context, obj object.Referenceable, query string) (any, error) {
	req := InfoRequest{Query: query}
	if obj != nil {
		req.Hash = obj.HashVal()
	}
	return c.call(ctx, CmdObjectInfo, req.Payload())
}

func (c *Client) RemoteObjects(ctx context.Context) ([]any, error) {
	res, err := c.RemoteObjectInfo(ctx, nil, QueryConfig)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return []any{}, nil
	}
	list, ok := res.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: object list reply %T", ErrBadRequest, res)
	}
	return list, nil
}

// ApplyConfigFromRemote copies the peer instance's config onto obj.
func (c *Client) ApplyConfigFromRemote(ctx context.Context, obj object.Referenceable) error {
	res, err := c.RemoteObjectInfo(ctx, obj, QueryConfig)
	if err != nil {
		return err
	}
	config, ok := res.(map[string]any)
	if !ok {
		return fmt.Errorf("%w: config reply %T", ErrBadRequest, res)
	}
	return object.ApplyConfig(obj, config)
}

// Events yields the events of channel until ctx ends or the stream fails.
func (c *Client) Events(ctx context.Context, channel string) iter.Seq2[StreamEvent, error] {
	return func(yield func(StreamEvent, error) bool) {
		s, err := c.transport.OpenStream(ctx, channel)
		if err != nil {
			yield(StreamEvent{}, err)
			return
		}
		defer s.Close()
		for {
			ev, err := s.Next(ctx)
			if err != nil {
				if ctx.Err() == nil {
					yield(StreamEvent{}, err)
				}
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// DataFromRemote yields the data events of obj's peer instance.
func (c *Client) DataFromRemote(ctx context.Context, obj object.Referenceable) iter.Seq2[StreamEvent, error] {
	return c.Events(ctx, stream.ChannelKey(obj.HashVal(), stream.TypeData))
}

// ExecuteFromRemote yields the execute events of obj's peer instance.
func (c *Client) ExecuteFromRemote(ctx context.Context, obj object.Referenceable) iter.Seq2[StreamEvent, error] {
	return c.Events(ctx, stream.ChannelKey(obj.HashVal(), stream.TypeExecute))
}

// consume opens channel, reports the live subscription through started
// and hands each event to apply until ctx ends. Cancellation is a normal
// return.
func (c *Client) consume(ctx context.Context, channel string, started func(), apply func(StreamEvent) error) error {
	s, err := c.transport.OpenStream(ctx, channel)
	if err != nil {
		return err
	}
	defer s.Close()
	if started != nil {
		started()
	}
	for {
		ev, err := s.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := apply(ev); err != nil {
			return err
		}
	}
}

// ApplyDataFromRemote mirrors the peer instance's logged attributes and
// events onto obj until ctx ends.
func (c *Client) ApplyDataFromRemote(ctx context.Context, obj object.Referenceable, started func()) error {
	channel := stream.ChannelKey(obj.HashVal(), stream.TypeData)
	return c.consume(ctx, channel, started, func(ev StreamEvent) error {
		return ApplyData(obj, ev.Data)
	})
}

// ApplyExecuteFromRemote replays the callbacks of calls made on the peer
// instance onto obj until ctx ends. With excludeSelf, calls issued by
// this executor are skipped.
func (c *Client) ApplyExecuteFromRemote(ctx context.Context, obj object.Referenceable, excludeSelf bool, started func()) error {
	channel := stream.ChannelKey(obj.HashVal(), stream.TypeExecute)
	return c.consume(ctx, channel, started, func(ev StreamEvent) error {
		return ApplyExecute(obj, ev.Data, c.uuid, excludeSelf)
	})
}

// ApplyData applies one data event payload to obj. on_* names are
// dispatched with the logged arguments; anything else is assigned.
func ApplyData(obj object.Referenceable, data any) error {
	m, err := fields(data)
	if err != nil {
		return err
	}
	items, err := dict(m, "logged_items")
	if err != nil {
		return err
	}
	for name, value := range items {
		if err := applyNamed(obj, name, value); err != nil {
			return err
		}
	}
	trigger, err := str(m, "logged_trigger_name", false)
	if err != nil {
		return err
	}
	if trigger != "" {
		return applyNamed(obj, trigger, m["logged_trigger_value"])
	}
	return nil
}

func applyNamed(obj object.Referenceable, name string, value any) error {
	if !object.IsEvent(name) {
		return obj.SetAttr(name, value)
	}
	var args []any
	if value != nil {
		list, ok := value.([]any)
		if !ok {
			return fmt.Errorf("%w: event %s wants a list, got %T", ErrBadRequest, name, value)
		}
		args = list
	}
	return obj.Dispatch(name, args...)
}

// ApplyExecute replays one execute event payload on obj. Events stamped
// with self are skipped when excludeSelf is set.
func ApplyExecute(obj object.Referenceable, data any, self string, excludeSelf bool) error {
	if excludeSelf && self == "" {
		return errors.New("remote: cannot exclude self without an executor uuid")
	}
	m, err := fields(data)
	if err != nil {
		return err
	}
	origin, err := str(m, "uuid", false)
	if err != nil {
		return err
	}
	if excludeSelf && origin == self {
		return nil
	}
	callback, err := str(m, "callback", false)
	if err != nil {
		return err
	}
	return object.CallCallback(obj, callback, m["return_value"])
}
