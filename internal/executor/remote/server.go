package remote

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/HyphaGroup/remora/internal/executor"
	"github.com/HyphaGroup/remora/internal/logger"
	"github.com/HyphaGroup/remora/internal/metrics"
	"github.com/HyphaGroup/remora/internal/object"
	"github.com/HyphaGroup/remora/internal/registry"
	"github.com/HyphaGroup/remora/internal/stream"
)

// Server executes commands received from remote executors against its
// registry and publishes the outcome of each on its hub.
type Server struct {
	reg     *registry.Registry
	hub     *stream.Hub
	logger  *StreamLogger
	factory *executor.Factory
	kind    executor.Kind

	streamObjects bool

	mu      sync.Mutex
	created map[string]executor.Executor
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithObjectExecutor gives every instance created without an executor a
// fresh one of kind, stopped again when the instance is deleted.
func WithObjectExecutor(factory *executor.Factory, kind executor.Kind) ServerOption {
	return func(s *Server) {
		s.factory = factory
		s.kind = kind
	}
}

// WithoutObjectEvents disables the ensure, delete and execute events.
func WithoutObjectEvents() ServerOption {
	return func(s *Server) {
		s.streamObjects = false
	}
}

// WithoutDataLog disables publishing of logged attribute changes.
func WithoutDataLog() ServerOption {
	return func(s *Server) {
		s.logger = nil
	}
}

func NewServer(reg *registry.Registry, hub *stream.Hub, opts ...ServerOption) *Server {
	s := &Server{
		reg:           reg,
		hub:           hub,
		logger:        NewStreamLogger(hub),
		streamObjects: true,
		created:       make(map[string]executor.Executor),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Registry() *registry.Registry {
	return s.reg
}

func (s *Server) Hub() *stream.Hub {
	return s.hub
}

func (s *Server) publish(data any, typ, hash string) {
	if s.streamObjects {
		s.hub.Publish(data, typ, hash)
	}
}

// EnsureInstance creates the requested instance. It is a no-op when an
// instance with the same hash exists.
func (s *Server) EnsureInstance(ctx context.Context, req EnsureRequest) error {
	if req.Hash != "" {
		if _, ok := s.reg.Lookup(req.Hash); ok {
			return nil
		}
	}
	obj, created, err := s.reg.CreateInstance(req.Class, req.Args, req.Config)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}
	if req.Hash != "" && obj.HashVal() != req.Hash {
		s.reg.RemoveInstance(obj)
		return fmt.Errorf("%w: %s instance hash %s does not match requested %s",
			ErrBadRequest, req.Class, obj.HashVal(), req.Hash)
	}

	if s.factory != nil && executor.Of(obj) == nil {
		ex, err := s.factory.New(s.kind, obj.Name())
		if err != nil {
			s.reg.RemoveInstance(obj)
			return err
		}
		if ex != nil {
			if err := ex.Start(ctx); err != nil {
				s.reg.RemoveInstance(obj)
				return fmt.Errorf("start executor for %s: %w", obj.HashVal(), err)
			}
			executor.Bind(obj, ex)
			s.mu.Lock()
			s.created[obj.HashVal()] = ex
			s.mu.Unlock()
		}
	}
	if s.logger != nil {
		s.logger.Add(obj)
	}
	metrics.SetRegistryObjects(float64(s.reg.Len()))

	logger.InfoContext(ctx, "instance created", "class", req.Class, "object_hash", obj.HashVal())
	s.publish(req.Payload(), stream.TypeEnsure, obj.HashVal())
	return nil
}

// DeleteInstance removes the instance with hash.
func (s *Server) DeleteInstance(ctx context.Context, hash string) error {
	obj, err := s.reg.DeleteInstance(hash)
	if err != nil {
		return err
	}
	if s.logger != nil {
		s.logger.Remove(obj)
	}

	s.mu.Lock()
	ex, ok := s.created[hash]
	delete(s.created, hash)
	s.mu.Unlock()
	if ok {
		executor.Bind(obj, nil)
		if err := ex.Stop(ctx, false); err != nil {
			logger.ErrorContext(ctx, "stop instance executor", "error", err)
		}
	}
	metrics.SetRegistryObjects(float64(s.reg.Len()))

	s.publish(map[string]any{"hash_val": hash}, stream.TypeDelete, hash)
	return nil
}

// Execute runs a method through the instance's own executor, so the
// instance's default callback applies on this side too.
func (s *Server) Execute(ctx context.Context, req CallRequest) (any, error) {
	obj, err := s.reg.Get(req.Hash)
	if err != nil {
		return nil, err
	}
	res, err := executor.Apply(ctx, obj, req.Method, req.Args)
	if err != nil {
		return nil, err
	}

	data := req.Payload()
	data["return_value"] = res
	s.publish(data, stream.TypeExecute, req.Hash)
	return res, nil
}

// ExecuteGenerator runs a generator method. An execute event is published
// after each value has been handed to the consumer.
func (s *Server) ExecuteGenerator(ctx context.Context, req CallRequest) iter.Seq2[any, error] {
	obj, err := s.reg.Get(req.Hash)
	if err != nil {
		return executor.Fail(err)
	}
	return func(yield func(any, error) bool) {
		for v, err := range executor.ApplyGenerator(ctx, obj, req.Method, req.Args) {
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(v, nil) {
				return
			}
			data := req.Payload()
			data["return_value"] = v
			s.publish(data, stream.TypeExecute, req.Hash)
		}
	}
}

// ObjectInfo answers a config or data query.
func (s *Server) ObjectInfo(ctx context.Context, req InfoRequest) (any, error) {
	var obj object.Referenceable
	if req.Hash != "" {
		o, err := s.reg.Get(req.Hash)
		if err != nil {
			return nil, err
		}
		obj = o
	}

	switch req.Query {
	case QueryConfig:
		if obj != nil {
			return object.Config(obj), nil
		}
		instances := s.reg.Instances()
		out := make([]any, 0, len(instances))
		for _, o := range instances {
			out = append(out, object.Config(o))
		}
		return out, nil
	case QueryData:
		if obj == nil {
			return nil, fmt.Errorf("%w: data query needs an object", ErrBadRequest)
		}
		return object.Snapshot(obj, obj.Class().AllLoggedNames()), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrBadQuery, req.Query)
}

// EchoClock reports the server's monotonic time.
func (s *Server) EchoClock(context.Context) map[string]any {
	return map[string]any{"server_time": executor.Now()}
}

// Dispatch runs one unary command with its decoded payload.
func (s *Server) Dispatch(ctx context.Context, cmd string, data any) (any, error) {
	switch cmd {
	case CmdEnsure:
		req, err := ParseEnsure(data)
		if err != nil {
			return nil, err
		}
		return nil, s.EnsureInstance(ctx, req)
	case CmdDelete:
		m, err := fields(data)
		if err != nil {
			return nil, err
		}
		hash, err := str(m, "hash_val", true)
		if err != nil {
			return nil, err
		}
		return nil, s.DeleteInstance(ctx, hash)
	case CmdExecute:
		req, err := ParseCall(data)
		if err != nil {
			return nil, err
		}
		return s.Execute(ctx, req)
	case CmdObjectInfo:
		req, err := ParseInfo(data)
		if err != nil {
			return nil, err
		}
		return s.ObjectInfo(ctx, req)
	case CmdEchoClock:
		return s.EchoClock(ctx), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
}

// DispatchGenerator is Dispatch for execute_generator.
func (s *Server) DispatchGenerator(ctx context.Context, data any) iter.Seq2[any, error] {
	req, err := ParseCall(data)
	if err != nil {
		return executor.Fail(err)
	}
	return s.ExecuteGenerator(ctx, req)
}

// Close stops the executors created for instances.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	created := s.created
	s.created = make(map[string]executor.Executor)
	s.mu.Unlock()

	var firstErr error
	for hash, ex := range created {
		if obj, ok := s.reg.Lookup(hash); ok {
			executor.Bind(obj, nil)
		}
		if err := ex.Stop(ctx, true); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
