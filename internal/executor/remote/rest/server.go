// Package rest serves and consumes the remote executor protocol over
// HTTP. Unary commands are plain requests with codec JSON bodies;
// generator results and channel subscriptions are server-sent events.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/HyphaGroup/remora/internal/codec"
	"github.com/HyphaGroup/remora/internal/executor"
	"github.com/HyphaGroup/remora/internal/executor/remote"
	"github.com/HyphaGroup/remora/internal/logger"
	"github.com/HyphaGroup/remora/internal/object"
	"github.com/HyphaGroup/remora/internal/registry"
	"github.com/HyphaGroup/remora/internal/stream"
)

// Endpoint paths.
const (
	PathEnsure    = "/api/v1/objects/create_open"
	PathDelete    = "/api/v1/objects/delete"
	PathExecute   = "/api/v1/objects/execute"
	PathGenerator = "/api/v1/objects/execute_generator/stream"
	PathObject    = "/api/v1/objects/object"
	PathEchoClock = "/api/v1/echo_clock"
	PathStream    = "/api/v1/stream"
)

// DefaultHeartbeat is how often an idle event stream repeats "alive".
const DefaultHeartbeat = 15 * time.Second

const maxBody = 16 << 20

var alive = []byte(`"alive"`)

// eventError is the event type of a frame that aborts a stream.
const eventError = "error"

// Handler serves a remote.Server over HTTP.
type Handler struct {
	srv       *remote.Server
	codec     *codec.Codec
	heartbeat time.Duration
	mux       *http.ServeMux
}

// Option configures a Handler.
type Option func(*Handler)

// WithHeartbeat sets the idle interval after which event streams send an
// "alive" message. Zero or less disables heartbeats.
func WithHeartbeat(d time.Duration) Option {
	return func(h *Handler) { h.heartbeat = d }
}

func NewHandler(srv *remote.Server, opts ...Option) *Handler {
	h := &Handler{
		srv:       srv,
		codec:     codec.New(srv.Registry()),
		heartbeat: DefaultHeartbeat,
		mux:       http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.mux.HandleFunc("POST "+PathEnsure, h.command(remote.CmdEnsure))
	h.mux.HandleFunc("POST "+PathDelete, h.command(remote.CmdDelete))
	h.mux.HandleFunc("POST "+PathExecute, h.command(remote.CmdExecute))
	h.mux.HandleFunc("GET "+PathObject, h.command(remote.CmdObjectInfo))
	h.mux.HandleFunc("GET "+PathEchoClock, h.command(remote.CmdEchoClock))
	h.mux.HandleFunc("POST "+PathGenerator, h.handleGenerator)
	h.mux.HandleFunc("GET "+PathStream, h.handleStream)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set("X-Request-ID", requestID)
	r = r.WithContext(logger.With(r.Context(), logger.ContextKeyRequestID, requestID))

	logger.DebugContext(r.Context(), "http request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
	h.mux.ServeHTTP(w, r)
}

// payload decodes the request body. A GET without a body may carry the
// object query as URL parameters instead.
func (h *Handler) payload(r *http.Request) (any, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", remote.ErrBadRequest, err)
	}
	if len(body) == 0 && r.Method == http.MethodGet {
		q := r.URL.Query()
		data := map[string]any{}
		for _, key := range []string{"hash_val", "query"} {
			if q.Has(key) {
				data[key] = q.Get(key)
			}
		}
		return data, nil
	}
	v, err := h.codec.Unmarshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", remote.ErrBadRequest, err)
	}
	return v, nil
}

func (h *Handler) command(cmd string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		data, err := h.payload(r)
		if err != nil {
			h.writeError(ctx, w, cmd, err)
			return
		}
		res, err := h.srv.Dispatch(ctx, cmd, data)
		if err != nil {
			h.writeError(ctx, w, cmd, err)
			return
		}
		if cmd == remote.CmdEnsure || cmd == remote.CmdDelete {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		body, err := h.codec.Marshal(res)
		if err != nil {
			h.writeError(ctx, w, cmd, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, remote.ErrBadRequest),
		errors.Is(err, remote.ErrBadQuery),
		errors.Is(err, registry.ErrUnknownClass),
		errors.Is(err, object.ErrUnknownMethod),
		errors.Is(err, object.ErrMissingAttr),
		errors.Is(err, executor.ErrShape),
		errors.Is(err, codec.ErrUnknownSentinel),
		errors.Is(err, codec.ErrUnknownRef):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, cmd string, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(ctx, "command failed", "cmd", cmd, "error", err)
	} else {
		logger.WarnContext(ctx, "command rejected", "cmd", cmd, "status", status, "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// eventStream prepares w for server-sent events and sends the opening
// "alive" message.
func eventStream(w http.ResponseWriter) (*http.ResponseController, error) {
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if err := stream.WriteSSE(w, alive, nil); err != nil {
		return nil, err
	}
	return rc, rc.Flush()
}

func (h *Handler) handleGenerator(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	data, err := h.payload(r)
	if err != nil {
		h.writeError(ctx, w, remote.CmdExecuteGenerator, err)
		return
	}
	req, err := remote.ParseCall(data)
	if err != nil {
		h.writeError(ctx, w, remote.CmdExecuteGenerator, err)
		return
	}
	if _, err := h.srv.Registry().Get(req.Hash); err != nil {
		h.writeError(ctx, w, remote.CmdExecuteGenerator, err)
		return
	}

	rc, err := eventStream(w)
	if err != nil {
		return
	}
	send := func(v any, done bool) error {
		body, err := h.codec.Marshal(v)
		if err != nil {
			return err
		}
		id := []byte("false")
		if done {
			id = []byte("true")
		}
		if err := stream.WriteSSE(w, body, id); err != nil {
			return err
		}
		return rc.Flush()
	}

	for v, err := range h.srv.ExecuteGenerator(ctx, req) {
		if err == nil {
			err = send(map[string]any{"return_value": v}, false)
			if err == nil {
				continue
			}
			if !errors.Is(err, codec.ErrUnsupported) {
				return
			}
		}
		logger.ErrorContext(ctx, "generator failed", "method", req.Method, "error", err)
		_ = send(map[string]any{"error": err.Error()}, true)
		return
	}
	_ = send(map[string]any{}, true)
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	channel := r.URL.Query().Get("channel")
	sub := h.srv.Hub().Subscribe(channel)
	defer sub.Close()

	rc, err := eventStream(w)
	if err != nil {
		return
	}
	for {
		e, err := h.next(ctx, sub)
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			err = stream.WriteSSE(w, alive, nil)
		case err != nil:
			return
		default:
			err = h.writeEvent(w, e)
			if errors.Is(err, codec.ErrUnsupported) {
				logger.WarnContext(ctx, "stream event not encodable", "channel", channel, "error", err)
				if h.writeAbort(w, e, err) == nil {
					_ = rc.Flush()
				}
				return
			}
		}
		if err != nil {
			return
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

// next waits for the next entry, giving up with DeadlineExceeded after
// one heartbeat interval.
func (h *Handler) next(ctx context.Context, sub *stream.Subscription) (stream.Entry[stream.Event], error) {
	if h.heartbeat <= 0 {
		return sub.Next(ctx)
	}
	wait, cancel := context.WithTimeout(ctx, h.heartbeat)
	defer cancel()
	e, err := sub.Next(wait)
	if err != nil && ctx.Err() != nil {
		return e, ctx.Err()
	}
	return e, err
}

// writeAbort ends a stream whose next event could not be encoded. The id
// carries the spent packet with the "error" type.
func (h *Handler) writeAbort(w io.Writer, e stream.Entry[stream.Event], cause error) error {
	data, err := json.Marshal(cause.Error())
	if err != nil {
		return err
	}
	id, err := json.Marshal([]any{e.Packet, eventError, e.Payload.Hash, e.Payload.Channel})
	if err != nil {
		return err
	}
	return stream.WriteSSE(w, data, id)
}

func (h *Handler) writeEvent(w io.Writer, e stream.Entry[stream.Event]) error {
	data, err := h.codec.Marshal(e.Payload.Data)
	if err != nil {
		return err
	}
	id, err := json.Marshal([]any{e.Packet, e.Payload.Type, e.Payload.Hash, e.Payload.Channel})
	if err != nil {
		return err
	}
	return stream.WriteSSE(w, data, id)
}
