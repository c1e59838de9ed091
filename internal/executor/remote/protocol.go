package remote

import (
	"errors"
	"fmt"

	"github.com/HyphaGroup/remora/internal/object"
)

// Commands carried in the socket envelope {cmd, packet, data}.
const (
	CmdEnsure           = "ensure_remote_instance"
	CmdDelete           = "delete_remote_instance"
	CmdExecute          = "execute"
	CmdExecuteGenerator = "execute_generator"
	CmdObjectInfo       = "get_remote_object_info"
	CmdEchoClock        = "get_echo_clock"
)

// Object info queries.
const (
	QueryConfig = "config"
	QueryData   = "data"
)

var (
	ErrUnknownCommand = errors.New("remote: unknown command")
	ErrBadRequest     = errors.New("remote: malformed request")
	ErrBadQuery       = errors.New("remote: unrecognized object info query")
	ErrPacketGap      = errors.New("remote: stream packets were skipped")
	ErrPacketMismatch = errors.New("remote: reply packet does not match request")
	ErrStreamAborted  = errors.New("remote: stream aborted by peer")
)

// RemoteError is a failure reported by the peer in an error reply.
type RemoteError struct {
	Cmd     string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Cmd == "" {
		return "remote: " + e.Message
	}
	return fmt.Sprintf("remote: %s: %s", e.Cmd, e.Message)
}

// EnsureRequest asks the peer to create an instance unless one with the
// same hash already exists.
type EnsureRequest struct {
	Class  string
	Hash   string
	Args   object.Args
	Config map[string]any
}

func (r EnsureRequest) Payload() map[string]any {
	return map[string]any{
		"cls_name": r.Class,
		"hash_val": r.Hash,
		"args":     positional(r.Args),
		"kwargs":   keyword(r.Args),
		"config":   orEmpty(r.Config),
	}
}

// ParseEnsure reads an EnsureRequest from a decoded payload.
func ParseEnsure(data any) (EnsureRequest, error) {
	m, err := fields(data)
	if err != nil {
		return EnsureRequest{}, err
	}
	r := EnsureRequest{}
	if r.Class, err = str(m, "cls_name", true); err != nil {
		return r, err
	}
	if r.Hash, err = str(m, "hash_val", false); err != nil {
		return r, err
	}
	if r.Args, err = args(m); err != nil {
		return r, err
	}
	if r.Config, err = dict(m, "config"); err != nil {
		return r, err
	}
	return r, nil
}

// CallRequest is one method invocation. UUID identifies the issuing
// executor so that it can recognize its own calls on the execute stream.
type CallRequest struct {
	Hash     string
	Method   string
	Args     object.Args
	Callback string
	UUID     string
}

func (r CallRequest) Payload() map[string]any {
	var callback any
	if r.Callback != "" {
		callback = r.Callback
	}
	return map[string]any{
		"hash_val":    r.Hash,
		"method_name": r.Method,
		"args":        positional(r.Args),
		"kwargs":      keyword(r.Args),
		"callback":    callback,
		"uuid":        r.UUID,
	}
}

// ParseCall reads a CallRequest from a decoded payload.
func ParseCall(data any) (CallRequest, error) {
	m, err := fields(data)
	if err != nil {
		return CallRequest{}, err
	}
	r := CallRequest{}
	if r.Hash, err = str(m, "hash_val", true); err != nil {
		return r, err
	}
	if r.Method, err = str(m, "method_name", true); err != nil {
		return r, err
	}
	if r.Callback, err = str(m, "callback", false); err != nil {
		return r, err
	}
	if r.UUID, err = str(m, "uuid", false); err != nil {
		return r, err
	}
	if r.Args, err = args(m); err != nil {
		return r, err
	}
	return r, nil
}

// InfoRequest queries the config or logged data of one object, or the
// config of every object when Hash is empty.
type InfoRequest struct {
	Hash  string
	Query string
}

func (r InfoRequest) Payload() map[string]any {
	var hash any
	if r.Hash != "" {
		hash = r.Hash
	}
	return map[string]any{"hash_val": hash, "query": r.Query}
}

// ParseInfo reads an InfoRequest from a decoded payload.
func ParseInfo(data any) (InfoRequest, error) {
	m, err := fields(data)
	if err != nil {
		return InfoRequest{}, err
	}
	r := InfoRequest{}
	if r.Hash, err = str(m, "hash_val", false); err != nil {
		return r, err
	}
	if r.Query, err = str(m, "query", true); err != nil {
		return r, err
	}
	return r, nil
}

func fields(data any) (map[string]any, error) {
	m, ok := data.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: want object, got %T", ErrBadRequest, data)
	}
	return m, nil
}

func str(m map[string]any, key string, required bool) (string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		if required {
			return "", fmt.Errorf("%w: missing %q", ErrBadRequest, key)
		}
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %q wants a string, got %T", ErrBadRequest, key, v)
	}
	return s, nil
}

func dict(m map[string]any, key string) (map[string]any, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return map[string]any{}, nil
	}
	d, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %q wants an object, got %T", ErrBadRequest, key, v)
	}
	return d, nil
}

func args(m map[string]any) (object.Args, error) {
	var a object.Args
	if v, ok := m["args"]; ok && v != nil {
		list, ok := v.([]any)
		if !ok {
			return a, fmt.Errorf("%w: \"args\" wants a list, got %T", ErrBadRequest, v)
		}
		a.Positional = list
	}
	kw, err := dict(m, "kwargs")
	if err != nil {
		return a, err
	}
	if len(kw) > 0 {
		a.Keyword = kw
	}
	return a, nil
}

func positional(a object.Args) []any {
	if a.Positional == nil {
		return []any{}
	}
	return a.Positional
}

func keyword(a object.Args) map[string]any {
	return orEmpty(a.Keyword)
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
