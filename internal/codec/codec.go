// Package codec converts values to and from the wire form: JSON with
// single-key sentinel objects standing in for object references, raw
// bytes and application types registered as custom coders.
//
//	{"__ref": "<hash>"}  a referenceable object, resolved on decode
//	{"__b64": "<base64>"} bytes inlined in the JSON text
//	{"__buf": <index>}    bytes carried out of band in a frame buffer
package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/HyphaGroup/remora/internal/codec/frame"
	"github.com/HyphaGroup/remora/internal/object"
)

const (
	keyRef = "__ref"
	keyB64 = "__b64"
	keyBuf = "__buf"
)

var (
	ErrUnknownSentinel = errors.New("codec: unknown sentinel")
	ErrUnknownRef      = errors.New("codec: unresolved object reference")
	ErrReservedKey     = errors.New("codec: single-key map uses reserved __ prefix")
	ErrUnsupported     = errors.New("codec: unsupported value")
	ErrBufferIndex     = errors.New("codec: buffer index out of range")
)

// Resolver turns a hash back into a live object on decode.
type Resolver interface {
	Lookup(hash string) (object.Referenceable, bool)
}

// Coder encodes application values that have no natural JSON form.
// Values matched by Match are written as {"__<Name>": Encode(v)}.
type Coder struct {
	Name   string
	Match  func(v any) bool
	Encode func(v any) (any, error)
	Decode func(v any) (any, error)
}

// Codec is safe for concurrent use.
type Codec struct {
	resolver Resolver
	limits   frame.Limits

	mu     sync.RWMutex
	coders []Coder
}

// New creates a codec resolving references through resolver, which may be
// nil when no references are expected.
func New(resolver Resolver) *Codec {
	return &Codec{resolver: resolver, limits: frame.DefaultLimits()}
}

// WithLimits sets the frame limits used by the framed methods.
func (c *Codec) WithLimits(limits frame.Limits) *Codec {
	c.limits = limits
	return c
}

// RegisterCoder adds a custom coder. Names must be unique and must not
// collide with the built-in sentinels.
func (c *Codec) RegisterCoder(coder Coder) error {
	if coder.Name == "" || coder.Match == nil || coder.Encode == nil || coder.Decode == nil {
		return fmt.Errorf("codec: incomplete coder %q", coder.Name)
	}
	key := "__" + coder.Name
	if key == keyRef || key == keyB64 || key == keyBuf {
		return fmt.Errorf("codec: coder name %q is reserved", coder.Name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.coders {
		if existing.Name == coder.Name {
			return fmt.Errorf("codec: coder %q already registered", coder.Name)
		}
	}
	c.coders = append(c.coders, coder)
	return nil
}

func (c *Codec) snapshotCoders() []Coder {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.coders
}

// Marshal encodes v as JSON text with bytes inlined as base64.
func (c *Codec) Marshal(v any) ([]byte, error) {
	tree, err := c.Encode(v, nil)
	if err != nil {
		return nil, err
	}
	return json.Marshal(tree)
}

// Unmarshal decodes JSON text produced by Marshal. Empty input decodes
// to nil.
func (c *Codec) Unmarshal(data []byte) (any, error) {
	return c.decodeJSON(data, nil)
}

// EncodeFrame encodes v as a binary frame with bytes carried out of band.
func (c *Codec) EncodeFrame(v any) ([]byte, error) {
	f, err := c.toFrame(v)
	if err != nil {
		return nil, err
	}
	return frame.Encode(f, c.limits)
}

// DecodeFrame decodes a complete frame held in b.
func (c *Codec) DecodeFrame(b []byte) (any, error) {
	f, err := frame.Decode(b, c.limits)
	if err != nil {
		return nil, err
	}
	return c.decodeJSON(f.JSON, f.Buffers)
}

// WriteFrame writes v to w as one frame.
func (c *Codec) WriteFrame(w io.Writer, v any) error {
	f, err := c.toFrame(v)
	if err != nil {
		return err
	}
	return frame.Write(w, f, c.limits)
}

// ReadFrame reads one frame from r and decodes it.
func (c *Codec) ReadFrame(r io.Reader) (any, error) {
	f, err := frame.Read(r, c.limits)
	if err != nil {
		return nil, err
	}
	return c.decodeJSON(f.JSON, f.Buffers)
}

func (c *Codec) toFrame(v any) (frame.Frame, error) {
	var bufs [][]byte
	tree, err := c.Encode(v, &bufs)
	if err != nil {
		return frame.Frame{}, err
	}
	data, err := json.Marshal(tree)
	if err != nil {
		return frame.Frame{}, err
	}
	return frame.Frame{JSON: data, Buffers: bufs}, nil
}

func (c *Codec) decodeJSON(data []byte, bufs [][]byte) (any, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("codec: %w", err)
	}
	return c.Decode(tree, bufs)
}

// Encode rewrites v into a tree of JSON-ready values. When bufs is non-nil
// byte slices are appended to it and replaced by buffer sentinels,
// otherwise they are inlined as base64.
func (c *Codec) Encode(v any, bufs *[][]byte) (any, error) {
	return c.encode(v, bufs, c.snapshotCoders())
}

func (c *Codec) encode(v any, bufs *[][]byte, coders []Coder) (any, error) {
	for _, coder := range coders {
		if v != nil && coder.Match(v) {
			inner, err := coder.Encode(v)
			if err != nil {
				return nil, fmt.Errorf("codec: coder %s: %w", coder.Name, err)
			}
			enc, err := c.encode(inner, bufs, coders)
			if err != nil {
				return nil, err
			}
			return map[string]any{"__" + coder.Name: enc}, nil
		}
	}

	switch x := v.(type) {
	case nil, bool, string, json.Number:
		return x, nil
	case float64:
		return encodeFloat(x)
	case float32:
		return encodeFloat(float64(x))
	case int:
		return json.Number(strconv.FormatInt(int64(x), 10)), nil
	case int64:
		return json.Number(strconv.FormatInt(x, 10)), nil
	case []byte:
		if bufs == nil {
			return map[string]any{keyB64: base64.StdEncoding.EncodeToString(x)}, nil
		}
		*bufs = append(*bufs, x)
		return map[string]any{keyBuf: len(*bufs) - 1}, nil
	case object.Referenceable:
		return map[string]any{keyRef: x.HashVal()}, nil
	case json.RawMessage:
		var tree any
		if err := json.Unmarshal(x, &tree); err != nil {
			return nil, fmt.Errorf("codec: raw message: %w", err)
		}
		return c.encode(tree, bufs, coders)
	case map[string]any:
		if len(x) == 1 {
			for k := range x {
				if strings.HasPrefix(k, "__") {
					return nil, fmt.Errorf("%w: %q", ErrReservedKey, k)
				}
			}
		}
		out := make(map[string]any, len(x))
		for k, item := range x {
			enc, err := c.encode(item, bufs, coders)
			if err != nil {
				return nil, err
			}
			out[k] = enc
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			enc, err := c.encode(item, bufs, coders)
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil
	}
	return c.encodeReflect(v, bufs, coders)
}

func (c *Codec) encodeReflect(v any, bufs *[][]byte, coders []Coder) (any, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int8, reflect.Int16, reflect.Int32:
		return json.Number(strconv.FormatInt(rv.Int(), 10)), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return json.Number(strconv.FormatUint(rv.Uint(), 10)), nil
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, nil
		}
		items := make([]any, rv.Len())
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}
		return c.encode(items, bufs, coders)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("%w: map key %s", ErrUnsupported, rv.Type().Key())
		}
		if rv.IsNil() {
			return nil, nil
		}
		m := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}
		return c.encode(m, bufs, coders)
	case reflect.Pointer:
		if rv.IsNil() {
			return nil, nil
		}
		return c.encode(rv.Elem().Interface(), bufs, coders)
	case reflect.Struct:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %T: %v", ErrUnsupported, v, err)
		}
		return c.encode(json.RawMessage(data), bufs, coders)
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupported, v)
}

func encodeFloat(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, f)
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return json.Number(s), nil
}

// Decode resolves sentinels in a tree produced by a JSON decoder using
// UseNumber. Integral numbers become int64, all others float64.
func (c *Codec) Decode(tree any, bufs [][]byte) (any, error) {
	return c.decode(tree, bufs, c.snapshotCoders())
}

func (c *Codec) decode(tree any, bufs [][]byte, coders []Coder) (any, error) {
	switch x := tree.(type) {
	case json.Number:
		return decodeNumber(x)
	case float64:
		return x, nil
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			dec, err := c.decode(item, bufs, coders)
			if err != nil {
				return nil, err
			}
			out[i] = dec
		}
		return out, nil
	case map[string]any:
		if len(x) == 1 {
			for k, v := range x {
				if strings.HasPrefix(k, "__") {
					return c.decodeSentinel(k, v, bufs, coders)
				}
			}
		}
		out := make(map[string]any, len(x))
		for k, item := range x {
			dec, err := c.decode(item, bufs, coders)
			if err != nil {
				return nil, err
			}
			out[k] = dec
		}
		return out, nil
	default:
		return x, nil
	}
}

func (c *Codec) decodeSentinel(key string, v any, bufs [][]byte, coders []Coder) (any, error) {
	switch key {
	case keyRef:
		hash, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("codec: %s wants a string, got %T", keyRef, v)
		}
		if c.resolver == nil {
			return nil, fmt.Errorf("%w: %s (no resolver)", ErrUnknownRef, hash)
		}
		obj, ok := c.resolver.Lookup(hash)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRef, hash)
		}
		return obj, nil
	case keyB64:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("codec: %s wants a string, got %T", keyB64, v)
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("codec: %s: %w", keyB64, err)
		}
		return b, nil
	case keyBuf:
		n, err := c.decode(v, bufs, coders)
		if err != nil {
			return nil, err
		}
		idx, ok := n.(int64)
		if !ok || idx < 0 || idx >= int64(len(bufs)) {
			return nil, fmt.Errorf("%w: %v of %d", ErrBufferIndex, v, len(bufs))
		}
		return bufs[idx], nil
	}

	name := strings.TrimPrefix(key, "__")
	for _, coder := range coders {
		if coder.Name == name {
			inner, err := c.decode(v, bufs, coders)
			if err != nil {
				return nil, err
			}
			out, err := coder.Decode(inner)
			if err != nil {
				return nil, fmt.Errorf("codec: coder %s: %w", name, err)
			}
			return out, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownSentinel, key)
}

func decodeNumber(n json.Number) (any, error) {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("codec: number %q: %w", s, err)
	}
	return f, nil
}
