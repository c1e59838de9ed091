package object

import "fmt"

// Args carries the positional and keyword arguments of one call.
type Args struct {
	Positional []any          `json:"args"`
	Keyword    map[string]any `json:"kwargs"`
}

// NewArgs returns Args holding the given positional values.
func NewArgs(positional ...any) Args {
	return Args{Positional: positional}
}

// WithKeyword returns a copy of a with key set to value.
func (a Args) WithKeyword(key string, value any) Args {
	kw := make(map[string]any, len(a.Keyword)+1)
	for k, v := range a.Keyword {
		kw[k] = v
	}
	kw[key] = value
	a.Keyword = kw
	return a
}

// Lookup returns the argument at position i, falling back to the keyword
// key when fewer positional values were supplied.
func (a Args) Lookup(i int, key string) (any, bool) {
	if i >= 0 && i < len(a.Positional) {
		return a.Positional[i], true
	}
	v, ok := a.Keyword[key]
	return v, ok
}

// Int returns the argument at i / key as an int. JSON decoded numbers
// arrive as float64 and are accepted.
func (a Args) Int(i int, key string, def int) (int, error) {
	v, ok := a.Lookup(i, key)
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("argument %q: want number, got %T", key, v)
	}
}

// Bool returns the argument at i / key as a bool.
func (a Args) Bool(i int, key string, def bool) (bool, error) {
	v, ok := a.Lookup(i, key)
	if !ok || v == nil {
		return def, nil
	}
	b, isBool := v.(bool)
	if !isBool {
		return false, fmt.Errorf("argument %q: want bool, got %T", key, v)
	}
	return b, nil
}
