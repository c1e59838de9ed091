// Package object defines referenceable objects: named, class-typed
// values with a stable content hash, a declared attribute table and
// synchronous change observers.
package object

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"unicode/utf16"
)

var (
	ErrMissingAttr     = errors.New("object: attribute not declared")
	ErrUnknownEvent    = errors.New("object: event not declared")
	ErrUnknownMethod   = errors.New("object: unknown method")
	ErrUnknownCallback = errors.New("object: unknown callback")
)

// Observer is notified synchronously after a watched attribute changes or
// an event is dispatched. For events, value is the []any of dispatch
// arguments.
type Observer func(obj Referenceable, name string, value any)

// Runner is the minimal view of an executor an object can be bound to.
// Package executor asserts it back to its full interface.
type Runner interface {
	Name() string
}

// Referenceable is an object that can be addressed by hash across a
// process boundary.
type Referenceable interface {
	Name() string
	ClassName() string
	Class() *Class
	HashVal() string

	Attr(name string) (any, bool)
	SetAttr(name string, value any) error
	Subscribe(name string, fn Observer) uint64
	Unsubscribe(name string, id uint64)
	Dispatch(event string, args ...any) error

	Executor() Runner
	SetExecutor(r Runner)
}

// Base implements Referenceable. Concrete types embed it and call Init
// before use.
type Base struct {
	self  Referenceable
	class *Class
	name  string

	hashOnce sync.Once
	hash     string

	mu        sync.RWMutex
	attrs     map[string]any
	observers map[string]map[uint64]Observer
	nextID    uint64
	runner    Runner
}

// Init binds the base to its class and enclosing object. attrs declares
// the attribute table with initial values; nothing outside it can be set.
func (b *Base) Init(self Referenceable, class *Class, name string, attrs map[string]any) {
	b.self = self
	b.class = class
	b.name = name
	b.attrs = make(map[string]any, len(attrs)+1)
	for k, v := range attrs {
		b.attrs[k] = v
	}
	b.attrs["name"] = name
	b.observers = make(map[string]map[uint64]Observer)
}

func (b *Base) Name() string { return b.name }

func (b *Base) Class() *Class { return b.class }

func (b *Base) ClassName() string { return b.class.Name }

// HashVal returns the object's identity. It is computed on first use from
// the class name and the name and cached for the object's lifetime.
func (b *Base) HashVal() string {
	b.hashOnce.Do(func() {
		b.hash = Hash(b.class.Name, b.name)
	})
	return b.hash
}

// Hash computes the identity of an object of class className named name:
// hex MD5 of {"__cls": className, "name": name} with sorted keys, ", " and
// ": " separators and every string escaped to ASCII.
func Hash(className, name string) string {
	sum := md5.Sum([]byte(`{"__cls": ` + quoteASCII(className) + `, "name": ` + quoteASCII(name) + `}`))
	return hex.EncodeToString(sum[:])
}

// quoteASCII renders s as a JSON string using only printable ASCII.
// Everything outside 0x20..0x7e is escaped, runes beyond the BMP as
// UTF-16 surrogate pairs.
func quoteASCII(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			switch {
			case r >= 0x20 && r <= 0x7e:
				b.WriteRune(r)
			case r > 0xffff:
				hi, lo := utf16.EncodeRune(r)
				fmt.Fprintf(&b, `\u%04x\u%04x`, hi, lo)
			default:
				fmt.Fprintf(&b, `\u%04x`, r)
			}
		}
	}
	b.WriteByte('"')
	return b.String()
}

func (b *Base) Attr(name string) (any, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.attrs[name]
	return v, ok
}

// SetAttr assigns a declared attribute and then notifies its observers on
// the calling goroutine. The name is frozen at construction.
func (b *Base) SetAttr(name string, value any) error {
	b.mu.Lock()
	if _, ok := b.attrs[name]; !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s.%s", ErrMissingAttr, b.class.Name, name)
	}
	if name == "name" {
		b.mu.Unlock()
		if value == b.name {
			return nil
		}
		return fmt.Errorf("object: name of %s is immutable", b.class.Name)
	}
	b.attrs[name] = value
	observers := b.snapshotObservers(name)
	b.mu.Unlock()

	for _, fn := range observers {
		fn(b.self, name, value)
	}
	return nil
}

// Dispatch fires a declared on_* event.
func (b *Base) Dispatch(event string, args ...any) error {
	if !slices.Contains(b.class.AllEvents(), event) {
		return fmt.Errorf("%w: %s.%s", ErrUnknownEvent, b.class.Name, event)
	}
	b.mu.RLock()
	observers := b.snapshotObservers(event)
	b.mu.RUnlock()

	value := append([]any{}, args...)
	for _, fn := range observers {
		fn(b.self, event, value)
	}
	return nil
}

// snapshotObservers must be called with mu held.
func (b *Base) snapshotObservers(name string) []Observer {
	set := b.observers[name]
	if len(set) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]Observer, 0, len(ids))
	for _, id := range ids {
		out = append(out, set[id])
	}
	return out
}

// Subscribe registers fn for changes of an attribute or for an event and
// returns an id for Unsubscribe.
func (b *Base) Subscribe(name string, fn Observer) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	set := b.observers[name]
	if set == nil {
		set = make(map[uint64]Observer)
		b.observers[name] = set
	}
	set[b.nextID] = fn
	return b.nextID
}

func (b *Base) Unsubscribe(name string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.observers[name], id)
}

func (b *Base) Executor() Runner {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.runner
}

func (b *Base) SetExecutor(r Runner) {
	b.mu.Lock()
	b.runner = r
	b.mu.Unlock()
}

// IsEvent reports whether name follows the on_* event convention.
func IsEvent(name string) bool {
	return strings.HasPrefix(name, "on_")
}

// LookupMethod returns the named method of obj's class.
func LookupMethod(obj Referenceable, name string) (*Method, error) {
	m, ok := obj.Class().Method(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownMethod, obj.ClassName(), name)
	}
	return m, nil
}

// CallCallback applies the named callback of obj to value. An empty name
// is a no-op.
func CallCallback(obj Referenceable, name string, value any) error {
	if name == "" {
		return nil
	}
	fn, ok := obj.Class().Callback(name)
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownCallback, obj.ClassName(), name)
	}
	return fn(obj, value)
}

// Config returns the current values of obj's config props.
func Config(obj Referenceable) map[string]any {
	return Snapshot(obj, obj.Class().AllConfigProps())
}

// Snapshot returns the current values of the named attributes. Names that
// are events or undeclared are skipped.
func Snapshot(obj Referenceable, names []string) map[string]any {
	out := make(map[string]any, len(names))
	for _, name := range names {
		if IsEvent(name) {
			continue
		}
		if v, ok := obj.Attr(name); ok {
			out[name] = v
		}
	}
	return out
}

// ApplyConfig sets each config entry on obj. The "name" key is ignored
// since names are fixed at construction.
func ApplyConfig(obj Referenceable, config map[string]any) error {
	for k, v := range config {
		if k == "name" {
			continue
		}
		if err := obj.SetAttr(k, v); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks a prototype instance against its class declarations.
func Validate(obj Referenceable) error {
	class := obj.Class()
	events := class.AllEvents()
	for _, name := range class.AllConfigProps() {
		if _, ok := obj.Attr(name); !ok {
			return fmt.Errorf("%w: config prop %s.%s", ErrMissingAttr, class.Name, name)
		}
	}
	for _, name := range class.AllLoggedNames() {
		if IsEvent(name) {
			if !slices.Contains(events, name) {
				return fmt.Errorf("%w: logged %s.%s", ErrUnknownEvent, class.Name, name)
			}
			continue
		}
		if _, ok := obj.Attr(name); !ok {
			return fmt.Errorf("%w: logged %s.%s", ErrMissingAttr, class.Name, name)
		}
	}
	return nil
}
