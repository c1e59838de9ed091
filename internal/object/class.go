package object

import (
	"context"
	"slices"
)

// Func is a plain method body. It runs on whichever goroutine the
// executor chooses and must not assume the caller's.
type Func func(ctx context.Context, obj Referenceable, args Args) (any, error)

// GenFunc is a generator method body. It hands each value to yield and
// stops early when yield returns false.
type GenFunc func(ctx context.Context, obj Referenceable, args Args, yield func(any) bool) error

// CallbackFunc receives the result of a method (or each generator value)
// on the side that issued the call.
type CallbackFunc func(obj Referenceable, value any) error

// Method describes one executable method of a class.
type Method struct {
	Name string
	Fn   Func
	Gen  GenFunc

	// Suspends marks coroutine-shaped methods: they block only through
	// ctx-aware operations and can be cancelled mid-flight.
	Suspends bool

	// Callback names the callback applied to the result when the
	// caller does not choose one.
	Callback string
}

// IsGenerator reports whether the method yields a sequence of values.
func (m *Method) IsGenerator() bool {
	return m.Gen != nil
}

// Class declares a referenceable type. Declarations of a derived class
// extend those of its Parent.
type Class struct {
	Name   string
	Parent *Class

	// ConfigProps are the attributes that make up the object's
	// configuration snapshot.
	ConfigProps []string

	// LoggedNames are the attributes and events streamed to remote
	// observers when they change.
	LoggedNames []string

	// Events are the dispatchable on_* event names.
	Events []string

	Methods   []Method
	Callbacks map[string]CallbackFunc

	// New builds an instance for the registry. args are the constructor
	// arguments received over the wire.
	New func(name string, args Args) (Referenceable, error)
}

func (c *Class) lineage() []*Class {
	var chain []*Class
	for cur := c; cur != nil; cur = cur.Parent {
		chain = append(chain, cur)
	}
	slices.Reverse(chain)
	return chain
}

func collect(c *Class, field func(*Class) []string) []string {
	var out []string
	for _, cls := range c.lineage() {
		for _, name := range field(cls) {
			if !slices.Contains(out, name) {
				out = append(out, name)
			}
		}
	}
	return out
}

// AllConfigProps returns the config props of the class and its ancestors,
// base first, without duplicates. "name" is always included since the
// peer derives the instance hash from it.
func (c *Class) AllConfigProps() []string {
	props := collect(c, func(cls *Class) []string { return cls.ConfigProps })
	if !slices.Contains(props, "name") {
		props = append([]string{"name"}, props...)
	}
	return props
}

// AllLoggedNames returns the logged names of the class and its ancestors.
func (c *Class) AllLoggedNames() []string {
	return collect(c, func(cls *Class) []string { return cls.LoggedNames })
}

// AllEvents returns the events of the class and its ancestors.
func (c *Class) AllEvents() []string {
	return collect(c, func(cls *Class) []string { return cls.Events })
}

// Method returns the named method, searching derived classes first.
func (c *Class) Method(name string) (*Method, bool) {
	for cur := c; cur != nil; cur = cur.Parent {
		for i := range cur.Methods {
			if cur.Methods[i].Name == name {
				return &cur.Methods[i], true
			}
		}
	}
	return nil, false
}

// Callback returns the named callback, searching derived classes first.
func (c *Class) Callback(name string) (CallbackFunc, bool) {
	for cur := c; cur != nil; cur = cur.Parent {
		if fn, ok := cur.Callbacks[name]; ok {
			return fn, true
		}
	}
	return nil, false
}
