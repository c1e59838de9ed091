package executor

import (
	"fmt"
	"sort"
	"sync"
)

// Kind names an executor backend.
type Kind string

const (
	KindNone       Kind = ""
	KindThreadPool Kind = "threadpool"
	KindDedicated  Kind = "dedicated"
)

// Constructor builds a fresh, unstarted executor named name.
type Constructor func(name string) Executor

// Factory creates executors by kind. Backends live in subpackages that
// import this one, so callers register them explicitly at startup.
type Factory struct {
	mu           sync.RWMutex
	constructors map[Kind]Constructor
}

// NewFactory creates an empty factory.
func NewFactory() *Factory {
	return &Factory{constructors: make(map[Kind]Constructor)}
}

// Register adds the constructor for kind.
func (f *Factory) Register(kind Kind, c Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[kind] = c
}

// New returns a new executor of kind. KindNone yields nil.
func (f *Factory) New(kind Kind, name string) (Executor, error) {
	if kind == KindNone {
		return nil, nil
	}
	f.mu.RLock()
	c, ok := f.constructors[kind]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("executor: unknown kind %q (registered: %v)", kind, f.Kinds())
	}
	return c(name), nil
}

// Kinds returns the registered kinds, sorted.
func (f *Factory) Kinds() []Kind {
	f.mu.RLock()
	defer f.mu.RUnlock()
	kinds := make([]Kind, 0, len(f.constructors))
	for k := range f.constructors {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
