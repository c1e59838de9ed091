// Package registry maps object hashes to live instances and class names to
// the constructors that can create them.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/HyphaGroup/remora/internal/object"
)

var (
	ErrUnknownClass   = errors.New("registry: unknown class")
	ErrDuplicateClass = errors.New("registry: class already registered")
	ErrNotFound       = errors.New("registry: object not found")
)

// Catalog holds the classes that can be instantiated by name.
type Catalog struct {
	mu      sync.RWMutex
	classes map[string]*object.Class
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{classes: make(map[string]*object.Class)}
}

// Register adds class to the catalog. A prototype instance is built and
// checked so that every declared config prop and logged name exists.
func (c *Catalog) Register(class *object.Class) error {
	if class.New == nil {
		return fmt.Errorf("registry: class %s has no constructor", class.Name)
	}
	proto, err := class.New("", object.Args{})
	if err != nil {
		return fmt.Errorf("registry: prototype %s: %w", class.Name, err)
	}
	if err := object.Validate(proto); err != nil {
		return fmt.Errorf("registry: register %s: %w", class.Name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.classes[class.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateClass, class.Name)
	}
	c.classes[class.Name] = class
	return nil
}

// MustRegister is Register for package-level setup; it panics on error.
func (c *Catalog) MustRegister(classes ...*object.Class) {
	for _, class := range classes {
		if err := c.Register(class); err != nil {
			panic(err)
		}
	}
}

// Lookup returns the class registered under name.
func (c *Catalog) Lookup(name string) (*object.Class, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	class, ok := c.classes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClass, name)
	}
	return class, nil
}

// Names returns the registered class names, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.classes))
	for name := range c.classes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Registry holds at most one live instance per hash.
type Registry struct {
	catalog *Catalog

	mu        sync.RWMutex
	instances map[string]object.Referenceable
}

// New creates a registry that instantiates classes from catalog.
func New(catalog *Catalog) *Registry {
	return &Registry{
		catalog:   catalog,
		instances: make(map[string]object.Referenceable),
	}
}

// Catalog returns the class catalog backing the registry.
func (r *Registry) Catalog() *Catalog {
	return r.catalog
}

func instanceName(args object.Args, config map[string]any) string {
	if name, ok := config["name"].(string); ok {
		return name
	}
	if name, ok := args.Keyword["name"].(string); ok {
		return name
	}
	return ""
}

// CreateInstance builds an instance of clsName and applies config to it.
// When an instance with the same hash already exists it is returned
// unchanged and created is false.
func (r *Registry) CreateInstance(clsName string, args object.Args, config map[string]any) (obj object.Referenceable, created bool, err error) {
	class, err := r.catalog.Lookup(clsName)
	if err != nil {
		return nil, false, err
	}

	name := instanceName(args, config)
	hash := object.Hash(class.Name, name)

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.instances[hash]; ok {
		return existing, false, nil
	}

	obj, err = class.New(name, args)
	if err != nil {
		return nil, false, fmt.Errorf("registry: create %s: %w", clsName, err)
	}
	if err := object.ApplyConfig(obj, config); err != nil {
		return nil, false, fmt.Errorf("registry: configure %s: %w", clsName, err)
	}
	r.instances[obj.HashVal()] = obj
	return obj, true, nil
}

// DeleteInstance removes and returns the instance with hash.
func (r *Registry) DeleteInstance(hash string) (object.Referenceable, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok := r.instances[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	delete(r.instances, hash)
	return obj, nil
}

// AddInstance records a locally constructed object. It reports false if a
// different instance already holds the hash.
func (r *Registry) AddInstance(obj object.Referenceable) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.instances[obj.HashVal()]; ok {
		return existing == obj
	}
	r.instances[obj.HashVal()] = obj
	return true
}

// RemoveInstance forgets obj if it is the registered instance for its hash.
func (r *Registry) RemoveInstance(obj object.Referenceable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.instances[obj.HashVal()]; ok && existing == obj {
		delete(r.instances, obj.HashVal())
	}
}

// Lookup returns the instance registered under hash.
func (r *Registry) Lookup(hash string) (object.Referenceable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	obj, ok := r.instances[hash]
	return obj, ok
}

// Get is Lookup returning ErrNotFound for a missing hash.
func (r *Registry) Get(hash string) (object.Referenceable, error) {
	obj, ok := r.Lookup(hash)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	return obj, nil
}

// Instances returns a snapshot of the registered objects ordered by hash.
func (r *Registry) Instances() []object.Referenceable {
	r.mu.RLock()
	out := make([]object.Referenceable, 0, len(r.instances))
	for _, obj := range r.instances {
		out = append(out, obj)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].HashVal() < out[j].HashVal() })
	return out
}

// Len returns the number of registered instances.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}
