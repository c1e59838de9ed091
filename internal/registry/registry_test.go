package registry

import (
	"errors"
	"testing"

	"github.com/HyphaGroup/remora/internal/object"
)

type counter struct {
	object.Base
}

var counterClass = &object.Class{
	Name:        "Counter",
	ConfigProps: []string{"name", "step"},
	LoggedNames: []string{"count"},
}

func init() {
	counterClass.New = func(name string, args object.Args) (object.Referenceable, error) {
		c := &counter{}
		c.Init(c, counterClass, name, map[string]any{"step": 1.0, "count": 0.0})
		return c, nil
	}
}

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	catalog := NewCatalog()
	if err := catalog.Register(counterClass); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return New(catalog)
}

func TestRegisterValidates(t *testing.T) {
	catalog := NewCatalog()
	bad := &object.Class{Name: "Bad", LoggedNames: []string{"missing"}}
	bad.New = func(name string, args object.Args) (object.Referenceable, error) {
		c := &counter{}
		c.Init(c, bad, name, nil)
		return c, nil
	}
	if err := catalog.Register(bad); !errors.Is(err, object.ErrMissingAttr) {
		t.Errorf("Register(bad) error = %v, want ErrMissingAttr", err)
	}
	if err := catalog.Register(counterClass); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := catalog.Register(counterClass); !errors.Is(err, ErrDuplicateClass) {
		t.Errorf("second Register() error = %v", err)
	}
}

func TestCreateInstance(t *testing.T) {
	reg := newRegistry(t)

	obj, created, err := reg.CreateInstance("Counter", object.Args{}, map[string]any{"name": "c1", "step": 2.0})
	if err != nil || !created {
		t.Fatalf("CreateInstance() = %v, %v", created, err)
	}
	if obj.Name() != "c1" {
		t.Errorf("Name() = %q", obj.Name())
	}
	if v, _ := obj.Attr("step"); v != 2.0 {
		t.Errorf("step = %v, want 2", v)
	}
	if obj.HashVal() != object.Hash("Counter", "c1") {
		t.Error("hash does not match class and name")
	}

	again, created, err := reg.CreateInstance("Counter", object.Args{}, map[string]any{"name": "c1", "step": 9.0})
	if err != nil || created {
		t.Fatalf("colliding CreateInstance() = %v, %v", created, err)
	}
	if again != obj {
		t.Error("colliding create must return the existing instance")
	}
	if v, _ := obj.Attr("step"); v != 2.0 {
		t.Errorf("colliding create changed step to %v", v)
	}
}

func TestCreateUnknownClass(t *testing.T) {
	reg := newRegistry(t)
	if _, _, err := reg.CreateInstance("Nope", object.Args{}, nil); !errors.Is(err, ErrUnknownClass) {
		t.Errorf("CreateInstance(Nope) error = %v", err)
	}
}

func TestDeleteInstance(t *testing.T) {
	reg := newRegistry(t)
	obj, _, _ := reg.CreateInstance("Counter", object.Args{}, map[string]any{"name": "c1"})

	got, err := reg.DeleteInstance(obj.HashVal())
	if err != nil || got != obj {
		t.Fatalf("DeleteInstance() = %v, %v", got, err)
	}
	if _, err := reg.DeleteInstance(obj.HashVal()); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteInstance() error = %v", err)
	}
}

func TestAddRemoveInstance(t *testing.T) {
	reg := newRegistry(t)
	a, _ := counterClass.New("a", object.Args{})
	dup, _ := counterClass.New("a", object.Args{})

	if !reg.AddInstance(a) || !reg.AddInstance(a) {
		t.Fatal("AddInstance of the same object should succeed")
	}
	if reg.AddInstance(dup) {
		t.Error("AddInstance of a different object with the same hash should fail")
	}
	reg.RemoveInstance(dup)
	if _, ok := reg.Lookup(a.HashVal()); !ok {
		t.Error("RemoveInstance of a non-registered twin removed the original")
	}
	reg.RemoveInstance(a)
	if reg.Len() != 0 {
		t.Errorf("Len() = %d, want 0", reg.Len())
	}
}
