package device

import (
	"context"
	"testing"
	"time"

	"github.com/HyphaGroup/remora/internal/executor"
	"github.com/HyphaGroup/remora/internal/object"
	"github.com/HyphaGroup/remora/internal/registry"
)

func TestRegister(t *testing.T) {
	catalog := registry.NewCatalog()
	if err := Register(catalog); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	want := []string{"device.RandomDigitalChannel", "device.RandomDigitalPort"}
	got := catalog.Names()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("Names() = %v, want %v", got, want)
	}
}

func TestChannelReadState(t *testing.T) {
	ctx := context.Background()
	c := NewRandomDigitalChannel("ch")
	updates := 0
	c.Subscribe(EventDataUpdate, func(object.Referenceable, string, any) { updates++ })

	if c.State() != nil {
		t.Fatalf("initial state = %v, want nil", c.State())
	}
	if err := ReadState(ctx, c); err != nil {
		t.Fatalf("ReadState() error = %v", err)
	}
	if _, ok := c.State().(bool); !ok {
		t.Errorf("state = %#v, want a bool", c.State())
	}
	first := c.Timestamp()

	time.Sleep(time.Millisecond)
	if err := ReadState(ctx, c); err != nil {
		t.Fatal(err)
	}
	if c.Timestamp() <= first {
		t.Errorf("timestamp %v did not increase past %v", c.Timestamp(), first)
	}
	if updates != 2 {
		t.Errorf("on_data_update fired %d times, want 2", updates)
	}
}

func TestChannelWriteState(t *testing.T) {
	c := NewRandomDigitalChannel("ch")
	for _, state := range []bool{true, false, true} {
		if err := WriteState(context.Background(), c, state); err != nil {
			t.Fatalf("WriteState(%v) error = %v", state, err)
		}
		if c.State() != state {
			t.Errorf("state = %v, want %v", c.State(), state)
		}
	}
}

func TestChannelSampleStates(t *testing.T) {
	c := NewRandomDigitalChannel("ch")
	n := 0
	for v, err := range executor.ApplyGenerator(context.Background(), c, "sample_states", object.NewArgs(5)) {
		if err != nil {
			t.Fatalf("sample_states error = %v", err)
		}
		if _, _, err := pair(v); err != nil {
			t.Errorf("sample %v: %v", v, err)
		}
		n++
	}
	if n != 5 {
		t.Errorf("got %d samples, want 5", n)
	}
	if _, ok := c.State().(bool); !ok {
		t.Error("callback did not store the sampled state")
	}
}

func TestPort(t *testing.T) {
	ctx := context.Background()
	p := NewRandomDigitalPort("port")
	if err := ReadState(ctx, p); err != nil {
		t.Fatalf("ReadState() error = %v", err)
	}
	for _, name := range PortChannels {
		if v, _ := p.Attr(name); v == nil {
			t.Errorf("%s not set after read", name)
		}
	}

	if err := WriteStates(ctx, p, map[string]bool{"chan0": true, "chan1": false}); err != nil {
		t.Fatalf("WriteStates() error = %v", err)
	}
	if v, _ := p.Attr("chan0"); v != true {
		t.Errorf("chan0 = %v, want true", v)
	}
	if v, _ := p.Attr("chan1"); v != false {
		t.Errorf("chan1 = %v, want false", v)
	}
}

func TestCallbackRejectsBadValue(t *testing.T) {
	c := NewRandomDigitalChannel("ch")
	tests := []struct {
		name  string
		value any
	}{
		{"not a pair", "x"},
		{"short", []any{true}},
		{"state not bool", []any{"on", 1.0}},
		{"timestamp not number", []any{true, "now"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := channelCallback(c, tt.value); err == nil {
				t.Errorf("channelCallback(%v) should fail", tt.value)
			}
		})
	}
}
