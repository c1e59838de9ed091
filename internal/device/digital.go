package device

import (
	"context"
	"fmt"

	"github.com/HyphaGroup/remora/internal/executor"
	"github.com/HyphaGroup/remora/internal/object"
)

// RandomDigitalChannelClass reads a random boolean state.
var RandomDigitalChannelClass = &object.Class{
	Name:   "device.RandomDigitalChannel",
	Parent: DigitalChannelClass,
	Methods: []object.Method{
		{Name: "get_state_value", Fn: getStateValue, Callback: "executor_callback"},
		{Name: "set_state_value", Fn: setStateValue, Callback: "executor_callback"},
		{Name: "sample_states", Gen: sampleStates, Callback: "executor_callback"},
	},
	Callbacks: map[string]object.CallbackFunc{
		"executor_callback": channelCallback,
	},
}

// RandomDigitalChannel is a digital channel whose reads return a random
// state. Its state is nil until the first read or write.
type RandomDigitalChannel struct {
	object.Base
}

func init() {
	RandomDigitalChannelClass.New = func(name string, _ object.Args) (object.Referenceable, error) {
		return NewRandomDigitalChannel(name), nil
	}
}

func NewRandomDigitalChannel(name string) *RandomDigitalChannel {
	c := &RandomDigitalChannel{}
	c.Init(c, RandomDigitalChannelClass, name, map[string]any{
		"state":     nil,
		"timestamp": 0.0,
	})
	return c
}

// State returns the last state, or nil before any update.
func (c *RandomDigitalChannel) State() any {
	v, _ := c.Attr("state")
	return v
}

// Timestamp returns the time of the last update in seconds.
func (c *RandomDigitalChannel) Timestamp() float64 {
	v, _ := c.Attr("timestamp")
	ts, _ := toFloat(v)
	return ts
}

func getStateValue(context.Context, object.Referenceable, object.Args) (any, error) {
	return []any{randomState(), Timestamp()}, nil
}

func setStateValue(_ context.Context, _ object.Referenceable, args object.Args) (any, error) {
	state, err := args.Bool(0, "state", false)
	if err != nil {
		return nil, err
	}
	return []any{state, Timestamp()}, nil
}

func sampleStates(ctx context.Context, _ object.Referenceable, args object.Args, yield func(any) bool) error {
	n, err := args.Int(0, "n", 1)
	if err != nil {
		return err
	}
	if n < 0 {
		return fmt.Errorf("device: negative sample count %d", n)
	}
	for range n {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !yield([]any{randomState(), Timestamp()}) {
			return nil
		}
	}
	return nil
}

func channelCallback(obj object.Referenceable, value any) error {
	state, ts, err := pair(value)
	if err != nil {
		return err
	}
	if _, ok := state.(bool); !ok {
		return fmt.Errorf("device: state wants a bool, got %T", state)
	}
	if err := obj.SetAttr("state", state); err != nil {
		return err
	}
	if err := obj.SetAttr("timestamp", ts); err != nil {
		return err
	}
	return obj.Dispatch(EventDataUpdate)
}

// WriteState sets the channel state through obj's executor.
func WriteState(ctx context.Context, obj object.Referenceable, state bool) error {
	_, err := executor.Apply(ctx, obj, "set_state_value", object.NewArgs(state))
	return err
}
