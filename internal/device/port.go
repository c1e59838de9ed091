package device

import (
	"context"
	"fmt"

	"github.com/HyphaGroup/remora/internal/executor"
	"github.com/HyphaGroup/remora/internal/object"
)

// PortChannels are the channel attributes of a RandomDigitalPort.
var PortChannels = []string{"chan0", "chan1"}

// RandomDigitalPortClass reads random states for two channels at once.
var RandomDigitalPortClass = &object.Class{
	Name:        "device.RandomDigitalPort",
	Parent:      DigitalPortClass,
	LoggedNames: PortChannels,
	Methods: []object.Method{
		{Name: "get_channels_value", Fn: getChannelsValue, Callback: "executor_callback"},
		{Name: "set_channels_value", Fn: setChannelsValue, Callback: "executor_callback"},
	},
	Callbacks: map[string]object.CallbackFunc{
		"executor_callback": portCallback,
	},
}

// RandomDigitalPort is a two-channel digital port.
type RandomDigitalPort struct {
	object.Base
}

func init() {
	RandomDigitalPortClass.New = func(name string, _ object.Args) (object.Referenceable, error) {
		return NewRandomDigitalPort(name), nil
	}
}

func NewRandomDigitalPort(name string) *RandomDigitalPort {
	p := &RandomDigitalPort{}
	p.Init(p, RandomDigitalPortClass, name, map[string]any{
		"chan0":     nil,
		"chan1":     nil,
		"timestamp": 0.0,
	})
	return p
}

func getChannelsValue(context.Context, object.Referenceable, object.Args) (any, error) {
	values := make([]any, len(PortChannels))
	for i := range values {
		values[i] = randomState()
	}
	return []any{values, Timestamp()}, nil
}

// setChannelsValue takes the new states as keyword arguments named after
// the channels.
func setChannelsValue(_ context.Context, _ object.Referenceable, args object.Args) (any, error) {
	values := make(map[string]any, len(args.Keyword))
	for name, v := range args.Keyword {
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("device: channel %s wants a bool, got %T", name, v)
		}
		values[name] = b
	}
	return []any{values, Timestamp()}, nil
}

func portCallback(obj object.Referenceable, value any) error {
	values, ts, err := pair(value)
	if err != nil {
		return err
	}
	switch v := values.(type) {
	case []any:
		for i, name := range PortChannels {
			if i < len(v) {
				if err := obj.SetAttr(name, v[i]); err != nil {
					return err
				}
			}
		}
	case map[string]any:
		for name, state := range v {
			if err := obj.SetAttr(name, state); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("device: channel values want a list or object, got %T", values)
	}
	if err := obj.SetAttr("timestamp", ts); err != nil {
		return err
	}
	return obj.Dispatch(EventDataUpdate)
}

// WriteStates sets the named port channels through obj's executor.
func WriteStates(ctx context.Context, obj object.Referenceable, states map[string]bool) error {
	args := object.Args{Keyword: make(map[string]any, len(states))}
	for name, state := range states {
		args.Keyword[name] = state
	}
	_, err := executor.Apply(ctx, obj, "set_channels_value", args)
	return err
}
