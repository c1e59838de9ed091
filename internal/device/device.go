// Package device provides simulated boundary devices that produce data
// through an executor: a single random digital channel and a two-channel
// random digital port.
package device

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/HyphaGroup/remora/internal/executor"
	"github.com/HyphaGroup/remora/internal/object"
	"github.com/HyphaGroup/remora/internal/registry"
)

// EventDataUpdate fires after a device's data has been updated, even when
// the values are unchanged.
const EventDataUpdate = "on_data_update"

// DeviceClass is the abstract base of every device.
var DeviceClass = &object.Class{
	Name:        "device.Device",
	ConfigProps: []string{"name"},
	LoggedNames: []string{"timestamp", EventDataUpdate},
	Events:      []string{EventDataUpdate},
}

// DigitalChannelClass is the abstract single digital channel.
var DigitalChannelClass = &object.Class{
	Name:        "device.DigitalChannel",
	Parent:      DeviceClass,
	LoggedNames: []string{"state"},
}

// DigitalPortClass is the abstract multi-channel digital port.
var DigitalPortClass = &object.Class{
	Name:   "device.DigitalPort",
	Parent: DeviceClass,
}

// Register adds the concrete device classes to catalog.
func Register(catalog *registry.Catalog) error {
	for _, class := range []*object.Class{RandomDigitalChannelClass, RandomDigitalPortClass} {
		if err := catalog.Register(class); err != nil {
			return err
		}
	}
	return nil
}

// Timestamp returns the monotonic clock in seconds.
func Timestamp() float64 {
	return float64(executor.Now()) / 1e9
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int64:
		return float64(n), nil
	case int:
		return float64(n), nil
	}
	return 0, fmt.Errorf("device: timestamp wants a number, got %T", v)
}

// pair splits a (value, timestamp) method result.
func pair(v any) (any, float64, error) {
	list, ok := v.([]any)
	if !ok || len(list) != 2 {
		return nil, 0, fmt.Errorf("device: want [value, timestamp], got %v", v)
	}
	ts, err := toFloat(list[1])
	if err != nil {
		return nil, 0, err
	}
	return list[0], ts, nil
}

func randomState() bool {
	return rand.Float64() >= 0.5
}

// ReadState makes obj read its state through its executor.
func ReadState(ctx context.Context, obj object.Referenceable) error {
	_, err := executor.Apply(ctx, obj, readMethod(obj), object.Args{})
	return err
}

func readMethod(obj object.Referenceable) string {
	if _, ok := obj.Class().Method("get_channels_value"); ok {
		return "get_channels_value"
	}
	return "get_state_value"
}
