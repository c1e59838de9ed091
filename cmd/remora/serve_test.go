package main

import (
	"context"
	"errors"
	"testing"

	"github.com/HyphaGroup/remora/internal/config"
	"github.com/HyphaGroup/remora/internal/device"
	"github.com/HyphaGroup/remora/internal/executor"
	"github.com/HyphaGroup/remora/internal/executor/dedicated"
	"github.com/HyphaGroup/remora/internal/executor/threadpool"
	"github.com/HyphaGroup/remora/internal/executor/remote"
	"github.com/HyphaGroup/remora/internal/object"
	"github.com/HyphaGroup/remora/internal/registry"
	"github.com/HyphaGroup/remora/internal/schedule"
	"github.com/HyphaGroup/remora/internal/stream"
)

func TestAddConfiguredPumps(t *testing.T) {
	ctx := context.Background()
	srv := remote.NewServer(registry.New(newCatalog()), stream.NewHub(0))
	runner := schedule.NewRunner(func(ctx context.Context, p *schedule.Pump) error {
		_, err := srv.Execute(ctx, remote.CallRequest{Hash: p.Hash, Method: p.Method})
		return err
	})

	tests := []struct {
		name    string
		pumps   []config.PumpConfig
		wantErr bool
	}{
		{"channel pump", []config.PumpConfig{{Class: device.RandomDigitalChannelClass.Name, Name: "ch", Method: "get_state_value", Spec: "@every 1h"}}, false},
		{"unknown class", []config.PumpConfig{{Class: "device.Nope", Name: "x", Method: "get_state_value", Spec: "@hourly"}}, true},
		{"bad spec", []config.PumpConfig{{Class: device.RandomDigitalChannelClass.Name, Name: "y", Method: "get_state_value", Spec: "whenever"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := addConfiguredPumps(ctx, srv, runner, tt.pumps)
			if (err != nil) != tt.wantErr {
				t.Fatalf("addConfiguredPumps() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	hash := object.Hash(device.RandomDigitalChannelClass.Name, "ch")
	obj, err := srv.Registry().Get(hash)
	if err != nil {
		t.Fatalf("pump object not created: %v", err)
	}
	if obj.Name() != "ch" {
		t.Errorf("name = %q, want ch", obj.Name())
	}

	pumps := runner.Pumps()
	if len(pumps) != 1 || pumps[0].Hash != hash {
		t.Fatalf("pumps = %+v", pumps)
	}
	if err := runner.Trigger(ctx, pumps[0].ID); err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}
	if _, ok := obj.(*device.RandomDigitalChannel).State().(bool); !ok {
		t.Error("pump run did not update the channel")
	}
}

func TestCheckObjectExecutor(t *testing.T) {
	factory := executor.NewFactory()
	factory.Register(executor.KindThreadPool, func(name string) executor.Executor { return threadpool.New(name) })
	factory.Register(executor.KindDedicated, func(name string) executor.Executor { return dedicated.New(name) })

	if err := checkObjectExecutor(newCatalog(), factory, executor.KindThreadPool); err != nil {
		t.Errorf("threadpool error = %v", err)
	}
	if err := checkObjectExecutor(newCatalog(), factory, executor.KindDedicated); !errors.Is(err, executor.ErrShape) {
		t.Errorf("dedicated error = %v, want ErrShape", err)
	}
}
