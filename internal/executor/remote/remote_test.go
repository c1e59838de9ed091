package remote

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/HyphaGroup/remora/internal/device"
	"github.com/HyphaGroup/remora/internal/executor"
	"github.com/HyphaGroup/remora/internal/object"
	"github.com/HyphaGroup/remora/internal/registry"
	"github.com/HyphaGroup/remora/internal/stream"
)

func newCatalog(t *testing.T) *registry.Catalog {
	t.Helper()
	catalog := registry.NewCatalog()
	if err := device.Register(catalog); err != nil {
		t.Fatalf("device.Register() error = %v", err)
	}
	return catalog
}

func startDummy(t *testing.T, d *Dummy) *Dummy {
	t.Helper()
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { d.Stop(context.Background(), true) })
	return d
}

// mirror creates a local channel bound to ex and ensures its remote twin.
func mirror(t *testing.T, ex Executor, name string) *device.RandomDigitalChannel {
	t.Helper()
	ch := device.NewRandomDigitalChannel(name)
	executor.Bind(ch, ex)
	if err := ex.EnsureRemoteInstance(context.Background(), ch, object.Args{}); err != nil {
		t.Fatalf("EnsureRemoteInstance() error = %v", err)
	}
	return ch
}

func countUpdates(obj object.Referenceable) *atomic.Int64 {
	n := &atomic.Int64{}
	obj.Subscribe(device.EventDataUpdate, func(object.Referenceable, string, any) { n.Add(1) })
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func testLoopback(t *testing.T, opts ...DummyOption) {
	ctx := context.Background()
	d := startDummy(t, NewDummy(newCatalog(t), opts...))
	ch := mirror(t, d, "rand_device")
	updates := countUpdates(ch)

	if ch.State() != nil {
		t.Fatalf("state before read = %v, want nil", ch.State())
	}
	if err := device.ReadState(ctx, ch); err != nil {
		t.Fatalf("ReadState() error = %v", err)
	}
	if _, ok := ch.State().(bool); !ok {
		t.Fatalf("state = %#v, want a bool", ch.State())
	}
	if updates.Load() != 1 {
		t.Errorf("updates = %d, want 1", updates.Load())
	}
	first := ch.Timestamp()

	time.Sleep(10 * time.Millisecond)
	if err := device.ReadState(ctx, ch); err != nil {
		t.Fatal(err)
	}
	if ch.Timestamp() <= first {
		t.Errorf("timestamp %v did not increase past %v", ch.Timestamp(), first)
	}
	if updates.Load() != 2 {
		t.Errorf("updates = %d, want 2", updates.Load())
	}

	if err := d.DeleteRemoteInstance(ctx, ch); err != nil {
		t.Fatalf("DeleteRemoteInstance() error = %v", err)
	}
	if d.Server().Registry().Len() != 0 || d.Registry().Len() != 0 {
		t.Error("instance still registered after delete")
	}
}

func TestDummyLoopback(t *testing.T) {
	testLoopback(t)
}

func TestDummyLoopbackThreadExecutor(t *testing.T) {
	testLoopback(t, UseThreadExecutor())
}

func TestDummyThreadExecutorBinding(t *testing.T) {
	d := startDummy(t, NewDummy(newCatalog(t), UseThreadExecutor()))
	ch := mirror(t, d, "threaded")

	remoteObj, ok := d.Server().Registry().Lookup(ch.HashVal())
	if !ok {
		t.Fatal("remote instance missing")
	}
	ex := executor.Of(remoteObj)
	if ex == nil || ex.Name() != "threaded" {
		t.Fatalf("remote executor = %v, want thread-pool named after the instance", ex)
	}
	if err := d.DeleteRemoteInstance(context.Background(), ch); err != nil {
		t.Fatal(err)
	}
	if executor.Of(remoteObj) != nil {
		t.Error("executor still bound after delete")
	}
}

func TestEnsureIdempotent(t *testing.T) {
	ctx := context.Background()
	d := startDummy(t, NewDummy(newCatalog(t)))
	sub := d.Server().Hub().Subscribe(stream.TypeEnsure)
	defer sub.Close()

	ch := mirror(t, d, "once")
	if err := d.EnsureRemoteInstance(ctx, ch, object.Args{}); err != nil {
		t.Fatalf("second ensure error = %v", err)
	}
	if got := d.Server().Registry().Len(); got != 1 {
		t.Errorf("remote instances = %d, want 1", got)
	}
	if got := sub.Len(); got != 1 {
		t.Errorf("ensure events = %d, want 1", got)
	}
}

func TestDeleteMissing(t *testing.T) {
	d := startDummy(t, NewDummy(newCatalog(t)))
	ch := device.NewRandomDigitalChannel("ghost")
	err := d.DeleteRemoteInstance(context.Background(), ch)
	if !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("DeleteRemoteInstance() error = %v, want ErrNotFound", err)
	}
}

func TestNotStarted(t *testing.T) {
	d := NewDummy(newCatalog(t))
	ch := device.NewRandomDigitalChannel("idle")
	err := d.EnsureRemoteInstance(context.Background(), ch, object.Args{})
	if !errors.Is(err, executor.ErrNotStarted) {
		t.Errorf("EnsureRemoteInstance() error = %v, want ErrNotStarted", err)
	}
}

func TestRemoteObjectInfo(t *testing.T) {
	ctx := context.Background()
	d := startDummy(t, NewDummy(newCatalog(t)))
	a := mirror(t, d, "a")
	mirror(t, d, "b")

	if err := device.WriteState(ctx, a, true); err != nil {
		t.Fatal(err)
	}

	config, err := d.RemoteObjectInfo(ctx, a, QueryConfig)
	if err != nil {
		t.Fatalf("RemoteObjectInfo(config) error = %v", err)
	}
	if config.(map[string]any)["name"] != "a" {
		t.Errorf("config = %v", config)
	}

	data, err := d.RemoteObjectInfo(ctx, a, QueryData)
	if err != nil {
		t.Fatalf("RemoteObjectInfo(data) error = %v", err)
	}
	m := data.(map[string]any)
	if m["state"] != true {
		t.Errorf("data = %v, want state true", m)
	}
	if _, ok := m[device.EventDataUpdate]; ok {
		t.Error("data must not include events")
	}

	all, err := d.RemoteObjects(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("RemoteObjects() = %v, want 2 entries", all)
	}

	if _, err := d.RemoteObjectInfo(ctx, a, "bogus"); !errors.Is(err, ErrBadQuery) {
		t.Errorf("bogus query error = %v, want ErrBadQuery", err)
	}
	if err := d.ApplyConfigFromRemote(ctx, a); err != nil {
		t.Errorf("ApplyConfigFromRemote() error = %v", err)
	}
}

func TestExecuteGenerator(t *testing.T) {
	d := startDummy(t, NewDummy(newCatalog(t)))
	ch := mirror(t, d, "gen")
	updates := countUpdates(ch)

	n := 0
	for _, err := range executor.ApplyGenerator(context.Background(), ch, "sample_states", object.NewArgs(3)) {
		if err != nil {
			t.Fatalf("sample_states error = %v", err)
		}
		n++
	}
	if n != 3 || updates.Load() != 3 {
		t.Errorf("values = %d, updates = %d, want 3 and 3", n, updates.Load())
	}
}

func TestEchoClock(t *testing.T) {
	d := startDummy(t, NewDummy(newCatalog(t)))
	clk, err := d.EchoClock(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if clk.PeerTime-clk.SendTime < 0 || clk.ReceiveTime-clk.PeerTime < 0 {
		t.Errorf("clock not monotonic: %+v", clk)
	}
}

func TestApplyDataFromRemote(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := startDummy(t, NewDummy(newCatalog(t)))
	b := startDummy(t, a.Peer())
	watcher := mirror(t, a, "shared")
	writer := mirror(t, b, "shared")

	live := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- a.ApplyDataFromRemote(ctx, watcher, func() { close(live) })
	}()
	<-live

	if err := device.WriteState(ctx, writer, true); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "mirrored state", func() bool { return watcher.State() == true })
	waitFor(t, "mirrored timestamp", func() bool { return watcher.Timestamp() == writer.Timestamp() })

	cancel()
	if err := <-done; err != nil {
		t.Errorf("ApplyDataFromRemote() error = %v", err)
	}
}

func TestApplyExecuteFromRemoteExcludeSelf(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := startDummy(t, NewDummy(newCatalog(t)))
	b := startDummy(t, a.Peer())
	mine := mirror(t, a, "shared")
	theirs := mirror(t, b, "shared")
	updates := countUpdates(mine)

	live := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- a.ApplyExecuteFromRemote(ctx, mine, true, func() { close(live) })
	}()
	<-live

	// One call of our own: its callback runs locally, the echo is skipped.
	if err := device.ReadState(ctx, mine); err != nil {
		t.Fatal(err)
	}
	for range 2 {
		if err := device.ReadState(ctx, theirs); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, "replayed calls", func() bool { return updates.Load() >= 3 })
	time.Sleep(20 * time.Millisecond)
	if got := updates.Load(); got != 3 {
		t.Errorf("updates = %d, want 3 (1 local + 2 replayed)", got)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("ApplyExecuteFromRemote() error = %v", err)
	}
}

func TestPacketCheck(t *testing.T) {
	var p PacketCheck
	for _, packet := range []uint64{4, 5, 6} {
		if err := p.Check(packet); err != nil {
			t.Fatalf("Check(%d) error = %v", packet, err)
		}
	}
	if err := p.Check(8); !errors.Is(err, ErrPacketGap) {
		t.Errorf("Check(8) error = %v, want ErrPacketGap", err)
	}
}

// tally declares no config props of its own.
type tally struct {
	object.Base
}

var tallyClass = &object.Class{
	Name: "test.Tally",
	Methods: []object.Method{{
		Name: "bump",
		Fn: func(_ context.Context, obj object.Referenceable, _ object.Args) (any, error) {
			n, _ := obj.Attr("count")
			next := n.(int64) + 1
			return next, obj.SetAttr("count", next)
		},
	}},
}

func init() {
	tallyClass.New = func(name string, _ object.Args) (object.Referenceable, error) {
		c := &tally{}
		c.Init(c, tallyClass, name, map[string]any{"count": int64(0)})
		return c, nil
	}
}

func TestEnsureClassWithoutConfigProps(t *testing.T) {
	ctx := context.Background()
	catalog := newCatalog(t)
	if err := catalog.Register(tallyClass); err != nil {
		t.Fatal(err)
	}
	d := startDummy(t, NewDummy(catalog))

	local, err := tallyClass.New("counter", object.Args{})
	if err != nil {
		t.Fatal(err)
	}
	executor.Bind(local, d)
	if err := d.EnsureRemoteInstance(ctx, local, object.Args{}); err != nil {
		t.Fatalf("EnsureRemoteInstance() error = %v", err)
	}

	peer, ok := d.Server().Registry().Lookup(local.HashVal())
	if !ok {
		t.Fatal("peer instance not registered under the local hash")
	}
	if peer.Name() != "counter" {
		t.Errorf("peer name = %q, want counter", peer.Name())
	}
	got, err := d.Execute(ctx, local, "bump", object.Args{}, "")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got != int64(1) {
		t.Errorf("bump = %v, want 1", got)
	}
}

func TestEnsureFailureForgetsMirror(t *testing.T) {
	d := startDummy(t, NewDummy(registry.NewCatalog()))
	ch := device.NewRandomDigitalChannel("orphan")
	err := d.EnsureRemoteInstance(context.Background(), ch, object.Args{})
	if !errors.Is(err, registry.ErrUnknownClass) {
		t.Fatalf("EnsureRemoteInstance() error = %v, want ErrUnknownClass", err)
	}
	if _, ok := d.Registry().Lookup(ch.HashVal()); ok {
		t.Error("local mirror kept after the peer refused")
	}
}
