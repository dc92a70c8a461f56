package dbus_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coredesk/dbus"
	"github.com/coredesk/dbus/dbustest"
	"github.com/coredesk/dbus/reactor"
)

// connect attaches a new client to the test bus and pumps it from a
// background goroutine, standing in for an application's dispatch
// loop.
func connect(t *testing.T, bus *dbustest.Bus) *dbus.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := dbus.Connect(ctx, bus.Address())
	if err != nil {
		t.Fatalf("connecting to test bus: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	go func() {
		for {
			if alive, _ := conn.Transport().ReadWriteDispatch(50 * time.Millisecond); !alive {
				return
			}
		}
	}()
	return conn
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// barrier performs one daemon round-trip, guaranteeing the daemon
// has processed everything the connection sent before it.
func barrier(t *testing.T, c *dbus.Conn) {
	t.Helper()
	if _, err := c.NameHasOwner(ctxT(t), "org.example.Nonexistent"); err != nil {
		t.Fatalf("barrier round-trip: %v", err)
	}
}

func TestHelloAssignsUniqueName(t *testing.T) {
	bus := dbustest.New(t)
	a := connect(t, bus)
	b := connect(t, bus)
	if a.LocalName() == "" || b.LocalName() == "" {
		t.Fatal("connection has no unique name after Hello")
	}
	if a.LocalName() == b.LocalName() {
		t.Fatalf("both connections got %s", a.LocalName())
	}
}

func TestRequestNameLifecycle(t *testing.T) {
	bus := dbustest.New(t)
	a := connect(t, bus)
	b := connect(t, bus)

	name, err := a.RequestName("org.test.A", 0)
	if err != nil {
		t.Fatalf("first RequestName: %v", err)
	}
	if !name.PrimaryOwner() {
		t.Error("first claim not primary owner")
	}

	if _, err := a.RequestName("org.test.A", 0); !errors.Is(err, dbus.ErrAlreadyOwner) {
		t.Errorf("second RequestName by owner = %v, want ErrAlreadyOwner", err)
	}
	if _, err := b.RequestName("org.test.A", 0); !errors.Is(err, dbus.ErrAlreadyOwned) {
		t.Errorf("RequestName by other peer = %v, want ErrAlreadyOwned", err)
	}

	owned, err := b.NameHasOwner(ctxT(t), "org.test.A")
	if err != nil || !owned {
		t.Errorf("NameHasOwner = %v, %v", owned, err)
	}
	owner, err := b.GetNameOwner(ctxT(t), "org.test.A")
	if err != nil || owner != a.LocalName() {
		t.Errorf("GetNameOwner = %q, %v, want %q", owner, err, a.LocalName())
	}

	if err := name.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := name.Release(); err != nil {
		t.Errorf("second Release = %v, want nil", err)
	}
	if owned, _ := b.NameHasOwner(ctxT(t), "org.test.A"); owned {
		t.Error("name still owned after release")
	}

	// A released name is free again: another peer can claim it and
	// release it as its owner.
	ghost, err := b.RequestName("org.test.Ghost", 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := ghost.Release(); err != nil {
		t.Fatal(err)
	}
	again, err := a.RequestName("org.test.Ghost", 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := again.Release(); err != nil {
		t.Errorf("release by owner = %v", err)
	}
}

func TestBlockingPing(t *testing.T) {
	bus := dbustest.New(t)
	a := connect(t, bus)
	b := connect(t, bus)

	if err := a.Peer(b.LocalName()).Ping(ctxT(t)); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestMethodCallRoundTrip(t *testing.T) {
	bus := dbustest.New(t)
	srv := connect(t, bus)
	cli := connect(t, bus)

	obj, err := srv.Export("/org/test/echo")
	if err != nil {
		t.Fatal(err)
	}
	obj.Handle("org.test.Echo", "Upper", func(_ context.Context, _ dbus.ObjectPath, s string) (string, error) {
		if s == "boom" {
			return "", errors.New("kaboom")
		}
		return s + s, nil
	})

	iface := cli.Peer(srv.LocalName()).Object("/org/test/echo").Interface("org.test.Echo")
	var got string
	if err := iface.Call(ctxT(t), "Upper", "ab", &got); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got != "abab" {
		t.Errorf("Upper returned %q", got)
	}

	var ce dbus.CallError
	err = iface.Call(ctxT(t), "Upper", "boom", new(string))
	if !errors.As(err, &ce) || ce.Detail != "kaboom" {
		t.Errorf("handler error surfaced as %v", err)
	}

	// Dispatch misses map to the protocol's error names.
	err = iface.Call(ctxT(t), "NoSuchMethod", nil)
	if !errors.As(err, &ce) || ce.Name != "org.freedesktop.DBus.Error.UnknownMethod" {
		t.Errorf("unknown member error = %v", err)
	}
	err = cli.Peer(srv.LocalName()).Object("/org/test/echo").Interface("org.test.Nope").Call(ctxT(t), "X", nil)
	if !errors.As(err, &ce) || ce.Name != "org.freedesktop.DBus.Error.UnknownInterface" {
		t.Errorf("unknown interface error = %v", err)
	}
	err = cli.Peer(srv.LocalName()).Object("/where").Interface("org.test.Echo").Call(ctxT(t), "Upper", "x")
	if !dbus.IsUnknownObject(err) {
		t.Errorf("unknown object error = %v", err)
	}
}

func TestAsyncCallTimeout(t *testing.T) {
	bus := dbustest.New(t)
	srv := connect(t, bus)
	cli := connect(t, bus)

	obj, err := srv.Export("/org/test/tarpit")
	if err != nil {
		t.Fatal(err)
	}
	// A handler that accepts the call and never replies.
	obj.HandleRaw("org.test.Tarpit", "Hang", func(*dbus.Message) (*dbus.Message, error) {
		return nil, nil
	})

	msg := dbus.NewMethodCall(srv.LocalName(), "/org/test/tarpit", "org.test.Tarpit", "Hang")
	start := time.Now()
	pc, err := cli.CallAsync(msg, 150*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-pc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("pending call never timed out")
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("timed out after only %v", elapsed)
	}
	if pc.State() != dbus.CallTimedOut {
		t.Errorf("state = %v, want timed out", pc.State())
	}
	if _, err := pc.Reply(); !errors.Is(err, dbus.ErrTimeout) {
		t.Errorf("Reply error = %v, want ErrTimeout", err)
	}
	// Cancelling after completion is a no-op.
	pc.Cancel()
	if pc.State() != dbus.CallTimedOut {
		t.Errorf("cancel after timeout flipped state to %v", pc.State())
	}

	// The connection is still usable.
	if err := cli.Peer(srv.LocalName()).Ping(ctxT(t)); err != nil {
		t.Errorf("Ping after timeout: %v", err)
	}
}

func TestSignalFanoutEndToEnd(t *testing.T) {
	bus := dbustest.New(t)
	emitter := connect(t, bus)
	watcher := connect(t, bus)

	obj, err := emitter.Export("/foo")
	if err != nil {
		t.Fatal(err)
	}

	got := make(chan string, 16)
	var subA *dbus.Subscription
	subA, err = watcher.Subscribe(
		dbus.MatchSignal("iface.I", "Changed").Object("/foo"),
		func(*dbus.Message) {
			got <- "a"
			subA.Remove() // must not disturb this delivery round
		})
	if err != nil {
		t.Fatal(err)
	}
	_, err = watcher.Subscribe(
		dbus.MatchSignal("iface.I", "Changed").Object("/foo"),
		func(*dbus.Message) { got <- "b" })
	if err != nil {
		t.Fatal(err)
	}
	barrier(t, watcher)

	if err := obj.Emit("iface.I", "Changed", "payload"); err != nil {
		t.Fatal(err)
	}

	want := map[string]int{}
	for range 2 {
		select {
		case s := <-got:
			want[s]++
		case <-time.After(5 * time.Second):
			t.Fatalf("only %v deliveries arrived", want)
		}
	}
	if want["a"] != 1 || want["b"] != 1 {
		t.Fatalf("deliveries = %v, want exactly one each", want)
	}

	// Second emission: only the surviving subscriber hears it.
	if err := obj.Emit("iface.I", "Changed", "payload"); err != nil {
		t.Fatal(err)
	}
	select {
	case s := <-got:
		if s != "b" {
			t.Errorf("removed subscriber %q still delivered", s)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("second emission never arrived")
	}
	select {
	case s := <-got:
		t.Errorf("unexpected extra delivery to %q", s)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestPropertyRoundTrip(t *testing.T) {
	bus := dbustest.New(t)
	srv := connect(t, bus)
	cli := connect(t, bus)

	obj, err := srv.Export("/obj")
	if err != nil {
		t.Fatal(err)
	}
	if err := obj.ExportProperty("org.test.I", "P", uint32(0), true); err != nil {
		t.Fatal(err)
	}

	iface := cli.Peer(srv.LocalName()).Object("/obj").Interface("org.test.I")
	prop := dbus.NewProperty[uint32](iface, "P", dbus.PropertyOptions{Writable: true})

	if err := prop.Set(ctxT(t), 42); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, err := prop.Get(ctxT(t))
	if err != nil || v != 42 {
		t.Fatalf("Get after Set = %v, %v", v, err)
	}

	changes := make(chan uint32, 16)
	if err := prop.Watch(func(v uint32) { changes <- v }); err != nil {
		t.Fatal(err)
	}
	barrier(t, cli)

	// A remote update lands in the cache and fires the notification
	// exactly once.
	if err := obj.SetProperty("org.test.I", "P", uint32(7)); err != nil {
		t.Fatal(err)
	}
	select {
	case v := <-changes:
		if v != 7 {
			t.Errorf("change notification carried %v, want 7", v)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("change notification never fired")
	}
	v, err = prop.Get(ctxT(t))
	if err != nil || v != 7 {
		t.Errorf("Get after remote change = %v, %v, want 7", v, err)
	}
	select {
	case v := <-changes:
		t.Errorf("extra change notification %v", v)
	case <-time.After(200 * time.Millisecond):
	}

	// An invalidation also notifies (with the zero value), marks the
	// cache stale, and forces the next Get back onto the bus.
	if err := obj.ExportProperty("org.test.I", "P", uint32(99), true); err != nil {
		t.Fatal(err) // re-export updates the value without broadcasting it
	}
	if err := obj.InvalidateProperty("org.test.I", "P"); err != nil {
		t.Fatal(err)
	}
	select {
	case v := <-changes:
		if v != 0 {
			t.Errorf("invalidation notification carried %v, want zero value", v)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("invalidation notification never fired")
	}
	v, err = prop.Get(ctxT(t))
	if err != nil || v != 99 {
		t.Errorf("Get after invalidation = %v, %v, want 99 via round-trip", v, err)
	}

	// Read-only enforcement happens locally.
	ro := dbus.NewProperty[uint32](iface, "P", dbus.PropertyOptions{})
	if err := ro.Set(ctxT(t), 1); !errors.Is(err, dbus.ErrReadOnly) {
		t.Errorf("Set on read-only property = %v, want ErrReadOnly", err)
	}
}

func TestServerRejectsReadOnlySet(t *testing.T) {
	bus := dbustest.New(t)
	srv := connect(t, bus)
	cli := connect(t, bus)

	obj, err := srv.Export("/obj")
	if err != nil {
		t.Fatal(err)
	}
	if err := obj.ExportProperty("org.test.I", "Fixed", "const", false); err != nil {
		t.Fatal(err)
	}

	iface := cli.Peer(srv.LocalName()).Object("/obj").Interface("org.test.I")
	err = iface.SetProperty(ctxT(t), "Fixed", "mut")
	var ce dbus.CallError
	if !errors.As(err, &ce) || ce.Name != "org.freedesktop.DBus.Error.PropertyReadOnly" {
		t.Errorf("server Set on read-only property = %v", err)
	}

	var got string
	if err := iface.GetProperty(ctxT(t), "Fixed", &got); err != nil || got != "const" {
		t.Errorf("GetProperty = %q, %v", got, err)
	}
	if err := iface.GetProperty(ctxT(t), "Absent", new(string)); err == nil {
		t.Error("GetProperty of unknown property succeeded")
	}
}

func TestStrayReplyIsDropped(t *testing.T) {
	bus := dbustest.New(t)
	a := connect(t, bus)
	b := connect(t, bus)

	stray := &dbus.Message{
		Kind:        dbus.KindMethodReturn,
		ReplySerial: 424242,
		Destination: a.LocalName(),
	}
	if _, err := b.Send(stray); err != nil {
		t.Fatalf("sending stray reply: %v", err)
	}

	// The stray reply matches no pending call and is silently
	// dropped; the connection stays usable.
	if err := a.Peer(b.LocalName()).Ping(ctxT(t)); err != nil {
		t.Errorf("Ping after stray reply: %v", err)
	}
}

func TestOneWayCall(t *testing.T) {
	bus := dbustest.New(t)
	srv := connect(t, bus)
	cli := connect(t, bus)

	var calls atomic.Int32
	obj, err := srv.Export("/obj")
	if err != nil {
		t.Fatal(err)
	}
	obj.HandleRaw("org.test.I", "Poke", func(*dbus.Message) (*dbus.Message, error) {
		calls.Add(1)
		return nil, nil
	})

	iface := cli.Peer(srv.LocalName()).Object("/obj").Interface("org.test.I")
	if err := iface.OneWay(ctxT(t), "Poke", nil); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if calls.Load() != 1 {
		t.Fatalf("one-way call reached the handler %d times", calls.Load())
	}
}

func TestIntrospection(t *testing.T) {
	bus := dbustest.New(t)
	srv := connect(t, bus)
	cli := connect(t, bus)

	obj, err := srv.Export("/org/test/svc")
	if err != nil {
		t.Fatal(err)
	}
	obj.Handle("org.test.Svc", "Add", func(_ context.Context, _ dbus.ObjectPath, req struct{ A, B int32 }) (int32, error) {
		return req.A + req.B, nil
	})
	obj.DeclareSignal("org.test.Svc", "Ding", "s")
	if err := obj.ExportProperty("org.test.Svc", "Count", uint32(1), false); err != nil {
		t.Fatal(err)
	}
	if _, err := srv.Export("/org/test/svc/child"); err != nil {
		t.Fatal(err)
	}

	desc, err := cli.Peer(srv.LocalName()).Object("/org/test/svc").Introspect(ctxT(t))
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	svc := desc.Interface("org.test.Svc")
	if svc == nil {
		t.Fatalf("introspection lists no org.test.Svc: %+v", desc)
	}
	if len(svc.Methods) != 1 || svc.Methods[0].Name != "Add" {
		t.Errorf("methods = %+v", svc.Methods)
	}
	wantArgs := map[string]string{"arg0": "i", "arg1": "i", "ret0": "i"}
	for _, a := range svc.Methods[0].Args {
		if wantArgs[a.Name] != a.Type {
			t.Errorf("method arg %+v", a)
		}
	}
	if len(svc.Signals) != 1 || svc.Signals[0].Name != "Ding" {
		t.Errorf("signals = %+v", svc.Signals)
	}
	if len(svc.Properties) != 1 || svc.Properties[0].Access != "read" {
		t.Errorf("properties = %+v", svc.Properties)
	}
	if desc.Interface("org.freedesktop.DBus.Introspectable") == nil {
		t.Error("standard Introspectable interface not listed")
	}
	if len(desc.Children) != 1 || desc.Children[0].Name != "child" {
		t.Errorf("children = %+v", desc.Children)
	}

	// The typed Add handler actually works.
	var sum int32
	iface := cli.Peer(srv.LocalName()).Object("/org/test/svc").Interface("org.test.Svc")
	if err := iface.Call(ctxT(t), "Add", dbus.Args(int32(2), int32(3)), &sum); err != nil {
		t.Fatal(err)
	}
	if sum != 5 {
		t.Errorf("Add = %d, want 5", sum)
	}
}

func TestObjectPathUniqueness(t *testing.T) {
	bus := dbustest.New(t)
	srv := connect(t, bus)

	if _, err := srv.Export("/obj"); err != nil {
		t.Fatal(err)
	}
	if _, err := srv.Export("/obj"); err == nil {
		t.Error("second Export on the same path succeeded")
	}
	srv.Unexport("/obj")
	if _, err := srv.Export("/obj"); err != nil {
		t.Errorf("re-export after Unexport: %v", err)
	}
}

func TestExecutorDrivenConnection(t *testing.T) {
	bus := dbustest.New(t)
	srv := connect(t, bus)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cli, err := dbus.Connect(ctx, bus.Address())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cli.Close() })

	loop, err := reactor.New()
	if err != nil {
		t.Fatal(err)
	}
	go loop.Run()
	t.Cleanup(func() {
		loop.Stop()
		loop.Wait()
		loop.Close()
	})
	if _, err := cli.InstallExecutor(loop); err != nil {
		t.Fatal(err)
	}

	// Blocking calls from an application goroutine ride the reactor.
	if err := cli.Peer(srv.LocalName()).Ping(ctxT(t)); err != nil {
		t.Fatalf("Ping over executor-bound conn: %v", err)
	}

	// Async completion runs on the loop goroutine.
	msg := dbus.NewMethodCall(srv.LocalName(), "/", "org.freedesktop.DBus.Peer", "Ping")
	pc, err := cli.CallAsync(msg, 0)
	if err != nil {
		t.Fatal(err)
	}
	onLoop := make(chan bool, 1)
	pc.OnComplete(func(*dbus.PendingCall) { onLoop <- loop.OnLoopGoroutine() })
	select {
	case v := <-onLoop:
		if !v {
			t.Error("continuation did not run on the reactor goroutine")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("async call never completed")
	}

	// Blocking from the reactor goroutine itself is refused.
	gotErr := make(chan error, 1)
	loop.Post(func() {
		gotErr <- cli.Peer(srv.LocalName()).Ping(context.Background())
	})
	select {
	case err := <-gotErr:
		if !errors.Is(err, dbus.ErrBlockingOnBoundBus) {
			t.Errorf("blocking call on loop goroutine = %v, want ErrBlockingOnBoundBus", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("posted call never returned")
	}
}

func TestSerialMonotonicity(t *testing.T) {
	bus := dbustest.New(t)
	a := connect(t, bus)

	var last uint32
	for range 10 {
		sig := dbus.NewSignal("/x", "org.test.I", "Tick")
		serial, err := a.Send(sig)
		if err != nil {
			t.Fatal(err)
		}
		if serial == 0 {
			t.Fatal("send returned serial zero")
		}
		if serial <= last {
			t.Fatalf("serial %d not greater than %d", serial, last)
		}
		last = serial
	}
}

func TestCloseFailsPendingCalls(t *testing.T) {
	bus := dbustest.New(t)
	srv := connect(t, bus)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cli, err := dbus.Connect(ctx, bus.Address())
	if err != nil {
		t.Fatal(err)
	}

	obj, err := srv.Export("/tarpit")
	if err != nil {
		t.Fatal(err)
	}
	obj.HandleRaw("org.test.I", "Hang", func(*dbus.Message) (*dbus.Message, error) {
		return nil, nil
	})

	msg := dbus.NewMethodCall(srv.LocalName(), "/tarpit", "org.test.I", "Hang")
	pc, err := cli.CallAsync(msg, -1)
	if err != nil {
		t.Fatal(err)
	}
	cli.Close()
	select {
	case <-pc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("pending call not settled by Close")
	}
	if _, err := pc.Reply(); !errors.Is(err, dbus.ErrDisconnected) {
		t.Errorf("Reply after Close = %v, want ErrDisconnected", err)
	}

	if _, err := cli.Send(dbus.NewSignal("/x", "i.F", "S")); err == nil {
		t.Error("Send on a closed connection succeeded")
	}
}
