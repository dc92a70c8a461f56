// Command dbusctl pokes at a message bus: ping peers, dump
// introspection, invoke methods, and watch signals.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/kr/pretty"

	"github.com/coredesk/dbus"
)

var globalArgs struct {
	UseSessionBus bool   `flag:"session,Connect to session bus instead of system bus"`
	Address       string `flag:"address,Connect to an explicit bus address"`
	Name          string `flag:"name,Bus name to request after connecting"`
}

func busConn(ctx context.Context) (*dbus.Conn, error) {
	var (
		conn *dbus.Conn
		err  error
	)
	switch {
	case globalArgs.Address != "":
		conn, err = dbus.Connect(ctx, globalArgs.Address)
	case globalArgs.UseSessionBus:
		conn, err = dbus.SessionBus(ctx)
	default:
		conn, err = dbus.SystemBus(ctx)
	}
	if err != nil {
		return nil, err
	}
	if globalArgs.Name != "" {
		name, err := conn.RequestName(globalArgs.Name, 0)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("requesting name %q: %w", globalArgs.Name, err)
		}
		if name.PrimaryOwner() {
			fmt.Printf("acquired name %s\n", name)
		} else {
			fmt.Printf("queued for name %s\n", name)
		}
	}
	return conn, nil
}

func main() {
	root := &command.C{
		Name:     "dbusctl",
		Usage:    "command args...",
		SetFlags: command.Flags(flax.MustBind, &globalArgs),
		Commands: []*command.C{
			{
				Name:  "ping",
				Usage: "ping <peer>",
				Help:  "Ping a peer and report the round-trip time.",
				Run:   command.Adapt(runPing),
			},
			{
				Name:  "introspect",
				Usage: "introspect <peer> [object]",
				Help:  "Dump a peer object's introspection data.",
				Run:   runIntrospect,
			},
			{
				Name:  "call",
				Usage: "call <peer> <object> <interface.Method> [string args...]",
				Help: `Invoke a method and dump its reply.

Arguments are passed as strings; methods whose signatures need other
types must be invoked programmatically.`,
				Run: runCall,
			},
			{
				Name:  "monitor",
				Usage: "monitor [interface] [member]",
				Help:  "Watch signals on the bus and print them as they arrive.",
				Run:   runMonitor,
			},
			command.HelpCommand(nil),
		},
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	env := root.NewEnv(nil).SetContext(ctx)
	command.RunOrFail(env, os.Args[1:])
}

func runPing(env *command.Env, peer string) error {
	conn, err := busConn(env.Context())
	if err != nil {
		return err
	}
	defer conn.Close()
	start := time.Now()
	if err := conn.Peer(peer).Ping(env.Context()); err != nil {
		return err
	}
	fmt.Printf("pinged %s in %v\n", peer, time.Since(start).Round(time.Microsecond))
	return nil
}

func runIntrospect(env *command.Env) error {
	if len(env.Args) < 1 || len(env.Args) > 2 {
		return env.Usagef("introspect requires a peer and an optional object path.")
	}
	path := dbus.ObjectPath("/")
	if len(env.Args) == 2 {
		path = dbus.ObjectPath(env.Args[1])
	}
	conn, err := busConn(env.Context())
	if err != nil {
		return err
	}
	defer conn.Close()
	desc, err := conn.Peer(env.Args[0]).Object(path).Introspect(env.Context())
	if err != nil {
		return err
	}
	fmt.Print(desc.String())
	return nil
}

func runCall(env *command.Env) error {
	if len(env.Args) < 3 {
		return env.Usagef("call requires a peer, an object path and a method.")
	}
	peer, object, method := env.Args[0], env.Args[1], env.Args[2]
	iface, member, ok := cutLast(method, ".")
	if !ok {
		return fmt.Errorf("method %q is not of the form interface.Member", method)
	}
	conn, err := busConn(env.Context())
	if err != nil {
		return err
	}
	defer conn.Close()

	msg := dbus.NewMethodCall(peer, dbus.ObjectPath(object), iface, member)
	for _, arg := range env.Args[3:] {
		if err := msg.Append(arg); err != nil {
			return err
		}
	}
	reply, err := conn.Call(env.Context(), msg)
	if err != nil {
		return err
	}
	var out []any
	r, err := reply.Reader()
	if err != nil {
		return err
	}
	for r.More() {
		v, err := dbus.DecodeNext(r)
		if err != nil {
			return err
		}
		out = append(out, v)
	}
	pretty.Println(out...)
	return nil
}

func runMonitor(env *command.Env) error {
	if len(env.Args) > 2 {
		return env.Usagef("monitor takes at most an interface and a member.")
	}
	conn, err := busConn(env.Context())
	if err != nil {
		return err
	}
	defer conn.Close()

	m := dbus.NewMatch()
	if len(env.Args) > 0 {
		m = m.Interface(env.Args[0])
	}
	if len(env.Args) > 1 {
		m = m.Member(env.Args[1])
	}
	sub, err := conn.Subscribe(m, func(msg *dbus.Message) {
		fmt.Printf("%s %s.%s from %s\n", time.Now().Format(time.TimeOnly),
			msg.Interface, msg.Member, msg.Path)
	})
	if err != nil {
		return err
	}
	defer sub.Remove()

	// Pump the connection until interrupted; monitor mode has no
	// blocking calls to drive it.
	for {
		select {
		case <-env.Context().Done():
			return nil
		default:
		}
		if alive, err := conn.Transport().ReadWriteDispatch(200 * time.Millisecond); !alive {
			return err
		}
	}
}

func cutLast(s, sep string) (before, after string, ok bool) {
	i := strings.LastIndex(s, sep)
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+1:], true
}
