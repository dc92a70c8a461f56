// Package dbus implements a client and server library for the
// desktop message bus.
//
// A [Conn] attaches a process to a bus. Through it, a process can own
// well-known names ([Conn.RequestName]), call methods on remote
// objects ([Peer], [RemoteObject], [Interface]), export local objects
// that answer methods and emit signals ([Conn.Export], [Object]),
// observe signals by pattern ([Conn.Subscribe], [Match]), and read
// and watch typed properties ([Property]).
//
// # Driving a connection
//
// A connection makes progress when it is dispatched. There are two
// ways to arrange that:
//
//   - Install an executor: [Conn.InstallExecutor] plugs the
//     connection's transport watches and timeouts into a
//     [reactor.Loop]. All I/O, signal fan-out, method handlers, and
//     pending-call completions then run on the loop's goroutine.
//   - Use blocking calls: without an executor, [Conn.Call] pumps the
//     connection from the calling goroutine until its reply arrives,
//     the way libdbus's blocking mode does.
//
// A blocking call issued from the reactor goroutine of an
// executor-bound connection would deadlock the dispatch it depends
// on, and fails with [ErrBlockingOnBoundBus].
//
// # Values on the wire
//
// Argument payloads are built either through the reflective helpers
// ([Message.Append], [Message.Unmarshal]), which derive wire
// signatures from Go types, or explicitly through the cursor API in
// package wire. uint8/16/32/64, int16/32/64, float64, bool and
// string map to the corresponding basic types; slices map to arrays,
// maps to dict arrays, structs to wire structs; [Signature],
// [ObjectPath], [UnixFd] and [Variant] map to their own wire types;
// any-typed values travel as variants.
package dbus
