package api

import "net"

// ClientHandle is the client-facing side of a Connection, implemented
// externally. The core only ever calls these three methods; it never reaches
// into a concrete socket or synthetic-client implementation.
type ClientHandle interface {
	// OnConnect is called once the upstream socket is available, before any
	// handshake bytes are forwarded.
	OnConnect(upstream net.Conn)
	// OnData delivers bytes the core wants forwarded to the client (either
	// raw handshake bytes or a framed, dispatched steady-state message).
	OnData(b []byte)
	// Close releases whatever resource backs this handle (a socket, or
	// nothing at all for a synthetic client). Idempotent.
	Close() error
}
