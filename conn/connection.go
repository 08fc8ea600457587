// Package conn implements the per-client Connection: the handshake state
// machine and the two read pumps that wire Cipher, Framer and Dispatch
// together, following the teacher's forwardEncodedPackets/
// forwardDecodedPackets goroutine-pair idiom.
package conn

import (
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/achetronic/wireproxy/api"
	"github.com/achetronic/wireproxy/catalog"
	"github.com/achetronic/wireproxy/cipher"
	"github.com/achetronic/wireproxy/dispatch"
	"github.com/achetronic/wireproxy/framer"
)

const (
	// MagicValue is the little-endian uint32 the upstream server sends as
	// the first handshake datagram.
	MagicValue = 1

	// Debug/info/warn message templates, in the teacher's named-constant idiom.
	HandshakeMagicDebugMessage      = "handshake: magic accepted, awaiting server key 0"
	HandshakeKey0DebugMessage       = "handshake: server key 0 installed, awaiting server key 1"
	HandshakeKey1DebugMessage       = "handshake: server key 1 installed, cipher established"
	MalformedHandshakeDropMessage   = "handshake: dropping malformed %s datagram"
	MalformedHandshakeCloseMessage  = "handshake: closing connection on malformed %s datagram (strict mode)"
	CipherInstallErrorMessage       = "cipher: failed installing %s key half %d: %v"
	CipherInitErrorMessage          = "cipher: init failed: %v"
	CipherApplyErrorMessage         = "cipher: %s transform failed: %v"
	FramerShortMessageErrorMessage  = "framer: closing connection after short message: %v"
	UpstreamWriteErrorMessage       = "upstream write failed: %v"
	ClientCloseErrorMessage         = "client handle close failed: %v"
	UpstreamCloseErrorMessage       = "upstream close failed: %v"
	ConnectionClosedMessage         = "connection closed"
	SetClientKeyIllegalStateMessage = "conn: SetClientKey called in state %s"
)

// HandshakeState is the Connection's position in the four-state machine
// driven by bytes arriving from the upstream server.
type HandshakeState int

const (
	AwaitMagic HandshakeState = iota
	AwaitServerKey0
	AwaitServerKey1
	Established
	Closed
)

func (s HandshakeState) String() string {
	switch s {
	case AwaitMagic:
		return "await-magic"
	case AwaitServerKey0:
		return "await-server-key-0"
	case AwaitServerKey1:
		return "await-server-key-1"
	case Established:
		return "established"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Metrics are the in-memory, per-connection counters supplementing the
// distilled core with basic operability (§10.5): no persistence, just
// numbers logged at Close.
type Metrics struct {
	MessagesIn    uint64
	MessagesOut   uint64
	BytesIn       uint64
	BytesOut      uint64
	SilencedCount uint64
}

// Builder renormalises a buffer's framing for a specific platform variant
// before it is encrypted and written upstream. Out of scope (§1): the
// default builder is the identity function.
type Builder func(buf []byte) []byte

func identityBuilder(buf []byte) []byte { return buf }

// Metadata is the protocol-generation/version/platform information every
// Connection carries, per §3. This proxy never negotiates these over the
// wire; they are stamped from the listener's own ProtocolConfig at accept
// time, since one listener targets exactly one game protocol generation.
type Metadata struct {
	Generation   int
	MajorVersion int
	MinorVersion int
	PlatformTag  string
}

// Connection owns one upstream socket and one client-facing handle. It is
// created on accept and transitions to Closed terminally, releasing every
// subcomponent it owns. The handshake state machine is driven exclusively
// by FeedFromServer; client-supplied key halves reach the cipher session
// through the independent SetClientKey entry point, since the client's own
// handshake cadence is not expressed in this core's state table (§4.5).
type Connection struct {
	ID       uuid.UUID
	metadata Metadata
	logger   *zap.SugaredLogger

	upstream net.Conn

	catalogue *catalog.Catalogue
	engine    *dispatch.Engine
	cipher    *cipher.Session
	tagger    *cipher.Tagger

	serverFramer *framer.Framer
	clientFramer *framer.Framer

	builder         Builder
	strictHandshake bool

	mu     sync.Mutex
	state  HandshakeState
	client api.ClientHandle

	closeOnce sync.Once
	metrics   Metrics
}

// Config groups the collaborators a Connection needs at construction. They
// are all owned exclusively by the resulting Connection for its lifetime.
type Config struct {
	Logger          *zap.SugaredLogger
	Upstream        net.Conn
	Client          api.ClientHandle
	Catalogue       *catalog.Catalogue
	Engine          *dispatch.Engine
	CipherPrimitive api.CipherPrimitive
	// Tagger may be nil: generations below the listener's TaggerThreshold
	// carry no integrity tagger at all, per §4.3.
	Tagger          *cipher.Tagger
	LengthField     framer.LengthField
	StrictHandshake bool
	Builder         Builder
	Metadata        Metadata
}

// New constructs a Connection in state AwaitMagic and calls client.OnConnect.
func New(cfg Config) *Connection {
	builder := cfg.Builder
	if builder == nil {
		builder = identityBuilder
	}

	c := &Connection{
		ID:              uuid.New(),
		metadata:        cfg.Metadata,
		logger:          cfg.Logger,
		upstream:        cfg.Upstream,
		catalogue:       cfg.Catalogue,
		engine:          cfg.Engine,
		cipher:          cipher.New(cfg.CipherPrimitive),
		tagger:          cfg.Tagger,
		serverFramer:    framer.New(cfg.LengthField),
		clientFramer:    framer.New(cfg.LengthField),
		builder:         builder,
		strictHandshake: cfg.StrictHandshake,
		state:           AwaitMagic,
		client:          cfg.Client,
	}

	if c.client != nil {
		c.client.OnConnect(cfg.Upstream)
	}
	return c
}

func (c *Connection) getState() HandshakeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s HandshakeState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// SetClientKey installs one 128-byte client key half. It is the entry point
// by which a real downstream socket's own handshake, or a synthetic
// client's randomly generated keys, feed the cipher session — independent
// of the server-driven state table in §4.5. Fails once the connection has
// reached Established or Closed.
func (c *Connection) SetClientKey(half int, key []byte) error {
	state := c.getState()
	if state == Established || state == Closed {
		return errors.Errorf(SetClientKeyIllegalStateMessage, state)
	}
	return c.cipher.InstallKey(api.SideClient, half, key)
}

// FeedFromServer delivers one raw datagram read from the upstream socket.
// Before Established it drives the handshake state machine; in Established
// it decrypts, reassembles and dispatches every whole message it yields.
func (c *Connection) FeedFromServer(buf []byte) {
	switch c.getState() {
	case Closed:
		return
	case AwaitMagic:
		c.handleMagic(buf)
	case AwaitServerKey0:
		c.handleServerKey(buf, 0, AwaitServerKey1)
	case AwaitServerKey1:
		c.handleServerKey(buf, 1, Established)
	case Established:
		c.handleEstablishedFromServer(buf)
	}
}

func (c *Connection) handleMagic(buf []byte) {
	if len(buf) != 4 || binary.LittleEndian.Uint32(buf) != MagicValue {
		c.handleMalformedHandshake("magic")
		return
	}
	c.logger.Debug(HandshakeMagicDebugMessage)
	c.SendClient(buf)
	c.setState(AwaitServerKey0)
}

func (c *Connection) handleServerKey(buf []byte, half int, next HandshakeState) {
	if len(buf) != cipher.KeyLength {
		c.handleMalformedHandshake("server key")
		return
	}
	if err := c.cipher.InstallKey(api.SideServer, half, buf); err != nil {
		c.logger.Errorf(CipherInstallErrorMessage, "server", half, err)
		return
	}
	if half == 1 && c.cipher.State() == cipher.StateFull {
		if err := c.cipher.Init(); err != nil {
			c.logger.Errorf(CipherInitErrorMessage, err)
		}
	}
	if half == 0 {
		c.logger.Debug(HandshakeKey0DebugMessage)
	} else {
		c.logger.Debug(HandshakeKey1DebugMessage)
	}
	c.SendClient(buf)
	c.setState(next)
}

func (c *Connection) handleMalformedHandshake(what string) {
	if c.strictHandshake {
		c.logger.Warnf(MalformedHandshakeCloseMessage, what)
		c.Close()
		return
	}
	c.logger.Debugf(MalformedHandshakeDropMessage, what)
}

func (c *Connection) handleEstablishedFromServer(buf []byte) {
	if err := c.cipher.ApplyFromServer(buf); err != nil {
		c.logger.Errorf(CipherApplyErrorMessage, "fromServer", err)
		return
	}
	atomic.AddUint64(&c.metrics.BytesIn, uint64(len(buf)))
	c.serverFramer.Write(buf)
	c.drain(c.serverFramer, true)
}

// FeedClient delivers one plaintext datagram originating from the client
// side (a real downstream socket's already-decrypted bytes, or a synthetic
// client's injected traffic). Before Established it is relayed to the
// upstream socket verbatim; in Established it is reassembled and dispatched
// with incoming=false.
func (c *Connection) FeedClient(buf []byte) {
	state := c.getState()
	if state == Closed {
		return
	}
	if state != Established {
		c.SendServer(buf)
		return
	}

	atomic.AddUint64(&c.metrics.BytesIn, uint64(len(buf)))
	c.clientFramer.Write(buf)
	c.drain(c.clientFramer, false)
}

// drain repeatedly reads whole messages out of f and dispatches each one
// with the given incoming direction, forwarding survivors to the opposite
// side. A short-message framing error closes the connection, per §4.1.
func (c *Connection) drain(f *framer.Framer, incoming bool) {
	for {
		msg, err := f.Read()
		if err != nil {
			c.logger.Warnf(FramerShortMessageErrorMessage, err)
			c.Close()
			return
		}
		if msg == nil {
			return
		}

		atomic.AddUint64(&c.metrics.MessagesIn, 1)

		if !incoming && c.tagger != nil && !c.tagger.Seeded() {
			if loginOpcode, ok := c.catalogue.LoginOpcode(); ok && f.Opcode(msg) == loginOpcode {
				c.tagger.SeedFromLogin(msg)
			}
		}

		out, silenced := c.engine.Dispatch(msg, incoming, false)
		if silenced {
			atomic.AddUint64(&c.metrics.SilencedCount, 1)
			continue
		}
		if incoming {
			c.SendClient(out)
		} else {
			c.SendServer(out)
		}
	}
}

// SendServer writes buf toward the upstream server. Before Established it
// is written verbatim (the client's own handshake payloads); in Established
// it is integrity-tagged (if a tagger is attached and seeded), platform-built
// and encrypted in place first. After Closed it is dropped.
func (c *Connection) SendServer(buf []byte) {
	state := c.getState()
	if state == Closed {
		return
	}

	if state == Established {
		if c.tagger != nil {
			opcode := c.serverFramer.Opcode(buf)
			c.tagger.Apply(buf, opcode, c.catalogue.HasPadding(opcode))
		}
		buf = c.builder(buf)
		if err := c.cipher.ApplyToServer(buf); err != nil {
			c.logger.Errorf(CipherApplyErrorMessage, "toServer", err)
			return
		}
	}

	if _, err := c.upstream.Write(buf); err != nil {
		c.logger.Warnf(UpstreamWriteErrorMessage, err)
		c.Close()
		return
	}
	atomic.AddUint64(&c.metrics.MessagesOut, 1)
	atomic.AddUint64(&c.metrics.BytesOut, uint64(len(buf)))
}

// SendClient forwards buf to the client handle, if one is still attached.
// Dropped silently after Close releases the handle.
func (c *Connection) SendClient(buf []byte) {
	c.mu.Lock()
	client := c.client
	state := c.state
	c.mu.Unlock()

	if state == Closed || client == nil {
		return
	}
	client.OnData(buf)
	atomic.AddUint64(&c.metrics.MessagesOut, 1)
	atomic.AddUint64(&c.metrics.BytesOut, uint64(len(buf)))
}

// Engine exposes the dispatch engine so module loading can bind hooks to
// this connection at accept time.
func (c *Connection) Engine() *dispatch.Engine { return c.engine }

// Metadata returns this connection's protocol generation/version/platform
// information, stamped at accept time from the listener's ProtocolConfig.
func (c *Connection) Metadata() Metadata { return c.metadata }

// Metrics returns a snapshot of this connection's counters.
func (c *Connection) Metrics() Metrics {
	return Metrics{
		MessagesIn:    atomic.LoadUint64(&c.metrics.MessagesIn),
		MessagesOut:   atomic.LoadUint64(&c.metrics.MessagesOut),
		BytesIn:       atomic.LoadUint64(&c.metrics.BytesIn),
		BytesOut:      atomic.LoadUint64(&c.metrics.BytesOut),
		SilencedCount: atomic.LoadUint64(&c.metrics.SilencedCount),
	}
}

// Close idempotently tears the connection down: it transitions to Closed,
// releases the client handle (nulling the local reference first so a
// concurrent re-entrant call from the other pump cannot double-close it),
// and closes the upstream socket.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = Closed
		client := c.client
		c.client = nil
		c.mu.Unlock()

		if client != nil {
			if err := client.Close(); err != nil {
				c.logger.Warnf(ClientCloseErrorMessage, err)
			}
		}

		if tcpConn, ok := c.upstream.(*net.TCPConn); ok {
			_ = tcpConn.CloseWrite()
		}
		if err := c.upstream.Close(); err != nil {
			c.logger.Debugf(UpstreamCloseErrorMessage, err)
		}

		m := c.Metrics()
		c.logger.Infow(ConnectionClosedMessage,
			"conn", c.ID,
			"messagesIn", m.MessagesIn,
			"messagesOut", m.MessagesOut,
			"bytesIn", m.BytesIn,
			"bytesOut", m.BytesOut,
			"silenced", m.SilencedCount,
		)
	})
	return nil
}
