// Package tcp implements the frontend TCP listener: one net.Listener per
// configured Proxy, one upstream dial and one conn.Connection per accepted
// client, and the two read pumps that feed it — directly descended from the
// teacher's Launch/handleRequest/forwardEncodedPackets/forwardDecodedPackets
// goroutine-pair idiom, narrowed from RESP transaction rewriting to this
// repository's binary length-prefixed framing.
package tcp

import (
	"io"
	"net"

	"github.com/achetronic/wireproxy/api"
	"github.com/achetronic/wireproxy/cipher"
	"github.com/achetronic/wireproxy/conn"
	"github.com/achetronic/wireproxy/dispatch"
)

const (
	ProtocolTcp = "tcp"

	// ExchangeBufferSize is the chunk size read off either socket per Read
	// call. A single Read rarely lines up with message boundaries; the
	// framer inside conn.Connection reassembles whole messages from however
	// the kernel happens to split them.
	ExchangeBufferSize = 8 * 1024

	FrontendResolveErrorMessage = "tcp: failed resolving frontend address: %v"
	ListenErrorMessage          = "tcp: failed listening on %s: %v"
	AcceptErrorMessage          = "tcp: accept failed: %v"
	UpstreamDialErrorMessage    = "tcp: failed dialing upstream for %s: %v"
	ModuleBindErrorMessage      = "tcp: failed binding modules for %s: %v"
	ListenerReadyInfoMessage    = "proxy listening"
	ClientAcceptedDebugMessage  = "accepted client"
	ServerPumpReadErrorMessage  = "tcp: upstream read failed: %v"
	ClientPumpReadErrorMessage  = "tcp: client read failed: %v"
)

// socketClientHandle is the api.ClientHandle for a real downstream client: a
// plain TCP socket accepted by this listener. OnData writes straight back to
// that socket; nothing here knows about handshake state, which is entirely
// conn.Connection's job.
type socketClientHandle struct {
	conn net.Conn
}

func (h *socketClientHandle) OnConnect(_ net.Conn) {}

func (h *socketClientHandle) OnData(b []byte) {
	_, _ = h.conn.Write(b)
}

func (h *socketClientHandle) Close() error {
	return h.conn.Close()
}

// buildTagger picks the integrity tagger tier for this listener's protocol
// generation, per §4.3: below TaggerThreshold, no tagger at all; below
// LazyTaggerThreshold, seeded immediately from TaggerSeed; at or above it,
// unseeded until Connection observes the catalogue's login message on the
// client-to-server side.
func (p *Proxy) buildTagger() *cipher.Tagger {
	gen := p.Config.Protocol.Generation
	proto := p.Config.Protocol

	if gen < proto.TaggerThreshold {
		return nil
	}
	if gen < proto.LazyTaggerThreshold {
		return cipher.NewTagger(p.TaggerFactory, p.TaggerSeed)
	}
	return cipher.NewTagger(p.TaggerFactory, nil)
}

// handleRequest dials the upstream server for one accepted client, wires a
// Connection between the two sockets, binds every configured module to it,
// and pumps bytes in both directions until either side closes.
func (p *Proxy) handleRequest(frontendConn *net.TCPConn) {
	upstreamHost, err := getTCPAddress(p.Config.Upstream.Host, p.Config.Upstream.Port)
	if err != nil {
		p.Logger.Errorf(UpstreamDialErrorMessage, frontendConn.RemoteAddr(), err)
		_ = frontendConn.Close()
		return
	}

	upstreamConn, err := net.DialTCP(ProtocolTcp, nil, upstreamHost)
	if err != nil {
		p.Logger.Errorf(UpstreamDialErrorMessage, frontendConn.RemoteAddr(), err)
		_ = frontendConn.Close()
		return
	}

	client := &socketClientHandle{conn: frontendConn}
	engine := dispatch.New(p.Logger, p.Catalogue)
	tagger := p.buildTagger()

	connection := conn.New(conn.Config{
		Logger:          p.Logger,
		Upstream:        upstreamConn,
		Client:          client,
		Catalogue:       p.Catalogue,
		Engine:          engine,
		CipherPrimitive: p.CipherFactory(),
		Tagger:          tagger,
		LengthField:     p.LengthField,
		StrictHandshake: p.Config.Protocol.StrictHandshake,
		Metadata: conn.Metadata{
			Generation:   p.Config.Protocol.Generation,
			MajorVersion: p.Config.Protocol.MajorVersion,
			MinorVersion: p.Config.Protocol.MinorVersion,
			PlatformTag:  p.Config.Protocol.PlatformTag,
		},
	})

	if p.Registry != nil {
		if err := p.Registry.BindConnection(connection); err != nil {
			p.Logger.Errorf(ModuleBindErrorMessage, frontendConn.RemoteAddr(), err)
			connection.Close()
			return
		}
	}

	p.Logger.Debugw(ClientAcceptedDebugMessage, "remote", frontendConn.RemoteAddr(), "conn", connection.ID)

	serverDone := make(chan struct{})
	clientDone := make(chan struct{})

	go p.forwardFromServer(connection, upstreamConn, serverDone)
	go p.forwardFromClient(connection, frontendConn, clientDone)

	select {
	case <-serverDone:
		<-clientDone
	case <-clientDone:
		<-serverDone
	}
}

// forwardFromServer reads raw bytes off the upstream socket and hands each
// chunk to FeedFromServer, descended from the teacher's
// forwardDecodedPackets pump.
func (p *Proxy) forwardFromServer(connection *conn.Connection, upstream net.Conn, done chan struct{}) {
	defer close(done)
	buffer := make([]byte, ExchangeBufferSize)
	for {
		n, err := upstream.Read(buffer)
		if n > 0 {
			connection.FeedFromServer(buffer[:n])
		}
		if err != nil {
			if err != io.EOF {
				p.Logger.Debugf(ServerPumpReadErrorMessage, err)
			}
			connection.Close()
			return
		}
	}
}

// forwardFromClient reads raw bytes off the accepted client socket and hands
// each chunk to FeedClient, descended from the teacher's
// forwardEncodedPackets pump. Before the handshake completes it also offers
// each chunk to SetClientKey: a real client speaking this protocol sends its
// own magic and two 128-byte key halves down this same socket, and nothing
// about their arrival is visible from the wire-driven server-side state
// table, so this is the one place that can observe them.
func (p *Proxy) forwardFromClient(connection *conn.Connection, client net.Conn, done chan struct{}) {
	defer close(done)
	buffer := make([]byte, ExchangeBufferSize)
	keyHalvesSeen := 0
	for {
		n, err := client.Read(buffer)
		if n > 0 {
			chunk := buffer[:n]
			if keyHalvesSeen < 2 && len(chunk) == cipher.KeyLength {
				_ = connection.SetClientKey(keyHalvesSeen, chunk)
				keyHalvesSeen++
			}
			connection.FeedClient(chunk)
		}
		if err != nil {
			if err != io.EOF {
				p.Logger.Debugf(ClientPumpReadErrorMessage, err)
			}
			connection.Close()
			return
		}
	}
}

// Launch starts the frontend listener and accepts clients until the listener
// is closed or a fatal accept error occurs.
func (p *Proxy) Launch() error {
	frontendHost, err := getTCPAddress(p.Config.Listener.Host, p.Config.Listener.Port)
	if err != nil {
		p.Logger.Errorf(FrontendResolveErrorMessage, err)
		return err
	}

	listener, err := net.ListenTCP(ProtocolTcp, frontendHost)
	if err != nil {
		p.Logger.Errorf(ListenErrorMessage, frontendHost, err)
		return err
	}
	defer listener.Close()

	p.Logger.Infow(ListenerReadyInfoMessage, "address", frontendHost.String())

	for {
		frontendConn, err := listener.AcceptTCP()
		if err != nil {
			p.Logger.Errorf(AcceptErrorMessage, err)
			return err
		}
		go p.handleRequest(frontendConn)
	}
}

var _ api.ClientHandle = (*socketClientHandle)(nil)
