package conn

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/achetronic/wireproxy/api"
	"github.com/achetronic/wireproxy/catalog"
	"github.com/achetronic/wireproxy/cipher"
	"github.com/achetronic/wireproxy/dispatch"
	"github.com/achetronic/wireproxy/framer"
)

// fakeConn is a minimal net.Conn recording every Write, standing in for the
// real upstream socket.
type fakeConn struct {
	mu     sync.Mutex
	writes [][]byte
	closed bool
}

func (f *fakeConn) Read(_ []byte) (int, error) { return 0, io.EOF }

func (f *fakeConn) Write(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, append([]byte(nil), b...))
	return len(b), nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) LocalAddr() net.Addr                { return nil }
func (f *fakeConn) RemoteAddr() net.Addr               { return nil }
func (f *fakeConn) SetDeadline(_ time.Time) error      { return nil }
func (f *fakeConn) SetReadDeadline(_ time.Time) error  { return nil }
func (f *fakeConn) SetWriteDeadline(_ time.Time) error { return nil }

func (f *fakeConn) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func (f *fakeConn) lastWrite() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.writes) == 0 {
		return nil
	}
	return f.writes[len(f.writes)-1]
}

// fakeClientHandle is a synthetic api.ClientHandle recording OnData calls.
type fakeClientHandle struct {
	mu     sync.Mutex
	data   [][]byte
	closed bool
}

func (f *fakeClientHandle) OnConnect(_ net.Conn) {}

func (f *fakeClientHandle) OnData(b []byte) {
	f.mu.Lock()
	f.data = append(f.data, append([]byte(nil), b...))
	f.mu.Unlock()
}

func (f *fakeClientHandle) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeClientHandle) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.data)
}

func (f *fakeClientHandle) last() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.data) == 0 {
		return nil
	}
	return f.data[len(f.data)-1]
}

// fakeCipherPrimitive is a deliberately trivial api.CipherPrimitive: Encrypt
// and Decrypt both XOR every byte with 0xFF, so applying either twice
// recovers the original bytes and the test can assert on call counts without
// implementing real keystream math.
type fakeCipherPrimitive struct {
	mu           sync.Mutex
	installed    map[string]bool
	initCalled   bool
	encryptCalls int
	decryptCalls int
}

func newFakeCipherPrimitive() *fakeCipherPrimitive {
	return &fakeCipherPrimitive{installed: make(map[string]bool)}
}

func (f *fakeCipherPrimitive) InstallKey(side api.Side, half int, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installed[fmt.Sprintf("%s-%d", side, half)] = true
	return nil
}

func (f *fakeCipherPrimitive) Init() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalled = true
	return nil
}

func (f *fakeCipherPrimitive) Encrypt(buf []byte) {
	f.mu.Lock()
	f.encryptCalls++
	f.mu.Unlock()
	xorInPlace(buf)
}

func (f *fakeCipherPrimitive) Decrypt(buf []byte) {
	f.mu.Lock()
	f.decryptCalls++
	f.mu.Unlock()
	xorInPlace(buf)
}

func xorInPlace(buf []byte) {
	for i := range buf {
		buf[i] ^= 0xFF
	}
}

// fakeIntegrityPrimitive is an api.IntegrityPrimitive that only counts its
// Apply calls and leaves the buffer untouched. Only the lazy-tagger test marks
// an opcode as padded, so that is the one test where Apply is called.
type fakeIntegrityPrimitive struct{ calls int }

func (f *fakeIntegrityPrimitive) Apply(_ []byte, _ uint16) { f.calls++ }

// noopCodec is the smallest api.Codec that satisfies the interface; none of
// these tests register hooks, so Dispatch never actually calls into it.
type noopCodec struct{}

func (noopCodec) Parse(_ api.Identifier, data []byte) (any, error) { return data, nil }
func (noopCodec) Write(_ api.Identifier, event any) ([]byte, error) {
	b, _ := event.([]byte)
	return b, nil
}
func (noopCodec) Clone(_ api.Identifier, event any) any { return event }
func (noopCodec) ResolveIdentifier(name string, version int) (api.Identifier, error) {
	return api.Identifier{}, fmt.Errorf("noopCodec: no definition for %s v%d", name, version)
}
func (noopCodec) Messages() []api.NameVersion { return nil }
func (noopCodec) AddDefinition(_ string, _ int, _ api.Definition, _ bool) error { return nil }
func (noopCodec) ParseDefinition(_ string) (api.Definition, error) { return api.Definition{}, nil }

func newTestConnection(t *testing.T, client api.ClientHandle, primitive api.CipherPrimitive, upstream net.Conn) *Connection {
	t.Helper()
	cat, err := catalog.New(noopCodec{}, nil)
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}
	engine := dispatch.New(zap.NewNop().Sugar(), cat)
	tagger := cipher.NewTagger(func(seed []byte) api.IntegrityPrimitive {
		return &fakeIntegrityPrimitive{}
	}, []byte("seed"))

	return New(Config{
		Logger:          zap.NewNop().Sugar(),
		Upstream:        upstream,
		Client:          client,
		Catalogue:       cat,
		Engine:          engine,
		CipherPrimitive: primitive,
		Tagger:          tagger,
		LengthField:     framer.DefaultLengthField,
		StrictHandshake: false,
	})
}

func magicDatagram() []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, MagicValue)
	return buf
}

// driveToEstablished installs both client key halves, then feeds the magic
// datagram and both server key halves, mirroring boundary scenario #1: the
// handshake walks AwaitMagic -> AwaitServerKey0 -> AwaitServerKey1 ->
// Established, and the cipher session reaches Ready exactly when the last
// required half arrives.
func driveToEstablished(t *testing.T, c *Connection) {
	t.Helper()
	clientKey0 := bytes.Repeat([]byte{0x11}, cipher.KeyLength)
	clientKey1 := bytes.Repeat([]byte{0x22}, cipher.KeyLength)
	if err := c.SetClientKey(0, clientKey0); err != nil {
		t.Fatalf("SetClientKey(0): %v", err)
	}
	if err := c.SetClientKey(1, clientKey1); err != nil {
		t.Fatalf("SetClientKey(1): %v", err)
	}

	c.FeedFromServer(magicDatagram())
	if got := c.getState(); got != AwaitServerKey0 {
		t.Fatalf("after magic: state = %s, want %s", got, AwaitServerKey0)
	}

	serverKey0 := bytes.Repeat([]byte{0xAA}, cipher.KeyLength)
	c.FeedFromServer(serverKey0)
	if got := c.getState(); got != AwaitServerKey1 {
		t.Fatalf("after server key 0: state = %s, want %s", got, AwaitServerKey1)
	}

	serverKey1 := bytes.Repeat([]byte{0xBB}, cipher.KeyLength)
	c.FeedFromServer(serverKey1)
	if got := c.getState(); got != Established {
		t.Fatalf("after server key 1: state = %s, want %s", got, Established)
	}
}

func TestHandshakeWalksToEstablished(t *testing.T) {
	fc := &fakeClientHandle{}
	prim := newFakeCipherPrimitive()
	up := &fakeConn{}
	c := newTestConnection(t, fc, prim, up)

	driveToEstablished(t, c)

	if !prim.initCalled {
		t.Error("cipher primitive Init was never called")
	}
	if got, want := fc.count(), 3; got != want {
		t.Fatalf("client received %d datagrams during handshake, want %d", got, want)
	}
}

func TestHandshakeDropsMalformedMagicWhenNotStrict(t *testing.T) {
	fc := &fakeClientHandle{}
	prim := newFakeCipherPrimitive()
	up := &fakeConn{}
	c := newTestConnection(t, fc, prim, up)

	c.FeedFromServer([]byte{0x01, 0x02, 0x03}) // wrong length, not strict
	if got := c.getState(); got != AwaitMagic {
		t.Fatalf("state = %s, want %s (malformed magic must be dropped, not advance)", got, AwaitMagic)
	}
	if fc.count() != 0 {
		t.Fatalf("client received %d datagrams, want 0 for a dropped malformed magic", fc.count())
	}
}

func TestHandshakeClosesOnMalformedMagicWhenStrict(t *testing.T) {
	fc := &fakeClientHandle{}
	prim := newFakeCipherPrimitive()
	up := &fakeConn{}
	cat, err := catalog.New(noopCodec{}, nil)
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}
	engine := dispatch.New(zap.NewNop().Sugar(), cat)
	tagger := cipher.NewTagger(func(seed []byte) api.IntegrityPrimitive { return &fakeIntegrityPrimitive{} }, []byte("seed"))
	c := New(Config{
		Logger:          zap.NewNop().Sugar(),
		Upstream:        up,
		Client:          fc,
		Catalogue:       cat,
		Engine:          engine,
		CipherPrimitive: prim,
		Tagger:          tagger,
		LengthField:     framer.DefaultLengthField,
		StrictHandshake: true,
	})

	c.FeedFromServer([]byte{0xde, 0xad})
	if got := c.getState(); got != Closed {
		t.Fatalf("state = %s, want %s (strict mode must close on malformed magic)", got, Closed)
	}
	if !up.closed {
		t.Error("upstream was not closed")
	}
}

func TestSetClientKeyRejectsWrongLength(t *testing.T) {
	fc := &fakeClientHandle{}
	prim := newFakeCipherPrimitive()
	up := &fakeConn{}
	c := newTestConnection(t, fc, prim, up)

	if err := c.SetClientKey(0, make([]byte, cipher.KeyLength-1)); err == nil {
		t.Fatal("SetClientKey accepted a short key")
	}
	if got := c.getState(); got != AwaitMagic {
		t.Fatalf("state = %s, want %s after a rejected key install", got, AwaitMagic)
	}
}

func TestSetClientKeyRejectsOnceEstablished(t *testing.T) {
	fc := &fakeClientHandle{}
	prim := newFakeCipherPrimitive()
	up := &fakeConn{}
	c := newTestConnection(t, fc, prim, up)
	driveToEstablished(t, c)

	err := c.SetClientKey(0, bytes.Repeat([]byte{0x33}, cipher.KeyLength))
	if err == nil {
		t.Fatal("SetClientKey succeeded after Established")
	}
}

func TestEstablishedServerToClientRoundTripIsTransparent(t *testing.T) {
	fc := &fakeClientHandle{}
	prim := newFakeCipherPrimitive()
	up := &fakeConn{}
	c := newTestConnection(t, fc, prim, up)
	driveToEstablished(t, c)

	plain := append([]byte{0x06, 0x00, 0x42, 0x00}, []byte("hi")...)
	cipherText := append([]byte(nil), plain...)
	xorInPlace(cipherText)

	c.FeedFromServer(cipherText)

	if got := fc.last(); !bytes.Equal(got, plain) {
		t.Fatalf("client received %x, want %x (no hooks registered, must be byte-identical)", got, plain)
	}
}

func TestEstablishedClientToServerIsEncryptedOnce(t *testing.T) {
	fc := &fakeClientHandle{}
	prim := newFakeCipherPrimitive()
	up := &fakeConn{}
	c := newTestConnection(t, fc, prim, up)
	driveToEstablished(t, c)

	plain := append([]byte{0x07, 0x00, 0x99, 0x00}, []byte("hey")...)
	before := prim.encryptCalls

	c.FeedClient(append([]byte(nil), plain...))

	if prim.encryptCalls != before+1 {
		t.Fatalf("encryptCalls = %d, want %d (SendServer must encrypt exactly once)", prim.encryptCalls, before+1)
	}
	want := append([]byte(nil), plain...)
	xorInPlace(want)
	if got := up.lastWrite(); !bytes.Equal(got, want) {
		t.Fatalf("upstream received %x, want %x", got, want)
	}
}

func TestSendServerWithNilTaggerDoesNotPanic(t *testing.T) {
	fc := &fakeClientHandle{}
	prim := newFakeCipherPrimitive()
	up := &fakeConn{}

	cat, err := catalog.New(noopCodec{}, nil)
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}
	engine := dispatch.New(zap.NewNop().Sugar(), cat)
	c := New(Config{
		Logger:          zap.NewNop().Sugar(),
		Upstream:        up,
		Client:          fc,
		Catalogue:       cat,
		Engine:          engine,
		CipherPrimitive: prim,
		Tagger:          nil,
		LengthField:     framer.DefaultLengthField,
	})
	driveToEstablished(t, c)

	plain := append([]byte{0x07, 0x00, 0x99, 0x00}, []byte("hey")...)
	c.FeedClient(plain) // must not panic dereferencing a nil tagger
	if up.writeCount() == 0 {
		t.Fatal("expected the message to still reach the upstream socket")
	}
}

func TestLazyTaggerSeedsFromLoginMessageThenTagsSubsequentOutbound(t *testing.T) {
	fc := &fakeClientHandle{}
	prim := newFakeCipherPrimitive()
	up := &fakeConn{}

	cat, err := catalog.New(noopCodec{}, []catalog.Entry{
		{Name: "LOGIN", Opcode: 1, IsLogin: true},
		{Name: "PING", Opcode: 2, HasPadding: true},
	})
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}
	engine := dispatch.New(zap.NewNop().Sugar(), cat)

	var primInstance *fakeIntegrityPrimitive
	tagger := cipher.NewTagger(func(seed []byte) api.IntegrityPrimitive {
		primInstance = &fakeIntegrityPrimitive{}
		return primInstance
	}, nil) // unseeded: the lazy tier

	c := New(Config{
		Logger:          zap.NewNop().Sugar(),
		Upstream:        up,
		Client:          fc,
		Catalogue:       cat,
		Engine:          engine,
		CipherPrimitive: prim,
		Tagger:          tagger,
		LengthField:     framer.DefaultLengthField,
	})
	driveToEstablished(t, c)

	if tagger.Seeded() {
		t.Fatal("expected tagger to start unseeded in the lazy tier")
	}

	loginPlain := append([]byte{0x06, 0x00, 0x01, 0x00}, []byte("hi")...)
	c.FeedClient(append([]byte(nil), loginPlain...))

	if !tagger.Seeded() {
		t.Fatal("expected the login message to seed the tagger")
	}

	pingPlain := append([]byte{0x07, 0x00, 0x02, 0x00}, []byte("hey")...)
	c.FeedClient(append([]byte(nil), pingPlain...))

	if primInstance == nil || primInstance.calls != 1 {
		t.Fatalf("expected the integrity primitive to be applied exactly once after seeding, got %+v", primInstance)
	}
}

func TestCloseIsIdempotentAndReleasesClientHandle(t *testing.T) {
	fc := &fakeClientHandle{}
	prim := newFakeCipherPrimitive()
	up := &fakeConn{}
	c := newTestConnection(t, fc, prim, up)
	driveToEstablished(t, c)

	if err := c.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !up.closed {
		t.Error("upstream was never closed")
	}
	if !fc.closed {
		t.Error("client handle was never closed")
	}

	// Further traffic after Close must be dropped, not panic on a nil client.
	c.FeedFromServer([]byte{0x08, 0x00, 0x01, 0x00, 0, 0, 0, 0})
}
