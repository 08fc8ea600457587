package modules

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/achetronic/wireproxy/api"
	"github.com/achetronic/wireproxy/catalog"
	"github.com/achetronic/wireproxy/cipher"
	"github.com/achetronic/wireproxy/conn"
	"github.com/achetronic/wireproxy/dispatch"
	"github.com/achetronic/wireproxy/framer"
)

type recordingModule struct {
	name    string
	loadErr error
	loads   *[]string
}

func (m recordingModule) Name() string { return m.name }

func (m recordingModule) Load(a api.ModuleAPI) error {
	*m.loads = append(*m.loads, m.name)
	return m.loadErr
}

type fakeCipherPrimitiveForModules struct{}

func (fakeCipherPrimitiveForModules) InstallKey(_ api.Side, _ int, _ []byte) error { return nil }
func (fakeCipherPrimitiveForModules) Init() error                                  { return nil }
func (fakeCipherPrimitiveForModules) Encrypt(_ []byte)                             {}
func (fakeCipherPrimitiveForModules) Decrypt(_ []byte)                             {}

func newTestConn(t *testing.T) *conn.Connection {
	t.Helper()
	cat, err := catalog.New(noopModulesCodec{}, nil)
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}
	engine := dispatch.New(zap.NewNop().Sugar(), cat)
	tagger := cipher.NewTagger(func(seed []byte) api.IntegrityPrimitive { return noopIntegrity{} }, []byte("seed"))

	return conn.New(conn.Config{
		Logger:          zap.NewNop().Sugar(),
		Upstream:        &discardConn{},
		Catalogue:       cat,
		Engine:          engine,
		CipherPrimitive: fakeCipherPrimitiveForModules{},
		Tagger:          tagger,
		LengthField:     framer.DefaultLengthField,
	})
}

type noopIntegrity struct{}

func (noopIntegrity) Apply(_ []byte, _ uint16) {}

type noopModulesCodec struct{}

func (noopModulesCodec) Parse(_ api.Identifier, data []byte) (any, error) { return data, nil }
func (noopModulesCodec) Write(_ api.Identifier, event any) ([]byte, error) {
	b, _ := event.([]byte)
	return b, nil
}
func (noopModulesCodec) Clone(_ api.Identifier, event any) any { return event }
func (noopModulesCodec) ResolveIdentifier(name string, version int) (api.Identifier, error) {
	return api.Identifier{}, errors.New("noopModulesCodec: no definitions")
}
func (noopModulesCodec) Messages() []api.NameVersion                               { return nil }
func (noopModulesCodec) AddDefinition(_ string, _ int, _ api.Definition, _ bool) error { return nil }
func (noopModulesCodec) ParseDefinition(_ string) (api.Definition, error)          { return api.Definition{}, nil }

func TestLoadFailsOnMissingPluginFile(t *testing.T) {
	_, err := Load(zap.NewNop().Sugar(), []api.ModuleConfig{
		{Name: "missing", Path: "/nonexistent/path/to/module.so"},
	})
	if err == nil {
		t.Fatal("Load succeeded opening a nonexistent plugin file")
	}
}

func TestBindConnectionCallsLoadInOrderAndStopsOnError(t *testing.T) {
	var loads []string
	failing := errors.New("boom")

	r := &Registry{
		logger: zap.NewNop().Sugar(),
		cache:  api.NewModuleCache(),
		modules: []loadedModule{
			{cfg: api.ModuleConfig{Name: "first", Order: 0}, mod: recordingModule{name: "first", loads: &loads}},
			{cfg: api.ModuleConfig{Name: "second", Order: 10}, mod: recordingModule{name: "second", loads: &loads, loadErr: failing}},
			{cfg: api.ModuleConfig{Name: "third", Order: 20}, mod: recordingModule{name: "third", loads: &loads}},
		},
	}

	c := newTestConn(t)
	err := r.BindConnection(c)
	if err == nil {
		t.Fatal("BindConnection succeeded despite a module Load error")
	}
	if got, want := loads, []string{"first", "second"}; !equalStrings(got, want) {
		t.Fatalf("loads = %v, want %v (must stop at the failing module)", got, want)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// discardConn is a net.Conn that swallows every Write and fails every Read,
// standing in for an upstream socket this test never actually uses.
type discardConn struct{}

func (discardConn) Read(_ []byte) (int, error)       { return 0, io.EOF }
func (discardConn) Write(b []byte) (int, error)      { return len(b), nil }
func (discardConn) Close() error                     { return nil }
func (discardConn) LocalAddr() net.Addr               { return nil }
func (discardConn) RemoteAddr() net.Addr              { return nil }
func (discardConn) SetDeadline(_ time.Time) error     { return nil }
func (discardConn) SetReadDeadline(_ time.Time) error { return nil }
func (discardConn) SetWriteDeadline(_ time.Time) error { return nil }

var _ net.Conn = discardConn{}
