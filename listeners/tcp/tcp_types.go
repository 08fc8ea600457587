package tcp

import (
	"go.uber.org/zap"

	"github.com/achetronic/wireproxy/api"
	"github.com/achetronic/wireproxy/catalog"
	"github.com/achetronic/wireproxy/cipher"
	"github.com/achetronic/wireproxy/framer"
	"github.com/achetronic/wireproxy/modules"
)

// CipherPrimitiveFactory mints a fresh api.CipherPrimitive for a new
// connection. The stream-cipher primitive itself is out of scope for this
// repository, so it is always supplied by whoever builds the Proxy.
type CipherPrimitiveFactory func() api.CipherPrimitive

// Proxy owns one frontend socket and forwards every accepted client to the
// single upstream its Config names, wiring a fresh conn.Connection per
// client the way the teacher's TCPProxy wires one backend connection per
// frontend accept.
type Proxy struct {
	Config    api.Proxy
	Catalogue *catalog.Catalogue
	Registry  *modules.Registry

	CipherFactory CipherPrimitiveFactory
	TaggerFactory cipher.PrimitiveFactory
	// TaggerSeed seeds the tagger at construction time for generations in
	// [Config.Protocol.TaggerThreshold, Config.Protocol.LazyTaggerThreshold).
	TaggerSeed  []byte
	LengthField framer.LengthField

	Logger *zap.SugaredLogger
}
