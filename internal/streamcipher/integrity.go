package streamcipher

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/achetronic/wireproxy/api"
)

// tagSize is the number of trailing bytes Apply writes into a padded
// message: one little-endian xxhash64 digest.
const tagSize = 8

// XXHashIntegrity is the default api.IntegrityPrimitive: it tags a message
// with a seeded xxhash64 digest of everything ahead of the tag. xxhash
// appears across the example corpus only as an indirect dependency of
// other libraries' internals; promoting it to a direct import here gives it
// an actual, exercised home instead of riding along unused.
type XXHashIntegrity struct {
	seed uint64
}

// NewXXHashIntegrity derives a seed from an arbitrary-length byte string —
// either the construction-time protocol seed or a value pulled out of a
// login message, depending on the protocol generation.
func NewXXHashIntegrity(seed []byte) api.IntegrityPrimitive {
	return &XXHashIntegrity{seed: xxhash.Sum64(seed)}
}

func (p *XXHashIntegrity) Apply(buf []byte, opcode uint16) {
	if len(buf) < tagSize {
		return
	}
	body := buf[:len(buf)-tagSize]

	digest := xxhash.New()
	_ = binary.Write(digest, binary.LittleEndian, p.seed)
	_ = binary.Write(digest, binary.LittleEndian, opcode)
	_, _ = digest.Write(body)

	binary.LittleEndian.PutUint64(buf[len(buf)-tagSize:], digest.Sum64())
}

var _ api.IntegrityPrimitive = (*XXHashIntegrity)(nil)
