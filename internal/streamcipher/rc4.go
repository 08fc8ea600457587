// Package streamcipher provides a default api.CipherPrimitive. The real
// stream cipher and its key schedule are explicitly out of scope for the
// proxy core (the core only sequences InstallKey/Init/Encrypt/Decrypt), so
// this is a placeholder black box built on the standard library's RC4 —
// nothing in the example corpus ships a third-party stream-cipher package,
// and crypto/rc4's stateful, in-place, length-preserving Cipher.XORKeyStream
// is the literal match for the contract's "position advances by the buffer
// length" semantics. A deployment with a real protocol's primitive swaps
// this package out for its own api.CipherPrimitive.
package streamcipher

import (
	"crypto/rc4"
	"crypto/sha256"

	"github.com/achetronic/wireproxy/api"
)

// RC4Primitive derives two independent RC4 keystreams — one per direction —
// from the four installed key halves once all are present.
type RC4Primitive struct {
	clientKeys [2][]byte
	serverKeys [2][]byte

	toServer   *rc4.Cipher
	fromServer *rc4.Cipher
}

// New returns a fresh, unkeyed RC4Primitive.
func New() *RC4Primitive {
	return &RC4Primitive{}
}

func (p *RC4Primitive) InstallKey(side api.Side, half int, key []byte) error {
	buf := append([]byte(nil), key...)
	if side == api.SideServer {
		p.serverKeys[half] = buf
	} else {
		p.clientKeys[half] = buf
	}
	return nil
}

// Init derives the to-server and from-server keystreams from the four
// installed halves, each reordered so the two directions diverge even
// though they are built from the same key material. The four 128-byte
// halves concatenate to 512 bytes, past rc4.NewCipher's 256-byte ceiling,
// so each direction's material is digested down to a fixed 32-byte key
// before keying the cipher.
func (p *RC4Primitive) Init() (err error) {
	toServerKey := digest(p.clientKeys[0], p.clientKeys[1], p.serverKeys[0], p.serverKeys[1])
	fromServerKey := digest(p.serverKeys[1], p.serverKeys[0], p.clientKeys[1], p.clientKeys[0])

	p.toServer, err = rc4.NewCipher(toServerKey)
	if err != nil {
		return err
	}
	p.fromServer, err = rc4.NewCipher(fromServerKey)
	return err
}

func (p *RC4Primitive) Encrypt(buf []byte) { p.toServer.XORKeyStream(buf, buf) }
func (p *RC4Primitive) Decrypt(buf []byte) { p.fromServer.XORKeyStream(buf, buf) }

// digest concatenates parts and reduces them to a 32-byte key, safely inside
// rc4.NewCipher's 1-256 byte range regardless of how many halves feed it.
func digest(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	sum := h.Sum(nil)
	return sum
}

var _ api.CipherPrimitive = (*RC4Primitive)(nil)
