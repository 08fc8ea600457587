// Package catalog implements the protocol catalogue: a read-only
// bidirectional map between message names and opcodes, a dense padding
// table, and a latest-version table derived from the external codec.
package catalog

import (
	"fmt"
	"strings"

	"github.com/achetronic/wireproxy/api"
)

// Entry seeds one catalogue row at construction time.
type Entry struct {
	Name       string
	Opcode     uint16
	HasPadding bool
	// IsLogin marks the one message that seeds a lazily constructed
	// integrity tagger (§4.3) when a Connection sees it on the
	// client-to-server side; the same opcode arriving from the server does
	// not seed it. At most one entry may set this.
	IsLogin bool
}

// Catalogue is the read-mostly mapping shared across every Connection. Once
// built it is immutable except through AddEntry, which callers must
// serialise externally (single-threaded init-time operation, per the
// concurrency model).
type Catalogue struct {
	nameToOpcode  map[string]uint16
	opcodeToName  map[uint16]string
	padding       [1 << 16]bool
	latestVersion map[string]int
	codec         api.Codec

	loginOpcode uint16
	hasLogin    bool
}

// New builds a Catalogue from entries, deriving latestVersion from
// codec.Messages().
func New(codec api.Codec, entries []Entry) (*Catalogue, error) {
	c := &Catalogue{
		nameToOpcode:  make(map[string]uint16, len(entries)),
		opcodeToName:  make(map[uint16]string, len(entries)),
		latestVersion: make(map[string]int),
		codec:         codec,
	}
	for _, e := range entries {
		if err := c.AddEntry(e); err != nil {
			return nil, err
		}
	}
	c.refreshLatestVersions()
	return c, nil
}

// AddEntry registers one more name/opcode/padding row. Must be externally
// serialised against any concurrent catalogue reads.
func (c *Catalogue) AddEntry(e Entry) error {
	canon := Canonicalize(e.Name)
	if _, exists := c.nameToOpcode[canon]; exists {
		return fmt.Errorf("catalog: name %q already registered", e.Name)
	}
	if _, exists := c.opcodeToName[e.Opcode]; exists {
		return fmt.Errorf("catalog: opcode %d already registered", e.Opcode)
	}
	if e.IsLogin && c.hasLogin {
		return fmt.Errorf("catalog: login entry already registered as opcode %d", c.loginOpcode)
	}
	c.nameToOpcode[canon] = e.Opcode
	c.opcodeToName[e.Opcode] = canon
	c.padding[e.Opcode] = e.HasPadding
	if e.IsLogin {
		c.loginOpcode = e.Opcode
		c.hasLogin = true
	}
	return nil
}

func (c *Catalogue) refreshLatestVersions() {
	for _, nv := range c.codec.Messages() {
		canon := Canonicalize(nv.Name)
		if cur, ok := c.latestVersion[canon]; !ok || nv.Version > cur {
			c.latestVersion[canon] = nv.Version
		}
	}
}

// Resolve maps a message name (canonical UPPER_SNAKE or lowerCamel) to its
// opcode.
func (c *Catalogue) Resolve(name string) (uint16, bool) {
	op, ok := c.nameToOpcode[Canonicalize(name)]
	return op, ok
}

// NameForOpcode is the inverse of Resolve.
func (c *Catalogue) NameForOpcode(opcode uint16) (string, bool) {
	name, ok := c.opcodeToName[opcode]
	return name, ok
}

// HasPadding reports the dense padding flag for opcode.
func (c *Catalogue) HasPadding(opcode uint16) bool {
	return c.padding[opcode]
}

// LatestVersion reports the highest known definition version for name.
func (c *Catalogue) LatestVersion(name string) (int, bool) {
	v, ok := c.latestVersion[Canonicalize(name)]
	return v, ok
}

// Codec exposes the backing codec so the dispatch engine can resolve
// identifiers without the catalogue being in its import path twice.
func (c *Catalogue) Codec() api.Codec { return c.codec }

// LoginOpcode reports the opcode of the entry registered with IsLogin, if
// any. A Connection compares the opcode of every client-to-server message
// against this to know when to seed a lazily-constructed integrity tagger
// (§4.3); server-to-client messages are not compared.
func (c *Catalogue) LoginOpcode() (uint16, bool) {
	return c.loginOpcode, c.hasLogin
}

// Canonicalize normalises a message name to UPPER_SNAKE_CASE so that both
// "LOGIN_REQUEST" and "loginRequest" resolve to the same catalogue row.
func Canonicalize(name string) string {
	if name == "*" {
		return "*"
	}
	if !strings.ContainsAny(name, "abcdefghijklmnopqrstuvwxyz") {
		return name // already canonical, or has no lowercase to fold
	}

	var b strings.Builder
	for i, r := range name {
		if r >= 'A' && r <= 'Z' && i > 0 {
			b.WriteByte('_')
		}
		if r >= 'a' && r <= 'z' {
			b.WriteRune(r - 32)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
