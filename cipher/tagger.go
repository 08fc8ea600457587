package cipher

import "github.com/achetronic/wireproxy/api"

// PrimitiveFactory builds the external integrity primitive once a seed is
// available, either at construction (older protocol generations) or lazily
// from a login message (newer generations).
type PrimitiveFactory func(seed []byte) api.IntegrityPrimitive

// Tagger sequences the integrity primitive: it writes a tag into outbound
// messages whose opcode the catalogue marks as padded, and does nothing
// until it has been seeded.
type Tagger struct {
	factory   PrimitiveFactory
	primitive api.IntegrityPrimitive
}

// NewTagger constructs a Tagger. Pass a non-nil seed for protocol
// generations that know their seed at construction time; pass nil to defer
// seeding to SeedFromLogin.
func NewTagger(factory PrimitiveFactory, seed []byte) *Tagger {
	t := &Tagger{factory: factory}
	if seed != nil {
		t.primitive = factory(seed)
	}
	return t
}

// Seeded reports whether this tagger has a primitive yet.
func (t *Tagger) Seeded() bool { return t.primitive != nil }

// SeedFromLogin seeds the tagger from a login message, for protocol
// generations that don't know their seed until the client logs in.
// Connection calls it with the client-to-server login message.
// A no-op if already seeded.
func (t *Tagger) SeedFromLogin(seed []byte) {
	if t.primitive == nil {
		t.primitive = t.factory(seed)
	}
}

// Apply writes a tag into buf if hasPadding is set and the tagger has been
// seeded; otherwise buf is left untouched and the message goes out untagged.
func (t *Tagger) Apply(buf []byte, opcode uint16, hasPadding bool) {
	if !hasPadding || t.primitive == nil {
		return
	}
	t.primitive.Apply(buf, opcode)
}
