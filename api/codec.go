package api

// Definition describes one wire layout of a named message, as reported by
// the external codec.
type Definition struct {
	Readable   bool
	Writeable  bool
	Deprecated bool
}

// Identifier is a resolved (name, version) pair together with the codec's
// view of that definition's capabilities. The dispatch engine resolves an
// Identifier at Hook registration time to validate the definition exists
// and is readable, then re-resolves it on every dispatch of a matching
// message, since a hook's effective version (for VersionLatest) or its
// wildcard-derived name (resolved from the opcode) can change between one
// dispatch and the next.
type Identifier struct {
	Name       string
	Version    int
	Definition Definition
}

// NameVersion enumerates one known (name, version) pair in the codec.
type NameVersion struct {
	Name    string
	Version int
}

// Codec is the external, black-box collaborator that maps between wire bytes
// and structured event values for a given (name, version). The proxy core
// never interprets message payloads itself; it only calls through this
// interface.
type Codec interface {
	// Parse decodes data into a structured event for identifier.
	Parse(id Identifier, data []byte) (any, error)
	// Write encodes event back into wire bytes for identifier.
	Write(id Identifier, event any) ([]byte, error)
	// Clone returns a deep copy of event, so multiple hooks at the same
	// order level never observe each other's in-place mutations.
	Clone(id Identifier, event any) any
	// ResolveIdentifier looks up the Identifier for name at version, or
	// returns an error if the codec has no such definition.
	ResolveIdentifier(name string, version int) (Identifier, error)
	// Messages enumerates every (name, version) pair the codec knows about,
	// used to derive the catalogue's latest-version table.
	Messages() []NameVersion
	// AddDefinition registers a new wire definition at init time. Must only
	// be called before the catalogue/codec are shared across connections.
	AddDefinition(name string, version int, def Definition, overwrite bool) error
	// ParseDefinition parses a textual definition (e.g. from a module's
	// bundled schema file) into a Definition the codec can register.
	ParseDefinition(text string) (Definition, error)
}
