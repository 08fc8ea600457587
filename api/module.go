package api

// Modules are a core feature of this proxy. Due to that, they are defined in
// the 'api' package, which is the package intended for important base
// definitions.

import "github.com/allegro/bigcache/v3"

// Handle is an opaque reference to a registered hook, returned by Hook/HookOnce
// and accepted by Unhook. The zero Handle never matches a real registration.
type Handle struct {
	id uint64
}

// NewHandle is used by the dispatch engine to mint handles; modules only ever
// receive and pass them back.
func NewHandle(id uint64) Handle { return Handle{id: id} }

// ID exposes the raw handle identity, for engines comparing handles by value.
func (h Handle) ID() uint64 { return h.id }

// RawResult is what a raw ("version: raw") hook callback returns.
// Buf == nil means "unchanged"; a non-nil Buf that differs from the buffer the
// hook was given replaces it. Silence, if non-nil, overrides the silenced
// flag inversely: true un-silences, false silences.
type RawResult struct {
	Buf     []byte
	Silence *bool
}

// RawCallback is invoked for hooks registered with VersionRaw.
type RawCallback func(opcode uint16, buf []byte, flags MessageFlags) RawResult

// EventCallback is invoked for hooks registered with VersionEvent. A returned
// false silences the message; anything else (including nil) is ignored.
type EventCallback func(flags MessageFlags) *bool

// ParsedCallback is invoked for hooks registered with a numeric Version or
// VersionLatest. event is a fresh clone produced by the codec for this hook
// alone. A returned true means "I mutated event, please reserialise"; false
// means "silence this message"; nil means "no opinion".
type ParsedCallback func(event any, flags MessageFlags) *bool

// HookOptions configures a single hook registration.
type HookOptions struct {
	// Order controls relative priority; lower runs first. Default 0.
	Order int
	// Filter narrows which messages reach the callback. The zero Filter
	// (all nil) is NOT applied automatically — leave Filter nil in the
	// surrounding HookOptions to get DefaultFilter(); set it explicitly to
	// opt into fake/silenced/incoming/modified combinations.
	Filter *Filter
	// Cache is carried through registration unchanged: neither the engine
	// nor ModuleAPI.Hook fills it in. A module reaches its per-module cache
	// through ModuleAPI.Cache().
	Cache *bigcache.BigCache
}

// ModuleAPI is the per-connection, per-module façade a Module receives from
// Load. Every call is forwarded to the owning Connection's dispatch engine.
type ModuleAPI interface {
	// Hook registers callback for messages of the given name and version.
	// name may be "*" for the wildcard bucket. callback must be the RawCallback,
	// EventCallback or ParsedCallback matching version's kind.
	Hook(name string, version Version, opts HookOptions, callback any) (Handle, error)
	// HookOnce behaves like Hook but automatically unhooks after the first
	// invocation that actually reaches the callback (i.e. passes the filter).
	HookOnce(name string, version Version, opts HookOptions, callback any) (Handle, error)
	// Unhook removes a previously registered hook. Idempotent.
	Unhook(h Handle)
	// ToClient injects a message toward the client. Either pass a pre-built
	// buf (copied before use) via bufOrName []byte, or a message name plus a
	// structured payload for the codec to serialise.
	ToClient(bufOrName any, version Version, data any) error
	// ToServer injects a message toward the upstream server, symmetric to
	// ToClient.
	ToServer(bufOrName any, version Version, data any) error
	// Cache returns this module's local scratch cache, created on first use.
	Cache() (*bigcache.BigCache, error)
}

// Module is the interface every proxy module must implement. Load is called
// exactly once per Connection, at accept time, with a ModuleAPI bound to that
// connection's dispatch engine so module state never leaks across connections.
type Module interface {
	// Name identifies the module as the owner of every hook it registers,
	// for UnhookModule and for log correlation.
	Name() string
	// Load is invoked once per Connection; implementations call api.Hook /
	// api.HookOnce here to install their behaviour.
	Load(api ModuleAPI) error
}
