// Package dispatch implements the hook dispatch engine: per-Connection
// registration of raw/event/parsed callbacks against message names or the
// wildcard bucket, ordered fan-out, and the injection entry point used by
// ToClient/ToServer.
package dispatch

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/achetronic/wireproxy/api"
	"github.com/achetronic/wireproxy/catalog"
)

const (
	// UnmappedNameErrorMessage is returned when a hook names a message the
	// catalogue has no opcode for.
	UnmappedNameErrorMessage = "dispatch: unmapped message name %q"
	// WildcardVersionErrorMessage is returned when a wildcard hook pins a
	// numeric version, which has no single definition to resolve against.
	WildcardVersionErrorMessage = "dispatch: wildcard hook %q cannot pin a numeric version"
	// UnreadableDefinitionErrorMessage is returned when the codec reports a
	// definition that is not marked readable.
	UnreadableDefinitionErrorMessage = "dispatch: definition %s v%d is not readable"
	// CallbackTypeErrorMessage is returned when callback does not match the
	// shape version.Kind requires.
	CallbackTypeErrorMessage = "dispatch: callback for %q must be %s"
	// NoKnownVersionsErrorMessage is returned when VersionLatest is used for
	// a name with no registered definitions.
	NoKnownVersionsErrorMessage = "dispatch: no known versions for %q"
	// DeprecatedHookWarningMessage is logged, not rejected, when a hook binds
	// a writeable-but-deprecated definition.
	DeprecatedHookWarningMessage = "module %s hooked deprecated definition %s v%d"
	// HookPanicErrorMessage is logged when a hook callback panics.
	HookPanicErrorMessage = "module %s hook panicked on opcode %d: %v"
	// ResolveIdentifierErrorMessage is logged when a parsed hook's lazy
	// version resolution fails mid-dispatch.
	ResolveIdentifierErrorMessage = "module %s failed resolving %s v%d: %v"
	// ParseErrorMessage is logged when the codec fails to parse a buffer a
	// parsed hook asked to see.
	ParseErrorMessage = "module %s failed parsing %s v%d: %v"
	// WriteErrorMessage is logged when the codec fails to reserialise a
	// mutated event.
	WriteErrorMessage = "module %s failed writing %s v%d: %v"
)

// opcodeOffset is where the 2-byte little-endian opcode sits in a framed
// message, immediately after the default 2-byte length field. Dispatch
// operates on whole messages exactly as framer.Framer.Read returns them,
// length prefix included.
const opcodeOffset = 2

// Engine is the per-Connection dispatch engine. It is not safe for use by
// more than one Connection; every Connection owns its own Engine and its own
// HookTable, so module state never crosses connections.
type Engine struct {
	logger    *zap.SugaredLogger
	catalogue *catalog.Catalogue
	codec     api.Codec

	// mu guards byOpcode and nextID, since a Connection's two pumps (inbound
	// from server, inbound from client) may call Hook/Unhook/Dispatch
	// concurrently from hook callbacks on either pump. It is only ever held
	// across map bookkeeping, never across a callback invocation.
	mu       sync.RWMutex
	nextID   uint64
	byOpcode map[int][]*orderGroup
}

// New builds an Engine bound to catalogue for the lifetime of one Connection.
func New(logger *zap.SugaredLogger, catalogue *catalog.Catalogue) *Engine {
	return &Engine{
		logger:    logger,
		catalogue: catalogue,
		codec:     catalogue.Codec(),
		byOpcode:  make(map[int][]*orderGroup),
	}
}

// allocateID mints the next hook identity. Never reused, even across Unhook.
func (e *Engine) allocateID() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	return e.nextID
}

// Hook registers callback for name/version under moduleName, per the
// validation rules in the registration section of the protocol: wildcard
// names may not pin a numeric version, non-wildcard numeric/latest versions
// must resolve to a readable definition, and a writeable-but-deprecated
// definition is accepted with a warning rather than rejected.
func (e *Engine) Hook(moduleName, name string, version api.Version, opts api.HookOptions, callback any) (api.Handle, error) {
	id := e.allocateID()
	return e.registerWithID(id, moduleName, name, version, opts, callback)
}

// HookOnce behaves like Hook but wraps callback so the hook unhooks itself
// immediately after the first invocation that passes its filter.
func (e *Engine) HookOnce(moduleName, name string, version api.Version, opts api.HookOptions, callback any) (api.Handle, error) {
	id := e.allocateID()
	handle := api.NewHandle(id)

	wrapped, err := wrapOnce(version, callback, func() { e.Unhook(handle) })
	if err != nil {
		return api.Handle{}, err
	}
	return e.registerWithID(id, moduleName, name, version, opts, wrapped)
}

// wrapOnce builds a self-unhooking callback matching version.Kind's shape.
func wrapOnce(version api.Version, callback any, unhook func()) (any, error) {
	switch version.Kind {
	case api.VersionKindRaw:
		cb, ok := callback.(api.RawCallback)
		if !ok {
			return nil, errors.Errorf(CallbackTypeErrorMessage, "raw hook", "RawCallback")
		}
		return api.RawCallback(func(opcode uint16, buf []byte, flags api.MessageFlags) api.RawResult {
			defer unhook()
			return cb(opcode, buf, flags)
		}), nil
	case api.VersionKindEvent:
		cb, ok := callback.(api.EventCallback)
		if !ok {
			return nil, errors.Errorf(CallbackTypeErrorMessage, "event hook", "EventCallback")
		}
		return api.EventCallback(func(flags api.MessageFlags) *bool {
			defer unhook()
			return cb(flags)
		}), nil
	default:
		cb, ok := callback.(api.ParsedCallback)
		if !ok {
			return nil, errors.Errorf(CallbackTypeErrorMessage, "parsed hook", "ParsedCallback")
		}
		return api.ParsedCallback(func(event any, flags api.MessageFlags) *bool {
			defer unhook()
			return cb(event, flags)
		}), nil
	}
}

// registerWithID runs the full registration validation and, on success,
// inserts the resulting hook into its order bucket.
func (e *Engine) registerWithID(id uint64, moduleName, name string, version api.Version, opts api.HookOptions, callback any) (api.Handle, error) {
	wildcard := name == "*"

	if wildcard && version.Kind == api.VersionKindNumber {
		return api.Handle{}, errors.Errorf(WildcardVersionErrorMessage, moduleName)
	}

	code := wildcardCode
	if !wildcard {
		op, ok := e.catalogue.Resolve(name)
		if !ok {
			return api.Handle{}, errors.Errorf(UnmappedNameErrorMessage, name)
		}
		code = int(op)
	}

	if !wildcard && (version.Kind == api.VersionKindNumber || version.Kind == api.VersionKindLatest) {
		num := version.Number
		if version.Kind == api.VersionKindLatest {
			v, ok := e.catalogue.LatestVersion(name)
			if !ok {
				return api.Handle{}, errors.Errorf(NoKnownVersionsErrorMessage, name)
			}
			num = v
		}
		def, err := e.codec.ResolveIdentifier(catalog.Canonicalize(name), num)
		if err != nil {
			return api.Handle{}, errors.Wrapf(err, "dispatch: resolve %s v%d", name, num)
		}
		if !def.Definition.Readable {
			return api.Handle{}, errors.Errorf(UnreadableDefinitionErrorMessage, name, num)
		}
		if def.Definition.Writeable && def.Definition.Deprecated {
			e.logger.Warnf(DeprecatedHookWarningMessage, moduleName, name, num)
		}
	}

	h := &hook{
		id:        id,
		module:    moduleName,
		code:      code,
		version:   version,
		order:     opts.Order,
		identName: name,
	}
	if opts.Filter != nil {
		h.filter = *opts.Filter
	} else {
		h.filter = api.DefaultFilter()
	}

	switch version.Kind {
	case api.VersionKindRaw:
		cb, ok := callback.(api.RawCallback)
		if !ok {
			return api.Handle{}, errors.Errorf(CallbackTypeErrorMessage, name, "RawCallback")
		}
		h.raw = cb
	case api.VersionKindEvent:
		cb, ok := callback.(api.EventCallback)
		if !ok {
			return api.Handle{}, errors.Errorf(CallbackTypeErrorMessage, name, "EventCallback")
		}
		h.event = cb
	default:
		cb, ok := callback.(api.ParsedCallback)
		if !ok {
			return api.Handle{}, errors.Errorf(CallbackTypeErrorMessage, name, "ParsedCallback")
		}
		h.parsed = cb
	}

	e.insert(h)
	return api.NewHandle(id), nil
}

// insert places h into the sorted order-group list for its opcode bucket,
// merging into an existing group of equal order or creating a new one.
func (e *Engine) insert(h *hook) {
	e.mu.Lock()
	defer e.mu.Unlock()

	groups := e.byOpcode[h.code]
	for _, g := range groups {
		if g.order == h.order {
			g.hooks = append(g.hooks, h)
			return
		}
	}

	idx := 0
	for idx < len(groups) && groups[idx].order < h.order {
		idx++
	}
	groups = append(groups, nil)
	copy(groups[idx+1:], groups[idx:])
	groups[idx] = &orderGroup{order: h.order, hooks: []*hook{h}}
	e.byOpcode[h.code] = groups
}

// Unhook removes the registration behind h, if any. Idempotent: unhooking a
// handle that is not currently registered (already unhooked, or never valid)
// is a no-op. A pass already iterating this hook's snapshot still finishes.
func (e *Engine) Unhook(h api.Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := h.ID()
	for code, groups := range e.byOpcode {
		for gi, g := range groups {
			for hi, hh := range g.hooks {
				if hh.id != id {
					continue
				}
				g.hooks = append(g.hooks[:hi:hi], g.hooks[hi+1:]...)
				if len(g.hooks) == 0 {
					e.byOpcode[code] = append(groups[:gi:gi], groups[gi+1:]...)
				}
				return
			}
		}
	}
}

// UnhookModule removes every hook moduleName registered, regardless of
// opcode bucket or order. Used when a module is torn down with a connection.
func (e *Engine) UnhookModule(moduleName string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for code, groups := range e.byOpcode {
		kept := groups[:0:0]
		for _, g := range groups {
			survivors := g.hooks[:0:0]
			for _, h := range g.hooks {
				if h.module != moduleName {
					survivors = append(survivors, h)
				}
			}
			if len(survivors) > 0 {
				g.hooks = survivors
				kept = append(kept, g)
			}
		}
		e.byOpcode[code] = kept
	}
}

// mergedGroups returns every order group touching opcode, wildcard and
// opcode-specific buckets interleaved by ascending order with the wildcard
// bucket's group ordered first on ties. The returned groups are snapshots
// (both the group list and each group's hook slice) taken under a read
// lock, so Dispatch can iterate and invoke callbacks without holding it.
func (e *Engine) mergedGroups(opcode int) []*orderGroup {
	e.mu.RLock()
	defer e.mu.RUnlock()

	wg := e.byOpcode[wildcardCode]
	og := e.byOpcode[opcode]
	merged := make([]*orderGroup, 0, len(wg)+len(og))
	i, j := 0, 0
	for i < len(wg) && j < len(og) {
		if wg[i].order <= og[j].order {
			merged = append(merged, snapshotGroup(wg[i]))
			i++
		} else {
			merged = append(merged, snapshotGroup(og[j]))
			j++
		}
	}
	for ; i < len(wg); i++ {
		merged = append(merged, snapshotGroup(wg[i]))
	}
	for ; j < len(og); j++ {
		merged = append(merged, snapshotGroup(og[j]))
	}
	return merged
}

// snapshotGroup copies a group's hook slice so later Unhook calls on the
// live group (made from a concurrently running hook callback) cannot affect
// an in-flight Dispatch pass iterating this snapshot.
func snapshotGroup(g *orderGroup) *orderGroup {
	return &orderGroup{order: g.order, hooks: append([]*hook(nil), g.hooks...)}
}

// Dispatch runs buf through every hook that matches its opcode, in order,
// and returns the (possibly rewritten) buffer and whether it ended up
// silenced. A silenced message must never reach the wire.
func (e *Engine) Dispatch(buf []byte, incoming, fake bool) (out []byte, silenced bool) {
	if len(buf) < opcodeOffset+2 {
		return buf, false
	}
	opcode := binary.LittleEndian.Uint16(buf[opcodeOffset : opcodeOffset+2])

	cur := buf
	modified := false
	var parseCache map[int]any

	for _, g := range e.mergedGroups(int(opcode)) {
		for _, h := range g.hooks {
			flags := api.MessageFlags{Fake: fake, Incoming: incoming, Modified: modified, Silenced: silenced}
			if !h.filter.Matches(flags) {
				continue
			}

			switch {
			case h.raw != nil:
				res := e.invokeRaw(h, opcode, append([]byte(nil), cur...), flags)
				if res.Buf != nil && !bytes.Equal(res.Buf, cur) {
					cur = res.Buf
					modified = true
					parseCache = nil
				}
				if res.Silence != nil {
					silenced = !*res.Silence
				}

			case h.event != nil:
				if r := e.invokeEvent(h, flags); r != nil && !*r {
					silenced = true
				}

			default:
				name := h.identName
				if h.code == wildcardCode {
					n, ok := e.catalogue.NameForOpcode(opcode)
					if !ok {
						continue
					}
					name = n
				}
				num := h.version.Number
				if h.version.Kind == api.VersionKindLatest {
					v, ok := e.catalogue.LatestVersion(name)
					if !ok {
						continue
					}
					num = v
				}
				id, err := e.codec.ResolveIdentifier(catalog.Canonicalize(name), num)
				if err != nil {
					e.logger.Debugf(ResolveIdentifierErrorMessage, h.module, name, num, err)
					continue
				}

				if parseCache == nil {
					parseCache = make(map[int]any)
				}
				ev, ok := parseCache[num]
				if !ok {
					parsed, err := e.codec.Parse(id, cur)
					if err != nil {
						e.logger.Debugf(ParseErrorMessage, h.module, name, num, err)
						continue
					}
					parseCache[num] = parsed
					ev = parsed
				}

				clone := e.codec.Clone(id, ev)
				r := e.invokeParsed(h, clone, flags)
				if r == nil {
					continue
				}
				if !*r {
					silenced = true
					continue
				}
				newBuf, err := e.codec.Write(id, clone)
				if err != nil {
					e.logger.Debugf(WriteErrorMessage, h.module, name, num, err)
					continue
				}
				cur = newBuf
				modified = true
				silenced = false
				parseCache = nil
			}
		}
	}

	if silenced {
		return nil, true
	}
	return cur, false
}

// Write is the injection entry point behind ModuleAPI.ToClient/ToServer. ref
// is either a pre-built []byte (always copied before use) or a message name
// to serialise data against via the codec. The resulting buffer is run
// through Dispatch exactly like a genuine packet, with fake set and incoming
// the inverse of outgoing.
func (e *Engine) Write(outgoing bool, ref any, version api.Version, data any) ([]byte, bool, error) {
	var buf []byte
	switch v := ref.(type) {
	case []byte:
		buf = append([]byte(nil), v...)
	case string:
		num := version.Number
		if version.Kind == api.VersionKindLatest {
			n, ok := e.catalogue.LatestVersion(v)
			if !ok {
				return nil, false, errors.Errorf(NoKnownVersionsErrorMessage, v)
			}
			num = n
		}
		id, err := e.codec.ResolveIdentifier(v, num)
		if err != nil {
			return nil, false, errors.Wrapf(err, "dispatch: resolve %s v%d", v, num)
		}
		encoded, err := e.codec.Write(id, data)
		if err != nil {
			return nil, false, errors.Wrapf(err, "dispatch: write %s v%d", v, num)
		}
		buf = encoded
	default:
		return nil, false, errors.Errorf("dispatch: injection ref must be []byte or string, got %T", ref)
	}

	out, silenced := e.Dispatch(buf, !outgoing, true)
	return out, silenced, nil
}

func (e *Engine) invokeRaw(h *hook, opcode uint16, buf []byte, flags api.MessageFlags) (res api.RawResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Errorf(HookPanicErrorMessage, h.module, opcode, r)
			res = api.RawResult{}
		}
	}()
	return h.raw(opcode, buf, flags)
}

func (e *Engine) invokeEvent(h *hook, flags api.MessageFlags) (res *bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Errorf(HookPanicErrorMessage, h.module, h.code, r)
			res = nil
		}
	}()
	return h.event(flags)
}

func (e *Engine) invokeParsed(h *hook, event any, flags api.MessageFlags) (res *bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Errorf(HookPanicErrorMessage, h.module, h.code, r)
			res = nil
		}
	}()
	return h.parsed(event, flags)
}
