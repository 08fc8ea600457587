package dispatch

import "github.com/achetronic/wireproxy/api"

// wildcardCode is the sentinel opcode bucket that receives every message
// regardless of its real opcode.
const wildcardCode = -1

// hook is the engine's internal record for one registration. The public
// api.Handle only carries an opaque id; the engine finds the matching record
// by scanning every order group of every bucket for that id.
type hook struct {
	id      uint64
	module  string
	code    int // opcode, or wildcardCode
	version api.Version
	filter  api.Filter
	order   int

	raw    api.RawCallback
	event  api.EventCallback
	parsed api.ParsedCallback

	// identName is the message name this hook resolves against at dispatch
	// time. For a non-wildcard hook it is fixed; for a wildcard hook the
	// engine substitutes the real message's name on every call.
	identName string
}

// orderGroup is every hook sharing one order value for one code bucket, in
// registration order.
type orderGroup struct {
	order int
	hooks []*hook
}
