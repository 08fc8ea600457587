// Package democodec is a minimal, concrete api.Codec: the real wire
// message definitions are out of scope for this repository (they belong to
// whatever game protocol a deployment targets), so this package exists only
// to give main.go something real to parse, write and clone against.
package democodec

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/achetronic/wireproxy/api"
)

// Event is the generic parsed form every democodec message decodes to: the
// payload bytes immediately following the four-byte header.
type Event struct {
	Name    string
	Version int
	Payload []byte
}

type definitionKey struct {
	name    string
	version int
}

// Codec implements api.Codec over a registry of Event definitions, keyed by
// name and version, the same shape the catalogue expects from a real
// protocol codec. opcodes mirrors whatever opcode the catalogue was built
// with for each name, since Write has to produce a complete framed message
// (length + opcode + payload) and api.Identifier carries no opcode of its
// own.
type Codec struct {
	mu      sync.RWMutex
	defs    map[definitionKey]api.Definition
	opcodes map[string]uint16
}

// New returns an empty Codec; call AddDefinition for every message the
// catalogue should be able to resolve, then RegisterOpcode with the same
// opcode the catalogue uses for that name.
func New() *Codec {
	return &Codec{
		defs:    make(map[definitionKey]api.Definition),
		opcodes: make(map[string]uint16),
	}
}

// RegisterOpcode records the wire opcode Write should embed for name. Call
// this with the same value passed to the matching catalog.Entry.
func (c *Codec) RegisterOpcode(name string, opcode uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opcodes[name] = opcode
}

func (c *Codec) Parse(id api.Identifier, data []byte) (any, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("democodec: message shorter than the 4-byte header")
	}
	return &Event{
		Name:    id.Name,
		Version: id.Version,
		Payload: append([]byte(nil), data[4:]...),
	}, nil
}

func (c *Codec) Write(id api.Identifier, event any) ([]byte, error) {
	ev, ok := event.(*Event)
	if !ok {
		return nil, fmt.Errorf("democodec: Write expects *Event, got %T", event)
	}
	c.mu.RLock()
	opcode, ok := c.opcodes[id.Name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("democodec: no opcode registered for %s", id.Name)
	}
	buf := make([]byte, 4+len(ev.Payload))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(4+len(ev.Payload)))
	binary.LittleEndian.PutUint16(buf[2:4], opcode)
	copy(buf[4:], ev.Payload)
	return buf, nil
}

func (c *Codec) Clone(_ api.Identifier, event any) any {
	ev, ok := event.(*Event)
	if !ok {
		return event
	}
	return &Event{Name: ev.Name, Version: ev.Version, Payload: append([]byte(nil), ev.Payload...)}
}

func (c *Codec) ResolveIdentifier(name string, version int) (api.Identifier, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.defs[definitionKey{name, version}]
	if !ok {
		return api.Identifier{}, fmt.Errorf("democodec: no definition for %s v%d", name, version)
	}
	return api.Identifier{Name: name, Version: version, Definition: def}, nil
}

func (c *Codec) Messages() []api.NameVersion {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]api.NameVersion, 0, len(c.defs))
	for k := range c.defs {
		out = append(out, api.NameVersion{Name: k.name, Version: k.version})
	}
	return out
}

func (c *Codec) AddDefinition(name string, version int, def api.Definition, overwrite bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := definitionKey{name, version}
	if _, exists := c.defs[key]; exists && !overwrite {
		return fmt.Errorf("democodec: %s v%d already defined", name, version)
	}
	c.defs[key] = def
	return nil
}

// ParseDefinition accepts "readable", "writeable", "deprecated" (space or
// comma separated) and builds the matching api.Definition, mirroring how a
// real codec would parse a schema file's per-message flags.
func (c *Codec) ParseDefinition(text string) (api.Definition, error) {
	var def api.Definition
	field := ""
	flush := func() {
		switch field {
		case "readable":
			def.Readable = true
		case "writeable":
			def.Writeable = true
		case "deprecated":
			def.Deprecated = true
		case "":
		default:
		}
		field = ""
	}
	for _, r := range text {
		switch r {
		case ' ', ',', '\t', '\n':
			flush()
		default:
			field += string(r)
		}
	}
	flush()
	return def, nil
}
