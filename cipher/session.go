// Package cipher sequences the external stream-cipher primitive (api.CipherPrimitive)
// through the handshake key-install states described in the spec: Empty ->
// HalfKeyed -> Full -> Ready. It never touches key bytes itself beyond
// length validation; the actual keystream math lives in the primitive.
package cipher

import (
	"fmt"

	"github.com/achetronic/wireproxy/api"
)

// KeyLength is the fixed size of every key half on the wire.
const KeyLength = 128

// State is the CipherSession state machine position.
type State int

const (
	StateEmpty State = iota
	StateHalfKeyed
	StateFull
	StateReady
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateHalfKeyed:
		return "half-keyed"
	case StateFull:
		return "full"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

type keySlot struct {
	filled bool
	key    []byte
}

// Session holds the four key halves and drives the external primitive
// through InstallKey/Init/Encrypt/Decrypt in the order the handshake
// requires. One Session is owned exclusively by one Connection.
type Session struct {
	clientKeys [2]keySlot
	serverKeys [2]keySlot
	state      State
	primitive  api.CipherPrimitive
}

// New wraps primitive, which performs the actual keystream math.
func New(primitive api.CipherPrimitive) *Session {
	return &Session{primitive: primitive}
}

// State reports the current position in the key-install state machine.
func (s *Session) State() State { return s.state }

func (s *Session) slot(side api.Side, half int) (*keySlot, error) {
	if half != 0 && half != 1 {
		return nil, fmt.Errorf("cipher: invalid key half %d", half)
	}
	if side == api.SideServer {
		return &s.serverKeys[half], nil
	}
	return &s.clientKeys[half], nil
}

// InstallKey stores one 128-byte key half and advances the state machine
// once every half required for that transition is present. It fails if the
// slot is already filled or key is not exactly KeyLength bytes.
func (s *Session) InstallKey(side api.Side, half int, key []byte) error {
	if len(key) != KeyLength {
		return fmt.Errorf("cipher: key half must be %d bytes, got %d", KeyLength, len(key))
	}

	slot, err := s.slot(side, half)
	if err != nil {
		return err
	}
	if slot.filled {
		return fmt.Errorf("cipher: %s key half %d already installed", side, half)
	}

	if err := s.primitive.InstallKey(side, half, key); err != nil {
		return err
	}

	slot.filled = true
	slot.key = append([]byte(nil), key...)
	s.advance()
	return nil
}

func (s *Session) allFilled() bool {
	for _, k := range s.clientKeys {
		if !k.filled {
			return false
		}
	}
	for _, k := range s.serverKeys {
		if !k.filled {
			return false
		}
	}
	return true
}

func (s *Session) halfFilled() bool {
	return s.clientKeys[0].filled && s.serverKeys[0].filled
}

func (s *Session) advance() {
	if s.state == StateEmpty && s.halfFilled() {
		s.state = StateHalfKeyed
	}
	if s.state == StateHalfKeyed && s.allFilled() {
		s.state = StateFull
	}
}

// Init finalises the key schedule and derives both keystreams. Legal
// exactly once, only once every slot is filled.
func (s *Session) Init() error {
	if s.state != StateFull {
		return fmt.Errorf("cipher: Init called in state %s, want %s", s.state, StateFull)
	}
	if err := s.primitive.Init(); err != nil {
		return err
	}
	s.state = StateReady
	return nil
}

// ApplyToServer encrypts buf in place with the to-server keystream.
func (s *Session) ApplyToServer(buf []byte) error {
	if s.state != StateReady {
		return fmt.Errorf("cipher: ApplyToServer called in state %s, want %s", s.state, StateReady)
	}
	s.primitive.Encrypt(buf)
	return nil
}

// ApplyFromServer decrypts buf in place with the from-server keystream.
func (s *Session) ApplyFromServer(buf []byte) error {
	if s.state != StateReady {
		return fmt.Errorf("cipher: ApplyFromServer called in state %s, want %s", s.state, StateReady)
	}
	s.primitive.Decrypt(buf)
	return nil
}
