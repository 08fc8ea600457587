package catalog

import (
	"testing"

	"github.com/achetronic/wireproxy/api"
)

type fakeCodec struct {
	messages []api.NameVersion
}

func (f *fakeCodec) Parse(api.Identifier, []byte) (any, error)       { return nil, nil }
func (f *fakeCodec) Write(api.Identifier, any) ([]byte, error)       { return nil, nil }
func (f *fakeCodec) Clone(api.Identifier, any) any                   { return nil }
func (f *fakeCodec) ResolveIdentifier(string, int) (api.Identifier, error) {
	return api.Identifier{}, nil
}
func (f *fakeCodec) Messages() []api.NameVersion { return f.messages }
func (f *fakeCodec) AddDefinition(string, int, api.Definition, bool) error { return nil }
func (f *fakeCodec) ParseDefinition(string) (api.Definition, error)       { return api.Definition{}, nil }

func TestCanonicalize(t *testing.T) {
	cases := map[string]string{
		"LOGIN_REQUEST": "LOGIN_REQUEST",
		"loginRequest":  "LOGIN_REQUEST",
		"login":         "LOGIN",
		"*":             "*",
	}
	for in, want := range cases {
		if got := Canonicalize(in); got != want {
			t.Errorf("Canonicalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestResolveBothNamingStyles(t *testing.T) {
	codec := &fakeCodec{messages: []api.NameVersion{
		{Name: "LOGIN_REQUEST", Version: 1},
		{Name: "LOGIN_REQUEST", Version: 2},
	}}
	cat, err := New(codec, []Entry{{Name: "LOGIN_REQUEST", Opcode: 10, HasPadding: true}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	for _, name := range []string{"LOGIN_REQUEST", "loginRequest"} {
		op, ok := cat.Resolve(name)
		if !ok || op != 10 {
			t.Fatalf("Resolve(%q) = (%d, %v), want (10, true)", name, op, ok)
		}
	}

	if !cat.HasPadding(10) {
		t.Fatal("expected opcode 10 to have padding")
	}
	if cat.HasPadding(11) {
		t.Fatal("expected opcode 11 to have no padding by default")
	}

	v, ok := cat.LatestVersion("loginRequest")
	if !ok || v != 2 {
		t.Fatalf("LatestVersion = (%d, %v), want (2, true)", v, ok)
	}

	name, ok := cat.NameForOpcode(10)
	if !ok || name != "LOGIN_REQUEST" {
		t.Fatalf("NameForOpcode(10) = (%q, %v)", name, ok)
	}
}

func TestLoginOpcode(t *testing.T) {
	codec := &fakeCodec{}
	cat, err := New(codec, []Entry{
		{Name: "PING", Opcode: 1},
		{Name: "LOGIN_REQUEST", Opcode: 2, IsLogin: true},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	op, ok := cat.LoginOpcode()
	if !ok || op != 2 {
		t.Fatalf("LoginOpcode() = (%d, %v), want (2, true)", op, ok)
	}

	if err := cat.AddEntry(Entry{Name: "OTHER_LOGIN", Opcode: 3, IsLogin: true}); err == nil {
		t.Fatal("expected a second login entry to be rejected")
	}
}

func TestLoginOpcodeUnsetWhenNoEntryMarksIt(t *testing.T) {
	codec := &fakeCodec{}
	cat, err := New(codec, []Entry{{Name: "PING", Opcode: 1}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, ok := cat.LoginOpcode(); ok {
		t.Fatal("expected no login opcode when no entry marks one")
	}
}

func TestAddEntryRejectsDuplicates(t *testing.T) {
	codec := &fakeCodec{}
	cat, err := New(codec, []Entry{{Name: "A", Opcode: 1}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := cat.AddEntry(Entry{Name: "A", Opcode: 2}); err == nil {
		t.Fatal("expected duplicate name rejection")
	}
	if err := cat.AddEntry(Entry{Name: "B", Opcode: 1}); err == nil {
		t.Fatal("expected duplicate opcode rejection")
	}
}
