package backend

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
)

type stubBackend struct {
	kind       Kind
	terminated atomic.Bool
}

func (s *stubBackend) Init(context.Context) error         { return nil }
func (s *stubBackend) Exec(context.Context, string) error { return nil }
func (s *stubBackend) Eval(context.Context, string) (json.RawMessage, error) {
	return nil, ErrNoValue
}
func (s *stubBackend) StartStreaming(context.Context, string, StreamCallbacks) error {
	return nil
}
func (s *stubBackend) StopStreaming()                       {}
func (s *stubBackend) ExecDuringStreaming(string) error     { return nil }
func (s *stubBackend) Terminate()                           { s.terminated.Store(true) }
func (s *stubBackend) SetOutput(func(string), func(string)) {}
func (s *stubBackend) State() SessionState                  { return SessionState{} }
func (s *stubBackend) Kind() Kind                           { return s.kind }

func TestRegistryLazyConstruction(t *testing.T) {
	var built int
	reg := NewRegistry(RegistryConfig{
		Factory: func(kind Kind) (Backend, error) {
			built++
			return &stubBackend{kind: kind}, nil
		},
	})
	if reg.Current() != nil {
		t.Fatalf("no backend should exist before first Get")
	}
	first, err := reg.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	second, err := reg.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if first != second {
		t.Errorf("repeated Get must return the same instance")
	}
	if built != 1 {
		t.Errorf("factory ran %d times, want 1", built)
	}
}

func TestRegistryFollowsPreference(t *testing.T) {
	pref := KindLocal
	reg := NewRegistry(RegistryConfig{
		Preference: func() Kind { return pref },
		Factory: func(kind Kind) (Backend, error) {
			return &stubBackend{kind: kind}, nil
		},
	})
	first, err := reg.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	pref = KindRemote
	second, err := reg.Get()
	if err != nil {
		t.Fatalf("get after preference change: %v", err)
	}
	if second.Kind() != KindRemote {
		t.Errorf("got %q backend, want remote", second.Kind())
	}
	if !first.(*stubBackend).terminated.Load() {
		t.Errorf("previous backend must be terminated on swap")
	}
}

func TestRegistryUnknownKindFailsFast(t *testing.T) {
	reg := NewRegistry(RegistryConfig{})
	current, _ := reg.Switch(KindLocal)
	if _, err := reg.Switch(Kind("quantum")); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("want ErrUnknownKind, got %v", err)
	}
	if reg.Current() != current {
		t.Errorf("failed switch must leave the current backend in place")
	}
}

func TestRegistryClose(t *testing.T) {
	stub := &stubBackend{kind: KindLocal}
	reg := NewRegistry(RegistryConfig{
		Factory: func(Kind) (Backend, error) { return stub, nil },
	})
	if _, err := reg.Get(); err != nil {
		t.Fatalf("get: %v", err)
	}
	reg.Close()
	if !stub.terminated.Load() {
		t.Errorf("close must terminate the active backend")
	}
	if reg.Current() != nil {
		t.Errorf("close must release the active backend")
	}
}
