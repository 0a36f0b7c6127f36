package session

import (
	"testing"

	"github.com/hazyhaar/visualcore/sessionid"
)

func TestRegistryRegisterLookupRemove(t *testing.T) {
	r := NewRegistry()
	id := sessionid.New()
	m := New(id, Config{})

	if _, ok := r.Lookup(id); ok {
		t.Fatal("expected no entry before Register")
	}

	r.Register(m)
	got, ok := r.Lookup(id)
	if !ok || got != m {
		t.Fatalf("Lookup after Register = %v, %v", got, ok)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}

	r.Remove(id)
	if _, ok := r.Lookup(id); ok {
		t.Fatal("expected no entry after Remove")
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestRegistryAllReturnsSnapshot(t *testing.T) {
	r := NewRegistry()
	m1 := New(sessionid.New(), Config{})
	m2 := New(sessionid.New(), Config{})
	r.Register(m1)
	r.Register(m2)

	all := r.All()
	if len(all) != 2 {
		t.Fatalf("All() returned %d managers, want 2", len(all))
	}
}
