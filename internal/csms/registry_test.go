package csms

import "testing"

func TestRegistryRegisterLastWriterWins(t *testing.T) {
	r := NewRegistry(nil)

	first := &ChargerConn{serial: "CHG001"}
	second := &ChargerConn{serial: "CHG001"}

	if prev := r.Register("CHG001", first); prev != nil {
		t.Errorf("expected no prior session, got %v", prev)
	}
	if prev := r.Register("CHG001", second); prev != first {
		t.Errorf("expected displaced first session, got %v", prev)
	}

	current, ok := r.Lookup("CHG001")
	if !ok || current != second {
		t.Errorf("expected second session registered, got %v", current)
	}
	if r.Count() != 1 {
		t.Errorf("expected one entry, got %d", r.Count())
	}
}

func TestRegistryUnregisterIsConnAware(t *testing.T) {
	r := NewRegistry(nil)

	first := &ChargerConn{serial: "CHG001"}
	second := &ChargerConn{serial: "CHG001"}

	r.Register("CHG001", first)
	r.Register("CHG001", second)

	// The displaced session tearing down late must not evict its
	// replacement.
	r.Unregister("CHG001", first)
	if current, ok := r.Lookup("CHG001"); !ok || current != second {
		t.Fatal("stale unregister evicted the current session")
	}

	r.Unregister("CHG001", second)
	if _, ok := r.Lookup("CHG001"); ok {
		t.Error("expected empty registry after unregister")
	}

	// Repeated teardown is a no-op.
	r.Unregister("CHG001", second)
	if r.Count() != 0 {
		t.Errorf("expected zero entries, got %d", r.Count())
	}
}

func TestRegistrySnapshotIsCopy(t *testing.T) {
	r := NewRegistry(nil)
	conn := &ChargerConn{serial: "CHG001"}
	r.Register("CHG001", conn)

	snap := r.Snapshot()
	delete(snap, "CHG001")

	if _, ok := r.Lookup("CHG001"); !ok {
		t.Error("mutating a snapshot must not touch the registry")
	}
}
