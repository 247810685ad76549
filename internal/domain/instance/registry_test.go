package instance

import "testing"

func newStoppedRuntime(id string, enabled bool) *Runtime {
	acc := Account{ID: id, Enabled: enabled, CoreSize: 1}
	return NewRuntime(acc, stubClient{}, newMemStore(), newRecordingNotifier())
}

func TestRegistryPreservesRegistrationOrder(t *testing.T) {
	reg := NewRegistry()
	reg.Register(newStoppedRuntime("c", true))
	reg.Register(newStoppedRuntime("a", true))
	reg.Register(newStoppedRuntime("b", true))

	all := reg.All()
	want := []string{"c", "a", "b"}
	if len(all) != len(want) {
		t.Fatalf("expected %d runtimes, got %d", len(want), len(all))
	}
	for i, id := range want {
		if all[i].ID() != id {
			t.Errorf("position %d: expected %s, got %s", i, id, all[i].ID())
		}
	}
}

func TestRegistryAliveFiltersDisabled(t *testing.T) {
	reg := NewRegistry()
	reg.Register(newStoppedRuntime("a", true))
	reg.Register(newStoppedRuntime("b", false))
	reg.Register(newStoppedRuntime("c", true))

	alive := reg.Alive()
	if len(alive) != 2 {
		t.Fatalf("expected 2 alive, got %d", len(alive))
	}
	if alive[0].ID() != "a" || alive[1].ID() != "c" {
		t.Errorf("unexpected alive set: %s, %s", alive[0].ID(), alive[1].ID())
	}
}

func TestRegistryReplaceKeepsPosition(t *testing.T) {
	reg := NewRegistry()
	reg.Register(newStoppedRuntime("a", true))
	reg.Register(newStoppedRuntime("b", true))
	reg.Register(newStoppedRuntime("a", false))

	all := reg.All()
	if len(all) != 2 {
		t.Fatalf("expected 2 runtimes after replace, got %d", len(all))
	}
	if all[0].ID() != "a" || all[0].Alive() {
		t.Errorf("replacement should keep position and new config")
	}
}

func TestRegistryRemove(t *testing.T) {
	reg := NewRegistry()
	reg.Register(newStoppedRuntime("a", true))
	reg.Register(newStoppedRuntime("b", true))
	reg.Remove("a")
	reg.Remove("missing")

	if reg.Get("a") != nil {
		t.Error("removed runtime should not resolve")
	}
	if len(reg.All()) != 1 || reg.All()[0].ID() != "b" {
		t.Error("remaining runtime should be b")
	}
}
