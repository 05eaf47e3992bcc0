package watchpoint

import "testing"

func TestSetStartsClearAndWatchesOnAdd(t *testing.T) {
	s := NewSet("test", ClearWatchpoint)
	if s.State() != ClearWatchpoint {
		t.Fatalf("expected clear, got %v", s.State())
	}

	fired := 0
	if !s.Add(&Func{F: func(string) { fired++ }}) {
		t.Fatal("Add on a valid set should succeed")
	}
	if s.State() != IsWatched {
		t.Errorf("expected watched after Add, got %v", s.State())
	}
	if !s.IsStillValid() {
		t.Error("watched set should be valid")
	}
	if fired != 0 {
		t.Errorf("watchpoint fired early: %d", fired)
	}
}

func TestFireAllNotifiesOnce(t *testing.T) {
	s := NewSet("test", IsWatched)
	var details []string
	s.Add(&Func{F: func(d string) { details = append(details, d) }})
	s.Add(&Func{F: func(d string) { details = append(details, d) }})

	s.FireAll("transition")
	s.FireAll("again")

	if len(details) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(details))
	}
	if details[0] != "transition" {
		t.Errorf("unexpected detail %q", details[0])
	}
	if !s.HasBeenInvalidated() {
		t.Error("set should be invalidated")
	}
	if s.InvalidationDetail() != "transition" {
		t.Errorf("detail should be from first fire, got %q", s.InvalidationDetail())
	}
	if s.NumberOfWatchpoints() != 0 {
		t.Error("watchers should be dropped after firing")
	}
}

func TestAddToInvalidatedSetFails(t *testing.T) {
	s := NewSet("test", IsWatched)
	s.FireAll("gone")
	if s.Add(&Func{F: func(string) {}}) {
		t.Error("Add on invalidated set should report failure")
	}
}

func TestRemove(t *testing.T) {
	s := NewSet("test", IsWatched)
	fired := false
	w := &Func{F: func(string) { fired = true }}
	s.Add(w)
	s.Remove(w)
	s.FireAll("x")
	if fired {
		t.Error("removed watchpoint should not fire")
	}
}

func TestTouch(t *testing.T) {
	s := NewSet("global", ClearWatchpoint)
	s.Touch("first store")
	if s.State() != IsWatched {
		t.Fatalf("first touch should start watching, got %v", s.State())
	}
	s.Touch("second store")
	if s.State() != IsInvalidated {
		t.Errorf("second touch should invalidate, got %v", s.State())
	}
}

func TestWatcherMayRemoveItselfWhileFiring(t *testing.T) {
	s := NewSet("test", IsWatched)
	var w *Func
	w = &Func{F: func(string) { s.Remove(w) }}
	s.Add(w)
	s.FireAll("reentrant") // must not deadlock
}
