package telemetry

import "testing"

func TestMemoryCounters(t *testing.T) {
	store, err := New(Config{})
	if err != nil {
		t.Fatalf("New with no Redis should not fail: %v", err)
	}

	store.Incr("queued:duel:eu", 1)
	store.Incr("queued:duel:eu", 1)
	store.Incr("queued:duel:eu", -1)

	if got := store.Get("queued:duel:eu"); got != 1 {
		t.Errorf("gauge = %d, want 1", got)
	}

	if got := store.Get("never_touched"); got != 0 {
		t.Errorf("missing counter = %d, want 0", got)
	}
}
