package archive

import (
	"testing"
	"time"

	"territory-platform/server/internal/models"
)

func TestMemorySinkRoundTrip(t *testing.T) {
	sink := NewMemorySink()

	record := &models.GameRecord{
		SessionID: "session-1",
		Config:    models.SessionConfig{GameMap: "europe", GameType: models.GameTypePublic},
		StartedAt: time.Now().Add(-time.Minute),
		EndedAt:   time.Now(),
	}

	exists, err := sink.GameRecordExists("session-1")
	if err != nil {
		t.Fatalf("GameRecordExists failed: %v", err)
	}
	if exists {
		t.Error("record should not exist before archive")
	}

	if err := sink.Archive(record); err != nil {
		t.Fatalf("Archive failed: %v", err)
	}

	got, err := sink.ReadGameRecord("session-1")
	if err != nil {
		t.Fatalf("ReadGameRecord failed: %v", err)
	}
	if got.Config.GameMap != "europe" {
		t.Errorf("got map %q, want europe", got.Config.GameMap)
	}

	// Second write of the same id overwrites, not errors
	if err := sink.Archive(record); err != nil {
		t.Errorf("re-archive should be idempotent, got %v", err)
	}
}

func TestMemorySinkMissingRecord(t *testing.T) {
	sink := NewMemorySink()

	if _, err := sink.ReadGameRecord("nope"); err != ErrRecordNotFound {
		t.Errorf("expected ErrRecordNotFound, got %v", err)
	}
}
