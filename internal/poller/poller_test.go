package poller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"territory-platform/server/internal/archive"
	"territory-platform/server/internal/models"
	"territory-platform/server/internal/session"
	"territory-platform/server/internal/shard"
)

func newTestManager() *session.Manager {
	return session.NewManager(archive.NewMemorySink(), session.Options{TurnInterval: time.Hour})
}

func TestCheckInHostsAssignedGame(t *testing.T) {
	sessions := newTestManager()
	assignedID := shard.GenerateLocalSessionID(0, 1)

	var received checkIn
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("bad check-in payload: %v", err)
		}
		json.NewEncoder(w).Encode(assignment{
			SessionID: assignedID,
			Config:    &models.SessionConfig{GameMap: "pangaea"},
		})
	}))
	defer server.Close()

	p := New(Config{MatchmakerURL: server.URL, WorkerID: 0, NumWorkers: 1}, sessions)
	p.checkIn(context.Background())

	if received.WorkerPath != "/w0" {
		t.Errorf("expected worker path /w0, got %q", received.WorkerPath)
	}
	if received.CandidateSessionID == "" {
		t.Error("check-in offered no candidate session id")
	}

	srv, ok := sessions.Lookup(assignedID)
	if !ok {
		t.Fatal("assigned game was not created")
	}
	cfg := srv.Config()
	if cfg.GameMap != "pangaea" {
		t.Errorf("assigned config not applied, map %q", cfg.GameMap)
	}
	if cfg.GameType != models.GameTypePublic {
		t.Error("assigned games must be public")
	}
}

func TestForeignAssignmentRefused(t *testing.T) {
	sessions := newTestManager()
	foreignID := shard.GenerateLocalSessionID(1, 2)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(assignment{SessionID: foreignID})
	}))
	defer server.Close()

	p := New(Config{MatchmakerURL: server.URL, WorkerID: 0, NumWorkers: 2}, sessions)
	p.checkIn(context.Background())

	if _, ok := sessions.Lookup(foreignID); ok {
		t.Error("game routed to another shard was hosted locally")
	}
}

func TestRepeatAssignmentIsNoFault(t *testing.T) {
	sessions := newTestManager()
	assignedID := shard.GenerateLocalSessionID(0, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(assignment{SessionID: assignedID})
	}))
	defer server.Close()

	p := New(Config{MatchmakerURL: server.URL, WorkerID: 0, NumWorkers: 1}, sessions)
	p.checkIn(context.Background())
	p.checkIn(context.Background())

	if sessions.SessionCount() != 1 {
		t.Errorf("expected 1 session after repeated assignment, got %d", sessions.SessionCount())
	}
}

func TestEmptyReplyCreatesNothing(t *testing.T) {
	sessions := newTestManager()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(assignment{})
	}))
	defer server.Close()

	p := New(Config{MatchmakerURL: server.URL, WorkerID: 0, NumWorkers: 1}, sessions)
	p.checkIn(context.Background())

	if sessions.SessionCount() != 0 {
		t.Errorf("expected no sessions, got %d", sessions.SessionCount())
	}
}
