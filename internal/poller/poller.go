// Package poller runs the worker's periodic check-in with the external
// matchmaker: it reports capacity and offers a candidate session id,
// and schedules any public game the matchmaker assigns.
package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"time"

	"territory-platform/server/internal/models"
	"territory-platform/server/internal/session"
	"territory-platform/server/internal/shard"
)

const (
	baseInterval = 5 * time.Second
	jitterRange  = 2 * time.Second

	// assignedStartDelay gives players time to connect before the
	// assigned public game starts.
	assignedStartDelay = 7 * time.Second
)

// Config carries the poller's identity and target
type Config struct {
	MatchmakerURL string
	WorkerID      int
	NumWorkers    int
	AdminHeader   string
	AdminToken    string
}

// checkIn is the payload posted to the matchmaker every interval
type checkIn struct {
	WorkerID           int    `json:"workerId"`
	WorkerPath         string `json:"workerPath"`
	ConnectedClients   int    `json:"connectedClients"`
	ActiveSessions     int    `json:"activeSessions"`
	CandidateSessionID string `json:"candidateSessionId"`
}

// assignment is the matchmaker's reply; a non-empty session id means
// this worker should host that public game.
type assignment struct {
	SessionID string                `json:"sessionId"`
	Config    *models.SessionConfig `json:"config,omitempty"`
}

// Poller drives the matchmaker check-in loop
type Poller struct {
	cfg      Config
	sessions *session.Manager
	client   *http.Client
}

// New creates a poller; it does nothing until Run.
func New(cfg Config, sessions *session.Manager) *Poller {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	return &Poller{
		cfg:      cfg,
		sessions: sessions,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Run checks in with the matchmaker until ctx is cancelled. Each cycle
// sleeps a jittered interval so a worker fleet does not thunder at the
// matchmaker in lockstep.
func (p *Poller) Run(ctx context.Context) {
	if p.cfg.MatchmakerURL == "" {
		log.Println("[POLLER] No matchmaker URL configured, poller disabled")
		return
	}

	for {
		interval := baseInterval + time.Duration(rand.Int63n(int64(jitterRange)))
		select {
		case <-time.After(interval):
			p.checkIn(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Poller) checkIn(ctx context.Context) {
	payload := checkIn{
		WorkerID:           p.cfg.WorkerID,
		WorkerPath:         shard.PathPrefix(p.cfg.WorkerID),
		ConnectedClients:   p.sessions.ConnectedClients(),
		ActiveSessions:     p.sessions.SessionCount(),
		CandidateSessionID: shard.GenerateLocalSessionID(p.cfg.WorkerID, p.cfg.NumWorkers),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.MatchmakerURL, bytes.NewReader(body))
	if err != nil {
		log.Printf("[POLLER] Failed to build check-in request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.AdminHeader != "" && p.cfg.AdminToken != "" {
		req.Header.Set(p.cfg.AdminHeader, p.cfg.AdminToken)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		log.Printf("[POLLER] Check-in failed: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("[POLLER] Check-in rejected with status %d", resp.StatusCode)
		return
	}

	var assigned assignment
	if err := json.NewDecoder(resp.Body).Decode(&assigned); err != nil {
		log.Printf("[POLLER] Failed to decode matchmaker reply: %v", err)
		return
	}
	if assigned.SessionID == "" {
		return
	}

	if err := p.hostAssignedGame(assigned); err != nil {
		log.Printf("[POLLER] Failed to host assigned game %s: %v", assigned.SessionID, err)
	}
}

// hostAssignedGame creates the assigned public session and schedules
// its start. Assignments for other shards are refused.
func (p *Poller) hostAssignedGame(assigned assignment) error {
	if !shard.IsLocal(assigned.SessionID, p.cfg.WorkerID, p.cfg.NumWorkers) {
		return fmt.Errorf("session %s does not route to worker %d", assigned.SessionID, p.cfg.WorkerID)
	}

	config := models.SessionConfig{
		GameMap:  "world",
		GameType: models.GameTypePublic,
	}
	if assigned.Config != nil {
		config = *assigned.Config
		config.GameType = models.GameTypePublic
	}

	srv, err := p.sessions.CreateSession(assigned.SessionID, "", config)
	if err == session.ErrSessionExists {
		// The matchmaker may repeat an assignment; that is not a fault.
		return nil
	}
	if err != nil {
		return err
	}

	srv.ScheduleStart(time.Now().Add(assignedStartDelay))
	log.Printf("[POLLER] Hosting assigned public game %s", assigned.SessionID)
	return nil
}
