package session

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"territory-platform/server/internal/archive"
	"territory-platform/server/internal/models"
)

func testOptions() Options {
	return Options{
		// Effectively disables the background pump; tests drive Tick
		// directly.
		TurnInterval:        time.Hour,
		DisconnectThreshold: 30 * time.Second,
		EvictionThreshold:   60 * time.Second,
		MaxDuration:         3 * time.Hour,
	}
}

func publicConfig() models.SessionConfig {
	return models.SessionConfig{
		GameMap:  "world",
		GameType: models.GameTypePublic,
	}
}

func drain(c *Client) []ServerMessage {
	var out []ServerMessage
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return out
			}
			var msg ServerMessage
			if err := json.Unmarshal(data, &msg); err == nil {
				out = append(out, msg)
			}
		default:
			return out
		}
	}
}

func lastOfType(msgs []ServerMessage, typ string) *ServerMessage {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Type == typ {
			return &msgs[i]
		}
	}
	return nil
}

func addClient(t *testing.T, s *Server, clientID, ip string) *Client {
	t.Helper()
	c := NewClient(clientID, "persist-"+clientID, ip, "user-"+clientID, nil)
	if err := s.JoinClient(c, 0); err != nil {
		t.Fatalf("JoinClient(%s) failed: %v", clientID, err)
	}
	return c
}

func intentJSON(typ, clientID string) json.RawMessage {
	data, _ := json.Marshal(map[string]interface{}{"type": typ, "clientID": clientID, "x": 4, "y": 2})
	return data
}

func intentMessage(typ, clientID string) []byte {
	data, _ := json.Marshal(map[string]interface{}{
		"type":   "intent",
		"intent": json.RawMessage(intentJSON(typ, clientID)),
	})
	return data
}

func TestTurnsAreMonotonicAndContainIntents(t *testing.T) {
	s := NewServer("sess-1", "persist-a", publicConfig(), archive.NewMemorySink(), testOptions())
	a := addClient(t, s, "a", "10.0.0.1")
	b := addClient(t, s, "b", "10.0.0.2")
	s.Start()
	drain(a)
	drain(b)

	s.HandleMessage(a, intentMessage(IntentMove, "a"))
	s.HandleMessage(b, intentMessage(IntentAttack, "b"))
	s.Tick()
	s.Tick()

	turns := s.Turns()
	if len(turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(turns))
	}
	for i, turn := range turns {
		if turn.TurnNumber != i {
			t.Errorf("turn %d has number %d", i, turn.TurnNumber)
		}
	}
	if len(turns[0].Intents) != 2 {
		t.Errorf("expected 2 intents in turn 0, got %d", len(turns[0].Intents))
	}
	if len(turns[1].Intents) != 0 {
		t.Errorf("expected empty turn 1, got %d intents", len(turns[1].Intents))
	}

	msgs := drain(b)
	turnMsgs := 0
	for _, m := range msgs {
		if m.Type == "turn" {
			turnMsgs++
		}
	}
	if turnMsgs != 2 {
		t.Errorf("expected 2 turn broadcasts, got %d", turnMsgs)
	}
}

func TestMismatchedIntentClientIDDropped(t *testing.T) {
	s := NewServer("sess-2", "persist-a", publicConfig(), archive.NewMemorySink(), testOptions())
	a := addClient(t, s, "a", "10.0.0.1")
	addClient(t, s, "b", "10.0.0.2")
	s.Start()

	s.HandleMessage(a, intentMessage(IntentMove, "b"))
	s.Tick()

	if got := len(s.Turns()[0].Intents); got != 0 {
		t.Errorf("spoofed intent should be dropped, got %d intents", got)
	}
}

func TestMalformedMessageClosesWithProtocolError(t *testing.T) {
	s := NewServer("sess-3", "persist-a", publicConfig(), archive.NewMemorySink(), testOptions())
	a := addClient(t, s, "a", "10.0.0.1")

	code := s.HandleMessage(a, []byte("{not json"))
	if code != CloseProtocol {
		t.Errorf("expected close code %d for malformed message, got %d", CloseProtocol, code)
	}
	msgs := drain(a)
	if lastOfType(msgs, "error") == nil {
		t.Error("expected an error message before close")
	}
}

func TestLateJoinReceivesTurnsFromLastTurn(t *testing.T) {
	s := NewServer("sess-4", "persist-a", publicConfig(), archive.NewMemorySink(), testOptions())
	a := addClient(t, s, "a", "10.0.0.1")
	s.Start()

	s.HandleMessage(a, intentMessage(IntentMove, "a"))
	for i := 0; i < 5; i++ {
		s.Tick()
	}

	late := NewClient("late", "persist-late", "10.0.0.9", "latecomer", nil)
	if err := s.JoinClient(late, 3); err != nil {
		t.Fatalf("late join failed: %v", err)
	}

	msgs := drain(late)
	start := lastOfType(msgs, "start")
	if start == nil {
		t.Fatal("late joiner did not receive a start message")
	}
	if len(start.Turns) != 2 {
		t.Fatalf("expected turns [3,4], got %d turns", len(start.Turns))
	}
	if start.Turns[0].TurnNumber != 3 {
		t.Errorf("expected first replayed turn 3, got %d", start.Turns[0].TurnNumber)
	}
}

func hashMessage(turn int, hash uint64) []byte {
	data, _ := json.Marshal(map[string]interface{}{
		"type": "hash", "turnNumber": turn, "hash": hash,
	})
	return data
}

func TestDesyncDetectionNotifiesMinorityOnce(t *testing.T) {
	s := NewServer("sess-5", "persist-a", publicConfig(), archive.NewMemorySink(), testOptions())
	a := addClient(t, s, "a", "10.0.0.1")
	b := addClient(t, s, "b", "10.0.0.2")
	c := addClient(t, s, "c", "10.0.0.3")
	s.Start()

	s.Tick() // turn 0
	s.HandleMessage(a, hashMessage(0, 1111))
	s.HandleMessage(b, hashMessage(0, 1111))
	s.HandleMessage(c, hashMessage(0, 9999))
	drain(a)
	drain(b)
	drain(c)

	// Turn 10 snapshot triggers reconciliation of turn 0.
	for i := 0; i < 10; i++ {
		s.Tick()
	}

	msgs := drain(c)
	desync := lastOfType(msgs, "desync")
	if desync == nil {
		t.Fatal("minority client did not receive a desync notice")
	}
	if desync.CorrectHash == nil || *desync.CorrectHash != 1111 {
		t.Errorf("expected correct hash 1111, got %v", desync.CorrectHash)
	}
	if desync.ClientsWithCorrectHash != 2 {
		t.Errorf("expected 2 agreeing clients, got %d", desync.ClientsWithCorrectHash)
	}
	if m := lastOfType(drain(a), "desync"); m != nil {
		t.Error("majority client should not receive a desync notice")
	}

	turns := s.Turns()
	if turns[0].Hash == nil || *turns[0].Hash != 1111 {
		t.Error("canonical hash was not written back to turn 0")
	}

	// The notice is delivered exactly once per (client, turn).
	s.mu.Lock()
	s.reconcileLocked(0)
	s.mu.Unlock()
	if m := lastOfType(drain(c), "desync"); m != nil {
		t.Error("desync notice delivered twice for the same turn")
	}
}

func TestAllOutOfSyncWhenNoRealMajority(t *testing.T) {
	s := NewServer("sess-6", "persist-a", publicConfig(), archive.NewMemorySink(), testOptions())
	a := addClient(t, s, "a", "10.0.0.1")
	b := addClient(t, s, "b", "10.0.0.2")
	s.Start()

	s.Tick()
	s.HandleMessage(a, hashMessage(0, 1))
	s.HandleMessage(b, hashMessage(0, 2))
	for i := 0; i < 10; i++ {
		s.Tick()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.outOfSync["a"] || !s.outOfSync["b"] {
		t.Error("split vote should mark every client out of sync")
	}
}

func TestSilentClientsAreNotDesyncs(t *testing.T) {
	s := NewServer("sess-21", "persist-a", publicConfig(), archive.NewMemorySink(), testOptions())
	a := addClient(t, s, "a", "10.0.0.1")
	b := addClient(t, s, "b", "10.0.0.2")
	c := addClient(t, s, "c", "10.0.0.3")
	s.Start()

	s.Tick() // turn 0
	s.HandleMessage(a, hashMessage(0, 1111))
	drain(a)
	drain(b)
	drain(c)

	for i := 0; i < 10; i++ {
		s.Tick()
	}

	s.mu.RLock()
	flagged := len(s.outOfSync)
	s.mu.RUnlock()
	if flagged != 0 {
		t.Fatalf("%d clients flagged out of sync when only one hash was posted", flagged)
	}
	for _, cl := range []*Client{a, b, c} {
		if m := lastOfType(drain(cl), "desync"); m != nil {
			t.Errorf("client %s received a spurious desync notice", cl.ClientID)
		}
	}

	// Winner voting stays live: two of three IPs reach quorum.
	s.HandleMessage(b, winnerMessage("player", "a"))
	s.HandleMessage(c, winnerMessage("player", "a"))
	w, _ := s.Winner()
	if w == nil || w.ID != "a" {
		t.Fatal("winner vote not adopted after a partially reported turn")
	}
}

func winnerMessage(kind, id string) []byte {
	winner, _ := json.Marshal(models.WinnerDescriptor{Kind: kind, ID: id})
	data, _ := json.Marshal(map[string]interface{}{
		"type":   "winner",
		"winner": json.RawMessage(winner),
	})
	return data
}

func TestWinnerAdoptedAtIPQuorum(t *testing.T) {
	sink := archive.NewMemorySink()
	s := NewServer("sess-7", "persist-a", publicConfig(), sink, testOptions())
	clients := make([]*Client, 4)
	for i := range clients {
		clients[i] = addClient(t, s, fmt.Sprintf("p%d", i), fmt.Sprintf("10.0.0.%d", i+1))
	}
	s.Start()

	s.HandleMessage(clients[0], winnerMessage("player", "p2"))
	if w, _ := s.Winner(); w != nil {
		t.Fatal("one vote out of four IPs should not adopt a winner")
	}

	s.HandleMessage(clients[1], winnerMessage("player", "p2"))
	w, _ := s.Winner()
	if w == nil {
		t.Fatal("two votes out of four IPs should adopt the winner")
	}
	if w.Kind != "player" || w.ID != "p2" {
		t.Errorf("unexpected winner %+v", w)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if exists, _ := sink.GameRecordExists("sess-7"); exists {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("winner adoption did not archive the session")
		}
		time.Sleep(5 * time.Millisecond)
	}
	record, err := sink.ReadGameRecord("sess-7")
	if err != nil {
		t.Fatalf("ReadGameRecord failed: %v", err)
	}
	if record.Winner == nil || record.Winner.ID != "p2" {
		t.Error("archived record missing adopted winner")
	}
}

func TestRepeatAndOutOfSyncVotesIgnored(t *testing.T) {
	s := NewServer("sess-8", "persist-a", publicConfig(), archive.NewMemorySink(), testOptions())
	a := addClient(t, s, "a", "10.0.0.1")
	b := addClient(t, s, "b", "10.0.0.2")
	c := addClient(t, s, "c", "10.0.0.3")
	d := addClient(t, s, "d", "10.0.0.4")
	_ = b
	_ = d
	s.Start()

	s.mu.Lock()
	s.outOfSync["c"] = true
	s.mu.Unlock()

	// A repeat vote from the same client must not add weight.
	s.HandleMessage(a, winnerMessage("player", "a"))
	s.HandleMessage(a, winnerMessage("player", "a"))
	if w, _ := s.Winner(); w != nil {
		t.Fatal("repeat votes counted toward quorum")
	}

	// Out-of-sync clients do not vote.
	s.HandleMessage(c, winnerMessage("player", "a"))
	if w, _ := s.Winner(); w != nil {
		t.Fatal("out-of-sync vote counted toward quorum")
	}
}

func TestPublicGameIPCap(t *testing.T) {
	s := NewServer("sess-9", "persist-a", publicConfig(), archive.NewMemorySink(), testOptions())
	for i := 0; i < maxClientsPerIP; i++ {
		addClient(t, s, fmt.Sprintf("c%d", i), "10.0.0.1")
	}

	extra := NewClient("c9", "persist-c9", "10.0.0.1", "user", nil)
	if err := s.JoinClient(extra, 0); err != ErrDuplicateIP {
		t.Errorf("expected ErrDuplicateIP, got %v", err)
	}

	other := NewClient("c10", "persist-c10", "10.0.0.2", "user", nil)
	if err := s.JoinClient(other, 0); err != nil {
		t.Errorf("different IP should be admitted: %v", err)
	}
}

func TestKickBarsRejoin(t *testing.T) {
	s := NewServer("sess-10", "persist-a", publicConfig(), archive.NewMemorySink(), testOptions())
	addClient(t, s, "a", "10.0.0.1")
	addClient(t, s, "b", "10.0.0.2")

	s.KickClient("b", "kicked by host")
	s.KickClient("b", "kicked by host") // idempotent

	if s.ActiveClients() != 1 {
		t.Errorf("expected 1 active client after kick, got %d", s.ActiveClients())
	}

	again := NewClient("b", "persist-b", "10.0.0.2", "user-b", nil)
	if err := s.JoinClient(again, 0); err != ErrKicked {
		t.Errorf("expected ErrKicked on rejoin, got %v", err)
	}
	if _, err := s.RejoinClient(nil, "b", "persist-b", 0); err != ErrKicked {
		t.Errorf("expected ErrKicked on stream rejoin, got %v", err)
	}
}

func TestHostKickIntent(t *testing.T) {
	s := NewServer("sess-11", "persist-a", publicConfig(), archive.NewMemorySink(), testOptions())
	a := addClient(t, s, "a", "10.0.0.1")
	b := addClient(t, s, "b", "10.0.0.2")
	s.Start()

	// Non-creator kick attempts are ignored.
	kick, _ := json.Marshal(map[string]interface{}{"type": IntentKickPlayer, "clientID": "b", "target": "a"})
	msg, _ := json.Marshal(map[string]interface{}{"type": "intent", "intent": json.RawMessage(kick)})
	s.HandleMessage(b, msg)
	if s.ActiveClients() != 2 {
		t.Fatal("non-creator kick should be ignored")
	}

	kick, _ = json.Marshal(map[string]interface{}{"type": IntentKickPlayer, "clientID": "a", "target": "b"})
	msg, _ = json.Marshal(map[string]interface{}{"type": "intent", "intent": json.RawMessage(kick)})
	s.HandleMessage(a, msg)
	if s.ActiveClients() != 1 {
		t.Error("creator kick should remove the target")
	}
}

func TestMalformedKickTargetDropped(t *testing.T) {
	s := NewServer("sess-23", "persist-a", publicConfig(), archive.NewMemorySink(), testOptions())
	a := addClient(t, s, "a", "10.0.0.1")
	addClient(t, s, "b", "10.0.0.2")
	s.Start()

	// A non-string target fails to decode; the intent must be dropped
	// without removing anyone.
	kick, _ := json.Marshal(map[string]interface{}{"type": IntentKickPlayer, "clientID": "a", "target": 42})
	msg, _ := json.Marshal(map[string]interface{}{"type": "intent", "intent": json.RawMessage(kick)})
	s.HandleMessage(a, msg)

	if s.ActiveClients() != 2 {
		t.Errorf("malformed kick intent removed a client, %d active", s.ActiveClients())
	}
}

func pauseMessage(clientID string, paused bool) []byte {
	intent, _ := json.Marshal(map[string]interface{}{
		"type": IntentTogglePause, "clientID": clientID, "paused": paused,
	})
	data, _ := json.Marshal(map[string]interface{}{
		"type": "intent", "intent": json.RawMessage(intent),
	})
	return data
}

func TestPauseFreezesTurnsAndUnpauseFlushes(t *testing.T) {
	s := NewServer("sess-12", "persist-a", publicConfig(), archive.NewMemorySink(), testOptions())
	a := addClient(t, s, "a", "10.0.0.1")
	s.Start()

	s.HandleMessage(a, pauseMessage("a", true))
	s.Tick()
	s.Tick()
	if got := len(s.Turns()); got != 0 {
		t.Fatalf("paused session emitted %d turns", got)
	}

	// Intents queued while paused stay pending.
	s.HandleMessage(a, intentMessage(IntentMove, "a"))
	s.Tick()
	if got := len(s.Turns()); got != 0 {
		t.Fatalf("paused session emitted %d turns after intent", got)
	}

	s.HandleMessage(a, pauseMessage("a", false))
	s.Tick()
	turns := s.Turns()
	if len(turns) != 1 {
		t.Fatalf("expected 1 turn after unpause, got %d", len(turns))
	}
	// pause intent, queued move, unpause intent
	if len(turns[0].Intents) != 3 {
		t.Errorf("expected 3 flushed intents, got %d", len(turns[0].Intents))
	}
}

func TestPersistentIDReclaimEvictsPriorHolder(t *testing.T) {
	s := NewServer("sess-13", "persist-a", publicConfig(), archive.NewMemorySink(), testOptions())
	old := NewClient("old", "shared-pid", "10.0.0.1", "user", nil)
	if err := s.JoinClient(old, 0); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	fresh := NewClient("fresh", "shared-pid", "10.0.0.2", "user", nil)
	if err := s.JoinClient(fresh, 0); err != nil {
		t.Fatalf("reclaim join failed: %v", err)
	}

	if s.ActiveClients() != 1 {
		t.Errorf("expected 1 active client after reclaim, got %d", s.ActiveClients())
	}
	s.mu.RLock()
	_, oldActive := s.clients["old"]
	_, freshActive := s.clients["fresh"]
	s.mu.RUnlock()
	if oldActive || !freshActive {
		t.Error("new stream should replace the prior persistent-id holder")
	}
}

func TestRejoinRequiresMatchingPersistentID(t *testing.T) {
	s := NewServer("sess-14", "persist-a", publicConfig(), archive.NewMemorySink(), testOptions())
	addClient(t, s, "a", "10.0.0.1")
	s.DetachClient("a")

	if _, err := s.RejoinClient(nil, "a", "wrong-pid", 0); err != ErrBadPersistentID {
		t.Errorf("expected ErrBadPersistentID, got %v", err)
	}
	if _, err := s.RejoinClient(nil, "a", "persist-a", 0); err != nil {
		t.Errorf("legitimate rejoin failed: %v", err)
	}
	if s.ActiveClients() != 1 {
		t.Errorf("expected 1 active client after rejoin, got %d", s.ActiveClients())
	}
}

func TestConfigUpdateRules(t *testing.T) {
	cfg := publicConfig()
	cfg.GameType = models.GameTypePrivate
	s := NewServer("sess-15", "creator", cfg, archive.NewMemorySink(), testOptions())

	partial := map[string]json.RawMessage{
		"gameType": json.RawMessage(`"public"`),
		"botCount": json.RawMessage(`7`),
	}
	if err := s.UpdateConfig("someone-else", partial); err != ErrNotCreator {
		t.Errorf("expected ErrNotCreator, got %v", err)
	}
	if err := s.UpdateConfig("creator", partial); err != nil {
		t.Fatalf("creator update failed: %v", err)
	}

	got := s.Config()
	if got.GameType != models.GameTypePrivate {
		t.Error("private game must not flip public")
	}
	if got.BotCount != 7 {
		t.Errorf("botCount not applied, got %d", got.BotCount)
	}

	s.Start()
	if err := s.UpdateConfig("creator", partial); err != ErrAlreadyStarted {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestEndEmitsRecordOnce(t *testing.T) {
	sink := archive.NewMemorySink()
	s := NewServer("sess-16", "persist-a", publicConfig(), sink, testOptions())
	addClient(t, s, "a", "10.0.0.1")
	s.Start()
	s.Tick()

	record := s.End()
	if record == nil {
		t.Fatal("End should emit a record for a started session with clients")
	}
	if len(record.Turns) != 1 {
		t.Errorf("expected 1 turn in record, got %d", len(record.Turns))
	}
	if s.End() != nil {
		t.Error("second End should be a no-op")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if exists, _ := sink.GameRecordExists("sess-16"); exists {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("End did not archive the record")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEndWithoutStartEmitsNothing(t *testing.T) {
	sink := archive.NewMemorySink()
	s := NewServer("sess-17", "persist-a", publicConfig(), sink, testOptions())
	addClient(t, s, "a", "10.0.0.1")

	if record := s.End(); record != nil {
		t.Error("unstarted session must not emit a record")
	}
	if exists, _ := sink.GameRecordExists("sess-17"); exists {
		t.Error("unstarted session must not archive")
	}
}

func TestAllowListAndRoles(t *testing.T) {
	cfg := publicConfig()
	cfg.GameType = models.GameTypePrivate
	cfg.AllowedIdentityIDs = []string{"id-1"}
	s := NewServer("sess-18", "persist-a", cfg, archive.NewMemorySink(), testOptions())

	denied := NewClient("x", "p-x", "10.0.0.1", "user", nil)
	denied.IdentityID = "id-2"
	if err := s.JoinClient(denied, 0); err != ErrForbidden {
		t.Errorf("expected ErrForbidden for identity outside the allow list, got %v", err)
	}

	allowed := NewClient("y", "p-y", "10.0.0.1", "user", nil)
	allowed.IdentityID = "id-1"
	if err := s.JoinClient(allowed, 0); err != nil {
		t.Errorf("allow-listed identity rejected: %v", err)
	}
}

func TestMaxPlayersEnforced(t *testing.T) {
	two := 2
	cfg := publicConfig()
	cfg.MaxPlayers = &two
	s := NewServer("sess-19", "persist-a", cfg, archive.NewMemorySink(), testOptions())
	addClient(t, s, "a", "10.0.0.1")
	addClient(t, s, "b", "10.0.0.2")

	third := NewClient("c", "p-c", "10.0.0.3", "user", nil)
	if err := s.JoinClient(third, 0); err != ErrFull {
		t.Errorf("expected ErrFull, got %v", err)
	}
}

func TestPhaseTransitions(t *testing.T) {
	s := NewServer("sess-20", "persist-a", publicConfig(), archive.NewMemorySink(), testOptions())
	if s.Phase() != PhaseLobby {
		t.Errorf("fresh session should be in lobby, got %s", s.Phase())
	}

	s.ScheduleStart(time.Now().Add(-time.Second))
	if s.Phase() != PhaseActive {
		t.Errorf("past-due scheduled start should read active, got %s", s.Phase())
	}

	addClient(t, s, "a", "10.0.0.1")
	s.Start()
	if s.Phase() != PhaseActive {
		t.Errorf("started session should be active, got %s", s.Phase())
	}

	s.End()
	if s.Phase() != PhaseFinished {
		t.Errorf("ended session should be finished, got %s", s.Phase())
	}
}
