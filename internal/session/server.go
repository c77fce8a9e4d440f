package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"territory-platform/server/internal/archive"
	"territory-platform/server/internal/models"

	"github.com/gorilla/websocket"
)

// Phase is the session lifecycle state
type Phase string

const (
	PhaseLobby    Phase = "lobby"
	PhaseActive   Phase = "active"
	PhaseFinished Phase = "finished"
)

// Admission failures surfaced to the join path
var (
	ErrKicked          = errors.New("client was kicked from this session")
	ErrFull            = errors.New("session is full")
	ErrDuplicateIP     = errors.New("too many clients from this IP")
	ErrEnded           = errors.New("session has ended")
	ErrNotCreator      = errors.New("only the lobby creator may do this")
	ErrAlreadyStarted  = errors.New("session already started")
	ErrForbidden       = errors.New("client does not meet the session requirements")
	ErrBadPersistentID = errors.New("persistent id does not match")
)

const (
	reconcileEvery = 10
	livenessEvery  = 5
	hashRetention  = 20

	// maxClientsPerIP caps the public-game IP fanout
	maxClientsPerIP = 3

	// emptyGrace is how long a started session survives with no
	// attached clients before it is considered finished.
	emptyGrace = 30 * time.Second
)

// Options carries the worker-level knobs a session needs
type Options struct {
	TurnInterval        time.Duration
	DisconnectThreshold time.Duration
	EvictionThreshold   time.Duration
	MaxDuration         time.Duration
}

// Server runs one live multiplayer session from lobby to archive.
// All state is guarded by mu; the turn pump and the per-stream readers
// both take it, so between sessions nothing is shared.
type Server struct {
	ID        string
	CreatedAt time.Time

	mu        sync.RWMutex
	config    models.SessionConfig
	creatorID string

	opts Options
	sink archive.Sink

	clients  map[string]*Client // active set by client id
	departed map[string]*Client // evicted but rejoinable, by client id
	kicked   map[string]bool

	pendingIntents []json.RawMessage
	turns          []models.Turn

	outOfSync  map[string]bool
	desyncSent map[string]bool

	winnerVotes map[string]map[string]bool // winner key -> voter IPs
	winner      *models.WinnerDescriptor
	winnerStats json.RawMessage

	prestarted bool
	hasStarted bool
	hasEnded   bool
	startedAt  time.Time
	emptySince *time.Time
	startInfo  *GameStartInfo

	startRequestedAt *time.Time

	paused bool

	archived bool

	tickCount int
	stopTick  chan struct{}
}

// NewServer creates a session in the Lobby phase.
func NewServer(id, creatorID string, config models.SessionConfig, sink archive.Sink, opts Options) *Server {
	if opts.TurnInterval <= 0 {
		opts.TurnInterval = 100 * time.Millisecond
	}
	return &Server{
		ID:          id,
		CreatedAt:   time.Now(),
		config:      config,
		creatorID:   creatorID,
		opts:        opts,
		sink:        sink,
		clients:     make(map[string]*Client),
		departed:    make(map[string]*Client),
		kicked:      make(map[string]bool),
		outOfSync:   make(map[string]bool),
		desyncSent:  make(map[string]bool),
		winnerVotes: make(map[string]map[string]bool),
		stopTick:    make(chan struct{}),
	}
}

// Phase derives the lifecycle state the manager acts on.
func (s *Server) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phaseLocked()
}

func (s *Server) phaseLocked() Phase {
	now := time.Now()
	if s.hasEnded {
		return PhaseFinished
	}
	if s.hasStarted {
		if s.opts.MaxDuration > 0 && now.Sub(s.startedAt) > s.opts.MaxDuration {
			return PhaseFinished
		}
		if len(s.clients) == 0 && s.emptySince != nil && now.Sub(*s.emptySince) > emptyGrace {
			return PhaseFinished
		}
		return PhaseActive
	}
	if s.startRequestedAt != nil && !now.Before(*s.startRequestedAt) {
		return PhaseActive
	}
	return PhaseLobby
}

// ScheduleStart requests the lobby→active transition at the given time.
func (s *Server) ScheduleStart(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startRequestedAt == nil {
		s.startRequestedAt = &at
	}
}

// Config returns a copy of the current session config.
func (s *Server) Config() models.SessionConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// CreatorID returns the persistent id of the lobby creator.
func (s *Server) CreatorID() string {
	return s.creatorID
}

// Info returns the public view used by lobby listings.
func (s *Server) Info() models.SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return models.SessionInfo{
		SessionID:  s.ID,
		Config:     s.config,
		NumClients: len(s.clients),
		HasStarted: s.hasStarted,
		CreatedAt:  s.CreatedAt,
	}
}

// Winner returns the adopted winner and stats, if any.
func (s *Server) Winner() (*models.WinnerDescriptor, json.RawMessage) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.winner, s.winnerStats
}

// JoinClient admits a new stream into the session. When the session has
// already started the joiner immediately receives a start message with
// every turn from its requested lastTurn onward.
func (s *Server) JoinClient(client *Client, lastTurn int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasEnded {
		return ErrEnded
	}
	if s.kicked[client.ClientID] {
		return ErrKicked
	}

	if len(s.config.AllowedIdentityIDs) > 0 && !contains(s.config.AllowedIdentityIDs, client.IdentityID) {
		return ErrForbidden
	}
	if len(s.config.RequiredRoles) > 0 && !hasAnyRole(client.Roles, s.config.RequiredRoles) {
		return ErrForbidden
	}

	if _, already := s.clients[client.ClientID]; !already {
		if s.config.MaxPlayers != nil && len(s.clients) >= *s.config.MaxPlayers {
			return ErrFull
		}
		if s.config.GameType == models.GameTypePublic && s.countIPLocked(client.IP) >= maxClientsPerIP {
			return ErrDuplicateIP
		}
	}

	// Exactly one client holds a persistent id at a time: a new stream
	// with a known persistent id evicts the prior holder.
	for id, existing := range s.clients {
		if existing.PersistentID == client.PersistentID && id != client.ClientID {
			log.Printf("[SESSION %s] Evicting %s: persistent id reclaimed by %s", s.ID, id, client.ClientID)
			existing.Close(CloseProtocol, "session opened elsewhere")
			delete(s.clients, id)
			s.departed[id] = existing
		}
	}

	client.LastPing = time.Now()
	s.clients[client.ClientID] = client
	delete(s.departed, client.ClientID)
	s.emptySince = nil

	if s.hasStarted {
		s.sendStartLocked(client, lastTurn)
	}

	log.Printf("[SESSION %s] Client %s joined (%d active)", s.ID, client.ClientID, len(s.clients))
	return nil
}

// RejoinClient re-attaches a fresh stream to a known client entry.
func (s *Server) RejoinClient(conn *websocket.Conn, clientID, persistentID string, lastTurn int) (*Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasEnded {
		return nil, ErrEnded
	}
	if s.kicked[clientID] {
		return nil, ErrKicked
	}

	client, ok := s.clients[clientID]
	if !ok {
		client, ok = s.departed[clientID]
	}
	if !ok {
		return nil, fmt.Errorf("unknown client %s", clientID)
	}
	if client.PersistentID != persistentID {
		return nil, ErrBadPersistentID
	}

	client.Attach(conn)
	s.clients[clientID] = client
	delete(s.departed, clientID)
	s.emptySince = nil

	if s.hasStarted {
		s.sendStartLocked(client, lastTurn)
	}

	log.Printf("[SESSION %s] Client %s rejoined from turn %d", s.ID, clientID, lastTurn)
	return client, nil
}

// UpdateConfig merges a partial config. Lobby only, creator only, and a
// private game can never flip public.
func (s *Server) UpdateConfig(requesterPersistentID string, partial map[string]json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasStarted || s.hasEnded {
		return ErrAlreadyStarted
	}
	if requesterPersistentID != s.creatorID {
		return ErrNotCreator
	}

	s.config.ApplyPartial(partial)
	return nil
}

// KickClient removes a client and bars it from rejoining. Idempotent.
func (s *Server) KickClient(clientID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.kicked[clientID] {
		return
	}
	s.kicked[clientID] = true

	if client, ok := s.clients[clientID]; ok {
		client.Close(CloseNormal, reason)
		delete(s.clients, clientID)
		s.markEmptyLocked()
	}
	delete(s.departed, clientID)

	log.Printf("[SESSION %s] Kicked client %s (%s)", s.ID, clientID, reason)
}

// Prestart broadcasts map identity so clients can begin loading.
// One-shot.
func (s *Server) Prestart() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.prestarted || s.hasEnded {
		return
	}
	s.prestarted = true

	s.broadcastLocked(ServerMessage{
		Type:        "prestart",
		GameMap:     s.config.GameMap,
		GameMapSize: s.config.GameMapSize,
	})
}

// Start freezes the roster and config and begins the turn pump.
// One-shot.
func (s *Server) Start() {
	s.mu.Lock()

	if s.hasStarted || s.hasEnded {
		s.mu.Unlock()
		return
	}
	s.hasStarted = true
	s.startedAt = time.Now()
	s.markEmptyLocked()

	players := make([]PlayerInfo, 0, len(s.clients))
	for _, c := range s.clients {
		players = append(players, PlayerInfo{
			ClientID:  c.ClientID,
			Username:  c.Username,
			Cosmetics: c.Cosmetics,
		})
	}
	s.startInfo = &GameStartInfo{
		SessionID: s.ID,
		Config:    s.config,
		Players:   players,
	}

	msg := ServerMessage{
		Type:           "start",
		GameStartInfo:  s.startInfo,
		Turns:          []models.Turn{},
		LobbyCreatedAt: s.CreatedAt.UnixMilli(),
	}
	s.broadcastLocked(msg)
	s.mu.Unlock()

	go s.runTurnPump()

	log.Printf("[SESSION %s] Started with %d players", s.ID, len(players))
}

// End stops the tick, closes every stream, and emits the final record
// if a start ever occurred with at least one client. One-shot. Returns
// the record when one was produced (already-archived sessions return
// theirs again for the caller's bookkeeping).
func (s *Server) End() *models.GameRecord {
	s.mu.Lock()

	if s.hasEnded {
		s.mu.Unlock()
		return nil
	}
	s.hasEnded = true

	if s.hasStarted {
		close(s.stopTick)
	}

	var record *models.GameRecord
	if s.hasStarted && (len(s.clients) > 0 || len(s.departed) > 0) {
		record = s.buildRecordLocked()
	}

	for _, client := range s.clients {
		client.Close(CloseNormal, "game ended")
	}
	s.clients = make(map[string]*Client)

	shouldArchive := record != nil && !s.archived
	if shouldArchive {
		s.archived = true
	}
	s.mu.Unlock()

	if shouldArchive {
		s.archiveRecord(record)
	}

	log.Printf("[SESSION %s] Ended", s.ID)
	return record
}

// runTurnPump drives the fixed-interval turn loop until End.
func (s *Server) runTurnPump() {
	ticker := time.NewTicker(s.opts.TurnInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Tick()
		case <-s.stopTick:
			return
		}
	}
}

// Tick runs one pump iteration: liveness sweep, turn snapshot,
// reconciliation, broadcast. Exported so tests can drive turns without
// real time.
func (s *Server) Tick() {
	s.mu.Lock()

	if s.hasEnded {
		s.mu.Unlock()
		return
	}

	// Heartbeat loss detection keeps running while paused.
	s.tickCount++
	if s.tickCount%livenessEvery == 0 {
		s.livenessSweepLocked()
	}

	if s.paused {
		s.mu.Unlock()
		return
	}

	turn := models.Turn{
		TurnNumber: len(s.turns),
		Intents:    s.pendingIntents,
	}
	if turn.Intents == nil {
		turn.Intents = []json.RawMessage{}
	}
	s.pendingIntents = nil
	s.turns = append(s.turns, turn)

	if turn.TurnNumber > 0 && turn.TurnNumber%reconcileEvery == 0 {
		s.reconcileLocked(turn.TurnNumber - reconcileEvery)
	}

	s.broadcastLocked(ServerMessage{Type: "turn", Turn: &s.turns[turn.TurnNumber]})
	s.mu.Unlock()
}

// HandleMessage processes one inbound frame from an attached client.
// The returned close code is non-zero when the stream must be closed.
func (s *Server) HandleMessage(client *Client, raw []byte) int {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		client.Send(ServerMessage{Type: "error", Error: "malformed_message", Message: err.Error()})
		return CloseProtocol
	}

	switch msg.Type {
	case "ping":
		s.mu.Lock()
		client.LastPing = time.Now()
		s.mu.Unlock()

	case "intent":
		s.handleIntent(client, msg.Intent)

	case "hash":
		if msg.TurnNumber == nil || msg.Hash == nil {
			client.Send(ServerMessage{Type: "error", Error: "malformed_message", Message: "hash requires turnNumber and hash"})
			return CloseProtocol
		}
		s.recordHash(client, *msg.TurnNumber, *msg.Hash)

	case "winner":
		s.handleWinnerVote(client, msg.Winner, msg.AllPlayersStats)

	default:
		log.Printf("[SESSION %s] Unknown message type %q from %s", s.ID, msg.Type, client.ClientID)
	}
	return 0
}

func (s *Server) handleIntent(client *Client, raw json.RawMessage) {
	env, err := parseIntent(raw)
	if err != nil {
		log.Printf("[SESSION %s] Dropping malformed intent from %s: %v", s.ID, client.ClientID, err)
		return
	}

	// Schema-valid intents claiming another client's id are dropped
	// silently; only the log sees them.
	if env.ClientID != client.ClientID {
		log.Printf("[SESSION %s] Dropping intent with mismatched clientID %s from %s", s.ID, env.ClientID, client.ClientID)
		return
	}

	if !knownIntentTypes[env.Type] {
		log.Printf("[SESSION %s] Dropping unknown intent type %q from %s", s.ID, env.Type, client.ClientID)
		return
	}
	if env.Type == IntentMarkDisconnected {
		// Server-synthesized only
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasEnded {
		return
	}

	if env.Type == IntentTogglePause && env.Paused != nil {
		if *env.Paused {
			s.pendingIntents = append(s.pendingIntents, raw)
			s.paused = true
		} else {
			// Clear the flag first so the next tick carries the
			// unpause intent.
			s.paused = false
			s.pendingIntents = append(s.pendingIntents, raw)
		}
		return
	}

	if env.Type == IntentKickPlayer {
		var kick struct {
			Target string `json:"target"`
		}
		if err := json.Unmarshal(raw, &kick); err != nil {
			log.Printf("[SESSION %s] Dropping malformed kick intent from %s: %v", s.ID, client.ClientID, err)
			return
		}
		if client.PersistentID == s.creatorID && kick.Target != "" && kick.Target != client.ClientID {
			s.mu.Unlock()
			s.KickClient(kick.Target, "kicked by host")
			s.mu.Lock()
		}
		return
	}

	s.pendingIntents = append(s.pendingIntents, raw)
}

// recordHash stores a client's simulation hash for a turn. Entries more
// than 20 turns behind the current turn are refused and pruned.
func (s *Server) recordHash(client *Client, turnNumber int, hash uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := len(s.turns)
	if turnNumber < current-hashRetention {
		return
	}
	client.hashes[turnNumber] = hash

	for n := range client.hashes {
		if n < current-hashRetention {
			delete(client.hashes, n)
		}
	}
}

// reconcileLocked runs majority-hash desync detection for the turn 10
// behind the current one.
func (s *Server) reconcileLocked(recTurn int) {
	if recTurn < 0 || recTurn >= len(s.turns) {
		return
	}

	// Boyer-Moore majority vote over the posted hashes.
	var majority uint64
	count := 0
	posted := 0
	for _, client := range s.clients {
		hash, ok := client.hashes[recTurn]
		if !ok {
			continue
		}
		posted++
		if count == 0 {
			majority = hash
			count = 1
		} else if hash == majority {
			count++
		} else {
			count--
		}
	}
	if posted == 0 {
		return
	}

	agreed := 0
	for _, client := range s.clients {
		if hash, ok := client.hashes[recTurn]; ok && hash == majority {
			agreed++
		}
	}

	newlyOut := make([]string, 0)
	for id, client := range s.clients {
		if hash, ok := client.hashes[recTurn]; ok && hash != majority {
			if !s.outOfSync[id] {
				newlyOut = append(newlyOut, id)
			}
			s.outOfSync[id] = true
		}
	}

	// If the posted hashes that disagree cover half or more of the
	// active clients, the picked majority is unreliable: treat everyone
	// as out of sync. Clients that posted nothing carry no signal and
	// never count as disagreement.
	if 2*(posted-agreed) >= len(s.clients) {
		for id := range s.clients {
			if !s.outOfSync[id] {
				newlyOut = append(newlyOut, id)
			}
			s.outOfSync[id] = true
		}
	}

	// Retroactive canonical hash for late joiners.
	s.turns[recTurn].Hash = &majority

	for _, id := range newlyOut {
		key := fmt.Sprintf("%s:%d", id, recTurn)
		if s.desyncSent[key] {
			continue
		}
		s.desyncSent[key] = true

		client := s.clients[id]
		if client == nil {
			continue
		}
		turnCopy := recTurn
		hashCopy := majority
		client.Send(ServerMessage{
			Type:                   "desync",
			DesyncTurn:             &turnCopy,
			CorrectHash:            &hashCopy,
			ClientsWithCorrectHash: agreed,
			TotalActiveClients:     len(s.clients),
		})
		log.Printf("[SESSION %s] Desync: client %s at turn %d (%d/%d agreed)", s.ID, id, recTurn, agreed, len(s.clients))
	}
}

// handleWinnerVote records one client's winner proposal. Adoption needs
// voting IPs covering at least half the distinct active-client IPs.
func (s *Server) handleWinnerVote(client *Client, winnerRaw, statsRaw json.RawMessage) {
	if winnerRaw == nil {
		return
	}

	var descriptor models.WinnerDescriptor
	if err := json.Unmarshal(winnerRaw, &descriptor); err != nil || descriptor.Kind == "" {
		log.Printf("[SESSION %s] Dropping malformed winner vote from %s", s.ID, client.ClientID)
		return
	}

	s.mu.Lock()

	if s.hasEnded || s.winner != nil {
		s.mu.Unlock()
		return
	}
	if client.hasVoted || s.outOfSync[client.ClientID] || s.kicked[client.ClientID] {
		s.mu.Unlock()
		return
	}
	client.hasVoted = true

	key := descriptor.Key()
	if s.winnerVotes[key] == nil {
		s.winnerVotes[key] = make(map[string]bool)
	}
	s.winnerVotes[key][client.IP] = true

	activeIPs := make(map[string]bool)
	for _, c := range s.clients {
		activeIPs[c.IP] = true
	}

	if len(activeIPs) == 0 || 2*len(s.winnerVotes[key]) < len(activeIPs) {
		s.mu.Unlock()
		return
	}

	// Quorum reached: adopt and archive immediately. First winner
	// wins; End() will not re-archive.
	s.winner = &descriptor
	s.winnerStats = statsRaw

	var record *models.GameRecord
	if s.hasStarted && !s.archived {
		s.archived = true
		record = s.buildRecordLocked()
	}
	s.mu.Unlock()

	log.Printf("[SESSION %s] Winner adopted: %s", s.ID, key)
	if record != nil {
		go s.archiveRecord(record)
	}
}

// livenessSweepLocked marks silent clients disconnected (as a
// synthesized intent so every client observes it at the same turn) and
// evicts clients silent past the eviction threshold.
func (s *Server) livenessSweepLocked() {
	now := time.Now()

	for id, client := range s.clients {
		silence := now.Sub(client.LastPing)

		if silence > s.opts.EvictionThreshold && s.opts.EvictionThreshold > 0 {
			client.Close(CloseNormal, "heartbeat lost")
			delete(s.clients, id)
			s.departed[id] = client
			s.markEmptyLocked()
			log.Printf("[SESSION %s] Evicted client %s after %v of silence", s.ID, id, silence)
			continue
		}

		if silence > s.opts.DisconnectThreshold && !client.Disconnected {
			client.Disconnected = true
			s.pendingIntents = append(s.pendingIntents, makeDisconnectIntent(id, true))
		} else if silence <= s.opts.DisconnectThreshold && client.Disconnected {
			client.Disconnected = false
			s.pendingIntents = append(s.pendingIntents, makeDisconnectIntent(id, false))
		}
	}
}

// DetachClient handles a stream closing from the client side.
func (s *Server) DetachClient(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[clientID]
	if !ok {
		return
	}
	delete(s.clients, clientID)
	s.departed[clientID] = client
	s.markEmptyLocked()
}

// sendStartLocked delivers the start message with turns[lastTurn:] to a
// late joiner or rejoiner.
func (s *Server) sendStartLocked(client *Client, lastTurn int) {
	if lastTurn < 0 {
		lastTurn = 0
	}
	if lastTurn > len(s.turns) {
		lastTurn = len(s.turns)
	}

	turns := make([]models.Turn, len(s.turns)-lastTurn)
	copy(turns, s.turns[lastTurn:])

	client.Send(ServerMessage{
		Type:           "start",
		GameStartInfo:  s.startInfo,
		Turns:          turns,
		LobbyCreatedAt: s.CreatedAt.UnixMilli(),
	})
}

// BroadcastLobbyInfo pushes the lobby snapshot to every client; the
// manager calls this at ~1 Hz while the session is in Lobby.
func (s *Server) BroadcastLobbyInfo() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasStarted || s.hasEnded {
		return
	}
	info := models.SessionInfo{
		SessionID:  s.ID,
		Config:     s.config,
		NumClients: len(s.clients),
		HasStarted: false,
		CreatedAt:  s.CreatedAt,
	}
	s.broadcastLocked(ServerMessage{Type: "lobby_info", Lobby: &info})
}

func (s *Server) broadcastLocked(msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[SESSION %s] Failed to marshal %s message: %v", s.ID, msg.Type, err)
		return
	}
	for _, client := range s.clients {
		client.SendRaw(data)
	}
}

func (s *Server) buildRecordLocked() *models.GameRecord {
	players := make([]models.PlayerRecord, 0, len(s.clients)+len(s.departed))
	addPlayer := func(c *Client) {
		players = append(players, models.PlayerRecord{
			ClientID:     c.ClientID,
			PersistentID: c.PersistentID,
			Username:     c.Username,
			Stats:        s.playerStatsLocked(c.ClientID),
		})
	}
	for _, c := range s.clients {
		addPlayer(c)
	}
	for _, c := range s.departed {
		addPlayer(c)
	}

	turns := make([]models.Turn, len(s.turns))
	copy(turns, s.turns)

	return &models.GameRecord{
		SessionID: s.ID,
		Config:    s.config,
		Players:   players,
		Turns:     turns,
		StartedAt: s.startedAt,
		EndedAt:   time.Now(),
		Winner:    s.winner,
	}
}

func (s *Server) playerStatsLocked(clientID string) json.RawMessage {
	if s.winnerStats == nil {
		return nil
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(s.winnerStats, &all); err != nil {
		return nil
	}
	return all[clientID]
}

// archiveRecord is fire-and-forget: the pump never blocks on the sink,
// and a sink failure still lets the session close.
func (s *Server) archiveRecord(record *models.GameRecord) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Archive(record); err != nil {
		log.Printf("[SESSION %s] Archive failed: %v", s.ID, err)
	}
}

// Turns returns a copy of the turn log.
func (s *Server) Turns() []models.Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	turns := make([]models.Turn, len(s.turns))
	copy(turns, s.turns)
	return turns
}

// HasStarted reports whether Start has run.
func (s *Server) HasStarted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasStarted
}

// HasEnded reports whether End has run.
func (s *Server) HasEnded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasEnded
}

// ActiveClients returns the number of attached clients.
func (s *Server) ActiveClients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) countIPLocked(ip string) int {
	n := 0
	for _, client := range s.clients {
		if client.IP == ip {
			n++
		}
	}
	return n
}

func (s *Server) markEmptyLocked() {
	if len(s.clients) == 0 && s.emptySince == nil {
		now := time.Now()
		s.emptySince = &now
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func hasAnyRole(roles, required []string) bool {
	for _, r := range required {
		if contains(roles, r) {
			return true
		}
	}
	return false
}
